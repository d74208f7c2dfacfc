// Package influxdb writes dispatch metrics to InfluxDB v2.
//
// It wraps influxdb-client-go with connection checks and a non-blocking
// batched write API. Points are written for job outcomes, offline
// transitions, breaker events, reconciliation probes and periodic counter
// snapshots.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteJobOutcome("tv-1", "power.on", "success", 1)
//
// Write errors are delivered asynchronously to the SetOnError callback.
package influxdb
