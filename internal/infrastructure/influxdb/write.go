package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementJobs    = "dispatch_jobs"
	measurementDevices = "device_status"
	measurementCircuit = "device_circuit"
	measurementProbes  = "device_probes"
	measurementCounter = "dispatch_counters"
)

// WriteJobOutcome records one job attempt outcome.
//
// outcome is one of created, success, retry or failed.
//
// Example:
//
//	client.WriteJobOutcome("tv-1", "power.on", "retry", 2)
func (c *Client) WriteJobOutcome(deviceID, command, outcome string, attempts int) {
	c.writePoint(measurementJobs,
		map[string]string{
			"device_id": deviceID,
			"command":   command,
			"outcome":   outcome,
		},
		map[string]any{
			"count":    1,
			"attempts": attempts,
		},
	)
}

// WriteDeviceOffline records a device being marked offline.
func (c *Client) WriteDeviceOffline(deviceID string) {
	c.writePoint(measurementDevices,
		map[string]string{"device_id": deviceID, "status": "offline"},
		map[string]any{"count": 1},
	)
}

// WriteCircuitEvent records a breaker event (rejected or tripped).
func (c *Client) WriteCircuitEvent(deviceID, event string) {
	c.writePoint(measurementCircuit,
		map[string]string{"device_id": deviceID, "event": event},
		map[string]any{"count": 1},
	)
}

// WriteProbe records one reconciliation probe result.
func (c *Client) WriteProbe(deviceID string, ok bool, latency time.Duration) {
	c.writePoint(measurementProbes,
		map[string]string{"device_id": deviceID},
		map[string]any{
			"ok":         ok,
			"latency_ms": latency.Milliseconds(),
		},
	)
}

// WriteCounters records a snapshot of the cumulative counters.
//
//	client.WriteCounters(map[string]uint64{"jobs_created": 12, "jobs_failed": 1})
func (c *Client) WriteCounters(counters map[string]uint64) {
	fields := make(map[string]any, len(counters))
	for k, v := range counters {
		fields[k] = v
	}
	c.writePoint(measurementCounter, nil, fields)
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any) {
	if c == nil || !c.IsConnected() || len(fields) == 0 {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
