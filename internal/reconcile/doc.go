// Package reconcile runs the Reconciliation Loop: a periodic out-of-band
// health probe of every device with an HTTP endpoint.
//
// Probes fan out concurrently, bounded by Config.Concurrency, each with
// its own timeout. A successful probe marks the device online and merges
// {"health": {"ok": true, "data": ...}} into its state; a failed probe
// counts toward the shared per-device failure threshold.
package reconcile
