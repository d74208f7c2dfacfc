// Package metrics keeps in-process dispatch counters.
//
// A Registry implements the narrow metrics interfaces of the breaker,
// event bus and state packages, plus hooks for the worker, reconciliation
// loop and live feed. Counters are exposed through Snapshot and, when a
// Sink is attached, mirrored to InfluxDB.
package metrics
