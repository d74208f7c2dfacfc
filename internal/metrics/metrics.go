package metrics

import (
	"context"
	"sync/atomic"
	"time"
)

// Job outcome labels passed to the Sink.
const (
	OutcomeCreated = "created"
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)

// Circuit event labels passed to the Sink.
const (
	CircuitEventRejected = "rejected"
	CircuitEventTripped  = "tripped"
)

// Sink receives individual metric points. influxdb.Client satisfies it.
type Sink interface {
	WriteJobOutcome(deviceID, command, outcome string, attempts int)
	WriteDeviceOffline(deviceID string)
	WriteCircuitEvent(deviceID, event string)
	WriteProbe(deviceID string, ok bool, latency time.Duration)
	WriteCounters(counters map[string]uint64)
}

type noopSink struct{}

func (noopSink) WriteJobOutcome(string, string, string, int) {}
func (noopSink) WriteDeviceOffline(string)                   {}
func (noopSink) WriteCircuitEvent(string, string)            {}
func (noopSink) WriteProbe(string, bool, time.Duration)      {}
func (noopSink) WriteCounters(map[string]uint64)             {}

// Registry holds the dispatch counters.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Registry struct {
	jobsCreated   atomic.Uint64
	jobsSuccess   atomic.Uint64
	jobsError     atomic.Uint64
	jobsRetry     atomic.Uint64
	jobsFailed    atomic.Uint64
	deviceOffline atomic.Uint64
	circuitOpen   atomic.Uint64
	circuitTrips  atomic.Uint64
	probesOK      atomic.Uint64
	probesFailed  atomic.Uint64
	busDropped    atomic.Uint64
	feedClients   atomic.Int64

	sink Sink
}

// New creates a Registry. A nil sink disables mirroring.
func New(sink Sink) *Registry {
	if sink == nil {
		sink = noopSink{}
	}
	return &Registry{sink: sink}
}

// JobCreated counts a newly created job.
func (r *Registry) JobCreated(deviceID, command string) {
	r.jobsCreated.Add(1)
	r.sink.WriteJobOutcome(deviceID, command, OutcomeCreated, 0)
}

// JobSucceeded counts a job finishing successfully.
func (r *Registry) JobSucceeded(deviceID, command string, attempts int) {
	r.jobsSuccess.Add(1)
	r.sink.WriteJobOutcome(deviceID, command, OutcomeSuccess, attempts)
}

// JobRetried counts a failed attempt that was rescheduled.
func (r *Registry) JobRetried(deviceID, command string, attempts int) {
	r.jobsError.Add(1)
	r.jobsRetry.Add(1)
	r.sink.WriteJobOutcome(deviceID, command, OutcomeRetry, attempts)
}

// JobFailed counts a failed attempt that ended the job.
func (r *Registry) JobFailed(deviceID, command string, attempts int) {
	r.jobsError.Add(1)
	r.jobsFailed.Add(1)
	r.sink.WriteJobOutcome(deviceID, command, OutcomeFailed, attempts)
}

// DeviceOffline counts a device being marked offline.
func (r *Registry) DeviceOffline(deviceID string) {
	r.deviceOffline.Add(1)
	r.sink.WriteDeviceOffline(deviceID)
}

// CircuitRejected counts a call short-circuited by an open breaker.
func (r *Registry) CircuitRejected(deviceID string) {
	r.circuitOpen.Add(1)
	r.sink.WriteCircuitEvent(deviceID, CircuitEventRejected)
}

// CircuitTripped counts a breaker opening.
func (r *Registry) CircuitTripped(deviceID string) {
	r.circuitTrips.Add(1)
	r.sink.WriteCircuitEvent(deviceID, CircuitEventTripped)
}

// ProbeResult counts one reconciliation probe.
func (r *Registry) ProbeResult(deviceID string, ok bool, latency time.Duration) {
	if ok {
		r.probesOK.Add(1)
	} else {
		r.probesFailed.Add(1)
	}
	r.sink.WriteProbe(deviceID, ok, latency)
}

// BusDropped counts a bus message dropped for a slow subscriber.
func (r *Registry) BusDropped(string) {
	r.busDropped.Add(1)
}

// FeedClientConnected increments the live feed client gauge.
func (r *Registry) FeedClientConnected() {
	r.feedClients.Add(1)
}

// FeedClientDisconnected decrements the live feed client gauge.
func (r *Registry) FeedClientDisconnected() {
	r.feedClients.Add(-1)
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	JobsCreated   uint64 `json:"jobs_created"`
	JobsSuccess   uint64 `json:"jobs_success"`
	JobsError     uint64 `json:"jobs_error"`
	JobsRetry     uint64 `json:"jobs_retry"`
	JobsFailed    uint64 `json:"jobs_failed"`
	DeviceOffline uint64 `json:"device_offline"`
	CircuitOpen   uint64 `json:"circuit_open"`
	CircuitTrips  uint64 `json:"circuit_trips"`
	ProbesOK      uint64 `json:"probes_ok"`
	ProbesFailed  uint64 `json:"probes_failed"`
	BusDropped    uint64 `json:"bus_dropped"`
	FeedClients   int64  `json:"feed_clients"`
}

// Snapshot returns the current counter values.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		JobsCreated:   r.jobsCreated.Load(),
		JobsSuccess:   r.jobsSuccess.Load(),
		JobsError:     r.jobsError.Load(),
		JobsRetry:     r.jobsRetry.Load(),
		JobsFailed:    r.jobsFailed.Load(),
		DeviceOffline: r.deviceOffline.Load(),
		CircuitOpen:   r.circuitOpen.Load(),
		CircuitTrips:  r.circuitTrips.Load(),
		ProbesOK:      r.probesOK.Load(),
		ProbesFailed:  r.probesFailed.Load(),
		BusDropped:    r.busDropped.Load(),
		FeedClients:   r.feedClients.Load(),
	}
}

// Counters returns the cumulative counters keyed by name. The feed client
// gauge is omitted.
func (s Snapshot) Counters() map[string]uint64 {
	return map[string]uint64{
		"jobs_created":   s.JobsCreated,
		"jobs_success":   s.JobsSuccess,
		"jobs_error":     s.JobsError,
		"jobs_retry":     s.JobsRetry,
		"jobs_failed":    s.JobsFailed,
		"device_offline": s.DeviceOffline,
		"circuit_open":   s.CircuitOpen,
		"circuit_trips":  s.CircuitTrips,
		"probes_ok":      s.ProbesOK,
		"probes_failed":  s.ProbesFailed,
		"bus_dropped":    s.BusDropped,
	}
}

// Report writes a counter snapshot to the sink every interval until ctx
// is cancelled, then writes one final snapshot.
func (r *Registry) Report(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.sink.WriteCounters(r.Snapshot().Counters())
			return
		case <-ticker.C:
			r.sink.WriteCounters(r.Snapshot().Counters())
		}
	}
}
