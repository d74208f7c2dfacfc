package breaker

import (
	"sync"
	"time"
)

// Default thresholds.
const (
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = 30 * time.Second
)

// State is the externally visible state of one device circuit.
type State string

// Circuit states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failed calls that
	// opens the circuit.
	FailureThreshold int

	// OpenDuration is how long an open circuit rejects calls before it
	// admits a single trial call.
	OpenDuration time.Duration
}

// Metrics receives breaker counters.
type Metrics interface {
	CircuitRejected(deviceID string)
	CircuitTripped(deviceID string)
}

type noopMetrics struct{}

func (noopMetrics) CircuitRejected(string) {}
func (noopMetrics) CircuitTripped(string)  {}

// Logger defines the logging interface used by the Breaker.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// circuit is the per-device record. openedAt is non-zero only while the
// circuit is open; trial is set while the single half-open call runs.
type circuit struct {
	failures int
	openedAt time.Time
	trial    bool
}

// Status is a point-in-time view of one device circuit.
type Status struct {
	State    State      `json:"state"`
	Failures int        `json:"failures"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// Breaker tracks a circuit per device.
//
// Thread Safety: all methods are safe for concurrent use. Every read and
// update of a device circuit happens under one mutex.
type Breaker struct {
	cfg     Config
	mu      sync.Mutex
	devices map[string]*circuit
	now     func() time.Time
	metrics Metrics
	logger  Logger
}

// New creates a Breaker. Zero config values fall back to the defaults.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultOpenDuration
	}
	return &Breaker{
		cfg:     cfg,
		devices: make(map[string]*circuit),
		now:     time.Now,
		metrics: noopMetrics{},
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the breaker.
func (b *Breaker) SetLogger(logger Logger) {
	b.logger = logger
}

// SetMetrics sets the metrics sink for the breaker.
func (b *Breaker) SetMetrics(m Metrics) {
	b.metrics = m
}

// Allow decides whether a call to deviceID may proceed.
//
// It returns ErrCircuitOpen while the circuit is open or while a half-open
// trial is in flight. When the open duration has elapsed, the caller is
// admitted as the single trial and trial is true; the result must be
// reported with Record.
func (b *Breaker) Allow(deviceID string) (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(deviceID)
	switch {
	case c.trial:
		b.metrics.CircuitRejected(deviceID)
		return false, ErrCircuitOpen
	case !c.openedAt.IsZero():
		if b.now().Sub(c.openedAt) < b.cfg.OpenDuration {
			b.metrics.CircuitRejected(deviceID)
			return false, ErrCircuitOpen
		}
		c.openedAt = time.Time{}
		c.failures = 0
		c.trial = true
		b.logger.Debug("circuit half-open, admitting trial", "device_id", deviceID)
		return true, nil
	default:
		return false, nil
	}
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(deviceID string, trial bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(deviceID)

	if trial {
		c.trial = false
		if callErr == nil {
			c.failures = 0
			b.logger.Info("circuit closed", "device_id", deviceID)
			return
		}
		c.failures = b.cfg.FailureThreshold
		b.openLocked(deviceID, c, callErr)
		return
	}

	if callErr == nil {
		c.failures = 0
		c.openedAt = time.Time{}
		return
	}

	c.failures++
	if c.failures >= b.cfg.FailureThreshold && c.openedAt.IsZero() {
		b.openLocked(deviceID, c, callErr)
	}
}

// Release ends a call admitted by Allow without recording an outcome.
// A released trial leaves the circuit half-open so the next call becomes
// the trial.
func (b *Breaker) Release(deviceID string, trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(deviceID)
	c.trial = false
	c.failures = b.cfg.FailureThreshold
	c.openedAt = b.now().Add(-b.cfg.OpenDuration)
}

// Reset forgets the circuit for deviceID.
func (b *Breaker) Reset(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, deviceID)
}

// State returns the current state of deviceID's circuit.
func (b *Breaker) State(deviceID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.devices[deviceID]
	if !ok {
		return StateClosed
	}
	return b.stateLocked(c)
}

// Snapshot returns the status of every circuit that is not closed with
// zero failures.
func (b *Breaker) Snapshot() map[string]Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Status)
	for id, c := range b.devices {
		st := b.stateLocked(c)
		if st == StateClosed && c.failures == 0 {
			continue
		}
		s := Status{State: st, Failures: c.failures}
		if !c.openedAt.IsZero() {
			opened := c.openedAt
			s.OpenedAt = &opened
		}
		out[id] = s
	}
	return out
}

func (b *Breaker) stateLocked(c *circuit) State {
	switch {
	case c.trial:
		return StateHalfOpen
	case c.openedAt.IsZero():
		return StateClosed
	case b.now().Sub(c.openedAt) < b.cfg.OpenDuration:
		return StateOpen
	default:
		return StateHalfOpen
	}
}

func (b *Breaker) circuitLocked(deviceID string) *circuit {
	c, ok := b.devices[deviceID]
	if !ok {
		c = &circuit{}
		b.devices[deviceID] = c
	}
	return c
}

func (b *Breaker) openLocked(deviceID string, c *circuit, cause error) {
	c.openedAt = b.now()
	b.metrics.CircuitTripped(deviceID)
	b.logger.Warn("circuit opened",
		"device_id", deviceID,
		"failures", c.failures,
		"open_for", b.cfg.OpenDuration.String(),
		"error", cause,
	)
}
