package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Wandeon/fleet-sub000/internal/device"
	"github.com/Wandeon/fleet-sub000/internal/state"
	"github.com/Wandeon/fleet-sub000/internal/transport"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultInterval     = 10 * time.Second
	DefaultProbeTimeout = 4 * time.Second
	DefaultStatusPath   = "/status"
)

// ErrAlreadyStarted is returned by Start on a running loop.
var ErrAlreadyStarted = errors.New("reconcile: already started")

// Devices lists the devices to probe. *device.Registry satisfies it.
type Devices interface {
	Probeable() []device.Device
}

// Metrics receives probe outcomes.
type Metrics interface {
	ProbeResult(deviceID string, ok bool, latency time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ProbeResult(string, bool, time.Duration) {}

// Logger defines the logging interface used by the Reconciler.
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

// Config tunes the loop.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration

	// Concurrency bounds parallel probes per cycle. Zero means unbounded.
	Concurrency int

	// StatusPath is probed for devices without their own status_path.
	StatusPath string
}

// Deps holds the dependencies of a Reconciler.
type Deps struct {
	Config    Config
	Devices   Devices
	Transport transport.Transport
	States    *state.Store
	Liveness  *state.Liveness
	Metrics   Metrics // optional
	Logger    Logger  // optional
}

// Result summarises one cycle.
type Result struct {
	Probed int
	OK     int
	Failed int
}

// Reconciler probes devices on a timer, independent of job traffic.
type Reconciler struct {
	cfg       Config
	devices   Devices
	transport transport.Transport
	states    *state.Store
	liveness  *state.Liveness
	metrics   Metrics
	logger    Logger
	now       func() time.Time

	startMu  sync.Mutex
	started  bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Reconciler. Zero Config fields take the package defaults;
// a negative Concurrency is treated as unbounded.
func New(deps Deps) (*Reconciler, error) {
	switch {
	case deps.Devices == nil:
		return nil, fmt.Errorf("device registry is required")
	case deps.Transport == nil:
		return nil, fmt.Errorf("device transport is required")
	case deps.States == nil || deps.Liveness == nil:
		return nil, fmt.Errorf("state store and liveness are required")
	}

	cfg := deps.Config
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Concurrency < 0 {
		cfg.Concurrency = 0
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = DefaultStatusPath
	}

	r := &Reconciler{
		cfg:       cfg,
		devices:   deps.Devices,
		transport: deps.Transport,
		states:    deps.States,
		liveness:  deps.Liveness,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	return r, nil
}

// Start launches the loop. The first cycle runs immediately.
func (r *Reconciler) Start(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("reconciliation started",
		"interval", r.cfg.Interval,
		"probe_timeout", r.cfg.ProbeTimeout,
		"concurrency", r.cfg.Concurrency)
	return nil
}

// Stop halts the loop after the current cycle. Safe to call multiple times.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.logger.Info("reconciliation stopped")
	})
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	// The cycle context is cancelled on Stop so in-flight probes abort.
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-cycleCtx.Done():
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-cycleCtx.Done():
			return
		case <-timer.C:
		}

		res, err := r.RunOnce(cycleCtx)
		if err != nil && cycleCtx.Err() == nil {
			r.logger.Error("reconciliation cycle failed", "error", err)
		}
		r.logger.Debug("reconciliation cycle", "probed", res.Probed, "ok", res.OK, "failed", res.Failed)

		timer.Reset(r.cfg.Interval)
	}
}

// RunOnce probes every device with an endpoint and waits for all probes.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	devices := r.devices.Probeable()

	var g errgroup.Group
	if r.cfg.Concurrency > 0 {
		g.SetLimit(r.cfg.Concurrency)
	}

	var ok, failed atomic.Int64
	for i := range devices {
		dev := &devices[i]
		g.Go(func() error {
			healthy, err := r.probe(ctx, dev)
			if healthy {
				ok.Add(1)
			} else {
				failed.Add(1)
			}
			return err
		})
	}
	err := g.Wait()

	return Result{Probed: len(devices), OK: int(ok.Load()), Failed: int(failed.Load())}, err
}

// probe checks one device and records the outcome. The returned error is
// reserved for state store failures; an unhealthy device is not an error.
func (r *Reconciler) probe(ctx context.Context, dev *device.Device) (bool, error) {
	req := transport.RequestDefinition{
		Path:      dev.StatusPathOr(r.cfg.StatusPath),
		Method:    "GET",
		Accept:    transport.DefaultAccept,
		TimeoutMS: int(r.cfg.ProbeTimeout.Milliseconds()),
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	start := r.now()
	resp, err := r.transport.Call(probeCtx, dev, req)
	latency := r.now().Sub(start)
	cancel()

	if err != nil {
		r.metrics.ProbeResult(dev.ID, false, latency)
		if ctx.Err() != nil {
			return false, nil
		}
		offline, lerr := r.liveness.Failure(ctx, dev.ID, err.Error())
		if lerr != nil {
			return false, fmt.Errorf("recording probe failure for %s: %w", dev.ID, lerr)
		}
		if offline {
			r.logger.Warn("device offline", "device_id", dev.ID, "error", err)
		} else {
			r.logger.Debug("probe failed", "device_id", dev.ID, "error", err)
		}
		return false, nil
	}

	r.metrics.ProbeResult(dev.ID, true, latency)
	seen := r.now()
	patch := map[string]any{
		"health": map[string]any{"ok": true, "data": resp.Data},
	}
	if _, err := r.states.Merge(ctx, dev.ID, patch, state.Meta{
		Status:   state.StatusOnline,
		LastSeen: &seen,
	}); err != nil {
		return true, fmt.Errorf("recording probe success for %s: %w", dev.ID, err)
	}
	r.liveness.Success(dev.ID)
	r.logger.Debug("probe ok", "device_id", dev.ID, "url", resp.URL, "latency", latency)
	return true, nil
}
