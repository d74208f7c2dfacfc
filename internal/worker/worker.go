package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wandeon/fleet-sub000/internal/device"
	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/jobs"
	"github.com/Wandeon/fleet-sub000/internal/state"
	"github.com/Wandeon/fleet-sub000/internal/transport"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultRetryBase    = 2 * time.Second
	DefaultMaxAttempts  = 5
	DefaultCallTimeout  = 5 * time.Second
)

// Resolver looks up device descriptors. *device.Registry satisfies it.
type Resolver interface {
	Resolve(id string) (*device.Device, error)
}

// Metrics receives job outcomes.
type Metrics interface {
	JobSucceeded(deviceID, command string, attempts int)
	JobRetried(deviceID, command string, attempts int)
	JobFailed(deviceID, command string, attempts int)
	DeviceOffline(deviceID string)
}

type noopMetrics struct{}

func (noopMetrics) JobSucceeded(string, string, int) {}
func (noopMetrics) JobRetried(string, string, int)   {}
func (noopMetrics) JobFailed(string, string, int)    {}
func (noopMetrics) DeviceOffline(string)             {}

// Logger defines the logging interface used by the Worker.
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
	PollInterval time.Duration
	RetryBase    time.Duration
	MaxAttempts  int
	CallTimeout  time.Duration
}

// Deps holds the dependencies of a Worker.
type Deps struct {
	Config    Config
	Jobs      *jobs.Store
	Registry  Resolver
	Transport transport.Transport
	States    *state.Store
	Liveness  *state.Liveness
	Recorder  *events.Recorder
	Bus       events.Publisher
	Metrics   Metrics // optional
	Logger    Logger  // optional
}

// Worker is the single sequential job processor.
type Worker struct {
	cfg       Config
	jobs      *jobs.Store
	registry  Resolver
	transport transport.Transport
	states    *state.Store
	liveness  *state.Liveness
	recorder  *events.Recorder
	bus       events.Publisher
	metrics   Metrics
	logger    Logger
	now       func() time.Time

	startMu  sync.Mutex
	started  bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Worker. Zero Config fields take the package defaults.
func New(deps Deps) (*Worker, error) {
	switch {
	case deps.Jobs == nil:
		return nil, fmt.Errorf("job store is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("device registry is required")
	case deps.Transport == nil:
		return nil, fmt.Errorf("device transport is required")
	case deps.States == nil || deps.Liveness == nil:
		return nil, fmt.Errorf("state store and liveness are required")
	case deps.Recorder == nil || deps.Bus == nil:
		return nil, fmt.Errorf("event recorder and bus are required")
	}

	cfg := deps.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	w := &Worker{
		cfg:       cfg,
		jobs:      deps.Jobs,
		registry:  deps.Registry,
		transport: deps.Transport,
		states:    deps.States,
		liveness:  deps.Liveness,
		recorder:  deps.Recorder,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	if w.metrics == nil {
		w.metrics = noopMetrics{}
	}
	if w.logger == nil {
		w.logger = noopLogger{}
	}
	return w, nil
}

// Start returns jobs left running by a previous process to pending and
// launches the loop. Call Stop to shut down.
func (w *Worker) Start(ctx context.Context) error {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}

	recovered, err := w.jobs.RecoverRunning(ctx)
	if err != nil {
		return fmt.Errorf("recovering running jobs: %w", err)
	}
	if recovered > 0 {
		w.logger.Warn("requeued jobs left running", "count", recovered)
	}

	w.started = true
	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"retry_base", w.cfg.RetryBase,
		"max_attempts", w.cfg.MaxAttempts)
	return nil
}

// Stop halts the loop after the in-flight attempt, if any, completes.
// Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		w.logger.Info("worker stopped")
	})
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-timer.C:
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}

		if processed {
			timer.Reset(0)
		} else {
			timer.Reset(w.cfg.PollInterval)
		}
	}
}

// RunOnce claims and processes at most one due job. processed is false
// when nothing was due.
func (w *Worker) RunOnce(ctx context.Context) (processed bool, err error) {
	job, err := w.jobs.Claim(ctx)
	if errors.Is(err, jobs.ErrNoJobDue) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}

	w.bus.Publish(events.TopicJobUpdated, job.Clone())
	return true, w.process(context.WithoutCancel(ctx), job)
}

// process runs one claimed job to its next state.
func (w *Worker) process(ctx context.Context, job *jobs.Job) error {
	w.logger.Debug("job claimed", "job_id", job.ID, "device_id", job.DeviceID, "command", job.Command, "attempt", job.Attempts)

	// Jobs that cannot be attempted fail without retry and do not count
	// against the device.
	if job.Request == nil {
		return w.fail(ctx, job, ErrCodeMissingRequest)
	}

	dev, err := w.registry.Resolve(job.DeviceID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return w.fail(ctx, job, ErrCodeDeviceMissing)
		}
		return w.failAttempt(ctx, job, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, job.Request.Timeout(w.cfg.CallTimeout))
	resp, err := w.transport.Call(callCtx, dev, *job.Request)
	cancel()
	if transport.IsRequestError(err) {
		return w.fail(ctx, job, err.Error())
	}
	if err != nil {
		return w.failAttempt(ctx, job, err)
	}
	return w.succeed(ctx, job, resp)
}

func (w *Worker) succeed(ctx context.Context, job *jobs.Job, resp *transport.Response) error {
	updated, err := w.jobs.Complete(ctx, job.ID, resp.Data)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.bus.Publish(events.TopicJobUpdated, updated)
	w.metrics.JobSucceeded(job.DeviceID, job.Command, job.Attempts)

	payload := map[string]any{
		"request": job.Payload,
		"response": map[string]any{
			"ok":     resp.OK,
			"status": resp.Status,
			"data":   resp.Data,
		},
	}
	if _, err := w.recorder.Record(ctx, job.DeviceID, job.SuccessEventName(), payload, w.meta(job)); err != nil {
		w.logger.Error("recording success event failed", "job_id", job.ID, "error", err)
	}

	seen := w.now()
	if _, err := w.states.Merge(ctx, job.DeviceID, job.StatePatch, state.Meta{
		Status:   state.StatusOnline,
		LastSeen: &seen,
	}); err != nil {
		return fmt.Errorf("marking %s online: %w", job.DeviceID, err)
	}
	w.liveness.Success(job.DeviceID)

	w.logger.Info("job succeeded",
		"job_id", job.ID, "device_id", job.DeviceID, "command", job.Command,
		"attempt", job.Attempts, "url", resp.URL)
	return nil
}

// failAttempt applies the retry policy to a failed device call.
func (w *Worker) failAttempt(ctx context.Context, job *jobs.Job, cause error) error {
	msg := cause.Error()

	if job.Attempts >= w.cfg.MaxAttempts {
		if err := w.fail(ctx, job, msg); err != nil {
			return err
		}
		if len(job.StateOnError) > 0 {
			if _, err := w.states.Merge(ctx, job.DeviceID, job.StateOnError, state.Meta{
				Status:        state.StatusOffline,
				OfflineReason: &msg,
			}); err != nil {
				return fmt.Errorf("applying error state for %s: %w", job.DeviceID, err)
			}
		}
		if job.MarkOfflineOnError {
			if _, err := w.states.MarkOffline(ctx, job.DeviceID, msg); err != nil {
				return fmt.Errorf("marking %s offline: %w", job.DeviceID, err)
			}
			w.metrics.DeviceOffline(job.DeviceID)
		}
	} else {
		delay := jobs.Backoff(w.cfg.RetryBase, job.Attempts)
		updated, err := w.jobs.Retry(ctx, job.ID, msg, w.now().Add(delay))
		if err != nil {
			return fmt.Errorf("rescheduling job %s: %w", job.ID, err)
		}
		w.bus.Publish(events.TopicJobUpdated, updated)
		w.metrics.JobRetried(job.DeviceID, job.Command, job.Attempts)

		payload := map[string]any{
			"request":     job.Payload,
			"error":       msg,
			"retry_in_ms": delay.Milliseconds(),
		}
		if _, err := w.recorder.Record(ctx, job.DeviceID, job.ErrorEventName(), payload, w.meta(job)); err != nil {
			w.logger.Error("recording error event failed", "job_id", job.ID, "error", err)
		}
		w.logger.Warn("job attempt failed, retrying",
			"job_id", job.ID, "device_id", job.DeviceID, "command", job.Command,
			"attempt", job.Attempts, "retry_in_ms", delay.Milliseconds(), "error", msg)
	}

	offline, err := w.liveness.Failure(ctx, job.DeviceID, msg)
	if err != nil {
		return fmt.Errorf("recording failure for %s: %w", job.DeviceID, err)
	}
	if offline {
		w.logger.Warn("device offline", "device_id", job.DeviceID, "error", msg)
	}
	return nil
}

// fail moves job to failed and emits its error event.
func (w *Worker) fail(ctx context.Context, job *jobs.Job, msg string) error {
	updated, err := w.jobs.Fail(ctx, job.ID, msg)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", job.ID, err)
	}
	w.bus.Publish(events.TopicJobUpdated, updated)
	w.metrics.JobFailed(job.DeviceID, job.Command, job.Attempts)

	payload := map[string]any{
		"request": job.Payload,
		"error":   msg,
	}
	if _, err := w.recorder.Record(ctx, job.DeviceID, job.ErrorEventName(), payload, w.meta(job)); err != nil {
		w.logger.Error("recording error event failed", "job_id", job.ID, "error", err)
	}

	w.logger.Error("job failed",
		"job_id", job.ID, "device_id", job.DeviceID, "command", job.Command,
		"attempt", job.Attempts, "error", msg)
	return nil
}

func (w *Worker) meta(job *jobs.Job) events.Meta {
	return events.Meta{
		Origin:        events.OriginWorker,
		JobID:         job.ID,
		CorrelationID: job.CorrelationID,
	}
}
