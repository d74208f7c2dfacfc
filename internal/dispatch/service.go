package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Wandeon/fleet-sub000/internal/device"
	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/jobs"
	"github.com/Wandeon/fleet-sub000/internal/state"
	"github.com/Wandeon/fleet-sub000/internal/transport"
)

// DefaultSnapshotJobs is the number of recent jobs in a feed snapshot.
const DefaultSnapshotJobs = 50

// Resolver looks up device descriptors. *device.Registry satisfies it.
type Resolver interface {
	Resolve(id string) (*device.Device, error)
}

// Metrics receives enqueue counts.
type Metrics interface {
	JobCreated(deviceID, command string)
}

type noopMetrics struct{}

func (noopMetrics) JobCreated(string, string) {}

// Logger defines the logging interface used by the Service.
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

// Deps holds the dependencies of a Service.
type Deps struct {
	Registry Resolver
	Jobs     *jobs.Store
	States   *state.Store
	Events   *events.Store
	Bus      events.Publisher
	Metrics  Metrics // optional
	Logger   Logger  // optional

	// SnapshotJobs caps the jobs in Snapshot. Zero uses DefaultSnapshotJobs.
	SnapshotJobs int
}

// Service implements the enqueue contract and the query API.
//
// Thread Safety: safe for concurrent use.
type Service struct {
	registry     Resolver
	jobs         *jobs.Store
	states       *state.Store
	events       *events.Store
	recorder     *events.Recorder
	bus          events.Publisher
	metrics      Metrics
	logger       Logger
	snapshotJobs int
}

// New creates a Service.
func New(deps Deps) (*Service, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Jobs == nil || deps.States == nil || deps.Events == nil {
		return nil, fmt.Errorf("job, state and event stores are required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	s := &Service{
		registry:     deps.Registry,
		jobs:         deps.Jobs,
		states:       deps.States,
		events:       deps.Events,
		recorder:     events.NewRecorder(deps.Events, deps.Bus),
		bus:          deps.Bus,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		snapshotJobs: deps.SnapshotJobs,
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.snapshotJobs <= 0 {
		s.snapshotJobs = DefaultSnapshotJobs
	}
	return s, nil
}

// EnqueueSpec describes one command intent.
type EnqueueSpec struct {
	DeviceID  string                       `json:"deviceId"`
	Command   string                       `json:"command"`
	Payload   json.RawMessage              `json:"payload,omitempty"`
	Request   *transport.RequestDefinition `json:"request,omitempty"`
	DedupeKey string                       `json:"dedupeKey,omitempty"`

	// CorrelationID and JobID are generated when empty.
	CorrelationID string `json:"correlationId,omitempty"`
	JobID         string `json:"jobId,omitempty"`

	StatePatch         map[string]any `json:"statePatch,omitempty"`
	StateOnError       map[string]any `json:"stateOnError,omitempty"`
	SuccessEvent       string         `json:"successEvent,omitempty"`
	ErrorEvent         string         `json:"errorEvent,omitempty"`
	IntentEvent        string         `json:"intentEvent,omitempty"`
	MarkOfflineOnError bool           `json:"markOfflineOnError,omitempty"`

	// Origin defaults to "api".
	Origin string `json:"origin,omitempty"`
}

// EnqueueResult identifies the job handling an enqueue. Created is false
// when an active job with the same dedupe key was returned instead.
type EnqueueResult struct {
	JobID         string `json:"jobId"`
	CorrelationID string `json:"correlationId"`
	Created       bool   `json:"created"`
}

// Validate checks the fields every enqueue needs.
func (s EnqueueSpec) Validate() error {
	switch {
	case s.DeviceID == "":
		return fmt.Errorf("%w: device id required", ErrInvalidSpec)
	case s.Command == "":
		return fmt.Errorf("%w: command required", ErrInvalidSpec)
	case s.Request == nil:
		return fmt.Errorf("%w: request definition required", ErrInvalidSpec)
	}
	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidSpec)
	}
	return nil
}

// Enqueue creates a pending job for spec, or returns the active job that
// already holds spec's dedupe key. The intent event and job.created are
// emitted only when a job is created.
func (s *Service) Enqueue(ctx context.Context, spec EnqueueSpec) (*EnqueueResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.registry.Resolve(spec.DeviceID); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, spec.DeviceID)
		}
		return nil, err
	}

	origin := spec.Origin
	if origin == "" {
		origin = events.OriginAPI
	}
	payload := spec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	job, created, err := s.jobs.Create(ctx, &jobs.Job{
		ID:                 spec.JobID,
		DeviceID:           spec.DeviceID,
		Command:            spec.Command,
		Payload:            payload,
		Request:            spec.Request,
		DedupeKey:          spec.DedupeKey,
		CorrelationID:      spec.CorrelationID,
		Origin:             origin,
		SuccessEvent:       spec.SuccessEvent,
		ErrorEvent:         spec.ErrorEvent,
		StatePatch:         spec.StatePatch,
		StateOnError:       spec.StateOnError,
		MarkOfflineOnError: spec.MarkOfflineOnError,
	})
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	result := &EnqueueResult{JobID: job.ID, CorrelationID: job.CorrelationID, Created: created}
	if !created {
		s.logger.Debug("enqueue deduplicated",
			"job_id", job.ID, "device_id", job.DeviceID, "command", spec.Command, "dedupe_key", spec.DedupeKey)
		return result, nil
	}

	intent := spec.IntentEvent
	if intent == "" {
		intent = spec.Command + ".intent"
	}
	if _, err := s.recorder.Record(ctx, job.DeviceID, intent, job.Payload, events.Meta{
		Origin:        origin,
		JobID:         job.ID,
		CorrelationID: job.CorrelationID,
	}); err != nil {
		// The job is already durable.
		s.logger.Error("recording intent event failed", "job_id", job.ID, "device_id", job.DeviceID, "error", err)
	}

	s.bus.Publish(events.TopicJobCreated, job.Clone())
	s.metrics.JobCreated(job.DeviceID, job.Command)
	s.logger.Info("job enqueued", "job_id", job.ID, "device_id", job.DeviceID, "command", job.Command)

	return result, nil
}
