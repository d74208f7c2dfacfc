package jobs

import (
	"encoding/json"
	"time"

	"github.com/Wandeon/fleet-sub000/internal/transport"
)

// Job is a durable record of one command intent directed at one device.
//
// Jobs are created by the enqueue contract and mutated only by the worker.
type Job struct {
	ID       string          `json:"id"`
	DeviceID string          `json:"deviceId"`
	Command  string          `json:"command"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// Request describes the device call. A nil Request fails the job on
	// its first attempt.
	Request *transport.RequestDefinition `json:"request,omitempty"`

	DedupeKey string `json:"dedupeKey,omitempty"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`

	// NextRunAt is set only while the job is pending.
	NextRunAt     *time.Time `json:"nextRunAt,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`

	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// CorrelationID is stable across retries and shared by every event the
	// job emits.
	CorrelationID string `json:"correlationId"`
	Origin        string `json:"origin"`

	SuccessEvent       string         `json:"successEvent,omitempty"`
	ErrorEvent         string         `json:"errorEvent,omitempty"`
	StatePatch         map[string]any `json:"statePatch,omitempty"`
	StateOnError       map[string]any `json:"stateOnError,omitempty"`
	MarkOfflineOnError bool           `json:"markOfflineOnError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SuccessEventName returns the event emitted on success.
func (j *Job) SuccessEventName() string {
	if j.SuccessEvent != "" {
		return j.SuccessEvent
	}
	return j.Command + ".success"
}

// ErrorEventName returns the event emitted on each failed attempt.
func (j *Job) ErrorEventName() string {
	if j.ErrorEvent != "" {
		return j.ErrorEvent
	}
	return j.Command + ".error"
}

// Clone returns a copy safe to hand to another goroutine.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cpy := *j
	if j.Request != nil {
		req := *j.Request
		cpy.Request = &req
	}
	return &cpy
}

// Backoff returns the delay before the retry following attempt number
// attempts (1-based): base * 2^(attempts-1).
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	const maxShift = 20
	shift := attempts - 1
	if shift > maxShift {
		shift = maxShift
	}
	return base * time.Duration(1<<shift)
}
