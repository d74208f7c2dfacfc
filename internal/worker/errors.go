package worker

import "errors"

// Job error codes stored when a job cannot be attempted.
const (
	ErrCodeMissingRequest = "missing_request"
	ErrCodeDeviceMissing  = "device_missing"
)

var (
	// ErrAlreadyStarted is returned by Start on a running worker.
	ErrAlreadyStarted = errors.New("worker: already started")
)
