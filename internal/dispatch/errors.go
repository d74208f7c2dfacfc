package dispatch

import "errors"

var (
	// ErrInvalidSpec is returned for a malformed enqueue request. It is
	// surfaced synchronously and never retried.
	ErrInvalidSpec = errors.New("dispatch: invalid spec")

	// ErrUnknownDevice is returned when the device id is not in the registry.
	ErrUnknownDevice = errors.New("dispatch: unknown device")

	// ErrInvalidQuery is returned for bad list parameters.
	ErrInvalidQuery = errors.New("dispatch: invalid query")
)
