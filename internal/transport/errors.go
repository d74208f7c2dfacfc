package transport

import (
	"errors"
	"fmt"
)

// Domain errors for device calls. ErrNoEndpoint and ErrInvalidRequest are
// raised before the device is contacted; see IsRequestError.
var (
	// ErrTimeout is returned when the call exceeds its timeout.
	ErrTimeout = errors.New("transport: timeout")

	// ErrUnreachable is returned when the device cannot be reached at all.
	ErrUnreachable = errors.New("transport: unreachable")

	// ErrHTTPStatus is matched by *HTTPError for non-2xx responses.
	ErrHTTPStatus = errors.New("transport: http error status")

	// ErrNoEndpoint is returned when neither the request nor the device
	// provides a URL.
	ErrNoEndpoint = errors.New("transport: device has no endpoint")

	// ErrInvalidRequest is returned when the request definition cannot be
	// turned into an HTTP request.
	ErrInvalidRequest = errors.New("transport: invalid request")
)

// HTTPError reports a completed call with a non-2xx status.
// The decoded body is kept for diagnostics.
type HTTPError struct {
	Status int
	Data   any
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Status)
}

// Is lets errors.Is(err, ErrHTTPStatus) match any HTTPError.
func (e *HTTPError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// IsRequestError reports whether err means the call could not be built
// and the device was never contacted.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrNoEndpoint) || errors.Is(err, ErrInvalidRequest)
}
