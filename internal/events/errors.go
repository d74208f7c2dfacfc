package events

import "errors"

// ErrInvalidEvent is returned when an event lacks a device or type.
var ErrInvalidEvent = errors.New("events: invalid event")
