package state

import "errors"

// ErrInvalidDeviceID is returned when a state write has no device ID.
var ErrInvalidDeviceID = errors.New("state: device id required")
