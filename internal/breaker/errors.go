package breaker

import "errors"

// ErrCircuitOpen is returned when a call is short-circuited without
// reaching the device.
var ErrCircuitOpen = errors.New("breaker: circuit open")
