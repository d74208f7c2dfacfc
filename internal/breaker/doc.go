// Package breaker implements a per-device circuit breaker.
//
// A device circuit opens after FailureThreshold consecutive failed calls.
// While open, calls fail immediately with ErrCircuitOpen and no network
// traffic is sent. Once OpenDuration has elapsed one trial call is
// admitted; other calls keep failing fast until it resolves. A successful
// trial closes the circuit, a failed one reopens it.
//
// The breaker counts single calls. It is independent of job retry
// attempts and of the per-device offline counter kept by the state package.
package breaker
