// Package worker runs the Job Worker Loop.
//
// A single worker claims the oldest due pending job, calls the device
// through the (breaker-gated) transport and applies the outcome:
//
//	pending -> running -> success
//	                   -> pending  (retry after RetryBase * 2^(attempts-1))
//	                   -> failed   (attempts exhausted, device missing or no request)
//
// While a backlog exists jobs are processed back to back; otherwise the
// loop sleeps for the poll interval. Commands are serialized globally.
//
// Each attempt runs on a context detached from shutdown and bounded by
// the call timeout, so Stop waits for the in-flight job's bookkeeping to
// finish instead of aborting it.
package worker
