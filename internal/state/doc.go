// Package state holds the Device State Store and device liveness tracking.
//
// A DeviceState is created on first write and never deleted. Custom state
// is deep-merged (see Merge); status, lastSeen and offlineReason are set
// through Meta. Every write is published as state.updated.
//
// Liveness combines the store with a FailureTracker shared by the worker
// and the reconciliation loop: consecutive failures from either source
// reaching the threshold mark the device offline, and any success resets
// the count.
package state
