package state

import (
	"context"
	"sync"
)

// DefaultOfflineThreshold is the number of consecutive failures that
// marks a device offline.
const DefaultOfflineThreshold = 3

// FailureTracker counts consecutive failures per device.
//
// The worker and the reconciliation loop share one tracker, so a device
// failing in both accumulates a single count.
type FailureTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewFailureTracker creates an empty tracker.
func NewFailureTracker() *FailureTracker {
	return &FailureTracker{counts: make(map[string]int)}
}

// Inc adds one failure for deviceID and returns the new count.
func (t *FailureTracker) Inc(deviceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[deviceID]++
	return t.counts[deviceID]
}

// Reset clears deviceID's count.
func (t *FailureTracker) Reset(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, deviceID)
}

// Count returns deviceID's current count.
func (t *FailureTracker) Count(deviceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[deviceID]
}

// Snapshot returns a copy of all non-zero counts.
func (t *FailureTracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// OfflineMetrics receives offline transitions.
type OfflineMetrics interface {
	DeviceOffline(deviceID string)
}

type noopOfflineMetrics struct{}

func (noopOfflineMetrics) DeviceOffline(string) {}

// Liveness turns call outcomes into online/offline state using the shared
// failure tracker.
type Liveness struct {
	store     *Store
	failures  *FailureTracker
	threshold int
	metrics   OfflineMetrics
}

// NewLiveness creates a Liveness. A non-positive threshold uses
// DefaultOfflineThreshold.
func NewLiveness(store *Store, failures *FailureTracker, threshold int) *Liveness {
	if threshold <= 0 {
		threshold = DefaultOfflineThreshold
	}
	return &Liveness{store: store, failures: failures, threshold: threshold, metrics: noopOfflineMetrics{}}
}

// SetMetrics sets the metrics sink.
func (l *Liveness) SetMetrics(m OfflineMetrics) {
	l.metrics = m
}

// Failure counts a failed contact with deviceID. Once the count reaches
// the threshold the device is marked offline with reason, on this and
// every later failure, and offline is true.
func (l *Liveness) Failure(ctx context.Context, deviceID, reason string) (offline bool, err error) {
	if l.failures.Inc(deviceID) < l.threshold {
		return false, nil
	}
	if _, err := l.store.MarkOffline(ctx, deviceID, reason); err != nil {
		return false, err
	}
	l.metrics.DeviceOffline(deviceID)
	return true, nil
}

// Success clears deviceID's failure count.
func (l *Liveness) Success(deviceID string) {
	l.failures.Reset(deviceID)
}
