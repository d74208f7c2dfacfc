package metrics

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// recordingSink captures sink writes.
type recordingSink struct {
	mu       sync.Mutex
	outcomes []string
	offline  []string
	circuits []string
	probes   int
	counters []map[string]uint64
}

func (s *recordingSink) WriteJobOutcome(_, _, outcome string, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
}

func (s *recordingSink) WriteDeviceOffline(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = append(s.offline, deviceID)
}

func (s *recordingSink) WriteCircuitEvent(_, event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuits = append(s.circuits, event)
}

func (s *recordingSink) WriteProbe(string, bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
}

func (s *recordingSink) WriteCounters(c map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = append(s.counters, c)
}

func (s *recordingSink) counterWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

func TestRegistry_Counters(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink)

	r.JobCreated("tv-1", "power.on")
	r.JobRetried("tv-1", "power.on", 1)
	r.JobRetried("tv-1", "power.on", 2)
	r.JobSucceeded("tv-1", "power.on", 3)
	r.JobFailed("cam-1", "snapshot", 5)
	r.DeviceOffline("cam-1")
	r.CircuitTripped("cam-1")
	r.CircuitRejected("cam-1")
	r.ProbeResult("tv-1", true, time.Millisecond)
	r.ProbeResult("cam-1", false, time.Second)
	r.BusDropped("job.updated")
	r.FeedClientConnected()
	r.FeedClientConnected()
	r.FeedClientDisconnected()

	got := r.Snapshot()
	want := Snapshot{
		JobsCreated:   1,
		JobsSuccess:   1,
		JobsError:     3,
		JobsRetry:     2,
		JobsFailed:    1,
		DeviceOffline: 1,
		CircuitOpen:   1,
		CircuitTrips:  1,
		ProbesOK:      1,
		ProbesFailed:  1,
		BusDropped:    1,
		FeedClients:   1,
	}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}

	wantOutcomes := []string{OutcomeCreated, OutcomeRetry, OutcomeRetry, OutcomeSuccess, OutcomeFailed}
	if len(sink.outcomes) != len(wantOutcomes) {
		t.Fatalf("sink outcomes = %v, want %v", sink.outcomes, wantOutcomes)
	}
	for i := range wantOutcomes {
		if sink.outcomes[i] != wantOutcomes[i] {
			t.Errorf("outcome[%d] = %s, want %s", i, sink.outcomes[i], wantOutcomes[i])
		}
	}
	if len(sink.circuits) != 2 || sink.probes != 2 || len(sink.offline) != 1 {
		t.Errorf("sink circuits=%v probes=%d offline=%v", sink.circuits, sink.probes, sink.offline)
	}
}

func TestRegistry_NilSink(t *testing.T) {
	r := New(nil)
	r.JobCreated("tv-1", "power.on")
	r.CircuitTripped("tv-1")

	if s := r.Snapshot(); s.JobsCreated != 1 || s.CircuitTrips != 1 {
		t.Errorf("Snapshot() = %+v", s)
	}
}

func TestSnapshot_JSON(t *testing.T) {
	r := New(nil)
	r.JobFailed("tv-1", "power.on", 5)

	data, err := json.Marshal(r.Snapshot())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if m["jobs_failed"] != float64(1) || m["jobs_error"] != float64(1) {
		t.Errorf("json = %s", data)
	}
	if _, ok := m["feed_clients"]; !ok {
		t.Errorf("feed_clients missing from %s", data)
	}
}

func TestSnapshot_CountersOmitGauge(t *testing.T) {
	c := New(nil).Snapshot().Counters()
	if len(c) != 11 {
		t.Errorf("Counters() has %d keys, want 11", len(c))
	}
	if _, ok := c["feed_clients"]; ok {
		t.Error("Counters() includes the feed_clients gauge")
	}
}

func TestRegistry_Report(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Report(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sink.counterWrites() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if sink.counterWrites() < 3 {
		t.Errorf("counter writes = %d, want at least 3 (ticks plus final)", sink.counterWrites())
	}
}
