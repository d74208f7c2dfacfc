package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Wandeon/fleet-sub000/internal/device"
	"github.com/Wandeon/fleet-sub000/internal/transport"
)

var errBoom = errors.New("boom")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingMetrics records breaker counters.
type countingMetrics struct {
	mu       sync.Mutex
	rejected int
	tripped  int
}

func (m *countingMetrics) CircuitRejected(string) {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

func (m *countingMetrics) CircuitTripped(string) {
	m.mu.Lock()
	m.tripped++
	m.mu.Unlock()
}

// stubTransport returns queued errors and counts calls.
type stubTransport struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (s *stubTransport) Call(_ context.Context, _ *device.Device, _ transport.RequestDefinition) (*transport.Response, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	block := s.block
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &transport.Response{OK: true, Status: 200}, nil
}

func (s *stubTransport) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock, *countingMetrics) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := &countingMetrics{}
	b := New(Config{FailureThreshold: threshold, OpenDuration: open})
	b.now = clock.Now
	b.SetMetrics(m)
	return b, clock, m
}

var tv = &device.Device{ID: "tv-1"}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _, m := newTestBreaker(5, 30*time.Second)
	stub := &stubTransport{err: errBoom}
	gated := Wrap(b, stub)

	for i := 0; i < 5; i++ {
		if _, err := gated.Call(context.Background(), tv, transport.RequestDefinition{}); !errors.Is(err, errBoom) {
			t.Fatalf("call %d error = %v, want errBoom", i+1, err)
		}
	}
	if b.State("tv-1") != StateOpen {
		t.Fatalf("State() = %s, want open", b.State("tv-1"))
	}

	_, err := gated.Call(context.Background(), tv, transport.RequestDefinition{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if stub.callCount() != 5 {
		t.Errorf("transport calls = %d, want 5 (open circuit must not call)", stub.callCount())
	}
	if m.tripped != 1 || m.rejected != 1 {
		t.Errorf("metrics tripped=%d rejected=%d, want 1/1", m.tripped, m.rejected)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _, _ := newTestBreaker(3, time.Minute)

	b.Record("tv-1", false, errBoom)
	b.Record("tv-1", false, errBoom)
	b.Record("tv-1", false, nil)
	b.Record("tv-1", false, errBoom)
	b.Record("tv-1", false, errBoom)

	if st := b.State("tv-1"); st != StateClosed {
		t.Errorf("State() = %s, want closed (failures were not consecutive)", st)
	}
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, clock, _ := newTestBreaker(1, 10*time.Second)
	b.Record("tv-1", false, errBoom)

	if _, err := b.Allow("tv-1"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() during open = %v, want ErrCircuitOpen", err)
	}

	clock.Advance(10 * time.Second)
	if b.State("tv-1") != StateHalfOpen {
		t.Errorf("State() after duration = %s, want half_open", b.State("tv-1"))
	}

	trial, err := b.Allow("tv-1")
	if err != nil || !trial {
		t.Fatalf("Allow() after duration = (%v, %v), want trial", trial, err)
	}
	if _, err := b.Allow("tv-1"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second Allow() during trial = %v, want ErrCircuitOpen", err)
	}

	b.Record("tv-1", true, nil)
	if st := b.State("tv-1"); st != StateClosed {
		t.Errorf("State() after trial success = %s, want closed", st)
	}
	if trial, err := b.Allow("tv-1"); err != nil || trial {
		t.Errorf("Allow() after close = (%v, %v), want normal call", trial, err)
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, clock, m := newTestBreaker(2, 5*time.Second)
	b.Record("tv-1", false, errBoom)
	b.Record("tv-1", false, errBoom)

	clock.Advance(5 * time.Second)
	trial, err := b.Allow("tv-1")
	if err != nil || !trial {
		t.Fatalf("Allow() = (%v, %v), want trial", trial, err)
	}
	b.Record("tv-1", true, errBoom)

	if st := b.State("tv-1"); st != StateOpen {
		t.Fatalf("State() after failed trial = %s, want open", st)
	}
	if _, err := b.Allow("tv-1"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
	if m.tripped != 2 {
		t.Errorf("tripped = %d, want 2", m.tripped)
	}

	snap := b.Snapshot()
	if s, ok := snap["tv-1"]; !ok || s.State != StateOpen || s.OpenedAt == nil || s.Failures != 2 {
		t.Errorf("Snapshot()[tv-1] = %+v", s)
	}
}

func TestBreaker_ConcurrentCallsAfterOpenDuration(t *testing.T) {
	b, clock, _ := newTestBreaker(1, time.Second)
	b.Record("tv-1", false, errBoom)
	clock.Advance(time.Second)

	stub := &stubTransport{block: make(chan struct{})}
	gated := Wrap(b, stub)

	done := make(chan error, 1)
	go func() {
		_, err := gated.Call(context.Background(), tv, transport.RequestDefinition{})
		done <- err
	}()

	// Wait for the trial to be admitted.
	deadline := time.Now().Add(2 * time.Second)
	for b.State("tv-1") != StateHalfOpen || stub.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("trial call never started")
		}
		time.Sleep(time.Millisecond)
	}

	var wg sync.WaitGroup
	rejected := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gated.Call(context.Background(), tv, transport.RequestDefinition{})
			rejected <- err
		}()
	}
	wg.Wait()
	close(rejected)
	for err := range rejected {
		if !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("concurrent call error = %v, want ErrCircuitOpen", err)
		}
	}

	close(stub.block)
	if err := <-done; err != nil {
		t.Fatalf("trial call error = %v", err)
	}
	if stub.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", stub.callCount())
	}
	if b.State("tv-1") != StateClosed {
		t.Errorf("State() = %s, want closed", b.State("tv-1"))
	}
}

func TestBreaker_DevicesIndependent(t *testing.T) {
	b, _, _ := newTestBreaker(1, time.Minute)
	b.Record("tv-1", false, errBoom)

	if _, err := b.Allow("amp-1"); err != nil {
		t.Errorf("Allow(amp-1) = %v, want nil", err)
	}
	b.Reset("tv-1")
	if _, err := b.Allow("tv-1"); err != nil {
		t.Errorf("Allow(tv-1) after Reset = %v, want nil", err)
	}
}

func TestTransport_RequestErrorsNotRecorded(t *testing.T) {
	b, _, _ := newTestBreaker(2, time.Minute)
	stub := &stubTransport{err: fmt.Errorf("%w: tv-1", transport.ErrNoEndpoint)}
	gated := Wrap(b, stub)

	for i := 0; i < 5; i++ {
		if _, err := gated.Call(context.Background(), tv, transport.RequestDefinition{}); !errors.Is(err, transport.ErrNoEndpoint) {
			t.Fatalf("Call() #%d error = %v, want ErrNoEndpoint", i+1, err)
		}
	}
	if stub.callCount() != 5 {
		t.Errorf("transport calls = %d, want 5", stub.callCount())
	}
	if b.State("tv-1") != StateClosed {
		t.Errorf("State() = %s, want closed", b.State("tv-1"))
	}
}

func TestBreaker_ReleasedTrialAdmitsNext(t *testing.T) {
	b, clock, _ := newTestBreaker(1, 10*time.Second)
	b.Record("tv-1", false, errBoom)
	clock.Advance(10 * time.Second)

	trial, err := b.Allow("tv-1")
	if err != nil || !trial {
		t.Fatalf("Allow() = (%v, %v), want trial", trial, err)
	}
	b.Release("tv-1", true)

	if b.State("tv-1") != StateHalfOpen {
		t.Errorf("State() after Release = %s, want half_open", b.State("tv-1"))
	}
	if trial, err := b.Allow("tv-1"); err != nil || !trial {
		t.Errorf("Allow() after Release = (%v, %v), want a new trial", trial, err)
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	if b.cfg.FailureThreshold != DefaultFailureThreshold || b.cfg.OpenDuration != DefaultOpenDuration {
		t.Errorf("defaults = %+v", b.cfg)
	}
}
