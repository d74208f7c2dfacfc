package state

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/database"
	_ "github.com/Wandeon/fleet-sub000/migrations"
)

// recordingPublisher captures bus publishes.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (p *recordingPublisher) Publish(topic events.Topic, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, events.Message{Topic: topic, Payload: payload})
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func setupStore(t *testing.T) (*Store, *recordingPublisher) {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: filepath.Join(t.TempDir(), "state.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	pub := &recordingPublisher{}
	return NewStore(db, pub), pub
}

func TestStore_GetUnknown(t *testing.T) {
	s, _ := setupStore(t)

	st, err := s.Get(context.Background(), "tv-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if st.DeviceID != "tv-1" || st.Status != StatusUnknown || st.State == nil || len(st.State) != 0 {
		t.Errorf("Get() = %+v, want unknown with empty state", st)
	}
}

func TestStore_MergeCreatesAndMerges(t *testing.T) {
	s, pub := setupStore(t)
	ctx := context.Background()

	if _, err := s.Merge(ctx, "tv-1", map[string]any{"a": map[string]any{"x": 1}}, Meta{}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	st, err := s.Merge(ctx, "tv-1", map[string]any{"a": map[string]any{"y": 2}}, Meta{})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if st.Status != StatusUnknown {
		t.Errorf("Status = %s, want unknown", st.Status)
	}

	got, _ := s.Get(ctx, "tv-1")
	a, ok := got.State["a"].(map[string]any)
	if !ok || a["x"] != float64(1) || a["y"] != float64(2) {
		t.Errorf("stored state = %v", got.State)
	}
	if pub.count() != 2 {
		t.Errorf("publishes = %d, want 2", pub.count())
	}
	if pub.msgs[0].Topic != events.TopicStateUpdated {
		t.Errorf("topic = %s", pub.msgs[0].Topic)
	}
}

func TestStore_OnlineOffline(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	st, err := s.MarkOffline(ctx, "tv-1", "HTTP 503")
	if err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}
	if st.Status != StatusOffline || st.OfflineReason != "HTTP 503" {
		t.Errorf("offline = %+v", st)
	}

	// A state merge without status keeps the offline reason.
	st, _ = s.Merge(ctx, "tv-1", map[string]any{"power": "off"}, Meta{})
	if st.OfflineReason != "HTTP 503" {
		t.Errorf("reason lost on plain merge: %+v", st)
	}

	seen := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st, err = s.MarkOnline(ctx, "tv-1", seen)
	if err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}
	if st.Status != StatusOnline || st.OfflineReason != "" {
		t.Errorf("online = %+v", st)
	}

	got, _ := s.Get(ctx, "tv-1")
	if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, seen)
	}
	if got.State["power"] != "off" {
		t.Errorf("custom state lost: %v", got.State)
	}
	if got.OfflineReason != "" {
		t.Errorf("offline reason not cleared in storage: %q", got.OfflineReason)
	}
}

func TestStore_StateOnErrorMeta(t *testing.T) {
	s, _ := setupStore(t)
	reason := "transport: timeout"

	st, err := s.Merge(context.Background(), "tv-1",
		map[string]any{"power": "unknown"},
		Meta{Status: StatusOffline, OfflineReason: &reason})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if st.Status != StatusOffline || st.OfflineReason != reason || st.State["power"] != "unknown" {
		t.Errorf("Merge() = %+v", st)
	}
}

func TestStore_ListOrder(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	_, _ = s.MarkOnline(ctx, "a", clock)
	clock = clock.Add(time.Second)
	_, _ = s.MarkOnline(ctx, "b", clock)
	clock = clock.Add(time.Second)
	_, _ = s.Merge(ctx, "a", map[string]any{"k": 1}, Meta{})

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].DeviceID != "a" || list[1].DeviceID != "b" {
		t.Errorf("List() order = %v", list)
	}
}

func TestStore_MergeRequiresDevice(t *testing.T) {
	s, _ := setupStore(t)
	if _, err := s.Merge(context.Background(), "", nil, Meta{}); err != ErrInvalidDeviceID {
		t.Errorf("Merge(\"\") error = %v, want ErrInvalidDeviceID", err)
	}
}

// ─── Liveness ───────────────────────────────────────────────────────

type offlineCounter struct {
	mu sync.Mutex
	n  int
}

func (c *offlineCounter) DeviceOffline(string) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func TestLiveness_ThresholdAndReset(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	metrics := &offlineCounter{}

	failures := NewFailureTracker()
	live := NewLiveness(s, failures, 3)
	live.SetMetrics(metrics)

	for i := 1; i <= 2; i++ {
		offline, err := live.Failure(ctx, "tv-1", "timeout")
		if err != nil || offline {
			t.Fatalf("Failure() #%d = %v, %v; want not offline", i, offline, err)
		}
	}
	st, _ := s.Get(ctx, "tv-1")
	if st.Status != StatusUnknown {
		t.Errorf("Status before threshold = %s", st.Status)
	}

	offline, err := live.Failure(ctx, "tv-1", "transport: timeout")
	if err != nil || !offline {
		t.Fatalf("Failure() #3 = %v, %v; want offline", offline, err)
	}
	st, _ = s.Get(ctx, "tv-1")
	if st.Status != StatusOffline || st.OfflineReason != "transport: timeout" {
		t.Errorf("state = %+v", st)
	}
	if metrics.n != 1 {
		t.Errorf("offline metric = %d, want 1", metrics.n)
	}

	live.Success("tv-1")
	if failures.Count("tv-1") != 0 {
		t.Error("Success() did not reset count")
	}
}

func TestFailureTracker_Shared(t *testing.T) {
	tr := NewFailureTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Inc("tv-1")
		}()
	}
	wg.Wait()

	if tr.Count("tv-1") != 50 {
		t.Errorf("Count() = %d, want 50", tr.Count("tv-1"))
	}
	if snap := tr.Snapshot(); snap["tv-1"] != 50 {
		t.Errorf("Snapshot() = %v", snap)
	}
}
