package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/database"
	"github.com/Wandeon/fleet-sub000/internal/jobs"
	_ "github.com/Wandeon/fleet-sub000/migrations"
)

func setupStores(t *testing.T) (*jobs.Store, *events.Store) {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: filepath.Join(t.TempDir(), "sweep.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return jobs.NewStore(db), events.NewStore(db)
}

func createJob(t *testing.T, s *jobs.Store, command string) *jobs.Job {
	t.Helper()
	job, _, err := s.Create(context.Background(), &jobs.Job{DeviceID: "tv-1", Command: command})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return job
}

func claim(t *testing.T, s *jobs.Store) *jobs.Job {
	t.Helper()
	job, err := s.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	return job
}

// everyTick fires at a fixed interval, standing in for a cron schedule.
type everyTick time.Duration

func (e everyTick) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

type fakePruner struct {
	mu      sync.Mutex
	calls   int
	cutoffs []time.Time
	n       int64
	err     error
}

func (p *fakePruner) prune(cutoff time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.cutoffs = append(p.cutoffs, cutoff)
	return p.n, p.err
}

func (p *fakePruner) PruneTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	return p.prune(cutoff)
}

func (p *fakePruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	return p.prune(cutoff)
}

func (p *fakePruner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// ─── Schedule ───────────────────────────────────────────────────────

func TestParseSchedule(t *testing.T) {
	schedule, err := ParseSchedule("0 3 * * *")
	if err != nil {
		t.Fatalf("ParseSchedule() error = %v", err)
	}
	from := time.Date(2026, 3, 1, 4, 0, 0, 0, time.Local)
	want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.Local)
	if got := schedule.Next(from); !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}

	for _, expr := range []string{"", "not cron", "0 3 * *", "* * * * * *"} {
		if _, err := ParseSchedule(expr); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("ParseSchedule(%q) error = %v, want ErrInvalidSchedule", expr, err)
		}
	}
}

func TestNew(t *testing.T) {
	p := &fakePruner{}

	s, err := New(Deps{Jobs: p, Events: p})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s.cfg.Schedule != DefaultSchedule {
		t.Errorf("Schedule = %q, want default", s.cfg.Schedule)
	}

	if _, err := New(Deps{Events: p}); err == nil {
		t.Error("New() without job store should fail")
	}
	if _, err := New(Deps{Jobs: p, Events: p, Config: Config{Schedule: "bogus"}}); !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("New() bad schedule error = %v", err)
	}
}

// ─── Sweep ──────────────────────────────────────────────────────────

func TestSweep_PrunesTerminalHistory(t *testing.T) {
	jobStore, eventStore := setupStores(t)
	ctx := context.Background()

	done := createJob(t, jobStore, "power.on")
	claim(t, jobStore)
	if _, err := jobStore.Complete(ctx, done.ID, map[string]any{"ok": true}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	failed := createJob(t, jobStore, "power.off")
	claim(t, jobStore)
	if _, err := jobStore.Fail(ctx, failed.ID, "HTTP 500"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	pending := createJob(t, jobStore, "input.set")

	ev, err := events.New("tv-1", "power.on.intent", map[string]any{}, events.Meta{})
	if err != nil {
		t.Fatalf("events.New() error = %v", err)
	}
	if _, err := eventStore.Append(ctx, ev); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	s, err := New(Deps{
		Config: Config{JobRetention: 30 * 24 * time.Hour, EventRetention: 30 * 24 * time.Hour},
		Jobs:   jobStore,
		Events: eventStore,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Nothing is old enough yet.
	res, err := s.Sweep(ctx)
	if err != nil || res.JobsDeleted != 0 || res.EventsDeleted != 0 {
		t.Fatalf("Sweep() now = %+v, %v; want nothing deleted", res, err)
	}

	s.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	res, err = s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.JobsDeleted != 2 || res.EventsDeleted != 1 {
		t.Errorf("Sweep() = %+v, want 2 jobs and 1 event", res)
	}

	if _, err := jobStore.Get(ctx, done.ID); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("completed job still present: %v", err)
	}
	if got, err := jobStore.Get(ctx, pending.ID); err != nil || got.Status != jobs.StatusPending {
		t.Errorf("pending job = %+v, %v; want kept", got, err)
	}
}

func TestSweep_ZeroRetentionSkips(t *testing.T) {
	jobsP, eventsP := &fakePruner{n: 4}, &fakePruner{n: 7}
	s, _ := New(Deps{Config: Config{EventRetention: time.Hour}, Jobs: jobsP, Events: eventsP})

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if jobsP.callCount() != 0 || res.JobsDeleted != 0 {
		t.Errorf("job pruner called with zero retention")
	}
	if res.EventsDeleted != 7 || !eventsP.cutoffs[0].Equal(fixed.Add(-time.Hour)) {
		t.Errorf("events = %d, cutoff %v", res.EventsDeleted, eventsP.cutoffs)
	}
}

func TestSweep_ContinuesAfterError(t *testing.T) {
	jobsP := &fakePruner{err: errors.New("disk I/O error")}
	eventsP := &fakePruner{n: 3}
	s, _ := New(Deps{Config: Config{JobRetention: time.Hour, EventRetention: time.Hour}, Jobs: jobsP, Events: eventsP})

	res, err := s.Sweep(context.Background())
	if err == nil {
		t.Fatal("Sweep() expected error")
	}
	if eventsP.callCount() != 1 || res.EventsDeleted != 3 {
		t.Errorf("event prune skipped after job error: %+v", res)
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────

func TestSweeper_StartRunsOnSchedule(t *testing.T) {
	p := &fakePruner{}
	s, _ := New(Deps{Config: Config{JobRetention: time.Hour}, Jobs: p, Events: p})
	s.schedule = everyTick(10 * time.Millisecond)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if p.callCount() < 2 {
		t.Errorf("sweeps = %d, want at least 2", p.callCount())
	}
	after := p.callCount()
	time.Sleep(30 * time.Millisecond)
	if p.callCount() != after {
		t.Error("sweeps continued after Stop")
	}
}

func TestSweeper_StopsOnContextCancel(t *testing.T) {
	p := &fakePruner{}
	s, _ := New(Deps{Jobs: p, Events: p})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after cancel")
	}
}
