package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep daily at 03:00 local time.
const DefaultSchedule = "0 3 * * *"

// JobPruner deletes terminal jobs. *jobs.Store satisfies it.
type JobPruner interface {
	PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventPruner deletes old events. *events.Store satisfies it.
type EventPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Logger defines the logging interface used by the Sweeper.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config controls the sweep. A zero retention skips that store.
type Config struct {
	Schedule       string
	JobRetention   time.Duration
	EventRetention time.Duration
}

// Deps holds the dependencies of a Sweeper.
type Deps struct {
	Config Config
	Jobs   JobPruner
	Events EventPruner
	Logger Logger // optional
}

// Result reports one sweep.
type Result struct {
	JobsDeleted   int64 `json:"jobs_deleted"`
	EventsDeleted int64 `json:"events_deleted"`
}

// Sweeper prunes job and event history on a cron schedule.
type Sweeper struct {
	cfg      Config
	schedule cron.Schedule
	jobs     JobPruner
	events   EventPruner
	logger   Logger
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// ParseSchedule parses a standard five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, expr, err)
	}
	return schedule, nil
}

// New creates a Sweeper. An empty schedule uses DefaultSchedule.
func New(deps Deps) (*Sweeper, error) {
	if deps.Jobs == nil || deps.Events == nil {
		return nil, fmt.Errorf("job and event stores are required")
	}
	if deps.Config.Schedule == "" {
		deps.Config.Schedule = DefaultSchedule
	}
	schedule, err := ParseSchedule(deps.Config.Schedule)
	if err != nil {
		return nil, err
	}

	s := &Sweeper{
		cfg:      deps.Config,
		schedule: schedule,
		jobs:     deps.Jobs,
		events:   deps.Events,
		logger:   deps.Logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	return s, nil
}

// Next returns the first sweep time after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Sweep prunes both stores once. Both are attempted even if one fails.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)
	now := s.now()

	if s.cfg.JobRetention > 0 {
		n, err := s.jobs.PruneTerminal(ctx, now.Add(-s.cfg.JobRetention))
		if err != nil {
			errs = append(errs, err)
		}
		res.JobsDeleted = n
	}
	if s.cfg.EventRetention > 0 {
		n, err := s.events.Prune(ctx, now.Add(-s.cfg.EventRetention))
		if err != nil {
			errs = append(errs, err)
		}
		res.EventsDeleted = n
	}

	return res, errors.Join(errs...)
}

// Start runs the schedule until Stop or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	s.running = true

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("retention sweep scheduled",
		"schedule", s.cfg.Schedule, "next", s.Next(s.now()).Format(time.RFC3339))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		wait := s.Next(s.now()).Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		res, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("retention sweep failed", "error", err,
				"jobs_deleted", res.JobsDeleted, "events_deleted", res.EventsDeleted)
			continue
		}
		s.logger.Info("retention sweep complete",
			"jobs_deleted", res.JobsDeleted, "events_deleted", res.EventsDeleted)
	}
}
