package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Wandeon/fleet-sub000/internal/device"
	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/jobs"
	"github.com/Wandeon/fleet-sub000/internal/state"
)

// GetJob returns one job. Unknown ids wrap jobs.ErrJobNotFound.
func (s *Service) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	return s.jobs.Get(ctx, id)
}

// ListJobs returns recent jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, f jobs.ListFilter) ([]jobs.Job, error) {
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidQuery)
	}
	if f.Status != "" {
		if _, ok := jobs.ParseStatus(string(f.Status)); !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidQuery, f.Status)
		}
	}
	return s.jobs.ListRecent(ctx, f)
}

// ListDeviceStates returns every stored device state, most recently
// updated first.
func (s *Service) ListDeviceStates(ctx context.Context) ([]state.DeviceState, error) {
	return s.states.List(ctx)
}

// GetDeviceState returns the state of a registered device. A device that
// was never written reports status unknown with an empty state.
func (s *Service) GetDeviceState(ctx context.Context, deviceID string) (*state.DeviceState, error) {
	if _, err := s.registry.Resolve(deviceID); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return nil, err
	}
	return s.states.Get(ctx, deviceID)
}

// ListEvents returns events newest first. A negative limit is rejected;
// zero uses the default and anything above events.MaxListLimit is capped.
func (s *Service) ListEvents(ctx context.Context, q events.Query) ([]events.Event, error) {
	if q.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidQuery)
	}
	return s.events.List(ctx, q)
}

// ParseEventQuery builds an events.Query from raw query-string values.
// since accepts RFC 3339 or Unix milliseconds; limit must be a positive
// integer. Empty values are ignored.
func ParseEventQuery(deviceID, since, limit string) (events.Query, error) {
	q := events.Query{DeviceID: deviceID}

	if since != "" {
		t, err := parseSince(since)
		if err != nil {
			return q, fmt.Errorf("%w: invalid since parameter", ErrInvalidQuery)
		}
		q.Since = &t
	}

	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("%w: limit must be positive integer", ErrInvalidQuery)
		}
		q.Limit = min(n, events.MaxListLimit)
	}
	return q, nil
}

func parseSince(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Snapshot is the point-in-time view sent to a new live feed subscriber.
type Snapshot struct {
	States []state.DeviceState `json:"states"`
	Jobs   []jobs.Job          `json:"jobs"`
}

// Snapshot returns every device state and the most recent jobs.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	states, err := s.states.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing states: %w", err)
	}
	recent, err := s.jobs.ListRecent(ctx, jobs.ListFilter{Limit: s.snapshotJobs})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return &Snapshot{States: states, Jobs: recent}, nil
}

// JobCounts returns the number of jobs in each status.
func (s *Service) JobCounts(ctx context.Context) (map[jobs.Status]int, error) {
	return s.jobs.CountByStatus(ctx)
}
