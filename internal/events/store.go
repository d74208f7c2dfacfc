package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Wandeon/fleet-sub000/internal/infrastructure/database"
)

// List limits.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// Query selects events for List.
type Query struct {
	DeviceID string

	// Since is exclusive: only events strictly after it are returned.
	Since *time.Time

	Limit int
}

// Store persists the device event log in SQLite.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// NewStore creates an event store on db.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Append stores e, assigning its ID and timestamp when unset.
func (s *Store) Append(ctx context.Context, e *Event) (*Event, error) {
	if e == nil || e.DeviceID == "" || e.EventType == "" {
		return nil, fmt.Errorf("%w: device and type are required", ErrInvalidEvent)
	}

	out := *e
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = s.now().UTC()
	}
	if len(out.Payload) == 0 {
		out.Payload = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_events (id, device_id, event_type, payload, origin, job_id, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.DeviceID, out.EventType, string(out.Payload), out.Origin,
		nullIfEmpty(out.JobID), nullIfEmpty(out.CorrelationID), database.FormatTime(out.Timestamp),
	)
	if err != nil {
		return nil, fmt.Errorf("appending event: %w", err)
	}
	return &out, nil
}

// List returns events newest first. Limits outside 1..MaxListLimit are
// clamped; callers validate user input before calling.
func (s *Store) List(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var where []string
	var args []any
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.Since != nil {
		where = append(where, "created_at > ?")
		args = append(args, database.FormatTime(*q.Since))
	}

	query := `SELECT id, device_id, event_type, payload, origin, job_id, correlation_id, created_at
		FROM device_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e         Event
			payload   string
			jobID     *string
			corrID    *string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.EventType, &payload, &e.Origin, &jobID, &corrID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if jobID != nil {
			e.JobID = *jobID
		}
		if corrID != nil {
			e.CorrelationID = *corrID
		}
		if e.Timestamp, err = database.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing event time: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}

// Prune deletes events recorded before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM device_events WHERE created_at < ?", database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return res.RowsAffected()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Recorder appends events to the store and publishes each one on the bus.
type Recorder struct {
	store *Store
	bus   Publisher
}

// NewRecorder creates a Recorder.
func NewRecorder(store *Store, bus Publisher) *Recorder {
	return &Recorder{store: store, bus: bus}
}

// Record builds, stores and publishes an event.
func (r *Recorder) Record(ctx context.Context, deviceID, eventType string, payload any, meta Meta) (*Event, error) {
	e, err := New(deviceID, eventType, payload, meta)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", eventType, err)
	}
	stored, err := r.store.Append(ctx, e)
	if err != nil {
		return nil, err
	}
	r.bus.Publish(TopicEventAppended, stored)
	return stored, nil
}
