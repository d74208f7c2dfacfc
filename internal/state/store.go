package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/database"
)

// Store persists device states in SQLite and publishes every write as
// state.updated on the bus.
type Store struct {
	db  *database.DB
	bus events.Publisher
	now func() time.Time
}

// NewStore creates a state store. bus may be nil.
func NewStore(db *database.DB, bus events.Publisher) *Store {
	return &Store{db: db, bus: bus, now: time.Now}
}

// Merge deep-merges patch into the device's state and applies meta,
// creating the row on first reference.
func (s *Store) Merge(ctx context.Context, deviceID string, patch map[string]any, meta Meta) (*DeviceState, error) {
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	current, err := getState(ctx, tx, deviceID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = Unknown(deviceID)
	case err != nil:
		return nil, err
	}

	next := apply(current, patch, meta)
	next.UpdatedAt = s.now().UTC()

	raw, err := json.Marshal(next.State)
	if err != nil {
		return nil, fmt.Errorf("encoding state of %s: %w", deviceID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_states (device_id, status, state, last_seen, offline_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			last_seen = excluded.last_seen,
			offline_reason = excluded.offline_reason,
			updated_at = excluded.updated_at`,
		deviceID, next.Status, string(raw), database.NullTime(next.LastSeen),
		sql.NullString{String: next.OfflineReason, Valid: next.OfflineReason != ""},
		database.FormatTime(next.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("writing state of %s: %w", deviceID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing state of %s: %w", deviceID, err)
	}

	if s.bus != nil {
		s.bus.Publish(events.TopicStateUpdated, next)
	}
	return next, nil
}

// apply computes the next state without touching storage.
func apply(current *DeviceState, patch map[string]any, meta Meta) *DeviceState {
	next := &DeviceState{
		DeviceID:      current.DeviceID,
		Status:        current.Status,
		State:         Merge(current.State, patch),
		LastSeen:      current.LastSeen,
		OfflineReason: current.OfflineReason,
	}
	if meta.Status != "" {
		next.Status = meta.Status
	}
	if meta.LastSeen != nil {
		seen := meta.LastSeen.UTC()
		next.LastSeen = &seen
	}
	switch {
	case meta.OfflineReason != nil:
		next.OfflineReason = *meta.OfflineReason
	case meta.Status == StatusOnline:
		next.OfflineReason = ""
	}
	return next
}

// MarkOnline records a successful contact at seen.
func (s *Store) MarkOnline(ctx context.Context, deviceID string, seen time.Time) (*DeviceState, error) {
	return s.Merge(ctx, deviceID, nil, Meta{Status: StatusOnline, LastSeen: &seen})
}

// MarkOffline records the device as unreachable for reason.
func (s *Store) MarkOffline(ctx context.Context, deviceID, reason string) (*DeviceState, error) {
	if reason == "" {
		reason = "unknown"
	}
	return s.Merge(ctx, deviceID, nil, Meta{Status: StatusOffline, OfflineReason: &reason})
}

// Get returns the device's state, or an unknown state if none was written.
func (s *Store) Get(ctx context.Context, deviceID string) (*DeviceState, error) {
	st, err := getState(ctx, s.db, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return Unknown(deviceID), nil
	}
	return st, err
}

// List returns every stored state, most recently updated first.
func (s *Store) List(ctx context.Context) ([]DeviceState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, status, state, last_seen, offline_reason, updated_at
		FROM device_states
		ORDER BY updated_at DESC, device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing device states: %w", err)
	}
	defer rows.Close()

	out := make([]DeviceState, 0)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device states: %w", err)
	}
	return out, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getState(ctx context.Context, q queryer, deviceID string) (*DeviceState, error) {
	row := q.QueryRowContext(ctx, `
		SELECT device_id, status, state, last_seen, offline_reason, updated_at
		FROM device_states WHERE device_id = ?`, deviceID)
	return scanState(row)
}

func scanState(row scanner) (*DeviceState, error) {
	var (
		st        DeviceState
		status    string
		raw       string
		lastSeen  sql.NullString
		reason    sql.NullString
		updatedAt string
	)
	if err := row.Scan(&st.DeviceID, &status, &raw, &lastSeen, &reason, &updatedAt); err != nil {
		return nil, err
	}

	st.Status = Status(status)
	st.OfflineReason = reason.String
	if err := json.Unmarshal([]byte(raw), &st.State); err != nil {
		return nil, fmt.Errorf("decoding state of %s: %w", st.DeviceID, err)
	}
	if st.State == nil {
		st.State = map[string]any{}
	}

	var err error
	if st.LastSeen, err = database.ScanNullTime(lastSeen); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}
