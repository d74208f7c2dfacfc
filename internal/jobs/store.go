package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/Wandeon/fleet-sub000/internal/infrastructure/database"
	"github.com/Wandeon/fleet-sub000/internal/transport"
)

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

const jobColumns = `id, device_id, command, payload, request, dedupe_key, status, attempts,
	next_run_at, last_attempt_at, completed_at, error, result, correlation_id, origin,
	success_event, error_event, state_patch, state_on_error, mark_offline_on_error,
	created_at, updated_at`

// Store persists jobs in SQLite.
//
// Thread Safety: safe for concurrent use. Multi-statement operations run
// in a transaction.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// NewStore creates a job store on db. The schema must already be migrated.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts j as a new pending job, unless j has a dedupe key and an
// active job with that key exists. In that case the existing job is
// returned unchanged and created is false.
//
// Missing ID and CorrelationID are generated. Status, attempts and
// timestamps are set by the store.
func (s *Store) Create(ctx context.Context, j *Job) (job *Job, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if j.DedupeKey != "" {
		existing, err := activeByDedupeKey(ctx, tx, j.DedupeKey)
		switch {
		case err == nil:
			return existing, false, nil
		case !errors.Is(err, ErrJobNotFound):
			return nil, false, err
		}
	}

	if j.ID != "" {
		_, err := getJob(ctx, tx, j.ID)
		switch {
		case err == nil:
			return nil, false, fmt.Errorf("%w: %s", ErrDuplicateID, j.ID)
		case !errors.Is(err, ErrJobNotFound):
			return nil, false, err
		}
	}

	now := s.now().UTC()
	job = j.Clone()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CorrelationID == "" {
		job.CorrelationID = uuid.NewString()
	}
	if job.Origin == "" {
		job.Origin = "api"
	}
	job.Status = StatusPending
	job.Attempts = 0
	job.NextRunAt = &now
	job.LastAttemptAt = nil
	job.CompletedAt = nil
	job.Error = ""
	job.Result = nil
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := insertJob(ctx, tx, job); err != nil {
		if isPrimaryKeyViolation(err) {
			return nil, false, fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
		}
		if isUniqueViolation(err) && job.DedupeKey != "" {
			// Another writer won the dedupe race; return its job.
			existing, findErr := activeByDedupeKey(ctx, tx, job.DedupeKey)
			if findErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("inserting job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing job: %w", err)
	}
	return job, true, nil
}

// Claim atomically takes the oldest due pending job, marks it running,
// increments its attempts and stamps lastAttemptAt.
// Returns ErrNoJobDue when nothing is due.
func (s *Store) Claim(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := database.FormatTime(s.now())

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE status = ? AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`, StatusPending, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJobDue
	}
	if err != nil {
		return nil, fmt.Errorf("selecting due job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, last_attempt_at = ?, next_run_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusRunning, now, now, id, StatusPending,
	); err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", id, err)
	}

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return job, nil
}

// Complete moves a running job to success and stores the response data.
func (s *Store) Complete(ctx context.Context, id string, result any) (*Job, error) {
	raw, err := marshalNullable(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	now := database.FormatTime(s.now())
	return s.transition(ctx, id, StatusRunning, StatusSuccess,
		"error = NULL, result = ?, completed_at = ?", raw, now)
}

// Retry moves a running job back to pending, due at nextRunAt.
func (s *Store) Retry(ctx context.Context, id, errMsg string, nextRunAt time.Time) (*Job, error) {
	return s.transition(ctx, id, StatusRunning, StatusPending,
		"error = ?, next_run_at = ?", errMsg, database.FormatTime(nextRunAt))
}

// Fail moves a running job to the terminal failed status.
func (s *Store) Fail(ctx context.Context, id, errMsg string) (*Job, error) {
	now := database.FormatTime(s.now())
	return s.transition(ctx, id, StatusRunning, StatusFailed,
		"error = ?, completed_at = ?", errMsg, now)
}

// transition applies a guarded status change plus extra column updates.
func (s *Store) transition(ctx context.Context, id string, from, to Status, set string, args ...any) (*Job, error) {
	if !IsValidTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := "UPDATE jobs SET status = ?, updated_at = ?, " + set + " WHERE id = ? AND status = ?"
	params := make([]any, 0, len(args)+4)
	params = append(params, to, database.FormatTime(s.now()))
	params = append(params, args...)
	params = append(params, id, from)

	res, err := tx.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("updating job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking update of job %s: %w", id, err)
	}

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: job %s is %s, want %s", ErrInvalidTransition, id, job.Status, from)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing job %s: %w", id, err)
	}
	return job, nil
}

// RecoverRunning returns jobs left running by an unclean shutdown to
// pending so they are retried. Attempts already counted are kept.
func (s *Store) RecoverRunning(ctx context.Context) (int64, error) {
	now := database.FormatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, next_run_at = ?, updated_at = ?
		WHERE status = ?`,
		StatusPending, now, now, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recovering running jobs: %w", err)
	}
	return res.RowsAffected()
}

// Get returns the job with id, or ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

// ListFilter narrows ListRecent.
type ListFilter struct {
	DeviceID string
	Status   Status
	Limit    int
}

// ListRecent returns jobs newest first.
// A non-positive limit uses DefaultListLimit; limits above MaxListLimit are capped.
func (s *Store) ListRecent(ctx context.Context, f ListFilter) ([]Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var where []string
	var args []any
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scanning job count: %w", err)
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

// PruneTerminal deletes success and failed jobs completed before cutoff.
// Active jobs are never deleted.
func (s *Store) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusSuccess, StatusFailed, database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning jobs: %w", err)
	}
	return res.RowsAffected()
}

// ─── Row mapping ────────────────────────────────────────────────────

// queryer is satisfied by *sql.DB, *sql.Tx and *database.DB.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getJob(ctx context.Context, q queryer, id string) (*Job, error) {
	row := q.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, err
}

func activeByDedupeKey(ctx context.Context, q queryer, key string) (*Job, error) {
	row := q.QueryRowContext(ctx, "SELECT "+jobColumns+` FROM jobs
		WHERE dedupe_key = ? AND status IN (?, ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, key, StatusPending, StatusRunning)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func insertJob(ctx context.Context, tx *sql.Tx, j *Job) error {
	payload := j.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	request, err := json.Marshal(j.Request)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	statePatch, err := marshalNullable(j.StatePatch)
	if err != nil {
		return fmt.Errorf("encoding state patch: %w", err)
	}
	stateOnError, err := marshalNullable(j.StateOnError)
	if err != nil {
		return fmt.Errorf("encoding state on error: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.DeviceID, j.Command, string(payload), string(request), nullString(j.DedupeKey),
		j.Status, j.Attempts,
		database.NullTime(j.NextRunAt), database.NullTime(j.LastAttemptAt), database.NullTime(j.CompletedAt),
		nullString(j.Error), sql.NullString{}, j.CorrelationID, j.Origin,
		nullString(j.SuccessEvent), nullString(j.ErrorEvent), statePatch, stateOnError,
		boolToInt(j.MarkOfflineOnError),
		database.FormatTime(j.CreatedAt), database.FormatTime(j.UpdatedAt),
	)
	return err
}

func scanJob(row scanner) (*Job, error) {
	var (
		j            Job
		payload      string
		request      string
		status       string
		origin       string
		createdAt    string
		updatedAt    string
		dedupe       sql.NullString
		errMsg       sql.NullString
		result       sql.NullString
		nextRun      sql.NullString
		lastAttempt  sql.NullString
		completed    sql.NullString
		successEvent sql.NullString
		errorEvent   sql.NullString
		statePatch   sql.NullString
		stateOnError sql.NullString
		markOffline  int
	)

	if err := row.Scan(
		&j.ID, &j.DeviceID, &j.Command, &payload, &request, &dedupe, &status, &j.Attempts,
		&nextRun, &lastAttempt, &completed, &errMsg, &result, &j.CorrelationID, &origin,
		&successEvent, &errorEvent, &statePatch, &stateOnError, &markOffline,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	j.Status = Status(status)
	j.Origin = origin
	j.DedupeKey = dedupe.String
	j.Error = errMsg.String
	j.SuccessEvent = successEvent.String
	j.ErrorEvent = errorEvent.String
	j.MarkOfflineOnError = markOffline != 0
	j.Payload = json.RawMessage(payload)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}

	if request != "" && request != "null" {
		var req transport.RequestDefinition
		if err := json.Unmarshal([]byte(request), &req); err != nil {
			return nil, fmt.Errorf("decoding request of job %s: %w", j.ID, err)
		}
		j.Request = &req
	}
	if err := unmarshalNullable(statePatch, &j.StatePatch); err != nil {
		return nil, fmt.Errorf("decoding state patch of job %s: %w", j.ID, err)
	}
	if err := unmarshalNullable(stateOnError, &j.StateOnError); err != nil {
		return nil, fmt.Errorf("decoding state on error of job %s: %w", j.ID, err)
	}

	var err error
	if j.NextRunAt, err = database.ScanNullTime(nextRun); err != nil {
		return nil, err
	}
	if j.LastAttemptAt, err = database.ScanNullTime(lastAttempt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = database.ScanNullTime(completed); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case map[string]any:
		if x == nil {
			return sql.NullString{}, nil
		}
	case json.RawMessage:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
		return sql.NullString{String: string(x), Valid: true}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalNullable(ns sql.NullString, dst *map[string]any) error {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// isPrimaryKeyViolation matches a clash on jobs.id. The id column is a
// TEXT primary key, which SQLite may report as either constraint code.
func isPrimaryKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey:
		return true
	case sqlite3.ErrConstraintUnique:
		return strings.Contains(sqliteErr.Error(), "jobs.id")
	}
	return false
}
