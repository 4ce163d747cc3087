package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/campussim/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    state         TEXT NOT NULL,
    params        TEXT NOT NULL,
    output_prefix TEXT NOT NULL,
    error         TEXT NOT NULL DEFAULT '',
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL,
    started_at    DATETIME,
    finished_at   DATETIME
)`

const createTransitionsTable = `
CREATE TABLE IF NOT EXISTS job_transitions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL REFERENCES jobs(id),
    from_state TEXT NOT NULL,
    to_state   TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    at         DATETIME NOT NULL
)`

const createResultsTable = `
CREATE TABLE IF NOT EXISTS results (
    job_id       TEXT PRIMARY KEY REFERENCES jobs(id),
    status       TEXT NOT NULL,
    data         TEXT NOT NULL,
    completed_at DATETIME NOT NULL
)`

const jobColumns = `id, name, state, params, output_prefix, error,
	created_at, updated_at, started_at, finished_at`

// ErrNotFound is returned when a job or result is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared across callers
	// and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createTransitionsTable, createResultsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job in the created state and records its initial
// transition.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	if j.State != model.StateCreated {
		return fmt.Errorf("%w: new job must be %q, got %q", ErrInvalidTransition, model.StateCreated, j.State)
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, string(j.State), string(params), j.OutputPrefix, j.Error,
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if err := insertTransition(ctx, tx, j.ID, "", j.State, "", j.CreatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// TransitionJob moves a job from one state to another if and only if the job
// is currently in from. Entering running sets started_at; entering a
// terminal state sets finished_at; entering error records reason as the
// job's error.
func (s *SQLiteStore) TransitionJob(ctx context.Context, id string, from, to model.JobState, reason string) error {
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var startedAt, finishedAt *time.Time
	if to == model.StateRunning {
		startedAt = &now
	}
	if to.Terminal() {
		finishedAt = &now
	}
	errMsg := ""
	if to == model.StateError {
		errMsg = reason
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE jobs SET
			state = ?,
			updated_at = ?,
			error = CASE WHEN ? != '' THEN ? ELSE error END,
			started_at = COALESCE(started_at, ?),
			finished_at = COALESCE(?, finished_at)
		WHERE id = ? AND state = ?`,
		string(to), now, errMsg, errMsg, startedAt, finishedAt, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT state FROM jobs WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read job state: %w", err)
		}
		return fmt.Errorf("%w: expected %q, found %q", ErrStateConflict, from, current)
	}

	if err := insertTransition(ctx, tx, id, from, to, reason, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// ListTransitions returns the recorded transitions of a job, oldest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, id string) ([]model.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, from_state, to_state, reason, at
		FROM job_transitions WHERE job_id = ? ORDER BY id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var tr model.Transition
		var from, to string
		if err := rows.Scan(&tr.ID, &tr.JobID, &from, &to, &tr.Reason, &tr.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From = model.JobState(from)
		tr.To = model.JobState(to)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// SaveResult stores the aggregate result of a job. A job has at most one
// result; a second write fails with ErrResultExists.
func (s *SQLiteStore) SaveResult(ctx context.Context, r *model.AggregateResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE id = ?", r.JobID).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM results WHERE job_id = ?", r.JobID).Scan(&exists); err != nil {
		return fmt.Errorf("check result: %w", err)
	}
	if exists > 0 {
		return ErrResultExists
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO results (job_id, status, data, completed_at) VALUES (?, ?, ?, ?)`,
		r.JobID, r.Status, string(data), r.CompletedAt,
	); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit result: %w", err)
	}
	return nil
}

// GetResult retrieves the aggregate result of a job.
func (s *SQLiteStore) GetResult(ctx context.Context, jobID string) (*model.AggregateResult, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM results WHERE job_id = ?", jobID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	r := &model.AggregateResult{}
	if err := json.Unmarshal([]byte(data), r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

// GetJobStats returns job counts per state and the mean wall-clock duration
// of completed jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{CountByState: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[state] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT started_at, finished_at FROM jobs
		WHERE state = ? AND started_at IS NOT NULL AND finished_at IS NOT NULL`,
		string(model.StateComplete),
	)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	var sum float64
	var n int
	for rows.Next() {
		var started, finished time.Time
		if err := rows.Scan(&started, &finished); err != nil {
			return nil, fmt.Errorf("scan durations: %w", err)
		}
		sum += float64(finished.Sub(started).Milliseconds())
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate durations: %w", err)
	}
	if n > 0 {
		stats.AvgDurationMS = sum / float64(n)
	}
	return stats, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var state, params string
	if err := row.Scan(
		&j.ID, &j.Name, &state, &params, &j.OutputPrefix, &j.Error,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	j.State = model.JobState(state)
	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return j, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, jobID string, from, to model.JobState, reason string, at time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_transitions (job_id, from_state, to_state, reason, at) VALUES (?, ?, ?, ?, ?)`,
		jobID, string(from), string(to), reason, at,
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}
