// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/analysis-progress/internal/store"
)

// Schema creates the job_runs table used by HistoryStore.
const Schema = `
CREATE TABLE IF NOT EXISTS job_runs (
	job_id        TEXT PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	backend       TEXT NOT NULL DEFAULT '',
	last_update   TIMESTAMPTZ NOT NULL,
	error_message TEXT
);`

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// HistoryStore implements store.HistoryRepository using Postgres.
type HistoryStore struct {
	pool pool
}

// NewHistoryStore connects to dsn and returns a HistoryStore.
func NewHistoryStore(ctx context.Context, dsn string) (*HistoryStore, error) {
	if dsn == "" {
		return nil, errors.New("store.dsn is required")
	}
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &HistoryStore{pool: p}, nil
}

// NewHistoryStoreWithPool wraps an existing pool, primarily for tests.
func NewHistoryStoreWithPool(p pool) (*HistoryStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &HistoryStore{pool: p}, nil
}

// Close closes the underlying connection pool.
func (s *HistoryStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the job_runs table if it does not exist.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create job_runs: %w", err)
	}
	return nil
}

// UpsertJobStart inserts a running job, leaving an existing row untouched.
func (s *HistoryStore) UpsertJobStart(ctx context.Context, jobID string, startedAt time.Time) error {
	query := `
		INSERT INTO job_runs (job_id, started_at, status, last_update)
		VALUES ($1, $2, $3, $2)
		ON CONFLICT (job_id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, jobID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert job start: %w", err)
	}
	return nil
}

// RecordProgress stores the latest observed percentage for a job. A backend
// of "none" keeps the previously recorded transport.
func (s *HistoryStore) RecordProgress(ctx context.Context, jobID string, progress int, backend string, at time.Time) error {
	query := `
		UPDATE job_runs
		SET progress = GREATEST(progress, $1), backend = COALESCE(NULLIF($2, 'none'), backend), last_update = $3
		WHERE job_id = $4 AND last_update <= $3;
	`
	if _, err := s.pool.Exec(ctx, query, progress, backend, at, jobID); err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	return nil
}

// CompleteJob marks a job as finished with a status and optional error message.
func (s *HistoryStore) CompleteJob(
	ctx context.Context,
	jobID string,
	finishedAt time.Time,
	status store.JobRunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE job_runs
		SET finished_at = $1, status = $2, error_message = $3, last_update = $1
		WHERE job_id = $4;
	`
	res, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetJob retrieves a single job run by its id.
func (s *HistoryStore) GetJob(ctx context.Context, jobID string) (store.JobRun, error) {
	query := `
		SELECT job_id, started_at, finished_at, status, progress, backend, last_update, error_message
		FROM job_runs
		WHERE job_id = $1;
	`
	var run store.JobRun
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&run.JobID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Progress,
		&run.Backend,
		&run.LastUpdate,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("failed to get job: %w", err)
	}
	return run, nil
}

// ListJobs retrieves job runs, newest first, with optional status filtering.
func (s *HistoryStore) ListJobs(
	ctx context.Context,
	status *store.JobRunStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	query := `
		SELECT job_id, started_at, finished_at, status, progress, backend, last_update, error_message
		FROM job_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var runs []store.JobRun
	for rows.Next() {
		var run store.JobRun
		err := rows.Scan(
			&run.JobID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.Progress,
			&run.Backend,
			&run.LastUpdate,
			&run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}
	return runs, nil
}
