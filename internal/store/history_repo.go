package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("job run not found")

// JobRunStatus mirrors the job_runs status column.
type JobRunStatus string

// Job run statuses persisted in job_runs.status.
const (
	RunRunning JobRunStatus = "running"
	RunSuccess JobRunStatus = "success"
	RunError   JobRunStatus = "error"
)

// JobRun is one tracked analysis job as observed by this client.
type JobRun struct {
	JobID     string
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	Status     JobRunStatus
	// Progress is the last overall percentage observed.
	Progress int
	// Backend is the transport that delivered the last update.
	Backend      string
	LastUpdate   time.Time
	ErrorMessage *string
}

// HistoryRepository records what the sync client saw for each job.
type HistoryRepository interface {
	// UpsertJobStart inserts the run, or leaves an existing one untouched.
	UpsertJobStart(ctx context.Context, jobID string, startedAt time.Time) error
	// RecordProgress stores the latest percentage and transport for a run.
	RecordProgress(ctx context.Context, jobID string, progress int, backend string, at time.Time) error
	// CompleteJob marks the run finished with the provided status and error.
	CompleteJob(ctx context.Context, jobID string, finishedAt time.Time, status JobRunStatus, errMsg *string) error

	// GetJob loads a single job run or returns ErrNotFound.
	GetJob(ctx context.Context, jobID string) (JobRun, error)
	// ListJobs returns job runs filtered by optional status plus limit/offset.
	ListJobs(ctx context.Context, status *JobRunStatus, limit, offset int) ([]JobRun, error)
}
