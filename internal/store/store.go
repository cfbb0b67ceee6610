// Copyright 2025 James Ross

// Package store persists jobs, their event logs and results. Three
// concrete backends (sqlite, redis, postgres) implement the same
// JobStore contract; selection is made by config.Store.Backend via
// NewFromConfig.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/job"
)

// ErrNotFound is returned by GetResult when no result exists for a job id.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyExists is returned by CreateJob when the id is already taken.
var ErrAlreadyExists = errors.New("store: job already exists")

// JobListFilters narrows ListJobs; zero values mean "no filter" except
// Page/PageSize which are clamped by each backend.
type JobListFilters struct {
	State      *job.State
	Provider   *string
	DateFrom   *time.Time
	DateTo     *time.Time
	Page       int
	PageSize   int
}

// JobStore is the durable persistence contract described by the
// orchestration engine's Job Store component. All operations are
// synchronous and safe for concurrent use.
type JobStore interface {
	// CreateJob inserts a queued job row. Returns ErrAlreadyExists if id is taken.
	CreateJob(ctx context.Context, j *job.Job) error

	// GetJob returns the job, or (nil, nil) if it does not exist.
	GetJob(ctx context.Context, id string) (*job.Job, error)

	// UpdateJob applies a partial field update; no-op if id is missing.
	UpdateJob(ctx context.Context, id string, fields job.Fields) error

	// ListJobs returns one page of jobs matching filters, newest
	// created_at first; CountJobs returns the total count ignoring
	// pagination.
	ListJobs(ctx context.Context, filters JobListFilters) ([]*job.Job, error)
	CountJobs(ctx context.Context, filters JobListFilters) (int, error)

	// AppendEvent assigns the next monotonic id for the store and returns it.
	AppendEvent(ctx context.Context, jobID, eventType string, payload map[string]interface{}, timestamp time.Time) (int64, error)

	// ListEvents returns events with id > sinceID (0 for "from the start"),
	// optionally filtered to one job, ordered by id ascending.
	ListEvents(ctx context.Context, jobID string, sinceID int64, limit int) ([]*job.Event, error)

	// SetResult upserts a job's terminal result.
	SetResult(ctx context.Context, result *job.Result) error

	// GetResult returns ErrNotFound if no result exists for jobID.
	GetResult(ctx context.Context, jobID string) (*job.Result, error)

	// RequeueIncompleteJobs moves running/cancel_requested jobs back to
	// queued on startup, appending job.requeued_after_restart for each.
	RequeueIncompleteJobs(ctx context.Context) ([]string, error)

	// ClaimJobForExecution is the sole atomic CAS entry into running.
	ClaimJobForExecution(ctx context.Context, jobID, workerID string) (bool, error)

	// RequeueStaleRunningJobs moves jobs whose updated_at is older than
	// now-staleSeconds back to queued, appending job.requeued_stale.
	RequeueStaleRunningJobs(ctx context.Context, staleSeconds int) ([]string, error)

	// Ping is used by the readiness endpoint.
	Ping(ctx context.Context) error

	Close() error
}

func clampPage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

func clampPageSize(size int) int {
	if size < 1 {
		return 1
	}
	if size > 200 {
		return 200
	}
	return size
}

func clampEventLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
