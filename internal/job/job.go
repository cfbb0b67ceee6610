// Copyright 2025 James Ross
package job

import "time"

// Type discriminates the two request shapes a job can carry.
type Type string

const (
	TypeSearchDownload   Type = "search_download"
	TypeDownloadProducts Type = "download_products"
)

// State is the job's lifecycle state.
type State string

const (
	StateQueued          State = "queued"
	StateRunning         State = "running"
	StateCancelRequested State = "cancel_requested"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Job is the durable row the store persists. Request holds the
// original, validated submission payload; it is never mutated after
// create_job.
type Job struct {
	ID         string
	Type       Type
	Provider   string
	Collection string
	Request    Request

	State State

	Progress        float64
	BytesDownloaded int64
	BytesTotal      int64

	WorkerID string

	StartedAt  *time.Time
	FinishedAt *time.Time

	Errors []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DurationSeconds is the orchestrator's derived field: (finished_at ??
// now) - started_at, or 0 if the job never started.
func (j *Job) DurationSeconds(now time.Time) float64 {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	return end.Sub(*j.StartedAt).Seconds()
}

// Fields is a partial update payload for store.UpdateJob. A nil pointer
// field means "leave unchanged".
type Fields struct {
	State           *State
	Progress        *float64
	BytesDownloaded *int64
	BytesTotal      *int64
	WorkerID        *string
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Errors          *[]string
}
