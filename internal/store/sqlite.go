// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/job"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the embedded single-file transactional backend,
// grounded on the source's SQLiteJobStore (WAL mode, one file, one
// process). Operations are serialized with an RWMutex matching the
// source's threading.RLock usage, since the sqlite3 driver does not
// itself guarantee safe concurrent writers.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a WAL-mode sqlite3
// database at path and ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer connection; reads serialize behind mu

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	provider TEXT NOT NULL,
	collection TEXT NOT NULL,
	request_json TEXT NOT NULL,
	state TEXT NOT NULL,
	progress REAL NOT NULL,
	bytes_downloaded INTEGER NOT NULL,
	bytes_total INTEGER NOT NULL,
	worker_id TEXT,
	started_at TEXT,
	finished_at TEXT,
	errors_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_provider ON jobs(provider);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);

CREATE TABLE IF NOT EXISTS job_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	payload_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_job_id ON job_events(job_id);

CREATE TABLE IF NOT EXISTS job_results (
	job_id TEXT PRIMARY KEY,
	paths_json TEXT NOT NULL,
	checksums_json TEXT NOT NULL,
	metadata_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`)
	return err
}

func utcNow() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func (s *SQLiteStore) CreateJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqJSON, err := job.MarshalRequest(j.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	now := utcNow()
	errsJSON, _ := json.Marshal([]string{})

	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs(job_id, job_type, provider, collection, request_json, state,
	progress, bytes_downloaded, bytes_total, worker_id, started_at, finished_at,
	errors_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'queued', 0.0, 0, 0, NULL, NULL, NULL, ?, ?, ?)`,
		j.ID, string(j.Type), j.Provider, j.Collection, string(reqJSON), string(errsJSON), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrAlreadyExists
		}
		return err
	}
	j.State = job.StateQueued
	return nil
}

func (s *SQLiteStore) scanJob(row interface {
	Scan(dest ...interface{}) error
}) (*job.Job, error) {
	var (
		id, jobType, provider, collection, requestJSON, state string
		progress                                               float64
		bytesDownloaded, bytesTotal                            int64
		workerID, startedAt, finishedAt                        sql.NullString
		errorsJSON, createdAt, updatedAt                       string
	)
	if err := row.Scan(&id, &jobType, &provider, &collection, &requestJSON, &state,
		&progress, &bytesDownloaded, &bytesTotal, &workerID, &startedAt, &finishedAt,
		&errorsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	req, err := job.UnmarshalRequest([]byte(requestJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	var errs []string
	_ = json.Unmarshal([]byte(errorsJSON), &errs)

	j := &job.Job{
		ID:              id,
		Type:            job.Type(jobType),
		Provider:        provider,
		Collection:      collection,
		Request:         req,
		State:           job.State(state),
		Progress:        progress,
		BytesDownloaded: bytesDownloaded,
		BytesTotal:      bytesTotal,
		WorkerID:        workerID.String,
		Errors:          errs,
	}
	if startedAt.Valid {
		j.StartedAt = parseTime(startedAt.String)
	}
	if finishedAt.Valid {
		j.FinishedAt = parseTime(finishedAt.String)
	}
	if t := parseTime(createdAt); t != nil {
		j.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		j.UpdatedAt = *t
	}
	return j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT job_id, job_type, provider, collection, request_json, state,
		progress, bytes_downloaded, bytes_total, worker_id, started_at, finished_at,
		errors_json, created_at, updated_at FROM jobs WHERE job_id = ?`, id)
	j, err := s.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, fields job.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sets := []string{"updated_at = ?"}
	args := []interface{}{utcNow()}

	if fields.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*fields.State))
	}
	if fields.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *fields.Progress)
	}
	if fields.BytesDownloaded != nil {
		sets = append(sets, "bytes_downloaded = ?")
		args = append(args, *fields.BytesDownloaded)
	}
	if fields.BytesTotal != nil {
		sets = append(sets, "bytes_total = ?")
		args = append(args, *fields.BytesTotal)
	}
	if fields.WorkerID != nil {
		sets = append(sets, "worker_id = ?")
		args = append(args, *fields.WorkerID)
	}
	if fields.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, fields.StartedAt.UTC().Format(time.RFC3339Nano))
	}
	if fields.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, fields.FinishedAt.UTC().Format(time.RFC3339Nano))
	}
	if fields.Errors != nil {
		b, _ := json.Marshal(*fields.Errors)
		sets = append(sets, "errors_json = ?")
		args = append(args, string(b))
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE job_id = ?", strings.Join(sets, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) buildListQuery(filters JobListFilters) (string, []interface{}) {
	var where []string
	var args []interface{}
	if filters.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*filters.State))
	}
	if filters.Provider != nil {
		where = append(where, "provider = ?")
		args = append(args, *filters.Provider)
	}
	if filters.DateFrom != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filters.DateFrom.UTC().Format(time.RFC3339Nano))
	}
	if filters.DateTo != nil {
		where = append(where, "created_at <= ?")
		args = append(args, filters.DateTo.UTC().Format(time.RFC3339Nano))
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	return whereSQL, args
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filters JobListFilters) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	whereSQL, args := s.buildListQuery(filters)
	page := clampPage(filters.Page)
	pageSize := clampPageSize(filters.PageSize)
	if filters.PageSize == 0 {
		pageSize = 200
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf(`SELECT job_id, job_type, provider, collection, request_json, state,
		progress, bytes_downloaded, bytes_total, worker_id, started_at, finished_at,
		errors_json, created_at, updated_at FROM jobs %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, whereSQL)
	args = append(args, pageSize, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountJobs(ctx context.Context, filters JobListFilters) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	whereSQL, args := s.buildListQuery(filters)
	query := fmt.Sprintf("SELECT COUNT(*) FROM jobs %s", whereSQL)
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, jobID, eventType string, payload map[string]interface{}, timestamp time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO job_events(job_id, type, timestamp, payload_json) VALUES (?, ?, ?, ?)`,
		jobID, eventType, timestamp.UTC().Format(time.RFC3339Nano), string(payloadJSON))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, jobID string, sinceID int64, limit int) ([]*job.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []interface{}
	if jobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, jobID)
	}
	where = append(where, "id > ?")
	args = append(args, sinceID)
	args = append(args, clampEventLimit(limit))

	query := fmt.Sprintf(`SELECT id, job_id, type, timestamp, payload_json FROM job_events
		WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(where, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Event
	for rows.Next() {
		var e job.Event
		var ts, payloadJSON string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &ts, &payloadJSON); err != nil {
			return nil, err
		}
		if t := parseTime(ts); t != nil {
			e.Timestamp = *t
		}
		_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetResult(ctx context.Context, result *job.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pathsJSON, _ := json.Marshal(result.Paths)
	checksumsJSON, _ := json.Marshal(result.Checksums)
	metadataJSON, _ := json.Marshal(result.Metadata)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_results(job_id, paths_json, checksums_json, metadata_json, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
	paths_json = excluded.paths_json,
	checksums_json = excluded.checksums_json,
	metadata_json = excluded.metadata_json,
	updated_at = excluded.updated_at`,
		result.JobID, string(pathsJSON), string(checksumsJSON), string(metadataJSON), utcNow())
	return err
}

func (s *SQLiteStore) GetResult(ctx context.Context, jobID string) (*job.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pathsJSON, checksumsJSON, metadataJSON string
	err := s.db.QueryRowContext(ctx, `SELECT paths_json, checksums_json, metadata_json FROM job_results WHERE job_id = ?`, jobID).
		Scan(&pathsJSON, &checksumsJSON, &metadataJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r := &job.Result{JobID: jobID}
	_ = json.Unmarshal([]byte(pathsJSON), &r.Paths)
	_ = json.Unmarshal([]byte(checksumsJSON), &r.Checksums)
	_ = json.Unmarshal([]byte(metadataJSON), &r.Metadata)
	return r, nil
}

func (s *SQLiteStore) requeueByPredicate(ctx context.Context, extraWhere, extraArgs string, eventType, reason string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT job_id FROM jobs WHERE state IN ('running', 'cancel_requested')"
	var args []interface{}
	if extraWhere != "" {
		query += " AND " + extraWhere
		args = append(args, extraArgs)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	now := utcNow()
	updateQuery := "UPDATE jobs SET state = 'queued', updated_at = ? WHERE state IN ('running', 'cancel_requested')"
	updateArgs := []interface{}{now}
	if extraWhere != "" {
		updateQuery += " AND " + extraWhere
		updateArgs = append(updateArgs, extraArgs)
	}
	if _, err := s.db.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"reason": reason})
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO job_events(job_id, type, timestamp, payload_json) VALUES (?, ?, ?, ?)`,
			id, eventType, now, string(payload)); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *SQLiteStore) RequeueIncompleteJobs(ctx context.Context) ([]string, error) {
	return s.requeueByPredicate(ctx, "", "", job.EventRequeuedAfterRestart, "service_restart")
}

func (s *SQLiteStore) ClaimJobForExecution(ctx context.Context, jobID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := utcNow()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET state = 'running', worker_id = ?, started_at = COALESCE(started_at, ?), updated_at = ?
WHERE job_id = ? AND state = 'queued'`, workerID, now, now, jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) RequeueStaleRunningJobs(ctx context.Context, staleSeconds int) ([]string, error) {
	if staleSeconds < 1 {
		staleSeconds = 1
	}
	staleBefore := time.Now().UTC().Add(-time.Duration(staleSeconds) * time.Second).Format(time.RFC3339Nano)
	return s.requeueByPredicate(ctx, "updated_at < ?", staleBefore, job.EventRequeuedStale, "stale_running_timeout")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
