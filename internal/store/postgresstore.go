// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/job"
	_ "github.com/lib/pq"
)

// PostgresStore is the shared-server backend: a jobs table with a JSONB
// request column and a BIGSERIAL event id sequence, fit for multiple
// orchestrator processes against one database. Claim uses a single
// UPDATE ... RETURNING statement rather than the sqlite backend's
// RowsAffected check, since Postgres gives that atomicity natively.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn and ensures the
// schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	provider TEXT NOT NULL,
	collection TEXT NOT NULL,
	request JSONB NOT NULL,
	state TEXT NOT NULL,
	progress DOUBLE PRECISION NOT NULL,
	bytes_downloaded BIGINT NOT NULL,
	bytes_total BIGINT NOT NULL,
	worker_id TEXT,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	errors JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_provider ON jobs(provider);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);

CREATE TABLE IF NOT EXISTS job_events (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	type TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_job_id ON job_events(job_id);

CREATE TABLE IF NOT EXISTS job_results (
	job_id TEXT PRIMARY KEY,
	paths JSONB NOT NULL,
	checksums JSONB NOT NULL,
	metadata JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`)
	return err
}

func (s *PostgresStore) CreateJob(ctx context.Context, j *job.Job) error {
	reqJSON, err := job.MarshalRequest(j.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs(job_id, job_type, provider, collection, request, state,
	progress, bytes_downloaded, bytes_total, worker_id, started_at, finished_at,
	errors, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'queued', 0.0, 0, 0, NULL, NULL, NULL, '[]', $6, $6)`,
		j.ID, string(j.Type), j.Provider, j.Collection, string(reqJSON), now)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key value") {
			return ErrAlreadyExists
		}
		return err
	}
	j.State = job.StateQueued
	return nil
}

func (s *PostgresStore) scanJob(row interface {
	Scan(dest ...interface{}) error
}) (*job.Job, error) {
	var (
		id, jobType, provider, collection, requestJSON, state string
		progress                                               float64
		bytesDownloaded, bytesTotal                            int64
		workerID                                                sql.NullString
		startedAt, finishedAt                                   sql.NullTime
		errorsJSON                                              string
		createdAt, updatedAt                                    time.Time
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
		CreatedAt:       createdAt.UTC(),
		UpdatedAt:       updatedAt.UTC(),
		Errors:          errs,
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		j.FinishedAt = &t
	}
	return j, nil
}

const jobColumns = `job_id, job_type, provider, collection, request, state,
	progress, bytes_downloaded, bytes_total, worker_id, started_at, finished_at,
	errors, created_at, updated_at`

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id)
	j, err := s.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, id string, fields job.Fields) error {
	sets := []string{"updated_at = $1"}
	args := []interface{}{time.Now().UTC()}
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if fields.State != nil {
		sets = append(sets, "state = "+next(string(*fields.State)))
	}
	if fields.Progress != nil {
		sets = append(sets, "progress = "+next(*fields.Progress))
	}
	if fields.BytesDownloaded != nil {
		sets = append(sets, "bytes_downloaded = "+next(*fields.BytesDownloaded))
	}
	if fields.BytesTotal != nil {
		sets = append(sets, "bytes_total = "+next(*fields.BytesTotal))
	}
	if fields.WorkerID != nil {
		sets = append(sets, "worker_id = "+next(*fields.WorkerID))
	}
	if fields.StartedAt != nil {
		sets = append(sets, "started_at = "+next(fields.StartedAt.UTC()))
	}
	if fields.FinishedAt != nil {
		sets = append(sets, "finished_at = "+next(fields.FinishedAt.UTC()))
	}
	if fields.Errors != nil {
		b, _ := json.Marshal(*fields.Errors)
		sets = append(sets, "errors = "+next(string(b)))
	}

	idPlaceholder := next(id)
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE job_id = %s", strings.Join(sets, ", "), idPlaceholder)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *PostgresStore) buildListQuery(filters JobListFilters) (string, []interface{}) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filters.State != nil {
		add("state = $%d", string(*filters.State))
	}
	if filters.Provider != nil {
		add("provider = $%d", *filters.Provider)
	}
	if filters.DateFrom != nil {
		add("created_at >= $%d", filters.DateFrom.UTC())
	}
	if filters.DateTo != nil {
		add("created_at <= $%d", filters.DateTo.UTC())
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	return whereSQL, args
}

func (s *PostgresStore) ListJobs(ctx context.Context, filters JobListFilters) ([]*job.Job, error) {
	whereSQL, args := s.buildListQuery(filters)
	page := clampPage(filters.Page)
	pageSize := clampPageSize(filters.PageSize)
	if filters.PageSize == 0 {
		pageSize = 200
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf(`SELECT %s FROM jobs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, whereSQL, len(args)+1, len(args)+2)
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

func (s *PostgresStore) CountJobs(ctx context.Context, filters JobListFilters) (int, error) {
	whereSQL, args := s.buildListQuery(filters)
	query := fmt.Sprintf("SELECT COUNT(*) FROM jobs %s", whereSQL)
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, jobID, eventType string, payload map[string]interface{}, timestamp time.Time) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `INSERT INTO job_events(job_id, type, timestamp, payload) VALUES ($1, $2, $3, $4) RETURNING id`,
		jobID, eventType, timestamp.UTC(), string(payloadJSON)).Scan(&id)
	return id, err
}

func (s *PostgresStore) ListEvents(ctx context.Context, jobID string, sinceID int64, limit int) ([]*job.Event, error) {
	var where []string
	var args []interface{}
	if jobID != "" {
		args = append(args, jobID)
		where = append(where, fmt.Sprintf("job_id = $%d", len(args)))
	}
	args = append(args, sinceID)
	where = append(where, fmt.Sprintf("id > $%d", len(args)))
	args = append(args, clampEventLimit(limit))

	query := fmt.Sprintf(`SELECT id, job_id, type, timestamp, payload FROM job_events
		WHERE %s ORDER BY id ASC LIMIT $%d`, strings.Join(where, " AND "), len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Event
	for rows.Next() {
		var e job.Event
		var ts time.Time
		var payloadJSON string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &ts, &payloadJSON); err != nil {
			return nil, err
		}
		e.Timestamp = ts.UTC()
		_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetResult(ctx context.Context, result *job.Result) error {
	pathsJSON, _ := json.Marshal(result.Paths)
	checksumsJSON, _ := json.Marshal(result.Checksums)
	metadataJSON, _ := json.Marshal(result.Metadata)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_results(job_id, paths, checksums, metadata, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT(job_id) DO UPDATE SET
	paths = excluded.paths,
	checksums = excluded.checksums,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at`,
		result.JobID, string(pathsJSON), string(checksumsJSON), string(metadataJSON), time.Now().UTC())
	return err
}

func (s *PostgresStore) GetResult(ctx context.Context, jobID string) (*job.Result, error) {
	var pathsJSON, checksumsJSON, metadataJSON string
	err := s.db.QueryRowContext(ctx, `SELECT paths, checksums, metadata FROM job_results WHERE job_id = $1`, jobID).
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

func (s *PostgresStore) requeueByPredicate(ctx context.Context, extraWhere string, extraArg interface{}, eventType, reason string) ([]string, error) {
	query := "SELECT job_id FROM jobs WHERE state IN ('running', 'cancel_requested')"
	var args []interface{}
	if extraWhere != "" {
		args = append(args, extraArg)
		query += fmt.Sprintf(" AND %s $%d", extraWhere, len(args))
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

	now := time.Now().UTC()
	updateQuery := "UPDATE jobs SET state = 'queued', updated_at = $1 WHERE state IN ('running', 'cancel_requested')"
	updateArgs := []interface{}{now}
	if extraWhere != "" {
		updateArgs = append(updateArgs, extraArg)
		updateQuery += fmt.Sprintf(" AND %s $%d", extraWhere, len(updateArgs))
	}
	if _, err := s.db.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"reason": reason})
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO job_events(job_id, type, timestamp, payload) VALUES ($1, $2, $3, $4)`,
			id, eventType, now, string(payload)); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *PostgresStore) RequeueIncompleteJobs(ctx context.Context) ([]string, error) {
	return s.requeueByPredicate(ctx, "", nil, job.EventRequeuedAfterRestart, "service_restart")
}

func (s *PostgresStore) ClaimJobForExecution(ctx context.Context, jobID, workerID string) (bool, error) {
	now := time.Now().UTC()
	var claimed string
	err := s.db.QueryRowContext(ctx, `
UPDATE jobs SET state = 'running', worker_id = $1, started_at = COALESCE(started_at, $2), updated_at = $2
WHERE job_id = $3 AND state = 'queued'
RETURNING job_id`, workerID, now, jobID).Scan(&claimed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return claimed == jobID, nil
}

func (s *PostgresStore) RequeueStaleRunningJobs(ctx context.Context, staleSeconds int) ([]string, error) {
	if staleSeconds < 1 {
		staleSeconds = 1
	}
	cutoff := time.Now().UTC().Add(-time.Duration(staleSeconds) * time.Second)
	return s.requeueByPredicate(ctx, "updated_at <", cutoff, job.EventRequeuedStale, "stale_running_timeout")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
