// Copyright 2025 James Ross
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/job"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the remote document-store backend shape: each job is a
// Redis hash, events are appended under a keyspace-wide monotonic
// counter and indexed by sorted set for range queries. Grounded on the
// teacher's redis-backed storage-backends package, restyled around the
// job/event/result contract instead of a generic work queue.
type RedisStore struct {
	rdb *redis.Client
	ns  string
}

func NewRedisStore(rdb *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "nimbus"
	}
	return &RedisStore{rdb: rdb, ns: namespace}
}

func (s *RedisStore) jobKey(id string) string      { return fmt.Sprintf("%s:job:%s", s.ns, id) }
func (s *RedisStore) resultKey(id string) string   { return fmt.Sprintf("%s:result:%s", s.ns, id) }
func (s *RedisStore) eventKey(id int64) string     { return fmt.Sprintf("%s:event:%d", s.ns, id) }
func (s *RedisStore) jobsByCreated() string        { return s.ns + ":jobs:by_created" }
func (s *RedisStore) eventsAll() string            { return s.ns + ":events:all" }
func (s *RedisStore) eventsByJob(jobID string) string { return fmt.Sprintf("%s:events:job:%s", s.ns, jobID) }
func (s *RedisStore) eventSeqKey() string          { return s.ns + ":events:seq" }

func hashToJob(id string, h map[string]string) (*job.Job, error) {
	req, err := job.UnmarshalRequest([]byte(h["request_json"]))
	if err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	progress, _ := strconv.ParseFloat(h["progress"], 64)
	bytesDownloaded, _ := strconv.ParseInt(h["bytes_downloaded"], 10, 64)
	bytesTotal, _ := strconv.ParseInt(h["bytes_total"], 10, 64)
	var errs []string
	_ = json.Unmarshal([]byte(h["errors_json"]), &errs)

	j := &job.Job{
		ID:              id,
		Type:            job.Type(h["job_type"]),
		Provider:        h["provider"],
		Collection:      h["collection"],
		Request:         req,
		State:           job.State(h["state"]),
		Progress:        progress,
		BytesDownloaded: bytesDownloaded,
		BytesTotal:      bytesTotal,
		WorkerID:        h["worker_id"],
		Errors:          errs,
	}
	if h["started_at"] != "" {
		j.StartedAt = parseTime(h["started_at"])
	}
	if h["finished_at"] != "" {
		j.FinishedAt = parseTime(h["finished_at"])
	}
	if t := parseTime(h["created_at"]); t != nil {
		j.CreatedAt = *t
	}
	if t := parseTime(h["updated_at"]); t != nil {
		j.UpdatedAt = *t
	}
	return j, nil
}

func (s *RedisStore) CreateJob(ctx context.Context, j *job.Job) error {
	key := s.jobKey(j.ID)
	existing, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if existing > 0 {
		return ErrAlreadyExists
	}

	reqJSON, err := job.MarshalRequest(j.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	now := utcNow()
	errsJSON, _ := json.Marshal([]string{})

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"job_type":         string(j.Type),
		"provider":         j.Provider,
		"collection":       j.Collection,
		"request_json":     string(reqJSON),
		"state":            string(job.StateQueued),
		"progress":         0.0,
		"bytes_downloaded": 0,
		"bytes_total":      0,
		"worker_id":        "",
		"started_at":       "",
		"finished_at":      "",
		"errors_json":      string(errsJSON),
		"created_at":       now,
		"updated_at":       now,
	})
	createdAt, _ := time.Parse(time.RFC3339Nano, now)
	pipe.ZAdd(ctx, s.jobsByCreated(), redis.Z{Score: float64(createdAt.UnixNano()), Member: j.ID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return err
	}
	j.State = job.StateQueued
	return nil
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	h, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	return hashToJob(id, h)
}

func (s *RedisStore) UpdateJob(ctx context.Context, id string, fields job.Fields) error {
	updates := map[string]interface{}{"updated_at": utcNow()}
	if fields.State != nil {
		updates["state"] = string(*fields.State)
	}
	if fields.Progress != nil {
		updates["progress"] = *fields.Progress
	}
	if fields.BytesDownloaded != nil {
		updates["bytes_downloaded"] = *fields.BytesDownloaded
	}
	if fields.BytesTotal != nil {
		updates["bytes_total"] = *fields.BytesTotal
	}
	if fields.WorkerID != nil {
		updates["worker_id"] = *fields.WorkerID
	}
	if fields.StartedAt != nil {
		updates["started_at"] = fields.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if fields.FinishedAt != nil {
		updates["finished_at"] = fields.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	if fields.Errors != nil {
		b, _ := json.Marshal(*fields.Errors)
		updates["errors_json"] = string(b)
	}
	return s.rdb.HSet(ctx, s.jobKey(id), updates).Err()
}

func (s *RedisStore) loadJobsByIDs(ctx context.Context, ids []string) ([]*job.Job, error) {
	var out []*job.Job
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if j != nil {
			out = append(out, j)
		}
	}
	return out, nil
}

// matchingJobIDs scans the by-created index newest-first and applies
// filters in-process; acceptable for the moderate job volumes this
// backend targets (no secondary indexes beyond created_at ordering).
func (s *RedisStore) matchingJobIDs(ctx context.Context, filters JobListFilters) ([]string, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.jobsByCreated(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if filters.State == nil && filters.Provider == nil && filters.DateFrom == nil && filters.DateTo == nil {
		return ids, nil
	}

	var out []string
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil || j == nil {
			continue
		}
		if filters.State != nil && j.State != *filters.State {
			continue
		}
		if filters.Provider != nil && j.Provider != *filters.Provider {
			continue
		}
		if filters.DateFrom != nil && j.CreatedAt.Before(*filters.DateFrom) {
			continue
		}
		if filters.DateTo != nil && j.CreatedAt.After(*filters.DateTo) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *RedisStore) ListJobs(ctx context.Context, filters JobListFilters) ([]*job.Job, error) {
	ids, err := s.matchingJobIDs(ctx, filters)
	if err != nil {
		return nil, err
	}
	page := clampPage(filters.Page)
	pageSize := clampPageSize(filters.PageSize)
	if filters.PageSize == 0 {
		pageSize = 200
	}
	start := (page - 1) * pageSize
	if start >= len(ids) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(ids) {
		end = len(ids)
	}
	return s.loadJobsByIDs(ctx, ids[start:end])
}

func (s *RedisStore) CountJobs(ctx context.Context, filters JobListFilters) (int, error) {
	ids, err := s.matchingJobIDs(ctx, filters)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, jobID, eventType string, payload map[string]interface{}, timestamp time.Time) (int64, error) {
	id, err := s.rdb.Incr(ctx, s.eventSeqKey()).Result()
	if err != nil {
		return 0, err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.eventKey(id), map[string]interface{}{
		"job_id":       jobID,
		"type":         eventType,
		"timestamp":    timestamp.UTC().Format(time.RFC3339Nano),
		"payload_json": string(payloadJSON),
	})
	pipe.ZAdd(ctx, s.eventsAll(), redis.Z{Score: float64(id), Member: id})
	if jobID != "" {
		pipe.ZAdd(ctx, s.eventsByJob(jobID), redis.Z{Score: float64(id), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *RedisStore) ListEvents(ctx context.Context, jobID string, sinceID int64, limit int) ([]*job.Event, error) {
	limit = clampEventLimit(limit)

	indexKey := s.eventsAll()
	if jobID != "" {
		indexKey = s.eventsByJob(jobID)
	}
	memberStrs, err := s.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min:    fmt.Sprintf("(%d", sinceID),
		Max:    "+inf",
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(memberStrs))
	for _, m := range memberStrs {
		n, _ := strconv.ParseInt(m, 10, 64)
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*job.Event, 0, len(ids))
	for _, id := range ids {
		h, err := s.rdb.HGetAll(ctx, s.eventKey(id)).Result()
		if err != nil || len(h) == 0 {
			continue
		}
		e := &job.Event{ID: id, JobID: h["job_id"], Type: h["type"]}
		if t := parseTime(h["timestamp"]); t != nil {
			e.Timestamp = *t
		}
		_ = json.Unmarshal([]byte(h["payload_json"]), &e.Payload)
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) SetResult(ctx context.Context, result *job.Result) error {
	pathsJSON, _ := json.Marshal(result.Paths)
	checksumsJSON, _ := json.Marshal(result.Checksums)
	metadataJSON, _ := json.Marshal(result.Metadata)
	return s.rdb.HSet(ctx, s.resultKey(result.JobID), map[string]interface{}{
		"paths_json":     string(pathsJSON),
		"checksums_json": string(checksumsJSON),
		"metadata_json":  string(metadataJSON),
		"updated_at":     utcNow(),
	}).Err()
}

func (s *RedisStore) GetResult(ctx context.Context, jobID string) (*job.Result, error) {
	h, err := s.rdb.HGetAll(ctx, s.resultKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	r := &job.Result{JobID: jobID}
	_ = json.Unmarshal([]byte(h["paths_json"]), &r.Paths)
	_ = json.Unmarshal([]byte(h["checksums_json"]), &r.Checksums)
	_ = json.Unmarshal([]byte(h["metadata_json"]), &r.Metadata)
	return r, nil
}

func (s *RedisStore) jobIDsInStates(ctx context.Context, states ...job.State) ([]string, error) {
	all, err := s.rdb.ZRevRange(ctx, s.jobsByCreated(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	wanted := make(map[job.State]struct{}, len(states))
	for _, st := range states {
		wanted[st] = struct{}{}
	}
	var out []string
	for _, id := range all {
		state, err := s.rdb.HGet(ctx, s.jobKey(id), "state").Result()
		if err != nil {
			continue
		}
		if _, ok := wanted[job.State(state)]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *RedisStore) requeueIDs(ctx context.Context, ids []string, eventType, reason string) error {
	now := utcNow()
	payload := map[string]interface{}{"reason": reason}
	for _, id := range ids {
		if err := s.rdb.HSet(ctx, s.jobKey(id), map[string]interface{}{
			"state":      string(job.StateQueued),
			"updated_at": now,
		}).Err(); err != nil {
			return err
		}
		if _, err := s.AppendEvent(ctx, id, eventType, payload, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) RequeueIncompleteJobs(ctx context.Context) ([]string, error) {
	ids, err := s.jobIDsInStates(ctx, job.StateRunning, job.StateCancelRequested)
	if err != nil {
		return nil, err
	}
	if err := s.requeueIDs(ctx, ids, job.EventRequeuedAfterRestart, "service_restart"); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *RedisStore) RequeueStaleRunningJobs(ctx context.Context, staleSeconds int) ([]string, error) {
	if staleSeconds < 1 {
		staleSeconds = 1
	}
	cutoff := time.Now().UTC().Add(-time.Duration(staleSeconds) * time.Second)

	candidates, err := s.jobIDsInStates(ctx, job.StateRunning, job.StateCancelRequested)
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, id := range candidates {
		updatedAt, err := s.rdb.HGet(ctx, s.jobKey(id), "updated_at").Result()
		if err != nil {
			continue
		}
		t := parseTime(updatedAt)
		if t != nil && t.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	if err := s.requeueIDs(ctx, stale, job.EventRequeuedStale, "stale_running_timeout"); err != nil {
		return nil, err
	}
	return stale, nil
}

// ClaimJobForExecution is the atomic CAS into running, implemented with
// an optimistic WATCH/MULTI transaction on the job's state field —
// equivalent to the teacher's own atomic Redis claim patterns built on
// single-key conditional writes.
func (s *RedisStore) ClaimJobForExecution(ctx context.Context, jobID, workerID string) (bool, error) {
	key := s.jobKey(jobID)
	claimed := false

	txf := func(tx *redis.Tx) error {
		state, err := tx.HGet(ctx, key, "state").Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if job.State(state) != job.StateQueued {
			return nil
		}
		startedAt, err := tx.HGet(ctx, key, "started_at").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		now := utcNow()
		if startedAt == "" {
			startedAt = now
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				"state":      string(job.StateRunning),
				"worker_id":  workerID,
				"started_at": startedAt,
				"updated_at": now,
			})
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	}

	err := s.rdb.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
