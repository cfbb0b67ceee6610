// Copyright 2025 James Ross

// Package orchestrator is the Fetcher Orchestrator: job submission,
// the run_job lifecycle (claim, provider dispatch, progress
// aggregation, manifest emission, terminal-state mapping), and the
// startup/stale-job recovery sweep. It is the component that wires
// internal/store, internal/executor, internal/provider, internal/download,
// internal/manifest and internal/breaker together into one job's
// end-to-end lifecycle, generalizing the teacher's producer/worker
// role split into a single in-process pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimbuschain/fetch-engine/internal/breaker"
	"github.com/nimbuschain/fetch-engine/internal/config"
	"github.com/nimbuschain/fetch-engine/internal/executor"
	"github.com/nimbuschain/fetch-engine/internal/geo"
	"github.com/nimbuschain/fetch-engine/internal/job"
	"github.com/nimbuschain/fetch-engine/internal/obs"
	"github.com/nimbuschain/fetch-engine/internal/provider"
	"github.com/nimbuschain/fetch-engine/internal/store"
	"go.uber.org/zap"
)

// Orchestrator owns the job lifecycle. One instance is created at
// process startup and lives for the process's lifetime.
type Orchestrator struct {
	cfg       *config.Config
	store     store.JobStore
	providers *provider.Registry
	breakers  *breaker.Registry
	exec      *executor.Executor
	log       *zap.Logger

	cancels *cancelCache

	workerID string
}

func New(cfg *config.Config, st store.JobStore, providers *provider.Registry, breakers *breaker.Registry, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		providers: providers,
		breakers:  breakers,
		log:       log,
		cancels:   newCancelCache(),
		workerID:  fmt.Sprintf("fetch-engine-%d", time.Now().UnixNano()),
	}
	o.exec = executor.New(executor.Config{
		MaxConcurrentJobs:    cfg.Executor.MaxConcurrentJobs,
		ProviderLimits:       cfg.Executor.ProviderLimits,
		DefaultProviderLimit: 1,
	}, o.runJob, log)
	return o
}

// SubmitJob validates req, persists a queued job row, emits job.queued
// and hands it to the executor. It returns the new job's id.
func (o *Orchestrator) SubmitJob(ctx context.Context, req job.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("orchestrator: invalid request: %w", err)
	}
	if sd, ok := req.(*job.SearchDownloadRequest); ok {
		if _, err := geo.ParseAOI(sd.AOI); err != nil {
			return "", fmt.Errorf("orchestrator: invalid request: aoi: %w", err)
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	j := &job.Job{
		ID:         id,
		Type:       req.Type(),
		Provider:   req.ProviderTag(),
		Collection: req.CollectionTag(),
		Request:    req,
		State:      job.StateQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.CreateJob(ctx, j); err != nil {
		return "", fmt.Errorf("orchestrator: create job: %w", err)
	}
	if _, err := o.store.AppendEvent(ctx, id, job.EventQueued, map[string]interface{}{
		"provider":   j.Provider,
		"collection": j.Collection,
		"job_type":   string(j.Type),
	}, now); err != nil {
		o.log.Warn("append queued event failed", obs.String("job_id", id), obs.Err(err))
	}

	obs.JobsSubmitted.Inc()
	o.exec.Submit(id, j.Provider)
	return id, nil
}

// SubmitBatch submits reqs one at a time via SubmitJob and stops at the
// first failure, surfacing that error. It is never partial in the
// rollback sense: jobs already submitted before the failing request
// stay submitted (they are valid standalone jobs on their own), so the
// returned ids always cover every request that made it in before err.
func (o *Orchestrator) SubmitBatch(ctx context.Context, reqs []job.Request) ([]string, error) {
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		id, err := o.SubmitJob(ctx, r)
		if err != nil {
			return ids, fmt.Errorf("orchestrator: submit batch: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (o *Orchestrator) GetJob(ctx context.Context, id string) (*job.Job, error) {
	return o.store.GetJob(ctx, id)
}

func (o *Orchestrator) GetResult(ctx context.Context, id string) (*job.Result, error) {
	return o.store.GetResult(ctx, id)
}

func (o *Orchestrator) ListJobs(ctx context.Context, filters store.JobListFilters) ([]*job.Job, int, error) {
	jobs, err := o.store.ListJobs(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	total, err := o.store.CountJobs(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// CancelJob requests cancellation of id. A queued job is cancelled
// immediately (it never ran); a running job is marked cancel_requested
// and the executor's latch is set so run_job observes it on its next
// predicate check. Cancelling an already-requested job sets the latch
// again and reports true without appending a second event; cancelling
// an already-terminal job changes nothing and reports false.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (bool, error) {
	j, err := o.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, store.ErrNotFound
	}
	if j.State.Terminal() {
		return false, nil
	}

	now := time.Now().UTC()
	switch j.State {
	case job.StateQueued:
		st := job.StateCancelled
		if err := o.store.UpdateJob(ctx, id, job.Fields{State: &st, FinishedAt: &now}); err != nil {
			return false, err
		}
		if _, err := o.store.AppendEvent(ctx, id, job.EventCancelled, map[string]interface{}{
			"reason": "cancelled_while_queued",
		}, now); err != nil {
			o.log.Warn("append cancelled event failed", obs.String("job_id", id), obs.Err(err))
		}
		obs.JobsCancelled.Inc()
		o.exec.Cancel(id)
		return true, nil
	case job.StateCancelRequested:
		o.exec.Cancel(id)
		return true, nil
	default: // running
		st := job.StateCancelRequested
		if err := o.store.UpdateJob(ctx, id, job.Fields{State: &st}); err != nil {
			return false, err
		}
		if _, err := o.store.AppendEvent(ctx, id, job.EventCancelRequested, map[string]interface{}{}, now); err != nil {
			o.log.Warn("append cancel_requested event failed", obs.String("job_id", id), obs.Err(err))
		}
		o.exec.Cancel(id)
		return true, nil
	}
}

// Start performs the documented recovery ordering: requeue every job
// still marked running/cancel_requested from a previous process, start
// the executor, enqueue every currently-queued job (including the ones
// just requeued), then begin the background stale-job sweep.
func (o *Orchestrator) Start(ctx context.Context) error {
	requeued, err := o.store.RequeueIncompleteJobs(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: requeue incomplete jobs: %w", err)
	}
	if len(requeued) > 0 {
		obs.JobsRequeued.Add(float64(len(requeued)))
		o.log.Info("requeued incomplete jobs from previous run", obs.Int("count", len(requeued)))
	}

	o.exec.Start(ctx)

	if err := o.enqueueQueuedJobs(ctx); err != nil {
		return fmt.Errorf("orchestrator: enqueue queued jobs: %w", err)
	}

	go o.recoveryLoop(ctx)
	return nil
}

// Stop drains the executor; in-flight jobs get their context cancelled
// by the caller's ctx, not by Stop itself.
func (o *Orchestrator) Stop() {
	o.exec.Stop()
}

func (o *Orchestrator) enqueueQueuedJobs(ctx context.Context) error {
	queued := job.StateQueued
	jobs, err := o.store.ListJobs(ctx, store.JobListFilters{State: &queued, Page: 1, PageSize: 200})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		o.exec.Submit(j.ID, j.Provider)
	}
	return nil
}

func (o *Orchestrator) recoveryLoop(ctx context.Context) {
	interval := o.cfg.Executor.RecoveryInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := o.store.RequeueStaleRunningJobs(ctx, o.cfg.Executor.StaleJobSeconds)
			if err != nil {
				o.log.Warn("stale job sweep failed", obs.Err(err))
				continue
			}
			if len(stale) > 0 {
				obs.JobsRequeued.Add(float64(len(stale)))
				o.log.Info("requeued stale running jobs", obs.Int("count", len(stale)))
			}
			if err := o.enqueueQueuedJobs(ctx); err != nil {
				o.log.Warn("recovery enqueue failed", obs.Err(err))
			}
			obs.ExecutorActive.Set(float64(o.exec.ActiveCount()))
		}
	}
}

// providerConcurrency resolves the per-provider download fan-out cap,
// falling back to the executor's default provider limit.
func (o *Orchestrator) providerConcurrency(providerName string) int {
	if n, ok := o.cfg.Executor.ProviderLimits[providerName]; ok && n > 0 {
		return n
	}
	return 1
}
