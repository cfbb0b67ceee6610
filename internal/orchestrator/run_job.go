// Copyright 2025 James Ross
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/download"
	"github.com/nimbuschain/fetch-engine/internal/geo"
	"github.com/nimbuschain/fetch-engine/internal/job"
	"github.com/nimbuschain/fetch-engine/internal/manifest"
	"github.com/nimbuschain/fetch-engine/internal/obs"
	"github.com/nimbuschain/fetch-engine/internal/provider"
)

// runJob is the executor.RunFunc: the full claim-to-terminal-state
// lifecycle for one job. executorCancelled reports the executor's
// local one-shot latch; it is OR'd with a store-backed check so a
// cancellation requested before this worker picked the job up is
// still honored.
func (o *Orchestrator) runJob(ctx context.Context, jobID string, executorCancelled func() bool) {
	preClaim, err := o.store.GetJob(ctx, jobID)
	if err != nil || preClaim == nil {
		o.log.Error("pre-claim load failed", obs.String("job_id", jobID), obs.Err(err))
		return
	}

	cb := o.breakers.For(preClaim.Provider)
	if !cb.Allow() {
		// The provider's breaker is open: leave the job queued rather
		// than claiming it, so it is retried on a later recovery-loop
		// poll once the breaker allows attempts again. This must not
		// change the job's terminal semantics — only the executor's
		// next attempt is deferred.
		return
	}

	claimed, err := o.store.ClaimJobForExecution(ctx, jobID, o.workerID)
	if err != nil {
		o.log.Error("claim failed", obs.String("job_id", jobID), obs.Err(err))
		return
	}
	if !claimed {
		// Another worker already claimed it, or it was cancelled while
		// queued — either way there is nothing for this worker to do.
		return
	}
	defer o.cancels.clear(jobID)

	isCancelled := o.cancelPredicate(jobID, executorCancelled)

	j, err := o.store.GetJob(ctx, jobID)
	if err != nil || j == nil {
		o.log.Error("post-claim load failed", obs.String("job_id", jobID), obs.Err(err))
		return
	}

	ctx, span := obs.ContextWithJobSpan(ctx, j)
	defer span.End()

	if isCancelled() {
		o.finalizeCancelled(ctx, jobID, "cancelled_before_start")
		return
	}

	zero := 0.0
	noErrors := []string{}
	if err := o.store.UpdateJob(ctx, jobID, job.Fields{Progress: &zero, Errors: &noErrors}); err != nil {
		o.log.Warn("reset progress failed", obs.String("job_id", jobID), obs.Err(err))
	}
	if _, err := o.store.AppendEvent(ctx, jobID, job.EventStarted, map[string]interface{}{
		"worker_id": o.workerID,
	}, time.Now().UTC()); err != nil {
		o.log.Warn("append started event failed", obs.String("job_id", jobID), obs.Err(err))
	}

	outputDir, err := manifest.SanitizeOutputDir(o.cfg.Output.BaseDir, j.Request.OutputDirPath(), jobID)
	if err != nil {
		o.finalizeFailed(ctx, jobID, fmt.Errorf("output directory: %w", err))
		return
	}

	prov, ok := o.providers.Get(j.Provider)
	if !ok {
		o.finalizeFailed(ctx, jobID, fmt.Errorf("unknown provider %q", j.Provider))
		return
	}

	var counted int64
	progress := newProgressAggregator(o.cfg.Progress.ThrottleInterval, func(downloaded, total int64, pct float64, file string, speed float64) {
		o.emitProgress(ctx, jobID, downloaded, total, pct, file, speed)
		obs.BytesDownloaded.Add(float64(downloaded - counted))
		counted = downloaded
	})

	paths, err := o.dispatch(ctx, j, prov, outputDir, progress.onChunk, isCancelled)
	if err != nil {
		if errors.Is(err, download.ErrCancelled) {
			o.finalizeCancelled(ctx, jobID, "cancelled_during_download")
			return
		}
		cb.Record(false)
		o.finalizeFailed(ctx, jobID, err)
		return
	}
	cb.Record(true)

	if isCancelled() {
		o.finalizeCancelled(ctx, jobID, "cancelled_after_download")
		return
	}

	o.finalizeSucceeded(ctx, j, outputDir, paths, progress)
}

// dispatch runs the job-type-specific half of run_job: a search then
// download for SearchDownloadRequest, or a direct download for
// DownloadProductsRequest. An empty search result set (or an empty
// product id list) is not an error — it produces a job with zero
// output paths beyond the manifest itself.
func (o *Orchestrator) dispatch(ctx context.Context, j *job.Job, prov provider.Provider, outputDir string, onChunk download.ProgressFunc, isCancelled func() bool) ([]string, error) {
	switch req := j.Request.(type) {
	case *job.SearchDownloadRequest:
		return o.runSearchDownload(ctx, j, req, prov, outputDir, onChunk, isCancelled)
	case *job.DownloadProductsRequest:
		if isCancelled() {
			return nil, download.ErrCancelled
		}
		return prov.DownloadProducts(ctx, req.ProductIDs, outputDir, onChunk, isCancelled)
	default:
		return nil, fmt.Errorf("unsupported request type %T", req)
	}
}

func (o *Orchestrator) runSearchDownload(ctx context.Context, j *job.Job, req *job.SearchDownloadRequest, prov provider.Provider, outputDir string, onChunk download.ProgressFunc, isCancelled func() bool) ([]string, error) {
	aoi, err := geo.ParseAOI(req.AOI)
	if err != nil {
		return nil, fmt.Errorf("aoi: %w", err)
	}

	searchCtx, span := obs.StartProviderSearchSpan(ctx, j.Provider)
	ids, err := prov.SearchProducts(searchCtx, provider.SearchParams{
		Collection:  req.Collection,
		ProductType: req.ProductType,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		AOI:         aoi,
		TileID:      req.TileID,
	})
	span.End()
	if err != nil {
		obs.RecordError(searchCtx, err)
		return nil, fmt.Errorf("search_products: %w", err)
	}
	obs.SetSpanSuccess(searchCtx)

	if _, err := o.store.AppendEvent(ctx, j.ID, job.EventProductsFound, map[string]interface{}{
		"count": len(ids),
	}, time.Now().UTC()); err != nil {
		o.log.Warn("append products_found event failed", obs.String("job_id", j.ID), obs.Err(err))
	}

	if len(ids) == 0 {
		return nil, nil
	}
	if isCancelled() {
		return nil, download.ErrCancelled
	}
	return prov.DownloadProducts(ctx, ids, outputDir, onChunk, isCancelled)
}

// cancelPredicate composes the executor's local latch with a
// store-backed, TTL-memoized check, matching the documented "OR'd
// cancellation predicate" contract.
func (o *Orchestrator) cancelPredicate(jobID string, executorCancelled func() bool) func() bool {
	return func() bool {
		if executorCancelled() {
			return true
		}
		return o.cancels.check(jobID, func() bool {
			j, err := o.store.GetJob(context.Background(), jobID)
			if err != nil || j == nil {
				return false
			}
			return j.State == job.StateCancelRequested || j.State == job.StateCancelled
		})
	}
}

func (o *Orchestrator) emitProgress(ctx context.Context, jobID string, downloaded, total int64, pct float64, file string, speed float64) {
	p := pct
	bd := downloaded
	bt := total
	if err := o.store.UpdateJob(ctx, jobID, job.Fields{Progress: &p, BytesDownloaded: &bd, BytesTotal: &bt}); err != nil {
		o.log.Warn("progress update failed", obs.String("job_id", jobID), obs.Err(err))
	}
	if _, err := o.store.AppendEvent(ctx, jobID, job.EventProgress, map[string]interface{}{
		"file":                   file,
		"bytes_downloaded":       downloaded,
		"bytes_total":            total,
		"progress_pct":           pct,
		"speed_bytes_per_second": speed,
	}, time.Now().UTC()); err != nil {
		o.log.Warn("append progress event failed", obs.String("job_id", jobID), obs.Err(err))
	}
}

func (o *Orchestrator) finalizeSucceeded(ctx context.Context, j *job.Job, outputDir string, paths []string, progress *progressAggregator) {
	checksums, err := manifest.ChecksumsForPaths(paths)
	if err != nil {
		o.finalizeFailed(ctx, j.ID, fmt.Errorf("checksum paths: %w", err))
		return
	}

	m := manifest.Build(j.ID, j.Provider, j.Collection, paths, checksums, map[string]interface{}{
		"product_count": len(paths),
	})
	finalPaths, finalChecksums, err := manifest.Write(outputDir, o.cfg.Output.ManifestFileName, m)
	if err != nil {
		o.finalizeFailed(ctx, j.ID, fmt.Errorf("write manifest: %w", err))
		return
	}

	if err := o.store.SetResult(ctx, &job.Result{
		JobID:     j.ID,
		Paths:     finalPaths,
		Checksums: finalChecksums,
		Metadata: map[string]interface{}{
			"provider":      j.Provider,
			"collection":    j.Collection,
			"product_count": len(paths),
		},
	}); err != nil {
		o.finalizeFailed(ctx, j.ID, fmt.Errorf("persist result: %w", err))
		return
	}

	downloaded, total := progress.snapshot()
	if total == 0 {
		total = downloaded
	}
	now := time.Now().UTC()
	full := 100.0
	st := job.StateSucceeded
	if err := o.store.UpdateJob(ctx, j.ID, job.Fields{
		State:           &st,
		Progress:        &full,
		BytesDownloaded: &downloaded,
		BytesTotal:      &total,
		FinishedAt:      &now,
	}); err != nil {
		o.log.Error("finalize succeeded update failed", obs.String("job_id", j.ID), obs.Err(err))
	}
	if _, err := o.store.AppendEvent(ctx, j.ID, job.EventSucceeded, map[string]interface{}{
		"paths": finalPaths,
	}, now); err != nil {
		o.log.Warn("append succeeded event failed", obs.String("job_id", j.ID), obs.Err(err))
	}

	obs.JobsSucceeded.Inc()
	if fresh, ferr := o.store.GetJob(ctx, j.ID); ferr == nil && fresh != nil {
		obs.JobDuration.Observe(fresh.DurationSeconds(now))
	}
	obs.SetSpanSuccess(ctx)
}

func (o *Orchestrator) finalizeFailed(ctx context.Context, jobID string, cause error) {
	now := time.Now().UTC()
	st := job.StateFailed
	errs := []string{cause.Error()}
	if err := o.store.UpdateJob(ctx, jobID, job.Fields{State: &st, FinishedAt: &now, Errors: &errs}); err != nil {
		o.log.Error("finalize failed update failed", obs.String("job_id", jobID), obs.Err(err))
	}
	if _, err := o.store.AppendEvent(ctx, jobID, job.EventFailed, map[string]interface{}{
		"error": cause.Error(),
	}, now); err != nil {
		o.log.Warn("append failed event failed", obs.String("job_id", jobID), obs.Err(err))
	}
	obs.RecordError(ctx, cause)
	obs.JobsFailed.Inc()
	o.log.Warn("job failed", obs.String("job_id", jobID), obs.Err(cause))
}

func (o *Orchestrator) finalizeCancelled(ctx context.Context, jobID, reason string) {
	now := time.Now().UTC()
	st := job.StateCancelled
	if err := o.store.UpdateJob(ctx, jobID, job.Fields{State: &st, FinishedAt: &now}); err != nil {
		o.log.Error("finalize cancelled update failed", obs.String("job_id", jobID), obs.Err(err))
	}
	if _, err := o.store.AppendEvent(ctx, jobID, job.EventCancelled, map[string]interface{}{
		"reason": reason,
	}, now); err != nil {
		o.log.Warn("append cancelled event failed", obs.String("job_id", jobID), obs.Err(err))
	}
	obs.JobsCancelled.Inc()
}
