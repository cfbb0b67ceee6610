// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/config"
	"github.com/nimbuschain/fetch-engine/internal/job"
	"github.com/nimbuschain/fetch-engine/internal/store"
	"go.uber.org/zap"
)

var allStates = []job.State{
	job.StateQueued,
	job.StateRunning,
	job.StateCancelRequested,
	job.StateSucceeded,
	job.StateFailed,
	job.StateCancelled,
}

// StartStateGaugeUpdater samples per-state job counts from the store and
// updates the jobs_by_state gauge. Generalized from the teacher's
// Redis-list-length queue sampler to poll the job store instead.
func StartStateGaugeUpdater(ctx context.Context, cfg *config.Config, st store.JobStore, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.StateSampleInterval > 0 {
		interval = cfg.Observability.StateSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range allStates {
					state := s
					n, err := st.CountJobs(ctx, store.JobListFilters{State: &state})
					if err != nil {
						log.Debug("state gauge poll error", String("state", string(state)), Err(err))
						continue
					}
					JobsByState.WithLabelValues(string(state)).Set(float64(n))
				}
			}
		}
	}()
}
