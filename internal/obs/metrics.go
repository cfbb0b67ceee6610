// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/nimbuschain/fetch-engine/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs submitted to the orchestrator",
	})
	JobsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_succeeded_total",
		Help: "Total number of jobs that reached the succeeded state",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached the failed state",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of jobs that reached the cancelled state",
	})
	JobsRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_requeued_total",
		Help: "Total number of jobs requeued by startup recovery or the stale-job sweep",
	})
	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Histogram of end-to-end job execution durations",
		Buckets: prometheus.DefBuckets,
	})
	BytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bytes_downloaded_total",
		Help: "Total bytes downloaded across all jobs",
	})
	DownloadRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "download_retry_total",
		Help: "Total number of per-file download retry attempts",
	})
	JobsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobs_by_state",
		Help: "Current number of jobs in each state, sampled periodically from the store",
	}, []string{"state"})
	ProviderBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "provider_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, by provider",
	}, []string{"provider"})
	ProviderBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_breaker_trips_total",
		Help: "Count of times a provider's breaker transitioned to Open",
	}, []string{"provider"})
	ExecutorActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "executor_active_workers",
		Help: "Number of currently busy executor worker goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsSucceeded, JobsFailed, JobsCancelled, JobsRequeued,
		JobDuration, BytesDownloaded, DownloadRetries, JobsByState,
		ProviderBreakerState, ProviderBreakerTrips, ExecutorActive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; StartHTTPServer also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
