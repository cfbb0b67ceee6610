// Copyright 2025 James Ross
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nimbuschain/fetch-engine/internal/breaker"
	"github.com/nimbuschain/fetch-engine/internal/config"
	"github.com/nimbuschain/fetch-engine/internal/download"
	"github.com/nimbuschain/fetch-engine/internal/job"
	"github.com/nimbuschain/fetch-engine/internal/provider"
	"github.com/nimbuschain/fetch-engine/internal/store"
	"go.uber.org/zap"
)

func scenarioConfig() *config.Config {
	dir, err := os.MkdirTemp("", "fetch-engine-scenario-*")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = os.RemoveAll(dir) })

	return &config.Config{
		Executor: config.Executor{
			MaxConcurrentJobs: 4,
			ProviderLimits:    map[string]int{"copernicus": 2},
			StaleJobSeconds:   300,
			RecoveryInterval:  15 * time.Millisecond,
		},
		Progress: config.Progress{ThrottleInterval: time.Millisecond},
		Output: config.Output{
			BaseDir:          dir,
			ManifestFileName: "manifest.json",
		},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 0.9,
			Window:           time.Minute,
			CooldownPeriod:   time.Second,
			MinSamples:       100,
		},
	}
}

func scenarioOrchestrator(cfg *config.Config, providers *provider.Registry) *Orchestrator {
	dbPath := filepath.Join(cfg.Output.BaseDir, "scenario.db")
	st, err := store.NewSQLiteStore(dbPath)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = st.Close() })

	breakers := breaker.NewRegistry(cfg.CircuitBreaker)
	return New(cfg, st, providers, breakers, zap.NewNop())
}

func scenarioEventTypes(o *Orchestrator, jobID string) []string {
	events, err := o.store.ListEvents(context.Background(), jobID, 0, 100)
	Expect(err).NotTo(HaveOccurred())
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func waitForState(o *Orchestrator, jobID string, want job.State, timeout time.Duration) *job.Job {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := o.GetJob(context.Background(), jobID)
		Expect(err).NotTo(HaveOccurred())
		if j != nil && (j.State == want || j.State.Terminal()) {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

var _ = Describe("Fetcher Orchestrator", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)
	})

	// S1 happy path.
	It("downloads matching products to a terminal success with a verifiable manifest", func() {
		cfg := scenarioConfig()
		mgr := download.NewManager(config.Download{MaxRetries: 2, ChunkSize: 64 * 1024, ReadTimeout: 5 * time.Second})
		stub := provider.NewStubProvider("copernicus", []string{"S2A_1", "S2A_2"}, 1024, 0, 0, mgr)
		DeferCleanup(stub.Close)

		o := scenarioOrchestrator(cfg, provider.NewRegistry(stub))
		Expect(o.Start(ctx)).To(Succeed())
		DeferCleanup(o.Stop)

		id, err := o.SubmitJob(ctx, &job.SearchDownloadRequest{
			Provider:    "copernicus",
			Collection:  "SENTINEL-2",
			ProductType: "S2MSI2A",
			StartDate:   "2026-01-01",
			EndDate:     "2026-01-02",
			AOI:         job.AOISpec{WKT: "POLYGON((0 0,0 1,1 1,1 0,0 0))"},
		})
		Expect(err).NotTo(HaveOccurred())

		final := waitForState(o, id, job.StateSucceeded, 2*time.Second)
		Expect(final).NotTo(BeNil())
		Expect(final.State).To(Equal(job.StateSucceeded))
		Expect(final.BytesDownloaded).To(BeNumerically(">=", 2048))

		result, err := o.GetResult(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Paths).To(HaveLen(3))
		for path, digest := range result.Checksums {
			Expect(digest).NotTo(BeEmpty())
			_, err := os.Stat(path)
			Expect(err).NotTo(HaveOccurred())
		}

		types := scenarioEventTypes(o, id)
		Expect(types).To(ContainElement(job.EventQueued))
		Expect(types).To(ContainElement(job.EventStarted))
		Expect(types).To(ContainElement(job.EventProductsFound))
		Expect(types).To(ContainElement(job.EventProgress))
		Expect(types).To(ContainElement(job.EventSucceeded))
	})

	// S2 invalid dates.
	It("rejects a search with end_date before start_date at submit time", func() {
		cfg := scenarioConfig()
		mgr := download.NewManager(config.Download{})
		stub := provider.NewStubProvider("copernicus", nil, 0, 0, 0, mgr)
		DeferCleanup(stub.Close)

		o := scenarioOrchestrator(cfg, provider.NewRegistry(stub))

		_, err := o.SubmitJob(ctx, &job.SearchDownloadRequest{
			Provider:    "copernicus",
			Collection:  "SENTINEL-2",
			ProductType: "S2MSI2A",
			StartDate:   "2026-01-02",
			EndDate:     "2026-01-01",
			AOI:         job.AOISpec{WKT: "POLYGON((0 0,0 1,1 1,1 0,0 0))"},
		})
		Expect(err).To(HaveOccurred())

		jobs, err := o.store.ListJobs(ctx, store.JobListFilters{Page: 1, PageSize: 10})
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(BeEmpty())
	})

	// S3 output-dir traversal.
	It("rejects an output_dir that escapes the sandbox at submit time", func() {
		cfg := scenarioConfig()
		mgr := download.NewManager(config.Download{})
		stub := provider.NewStubProvider("copernicus", []string{"p1"}, 1024, 0, 0, mgr)
		DeferCleanup(stub.Close)

		o := scenarioOrchestrator(cfg, provider.NewRegistry(stub))

		_, err := o.SubmitJob(ctx, &job.DownloadProductsRequest{
			Provider:   "copernicus",
			Collection: "SENTINEL-2",
			ProductIDs: []string{"p1"},
			OutputDir:  "../../etc",
		})
		Expect(err).To(HaveOccurred())
	})

	// S4 cancel while running.
	It("reaches cancelled with no succeeded event when cancelled mid-download", func() {
		cfg := scenarioConfig()
		mgr := download.NewManager(config.Download{MaxRetries: 1, ChunkSize: 16})
		stub := provider.NewStubProvider("copernicus", []string{"p1"}, 4096, 200, time.Millisecond, mgr)
		DeferCleanup(stub.Close)

		o := scenarioOrchestrator(cfg, provider.NewRegistry(stub))
		Expect(o.Start(ctx)).To(Succeed())
		DeferCleanup(o.Stop)

		id, err := o.SubmitJob(ctx, &job.DownloadProductsRequest{
			Provider:   "copernicus",
			Collection: "SENTINEL-2",
			ProductIDs: []string{"p1"},
		})
		Expect(err).NotTo(HaveOccurred())

		time.Sleep(20 * time.Millisecond)
		ok, err := o.CancelJob(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		final := waitForState(o, id, job.StateCancelled, 2*time.Second)
		Expect(final).NotTo(BeNil())
		Expect(final.State).To(Equal(job.StateCancelled))
		Expect(final.FinishedAt).NotTo(BeNil())

		types := scenarioEventTypes(o, id)
		Expect(types).To(ContainElement(job.EventCancelRequested))
		Expect(types).To(ContainElement(job.EventCancelled))
		Expect(types).NotTo(ContainElement(job.EventSucceeded))
	})

	// S5 batch filter by state.
	It("lists only succeeded jobs when filtered by state", func() {
		cfg := scenarioConfig()
		mgr := download.NewManager(config.Download{MaxRetries: 1, ChunkSize: 64 * 1024})
		stub := provider.NewStubProvider("copernicus", []string{"p1"}, 512, 0, 0, mgr)
		DeferCleanup(stub.Close)

		o := scenarioOrchestrator(cfg, provider.NewRegistry(stub))
		Expect(o.Start(ctx)).To(Succeed())
		DeferCleanup(o.Stop)

		var ids []string
		for i := 0; i < 3; i++ {
			id, err := o.SubmitJob(ctx, &job.DownloadProductsRequest{
				Provider:   "copernicus",
				Collection: "SENTINEL-2",
				ProductIDs: []string{"p1"},
			})
			Expect(err).NotTo(HaveOccurred())
			ids = append(ids, id)
		}
		for _, id := range ids {
			final := waitForState(o, id, job.StateSucceeded, 2*time.Second)
			Expect(final).NotTo(BeNil())
			Expect(final.State).To(Equal(job.StateSucceeded))
		}

		succeeded := job.StateSucceeded
		jobs, total, err := o.ListJobs(ctx, store.JobListFilters{State: &succeeded, Page: 1, PageSize: 20})
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(BeNumerically(">=", 3))
		for _, j := range jobs {
			Expect(j.State).To(Equal(job.StateSucceeded))
		}
	})

	// S7 batch submit stops at the first invalid request.
	It("submits a batch sequentially and stops at the first invalid request", func() {
		cfg := scenarioConfig()
		mgr := download.NewManager(config.Download{MaxRetries: 1, ChunkSize: 64 * 1024})
		stub := provider.NewStubProvider("copernicus", []string{"p1"}, 512, 0, 0, mgr)
		DeferCleanup(stub.Close)

		o := scenarioOrchestrator(cfg, provider.NewRegistry(stub))

		ids, err := o.SubmitBatch(ctx, []job.Request{
			&job.DownloadProductsRequest{Provider: "copernicus", Collection: "SENTINEL-2", ProductIDs: []string{"p1"}},
			&job.DownloadProductsRequest{Provider: "copernicus", Collection: "SENTINEL-2", ProductIDs: nil},
			&job.DownloadProductsRequest{Provider: "copernicus", Collection: "SENTINEL-2", ProductIDs: []string{"p1"}},
		})
		Expect(err).To(HaveOccurred())
		Expect(ids).To(HaveLen(1))

		jobs, err := o.store.ListJobs(ctx, store.JobListFilters{Page: 1, PageSize: 10})
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(HaveLen(1))
	})

	// S6 recovery.
	It("requeues a job found running at startup and carries it to a terminal state", func() {
		cfg := scenarioConfig()
		mgr := download.NewManager(config.Download{MaxRetries: 1, ChunkSize: 64 * 1024})
		stub := provider.NewStubProvider("copernicus", []string{"p1"}, 512, 0, 0, mgr)
		DeferCleanup(stub.Close)

		o := scenarioOrchestrator(cfg, provider.NewRegistry(stub))

		now := time.Now()
		crashed := &job.Job{
			ID:         "crashed-job",
			Type:       job.TypeDownloadProducts,
			Provider:   "copernicus",
			Collection: "SENTINEL-2",
			Request:    &job.DownloadProductsRequest{Provider: "copernicus", Collection: "SENTINEL-2", ProductIDs: []string{"p1"}},
			State:      job.StateRunning,
			WorkerID:   "dead-worker",
			CreatedAt:  now,
			UpdatedAt:  now,
			StartedAt:  &now,
		}
		Expect(o.store.CreateJob(ctx, crashed)).To(Succeed())
		// CreateJob always inserts a queued row; claim it so it is running
		// when the orchestrator starts, as it would be after a crash.
		claimed, err := o.store.ClaimJobForExecution(ctx, crashed.ID, "dead-worker")
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(BeTrue())

		Expect(o.Start(ctx)).To(Succeed())
		DeferCleanup(o.Stop)

		final := waitForState(o, crashed.ID, job.StateSucceeded, 2*time.Second)
		Expect(final).NotTo(BeNil())
		Expect(final.State).To(Equal(job.StateSucceeded))

		types := scenarioEventTypes(o, crashed.ID)
		Expect(types).To(ContainElement(job.EventRequeuedAfterRestart))
	})
})
