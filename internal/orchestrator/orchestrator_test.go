// Copyright 2025 James Ross
package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/breaker"
	"github.com/nimbuschain/fetch-engine/internal/config"
	"github.com/nimbuschain/fetch-engine/internal/download"
	"github.com/nimbuschain/fetch-engine/internal/job"
	"github.com/nimbuschain/fetch-engine/internal/provider"
	"github.com/nimbuschain/fetch-engine/internal/store"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Executor: config.Executor{
			MaxConcurrentJobs: 4,
			ProviderLimits:    map[string]int{"stub": 2},
			StaleJobSeconds:   300,
			RecoveryInterval:  20 * time.Millisecond,
		},
		Progress: config.Progress{ThrottleInterval: time.Millisecond},
		Output: config.Output{
			BaseDir:          t.TempDir(),
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

func newTestOrchestrator(t *testing.T, providers *provider.Registry) *Orchestrator {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testConfig(t)
	breakers := breaker.NewRegistry(cfg.CircuitBreaker)
	return New(cfg, st, providers, breakers, zap.NewNop())
}

func waitForTerminal(t *testing.T, o *Orchestrator, jobID string, timeout time.Duration) *job.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := o.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if j != nil && j.State.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state within %s", jobID, timeout)
	return nil
}

func TestOrchestratorDownloadProductsSucceeds(t *testing.T) {
	mgr := download.NewManager(config.Download{MaxRetries: 2, ChunkSize: 64 * 1024, ReadTimeout: 5 * time.Second})
	stub := provider.NewStubProvider("stub", []string{"p1", "p2"}, 1024, 0, 0, mgr)
	t.Cleanup(stub.Close)

	o := newTestOrchestrator(t, provider.NewRegistry(stub))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	id, err := o.SubmitJob(ctx, &job.DownloadProductsRequest{
		Provider:   "stub",
		Collection: "SENTINEL-2",
		ProductIDs: []string{"p1", "p2"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminal(t, o, id, 2*time.Second)
	if final.State != job.StateSucceeded {
		t.Fatalf("expected succeeded, got %s (errors=%v)", final.State, final.Errors)
	}
	if final.Progress != 100 {
		t.Fatalf("expected 100%% progress, got %v", final.Progress)
	}

	result, err := o.GetResult(ctx, id)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if len(result.Paths) != 3 { // 2 product files + manifest
		t.Fatalf("expected 3 result paths, got %d: %v", len(result.Paths), result.Paths)
	}
}

func TestOrchestratorEmptySearchStillSucceeds(t *testing.T) {
	mgr := download.NewManager(config.Download{MaxRetries: 1, ChunkSize: 64 * 1024})
	stub := provider.NewStubProvider("stub", nil, 0, 0, 0, mgr)
	t.Cleanup(stub.Close)

	o := newTestOrchestrator(t, provider.NewRegistry(stub))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	aoi, _ := json.Marshal(map[string]interface{}{
		"type":        "Polygon",
		"coordinates": [][][]float64{{{0, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 0}}},
	})
	id, err := o.SubmitJob(ctx, &job.SearchDownloadRequest{
		Provider:    "stub",
		Collection:  "SENTINEL-2",
		ProductType: "L2A",
		StartDate:   "2026-01-01",
		EndDate:     "2026-01-02",
		AOI:         job.AOISpec{GeoJSON: aoi},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminal(t, o, id, 2*time.Second)
	if final.State != job.StateSucceeded {
		t.Fatalf("expected succeeded with zero products, got %s (errors=%v)", final.State, final.Errors)
	}

	result, err := o.GetResult(ctx, id)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if len(result.Paths) != 1 { // only the manifest itself
		t.Fatalf("expected only the manifest path, got %v", result.Paths)
	}
}

func TestOrchestratorCancelWhileQueuedSkipsExecution(t *testing.T) {
	mgr := download.NewManager(config.Download{MaxRetries: 1, ChunkSize: 64 * 1024})
	stub := provider.NewStubProvider("stub", []string{"p1"}, 1024, 0, 0, mgr)
	t.Cleanup(stub.Close)

	o := newTestOrchestrator(t, provider.NewRegistry(stub))
	ctx := context.Background()

	id, err := o.SubmitJob(ctx, &job.DownloadProductsRequest{
		Provider:   "stub",
		Collection: "SENTINEL-2",
		ProductIDs: []string{"p1"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ok, err := o.CancelJob(ctx, id)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	j, err := o.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.State != job.StateCancelled {
		t.Fatalf("expected cancelled, got %s", j.State)
	}
}

func TestOrchestratorCancelDuringDownload(t *testing.T) {
	mgr := download.NewManager(config.Download{MaxRetries: 1, ChunkSize: 16})
	// many small chunks with a delay so the test has time to cancel mid-stream.
	stub := provider.NewStubProvider("stub", []string{"p1"}, 4096, 200, time.Millisecond, mgr)
	t.Cleanup(stub.Close)

	o := newTestOrchestrator(t, provider.NewRegistry(stub))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	id, err := o.SubmitJob(ctx, &job.DownloadProductsRequest{
		Provider:   "stub",
		Collection: "SENTINEL-2",
		ProductIDs: []string{"p1"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := o.CancelJob(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final := waitForTerminal(t, o, id, 2*time.Second)
	if final.State != job.StateCancelled {
		t.Fatalf("expected cancelled, got %s (errors=%v)", final.State, final.Errors)
	}
}
