// Copyright 2025 James Ross
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecutorRunsSubmittedJobs(t *testing.T) {
	var ran int32
	var wg sync.WaitGroup
	wg.Add(3)

	e := New(Config{MaxConcurrentJobs: 2, ProviderLimits: map[string]int{"copernicus": 1}}, func(ctx context.Context, jobID string, isCancelled func() bool) {
		atomic.AddInt32(&ran, 1)
		wg.Done()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	e.Submit("job-1", "copernicus")
	e.Submit("job-2", "copernicus")
	e.Submit("job-3", "usgs")

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for jobs to run")
	}
	if atomic.LoadInt32(&ran) != 3 {
		t.Fatalf("expected 3 jobs run, got %d", ran)
	}
}

func TestExecutorSubmitIsIdempotent(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	e := New(Config{MaxConcurrentJobs: 1, ProviderLimits: map[string]int{}}, func(ctx context.Context, jobID string, isCancelled func() bool) {
		atomic.AddInt32(&calls, 1)
		<-release
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	e.Submit("job-1", "copernicus")
	e.Submit("job-1", "copernicus")
	e.Submit("job-1", "copernicus")

	time.Sleep(50 * time.Millisecond)
	close(release)
	e.Stop()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 run for a duplicate submit, got %d", calls)
	}
}

func TestExecutorCancelLatch(t *testing.T) {
	seen := make(chan bool, 1)
	e := New(Config{MaxConcurrentJobs: 1, ProviderLimits: map[string]int{}}, func(ctx context.Context, jobID string, isCancelled func() bool) {
		for i := 0; i < 50; i++ {
			if isCancelled() {
				seen <- true
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
		seen <- false
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	e.Submit("job-1", "copernicus")
	time.Sleep(5 * time.Millisecond)
	e.Cancel("job-1")

	select {
	case cancelled := <-seen:
		if !cancelled {
			t.Fatal("expected isCancelled to observe the latch")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation to be observed")
	}
}
