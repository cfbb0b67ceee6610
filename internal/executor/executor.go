// Copyright 2025 James Ross

// Package executor schedules job execution under a global concurrency
// limit and independent per-provider limits, generalizing the teacher's
// fixed worker-pool pattern from a single Redis queue to an in-process
// FIFO with a pluggable run function.
package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// RunFunc executes one job. isCancelled reports whether the executor's
// local latch for this job has been set; the caller (the orchestrator)
// is expected to OR it with its own store-backed check.
type RunFunc func(ctx context.Context, jobID string, isCancelled func() bool)

type queueItem struct {
	jobID    string
	provider string
}

// Executor is the bounded worker pool described by the in-process
// executor component: one fixed-size pool drains an internal FIFO,
// each job holding both a global and a per-provider slot for its whole
// running lifetime.
type Executor struct {
	workerCount int
	run         RunFunc
	log         *zap.Logger

	defaultProviderLimit int
	providerLimits        map[string]int

	mu            sync.Mutex
	cond          *sync.Cond
	fifo          []queueItem
	queuedIDs     map[string]struct{}
	activeIDs     map[string]struct{}
	cancelLatches map[string]*bool
	providerSems  map[string]chan struct{}
	stopped       bool

	wg sync.WaitGroup
}

// Config bundles the knobs the executor needs; kept separate from
// internal/config.Config so this package has no import-cycle on config.
type Config struct {
	MaxConcurrentJobs     int
	ProviderLimits        map[string]int
	DefaultProviderLimit  int
}

func New(cfg Config, run RunFunc, log *zap.Logger) *Executor {
	w := cfg.MaxConcurrentJobs
	if w < 1 {
		w = 1
	}
	defLimit := cfg.DefaultProviderLimit
	if defLimit < 1 {
		defLimit = 1
	}
	e := &Executor{
		workerCount:          w,
		run:                  run,
		log:                  log,
		defaultProviderLimit: defLimit,
		providerLimits:       cfg.ProviderLimits,
		queuedIDs:            make(map[string]struct{}),
		activeIDs:            make(map[string]struct{}),
		cancelLatches:        make(map[string]*bool),
		providerSems:         make(map[string]chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *Executor) providerSem(provider string) chan struct{} {
	sem, ok := e.providerSems[provider]
	if !ok {
		limit := e.providerLimits[provider]
		if limit < 1 {
			limit = e.defaultProviderLimit
		}
		sem = make(chan struct{}, limit)
		e.providerSems[provider] = sem
	}
	return sem
}

// Submit enqueues jobID for execution. It is idempotent: a job already
// queued or actively running is left alone.
func (e *Executor) Submit(jobID, provider string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.queuedIDs[jobID]; ok {
		return
	}
	if _, ok := e.activeIDs[jobID]; ok {
		return
	}
	e.queuedIDs[jobID] = struct{}{}
	e.fifo = append(e.fifo, queueItem{jobID: jobID, provider: provider})
	e.cond.Signal()
}

// Cancel sets jobID's one-shot cancellation latch.
func (e *Executor) Cancel(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	latch, ok := e.cancelLatches[jobID]
	if !ok {
		t := true
		e.cancelLatches[jobID] = &t
		return
	}
	*latch = true
}

func (e *Executor) isCancelled(jobID string) func() bool {
	return func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		latch, ok := e.cancelLatches[jobID]
		return ok && *latch
	}
}

// Start spins up the worker pool. It returns immediately; workers run
// until ctx is cancelled or Stop is called.
func (e *Executor) Start(ctx context.Context) {
	for i := 0; i < e.workerCount; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx)
	}
	go func() {
		<-ctx.Done()
		e.Stop()
	}()
}

func (e *Executor) workerLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		item, ok := e.dequeue()
		if !ok {
			return
		}

		sem := func() chan struct{} {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.providerSem(item.provider)
		}()

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			e.mu.Lock()
			delete(e.queuedIDs, item.jobID)
			e.mu.Unlock()
			e.finishItem(item.jobID)
			return
		}

		e.mu.Lock()
		delete(e.queuedIDs, item.jobID)
		e.activeIDs[item.jobID] = struct{}{}
		if _, ok := e.cancelLatches[item.jobID]; !ok {
			f := false
			e.cancelLatches[item.jobID] = &f
		}
		e.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil && e.log != nil {
					e.log.Error("executor: job panicked", zap.String("job_id", item.jobID), zap.Any("recover", r))
				}
			}()
			e.run(ctx, item.jobID, e.isCancelled(item.jobID))
		}()

		<-sem
		e.finishItem(item.jobID)
	}
}

func (e *Executor) finishItem(jobID string) {
	e.mu.Lock()
	delete(e.activeIDs, jobID)
	delete(e.cancelLatches, jobID)
	e.mu.Unlock()
}

// dequeue blocks until an item is available or the executor is stopped.
func (e *Executor) dequeue() (queueItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.fifo) == 0 && !e.stopped {
		e.cond.Wait()
	}
	if e.stopped && len(e.fifo) == 0 {
		return queueItem{}, false
	}
	item := e.fifo[0]
	e.fifo = e.fifo[1:]
	return item, true
}

// Stop signals every worker to drain and exit, then waits for them.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	e.cond.Broadcast()
	e.wg.Wait()
}

// ActiveCount reports the number of jobs currently running, for metrics.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.activeIDs)
}
