// Copyright 2025 James Ross
package orchestrator

import (
	"sync"
	"time"
)

// cancelCacheTTL bounds how stale a "not yet cancelled" answer may be
// before run_job re-checks the store. A full store round trip on every
// progress chunk would be wasteful; 500ms keeps cancellation latency
// well under the UI's polling interval.
const cancelCacheTTL = 500 * time.Millisecond

type cancelCacheEntry struct {
	cancelled bool
	expiresAt time.Time
}

// cancelCache memoizes per-job "has this job been asked to cancel"
// lookups so the hot progress-callback path doesn't hit the store on
// every chunk.
type cancelCache struct {
	mu      sync.Mutex
	entries map[string]cancelCacheEntry
}

func newCancelCache() *cancelCache {
	return &cancelCache{entries: make(map[string]cancelCacheEntry)}
}

// check returns the memoized value for jobID if still fresh, otherwise
// calls refresh and caches the result.
func (c *cancelCache) check(jobID string, refresh func() bool) bool {
	c.mu.Lock()
	entry, ok := c.entries[jobID]
	if ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.cancelled
	}
	c.mu.Unlock()

	cancelled := refresh()

	c.mu.Lock()
	c.entries[jobID] = cancelCacheEntry{cancelled: cancelled, expiresAt: time.Now().Add(cancelCacheTTL)}
	c.mu.Unlock()
	return cancelled
}

// clear drops the memoized entry once a job reaches a terminal state
// so a later job reusing the same id (impossible in practice, ids are
// uuids, but cheap to guarantee) never sees a stale answer.
func (c *cancelCache) clear(jobID string) {
	c.mu.Lock()
	delete(c.entries, jobID)
	c.mu.Unlock()
}
