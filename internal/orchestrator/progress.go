// Copyright 2025 James Ross
package orchestrator

import (
	"sync"
	"time"
)

// progressEmitFunc receives one throttled progress sample: cumulative
// bytes downloaded and known total across every file in the batch so
// far, the derived percent (capped at 99, 100 is reserved for the
// terminal succeeded transition), the file that triggered the sample,
// and the instantaneous speed since the previous emission.
type progressEmitFunc func(downloaded, total int64, pct float64, file string, speedBytesPerSec float64)

// progressAggregator folds per-file download.ProgressFunc callbacks
// (which report cumulative bytes for one file) into a single
// job-level progress stream, throttled so the store and event log are
// not hammered on every chunk. A job with several files downloading
// concurrently still reports monotonically non-decreasing totals.
type progressAggregator struct {
	mu        sync.Mutex
	throttle  time.Duration
	onEmit    progressEmitFunc

	perFileDownloaded map[string]int64
	perFileTotal      map[string]int64
	downloaded        int64
	total             int64

	lastEmitTime       time.Time
	lastEmitDownloaded int64
}

func newProgressAggregator(throttle time.Duration, onEmit progressEmitFunc) *progressAggregator {
	if throttle <= 0 {
		throttle = 250 * time.Millisecond
	}
	return &progressAggregator{
		throttle:          throttle,
		onEmit:            onEmit,
		perFileDownloaded: make(map[string]int64),
		perFileTotal:      make(map[string]int64),
	}
}

// onChunk is wired as the download.ProgressFunc for one job's manager
// call. chunkLen == 0 marks the per-file trailing heartbeat and always
// bypasses the throttle so the final byte count for that file lands.
func (p *progressAggregator) onChunk(file string, chunkLen int, downloaded, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prevDownloaded := p.perFileDownloaded[file]
	if delta := downloaded - prevDownloaded; delta > 0 {
		p.downloaded += delta
	}
	p.perFileDownloaded[file] = downloaded

	if total > 0 {
		if prevTotal := p.perFileTotal[file]; total > prevTotal {
			p.total += total - prevTotal
			p.perFileTotal[file] = total
		}
	}

	now := time.Now()
	heartbeat := chunkLen == 0
	if !heartbeat && !p.lastEmitTime.IsZero() && now.Sub(p.lastEmitTime) < p.throttle {
		return
	}

	var pct float64
	if p.total > 0 {
		pct = 100 * float64(p.downloaded) / float64(p.total)
		if pct > 99 {
			pct = 99
		}
	}

	var speed float64
	if elapsed := now.Sub(p.lastEmitTime).Seconds(); elapsed > 0 && !p.lastEmitTime.IsZero() {
		speed = float64(p.downloaded-p.lastEmitDownloaded) / elapsed
	}

	p.lastEmitTime = now
	p.lastEmitDownloaded = p.downloaded

	if p.onEmit != nil {
		p.onEmit(p.downloaded, p.total, pct, file, speed)
	}
}

// snapshot returns the final cumulative bytes, used once the batch
// finishes to populate the job's bytes_downloaded/bytes_total fields
// even if the last chunk landed inside the throttle window.
func (p *progressAggregator) snapshot() (downloaded, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloaded, p.total
}
