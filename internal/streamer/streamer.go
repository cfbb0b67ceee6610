// Copyright 2025 James Ross

// Package streamer is the Event Streamer: it tails a job's (or every
// job's) append-only event log and emits it as Server-Sent Events,
// synthesizing heartbeats when the log goes quiet so long-lived HTTP
// connections and their proxies don't time out.
package streamer

import (
	"context"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/job"
	"github.com/nimbuschain/fetch-engine/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultPollInterval      = 400 * time.Millisecond
	eventBatchSize           = 200
)

// HeartbeatEventType is synthesized (never persisted) whenever
// heartbeatInterval elapses with nothing new to deliver.
const HeartbeatEventType = "stream.heartbeat"

// Options configures one Stream call.
type Options struct {
	JobID             string // empty means "every job"
	SinceID           int64
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

// Streamer polls the job store's event log and hands events (real or
// synthetic heartbeats) to a sink, one at a time, until ctx is done.
type Streamer struct {
	store store.JobStore
	log   *zap.Logger
}

func New(st store.JobStore, log *zap.Logger) *Streamer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Streamer{store: st, log: log}
}

// Stream blocks, calling emit for each event (real or heartbeat) in
// order, until ctx is cancelled or emit returns an error (typically a
// broken client connection). sinceID tracks the last delivered id so a
// reconnecting client can resume with Options.SinceID.
func (s *Streamer) Stream(ctx context.Context, opts Options, emit func(*job.Event) error) error {
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	sinceID := opts.SinceID
	lastEmit := time.Now()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			events, err := s.store.ListEvents(ctx, opts.JobID, sinceID, eventBatchSize)
			if err != nil {
				s.log.Warn("stream poll failed", zap.Error(err))
				continue
			}
			if len(events) == 0 {
				if time.Since(lastEmit) >= heartbeat {
					if err := emit(heartbeatEvent(opts.JobID)); err != nil {
						return err
					}
					lastEmit = time.Now()
				}
				continue
			}
			for _, ev := range events {
				if err := emit(ev); err != nil {
					return err
				}
				sinceID = ev.ID
				lastEmit = time.Now()
			}
		}
	}
}

func heartbeatEvent(jobID string) *job.Event {
	return &job.Event{
		ID:        0,
		JobID:     jobID,
		Type:      HeartbeatEventType,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{},
	}
}
