// Copyright 2025 James Ross
package executor

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DistributedExecutor is the placeholder for a future multi-node
// scheduler: Submit and Cancel are real (a Redis list stands in for the
// internal FIFO so multiple processes could, in principle, share it, and
// a Redis set holds cancelled ids), but Start returns a not-implemented
// error and Stop panics; claim handoff between processes is out of
// scope for a single-process core.
type DistributedExecutor struct {
	rdb       *redis.Client
	queueKey  string
	cancelKey string
}

func NewDistributedExecutor(rdb *redis.Client, namespace string) *DistributedExecutor {
	return &DistributedExecutor{
		rdb:       rdb,
		queueKey:  namespace + ":executor:queue",
		cancelKey: namespace + ":executor:cancelled",
	}
}

func (d *DistributedExecutor) Submit(ctx context.Context, jobID string) error {
	return d.rdb.LPush(ctx, d.queueKey, jobID).Err()
}

func (d *DistributedExecutor) Cancel(ctx context.Context, jobID string) error {
	return d.rdb.SAdd(ctx, d.cancelKey, jobID).Err()
}

func (d *DistributedExecutor) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	return d.rdb.SIsMember(ctx, d.cancelKey, jobID).Result()
}

func (d *DistributedExecutor) Start(ctx context.Context) error {
	return fmt.Errorf("executor: DistributedExecutor.Start: %w", errNotImplemented("multi-node claim handoff"))
}

func (d *DistributedExecutor) Stop(ctx context.Context) error {
	panic("not implemented: distributed executor shutdown requires cross-process claim handoff, out of scope for the single-process core")
}

type notImplementedError string

func (e notImplementedError) Error() string { return "not implemented: " + string(e) }

func errNotImplemented(what string) error { return notImplementedError(what) }
