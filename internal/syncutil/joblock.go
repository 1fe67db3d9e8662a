// Package syncutil provides the per-job lock shared by the job ledger and
// the settlement orchestrator. Every state-transition write and every chain
// call for a job happens inside this lock, so a job can never be settled
// twice concurrently.
package syncutil

import (
	"context"
	"sync"
)

// JobLocks is a fixed-size pool of channel-based mutexes keyed by job ID.
// Channel mutexes allow select{} against context cancellation, so callers
// waiting on a contended job can bail out when their request is cancelled.
// Memory is bounded regardless of how many jobs exist, at the cost of
// occasional false sharing between IDs that map to the same shard.
type JobLocks struct {
	shards [256]chan struct{}
	once   sync.Once
}

// NewJobLocks creates a new per-job lock pool.
func NewJobLocks() *JobLocks {
	l := &JobLocks{}
	l.init()
	return l
}

func (l *JobLocks) init() {
	l.once.Do(func() {
		for i := range l.shards {
			l.shards[i] = make(chan struct{}, 1)
			l.shards[i] <- struct{}{} // Start unlocked.
		}
	})
}

// Lock acquires the mutex for the given job, respecting context
// cancellation. On success, returns an unlock function and nil error; the
// caller MUST call the unlock function when done. On cancellation, returns
// nil and the context error.
func (l *JobLocks) Lock(ctx context.Context, jobID int64) (func(), error) {
	l.init()
	shard := l.shards[uint64(jobID)%256]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
