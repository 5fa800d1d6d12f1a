package zipflow

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// workerPool bounds how many codec calls (GetData extractions, Add
// streams) run at once. golang.org/x/sync/semaphore's Weighted already
// queues blocked Acquire callers in arrival order, so the FIFO
// guarantee comes for free from the primitive rather than a
// hand-rolled queue.
type workerPool struct {
	sem *semaphore.Weighted
}

func newWorkerPool(maxWorkers int) *workerPool {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers()
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(maxWorkers))}
}

// run acquires one worker slot, blocking FIFO behind any earlier
// caller already waiting, then calls fn. Acquire's own ctx-cancellation
// handling means a caller that gives up while queued never runs fn.
func (p *workerPool) run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
