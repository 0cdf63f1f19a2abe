package async

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 4

// Pool runs background query jobs with bounded concurrency.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool returns a pool running at most workers jobs at once.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// Go schedules run without blocking the caller. If ctx is done before a
// worker slot frees up, abort runs instead.
func (p *Pool) Go(ctx context.Context, run func(ctx context.Context), abort func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			abort()
			return
		}
		defer p.sem.Release(1)
		run(ctx)
	}()
}

// Wait blocks until every scheduled job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
