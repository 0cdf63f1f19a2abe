package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var running, peak atomic.Int32
	var mu sync.Mutex
	ran := 0

	for i := 0; i < 8; i++ {
		p.Go(context.Background(), func(context.Context) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			mu.Lock()
			ran++
			mu.Unlock()
		}, func() { t.Error("abort called without cancellation") })
	}
	p.Wait()

	assert.Equal(t, 8, ran)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_AbortsWhenCancelledBeforeStart(t *testing.T) {
	p := NewPool(1)
	started, release := make(chan struct{}), make(chan struct{})
	p.Go(context.Background(), func(context.Context) {
		close(started)
		<-release
	}, func() {})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var aborted, ran atomic.Bool
	p.Go(ctx, func(context.Context) { ran.Store(true) }, func() { aborted.Store(true) })

	close(release)
	p.Wait()
	assert.True(t, aborted.Load())
	assert.False(t, ran.Load())
}

func TestNewPool_DefaultSize(t *testing.T) {
	p := NewPool(0)
	assert.NotNil(t, p.sem)
	assert.True(t, p.sem.TryAcquire(DefaultWorkers))
	assert.False(t, p.sem.TryAcquire(1))
}
