package syncutil_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinedb/cq/internal/util/syncutil"
)

func TestCycleRunsOnTrigger(t *testing.T) {
	cycle := syncutil.NewCycle(time.Hour)
	var count int64

	ran := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cycle.Start(context.Background(), func(context.Context) error {
			atomic.AddInt64(&count, 1)
			ran <- struct{}{}
			return nil
		})
	}()

	// Each trigger is observed before the next is sent, since pending
	// triggers coalesce; Stop is called from outside fn because it
	// blocks until Start has returned.
	for i := 0; i < 3; i++ {
		cycle.Trigger()
		<-ran
	}
	cycle.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cycle did not stop")
	}
	require.GreaterOrEqual(t, atomic.LoadInt64(&count), int64(3))
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	const n, limit = 200, 5
	limiter := syncutil.NewLimiter(limit)
	var cur, max int64

	for i := 0; i < n; i++ {
		limiter.Go(context.Background(), func() {
			c := atomic.AddInt64(&cur, 1)
			for {
				m := atomic.LoadInt64(&max)
				if c <= m || atomic.CompareAndSwapInt64(&max, m, c) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&cur, -1)
		})
	}
	limiter.Wait()
	require.LessOrEqual(t, atomic.LoadInt64(&max), int64(limit))
}

func TestFenceReleasesWaiters(t *testing.T) {
	var fence syncutil.Fence
	released := make(chan struct{})
	go func() {
		fence.Wait()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("fence released before Release was called")
	case <-time.After(10 * time.Millisecond):
	}

	fence.Release()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("fence did not release waiter")
	}
}
