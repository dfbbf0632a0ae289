package syncutil

import (
	"context"
	"sync"
)

// Limiter bounds the number of concurrently running goroutines,
// matching storj-storj's internal/sync2.Limiter. The combiner receiver
// uses one to cap concurrent matrel row lookups per microbatch flush
// (spec.md §4.9) without letting a single batch open unbounded
// connections against the matrel.
type Limiter struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewLimiter constructs a Limiter that allows at most n concurrent Go
// calls to be running their function bodies at once.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{sem: make(chan struct{}, n)}
}

// Go runs fn in a new goroutine once a slot is available, or returns
// immediately without running fn if ctx is canceled first.
func (l *Limiter) Go(ctx context.Context, fn func()) bool {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.sem }()
		fn()
	}()
	return true
}

// Wait blocks until every goroutine started with Go has returned.
func (l *Limiter) Wait() {
	l.wg.Wait()
}
