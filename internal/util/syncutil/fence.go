package syncutil

import "sync"

// Fence is a one-shot gate: goroutines calling Wait block until
// Release is called, matching storj-storj's internal/sync2.Fence. The
// adhoc engine (spec.md §4.11) uses one to hold back the client
// dest-receiver until the first heartbeat proves the consumer is
// alive.
type Fence struct {
	once sync.Once
	ch   chan struct{}
	init sync.Once
}

func (f *Fence) lazyInit() {
	f.init.Do(func() { f.ch = make(chan struct{}) })
}

// Release opens the fence, unblocking any current or future Wait
// calls. Safe to call more than once.
func (f *Fence) Release() {
	f.lazyInit()
	f.once.Do(func() { close(f.ch) })
}

// Wait blocks until Release has been called.
func (f *Fence) Wait() {
	f.lazyInit()
	<-f.ch
}

// Done returns a channel that closes when Release is called, for use
// in select statements.
func (f *Fence) Done() <-chan struct{} {
	f.lazyInit()
	return f.ch
}
