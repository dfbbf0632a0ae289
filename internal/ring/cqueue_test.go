package ring_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinedb/cq/internal/ring"
)

func drain(t *testing.T, q *ring.Queue) []byte {
	require.True(t, q.HasUnread())
	data := q.PeekNext()
	require.NotNil(t, data)
	q.PopSeen()
	return data
}

// Queue integrity (spec.md §8 property 3): a single consumer draining
// via PeekNext+PopSeen observes every successful push in order.
func TestQueueIntegrityInOrder(t *testing.T) {
	q := ring.NewQueue(256)
	ctx := context.Background()

	want := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma"), []byte("delta")}
	for _, w := range want {
		require.NoError(t, q.Push(ctx, w))
	}

	for _, w := range want {
		require.Equal(t, w, drain(t, q))
	}
	require.False(t, q.HasUnread())
}

// Queue overflow: a push that can never fit fails immediately rather
// than blocking forever.
func TestPushOversizedFailsFast(t *testing.T) {
	q := ring.NewQueue(16)
	err := q.Push(context.Background(), make([]byte, 64))
	require.Error(t, err)
}

// Queue back-pressure (spec.md §8 property 4): a push that would
// exceed capacity blocks until a concurrent pop frees space, and
// succeeds afterward without corrupting the slot that was already
// drained or any slot pushed after it.
func TestPushBlocksUntilSpaceFreed(t *testing.T) {
	q := ring.NewQueue(32) // 32 usable bytes, 13-byte header per slot.
	ctx := context.Background()

	first := make([]byte, 10)
	for i := range first {
		first[i] = 0xAA
	}
	require.NoError(t, q.Push(ctx, first))

	// A second push of 10 bytes needs 23 bytes total; with 32 usable
	// and 23 already consumed by the first slot, it must block.
	second := make([]byte, 10)
	for i := range second {
		second[i] = 0xBB
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Push(ctx, second)
	}()

	select {
	case <-blocked:
		t.Fatal("push should have blocked for space")
	case <-time.After(20 * time.Millisecond):
	}

	require.Equal(t, first, drain(t, q))

	select {
	case err := <-blocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push never unblocked after space was freed")
	}

	require.Equal(t, second, drain(t, q))
	require.False(t, q.HasUnread())
}

// Push respects context cancellation while blocked on space.
func TestPushRespectsContextCancellation(t *testing.T) {
	q := ring.NewQueue(32)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, make([]byte, 10)))

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := q.Push(cancelCtx, make([]byte, 10))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// LockHead/PushLocked/UnlockHead let a producer place several slots as
// one unit with no interleaving from another producer trying to Push
// concurrently.
func TestLockHeadBatchedPushes(t *testing.T) {
	q := ring.NewQueue(256)
	ctx := context.Background()

	other := make(chan error, 1)
	go func() { other <- q.Push(ctx, []byte("intruder")) }()

	q.LockHead()
	require.NoError(t, q.PushLocked([]byte("one")))
	require.NoError(t, q.PushLocked([]byte("two")))
	q.UnlockHead()

	require.NoError(t, <-other)

	first := drain(t, q)
	second := drain(t, q)
	third := drain(t, q)
	require.ElementsMatch(t, [][]byte{[]byte("one"), []byte("two"), []byte("intruder")},
		[][]byte{first, second, third})
	// "one" and "two" were placed atomically: they can only appear
	// adjacent to each other, never split by the intruder.
	batch := [][]byte{first, second, third}
	oneIdx, twoIdx := -1, -1
	for i, b := range batch {
		if string(b) == "one" {
			oneIdx = i
		}
		if string(b) == "two" {
			twoIdx = i
		}
	}
	require.NotEqual(t, -1, oneIdx)
	require.NotEqual(t, -1, twoIdx)
	require.Equal(t, 1, twoIdx-oneIdx)
}

// PushLocked reports overflow rather than blocking when the batch
// does not fit, since blocking while the head lock is held would
// deadlock the consumer side.
func TestPushLockedFailsFastOnOverflow(t *testing.T) {
	q := ring.NewQueue(32)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, make([]byte, 10)))

	q.LockHead()
	err := q.PushLocked(make([]byte, 10))
	q.UnlockHead()
	require.Error(t, err)
}

// SleepIfEmpty blocks until a push arrives, and returns immediately if
// one is already pending.
func TestSleepIfEmptyWakesOnPush(t *testing.T) {
	q := ring.NewQueue(64)
	ctx := context.Background()

	woke := make(chan error, 1)
	go func() {
		woke <- q.SleepIfEmpty(ctx)
	}()

	select {
	case <-woke:
		t.Fatal("SleepIfEmpty returned before any push")
	case <-time.After(10 * time.Millisecond):
	}

	require.NoError(t, q.Push(ctx, []byte("x")))

	select {
	case err := <-woke:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SleepIfEmpty never woke")
	}
}

// Close unblocks any pending Push or SleepIfEmpty with a fatal error,
// matching the postmaster-death bail-out (spec.md §4.2 failure model).
func TestCloseUnblocksWaiters(t *testing.T) {
	q := ring.NewQueue(32)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, make([]byte, 10)))

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Push(ctx, make([]byte, 10))
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-blocked:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("close never unblocked pending push")
	}
}

// Ring-buffer fuzz (spec.md §8 seed scenario 6, scaled down for a unit
// test): random-size pushes interleaved with random-delay pops; the
// consumer must see every produced byte-pattern exactly once, in order,
// with no corruption across wraps.
func TestQueueFuzzRandomSizesAndDelays(t *testing.T) {
	q := ring.NewQueue(4096)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(6))

	const n = 2000
	produced := make([][]byte, n)
	for i := range produced {
		size := 1 + rng.Intn(1024)
		buf := make([]byte, size)
		rng.Read(buf)
		produced[i] = buf
	}

	var wg sync.WaitGroup
	wg.Add(1)
	pushErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		for _, buf := range produced {
			if err := q.Push(ctx, buf); err != nil {
				pushErr <- err
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		require.NoError(t, q.SleepIfEmpty(ctx))
		got := q.PeekNext()
		require.NotNil(t, got)
		require.Equalf(t, produced[i], got, "mismatch at index %d", i)
		q.PopSeen()
		if i%37 == 0 {
			time.Sleep(time.Microsecond)
		}
	}

	wg.Wait()
	select {
	case err := <-pushErr:
		require.NoError(t, err)
	default:
	}
	require.False(t, q.HasUnread())
}

// WaitDrained blocks until the consumer pops past everything pushed
// before the call, the acknowledgement wait behind synchronous stream
// inserts.
func TestWaitDrainedWaitsForPopSeen(t *testing.T) {
	q := ring.NewQueue(256)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, []byte("pending")))

	drained := make(chan error, 1)
	go func() { drained <- q.WaitDrained(ctx) }()

	select {
	case <-drained:
		t.Fatal("WaitDrained returned before the slot was popped")
	case <-time.After(20 * time.Millisecond):
	}

	require.NotNil(t, q.PeekNext())
	q.PopSeen()
	require.NoError(t, <-drained)

	// An empty queue drains immediately.
	require.NoError(t, q.WaitDrained(ctx))
}
