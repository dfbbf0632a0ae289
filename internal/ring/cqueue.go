// Package ring implements the single-producer-friendly,
// lock-coordinated byte queue that connects streams to workers and
// workers to adhoc consumers (spec.md §4.2, component C2). It is a Go
// transliteration of PipelineDB's dsm_cqueue
// (_examples/original_source/src/backend/pipeline/dsm_cqueue.c):
// since this engine runs as one process with many goroutines rather
// than many OS processes sharing a dsm_segment, the buffer is a plain
// []byte slice guarded by a mutex, and "latches" become channel-based
// wakeups (Queue.changed) — but the slot layout,
// wrap-around accounting, and tail/cursor/head invariants are
// unchanged from the original.
package ring

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pipelinedb/cq/internal/types"
)

// slotHeaderSize is the on-wire header preceding every payload: a
// uint64 "next" offset, a bool "wraps" flag (packed as one byte), and
// an int32 length — mirroring dsm_cqueue_slot.
const slotHeaderSize = 8 + 1 + 4

// Queue is a fixed-capacity byte arena holding a sequence of
// self-describing slots. One logical producer side (possibly shared
// by multiple goroutines serialized by the head lock) pushes; one
// logical consumer drains via PeekNext/PopSeen. Queue is safe for
// concurrent Push calls; PeekNext/PopSeen are not safe for concurrent
// consumers, matching the single-consumer-per-queue model of spec.md
// §5.
type Queue struct {
	mu sync.Mutex

	// changed is closed and replaced every time head or tail moves,
	// or the queue is closed — the channel-based equivalent of the
	// producer/consumer latches in dsm_cqueue.
	changed chan struct{}

	bytes []byte
	size  uint64 // usable capacity, i.e. len(bytes) - slotHeaderSize slack.

	head, tail, cursor uint64

	// closed marks a queue whose backing process has gone away; any
	// blocked Push/SleepIfEmpty unblocks with a FatalError, mirroring
	// the postmaster-death bail-out in dsm_cqueue_push_nolock.
	closed bool
}

// NewQueue allocates a Queue with the given usable capacity in bytes.
// The true backing array is slightly larger to leave room for one
// trailing slot header, as in dsm_cqueue_base_init.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Queue{
		bytes:   make([]byte, capacity+slotHeaderSize),
		size:    uint64(capacity),
		changed: make(chan struct{}),
	}
}

func (q *Queue) offset(ptr uint64) uint64 { return ptr % q.size }

func (q *Queue) needsWrap(start uint64, lenNeeded int) bool {
	return q.offset(start)+uint64(lenNeeded) > q.size
}

// slotAt returns the byte offset into q.bytes of the slot header
// starting at logical position ptr.
func (q *Queue) slotAt(ptr uint64) int { return int(q.offset(ptr)) }

// wake must be called with mu held; it signals every goroutine
// currently blocked on the previous "changed" channel.
func (q *Queue) wake() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func putSlotHeader(buf []byte, next uint64, wraps bool, length int32) {
	binary.LittleEndian.PutUint64(buf[0:8], next)
	if wraps {
		buf[8] = 1
	} else {
		buf[8] = 0
	}
	binary.LittleEndian.PutUint32(buf[9:13], uint32(length))
}

func getSlotHeader(buf []byte) (next uint64, wraps bool, length int32) {
	next = binary.LittleEndian.Uint64(buf[0:8])
	wraps = buf[8] != 0
	length = int32(binary.LittleEndian.Uint32(buf[9:13]))
	return
}

// Push copies data into the queue, blocking until enough space is
// free. It fails immediately with a QueueOverflowError if data can
// never fit regardless of draining (spec.md §4.2 Push contract, §7
// "Queue overflow"). Push is safe to call from multiple goroutines;
// they are serialized on the internal mutex, matching
// dsm_cqueue_lock_head/unlock_head.
func (q *Queue) Push(ctx context.Context, data []byte) error {
	if err := q.checkFits(data); err != nil {
		return err
	}
	q.mu.Lock()
	return q.pushLocked(ctx, data)
}

// LockHead acquires the queue's head-side lock, blocking until no
// other producer holds it. Combined with PushLocked and UnlockHead,
// it lets a caller place a batch of slots as one mutually-exclusive
// unit with no interleaving from other producers, matching
// dsm_cqueue_lock_head.
func (q *Queue) LockHead() { q.mu.Lock() }

// LockHeadNowait attempts to acquire the head-side lock without
// blocking, returning false if another producer already holds it,
// matching dsm_cqueue_lock_head_nowait.
func (q *Queue) LockHeadNowait() bool { return q.mu.TryLock() }

// UnlockHead releases a lock held via LockHead or a successful
// LockHeadNowait, matching dsm_cqueue_unlock_head.
func (q *Queue) UnlockHead() { q.mu.Unlock() }

// PushLocked places one slot while the caller holds the head lock via
// LockHead/LockHeadNowait. Unlike Push, it never blocks for space —
// waiting while holding the head lock would deadlock the consumer's
// PopSeen, which needs the same lock to advance tail — so a batch
// producer must size its slots to fit before calling LockHead, and
// PushLocked reports a QueueOverflowError immediately if they don't.
func (q *Queue) PushLocked(data []byte) error {
	if err := q.checkFits(data); err != nil {
		return err
	}
	lenNeeded := slotHeaderSize + len(data)

	if q.closed {
		return types.NewFatalError("ring buffer closed")
	}

	head := q.head
	wraps := q.needsWrap(head, lenNeeded)
	effectiveLen := lenNeeded
	if wraps {
		effectiveLen = len(data) + int(q.size-q.offset(head))
	}

	spaceUsed := head - q.tail
	if q.size-spaceUsed < uint64(effectiveLen) {
		return types.NewQueueOverflowError(len(data), int(q.size-spaceUsed))
	}

	q.writeSlot(head, data, wraps, effectiveLen)
	q.wake()
	return nil
}

func (q *Queue) checkFits(data []byte) error {
	lenNeeded := slotHeaderSize + len(data)
	if uint64(lenNeeded) > q.size {
		return types.NewQueueOverflowError(len(data), int(q.size))
	}
	return nil
}

// writeSlot copies data into position and advances head, assuming the
// caller has already verified enough space is free. A wrapping push
// starts its payload at the physical origin, wasting the space
// between the old head and the physical end rather than splitting the
// payload across the boundary; the header, which always lives at the
// pre-wrap head offset, records the resulting next head.
func (q *Queue) writeSlot(head uint64, data []byte, wraps bool, effectiveLen int) {
	var pos []byte
	if wraps {
		pos = q.bytes[0:]
	} else {
		pos = q.bytes[q.slotAt(head)+slotHeaderSize:]
	}
	copy(pos, data)

	newHead := head + uint64(effectiveLen)
	putSlotHeader(q.bytes[q.slotAt(head):], newHead, wraps, int32(len(data)))
	q.head = newHead
}

// pushLocked runs the wait-for-space loop assuming q.mu is held on
// entry; it releases the lock for the duration of each wait and
// reacquires it before checking again, returning unlocked in every
// case.
func (q *Queue) pushLocked(ctx context.Context, data []byte) error {
	lenNeeded := slotHeaderSize + len(data)
	for {
		if q.closed {
			q.mu.Unlock()
			return types.NewFatalError("ring buffer closed")
		}

		head := q.head
		wraps := q.needsWrap(head, lenNeeded)
		effectiveLen := lenNeeded
		if wraps {
			effectiveLen = len(data) + int(q.size-q.offset(head))
		}

		spaceUsed := head - q.tail
		if q.size-spaceUsed >= uint64(effectiveLen) {
			q.writeSlot(head, data, wraps, effectiveLen)
			q.wake()
			q.mu.Unlock()
			return nil
		}

		waitCh := q.changed
		q.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}
}

// SleepIfEmpty blocks until the queue has at least one unread slot
// (head > tail) or ctx is done, matching dsm_cqueue_sleep_if_empty.
func (q *Queue) SleepIfEmpty(ctx context.Context) error {
	q.mu.Lock()
	for {
		if q.head > q.tail {
			q.mu.Unlock()
			return nil
		}
		if q.closed {
			q.mu.Unlock()
			return types.NewFatalError("ring buffer closed")
		}
		waitCh := q.changed
		q.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}
}

// HasUnread reports whether there are slots between cursor and head
// that PeekNext has not yet consumed.
func (q *Queue) HasUnread() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head > q.cursor
}

// PeekNext returns the payload at the current cursor and advances the
// cursor past it, without freeing the slot's space. A nil return means
// there is nothing unread. Matches dsm_cqueue_peek_next.
func (q *Queue) PeekNext() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head <= q.cursor {
		return nil
	}
	next, wraps, length := getSlotHeader(q.bytes[q.slotAt(q.cursor):])
	var pos []byte
	if wraps {
		pos = q.bytes[0:int(length)]
	} else {
		start := q.slotAt(q.cursor) + slotHeaderSize
		pos = q.bytes[start : start+int(length)]
	}
	out := make([]byte, length)
	copy(out, pos)
	q.cursor = next
	return out
}

// PopSeen advances tail up to the current cursor, freeing every slot
// that PeekNext has already returned, and wakes any blocked producer.
// Matches dsm_cqueue_pop_seen.
func (q *Queue) PopSeen() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tail = q.cursor
	q.wake()
}

// WaitDrained blocks until every slot pushed before the call has been
// freed via PopSeen, i.e. tail catches up to the head observed at
// entry. This is the acknowledgement wait behind synchronous stream
// INSERTs (spec.md §4.7 Modify): the inserting session pushes its
// tuples and then waits for the consumer to drain past them.
func (q *Queue) WaitDrained(ctx context.Context) error {
	q.mu.Lock()
	target := q.head
	for {
		if q.tail >= target {
			q.mu.Unlock()
			return nil
		}
		if q.closed {
			q.mu.Unlock()
			return types.NewFatalError("ring buffer closed")
		}
		waitCh := q.changed
		q.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}
}

// Close marks the queue as torn down; any goroutine currently blocked
// in Push or SleepIfEmpty will return a FatalError, mirroring the
// postmaster-death bail-out described in spec.md §4.2 Failure model.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.wake()
}

// Len reports the number of unconsumed-by-tail bytes currently
// occupying the queue (head - tail), for diagnostics.
func (q *Queue) Len() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head - q.tail
}
