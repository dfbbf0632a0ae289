// Package sliding implements the sliding-window in-memory structures
// and vacuum loop (spec.md §4.10, component C10): for each sliding
// CV, an ordered set of timestamp buckets backing the periodic
// expiry of matrel rows whose window has closed. Grounded on the
// teacher's syncutil.Cycle idiom for the periodic loop.
package sliding

import (
	"container/list"
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/syncutil"
)

// Expirer deletes a matrel row and appends its removal to the CV's
// output stream, the combiner operation the vacuum loop drives
// (spec.md §4.10 "Periodic vacuum").
type Expirer interface {
	Expire(ctx context.Context, cv types.CVID, fingerprint uint64) error
}

// VacuumStats records rows vacuumed per CV, the `pipeline_vacuum_stats`
// counter surface sw_vacuum.c exposes (SPEC_FULL.md §4 C10 supplement).
// Optional: a nil VacuumStats simply skips the counter.
type VacuumStats interface {
	CommitVacuum(cv types.CVID, rows int64)
}

// bucket holds every fingerprint whose truncated time column falls in
// one step interval, ordered by insertion so the vacuum loop can pop
// the whole bucket in one combiner batch.
type bucket struct {
	at           time.Time
	fingerprints *list.List
}

// Window tracks one sliding CV's timestamp-ordered buckets (spec.md
// §3's "timestamp-list head").
type Window struct {
	mu      sync.Mutex
	cv      types.CVID
	step    time.Duration
	buckets *list.List // of *bucket, ordered by at.
	index   map[time.Time]*list.Element
}

// NewWindow constructs an empty Window for cv.
func NewWindow(cv types.CVID, step time.Duration) *Window {
	return &Window{
		cv:      cv,
		step:    step,
		buckets: list.New(),
		index:   map[time.Time]*list.Element{},
	}
}

// Track records that fingerprint's truncated time column is at;
// called on CV creation while scanning the matrel, and on every
// combiner insert/update to the CV's matrel (spec.md §4.10).
func (w *Window) Track(at time.Time, fingerprint uint64) {
	at = at.Truncate(w.step)
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.index[at]
	if !ok {
		b := &bucket{at: at, fingerprints: list.New()}
		el = w.insertOrdered(b)
		w.index[at] = el
	}
	el.Value.(*bucket).fingerprints.PushBack(fingerprint)
}

// Untrack removes fingerprint from the bucket for at, used when the
// combiner deletes a row outside of vacuum (e.g. an explicit DELETE).
func (w *Window) Untrack(at time.Time, fingerprint uint64) {
	at = at.Truncate(w.step)
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.index[at]
	if !ok {
		return
	}
	b := el.Value.(*bucket)
	for e := b.fingerprints.Front(); e != nil; e = e.Next() {
		if e.Value.(uint64) == fingerprint {
			b.fingerprints.Remove(e)
			break
		}
	}
	if b.fingerprints.Len() == 0 {
		w.buckets.Remove(el)
		delete(w.index, at)
	}
}

func (w *Window) insertOrdered(b *bucket) *list.Element {
	for e := w.buckets.Back(); e != nil; e = e.Prev() {
		if !e.Value.(*bucket).at.After(b.at) {
			return w.buckets.InsertAfter(b, e)
		}
	}
	return w.buckets.PushFront(b)
}

// popExpired removes and returns every bucket whose timestamp is <=
// now, in ascending order (spec.md §4.10 "while the smallest
// timestamp in the ordered-set is <= now").
func (w *Window) popExpired(now time.Time) []*bucket {
	w.mu.Lock()
	defer w.mu.Unlock()

	var expired []*bucket
	for {
		front := w.buckets.Front()
		if front == nil {
			break
		}
		b := front.Value.(*bucket)
		if b.at.After(now) {
			break
		}
		w.buckets.Remove(front)
		delete(w.index, b.at)
		expired = append(expired, b)
	}
	return expired
}

// Engine runs the vacuum loop over every registered Window.
type Engine struct {
	mu      sync.Mutex
	windows map[types.CVID]*Window
	expirer Expirer
	stats   VacuumStats
	cycle   *syncutil.Cycle
}

// NewEngine constructs an Engine with the default 1s vacuum interval
// (spec.md §4.10 "Periodic vacuum (default 1 s)").
func NewEngine(expirer Expirer) *Engine {
	return &Engine{
		windows: map[types.CVID]*Window{},
		expirer: expirer,
		cycle:   syncutil.NewCycle(time.Second),
	}
}

// Register adds or replaces the Window tracked for cv.
func (e *Engine) Register(cv types.CVID, w *Window) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.windows[cv] = w
}

// SetInterval overrides the default 1s vacuum period.
func (e *Engine) SetInterval(d time.Duration) { e.cycle.SetInterval(d) }

// SetStats attaches the counter surface CommitVacuum reports rows
// vacuumed to; nil (the default) disables the counter.
func (e *Engine) SetStats(s VacuumStats) { e.stats = s }

// Unregister drops cv's Window, called when a sliding CV is dropped.
func (e *Engine) Unregister(cv types.CVID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.windows, cv)
}

// Run drives the vacuum loop until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	return e.cycle.Start(ctx, func(ctx context.Context) error {
		e.vacuumAll(ctx)
		return nil
	})
}

// Stop requests the vacuum loop to exit.
func (e *Engine) Stop() { e.cycle.Stop() }

func (e *Engine) vacuumAll(ctx context.Context) {
	e.mu.Lock()
	windows := make(map[types.CVID]*Window, len(e.windows))
	for cv, w := range e.windows {
		windows[cv] = w
	}
	e.mu.Unlock()

	now := time.Now()
	for cv, w := range windows {
		var vacuumed int64
		for _, b := range w.popExpired(now) {
			for el := b.fingerprints.Front(); el != nil; el = el.Next() {
				fp := el.Value.(uint64)
				if err := e.expirer.Expire(ctx, cv, fp); err != nil {
					log.WithError(err).WithField("cv", cv).Warn("failed to expire sliding-window matrel row")
					continue
				}
				vacuumed++
			}
		}
		if vacuumed > 0 && e.stats != nil {
			e.stats.CommitVacuum(cv, vacuumed)
		}
	}
}
