package server

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/catalog"
	"github.com/pipelinedb/cq/internal/combiner"
	"github.com/pipelinedb/cq/internal/pgxstore"
	"github.com/pipelinedb/cq/internal/planner"
	"github.com/pipelinedb/cq/internal/sliding"
	"github.com/pipelinedb/cq/internal/streamfdw"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/worker"
)

// deltaRouter receives every (old_row, new_row) pair the combiner
// emits (spec.md §4.9 step 4) and routes it two ways: into the CV's
// sliding-window structures, and — when the CV's output stream has
// readers — onto that stream as a new tuple, which is how CV-of-CV
// chains consume deltas (spec.md §9 "Cyclic graphs").
type deltaRouter struct {
	cache    *catalog.Cache
	registry *aggregate.Registry

	// fdw is set after construction; the FDW itself needs the queue
	// registry built before the router's consumers exist.
	fdw *streamfdw.FDW

	mu      sync.Mutex
	windows map[types.CVID]windowEntry
}

type windowEntry struct {
	win     *sliding.Window
	timeIdx int
	width   time.Duration
}

var _ combiner.OutputStream = (*deltaRouter)(nil)

func newDeltaRouter(cache *catalog.Cache, registry *aggregate.Registry) *deltaRouter {
	return &deltaRouter{cache: cache, registry: registry, windows: map[types.CVID]windowEntry{}}
}

func (r *deltaRouter) setFDW(fdw *streamfdw.FDW) { r.fdw = fdw }

func (r *deltaRouter) registerWindow(cv types.CVID, win *sliding.Window, timeIdx int, width time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows[cv] = windowEntry{win: win, timeIdx: timeIdx, width: width}
}

func (r *deltaRouter) unregisterWindow(cv types.CVID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, cv)
}

// Append implements combiner.OutputStream.
func (r *deltaRouter) Append(ctx context.Context, cv types.CVID, delta types.Delta) error {
	r.trackWindow(cv, delta)

	cq, ok, err := r.cache.LookupContQuery(ctx, cv)
	if err != nil || !ok {
		return err
	}
	stream, ok, err := r.cache.LookupStream(ctx, cq.OutputStream)
	if err != nil {
		return err
	}
	if !ok || len(stream.Readers) == 0 {
		// Nobody downstream; the delta only feeds the window
		// structures.
		return nil
	}

	row := map[string]any{}
	if delta.Old != nil {
		row["old_row"] = r.flattenRow(cq, delta.Old)
	}
	if delta.New != nil {
		row["new_row"] = r.flattenRow(cq, delta.New)
	}
	_, err = r.fdw.Insert(ctx, cq.OutputStream, []map[string]any{row}, false)
	return err
}

// trackWindow keeps the sliding-window structures in step with the
// matrel (spec.md §4.10 "On each combiner change"). A bucket expires
// when its truncated event time plus the window width has passed, so
// entries are tracked at that shifted instant.
func (r *deltaRouter) trackWindow(cv types.CVID, delta types.Delta) {
	r.mu.Lock()
	entry, ok := r.windows[cv]
	r.mu.Unlock()
	if !ok {
		return
	}

	expiryOf := func(row *types.MatrelRow) (time.Time, bool) {
		if entry.timeIdx >= len(row.GroupValues) {
			return time.Time{}, false
		}
		at, ok := row.GroupValues[entry.timeIdx].(time.Time)
		return at.Add(entry.width), ok
	}

	switch {
	case delta.Old == nil && delta.New != nil:
		if at, ok := expiryOf(delta.New); ok {
			entry.win.Track(at, delta.New.Fingerprint)
		}
	case delta.Old != nil && delta.New == nil:
		if at, ok := expiryOf(delta.Old); ok {
			entry.win.Untrack(at, delta.Old.Fingerprint)
		}
	}
	// An update keeps its group (and therefore its bucket): nothing
	// to move.
}

// flattenRow renders a matrel row for the output stream: group values
// first, then the aggregate values, mirroring the matrel's column
// order. States are finalized before they cross the stream — opaque
// in-memory accumulators such as an HLL sketch cannot ride the tuple
// codec, and the combine-aggregate resolver reads unfinalized states
// from the matrel itself, not from the delta stream (spec.md §4.5).
func (r *deltaRouter) flattenRow(cq *types.ContQuery, row *types.MatrelRow) []any {
	out := make([]any, 0, len(row.GroupValues)+len(row.States))
	out = append(out, row.GroupValues...)
	for i, state := range row.States {
		v := state
		if cq.Query != nil && i < len(cq.Query.Aggregates) {
			if proto, err := r.registry.LookupStreaming(cq.Query.Aggregates[i].Name); err == nil {
				v = proto.Finalize(state)
			}
		}
		out = append(out, v)
	}
	return out
}

// plannedReceiver is the worker receiver for materializing CVs: each
// flushed batch is planned as a combiner statement — the join-search
// hook collapses the candidate paths to a single tuplestore scan over
// the batch (spec.md §4.6) — and the planned scan's rows are what the
// combiner merges into the matrel.
type plannedReceiver struct {
	planner *planner.Planner
	comb    *combiner.Combiner
	query   *types.RewrittenQuery
}

var _ worker.BatchReceiver = (*plannedReceiver)(nil)

func (p *plannedReceiver) ReceiveBatch(ctx context.Context, cv types.CVID, aggNames []string, results []types.PartialResult) int {
	plan, err := p.planner.PlanCombiner(ctx, p.query, results)
	if err != nil {
		log.WithError(err).WithField("cv", cv).Warn("combiner planning failed; batch discarded")
		return len(results)
	}
	scan, ok := planner.ScanOf(plan)
	if !ok {
		log.WithField("cv", cv).Warn("combiner plan has no tuplestore scan; batch discarded")
		return len(results)
	}
	return p.comb.ReceiveBatch(ctx, cv, aggNames, scan.Batch)
}

// transformReceiver is the worker receiver for transform and dumped
// CVs: no combiner, no matrel — every partial result becomes an
// insert delta on the output stream (SPEC_FULL.md §4 C4 supplement,
// from cont_plan.c's dispatch on the CV class).
type transformReceiver struct {
	router   *deltaRouter
	registry *aggregate.Registry
}

var _ worker.BatchReceiver = (*transformReceiver)(nil)

func (t *transformReceiver) ReceiveBatch(ctx context.Context, cv types.CVID, aggNames []string, results []types.PartialResult) int {
	errored := 0
	for _, pr := range results {
		states := make([]any, len(pr.States))
		for i, state := range pr.States {
			states[i] = state
			if i < len(aggNames) {
				if proto, err := t.registry.LookupStreaming(aggNames[i]); err == nil {
					states[i] = proto.Finalize(state)
				}
			}
		}
		delta := types.Delta{New: &types.MatrelRow{
			GroupValues: pr.GroupValues,
			States:      states,
			Fingerprint: pr.Fingerprint,
		}}
		if err := t.router.Append(ctx, cv, delta); err != nil {
			errored++
			log.WithError(err).WithField("cv", cv).Warn("transform output failed")
		}
	}
	return errored
}

// expirer deletes an expired matrel row and emits its removal, the
// combiner operation the vacuum loop drives (spec.md §4.10).
type expirer struct {
	matrels *pgxstore.MatrelStore
	router  *deltaRouter
}

var _ sliding.Expirer = (*expirer)(nil)

func (e *expirer) Expire(ctx context.Context, cv types.CVID, fingerprint uint64) error {
	row, err := e.matrels.Delete(ctx, cv, fingerprint)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	return e.router.Append(ctx, cv, types.Delta{Old: row})
}
