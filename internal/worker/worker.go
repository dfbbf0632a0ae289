// Package worker implements the microbatch loop (spec.md §4.8,
// component C8): wait for stream tuples on a CV's ring buffer,
// project and accumulate them into a batch of partial-result rows
// keyed by group fingerprint, and flush the batch to the combiner
// receiver. Run bounds each batch's max_wait with a time.Timer;
// RunCycle instead ticks batches on internal/util/syncutil.Cycle
// (grounded on storj-storj's internal/sync2.Cycle). Per-batch stats
// follow the teacher's promauto metrics idiom.
package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/ring"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/syncutil"
)

// BatchReceiver is the downstream of a worker's flush: the combiner
// receiver for a materializing CV, or a transform/dumped receiver for
// the other two Action kinds (spec.md §4.8 step 3).
type BatchReceiver interface {
	ReceiveBatch(ctx context.Context, cv types.CVID, aggNames []string, results []types.PartialResult) (errored int)
}

// Stats are the per-CV counters spec.md §4.8 step 5 commits at the
// end of every batch.
type Stats struct {
	InputRows  int64
	OutputRows int64
	Errors     int64
}

// Worker runs one CV's main loop against a dedicated ring buffer.
type Worker struct {
	CV       types.CVID
	Query    *types.RewrittenQuery
	Queue    *ring.Queue
	Receiver BatchReceiver
	Registry *aggregate.Registry

	// MaxWait bounds how long a batch accumulates tuples before it is
	// flushed even if more are available (spec.md §4.8 step 1's
	// "per-process shutdown flag" wait, §5 Timeouts).
	MaxWait   time.Duration
	BatchSize int

	// StatsSink, if set, receives every batch's counters at commit
	// (spec.md §4.8 step 5); internal/stats.Collector implements it.
	StatsSink StatsSink

	Stats Stats
}

// StatsSink receives committed batch counters.
type StatsSink interface {
	Commit(cv types.CVID, input, output, errored, bytes int64)
}

// aggNames returns the streaming aggregate names the worker's
// RewrittenQuery already substituted, in target-list order, for the
// combiner's protocol lookups.
func (w *Worker) aggNames() []string {
	names := make([]string, len(w.Query.Aggregates))
	for i, a := range w.Query.Aggregates {
		names[i] = a.Name
	}
	return names
}

// Run executes the main loop until ctx is canceled or the ring buffer
// is closed (spec.md §4.8).
func (w *Worker) Run(ctx context.Context) error {
	maxWait := w.MaxWait
	if maxWait <= 0 {
		maxWait = 50 * time.Millisecond
	}
	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	for {
		if err := w.Queue.SleepIfEmpty(ctx); err != nil {
			return err
		}
		if err := w.runBatch(ctx, maxWait, batchSize); err != nil {
			return err
		}
	}
}

// runBatch implements one pass of spec.md §4.8 steps 2-5: drain
// available tuples up to batchSize or maxWait, accumulate partial
// results by group fingerprint, flush to the receiver, and commit
// stats. Any error aborts the batch and is recorded as an error
// rather than propagated, except for a canceled context, which ends
// the worker's loop (spec.md §4.8 "Error policy").
func (w *Worker) runBatch(ctx context.Context, maxWait time.Duration, batchSize int) error {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	batch := map[uint64]*types.PartialResult{}
	var input int
	var bytes int64

drain:
	for input < batchSize {
		data := w.Queue.PeekNext()
		if data == nil {
			break drain
		}
		input++
		bytes += int64(len(data))

		values, _, err := DecodeTuple(data)
		if err != nil {
			w.Stats.Errors++
			log.WithError(err).WithField("cv", w.CV).Warn("failed to decode stream tuple")
			continue
		}
		w.accumulate(values, batch)

		select {
		case <-deadline.C:
			break drain
		case <-ctx.Done():
			w.Queue.PopSeen()
			return ctx.Err()
		default:
		}
	}
	w.Queue.PopSeen()

	w.Stats.InputRows += int64(input)
	if len(batch) == 0 {
		return nil
	}

	results := make([]types.PartialResult, 0, len(batch))
	for _, pr := range batch {
		results = append(results, *pr)
	}

	errored := w.Receiver.ReceiveBatch(ctx, w.CV, w.aggNames(), results)
	w.Stats.OutputRows += int64(len(results) - errored)
	w.Stats.Errors += int64(errored)
	if w.StatsSink != nil {
		w.StatsSink.Commit(w.CV, int64(input), int64(len(results)-errored), int64(errored), bytes)
	}
	return nil
}

// accumulate folds one stream tuple's projected values into the
// batch's per-group partial result, applying each aggregate's
// transition function (spec.md §4.8 step 3).
func (w *Worker) accumulate(values map[string]any, batch map[uint64]*types.PartialResult) {
	groupValues := make([]any, len(w.Query.GroupColumns))
	for i, col := range w.Query.GroupColumns {
		v := values[col]
		// date_round(col, step): the sliding-window bucket truncation
		// the rewriter injected into the worker target list (spec.md
		// §4.4 step 3).
		if col == w.Query.TruncatedColumn && w.Query.Step > 0 {
			if t, ok := v.(time.Time); ok {
				v = t.Truncate(w.Query.Step)
			}
		}
		groupValues[i] = v
	}
	fp := fingerprint(groupValues)

	pr, ok := batch[fp]
	if !ok {
		pr = &types.PartialResult{
			CV:          w.CV,
			GroupValues: groupValues,
			States:      make([]any, len(w.Query.Aggregates)),
			Fingerprint: fp,
		}
		batch[fp] = pr
	}

	for i, agg := range w.Query.Aggregates {
		proto, err := w.Registry.LookupStreaming(agg.Name)
		if err != nil {
			continue
		}
		var arg any
		if agg.Arg != "*" {
			arg = values[agg.Arg]
		}
		pr.States[i] = proto.Transition(pr.States[i], arg)
	}
}

// fingerprint hashes a group's column values, matching spec.md
// §4.8 step 4's hash_group/ls_hash_group routing key and §4.9 step
// 1's matrel lookup key.
func fingerprint(groupValues []any) uint64 {
	h := fnv.New64a()
	for _, v := range groupValues {
		if s, ok := v.(string); ok {
			h.Write([]byte(s))
		} else {
			fmt.Fprint(h, v)
		}
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// RunCycle is an alternate entry point that ticks the batch loop on a
// fixed syncutil.Cycle rather than blocking in SleepIfEmpty, useful
// for tests and for CVs whose MaxWait should elapse even when the
// queue never goes empty. Production use is Run.
func (w *Worker) RunCycle(ctx context.Context, cycle *syncutil.Cycle) error {
	return cycle.Start(ctx, func(ctx context.Context) error {
		return w.runBatch(ctx, w.MaxWait, w.BatchSize)
	})
}
