// Package combiner implements the combiner receiver (spec.md §4.9,
// component C9): for each partial-result tuple the worker routes to
// it, look up the matching matrel row by group fingerprint, merge
// transition states, and append the resulting delta to the CV's
// output stream. Grounded on the teacher's lease/row-lock idiom
// (internal/pgxstore.LockBusyError) and internal/util/syncutil.Limiter
// for bounded fanout.
package combiner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/syncutil"
)

// OutputStream receives the (old_row, new_row) delta appended on
// every matrel change, so downstream CVs can combine on output
// (spec.md §4.4 step 8, §4.9 step 4).
type OutputStream interface {
	Append(ctx context.Context, cv types.CVID, delta types.Delta) error
}

// Combiner applies partial-result tuples to a CV's matrel.
type Combiner struct {
	store    types.MatrelStore
	registry *aggregate.Registry
	output   OutputStream
	limiter  *syncutil.Limiter

	// groupLocks serializes the lookup-merge-upsert sequence per
	// (cv, fingerprint) within this process, in addition to whatever
	// row-level lock the store itself takes against other processes
	// (spec.md §4.9 "Consistency").
	groupLocks sync.Map
}

// New constructs a Combiner. maxConcurrent bounds how many matrel row
// lookups a single microbatch flush may have in flight at once
// (spec.md §4.8 step 4's fanout).
func New(store types.MatrelStore, registry *aggregate.Registry, output OutputStream, maxConcurrent int) *Combiner {
	return &Combiner{
		store:    store,
		registry: registry,
		output:   output,
		limiter:  syncutil.NewLimiter(maxConcurrent),
	}
}

// Receive applies one partial-result tuple: lookup-or-insert the
// matching matrel row, merge transition states, persist, and append
// the delta (spec.md §4.9 steps 1-4).
func (c *Combiner) Receive(ctx context.Context, cv types.CVID, aggNames []string, pr types.PartialResult) error {
	lock := c.lockFor(cv, pr.Fingerprint)
	lock.Lock()
	defer lock.Unlock()

	existing, found, err := c.store.Lookup(ctx, cv, pr.Fingerprint)
	if err != nil {
		return types.NewCombinerError(cv, err)
	}

	row := types.MatrelRow{GroupValues: pr.GroupValues, Fingerprint: pr.Fingerprint, States: pr.States}
	if found {
		merged := make([]any, len(pr.States))
		for i, incoming := range pr.States {
			proto, err := c.protocolFor(aggNames, i)
			if err != nil {
				return types.NewCombinerError(cv, err)
			}
			merged[i] = proto.Combine(existing.States[i], incoming)
		}
		row.States = merged
	}

	previous, err := c.store.Upsert(ctx, cv, row)
	if err != nil {
		return types.NewCombinerError(cv, err)
	}

	delta := types.Delta{Old: previous, New: &row}
	if err := c.output.Append(ctx, cv, delta); err != nil {
		return types.NewCombinerError(cv, err)
	}
	return nil
}

// ReceiveBatch flushes a worker-produced fanout of partial results
// concurrently, bounded by the Combiner's limiter (spec.md §4.8 step
// 4). Errors are logged per tuple rather than aborting the whole
// flush, matching the worker's per-batch error policy (spec.md §4.8
// "Error policy") of charging the failure to the batch's stats and
// continuing.
func (c *Combiner) ReceiveBatch(ctx context.Context, cv types.CVID, aggNames []string, results []types.PartialResult) (errored int) {
	var failures atomic.Int64
	for _, pr := range results {
		pr := pr
		c.limiter.Go(ctx, func() {
			if err := c.Receive(ctx, cv, aggNames, pr); err != nil {
				failures.Add(1)
				log.WithError(err).WithField("cv", cv).Warn("combiner batch entry failed")
			}
		})
	}
	c.limiter.Wait()
	return int(failures.Load())
}

func (c *Combiner) lockFor(cv types.CVID, fingerprint uint64) *sync.Mutex {
	key := fmt.Sprintf("%d:%d", cv, fingerprint)
	m, _ := c.groupLocks.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (c *Combiner) protocolFor(aggNames []string, targetIndex int) (aggregate.Protocol, error) {
	if targetIndex >= len(aggNames) {
		return aggregate.Protocol{}, types.NewLookupMissError("unknown target index")
	}
	return c.registry.LookupStreaming(aggNames[targetIndex])
}
