// Package streamfdw adapts the host's foreign-table machinery so
// streams look like scannable relations (spec.md §4.7, component C7):
// Plan rejects stream reads outside a continuous query, Scan projects
// an inserting session's tuple shape onto the stream's declared
// descriptor with per-attribute coercion, and Modify resolves the
// reader set and pushes encoded stream tuples onto the worker ring
// buffers and any live adhoc queues. The ambient shape — a struct of
// collaborator handles, pkg/errors wrapping, logrus per-failure
// logging — follows the teacher's source-side packages.
package streamfdw

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pipelinedb/cq/internal/adhoc"
	"github.com/pipelinedb/cq/internal/catalog"
	"github.com/pipelinedb/cq/internal/ring"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/ident"
	"github.com/pipelinedb/cq/internal/util/stamp"
	"github.com/pipelinedb/cq/internal/worker"
)

// ArrivalColumn is the reserved timestamptz column implicitly present
// on every stream (spec.md §6 "Reserved columns"). The Modify path
// stamps it on every inserted tuple; the analyzer rejects aliasing
// other target expressions to it.
const ArrivalColumn = "arrival_timestamp"

// ContextFlags is the process-local pipeline-context bitfield of
// spec.md §9: it records what the current backend is doing so that
// the Plan callback can tell a continuous query's stream scan apart
// from an ordinary SELECT.
type ContextFlags uint8

const (
	// FlagDDL marks a backend executing DDL for a continuous view.
	FlagDDL ContextFlags = 1 << iota
	// FlagDefiningRelation marks a backend defining a CV's "defining"
	// relation, during which the stream scan in the body is planned.
	FlagDefiningRelation
	// FlagCombinerLookup marks a backend planning a combiner matrel
	// lookup.
	FlagCombinerLookup
	// FlagTransform marks a backend running a transform's output
	// function.
	FlagTransform
	// FlagContinuousQuery marks a worker or adhoc backend executing a
	// continuous query's plan.
	FlagContinuousQuery
)

// inContinuousQuery reports whether a stream scan is legal under the
// current flags.
func (f ContextFlags) inContinuousQuery() bool {
	return f&(FlagDDL|FlagDefiningRelation|FlagContinuousQuery) != 0
}

// Queues is the registry of per-CV worker ring buffers the Modify
// callback pushes into. The server registers a queue when it starts a
// CV's worker and unregisters it on drop.
type Queues struct {
	mu sync.Mutex
	m  map[types.CVID]*ring.Queue
}

// NewQueues constructs an empty registry.
func NewQueues() *Queues {
	return &Queues{m: map[types.CVID]*ring.Queue{}}
}

// Register associates cv with its worker's ring buffer.
func (q *Queues) Register(cv types.CVID, queue *ring.Queue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.m[cv] = queue
}

// Unregister removes cv's queue, typically on DROP CONTINUOUS VIEW.
func (q *Queues) Unregister(cv types.CVID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.m, cv)
}

// Lookup finds cv's worker queue.
func (q *Queues) Lookup(cv types.CVID) (*ring.Queue, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue, ok := q.m[cv]
	return queue, ok
}

// FDW implements the host's foreign-table callback set for streams.
type FDW struct {
	catalog *catalog.Cache
	queues  *Queues
	adhoc   *adhoc.Engine
}

// New constructs the FDW over its collaborators.
func New(cache *catalog.Cache, queues *Queues, engine *adhoc.Engine) *FDW {
	return &FDW{catalog: cache, queues: queues, adhoc: engine}
}

// PlanScan is the Plan callback: a stream may be scanned only from
// inside a continuous query (spec.md §4.7 Plan).
func (f *FDW) PlanScan(relation ident.Table, flags ContextFlags) error {
	if !f.catalog.IsStream(relation) {
		return nil
	}
	if !flags.inContinuousQuery() {
		return errors.Errorf(
			"streams can only be read from a continuous view's FROM clause: %s", relation)
	}
	return nil
}

// Insert is the Modify callback for INSERT: project each row onto the
// stream's declared descriptor, resolve the reader CVs into worker
// targets and live adhoc targets, and push one encoded stream tuple
// per row into every target's ring buffer (spec.md §4.7 Modify).
// When synchronous is set the call does not return until every worker
// queue has drained past the pushed tuples, giving the inserting session
// the acknowledgement semantics of spec.md §8 seed scenario 5. The
// row count pushed is returned.
func (f *FDW) Insert(ctx context.Context, relation ident.Table, rows []map[string]any, synchronous bool) (int, error) {
	stream, ok, err := f.catalog.LookupStream(ctx, relation)
	if err != nil {
		return 0, errors.Wrapf(err, "looking up stream %s", relation)
	}
	if !ok {
		return 0, errors.Errorf("%s is not a stream", relation)
	}

	adhocQueries := f.adhoc.ByStream(relation)
	targets := readerTargets(stream)
	if len(targets) == 0 && len(adhocQueries) == 0 {
		// No readers: the insert is accepted and the rows vanish, the
		// defined behavior for a stream nobody is listening to.
		return len(rows), nil
	}

	adhocIDs := make([]uuid.UUID, 0, len(adhocQueries))
	for _, q := range adhocQueries {
		adhocIDs = append(adhocIDs, q.ID)
	}

	arrived := time.Now()
	payloads := make([][]byte, 0, len(rows))
	for _, row := range rows {
		projected, err := projectRow(stream, row, arrived)
		if err != nil {
			return 0, errors.Wrapf(err, "inserting into %s", relation)
		}
		data, err := worker.EncodeTuple(types.StreamTuple{
			Stream:       relation,
			Arrived:      stamp.New(arrived, 0),
			Values:       projected,
			Targets:      targets,
			AdhocTargets: adhocIDs,
		})
		if err != nil {
			return 0, errors.Wrap(err, "encoding stream tuple")
		}
		payloads = append(payloads, data)
	}

	queues := make([]*ring.Queue, 0, len(targets))
	for _, cv := range targets {
		queue, ok := f.queues.Lookup(cv)
		if !ok {
			// A CV whose worker has not started yet drops tuples, the
			// same visibility a crashed worker's backlog has.
			log.WithField("cv", cv).Warn("stream insert for a continuous view with no running worker")
			continue
		}
		queues = append(queues, queue)
	}

	for _, queue := range queues {
		if err := pushAll(ctx, queue, payloads); err != nil {
			return 0, err
		}
	}

	// Adhoc targets get their own private queues; their consumers are
	// independent of each other, so fan the pushes out.
	eg, egCtx := errgroup.WithContext(ctx)
	for _, q := range adhocQueries {
		q := q
		eg.Go(func() error {
			for _, data := range payloads {
				if err := q.Push(egCtx, data); err != nil {
					// A torn-down adhoc query is not the inserter's
					// problem; everything else is.
					if _, fatal := types.IsFatal(err); fatal {
						log.WithField("adhoc", q.ID).Debug("dropping insert for torn-down adhoc query")
						return nil
					}
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}

	if synchronous {
		eg, egCtx := errgroup.WithContext(ctx)
		for _, queue := range queues {
			queue := queue
			eg.Go(func() error { return queue.WaitDrained(egCtx) })
		}
		if err := eg.Wait(); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

// pushAll places a batch of slots under one head-lock acquisition so
// no other producer interleaves within the batch, falling back to
// blocking pushes when the batch cannot fit in the free space at once
// (spec.md §4.2 lock_head contract).
func pushAll(ctx context.Context, queue *ring.Queue, payloads [][]byte) error {
	queue.LockHead()
	for i, data := range payloads {
		if err := queue.PushLocked(data); err != nil {
			if _, overflow := types.IsQueueOverflow(err); !overflow {
				queue.UnlockHead()
				return err
			}
			queue.UnlockHead()
			return pushBlocking(ctx, queue, payloads[i:])
		}
	}
	queue.UnlockHead()
	return nil
}

func pushBlocking(ctx context.Context, queue *ring.Queue, payloads [][]byte) error {
	for _, data := range payloads {
		if err := queue.Push(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

// readerTargets resolves a stream's readers bitmap into a sorted CV
// id list, so the worker-targets annotation is deterministic.
func readerTargets(stream *types.Stream) []types.CVID {
	targets := make([]types.CVID, 0, len(stream.Readers))
	for cv := range stream.Readers {
		targets = append(targets, cv)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	return targets
}
