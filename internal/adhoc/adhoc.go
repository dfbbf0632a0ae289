// Package adhoc implements the adhoc query engine (spec.md §4.11,
// component C11): pipeline_exec_adhoc_query rewrites its inner SELECT
// as if it were a CV but materializes nothing — a private ring
// buffer feeds a worker plan, a combiner plan merges into an
// in-memory result set instead of a matrel, and a heartbeat-gated
// stream delivers rows to the client. Grounded on
// internal/util/syncutil.Fence for the heartbeat gate the teacher's
// concurrency primitives already model.
package adhoc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/ring"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/ident"
	"github.com/pipelinedb/cq/internal/util/syncutil"
	"github.com/pipelinedb/cq/internal/worker"
)

// resultSet is the second tuplestore of spec.md §4.11: the combiner
// plan's merged partial results, keyed by group fingerprint, read by
// the overlay step instead of a matrel.
type resultSet struct {
	mu   sync.Mutex
	rows map[uint64]types.MatrelRow
}

func newResultSet() *resultSet { return &resultSet{rows: map[uint64]types.MatrelRow{}} }

func (s *resultSet) Lookup(_ context.Context, _ types.CVID, fp uint64) (*types.MatrelRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[fp]
	if !ok {
		return nil, false, nil
	}
	cp := r
	return &cp, true, nil
}

func (s *resultSet) Upsert(_ context.Context, _ types.CVID, row types.MatrelRow) (*types.MatrelRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rows[row.Fingerprint]
	s.rows[row.Fingerprint] = row
	if !ok {
		return nil, nil
	}
	cp := prev
	return &cp, nil
}

func (s *resultSet) Delete(_ context.Context, _ types.CVID, fp uint64) (*types.MatrelRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[fp]
	delete(s.rows, fp)
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *resultSet) Scan(_ context.Context, _ types.CVID, fn func(types.MatrelRow) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *resultSet) Append(context.Context, types.CVID, types.Delta) error { return nil }

// Query is one live adhoc query: its own private ring buffer, an
// in-process worker loop, and the client-facing row stream.
type Query struct {
	ID         uuid.UUID
	BackendPID int

	// Stream is the relation the query's FROM clause reads; the
	// stream FDW routes inserts on it into this query's private ring
	// buffer alongside the persistent readers (spec.md §4.7 Modify).
	Stream ident.Table
	Query  *types.RewrittenQuery

	queue     *ring.Queue
	results   *resultSet
	worker    *worker.Worker
	heartbeat syncutil.Fence
	rows      chan types.MatrelRow
	cancel    context.CancelFunc
}

// Engine tracks every live adhoc query so the stream FDW's Modify
// callback (spec.md §4.7) can push stream tuples into the right
// private ring buffers alongside the persistent CVs, and so
// pipeline_adhoc_queries() can list what's running per backend
// (SPEC_FULL.md §4 C11 supplement, grounded on cont_adhoc_mgr.c's
// pid-keyed registry).
type Engine struct {
	mu      sync.Mutex
	queries map[uuid.UUID]*Query
}

// NewEngine constructs an empty Engine.
func NewEngine() *Engine { return &Engine{queries: map[uuid.UUID]*Query{}} }

// Start allocates a private ring buffer and spawns the worker/
// combiner pipeline described in spec.md §4.11, returning a Query the
// caller streams rows from via Rows. backendPID identifies the client
// connection that issued the adhoc query, for introspection via List.
func (e *Engine) Start(ctx context.Context, backendPID int, stream ident.Table, rq *types.RewrittenQuery, registry *aggregate.Registry, bufferSize int) *Query {
	q := &Query{
		ID:         uuid.New(),
		BackendPID: backendPID,
		Stream:     stream,
		Query:      rq,
		queue:      ring.NewQueue(bufferSize),
		results:    newResultSet(),
		rows:       make(chan types.MatrelRow, 64),
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	recv := adhocCombiner{results: q.results, rows: q.rows, registry: registry}
	q.worker = &worker.Worker{
		Query:    rq,
		Queue:    q.queue,
		Receiver: recv,
		Registry: registry,
		MaxWait:  20 * time.Millisecond,
	}

	e.mu.Lock()
	e.queries[q.ID] = q
	e.mu.Unlock()

	go func() {
		defer e.remove(q.ID)
		defer close(q.rows)
		defer q.queue.Close()
		_ = q.worker.Run(runCtx)
	}()

	return q
}

// adhocCombiner wraps the resultSet as a combinerReceiver, publishing
// every updated row onto the query's row channel — the "overlay plan
// reading from that second tuplestore and writing into a
// dest-receiver" of spec.md §4.11.
type adhocCombiner struct {
	results  *resultSet
	rows     chan types.MatrelRow
	registry *aggregate.Registry
}

func (c adhocCombiner) ReceiveBatch(ctx context.Context, cv types.CVID, aggNames []string, results []types.PartialResult) int {
	var errored int
	for _, pr := range results {
		row := types.MatrelRow{GroupValues: pr.GroupValues, States: pr.States, Fingerprint: pr.Fingerprint}
		if existing, found, err := c.results.Lookup(ctx, cv, pr.Fingerprint); err == nil && found {
			merged := make([]any, len(pr.States))
			for i, incoming := range pr.States {
				merged[i] = incoming
				if i >= len(existing.States) || i >= len(aggNames) {
					continue
				}
				if proto, err := c.registry.LookupStreaming(aggNames[i]); err == nil {
					merged[i] = proto.Combine(existing.States[i], incoming)
				}
			}
			row.States = merged
		}
		if _, err := c.results.Upsert(ctx, cv, row); err != nil {
			errored++
			continue
		}
		select {
		case c.rows <- row:
		case <-ctx.Done():
			return errored
		}
	}
	return errored
}

// Push feeds one stream tuple into the query's private ring buffer,
// the path the stream FDW's Modify callback uses for a live adhoc
// target (spec.md §4.7 Modify).
func (q *Query) Push(ctx context.Context, data []byte) error {
	return q.queue.Push(ctx, data)
}

// Rows returns the channel of materialized result rows the client
// dest-receiver streams from.
func (q *Query) Rows() <-chan types.MatrelRow { return q.rows }

// Heartbeat marks the client as alive, releasing the fence a caller
// may be waiting on before it starts draining Rows (spec.md §4.11
// "periodic heartbeat used to detect a dead client").
func (q *Query) Heartbeat() { q.heartbeat.Release() }

// WaitForFirstHeartbeat blocks until Heartbeat has been called at
// least once, or ctx is done.
func (q *Query) WaitForFirstHeartbeat(ctx context.Context) error {
	select {
	case <-q.heartbeat.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop releases the private ring buffer and drops the synthetic CV
// (spec.md §4.11 "Release the private ring buffer... on exit").
func (q *Query) Stop() { q.cancel() }

func (e *Engine) remove(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.queries, id)
}

// Lookup finds a live adhoc query by id, used by the stream FDW to
// resolve an insert's adhoc-targets bitmap into live Query handles.
func (e *Engine) Lookup(id uuid.UUID) (*Query, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queries[id]
	return q, ok
}

// List returns every live adhoc query, the data backing
// pipeline_adhoc_queries()'s per-backend listing.
func (e *Engine) List() []*Query {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Query, 0, len(e.queries))
	for _, q := range e.queries {
		out = append(out, q)
	}
	return out
}

// ByStream returns every live adhoc query reading from relation, the
// adhoc-targets half of the stream FDW's reader resolution.
func (e *Engine) ByStream(relation ident.Table) []*Query {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Query
	for _, q := range e.queries {
		if q.Stream == relation {
			out = append(out, q)
		}
	}
	return out
}

// ByBackendPID returns every live adhoc query issued by pid.
func (e *Engine) ByBackendPID(pid int) []*Query {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Query
	for _, q := range e.queries {
		if q.BackendPID == pid {
			out = append(out, q)
		}
	}
	return out
}
