// Package types contains the data types and interfaces that define
// the major functional blocks of the continuous-query engine: the
// catalog metadata for a continuous view, the in-memory shape of a
// stream tuple, a microbatch, and the storage-facing interfaces
// (MatrelStore, CatalogStore) that the worker, combiner, and
// sliding-window components are built on. Placing these in one
// low-level package makes it easy to compose the rest of the engine
// around them, mirroring cdc-sink's internal/types package.
package types

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pipelinedb/cq/internal/util/ident"
	"github.com/pipelinedb/cq/internal/util/stamp"
)

// Action selects what a continuous view's worker plan does with its
// output (spec.md §6 WITH options, SPEC_FULL.md §4).
type Action int

const (
	// ActionMaterialize routes worker output through a combiner into
	// a matrel; the default action.
	ActionMaterialize Action = iota
	// ActionTransform sends worker output directly to a user-supplied
	// output function; no matrel, no combiner.
	ActionTransform
	// ActionDumped sends worker output straight to the CV's output
	// stream with no aggregation, for pure filter/projection CVs.
	ActionDumped
)

// CVID is a continuous view's stable small integer identifier.
type CVID int32

// ContQuery is the persisted catalog metadata for one continuous view
// (spec.md §3 "ContQuery").
type ContQuery struct {
	ID CVID

	// Defining is the relation carrying the CV's original SQL text;
	// Matrel and OutputStream are its derived storage relations.
	// SourceStream is the stream in the CV's FROM clause, kept here so
	// DROP can remove this CV from the stream's readers set without
	// re-parsing the body.
	Defining     ident.Table
	Matrel       ident.Table
	OutputStream ident.Table
	SourceStream ident.Table

	// PrimaryKeyIndex and GroupIndex name the matrel indexes used for
	// uniqueness and hashed group lookup, respectively.
	PrimaryKeyIndex string
	GroupIndex      string
	Sequence        string

	Action Action

	// Sliding-window metadata. StepFactor is 0 when the CV has no
	// sliding window; otherwise it is 1..50, a percent of Window used
	// to size the truncation bucket (spec.md §4.4.3).
	Window      time.Duration
	StepFactor  int
	TimeColumn  string // sw_column; "" means not sliding.
	GCEligible  bool

	// Query holds the rewritten worker/combiner/overlay trio produced
	// by the rewriter (internal/rewrite), cached here once computed.
	Query *RewrittenQuery
}

// IsSliding reports whether this CV has a sliding-window predicate.
func (cq *ContQuery) IsSliding() bool { return cq.TimeColumn != "" }

// StepDuration computes the truncation-bucket width: max(1s, window *
// step_factor / 100), matching spec.md §4.4.3.
func (cq *ContQuery) StepDuration() time.Duration {
	if cq.StepFactor <= 0 {
		return cq.Window
	}
	step := cq.Window * time.Duration(cq.StepFactor) / 100
	if step < time.Second {
		return time.Second
	}
	return step
}

// Stream is a relation whose rows are never persisted; every INSERT
// produces a StreamTuple pushed into the ring buffer (spec.md §3
// "Stream").
type Stream struct {
	Relation ident.Table
	Columns  []ColumnDef

	// Readers is the set of CV ids that read from this stream.
	Readers map[CVID]struct{}
}

// ColumnDef describes one column of a stream's or matrel's tuple
// descriptor.
type ColumnDef struct {
	Name ident.Ident
	Type string // a host-type name; opaque to this package.
}

// StreamTuple is the in-memory record created by a stream INSERT and
// carried through the ring buffer to the worker (spec.md §3 "Stream
// tuple").
type StreamTuple struct {
	Stream  ident.Table
	Arrived stamp.Time
	Values  map[string]any

	// Targets is the set of CV ids (worker-targets) and, separately,
	// live adhoc query ids that should receive this tuple.
	Targets      []CVID
	AdhocTargets []uuid.UUID

	// Ack is not carried through the ring buffer and nothing in this
	// module sets or closes it; synchronous INSERT semantics (spec.md
	// §4.7 Modify, seed scenario 5) come from the stream FDW waiting
	// for each worker queue to drain.
	Ack chan<- error
}

// PartialResult is the output of a worker plan: group columns plus
// transition-state columns, annotated with the hash used to
// shard-route it to a combiner (spec.md §3 "Partial-result tuple").
type PartialResult struct {
	CV CVID

	// GroupValues are the (possibly truncated-timestamp) group-by
	// column values, in declaration order.
	GroupValues []any

	// States holds one transition state per aggregate in the target
	// list, in the order of RewrittenQuery.Aggregates (not indexed by
	// target-list position).
	States []any

	// Fingerprint is a hash of GroupValues used both for combiner
	// routing and matrel-row lookup (spec.md §4.9.1).
	Fingerprint uint64
}

// MatrelRow is one persisted row of a CV's materialization relation
// (spec.md §3 "Matrel row"): group columns followed by per-aggregate
// transition states.
type MatrelRow struct {
	GroupValues []any
	States      []any
	Fingerprint uint64
}

// Delta is an (old_row, new_row) pair appended to a CV's output stream
// whenever the combiner changes a matrel row (spec.md §4.4.8,
// §4.9.4). Either field may be nil for an insert or delete.
type Delta struct {
	Old *MatrelRow
	New *MatrelRow
}

// MatrelStore is the storage-facing interface the combiner and
// sliding-window engine use to read and write matrel rows. It is
// intentionally narrow — a real implementation backs it with pgx
// against the host database; tests back it with an in-memory map.
type MatrelStore interface {
	// Lookup finds the existing row with the given fingerprint, if
	// any. The pgx store takes a row-level lock for the lookup
	// statement only; it is not held until the end of the combiner
	// batch (spec.md §4.9 Consistency).
	Lookup(ctx context.Context, cv CVID, fingerprint uint64) (*MatrelRow, bool, error)

	// Upsert inserts a new row or overwrites an existing one with the
	// same fingerprint, and returns the previous row, if any.
	Upsert(ctx context.Context, cv CVID, row MatrelRow) (previous *MatrelRow, err error)

	// Delete removes the row with the given fingerprint, returning it.
	Delete(ctx context.Context, cv CVID, fingerprint uint64) (*MatrelRow, error)

	// Scan invokes fn for every row currently stored for cv, used to
	// materialize the sliding-window structures on CV creation
	// (spec.md §4.10) and to answer overlay reads.
	Scan(ctx context.Context, cv CVID, fn func(MatrelRow) error) error
}

// CatalogStore is the persistence interface backing the catalog cache
// (internal/catalog). A real implementation talks to the host
// database; tests use an in-memory version.
type CatalogStore interface {
	LookupContQuery(ctx context.Context, id CVID) (*ContQuery, bool, error)
	LookupContQueryByMatrel(ctx context.Context, matrel ident.Table) (*ContQuery, bool, error)
	LookupStream(ctx context.Context, relation ident.Table) (*Stream, bool, error)

	InsertContQuery(ctx context.Context, cq *ContQuery) error
	DeleteContQuery(ctx context.Context, id CVID) error

	// UpsertStream registers or replaces a stream's descriptor and
	// readers set; DDL uses it to maintain the readers bitmap as CVs
	// come and go.
	UpsertStream(ctx context.Context, stream *Stream) error
}
