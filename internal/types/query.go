package types

import "time"

// RewrittenQuery is the output of the rewriter (internal/rewrite,
// component C4): the worker/combiner/overlay trio derived from a CV's
// validated body, plus the metadata the worker and combiner need to
// execute their halves without re-parsing SQL (spec.md §4.4). The host
// planner/executor is an external collaborator (spec.md §1) — these
// SQL strings are handed to it as already-rewritten statement text;
// this package never parses them.
type RewrittenQuery struct {
	// WorkerSQL partially aggregates stream rows into transition
	// states (spec.md §4.4 steps 1-5).
	WorkerSQL string
	// CombinerSQL merges partial results into the matrel (step 6).
	CombinerSQL string
	// OverlaySQL presents finalized matrel rows to readers (step 7).
	OverlaySQL string

	// GroupColumns are the target-list names the worker and combiner
	// GROUP BY, in declaration order. For a sliding CV this includes
	// the truncated-timestamp column in place of the raw one.
	GroupColumns []string

	// Aggregates describes each streaming aggregate in target-list
	// order, so the worker knows which transition functions to run
	// and the overlay knows which finalize functions to apply.
	Aggregates []AggregateRef

	// TruncatedColumn is the name of the date_round(col, step)
	// expression injected by sliding-window rewriting, or "" if the
	// CV is not sliding (spec.md §4.4 step 3). Step is the bucket
	// width that expression truncates to; the worker applies it when
	// projecting the group columns.
	TruncatedColumn string
	Step            time.Duration
}

// AggregateRef names one streaming aggregate's position in a
// RewrittenQuery's target lists and the transition/combine/finalize
// triple it resolves to (spec.md §2 "streaming-aggregate protocol").
type AggregateRef struct {
	// TargetIndex is this aggregate's position in the worker and
	// combiner target lists.
	TargetIndex int
	// Column is the assigned target-list name (the FigureColname
	// output), i.e. the matrel attribute the aggregate's transition
	// state is stored under. This is what user-facing references such
	// as combine(col) name; it usually differs from Name.
	Column string
	// Name is the streaming-aggregate variant substituted for the
	// user's original aggregate, e.g. "hll_count_distinct" in place
	// of "count(distinct ...)" (spec.md §8 seed scenario 3).
	Name string
	// Arg is the source expression text the aggregate was called
	// with, before substitution.
	Arg string
}
