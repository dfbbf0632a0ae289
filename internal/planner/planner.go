// Package planner wraps the host planner for continuous-query
// statements (spec.md §4.6, component C6). The host planner itself is
// an external collaborator; this package supplies the two pieces the
// core owns: a join-search hook that collapses a combiner statement's
// candidate scan paths into a single tuplestore scan over the current
// batch of worker partial results, and a pass that converts a
// Unique-topped plan into its ContinuousUnique variant, dropping the
// Sort the hash pipeline has already made unnecessary. Hooks are
// installed under a guard that restores them on any error, the
// PG_TRY/PG_CATCH discipline of the original.
package planner

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pipelinedb/cq/internal/types"
)

// Plan is one node of a host plan tree. The node set below is the
// slice of the host's plan vocabulary this package inspects or
// produces; anything else the host emits is opaque to it.
type Plan interface{ planNode() }

// TuplestoreScan reads the in-memory batch of worker partial results,
// the single path the join-search hook substitutes for a combiner
// statement's candidate scans.
type TuplestoreScan struct {
	Batch []types.PartialResult
}

// MatrelScan reads a CV's materialization relation.
type MatrelScan struct {
	CV types.CVID
}

// Sort orders its input by Keys.
type Sort struct {
	Input Plan
	Keys  []string
}

// Unique deduplicates consecutive input rows on Columns; the host
// plants it above a Sort.
type Unique struct {
	Input   Plan
	Columns []string
}

// ContinuousUnique deduplicates without requiring sorted input:
// worker outputs are unordered but already deduped per group by the
// hash pipeline, so the Sort beneath a host Unique is dead weight
// (spec.md §4.6).
type ContinuousUnique struct {
	Input   Plan
	Columns []string
}

// Join is a candidate join path the hook may be asked to collapse.
type Join struct {
	Left, Right Plan
}

func (*TuplestoreScan) planNode()   {}
func (*MatrelScan) planNode()       {}
func (*Sort) planNode()             {}
func (*Unique) planNode()           {}
func (*ContinuousUnique) planNode() {}
func (*Join) planNode()             {}

// JoinSearchHook is consulted by the host planner's join-search phase
// with the candidate relation scans; a non-nil hook's result replaces
// whatever path the planner would have built.
type JoinSearchHook func(candidates []Plan) (Plan, error)

// Hooks is the mutable hook block the host planner consults, the
// planner-hook variables of the original. A Planner mutates it only
// under the install/restore guard in PlanCombiner.
type Hooks struct {
	JoinSearch JoinSearchHook
}

// HostPlanner turns already-rewritten statement text into a plan
// tree, consulting hooks where its own search would run.
type HostPlanner interface {
	Plan(ctx context.Context, sql string, hooks *Hooks) (Plan, error)
}

// DefaultHost is the in-process stand-in for the host planner's
// join-search phase (the real planner is an external collaborator,
// spec.md §1): it offers the statement's base relation scan as the
// single candidate path and lets the installed hook replace it. It
// carries no parser — the statement text is opaque to it — which is
// exactly the contract PlanCombiner needs, since the hook discards
// the candidates anyway.
type DefaultHost struct{}

var _ HostPlanner = DefaultHost{}

// Plan implements HostPlanner.
func (DefaultHost) Plan(_ context.Context, _ string, hooks *Hooks) (Plan, error) {
	var scan Plan = &MatrelScan{}
	if hooks != nil && hooks.JoinSearch != nil {
		replaced, err := hooks.JoinSearch([]Plan{scan})
		if err != nil {
			return nil, err
		}
		scan = replaced
	}
	return scan, nil
}

// Planner wraps a HostPlanner with the continuous-query hooks.
type Planner struct {
	host  HostPlanner
	hooks Hooks
}

// New constructs a Planner around the host.
func New(host HostPlanner) *Planner {
	return &Planner{host: host}
}

// PlanCombiner plans a CV's combiner statement against the given
// batch of partial results. It installs the join-search hook for the
// duration of the call and restores the previous hook on every exit
// path, including a panicking host planner (spec.md §4.6 "installed
// under a try/catch guard").
func (p *Planner) PlanCombiner(ctx context.Context, rq *types.RewrittenQuery, batch []types.PartialResult) (plan Plan, err error) {
	saved := p.hooks.JoinSearch
	p.hooks.JoinSearch = func([]Plan) (Plan, error) {
		return &TuplestoreScan{Batch: batch}, nil
	}
	defer func() {
		p.hooks.JoinSearch = saved
		if r := recover(); r != nil {
			plan = nil
			err = errors.Errorf("combiner planning failed: %v", r)
		}
	}()

	plan, err = p.host.Plan(ctx, rq.CombinerSQL, &p.hooks)
	if err != nil {
		return nil, errors.Wrap(err, "planning combiner statement")
	}
	return SimplifyUnique(plan), nil
}

// PlanOverlay plans a CV's overlay statement with no hook installed;
// overlay reads go through the host's ordinary paths.
func (p *Planner) PlanOverlay(ctx context.Context, rq *types.RewrittenQuery) (Plan, error) {
	plan, err := p.host.Plan(ctx, rq.OverlaySQL, &p.hooks)
	if err != nil {
		return nil, errors.Wrap(err, "planning overlay statement")
	}
	return plan, nil
}

// ScanOf returns the TuplestoreScan feeding p, descending through
// whatever Sort/Unique/Join shape the host planner left on top. The
// combiner receiver uses it to recover the batch the join-search hook
// installed.
func ScanOf(p Plan) (*TuplestoreScan, bool) {
	switch n := p.(type) {
	case *TuplestoreScan:
		return n, true
	case *Sort:
		return ScanOf(n.Input)
	case *Unique:
		return ScanOf(n.Input)
	case *ContinuousUnique:
		return ScanOf(n.Input)
	case *Join:
		if s, ok := ScanOf(n.Left); ok {
			return s, true
		}
		return ScanOf(n.Right)
	}
	return nil, false
}

// SimplifyUnique rewrites every Unique node into a ContinuousUnique,
// splicing out a Sort directly beneath it: the worker's outputs reach
// the combiner unordered but already deduplicated per group, so the
// sorted-input contract a host Unique depends on buys nothing here.
func SimplifyUnique(p Plan) Plan {
	switch n := p.(type) {
	case *Unique:
		input := n.Input
		if s, ok := input.(*Sort); ok {
			input = s.Input
		}
		return &ContinuousUnique{Input: SimplifyUnique(input), Columns: n.Columns}
	case *Sort:
		return &Sort{Input: SimplifyUnique(n.Input), Keys: n.Keys}
	case *Join:
		return &Join{Left: SimplifyUnique(n.Left), Right: SimplifyUnique(n.Right)}
	default:
		return p
	}
}
