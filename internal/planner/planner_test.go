package planner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipelinedb/cq/internal/planner"
	"github.com/pipelinedb/cq/internal/types"
)

// fakeHost drives the hook the way the host's join-search phase
// would: it presents its candidate scans to the hook and tops the
// result with whatever shape the test configured.
type fakeHost struct {
	candidates []planner.Plan
	top        func(input planner.Plan) planner.Plan
	panics     bool
}

func (f *fakeHost) Plan(_ context.Context, _ string, hooks *planner.Hooks) (planner.Plan, error) {
	if f.panics {
		panic("host planner blew up")
	}
	var scan planner.Plan
	if hooks.JoinSearch != nil {
		var err error
		scan, err = hooks.JoinSearch(f.candidates)
		if err != nil {
			return nil, err
		}
	} else if len(f.candidates) > 0 {
		scan = f.candidates[0]
	}
	if f.top != nil {
		return f.top(scan), nil
	}
	return scan, nil
}

func TestPlanCombinerCollapsesToTuplestoreScan(t *testing.T) {
	batch := []types.PartialResult{{CV: 1, Fingerprint: 42}}
	host := &fakeHost{candidates: []planner.Plan{
		&planner.Join{Left: &planner.MatrelScan{CV: 1}, Right: &planner.MatrelScan{CV: 1}},
	}}
	p := planner.New(host)

	plan, err := p.PlanCombiner(context.Background(), &types.RewrittenQuery{}, batch)
	require.NoError(t, err)

	scan, ok := plan.(*planner.TuplestoreScan)
	require.True(t, ok, "expected the candidate paths to collapse to a tuplestore scan, got %T", plan)
	require.Equal(t, batch, scan.Batch)
}

func TestPlanCombinerConvertsUniqueAndDropsSort(t *testing.T) {
	host := &fakeHost{top: func(input planner.Plan) planner.Plan {
		return &planner.Unique{
			Input:   &planner.Sort{Input: input, Keys: []string{"k"}},
			Columns: []string{"k"},
		}
	}}
	p := planner.New(host)

	plan, err := p.PlanCombiner(context.Background(), &types.RewrittenQuery{}, nil)
	require.NoError(t, err)

	cu, ok := plan.(*planner.ContinuousUnique)
	require.True(t, ok, "expected ContinuousUnique, got %T", plan)
	require.Equal(t, []string{"k"}, cu.Columns)
	_, isScan := cu.Input.(*planner.TuplestoreScan)
	require.True(t, isScan, "the Sort under Unique should have been spliced out, got %T", cu.Input)
}

func TestPlanCombinerRestoresHookOnPanic(t *testing.T) {
	host := &fakeHost{panics: true}
	p := planner.New(host)

	_, err := p.PlanCombiner(context.Background(), &types.RewrittenQuery{}, nil)
	require.ErrorContains(t, err, "combiner planning failed")

	// The hook must be back to its pre-call state: an overlay planned
	// right after the failure sees no join-search override.
	host.panics = false
	host.candidates = []planner.Plan{&planner.MatrelScan{CV: 7}}
	plan, err := p.PlanOverlay(context.Background(), &types.RewrittenQuery{})
	require.NoError(t, err)
	scan, ok := plan.(*planner.MatrelScan)
	require.True(t, ok, "expected the host's own scan, got %T", plan)
	require.Equal(t, types.CVID(7), scan.CV)
}

func TestSimplifyUniqueLeavesOtherShapesAlone(t *testing.T) {
	in := &planner.Sort{Input: &planner.MatrelScan{CV: 3}, Keys: []string{"a"}}
	out := planner.SimplifyUnique(in)
	sorted, ok := out.(*planner.Sort)
	require.True(t, ok)
	require.Equal(t, []string{"a"}, sorted.Keys)
	require.IsType(t, &planner.MatrelScan{}, sorted.Input)
}
