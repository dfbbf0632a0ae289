package combineagg_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/analyzer"
	"github.com/pipelinedb/cq/internal/combineagg"
	"github.com/pipelinedb/cq/internal/rewrite"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/ident"
)

type fakeCatalog struct {
	cq *types.ContQuery
}

func (f *fakeCatalog) LookupContQueryByMatrel(_ context.Context, matrel ident.Table) (*types.ContQuery, bool, error) {
	if f.cq != nil && f.cq.Matrel == matrel {
		return f.cq, true, nil
	}
	return nil, false, nil
}

type fakeStreams map[string]bool

func (f fakeStreams) IsStream(relation ident.Table) bool { return f[relation.String()] }

// rewrittenCV runs a CV body through the real analyzer and rewriter,
// so the resolver sees exactly the AggregateRef shapes production CVs
// carry, rather than a hand-built approximation.
func rewrittenCV(t *testing.T, id types.CVID, matrel ident.Table, stmt *analyzer.SelectStmt) *types.ContQuery {
	t.Helper()
	registry := aggregate.NewRegistry()
	actx, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	require.NoError(t, err)
	rq, err := rewrite.Rewrite(rewrite.Input{Stmt: stmt, Context: actx}, registry)
	require.NoError(t, err)
	return &types.ContQuery{ID: id, Matrel: matrel, Query: rq}
}

// combine(agg) over a CV whose "agg" column is combinable_array_agg(x)
// must resolve through the user-facing alias, not the substituted
// streaming function name (spec.md §8 seed scenario 4).
func TestResolveMatchesAliasNotStreamingName(t *testing.T) {
	matrel := ident.ParseTable("v_mrel")
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{
			{Name: "k", Expr: analyzer.ColumnRef{Name: "k"}},
			{Name: "agg", Expr: analyzer.AggCall{Name: "array_agg", Arg: analyzer.ColumnRef{Name: "x"}}},
		},
		From:    []analyzer.RangeVar{{Relation: ident.ParseTable("s")}},
		GroupBy: []string{"k"},
	}
	cq := rewrittenCV(t, 3, matrel, stmt)
	require.Equal(t, "combinable_array_agg", cq.Query.Aggregates[0].Name)
	require.Equal(t, "agg", cq.Query.Aggregates[0].Column)

	r := combineagg.New(&fakeCatalog{cq: cq}, aggregate.NewRegistry())

	res, err := r.Resolve(context.Background(), combineagg.Target{Matrel: matrel, Column: "agg"})
	require.NoError(t, err)
	require.Equal(t, types.CVID(3), res.CV)
	require.Equal(t, "combinable_array_agg", res.StreamingName)
	require.Equal(t, 1, res.TargetIndex)
	require.False(t, res.ViewCombines)

	// The streaming name itself is not a matrel column; resolving by
	// it must miss.
	_, err = r.Resolve(context.Background(), combineagg.Target{Matrel: matrel, Column: "combinable_array_agg"})
	var lm *types.LookupMissError
	require.ErrorAs(t, err, &lm)
}

func TestResolveFindsStreamingProtocol(t *testing.T) {
	matrel := ident.ParseTable("v_mrel")
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{
			{Name: "cnt", Expr: analyzer.AggCall{Name: "count", Arg: analyzer.Star{}}},
		},
		From: []analyzer.RangeVar{{Relation: ident.ParseTable("s")}},
	}
	cq := rewrittenCV(t, 4, matrel, stmt)
	r := combineagg.New(&fakeCatalog{cq: cq}, aggregate.NewRegistry())

	res, err := r.Resolve(context.Background(), combineagg.Target{Matrel: matrel, Column: "cnt"})
	require.NoError(t, err)
	require.Equal(t, types.CVID(4), res.CV)
	require.Equal(t, int64(3), res.Protocol.Combine(int64(1), int64(2)))
}

func TestResolveMissReturnsLookupMissError(t *testing.T) {
	r := combineagg.New(&fakeCatalog{}, aggregate.NewRegistry())
	_, err := r.Resolve(context.Background(), combineagg.Target{Matrel: ident.ParseTable("missing"), Column: "count"})
	require.Error(t, err)
	var lm *types.LookupMissError
	require.ErrorAs(t, err, &lm)
}
