package rewrite_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/analyzer"
	"github.com/pipelinedb/cq/internal/rewrite"
	"github.com/pipelinedb/cq/internal/util/ident"
)

func TestRewriteSimpleGroupedCount(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{
			{Name: "k", Expr: analyzer.ColumnRef{Name: "k"}},
			{Name: "cnt", Expr: analyzer.AggCall{Name: "count", Arg: analyzer.Star{}}},
		},
		From:    []analyzer.RangeVar{{Relation: ident.ParseTable("s")}},
		GroupBy: []string{"k"},
	}
	ctx := &analyzer.Context{
		Columns:    []string{"k"},
		Aggregates: []analyzer.AggCall{{Name: "count", Arg: analyzer.Star{}}},
	}

	rq, err := rewrite.Rewrite(rewrite.Input{Stmt: stmt, Context: ctx}, aggregate.NewRegistry())
	require.NoError(t, err)
	require.Equal(t, []string{"k"}, rq.GroupColumns)
	require.Len(t, rq.Aggregates, 1)
	require.Equal(t, "count", rq.Aggregates[0].Name)
	require.Equal(t, "cnt", rq.Aggregates[0].Column)
	require.Contains(t, rq.WorkerSQL, "count(*) AS cnt")
	require.Contains(t, rq.CombinerSQL, "combine(cnt) AS cnt")
	require.Contains(t, rq.OverlaySQL, "FROM matrel")
}

func TestRewriteCountDistinctSubstitutesStreamingVariant(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{
			{Name: "cnt", Expr: analyzer.AggCall{Name: "count", Distinct: true, Arg: analyzer.ColumnRef{Name: "user_id"}}},
		},
		From: []analyzer.RangeVar{{Relation: ident.ParseTable("s")}},
	}
	ctx := &analyzer.Context{}

	rq, err := rewrite.Rewrite(rewrite.Input{Stmt: stmt, Context: ctx}, aggregate.NewRegistry())
	require.NoError(t, err)
	require.Equal(t, "hll_count_distinct", rq.Aggregates[0].Name)
	require.Equal(t, "cnt", rq.Aggregates[0].Column)
	require.Contains(t, rq.WorkerSQL, "hll_count_distinct(user_id) AS cnt")
}

func TestRewriteIsIdempotent(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{
			{Name: "k", Expr: analyzer.ColumnRef{Name: "k"}},
			{Name: "total", Expr: analyzer.AggCall{Name: "sum", Arg: analyzer.ColumnRef{Name: "x"}}},
		},
		From:    []analyzer.RangeVar{{Relation: ident.ParseTable("s")}},
		GroupBy: []string{"k"},
	}
	ctx := &analyzer.Context{}
	reg := aggregate.NewRegistry()

	first, err := rewrite.Rewrite(rewrite.Input{Stmt: stmt, Context: ctx}, reg)
	require.NoError(t, err)
	second, err := rewrite.Rewrite(rewrite.Input{Stmt: stmt, Context: ctx}, reg)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
