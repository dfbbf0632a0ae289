package analyzer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinedb/cq/internal/analyzer"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/ident"
)

type fakeStreams map[string]bool

func (f fakeStreams) IsStream(relation ident.Table) bool { return f[relation.String()] }

func streamFrom(name string) analyzer.RangeVar {
	return analyzer.RangeVar{Relation: ident.ParseTable(name)}
}

func countTarget() analyzer.Target {
	return analyzer.Target{Name: "cnt", Expr: analyzer.AggCall{Name: "count", Arg: analyzer.Star{}}}
}

func TestAnalyzeAcceptsSimpleAggregateView(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{
			{Name: "k", Expr: analyzer.ColumnRef{Name: "k"}},
			countTarget(),
		},
		From:    []analyzer.RangeVar{streamFrom("s")},
		GroupBy: []string{"k"},
	}

	ctx, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	require.NoError(t, err)
	require.False(t, ctx.Sliding)
	require.Len(t, ctx.Aggregates, 1)
}

func TestAnalyzeRejectsStar(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{{Expr: analyzer.Star{}}},
		From:    []analyzer.RangeVar{streamFrom("s")},
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	requireRule(t, err, "no-star")
}

func TestAnalyzeRejectsHaving(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{countTarget()},
		From:    []analyzer.RangeVar{streamFrom("s")},
		Having:  analyzer.CompareExpr{Op: ">", Left: analyzer.ColumnRef{Name: "c"}, Right: analyzer.Literal{Value: 1}},
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	requireRule(t, err, "no-having")
}

func TestAnalyzeRejectsWith(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets:  []analyzer.Target{countTarget()},
		From:     []analyzer.RangeVar{streamFrom("s")},
		WithCTEs: true,
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	requireRule(t, err, "no-cte")
}

func TestAnalyzeRejectsOrderBy(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{countTarget()},
		From:    []analyzer.RangeVar{streamFrom("s")},
		OrderBy: []string{"k"},
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	requireRule(t, err, "no-order-by")
}

func TestAnalyzeRejectsWindowFunc(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{{Expr: analyzer.WindowCall{Name: "rank"}}},
		From:    []analyzer.RangeVar{streamFrom("s")},
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	requireRule(t, err, "no-window-func")
}

func TestAnalyzeRejectsZeroStreams(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{countTarget()},
		From:    []analyzer.RangeVar{streamFrom("t")},
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"t": false})
	requireRule(t, err, "no-stream")
}

func TestAnalyzeRejectsStreamStreamJoin(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{countTarget()},
		From:    []analyzer.RangeVar{streamFrom("s1"), streamFrom("s2")},
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s1": true, "s2": true})
	requireRule(t, err, "stream-stream-join")
}

func TestAnalyzeNoticesStreamToTableJoin(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{countTarget()},
		From:    []analyzer.RangeVar{streamFrom("s"), streamFrom("t")},
	}
	ctx, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true, "t": false})
	require.NoError(t, err)
	require.Len(t, ctx.Notices, 1)
}

func TestAnalyzeRejectsDistinctOnNonCountArrayAgg(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{{Name: "s", Expr: analyzer.AggCall{Name: "sum", Distinct: true, Arg: analyzer.ColumnRef{Name: "x"}}}},
		From:    []analyzer.RangeVar{streamFrom("s")},
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	requireRule(t, err, "bad-distinct-agg")
}

func TestAnalyzeAllowsDistinctCount(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{{Name: "c", Expr: analyzer.AggCall{Name: "count", Distinct: true, Arg: analyzer.ColumnRef{Name: "x"}}}},
		From:    []analyzer.RangeVar{streamFrom("s")},
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	require.NoError(t, err)
}

func slidingWhere() analyzer.Expr {
	return analyzer.CompareExpr{
		Op:   ">",
		Left: analyzer.ColumnRef{Name: "arrival_time"},
		Right: analyzer.ArithExpr{
			Op:   "-",
			Left: analyzer.ClockTimestampCall{},
			Right: analyzer.Literal{Value: time.Minute},
		},
	}
}

func TestAnalyzeDetectsSlidingWindow(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{countTarget()},
		From:    []analyzer.RangeVar{streamFrom("s")},
		Where:   slidingWhere(),
	}
	ctx, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	require.NoError(t, err)
	require.True(t, ctx.Sliding)
	require.Equal(t, "arrival_time", ctx.TimeColumn)
	require.Equal(t, time.Minute, ctx.Window)
}

func TestAnalyzeDetectsSlidingWindowAsAndConjunct(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{countTarget()},
		From:    []analyzer.RangeVar{streamFrom("s")},
		Where: analyzer.BoolExpr{
			Op: "AND",
			Args: []analyzer.Expr{
				slidingWhere(),
				analyzer.CompareExpr{Op: "=", Left: analyzer.ColumnRef{Name: "k"}, Right: analyzer.Literal{Value: 1}},
			},
		},
	}
	ctx, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	require.NoError(t, err)
	require.True(t, ctx.Sliding)
}

func TestAnalyzeRejectsClockTimestampInsideOr(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{countTarget()},
		From:    []analyzer.RangeVar{streamFrom("s")},
		Where: analyzer.BoolExpr{
			Op:   "OR",
			Args: []analyzer.Expr{slidingWhere(), analyzer.CompareExpr{Op: "=", Left: analyzer.ColumnRef{Name: "k"}, Right: analyzer.Literal{Value: 1}}},
		},
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	requireRule(t, err, "bad-clock-timestamp")
}

func TestAnalyzeRejectsDistinctUnderSlidingWindow(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Distinct: true,
		Targets:  []analyzer.Target{countTarget()},
		From:     []analyzer.RangeVar{streamFrom("s")},
		Where:    slidingWhere(),
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	requireRule(t, err, "sliding-no-distinct")
}

func TestAnalyzeRejectsBadSubquery(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{countTarget()},
		From: []analyzer.RangeVar{{Subquery: &analyzer.SelectStmt{
			Targets: []analyzer.Target{{Expr: analyzer.ColumnRef{Name: "x"}}},
			From:    []analyzer.RangeVar{streamFrom("s")},
			Limit:   intPtr(1),
		}}},
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	requireRule(t, err, "bad-subquery")
}

func intPtr(n int) *int { return &n }

func requireRule(t *testing.T, err error, rule string) {
	t.Helper()
	require.Error(t, err)
	var ae *types.AnalysisError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, rule, ae.Rule)
}

func TestAnalyzeRejectsArrivalTimestampAlias(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{
			{Name: "arrival_timestamp", Expr: analyzer.ColumnRef{Name: "x"}},
			countTarget(),
		},
		From: []analyzer.RangeVar{streamFrom("s")},
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	requireRule(t, err, "reserved-column")
}

func TestAnalyzeAllowsSelectingArrivalTimestampItself(t *testing.T) {
	stmt := &analyzer.SelectStmt{
		Targets: []analyzer.Target{
			{Name: "arrival_timestamp", Expr: analyzer.ColumnRef{Name: "arrival_timestamp"}},
			countTarget(),
		},
		From:    []analyzer.RangeVar{streamFrom("s")},
		GroupBy: []string{"arrival_timestamp"},
	}
	_, err := analyzer.Analyze(stmt, "worker", fakeStreams{"s": true})
	require.NoError(t, err)
}
