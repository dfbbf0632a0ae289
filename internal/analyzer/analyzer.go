package analyzer

import (
	"time"

	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/ident"
)

// StreamResolver answers whether a relation is a stream rather than
// an ordinary table, satisfied by catalog.Cache.
type StreamResolver interface {
	IsStream(relation ident.Table) bool
}

// Context is the analyzer's output: the collected shape of a
// validated CV body, handed to the rewriter (spec.md §4.3 "The
// analyzer also produces a context...").
type Context struct {
	Mode string // "worker" or "combiner"; echoes the caller's request.

	Columns    []string
	Aggregates []AggCall

	Sliding    bool
	TimeColumn string
	Window     time.Duration

	// Notices are non-fatal diagnostics (rule 7): stream-to-relation
	// joins against an unindexed column.
	Notices []string
}

// Analyze validates stmt as a legal CV body for the given process
// mode and returns the collected context, or an AnalysisError
// describing the first rule violated (spec.md §4.3, in rule order).
func Analyze(stmt *SelectStmt, mode string, streams StreamResolver) (*Context, error) {
	if stmt == nil {
		return nil, types.NewAnalysisError("not-a-select", "CV body is empty")
	}

	if err := validateSubqueries(stmt); err != nil {
		return nil, err
	}

	// Rule 2: WITH, HAVING, window functions, ORDER BY rejected at the
	// CV level.
	if stmt.WithCTEs {
		return nil, types.NewAnalysisError("no-cte", "WITH is not allowed in a continuous view body")
	}
	if stmt.Having != nil {
		return nil, types.NewAnalysisError("no-having", "HAVING is not allowed in a continuous view body")
	}
	if len(stmt.OrderBy) > 0 {
		return nil, types.NewAnalysisError("no-order-by", "ORDER BY is not allowed in a continuous view body")
	}
	if containsWindowFunc(stmt) {
		return nil, types.NewAnalysisError("no-window-func", "window functions are not allowed in a continuous view body")
	}

	// Rule 3: "*" rejected. The reserved arrival_timestamp name may
	// not alias another expression (spec.md §6 "Reserved columns").
	for _, t := range stmt.Targets {
		if _, ok := t.Expr.(Star); ok {
			return nil, types.NewAnalysisError("no-star", "SELECT * is not allowed in a continuous view body")
		}
		if t.Name == "arrival_timestamp" {
			if col, ok := t.Expr.(ColumnRef); !ok || col.Name != "arrival_timestamp" {
				return nil, types.NewAnalysisError("reserved-column",
					"arrival_timestamp is a reserved stream column and cannot alias another expression")
			}
		}
	}

	// Rule 4: exactly one stream in FROM, no stream-stream joins.
	var streamCount int
	var hasTableJoin bool
	walkStreamCounts(stmt, streams, &streamCount, &hasTableJoin)
	switch {
	case streamCount == 0:
		return nil, types.NewAnalysisError("no-stream", "a continuous view body must read from exactly one stream")
	case streamCount > 1:
		return nil, types.NewAnalysisError("stream-stream-join", "a continuous view body may not join two streams")
	}

	ctx := &Context{Mode: mode}
	collectColumnsAndAggregates(stmt, ctx)

	// Rule 5: DISTINCT in aggregates only for count/array_agg.
	for _, agg := range ctx.Aggregates {
		if agg.Distinct && agg.Name != "count" && agg.Name != "array_agg" {
			return nil, types.NewAnalysisError("bad-distinct-agg",
				"DISTINCT is only allowed on count() and array_agg() in a continuous view body")
		}
	}

	// Rule 6: clock-timestamp placement.
	if err := detectSlidingWindow(stmt, ctx); err != nil {
		return nil, err
	}
	if ctx.Sliding && stmt.Distinct {
		return nil, types.NewAnalysisError("sliding-no-distinct",
			"DISTINCT is not allowed on the target list of a sliding-window continuous view")
	}

	// Rule 7: notice, not a failure.
	if hasTableJoin {
		ctx.Notices = append(ctx.Notices,
			"stream-to-relation join may be unindexed; this does not block view creation")
	}

	return ctx, nil
}

// validateSubqueries applies the stricter subquery constraints of
// rule 1 to every FROM-clause subquery, recursively.
func validateSubqueries(stmt *SelectStmt) error {
	for _, rv := range stmt.From {
		sub := rv.Subquery
		if sub == nil {
			continue
		}
		if len(sub.OrderBy) > 0 || sub.Limit != nil || sub.Having != nil ||
			len(sub.GroupBy) > 0 || sub.Distinct || sub.ForShare || sub.WithCTEs {
			return types.NewAnalysisError("bad-subquery",
				"a continuous view subquery may not use ORDER BY, LIMIT, HAVING, GROUP BY, DISTINCT, FOR UPDATE, or WITH")
		}
		if containsWindowFunc(sub) {
			return types.NewAnalysisError("bad-subquery", "a continuous view subquery may not use window functions")
		}
		for _, t := range sub.Targets {
			if hasAggregate(t.Expr) {
				return types.NewAnalysisError("bad-subquery", "a continuous view subquery may not use aggregates")
			}
		}
		if err := validateSubqueries(sub); err != nil {
			return err
		}
	}
	return nil
}

func walkStreamCounts(stmt *SelectStmt, streams StreamResolver, count *int, hasTableJoin *bool) {
	var tableSeen, streamSeen bool
	for _, rv := range stmt.From {
		if rv.Subquery != nil {
			walkStreamCounts(rv.Subquery, streams, count, hasTableJoin)
			continue
		}
		if streams.IsStream(rv.Relation) {
			*count++
			streamSeen = true
		} else {
			tableSeen = true
		}
	}
	if streamSeen && tableSeen {
		*hasTableJoin = true
	}
}

func containsWindowFunc(stmt *SelectStmt) bool {
	for _, t := range stmt.Targets {
		if exprContainsWindowFunc(t.Expr) {
			return true
		}
	}
	return exprContainsWindowFunc(stmt.Where) || exprContainsWindowFunc(stmt.Having)
}

func exprContainsWindowFunc(e Expr) bool {
	switch v := e.(type) {
	case nil:
		return false
	case WindowCall:
		return true
	case FuncCall:
		for _, a := range v.Args {
			if exprContainsWindowFunc(a) {
				return true
			}
		}
	case AggCall:
		return exprContainsWindowFunc(v.Arg)
	case CompareExpr:
		return exprContainsWindowFunc(v.Left) || exprContainsWindowFunc(v.Right)
	case ArithExpr:
		return exprContainsWindowFunc(v.Left) || exprContainsWindowFunc(v.Right)
	case BoolExpr:
		for _, a := range v.Args {
			if exprContainsWindowFunc(a) {
				return true
			}
		}
	}
	return false
}

func hasAggregate(e Expr) bool {
	switch v := e.(type) {
	case nil:
		return false
	case AggCall:
		return true
	case FuncCall:
		for _, a := range v.Args {
			if hasAggregate(a) {
				return true
			}
		}
	case CompareExpr:
		return hasAggregate(v.Left) || hasAggregate(v.Right)
	case ArithExpr:
		return hasAggregate(v.Left) || hasAggregate(v.Right)
	case BoolExpr:
		for _, a := range v.Args {
			if hasAggregate(a) {
				return true
			}
		}
	}
	return false
}

func collectColumnsAndAggregates(stmt *SelectStmt, ctx *Context) {
	for _, t := range stmt.Targets {
		collectFromExpr(t.Expr, ctx)
	}
	collectFromExpr(stmt.Where, ctx)
}

func collectFromExpr(e Expr, ctx *Context) {
	switch v := e.(type) {
	case nil:
		return
	case ColumnRef:
		ctx.Columns = append(ctx.Columns, v.Name)
	case AggCall:
		ctx.Aggregates = append(ctx.Aggregates, v)
		collectFromExpr(v.Arg, ctx)
	case FuncCall:
		for _, a := range v.Args {
			collectFromExpr(a, ctx)
		}
	case CompareExpr:
		collectFromExpr(v.Left, ctx)
		collectFromExpr(v.Right, ctx)
	case ArithExpr:
		collectFromExpr(v.Left, ctx)
		collectFromExpr(v.Right, ctx)
	case BoolExpr:
		for _, a := range v.Args {
			collectFromExpr(a, ctx)
		}
	}
}

// detectSlidingWindow implements rule 6: the clock-timestamp
// predicate, if present, must appear exactly once, as a top-level AND
// conjunct of WHERE, in one of the two recognized forms.
func detectSlidingWindow(stmt *SelectStmt, ctx *Context) error {
	total := countClockTimestamp(stmt.Where)
	if total == 0 {
		return nil
	}

	var conjuncts []Expr
	if and, ok := stmt.Where.(BoolExpr); ok && and.Op == "AND" {
		conjuncts = and.Args
	} else {
		conjuncts = []Expr{stmt.Where}
	}

	var matched int
	var timeColumn string
	var window time.Duration
	for _, c := range conjuncts {
		col, dur, ok := matchSlidingPredicate(c)
		if ok {
			matched++
			timeColumn, window = col, dur
		}
	}

	if matched != 1 || total != 1 {
		return types.NewAnalysisError("bad-clock-timestamp",
			"clock_timestamp() may appear at most once, only as a top-level AND conjunct of WHERE, "+
				"in the form \"<column> > clock_timestamp() - <interval>\"")
	}

	ctx.Sliding = true
	ctx.TimeColumn = timeColumn
	ctx.Window = window
	return nil
}

func countClockTimestamp(e Expr) int {
	switch v := e.(type) {
	case nil:
		return 0
	case ClockTimestampCall:
		return 1
	case FuncCall:
		n := 0
		for _, a := range v.Args {
			n += countClockTimestamp(a)
		}
		return n
	case AggCall:
		return countClockTimestamp(v.Arg)
	case CompareExpr:
		return countClockTimestamp(v.Left) + countClockTimestamp(v.Right)
	case ArithExpr:
		return countClockTimestamp(v.Left) + countClockTimestamp(v.Right)
	case BoolExpr:
		n := 0
		for _, a := range v.Args {
			n += countClockTimestamp(a)
		}
		return n
	}
	return 0
}

// matchSlidingPredicate recognizes "<col> (> | >=) clock_timestamp() -
// <interval>" and its operand-swapped, operator-flipped mirror.
func matchSlidingPredicate(e Expr) (column string, window time.Duration, ok bool) {
	cmp, isCmp := e.(CompareExpr)
	if !isCmp {
		return "", 0, false
	}

	switch cmp.Op {
	case ">", ">=":
		if col, isCol := cmp.Left.(ColumnRef); isCol {
			if dur, isWindow := matchClockMinusInterval(cmp.Right); isWindow {
				return col.Name, dur, true
			}
		}
	case "<", "<=":
		// Mirror form: clock_timestamp() - interval < col, so Left must
		// be the clock expression and Right the column.
		if col, isCol := cmp.Right.(ColumnRef); isCol {
			if dur, isWindow := matchClockMinusInterval(cmp.Left); isWindow {
				return col.Name, dur, true
			}
		}
	}
	return "", 0, false
}

func matchClockMinusInterval(e Expr) (time.Duration, bool) {
	arith, ok := e.(ArithExpr)
	if !ok || arith.Op != "-" {
		return 0, false
	}
	if _, ok := arith.Left.(ClockTimestampCall); !ok {
		return 0, false
	}
	lit, ok := arith.Right.(Literal)
	if !ok {
		return 0, false
	}
	dur, ok := lit.Value.(time.Duration)
	return dur, ok
}
