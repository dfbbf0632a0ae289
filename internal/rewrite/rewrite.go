// Package rewrite implements the query rewriter (spec.md §4.4,
// component C4): it turns a validated CV body and the analyzer's
// Context into the worker/combiner/overlay trio of types.
// RewrittenQuery. The worker/combiner/overlay SQL text fields are
// produced for the host planner/executor, an external collaborator
// (spec.md §1 Non-goals); this module's own worker and combiner
// drive the same rewrite's GroupColumns/Aggregates metadata directly
// against Go values (SPEC_FULL.md §4).
package rewrite

import (
	"fmt"
	"strings"
	"time"

	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/analyzer"
	"github.com/pipelinedb/cq/internal/types"
)

// Input bundles the analyzer's output with the sliding-window step
// factor a CREATE CONTINUOUS VIEW ... WITH (sw_step_factor = n)
// clause supplies (spec.md §4.4 step 3; default 1 when unset).
type Input struct {
	Stmt       *analyzer.SelectStmt
	Context    *analyzer.Context
	StepFactor int
}

// hoisted is one target-list or GROUP BY expression promoted into the
// worker's target list under a synthetic name (step 5).
type hoisted struct {
	name       string
	expr       analyzer.Expr
	isAgg      bool
	agg        analyzer.AggCall
	protocol   aggregate.Protocol
	streamName string
}

// Rewrite runs the 8-step algorithm and returns the resulting trio.
// It is idempotent: rewriting the same validated statement a second
// time reproduces an equal RewrittenQuery (spec.md §8 property 6),
// because every step is a pure function of the validated input, not
// of any mutable process state.
func Rewrite(in Input, registry *aggregate.Registry) (*types.RewrittenQuery, error) {
	stmt, ctx := in.Stmt, in.Context
	if stmt == nil || ctx == nil {
		return nil, types.NewRewriteError("nil statement or context reached the rewriter")
	}

	// Step 1: named targets.
	names := make([]string, len(stmt.Targets))
	for i, t := range stmt.Targets {
		names[i] = figureColname(t, i)
	}

	truncatedColumn := ""
	step := time.Duration(0)
	if ctx.Sliding {
		step = stepDuration(ctx.Window, in.StepFactor)
	}

	var (
		workerTargets   []string
		groupColumns    []string
		hoistedByTarget = make([]*hoisted, len(stmt.Targets))
		aggregates      []types.AggregateRef
	)

	// Step 3 + step 5: sliding-window projection and hoisting.
	for i, t := range stmt.Targets {
		if agg, ok := t.Expr.(analyzer.AggCall); ok {
			proto, streamName, err := registry.Lookup(agg.Name, agg.Distinct)
			if err != nil {
				return nil, err
			}
			h := &hoisted{name: names[i], isAgg: true, agg: agg, protocol: proto, streamName: streamName}
			hoistedByTarget[i] = h
			workerTargets = append(workerTargets, fmt.Sprintf("%s(%s) AS %s", streamName, exprSQL(agg.Arg), names[i]))
			aggregates = append(aggregates, types.AggregateRef{
				TargetIndex: i,
				Column:      names[i],
				Name:        streamName,
				Arg:         exprSQL(agg.Arg),
			})
			continue
		}

		if col, ok := t.Expr.(analyzer.ColumnRef); ok && isGroupColumn(col.Name, stmt.GroupBy) {
			projected := col.Name
			if ctx.Sliding && col.Name == ctx.TimeColumn {
				projected = fmt.Sprintf("date_round(%s, %s)", col.Name, step)
				truncatedColumn = names[i]
			}
			workerTargets = append(workerTargets, fmt.Sprintf("%s AS %s", projected, names[i]))
			groupColumns = append(groupColumns, names[i])
			continue
		}

		// Non-aggregate, non-bare-group-column expression: hoisted
		// into the worker's target list under its synthetic name
		// (step 5). It is not added to GroupColumns or the combiner's
		// GROUP BY: a bare GROUP BY column was handled above, so
		// isGroupByExpr does not match here.
		workerTargets = append(workerTargets, fmt.Sprintf("%s AS %s", exprSQL(t.Expr), names[i]))
		if isGroupByExpr(t.Expr, stmt.GroupBy) {
			groupColumns = append(groupColumns, names[i])
		}
	}

	workerSQL := buildWorkerSQL(workerTargets, stmt, step)
	combinerSQL := buildCombinerSQL(names, hoistedByTarget, groupColumns)
	overlaySQL := buildOverlaySQL(names, hoistedByTarget, ctx)

	return &types.RewrittenQuery{
		WorkerSQL:       workerSQL,
		CombinerSQL:     combinerSQL,
		OverlaySQL:      overlaySQL,
		GroupColumns:    groupColumns,
		Aggregates:      aggregates,
		TruncatedColumn: truncatedColumn,
		Step:            step,
	}, nil
}

// figureColname assigns a stable name to a target-list entry,
// matching the host's FigureColname behavior: the target's own alias
// if given, the bare column name for a simple column reference, and a
// positional synthetic name otherwise.
func figureColname(t analyzer.Target, idx int) string {
	if t.Name != "" {
		return t.Name
	}
	if col, ok := t.Expr.(analyzer.ColumnRef); ok {
		return col.Name
	}
	return fmt.Sprintf("_%d", idx)
}

func stepDuration(window time.Duration, stepFactor int) time.Duration {
	if stepFactor <= 0 {
		stepFactor = 1
	}
	step := window * time.Duration(stepFactor) / 100
	if step < time.Second {
		return time.Second
	}
	return step
}

func isGroupColumn(name string, groupBy []string) bool {
	for _, g := range groupBy {
		if g == name {
			return true
		}
	}
	return false
}

func isGroupByExpr(e analyzer.Expr, groupBy []string) bool {
	col, ok := e.(analyzer.ColumnRef)
	return ok && isGroupColumn(col.Name, groupBy)
}

func exprSQL(e analyzer.Expr) string {
	switch v := e.(type) {
	case nil:
		return ""
	case analyzer.Star:
		return "*"
	case analyzer.ColumnRef:
		if v.Relation != "" {
			return v.Relation + "." + v.Name
		}
		return v.Name
	case analyzer.Literal:
		return fmt.Sprint(v.Value)
	case analyzer.ClockTimestampCall:
		return "clock_timestamp()"
	case analyzer.FuncCall:
		args := make([]string, len(v.Args))
		for i, a := range v.Args {
			args[i] = exprSQL(a)
		}
		return fmt.Sprintf("%s(%s)", v.Name, strings.Join(args, ", "))
	case analyzer.AggCall:
		distinct := ""
		if v.Distinct {
			distinct = "DISTINCT "
		}
		return fmt.Sprintf("%s(%s%s)", v.Name, distinct, exprSQL(v.Arg))
	case analyzer.CompareExpr:
		return fmt.Sprintf("%s %s %s", exprSQL(v.Left), v.Op, exprSQL(v.Right))
	case analyzer.ArithExpr:
		return fmt.Sprintf("%s %s %s", exprSQL(v.Left), v.Op, exprSQL(v.Right))
	case analyzer.BoolExpr:
		parts := make([]string, len(v.Args))
		for i, a := range v.Args {
			parts[i] = exprSQL(a)
		}
		return "(" + strings.Join(parts, " "+v.Op+" ") + ")"
	default:
		return ""
	}
}

func buildWorkerSQL(targets []string, stmt *analyzer.SelectStmt, step time.Duration) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(targets, ", "))
	b.WriteString(" FROM ")
	b.WriteString(rangeListSQL(stmt.From))
	if stmt.Where != nil {
		b.WriteString(" WHERE ")
		b.WriteString(exprSQL(stmt.Where))
	}
	if len(stmt.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(stmt.GroupBy, ", "))
	}
	if stmt.Distinct {
		b.WriteString(" /* DISTINCT ON target-list */")
	}
	_ = step
	return b.String()
}

func rangeListSQL(from []analyzer.RangeVar) string {
	parts := make([]string, len(from))
	for i, rv := range from {
		if rv.Subquery != nil {
			parts[i] = "(subquery)"
			continue
		}
		parts[i] = rv.Relation.String()
	}
	return strings.Join(parts, ", ")
}

// buildCombinerSQL implements step 6: the combiner reads from the
// matrel and wraps every hoisted aggregate column in combine(col).
func buildCombinerSQL(names []string, hoisted []*hoisted, groupColumns []string) string {
	targets := make([]string, 0, len(names))
	for i, name := range names {
		if h := hoisted[i]; h != nil && h.isAgg {
			targets = append(targets, fmt.Sprintf("combine(%s) AS %s", name, name))
			continue
		}
		targets = append(targets, name)
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(targets, ", "))
	b.WriteString(" FROM matrel")
	if len(groupColumns) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(groupColumns, ", "))
	}
	return b.String()
}

// buildOverlaySQL implements step 7: the overlay reads the matrel,
// applies the sliding-window predicate if any, and finalizes
// aggregates with either a bare column reference or combine(col) for
// the view-combines case.
func buildOverlaySQL(names []string, hoisted []*hoisted, ctx *analyzer.Context) string {
	targets := make([]string, 0, len(names))
	for i, name := range names {
		if h := hoisted[i]; h != nil && h.isAgg {
			if ctx.Sliding {
				targets = append(targets, fmt.Sprintf("combine(%s) AS %s", name, name))
			} else {
				targets = append(targets, name)
			}
			continue
		}
		targets = append(targets, name)
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(targets, ", "))
	b.WriteString(" FROM matrel")
	if ctx.Sliding {
		fmt.Fprintf(&b, " WHERE %s > clock_timestamp() - interval '%s'", ctx.TimeColumn, ctx.Window)
	}
	return b.String()
}
