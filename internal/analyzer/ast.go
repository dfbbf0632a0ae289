// Package analyzer validates a parsed SELECT as a legal continuous
// view body (spec.md §4.3, component C3). The host SQL parser is an
// external collaborator (spec.md §1) that is assumed to hand this
// package an already-parsed statement; this file defines the small
// typed tree DDL callers (internal/ddl, tests) build in place of a
// real grammar, matching Non-goals' explicit exclusion of SQL
// grammar.
package analyzer

import "github.com/pipelinedb/cq/internal/util/ident"

// SelectStmt is a parsed CV body or a subquery within one.
type SelectStmt struct {
	Distinct bool
	Targets  []Target
	From     []RangeVar
	Where    Expr
	GroupBy  []string
	Having   Expr
	OrderBy  []string
	Limit    *int
	WithCTEs bool
	ForShare bool // "FOR UPDATE"/"FOR SHARE"

	// A statement that appears as a subquery in a FROM clause is
	// reached through RangeVar.Subquery; rule 1 applies the stricter
	// subquery constraints to it.
}

// Target is one target-list entry.
type Target struct {
	Name string // "" means unnamed; the rewriter assigns one.
	Expr Expr
}

// RangeVar is one FROM-clause entry: either a stream, an ordinary
// table, or a subquery.
type RangeVar struct {
	Relation ident.Table
	Subquery *SelectStmt // non-nil for a FROM-clause subquery.
}

// Expr is any scalar expression node.
type Expr interface{ exprNode() }

// Star represents "*" in the target list.
type Star struct{}

// ColumnRef is a bare column reference, optionally qualified.
type ColumnRef struct {
	Relation string
	Name     string
}

// Literal is a constant value, including interval literals stored as
// a parsed time.Duration by the host parser.
type Literal struct{ Value any }

// ClockTimestampCall represents the clock_timestamp() call.
type ClockTimestampCall struct{}

// FuncCall is a scalar function or type-cast application.
type FuncCall struct {
	Name string
	Args []Expr
}

// AggCall is an aggregate function application.
type AggCall struct {
	Name     string
	Distinct bool
	Arg      Expr
}

// WindowCall is a window-function application (OVER (...)); its
// presence alone is enough to reject a CV body under rule 2, so no
// further structure is modeled.
type WindowCall struct {
	Name string
}

// CompareExpr is a binary comparison, e.g. "a > b".
type CompareExpr struct {
	Op          string // ">", ">=", "<", "<=", "=", "<>"
	Left, Right Expr
}

// ArithExpr is a binary arithmetic expression, e.g. "a - b".
type ArithExpr struct {
	Op          string // "+", "-"
	Left, Right Expr
}

// BoolExpr is an AND/OR/NOT combination of other expressions.
type BoolExpr struct {
	Op   string // "AND", "OR", "NOT"
	Args []Expr
}

func (Star) exprNode()               {}
func (ColumnRef) exprNode()          {}
func (Literal) exprNode()            {}
func (ClockTimestampCall) exprNode() {}
func (FuncCall) exprNode()           {}
func (AggCall) exprNode()            {}
func (WindowCall) exprNode()         {}
func (CompareExpr) exprNode()        {}
func (ArithExpr) exprNode()          {}
func (BoolExpr) exprNode()           {}
