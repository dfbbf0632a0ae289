// Package ident provides lightweight, comparable identifiers for
// catalog relations: streams, continuous views, matrels, and their
// columns. Values are comparable with ==, which lets them be used
// directly as map keys in the catalog cache and sliding-window
// structures.
package ident

import "strings"

// Ident is a single, case-preserved identifier such as a column or
// relation name.
type Ident struct {
	raw string
}

// New wraps a raw identifier.
func New(raw string) Ident { return Ident{raw: raw} }

// Raw returns the identifier exactly as supplied.
func (i Ident) Raw() string { return i.raw }

// String implements fmt.Stringer.
func (i Ident) String() string { return i.raw }

// Empty reports whether the identifier was never set.
func (i Ident) Empty() bool { return i.raw == "" }

// Table identifies a relation: a stream, a continuous view's overlay,
// or its backing matrel.
type Table struct {
	Schema Ident
	Name   Ident
}

// NewTable constructs a Table from a schema and relation name.
func NewTable(schema, name Ident) Table {
	return Table{Schema: schema, Name: name}
}

// String renders "schema.name", or just "name" if schema is empty.
func (t Table) String() string {
	if t.Schema.Empty() {
		return t.Name.raw
	}
	return t.Schema.raw + "." + t.Name.raw
}

// Matrel returns the conventional matrel relation name for a
// continuous view's defining table: "<name>_mrel".
func (t Table) Matrel() Table {
	return Table{Schema: t.Schema, Name: New(t.Name.raw + "_mrel")}
}

// OutputStream returns the conventional output-stream relation name
// for a continuous view: "<name>_osrel".
func (t Table) OutputStream() Table {
	return Table{Schema: t.Schema, Name: New(t.Name.raw + "_osrel")}
}

// ParseTable splits a "schema.name" or bare "name" string into a
// Table. It does not validate that either component is a legal SQL
// identifier; that validation belongs to the host parser.
func ParseTable(s string) Table {
	if idx := strings.LastIndexByte(s, '.'); idx >= 0 {
		return Table{Schema: New(s[:idx]), Name: New(s[idx+1:])}
	}
	return Table{Name: New(s)}
}

// Column identifies an attribute within a relation.
type Column struct {
	Table Table
	Name  Ident
}
