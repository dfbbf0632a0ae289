// Package combineagg implements the combine-aggregate resolver
// (spec.md §4.5, component C5): resolves a user query's pseudo-
// aggregate combine(col) over a CV or its output stream into the
// concrete streaming-aggregate protocol that produced that column,
// so a client reading an overlay can merge transition states rather
// than re-aggregating raw rows.
package combineagg

import (
	"context"

	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/ident"
)

// CatalogReader is the subset of catalog.Cache the resolver needs:
// tracing a combine(col) argument back to the CV that produced it
// (spec.md §4.5 step 2's "look up the matrel's owning CV").
type CatalogReader interface {
	LookupContQueryByMatrel(ctx context.Context, matrel ident.Table) (*types.ContQuery, bool, error)
}

// Resolver implements spec.md §4.5.
type Resolver struct {
	catalog  CatalogReader
	registry *aggregate.Registry
}

// New constructs a Resolver.
func New(catalog CatalogReader, registry *aggregate.Registry) *Resolver {
	return &Resolver{catalog: catalog, registry: registry}
}

// Target describes one target-list entry recognized as combine(col)
// by the caller (the magic-string initval check of spec.md §4.5 is
// the caller's job, since it operates on the host's parsed Aggref —
// this package starts from "yes, this is a combine call" and a
// relation to trace it through).
type Target struct {
	Matrel ident.Table
	Column string // the matrel attribute name being combined.
}

// Resolution is what a combine(col) call rewrites to: the streaming
// protocol that can merge partial states for Column, and whether its
// owning aggregate is itself a combine (the sliding-window
// "view-combines" case, spec.md §4.5 step 2), in which case the
// caller should recurse via the output-stream delta column instead of
// finalizing directly.
type Resolution struct {
	CV            types.CVID
	Protocol      aggregate.Protocol
	StreamingName string
	// TargetIndex is the resolved aggregate's position in the CV's
	// target list (its AggregateRef.TargetIndex). MatrelRow.States is
	// ordered by RewrittenQuery.Aggregates instead, so the two differ
	// whenever a group column precedes the aggregate.
	TargetIndex  int
	ViewCombines bool
}

// Resolve implements spec.md §4.5 steps 1-3: trace the combine target
// to its owning CV, find the aggregate that produced the matrel
// column, and resolve its streaming protocol.
func (r *Resolver) Resolve(ctx context.Context, t Target) (*Resolution, error) {
	cq, found, err := r.catalog.LookupContQueryByMatrel(ctx, t.Matrel)
	if err != nil {
		return nil, err
	}
	if !found || cq.Query == nil {
		return nil, types.NewLookupMissError(t.Column)
	}

	for _, agg := range cq.Query.Aggregates {
		if agg.Column != t.Column {
			continue
		}
		proto, err := r.registry.LookupStreaming(agg.Name)
		if err != nil {
			// No explicit combine mapping table is consulted: an
			// aggregate missing from the registry is reported as a
			// lookup miss. None of the standard streaming aggregates
			// reach this path, since the rewriter already resolved
			// them through the same registry.
			return nil, types.NewLookupMissError(t.Column)
		}
		return &Resolution{
			CV:            cq.ID,
			Protocol:      proto,
			StreamingName: agg.Name,
			TargetIndex:   agg.TargetIndex,
			ViewCombines:  cq.IsSliding(),
		}, nil
	}

	return nil, types.NewLookupMissError(t.Column)
}
