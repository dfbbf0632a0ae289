// Package catalog implements the variadic-key catalog cache (spec.md
// §4.1, component C1): a read-through cache in front of a
// types.CatalogStore with negative caching and relcache-style
// invalidation, grounded on the diag.Diagnostics registration pattern
// and notify.Var wakeups used throughout the teacher's wire-injected
// singletons.
package catalog

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/diag"
	"github.com/pipelinedb/cq/internal/util/ident"
	"github.com/pipelinedb/cq/internal/util/notify"
)

// entry caches either a positive lookup result or a confirmed miss
// (found=false, err=nil); a cached error is never stored, so a
// transient storage failure doesn't poison the cache.
type entry[K comparable, V any] struct {
	value V
	found bool
}

// Cache is a read-through, invalidation-aware cache over a
// types.CatalogStore, shared by the rewriter, worker, combiner, and
// stream FDW (spec.md §4.1 "Contract").
type Cache struct {
	store types.CatalogStore

	mu           sync.RWMutex
	byID         map[types.CVID]entry[types.CVID, *types.ContQuery]
	byMatrel     map[ident.Table]entry[ident.Table, *types.ContQuery]
	byStream     map[ident.Table]entry[ident.Table, *types.Stream]
	streamCVs    map[ident.Table]map[types.CVID]struct{}
	matrelStream map[types.CVID]ident.Table

	// generation is bumped on every Invalidate call and republished
	// through changed, so long-lived readers (the worker's plan cache,
	// C4's rewrite cache) can cheaply notice a catalog change without
	// re-querying on every microbatch.
	changed notify.Var[uint64]
}

// New constructs a Cache over store and registers it with diags under
// "catalog", matching the teacher's pattern of registering every
// pool/cache singleton with a shared diag.Diagnostics.
func New(store types.CatalogStore, diags *diag.Diagnostics) *Cache {
	c := &Cache{
		store:        store,
		byID:         map[types.CVID]entry[types.CVID, *types.ContQuery]{},
		byMatrel:     map[ident.Table]entry[ident.Table, *types.ContQuery]{},
		byStream:     map[ident.Table]entry[ident.Table, *types.Stream]{},
		streamCVs:    map[ident.Table]map[types.CVID]struct{}{},
		matrelStream: map[types.CVID]ident.Table{},
	}
	if diags != nil {
		_ = diags.Register("catalog", c)
	}
	return c
}

// Diagnostic implements diag.Diagnostic.
func (c *Cache) Diagnostic(context.Context) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]int{
		"cont_queries_cached": len(c.byID),
		"streams_cached":      len(c.byStream),
	}
}

// Changed returns the current invalidation generation and a channel
// that closes the next time Invalidate is called, matching the
// teacher's notify.Var[T] usage for level-triggered wakeups.
func (c *Cache) Changed() (uint64, <-chan struct{}) {
	return c.changed.Get()
}

// LookupContQuery implements a read-through lookup by id, per spec.md
// §4.1's "lookup(id, key…) -> tuple|NULL" contract.
func (c *Cache) LookupContQuery(ctx context.Context, id types.CVID) (*types.ContQuery, bool, error) {
	c.mu.RLock()
	if e, ok := c.byID[id]; ok {
		c.mu.RUnlock()
		return e.value, e.found, nil
	}
	c.mu.RUnlock()

	cq, found, err := c.store.LookupContQuery(ctx, id)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.byID[id] = entry[types.CVID, *types.ContQuery]{value: cq, found: found}
	if found {
		c.matrelStream[id] = cq.Matrel
	}
	c.mu.Unlock()
	return cq, found, nil
}

// LookupContQueryByMatrel implements the matrel-keyed lookup used by
// the combiner to recover a CV's metadata from its matrel relation.
func (c *Cache) LookupContQueryByMatrel(ctx context.Context, matrel ident.Table) (*types.ContQuery, bool, error) {
	c.mu.RLock()
	if e, ok := c.byMatrel[matrel]; ok {
		c.mu.RUnlock()
		return e.value, e.found, nil
	}
	c.mu.RUnlock()

	cq, found, err := c.store.LookupContQueryByMatrel(ctx, matrel)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.byMatrel[matrel] = entry[ident.Table, *types.ContQuery]{value: cq, found: found}
	c.mu.Unlock()
	return cq, found, nil
}

// LookupStream implements the read-through lookup the stream FDW uses
// to resolve a stream's column shape on every plan.
func (c *Cache) LookupStream(ctx context.Context, relation ident.Table) (*types.Stream, bool, error) {
	c.mu.RLock()
	if e, ok := c.byStream[relation]; ok {
		c.mu.RUnlock()
		return e.value, e.found, nil
	}
	c.mu.RUnlock()

	stream, found, err := c.store.LookupStream(ctx, relation)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.byStream[relation] = entry[ident.Table, *types.Stream]{value: stream, found: found}
	c.mu.Unlock()
	return stream, found, nil
}

// IsStream reports, from cache only, whether relation is a known
// stream — the fast-path convenience method original_source's
// catalog.c exposes to the rewriter and FDW (SPEC_FULL.md §4).
func (c *Cache) IsStream(relation ident.Table) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byStream[relation]
	return ok && e.found
}

// IsContView reports, from cache only, whether matrel names a known
// continuous view's matrel relation.
func (c *Cache) IsContView(matrel ident.Table) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byMatrel[matrel]
	return ok && e.found
}

// InsertContQuery delegates to the store and invalidates any cached
// negative result for id or its matrel.
func (c *Cache) InsertContQuery(ctx context.Context, cq *types.ContQuery) error {
	if err := c.store.InsertContQuery(ctx, cq); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// UpsertStream delegates to the store and invalidates the cache, the
// write half of the stream readers bitmap DDL maintains.
func (c *Cache) UpsertStream(ctx context.Context, stream *types.Stream) error {
	if err := c.store.UpsertStream(ctx, stream); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// DeleteContQuery delegates to the store and invalidates the cache.
func (c *Cache) DeleteContQuery(ctx context.Context, id types.CVID) error {
	if err := c.store.DeleteContQuery(ctx, id); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// Invalidate drops every cached entry and bumps the change generation,
// matching the relcache-invalidation spec.md §4.1 requires insert/
// update/delete to emit so every process observes the change. A full
// flush rather than a targeted one trades a few extra store round
// trips for never serving a stale entry after a catalog write from
// another process.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.byID = map[types.CVID]entry[types.CVID, *types.ContQuery]{}
	c.byMatrel = map[ident.Table]entry[ident.Table, *types.ContQuery]{}
	c.byStream = map[ident.Table]entry[ident.Table, *types.Stream]{}
	gen, _ := c.changed.Get()
	gen++
	c.mu.Unlock()

	c.changed.Set(gen)
	log.WithField("generation", gen).Debug("catalog cache invalidated")
}
