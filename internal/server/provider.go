package server

import (
	"context"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pipelinedb/cq/internal/adhoc"
	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/catalog"
	"github.com/pipelinedb/cq/internal/combineagg"
	"github.com/pipelinedb/cq/internal/combiner"
	"github.com/pipelinedb/cq/internal/config"
	"github.com/pipelinedb/cq/internal/ddl"
	"github.com/pipelinedb/cq/internal/pgxstore"
	"github.com/pipelinedb/cq/internal/planner"
	"github.com/pipelinedb/cq/internal/sliding"
	"github.com/pipelinedb/cq/internal/stats"
	"github.com/pipelinedb/cq/internal/streamfdw"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/diag"
)

// Set is the wire provider set that assembles a Server.
var Set = wire.NewSet(
	ProvidePool,
	ProvideCatalogStore,
	ProvideMatrelStore,
	ProvideCatalogCache,
	ProvideRegistry,
	ProvideMetricsRegistry,
	ProvideStats,
	ProvideQueues,
	ProvideAdhocEngine,
	ProvideDeltaRouter,
	ProvideFDW,
	ProvideCombiner,
	ProvidePlanner,
	ProvideDDL,
	ProvideResolver,
	ProvideSlidingEngine,
	ProvideServer,
)

// ProvidePool opens the host-database connection pool.
func ProvidePool(ctx context.Context, cfg *config.Config) (*pgxstore.Pool, func(), error) {
	return pgxstore.NewPool(ctx, cfg.ConnectionString)
}

// ProvideCatalogStore constructs the catalog store and ensures its
// backing tables exist.
func ProvideCatalogStore(ctx context.Context, pool *pgxstore.Pool) (*pgxstore.CatalogStore, error) {
	store := pgxstore.NewCatalogStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// ProvideMatrelStore constructs the matrel store.
func ProvideMatrelStore(pool *pgxstore.Pool) *pgxstore.MatrelStore {
	return pgxstore.NewMatrelStore(pool)
}

// ProvideCatalogCache constructs the invalidation-aware catalog cache.
func ProvideCatalogCache(store *pgxstore.CatalogStore, diags *diag.Diagnostics) *catalog.Cache {
	return catalog.New(store, diags)
}

// ProvideRegistry constructs the streaming-aggregate registry.
func ProvideRegistry() *aggregate.Registry { return aggregate.NewRegistry() }

// ProvideMetricsRegistry constructs the process's Prometheus registry.
func ProvideMetricsRegistry() *prometheus.Registry { return prometheus.NewRegistry() }

// ProvideStats constructs the per-CV counter collector.
func ProvideStats(reg *prometheus.Registry, diags *diag.Diagnostics) (*stats.Collector, error) {
	c := stats.New(reg)
	if err := diags.Register("stats", c); err != nil {
		return nil, err
	}
	return c, nil
}

// ProvideQueues constructs the per-CV worker queue registry.
func ProvideQueues() *streamfdw.Queues { return streamfdw.NewQueues() }

// ProvideAdhocEngine constructs the live adhoc-query registry.
func ProvideAdhocEngine() *adhoc.Engine { return adhoc.NewEngine() }

// ProvideDeltaRouter constructs the output-stream delta router.
func ProvideDeltaRouter(cache *catalog.Cache, registry *aggregate.Registry) *deltaRouter {
	return newDeltaRouter(cache, registry)
}

// ProvideFDW constructs the stream FDW and closes the loop back to
// the router, which pushes CV-of-CV deltas through it.
func ProvideFDW(cache *catalog.Cache, queues *streamfdw.Queues, engine *adhoc.Engine, router *deltaRouter) *streamfdw.FDW {
	fdw := streamfdw.New(cache, queues, engine)
	router.setFDW(fdw)
	return fdw
}

// ProvideCombiner constructs the combiner receiver.
func ProvideCombiner(matrels *pgxstore.MatrelStore, registry *aggregate.Registry, router *deltaRouter, cfg *config.Config) *combiner.Combiner {
	return combiner.New(matrels, registry, router, cfg.CombinerConcurrency)
}

// ProvidePlanner wraps the stand-in host planner with the
// continuous-query hooks; the combiner receiver plans every batch
// through it.
func ProvidePlanner() *planner.Planner {
	return planner.New(planner.DefaultHost{})
}

// ProvideDDL constructs the CREATE/DROP/ALTER CONTINUOUS VIEW engine,
// seeding its id allocator past every persisted CV.
func ProvideDDL(ctx context.Context, cache *catalog.Cache, catalogs *pgxstore.CatalogStore, matrels *pgxstore.MatrelStore, registry *aggregate.Registry) (*ddl.Engine, error) {
	engine := ddl.New(cache, matrels, registry)
	existing, err := catalogs.ListContQueries(ctx)
	if err != nil {
		return nil, err
	}
	for _, cq := range existing {
		engine.StartIDsAfter(cq.ID)
	}
	return engine, nil
}

// ProvideResolver constructs the combine-aggregate resolver backing
// the admin read path's combine(col).
func ProvideResolver(cache *catalog.Cache, registry *aggregate.Registry) *combineagg.Resolver {
	return combineagg.New(cache, registry)
}

// ProvideSlidingEngine constructs the vacuum engine over the matrel
// store.
func ProvideSlidingEngine(matrels *pgxstore.MatrelStore, router *deltaRouter, collector *stats.Collector, cfg *config.Config) *sliding.Engine {
	e := sliding.NewEngine(&expirer{matrels: matrels, router: router})
	e.SetStats(collector)
	if cfg.SlidingVacuumInterval > 0 {
		e.SetInterval(cfg.SlidingVacuumInterval)
	}
	return e
}

// ProvideServer assembles the Server itself.
func ProvideServer(
	cfg *config.Config,
	cache *catalog.Cache,
	catalogs *pgxstore.CatalogStore,
	matrels *pgxstore.MatrelStore,
	registry *aggregate.Registry,
	collector *stats.Collector,
	metrics *prometheus.Registry,
	queues *streamfdw.Queues,
	fdw *streamfdw.FDW,
	comb *combiner.Combiner,
	plan *planner.Planner,
	ddlEngine *ddl.Engine,
	resolver *combineagg.Resolver,
	swEngine *sliding.Engine,
	router *deltaRouter,
	diags *diag.Diagnostics,
) *Server {
	return &Server{
		cfg:       cfg,
		cache:     cache,
		catalogs:  catalogs,
		matrels:   matrels,
		registry:  registry,
		collector: collector,
		metrics:   metrics,
		queues:    queues,
		fdw:       fdw,
		comb:      comb,
		planner:   plan,
		ddl:       ddlEngine,
		resolver:  resolver,
		swEngine:  swEngine,
		router:    router,
		diags:     diags,
		running:   map[types.CVID]*cvRuntime{},
	}
}
