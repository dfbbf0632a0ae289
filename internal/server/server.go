// Package server assembles the continuous-query runtime into one
// running daemon: the catalog cache, the per-CV worker loops and
// their ring buffers, the combiner, the sliding-window vacuum
// engine, the adhoc registry, and the stream FDW front door. The
// construction order lives in wire_gen.go, generated by
// github.com/google/wire from injector.go, the teacher's assembly
// idiom throughout its source packages.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/catalog"
	"github.com/pipelinedb/cq/internal/combineagg"
	"github.com/pipelinedb/cq/internal/combiner"
	"github.com/pipelinedb/cq/internal/config"
	"github.com/pipelinedb/cq/internal/ddl"
	"github.com/pipelinedb/cq/internal/pgxstore"
	"github.com/pipelinedb/cq/internal/planner"
	"github.com/pipelinedb/cq/internal/ring"
	"github.com/pipelinedb/cq/internal/sliding"
	"github.com/pipelinedb/cq/internal/stats"
	"github.com/pipelinedb/cq/internal/streamfdw"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/diag"
	"github.com/pipelinedb/cq/internal/util/stopper"
	"github.com/pipelinedb/cq/internal/worker"
)

// Server owns the goroutine tree behind one cqd process.
type Server struct {
	cfg       *config.Config
	cache     *catalog.Cache
	catalogs  *pgxstore.CatalogStore
	matrels   *pgxstore.MatrelStore
	registry  *aggregate.Registry
	collector *stats.Collector
	metrics   *prometheus.Registry
	queues    *streamfdw.Queues
	fdw       *streamfdw.FDW
	comb      *combiner.Combiner
	planner   *planner.Planner
	ddl       *ddl.Engine
	resolver  *combineagg.Resolver
	swEngine  *sliding.Engine
	router    *deltaRouter
	diags     *diag.Diagnostics

	mu      sync.Mutex
	stop    *stopper.Context
	running map[types.CVID]*cvRuntime
}

// stopCtx returns the stopper established by Run, or nil before Run
// has started; admin-created CVs attach their goroutines to it.
func (s *Server) stopCtx() *stopper.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

// cvRuntime is one started CV's worker loop and queue.
type cvRuntime struct {
	worker *worker.Worker
	queue  *ring.Queue
	cancel context.CancelFunc
}

// FDW exposes the stream front door, the surface the host's
// foreign-table callbacks are bound to.
func (s *Server) FDW() *streamfdw.FDW { return s.fdw }

// Stats exposes the per-CV counter snapshots backing the stats view
// surface (spec.md §6).
func (s *Server) Stats() *stats.Collector { return s.collector }

// DDL exposes the CREATE/DROP/ALTER CONTINUOUS VIEW surface; the
// admin listener drives it, and an embedding host grammar would call
// it directly.
func (s *Server) DDL() *ddl.Engine { return s.ddl }

// Run starts every registered CV's worker, the sliding-window vacuum
// loop, and the metrics listener, then blocks until ctx is canceled
// and the goroutine tree has drained.
func (s *Server) Run(ctx context.Context) error {
	stop := stopper.WithContext(ctx)
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()

	cqs, err := s.catalogs.ListContQueries(stop)
	if err != nil {
		return err
	}
	for _, cq := range cqs {
		if err := s.StartCV(stop, cq); err != nil {
			log.WithError(err).WithField("cv", cq.ID).Warn("could not start continuous view")
		}
	}

	stop.Go(func() error { return ignoreCanceled(s.swEngine.Run(stop)) })
	stop.Go(func() error {
		<-stop.Stopping()
		s.swEngine.Stop()
		return nil
	})

	if s.cfg.MetricsAddr != "" {
		s.serveAdmin(stop)
	}

	<-ctx.Done()
	return stop.Stop(5 * time.Second)
}

// StartCV spins up the worker loop for one continuous view: a
// dedicated ring buffer registered with the FDW, a receiver chosen by
// the CV's action, and — for sliding CVs — the in-memory window
// structures seeded by one matrel scan (spec.md §4.10).
func (s *Server) StartCV(ctx *stopper.Context, cq *types.ContQuery) error {
	if cq.Query == nil {
		return errors.Errorf("continuous view %d has no rewritten query", cq.ID)
	}

	s.mu.Lock()
	if _, ok := s.running[cq.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	queue := ring.NewQueue(s.cfg.RingBufferSize)
	rt := &cvRuntime{queue: queue}
	s.running[cq.ID] = rt
	s.mu.Unlock()

	var recv worker.BatchReceiver
	switch cq.Action {
	case types.ActionMaterialize:
		recv = &plannedReceiver{planner: s.planner, comb: s.comb, query: cq.Query}
	default:
		// transform and dumped CVs skip the matrel entirely: worker
		// output goes straight to the output stream as insert deltas
		// (SPEC_FULL.md §4 C4 supplement).
		recv = &transformReceiver{router: s.router, registry: s.registry}
	}

	rt.worker = &worker.Worker{
		CV:        cq.ID,
		Query:     cq.Query,
		Queue:     queue,
		Receiver:  recv,
		Registry:  s.registry,
		MaxWait:   s.cfg.WorkerMaxWait,
		BatchSize: s.cfg.WorkerBatchSize,
		StatsSink: s.collector,
	}

	if cq.IsSliding() && cq.Query.TruncatedColumn != "" {
		if err := s.startWindow(ctx, cq); err != nil {
			s.mu.Lock()
			delete(s.running, cq.ID)
			s.mu.Unlock()
			return err
		}
	}

	s.queues.Register(cq.ID, queue)

	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	ctx.Go(func() error {
		defer queue.Close()
		return ignoreCanceled(rt.worker.Run(runCtx))
	})
	ctx.Go(func() error {
		// Workers unwind when the stopper begins draining.
		select {
		case <-ctx.Stopping():
		case <-runCtx.Done():
		}
		cancel()
		return nil
	})
	return nil
}

// startWindow materializes the sliding-window structures for cq by
// scanning the matrel once, then registers them with the vacuum
// engine and the delta router.
func (s *Server) startWindow(ctx context.Context, cq *types.ContQuery) error {
	win := sliding.NewWindow(cq.ID, cq.StepDuration())
	timeIdx := columnIndex(cq.Query.GroupColumns, cq.Query.TruncatedColumn)
	if timeIdx < 0 {
		return errors.Errorf("continuous view %d: truncated column %q missing from group columns",
			cq.ID, cq.Query.TruncatedColumn)
	}

	err := s.matrels.Scan(ctx, cq.ID, func(row types.MatrelRow) error {
		if at, ok := row.GroupValues[timeIdx].(time.Time); ok {
			win.Track(at.Add(cq.Window), row.Fingerprint)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "seeding sliding window for continuous view %d", cq.ID)
	}

	s.swEngine.Register(cq.ID, win)
	s.router.registerWindow(cq.ID, win, timeIdx, cq.Window)
	return nil
}

// StopCV tears down one CV's worker, queue, and window structures,
// the runtime half of DROP CONTINUOUS VIEW.
func (s *Server) StopCV(cv types.CVID) {
	s.mu.Lock()
	rt, ok := s.running[cv]
	if ok {
		delete(s.running, cv)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.queues.Unregister(cv)
	s.swEngine.Unregister(cv)
	s.router.unregisterWindow(cv)
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.queue.Close()
}

// serveAdmin runs the Prometheus, diagnostics, and DDL/read listener
// until the stopper begins draining.
func (s *Server) serveAdmin(ctx *stopper.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(s.diags.Snapshot(r.Context()))
	})
	s.registerAdminHandlers(mux)

	srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
	ctx.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	ctx.Go(func() error {
		<-ctx.Stopping()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if _, fatal := types.IsFatal(err); fatal {
		// A closed ring buffer during shutdown is the expected way a
		// worker's blocking wait unwinds.
		return nil
	}
	return err
}
