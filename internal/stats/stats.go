// Package stats implements the stats view surface: per-CV Prometheus
// counters plus a point-in-time snapshot function, the runtime
// observability a `pipeline_stats` view would read from in the
// original system. Grounded on internal/util/metrics's shared bucket/
// label definitions and the promauto idiom from the teacher's
// (now-adapted) internal/staging/stage/metrics.go.
package stats

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/metrics"
)

// Collector tracks the stats a worker commits at the end of every
// microbatch (spec.md §4.8 step 5: "input rows, output rows, bytes,
// errors") and exposes them both as Prometheus counters and as an
// in-memory snapshot.
type Collector struct {
	mu   sync.Mutex
	byCV map[types.CVID]*Snapshot

	inputRows  *prometheus.CounterVec
	outputRows *prometheus.CounterVec
	errorsVec  *prometheus.CounterVec
	batchBytes *prometheus.HistogramVec

	vacuumedRows *prometheus.CounterVec
}

// Snapshot is one CV's cumulative counters at the moment Snapshot is
// called.
type Snapshot struct {
	InputRows    int64
	OutputRows   int64
	Errors       int64
	Bytes        int64
	VacuumedRows int64
}

// New constructs a Collector and registers its counters with reg.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		byCV: map[types.CVID]*Snapshot{},
		inputRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cq_worker_input_rows_total",
			Help: "Stream tuples consumed by a continuous view's worker.",
		}, metrics.CVLabels),
		outputRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cq_worker_output_rows_total",
			Help: "Partial-result rows a continuous view's worker flushed to its combiner.",
		}, metrics.CVLabels),
		errorsVec: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cq_worker_batch_errors_total",
			Help: "Microbatches a continuous view's worker charged to errors.",
		}, metrics.CVLabels),
		batchBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cq_worker_batch_bytes",
			Help:    "Byte size of flushed worker microbatches.",
			Buckets: metrics.LatencyBuckets,
		}, metrics.CVLabels),
		vacuumedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cq_sliding_window_vacuumed_rows_total",
			Help: "Matrel rows a sliding-window continuous view's vacuum cycle expired.",
		}, metrics.CVLabels),
	}
}

// Commit records one batch's counters for cv, matching spec.md §4.8
// step 5's "commit stats" at the end of every microbatch.
func (c *Collector) Commit(cv types.CVID, input, output, errored, bytes int64) {
	label := prometheus.Labels{"cv": cvLabel(cv)}
	c.inputRows.With(label).Add(float64(input))
	c.outputRows.With(label).Add(float64(output))
	c.errorsVec.With(label).Add(float64(errored))
	c.batchBytes.With(label).Observe(float64(bytes))

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byCV[cv]
	if !ok {
		s = &Snapshot{}
		c.byCV[cv] = s
	}
	s.InputRows += input
	s.OutputRows += output
	s.Errors += errored
	s.Bytes += bytes
}

// CommitVacuum records the rows a sliding-window vacuum cycle expired
// for cv, the `pipeline_vacuum_stats` counter surface sw_vacuum.c
// exposes alongside the worker counters.
func (c *Collector) CommitVacuum(cv types.CVID, rows int64) {
	c.vacuumedRows.With(prometheus.Labels{"cv": cvLabel(cv)}).Add(float64(rows))

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byCV[cv]
	if !ok {
		s = &Snapshot{}
		c.byCV[cv] = s
	}
	s.VacuumedRows += rows
}

// Snapshot returns cv's cumulative counters, or the zero Snapshot if
// nothing has been committed for it yet.
func (c *Collector) Snapshot(cv types.CVID) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.byCV[cv]; ok {
		return *s
	}
	return Snapshot{}
}

// All returns a copy of every CV's snapshot, the data a
// `pipeline_stats` view would project.
func (c *Collector) All() map[types.CVID]Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[types.CVID]Snapshot, len(c.byCV))
	for cv, s := range c.byCV {
		out[cv] = *s
	}
	return out
}

// Diagnostic implements diag.Diagnostic.
func (c *Collector) Diagnostic(context.Context) any {
	return c.All()
}

func cvLabel(cv types.CVID) string {
	return fmt.Sprintf("%d", int32(cv))
}
