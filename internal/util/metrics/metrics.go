// Package metrics holds shared Prometheus bucket/label definitions so
// that every component's counters look the same, grounded directly on
// internal/staging/stage/metrics.go's use of promauto + a shared
// latency-bucket slice.
package metrics

// LatencyBuckets is the shared histogram bucket set for all
// per-batch/per-lookup latency measurements across the engine.
var LatencyBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// CVLabels is the label set attached to per-continuous-view counters.
var CVLabels = []string{"cv"}

// TableLabels is the label set attached to per-relation counters.
var TableLabels = []string{"table"}
