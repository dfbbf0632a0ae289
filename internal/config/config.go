// Package config is the user-visible configuration surface for the
// cqd daemon, bound to command-line flags and environment variables
// the way the teacher's internal/source/server.Config binds cdc-sink's
// flags: one struct, a Bind(flags) method, and a Preflight validation
// pass run once at startup.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config holds every setting cqd needs to start.
type Config struct {
	// ConnectionString is the host database cqd reads CV catalog
	// metadata from and writes matrel/output-stream rows to.
	ConnectionString string

	// RingBufferSize is the byte capacity of each CV's worker ring
	// buffer (spec.md §4.2).
	RingBufferSize int

	// WorkerMaxWait bounds how long a worker's microbatch loop
	// accumulates tuples before flushing (spec.md §4.8 step 1).
	WorkerMaxWait time.Duration

	// WorkerBatchSize caps how many tuples one microbatch accumulates.
	WorkerBatchSize int

	// CombinerConcurrency bounds how many matrel row lookups a single
	// batch flush may have in flight (spec.md §4.8 step 4).
	CombinerConcurrency int

	// SlidingVacuumInterval is the sliding-window engine's periodic
	// vacuum period (spec.md §4.10; default 1s).
	SlidingVacuumInterval time.Duration

	// MetricsAddr is the address the admin listener binds to: the
	// Prometheus /metrics handler, /debug/diagnostics, and the
	// /ddl and /views endpoints. Empty disables all of them.
	MetricsAddr string

	// LogLevel is a logrus level name ("debug", "info", "warn", ...).
	LogLevel string
}

// Bind registers cqd's flags on flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.ConnectionString, "connectionString", "",
		"the postgres connection string cqd uses for catalog and matrel storage")
	flags.IntVar(&c.RingBufferSize, "ringBufferSize", 4<<20,
		"the byte capacity of each continuous view's worker ring buffer")
	flags.DurationVar(&c.WorkerMaxWait, "workerMaxWait", 50*time.Millisecond,
		"how long a worker accumulates a microbatch before flushing")
	flags.IntVar(&c.WorkerBatchSize, "workerBatchSize", 1000,
		"the maximum number of stream tuples in one worker microbatch")
	flags.IntVar(&c.CombinerConcurrency, "combinerConcurrency", 8,
		"the maximum number of concurrent matrel row lookups per batch flush")
	flags.DurationVar(&c.SlidingVacuumInterval, "slidingVacuumInterval", time.Second,
		"how often the sliding-window engine checks for expired matrel rows")
	flags.StringVar(&c.MetricsAddr, "metricsAddr", ":9102",
		"the address to serve metrics, diagnostics, and the DDL/read admin API on; empty disables them")
	flags.StringVar(&c.LogLevel, "logLevel", "info", "logrus level name")
}

// Preflight validates the configuration once flags and environment
// variables have been applied.
func (c *Config) Preflight() error {
	if c.ConnectionString == "" {
		return errors.New("connectionString unset")
	}
	if c.RingBufferSize <= 0 {
		return errors.New("ringBufferSize must be positive")
	}
	if c.WorkerBatchSize <= 0 {
		return errors.New("workerBatchSize must be positive")
	}
	if c.CombinerConcurrency <= 0 {
		return errors.New("combinerConcurrency must be positive")
	}
	if c.SlidingVacuumInterval <= 0 {
		return errors.New("slidingVacuumInterval must be positive")
	}
	return nil
}
