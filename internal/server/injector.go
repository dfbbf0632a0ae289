//go:build wireinject
// +build wireinject

package server

import (
	"context"

	"github.com/google/wire"

	"github.com/pipelinedb/cq/internal/config"
	"github.com/pipelinedb/cq/internal/util/diag"
)

// Start constructs and wires a Server from the configuration. The
// returned cleanup function tears down the connection pool and
// diagnostics registry.
func Start(ctx context.Context, cfg *config.Config) (*Server, func(), error) {
	panic(wire.Build(
		Set,
		diag.New,
	))
}
