// Package pgxstore is the pgx-backed implementation of
// types.CatalogStore and types.MatrelStore: the concrete storage this
// engine's catalog cache (C1) and combiner (C9) talk to when running
// against a real host database, as opposed to the in-memory fakes used
// by component tests. It is adapted from cdc-sink's
// internal/types.StagingPool/StagingQuerier and types.Lease family —
// this domain has one Postgres host rather than cdc-sink's
// source/staging/target split, so the three pool types there collapse
// into one Pool here, and the lease abstraction becomes a FOR UPDATE
// NOWAIT matrel row lock taken by each lookup statement.
package pgxstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/pipelinedb/cq/internal/types"
)

var (
	_ types.MatrelStore  = (*MatrelStore)(nil)
	_ types.CatalogStore = (*CatalogStore)(nil)
)

// Querier is implemented by pgxpool.Pool, pgxpool.Conn, pgx.Conn, and
// pgx.Tx. The store's unexported helpers accept it rather than a
// concrete pool type; the exported methods call them with the pool.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...interface{}) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (*pgxpool.Conn)(nil)
	_ Querier = (*pgx.Conn)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// PoolInfo describes the host database a Pool is connected to.
type PoolInfo struct {
	ConnectionString string
	ServerVersion    string
}

// Pool is the injection point for the connection to the host database
// that backs the catalog and matrel storage.
type Pool struct {
	*pgxpool.Pool
	PoolInfo
}

// NewPool dials the host database and returns a Pool along with a
// cleanup function, suitable for use as a wire provider.
func NewPool(ctx context.Context, connString string) (*Pool, func(), error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing pool config")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connecting to host database")
	}

	var version string
	if err := pool.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "querying server_version")
	}

	p := &Pool{
		Pool: pool,
		PoolInfo: PoolInfo{
			ConnectionString: connString,
			ServerVersion:    version,
		},
	}
	return p, pool.Close, nil
}

// lockNotAvailable reports whether err is Postgres error 55P03
// ("lock_not_available"), the error SELECT ... FOR UPDATE NOWAIT
// raises when another transaction already holds the row lock.
func lockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}
