package pgxstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/pipelinedb/cq/internal/types"
)

// LockBusyError is returned by MatrelStore.Lookup when another
// combiner batch already holds the row lock for this fingerprint,
// adapted from cdc-sink's types.LeaseBusyError: the same "typed error
// an errors.As caller can branch on" shape, covering contention on a
// matrel row instead of a named lease.
type LockBusyError struct {
	CV          types.CVID
	Fingerprint uint64
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("matrel row is locked by another combiner batch (cv=%d fingerprint=%d)", e.CV, e.Fingerprint)
}

// IsLockBusy returns the error if it represents row-lock contention.
func IsLockBusy(err error) (busy *LockBusyError, ok bool) {
	return busy, errors.As(err, &busy)
}

// MatrelStore is the pgx-backed types.MatrelStore. Every continuous
// view's matrel is stored generically as (fingerprint, group_values,
// states) in its own table, rather than with typed columns matching
// the CV's declared group-by and aggregate shape: the host
// planner/executor (spec.md §1) is the one component that needs
// typed-column access, via the rewritten SQL text C4 hands it, and
// this store only needs to serve C9's Lookup/Upsert/Delete/Scan
// contract (spec.md §4.9).
type MatrelStore struct {
	pool *Pool
}

// NewMatrelStore wraps pool as a types.MatrelStore.
func NewMatrelStore(pool *Pool) *MatrelStore {
	return &MatrelStore{pool: pool}
}

func matrelTable(cv types.CVID) string {
	return fmt.Sprintf("cq_matrel_%d", cv)
}

// EnsureMatrel creates the backing table for cv if it does not
// already exist, called by internal/ddl when a continuous view is
// created.
func (s *MatrelStore) EnsureMatrel(ctx context.Context, cv types.CVID) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			fingerprint  bigint PRIMARY KEY,
			group_values jsonb NOT NULL,
			states       jsonb NOT NULL
		)`, matrelTable(cv)))
	return errors.Wrap(err, "creating matrel table")
}

// DropMatrel drops the backing table for cv, called by internal/ddl
// when a continuous view is dropped.
func (s *MatrelStore) DropMatrel(ctx context.Context, cv types.CVID) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, matrelTable(cv)))
	return errors.Wrap(err, "dropping matrel table")
}

// Lookup implements types.MatrelStore. It selects the row with FOR
// UPDATE NOWAIT directly on the pool, outside any transaction, so the
// row lock lasts only for the lookup statement and is not held across
// a following Upsert/Delete; a row already locked by another session
// is reported as a LockBusyError.
func (s *MatrelStore) Lookup(ctx context.Context, cv types.CVID, fingerprint uint64) (*types.MatrelRow, bool, error) {
	return s.lookup(ctx, s.pool, cv, fingerprint)
}

func (s *MatrelStore) lookup(ctx context.Context, q Querier, cv types.CVID, fingerprint uint64) (*types.MatrelRow, bool, error) {
	var groupJSON, stateJSON []byte
	err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT group_values, states FROM %s WHERE fingerprint = $1 FOR UPDATE NOWAIT`, matrelTable(cv)),
		int64(fingerprint),
	).Scan(&groupJSON, &stateJSON)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, false, nil
	case lockNotAvailable(err):
		return nil, false, &LockBusyError{CV: cv, Fingerprint: fingerprint}
	case err != nil:
		return nil, false, errors.Wrap(err, "looking up matrel row")
	}
	row, err := decodeMatrelRow(fingerprint, groupJSON, stateJSON)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// Upsert implements types.MatrelStore.
func (s *MatrelStore) Upsert(ctx context.Context, cv types.CVID, row types.MatrelRow) (*types.MatrelRow, error) {
	previous, found, err := s.lookup(ctx, s.pool, cv, row.Fingerprint)
	if err != nil {
		return nil, err
	}

	groupJSON, err := json.Marshal(row.GroupValues)
	if err != nil {
		return nil, errors.Wrap(err, "encoding group values")
	}
	stateJSON, err := json.Marshal(row.States)
	if err != nil {
		return nil, errors.Wrap(err, "encoding transition states")
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (fingerprint, group_values, states) VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO UPDATE SET group_values = EXCLUDED.group_values, states = EXCLUDED.states
	`, matrelTable(cv)), int64(row.Fingerprint), groupJSON, stateJSON)
	if err != nil {
		return nil, errors.Wrap(err, "upserting matrel row")
	}
	if !found {
		return nil, nil
	}
	return previous, nil
}

// Delete implements types.MatrelStore.
func (s *MatrelStore) Delete(ctx context.Context, cv types.CVID, fingerprint uint64) (*types.MatrelRow, error) {
	previous, found, err := s.lookup(ctx, s.pool, cv, fingerprint)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE fingerprint = $1`, matrelTable(cv)), int64(fingerprint)); err != nil {
		return nil, errors.Wrap(err, "deleting matrel row")
	}
	return previous, nil
}

// Scan implements types.MatrelStore.
func (s *MatrelStore) Scan(ctx context.Context, cv types.CVID, fn func(types.MatrelRow) error) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT fingerprint, group_values, states FROM %s`, matrelTable(cv)))
	if err != nil {
		return errors.Wrap(err, "scanning matrel")
	}
	defer rows.Close()

	for rows.Next() {
		var fingerprint int64
		var groupJSON, stateJSON []byte
		if err := rows.Scan(&fingerprint, &groupJSON, &stateJSON); err != nil {
			return errors.Wrap(err, "scanning matrel row")
		}
		row, err := decodeMatrelRow(uint64(fingerprint), groupJSON, stateJSON)
		if err != nil {
			return err
		}
		if err := fn(*row); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "iterating matrel rows")
}

func decodeMatrelRow(fingerprint uint64, groupJSON, stateJSON []byte) (*types.MatrelRow, error) {
	var groupValues, states []any
	if err := json.Unmarshal(groupJSON, &groupValues); err != nil {
		return nil, errors.Wrap(err, "decoding group values")
	}
	if err := json.Unmarshal(stateJSON, &states); err != nil {
		return nil, errors.Wrap(err, "decoding transition states")
	}
	return &types.MatrelRow{GroupValues: groupValues, States: states, Fingerprint: fingerprint}, nil
}
