package pgxstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/ident"
)

const catalogSchemaDDL = `
CREATE TABLE IF NOT EXISTS cq_cont_queries (
	id       integer PRIMARY KEY,
	matrel   text NOT NULL UNIQUE,
	metadata jsonb NOT NULL
);
CREATE TABLE IF NOT EXISTS cq_streams (
	relation text PRIMARY KEY,
	columns  jsonb NOT NULL,
	readers  jsonb NOT NULL DEFAULT '[]'
);
`

// CatalogStore is the pgx-backed types.CatalogStore, holding one row
// per continuous view and one per stream in two catalog tables.
// Relcache-style invalidation (spec.md §4.1) is not this store's
// job — it answers point lookups; internal/catalog is the cache in
// front of it that notifies readers on change.
type CatalogStore struct {
	pool *Pool
}

// NewCatalogStore wraps pool as a types.CatalogStore.
func NewCatalogStore(pool *Pool) *CatalogStore {
	return &CatalogStore{pool: pool}
}

// EnsureSchema creates the catalog tables if they do not already
// exist. Called once at startup.
func (s *CatalogStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, catalogSchemaDDL)
	return errors.Wrap(err, "creating catalog tables")
}

// contQueryRecord is the JSON-serializable projection of
// types.ContQuery; it excludes ID, the table's primary key. The
// rewritten worker/combiner/overlay trio is persisted alongside the
// rest of the metadata so a restarted server can spin workers back up
// without asking the host to re-plan every defining relation.
type contQueryRecord struct {
	Defining        string
	Matrel          string
	OutputStream    string
	SourceStream    string
	PrimaryKeyIndex string
	GroupIndex      string
	Sequence        string
	Action          types.Action
	WindowNanos     int64
	StepFactor      int
	TimeColumn      string
	GCEligible      bool
	Query           *types.RewrittenQuery
}

func toRecord(cq *types.ContQuery) contQueryRecord {
	return contQueryRecord{
		Defining:        cq.Defining.String(),
		Matrel:          cq.Matrel.String(),
		OutputStream:    cq.OutputStream.String(),
		SourceStream:    cq.SourceStream.String(),
		PrimaryKeyIndex: cq.PrimaryKeyIndex,
		GroupIndex:      cq.GroupIndex,
		Sequence:        cq.Sequence,
		Action:          cq.Action,
		WindowNanos:     int64(cq.Window),
		StepFactor:      cq.StepFactor,
		TimeColumn:      cq.TimeColumn,
		GCEligible:      cq.GCEligible,
		Query:           cq.Query,
	}
}

func fromRecord(id types.CVID, r contQueryRecord) *types.ContQuery {
	return &types.ContQuery{
		ID:              id,
		Defining:        ident.ParseTable(r.Defining),
		Matrel:          ident.ParseTable(r.Matrel),
		OutputStream:    ident.ParseTable(r.OutputStream),
		SourceStream:    ident.ParseTable(r.SourceStream),
		PrimaryKeyIndex: r.PrimaryKeyIndex,
		GroupIndex:      r.GroupIndex,
		Sequence:        r.Sequence,
		Action:          r.Action,
		Window:          time.Duration(r.WindowNanos),
		StepFactor:      r.StepFactor,
		TimeColumn:      r.TimeColumn,
		GCEligible:      r.GCEligible,
		Query:           r.Query,
	}
}

// LookupContQuery implements types.CatalogStore.
func (s *CatalogStore) LookupContQuery(ctx context.Context, id types.CVID) (*types.ContQuery, bool, error) {
	var metaJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT metadata FROM cq_cont_queries WHERE id = $1`, int32(id)).Scan(&metaJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "looking up continuous view")
	}
	var rec contQueryRecord
	if err := json.Unmarshal(metaJSON, &rec); err != nil {
		return nil, false, errors.Wrap(err, "decoding continuous view metadata")
	}
	return fromRecord(id, rec), true, nil
}

// LookupContQueryByMatrel implements types.CatalogStore.
func (s *CatalogStore) LookupContQueryByMatrel(ctx context.Context, matrel ident.Table) (*types.ContQuery, bool, error) {
	var id int32
	var metaJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT id, metadata FROM cq_cont_queries WHERE matrel = $1`, matrel.String()).Scan(&id, &metaJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "looking up continuous view by matrel")
	}
	var rec contQueryRecord
	if err := json.Unmarshal(metaJSON, &rec); err != nil {
		return nil, false, errors.Wrap(err, "decoding continuous view metadata")
	}
	return fromRecord(types.CVID(id), rec), true, nil
}

// ListContQueries returns every registered continuous view, used by
// the server at startup to spin up one worker per CV.
func (s *CatalogStore) ListContQueries(ctx context.Context) ([]*types.ContQuery, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, metadata FROM cq_cont_queries ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing continuous views")
	}
	defer rows.Close()

	var out []*types.ContQuery
	for rows.Next() {
		var id int32
		var metaJSON []byte
		if err := rows.Scan(&id, &metaJSON); err != nil {
			return nil, errors.Wrap(err, "scanning continuous view row")
		}
		var rec contQueryRecord
		if err := json.Unmarshal(metaJSON, &rec); err != nil {
			return nil, errors.Wrap(err, "decoding continuous view metadata")
		}
		out = append(out, fromRecord(types.CVID(id), rec))
	}
	return out, errors.Wrap(rows.Err(), "listing continuous views")
}

// columnRecord is the JSON-serializable projection of
// types.ColumnDef; ident.Ident has no exported fields to marshal
// directly.
type columnRecord struct {
	Name string
	Type string
}

// LookupStream implements types.CatalogStore.
func (s *CatalogStore) LookupStream(ctx context.Context, relation ident.Table) (*types.Stream, bool, error) {
	var colsJSON, readersJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT columns, readers FROM cq_streams WHERE relation = $1`,
		relation.String()).Scan(&colsJSON, &readersJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "looking up stream")
	}
	var recs []columnRecord
	if err := json.Unmarshal(colsJSON, &recs); err != nil {
		return nil, false, errors.Wrap(err, "decoding stream columns")
	}
	cols := make([]types.ColumnDef, len(recs))
	for i, r := range recs {
		cols[i] = types.ColumnDef{Name: ident.New(r.Name), Type: r.Type}
	}
	var readerIDs []types.CVID
	if err := json.Unmarshal(readersJSON, &readerIDs); err != nil {
		return nil, false, errors.Wrap(err, "decoding stream readers")
	}
	readers := make(map[types.CVID]struct{}, len(readerIDs))
	for _, id := range readerIDs {
		readers[id] = struct{}{}
	}
	return &types.Stream{Relation: relation, Columns: cols, Readers: readers}, true, nil
}

// UpsertStream implements types.CatalogStore: registers or replaces a
// stream's column layout and readers set.
func (s *CatalogStore) UpsertStream(ctx context.Context, stream *types.Stream) error {
	recs := make([]columnRecord, len(stream.Columns))
	for i, c := range stream.Columns {
		recs[i] = columnRecord{Name: c.Name.Raw(), Type: c.Type}
	}
	colsJSON, err := json.Marshal(recs)
	if err != nil {
		return errors.Wrap(err, "encoding stream columns")
	}
	readerIDs := make([]types.CVID, 0, len(stream.Readers))
	for id := range stream.Readers {
		readerIDs = append(readerIDs, id)
	}
	sort.Slice(readerIDs, func(i, j int) bool { return readerIDs[i] < readerIDs[j] })
	readersJSON, err := json.Marshal(readerIDs)
	if err != nil {
		return errors.Wrap(err, "encoding stream readers")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cq_streams (relation, columns, readers) VALUES ($1, $2, $3)
		ON CONFLICT (relation) DO UPDATE
			SET columns = EXCLUDED.columns, readers = EXCLUDED.readers
	`, stream.Relation.String(), colsJSON, readersJSON)
	return errors.Wrap(err, "upserting stream")
}

// InsertContQuery implements types.CatalogStore.
func (s *CatalogStore) InsertContQuery(ctx context.Context, cq *types.ContQuery) error {
	metaJSON, err := json.Marshal(toRecord(cq))
	if err != nil {
		return errors.Wrap(err, "encoding continuous view metadata")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cq_cont_queries (id, matrel, metadata) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET matrel = EXCLUDED.matrel, metadata = EXCLUDED.metadata
	`, int32(cq.ID), cq.Matrel.String(), metaJSON)
	return errors.Wrap(err, "inserting continuous view")
}

// DeleteContQuery implements types.CatalogStore.
func (s *CatalogStore) DeleteContQuery(ctx context.Context, id types.CVID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cq_cont_queries WHERE id = $1`, int32(id))
	return errors.Wrap(err, "deleting continuous view")
}
