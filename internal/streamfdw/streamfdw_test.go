package streamfdw_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinedb/cq/internal/adhoc"
	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/catalog"
	"github.com/pipelinedb/cq/internal/ring"
	"github.com/pipelinedb/cq/internal/streamfdw"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/ident"
	"github.com/pipelinedb/cq/internal/worker"
)

type fakeStore struct {
	streams map[ident.Table]*types.Stream
}

func (f *fakeStore) LookupContQuery(context.Context, types.CVID) (*types.ContQuery, bool, error) {
	return nil, false, nil
}

func (f *fakeStore) LookupContQueryByMatrel(context.Context, ident.Table) (*types.ContQuery, bool, error) {
	return nil, false, nil
}

func (f *fakeStore) LookupStream(_ context.Context, relation ident.Table) (*types.Stream, bool, error) {
	s, ok := f.streams[relation]
	return s, ok, nil
}

func (f *fakeStore) InsertContQuery(context.Context, *types.ContQuery) error { return nil }
func (f *fakeStore) DeleteContQuery(context.Context, types.CVID) error       { return nil }

func (f *fakeStore) UpsertStream(_ context.Context, s *types.Stream) error {
	f.streams[s.Relation] = s
	return nil
}

func testStream(readers ...types.CVID) *types.Stream {
	s := &types.Stream{
		Relation: ident.ParseTable("s"),
		Columns: []types.ColumnDef{
			{Name: ident.New("x"), Type: "int"},
			{Name: ident.New("label"), Type: "text"},
		},
		Readers: map[types.CVID]struct{}{},
	}
	for _, cv := range readers {
		s.Readers[cv] = struct{}{}
	}
	return s
}

func testFixture(t *testing.T, stream *types.Stream) (*streamfdw.FDW, *catalog.Cache, *streamfdw.Queues, *adhoc.Engine) {
	t.Helper()
	store := &fakeStore{streams: map[ident.Table]*types.Stream{stream.Relation: stream}}
	cache := catalog.New(store, nil)
	queues := streamfdw.NewQueues()
	engine := adhoc.NewEngine()
	return streamfdw.New(cache, queues, engine), cache, queues, engine
}

func TestPlanScanRejectsBareStreamRead(t *testing.T) {
	stream := testStream(1)
	fdw, cache, _, _ := testFixture(t, stream)

	// Warm the cache so IsStream sees the relation.
	_, ok, err := cache.LookupStream(context.Background(), stream.Relation)
	require.NoError(t, err)
	require.True(t, ok)

	err = fdw.PlanScan(stream.Relation, 0)
	require.ErrorContains(t, err, "streams can only be read from a continuous view's FROM clause")

	require.NoError(t, fdw.PlanScan(stream.Relation, streamfdw.FlagContinuousQuery))
	require.NoError(t, fdw.PlanScan(stream.Relation, streamfdw.FlagDefiningRelation))

	// Non-stream relations are not the FDW's concern.
	require.NoError(t, fdw.PlanScan(ident.ParseTable("plain_table"), 0))
}

func TestInsertRoutesToEveryReaderQueue(t *testing.T) {
	stream := testStream(1, 2)
	fdw, _, queues, _ := testFixture(t, stream)

	q1 := ring.NewQueue(1 << 16)
	q2 := ring.NewQueue(1 << 16)
	queues.Register(1, q1)
	queues.Register(2, q2)

	ctx := context.Background()
	n, err := fdw.Insert(ctx, stream.Relation, []map[string]any{
		{"x": 7, "label": "a"},
		{"x": "8", "label": "b"},
	}, false)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, q := range []*ring.Queue{q1, q2} {
		values, targets, err := worker.DecodeTuple(q.PeekNext())
		require.NoError(t, err)
		require.Equal(t, []types.CVID{1, 2}, targets)
		require.Equal(t, int64(7), values["x"])
		require.Equal(t, "a", values["label"])
		require.IsType(t, time.Time{}, values[streamfdw.ArrivalColumn])

		// The second row's "8" was coerced through the textual round
		// trip onto the declared int column.
		values, _, err = worker.DecodeTuple(q.PeekNext())
		require.NoError(t, err)
		require.Equal(t, int64(8), values["x"])
		q.PopSeen()
	}
}

func TestInsertCoercionFailureAbortsStatement(t *testing.T) {
	stream := testStream(1)
	fdw, _, queues, _ := testFixture(t, stream)
	queues.Register(1, ring.NewQueue(1<<16))

	_, err := fdw.Insert(context.Background(), stream.Relation, []map[string]any{
		{"x": "not-a-number"},
	}, false)
	require.ErrorContains(t, err, `column "x"`)
}

func TestInsertIntoNonStreamFails(t *testing.T) {
	fdw, _, _, _ := testFixture(t, testStream())
	_, err := fdw.Insert(context.Background(), ident.ParseTable("nope"), []map[string]any{{"x": 1}}, false)
	require.ErrorContains(t, err, "is not a stream")
}

func TestSynchronousInsertWaitsForDrain(t *testing.T) {
	stream := testStream(1)
	fdw, _, queues, _ := testFixture(t, stream)

	q := ring.NewQueue(1 << 16)
	queues.Register(1, q)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := fdw.Insert(ctx, stream.Relation, []map[string]any{{"x": 1}}, true)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("synchronous insert returned before the worker consumed the tuple")
	case <-time.After(20 * time.Millisecond):
	}

	require.NotNil(t, q.PeekNext())
	q.PopSeen()
	require.NoError(t, <-done)
}

func TestInsertReachesAdhocQueries(t *testing.T) {
	stream := testStream() // no persistent readers
	fdw, _, _, engine := testFixture(t, stream)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rq := &types.RewrittenQuery{
		GroupColumns: []string{"label"},
		Aggregates:   []types.AggregateRef{{TargetIndex: 1, Column: "cnt", Name: "count", Arg: "*"}},
	}
	q := engine.Start(ctx, 99, stream.Relation, rq, aggregate.NewRegistry(), 1<<16)
	defer q.Stop()

	n, err := fdw.Insert(ctx, stream.Relation, []map[string]any{{"x": 1, "label": "a"}}, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case row := <-q.Rows():
		require.Equal(t, "a", row.GroupValues[0])
		require.Equal(t, int64(1), row.States[0])
	case <-time.After(500 * time.Millisecond):
		t.Fatal("adhoc query never saw the inserted tuple")
	}
}
