package adhoc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinedb/cq/internal/adhoc"
	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/types"
	"github.com/pipelinedb/cq/internal/util/ident"
	"github.com/pipelinedb/cq/internal/util/stamp"
	"github.com/pipelinedb/cq/internal/worker"
)

func TestAdhocQueryStreamsRowsToClient(t *testing.T) {
	engine := adhoc.NewEngine()
	rq := &types.RewrittenQuery{
		GroupColumns: []string{"k"},
		Aggregates:   []types.AggregateRef{{TargetIndex: 1, Column: "cnt", Name: "count", Arg: "*"}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	q := engine.Start(ctx, 4242, ident.ParseTable("s"), rq, aggregate.NewRegistry(), 1<<16)
	defer q.Stop()

	data, err := worker.EncodeTuple(types.StreamTuple{
		Stream:  ident.ParseTable("s"),
		Arrived: stamp.New(time.Now(), 0),
		Values:  map[string]any{"k": "a"},
	})
	require.NoError(t, err)
	require.NoError(t, q.Push(context.Background(), data))

	select {
	case row, ok := <-q.Rows():
		require.True(t, ok)
		require.Equal(t, "a", row.GroupValues[0])
		require.Equal(t, int64(1), row.States[0])
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for adhoc result row")
	}

	require.Len(t, engine.List(), 1)
	require.Len(t, engine.ByBackendPID(4242), 1)
	require.Empty(t, engine.ByBackendPID(1))
	require.Len(t, engine.ByStream(ident.ParseTable("s")), 1)
	require.Empty(t, engine.ByStream(ident.ParseTable("other")))
}
