package combiner_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipelinedb/cq/internal/aggregate"
	"github.com/pipelinedb/cq/internal/combiner"
	"github.com/pipelinedb/cq/internal/types"
)

type memStore struct {
	mu   sync.Mutex
	rows map[uint64]types.MatrelRow
}

func newMemStore() *memStore { return &memStore{rows: map[uint64]types.MatrelRow{}} }

func (m *memStore) Lookup(_ context.Context, _ types.CVID, fp uint64) (*types.MatrelRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[fp]
	if !ok {
		return nil, false, nil
	}
	cp := r
	return &cp, true, nil
}

func (m *memStore) Upsert(_ context.Context, _ types.CVID, row types.MatrelRow) (*types.MatrelRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.rows[row.Fingerprint]
	m.rows[row.Fingerprint] = row
	if !ok {
		return nil, nil
	}
	cp := prev
	return &cp, nil
}

func (m *memStore) Delete(_ context.Context, _ types.CVID, fp uint64) (*types.MatrelRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[fp]
	delete(m.rows, fp)
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memStore) Scan(_ context.Context, _ types.CVID, fn func(types.MatrelRow) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

type memOutput struct {
	mu     sync.Mutex
	deltas []types.Delta
}

func (o *memOutput) Append(_ context.Context, _ types.CVID, d types.Delta) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deltas = append(o.deltas, d)
	return nil
}

func TestReceiveInsertsNewGroup(t *testing.T) {
	store := newMemStore()
	out := &memOutput{}
	c := combiner.New(store, aggregate.NewRegistry(), out, 4)

	err := c.Receive(context.Background(), 1, []string{"count"}, types.PartialResult{
		GroupValues: []any{"a"}, States: []any{int64(1)}, Fingerprint: 42,
	})
	require.NoError(t, err)
	require.Len(t, out.deltas, 1)
	require.Nil(t, out.deltas[0].Old)
	require.Equal(t, int64(1), out.deltas[0].New.States[0])
}

func TestReceiveMergesExistingGroup(t *testing.T) {
	store := newMemStore()
	out := &memOutput{}
	c := combiner.New(store, aggregate.NewRegistry(), out, 4)
	ctx := context.Background()

	require.NoError(t, c.Receive(ctx, 1, []string{"count"}, types.PartialResult{
		GroupValues: []any{"a"}, States: []any{int64(3)}, Fingerprint: 42,
	}))
	require.NoError(t, c.Receive(ctx, 1, []string{"count"}, types.PartialResult{
		GroupValues: []any{"a"}, States: []any{int64(4)}, Fingerprint: 42,
	}))

	require.Len(t, out.deltas, 2)
	require.Equal(t, int64(3), out.deltas[1].Old.States[0])
	require.Equal(t, int64(7), out.deltas[1].New.States[0])
}

func TestReceiveBatchMergesConcurrentlyWithoutLoss(t *testing.T) {
	store := newMemStore()
	out := &memOutput{}
	c := combiner.New(store, aggregate.NewRegistry(), out, 4)

	var results []types.PartialResult
	for i := 0; i < 50; i++ {
		results = append(results, types.PartialResult{
			GroupValues: []any{"a"}, States: []any{int64(1)}, Fingerprint: 7,
		})
	}

	failures := c.ReceiveBatch(context.Background(), 1, []string{"count"}, results)
	require.Equal(t, 0, failures)

	row, found, err := store.Lookup(context.Background(), 1, 7)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(50), row.States[0])
}
