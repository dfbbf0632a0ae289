package sliding_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinedb/cq/internal/sliding"
	"github.com/pipelinedb/cq/internal/types"
)

type fakeExpirer struct {
	mu      sync.Mutex
	expired []uint64
}

func (f *fakeExpirer) Expire(_ context.Context, _ types.CVID, fp uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, fp)
	return nil
}

func TestWindowTracksAndExpiresOldestBucketsFirst(t *testing.T) {
	w := sliding.NewWindow(1, time.Millisecond)
	base := time.Now().Add(-time.Hour)
	w.Track(base, 1)
	w.Track(base.Add(10*time.Millisecond), 2)
	w.Track(base.Add(20*time.Millisecond), 3)

	expirer := &fakeExpirer{}
	engine := sliding.NewEngine(expirer)
	engine.SetInterval(time.Millisecond)
	engine.Register(1, w)

	engine.Run(timeoutCtx(t, 30*time.Millisecond))

	require.Equal(t, []uint64{1, 2, 3}, expirer.expired)
}

func TestUntrackRemovesBeforeExpiry(t *testing.T) {
	w := sliding.NewWindow(1, time.Millisecond)
	base := time.Now().Add(-time.Hour)
	w.Track(base, 1)
	w.Untrack(base, 1)

	expirer := &fakeExpirer{}
	engine := sliding.NewEngine(expirer)
	engine.SetInterval(time.Millisecond)
	engine.Register(1, w)
	engine.Run(timeoutCtx(t, 10*time.Millisecond))

	require.Empty(t, expirer.expired)
}

type fakeVacuumStats struct {
	mu   sync.Mutex
	rows map[types.CVID]int64
}

func (f *fakeVacuumStats) CommitVacuum(cv types.CVID, rows int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = map[types.CVID]int64{}
	}
	f.rows[cv] += rows
}

func TestVacuumReportsStatsForExpiredRows(t *testing.T) {
	w := sliding.NewWindow(1, time.Millisecond)
	base := time.Now().Add(-time.Hour)
	w.Track(base, 1)
	w.Track(base.Add(10*time.Millisecond), 2)

	stats := &fakeVacuumStats{}
	engine := sliding.NewEngine(&fakeExpirer{})
	engine.SetInterval(time.Millisecond)
	engine.SetStats(stats)
	engine.Register(1, w)

	engine.Run(timeoutCtx(t, 30*time.Millisecond))

	stats.mu.Lock()
	defer stats.mu.Unlock()
	require.Equal(t, int64(2), stats.rows[1])
}

func timeoutCtx(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
