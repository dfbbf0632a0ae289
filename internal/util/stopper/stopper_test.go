package stopper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinedb/cq/internal/util/stopper"
)

func TestStopDrainsGoroutines(t *testing.T) {
	ctx := stopper.WithContext(context.Background())

	started := make(chan struct{})
	released := make(chan struct{})
	ctx.Go(func() error {
		close(started)
		<-ctx.Stopping()
		close(released)
		return nil
	})

	<-started
	require.NoError(t, ctx.Stop(time.Second))
	select {
	case <-released:
	default:
		t.Fatal("goroutine was not released before Stop returned")
	}
}

func TestStopPropagatesFirstError(t *testing.T) {
	ctx := stopper.WithContext(context.Background())

	ctx.Go(func() error { return errBoom })
	ctx.Go(func() error { <-ctx.Stopping(); return nil })

	require.ErrorIs(t, ctx.Stop(time.Second), errBoom)
}

var errBoom = errStr("boom")

type errStr string

func (e errStr) Error() string { return string(e) }
