package notify_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinedb/cq/internal/util/notify"
)

func TestVarWakesWaiters(t *testing.T) {
	var v notify.Var[int]

	got, wake := v.Get()
	require.Equal(t, 0, got)

	done := make(chan int, 1)
	go func() {
		<-wake
		val, _ := v.Get()
		done <- val
	}()

	v.Set(42)

	select {
	case val := <-done:
		require.Equal(t, 42, val)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}
