package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRepeat_fires_on_each_tick(t *testing.T) {
	clk := clock.NewMock()
	var calls atomic.Int32

	tk := Repeat(context.Background(), clk, time.Second, func(context.Context) {
		calls.Add(1)
	})
	defer tk.Stop()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRepeat_stop_halts_callbacks(t *testing.T) {
	clk := clock.NewMock()
	var calls atomic.Int32

	tk := Repeat(context.Background(), clk, time.Second, func(context.Context) {
		calls.Add(1)
	})
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return calls.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	tk.Stop()
	tk.Stop()
	before := calls.Load()
	for i := 0; i < 5; i++ {
		clk.Add(time.Second)
	}
	assert.Equal(t, before, calls.Load())

	select {
	case <-tk.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestRepeat_parent_cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tk := Repeat(ctx, clock.NewMock(), time.Second, func(context.Context) {})
	cancel()

	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not exit after parent cancel")
	}
}

func TestSleep(t *testing.T) {
	clk := clock.NewMock()
	errc := make(chan error, 1)
	go func() { errc <- Sleep(context.Background(), clk, 2*time.Second) }()

	var err error
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		select {
		case err = <-errc:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, err)
}

func TestSleep_cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, clock.NewMock(), time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
