package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedExecutor_LaneOrdering(t *testing.T) {
	e := NewOrderedExecutor(4, 16)

	const keys, perKey = 20, 200
	var mu sync.Mutex
	seen := make(map[string][]int)

	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		key := fmt.Sprintf("acct-%d", k)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perKey; i++ {
				assert.NoError(t, e.Execute(key, func() {
					mu.Lock()
					seen[key] = append(seen[key], i)
					mu.Unlock()
				}))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, e.Stop(context.Background()))

	require.Len(t, seen, keys)
	for key, got := range seen {
		require.Len(t, got, perKey, key)
		for i, v := range got {
			require.Equal(t, i, v, "tasks of %s ran out of order", key)
		}
	}
}

func TestOrderedExecutor_LaneOf(t *testing.T) {
	e := NewOrderedExecutor(0, 0)
	defer e.Stop(context.Background())

	assert.Equal(t, DefaultLanes, e.Lanes())
	assert.Equal(t, -1, e.LaneOf(""))
	lane := e.LaneOf("acct-1")
	assert.GreaterOrEqual(t, lane, 0)
	assert.Less(t, lane, DefaultLanes)
	assert.Equal(t, lane, e.LaneOf("acct-1"), "lane must be stable for a key")
}

func TestOrderedExecutor_PanicIsolated(t *testing.T) {
	e := NewOrderedExecutor(1, 8)

	var ran atomic.Int32
	require.NoError(t, e.Execute("k", func() { panic("boom") }))
	require.NoError(t, e.Execute("k", func() { ran.Add(1) }))

	err := e.Call(context.Background(), "k", func() error { panic("again") })
	assert.Error(t, err)

	err = e.Call(context.Background(), "k", func() error { ran.Add(1); return nil })
	assert.NoError(t, err)

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, int32(2), ran.Load(), "lane keeps running after panics")
}

func TestOrderedExecutor_CallReturnsTaskError(t *testing.T) {
	e := NewOrderedExecutor(2, 8)
	defer e.Stop(context.Background())

	want := errors.New("insufficient")
	assert.ErrorIs(t, e.Call(context.Background(), "acct", func() error { return want }), want)
}

func TestOrderedExecutor_EmptyKeyRuns(t *testing.T) {
	e := NewOrderedExecutor(3, 8)

	var n atomic.Int32
	for i := 0; i < 30; i++ {
		require.NoError(t, e.Execute("", func() { n.Add(1) }))
	}
	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, int32(30), n.Load())
}

func TestOrderedExecutor_StopDrainsAndRejects(t *testing.T) {
	e := NewOrderedExecutor(2, 64)

	var n atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Execute("k", func() {
			time.Sleep(100 * time.Microsecond)
			n.Add(1)
		}))
	}
	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, int32(50), n.Load(), "queued tasks drain before stop returns")

	assert.ErrorIs(t, e.Execute("k", func() {}), ErrExecutorStopped)
	assert.ErrorIs(t, e.Call(context.Background(), "k", func() error { return nil }), ErrExecutorStopped)
	assert.NoError(t, e.Stop(context.Background()), "stop is idempotent")
}

func TestOrderedExecutor_CallGivesUpOnBusyLane(t *testing.T) {
	e := NewOrderedExecutor(1, 8)
	defer e.Stop(context.Background())

	release := make(chan struct{})
	require.NoError(t, e.Execute("k", func() { <-release }))

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Call(ctx, "k", func() error { ran.Store(true); return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, e.Call(context.Background(), "k", func() error { return nil }))
	assert.False(t, ran.Load(), "an abandoned task never runs")

	canceled, stop := context.WithCancel(context.Background())
	stop()
	assert.ErrorIs(t, e.Call(canceled, "k", func() error { return nil }), context.Canceled)
}

func TestOrderedExecutor_StartedCallOutlivesContext(t *testing.T) {
	e := NewOrderedExecutor(1, 8)
	defer e.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	want := errors.New("booked")
	err := e.Call(ctx, "k", func() error {
		close(started)
		cancel()
		time.Sleep(5 * time.Millisecond)
		return want
	})
	<-started
	assert.ErrorIs(t, err, want, "a running task reports its own result")
}

func TestOrderedExecutor_StopBoundedWait(t *testing.T) {
	e := NewOrderedExecutor(1, 4)
	release := make(chan struct{})
	require.NoError(t, e.Execute("k", func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, e.Stop(ctx))
	close(release)
}
