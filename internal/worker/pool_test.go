// ABOUTME: Tests for the bounded worker pool
// ABOUTME: Covers lifecycle errors, admission limits, stalled items, cancellation, and metrics

package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Lifecycle(t *testing.T) {
	p := NewPool(4, func(context.Context, int) error { return nil })

	assert.ErrorIs(t, p.Submit(1), ErrPoolNotStarted)
	assert.False(t, p.Running())

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)
	assert.True(t, p.Running())

	require.NoError(t, p.Stop(time.Second))
	assert.ErrorIs(t, p.Submit(1), ErrPoolStopped)
	assert.False(t, p.Running())

	// Stopping twice is harmless.
	require.NoError(t, p.Stop(time.Second))
}

func TestPool_ProcessesAllWork(t *testing.T) {
	var sum atomic.Int64
	p := NewPool(100, func(_ context.Context, n int) error {
		sum.Add(int64(n))
		if n%10 == 0 {
			return errors.New("divisible by ten")
		}
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	for i := 1; i <= 50; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.NoError(t, p.Stop(5*time.Second))

	assert.Equal(t, int64(50*51/2), sum.Load())
	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
	assert.Equal(t, int64(0), stats.InFlight)
}

func TestPool_RejectsAtLimit(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(2, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit(1))
	require.NoError(t, p.Submit(2))
	assert.ErrorIs(t, p.Submit(3), ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Dropped)

	close(release)
	require.NoError(t, p.Stop(time.Second))
}

func TestPool_SlotsFreedAfterWork(t *testing.T) {
	done := make(chan struct{}, 1)
	p := NewPool(1, func(context.Context, int) error {
		done <- struct{}{}
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit(1))
	<-done
	require.Eventually(t, func() bool {
		return p.Submit(2) == nil
	}, time.Second, 5*time.Millisecond)
	<-done
	require.NoError(t, p.Stop(time.Second))
}

func TestPool_StalledItemDoesNotDelayOthers(t *testing.T) {
	stall := make(chan struct{})
	defer close(stall)
	finished := make(chan int, 4)

	p := NewPool(4, func(_ context.Context, n int) error {
		if n < 0 {
			<-stall
		}
		finished <- n
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit(-1))
	require.NoError(t, p.Submit(-2))
	require.NoError(t, p.Submit(7))

	select {
	case n := <-finished:
		assert.Equal(t, 7, n)
	case <-time.After(2 * time.Second):
		t.Fatal("work item waited behind stalled items")
	}
}

func TestPool_CancelReachesInFlightWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var canceled atomic.Int64
	p := NewPool(8, func(ctx context.Context, _ int) error {
		<-ctx.Done()
		canceled.Add(1)
		return ctx.Err()
	})
	require.NoError(t, p.Start(ctx))

	for i := range 3 {
		require.NoError(t, p.Submit(i))
	}
	cancel()

	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, int64(3), canceled.Load())
	assert.Equal(t, int64(3), p.Stats().Failed)
	assert.False(t, p.Running())
}

func TestPool_SubmitAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(1, func(context.Context, int) error { return nil })
	require.NoError(t, p.Start(ctx))
	cancel()

	assert.ErrorIs(t, p.Submit(1), ErrPoolStopped)
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := NewPool(1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))

	assert.ErrorIs(t, p.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_StopCancelsStragglers(t *testing.T) {
	var sawCancel atomic.Bool
	p := NewPool(1, func(ctx context.Context, _ int) error {
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))

	assert.ErrorIs(t, p.Stop(20*time.Millisecond), ErrStopTimeout)
	assert.True(t, sawCancel.Load())
	assert.Equal(t, int64(1), p.Stats().Processed)
}

func TestPool_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPool(10, func(context.Context, int) error { return nil }, WithMetrics[int](reg, "test_pool"))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))
	require.NoError(t, p.Submit(2))
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, float64(2), testutil.ToFloat64(p.metrics.submitted))
	assert.Equal(t, float64(0), testutil.ToFloat64(p.metrics.inFlight))
	count, err := testutil.GatherAndCount(reg, "test_pool_processing_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewPool_NilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() { NewPool[int](1, nil) })
}
