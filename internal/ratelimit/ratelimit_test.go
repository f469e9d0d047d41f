package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitPacesRequestsAtInterval(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := New(Options{Interval: 100 * time.Millisecond, Clock: clock})
	ctx := context.Background()

	// First token is available immediately.
	require.NoError(t, l.Wait(ctx))
	require.Equal(t, time.Duration(0), clock.SleptTotal())

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	require.Equal(t, 500*time.Millisecond, clock.SleptTotal())
}

func TestWaitAllowsBurstThenThrottles(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := New(Options{Interval: time.Second, Burst: 3, Clock: clock})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	require.Equal(t, time.Duration(0), clock.SleptTotal())

	require.NoError(t, l.Wait(ctx))
	require.Equal(t, time.Second, clock.SleptTotal())
}

func TestWaitRefillsWhileIdle(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := New(Options{Interval: time.Second, Clock: clock})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	clock.Advance(3 * time.Second)
	require.NoError(t, l.Wait(ctx))
	require.Equal(t, time.Duration(0), clock.SleptTotal())
}

func TestWaitHonorsCancelledContext(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := New(Options{Interval: time.Second, Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Wait(ctx))
	cancel()
	require.ErrorIs(t, l.Wait(ctx), context.Canceled)
}
