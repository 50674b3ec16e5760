// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestLoopSchedule(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := NewLoop(zap.NewNop())
	l.EnsureStarted()
	l.EnsureStarted()

	h := Schedule(l, func(context.Context) (int, error) { return 42, nil })
	v, err := h.Wait(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, 42, v)

	boom := errors.New("boom")
	h = Schedule(l, func(context.Context) (int, error) { return 0, boom })
	_, err = h.Wait(testCtx(t))
	require.ErrorIs(t, err, boom)

	require.Zero(t, l.Pending())
	require.NoError(t, l.Shutdown())
}

func TestLoopShutdownCancelsPending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := NewLoop(zap.NewNop())
	l.EnsureStarted()

	started := make(chan struct{})
	h := Schedule(l, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	<-started
	require.Equal(t, 1, l.Pending())

	require.NoError(t, l.Shutdown())
	require.True(t, h.Cancelled())
	require.Zero(t, l.Pending())
	require.Zero(t, l.CancelPending())
}

func TestLoopScheduleWhenStopped(t *testing.T) {
	l := NewLoop(zap.NewNop())

	ran := false
	h := Schedule(l, func(context.Context) (int, error) {
		ran = true
		return 1, nil
	})
	require.True(t, h.Cancelled())
	require.False(t, ran)
	require.NoError(t, l.Shutdown())
}

func TestLoopRestart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := NewLoop(zap.NewNop())
	l.EnsureStarted()
	require.NoError(t, l.Shutdown())

	l.EnsureStarted()
	v, err := Schedule(l, func(context.Context) (string, error) { return "again", nil }).Wait(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, "again", v)
	require.NoError(t, l.Shutdown())
}

func TestLoopRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := NewLoop(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	v, err := Schedule(l, func(context.Context) (int, error) { return 7, nil }).Wait(testCtx(t))
	if err != nil {
		// Run may not have started the loop yet.
		require.ErrorIs(t, err, ErrHandleCancelled)
	} else {
		require.Equal(t, 7, v)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestLoopDiscardsLateResult(t *testing.T) {
	l := NewLoop(zap.NewNop())
	l.EnsureStarted()
	defer func() { require.NoError(t, l.Shutdown()) }()

	started := make(chan struct{})
	release := make(chan struct{})
	discarded := make(chan int, 1)
	h := NewHandle[int]()
	go scheduleInto(l, h, func(context.Context) (int, error) {
		close(started)
		<-release
		return 5, nil
	}, func(v int) { discarded <- v })

	<-started
	h.Cancel()
	close(release)
	require.Equal(t, 5, <-discarded)
}
