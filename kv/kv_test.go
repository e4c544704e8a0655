package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/kv"
	"github.com/noetl/noetl/kv/inmem"
)

func TestCancelFlag(t *testing.T) {
	m := kv.NewMirror(inmem.New())
	ctx := context.Background()

	require.False(t, m.CancelRequested(42))
	require.NoError(t, m.RequestCancel(ctx, 42))
	require.True(t, m.CancelRequested(42))
	require.False(t, m.CancelRequested(43), "flags are per execution")

	require.NoError(t, m.ClearCancel(ctx, 42))
	require.False(t, m.CancelRequested(42))
}

func TestHeartbeat(t *testing.T) {
	m := kv.NewMirror(inmem.New())
	ctx := context.Background()

	_, ok := m.LastHeartbeat("w1")
	require.False(t, ok)

	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.Heartbeat(ctx, "w1", at))

	got, ok := m.LastHeartbeat("w1")
	require.True(t, ok)
	require.True(t, got.Equal(at))
}

func TestFaninCounter(t *testing.T) {
	m := kv.NewMirror(inmem.New())
	ctx := context.Background()

	require.Zero(t, m.FaninCount(1, "L1"))

	n, err := m.FaninIncr(ctx, 1, "L1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = m.FaninIncr(ctx, 1, "L1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, 2, m.FaninCount(1, "L1"))
	require.Zero(t, m.FaninCount(1, "L2"), "counters are per loop")
	require.Zero(t, m.FaninCount(2, "L1"), "counters are per execution")
}

func TestSweepRemovesExecutionKeys(t *testing.T) {
	m := kv.NewMirror(inmem.New())
	ctx := context.Background()

	require.NoError(t, m.RequestCancel(ctx, 1))
	_, err := m.FaninIncr(ctx, 1, "L1")
	require.NoError(t, err)
	require.NoError(t, m.RequestCancel(ctx, 2))
	require.NoError(t, m.Heartbeat(ctx, "w1", time.Now()))

	require.NoError(t, m.Sweep(ctx, 1))

	require.False(t, m.CancelRequested(1))
	require.Zero(t, m.FaninCount(1, "L1"))
	require.True(t, m.CancelRequested(2), "other executions untouched")
	_, ok := m.LastHeartbeat("w1")
	require.True(t, ok, "worker keys are not execution state")
}
