package inmem

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/queue"
)

func cmd(exec int64, step string, attempt int) *queue.Command {
	return &queue.Command{
		ExecutionID: exec,
		Step:        step,
		Tool:        "http",
		Attempt:     attempt,
		Iter:        -1,
		Payload:     json.RawMessage(`{}`),
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := New()
	ctx := context.Background()

	first, ok, err := q.Enqueue(ctx, cmd(1, "a", 1))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, first)

	dup := cmd(1, "a", 1)
	id, ok, err := q.Enqueue(ctx, dup)
	require.NoError(t, err)
	require.False(t, ok, "same coordinates dedupe")
	require.Equal(t, first, id, "dedupe surfaces the existing queue ID")
	require.Equal(t, first, dup.ID)

	id, ok, err = q.Enqueue(ctx, cmd(1, "a", 2))
	require.NoError(t, err)
	require.True(t, ok, "new attempt is new work")
	require.NotEqual(t, first, id)
}

func TestLeaseAckLifecycle(t *testing.T) {
	q := New()
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, cmd(1, "a", 1))
	require.NoError(t, err)

	cmds, err := q.Lease(ctx, "", "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.NotEmpty(t, cmds[0].LeaseID)

	// Leased commands are invisible to other workers.
	again, err := q.Lease(ctx, "", "w2", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, q.Ack(ctx, cmds[0].ID, cmds[0].LeaseID))
	require.ErrorIs(t, q.Ack(ctx, cmds[0].ID, cmds[0].LeaseID), queue.ErrNotFound)
}

func TestLeaseExpiryReclaims(t *testing.T) {
	now := time.Now()
	q := NewWithClock(func() time.Time { return now })
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, cmd(1, "a", 1))
	require.NoError(t, err)

	first, err := q.Lease(ctx, "", "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	now = now.Add(2 * time.Minute)

	second, err := q.Lease(ctx, "", "w2", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1, "expired lease becomes leasable")
	require.NotEqual(t, first[0].LeaseID, second[0].LeaseID)

	require.ErrorIs(t, q.Ack(ctx, first[0].ID, first[0].LeaseID), queue.ErrLeaseExpired)
	require.NoError(t, q.Ack(ctx, second[0].ID, second[0].LeaseID))
}

func TestExtendPushesDeadline(t *testing.T) {
	now := time.Now()
	q := NewWithClock(func() time.Time { return now })
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, cmd(1, "a", 1))
	require.NoError(t, err)
	cmds, err := q.Lease(ctx, "", "w1", 1, time.Minute)
	require.NoError(t, err)

	now = now.Add(45 * time.Second)
	require.NoError(t, q.Extend(ctx, cmds[0].ID, cmds[0].LeaseID, time.Minute))

	now = now.Add(45 * time.Second)
	require.NoError(t, q.Ack(ctx, cmds[0].ID, cmds[0].LeaseID), "lease still held after extension")
}

func TestNackDelaysRedelivery(t *testing.T) {
	now := time.Now()
	q := NewWithClock(func() time.Time { return now })
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, cmd(1, "a", 1))
	require.NoError(t, err)
	cmds, err := q.Lease(ctx, "", "w1", 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, cmds[0].ID, cmds[0].LeaseID, 30*time.Second))

	none, err := q.Lease(ctx, "", "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Empty(t, none, "command hidden until the delay elapses")

	now = now.Add(31 * time.Second)
	ready, err := q.Lease(ctx, "", "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestAvailableAtSchedulesDelivery(t *testing.T) {
	now := time.Now()
	q := NewWithClock(func() time.Time { return now })
	ctx := context.Background()

	delayed := cmd(1, "retry", 2)
	delayed.AvailableAt = now.Add(time.Minute)
	_, _, err := q.Enqueue(ctx, delayed)
	require.NoError(t, err)

	none, err := q.Lease(ctx, "", "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Empty(t, none)

	now = now.Add(time.Minute)
	ready, err := q.Lease(ctx, "", "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestPoolsAreIsolated(t *testing.T) {
	q := New()
	ctx := context.Background()

	gpu := cmd(1, "train", 1)
	gpu.Pool = "gpu"
	_, _, err := q.Enqueue(ctx, gpu)
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, cmd(1, "fetch", 1))
	require.NoError(t, err)

	cmds, err := q.Lease(ctx, "gpu", "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, "train", cmds[0].Step)

	cmds, err = q.Lease(ctx, "", "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, "fetch", cmds[0].Step)
}

func TestCancelForSparesLeased(t *testing.T) {
	q := New()
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, cmd(1, "a", 1))
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, cmd(1, "b", 1))
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, cmd(2, "other", 1))
	require.NoError(t, err)

	leased, err := q.Lease(ctx, "", "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	removed, err := q.CancelFor(ctx, 1)
	require.NoError(t, err)
	require.Len(t, removed, 1, "only the pending command is removed")

	require.NoError(t, q.Ack(ctx, leased[0].ID, leased[0].LeaseID), "leased command finishes normally")

	other, err := q.Lease(ctx, "", "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, other, 1)
	require.Equal(t, int64(2), other[0].ExecutionID)
}
