package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/eventlog"
)

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id, err := s.Append(ctx, &eventlog.Event{ExecutionID: 1, Type: eventlog.StepEnter, Step: "a", Iter: -1})
		require.NoError(t, err)
		require.Equal(t, int64(i), id)
	}

	id, err := s.Append(ctx, &eventlog.Event{ExecutionID: 2, Type: eventlog.StepEnter, Step: "a", Iter: -1})
	require.NoError(t, err)
	require.Equal(t, int64(1), id, "IDs are per execution")
}

func TestAppendEnforcesSingleTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Append(ctx, &eventlog.Event{ExecutionID: 1, Type: eventlog.CallDone, Step: "a", Attempt: 1, Iter: -1})
	require.NoError(t, err)

	_, err = s.Append(ctx, &eventlog.Event{ExecutionID: 1, Type: eventlog.CallFailed, Step: "a", Attempt: 1, Iter: -1})
	require.ErrorIs(t, err, eventlog.ErrConflict)

	// A different attempt, iteration index or shard is a different key.
	_, err = s.Append(ctx, &eventlog.Event{ExecutionID: 1, Type: eventlog.CallDone, Step: "a", Attempt: 2, Iter: -1})
	require.NoError(t, err)
	_, err = s.Append(ctx, &eventlog.Event{ExecutionID: 1, Type: eventlog.CallDone, Step: "a", Attempt: 1, Iter: 0})
	require.NoError(t, err)
	_, err = s.Append(ctx, &eventlog.Event{ExecutionID: 1, Type: eventlog.CallDone, Step: "a", Attempt: 1, Iter: -1, Shard: "s0"})
	require.NoError(t, err)
}

func TestAppendFlagsOutOfOrderTimestamps(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Append(ctx, &eventlog.Event{ExecutionID: 1, Type: eventlog.StepEnter, Step: "a", Iter: -1, Timestamp: now})
	require.NoError(t, err)

	late := &eventlog.Event{ExecutionID: 1, Type: eventlog.StepExit, Step: "a", Iter: -1, Timestamp: now.Add(-3 * time.Second)}
	_, err = s.Append(ctx, late)
	require.NoError(t, err, "skewed events still append")
	require.True(t, late.OutOfOrder)

	within := &eventlog.Event{ExecutionID: 1, Type: eventlog.StepEnter, Step: "b", Iter: -1, Timestamp: now.Add(-time.Second)}
	_, err = s.Append(ctx, within)
	require.NoError(t, err)
	require.False(t, within.OutOfOrder, "skew within tolerance is not flagged")
}

func TestListPagination(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, &eventlog.Event{ExecutionID: 1, Type: eventlog.StepEnter, Step: "a", Iter: -1})
		require.NoError(t, err)
	}

	page, err := s.List(ctx, 1, 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.Equal(t, int64(2), page.NextCursor)

	page, err = s.List(ctx, 1, page.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	require.Zero(t, page.NextCursor)

	all, err := eventlog.Since(ctx, s, 1, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, e := range all {
		require.Equal(t, int64(i+1), e.ID)
	}
}

func TestWatchDeliversNewEvents(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, 1)
	require.NoError(t, err)

	_, err = s.Append(ctx, &eventlog.Event{ExecutionID: 1, Type: eventlog.StepEnter, Step: "a", Iter: -1})
	require.NoError(t, err)

	select {
	case e := <-ch:
		require.Equal(t, eventlog.StepEnter, e.Type)
		require.Equal(t, int64(1), e.ID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "channel closes when ctx is done")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestWatchSlowConsumerDroppedThenCancelled(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, 1)
	require.NoError(t, err)

	// Overflow the watch buffer without consuming so the watcher is dropped.
	for i := 0; i < watchBuffer+3; i++ {
		_, err := s.Append(ctx, &eventlog.Event{ExecutionID: 1, Type: eventlog.StepEnter, Step: "a", Iter: -1})
		require.NoError(t, err)
	}

	received := 0
	for range ch {
		received++
	}
	require.Equal(t, watchBuffer, received, "dropped watcher keeps what was buffered")

	// Cancelling after the drop must not close the channel a second time.
	cancel()

	// The store stays usable: a fresh watcher sees new events and closes
	// cleanly on its own cancellation.
	ctx2, cancel2 := context.WithCancel(context.Background())
	ch2, err := s.Watch(ctx2, 1)
	require.NoError(t, err)
	_, err = s.Append(ctx2, &eventlog.Event{ExecutionID: 1, Type: eventlog.StepExit, Step: "a", Iter: -1})
	require.NoError(t, err)
	select {
	case e := <-ch2:
		require.Equal(t, eventlog.StepExit, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered after slow watcher drop")
	}
	cancel2()
	select {
	case _, ok := <-ch2:
		require.False(t, ok, "channel closes when ctx is done")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestAppendCopiesEvents(t *testing.T) {
	s := New()
	ctx := context.Background()

	e := &eventlog.Event{ExecutionID: 1, Type: eventlog.StepEnter, Step: "a", Iter: -1}
	_, err := s.Append(ctx, e)
	require.NoError(t, err)
	e.Step = "mutated"

	page, err := s.List(ctx, 1, 0, 1)
	require.NoError(t, err)
	require.Equal(t, "a", page.Events[0].Step, "store isolated from caller mutation")
}
