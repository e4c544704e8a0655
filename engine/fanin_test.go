package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/eventlog"
	eventloginmem "github.com/noetl/noetl/eventlog/inmem"
	"github.com/noetl/noetl/kv"
	kvinmem "github.com/noetl/noetl/kv/inmem"
	queueinmem "github.com/noetl/noetl/queue/inmem"
	"github.com/noetl/noetl/toolerr"
)

func TestReportShardBumpsFaninCounter(t *testing.T) {
	log := eventloginmem.New()
	mirror := kv.NewMirror(kvinmem.New())
	e := New(log, queueinmem.New(), mirror, NewMapCatalog())
	defer e.Close()

	ctx := context.Background()
	loopID := LoopID(7, "work")

	done := eventlog.NewState(8)
	done.Apply(&eventlog.Event{ID: 1, ExecutionID: 8, Type: eventlog.ExecutionStarted, Iter: -1})
	done.Apply(&eventlog.Event{ID: 2, ExecutionID: 8, Type: eventlog.CallDone, Step: "work", Attempt: 1, Iter: -1, Result: []byte(`[{"ok":true}]`)})
	done.Apply(&eventlog.Event{ID: 3, ExecutionID: 8, Type: eventlog.ExecutionCompleted, Iter: -1})
	e.reportShard(ctx, &execution{id: 8, parent: 7, parentStep: "work", loopID: loopID, shard: "s0", iter: 0}, done)
	require.Equal(t, 1, mirror.FaninCount(7, loopID))

	failed := eventlog.NewState(9)
	failed.Apply(&eventlog.Event{ID: 1, ExecutionID: 9, Type: eventlog.ExecutionStarted, Iter: -1})
	failed.Apply(&eventlog.Event{ID: 2, ExecutionID: 9, Type: eventlog.ExecutionFailed, Step: "work", Iter: -1,
		Error: toolerr.New(toolerr.KindServerError, "shard exploded")})
	e.reportShard(ctx, &execution{id: 9, parent: 7, parentStep: "work", loopID: loopID, shard: "s1", iter: 1}, failed)
	require.Equal(t, 2, mirror.FaninCount(7, loopID))

	es, err := eventlog.Since(ctx, log, 7, 0)
	require.NoError(t, err)
	require.Len(t, es, 2)
	require.Equal(t, eventlog.IterationCompleted, es[0].Type)
	require.Equal(t, "succeeded", es[0].Data["shard_status"])
	require.Equal(t, "failed", es[1].Data["shard_status"])
	require.Equal(t, "s1", es[1].Shard)
}
