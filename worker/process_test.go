package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/eventlog"
	eventloginmem "github.com/noetl/noetl/eventlog/inmem"
	"github.com/noetl/noetl/kv"
	kvinmem "github.com/noetl/noetl/kv/inmem"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/queue"
	queueinmem "github.com/noetl/noetl/queue/inmem"
	"github.com/noetl/noetl/resultref"
	"github.com/noetl/noetl/retry"
	"github.com/noetl/noetl/toolerr"
)

// lease enqueues the payload and leases it back so the command carries a live
// lease, the way process receives it from Run.
func lease(t *testing.T, q queue.Queue, cmd *queue.Command, p *queue.Payload) *queue.Command {
	t.Helper()
	raw, err := queue.EncodePayload(p)
	require.NoError(t, err)
	cmd.Payload = raw
	_, ok, err := q.Enqueue(context.Background(), cmd)
	require.NoError(t, err)
	require.True(t, ok)
	cmds, err := q.Lease(context.Background(), queue.DefaultPool, "w-test", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	return cmds[0]
}

func events(t *testing.T, log eventlog.Store, id int64) []*eventlog.Event {
	t.Helper()
	es, err := eventlog.Since(context.Background(), log, eventlog.ExecutionID(id), 0)
	require.NoError(t, err)
	return es
}

func requireDrained(t *testing.T, q queue.Queue) {
	t.Helper()
	cmds, err := q.Lease(context.Background(), queue.DefaultPool, "w-test", 10, time.Second)
	require.NoError(t, err)
	require.Empty(t, cmds, "command should be acked")
}

func TestProcessSuccess(t *testing.T) {
	q, log := queueinmem.New(), eventloginmem.New()
	reg := NewRegistry()
	reg.Register("http", ExecutorFunc(func(_ context.Context, inv *Invocation) (any, *toolerr.ToolError) {
		require.Equal(t, "https://api.test/weather?q=Berlin", inv.Params["url"])
		return map[string]any{"temp": 21.5, "city": "Berlin"}, nil
	}))
	w := New("w-test", q, log, reg)

	cmd := lease(t, q, &queue.Command{ExecutionID: 7, Step: "fetch", Tool: "http", Attempt: 1, Iter: -1}, &queue.Payload{
		Step:    "fetch",
		Tool:    &playbook.Tool{Kind: "http", With: map[string]any{"url": "https://api.test/weather?q={{ workload.city }}"}},
		Vars:    map[string]string{"temp": "response.temp"},
		Output:  &playbook.Output{Select: map[string]string{"city": "$.city"}},
		Context: map[string]any{"workload": map[string]any{"city": "Berlin"}},
	})
	w.process(context.Background(), cmd)

	es := events(t, log, 7)
	require.Len(t, es, 2)
	require.Equal(t, eventlog.CallStarted, es[0].Type)

	done := es[1]
	require.Equal(t, eventlog.CallDone, done.Type)
	require.Equal(t, "fetch", done.Step)
	require.Equal(t, 1, done.Attempt)
	require.Equal(t, "w-test", done.Meta["worker_id"])
	require.Equal(t, map[string]any{"temp": 21.5}, done.Data["vars"])
	require.Equal(t, map[string]any{"city": "Berlin"}, done.Data["extracted"])
	require.NotEmpty(t, done.Result, "small results travel inline")
	require.Nil(t, done.Ref)

	requireDrained(t, q)
}

func TestProcessFailure(t *testing.T) {
	q, log := queueinmem.New(), eventloginmem.New()
	reg := NewRegistry()
	reg.Register("http", ExecutorFunc(func(context.Context, *Invocation) (any, *toolerr.ToolError) {
		return nil, toolerr.FromHTTPStatus(503, "upstream down")
	}))
	w := New("w-test", q, log, reg)

	cmd := lease(t, q, &queue.Command{ExecutionID: 8, Step: "fetch", Tool: "http", Attempt: 1, Iter: -1}, &queue.Payload{
		Step: "fetch",
		Tool: &playbook.Tool{Kind: "http", With: map[string]any{"url": "https://api.test"}},
	})
	w.process(context.Background(), cmd)

	es := events(t, log, 8)
	require.Len(t, es, 2)
	failed := es[1]
	require.Equal(t, eventlog.CallFailed, failed.Type)
	require.NotNil(t, failed.Error)
	require.Equal(t, toolerr.KindServerError, failed.Error.Kind)
	require.True(t, failed.Error.Retryable)
	require.Equal(t, 503, failed.Error.HTTPStatus)

	requireDrained(t, q)
}

func TestProcessUnknownToolKind(t *testing.T) {
	q, log := queueinmem.New(), eventloginmem.New()
	w := New("w-test", q, log, NewRegistry())

	cmd := lease(t, q, &queue.Command{ExecutionID: 9, Step: "s", Tool: "duckdb", Attempt: 1, Iter: -1}, &queue.Payload{
		Step: "s",
		Tool: &playbook.Tool{Kind: "duckdb"},
	})
	w.process(context.Background(), cmd)

	es := events(t, log, 9)
	failed := es[len(es)-1]
	require.Equal(t, eventlog.CallFailed, failed.Type)
	require.Equal(t, toolerr.KindSchema, failed.Error.Kind)
	require.False(t, failed.Error.Retryable)
}

func TestProcessCancelledCommand(t *testing.T) {
	q, log := queueinmem.New(), eventloginmem.New()
	mirror := kv.NewMirror(kvinmem.New())
	require.NoError(t, mirror.RequestCancel(context.Background(), 11))

	called := false
	reg := NewRegistry()
	reg.Register("http", ExecutorFunc(func(context.Context, *Invocation) (any, *toolerr.ToolError) {
		called = true
		return nil, nil
	}))
	w := New("w-test", q, log, reg, WithMirror(mirror))

	cmd := lease(t, q, &queue.Command{ExecutionID: 11, Step: "s", Tool: "http", Attempt: 1, Iter: -1}, &queue.Payload{
		Step: "s",
		Tool: &playbook.Tool{Kind: "http"},
	})
	w.process(context.Background(), cmd)

	require.False(t, called, "cancelled commands never reach the executor")
	es := events(t, log, 11)
	require.Len(t, es, 1)
	require.Equal(t, eventlog.CommandCancelled, es[0].Type)
	requireDrained(t, q)
}

func TestProcessIterationCommand(t *testing.T) {
	q, log := queueinmem.New(), eventloginmem.New()
	reg := NewRegistry()
	reg.Register("http", ExecutorFunc(func(_ context.Context, inv *Invocation) (any, *toolerr.ToolError) {
		require.Equal(t, "Madrid", inv.Params["city"])
		return map[string]any{"ok": true}, nil
	}))
	w := New("w-test", q, log, reg)

	cmd := lease(t, q, &queue.Command{ExecutionID: 12, Step: "each", Tool: "http", Attempt: 1, Iter: 2}, &queue.Payload{
		Step:     "each",
		Tool:     &playbook.Tool{Kind: "http", With: map[string]any{"city": "{{ iterator.city }}"}},
		Iterator: &queue.IteratorBinding{Name: "city", Value: "Madrid", Index: 2},
	})
	w.process(context.Background(), cmd)

	es := events(t, log, 12)
	require.Len(t, es, 2)
	require.Equal(t, eventlog.IterationStarted, es[0].Type)
	require.Equal(t, eventlog.IterationCompleted, es[1].Type)
	require.Equal(t, 2, es[1].Iter)
}

func TestProcessExternalizesLargeResult(t *testing.T) {
	q, log := queueinmem.New(), eventloginmem.New()
	kvb := resultref.NewMemoryBackend()
	reg := NewRegistry()
	big := make([]any, 0, 200)
	for i := 0; i < 200; i++ {
		big = append(big, map[string]any{"row": i})
	}
	reg.Register("http", ExecutorFunc(func(context.Context, *Invocation) (any, *toolerr.ToolError) {
		return big, nil
	}))
	w := New("w-test", q, log, reg,
		WithTiers(resultref.Tiers{KV: kvb}),
		WithInlineMaxBytes(256),
	)

	cmd := lease(t, q, &queue.Command{ExecutionID: 13, Step: "dump", Tool: "http", Attempt: 1, Iter: -1}, &queue.Payload{
		Step:   "dump",
		Tool:   &playbook.Tool{Kind: "http"},
		Output: &playbook.Output{Scope: "execution"},
	})
	w.process(context.Background(), cmd)

	done := events(t, log, 13)[1]
	require.Equal(t, eventlog.CallDone, done.Type)
	require.Empty(t, done.Result)
	require.NotNil(t, done.Ref)
	require.Equal(t, resultref.ScopeExecution, done.Ref.Scope)

	raw, err := kvb.Get(context.Background(), done.Ref.URI)
	require.NoError(t, err)
	var got []any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got, 200)
}

func TestProcessForcedStoreKind(t *testing.T) {
	q, log := queueinmem.New(), eventloginmem.New()
	kvb := resultref.NewMemoryBackend()
	reg := NewRegistry()
	reg.Register("http", ExecutorFunc(func(context.Context, *Invocation) (any, *toolerr.ToolError) {
		return map[string]any{"tiny": true}, nil
	}))
	w := New("w-test", q, log, reg, WithTiers(resultref.Tiers{KV: kvb}))

	cmd := lease(t, q, &queue.Command{ExecutionID: 14, Step: "s", Tool: "http", Attempt: 1, Iter: -1}, &queue.Payload{
		Step:   "s",
		Tool:   &playbook.Tool{Kind: "http"},
		Output: &playbook.Output{Store: &playbook.Store{Kind: "kv"}},
	})
	w.process(context.Background(), cmd)

	done := events(t, log, 14)[1]
	require.NotNil(t, done.Ref, "explicit store kinds externalize regardless of size")
	require.Equal(t, resultref.TierKV, done.Ref.Store)
}

func TestProcessPagination(t *testing.T) {
	ctx := context.Background()
	q, log := queueinmem.New(), eventloginmem.New()
	kvb := resultref.NewMemoryBackend()

	pages := map[int]map[string]any{
		1: {"items": []any{1.0, 2.0}, "has_more": true, "next": 2.0},
		2: {"items": []any{3.0, 4.0}, "has_more": false},
	}
	reg := NewRegistry()
	reg.Register("http", ExecutorFunc(func(_ context.Context, inv *Invocation) (any, *toolerr.ToolError) {
		page := 1
		if p, ok := inv.Params["page"].(float64); ok {
			page = int(p)
		}
		return pages[page], nil
	}))
	w := New("w-test", q, log, reg, WithTiers(resultref.Tiers{KV: kvb}))

	policy := &retry.OnSuccessPolicy{
		ContinueWhile: "response.has_more",
		NextPage:      map[string]string{"page": "response.next"},
		MergeStrategy: retry.MergeExtend,
		MergePath:     "items",
	}

	cmd := lease(t, q, &queue.Command{ExecutionID: 15, Step: "list", Tool: "http", Attempt: 1, Iter: -1}, &queue.Payload{
		Step:       "list",
		Tool:       &playbook.Tool{Kind: "http", With: map[string]any{"url": "https://api.test/items"}},
		Pagination: &queue.PaginationState{Policy: policy},
	})
	w.process(ctx, cmd)

	done := events(t, log, 15)[1]
	require.Equal(t, eventlog.CallDone, done.Type)
	paging := done.Data["paging"].(map[string]any)
	require.Equal(t, true, paging["continue"])
	require.Equal(t, map[string]any{"page": 2.0}, paging["overrides"])
	require.NotNil(t, done.Ref)

	raw, err := kvb.Get(ctx, done.Ref.URI)
	require.NoError(t, err)
	var acc []any
	require.NoError(t, json.Unmarshal(raw, &acc))
	require.Equal(t, []any{1.0, 2.0}, acc)

	// The engine re-enqueues attempt two with the accumulator and overrides.
	cmd2 := lease(t, q, &queue.Command{ExecutionID: 15, Step: "list", Tool: "http", Attempt: 2, Iter: -1}, &queue.Payload{
		Step:       "list",
		Tool:       &playbook.Tool{Kind: "http", With: map[string]any{"url": "https://api.test/items"}},
		Overrides:  map[string]any{"page": 2.0},
		Vars:       map[string]string{"total": "{{ response | length }}"},
		Pagination: &queue.PaginationState{Policy: policy, Accumulator: done.Ref},
	})
	w.process(ctx, cmd2)

	es := events(t, log, 15)
	final := es[len(es)-1]
	require.Equal(t, eventlog.CallDone, final.Type)
	require.Equal(t, 2, final.Attempt)
	paging = final.Data["paging"].(map[string]any)
	require.Equal(t, false, paging["continue"])
	require.Equal(t, "condition", paging["stopped_by"])
	require.Equal(t, map[string]any{"total": 4.0}, final.Data["vars"], "vars evaluate against the accumulator on the last page")

	raw, err = kvb.Get(ctx, final.Ref.URI)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &acc))
	require.Equal(t, []any{1.0, 2.0, 3.0, 4.0}, acc)
}

func TestProcessPaginationStopsAtMaxIterations(t *testing.T) {
	ctx := context.Background()
	q, log := queueinmem.New(), eventloginmem.New()
	reg := NewRegistry()
	reg.Register("http", ExecutorFunc(func(context.Context, *Invocation) (any, *toolerr.ToolError) {
		return map[string]any{"items": []any{1.0}, "has_more": true}, nil
	}))
	w := New("w-test", q, log, reg, WithTiers(resultref.Tiers{KV: resultref.NewMemoryBackend()}))

	cmd := lease(t, q, &queue.Command{ExecutionID: 16, Step: "list", Tool: "http", Attempt: 3, Iter: -1}, &queue.Payload{
		Step: "list",
		Tool: &playbook.Tool{Kind: "http"},
		Pagination: &queue.PaginationState{Policy: &retry.OnSuccessPolicy{
			ContinueWhile: "response.has_more",
			MergeStrategy: retry.MergeExtend,
			MergePath:     "items",
			MaxIterations: 3,
		}},
	})
	w.process(ctx, cmd)

	done := events(t, log, 16)[1]
	paging := done.Data["paging"].(map[string]any)
	require.Equal(t, false, paging["continue"])
	require.Equal(t, "max_iterations", paging["stopped_by"])
}

func TestMergePageStrategies(t *testing.T) {
	extend := &retry.OnSuccessPolicy{MergeStrategy: retry.MergeExtend, MergePath: "items"}
	acc, terr := mergePage(nil, map[string]any{"items": []any{1.0}}, extend)
	require.Nil(t, terr)
	acc, terr = mergePage(acc, map[string]any{"items": []any{2.0, 3.0}}, extend)
	require.Nil(t, terr)
	require.Equal(t, []any{1.0, 2.0, 3.0}, acc)

	_, terr = mergePage(nil, map[string]any{"items": "not a list"}, extend)
	require.NotNil(t, terr)

	replace := &retry.OnSuccessPolicy{MergeStrategy: retry.MergeReplace}
	acc, terr = mergePage([]any{"old"}, "new", replace)
	require.Nil(t, terr)
	require.Equal(t, "new", acc)

	collect := &retry.OnSuccessPolicy{MergeStrategy: retry.MergeCollect, MergePath: "items"}
	page := map[string]any{"items": []any{1.0}, "cursor": "c1"}
	acc, terr = mergePage(nil, page, collect)
	require.Nil(t, terr)
	require.Equal(t, []any{page}, acc, "collect keeps whole pages")

	_, terr = mergePage(nil, map[string]any{}, &retry.OnSuccessPolicy{MergeStrategy: retry.MergeAppend, MergePath: "missing"})
	require.NotNil(t, terr)
}

func TestProcessBadPayload(t *testing.T) {
	q, log := queueinmem.New(), eventloginmem.New()
	w := New("w-test", q, log, NewRegistry())

	_, ok, err := q.Enqueue(context.Background(), &queue.Command{
		ExecutionID: 17, Step: "s", Attempt: 1, Iter: -1,
		Payload: json.RawMessage(`{broken`),
	})
	require.NoError(t, err)
	require.True(t, ok)
	cmds, err := q.Lease(context.Background(), queue.DefaultPool, "w-test", 1, 30*time.Second)
	require.NoError(t, err)
	w.process(context.Background(), cmds[0])

	es := events(t, log, 17)
	require.Len(t, es, 1)
	require.Equal(t, eventlog.CallFailed, es[0].Type)
	require.Equal(t, toolerr.KindSchema, es[0].Error.Kind)
}
