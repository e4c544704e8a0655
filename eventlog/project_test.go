package eventlog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/toolerr"
)

func TestProjectLifecycle(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []*Event{
		{ID: 1, ExecutionID: 7, Type: ExecutionStarted, Iter: -1, Timestamp: started,
			Data: map[string]any{"workload": map[string]any{"city": "Berlin"}}},
		{ID: 2, ExecutionID: 7, Type: StepEnter, Step: "fetch", Iter: -1},
		{ID: 3, ExecutionID: 7, Type: CallStarted, Step: "fetch", Attempt: 1, Iter: -1},
		{ID: 4, ExecutionID: 7, Type: CallDone, Step: "fetch", Attempt: 1, Iter: -1,
			Result: json.RawMessage(`{"temp":21}`),
			Data:   map[string]any{"vars": map[string]any{"temp": 21.0}}},
		{ID: 5, ExecutionID: 7, Type: StepExit, Step: "fetch", Iter: -1},
		{ID: 6, ExecutionID: 7, Type: ExecutionCompleted, Iter: -1, Timestamp: started.Add(time.Second)},
	}
	s := Project(7, events)

	require.Equal(t, StatusCompleted, s.Status)
	require.Equal(t, "Berlin", s.Workload["city"])
	require.Equal(t, 21.0, s.Variables["temp"])
	require.Equal(t, 1, s.MaxAttempt["fetch"])
	require.JSONEq(t, `{"temp":21}`, string(s.StepResults["fetch"].Value))
	require.Equal(t, int64(6), s.LastEventID)
	require.Equal(t, time.Second, s.EndedAt.Sub(s.StartedAt))
}

func TestProjectDuplicateTerminalIgnored(t *testing.T) {
	events := []*Event{
		{ID: 1, ExecutionID: 1, Type: ExecutionStarted, Iter: -1},
		{ID: 2, ExecutionID: 1, Type: CallDone, Step: "a", Attempt: 1, Iter: -1, Result: json.RawMessage(`1`)},
		{ID: 3, ExecutionID: 1, Type: CallDone, Step: "a", Attempt: 1, Iter: -1, Result: json.RawMessage(`2`)},
		{ID: 4, ExecutionID: 1, Type: CallFailed, Step: "a", Attempt: 1, Iter: -1,
			Error: toolerr.New(toolerr.KindServerError, "late duplicate")},
	}
	s := Project(1, events)

	require.JSONEq(t, `1`, string(s.StepResults["a"].Value), "first terminal wins")
	require.Nil(t, s.LastError)
	require.Equal(t, 2, s.DuplicateTerminals)
}

func TestProjectIterationTerminalsKeyedPerIndex(t *testing.T) {
	events := []*Event{
		{ID: 1, ExecutionID: 1, Type: ExecutionStarted, Iter: -1},
		{ID: 2, ExecutionID: 1, Type: IteratorStarted, Step: "scan", Iter: -1,
			Data: map[string]any{"collection_size": 2, "mode": "async", "iterator": "item"}},
		{ID: 3, ExecutionID: 1, Type: IterationCompleted, Step: "scan", Attempt: 1, Iter: 1, Result: json.RawMessage(`"b"`)},
		{ID: 4, ExecutionID: 1, Type: IterationCompleted, Step: "scan", Attempt: 1, Iter: 0, Result: json.RawMessage(`"a"`)},
	}
	s := Project(1, events)

	ls := s.LoopState["scan"]
	require.NotNil(t, ls)
	require.Equal(t, 2, ls.CompletedCount)
	require.JSONEq(t, `"a"`, string(ls.Results[0]), "results keyed by input index")
	require.JSONEq(t, `"b"`, string(ls.Results[1]))
	require.Zero(t, s.DuplicateTerminals, "parallel iterations of one attempt do not collide")
}

func TestProjectRetryBookkeeping(t *testing.T) {
	events := []*Event{
		{ID: 1, ExecutionID: 1, Type: ExecutionStarted, Iter: -1},
		{ID: 2, ExecutionID: 1, Type: CallFailed, Step: "flaky", Attempt: 1, Iter: -1,
			Error: toolerr.FromHTTPStatus(503, "GET /x")},
		{ID: 3, ExecutionID: 1, Type: RetryScheduled, Step: "flaky", Attempt: 1, Iter: -1,
			Data: map[string]any{"delay_ms": 1000}},
		{ID: 4, ExecutionID: 1, Type: CallDone, Step: "flaky", Attempt: 2, Iter: -1, Result: json.RawMessage(`"ok"`)},
	}
	s := Project(1, events)

	require.Equal(t, 1, s.RetryCount["flaky"])
	require.Equal(t, time.Second, s.ActiveRetries["flaky#1"])
	require.JSONEq(t, `"ok"`, string(s.StepResults["flaky"].Value))
}

func TestFaninStatus(t *testing.T) {
	f := &FaninState{TotalExpected: 3, ShardStatus: map[string]string{}}
	require.Equal(t, "pending", f.FaninStatus())
	f.Succeeded = 2
	require.Equal(t, "pending", f.FaninStatus())
	f.Failed = 1
	require.Equal(t, "partial", f.FaninStatus())
	f.Failed, f.Succeeded = 0, 3
	require.Equal(t, "complete", f.FaninStatus())
}

func TestProjectFanin(t *testing.T) {
	events := []*Event{
		{ID: 1, ExecutionID: 1, Type: ExecutionStarted, Iter: -1},
		{ID: 2, ExecutionID: 1, Type: IteratorStarted, Step: "shards", Iter: -1,
			Data: map[string]any{"collection_size": 2, "mode": "fanout", "iterator": "chunk", "loop_id": "L1"}},
		{ID: 3, ExecutionID: 1, Type: IterationCompleted, Step: "shards", Attempt: 1, Iter: 0, Shard: "s0",
			Data: map[string]any{"shard_status": "succeeded"}},
		{ID: 4, ExecutionID: 1, Type: IterationCompleted, Step: "shards", Attempt: 1, Iter: 1, Shard: "s1",
			Data: map[string]any{"shard_status": "failed"}},
	}
	s := Project(1, events)

	f := s.Fanin["L1"]
	require.NotNil(t, f)
	require.Equal(t, 1, f.Succeeded)
	require.Equal(t, 1, f.Failed)
	require.Equal(t, "partial", f.FaninStatus())
}

// genEvent produces events over a small step alphabet so terminal collisions
// actually occur.
func genEvent() gopter.Gen {
	types := gen.OneConstOf(
		CallStarted, CallDone, CallFailed, StepEnter, StepExit, RetryScheduled, VariableSet,
	)
	return gopter.CombineGens(
		types,
		gen.OneConstOf("a", "b", "c"),
		gen.IntRange(1, 3),
		gen.IntRange(-1, 2),
	).Map(func(vals []any) *Event {
		return &Event{
			ExecutionID: 1,
			Type:        vals[0].(EventType),
			Step:        vals[1].(string),
			Attempt:     vals[2].(int),
			Iter:        vals[3].(int),
		}
	})
}

func TestProjectionDeterministic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("equal prefixes project to equal states", prop.ForAll(
		func(events []*Event) bool {
			for i, e := range events {
				e.ID = int64(i + 1)
			}
			a := Project(1, events)
			b := Project(1, events)
			aj, err := json.Marshal(a)
			if err != nil {
				return false
			}
			bj, err := json.Marshal(b)
			if err != nil {
				return false
			}
			return string(aj) == string(bj)
		},
		gen.SliceOf(genEvent()),
	))

	properties.Property("at most one terminal folds per attempt key", prop.ForAll(
		func(events []*Event) bool {
			for i, e := range events {
				e.ID = int64(i + 1)
			}
			terminals := map[string]int{}
			for _, e := range events {
				if e.Type.Terminal() {
					terminals[TerminalKey(e)]++
				}
			}
			s := Project(1, events)
			dups := 0
			for _, n := range terminals {
				if n > 1 {
					dups += n - 1
				}
			}
			return s.DuplicateTerminals == dups
		},
		gen.SliceOf(genEvent()),
	))

	properties.TestingRun(t)
}
