package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/queue"
	"github.com/noetl/noetl/resultref"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/toolerr"
)

// LoopID names a fan-out group. The ID keys the fan-in tracker in the
// projection and the fast-path counter in the coordination mirror.
func LoopID(executionID int64, step string) string {
	return fmt.Sprintf("%d:%s", executionID, step)
}

// startLoop expands a looping step: local modes enqueue iteration commands,
// the fan-out profile spawns child executions per shard.
func (d *decider) startLoop(pb *playbook.Playbook, s *eventlog.ExecutionState, step *playbook.Step, data map[string]any) ([]action, error) {
	col, err := d.collection(s, step, data)
	if err != nil {
		return nil, err
	}

	if step.Loop.Fanout != nil {
		return d.startFanout(s, step, col)
	}

	mode := step.Loop.Mode
	if mode == "" {
		mode = playbook.LoopSequential
	}
	units := loopUnits(step, col)
	n := len(units)

	actions := []action{emit{event: &eventlog.Event{
		ExecutionID: s.ExecutionID,
		Type:        eventlog.IteratorStarted,
		Step:        step.Step,
		Iter:        -1,
		Data: map[string]any{
			"collection_size": n,
			"mode":            string(mode),
			"iterator":        step.Loop.Iterator,
		},
	}}}

	if n == 0 {
		done, err := d.iteratorCompleted(s, step, nil)
		if err != nil {
			return nil, err
		}
		return append(actions, done), nil
	}

	initial := 1
	if mode == playbook.LoopAsync {
		limit := step.Loop.Concurrency
		if limit <= 0 {
			limit = d.asyncConcurrency
		}
		if limit < n {
			initial = limit
		} else {
			initial = n
		}
	}
	for i := 0; i < initial; i++ {
		cmd, err := d.iterationCommand(pb, s, step, units, i)
		if err != nil {
			return nil, err
		}
		actions = append(actions, enqueue{cmd: cmd})
	}
	return actions, nil
}

// onIterationCompleted advances a local loop or folds fan-out progress.
func (d *decider) onIterationCompleted(pb *playbook.Playbook, s *eventlog.ExecutionState, step *playbook.Step, e *eventlog.Event) ([]action, error) {
	ls := s.LoopState[step.Step]
	if ls == nil {
		return nil, nil
	}

	if ls.LoopID != "" {
		return d.onShardCompleted(s, step, ls, e)
	}

	if ls.CompletedCount >= ls.CollectionSize {
		done, err := d.iteratorCompleted(s, step, ls.Results)
		if err != nil {
			return nil, err
		}
		return []action{done}, nil
	}

	next := ls.CompletedCount
	if ls.Mode == string(playbook.LoopAsync) {
		limit := step.Loop.Concurrency
		if limit <= 0 {
			limit = d.asyncConcurrency
		}
		if limit > ls.CollectionSize {
			limit = ls.CollectionSize
		}
		next = limit + ls.CompletedCount - 1
		if next >= ls.CollectionSize {
			return nil, nil
		}
	}

	col, err := d.collection(s, step, nil)
	if err != nil {
		return nil, err
	}
	units := loopUnits(step, col)
	if next >= len(units) {
		return nil, nil
	}
	cmd, err := d.iterationCommand(pb, s, step, units, next)
	if err != nil {
		return nil, err
	}
	return []action{enqueue{cmd: cmd}}, nil
}

// onShardCompleted folds one shard's terminal state into the fan-in and, on
// completion, surfaces the manifest as the parent step's call.done.
func (d *decider) onShardCompleted(s *eventlog.ExecutionState, step *playbook.Step, ls *eventlog.LoopState, e *eventlog.Event) ([]action, error) {
	f := s.Fanin[ls.LoopID]
	if f == nil {
		return nil, nil
	}
	allowPartial := step.Loop.Fanout != nil && step.Loop.Fanout.AllowPartial

	// Fail-fast: the first failed shard aborts the loop.
	if !allowPartial && f.Failed > 0 {
		terr := e.Error
		if terr == nil {
			terr = toolerr.Errorf(toolerr.KindServerError, "shard %s failed", e.Shard)
		}
		return []action{emit{event: &eventlog.Event{
			ExecutionID: s.ExecutionID,
			Type:        eventlog.IteratorFailed,
			Step:        step.Step,
			Iter:        e.Iter,
			Error:       terr,
		}}}, nil
	}

	if f.Succeeded+f.Failed < f.TotalExpected {
		return nil, nil
	}

	refs := make(map[string]string, len(f.ShardRefs))
	for shard, ref := range f.ShardRefs {
		if ref != nil {
			refs[shard] = ref.URI
		}
	}
	manifest := map[string]any{
		"status":    f.FaninStatus(),
		"succeeded": f.Succeeded,
		"failed":    f.Failed,
		"shards":    f.ShardStatus,
		"refs":      refs,
	}
	raw, err := rawJSON(manifest)
	if err != nil {
		return nil, err
	}
	return []action{emit{event: &eventlog.Event{
		ExecutionID: s.ExecutionID,
		Type:        eventlog.CallDone,
		Step:        step.Step,
		Attempt:     1,
		Iter:        -1,
		Result:      raw,
		Data: map[string]any{
			"fanin": map[string]any{
				"status":    f.FaninStatus(),
				"succeeded": f.Succeeded,
				"failed":    f.Failed,
			},
		},
	}}}, nil
}

// iteratorCompleted assembles the loop's final result event. Results order
// follows input indices. Chunked results flatten into one list.
func (d *decider) iteratorCompleted(s *eventlog.ExecutionState, step *playbook.Step, results []json.RawMessage) (action, error) {
	var raw json.RawMessage
	if step.Loop.Mode == playbook.LoopChunked {
		flat := make([]any, 0, len(results))
		for _, chunk := range results {
			if len(chunk) == 0 {
				continue
			}
			var vals []any
			if err := json.Unmarshal(chunk, &vals); err != nil {
				return nil, fmt.Errorf("step %q: chunk result is not a list: %w", step.Step, err)
			}
			flat = append(flat, vals...)
		}
		var err error
		raw, err = rawJSON(flat)
		if err != nil {
			return nil, err
		}
	} else {
		raw = joinRaw(results)
	}

	ev := &eventlog.Event{
		ExecutionID: s.ExecutionID,
		Type:        eventlog.IteratorCompleted,
		Step:        step.Step,
		Iter:        -1,
		Result:      raw,
	}
	if len(step.Vars) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			ctx := template.Context(s, map[string]any{"response": decoded})
			vars := make(map[string]any, len(step.Vars))
			for name, expr := range step.Vars {
				v, err := template.Eval(expr, ctx)
				if err != nil {
					return nil, fmt.Errorf("step %q: extract var %q: %w", step.Step, name, err)
				}
				vars[name] = v
			}
			ev.Data = map[string]any{"vars": vars}
		}
	}
	return emit{event: ev, externalize: resultref.ScopeExecution}, nil
}

// startFanout splits the collection into shards and spawns one child
// execution per shard.
func (d *decider) startFanout(s *eventlog.ExecutionState, step *playbook.Step, col []any) ([]action, error) {
	shards := splitShards(col, step.Loop.Fanout.Shards)
	loopID := LoopID(int64(s.ExecutionID), step.Step)
	allowPartial := step.Loop.Fanout.AllowPartial

	actions := []action{emit{event: &eventlog.Event{
		ExecutionID: s.ExecutionID,
		Type:        eventlog.IteratorStarted,
		Step:        step.Step,
		Iter:        -1,
		Data: map[string]any{
			"collection_size": len(shards),
			"mode":            "fanout",
			"iterator":        step.Loop.Iterator,
			"loop_id":         loopID,
		},
	}}}
	for i, elements := range shards {
		actions = append(actions, spawnShard{
			step:     step,
			loopID:   loopID,
			shard:    fmt.Sprintf("s%d", i),
			iter:     i,
			elements: elements,
			partial:  allowPartial,
		})
	}
	if len(shards) == 0 {
		done, err := d.iteratorCompleted(s, step, nil)
		if err != nil {
			return nil, err
		}
		actions = append(actions, done)
	}
	return actions, nil
}

// iterationCommand builds the command for one loop unit.
func (d *decider) iterationCommand(pb *playbook.Playbook, s *eventlog.ExecutionState, step *playbook.Step, units []any, index int) (*queue.Command, error) {
	return d.buildCommand(pb, s, step, commandSpec{
		attempt: 1,
		iter:    index,
		iterator: &queue.IteratorBinding{
			Name:  step.Loop.Iterator,
			Value: units[index],
			Index: index,
		},
	})
}

// iteratorBinding rebuilds the binding for a retried iteration.
func (d *decider) iteratorBinding(s *eventlog.ExecutionState, step *playbook.Step, index int) (*queue.IteratorBinding, error) {
	col, err := d.collection(s, step, nil)
	if err != nil {
		return nil, err
	}
	units := loopUnits(step, col)
	if index < 0 || index >= len(units) {
		return nil, fmt.Errorf("step %q: iteration %d out of range", step.Step, index)
	}
	return &queue.IteratorBinding{Name: step.Loop.Iterator, Value: units[index], Index: index}, nil
}

// collection evaluates the loop's input into a slice.
func (d *decider) collection(s *eventlog.ExecutionState, step *playbook.Step, data map[string]any) ([]any, error) {
	ctx := template.Context(s, data)
	switch in := step.Loop.In.(type) {
	case string:
		v, err := template.Eval(in, ctx)
		if err != nil {
			return nil, fmt.Errorf("step %q: evaluate loop collection: %w", step.Step, err)
		}
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("step %q: loop collection is not a list", step.Step)
		}
		return list, nil
	case []any:
		rendered, err := template.RenderValue(in, ctx)
		if err != nil {
			return nil, fmt.Errorf("step %q: render loop collection: %w", step.Step, err)
		}
		return rendered.([]any), nil
	default:
		return nil, fmt.Errorf("step %q: loop collection must be a list or expression", step.Step)
	}
}

// loopUnits groups the collection into per-command units: single elements, or
// chunks for chunked mode.
func loopUnits(step *playbook.Step, col []any) []any {
	if step.Loop.Mode != playbook.LoopChunked {
		return col
	}
	size := step.Loop.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	var chunks []any
	for start := 0; start < len(col); start += size {
		end := start + size
		if end > len(col) {
			end = len(col)
		}
		chunks = append(chunks, col[start:end])
	}
	return chunks
}

// splitShards divides the collection into k near-equal shards, or one
// element per shard when k is zero.
func splitShards(col []any, k int) [][]any {
	if len(col) == 0 {
		return nil
	}
	if k <= 0 || k >= len(col) {
		shards := make([][]any, len(col))
		for i, v := range col {
			shards[i] = []any{v}
		}
		return shards
	}
	shards := make([][]any, 0, k)
	base := len(col) / k
	extra := len(col) % k
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		shards = append(shards, col[start:start+size])
		start += size
	}
	return shards
}

// joinRaw assembles raw messages into a JSON array, mapping missing entries
// to null.
func joinRaw(items []json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if len(item) == 0 {
			buf.WriteString("null")
		} else {
			buf.Write(item)
		}
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
