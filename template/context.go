package template

import (
	"encoding/json"

	"github.com/noetl/noetl/eventlog"
)

// Context builds the render context for an execution state. Bindings:
//
//	workload      the execution's workload
//	vars          extracted variables (also spread at the top level)
//	<step name>   the step's lightweight result: inline value merged with
//	              extracted fields; full payloads never enter the context
//	execution_id  the execution identifier
//
// extras layer event-local bindings on top (iterator.<name>, response,
// _prev, _task, _err, _attempt, event, fanin, transition data) and win on
// key conflicts.
func Context(state *eventlog.ExecutionState, extras map[string]any) map[string]any {
	ctx := make(map[string]any)
	for k, v := range state.Workload {
		ctx[k] = v
	}
	for k, v := range state.Variables {
		ctx[k] = v
	}
	ctx["workload"] = state.Workload
	ctx["vars"] = state.Variables
	ctx["execution_id"] = int64(state.ExecutionID)
	for step, res := range state.StepResults {
		ctx[step] = stepBinding(res)
	}
	for k, v := range extras {
		ctx[k] = v
	}
	return ctx
}

// stepBinding merges a step's inline result with its extracted fields. When
// the inline value is an object the extractions overlay it; otherwise the
// extractions win and the scalar is reachable as "value".
func stepBinding(res eventlog.StepResult) any {
	var inline any
	if len(res.Value) > 0 {
		_ = json.Unmarshal(res.Value, &inline)
	}
	if len(res.Extracted) == 0 {
		return inline
	}
	merged, ok := inline.(map[string]any)
	if !ok {
		merged = make(map[string]any, len(res.Extracted)+1)
		if inline != nil {
			merged["value"] = inline
		}
	} else {
		cp := make(map[string]any, len(merged)+len(res.Extracted))
		for k, v := range merged {
			cp[k] = v
		}
		merged = cp
	}
	for k, v := range res.Extracted {
		merged[k] = v
	}
	return merged
}
