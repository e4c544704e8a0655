package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/toolerr"
)

type (
	// Submitter is the slice of the engine's control surface the sub-playbook
	// executor needs.
	Submitter interface {
		Submit(ctx context.Context, ref string, payload map[string]any) (int64, error)
	}

	// PlaybookExecutor runs "playbook" tool calls: it submits the referenced
	// playbook as a child execution and awaits its terminal state through the
	// event log. Parameters:
	//
	//	path     playbook reference in the catalog (required)
	//	payload  workload overrides for the child execution
	PlaybookExecutor struct {
		submitter Submitter
		log       eventlog.Store
	}
)

// NewPlaybookExecutor returns the sub-playbook executor.
func NewPlaybookExecutor(submitter Submitter, log eventlog.Store) *PlaybookExecutor {
	return &PlaybookExecutor{submitter: submitter, log: log}
}

// Execute implements Executor.
func (p *PlaybookExecutor) Execute(ctx context.Context, inv *Invocation) (any, *toolerr.ToolError) {
	ref, _ := inv.Params["path"].(string)
	if ref == "" {
		return nil, toolerr.New(toolerr.KindSchema, "playbook tool requires a path")
	}
	payload, _ := inv.Params["payload"].(map[string]any)

	id, err := p.submitter.Submit(ctx, ref, payload)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindServerError, fmt.Sprintf("submit %q", ref), err)
	}

	state, terr := p.await(ctx, eventlog.ExecutionID(id))
	if terr != nil {
		return nil, terr
	}

	result := map[string]any{
		"execution_id": id,
		"status":       string(state.Status),
	}
	switch state.Status {
	case eventlog.StatusCompleted:
		if out := finalResult(state); out != nil {
			result["result"] = out
		}
		return result, nil
	case eventlog.StatusCancelled:
		return nil, toolerr.Errorf(toolerr.KindCancelled, "child execution %d cancelled", id)
	default:
		terr := state.LastError
		if terr == nil {
			terr = toolerr.Errorf(toolerr.KindServerError, "child execution %d failed", id)
		}
		return nil, terr
	}
}

// await follows the child's event stream until a terminal status projects.
func (p *PlaybookExecutor) await(ctx context.Context, id eventlog.ExecutionID) (*eventlog.ExecutionState, *toolerr.ToolError) {
	ch, err := p.log.Watch(ctx, id)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindServerError, "watch child execution", err)
	}
	events, err := eventlog.Since(ctx, p.log, id, 0)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindServerError, "read child events", err)
	}
	state := eventlog.Project(id, events)
	for !state.Status.Terminal() {
		select {
		case <-ctx.Done():
			return nil, toolerr.Wrap(toolerr.KindCancelled, "await child execution", ctx.Err())
		case ev, ok := <-ch:
			if !ok {
				return nil, toolerr.New(toolerr.KindServerError, "child event stream closed")
			}
			if ev.ID <= state.LastEventID {
				continue
			}
			state.Apply(ev)
		}
	}
	return state, nil
}

// finalResult surfaces the child's step results as a map of lightweight
// views keyed by step name.
func finalResult(state *eventlog.ExecutionState) any {
	if len(state.StepResults) == 0 {
		return nil
	}
	out := make(map[string]any, len(state.StepResults))
	for step, res := range state.StepResults {
		switch {
		case len(res.Value) > 0:
			var v any
			if err := json.Unmarshal(res.Value, &v); err == nil {
				out[step] = v
			}
		case res.Ref != nil:
			out[step] = map[string]any{"ref": res.Ref.URI}
		}
	}
	return out
}
