package worker

import (
	"context"

	"github.com/noetl/noetl/keychain"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/queue"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/toolerr"
)

// runPipeline executes the payload's pipe stages in order on this worker.
// Stage results bind to _prev (the previous stage) and _task.<name> (named
// stages). A failing stage consults the catch handler; finally always runs.
// The pipeline reports one outcome event regardless of stage count.
func (w *Worker) runPipeline(ctx context.Context, cmd *queue.Command, payload *queue.Payload, rctx map[string]any, cred *keychain.Credential) (any, *toolerr.ToolError) {
	local := make(map[string]any, len(rctx)+2)
	for k, v := range rctx {
		local[k] = v
	}
	tasks := map[string]any{}
	local["_task"] = tasks

	var prev any
	var failure *toolerr.ToolError
	for _, stage := range payload.Pipe {
		if w.mirror != nil && w.mirror.CancelRequested(cmd.ExecutionID) {
			failure = toolerr.New(toolerr.KindCancelled, "execution cancelled")
			break
		}
		local["_prev"] = prev
		result, terr := w.runStage(ctx, stage, local, cred)
		if terr != nil {
			handled, resumed, hres := w.runCatch(ctx, payload.Catch, terr, local, cred)
			if handled && resumed {
				prev = hres
				if stage.Name != "" {
					tasks[stage.Name] = prev
				}
				continue
			}
			failure = terr
			break
		}
		prev = result
		if stage.Name != "" {
			tasks[stage.Name] = result
		}
	}

	if fin := payload.Finally; fin != nil {
		local["_prev"] = prev
		if _, terr := w.runStage(ctx, fin, local, cred); terr != nil {
			w.logger.Warn(ctx, "finally stage failed", "step", payload.Step, "stage", fin.Name, "err", terr)
			if failure == nil {
				failure = terr
			}
		}
	}

	if failure != nil {
		return nil, failure
	}
	return prev, nil
}

// runStage renders one stage's parameters and invokes its tool. The engine
// inlines workbook task references before dispatch, so every stage carries
// its tool.
func (w *Worker) runStage(ctx context.Context, stage *playbook.PipeTask, local map[string]any, cred *keychain.Credential) (any, *toolerr.ToolError) {
	if stage.Tool == nil {
		return nil, toolerr.Errorf(toolerr.KindSchema, "pipeline stage %q has no tool", stage.Name)
	}
	with := make(map[string]any, len(stage.Tool.With)+len(stage.With))
	for k, v := range stage.Tool.With {
		with[k] = v
	}
	for k, v := range stage.With {
		with[k] = v
	}
	params, terr := renderParams(with, nil, local)
	if terr != nil {
		return nil, terr
	}
	return w.registry.Execute(ctx, &Invocation{Kind: stage.Tool.Kind, Params: params, Credential: cred})
}

// runCatch applies the catch handler to a stage failure. It reports whether
// the handler applied, whether the pipeline resumes, and the handler's result
// when it does.
func (w *Worker) runCatch(ctx context.Context, c *playbook.Catch, terr *toolerr.ToolError, local map[string]any, cred *keychain.Credential) (handled, resumed bool, result any) {
	if c == nil {
		return false, false, nil
	}
	hctx := make(map[string]any, len(local)+1)
	for k, v := range local {
		hctx[k] = v
	}
	hctx["_err"] = errView(terr)
	if c.Cond != "" {
		ok, err := template.Truthy(c.Cond, hctx)
		if err != nil {
			w.logger.Warn(ctx, "catch condition failed", "err", err)
			return false, false, nil
		}
		if !ok {
			return false, false, nil
		}
	}
	var prev any
	for _, stage := range c.Tasks {
		hctx["_prev"] = prev
		res, herr := w.runStage(ctx, stage, hctx, cred)
		if herr != nil {
			w.logger.Warn(ctx, "catch stage failed", "stage", stage.Name, "err", herr)
			return true, false, nil
		}
		prev = res
	}
	return true, c.Resume, prev
}

// errView is the template-visible shape of a stage failure bound to _err.
func errView(terr *toolerr.ToolError) map[string]any {
	return map[string]any{
		"kind":        string(terr.Kind),
		"message":     terr.Message,
		"retryable":   terr.Retryable,
		"code":        terr.Code,
		"status_code": terr.HTTPStatus,
	}
}
