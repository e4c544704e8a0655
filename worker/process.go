package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/keychain"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/queue"
	"github.com/noetl/noetl/resultref"
	"github.com/noetl/noetl/retry"
	"github.com/noetl/noetl/telemetry"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/toolerr"
)

// nackDelay is how long a command is hidden when the worker cannot record its
// outcome and has to hand it back.
const nackDelay = 5 * time.Second

// process runs one leased command end to end: cancellation check, credential
// resolution, template rendering, tool invocation, result handling and the
// terminal event.
func (w *Worker) process(ctx context.Context, cmd *queue.Command) {
	payload, err := queue.DecodePayload(cmd.Payload)
	if err != nil {
		w.finishFailed(ctx, cmd, toolerr.Wrap(toolerr.KindSchema, "decode command payload", err), 0)
		return
	}

	if w.mirror != nil && w.mirror.CancelRequested(cmd.ExecutionID) {
		w.emit(ctx, &eventlog.Event{
			ExecutionID: eventlog.ExecutionID(cmd.ExecutionID),
			Type:        eventlog.CommandCancelled,
			Step:        cmd.Step,
			Attempt:     cmd.Attempt,
			Iter:        cmd.Iter,
			Shard:       cmd.Shard,
			Data:        map[string]any{"command_id": cmd.ID},
			Meta:        map[string]string{"worker_id": w.id},
		})
		w.ack(ctx, cmd)
		return
	}

	// Keep the lease alive while the tool runs.
	extendCtx, stopExtend := context.WithCancel(ctx)
	defer stopExtend()
	go w.extendLease(extendCtx, cmd)

	w.emitStart(ctx, cmd)

	started := w.now()
	result, terr := w.execute(ctx, cmd, payload)
	elapsed := w.now().Sub(started)
	if terr != nil {
		w.finishFailed(ctx, cmd, terr, elapsed)
		return
	}
	if p := payload.Pagination; p != nil && p.Policy != nil && cmd.Iter < 0 {
		w.finishPaged(ctx, cmd, payload, result, elapsed)
		return
	}
	w.finishDone(ctx, cmd, payload, result, elapsed)
}

// execute resolves the credential, renders parameters and invokes the tool or
// pipeline.
func (w *Worker) execute(ctx context.Context, cmd *queue.Command, payload *queue.Payload) (any, *toolerr.ToolError) {
	var cred *keychain.Credential
	if payload.Auth != "" {
		if w.resolver == nil {
			return nil, toolerr.Errorf(toolerr.KindAuth, "step %q requires credential %q but no keychain is configured", payload.Step, payload.Auth)
		}
		c, err := w.resolver.Resolve(ctx, payload.Auth)
		if err != nil {
			return nil, toolerr.Wrap(toolerr.KindAuth, fmt.Sprintf("resolve credential %q", payload.Auth), err)
		}
		cred = c
	}

	rctx := w.renderContext(cmd, payload, cred)
	if len(payload.Pipe) > 0 {
		return w.runPipeline(ctx, cmd, payload, rctx, cred)
	}
	if payload.Tool == nil {
		return nil, toolerr.Errorf(toolerr.KindSchema, "step %q has no tool", payload.Step)
	}
	params, terr := renderParams(payload.Tool.With, payload.Overrides, rctx)
	if terr != nil {
		return nil, terr
	}
	return w.registry.Execute(ctx, &Invocation{Kind: payload.Tool.Kind, Params: params, Credential: cred})
}

// renderContext assembles the template context for this command: the engine's
// snapshot plus command-local bindings.
func (w *Worker) renderContext(cmd *queue.Command, payload *queue.Payload, cred *keychain.Credential) map[string]any {
	rctx := make(map[string]any, len(payload.Context)+4)
	for k, v := range payload.Context {
		rctx[k] = v
	}
	rctx["_attempt"] = cmd.Attempt
	if it := payload.Iterator; it != nil {
		rctx["iterator"] = map[string]any{it.Name: it.Value, "_index": it.Index}
	}
	if cred != nil {
		rctx["keychain"] = map[string]any{cred.Name: cred.Data}
	}
	return rctx
}

// renderParams renders the tool parameters and applies engine-computed
// overrides on top.
func renderParams(with, overrides map[string]any, rctx map[string]any) (map[string]any, *toolerr.ToolError) {
	rendered, err := template.RenderValue(with, rctx)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindSchema, "render tool parameters", err)
	}
	params, _ := rendered.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	for k, v := range overrides {
		params[k] = v
	}
	return params, nil
}

// finishDone records the successful outcome and acks the command.
func (w *Worker) finishDone(ctx context.Context, cmd *queue.Command, payload *queue.Payload, result any, elapsed time.Duration) {
	e, terr := w.outcomeEvent(ctx, cmd, payload, result, elapsed)
	if terr != nil {
		w.finishFailed(ctx, cmd, terr, elapsed)
		return
	}
	if !w.emitTerminal(ctx, cmd, e) {
		return
	}
	w.ack(ctx, cmd)
}

// outcomeEvent builds the call.done (or iteration_completed) event: inline or
// externalized result, declared extractions and rendered vars.
func (w *Worker) outcomeEvent(ctx context.Context, cmd *queue.Command, payload *queue.Payload, result any, elapsed time.Duration) (*eventlog.Event, *toolerr.ToolError) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindParse, "encode tool result", err)
	}

	rctx := w.renderContext(cmd, payload, nil)
	rctx["response"] = result

	extracted, terr := extract(payload.Output, result, rctx)
	if terr != nil {
		return nil, terr
	}
	vars, terr := renderVars(payload.Vars, rctx)
	if terr != nil {
		return nil, terr
	}

	typ := eventlog.CallDone
	if cmd.Iter >= 0 {
		typ = eventlog.IterationCompleted
	}
	e := &eventlog.Event{
		ExecutionID: eventlog.ExecutionID(cmd.ExecutionID),
		ParentID:    cmd.ParentEventID,
		Type:        typ,
		Step:        cmd.Step,
		NodeType:    cmd.Tool,
		Attempt:     cmd.Attempt,
		Iter:        cmd.Iter,
		Shard:       cmd.Shard,
		Duration:    elapsed,
		Meta:        map[string]string{"worker_id": w.id},
	}
	data := map[string]any{}
	if len(vars) > 0 {
		data["vars"] = vars
	}
	if len(extracted) > 0 {
		data["extracted"] = extracted
	}

	threshold := w.inlineMax
	if payload.Output != nil && payload.Output.InlineMaxBytes > 0 {
		threshold = payload.Output.InlineMaxBytes
	}
	if len(raw) > threshold || forcedStore(payload.Output) != "" {
		ref, terr := w.externalize(ctx, cmd, payload.Output, raw, extracted)
		if terr != nil {
			return nil, terr
		}
		e.Ref = ref
	} else {
		e.Result = raw
	}
	if len(data) > 0 {
		e.Data = data
	}
	return e, nil
}

// finishFailed records the failure and acks; retry scheduling is the engine's
// call, not the worker's.
func (w *Worker) finishFailed(ctx context.Context, cmd *queue.Command, terr *toolerr.ToolError, elapsed time.Duration) {
	e := &eventlog.Event{
		ExecutionID: eventlog.ExecutionID(cmd.ExecutionID),
		ParentID:    cmd.ParentEventID,
		Type:        eventlog.CallFailed,
		Step:        cmd.Step,
		NodeType:    cmd.Tool,
		Attempt:     cmd.Attempt,
		Iter:        cmd.Iter,
		Shard:       cmd.Shard,
		Duration:    elapsed,
		Error:       terr,
		Meta:        map[string]string{"worker_id": w.id},
	}
	if !w.emitTerminal(ctx, cmd, e) {
		return
	}
	w.ack(ctx, cmd)
}

// externalize uploads the result and tracks the ref for collection. An
// explicit store kind pins the tier; otherwise size and scope select it.
func (w *Worker) externalize(ctx context.Context, cmd *queue.Command, out *playbook.Output, raw []byte, extracted map[string]any) (*resultref.Ref, *toolerr.ToolError) {
	opts := resultref.ExternalizeOptions{Scope: scopeOf(out), Extracted: extracted}
	if out != nil && out.TTL > 0 {
		opts.TTL = out.TTL.Std()
	}
	key := fmt.Sprintf("%d/%s/result", cmd.ExecutionID, cmd.Step)
	if cmd.Iter >= 0 {
		key = fmt.Sprintf("%d/%s/i%d/result", cmd.ExecutionID, cmd.Step, cmd.Iter)
	}

	var (
		ref *resultref.Ref
		err error
	)
	if tier := forcedStore(out); tier != "" {
		ref, err = resultref.ExternalizeTo(ctx, w.tiers.Lookup(tier), tier, key, raw, opts)
	} else {
		ref, err = resultref.Externalize(ctx, w.tiers, key, raw, opts)
	}
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindServerError, "externalize result", err)
	}
	if w.janitor != nil {
		w.janitor.Track(cmd.ExecutionID, ref)
	}
	return ref, nil
}

// forcedStore maps an explicit store kind to its tier. Empty means auto.
func forcedStore(out *playbook.Output) resultref.Tier {
	if out == nil || out.Store == nil {
		return ""
	}
	switch out.Store.Kind {
	case "memory":
		return resultref.TierMemory
	case "kv":
		return resultref.TierKV
	case "object":
		return resultref.TierObject
	case "s3", "gcs", "cloud":
		return resultref.TierCloud
	}
	return ""
}

func scopeOf(out *playbook.Output) resultref.Scope {
	if out == nil || out.Scope == "" {
		return resultref.ScopeStep
	}
	return resultref.Scope(out.Scope)
}

// extract applies the output's select declarations: dotted paths over the
// result, or template expressions when the path contains one.
func extract(out *playbook.Output, result any, rctx map[string]any) (map[string]any, *toolerr.ToolError) {
	if out == nil || len(out.Select) == 0 {
		return nil, nil
	}
	extracted := make(map[string]any, len(out.Select))
	for name, path := range out.Select {
		if strings.Contains(path, "{{") {
			v, err := template.Eval(path, rctx)
			if err != nil {
				return nil, toolerr.Wrap(toolerr.KindSchema, fmt.Sprintf("extract %q", name), err)
			}
			extracted[name] = v
			continue
		}
		if v, ok := template.Select(result, strings.TrimPrefix(path, "$.")); ok {
			extracted[name] = v
		}
	}
	return extracted, nil
}

// renderVars evaluates the declared variable extractions against the
// response.
func renderVars(vars map[string]string, rctx map[string]any) (map[string]any, *toolerr.ToolError) {
	if len(vars) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(vars))
	for name, expr := range vars {
		v, err := template.Eval(expr, rctx)
		if err != nil {
			return nil, toolerr.Wrap(toolerr.KindSchema, fmt.Sprintf("evaluate var %q", name), err)
		}
		out[name] = v
	}
	return out, nil
}

// finishPaged merges the page into the accumulator, evaluates the
// continuation and emits call.done carrying the paging verdict. The engine
// turns a continue verdict into the next attempt's command.
func (w *Worker) finishPaged(ctx context.Context, cmd *queue.Command, payload *queue.Payload, result any, elapsed time.Duration) {
	policy := payload.Pagination.Policy

	acc, terr := w.loadAccumulator(ctx, payload.Pagination.Accumulator)
	if terr != nil {
		w.finishFailed(ctx, cmd, terr, elapsed)
		return
	}
	acc, terr = mergePage(acc, result, policy)
	if terr != nil {
		w.finishFailed(ctx, cmd, terr, elapsed)
		return
	}
	raw, err := json.Marshal(acc)
	if err != nil {
		w.finishFailed(ctx, cmd, toolerr.Wrap(toolerr.KindParse, "encode pagination accumulator", err), elapsed)
		return
	}

	rctx := w.renderContext(cmd, payload, nil)
	rctx["response"] = result
	rctx["page"] = cmd.Attempt

	cont := false
	stoppedBy := ""
	if policy.Exhausted(cmd.Attempt) {
		stoppedBy = "max_iterations"
	} else {
		ok, err := template.Truthy(policy.ContinueWhile, rctx)
		if err != nil {
			w.finishFailed(ctx, cmd, toolerr.Wrap(toolerr.KindSchema, "evaluate continue_while", err), elapsed)
			return
		}
		cont = ok
		if !cont {
			stoppedBy = "condition"
		}
	}

	var overrides map[string]any
	if cont && len(policy.NextPage) > 0 {
		overrides = make(map[string]any, len(policy.NextPage))
		for k, expr := range policy.NextPage {
			v, err := template.Eval(expr, rctx)
			if err != nil {
				w.finishFailed(ctx, cmd, toolerr.Wrap(toolerr.KindSchema, fmt.Sprintf("evaluate next_page %q", k), err), elapsed)
				return
			}
			overrides[k] = v
		}
	}

	// Extractions and vars apply to the accumulated result, on the last page.
	var extracted, vars map[string]any
	if !cont {
		final := w.renderContext(cmd, payload, nil)
		final["response"] = acc
		extracted, terr = extract(payload.Output, acc, final)
		if terr != nil {
			w.finishFailed(ctx, cmd, terr, elapsed)
			return
		}
		vars, terr = renderVars(payload.Vars, final)
		if terr != nil {
			w.finishFailed(ctx, cmd, terr, elapsed)
			return
		}
	}

	// The accumulator always externalizes so pages never bloat the log.
	scope := resultref.ScopeExecution
	if payload.Output != nil && payload.Output.Scope != "" {
		scope = resultref.Scope(payload.Output.Scope)
	}
	key := fmt.Sprintf("%d/%s/pages", cmd.ExecutionID, cmd.Step)
	ref, err := resultref.Externalize(ctx, w.tiers, key, raw, resultref.ExternalizeOptions{Scope: scope, Extracted: extracted})
	if err != nil {
		w.finishFailed(ctx, cmd, toolerr.Wrap(toolerr.KindServerError, "externalize pagination accumulator", err), elapsed)
		return
	}
	if w.janitor != nil {
		w.janitor.Track(cmd.ExecutionID, ref)
	}

	paging := map[string]any{"continue": cont}
	if len(overrides) > 0 {
		paging["overrides"] = overrides
	}
	if stoppedBy != "" {
		paging["stopped_by"] = stoppedBy
	}
	data := map[string]any{"paging": paging}
	if len(vars) > 0 {
		data["vars"] = vars
	}
	if len(extracted) > 0 {
		data["extracted"] = extracted
	}

	e := &eventlog.Event{
		ExecutionID: eventlog.ExecutionID(cmd.ExecutionID),
		ParentID:    cmd.ParentEventID,
		Type:        eventlog.CallDone,
		Step:        cmd.Step,
		NodeType:    cmd.Tool,
		Attempt:     cmd.Attempt,
		Iter:        -1,
		Duration:    elapsed,
		Ref:         ref,
		Data:        data,
		Meta:        map[string]string{"worker_id": w.id},
	}
	if !w.emitTerminal(ctx, cmd, e) {
		return
	}
	w.ack(ctx, cmd)
}

// loadAccumulator fetches the pages merged so far. Nil ref means page one.
func (w *Worker) loadAccumulator(ctx context.Context, ref *resultref.Ref) (any, *toolerr.ToolError) {
	if ref == nil {
		return nil, nil
	}
	backend := w.tiers.Lookup(ref.Store)
	if backend == nil {
		return nil, toolerr.Errorf(toolerr.KindServerError, "no backend for tier %q", ref.Store)
	}
	raw, err := backend.Get(ctx, ref.URI)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindServerError, "load pagination accumulator", err)
	}
	var acc any
	if err := json.Unmarshal(raw, &acc); err != nil {
		return nil, toolerr.Wrap(toolerr.KindParse, "decode pagination accumulator", err)
	}
	return acc, nil
}

// mergePage folds one page into the accumulator per the merge strategy.
func mergePage(acc, result any, policy *retry.OnSuccessPolicy) (any, *toolerr.ToolError) {
	fragment := result
	if policy.MergePath != "" {
		v, ok := template.Select(result, policy.MergePath)
		if !ok {
			return nil, toolerr.Errorf(toolerr.KindParse, "merge_path %q not found in response", policy.MergePath)
		}
		fragment = v
	}
	switch policy.MergeStrategy {
	case retry.MergeReplace:
		return fragment, nil
	case retry.MergeCollect:
		return append(asList(acc), result), nil
	case retry.MergeExtend:
		items, ok := fragment.([]any)
		if !ok {
			return nil, toolerr.Errorf(toolerr.KindParse, "merge_strategy extend requires a list fragment, got %T", fragment)
		}
		return append(asList(acc), items...), nil
	default:
		return append(asList(acc), fragment), nil
	}
}

func asList(acc any) []any {
	if acc == nil {
		return nil
	}
	if l, ok := acc.([]any); ok {
		return l
	}
	return []any{acc}
}

// emitStart records that work began. Iteration commands use the iteration
// spelling; the start event is informational and never conflicts.
func (w *Worker) emitStart(ctx context.Context, cmd *queue.Command) {
	typ := eventlog.CallStarted
	if cmd.Iter >= 0 {
		typ = eventlog.IterationStarted
	}
	w.emit(ctx, &eventlog.Event{
		ExecutionID: eventlog.ExecutionID(cmd.ExecutionID),
		ParentID:    cmd.ParentEventID,
		Type:        typ,
		Step:        cmd.Step,
		NodeType:    cmd.Tool,
		Attempt:     cmd.Attempt,
		Iter:        cmd.Iter,
		Shard:       cmd.Shard,
		Meta:        map[string]string{"worker_id": w.id},
	})
}

// emit appends a non-terminal event, logging failures.
func (w *Worker) emit(ctx context.Context, e *eventlog.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now()
	}
	if _, err := w.log.Append(ctx, e); err != nil {
		if !errors.Is(err, eventlog.ErrConflict) {
			w.logger.Warn(ctx, "append event", "execution_id", int64(e.ExecutionID), "type", string(e.Type), "err", err)
		}
		return
	}
	w.metrics.IncCounter(telemetry.MetricEventsAppended, 1, "type", string(e.Type))
}

// emitTerminal appends the outcome event. A conflict means another delivery
// already recorded it and the command can be acked. Any other append failure
// hands the command back so the outcome is not lost.
func (w *Worker) emitTerminal(ctx context.Context, cmd *queue.Command, e *eventlog.Event) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now()
	}
	_, err := w.log.Append(ctx, e)
	switch {
	case err == nil:
		w.metrics.IncCounter(telemetry.MetricEventsAppended, 1, "type", string(e.Type))
		return true
	case errors.Is(err, eventlog.ErrConflict):
		return true
	default:
		w.logger.Error(ctx, "append terminal event", "execution_id", cmd.ExecutionID, "step", cmd.Step, "err", err)
		if nerr := w.queue.Nack(ctx, cmd.ID, cmd.LeaseID, nackDelay); nerr != nil && !errors.Is(nerr, queue.ErrNotFound) {
			w.logger.Warn(ctx, "nack command", "command_id", cmd.ID, "err", nerr)
		}
		return false
	}
}

func (w *Worker) ack(ctx context.Context, cmd *queue.Command) {
	if err := w.queue.Ack(ctx, cmd.ID, cmd.LeaseID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		w.logger.Warn(ctx, "ack command", "command_id", cmd.ID, "err", err)
	}
}

// extendLease pushes the lease deadline out while the command executes.
func (w *Worker) extendLease(ctx context.Context, cmd *queue.Command) {
	interval := w.visibility / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Extend(ctx, cmd.ID, cmd.LeaseID, w.visibility); err != nil {
				if ctx.Err() == nil {
					w.logger.Warn(ctx, "extend lease", "command_id", cmd.ID, "err", err)
				}
				return
			}
		}
	}
}
