package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/queue"
	"github.com/noetl/noetl/resultref"
	"github.com/noetl/noetl/retry"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/toolerr"
)

type (
	// action is one effect decided from an event. The engine performs actions
	// in order; every action is idempotent under replay (appends are
	// conflict-checked, enqueues deduped).
	action interface{ isAction() }

	// emit appends an event to the execution's log. When externalize is set
	// the engine first externalizes the event result if it exceeds the inline
	// threshold and attaches the resulting ref.
	emit struct {
		event       *eventlog.Event
		externalize resultref.Scope
	}

	// enqueue adds a command to the queue, delayed by delay.
	enqueue struct {
		cmd   *queue.Command
		delay time.Duration
	}

	// spawnShard starts a child execution for one fan-out shard.
	spawnShard struct {
		step     *playbook.Step
		loopID   string
		shard    string
		iter     int
		elements []any
		partial  bool
	}

	// cancelQueued removes the execution's pending commands and records
	// command.cancelled for each.
	cancelQueued struct{}

	// decider holds the pure configuration of the decision function.
	decider struct {
		asyncConcurrency int
		maxRouteDepth    int
	}
)

func (emit) isAction()         {}
func (enqueue) isAction()      {}
func (spawnShard) isAction()   {}
func (cancelQueued) isAction() {}

const (
	defaultAsyncConcurrency = 8
	defaultMaxRouteDepth    = 64
	defaultChunkSize        = 32
)

func newDecider(asyncConcurrency int) *decider {
	if asyncConcurrency <= 0 {
		asyncConcurrency = defaultAsyncConcurrency
	}
	return &decider{
		asyncConcurrency: asyncConcurrency,
		maxRouteDepth:    defaultMaxRouteDepth,
	}
}

// decide maps an event to follow-up actions given the projected state. It is
// pure: equal (playbook, state, event) always yields equal actions, so
// replaying a log prefix reproduces the original decisions.
func (d *decider) decide(pb *playbook.Playbook, s *eventlog.ExecutionState, e *eventlog.Event) ([]action, error) {
	if s.CancellationRequested && e.Type != eventlog.ExecutionCancelled {
		return nil, nil
	}

	switch e.Type {
	case eventlog.ExecutionStarted:
		return d.enter(pb, s, pb.Start().Step, anyMap(e.Data["data"]), 0)

	case eventlog.StepEnter:
		step, ok := pb.StepNamed(e.Step)
		if !ok {
			return nil, fmt.Errorf("unknown step %q", e.Step)
		}
		return d.onStepEnter(pb, s, step, anyMap(e.Data["data"]))

	case eventlog.CallDone:
		step, ok := pb.StepNamed(e.Step)
		if !ok {
			return nil, fmt.Errorf("unknown step %q", e.Step)
		}
		return d.onCallDone(pb, s, step, e)

	case eventlog.CallFailed:
		step, ok := pb.StepNamed(e.Step)
		if !ok {
			return nil, fmt.Errorf("unknown step %q", e.Step)
		}
		return d.onCallFailed(pb, s, step, e)

	case eventlog.IterationCompleted:
		step, ok := pb.StepNamed(e.Step)
		if !ok {
			return nil, fmt.Errorf("unknown step %q", e.Step)
		}
		return d.onIterationCompleted(pb, s, step, e)

	case eventlog.IteratorCompleted:
		step, ok := pb.StepNamed(e.Step)
		if !ok {
			return nil, fmt.Errorf("unknown step %q", e.Step)
		}
		return d.afterStep(pb, s, step, nil, true)

	case eventlog.IteratorFailed:
		err := e.Error
		if err == nil {
			err = toolerr.New(toolerr.KindServerError, "iterator failed")
		}
		return []action{d.failExecution(s, e.Step, err)}, nil

	case eventlog.ExecutionCancelled:
		return []action{cancelQueued{}}, nil
	}
	return nil, nil
}

// enter routes into the named step. Steps without a tool, pipe or loop are
// routing-only: their transitions evaluate immediately without step.enter and
// step.exit events.
func (d *decider) enter(pb *playbook.Playbook, s *eventlog.ExecutionState, name string, data map[string]any, depth int) ([]action, error) {
	if depth > d.maxRouteDepth {
		return nil, fmt.Errorf("routing depth exceeded at step %q", name)
	}
	step, ok := pb.StepNamed(name)
	if !ok {
		return nil, fmt.Errorf("unknown step %q", name)
	}
	if step.ToolOf(pb) == nil && len(step.Pipe) == 0 && step.Loop == nil {
		return d.route(pb, s, step, data, depth+1)
	}
	ev := &eventlog.Event{
		ExecutionID: s.ExecutionID,
		Type:        eventlog.StepEnter,
		Step:        step.Step,
		Iter:        -1,
	}
	if len(data) > 0 {
		ev.Data = map[string]any{"data": data}
	}
	return []action{emit{event: ev}}, nil
}

// onStepEnter dispatches the step's work: loop expansion, a pipeline command
// or a single tool command.
func (d *decider) onStepEnter(pb *playbook.Playbook, s *eventlog.ExecutionState, step *playbook.Step, data map[string]any) ([]action, error) {
	if step.Loop != nil {
		return d.startLoop(pb, s, step, data)
	}
	cmd, err := d.buildCommand(pb, s, step, commandSpec{attempt: 1, iter: -1, data: data})
	if err != nil {
		return nil, err
	}
	return []action{enqueue{cmd: cmd}}, nil
}

// onCallDone handles a successful attempt: pagination continuation or
// variable consumption and routing.
func (d *decider) onCallDone(pb *playbook.Playbook, s *eventlog.ExecutionState, step *playbook.Step, e *eventlog.Event) ([]action, error) {
	// Iteration-scoped call events are loop plumbing, not step completion.
	if e.Iter >= 0 && step.Loop != nil {
		return nil, nil
	}

	if paging := anyMap(e.Data["paging"]); paging != nil {
		if cont, _ := paging["continue"].(bool); cont {
			policy := onSuccessPolicy(step.Retry)
			if policy != nil && !policy.Exhausted(e.Attempt) {
				spec := commandSpec{
					attempt:   e.Attempt + 1,
					iter:      -1,
					overrides: anyMap(paging["overrides"]),
					pagination: &queue.PaginationState{
						Policy:      policy,
						Accumulator: e.Ref,
					},
				}
				cmd, err := d.buildCommand(pb, s, step, spec)
				if err != nil {
					return nil, err
				}
				return []action{enqueue{cmd: cmd}}, nil
			}
		}
	}
	var extras map[string]any
	if fanin := anyMap(e.Data["fanin"]); fanin != nil {
		extras = map[string]any{"fanin": fanin}
	}
	return d.afterStep(pb, s, step, extras, true)
}

// onCallFailed evaluates the retry policy and either schedules the next
// attempt or propagates the failure.
func (d *decider) onCallFailed(pb *playbook.Playbook, s *eventlog.ExecutionState, step *playbook.Step, e *eventlog.Event) ([]action, error) {
	policy := onErrorPolicy(step.Retry)
	if policy != nil && !policy.Exhausted(e.Attempt) {
		eligible, err := d.retryEligible(policy, s, e)
		if err != nil {
			return nil, err
		}
		if eligible {
			delay := policy.Delay(e.Attempt)
			spec := commandSpec{attempt: e.Attempt + 1, iter: e.Iter, shard: e.Shard}
			if e.Iter >= 0 && step.Loop != nil {
				binding, err := d.iteratorBinding(s, step, e.Iter)
				if err != nil {
					return nil, err
				}
				spec.iterator = binding
			}
			cmd, err := d.buildCommand(pb, s, step, spec)
			if err != nil {
				return nil, err
			}
			return []action{
				emit{event: &eventlog.Event{
					ExecutionID: s.ExecutionID,
					ParentID:    e.ID,
					Type:        eventlog.RetryScheduled,
					Step:        step.Step,
					Attempt:     e.Attempt,
					Iter:        e.Iter,
					Shard:       e.Shard,
					Data:        map[string]any{"delay_ms": delay.Milliseconds()},
				}},
				enqueue{cmd: cmd, delay: delay},
			}, nil
		}
	}

	// Loop iterations fail the iterator before the execution.
	if e.Iter >= 0 && step.Loop != nil {
		return []action{
			emit{event: &eventlog.Event{
				ExecutionID: s.ExecutionID,
				Type:        eventlog.IteratorFailed,
				Step:        step.Step,
				Iter:        e.Iter,
				Error:       e.Error,
			}},
		}, nil
	}

	// Declared error branch wins over failing the execution.
	if step.Else != nil && step.Else.Step != "" {
		actions := []action{d.stepExit(s, step.Step)}
		more, err := d.enter(pb, s, step.Else.Step, nil, 0)
		if err != nil {
			return nil, err
		}
		return append(actions, more...), nil
	}
	err := e.Error
	if err == nil {
		err = toolerr.New(toolerr.KindServerError, "step failed")
	}
	return []action{d.failExecution(s, step.Step, err)}, nil
}

// retryEligible applies stop_when and retry_when against the failure context.
func (d *decider) retryEligible(p *retry.OnErrorPolicy, s *eventlog.ExecutionState, e *eventlog.Event) (bool, error) {
	ctx := template.Context(s, errorContext(e))
	if p.StopWhen != "" {
		stop, err := template.Truthy(p.StopWhen, ctx)
		if err != nil {
			return false, fmt.Errorf("evaluate stop_when: %w", err)
		}
		if stop {
			return false, nil
		}
	}
	if p.RetryWhen != "" {
		ok, err := template.Truthy(p.RetryWhen, ctx)
		if err != nil {
			return false, fmt.Errorf("evaluate retry_when: %w", err)
		}
		return ok, nil
	}
	// Without a condition, retry on the worker's retryability hint.
	return e.Error == nil || e.Error.Retryable, nil
}

func errorContext(e *eventlog.Event) map[string]any {
	extras := map[string]any{"attempt": e.Attempt}
	if e.Error != nil {
		extras["error"] = map[string]any{
			"kind":      string(e.Error.Kind),
			"message":   e.Error.Message,
			"retryable": e.Error.Retryable,
			"code":      e.Error.Code,
		}
		extras["status_code"] = e.Error.HTTPStatus
	}
	return extras
}

// afterStep finishes a step: emit step.exit and route to the next step, fail
// or finalize.
func (d *decider) afterStep(pb *playbook.Playbook, s *eventlog.ExecutionState, step *playbook.Step, extras map[string]any, exit bool) ([]action, error) {
	var actions []action
	if exit {
		actions = append(actions, d.stepExit(s, step.Step))
	}
	more, err := d.route(pb, s, step, extras, 0)
	if err != nil {
		return nil, err
	}
	return append(actions, more...), nil
}

// route evaluates the step's case and next rules in order and enters the
// first match. No match falls through to else, then to finalization when the
// step is terminal.
func (d *decider) route(pb *playbook.Playbook, s *eventlog.ExecutionState, step *playbook.Step, extras map[string]any, depth int) ([]action, error) {
	ctx := template.Context(s, extras)
	rules := append(append([]*playbook.Transition(nil), step.Case...), step.Next...)
	for _, rule := range rules {
		if rule.When != "" {
			ok, err := template.Truthy(rule.When, ctx)
			if err != nil {
				return nil, fmt.Errorf("step %q: evaluate when: %w", step.Step, err)
			}
			if !ok {
				continue
			}
		}
		data, err := renderData(rule.Data, ctx)
		if err != nil {
			return nil, fmt.Errorf("step %q: render transition data: %w", step.Step, err)
		}
		return d.enter(pb, s, rule.Target(), data, depth)
	}

	if step.Else != nil {
		if step.Else.Step != "" {
			return d.enter(pb, s, step.Else.Step, nil, depth)
		}
		if step.Else.Do == "fail" {
			err := toolerr.Errorf(toolerr.KindSchema, "step %q: no transition matched", step.Step)
			return []action{d.failExecution(s, step.Step, err)}, nil
		}
	}
	if len(rules) == 0 {
		return []action{emit{event: &eventlog.Event{
			ExecutionID: s.ExecutionID,
			Type:        eventlog.ExecutionCompleted,
			Iter:        -1,
		}}}, nil
	}
	// Conditional rules existed but none matched; treat as terminal.
	return []action{emit{event: &eventlog.Event{
		ExecutionID: s.ExecutionID,
		Type:        eventlog.ExecutionCompleted,
		Iter:        -1,
	}}}, nil
}

func (d *decider) stepExit(s *eventlog.ExecutionState, step string) action {
	return emit{event: &eventlog.Event{
		ExecutionID: s.ExecutionID,
		Type:        eventlog.StepExit,
		Step:        step,
		Iter:        -1,
	}}
}

func (d *decider) failExecution(s *eventlog.ExecutionState, step string, terr *toolerr.ToolError) action {
	return emit{event: &eventlog.Event{
		ExecutionID: s.ExecutionID,
		Type:        eventlog.ExecutionFailed,
		Step:        step,
		Iter:        -1,
		Error:       terr,
	}}
}

func renderData(data map[string]any, ctx map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	rendered, err := template.RenderValue(data, ctx)
	if err != nil {
		return nil, err
	}
	return anyMap(rendered), nil
}

func onErrorPolicy(r *playbook.Retry) *retry.OnErrorPolicy {
	if r == nil || r.ContinueWhile != "" {
		return nil
	}
	if r.MaxAttempts == 0 && r.RetryWhen == "" && r.StopWhen == "" {
		return nil
	}
	return &retry.OnErrorPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay.Std(),
		MaxDelay:     r.MaxDelay.Std(),
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
		RetryWhen:    r.RetryWhen,
		StopWhen:     r.StopWhen,
	}
}

func onSuccessPolicy(r *playbook.Retry) *retry.OnSuccessPolicy {
	if r == nil || r.ContinueWhile == "" {
		return nil
	}
	strategy := retry.MergeStrategy(r.MergeStrategy)
	if !strategy.Valid() {
		strategy = retry.MergeAppend
	}
	return &retry.OnSuccessPolicy{
		ContinueWhile: r.ContinueWhile,
		NextPage:      r.NextPage,
		MergeStrategy: strategy,
		MergePath:     r.MergePath,
		MaxIterations: r.MaxIterations,
	}
}

type commandSpec struct {
	attempt    int
	iter       int
	shard      string
	data       map[string]any
	overrides  map[string]any
	iterator   *queue.IteratorBinding
	pagination *queue.PaginationState
}

// buildCommand assembles the command for one attempt of a step. The payload
// carries the lightweight render context; the worker renders the tool
// parameters against it.
func (d *decider) buildCommand(pb *playbook.Playbook, s *eventlog.ExecutionState, step *playbook.Step, spec commandSpec) (*queue.Command, error) {
	extras := map[string]any{}
	for k, v := range spec.data {
		extras[k] = v
	}
	payload := &queue.Payload{
		Step:       step.Step,
		Auth:       step.Auth,
		Output:     step.Output,
		Vars:       step.Vars,
		Overrides:  spec.overrides,
		Iterator:   spec.iterator,
		Pagination: spec.pagination,
	}
	if len(step.Pipe) > 0 {
		payload.Pipe = resolvePipe(pb, step.Pipe)
		payload.Catch = step.Catch
		payload.Finally = step.Finally
	} else {
		tool := step.ToolOf(pb)
		if tool == nil {
			return nil, fmt.Errorf("step %q has no tool", step.Step)
		}
		payload.Tool = tool
	}
	if spec.pagination == nil && spec.iterator == nil && step.Retry != nil {
		if policy := onSuccessPolicy(step.Retry); policy != nil {
			payload.Pagination = &queue.PaginationState{Policy: policy}
		}
	}
	payload.Context = template.Context(s, extras)

	raw, err := queue.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	tool := "pipeline"
	if payload.Tool != nil {
		tool = payload.Tool.Kind
	}
	return &queue.Command{
		ExecutionID: int64(s.ExecutionID),
		Step:        step.Step,
		Tool:        tool,
		Attempt:     spec.attempt,
		Iter:        spec.iter,
		Shard:       spec.shard,
		Pool:        step.Pool,
		Payload:     raw,
	}, nil
}

// resolvePipe replaces workbook task references with their tools so workers
// need no catalog access.
func resolvePipe(pb *playbook.Playbook, stages []*playbook.PipeTask) []*playbook.PipeTask {
	out := make([]*playbook.PipeTask, 0, len(stages))
	for _, stage := range stages {
		cp := *stage
		if cp.Tool == nil && cp.Task != "" {
			if task, ok := pb.TaskNamed(cp.Task); ok {
				cp.Tool = task.Tool
			}
		}
		out = append(out, &cp)
	}
	return out
}

// anyMap mirrors the projection helper for decision-local use.
func anyMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// rawJSON marshals a value the decider computed into an event result.
func rawJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return raw, nil
}
