// Package engine implements the orchestrator: it drives executions by
// folding events into state, deciding follow-up actions and dispatching
// commands to worker pools.
//
// The engine is single-writer per execution: all decisions for one execution
// run on one goroutine consuming the execution's event stream. Multiple
// executions progress in parallel. Decisions are pure (see decide.go); the
// engine goroutine performs their effects, so replaying a log reproduces the
// original behavior against an idempotent queue and log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/kv"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/queue"
	"github.com/noetl/noetl/resultref"
	"github.com/noetl/noetl/telemetry"
	"github.com/noetl/noetl/toolerr"
)

type (
	// Engine orchestrates executions.
	Engine struct {
		log     eventlog.Store
		queue   queue.Queue
		mirror  *kv.Mirror
		catalog Catalog
		tiers   resultref.Tiers
		janitor *resultref.Janitor
		logger  telemetry.Logger
		metrics telemetry.Metrics
		ident   *Ident
		decider *decider

		inlineMax int

		mu       sync.Mutex
		execs    map[eventlog.ExecutionID]*execution
		children map[eventlog.ExecutionID][]eventlog.ExecutionID

		rootCtx    context.Context
		rootCancel context.CancelFunc
		wg         sync.WaitGroup
	}

	// execution is the engine's bookkeeping for one running execution.
	execution struct {
		id     eventlog.ExecutionID
		pb     *playbook.Playbook
		cancel context.CancelFunc

		// shard linkage, set for fan-out children.
		parent     eventlog.ExecutionID
		parentStep string
		loopID     string
		shard      string
		iter       int
	}

	// Option configures the engine.
	Option func(*Engine)
)

// WithTiers sets the result storage tiers used for externalization.
func WithTiers(t resultref.Tiers) Option {
	return func(e *Engine) {
		e.tiers = t
		e.janitor = resultref.NewJanitor(t)
	}
}

// WithJanitor shares a ref janitor with other components, typically the
// worker runtime, so refs tracked on either side are collected together on
// execution drain.
func WithJanitor(j *resultref.Janitor) Option {
	return func(e *Engine) {
		if j != nil {
			e.janitor = j
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNode sets the node discriminator for execution ID allocation.
func WithNode(node int64) Option {
	return func(e *Engine) { e.ident = NewIdent(node) }
}

// WithAsyncConcurrency caps in-flight iterations of async loops.
func WithAsyncConcurrency(n int) Option {
	return func(e *Engine) { e.decider = newDecider(n) }
}

// WithInlineMaxBytes overrides the externalization threshold for
// engine-assembled results.
func WithInlineMaxBytes(n int) Option {
	return func(e *Engine) { e.inlineMax = n }
}

// New builds an engine over the given log, queue, coordination mirror and
// playbook catalog.
func New(log eventlog.Store, q queue.Queue, mirror *kv.Mirror, catalog Catalog, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:        log,
		queue:      q,
		mirror:     mirror,
		catalog:    catalog,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		ident:      NewIdent(0),
		decider:    newDecider(0),
		inlineMax:  resultref.InlineMaxBytes,
		execs:      make(map[eventlog.ExecutionID]*execution),
		children:   make(map[eventlog.ExecutionID][]eventlog.ExecutionID),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
	tiers := resultref.Tiers{Memory: resultref.NewMemoryBackend()}
	e.tiers = tiers
	e.janitor = resultref.NewJanitor(tiers)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit starts an execution of the referenced playbook with the given
// payload merged over the playbook workload. It returns as soon as
// execution.started is durable.
func (e *Engine) Submit(ctx context.Context, ref string, payload map[string]any) (int64, error) {
	pb, err := e.catalog.Lookup(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("submit %q: %w", ref, err)
	}
	id := eventlog.ExecutionID(e.ident.Next())

	workload := make(map[string]any, len(pb.Workload)+len(payload))
	for k, v := range pb.Workload {
		workload[k] = v
	}
	for k, v := range payload {
		workload[k] = v
	}
	started := &eventlog.Event{
		ExecutionID: id,
		Type:        eventlog.ExecutionStarted,
		Iter:        -1,
		Data: map[string]any{
			"workload": workload,
			"playbook": ref,
		},
	}
	if _, err := e.log.Append(ctx, started); err != nil {
		return 0, fmt.Errorf("submit %q: %w", ref, err)
	}
	e.metrics.IncCounter(telemetry.MetricEventsAppended, 1, "type", string(eventlog.ExecutionStarted))

	e.start(&execution{id: id, pb: pb})
	return int64(id), nil
}

// Resume restarts the engine loop for an execution found in the log, after a
// crash or restart. The playbook reference is recovered from the
// execution.started event.
func (e *Engine) Resume(ctx context.Context, id int64) error {
	page, err := e.log.List(ctx, eventlog.ExecutionID(id), 0, 1)
	if err != nil {
		return err
	}
	if len(page.Events) == 0 {
		return eventlog.ErrNotFound
	}
	first := page.Events[0]
	ref := stringData(first.Data, "playbook")
	if ref == "" {
		return fmt.Errorf("execution %d: no playbook reference recorded", id)
	}
	pb, err := e.catalog.Lookup(ctx, ref)
	if err != nil {
		return err
	}
	e.start(&execution{id: eventlog.ExecutionID(id), pb: pb})
	return nil
}

// Status projects the execution's current state from its log.
func (e *Engine) Status(ctx context.Context, id int64) (*eventlog.ExecutionState, error) {
	events, err := eventlog.Since(ctx, e.log, eventlog.ExecutionID(id), 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, eventlog.ErrNotFound
	}
	return eventlog.Project(eventlog.ExecutionID(id), events), nil
}

// Events returns the execution's events with ID greater than since.
func (e *Engine) Events(ctx context.Context, id int64, since int64) ([]*eventlog.Event, error) {
	return eventlog.Since(ctx, e.log, eventlog.ExecutionID(id), since)
}

// Cancel requests cancellation of the execution. With cascade, descendants
// cancel recursively.
func (e *Engine) Cancel(ctx context.Context, id int64, cascade bool, reason string) error {
	eid := eventlog.ExecutionID(id)
	if e.mirror != nil {
		if err := e.mirror.RequestCancel(ctx, id); err != nil {
			e.logger.Warn(ctx, "cancel flag write failed", "execution_id", id, "err", err)
		}
	}
	ev := &eventlog.Event{
		ExecutionID: eid,
		Type:        eventlog.ExecutionCancelled,
		Iter:        -1,
	}
	if reason != "" {
		ev.Data = map[string]any{"reason": reason}
	}
	if _, err := e.log.Append(ctx, ev); err != nil && !errors.Is(err, eventlog.ErrConflict) {
		return fmt.Errorf("cancel %d: %w", id, err)
	}
	e.metrics.IncCounter(telemetry.MetricEventsAppended, 1, "type", string(eventlog.ExecutionCancelled))

	if cascade {
		e.mu.Lock()
		kids := append([]eventlog.ExecutionID(nil), e.children[eid]...)
		e.mu.Unlock()
		for _, kid := range kids {
			if err := e.Cancel(ctx, int64(kid), true, reason); err != nil {
				e.logger.Warn(ctx, "cascade cancel failed", "execution_id", int64(kid), "err", err)
			}
		}
	}
	return nil
}

// SetVariable injects a variable into the execution without re-running any
// step.
func (e *Engine) SetVariable(ctx context.Context, id int64, name string, value any) error {
	ev := &eventlog.Event{
		ExecutionID: eventlog.ExecutionID(id),
		Type:        eventlog.VariableSet,
		Iter:        -1,
		Data:        map[string]any{"name": name, "value": value},
	}
	if _, err := e.log.Append(ctx, ev); err != nil {
		return fmt.Errorf("set variable %q on %d: %w", name, id, err)
	}
	e.metrics.IncCounter(telemetry.MetricEventsAppended, 1, "type", string(eventlog.VariableSet))
	return nil
}

// Close stops all execution loops and waits for them to drain.
func (e *Engine) Close() {
	e.rootCancel()
	e.wg.Wait()
}

// start registers the execution and launches its decision loop.
func (e *Engine) start(exec *execution) {
	ctx, cancel := context.WithCancel(e.rootCtx)
	exec.cancel = cancel

	e.mu.Lock()
	if _, running := e.execs[exec.id]; running {
		e.mu.Unlock()
		cancel()
		return
	}
	e.execs[exec.id] = exec
	if exec.parent != 0 {
		e.children[exec.parent] = append(e.children[exec.parent], exec.id)
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(ctx, exec)
	}()
}

// run is the per-execution decision loop: replay history, then follow the
// live event stream until the execution reaches a terminal state.
func (e *Engine) run(ctx context.Context, exec *execution) {
	ch, err := e.log.Watch(ctx, exec.id)
	if err != nil {
		e.logger.Error(ctx, "watch failed", "execution_id", int64(exec.id), "err", err)
		e.remove(exec)
		return
	}

	state := eventlog.NewState(exec.id)
	history, err := eventlog.Since(ctx, e.log, exec.id, 0)
	if err != nil {
		e.logger.Error(ctx, "replay failed", "execution_id", int64(exec.id), "err", err)
		e.remove(exec)
		return
	}
	for _, ev := range history {
		state.Apply(ev)
		if done := e.dispatch(ctx, exec, state, ev); done {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			e.remove(exec)
			return
		case ev, ok := <-ch:
			if !ok {
				e.remove(exec)
				return
			}
			if ev.ID <= state.LastEventID {
				continue
			}
			state.Apply(ev)
			if done := e.dispatch(ctx, exec, state, ev); done {
				return
			}
		}
	}
}

// dispatch decides and performs the actions for one event. Returns true when
// the execution reached a terminal state and has been finalized.
func (e *Engine) dispatch(ctx context.Context, exec *execution, state *eventlog.ExecutionState, ev *eventlog.Event) bool {
	actions, err := e.decider.decide(exec.pb, state, ev)
	if err != nil {
		e.logger.Error(ctx, "decision failed",
			"execution_id", int64(exec.id), "step", ev.Step, "event_id", ev.ID, "err", err)
		e.appendEvent(ctx, &eventlog.Event{
			ExecutionID: exec.id,
			Type:        eventlog.ExecutionFailed,
			Step:        ev.Step,
			Iter:        -1,
			Error:       toolerr.Wrap(toolerr.KindSchema, "engine decision failed", err),
		})
		e.finalize(ctx, exec, state)
		return true
	}

	for _, a := range actions {
		e.act(ctx, exec, state, a)
	}

	if state.Status.Terminal() {
		e.finalize(ctx, exec, state)
		return true
	}
	return false
}

// act performs one decided action.
func (e *Engine) act(ctx context.Context, exec *execution, state *eventlog.ExecutionState, a action) {
	switch act := a.(type) {
	case emit:
		ev := act.event
		if act.externalize != "" && len(ev.Result) > e.inlineMax {
			key := fmt.Sprintf("%d/%s/result", int64(exec.id), ev.Step)
			ref, err := resultref.Externalize(ctx, e.tiers, key, ev.Result, resultref.ExternalizeOptions{
				Scope: act.externalize,
			})
			if err != nil {
				e.logger.Error(ctx, "externalize failed",
					"execution_id", int64(exec.id), "step", ev.Step, "err", err)
			} else {
				e.janitor.Track(int64(exec.id), ref)
				ev.Ref = ref
				ev.Result = nil
			}
		}
		e.appendEvent(ctx, ev)

	case enqueue:
		cmd := act.cmd
		if act.delay > 0 {
			cmd.AvailableAt = time.Now().Add(act.delay)
		}
		queueID, added, err := e.queue.Enqueue(ctx, cmd)
		if err != nil {
			e.logger.Error(ctx, "enqueue failed",
				"execution_id", cmd.ExecutionID, "step", cmd.Step, "attempt", cmd.Attempt, "err", err)
			return
		}
		if added {
			e.metrics.IncCounter(telemetry.MetricCommandsInFlight, 1, "pool", cmd.PoolOf())
			if cmd.Iter >= 0 {
				e.metrics.IncCounter(telemetry.MetricIteratorIterations, 1, "step", cmd.Step)
			}
			if cmd.Attempt > 1 {
				e.metrics.IncCounter(telemetry.MetricStepRetries, 1, "step", cmd.Step)
			}
		} else {
			e.logger.Debug(ctx, "command deduplicated",
				"execution_id", cmd.ExecutionID, "step", cmd.Step, "attempt", cmd.Attempt, "queue_id", queueID)
		}

	case spawnShard:
		if err := e.submitShard(ctx, exec, state, act); err != nil {
			e.logger.Error(ctx, "shard spawn failed",
				"execution_id", int64(exec.id), "step", act.step.Step, "shard", act.shard, "err", err)
		}

	case cancelQueued:
		ids, err := e.queue.CancelFor(ctx, int64(exec.id))
		if err != nil {
			e.logger.Warn(ctx, "queue cancel failed", "execution_id", int64(exec.id), "err", err)
		}
		for _, id := range ids {
			e.appendEvent(ctx, &eventlog.Event{
				ExecutionID: exec.id,
				Type:        eventlog.CommandCancelled,
				Iter:        -1,
				Data:        map[string]any{"queue_id": id},
			})
		}
	}
}

// appendEvent appends with conflict tolerance: a conflicting terminal event
// means the decision already took effect in a previous incarnation.
func (e *Engine) appendEvent(ctx context.Context, ev *eventlog.Event) {
	if _, err := e.log.Append(ctx, ev); err != nil {
		if errors.Is(err, eventlog.ErrConflict) {
			return
		}
		e.logger.Error(ctx, "append failed",
			"execution_id", int64(ev.ExecutionID), "step", ev.Step, "err", err)
		return
	}
	e.metrics.IncCounter(telemetry.MetricEventsAppended, 1, "type", string(ev.Type))
}

// submitShard starts a child execution running one fan-out shard: a
// single-step playbook iterating the shard's elements sequentially.
func (e *Engine) submitShard(ctx context.Context, parent *execution, state *eventlog.ExecutionState, act spawnShard) error {
	tool := act.step.ToolOf(parent.pb)
	if tool == nil {
		return fmt.Errorf("step %q has no tool to shard", act.step.Step)
	}
	// Shard results outlive the child execution: the parent's fan-in and any
	// downstream reduce step read them, so pin at least workflow scope.
	output := &playbook.Output{Scope: string(resultref.ScopeWorkflow)}
	if act.step.Output != nil {
		cp := *act.step.Output
		if cp.Scope == "" || cp.Scope == string(resultref.ScopeStep) || cp.Scope == string(resultref.ScopeExecution) {
			cp.Scope = string(resultref.ScopeWorkflow)
		}
		output = &cp
	}
	child := &playbook.Playbook{
		Metadata: playbook.Metadata{
			Name: fmt.Sprintf("%s#%s/%s", parent.pb.Metadata.Name, act.step.Step, act.shard),
		},
		Workflow: []*playbook.Step{{
			Step: act.step.Step,
			Tool: tool,
			Loop: &playbook.Loop{
				In:       act.elements,
				Iterator: act.step.Loop.Iterator,
				Mode:     playbook.LoopSequential,
			},
			Retry:  act.step.Retry,
			Auth:   act.step.Auth,
			Output: output,
			Pool:   act.step.Pool,
		}},
	}

	id := eventlog.ExecutionID(e.ident.Next())
	started := &eventlog.Event{
		ExecutionID: id,
		Type:        eventlog.ExecutionStarted,
		Iter:        -1,
		Data: map[string]any{
			"workload":            state.Workload,
			"parent_execution_id": int64(parent.id),
			"loop_id":             act.loopID,
			"shard":               act.shard,
			"iter":                act.iter,
		},
	}
	if _, err := e.log.Append(ctx, started); err != nil {
		return err
	}
	e.metrics.IncCounter(telemetry.MetricEventsAppended, 1, "type", string(eventlog.ExecutionStarted))

	e.start(&execution{
		id:         id,
		pb:         child,
		parent:     parent.id,
		parentStep: act.step.Step,
		loopID:     act.loopID,
		shard:      act.shard,
		iter:       act.iter,
	})
	return nil
}

// finalize runs end-of-execution cleanup: report shard outcome to the
// parent, release refs and coordination keys, record duration.
func (e *Engine) finalize(ctx context.Context, exec *execution, state *eventlog.ExecutionState) {
	if exec.parent != 0 {
		e.reportShard(ctx, exec, state)
	}

	root := exec.parent == 0
	if err := e.janitor.SweepExecution(ctx, int64(exec.id), root); err != nil {
		e.logger.Warn(ctx, "ref sweep failed", "execution_id", int64(exec.id), "err", err)
	}
	if !root {
		// Surviving workflow refs move up the parent chain so the root drain
		// collects them.
		e.janitor.Reparent(int64(exec.id), int64(exec.parent))
	}
	if e.mirror != nil {
		if err := e.mirror.Sweep(ctx, int64(exec.id)); err != nil {
			e.logger.Warn(ctx, "kv sweep failed", "execution_id", int64(exec.id), "err", err)
		}
	}
	if !state.StartedAt.IsZero() && !state.EndedAt.IsZero() {
		e.metrics.RecordTimer(telemetry.MetricExecutionDuration,
			state.EndedAt.Sub(state.StartedAt), "status", string(state.Status))
	}
	e.logger.Info(ctx, "execution finished",
		"execution_id", int64(exec.id), "status", string(state.Status))
	e.remove(exec)
}

// reportShard appends the shard's outcome to the parent execution's log so
// the parent's fan-in folds from its own event stream.
func (e *Engine) reportShard(ctx context.Context, exec *execution, state *eventlog.ExecutionState) {
	status := "succeeded"
	if state.Status != eventlog.StatusCompleted {
		status = "failed"
	}
	ev := &eventlog.Event{
		ExecutionID: exec.parent,
		Type:        eventlog.IterationCompleted,
		Step:        exec.parentStep,
		Iter:        exec.iter,
		Shard:       exec.shard,
		Data:        map[string]any{"shard_status": status},
	}
	if res, ok := state.StepResults[exec.parentStep]; ok {
		ev.Result = res.Value
		ev.Ref = res.Ref
	}
	if status == "failed" && state.LastError != nil {
		ev.Error = state.LastError
	}
	e.appendEvent(ctx, ev)

	// Fast-path counter for cross-node observers; the authoritative fan-in
	// folds from the parent's event log.
	if e.mirror != nil {
		n, err := e.mirror.FaninIncr(ctx, int64(exec.parent), exec.loopID)
		if err != nil {
			e.logger.Warn(ctx, "fanin counter failed",
				"execution_id", int64(exec.parent), "loop_id", exec.loopID, "err", err)
			return
		}
		e.logger.Debug(ctx, "shard reported",
			"execution_id", int64(exec.parent), "loop_id", exec.loopID, "shard", exec.shard, "reported", n)
	}
}

func (e *Engine) remove(exec *execution) {
	e.mu.Lock()
	delete(e.execs, exec.id)
	if exec.parent != 0 {
		kids := e.children[exec.parent]
		for i, kid := range kids {
			if kid == exec.id {
				e.children[exec.parent] = append(kids[:i], kids[i+1:]...)
				break
			}
		}
		if len(e.children[exec.parent]) == 0 {
			delete(e.children, exec.parent)
		}
	}
	e.mu.Unlock()
	exec.cancel()
}

func stringData(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
