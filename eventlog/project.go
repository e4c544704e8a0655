package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/noetl/noetl/resultref"
	"github.com/noetl/noetl/toolerr"
)

type (
	// ExecutionState is the in-memory projection of one execution's events.
	// It is a pure left fold over the log: equal event prefixes always
	// produce equal states.
	ExecutionState struct {
		// ExecutionID is the execution this state describes.
		ExecutionID ExecutionID
		// ParentExecutionID is the parent for sub-playbooks, zero for roots.
		ParentExecutionID ExecutionID
		// Status is the current lifecycle state.
		Status Status
		// Workload is the submit-time configuration, immutable after start.
		Workload map[string]any
		// Variables is workload merged with extracted vars and variable.set
		// injections.
		Variables map[string]any
		// StepResults maps step name to the lightweight result view.
		StepResults map[string]StepResult
		// LoopState maps looping step name to its iterator bookkeeping.
		LoopState map[string]*LoopState
		// Fanin maps loop_id to fan-out completion tracking.
		Fanin map[string]*FaninState
		// ActiveRetries maps "step#attempt" to the scheduled retry delay.
		ActiveRetries map[string]time.Duration
		// RetryCount counts scheduled retries per step.
		RetryCount map[string]int
		// MaxAttempt records the highest call.started attempt per step.
		MaxAttempt map[string]int
		// CancellationRequested is set once execution.cancelled is appended.
		CancellationRequested bool
		// LastError is the most recent structured failure, if any.
		LastError *toolerr.ToolError
		// FailedStep names the step whose failure terminated the execution.
		FailedStep string
		// StartedAt and EndedAt bound the execution lifetime.
		StartedAt time.Time
		EndedAt   time.Time
		// LastEventID is the ID of the last folded event.
		LastEventID int64
		// DuplicateTerminals counts ignored duplicate terminal events per
		// attempt key. Nonzero values indicate at-least-once delivery upstream.
		DuplicateTerminals int

		// terminal tracks attempt keys that already folded a terminal event.
		terminal map[string]bool
	}

	// StepResult is the lightweight per-step result retained in state.
	StepResult struct {
		// Value is the inline result or extracted view, nil when externalized
		// without extraction.
		Value json.RawMessage
		// Ref points at the externally stored payload, nil for inline results.
		Ref *resultref.Ref
		// Extracted holds the declared scalar extractions.
		Extracted map[string]any
	}

	// LoopState is the iterator bookkeeping for a looping step.
	LoopState struct {
		// CollectionSize is the number of elements in the loop collection.
		CollectionSize int
		// Mode is "sequential", "async" or "chunked".
		Mode string
		// IteratorName is the element binding name in templates.
		IteratorName string
		// LoopID identifies the fan-out group when Mode is fan-out driven.
		LoopID string
		// CompletedCount is the number of completed iterations.
		CompletedCount int
		// Results holds iteration results keyed by input index, not by
		// completion order.
		Results []json.RawMessage
		// done marks which indices already reported, guarding re-delivery.
		done []bool
		// Completed is set once iterator_completed folds.
		Completed bool
		// Failed is set once iterator_failed folds.
		Failed bool
	}

	// FaninState tracks fan-out shard completion for one loop_id.
	FaninState struct {
		// TotalExpected is the number of shards dispatched.
		TotalExpected int
		// Succeeded and Failed count terminal shards.
		Succeeded int
		Failed    int
		// ShardStatus maps shard ID to "succeeded" or "failed".
		ShardStatus map[string]string
		// ShardRefs maps shard ID to the shard's result reference.
		ShardRefs map[string]*resultref.Ref
	}
)

// Project folds events oldest-first into a fresh ExecutionState. It is a pure
// function: projecting the same sequence twice yields equal states. Unknown
// event types are ignored.
func Project(id ExecutionID, events []*Event) *ExecutionState {
	s := NewState(id)
	for _, e := range events {
		s.Apply(e)
	}
	return s
}

// NewState returns an empty state for the execution.
func NewState(id ExecutionID) *ExecutionState {
	return &ExecutionState{
		ExecutionID:   id,
		Status:        StatusPending,
		Variables:     map[string]any{},
		StepResults:   map[string]StepResult{},
		LoopState:     map[string]*LoopState{},
		Fanin:         map[string]*FaninState{},
		ActiveRetries: map[string]time.Duration{},
		RetryCount:    map[string]int{},
		MaxAttempt:    map[string]int{},
		terminal:      map[string]bool{},
	}
}

// AttemptKey builds the dedupe key for a call attempt.
func AttemptKey(step string, attempt int, shard string) string {
	if shard == "" {
		return fmt.Sprintf("%s#%d", step, attempt)
	}
	return fmt.Sprintf("%s#%d@%s", step, attempt, shard)
}

// TerminalKey builds the single-terminal rule key for an event. Iteration
// attempts are keyed per index so parallel iterations of one step do not
// collide.
func TerminalKey(e *Event) string {
	key := AttemptKey(e.Step, e.Attempt, e.Shard)
	if e.Iter >= 0 {
		key = fmt.Sprintf("%s/i%d", key, e.Iter)
	}
	return key
}

// Apply folds a single event into the state. Events must be applied in ID
// order; duplicate terminal events for an attempt are counted and ignored.
func (s *ExecutionState) Apply(e *Event) {
	if e == nil {
		return
	}
	if e.ID > s.LastEventID {
		s.LastEventID = e.ID
	}

	switch e.Type {
	case ExecutionStarted:
		s.Status = StatusRunning
		s.StartedAt = e.Timestamp
		s.Workload = cloneMap(anyMap(e.Data["workload"]))
		s.Variables = cloneMap(s.Workload)
		if pid, ok := intFromAny(e.Data["parent_execution_id"]); ok {
			s.ParentExecutionID = ExecutionID(pid)
		}

	case ExecutionCompleted:
		s.Status = StatusCompleted
		s.EndedAt = e.Timestamp

	case ExecutionFailed:
		s.Status = StatusFailed
		s.EndedAt = e.Timestamp
		if e.Error != nil {
			s.LastError = e.Error
		}
		if e.Step != "" {
			s.FailedStep = e.Step
		}

	case ExecutionCancelled:
		s.CancellationRequested = true
		s.Status = StatusCancelled
		s.EndedAt = e.Timestamp

	case CallStarted:
		if e.Attempt > s.MaxAttempt[e.Step] {
			s.MaxAttempt[e.Step] = e.Attempt
		}

	case CallDone:
		key := TerminalKey(e)
		if s.terminal[key] {
			s.DuplicateTerminals++
			return
		}
		s.terminal[key] = true
		s.StepResults[e.Step] = StepResult{
			Value:     e.Result,
			Ref:       e.Ref,
			Extracted: anyMap(e.Data["extracted"]),
		}
		for k, v := range anyMap(e.Data["vars"]) {
			s.Variables[k] = v
		}

	case CallFailed:
		key := TerminalKey(e)
		if s.terminal[key] {
			s.DuplicateTerminals++
			return
		}
		s.terminal[key] = true
		if e.Error != nil {
			s.LastError = e.Error
		}

	case IteratorStarted:
		n, _ := intFromAny(e.Data["collection_size"])
		ls := &LoopState{
			CollectionSize: n,
			Mode:           stringFromAny(e.Data["mode"]),
			IteratorName:   stringFromAny(e.Data["iterator"]),
			LoopID:         stringFromAny(e.Data["loop_id"]),
			Results:        make([]json.RawMessage, n),
			done:           make([]bool, n),
		}
		s.LoopState[e.Step] = ls
		if ls.LoopID != "" {
			s.Fanin[ls.LoopID] = &FaninState{
				TotalExpected: n,
				ShardStatus:   map[string]string{},
				ShardRefs:     map[string]*resultref.Ref{},
			}
		}

	case IterationStarted:
		// No state change; recorded for introspection.

	case IterationCompleted:
		ls := s.LoopState[e.Step]
		if ls == nil || e.Iter < 0 || e.Iter >= len(ls.Results) {
			return
		}
		if !ls.done[e.Iter] {
			ls.done[e.Iter] = true
			ls.Results[e.Iter] = e.Result
			ls.CompletedCount++
		}
		if ls.LoopID != "" {
			if f := s.Fanin[ls.LoopID]; f != nil && e.Shard != "" {
				if _, seen := f.ShardStatus[e.Shard]; !seen {
					status := stringFromAny(e.Data["shard_status"])
					if status == "" {
						status = "succeeded"
					}
					f.ShardStatus[e.Shard] = status
					if status == "failed" {
						f.Failed++
					} else {
						f.Succeeded++
					}
					if e.Ref != nil {
						f.ShardRefs[e.Shard] = e.Ref
					}
				}
			}
		}

	case IteratorCompleted:
		if ls := s.LoopState[e.Step]; ls != nil {
			ls.Completed = true
		}
		res := StepResult{Value: e.Result, Ref: e.Ref}
		if ex := anyMap(e.Data["extracted"]); len(ex) > 0 {
			res.Extracted = ex
		}
		s.StepResults[e.Step] = res
		for k, v := range anyMap(e.Data["vars"]) {
			s.Variables[k] = v
		}

	case IteratorFailed:
		if ls := s.LoopState[e.Step]; ls != nil {
			ls.Failed = true
		}
		if e.Error != nil {
			s.LastError = e.Error
		}

	case RetryScheduled:
		key := TerminalKey(e)
		if d, ok := intFromAny(e.Data["delay_ms"]); ok {
			s.ActiveRetries[key] = time.Duration(d) * time.Millisecond
		} else {
			s.ActiveRetries[key] = 0
		}
		s.RetryCount[e.Step]++

	case CommandCancelled:
		// Commands removed from the queue leave no state beyond the record.

	case VariableSet:
		name := stringFromAny(e.Data["name"])
		if name != "" {
			s.Variables[name] = e.Data["value"]
		}
	}
}

// FaninStatus summarizes a fan-out group: "complete", "partial" (some shards
// failed), or "pending" while shards are outstanding.
func (f *FaninState) FaninStatus() string {
	if f.Succeeded+f.Failed < f.TotalExpected {
		return "pending"
	}
	if f.Failed > 0 {
		return "partial"
	}
	return "complete"
}

// anyMap coerces a projected data value into a map. JSON round-trips produce
// map[string]any; absent or differently typed values yield nil.
func anyMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// intFromAny reads an integer from projected data, tolerating the numeric
// types JSON and BSON decoders produce.
func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return s
}
