// Package eventlog provides the durable, append-only event log for workflow
// executions and the projection of events into execution state.
//
// The event log is the canonical source of truth for an execution. The engine
// and workers append domain events as the execution progresses and the engine
// folds them into an ExecutionState via Project. The log is replayable: the
// same event prefix always projects to the same state.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/noetl/noetl/resultref"
	"github.com/noetl/noetl/toolerr"
)

// ExecutionID identifies a single workflow execution. IDs are 64-bit and
// monotonically unique within an engine deployment.
type ExecutionID int64

// Status is the lifecycle state of an execution.
type Status string

const (
	// StatusPending indicates the execution has been accepted but not started.
	StatusPending Status = "PENDING"
	// StatusRunning indicates the execution is actively progressing.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the execution finished successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the execution failed permanently.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the execution was cancelled externally.
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// EventType enumerates the domain events recorded in the log. Implementations
// may add types but must not rename existing ones; projection ignores unknown
// types so logs remain forward and backward compatible.
type EventType string

const (
	ExecutionStarted   EventType = "execution.started"
	ExecutionCompleted EventType = "execution.completed"
	ExecutionFailed    EventType = "execution.failed"
	ExecutionCancelled EventType = "execution.cancelled"

	StepEnter EventType = "step.enter"
	StepExit  EventType = "step.exit"

	CallStarted EventType = "call.started"
	CallDone    EventType = "call.done"
	CallFailed  EventType = "call.failed"

	IteratorStarted    EventType = "iterator_started"
	IterationStarted   EventType = "iteration_started"
	IterationCompleted EventType = "iteration_completed"
	IteratorCompleted  EventType = "iterator_completed"
	IteratorFailed     EventType = "iterator_failed"

	RetryScheduled   EventType = "retry_scheduled"
	CommandCancelled EventType = "command.cancelled"
	VariableSet      EventType = "variable.set"
)

// Terminal reports whether the event type terminates a call attempt.
func (t EventType) Terminal() bool {
	return t == CallDone || t == CallFailed
}

// Event is a single immutable record appended to the execution log.
//
// Store implementations assign the ID when persisting the event. IDs are
// monotonically increasing within an execution and define the total causal
// order of the execution's history.
type Event struct {
	// ID is the store-assigned, per-execution monotonic identifier.
	ID int64
	// ExecutionID is the execution this event belongs to.
	ExecutionID ExecutionID
	// ParentID references the event that caused this one (retry chains,
	// command provenance). Zero when the event has no parent.
	ParentID int64
	// Type is the domain event type.
	Type EventType
	// Step names the workflow node the event concerns, empty for
	// execution-level events.
	Step string
	// NodeType is the tool kind of the step ("http", "python", "playbook", ...).
	NodeType string
	// Attempt is the 1-based attempt number for call events, zero otherwise.
	Attempt int
	// Iter is the 0-based iteration index for iteration events, -1 otherwise.
	Iter int
	// Shard identifies the fan-out shard for sharded events, empty otherwise.
	Shard string
	// Timestamp is the event time as observed by the emitter.
	Timestamp time.Time
	// Duration records how long the underlying work took, zero when unknown.
	Duration time.Duration
	// Result is the lightweight result view: extracted scalars or an inline
	// value below the externalization threshold. Full payloads never flow
	// through the log; see Ref.
	Result json.RawMessage
	// Ref points at the externally stored full result when one exists.
	Ref *resultref.Ref
	// Error carries the structured failure for call.failed and
	// execution.failed events.
	Error *toolerr.ToolError
	// Data holds type-specific fields (collection size, loop mode, extracted
	// vars, retry delay, routing target, ...). Keys are event-type contracts
	// documented on the projection rules.
	Data map[string]any
	// Meta holds free-form annotations that do not affect projection.
	Meta map[string]string
	// OutOfOrder is set by the store when the event timestamp precedes its
	// predecessor by more than the skew tolerance. The event is still
	// appended; the flag is diagnostic.
	OutOfOrder bool
}

// Page is a forward page of execution events ordered oldest-first.
type Page struct {
	// Events are ordered by ID ascending.
	Events []*Event
	// NextCursor is the event ID to resume from. Zero when the page is last.
	NextCursor int64
}

var (
	// ErrConflict is returned by Append when the event would violate the
	// single-terminal rule for its (execution, step, attempt).
	ErrConflict = errors.New("eventlog: terminal event already recorded for attempt")
	// ErrNotFound is returned when the execution has no recorded events.
	ErrNotFound = errors.New("eventlog: execution not found")
)

// SkewTolerance is how far an event timestamp may precede its predecessor
// before the store flags it OutOfOrder.
const SkewTolerance = 2 * time.Second

// Store is the append-only event log.
//
// Implementations must provide total per-execution ordering, assign monotonic
// IDs, enforce the single-terminal rule and make Append durable before
// returning. List is safe to re-read: cursors are plain event IDs.
type Store interface {
	// Append stores the event, assigns its ID and returns it. Returns
	// ErrConflict when a terminal event already exists for the same
	// (execution, step, attempt).
	Append(ctx context.Context, e *Event) (int64, error)

	// List returns the next forward page of events with ID greater than
	// cursor. Limit must be greater than zero.
	List(ctx context.Context, id ExecutionID, cursor int64, limit int) (Page, error)

	// Watch subscribes to new events for the execution. The store sends every
	// event appended after the subscription on the returned channel and closes
	// it when ctx is done.
	Watch(ctx context.Context, id ExecutionID) (<-chan *Event, error)
}

// Since drains all events with ID greater than cursor into a slice. It is a
// convenience wrapper over List for replay and projection.
func Since(ctx context.Context, s Store, id ExecutionID, cursor int64) ([]*Event, error) {
	const pageSize = 256
	var out []*Event
	for {
		page, err := s.List(ctx, id, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Events...)
		if page.NextCursor == 0 {
			return out, nil
		}
		cursor = page.NextCursor
	}
}
