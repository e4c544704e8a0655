// Package queue provides the command queue connecting the engine to workers.
//
// The engine enqueues commands describing work to perform; workers lease
// commands, execute them and acknowledge the outcome. Enqueue is idempotent on
// the command's dedupe key so replays and crash-recovery re-decisions never
// duplicate work. Leases carry a visibility deadline: a command whose lease
// expires becomes leasable again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// Command is a unit of work routed to a worker pool.
	Command struct {
		// ID is the store-assigned command identifier.
		ID string `json:"id"`
		// ExecutionID is the owning execution.
		ExecutionID int64 `json:"execution_id"`
		// Step names the workflow node to execute.
		Step string `json:"step"`
		// Tool is the tool kind the step invokes ("http", "python", ...).
		Tool string `json:"tool"`
		// Attempt is the 1-based attempt number.
		Attempt int `json:"attempt"`
		// Iter is the 0-based iteration index for per-iteration commands,
		// -1 otherwise.
		Iter int `json:"iter"`
		// Shard identifies the fan-out shard, empty for unsharded commands.
		Shard string `json:"shard,omitempty"`
		// Pool selects the worker pool. Empty routes to the default pool.
		Pool string `json:"pool,omitempty"`
		// Payload is the rendered step configuration the worker executes.
		Payload json.RawMessage `json:"payload"`
		// AvailableAt delays delivery until the given instant. Zero means
		// immediately available. Retries use this for backoff.
		AvailableAt time.Time `json:"available_at,omitempty"`
		// ParentEventID links the command back to the event that caused it.
		ParentEventID int64 `json:"parent_event_id,omitempty"`

		// LeaseID identifies the active lease. Set by Lease, required by Ack,
		// Nack and Extend.
		LeaseID string `json:"-"`
		// Deadline is when the active lease expires. Set by Lease.
		Deadline time.Time `json:"-"`
	}

	// Queue is the command queue contract.
	Queue interface {
		// Enqueue adds the command unless one with the same dedupe key already
		// exists. Returns the queue ID describing this work: the new command's
		// when added, the already queued command's when deduplicated.
		Enqueue(ctx context.Context, c *Command) (id string, added bool, err error)

		// Lease claims up to n available commands from the pool for the
		// worker. Claimed commands are invisible to other workers until the
		// visibility window elapses.
		Lease(ctx context.Context, pool, workerID string, n int, visibility time.Duration) ([]*Command, error)

		// Ack removes the command permanently. Fails with ErrLeaseExpired when
		// the lease is no longer held.
		Ack(ctx context.Context, id, leaseID string) error

		// Nack releases the command back to the queue, optionally delayed.
		Nack(ctx context.Context, id, leaseID string, delay time.Duration) error

		// Extend pushes the lease deadline out by the visibility window.
		Extend(ctx context.Context, id, leaseID string, visibility time.Duration) error

		// CancelFor removes all pending (unleased) commands of the execution
		// and returns their IDs. Leased commands finish or expire; workers
		// consult the cancellation flag before and during execution.
		CancelFor(ctx context.Context, executionID int64) ([]string, error)
	}
)

var (
	// ErrLeaseExpired is returned by Ack, Nack and Extend when the lease is no
	// longer held, typically because the visibility window elapsed and another
	// worker claimed the command.
	ErrLeaseExpired = errors.New("queue: lease expired")
	// ErrNotFound is returned when the command does not exist.
	ErrNotFound = errors.New("queue: command not found")
)

// DefaultPool is the pool commands route to when none is named.
const DefaultPool = "default"

// DedupeKey returns the idempotency key of the command. Two commands with the
// same key describe the same work and at most one is ever queued.
func (c *Command) DedupeKey() string {
	return DedupeKey(c.ExecutionID, c.Step, c.Attempt, c.Iter, c.Shard)
}

// DedupeKey builds the idempotency key for the given coordinates.
func DedupeKey(executionID int64, step string, attempt, iter int, shard string) string {
	key := fmt.Sprintf("%d/%s/%d", executionID, step, attempt)
	if iter >= 0 {
		key += fmt.Sprintf("/i%d", iter)
	}
	if shard != "" {
		key += "/" + shard
	}
	return key
}

// PoolOf returns the command's pool, defaulting when unset.
func (c *Command) PoolOf() string {
	if c.Pool == "" {
		return DefaultPool
	}
	return c.Pool
}
