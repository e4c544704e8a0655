// Package kv provides the replicated runtime coordination state shared by
// engine and worker nodes.
//
// The event log is the source of truth; the kv mirror holds the small, hot
// coordination facts that every node needs without replaying a log: the
// cancellation flag of an execution, worker heartbeats and fan-in progress
// counters. Everything stored here is reconstructible from the log.
package kv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type (
	// Map is the minimal replicated-map contract required by the mirror.
	//
	// Map is satisfied by `*rmap.Map` from `goa.design/pulse/rmap`.
	// It is defined here to:
	//   - keep the mirror unit-testable without Redis, and
	//   - avoid coupling callers to a concrete Pulse implementation.
	//
	// Implementations must be safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Inc(ctx context.Context, key string, delta int) (int, error)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Mirror exposes the coordination operations over a replicated map.
	Mirror struct {
		m Map
	}
)

const (
	cancelKeyPrefix    = "cancel:"
	heartbeatKeyPrefix = "worker:"
	faninKeyPrefix     = "fanin:"
)

// NewMirror creates a mirror backed by the given map.
func NewMirror(m Map) *Mirror {
	return &Mirror{m: m}
}

// RequestCancel marks the execution as cancellation-requested. Workers consult
// the flag between pipeline stages and before starting leased commands.
func (m *Mirror) RequestCancel(ctx context.Context, executionID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.m.Set(ctx, cancelKey(executionID), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set cancel flag for %d: %w", executionID, err)
	}
	return nil
}

// CancelRequested reports whether cancellation has been requested for the
// execution.
func (m *Mirror) CancelRequested(executionID int64) bool {
	_, ok := m.m.Get(cancelKey(executionID))
	return ok
}

// ClearCancel removes the cancellation flag once the execution drains.
func (m *Mirror) ClearCancel(ctx context.Context, executionID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.m.Delete(ctx, cancelKey(executionID))
	return err
}

// Heartbeat records that the worker is alive at the given instant.
func (m *Mirror) Heartbeat(ctx context.Context, workerID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.m.Set(ctx, heartbeatKeyPrefix+workerID, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("heartbeat %q: %w", workerID, err)
	}
	return nil
}

// LastHeartbeat returns the most recent heartbeat for the worker.
func (m *Mirror) LastHeartbeat(workerID string) (time.Time, bool) {
	val, ok := m.m.Get(heartbeatKeyPrefix + workerID)
	if !ok {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// FaninIncr bumps the completion counter of the loop's fan-in and returns the
// new count. The counter is a fast-path hint; the authoritative fan-in state
// folds from the parent execution's event log.
func (m *Mirror) FaninIncr(ctx context.Context, executionID int64, loopID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.m.Inc(ctx, faninKey(executionID, loopID), 1)
}

// FaninCount reads the current completion counter of the loop's fan-in.
func (m *Mirror) FaninCount(executionID int64, loopID string) int {
	val, ok := m.m.Get(faninKey(executionID, loopID))
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return n
}

// Sweep removes all coordination keys owned by the execution. Called when the
// execution drains.
func (m *Mirror) Sweep(ctx context.Context, executionID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	faninPrefix := faninKeyPrefix + strconv.FormatInt(executionID, 10) + ":"
	var firstErr error
	for _, key := range m.m.Keys() {
		if key != cancelKey(executionID) && !strings.HasPrefix(key, faninPrefix) {
			continue
		}
		if _, err := m.m.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func cancelKey(executionID int64) string {
	return cancelKeyPrefix + strconv.FormatInt(executionID, 10)
}

func faninKey(executionID int64, loopID string) string {
	return faninKeyPrefix + strconv.FormatInt(executionID, 10) + ":" + loopID
}
