// Package inmem provides an in-memory implementation of queue.Queue for tests
// and single-node runs.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noetl/noetl/queue"
)

type entry struct {
	cmd      *queue.Command
	pool     string
	leaseID  string
	deadline time.Time
}

// Queue implements queue.Queue in memory.
type Queue struct {
	mu sync.Mutex
	// entries by command ID.
	entries map[string]*entry
	// dedupe maps dedupe keys to command IDs for idempotent enqueue.
	dedupe map[string]string
	now    func() time.Time
}

// New returns an empty in-memory queue.
func New() *Queue {
	return &Queue{
		entries: make(map[string]*entry),
		dedupe:  make(map[string]string),
		now:     time.Now,
	}
}

// NewWithClock returns a queue using the given clock, for tests that need to
// control lease expiry.
func NewWithClock(now func() time.Time) *Queue {
	q := New()
	q.now = now
	return q
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(_ context.Context, c *queue.Command) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := c.DedupeKey()
	if existing, ok := q.dedupe[key]; ok {
		c.ID = existing
		return existing, false, nil
	}
	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	c.ID = cp.ID
	q.entries[cp.ID] = &entry{cmd: &cp, pool: cp.PoolOf()}
	q.dedupe[key] = cp.ID
	return cp.ID, true, nil
}

// Lease implements queue.Queue.
func (q *Queue) Lease(_ context.Context, pool, _ string, n int, visibility time.Duration) ([]*queue.Command, error) {
	if pool == "" {
		pool = queue.DefaultPool
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []*entry
	for _, e := range q.entries {
		if e.pool != pool {
			continue
		}
		if e.leaseID != "" && now.Before(e.deadline) {
			continue
		}
		if !e.cmd.AvailableAt.IsZero() && now.Before(e.cmd.AvailableAt) {
			continue
		}
		ready = append(ready, e)
	}
	// Oldest available first, then by ID for determinism.
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].cmd.AvailableAt.Equal(ready[j].cmd.AvailableAt) {
			return ready[i].cmd.AvailableAt.Before(ready[j].cmd.AvailableAt)
		}
		return ready[i].cmd.ID < ready[j].cmd.ID
	})
	if len(ready) > n {
		ready = ready[:n]
	}

	out := make([]*queue.Command, 0, len(ready))
	for _, e := range ready {
		e.leaseID = uuid.NewString()
		e.deadline = now.Add(visibility)
		cp := *e.cmd
		cp.LeaseID = e.leaseID
		cp.Deadline = e.deadline
		out = append(out, &cp)
	}
	return out, nil
}

// Ack implements queue.Queue.
func (q *Queue) Ack(_ context.Context, id, leaseID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return queue.ErrNotFound
	}
	if e.leaseID != leaseID || q.now().After(e.deadline) {
		return queue.ErrLeaseExpired
	}
	delete(q.entries, id)
	delete(q.dedupe, e.cmd.DedupeKey())
	return nil
}

// Nack implements queue.Queue.
func (q *Queue) Nack(_ context.Context, id, leaseID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return queue.ErrNotFound
	}
	if e.leaseID != leaseID || q.now().After(e.deadline) {
		return queue.ErrLeaseExpired
	}
	e.leaseID = ""
	e.deadline = time.Time{}
	if delay > 0 {
		e.cmd.AvailableAt = q.now().Add(delay)
	}
	return nil
}

// Extend implements queue.Queue.
func (q *Queue) Extend(_ context.Context, id, leaseID string, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return queue.ErrNotFound
	}
	if e.leaseID != leaseID || q.now().After(e.deadline) {
		return queue.ErrLeaseExpired
	}
	e.deadline = q.now().Add(visibility)
	return nil
}

// CancelFor implements queue.Queue.
func (q *Queue) CancelFor(_ context.Context, executionID int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var removed []string
	for id, e := range q.entries {
		if e.cmd.ExecutionID != executionID {
			continue
		}
		if e.leaseID != "" && now.Before(e.deadline) {
			continue
		}
		delete(q.entries, id)
		delete(q.dedupe, e.cmd.DedupeKey())
		removed = append(removed, id)
	}
	sort.Strings(removed)
	return removed, nil
}
