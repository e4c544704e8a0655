// Package inmem provides an in-memory implementation of eventlog.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/noetl/noetl/eventlog"
)

const watchBuffer = 64

// Store implements eventlog.Store in memory.
type Store struct {
	mu sync.Mutex
	// per-execution ordered events.
	events map[eventlog.ExecutionID][]*eventlog.Event
	// terminal attempt keys per execution, for the single-terminal rule.
	terminal map[eventlog.ExecutionID]map[string]bool
	// watchers receive copies of newly appended events.
	watchers map[eventlog.ExecutionID][]chan *eventlog.Event
}

// New returns a new in-memory event log store.
func New() *Store {
	return &Store{
		events:   make(map[eventlog.ExecutionID][]*eventlog.Event),
		terminal: make(map[eventlog.ExecutionID]map[string]bool),
		watchers: make(map[eventlog.ExecutionID][]chan *eventlog.Event),
	}
}

// Append implements eventlog.Store.
func (s *Store) Append(_ context.Context, e *eventlog.Event) (int64, error) {
	if e == nil {
		return 0, fmt.Errorf("event is required")
	}
	if e.ExecutionID == 0 {
		return 0, fmt.Errorf("execution_id is required")
	}
	if e.Type == "" {
		return 0, fmt.Errorf("event type is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Type.Terminal() {
		key := eventlog.TerminalKey(e)
		seen := s.terminal[e.ExecutionID]
		if seen == nil {
			seen = make(map[string]bool)
			s.terminal[e.ExecutionID] = seen
		}
		if seen[key] {
			return 0, eventlog.ErrConflict
		}
		seen[key] = true
	}

	existing := s.events[e.ExecutionID]
	if n := len(existing); n > 0 {
		last := existing[n-1].Timestamp
		if e.Timestamp.Before(last.Add(-eventlog.SkewTolerance)) {
			e.OutOfOrder = true
		}
	}
	e.ID = int64(len(existing)) + 1
	cp := *e
	s.events[e.ExecutionID] = append(existing, &cp)
	s.notifyLocked(e.ExecutionID, &cp)
	return e.ID, nil
}

// List implements eventlog.Store.
func (s *Store) List(_ context.Context, id eventlog.ExecutionID, cursor int64, limit int) (eventlog.Page, error) {
	if id == 0 {
		return eventlog.Page{}, fmt.Errorf("execution_id is required")
	}
	if limit <= 0 {
		return eventlog.Page{}, fmt.Errorf("limit must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[id]
	// IDs are 1-based sequence numbers, so start at index == cursor.
	start := int(cursor)
	if start >= len(all) {
		return eventlog.Page{}, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	events := append([]*eventlog.Event(nil), all[start:end]...)
	var next int64
	if end < len(all) {
		next = events[len(events)-1].ID
	}
	return eventlog.Page{Events: events, NextCursor: next}, nil
}

// Watch implements eventlog.Store.
func (s *Store) Watch(ctx context.Context, id eventlog.ExecutionID) (<-chan *eventlog.Event, error) {
	if id == 0 {
		return nil, fmt.Errorf("execution_id is required")
	}
	ch := make(chan *eventlog.Event, watchBuffer)
	s.mu.Lock()
	s.watchers[id] = append(s.watchers[id], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		chans := s.watchers[id]
		for i, c := range chans {
			if c == ch {
				s.watchers[id] = append(chans[:i], chans[i+1:]...)
				if len(s.watchers[id]) == 0 {
					delete(s.watchers, id)
				}
				// Only close while still registered: notifyLocked closes
				// and deregisters watchers that fall behind.
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

// notifyLocked fans the event out to watchers. Watchers that fall behind the
// buffer are dropped; they can resynchronize via List.
func (s *Store) notifyLocked(id eventlog.ExecutionID, e *eventlog.Event) {
	chans := s.watchers[id]
	if len(chans) == 0 {
		return
	}
	var still []chan *eventlog.Event
	for _, ch := range chans {
		select {
		case ch <- e:
			still = append(still, ch)
		default:
			close(ch)
		}
	}
	if len(still) == 0 {
		delete(s.watchers, id)
		return
	}
	s.watchers[id] = still
}
