// Package inmem provides an in-memory kv.Map for tests and single-node runs.
package inmem

import (
	"context"
	"strconv"
	"sync"
)

// Map implements kv.Map with a mutex-guarded map.
type Map struct {
	mu   sync.RWMutex
	data map[string]string
}

// New returns an empty in-memory map.
func New() *Map {
	return &Map{data: make(map[string]string)}
}

// Get implements kv.Map.
func (m *Map) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[key]
	return val, ok
}

// Set implements kv.Map.
func (m *Map) Set(_ context.Context, key, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.data[key]
	m.data[key] = value
	return prev, nil
}

// Delete implements kv.Map.
func (m *Map) Delete(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.data[key]
	delete(m.data, key)
	return prev, nil
}

// Keys implements kv.Map.
func (m *Map) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

// Inc implements kv.Map.
func (m *Map) Inc(_ context.Context, key string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := strconv.Atoi(m.data[key])
	cur += delta
	m.data[key] = strconv.Itoa(cur)
	return cur, nil
}
