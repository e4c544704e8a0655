package resultref

import (
	"context"
	"strings"
	"sync"
)

// MemoryBackend stores payloads in process memory. It serves the memory tier
// for small step-scoped results and doubles as the test backend for the
// larger tiers.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

const memoryScheme = "memory://"

// Put implements Backend.
func (b *MemoryBackend) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.data[key] = cp
	return memoryScheme + key, nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, uri string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.data[strings.TrimPrefix(uri, memoryScheme)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(_ context.Context, uri string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, strings.TrimPrefix(uri, memoryScheme))
	return nil
}

// List implements Backend.
func (b *MemoryBackend) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var uris []string
	for key := range b.data {
		if strings.HasPrefix(key, prefix) {
			uris = append(uris, memoryScheme+key)
		}
	}
	return uris, nil
}
