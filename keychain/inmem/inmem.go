// Package inmem provides an in-memory keychain.Store for tests and local
// development.
package inmem

import (
	"context"
	"sync"

	"github.com/noetl/noetl/keychain"
)

// Store implements keychain.Store in memory.
type Store struct {
	mu    sync.RWMutex
	creds map[string]*keychain.Credential
}

// New returns an empty in-memory credential store.
func New() *Store {
	return &Store{creds: make(map[string]*keychain.Credential)}
}

// Get implements keychain.Store.
func (s *Store) Get(_ context.Context, name string) (*keychain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[name]
	if !ok {
		return nil, keychain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// Put implements keychain.Store.
func (s *Store) Put(_ context.Context, c *keychain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creds[c.Name] = &cp
	return nil
}
