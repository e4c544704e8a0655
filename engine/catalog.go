package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/noetl/noetl/playbook"
)

// Catalog resolves playbook references at submit time.
type Catalog interface {
	// Lookup returns the playbook registered under the reference.
	Lookup(ctx context.Context, ref string) (*playbook.Playbook, error)
}

// ErrPlaybookNotFound is returned when the reference is not registered.
var ErrPlaybookNotFound = errors.New("engine: playbook not found")

// MapCatalog is an in-memory Catalog keyed by playbook path.
type MapCatalog struct {
	mu  sync.RWMutex
	pbs map[string]*playbook.Playbook
}

// NewMapCatalog returns an empty catalog.
func NewMapCatalog() *MapCatalog {
	return &MapCatalog{pbs: make(map[string]*playbook.Playbook)}
}

// Register adds the playbook under its metadata path, falling back to its
// name when the path is empty.
func (c *MapCatalog) Register(pb *playbook.Playbook) {
	ref := pb.Metadata.Path
	if ref == "" {
		ref = pb.Metadata.Name
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pbs[ref] = pb
}

// Lookup implements Catalog.
func (c *MapCatalog) Lookup(_ context.Context, ref string) (*playbook.Playbook, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pb, ok := c.pbs[ref]
	if !ok {
		return nil, ErrPlaybookNotFound
	}
	return pb, nil
}
