package resultref

import (
	"context"
	"sync"
)

// Janitor tracks refs by owning execution and collects them when their scope
// finalizes. Step and execution scoped refs are deleted on execution drain;
// workflow refs when the root of the parent chain drains; permanent refs are
// never collected.
type Janitor struct {
	tiers Tiers

	mu   sync.Mutex
	refs map[int64][]*Ref
}

// NewJanitor returns a Janitor deleting through the given tiers.
func NewJanitor(tiers Tiers) *Janitor {
	return &Janitor{tiers: tiers, refs: make(map[int64][]*Ref)}
}

// Track registers a ref created on behalf of the execution.
func (j *Janitor) Track(executionID int64, ref *Ref) {
	if ref == nil || ref.Scope == ScopePermanent {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.refs[executionID] = append(j.refs[executionID], ref)
}

// Reparent moves the refs still tracked under an execution to another owner.
// Called when a child execution drains: its surviving workflow refs move to
// the parent so the root drain collects them.
func (j *Janitor) Reparent(fromExecutionID, toExecutionID int64) {
	if fromExecutionID == toExecutionID {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	moved := j.refs[fromExecutionID]
	if len(moved) == 0 {
		return
	}
	delete(j.refs, fromExecutionID)
	j.refs[toExecutionID] = append(j.refs[toExecutionID], moved...)
}

// SweepExecution deletes step and execution scoped refs owned by the
// execution. Workflow scoped refs are retained unless root is true.
// Returns the first delete error after attempting all refs.
func (j *Janitor) SweepExecution(ctx context.Context, executionID int64, root bool) error {
	j.mu.Lock()
	tracked := j.refs[executionID]
	var kept []*Ref
	var collect []*Ref
	for _, ref := range tracked {
		switch ref.Scope {
		case ScopeStep, ScopeExecution:
			collect = append(collect, ref)
		case ScopeWorkflow:
			if root {
				collect = append(collect, ref)
			} else {
				kept = append(kept, ref)
			}
		}
	}
	if len(kept) == 0 {
		delete(j.refs, executionID)
	} else {
		j.refs[executionID] = kept
	}
	j.mu.Unlock()

	var firstErr error
	for _, ref := range collect {
		backend := j.tiers.Lookup(ref.Store)
		if backend == nil {
			continue
		}
		if err := backend.Delete(ctx, ref.URI); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
