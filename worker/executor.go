package worker

import (
	"context"
	"sync"

	"github.com/noetl/noetl/keychain"
	"github.com/noetl/noetl/toolerr"
)

type (
	// Invocation is one rendered tool call handed to an executor.
	Invocation struct {
		// Kind is the tool kind that selected the executor.
		Kind string
		// Params are the fully rendered tool parameters.
		Params map[string]any
		// Credential is the resolved keychain credential, nil when the step
		// declares no auth.
		Credential *keychain.Credential
	}

	// Executor runs one tool kind. Implementations return either a result
	// value or a structured tool error; they must honor ctx cancellation and
	// never panic across the boundary.
	Executor interface {
		Execute(ctx context.Context, inv *Invocation) (any, *toolerr.ToolError)
	}

	// ExecutorFunc adapts a function to the Executor interface.
	ExecutorFunc func(ctx context.Context, inv *Invocation) (any, *toolerr.ToolError)

	// Registry maps tool kinds to executors. Kinds are an open set; unknown
	// kinds produce a non-retryable schema error.
	Registry struct {
		mu        sync.RWMutex
		executors map[string]Executor
	}
)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, inv *Invocation) (any, *toolerr.ToolError) {
	return f(ctx, inv)
}

// NewRegistry returns an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds the executor to the tool kind, replacing any previous
// binding.
func (r *Registry) Register(kind string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = ex
}

// Execute dispatches the invocation to the registered executor.
func (r *Registry) Execute(ctx context.Context, inv *Invocation) (any, *toolerr.ToolError) {
	r.mu.RLock()
	ex, ok := r.executors[inv.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, toolerr.Errorf(toolerr.KindSchema, "unknown tool kind %q", inv.Kind)
	}
	return ex.Execute(ctx, inv)
}
