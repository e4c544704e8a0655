package queue

import (
	"encoding/json"
	"fmt"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/resultref"
	"github.com/noetl/noetl/retry"
)

type (
	// Payload is the rendered work description a command carries to the
	// worker. The engine builds it from the playbook step and the execution
	// state; the worker renders the remaining templates and invokes the tool.
	Payload struct {
		// Step names the workflow node.
		Step string `json:"step"`
		// Tool is the tool invocation. Parameter values may still contain
		// template expressions; the worker renders them against Context.
		Tool *playbook.Tool `json:"tool,omitempty"`
		// Pipe, Catch and Finally describe a pipeline executed atomically on
		// one worker. When Pipe is set Tool is nil.
		Pipe    []*playbook.PipeTask `json:"pipe,omitempty"`
		Catch   *playbook.Catch      `json:"catch,omitempty"`
		Finally *playbook.PipeTask   `json:"finally,omitempty"`
		// Auth names the keychain credential resolved before execution.
		Auth string `json:"auth,omitempty"`
		// Output controls externalization and extraction of the result.
		Output *playbook.Output `json:"output,omitempty"`
		// Vars maps variable names to template expressions the worker
		// evaluates against the response and reports in the terminal event.
		Vars map[string]string `json:"vars,omitempty"`
		// Context is the lightweight render context snapshot: workload,
		// variables and step result views. Full payloads never appear here.
		Context map[string]any `json:"context,omitempty"`
		// Overrides are engine-computed parameter mutations merged over the
		// rendered tool parameters (pagination next-page values, transition
		// data).
		Overrides map[string]any `json:"overrides,omitempty"`
		// Iterator binds the loop element for iteration commands.
		Iterator *IteratorBinding `json:"iterator,omitempty"`
		// Pagination carries the on-success continuation state.
		Pagination *PaginationState `json:"pagination,omitempty"`
	}

	// IteratorBinding is the loop element bound to iterator.<name>.
	IteratorBinding struct {
		// Name is the binding name from the loop declaration.
		Name string `json:"name"`
		// Value is the collection element, or the element slice for chunked
		// and sharded commands.
		Value any `json:"value"`
		// Index is the 0-based iteration index (chunk or shard index for
		// grouped modes).
		Index int `json:"index"`
	}

	// PaginationState threads the accumulator between page attempts.
	PaginationState struct {
		// Policy is the step's on-success policy.
		Policy *retry.OnSuccessPolicy `json:"policy"`
		// Accumulator references the pages merged so far, nil on page one.
		Accumulator *resultref.Ref `json:"accumulator,omitempty"`
	}
)

// EncodePayload marshals the payload for transport.
func EncodePayload(p *Payload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %q: %w", p.Step, err)
	}
	return raw, nil
}

// DecodePayload unmarshals a command payload.
func DecodePayload(raw json.RawMessage) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}
