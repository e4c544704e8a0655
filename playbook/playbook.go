// Package playbook defines the validated playbook document: the declarative
// workflow input the engine executes.
//
// A playbook carries metadata, a workload (the execution's initial variables),
// a workbook of named reusable tasks and a workflow of steps. Loading decodes
// the YAML source and validates it against the embedded JSON schema before
// any step is interpreted.
package playbook

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Playbook is the root document.
	Playbook struct {
		// Metadata identifies the playbook in the catalog.
		Metadata Metadata `json:"metadata" yaml:"metadata"`
		// Workload is the initial variable set of every execution.
		Workload map[string]any `json:"workload,omitempty" yaml:"workload,omitempty"`
		// Workbook holds named tasks referenced from workflow steps.
		Workbook []*Task `json:"workbook,omitempty" yaml:"workbook,omitempty"`
		// Workflow is the ordered list of steps. The first step named "start"
		// (or the first step when none is named "start") begins the execution.
		Workflow []*Step `json:"workflow" yaml:"workflow"`
	}

	// Metadata identifies the playbook.
	Metadata struct {
		Path string `json:"path" yaml:"path"`
		Name string `json:"name" yaml:"name"`
	}

	// Task is a named, reusable tool invocation.
	Task struct {
		// Name is the workbook-unique task name.
		Name string `json:"name" yaml:"name"`
		// Tool is the tool invocation the task performs.
		Tool *Tool `json:"tool" yaml:"tool"`
	}

	// Step is a workflow node.
	Step struct {
		// Step is the workflow-unique step name.
		Step string `json:"step" yaml:"step"`
		// Tool invokes a tool directly. Mutually exclusive with Task and Pipe.
		Tool *Tool `json:"tool,omitempty" yaml:"tool,omitempty"`
		// Task references a workbook task by name.
		Task string `json:"task,omitempty" yaml:"task,omitempty"`
		// Pipe runs a sequence of tasks atomically on one worker.
		Pipe []*PipeTask `json:"pipe,omitempty" yaml:"pipe,omitempty"`
		// Catch declares the pipeline's centralized error handler.
		Catch *Catch `json:"catch,omitempty" yaml:"catch,omitempty"`
		// Finally names a pipe task that always runs after the pipeline.
		Finally *PipeTask `json:"finally,omitempty" yaml:"finally,omitempty"`
		// Loop repeats the step's tool over a collection.
		Loop *Loop `json:"loop,omitempty" yaml:"loop,omitempty"`
		// Retry declares the step's retry or pagination policy.
		Retry *Retry `json:"retry,omitempty" yaml:"retry,omitempty"`
		// Vars maps variable names to template expressions extracted from the
		// step result into execution variables.
		Vars map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
		// Next routes to the following step(s).
		Next []*Transition `json:"next,omitempty" yaml:"next,omitempty"`
		// Case routes like Next; when both are present Case is evaluated
		// first and Next serves as the fallthrough.
		Case []*Transition `json:"case,omitempty" yaml:"case,omitempty"`
		// Else handles the no-match outcome of Case/Next.
		Else *Else `json:"else,omitempty" yaml:"else,omitempty"`
		// Auth names the keychain credential the tool call runs with.
		Auth string `json:"auth,omitempty" yaml:"auth,omitempty"`
		// Output controls result storage, selection and scope.
		Output *Output `json:"output,omitempty" yaml:"output,omitempty"`
		// Pool routes the step's commands to a named worker pool.
		Pool string `json:"pool,omitempty" yaml:"pool,omitempty"`
	}

	// Tool is a tool invocation: a kind plus kind-specific parameters. The
	// engine treats parameters opaquely; workers render and interpret them.
	Tool struct {
		// Kind selects the executor ("http", "python", "duckdb", "playbook", ...).
		Kind string `json:"kind" yaml:"kind"`
		// With holds the kind-specific parameters. Values may contain
		// template expressions rendered at dispatch time.
		With map[string]any `json:"with,omitempty" yaml:"with,omitempty"`
	}

	// PipeTask is one stage of a pipeline.
	PipeTask struct {
		// Name labels the stage; its result binds to _task in later stages.
		Name string `json:"name,omitempty" yaml:"name,omitempty"`
		// Task references a workbook task. Mutually exclusive with Tool.
		Task string `json:"task,omitempty" yaml:"task,omitempty"`
		// Tool invokes a tool inline.
		Tool *Tool `json:"tool,omitempty" yaml:"tool,omitempty"`
		// With overrides or extends the referenced task's parameters.
		With map[string]any `json:"with,omitempty" yaml:"with,omitempty"`
	}

	// Catch is the pipeline error handler.
	Catch struct {
		// Cond is a template expression over _err; the handler applies only
		// when truthy. Empty catches every error.
		Cond string `json:"cond,omitempty" yaml:"cond,omitempty"`
		// Tasks run when the handler applies, with _err bound.
		Tasks []*PipeTask `json:"tasks,omitempty" yaml:"tasks,omitempty"`
		// Resume, when true, treats a caught error as success and continues
		// the pipeline; otherwise the step fails after the handler runs.
		Resume bool `json:"resume,omitempty" yaml:"resume,omitempty"`
	}

	// Loop declares iteration over a collection.
	Loop struct {
		// In is the collection: an inline list or a template expression
		// evaluating to one.
		In any `json:"in" yaml:"in"`
		// Iterator names the element binding available to templates as
		// iterator.<name>.
		Iterator string `json:"iterator" yaml:"iterator"`
		// Mode selects the iteration strategy. Defaults to sequential.
		Mode LoopMode `json:"mode,omitempty" yaml:"mode,omitempty"`
		// Concurrency caps in-flight iterations for async mode. Zero means
		// the engine default.
		Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
		// ChunkSize sets the elements-per-command batch for chunked mode.
		ChunkSize int `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
		// Fanout configures the fan-out profile. Its presence selects
		// fan-out over local iteration.
		Fanout *Fanout `json:"fanout,omitempty" yaml:"fanout,omitempty"`
	}

	// LoopMode enumerates local iteration strategies.
	LoopMode string

	// Fanout configures sharded loop execution across child executions.
	Fanout struct {
		// Shards is the number of shards to split the collection into. Zero
		// means one element per shard.
		Shards int `json:"shards,omitempty" yaml:"shards,omitempty"`
		// AllowPartial lets the parent proceed when some shards fail.
		// Default is fail-fast.
		AllowPartial bool `json:"allow_partial,omitempty" yaml:"allow_partial,omitempty"`
	}

	// Retry mirrors retry.Policy at the document layer. Durations are
	// parsed from Go duration strings ("1s", "500ms").
	Retry struct {
		MaxAttempts   int               `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
		InitialDelay  Duration          `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
		MaxDelay      Duration          `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
		Multiplier    float64           `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`
		Jitter        bool              `json:"jitter,omitempty" yaml:"jitter,omitempty"`
		RetryWhen     string            `json:"retry_when,omitempty" yaml:"retry_when,omitempty"`
		StopWhen      string            `json:"stop_when,omitempty" yaml:"stop_when,omitempty"`
		ContinueWhile string            `json:"continue_while,omitempty" yaml:"continue_while,omitempty"`
		NextPage      map[string]string `json:"next_page,omitempty" yaml:"next_page,omitempty"`
		MergeStrategy string            `json:"merge_strategy,omitempty" yaml:"merge_strategy,omitempty"`
		MergePath     string            `json:"merge_path,omitempty" yaml:"merge_path,omitempty"`
		MaxIterations int               `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	}

	// Transition is one routing rule.
	Transition struct {
		// When is a template expression; the rule applies when truthy. Empty
		// always applies.
		When string `json:"when,omitempty" yaml:"when,omitempty"`
		// Then names the step to route to. Step is an accepted alias.
		Then string `json:"then,omitempty" yaml:"then,omitempty"`
		Step string `json:"step,omitempty" yaml:"step,omitempty"`
		// Data carries extra variables injected into the target step's
		// render context.
		Data map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	}

	// Else handles the no-match outcome of routing.
	Else struct {
		// Step routes to the named step.
		Step string `json:"step,omitempty" yaml:"step,omitempty"`
		// Do is a directive; "fail" fails the execution.
		Do string `json:"do,omitempty" yaml:"do,omitempty"`
	}

	// Output controls result handling.
	Output struct {
		// Store selects the storage tier. Kind "auto" picks by size.
		Store *Store `json:"store,omitempty" yaml:"store,omitempty"`
		// Select maps extracted field names to JSONPath expressions over the
		// result; extractions travel inline in events.
		Select map[string]string `json:"select,omitempty" yaml:"select,omitempty"`
		// Scope sets the ref lifetime: step, execution, workflow, permanent.
		Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`
		// TTL bounds the ref lifetime within its scope.
		TTL Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
		// InlineMaxBytes overrides the externalization threshold.
		InlineMaxBytes int `json:"inline_max_bytes,omitempty" yaml:"inline_max_bytes,omitempty"`
	}

	// Store selects a result storage backend.
	Store struct {
		// Kind is auto, memory, kv, object, s3 or gcs.
		Kind string `json:"kind" yaml:"kind"`
	}

	// Duration decodes Go duration strings from YAML and JSON.
	Duration time.Duration
)

const (
	LoopSequential LoopMode = "sequential"
	LoopAsync      LoopMode = "async"
	LoopChunked    LoopMode = "chunked"
)

// StartStep is the conventional name of the entry step.
const StartStep = "start"

// Parse decodes and validates a YAML playbook.
func Parse(src []byte) (*Playbook, error) {
	if err := ValidateYAML(src); err != nil {
		return nil, err
	}
	var pb Playbook
	if err := yaml.Unmarshal(src, &pb); err != nil {
		return nil, fmt.Errorf("decode playbook: %w", err)
	}
	if err := pb.check(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// check enforces the structural rules the schema cannot express.
func (p *Playbook) check() error {
	if len(p.Workflow) == 0 {
		return fmt.Errorf("playbook %q: workflow is empty", p.Metadata.Name)
	}
	steps := make(map[string]bool, len(p.Workflow))
	for _, s := range p.Workflow {
		if s.Step == "" {
			return fmt.Errorf("playbook %q: step without a name", p.Metadata.Name)
		}
		if steps[s.Step] {
			return fmt.Errorf("playbook %q: duplicate step %q", p.Metadata.Name, s.Step)
		}
		steps[s.Step] = true
	}
	tasks := make(map[string]bool, len(p.Workbook))
	for _, t := range p.Workbook {
		if t.Name == "" {
			return fmt.Errorf("playbook %q: workbook task without a name", p.Metadata.Name)
		}
		if tasks[t.Name] {
			return fmt.Errorf("playbook %q: duplicate task %q", p.Metadata.Name, t.Name)
		}
		tasks[t.Name] = true
	}
	for _, s := range p.Workflow {
		if s.Task != "" && !tasks[s.Task] {
			return fmt.Errorf("step %q: unknown task %q", s.Step, s.Task)
		}
		for _, t := range append(append([]*Transition(nil), s.Next...), s.Case...) {
			if target := t.Target(); target != "" && !steps[target] {
				return fmt.Errorf("step %q: transition to unknown step %q", s.Step, target)
			}
		}
		if s.Else != nil && s.Else.Step != "" && !steps[s.Else.Step] {
			return fmt.Errorf("step %q: else routes to unknown step %q", s.Step, s.Else.Step)
		}
		if s.Loop != nil && s.Loop.Iterator == "" {
			return fmt.Errorf("step %q: loop requires an iterator name", s.Step)
		}
	}
	return nil
}

// StepNamed returns the named workflow step.
func (p *Playbook) StepNamed(name string) (*Step, bool) {
	for _, s := range p.Workflow {
		if s.Step == name {
			return s, true
		}
	}
	return nil, false
}

// TaskNamed returns the named workbook task.
func (p *Playbook) TaskNamed(name string) (*Task, bool) {
	for _, t := range p.Workbook {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Start returns the entry step: the step named "start" or the first step.
func (p *Playbook) Start() *Step {
	if s, ok := p.StepNamed(StartStep); ok {
		return s
	}
	return p.Workflow[0]
}

// Target returns the transition's destination step, accepting both the "then"
// and "step" spellings.
func (t *Transition) Target() string {
	if t.Then != "" {
		return t.Then
	}
	return t.Step
}

// ToolOf resolves the step's tool, following a workbook task reference.
func (s *Step) ToolOf(p *Playbook) *Tool {
	if s.Tool != nil {
		return s.Tool
	}
	if s.Task != "" {
		if t, ok := p.TaskNamed(s.Task); ok {
			return t.Tool
		}
	}
	return nil
}

// Terminal reports whether the step routes nowhere.
func (s *Step) Terminal() bool {
	return len(s.Next) == 0 && len(s.Case) == 0 && (s.Else == nil || s.Else.Step == "")
}

// UnmarshalYAML implements yaml.Unmarshaler for duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON implements json.Unmarshaler for duration strings.
func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if len(raw) >= 2 && raw[0] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// Std returns the duration as time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
