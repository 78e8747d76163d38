// Package workflowtypes holds the shared, serialisable types for workflow
// definitions, steps, and atomic steps. These are the wire/config shapes;
// runtime-only bookkeeping (frame stacks, mutexes) lives in internal/engine
// and internal/instance.
package workflowtypes

import "time"

// InputType enumerates the declared shapes an input or user_input step may take.
type InputType string

const (
	InputString  InputType = "string"
	InputNumber  InputType = "number"
	InputBoolean InputType = "boolean"
	InputObject  InputType = "object"
	InputArray   InputType = "array"
	InputChoice  InputType = "choice"
)

// InputSpec declares one entry of a WorkflowDefinition's input schema.
type InputSpec struct {
	Name        string      `json:"name" yaml:"name"`
	Type        InputType   `json:"type" yaml:"type"`
	Required    bool        `json:"required" yaml:"required"`
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// OnErrorPolicy is the recovery strategy for a computed field's transform.
type OnErrorPolicy string

const (
	OnErrorUseFallback OnErrorPolicy = "use_fallback"
	OnErrorPropagate   OnErrorPolicy = "propagate"
	OnErrorIgnore      OnErrorPolicy = "ignore"
)

// ComputedFieldSpec is one entry of a state schema's computed section.
type ComputedFieldSpec struct {
	Name      string        `json:"name" yaml:"name"`
	From      []string      `json:"from" yaml:"from"`
	Transform string        `json:"transform" yaml:"transform"`
	OnError   OnErrorPolicy `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	Fallback  interface{}   `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// StateSchema declares the raw and computed fields a definition's State Store manages.
type StateSchema struct {
	State    []string            `json:"state,omitempty" yaml:"state,omitempty"`
	Computed []ComputedFieldSpec `json:"computed,omitempty" yaml:"computed,omitempty"`
}

// ErrorHandling is the per-step recovery strategy, spec §4.D / §7.
type ErrorHandling struct {
	Strategy      string      `json:"strategy,omitempty" yaml:"strategy,omitempty"` // fail|retry|continue|fallback
	MaxRetries    int         `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	FallbackValue interface{} `json:"fallback_value,omitempty" yaml:"fallback_value,omitempty"`
}

// StepType is the discriminator of a Step record, spec §3.
type StepType string

const (
	StepUserMessage    StepType = "user_message"
	StepUserInput      StepType = "user_input"
	StepMCPCall        StepType = "mcp_call"
	StepAgentPrompt    StepType = "agent_prompt"
	StepAgentResponse  StepType = "agent_response"
	StepShellCommand   StepType = "shell_command"
	StepWait           StepType = "wait_step"
	StepParallelForeach StepType = "parallel_foreach"
	StepConditional    StepType = "conditional"
	StepWhileLoop      StepType = "while_loop"
	StepForeach        StepType = "foreach"
	StepBreak          StepType = "break"
	StepContinue       StepType = "continue"
	StepStateUpdate    StepType = "state_update"
	// StepTryCatch is a supplemented step type, SPEC_FULL.md §12.
	StepTryCatch StepType = "try_catch"
)

// ExecutionContext distinguishes a server-run shell_command from a client-run one.
type ExecutionContext string

const (
	ExecContextServer ExecutionContext = "server"
	ExecContextClient ExecutionContext = "client"
)

// OutputParse is the stdout-parsing rule applied to a server shell_command.
type OutputParse string

const (
	ParseLines    OutputParse = "lines"
	ParseJSON     OutputParse = "json"
	ParseText     OutputParse = "text"
	ParseKeyValue OutputParse = "key_value"
)

// StateUpdateOp is one mutation applied by a state_update step or workflow_state.update call.
type StateUpdateOp struct {
	Path      string      `json:"path" yaml:"path"`
	Operation string      `json:"operation" yaml:"operation"` // set|increment|decrement|append|multiply|merge
	Value     interface{} `json:"value" yaml:"value"`
}

// Step is a single node of the step tree, spec §3. Only the fields relevant
// to its Type are populated; the union is kept flat (rather than modelled
// as a Go interface per variant) to mirror how the YAML document itself is
// a flat, type-tagged record — the same modelling choice the teacher makes
// in workflows.StateSpec.
type Step struct {
	ID   string   `json:"id" yaml:"id"`
	Type StepType `json:"type" yaml:"type"`

	// user_message / agent_prompt / agent_response / wait_step
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// user_input
	Prompt    string    `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	InputType InputType `json:"input_type,omitempty" yaml:"input_type,omitempty"`
	Choices   []string  `json:"choices,omitempty" yaml:"choices,omitempty"`
	ResultVar string    `json:"result_var,omitempty" yaml:"result_var,omitempty"`

	// mcp_call
	Tool   string                 `json:"tool,omitempty" yaml:"tool,omitempty"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`

	// shell_command
	Command          string           `json:"command,omitempty" yaml:"command,omitempty"`
	WorkingDirectory string           `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	ExecutionContext ExecutionContext `json:"execution_context,omitempty" yaml:"execution_context,omitempty"`
	OutputParse      OutputParse      `json:"output_parse,omitempty" yaml:"output_parse,omitempty"`
	TimeoutSeconds   int              `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// state_update (standalone step form) and any step's result binding
	StateUpdate []StateUpdateOp `json:"state_update,omitempty" yaml:"state_update,omitempty"`

	// conditional
	Condition  string `json:"condition,omitempty" yaml:"condition,omitempty"`
	ThenSteps  []Step `json:"then_steps,omitempty" yaml:"then_steps,omitempty"`
	ElseSteps  []Step `json:"else_steps,omitempty" yaml:"else_steps,omitempty"`

	// while_loop
	MaxIterations int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Body          []Step `json:"body,omitempty" yaml:"body,omitempty"`

	// foreach / parallel_foreach
	Items          string `json:"items,omitempty" yaml:"items,omitempty"`
	VariableName   string `json:"variable_name,omitempty" yaml:"variable_name,omitempty"`
	SubAgentTask   string `json:"sub_agent_task,omitempty" yaml:"sub_agent_task,omitempty"`
	MaxParallel    int    `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	WaitForAll     *bool  `json:"wait_for_all,omitempty" yaml:"wait_for_all,omitempty"`
	PromptOverride string `json:"prompt_override,omitempty" yaml:"prompt_override,omitempty"`

	// try_catch (supplemented, SPEC_FULL.md §12)
	Try     []Step `json:"try,omitempty" yaml:"try,omitempty"`
	Catch   []Step `json:"catch,omitempty" yaml:"catch,omitempty"`
	Finally []Step `json:"finally,omitempty" yaml:"finally,omitempty"`

	ErrorHandling *ErrorHandling `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
}

// SubAgentTaskSpec is a named template used to instantiate child instances
// for parallel_foreach, spec §3.
type SubAgentTaskSpec struct {
	Name         string            `json:"name" yaml:"name"`
	Inputs       []InputSpec       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DefaultState map[string]interface{} `json:"default_state,omitempty" yaml:"default_state,omitempty"`
	StateSchema  StateSchema       `json:"state_schema,omitempty" yaml:"state_schema,omitempty"`
	Steps        []Step            `json:"steps,omitempty" yaml:"steps,omitempty"`
	PromptTemplate string          `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// WorkflowDefinition is the immutable parsed representation of a workflow
// YAML document, spec §3 / §4.C.
type WorkflowDefinition struct {
	Name         string                 `json:"name" yaml:"name"`
	Description  string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Version      string                 `json:"version" yaml:"version"`
	Inputs       []InputSpec            `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DefaultState map[string]interface{} `json:"default_state,omitempty" yaml:"default_state,omitempty"`
	StateSchema  StateSchema            `json:"state_schema,omitempty" yaml:"state_schema,omitempty"`
	Steps        []Step                 `json:"steps" yaml:"steps"`
	SubAgentTasks map[string]SubAgentTaskSpec `json:"sub_agent_tasks,omitempty" yaml:"sub_agent_tasks,omitempty"`

	SourcePath string `json:"source_path,omitempty" yaml:"-"`
	LoadedAt   time.Time `json:"-" yaml:"-"`
}

// AtomicStepType is the discriminator of what the Dispatcher yields to the agent, spec §3.
type AtomicStepType string

const (
	AtomicShellCommand      AtomicStepType = "shell_command"
	AtomicAgentShellCommand AtomicStepType = "agent_shell_command"
	AtomicStateUpdate       AtomicStepType = "state_update"
	AtomicMCPCall           AtomicStepType = "mcp_call"
	AtomicParallelTasks     AtomicStepType = "parallel_tasks"
	AtomicUserMessage       AtomicStepType = "user_message"
	AtomicUserInput         AtomicStepType = "user_input"
	AtomicWait              AtomicStepType = "wait"
)

// AtomicStep is the fully-resolved unit returned to the agent by get_next_step, spec §3/§6.
type AtomicStep struct {
	ID                 string                 `json:"id"`
	Type               AtomicStepType         `json:"type"`
	Instructions       string                 `json:"instructions"`
	Definition         map[string]interface{} `json:"definition"`
	VariableReplacements map[string]interface{} `json:"variable_replacements,omitempty"`
}

// SubAgentTaskDescriptor is one entry of a parallel_tasks AtomicStep's definition.tasks array.
type SubAgentTaskDescriptor struct {
	TaskID  string                 `json:"task_id"`
	Context map[string]interface{} `json:"context"`
}

// InstanceStatus is a WorkflowInstance's lifecycle state, spec §3.
type InstanceStatus string

const (
	StatusPending   InstanceStatus = "pending"
	StatusRunning   InstanceStatus = "running"
	StatusPaused    InstanceStatus = "paused"
	StatusCompleted InstanceStatus = "completed"
	StatusFailed    InstanceStatus = "failed"
)
