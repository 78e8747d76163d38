// Package errs defines the engine's error taxonomy, spec §7. Each kind is a
// distinct type so call sites can distinguish them with errors.As, the same
// pattern the teacher uses for isUniqueConstraintError-style inspection,
// generalized into proper typed errors instead of string matching.
package errs

import "fmt"

// InvalidWorkflowDefinition is a loader-level error: bad YAML, unknown step
// type, missing required field, cyclic computed dependency, duplicate step
// id, invalid scope prefix in a path.
type InvalidWorkflowDefinition struct {
	Workflow string
	Reason   string
	Err      error
}

func (e *InvalidWorkflowDefinition) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid workflow definition %q: %s: %v", e.Workflow, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid workflow definition %q: %s", e.Workflow, e.Reason)
}

func (e *InvalidWorkflowDefinition) Unwrap() error { return e.Err }

// InvalidInput is a start-time error: missing required input, type mismatch
// against the input schema, failed input validation rule.
type InvalidInput struct {
	Field  string
	Reason string
	Err    error
}

func (e *InvalidInput) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid input %q: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid input %q: %s", e.Field, e.Reason)
}

func (e *InvalidInput) Unwrap() error { return e.Err }

// ExpressionError is a runtime error: unbound identifier (strict), type
// error in expression, disallowed identifier.
type ExpressionError struct {
	Expression string
	Cause      string
	Err        error
}

func (e *ExpressionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("expression error in %q: %s: %v", e.Expression, e.Cause, e.Err)
	}
	return fmt.Sprintf("expression error in %q: %s", e.Expression, e.Cause)
}

func (e *ExpressionError) Unwrap() error { return e.Err }

// StateWriteError is an attempted write to a forbidden tier (inputs/computed)
// or an unknown path.
type StateWriteError struct {
	Path   string
	Reason string
}

func (e *StateWriteError) Error() string {
	return fmt.Sprintf("state write rejected for %q: %s", e.Path, e.Reason)
}

// StepExecutionError covers a client-visible step reporting failure, a
// server-internal shell/tool call failing, a timeout, or max_iterations hit.
type StepExecutionError struct {
	StepID string
	Code   string // e.g. TIMEOUT, OPERATION_FAILED
	Reason string
	Err    error
}

func (e *StepExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %q execution error [%s]: %s: %v", e.StepID, e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("step %q execution error [%s]: %s", e.StepID, e.Code, e.Reason)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// SubAgentError is a child workflow failure, propagated according to the
// parent's on_sub_agent_error strategy.
type SubAgentError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *SubAgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sub-agent %q error: %s: %v", e.TaskID, e.Reason, e.Err)
	}
	return fmt.Sprintf("sub-agent %q error: %s", e.TaskID, e.Reason)
}

func (e *SubAgentError) Unwrap() error { return e.Err }

// ProtocolError covers step_complete for a non-matching id, get_next_step
// on a completed workflow, or an unknown workflow id.
type ProtocolError struct {
	WorkflowID string
	Reason     string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error for workflow %q: %s", e.WorkflowID, e.Reason)
}
