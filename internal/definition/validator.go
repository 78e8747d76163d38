package definition

import (
	"fmt"

	"github.com/loomhq/loomctl/internal/engine/errs"
	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/internal/state"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// Validate runs every structural check spec §4.C requires. Grounded on
// internal/workflows/validator.go:ValidateDefinition, restructured around
// spec's four-prefix scope rule and step-tree shape instead of the
// teacher's flat state-machine transitions.
func Validate(def *workflowtypes.WorkflowDefinition) error {
	if !nameRE.MatchString(def.Name) {
		return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: "name must match ^[A-Za-z0-9_-]+(:[A-Za-z0-9_-]+)?$"}
	}
	if !semverRE.MatchString(def.Version) {
		return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: "version must be semver"}
	}
	if len(def.Steps) == 0 {
		return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: "steps must be non-empty"}
	}

	seenIDs := make(map[string]bool)
	if err := validateStepList(def, def.Steps, seenIDs, false); err != nil {
		return err
	}

	schema := state.Schema{
		Inputs:       def.Inputs,
		DefaultState: def.DefaultState,
		Computed:     def.StateSchema.Computed,
	}
	if _, err := state.New(schema, expr.New()); err != nil {
		return err
	}

	if err := ValidateDeclaredInputSchema(def.Inputs); err != nil {
		return err
	}

	return nil
}

func validateStepList(def *workflowtypes.WorkflowDefinition, steps []workflowtypes.Step, seenIDs map[string]bool, insideLoop bool) error {
	for i := range steps {
		s := &steps[i]
		if !stepIDRE.MatchString(s.ID) {
			return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("step id %q must match ^[A-Za-z_][A-Za-z0-9_]*$", s.ID)}
		}
		if seenIDs[s.ID] {
			return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		seenIDs[s.ID] = true

		if !validStepType(s.Type) {
			return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("unknown step type %q", s.Type)}
		}

		switch s.Type {
		case workflowtypes.StepBreak, workflowtypes.StepContinue:
			if !insideLoop {
				return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("%q outside a while_loop/foreach body", s.Type)}
			}
		case workflowtypes.StepConditional:
			if s.Condition == "" {
				return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("conditional step %q missing condition", s.ID)}
			}
			if err := validateStepList(def, s.ThenSteps, seenIDs, insideLoop); err != nil {
				return err
			}
			if err := validateStepList(def, s.ElseSteps, seenIDs, insideLoop); err != nil {
				return err
			}
		case workflowtypes.StepWhileLoop:
			if s.Condition == "" {
				return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("while_loop %q missing condition", s.ID)}
			}
			if err := validateStepList(def, s.Body, seenIDs, true); err != nil {
				return err
			}
		case workflowtypes.StepForeach:
			if s.Items == "" {
				return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("foreach %q missing items", s.ID)}
			}
			if err := validateStepList(def, s.Body, seenIDs, true); err != nil {
				return err
			}
		case workflowtypes.StepParallelForeach:
			if s.Items == "" {
				return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("parallel_foreach %q missing items", s.ID)}
			}
			if s.SubAgentTask == "" {
				return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("parallel_foreach %q missing sub_agent_task", s.ID)}
			}
			if _, ok := def.SubAgentTasks[s.SubAgentTask]; !ok {
				return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("parallel_foreach %q references undefined sub_agent_task %q", s.ID, s.SubAgentTask)}
			}
		case workflowtypes.StepShellCommand:
			if s.Command == "" {
				return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("shell_command %q missing command", s.ID)}
			}
		case workflowtypes.StepMCPCall:
			if s.Tool == "" {
				return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("mcp_call %q missing tool", s.ID)}
			}
		case workflowtypes.StepTryCatch:
			if err := validateStepList(def, s.Try, seenIDs, insideLoop); err != nil {
				return err
			}
			if err := validateStepList(def, s.Catch, seenIDs, insideLoop); err != nil {
				return err
			}
			if err := validateStepList(def, s.Finally, seenIDs, insideLoop); err != nil {
				return err
			}
		}

		for _, op := range s.StateUpdate {
			if err := validateWritablePath(def, op.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateWritablePath(def *workflowtypes.WorkflowDefinition, path string) error {
	scope, _, _, ok := state.SplitScopedPath(path)
	if !ok {
		return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("state_update path %q has no recognised scope prefix", path)}
	}
	if scope != state.ScopeThis && scope != state.ScopeGlobal {
		return &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("state_update path %q must begin with this. or global. (or legacy state.)", path)}
	}
	return nil
}

func validStepType(t workflowtypes.StepType) bool {
	switch t {
	case workflowtypes.StepUserMessage, workflowtypes.StepUserInput, workflowtypes.StepMCPCall,
		workflowtypes.StepAgentPrompt, workflowtypes.StepAgentResponse, workflowtypes.StepShellCommand,
		workflowtypes.StepWait, workflowtypes.StepParallelForeach, workflowtypes.StepConditional,
		workflowtypes.StepWhileLoop, workflowtypes.StepForeach, workflowtypes.StepBreak,
		workflowtypes.StepContinue, workflowtypes.StepStateUpdate, workflowtypes.StepTryCatch:
		return true
	default:
		return false
	}
}
