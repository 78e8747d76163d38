// Package engine implements the Step Interpreter, spec §4.D: a stack
// machine that drives a WorkflowDefinition's step tree one atomic step at a
// time. The stack-of-frames shape is grounded on the teacher's
// internal/workflows/runtime/step_executor.go, which already models
// sequence/loop/conditional execution as a cursor walking a step list with
// pushed sub-lists for nested blocks; this package generalizes that cursor
// into an explicit frame stack so execution can suspend at any
// client-visible step and resume later from exactly where it left off.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/loomhq/loomctl/internal/engine/errs"
	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/internal/state"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// Interpreter drives one WorkflowInstance's step tree. It holds no network
// or persistence concerns of its own — those belong to internal/dispatch
// (queueing/classification), internal/instance (lifecycle), and
// internal/checkpoint (durability).
type Interpreter struct {
	def       *workflowtypes.WorkflowDefinition
	store     *state.Store
	evaluator *expr.Evaluator
	shell     ShellRunner
	parallel  ParallelDispatcher

	// debugSerial rewrites every parallel_foreach into an in-process
	// foreach over the sub-agent task's own steps, spec §9 / the
	// AROMCP_WORKFLOW_DEBUG=serial contract.
	debugSerial bool

	frames  []frame
	barrier *parallelBarrier

	// pendingStep is the last step for which a client-visible AtomicStep
	// was emitted and not yet completed. CompleteStep consumes it to apply
	// result_var/state_update bindings the step's config names; it is not
	// used for control-flow decisions, which the frame stack alone drives.
	pendingStep *workflowtypes.Step
	// pendingChild is set when pendingStep's atomic was actually emitted by
	// a debug-serial sub-agent's child Interpreter; CompleteStep then
	// delegates to it instead of applying bindings itself.
	pendingChild *Interpreter

	retryCounts map[string]int

	completed bool
	failed    bool
	failErr   error
}

// New constructs an Interpreter at the root of def's step tree. store must
// already be Initialise'd. parallel may be nil only when debugSerial is
// true or def has no parallel_foreach steps.
func New(def *workflowtypes.WorkflowDefinition, store *state.Store, evaluator *expr.Evaluator, shell ShellRunner, parallel ParallelDispatcher, debugSerial bool) *Interpreter {
	return &Interpreter{
		def:         def,
		store:       store,
		evaluator:   evaluator,
		shell:       shell,
		parallel:    parallel,
		debugSerial: debugSerial,
		frames:      []frame{newSequenceFrame(def.Steps)},
		retryCounts: make(map[string]int),
	}
}

// Done reports whether the step tree has fully unwound.
func (in *Interpreter) Done() bool { return in.completed }

// Failed reports whether the interpreter stopped on an unrecoverable error.
func (in *Interpreter) Failed() (bool, error) { return in.failed, in.failErr }

// Next drives the frame stack forward until either a client-visible
// AtomicStep is ready to return, the tree completes (nil, nil), or an
// unrecoverable error occurs. It carries no memory of "is a step pending" —
// that bookkeeping, including user_message batch-coalescing and wait-step
// auto-clear, lives in internal/dispatch, which simply calls Next again.
func (in *Interpreter) Next(ctx context.Context) (*workflowtypes.AtomicStep, error) {
	if in.failed {
		return nil, in.failErr
	}

	for {
		if in.barrier != nil {
			done, results := in.parallel.Poll(ctx, in.barrier.taskIDs)
			in.barrier.results = append(in.barrier.results, results...)
			if !done {
				return in.waitAtomic(in.barrier.stepID, "waiting for parallel sub-agents to complete"), nil
			}
			if err := in.resolveBarrier(in.barrier.results); err != nil {
				in.failed, in.failErr = true, err
				return nil, err
			}
			in.barrier = nil
			continue
		}

		if len(in.frames) == 0 {
			in.completed = true
			return nil, nil
		}

		top := &in.frames[len(in.frames)-1]
		switch top.kind {
		case frameSequence:
			if top.done() {
				in.frames = in.frames[:len(in.frames)-1]
				continue
			}
			step := top.next()
			atomic, err := in.execStep(ctx, step)
			if err != nil {
				handled, herr := in.handleError(step, err)
				if herr != nil {
					in.failed, in.failErr = true, herr
					return nil, herr
				}
				if handled {
					continue
				}
				in.failed, in.failErr = true, err
				return nil, err
			}
			if atomic != nil {
				in.pendingStep = &step
				return atomic, nil
			}
			continue

		case frameSubAgent:
			atomic, done, err := in.stepSubAgentFrame(ctx, top)
			if err != nil {
				in.failed, in.failErr = true, err
				return nil, err
			}
			if atomic != nil {
				in.pendingStep = &workflowtypes.Step{ID: atomic.ID}
				in.pendingChild = top.subChild
				return atomic, nil
			}
			if done {
				if err := in.aggregateSubAgentFrame(top); err != nil {
					in.failed, in.failErr = true, err
					return nil, err
				}
				in.frames = in.frames[:len(in.frames)-1]
			}
			continue

		case frameLoop:
			pushed, err := in.advanceLoop(top)
			if err != nil {
				in.failed, in.failErr = true, err
				return nil, err
			}
			if !pushed {
				in.frames = in.frames[:len(in.frames)-1]
			}
			continue

		case frameTryCatch:
			if top.tcDone() {
				if top.tcPhase == 2 {
					in.frames = in.frames[:len(in.frames)-1]
					continue
				}
				if top.tcAdvanceAfterSuccess() {
					continue
				}
				in.frames = in.frames[:len(in.frames)-1]
				continue
			}
			step := top.tcNext()
			atomic, err := in.execStep(ctx, step)
			if err != nil {
				if top.tcPhase == 0 {
					top.tcEnterCatch(err.Error())
					continue
				}
				handled, herr := in.handleError(step, err)
				if herr != nil {
					in.failed, in.failErr = true, herr
					return nil, herr
				}
				if handled {
					continue
				}
				in.failed, in.failErr = true, err
				return nil, err
			}
			if atomic != nil {
				in.pendingStep = &step
				return atomic, nil
			}
			continue
		}
	}
}

// CompleteStep applies the result of a previously-emitted client-visible
// atomic step: binding result_var (user_input/mcp_call/agent_response) and
// resolving any attached state_update ops, with "result" bound in scope.
// Called by internal/dispatch before its next call to Next.
func (in *Interpreter) CompleteStep(stepID string, result interface{}) error {
	if in.pendingStep == nil || in.pendingStep.ID != stepID {
		return &errs.ProtocolError{WorkflowID: in.def.Name, Reason: fmt.Sprintf("no pending step %q", stepID)}
	}
	if in.pendingChild != nil {
		_, childStepID, ok := splitDelegatedStepID(stepID)
		if !ok {
			return &errs.ProtocolError{WorkflowID: in.def.Name, Reason: fmt.Sprintf("malformed delegated step id %q", stepID)}
		}
		child := in.pendingChild
		in.pendingStep, in.pendingChild = nil, nil
		return child.CompleteStep(childStepID, result)
	}
	step := *in.pendingStep
	in.pendingStep = nil
	return in.bindStepResult(step, result)
}

// FailStep applies a step's error_handling policy when the agent reports a
// client-visible step (shell_command(client), mcp_call, ...) as failed
// rather than calling CompleteStep with a result, spec §6
// workflow.step_complete's optional status field.
func (in *Interpreter) FailStep(stepID string, reason string) error {
	if in.pendingStep == nil || in.pendingStep.ID != stepID {
		return &errs.ProtocolError{WorkflowID: in.def.Name, Reason: fmt.Sprintf("no pending step %q", stepID)}
	}
	if in.pendingChild != nil {
		_, childStepID, ok := splitDelegatedStepID(stepID)
		if !ok {
			return &errs.ProtocolError{WorkflowID: in.def.Name, Reason: fmt.Sprintf("malformed delegated step id %q", stepID)}
		}
		child := in.pendingChild
		in.pendingStep, in.pendingChild = nil, nil
		return child.FailStep(childStepID, reason)
	}
	step := *in.pendingStep
	in.pendingStep = nil
	stepErr := &errs.StepExecutionError{StepID: step.ID, Code: "AGENT_REPORTED_FAILURE", Reason: reason}
	handled, herr := in.handleError(step, stepErr)
	if herr != nil {
		in.failed, in.failErr = true, herr
		return herr
	}
	if handled {
		return nil
	}
	in.failed, in.failErr = true, stepErr
	return stepErr
}

func (in *Interpreter) bindStepResult(step workflowtypes.Step, result interface{}) error {
	if step.ResultVar != "" {
		op := workflowtypes.StateUpdateOp{Path: "this." + step.ResultVar, Operation: "set", Value: result}
		if err := in.store.Update([]workflowtypes.StateUpdateOp{op}); err != nil {
			return err
		}
	}
	if len(step.StateUpdate) > 0 {
		scope := mergeScope(in.buildScope(), map[string]interface{}{"result": result})
		resolved, err := in.resolveStateOps(step.StateUpdate, scope)
		if err != nil {
			return err
		}
		if err := in.store.Update(resolved); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) execStep(ctx context.Context, step workflowtypes.Step) (*workflowtypes.AtomicStep, error) {
	switch step.Type {
	case workflowtypes.StepStateUpdate:
		scope := in.buildScope()
		resolved, err := in.resolveStateOps(step.StateUpdate, scope)
		if err != nil {
			return nil, err
		}
		return nil, in.store.Update(resolved)

	case workflowtypes.StepConditional:
		scope := in.buildScope()
		cond, err := in.evaluator.EvaluateCondition(step.Condition, scope)
		if err != nil {
			return nil, err
		}
		branch := step.ElseSteps
		if cond {
			branch = step.ThenSteps
		}
		in.frames = append(in.frames, newSequenceFrame(branch))
		return nil, nil

	case workflowtypes.StepWhileLoop:
		maxIter := step.MaxIterations
		if maxIter <= 0 {
			maxIter = 100
		}
		in.frames = append(in.frames, frame{
			kind: frameLoop, isWhile: true, whileCond: step.Condition,
			maxIterations: maxIter, body: step.Body,
		})
		return nil, nil

	case workflowtypes.StepForeach:
		scope := in.buildScope()
		val, err := in.evaluator.EvaluateExpression(step.Items, scope)
		if err != nil {
			return nil, err
		}
		items, ok := val.([]interface{})
		if !ok {
			return nil, &errs.ExpressionError{Expression: step.Items, Cause: "items must evaluate to an array"}
		}
		varName := step.VariableName
		if varName == "" {
			varName = "item"
		}
		in.frames = append(in.frames, frame{
			kind: frameLoop, isWhile: false, items: items,
			variableName: varName, body: step.Body,
		})
		return nil, nil

	case workflowtypes.StepBreak:
		return nil, in.unwindToLoop(true)
	case workflowtypes.StepContinue:
		return nil, in.unwindToLoop(false)

	case workflowtypes.StepTryCatch:
		in.frames = append(in.frames, frame{
			kind: frameTryCatch, tcTry: step.Try, tcCatch: step.Catch, tcFinally: step.Finally,
		})
		return nil, nil

	case workflowtypes.StepParallelForeach:
		return in.execParallelForeach(ctx, step)

	case workflowtypes.StepShellCommand:
		return in.execShellCommand(ctx, step)

	case workflowtypes.StepUserMessage:
		scope := in.buildScope()
		msg, err := in.evaluator.SubstituteTemplate(step.Message, scope)
		if err != nil {
			return nil, err
		}
		return &workflowtypes.AtomicStep{ID: step.ID, Type: workflowtypes.AtomicUserMessage, Instructions: msg, Definition: map[string]interface{}{}}, nil

	case workflowtypes.StepUserInput:
		scope := in.buildScope()
		prompt, err := in.evaluator.SubstituteTemplate(step.Prompt, scope)
		if err != nil {
			return nil, err
		}
		inputType := step.InputType
		if inputType == "" {
			inputType = workflowtypes.InputString
		}
		def := map[string]interface{}{"input_type": string(inputType)}
		if len(step.Choices) > 0 {
			choices := make([]interface{}, len(step.Choices))
			for i, c := range step.Choices {
				choices[i] = c
			}
			def["choices"] = choices
		}
		return &workflowtypes.AtomicStep{ID: step.ID, Type: workflowtypes.AtomicUserInput, Instructions: prompt, Definition: def}, nil

	case workflowtypes.StepMCPCall:
		scope := in.buildScope()
		resolvedParams, err := substituteDeep(in.evaluator, step.Params, scope)
		if err != nil {
			return nil, err
		}
		return &workflowtypes.AtomicStep{
			ID: step.ID, Type: workflowtypes.AtomicMCPCall, Instructions: step.Tool,
			Definition: map[string]interface{}{"tool": step.Tool, "params": resolvedParams},
		}, nil

	case workflowtypes.StepAgentPrompt:
		scope := in.buildScope()
		msg, err := in.evaluator.SubstituteTemplate(step.Message, scope)
		if err != nil {
			return nil, err
		}
		return &workflowtypes.AtomicStep{ID: step.ID, Type: workflowtypes.AtomicUserMessage, Instructions: msg, Definition: map[string]interface{}{}}, nil

	case workflowtypes.StepAgentResponse:
		return &workflowtypes.AtomicStep{
			ID: step.ID, Type: workflowtypes.AtomicUserInput,
			Instructions: "record the sub-agent's response",
			Definition:   map[string]interface{}{"input_type": "string"},
		}, nil

	case workflowtypes.StepWait:
		scope := in.buildScope()
		msg, err := in.evaluator.SubstituteTemplate(step.Message, scope)
		if err != nil {
			return nil, err
		}
		return &workflowtypes.AtomicStep{ID: step.ID, Type: workflowtypes.AtomicWait, Instructions: msg, Definition: map[string]interface{}{}}, nil

	default:
		return nil, &errs.StepExecutionError{StepID: step.ID, Code: "UNKNOWN_STEP_TYPE", Reason: fmt.Sprintf("unhandled step type %q", step.Type)}
	}
}

func (in *Interpreter) execShellCommand(ctx context.Context, step workflowtypes.Step) (*workflowtypes.AtomicStep, error) {
	scope := in.buildScope()
	command, err := in.evaluator.SubstituteTemplate(step.Command, scope)
	if err != nil {
		return nil, err
	}

	if step.ExecutionContext == workflowtypes.ExecContextClient {
		workingDir, err := in.evaluator.SubstituteTemplate(step.WorkingDirectory, scope)
		if err != nil {
			return nil, err
		}
		return &workflowtypes.AtomicStep{
			ID: step.ID, Type: workflowtypes.AtomicAgentShellCommand, Instructions: command,
			Definition: map[string]interface{}{
				"working_directory": workingDir,
				"timeout_seconds":   step.TimeoutSeconds,
				"output_parse":      string(step.OutputParse),
			},
		}, nil
	}

	workingDir, err := in.evaluator.SubstituteTemplate(step.WorkingDirectory, scope)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	result, err := in.shell.Run(ctx, command, workingDir, timeout)
	if err != nil {
		return nil, &errs.StepExecutionError{StepID: step.ID, Code: "SHELL_EXEC_FAILED", Reason: err.Error(), Err: err}
	}

	parsed := parseOutput(step.OutputParse, result.Stdout)
	shellResult := map[string]interface{}{
		"stdout": result.Stdout, "stderr": result.Stderr,
		"exit_code": float64(result.ExitCode), "parsed": parsed,
	}
	if err := in.bindStepResult(step, shellResult); err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, &errs.StepExecutionError{
			StepID: step.ID, Code: "NONZERO_EXIT",
			Reason: fmt.Sprintf("exit code %d: %s", result.ExitCode, result.Stderr),
		}
	}
	return nil, nil
}

func (in *Interpreter) execParallelForeach(ctx context.Context, step workflowtypes.Step) (*workflowtypes.AtomicStep, error) {
	scope := in.buildScope()
	val, err := in.evaluator.EvaluateExpression(step.Items, scope)
	if err != nil {
		return nil, err
	}
	items, ok := val.([]interface{})
	if !ok {
		return nil, &errs.ExpressionError{Expression: step.Items, Cause: "items must evaluate to an array"}
	}

	task, ok := in.def.SubAgentTasks[step.SubAgentTask]
	if !ok {
		return nil, &errs.StepExecutionError{StepID: step.ID, Code: "UNKNOWN_SUB_AGENT_TASK", Reason: step.SubAgentTask}
	}

	if in.debugSerial {
		in.frames = append(in.frames, frame{
			kind: frameSubAgent, subStepID: step.ID, subItems: items, subTask: &task,
		})
		return nil, nil
	}

	if in.parallel == nil {
		return nil, &errs.StepExecutionError{StepID: step.ID, Code: "NO_COORDINATOR", Reason: "parallel_foreach requires a sub-agent coordinator"}
	}

	maxParallel := step.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 5
	}
	waitForAll := true
	if step.WaitForAll != nil {
		waitForAll = *step.WaitForAll
	}

	atomic, taskIDs, err := in.parallel.Dispatch(ctx, ParallelDispatchRequest{
		ParentStepID: step.ID, Items: items, Task: task, MaxParallel: maxParallel,
		TimeoutSeconds: task.TimeoutSeconds, PromptOverride: step.PromptOverride,
	})
	if err != nil {
		return nil, &errs.SubAgentError{TaskID: step.SubAgentTask, Reason: "dispatch failed", Err: err}
	}

	in.barrier = &parallelBarrier{
		stepID: step.ID, taskIDs: taskIDs, waitForAll: waitForAll,
		resultPath: "this.sub_agent_results", errorPath: "this.sub_agent_errors",
	}
	return &atomic, nil
}

func (in *Interpreter) resolveBarrier(results []ChildAggregationResult) error {
	resultsByTask := map[string]interface{}{}
	errorsByTask := map[string]interface{}{}
	for _, r := range results {
		if r.Err != "" {
			errorsByTask[r.TaskID] = r.Err
		} else {
			resultsByTask[r.TaskID] = r.FlatState
		}
	}
	var ops []workflowtypes.StateUpdateOp
	if len(resultsByTask) > 0 {
		ops = append(ops, workflowtypes.StateUpdateOp{Path: in.barrier.resultPath, Operation: "merge", Value: resultsByTask})
	}
	if len(errorsByTask) > 0 {
		ops = append(ops, workflowtypes.StateUpdateOp{Path: in.barrier.errorPath, Operation: "merge", Value: errorsByTask})
	}
	if len(ops) == 0 {
		return nil
	}
	return in.store.Update(ops)
}

func (in *Interpreter) waitAtomic(stepID, instructions string) *workflowtypes.AtomicStep {
	return &workflowtypes.AtomicStep{ID: stepID, Type: workflowtypes.AtomicWait, Instructions: instructions, Definition: map[string]interface{}{}}
}

// advanceLoop evaluates the loop's next step (condition check for while,
// next item for foreach) and pushes a body sequence frame bound with loop.*
// scope when another iteration is due. Returns false when the loop is done.
func (in *Interpreter) advanceLoop(top *frame) (bool, error) {
	if top.isWhile {
		if top.iteration >= top.maxIterations {
			return false, &errs.StepExecutionError{Code: "MAX_ITERATIONS_EXCEEDED", Reason: fmt.Sprintf("while_loop exceeded max_iterations=%d", top.maxIterations)}
		}
		nextIteration := top.iteration + 1
		scope := mergeScope(in.buildScope(), map[string]interface{}{"loop": map[string]interface{}{"iteration": float64(nextIteration)}})
		cond, err := in.evaluator.EvaluateCondition(top.whileCond, scope)
		if err != nil {
			return false, err
		}
		if !cond {
			return false, nil
		}
		top.iteration = nextIteration
		bodyFrame := newSequenceFrame(top.body)
		bodyFrame.injectedScope = map[string]interface{}{"loop": map[string]interface{}{"iteration": float64(top.iteration)}}
		in.frames = append(in.frames, bodyFrame)
		return true, nil
	}

	if top.itemIndex >= len(top.items) {
		return false, nil
	}
	item := top.items[top.itemIndex]
	idx := top.itemIndex
	top.itemIndex++
	top.iteration++

	bodyFrame := newSequenceFrame(top.body)
	bodyFrame.injectedScope = map[string]interface{}{"loop": map[string]interface{}{
		top.variableName: item,
		"index":          float64(idx),
		"iteration":      float64(top.iteration),
	}}
	in.frames = append(in.frames, bodyFrame)
	return true, nil
}

// unwindToLoop pops frames until the nearest enclosing loop frame; popLoop
// additionally removes the loop frame itself (break), or leaves it so the
// driver re-evaluates/advances it (continue).
func (in *Interpreter) unwindToLoop(popLoop bool) error {
	for len(in.frames) > 0 {
		idx := len(in.frames) - 1
		if in.frames[idx].kind == frameLoop {
			if popLoop {
				in.frames = in.frames[:idx]
			}
			return nil
		}
		in.frames = in.frames[:idx]
	}
	return &errs.StepExecutionError{Code: "NO_ENCLOSING_LOOP", Reason: "break/continue used outside a while_loop/foreach body"}
}

// handleError applies a step's error_handling policy, spec §4.D/§7.
// Returns true when the error was absorbed and execution should continue.
func (in *Interpreter) handleError(step workflowtypes.Step, stepErr error) (bool, error) {
	if step.ErrorHandling == nil {
		return false, nil
	}
	switch step.ErrorHandling.Strategy {
	case "continue":
		return true, nil
	case "fallback":
		if err := in.bindStepResult(step, step.ErrorHandling.FallbackValue); err != nil {
			return false, err
		}
		return true, nil
	case "retry":
		max := step.ErrorHandling.MaxRetries
		if max <= 0 {
			max = 1
		}
		if in.retryCounts[step.ID] < max {
			if step.Type == workflowtypes.StepShellCommand {
				backoff := 100 * time.Millisecond * time.Duration(1<<uint(in.retryCounts[step.ID]))
				if backoff > 5*time.Second {
					backoff = 5 * time.Second
				}
				time.Sleep(backoff)
			}
			in.retryCounts[step.ID]++
			in.frames = append(in.frames, newSequenceFrame([]workflowtypes.Step{step}))
			return true, nil
		}
		return false, nil
	default:
		return false, nil
	}
}

func (in *Interpreter) buildScope() map[string]interface{} {
	scope := in.store.Scope()
	for i := range in.frames {
		for k, v := range in.frames[i].injectedScope {
			scope[k] = v
		}
	}
	return scope
}

func (in *Interpreter) resolveStateOps(ops []workflowtypes.StateUpdateOp, scope map[string]interface{}) ([]workflowtypes.StateUpdateOp, error) {
	resolved := make([]workflowtypes.StateUpdateOp, len(ops))
	for i, op := range ops {
		out := op
		if s, ok := op.Value.(string); ok {
			v, err := in.evaluator.EvaluateExpression(s, scope)
			if err != nil {
				return nil, err
			}
			out.Value = v
		}
		resolved[i] = out
	}
	return resolved, nil
}

func mergeScope(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
