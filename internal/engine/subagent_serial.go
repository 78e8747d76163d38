package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomhq/loomctl/internal/state"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// stepSubAgentFrame advances a debug-serial parallel_foreach by one unit of
// work: either starting the next item's child Interpreter, driving the
// active child one step, or recording a finished child's outcome. Returns
// (atomic, done, err); atomic is non-nil when a client-visible step needs
// to propagate up to the caller, done is true once every item has been
// processed (caller should aggregate and pop the frame).
func (in *Interpreter) stepSubAgentFrame(ctx context.Context, top *frame) (*workflowtypes.AtomicStep, bool, error) {
	if top.subChild == nil {
		if top.subIndex >= len(top.subItems) {
			return nil, true, nil
		}
		child, err := in.newChildInterpreter(*top.subTask, top.subItems[top.subIndex])
		if err != nil {
			return nil, false, err
		}
		top.subChild = child
	}

	taskID := fmt.Sprintf("%s.%d", top.subStepID, top.subIndex)

	atomic, err := top.subChild.Next(ctx)
	if err != nil {
		if top.subErrors == nil {
			top.subErrors = map[string]interface{}{}
		}
		top.subErrors[taskID] = err.Error()
		top.subChild = nil
		top.subIndex++
		return nil, false, nil
	}
	if atomic != nil {
		prefixed := *atomic
		prefixed.ID = taskID + ":" + atomic.ID
		return &prefixed, false, nil
	}

	if top.subResults == nil {
		top.subResults = map[string]interface{}{}
	}
	top.subResults[taskID] = top.subChild.store.Read()
	top.subChild = nil
	top.subIndex++
	return nil, false, nil
}

// aggregateSubAgentFrame merges a finished debug-serial frame's per-item
// results/errors into the parent's state at the same conventional paths a
// true parallel run uses, spec §4.F's bit-identical-aggregation guarantee.
func (in *Interpreter) aggregateSubAgentFrame(top *frame) error {
	var ops []workflowtypes.StateUpdateOp
	if len(top.subResults) > 0 {
		ops = append(ops, workflowtypes.StateUpdateOp{Path: "this.sub_agent_results", Operation: "merge", Value: top.subResults})
	}
	if len(top.subErrors) > 0 {
		ops = append(ops, workflowtypes.StateUpdateOp{Path: "this.sub_agent_errors", Operation: "merge", Value: top.subErrors})
	}
	if len(ops) == 0 {
		return nil
	}
	return in.store.Update(ops)
}

// newChildInterpreter builds an isolated Interpreter for one parallel_foreach
// item: a fresh State Store seeded from the task's default_state, with the
// item value bound to the task's first declared input (or "item" when the
// task declares none), spec §4.F "isolated State Store seeded from the
// task's default_state and the per-task inputs".
func (in *Interpreter) newChildInterpreter(task workflowtypes.SubAgentTaskSpec, item interface{}) (*Interpreter, error) {
	schema := state.Schema{Inputs: task.Inputs, DefaultState: task.DefaultState, Computed: task.StateSchema.Computed}
	store, err := state.New(schema, in.evaluator)
	if err != nil {
		return nil, err
	}
	bindName := "item"
	if len(task.Inputs) > 0 {
		bindName = task.Inputs[0].Name
	}
	if err := store.Initialise(map[string]interface{}{bindName: item}); err != nil {
		return nil, err
	}
	childDef := &workflowtypes.WorkflowDefinition{
		Name: in.def.Name + "/" + task.Name, Version: in.def.Version, Steps: task.Steps,
	}
	return New(childDef, store, in.evaluator, in.shell, in.parallel, in.debugSerial), nil
}

// splitDelegatedStepID reverses the taskID+":"+childStepID prefixing
// stepSubAgentFrame applies, recovering the id the child Interpreter
// originally issued.
func splitDelegatedStepID(id string) (taskID, childStepID string, ok bool) {
	idx := strings.Index(id, ":")
	if idx < 0 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}
