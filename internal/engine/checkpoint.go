package engine

import (
	"fmt"

	"github.com/loomhq/loomctl/internal/engine/errs"
	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/internal/state"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// Checkpoint is the opaque-to-callers snapshot of an Interpreter's cursor,
// spec §3 Lifecycle/Checkpoint and Open Question decision #3 (DESIGN.md):
// definition name+version and the frame stack. The inputs+state tiers are
// not part of it (instance.Manager stores them alongside, from
// Store.Tiers()); computed is excluded and rebuilt by full recomputation
// on restore.
type Checkpoint struct {
	DefinitionName    string          `json:"definition_name"`
	DefinitionVersion string          `json:"definition_version"`
	Frames            []FrameSnapshot `json:"frames"`
}

// FrameSnapshot captures one frame's cursor position by the step ids it
// covers (resolved back against the definition's step tree on restore)
// rather than by path-from-root, so it does not care which step (if any)
// originally pushed it.
type FrameSnapshot struct {
	Kind          frameKind              `json:"kind"`
	StepIDs       []string               `json:"step_ids,omitempty"`
	Index         int                    `json:"index"`
	IsWhile       bool                   `json:"is_while,omitempty"`
	WhileCond     string                 `json:"while_cond,omitempty"`
	Items         []interface{}          `json:"items,omitempty"`
	ItemIndex     int                    `json:"item_index,omitempty"`
	VariableName  string                 `json:"variable_name,omitempty"`
	Iteration     int                    `json:"iteration,omitempty"`
	MaxIterations int                    `json:"max_iterations,omitempty"`
	BodyStepIDs   []string               `json:"body_step_ids,omitempty"`
	TcTryIDs      []string               `json:"tc_try_ids,omitempty"`
	TcCatchIDs    []string               `json:"tc_catch_ids,omitempty"`
	TcFinallyIDs  []string               `json:"tc_finally_ids,omitempty"`
	TcPhase       int                    `json:"tc_phase,omitempty"`
	InjectedScope map[string]interface{} `json:"injected_scope,omitempty"`
}

// Checkpoint snapshots the interpreter's cursor. It returns an error if a
// parallel_foreach is currently in flight (a frameSubAgent frame, or a
// pending barrier awaiting true-parallel children): those hold live
// resources (child Interpreters, externally-running children) that are
// not meaningfully resumable from a cold JSON blob, so pausing mid-fan-out
// is not a supported checkpoint point.
func (in *Interpreter) Checkpoint() (*Checkpoint, error) {
	if in.barrier != nil {
		return nil, &errs.StepExecutionError{Code: "CHECKPOINT_UNSUPPORTED", Reason: "cannot checkpoint while a parallel_foreach barrier is awaiting children"}
	}
	snapshots := make([]FrameSnapshot, len(in.frames))
	for i, f := range in.frames {
		if f.kind == frameSubAgent {
			return nil, &errs.StepExecutionError{Code: "CHECKPOINT_UNSUPPORTED", Reason: "cannot checkpoint mid debug-serial parallel_foreach"}
		}
		snapshots[i] = snapshotFrame(f)
	}
	return &Checkpoint{DefinitionName: in.def.Name, DefinitionVersion: in.def.Version, Frames: snapshots}, nil
}

func snapshotFrame(f frame) FrameSnapshot {
	snap := FrameSnapshot{
		Kind: f.kind, Index: f.index, IsWhile: f.isWhile, WhileCond: f.whileCond,
		Items: f.items, ItemIndex: f.itemIndex, VariableName: f.variableName,
		Iteration: f.iteration, MaxIterations: f.maxIterations, TcPhase: f.tcPhase,
		InjectedScope: f.injectedScope,
	}
	snap.StepIDs = stepIDs(f.steps)
	snap.BodyStepIDs = stepIDs(f.body)
	snap.TcTryIDs = stepIDs(f.tcTry)
	snap.TcCatchIDs = stepIDs(f.tcCatch)
	snap.TcFinallyIDs = stepIDs(f.tcFinally)
	return snap
}

func stepIDs(steps []workflowtypes.Step) []string {
	if len(steps) == 0 {
		return nil
	}
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

// Restore reconstructs an Interpreter from a Checkpoint, re-resolving each
// frame's step-id lists against def's step tree. store must already be
// Initialise'd with the checkpoint's inputs+state (computed is
// recomputed fresh by the caller's state.New/Initialise, per Open
// Question decision #3).
func Restore(def *workflowtypes.WorkflowDefinition, store *state.Store, evaluator *expr.Evaluator, shell ShellRunner, parallel ParallelDispatcher, debugSerial bool, cp *Checkpoint) (*Interpreter, error) {
	if cp.DefinitionName != def.Name || cp.DefinitionVersion != def.Version {
		return nil, &errs.InvalidWorkflowDefinition{Workflow: def.Name, Reason: fmt.Sprintf("checkpoint was taken against %s@%s", cp.DefinitionName, cp.DefinitionVersion)}
	}
	index := buildStepIndex(def.Steps)
	frames := make([]frame, len(cp.Frames))
	for i, snap := range cp.Frames {
		f, err := restoreFrame(snap, index)
		if err != nil {
			return nil, err
		}
		frames[i] = f
	}
	in := New(def, store, evaluator, shell, parallel, debugSerial)
	in.frames = frames
	return in, nil
}

func restoreFrame(snap FrameSnapshot, index map[string]workflowtypes.Step) (frame, error) {
	steps, err := resolveSteps(snap.StepIDs, index)
	if err != nil {
		return frame{}, err
	}
	body, err := resolveSteps(snap.BodyStepIDs, index)
	if err != nil {
		return frame{}, err
	}
	tcTry, err := resolveSteps(snap.TcTryIDs, index)
	if err != nil {
		return frame{}, err
	}
	tcCatch, err := resolveSteps(snap.TcCatchIDs, index)
	if err != nil {
		return frame{}, err
	}
	tcFinally, err := resolveSteps(snap.TcFinallyIDs, index)
	if err != nil {
		return frame{}, err
	}
	return frame{
		kind: snap.Kind, steps: steps, index: snap.Index,
		isWhile: snap.IsWhile, whileCond: snap.WhileCond, items: snap.Items,
		itemIndex: snap.ItemIndex, variableName: snap.VariableName, iteration: snap.Iteration,
		maxIterations: snap.MaxIterations, body: body,
		tcTry: tcTry, tcCatch: tcCatch, tcFinally: tcFinally, tcPhase: snap.TcPhase,
		injectedScope: snap.InjectedScope,
	}, nil
}

func resolveSteps(ids []string, index map[string]workflowtypes.Step) ([]workflowtypes.Step, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	steps := make([]workflowtypes.Step, len(ids))
	for i, id := range ids {
		s, ok := index[id]
		if !ok {
			return nil, &errs.InvalidWorkflowDefinition{Workflow: "", Reason: fmt.Sprintf("checkpoint references unknown step id %q", id)}
		}
		steps[i] = s
	}
	return steps, nil
}

// buildStepIndex flattens every step in the definition's tree (including
// nested then/else/body/try/catch/finally branches) keyed by id, so a
// checkpoint's per-frame step-id lists can be resolved independently of
// which branch they came from.
func buildStepIndex(steps []workflowtypes.Step) map[string]workflowtypes.Step {
	index := make(map[string]workflowtypes.Step)
	var walk func([]workflowtypes.Step)
	walk = func(list []workflowtypes.Step) {
		for _, s := range list {
			index[s.ID] = s
			walk(s.ThenSteps)
			walk(s.ElseSteps)
			walk(s.Body)
			walk(s.Try)
			walk(s.Catch)
			walk(s.Finally)
		}
	}
	walk(steps)
	return index
}
