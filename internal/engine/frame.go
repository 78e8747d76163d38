package engine

import "github.com/loomhq/loomctl/pkg/workflowtypes"

// frameKind discriminates the frame shapes spec §4.D names: Sequence, Loop
// (while/foreach), Conditional (modelled as a Sequence over the selected
// branch, per spec "push a sequence frame over then_steps or else_steps"),
// and TryCatch (the supplemented try_catch step, SPEC_FULL.md §12).
type frameKind int

const (
	frameSequence frameKind = iota
	frameLoop
	frameTryCatch
	// frameSubAgent drives a debug-serial parallel_foreach: one isolated
	// child Interpreter per item, run one at a time, spec §4.F's "each
	// iteration gets a scratch sub-state" requirement.
	frameSubAgent
)

// frame is one entry of the interpreter's stack.
type frame struct {
	kind  frameKind
	steps []workflowtypes.Step
	index int

	// loop frame fields
	isWhile       bool
	whileCond     string
	items         []interface{}
	itemIndex     int // zero-based index of the next item to bind, foreach only
	variableName  string
	iteration     int // one-based, exposed as loop.iteration
	maxIterations int
	body          []workflowtypes.Step

	// try_catch frame fields (supplemented step, SPEC_FULL.md §12)
	tcTry     []workflowtypes.Step
	tcCatch   []workflowtypes.Step
	tcFinally []workflowtypes.Step
	tcPhase   int // 0=try, 1=catch, 2=finally

	// extra scope bindings merged in for the lifetime of this frame and any
	// frame pushed above it: loop.* for a loop body, error.* for a catch
	// body.
	injectedScope map[string]interface{}

	// sub-agent (debug-serial) frame fields
	subStepID  string
	subItems   []interface{}
	subTask    *workflowtypes.SubAgentTaskSpec
	subIndex   int
	subChild   *Interpreter
	subResults map[string]interface{}
	subErrors  map[string]interface{}
}

func newSequenceFrame(steps []workflowtypes.Step) frame {
	return frame{kind: frameSequence, steps: steps}
}

func (f *frame) done() bool {
	return f.index >= len(f.steps)
}

func (f *frame) next() workflowtypes.Step {
	s := f.steps[f.index]
	f.index++
	return s
}

func (f *frame) tcSteps() []workflowtypes.Step {
	switch f.tcPhase {
	case 0:
		return f.tcTry
	case 1:
		return f.tcCatch
	default:
		return f.tcFinally
	}
}

func (f *frame) tcDone() bool {
	return f.index >= len(f.tcSteps())
}

func (f *frame) tcNext() workflowtypes.Step {
	s := f.tcSteps()[f.index]
	f.index++
	return s
}

// tcAdvanceAfterSuccess moves straight from try (or catch) to finally,
// skipping catch entirely when try never failed. Returns whether finally
// has any steps to run.
func (f *frame) tcAdvanceAfterSuccess() bool {
	if f.tcPhase < 2 {
		f.tcPhase = 2
		f.index = 0
		return len(f.tcFinally) > 0
	}
	return false
}

// tcEnterCatch redirects from a failed try into the catch body, binding err
// under the "error" scope variable for the duration of the catch phase.
func (f *frame) tcEnterCatch(errMessage string) {
	f.tcPhase = 1
	f.index = 0
	f.injectedScope = map[string]interface{}{
		"error": map[string]interface{}{"message": errMessage},
	}
}
