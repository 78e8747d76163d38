package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomctl/internal/engine"
	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/internal/state"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

func newSessionFor(t *testing.T, steps []workflowtypes.Step) *Session {
	t.Helper()
	store, err := state.New(state.Schema{}, expr.New())
	require.NoError(t, err)
	require.NoError(t, store.Initialise(nil))
	def := &workflowtypes.WorkflowDefinition{Name: "demo:dispatch", Version: "1.0.0", Steps: steps}
	interp := engine.New(def, store, expr.New(), engine.NewShellRunner(), nil, false)
	return NewSession(interp)
}

func TestGetNextStepCoalescesConsecutiveUserMessages(t *testing.T) {
	sess := newSessionFor(t, []workflowtypes.Step{
		{ID: "m1", Type: workflowtypes.StepUserMessage, Message: "one"},
		{ID: "m2", Type: workflowtypes.StepUserMessage, Message: "two"},
		{ID: "input", Type: workflowtypes.StepUserInput, Prompt: "now what?"},
	})

	atomic, err := sess.GetNextStep(context.Background())
	require.NoError(t, err)
	require.NotNil(t, atomic)
	assert.Equal(t, "m1,m2", atomic.ID)
	assert.Equal(t, []interface{}{"one", "two"}, atomic.Definition["messages"])

	require.NoError(t, sess.StepComplete(atomic.ID, "success"))

	next, err := sess.GetNextStep(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "input", next.ID)
	assert.Equal(t, workflowtypes.AtomicUserInput, next.Type)
}

func TestGetNextStepAutoClearsWaitStepWithoutStepComplete(t *testing.T) {
	sess := newSessionFor(t, []workflowtypes.Step{
		{ID: "hold", Type: workflowtypes.StepWait, Message: "waiting"},
		{ID: "say", Type: workflowtypes.StepUserMessage, Message: "done waiting"},
	})

	atomic, err := sess.GetNextStep(context.Background())
	require.NoError(t, err)
	require.Equal(t, workflowtypes.AtomicWait, atomic.Type)

	next, err := sess.GetNextStep(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "say", next.ID)
}

func TestStepCompleteRejectsMismatchedID(t *testing.T) {
	sess := newSessionFor(t, []workflowtypes.Step{
		{ID: "only", Type: workflowtypes.StepUserMessage, Message: "hi"},
	})
	_, err := sess.GetNextStep(context.Background())
	require.NoError(t, err)

	err = sess.StepComplete("not-the-pending-id", "success")
	assert.Error(t, err)
}
