package instance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomctl/internal/engine"
	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

func TestStartGetNextStepStepCompleteLifecycle(t *testing.T) {
	mgr := NewManager(expr.New(), engine.NewShellRunner())

	def := &workflowtypes.WorkflowDefinition{
		Name: "demo:instance", Version: "1.0.0",
		DefaultState: map[string]interface{}{"counter": 0.0},
		Steps: []workflowtypes.Step{
			{ID: "bump", Type: workflowtypes.StepStateUpdate, StateUpdate: []workflowtypes.StateUpdateOp{
				{Path: "this.counter", Operation: "set", Value: 5.0},
			}},
			{ID: "report", Type: workflowtypes.StepUserMessage, Message: "Counter is {{ this.counter }}"},
		},
	}

	id, initial, err := mgr.Start(def, nil)
	require.NoError(t, err)
	assert.True(t, len(id) > len("wf_"))
	assert.Equal(t, 0.0, initial["counter"])

	atomic, err := mgr.GetNextStep(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, atomic)
	assert.Equal(t, "Counter is 5", atomic.Instructions)

	require.NoError(t, mgr.StepComplete(id, atomic.ID, "success"))

	atomic, err = mgr.GetNextStep(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, atomic)

	list := mgr.List()
	require.Len(t, list, 1)
	assert.Equal(t, workflowtypes.StatusCompleted, list[0].Status)
}

func TestGetNextStepOnUnknownWorkflowIDFails(t *testing.T) {
	mgr := NewManager(expr.New(), engine.NewShellRunner())
	_, err := mgr.GetNextStep(context.Background(), "wf_doesnotexist")
	assert.Error(t, err)
}

type fakeResolver struct {
	def *workflowtypes.WorkflowDefinition
}

func (f *fakeResolver) LoadByName(name string) (*workflowtypes.WorkflowDefinition, error) {
	if name != f.def.Name {
		return nil, assert.AnError
	}
	return f.def, nil
}

func TestCheckpointThenRestoreResumesFromTheSameCursor(t *testing.T) {
	mgr := NewManager(expr.New(), engine.NewShellRunner())
	def := &workflowtypes.WorkflowDefinition{
		Name: "demo:checkpoint", Version: "1.0.0",
		DefaultState: map[string]interface{}{"counter": 0.0},
		Steps: []workflowtypes.Step{
			{ID: "bump", Type: workflowtypes.StepStateUpdate, StateUpdate: []workflowtypes.StateUpdateOp{
				{Path: "this.counter", Operation: "set", Value: 5.0},
			}},
			{ID: "report", Type: workflowtypes.StepUserMessage, Message: "Counter is {{ this.counter }}"},
			{ID: "after", Type: workflowtypes.StepUserMessage, Message: "done"},
		},
	}
	mgr.SetDefinitionResolver(&fakeResolver{def: def})

	id, _, err := mgr.Start(def, nil)
	require.NoError(t, err)

	atomic, err := mgr.GetNextStep(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "Counter is 5", atomic.Instructions)
	require.NoError(t, mgr.StepComplete(id, atomic.ID, "success"))

	snapshot, err := mgr.Checkpoint(id)
	require.NoError(t, err)

	newID, err := mgr.Restore(snapshot)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	next, err := mgr.GetNextStep(context.Background(), newID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "after", next.ID)
	assert.Equal(t, "done", next.Instructions)
}

func TestCheckpointRejectsWhileAStepIsPendingCompletion(t *testing.T) {
	mgr := NewManager(expr.New(), engine.NewShellRunner())
	def := &workflowtypes.WorkflowDefinition{
		Name: "demo:checkpoint-pending", Version: "1.0.0",
		Steps: []workflowtypes.Step{{ID: "say", Type: workflowtypes.StepUserMessage, Message: "hi"}},
	}
	id, _, err := mgr.Start(def, nil)
	require.NoError(t, err)

	_, err = mgr.GetNextStep(context.Background(), id)
	require.NoError(t, err)

	_, err = mgr.Checkpoint(id)
	assert.Error(t, err)
}

func TestPauseBlocksGetNextStepUntilResume(t *testing.T) {
	mgr := NewManager(expr.New(), engine.NewShellRunner())
	def := &workflowtypes.WorkflowDefinition{
		Name: "demo:pause", Version: "1.0.0",
		Steps: []workflowtypes.Step{{ID: "say", Type: workflowtypes.StepUserMessage, Message: "hi"}},
	}
	id, _, err := mgr.Start(def, nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Pause(id))
	_, err = mgr.GetNextStep(context.Background(), id)
	assert.Error(t, err)

	require.NoError(t, mgr.Resume(id))
	atomic, err := mgr.GetNextStep(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "say", atomic.ID)
}
