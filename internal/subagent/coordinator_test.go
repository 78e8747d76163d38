package subagent

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomctl/internal/engine"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

type fakeChild struct {
	status workflowtypes.InstanceStatus
	state  map[string]interface{}
}

type fakeRegistrar struct {
	mu       sync.Mutex
	children map[string]*fakeChild
	seq      int
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{children: make(map[string]*fakeChild)}
}

func (f *fakeRegistrar) StartChild(def *workflowtypes.WorkflowDefinition, inputs map[string]interface{}, parentID, taskID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("wf_child_%d", f.seq)
	f.children[id] = &fakeChild{status: workflowtypes.StatusPending, state: inputs}
	return id, nil
}

func (f *fakeRegistrar) Status(workflowID string) (workflowtypes.InstanceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children[workflowID].status, nil
}

func (f *fakeRegistrar) Admit(workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[workflowID].status = workflowtypes.StatusRunning
	return nil
}

func (f *fakeRegistrar) FinalState(workflowID string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children[workflowID].state, nil
}

func (f *fakeRegistrar) Fail(workflowID string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[workflowID].status = workflowtypes.StatusFailed
	return nil
}

// complete marks every currently-running child as completed, simulating
// the parent agent's spawned sub-agents finishing their own
// get_next_step/step_complete loops.
func (f *fakeRegistrar) completeRunning() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.children {
		if c.status == workflowtypes.StatusRunning {
			c.status = workflowtypes.StatusCompleted
		}
	}
}

func TestDispatchAdmitsOnlyUpToMaxParallel(t *testing.T) {
	reg := newFakeRegistrar()
	coord := NewCoordinator(reg)

	req := engine.ParallelDispatchRequest{
		ParentStepID: "fanout", Items: []interface{}{"a", "b", "c", "d"},
		Task: workflowtypes.SubAgentTaskSpec{Name: "echo", Inputs: []workflowtypes.InputSpec{{Name: "item", Type: workflowtypes.InputString}}},
		MaxParallel: 2,
	}
	atomic, taskIDs, err := coord.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, taskIDs, 4)
	assert.Equal(t, workflowtypes.AtomicParallelTasks, atomic.Type)

	running := 0
	for _, id := range taskIDs {
		status, _ := reg.Status(coord.tasks[id].workflowID)
		if status == workflowtypes.StatusRunning {
			running++
		}
	}
	assert.Equal(t, 2, running)
}

func TestPollAdmitsQueuedTasksAsSlotsFreeAndAggregates(t *testing.T) {
	reg := newFakeRegistrar()
	coord := NewCoordinator(reg)

	req := engine.ParallelDispatchRequest{
		ParentStepID: "fanout", Items: []interface{}{"x", "y", "z"},
		Task: workflowtypes.SubAgentTaskSpec{Name: "echo", Inputs: []workflowtypes.InputSpec{{Name: "item", Type: workflowtypes.InputString}}},
		MaxParallel: 1,
	}
	_, taskIDs, err := coord.Dispatch(context.Background(), req)
	require.NoError(t, err)

	done, results := coord.Poll(context.Background(), taskIDs)
	assert.False(t, done)
	assert.Empty(t, results)

	reg.completeRunning()
	done, results = coord.Poll(context.Background(), taskIDs)
	assert.False(t, done)
	require.Len(t, results, 1)

	reg.completeRunning()
	done, results = coord.Poll(context.Background(), taskIDs)
	assert.False(t, done)
	require.Len(t, results, 1)

	reg.completeRunning()
	done, results = coord.Poll(context.Background(), taskIDs)
	assert.True(t, done)
	require.Len(t, results, 1)
}
