package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/internal/state"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

func newTestStore(t *testing.T, schema state.Schema, inputs map[string]interface{}) *state.Store {
	t.Helper()
	s, err := state.New(schema, expr.New())
	require.NoError(t, err)
	require.NoError(t, s.Initialise(inputs))
	return s
}

// TestSequentialExecutionWithTemplate is spec seed scenario 2.
func TestSequentialExecutionWithTemplate(t *testing.T) {
	schema := state.Schema{DefaultState: map[string]interface{}{"counter": 0.0}}
	store := newTestStore(t, schema, nil)

	def := &workflowtypes.WorkflowDefinition{
		Name: "demo:seq", Version: "1.0.0",
		Steps: []workflowtypes.Step{
			{ID: "bump", Type: workflowtypes.StepStateUpdate, StateUpdate: []workflowtypes.StateUpdateOp{
				{Path: "this.counter", Operation: "set", Value: 5.0},
			}},
			{ID: "report", Type: workflowtypes.StepUserMessage, Message: "Counter is {{ this.counter }}"},
		},
	}

	interp := New(def, store, expr.New(), NewShellRunner(), nil, false)
	atomic, err := interp.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, atomic)
	assert.Equal(t, workflowtypes.AtomicUserMessage, atomic.Type)
	assert.Equal(t, "Counter is 5", atomic.Instructions)

	require.NoError(t, interp.CompleteStep("report", nil))
	atomic, err = interp.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, atomic)
	assert.True(t, interp.Done())
}

// TestWhileWithBreak is spec seed scenario 3.
func TestWhileWithBreak(t *testing.T) {
	schema := state.Schema{DefaultState: map[string]interface{}{"i": 0.0}}
	store := newTestStore(t, schema, nil)

	def := &workflowtypes.WorkflowDefinition{
		Name: "demo:whilebreak", Version: "1.0.0",
		Steps: []workflowtypes.Step{
			{ID: "loop", Type: workflowtypes.StepWhileLoop, Condition: "this.i<10", Body: []workflowtypes.Step{
				{ID: "incr", Type: workflowtypes.StepStateUpdate, StateUpdate: []workflowtypes.StateUpdateOp{
					{Path: "this.i", Operation: "increment", Value: 1.0},
				}},
				{ID: "maybe_stop", Type: workflowtypes.StepConditional, Condition: "this.i>=3", ThenSteps: []workflowtypes.Step{
					{ID: "stop", Type: workflowtypes.StepBreak},
				}},
			}},
		},
	}

	interp := New(def, store, expr.New(), NewShellRunner(), nil, false)
	iterations := 0
	for {
		atomic, err := interp.Next(context.Background())
		require.NoError(t, err)
		if atomic == nil {
			break
		}
		iterations++
		require.Less(t, iterations, 10)
	}
	assert.True(t, interp.Done())
	assert.Equal(t, 3.0, store.Read("i")["i"])
}

// TestForeachWithComputedFilter is spec seed scenario 4.
func TestForeachWithComputedFilter(t *testing.T) {
	schema := state.Schema{
		Inputs: []workflowtypes.InputSpec{{Name: "files", Type: workflowtypes.InputArray}},
		Computed: []workflowtypes.ComputedFieldSpec{
			{Name: "keep", From: []string{"inputs.files"}, Transform: "input.filter(f=>!f.includes(\".min.\"))"},
		},
	}
	store := newTestStore(t, schema, map[string]interface{}{
		"files": []interface{}{"a.ts", "b.min.js", "c.ts"},
	})

	def := &workflowtypes.WorkflowDefinition{
		Name: "demo:foreach", Version: "1.0.0",
		Steps: []workflowtypes.Step{
			{ID: "emit", Type: workflowtypes.StepForeach, Items: "this.keep", Body: []workflowtypes.Step{
				{ID: "say", Type: workflowtypes.StepUserMessage, Message: "{{ loop.item }}@{{ loop.index }}"},
			}},
		},
	}

	interp := New(def, store, expr.New(), NewShellRunner(), nil, false)
	var messages []string
	for {
		atomic, err := interp.Next(context.Background())
		require.NoError(t, err)
		if atomic == nil {
			break
		}
		messages = append(messages, atomic.Instructions)
	}
	assert.Equal(t, []string{"a.ts@0", "c.ts@1"}, messages)
}

// TestParallelForeachDebugSerialAggregation is spec seed scenario 5's
// serial-debug-mode variant: sub_agent_results keyed by generated task ids,
// each carrying the echoed item under "out".
func TestParallelForeachDebugSerialAggregation(t *testing.T) {
	schema := state.Schema{}
	store := newTestStore(t, schema, nil)

	def := &workflowtypes.WorkflowDefinition{
		Name: "demo:fanout", Version: "1.0.0",
		SubAgentTasks: map[string]workflowtypes.SubAgentTaskSpec{
			"echo": {
				Name:   "echo",
				Inputs: []workflowtypes.InputSpec{{Name: "item", Type: workflowtypes.InputString}},
				Steps: []workflowtypes.Step{
					{ID: "set_out", Type: workflowtypes.StepStateUpdate, StateUpdate: []workflowtypes.StateUpdateOp{
						{Path: "this.out", Operation: "set", Value: "inputs.item"},
					}},
				},
			},
		},
		Steps: []workflowtypes.Step{
			{ID: "fanout", Type: workflowtypes.StepParallelForeach, Items: "[\"x\",\"y\",\"z\"]", SubAgentTask: "echo"},
		},
	}

	interp := New(def, store, expr.New(), NewShellRunner(), nil, true)
	for {
		atomic, err := interp.Next(context.Background())
		require.NoError(t, err)
		if atomic == nil {
			break
		}
		t.Fatalf("unexpected client-visible atomic in an all-server-internal fanout: %+v", atomic)
	}
	assert.True(t, interp.Done())

	results, _ := store.Read("sub_agent_results")["sub_agent_results"].(map[string]interface{})
	require.Len(t, results, 3)
	var outs []string
	for _, v := range results {
		m := v.(map[string]interface{})
		outs = append(outs, m["out"].(string))
	}
	assert.ElementsMatch(t, []string{"x", "y", "z"}, outs)
}

// fakeStreamingDispatcher simulates a ParallelDispatcher whose Poll streams
// results incrementally across calls (as internal/subagent.Coordinator does
// once max_parallel < len(items)): each call returns only the tasks that
// finished since the previous call, and omits already-resolved ones.
type fakeStreamingDispatcher struct {
	taskIDs []string
	batches [][]ChildAggregationResult
	call    int
}

func (f *fakeStreamingDispatcher) Dispatch(ctx context.Context, req ParallelDispatchRequest) (workflowtypes.AtomicStep, []string, error) {
	return workflowtypes.AtomicStep{ID: req.ParentStepID, Type: workflowtypes.AtomicParallelTasks}, f.taskIDs, nil
}

func (f *fakeStreamingDispatcher) Poll(ctx context.Context, taskIDs []string) (bool, []ChildAggregationResult) {
	batch := f.batches[f.call]
	f.call++
	return f.call == len(f.batches), batch
}

// TestParallelForeachTrueParallelAccumulatesAcrossPolls is spec seed scenario
// 5's true-parallel variant: when max_parallel < len(items), Poll streams one
// batch of completions per call rather than returning every result on the
// final done=true call. The barrier must accumulate every batch, not just
// the last one.
func TestParallelForeachTrueParallelAccumulatesAcrossPolls(t *testing.T) {
	schema := state.Schema{}
	store := newTestStore(t, schema, nil)

	def := &workflowtypes.WorkflowDefinition{
		Name: "demo:fanout_parallel", Version: "1.0.0",
		SubAgentTasks: map[string]workflowtypes.SubAgentTaskSpec{
			"echo": {Name: "echo", Inputs: []workflowtypes.InputSpec{{Name: "item", Type: workflowtypes.InputString}}},
		},
		Steps: []workflowtypes.Step{
			{ID: "fanout", Type: workflowtypes.StepParallelForeach, Items: "[\"x\",\"y\",\"z\"]", SubAgentTask: "echo", MaxParallel: 1},
		},
	}

	dispatcher := &fakeStreamingDispatcher{
		taskIDs: []string{"fanout.0", "fanout.1", "fanout.2"},
		batches: [][]ChildAggregationResult{
			{{TaskID: "fanout.0", FlatState: map[string]interface{}{"out": "x"}}},
			{{TaskID: "fanout.1", FlatState: map[string]interface{}{"out": "y"}}},
			{{TaskID: "fanout.2", FlatState: map[string]interface{}{"out": "z"}}},
		},
	}

	interp := New(def, store, expr.New(), NewShellRunner(), dispatcher, false)
	for {
		atomic, err := interp.Next(context.Background())
		require.NoError(t, err)
		if atomic == nil {
			break
		}
	}
	assert.True(t, interp.Done())

	results, _ := store.Read("sub_agent_results")["sub_agent_results"].(map[string]interface{})
	require.Len(t, results, 3)
	var outs []string
	for _, v := range results {
		m := v.(map[string]interface{})
		outs = append(outs, m["out"].(string))
	}
	assert.ElementsMatch(t, []string{"x", "y", "z"}, outs)
}

// TestInvalidWriteToComputedRejectedDuringUpdateStep exercises spec seed
// scenario 6 through a state_update step rather than a direct Store call.
func TestInvalidWriteToComputedRejectedDuringUpdateStep(t *testing.T) {
	schema := state.Schema{
		DefaultState: map[string]interface{}{"n": 2.0},
		Computed: []workflowtypes.ComputedFieldSpec{
			{Name: "sq", From: []string{"this.n"}, Transform: "input*input"},
		},
	}
	store := newTestStore(t, schema, nil)

	def := &workflowtypes.WorkflowDefinition{
		Name: "demo:badwrite", Version: "1.0.0",
		Steps: []workflowtypes.Step{
			{ID: "bad", Type: workflowtypes.StepStateUpdate, StateUpdate: []workflowtypes.StateUpdateOp{
				{Path: "this.sq", Operation: "set", Value: 1.0},
			}},
		},
	}

	interp := New(def, store, expr.New(), NewShellRunner(), nil, false)
	_, err := interp.Next(context.Background())
	require.Error(t, err)
	assert.Equal(t, 4.0, store.Read("sq")["sq"])
}
