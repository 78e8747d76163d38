// Package subagent implements the Sub-Agent Coordinator, spec §4.F: the
// true-parallel (non-debug) path of parallel_foreach. Dispatch registers one
// child WorkflowInstance per item and returns a parallel_tasks atomic
// instructing the parent agent to spawn one sub-agent per task_id, each
// driving its own get_next_step/step_complete loop against the MCP surface;
// Poll reports each child's outcome as it reaches a terminal status and
// signals done once every child has.
//
// Grounded on the teacher's internal/workflows/runtime/parallel_executor.go
// goroutine-fan-out-with-channel-collection shape, adapted from "run
// branches to completion in-process" to "admit externally-driven child
// instances under a concurrency cap and poll their registry status",
// since spec §4.F has the parent *agent* (not the server) drive each
// child's steps.
package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loomctl/internal/engine"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// Registrar is the subset of the Instance Manager the Coordinator depends
// on, kept narrow so internal/instance can import internal/subagent without
// a cycle back.
type Registrar interface {
	StartChild(def *workflowtypes.WorkflowDefinition, inputs map[string]interface{}, parentID, taskID string) (string, error)
	Status(workflowID string) (workflowtypes.InstanceStatus, error)
	Admit(workflowID string) error
	FinalState(workflowID string) (map[string]interface{}, error)
	Fail(workflowID string, reason string) error
}

const subAgentPrompt = "You are a sub-agent handling one parallel_foreach item. Call workflow.get_next_step with your assigned workflow_id and drive it to completion via workflow.step_complete, one step at a time. Do not spawn further sub-agents."

type taskEntry struct {
	workflowID string
	admitted   bool
	startedAt  time.Time
	timeout    time.Duration
}

type taskBatch struct {
	taskIDs     []string
	maxParallel int
}

// Coordinator implements engine.ParallelDispatcher.
type Coordinator struct {
	reg Registrar

	mu      sync.Mutex
	tasks   map[string]*taskEntry
	batches map[string]*taskBatch // keyed by parent step id
}

func NewCoordinator(reg Registrar) *Coordinator {
	return &Coordinator{reg: reg, tasks: make(map[string]*taskEntry), batches: make(map[string]*taskBatch)}
}

var _ engine.ParallelDispatcher = (*Coordinator)(nil)

// Dispatch instantiates one child WorkflowInstance per item (spec §4.F
// step 1-2) and returns the parallel_tasks atomic for the parent agent to
// relay to its spawned sub-agents (step 3).
func (c *Coordinator) Dispatch(ctx context.Context, req engine.ParallelDispatchRequest) (workflowtypes.AtomicStep, []string, error) {
	bindName := "item"
	if len(req.Task.Inputs) > 0 {
		bindName = req.Task.Inputs[0].Name
	}
	childDef := &workflowtypes.WorkflowDefinition{
		Name: req.Task.Name, Version: "0.0.0", Steps: req.Task.Steps,
		Inputs: req.Task.Inputs, DefaultState: req.Task.DefaultState, StateSchema: req.Task.StateSchema,
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	taskIDs := make([]string, len(req.Items))
	descriptors := make([]interface{}, len(req.Items))

	c.mu.Lock()
	for i, item := range req.Items {
		taskID := fmt.Sprintf("%s.%d", req.ParentStepID, i)
		inputs := map[string]interface{}{bindName: item}
		workflowID, err := c.reg.StartChild(childDef, inputs, req.ParentStepID, taskID)
		if err != nil {
			c.mu.Unlock()
			return workflowtypes.AtomicStep{}, nil, err
		}
		c.tasks[taskID] = &taskEntry{workflowID: workflowID, startedAt: time.Now(), timeout: timeout}
		taskIDs[i] = taskID
		descriptors[i] = workflowtypes.SubAgentTaskDescriptor{
			TaskID: taskID,
			Context: map[string]interface{}{
				bindName:      item,
				"workflow_id": workflowID,
			},
		}
	}
	maxParallel := req.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 5
	}
	batch := &taskBatch{taskIDs: taskIDs, maxParallel: maxParallel}
	c.batches[req.ParentStepID] = batch
	c.admitLocked(batch)
	c.mu.Unlock()

	prompt := req.PromptOverride
	if prompt == "" {
		prompt = subAgentPrompt
	}

	atomic := workflowtypes.AtomicStep{
		ID: req.ParentStepID, Type: workflowtypes.AtomicParallelTasks, Instructions: prompt,
		Definition: map[string]interface{}{"tasks": descriptors, "sub_agent_prompt": prompt},
	}
	return atomic, taskIDs, nil
}

// admitLocked promotes queued (not-yet-admitted) tasks of batch, in
// registration order, up to its maxParallel concurrency cap. Called with
// c.mu held.
func (c *Coordinator) admitLocked(batch *taskBatch) {
	admitted := 0
	for _, id := range batch.taskIDs {
		if entry, ok := c.tasks[id]; ok && entry.admitted {
			admitted++
		}
	}
	for _, id := range batch.taskIDs {
		if admitted >= batch.maxParallel {
			break
		}
		entry, ok := c.tasks[id]
		if !ok || entry.admitted {
			continue
		}
		if err := c.reg.Admit(entry.workflowID); err != nil {
			continue
		}
		entry.admitted = true
		admitted++
	}
}

// Poll checks every task's current status, admitting queued tasks as slots
// free and enforcing each child's timeout (spec §5 "Cancellation /
// timeouts"). Returns done=true once every task of this batch has reached
// a terminal state; completed/failed entries are removed from the
// registry so a later Poll for the same ids is a no-op.
func (c *Coordinator) Poll(ctx context.Context, taskIDs []string) (bool, []engine.ChildAggregationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var batch *taskBatch
	var batchKey string
	for key, b := range c.batches {
		if len(b.taskIDs) == len(taskIDs) && b.taskIDs[0] == taskIDs[0] {
			batch, batchKey = b, key
			break
		}
	}

	results := make([]engine.ChildAggregationResult, 0, len(taskIDs))
	allDone := true

	for _, id := range taskIDs {
		entry, ok := c.tasks[id]
		if !ok {
			// already resolved by a previous Poll call for this same batch.
			continue
		}
		if !entry.admitted {
			allDone = false
			continue
		}
		status, err := c.reg.Status(entry.workflowID)
		if err != nil {
			allDone = false
			continue
		}
		if entry.timeout > 0 && time.Since(entry.startedAt) > entry.timeout && status == workflowtypes.StatusRunning {
			_ = c.reg.Fail(entry.workflowID, "TIMEOUT")
			status = workflowtypes.StatusFailed
		}
		switch status {
		case workflowtypes.StatusCompleted:
			state, ferr := c.reg.FinalState(entry.workflowID)
			if ferr != nil {
				results = append(results, engine.ChildAggregationResult{TaskID: id, Err: ferr.Error()})
			} else {
				results = append(results, engine.ChildAggregationResult{TaskID: id, FlatState: state})
			}
			delete(c.tasks, id)
		case workflowtypes.StatusFailed:
			results = append(results, engine.ChildAggregationResult{TaskID: id, Err: "sub-agent task failed"})
			delete(c.tasks, id)
		default:
			allDone = false
		}
	}

	if batch != nil {
		c.admitLocked(batch)
		if allDone {
			delete(c.batches, batchKey)
		}
	}

	return allDone, results
}
