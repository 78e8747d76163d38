package engine

import (
	"context"

	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// ChildAggregationResult is one sub-agent's terminal outcome, reported back
// by a ParallelDispatcher once the corresponding child instance finishes.
type ChildAggregationResult struct {
	TaskID    string
	FlatState map[string]interface{}
	Err       string // non-empty if the child failed or timed out
}

// ParallelDispatchRequest carries everything a ParallelDispatcher needs to
// instantiate one child WorkflowInstance per item, spec §4.F.
type ParallelDispatchRequest struct {
	ParentStepID   string
	Items          []interface{}
	Task           workflowtypes.SubAgentTaskSpec
	MaxParallel    int
	TimeoutSeconds int
	PromptOverride string
}

// ParallelDispatcher is implemented by internal/subagent and injected into
// the Interpreter so engine never imports subagent/instance (avoiding an
// import cycle: instance owns an Interpreter per WorkflowInstance, and
// subagent creates child instances via instance.Manager).
type ParallelDispatcher interface {
	// Dispatch instantiates and registers one child instance per item and
	// returns the parallel_tasks AtomicStep plus the generated task ids.
	Dispatch(ctx context.Context, req ParallelDispatchRequest) (workflowtypes.AtomicStep, []string, error)
	// Poll reports whether every given task id has reached a terminal
	// state; results carries the outcomes of tasks that reached a terminal
	// state since the previous Poll (tasks already reported are omitted).
	Poll(ctx context.Context, taskIDs []string) (done bool, results []ChildAggregationResult)
}

// parallelBarrier tracks an in-flight parallel_foreach awaiting completion
// of its children before the parent interpreter may advance past it.
// Poll streams results incrementally (resolved tasks are removed from the
// Coordinator's registry and omitted from later polls), so results
// accumulates every poll's batch across the barrier's lifetime; resolveBarrier
// is fed the full accumulation once done, not just the final poll's.
type parallelBarrier struct {
	stepID     string
	taskIDs    []string
	waitForAll bool
	resultPath string // e.g. "this.sub_agent_results"
	errorPath  string // e.g. "this.sub_agent_errors"
	results    []ChildAggregationResult
}
