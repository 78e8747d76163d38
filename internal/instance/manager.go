// Package instance implements the Workflow Instance Manager, spec §4.G: a
// registry of live WorkflowInstances and their lifecycle operations
// (start/pause/resume/checkpoint/restore/complete/list). Grounded on the
// teacher's internal/lattice/work and internal/coding session-registry
// pattern (a concurrent map keyed by a generated id, one mutex per entry,
// uuid.New().String()[:8]-style id generation per
// internal/coding/nats_backend.go), generalized from "coding session" to
// "workflow instance".
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loomctl/internal/dispatch"
	"github.com/loomhq/loomctl/internal/engine"
	"github.com/loomhq/loomctl/internal/engine/errs"
	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/internal/state"
	"github.com/loomhq/loomctl/internal/subagent"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// DefinitionResolver loads a WorkflowDefinition by name, used by Restore to
// re-obtain the definition a checkpoint blob only references by
// name+version. Satisfied by *internal/definition.Loader.
type DefinitionResolver interface {
	LoadByName(name string) (*workflowtypes.WorkflowDefinition, error)
}

// snapshotEnvelope is the JSON shape handed back by Checkpoint and consumed
// by Restore, Open Question decision 3 (DESIGN.md): definition name+version
// to re-resolve against the Loader, the interpreter's frame-stack
// Checkpoint, and the inputs+state tiers (computed is rebuilt fresh).
type snapshotEnvelope struct {
	Checkpoint *engine.Checkpoint     `json:"checkpoint"`
	Inputs     map[string]interface{} `json:"inputs"`
	State      map[string]interface{} `json:"state"`
	ParentID   string                  `json:"parent_id,omitempty"`
	TaskID     string                  `json:"task_id,omitempty"`
}

// Manager implements subagent.Registrar; verified at compile time.
var _ subagent.Registrar = (*Manager)(nil)

// Instance is one registry entry: a running interpreter plus its dispatch
// session and bookkeeping the Manager needs for lifecycle operations.
type Instance struct {
	ID       string
	Def      *workflowtypes.WorkflowDefinition
	Store    *state.Store
	Session  *dispatch.Session
	Status   workflowtypes.InstanceStatus
	ParentID string
	TaskID   string
	StartedAt time.Time
}

// Manager is the spec §4.G registry. It also implements subagent.Registrar
// so a Coordinator can start/admit/inspect/fail child instances without
// internal/instance depending back on internal/subagent.
type Manager struct {
	evaluator   *expr.Evaluator
	shell       engine.ShellRunner
	parallel    engine.ParallelDispatcher
	debugSerial bool
	resolver    DefinitionResolver

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewManager constructs an empty registry. parallel may be nil until the
// Sub-Agent Coordinator is wired in (internal/subagent.NewCoordinator(mgr),
// set afterward via SetParallelDispatcher to break the construction cycle:
// the Coordinator needs a Registrar, and the Registrar (this Manager) hands
// that same Coordinator to every Interpreter it creates).
func NewManager(evaluator *expr.Evaluator, shell engine.ShellRunner) *Manager {
	return &Manager{
		evaluator:   evaluator,
		shell:       shell,
		debugSerial: os.Getenv("AROMCP_WORKFLOW_DEBUG") == "serial",
		instances:   make(map[string]*Instance),
	}
}

// SetParallelDispatcher wires the Sub-Agent Coordinator in after
// construction, breaking the Manager<->Coordinator construction cycle.
func (m *Manager) SetParallelDispatcher(p engine.ParallelDispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parallel = p
}

// SetDefinitionResolver wires a definition.Loader in so Restore can
// re-resolve a checkpoint's definition name+version to a full
// WorkflowDefinition.
func (m *Manager) SetDefinitionResolver(r DefinitionResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolver = r
}

func newWorkflowID() string {
	return "wf_" + uuid.New().String()[:8]
}

// Start begins a new root instance, spec §4.G "start".
func (m *Manager) Start(def *workflowtypes.WorkflowDefinition, inputs map[string]interface{}) (string, map[string]interface{}, error) {
	return m.startInternal(def, inputs, "", "", workflowtypes.StatusRunning)
}

// StartChild implements subagent.Registrar: a child starts in "pending"
// status, only admitted (promoted to "running") once the Coordinator has a
// free max_parallel slot for it.
func (m *Manager) StartChild(def *workflowtypes.WorkflowDefinition, inputs map[string]interface{}, parentID, taskID string) (string, error) {
	id, _, err := m.startInternal(def, inputs, parentID, taskID, workflowtypes.StatusPending)
	return id, err
}

func (m *Manager) startInternal(def *workflowtypes.WorkflowDefinition, inputs map[string]interface{}, parentID, taskID string, status workflowtypes.InstanceStatus) (string, map[string]interface{}, error) {
	schema := state.Schema{Inputs: def.Inputs, DefaultState: def.DefaultState, Computed: def.StateSchema.Computed}
	store, err := state.New(schema, m.evaluator)
	if err != nil {
		return "", nil, err
	}
	if err := store.Initialise(inputs); err != nil {
		return "", nil, err
	}

	m.mu.RLock()
	parallel := m.parallel
	m.mu.RUnlock()

	interp := engine.New(def, store, m.evaluator, m.shell, parallel, m.debugSerial)
	id := newWorkflowID()

	inst := &Instance{
		ID: id, Def: def, Store: store, Session: dispatch.NewSession(interp),
		Status: status, ParentID: parentID, TaskID: taskID, StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	return id, store.Read(), nil
}

func (m *Manager) get(id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, &errs.ProtocolError{WorkflowID: id, Reason: "unknown workflow id"}
	}
	return inst, nil
}

// GetNextStep implements the get_next_step surface, spec §6 — available to
// both the primary agent loop and the httpadmin/mcpserver layers.
func (m *Manager) GetNextStep(ctx context.Context, id string) (*workflowtypes.AtomicStep, error) {
	inst, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if inst.Status != workflowtypes.StatusRunning {
		return nil, &errs.ProtocolError{WorkflowID: id, Reason: fmt.Sprintf("workflow is %s, not running", inst.Status)}
	}
	atomic, err := inst.Session.GetNextStep(ctx)
	if err != nil {
		m.markFailed(inst, err)
		return nil, err
	}
	if atomic == nil {
		m.markCompleted(inst)
	}
	return atomic, nil
}

// StepComplete implements the step_complete surface, spec §6.
func (m *Manager) StepComplete(id, stepID, status string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	if err := inst.Session.StepComplete(stepID, status); err != nil {
		m.markFailed(inst, err)
		return err
	}
	return nil
}

// Pause/Resume implement spec §4.G's lifecycle pair.
func (m *Manager) Pause(id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.Status == workflowtypes.StatusRunning {
		inst.Status = workflowtypes.StatusPaused
	}
	return nil
}

func (m *Manager) Resume(id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.Status == workflowtypes.StatusPaused {
		inst.Status = workflowtypes.StatusRunning
	}
	return nil
}

// Complete implements spec §4.G's "complete": forces terminal status and
// returns the final flattened state.
func (m *Manager) Complete(id, status string) (map[string]interface{}, error) {
	inst, err := m.get(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if status == "failed" {
		inst.Status = workflowtypes.StatusFailed
	} else {
		inst.Status = workflowtypes.StatusCompleted
	}
	m.mu.Unlock()
	return inst.Store.Read(), nil
}

// Checkpoint implements spec §4.G's "checkpoint": serializes the
// instance's cursor and inputs+state tiers into an opaque blob callers can
// persist (e.g. via internal/checkpoint) and later hand to Restore.
func (m *Manager) Checkpoint(id string) ([]byte, error) {
	inst, err := m.get(id)
	if err != nil {
		return nil, err
	}
	cp, err := inst.Session.Checkpoint()
	if err != nil {
		return nil, err
	}
	inputs, stateTier := inst.Store.Tiers()
	env := snapshotEnvelope{Checkpoint: cp, Inputs: inputs, State: stateTier, ParentID: inst.ParentID, TaskID: inst.TaskID}
	return json.Marshal(env)
}

// Restore implements spec §4.G's "restore": re-resolves the checkpointed
// definition via the wired DefinitionResolver, rebuilds a Store from the
// snapshot's inputs+state (recomputing computed fresh), and reconstructs
// the Interpreter's frame stack, registering the result as a new running
// instance and returning its workflow_id.
func (m *Manager) Restore(snapshot []byte) (string, error) {
	if m.resolver == nil {
		return "", &errs.InvalidWorkflowDefinition{Reason: "no definition resolver wired for restore"}
	}
	var env snapshotEnvelope
	if err := json.Unmarshal(snapshot, &env); err != nil {
		return "", &errs.ProtocolError{Reason: "malformed checkpoint snapshot: " + err.Error()}
	}
	def, err := m.resolver.LoadByName(env.Checkpoint.DefinitionName)
	if err != nil {
		return "", err
	}

	schema := state.Schema{Inputs: def.Inputs, DefaultState: def.DefaultState, Computed: def.StateSchema.Computed}
	store, err := state.New(schema, m.evaluator)
	if err != nil {
		return "", err
	}
	if err := store.RestoreTiers(env.Inputs, env.State); err != nil {
		return "", err
	}

	m.mu.RLock()
	parallel := m.parallel
	m.mu.RUnlock()

	interp, err := engine.Restore(def, store, m.evaluator, m.shell, parallel, m.debugSerial, env.Checkpoint)
	if err != nil {
		return "", err
	}

	id := newWorkflowID()
	inst := &Instance{
		ID: id, Def: def, Store: store, Session: dispatch.NewSession(interp),
		Status: workflowtypes.StatusRunning, ParentID: env.ParentID, TaskID: env.TaskID, StartedAt: time.Now(),
	}
	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	return id, nil
}

// List implements spec §4.G's "list".
func (m *Manager) List() []Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, Instance{ID: inst.ID, Def: inst.Def, Status: inst.Status, ParentID: inst.ParentID, TaskID: inst.TaskID, StartedAt: inst.StartedAt})
	}
	return out
}

func (m *Manager) markCompleted(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.Status == workflowtypes.StatusRunning {
		inst.Status = workflowtypes.StatusCompleted
	}
}

func (m *Manager) markFailed(inst *Instance, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst.Status = workflowtypes.StatusFailed
}

// --- subagent.Registrar ---

// Status reports a child's current lifecycle status (subagent.Registrar).
func (m *Manager) Status(workflowID string) (workflowtypes.InstanceStatus, error) {
	inst, err := m.get(workflowID)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return inst.Status, nil
}

// Admit promotes a pending child to running once the Coordinator has a
// free max_parallel slot for it (subagent.Registrar).
func (m *Manager) Admit(workflowID string) error {
	inst, err := m.get(workflowID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.Status == workflowtypes.StatusPending {
		inst.Status = workflowtypes.StatusRunning
	}
	return nil
}

// FinalState returns a completed child's flattened state for aggregation
// into the parent (subagent.Registrar).
func (m *Manager) FinalState(workflowID string) (map[string]interface{}, error) {
	inst, err := m.get(workflowID)
	if err != nil {
		return nil, err
	}
	return inst.Store.Read(), nil
}

// Fail force-fails a child, used on timeout expiry (subagent.Registrar).
func (m *Manager) Fail(workflowID string, reason string) error {
	inst, err := m.get(workflowID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst.Status = workflowtypes.StatusFailed
	return nil
}
