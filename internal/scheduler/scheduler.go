// Package scheduler implements cron-triggered workflow.start invocations
// (SPEC_FULL.md §11.11/§12), additive to spec §6's on-demand-only start.
// Entries are loaded from a small YAML file (one cron expression, one
// workflow name, and optional fixed inputs per entry) rather than a
// database table, since this engine has no persistence layer of its own
// for schedule CRUD.
//
// Grounded on the teacher's internal/services/workflow_scheduler_service.go
// (cron.Parser + periodic check-and-trigger loop against a due-schedules
// query) and scheduler.go (next-run calculation), adapted from
// database-row schedules polled once a minute to robfig/cron's own
// Cron scheduler, which already handles the minute-resolution dispatch
// loop internally.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loomctl/internal/instance"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// Entry is one scheduled workflow.start invocation.
type Entry struct {
	Cron         string                 `yaml:"cron"`
	WorkflowName string                 `yaml:"workflow_name"`
	Inputs       map[string]interface{} `yaml:"inputs,omitempty"`
}

// Resolver loads a workflow definition by name, satisfied by
// *internal/definition.Loader.
type Resolver interface {
	LoadByName(name string) (*workflowtypes.WorkflowDefinition, error)
}

// Scheduler drives instance.Manager.Start on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	mgr      *instance.Manager
	resolver Resolver

	mu       sync.Mutex
	lastErrs map[string]error // by workflow name, most recent trigger error
}

// New constructs a Scheduler; call Schedule for each entry, then Start.
func New(mgr *instance.Manager, resolver Resolver) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		mgr:      mgr,
		resolver: resolver,
		lastErrs: make(map[string]error),
	}
}

// Schedule registers one entry's cron expression. Returns the
// entry id the teacher's parser would reject (a malformed cron string)
// as an error rather than panicking at Start time.
func (s *Scheduler) Schedule(e Entry) (cron.EntryID, error) {
	return s.cron.AddFunc(e.Cron, func() { s.trigger(e) })
}

// LoadEntries registers every entry in entries, stopping at the first
// malformed cron expression.
func (s *Scheduler) LoadEntries(entries []Entry) error {
	for _, e := range entries {
		if _, err := s.Schedule(e); err != nil {
			return fmt.Errorf("schedule %q: %w", e.WorkflowName, err)
		}
	}
	return nil
}

// Start begins dispatching scheduled entries in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight trigger to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// LastError returns the most recent trigger error for a workflow name, if
// its last scheduled run failed to start.
func (s *Scheduler) LastError(workflowName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrs[workflowName]
}

func (s *Scheduler) trigger(e Entry) {
	def, err := s.resolver.LoadByName(e.WorkflowName)
	if err != nil {
		s.recordErr(e.WorkflowName, fmt.Errorf("load definition: %w", err))
		return
	}
	if _, _, err := s.mgr.Start(def, e.Inputs); err != nil {
		s.recordErr(e.WorkflowName, fmt.Errorf("start: %w", err))
		return
	}
	s.recordErr(e.WorkflowName, nil)
}

func (s *Scheduler) recordErr(workflowName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErrs[workflowName] = err
}
