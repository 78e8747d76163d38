package scheduler

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomctl/internal/engine"
	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/internal/instance"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

type fakeResolver struct {
	def *workflowtypes.WorkflowDefinition
}

func (f *fakeResolver) LoadByName(name string) (*workflowtypes.WorkflowDefinition, error) {
	if name != f.def.Name {
		return nil, assert.AnError
	}
	return f.def, nil
}

func TestScheduleTriggersStartEverySecond(t *testing.T) {
	def := &workflowtypes.WorkflowDefinition{
		Name: "demo:scheduled", Version: "1.0.0",
		Steps: []workflowtypes.Step{{ID: "say", Type: workflowtypes.StepUserMessage, Message: "hi"}},
	}
	mgr := instance.NewManager(expr.New(), engine.NewShellRunner())
	s := New(mgr, &fakeResolver{def: def})

	_, err := s.Schedule(Entry{Cron: "* * * * * *", WorkflowName: "demo:scheduled"})
	require.Error(t, err) // robfig/cron's default 5-field parser rejects a 6-field seconds expression

	_, err = s.Schedule(Entry{Cron: "@every 1s", WorkflowName: "demo:scheduled"})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(mgr.List()) > 0
	}, 3*time.Second, 50*time.Millisecond)

	assert.NoError(t, s.LastError("demo:scheduled"))
}

func TestTriggerRecordsErrorForUnknownWorkflow(t *testing.T) {
	def := &workflowtypes.WorkflowDefinition{Name: "demo:known", Version: "1.0.0"}
	mgr := instance.NewManager(expr.New(), engine.NewShellRunner())
	s := New(mgr, &fakeResolver{def: def})

	s.trigger(Entry{WorkflowName: "demo:unknown"})
	assert.Error(t, s.LastError("demo:unknown"))
}

func TestLoadEntriesFileParsesYAML(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/schedule.yaml", []byte(`
- cron: "0 * * * *"
  workflow_name: "demo:hourly"
  inputs:
    channel: "#ops"
`), 0o644))

	entries, err := LoadEntriesFile(fs, "/schedule.yaml")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "demo:hourly", entries[0].WorkflowName)
	assert.Equal(t, "#ops", entries[0].Inputs["channel"])
}
