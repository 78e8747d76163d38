package definition

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validWorkflowYAML = `
name: demo:counter
description: increments a counter then reports it
version: 1.0.0
default_state:
  counter: 0
steps:
  - id: bump
    type: state_update
    state_update:
      - path: this.counter
        operation: increment
        value: 5
  - id: report
    type: user_message
    message: "Counter is {{ this.counter }}"
`

func newMemLoader(t *testing.T, files map[string]string) *Loader {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, "/workflows/"+name, []byte(content), 0o644))
	}
	return New(fs, "/workflows")
}

func TestLoadByName_Valid(t *testing.T) {
	l := newMemLoader(t, map[string]string{"counter.yaml": validWorkflowYAML})
	def, err := l.LoadByName("counter")
	require.NoError(t, err)
	assert.Equal(t, "demo:counter", def.Name)
	assert.Len(t, def.Steps, 2)
}

func TestLoadByName_NotFound(t *testing.T) {
	l := newMemLoader(t, map[string]string{})
	_, err := l.LoadByName("missing")
	require.Error(t, err)
}

func TestValidate_RejectsDuplicateStepID(t *testing.T) {
	const dup = `
name: demo:dup
version: 1.0.0
steps:
  - id: a
    type: user_message
    message: "hi"
  - id: a
    type: user_message
    message: "again"
`
	l := newMemLoader(t, map[string]string{"dup.yaml": dup})
	_, err := l.LoadByName("dup")
	require.Error(t, err)
}

func TestValidate_RejectsBreakOutsideLoop(t *testing.T) {
	const bad = `
name: demo:badbreak
version: 1.0.0
steps:
  - id: oops
    type: break
`
	l := newMemLoader(t, map[string]string{"bad.yaml": bad})
	_, err := l.LoadByName("badbreak")
	require.Error(t, err)
}

func TestValidate_RejectsCyclicComputed(t *testing.T) {
	const cyc = `
name: demo:cycle
version: 1.0.0
state_schema:
  computed:
    - name: a
      from: ["this.b"]
      transform: "input"
    - name: b
      from: ["this.a"]
      transform: "input"
steps:
  - id: noop
    type: user_message
    message: "hi"
`
	l := newMemLoader(t, map[string]string{"cycle.yaml": cyc})
	_, err := l.LoadByName("cycle")
	require.Error(t, err)
}
