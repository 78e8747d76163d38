package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomctl/internal/definition"
	"github.com/loomhq/loomctl/internal/engine"
	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/internal/instance"
)

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	content, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return content.Text
}

func extractField(t *testing.T, result *mcp.CallToolResult, field string) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &body))
	v, ok := body[field].(string)
	require.True(t, ok, "field %q not a string in %s", field, textOf(t, result))
	return v
}

func extractWorkflowID(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	return extractField(t, result, "workflow_id")
}

func newCallToolRequest(args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/workflows/demo.yaml", []byte(`
name: "demo"
version: "1.0.0"
steps:
  - id: say
    type: user_message
    message: "hi"
`), 0o644))
	loader := definition.New(fs, "/workflows")
	mgr := instance.NewManager(expr.New(), engine.NewShellRunner())
	return NewServer(mgr, loader)
}

func TestHandleStartLoadsDefinitionAndStartsInstance(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleStart(context.Background(), newCallToolRequest(map[string]interface{}{
		"workflow_name": "demo",
	}))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)
}

func TestHandleStartReturnsErrorResultForUnknownWorkflow(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleStart(context.Background(), newCallToolRequest(map[string]interface{}{
		"workflow_name": "does-not-exist",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetNextStepThenStepCompleteFullRoundTrip(t *testing.T) {
	s := newTestServer(t)
	startResult, err := s.handleStart(context.Background(), newCallToolRequest(map[string]interface{}{
		"workflow_name": "demo",
	}))
	require.NoError(t, err)
	require.False(t, startResult.IsError)

	id := extractWorkflowID(t, startResult)

	next, err := s.handleGetNextStep(context.Background(), newCallToolRequest(map[string]interface{}{
		"workflow_id": id,
	}))
	require.NoError(t, err)
	require.False(t, next.IsError)

	stepID := extractField(t, next, "id")
	complete, err := s.handleStepComplete(context.Background(), newCallToolRequest(map[string]interface{}{
		"workflow_id": id, "step_id": stepID,
	}))
	require.NoError(t, err)
	assert.False(t, complete.IsError)
}

func TestHandleValidateReportsStructuralFailureWithoutStarting(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleValidate(context.Background(), newCallToolRequest(map[string]interface{}{
		"workflow_name": "does-not-exist",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, textOf(t, result), `"valid":false`)
}
