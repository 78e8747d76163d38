package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("workflow_name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'workflow_name' parameter: %v", err)), nil
	}
	def, err := s.loader.LoadByName(name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load workflow %q: %v", name, err)), nil
	}

	inputs := map[string]interface{}{}
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		if raw, ok := args["inputs"].(map[string]interface{}); ok {
			inputs = raw
		}
	}

	id, state, err := s.manager.Start(def, inputs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start workflow: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{"workflow_id": id, "state": state})
}

func (s *Server) handleGetNextStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'workflow_id' parameter: %v", err)), nil
	}
	atomic, err := s.manager.GetNextStep(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get_next_step failed: %v", err)), nil
	}
	if atomic == nil {
		return jsonResult(map[string]interface{}{"done": true})
	}
	return jsonResult(atomic)
}

func (s *Server) handleStepComplete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'workflow_id' parameter: %v", err)), nil
	}
	stepID, err := request.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'step_id' parameter: %v", err)), nil
	}
	status := request.GetString("status", "success")

	if err := s.manager.StepComplete(id, stepID, status); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step_complete failed: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{"success": true})
}

func (s *Server) handlePause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'workflow_id' parameter: %v", err)), nil
	}
	if err := s.manager.Pause(id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pause failed: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{"success": true})
}

func (s *Server) handleResume(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'workflow_id' parameter: %v", err)), nil
	}
	if err := s.manager.Resume(id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{"success": true})
}

func (s *Server) handleCheckpoint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'workflow_id' parameter: %v", err)), nil
	}
	snapshot, err := s.manager.Checkpoint(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("checkpoint failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(snapshot)), nil
}

func (s *Server) handleRestore(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snapshot, err := request.RequireString("snapshot")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'snapshot' parameter: %v", err)), nil
	}
	id, err := s.manager.Restore([]byte(snapshot))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("restore failed: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{"workflow_id": id})
}

func (s *Server) handleComplete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'workflow_id' parameter: %v", err)), nil
	}
	status := request.GetString("status", "completed")
	state, err := s.manager.Complete(id, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("complete failed: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{"state": state})
}

func (s *Server) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.manager.List()
	out := make([]map[string]interface{}, len(list))
	for i, inst := range list {
		out[i] = map[string]interface{}{
			"workflow_id": inst.ID, "name": inst.Def.Name, "status": inst.Status,
			"parent_id": inst.ParentID, "task_id": inst.TaskID,
		}
	}
	return jsonResult(map[string]interface{}{"instances": out})
}

// handleValidate is a supplemented operation (SPEC_FULL.md): loading a
// definition by name already runs the Loader's structural validation, so
// a clean load is itself the validation result.
func (s *Server) handleValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("workflow_name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("missing 'workflow_name' parameter: %v", err)), nil
	}
	def, err := s.loader.LoadByName(name)
	if err != nil {
		return jsonResult(map[string]interface{}{"valid": false, "reason": err.Error()})
	}
	return jsonResult(map[string]interface{}{"valid": true, "version": def.Version, "step_count": len(def.Steps)})
}
