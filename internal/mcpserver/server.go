// Package mcpserver implements the MCP transport adapter binding spec §6's
// nine operations (plus the supplemented workflow.validate) to MCP tool
// calls. Thin by design — all orchestration lives in internal/instance and
// internal/dispatch; handlers here do argument extraction and result
// shaping only.
//
// Grounded on the teacher's internal/mcp/server.go (NewMCPServer bootstrap,
// WithToolCapabilities/WithRecovery, StreamableHTTPServer + stdio dual
// transport) and internal/mcp/tools_setup.go + agent_handlers.go (NewTool
// option chains, RequireString/GetString/GetInt argument extraction,
// NewToolResultText/NewToolResultError responses).
package mcpserver

import (
	"context"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomhq/loomctl/internal/definition"
	"github.com/loomhq/loomctl/internal/instance"
)

// Server binds the Workflow Instance Manager and Definition Loader to the
// MCP tool surface, spec §6.
type Server struct {
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	manager    *instance.Manager
	loader     *definition.Loader
}

// NewServer constructs the MCP server and registers spec §6's tool set.
func NewServer(mgr *instance.Manager, loader *definition.Loader) *Server {
	mcpServer := server.NewMCPServer(
		"Loom Workflow Server",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		httpServer: server.NewStreamableHTTPServer(mcpServer),
		manager:    mgr,
		loader:     loader,
	}
	s.setupTools()
	return s
}

// Start serves the MCP surface over streamable HTTP.
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Printf("loomctl MCP server listening on %s", addr)
	if err := s.httpServer.Start(addr); err != nil {
		return fmt.Errorf("mcp server error: %w", err)
	}
	return nil
}

// StartStdio serves the MCP surface over stdio, the transport a sub-agent
// process typically speaks.
func (s *Server) StartStdio(ctx context.Context) error {
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("mcp stdio server error: %w", err)
	}
	return nil
}

func (s *Server) setupTools() {
	s.mcpServer.AddTool(mcp.NewTool("workflow.start",
		mcp.WithDescription("Start a new workflow instance from a loaded definition"),
		mcp.WithString("workflow_name", mcp.Required(), mcp.Description("Name of the workflow definition to start")),
		mcp.WithObject("inputs", mcp.Description("Initial input values for the workflow")),
	), s.handleStart)

	s.mcpServer.AddTool(mcp.NewTool("workflow.get_next_step",
		mcp.WithDescription("Advance a workflow instance and retrieve the next client-visible atomic step"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow instance id")),
	), s.handleGetNextStep)

	s.mcpServer.AddTool(mcp.NewTool("workflow.step_complete",
		mcp.WithDescription("Report completion (or failure) of the currently pending atomic step"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow instance id")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("Id of the atomic step being completed")),
		mcp.WithString("status", mcp.Description("success (default) or failed")),
	), s.handleStepComplete)

	s.mcpServer.AddTool(mcp.NewTool("workflow.pause",
		mcp.WithDescription("Pause a running workflow instance"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow instance id")),
	), s.handlePause)

	s.mcpServer.AddTool(mcp.NewTool("workflow.resume",
		mcp.WithDescription("Resume a paused workflow instance"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow instance id")),
	), s.handleResume)

	s.mcpServer.AddTool(mcp.NewTool("workflow.checkpoint",
		mcp.WithDescription("Snapshot a workflow instance's cursor and state into an opaque, restorable blob"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow instance id")),
	), s.handleCheckpoint)

	s.mcpServer.AddTool(mcp.NewTool("workflow.restore",
		mcp.WithDescription("Restore a workflow instance from a checkpoint blob, returning its new workflow_id"),
		mcp.WithString("snapshot", mcp.Required(), mcp.Description("Checkpoint blob previously returned by workflow.checkpoint")),
	), s.handleRestore)

	s.mcpServer.AddTool(mcp.NewTool("workflow.complete",
		mcp.WithDescription("Force a workflow instance to a terminal status"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow instance id")),
		mcp.WithString("status", mcp.Description("completed (default) or failed")),
	), s.handleComplete)

	s.mcpServer.AddTool(mcp.NewTool("workflow.list",
		mcp.WithDescription("List all known workflow instances"),
	), s.handleList)

	s.mcpServer.AddTool(mcp.NewTool("workflow.validate",
		mcp.WithDescription("Load and structurally validate a workflow definition by name without starting it"),
		mcp.WithString("workflow_name", mcp.Required(), mcp.Description("Name of the workflow definition to validate")),
	), s.handleValidate)
}
