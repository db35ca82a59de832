// Package mcp exposes the conveyor service as Model Context Protocol tools
// so agents can define pipelines, start runs and answer approvals.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conveyor/internal/service"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Service *service.Service
	Logger  *slog.Logger
	Version string // reported to clients; "dev" when empty
}

// Server wraps an MCP server with conveyor tool handlers.
type Server struct {
	svc       *service.Service
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every conveyor tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{svc: deps.Service, logger: logger}

	mcpSrv := server.NewMCPServer(
		"conveyor",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conveyor runs versioned DAG pipelines. Use conveyor.create_pipeline or conveyor.update_pipeline to register definitions, conveyor.run_pipeline to start a run, conveyor.get_run to follow it, and conveyor.submit_approval or conveyor.signal_wait to unblock suspended steps."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createPipelineTool(), Handler: s.handleCreatePipeline},
		{Tool: updatePipelineTool(), Handler: s.handleUpdatePipeline},
		{Tool: deletePipelineTool(), Handler: s.handleDeletePipeline},
		{Tool: getPipelineTool(), Handler: s.handleGetPipeline},
		{Tool: listPipelinesTool(), Handler: s.handleListPipelines},
		{Tool: runPipelineTool(), Handler: s.handleRunPipeline},
		{Tool: getRunTool(), Handler: s.handleGetRun},
		{Tool: listRunsTool(), Handler: s.handleListRuns},
		{Tool: runControlTool("conveyor.pause_run", "Pause a run: in-flight steps finish, no new step starts"), Handler: s.handlePauseRun},
		{Tool: runControlTool("conveyor.resume_run", "Resume a paused run"), Handler: s.handleResumeRun},
		{Tool: runControlTool("conveyor.cancel_run", "Cancel a run and every in-flight step"), Handler: s.handleCancelRun},
		{Tool: submitApprovalTool(), Handler: s.handleSubmitApproval},
		{Tool: signalWaitTool(), Handler: s.handleSignalWait},
		{Tool: runEventsTool(), Handler: s.handleRunEvents},
		{Tool: publishEventTool(), Handler: s.handlePublishEvent},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func createPipelineTool() mcp.Tool {
	return mcp.NewTool("conveyor.create_pipeline",
		mcp.WithDescription("Register a new pipeline definition as version 1"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Pipeline definition object")),
	)
}

func updatePipelineTool() mcp.Tool {
	return mcp.NewTool("conveyor.update_pipeline",
		mcp.WithDescription("Store a new version of an existing pipeline"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Pipeline definition object; its id selects the pipeline")),
	)
}

func deletePipelineTool() mcp.Tool {
	return mcp.NewTool("conveyor.delete_pipeline",
		mcp.WithDescription("Delete every version of a pipeline that has no active runs"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("Pipeline ID")),
	)
}

func getPipelineTool() mcp.Tool {
	return mcp.NewTool("conveyor.get_pipeline",
		mcp.WithDescription("Get a pipeline definition"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("Pipeline ID")),
		mcp.WithNumber("version", mcp.Description("Version to fetch (default: latest)")),
	)
}

func listPipelinesTool() mcp.Tool {
	return mcp.NewTool("conveyor.list_pipelines",
		mcp.WithDescription("List the latest version of each pipeline"),
		mcp.WithString("owner", mcp.Description("Only pipelines with this owner")),
		mcp.WithString("tag", mcp.Description("Only pipelines carrying this tag")),
		mcp.WithString("trigger_type", mcp.Enum("manual", "schedule", "webhook", "event"), mcp.Description("Only pipelines with this trigger type")),
		mcp.WithString("cursor", mcp.Description("Cursor from a previous page")),
		mcp.WithNumber("limit", mcp.Description("Page size")),
	)
}

func runPipelineTool() mcp.Tool {
	return mcp.NewTool("conveyor.run_pipeline",
		mcp.WithDescription("Start a run of a pipeline"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("Pipeline ID")),
		mcp.WithNumber("version", mcp.Description("Pipeline version (default: latest)")),
		mcp.WithObject("params", mcp.Description("Input parameters exposed as params.* to the run")),
		mcp.WithString("triggered_by", mcp.Description("Who or what started the run (default: manual)")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run is terminal")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Upper bound on wait (default: 300)")),
	)
}

func getRunTool() mcp.Tool {
	return mcp.NewTool("conveyor.get_run",
		mcp.WithDescription("Get a run with its step states and pending approvals"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
	)
}

func listRunsTool() mcp.Tool {
	return mcp.NewTool("conveyor.list_runs",
		mcp.WithDescription("List runs of a pipeline, newest first"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("Pipeline ID")),
		mcp.WithString("status", mcp.Enum("pending", "running", "paused", "completed", "failed", "cancelled"), mcp.Description("Only runs in this status")),
		mcp.WithString("cursor", mcp.Description("Cursor from a previous page")),
		mcp.WithNumber("limit", mcp.Description("Page size")),
	)
}

func runControlTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
	)
}

func submitApprovalTool() mcp.Tool {
	return mcp.NewTool("conveyor.submit_approval",
		mcp.WithDescription("Record an approver's decision on a waiting approval step"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("Approval step ID")),
		mcp.WithString("approver", mcp.Required(), mcp.Description("Approver identity")),
		mcp.WithString("decision", mcp.Required(), mcp.Enum("approved", "rejected"), mcp.Description("Decision")),
		mcp.WithString("comment", mcp.Description("Optional comment")),
	)
}

func signalWaitTool() mcp.Tool {
	return mcp.NewTool("conveyor.signal_wait",
		mcp.WithDescription("Resume a wait step suspended on a webhook token"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Wait token from the run's waitTokens")),
		mcp.WithObject("payload", mcp.Description("Payload merged into the wait step's output")),
	)
}

func runEventsTool() mcp.Tool {
	return mcp.NewTool("conveyor.run_events",
		mcp.WithDescription("List the ordered event history of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
		mcp.WithNumber("since", mcp.Description("Only events after this sequence number")),
	)
}

func publishEventTool() mcp.Tool {
	return mcp.NewTool("conveyor.publish_event",
		mcp.WithDescription("Publish a domain event to pipelines with a matching event trigger"),
		mcp.WithString("type", mcp.Required(), mcp.Description("Event type")),
		mcp.WithString("source", mcp.Description("Event source")),
		mcp.WithObject("data", mcp.Description("Event data")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("conveyor.diagram",
		mcp.WithDescription("Draw a pipeline or run as ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG image"),
		mcp.WithString("pipeline_id", mcp.Description("Pipeline ID")),
		mcp.WithNumber("version", mcp.Description("Pipeline version (default: latest)")),
		mcp.WithString("run_id", mcp.Description("Run ID; draws its pipeline version with step status")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format"),
		),
	)
}
