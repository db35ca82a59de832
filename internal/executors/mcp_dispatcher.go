package executors

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/conveyor/pkg/schema"
)

const defaultAgentTool = "run_agent"

// MCPDispatcherConfig configures an agent backend reached over MCP stdio.
type MCPDispatcherConfig struct {
	Command     string
	Args        []string
	Env         []string
	DefaultTool string // tool called when the step names no agent
	ClientName  string
	Version     string
}

// MCPDispatcher dispatches agent prompts as MCP tool calls to a subprocess
// server. The subprocess is started and initialized on first use.
type MCPDispatcher struct {
	cfg MCPDispatcherConfig

	mu     sync.Mutex
	client *client.Client
}

// NewMCPDispatcher creates a dispatcher; no process is started yet.
func NewMCPDispatcher(cfg MCPDispatcherConfig) *MCPDispatcher {
	if cfg.DefaultTool == "" {
		cfg.DefaultTool = defaultAgentTool
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "conveyor"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &MCPDispatcher{cfg: cfg}
}

// Dispatch calls the tool named by the request's agent (or the default tool)
// with the prompt, model, parameters and correlation ids as arguments.
func (d *MCPDispatcher) Dispatch(ctx context.Context, req *AgentRequest) (any, error) {
	c, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	call := mcp.CallToolRequest{}
	call.Params.Name = firstNonEmpty(req.Agent, d.cfg.DefaultTool)
	args := map[string]any{
		"prompt": req.Prompt,
		"runId":  req.RunID,
		"stepId": req.StepID,
	}
	if req.Model != "" {
		args["model"] = req.Model
	}
	if len(req.Parameters) > 0 {
		args["parameters"] = req.Parameters
	}
	call.Params.Arguments = args

	res, err := c.CallTool(ctx, call)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "mcp tool %q: %s", call.Params.Name, err.Error()).WithCause(err)
	}
	return decodeToolResult(call.Params.Name, res)
}

// Close stops the subprocess, if started.
func (d *MCPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

func (d *MCPDispatcher) connect(ctx context.Context) (*client.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}
	if d.cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "agent command is not configured")
	}

	c, err := client.NewStdioMCPClient(d.cfg.Command, d.cfg.Env, d.cfg.Args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "start agent server: %s", err.Error()).WithCause(err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: d.cfg.ClientName, Version: d.cfg.Version}
	if _, err := c.Initialize(ctx, init); err != nil {
		_ = c.Close()
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "initialize agent server: %s", err.Error()).WithCause(err)
	}
	d.client = c
	return c, nil
}

// decodeToolResult joins the text content of a tool result and parses it as
// JSON when possible.
func decodeToolResult(tool string, res *mcp.CallToolResult) (any, error) {
	if res == nil {
		return nil, nil
	}
	var parts []string
	for _, content := range res.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent tool %q returned an error: %s", tool, text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}

	var parsed any
	if text != "" && json.Valid([]byte(text)) {
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			return parsed, nil
		}
	}
	return text, nil
}

var _ Dispatcher = (*MCPDispatcher)(nil)
