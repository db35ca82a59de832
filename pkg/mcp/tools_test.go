package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/engine"
	"github.com/rendis/conveyor/internal/executors"
	"github.com/rendis/conveyor/internal/registry"
	"github.com/rendis/conveyor/internal/service"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/internal/trigger"
	"github.com/rendis/conveyor/internal/validation"
	"github.com/rendis/conveyor/pkg/schema"
)

// --- Helpers ---

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	v, err := validation.NewPipelineValidator(nil)
	require.NoError(t, err)
	ms := store.NewMemoryStore()
	reg := registry.New(ms, v, registry.WithLogger(logger))
	execs, err := executors.NewBuiltinRegistry(executors.BuiltinConfig{
		Dispatcher: executors.DispatcherFunc(func(ctx context.Context, req *executors.AgentRequest) (any, error) {
			return map[string]any{"answer": req.Prompt}, nil
		}),
	})
	require.NoError(t, err)
	ctrl, err := engine.New(engine.Config{Store: ms, Pipelines: reg, Executors: execs, Logger: logger})
	require.NoError(t, err)
	triggers, err := trigger.NewDispatcher(trigger.Config{Runner: ctrl, Logger: logger})
	require.NoError(t, err)

	svc, err := service.New(service.Deps{Registry: reg, Engine: ctrl, Triggers: triggers, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return NewServer(ServerDeps{Service: svc, Logger: logger})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func decodeResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, resultText(t, result))
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), target))
}

func greetDefinition() map[string]any {
	return map[string]any{
		"id":   "greet",
		"name": "Greet",
		"steps": []any{
			map[string]any{"id": "ask", "type": "agent_task", "config": map[string]any{"prompt": "hello {{run.params.who}}"}},
		},
	}
}

func gatedDefinition() map[string]any {
	return map[string]any{
		"id": "gated",
		"steps": []any{
			map[string]any{"id": "gate", "type": "approval", "config": map[string]any{"approvers": []any{"alice"}, "minApprovals": 1}},
			map[string]any{"id": "ask", "type": "agent_task", "dependsOn": []any{"gate"}, "config": map[string]any{"prompt": "go"}},
		},
	}
}

func createPipeline(t *testing.T, s *Server, def map[string]any) {
	t.Helper()
	result, err := s.handleCreatePipeline(context.Background(), buildRequest("conveyor.create_pipeline", map[string]any{"definition": def}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
}

// --- Tests ---

func TestCreateAndGetPipeline(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleCreatePipeline(ctx, buildRequest("conveyor.create_pipeline", map[string]any{"definition": greetDefinition()}))
	require.NoError(t, err)
	var created schema.PipelineDefinition
	decodeResult(t, result, &created)
	assert.Equal(t, 1, created.Version)

	updated := greetDefinition()
	updated["name"] = "Greet v2"
	result, err = s.handleUpdatePipeline(ctx, buildRequest("conveyor.update_pipeline", map[string]any{"definition": updated}))
	require.NoError(t, err)
	decodeResult(t, result, &created)
	assert.Equal(t, 2, created.Version)

	result, err = s.handleGetPipeline(ctx, buildRequest("conveyor.get_pipeline", map[string]any{"pipeline_id": "greet", "version": 1}))
	require.NoError(t, err)
	var got schema.PipelineDefinition
	decodeResult(t, result, &got)
	assert.Equal(t, "Greet", got.Name)

	result, err = s.handleListPipelines(ctx, buildRequest("conveyor.list_pipelines", nil))
	require.NoError(t, err)
	var page schema.Page[*schema.PipelineDefinition]
	decodeResult(t, result, &page)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.Items[0].Version)
}

func TestCreatePipeline_Errors(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleCreatePipeline(ctx, buildRequest("conveyor.create_pipeline", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "definition is required")

	cyclic := map[string]any{
		"id": "cyclic",
		"steps": []any{
			map[string]any{"id": "a", "type": "agent_task", "dependsOn": []any{"b"}, "config": map[string]any{"prompt": "a"}},
			map[string]any{"id": "b", "type": "agent_task", "dependsOn": []any{"a"}, "config": map[string]any{"prompt": "b"}},
		},
	}
	result, err = s.handleCreatePipeline(ctx, buildRequest("conveyor.create_pipeline", map[string]any{"definition": cyclic}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), schema.ErrCodeCycleDetected)
}

func TestRunPipeline_Wait(t *testing.T) {
	s := newTestServer(t)
	createPipeline(t, s, greetDefinition())

	result, err := s.handleRunPipeline(context.Background(), buildRequest("conveyor.run_pipeline", map[string]any{
		"pipeline_id": "greet",
		"params":      map[string]any{"who": "world"},
		"wait":        true,
	}))
	require.NoError(t, err)

	var run schema.Run
	decodeResult(t, result, &run)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "manual", run.TriggeredBy)
	assert.Equal(t, map[string]any{"answer": "hello world"}, run.Steps["ask"].Output)

	result, err = s.handleListRuns(context.Background(), buildRequest("conveyor.list_runs", map[string]any{"pipeline_id": "greet", "status": "completed"}))
	require.NoError(t, err)
	var page schema.Page[*schema.Run]
	decodeResult(t, result, &page)
	assert.Len(t, page.Items, 1)

	result, err = s.handleRunEvents(context.Background(), buildRequest("conveyor.run_events", map[string]any{"run_id": run.ID}))
	require.NoError(t, err)
	var events struct {
		Events []*store.Event `json:"events"`
	}
	decodeResult(t, result, &events)
	assert.NotEmpty(t, events.Events)
}

func TestRunPipeline_NotFound(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleRunPipeline(context.Background(), buildRequest("conveyor.run_pipeline", map[string]any{"pipeline_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), schema.ErrCodeNotFound)
}

func TestApprovalFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	createPipeline(t, s, gatedDefinition())

	result, err := s.handleRunPipeline(ctx, buildRequest("conveyor.run_pipeline", map[string]any{"pipeline_id": "gated"}))
	require.NoError(t, err)
	var run schema.Run
	decodeResult(t, result, &run)

	require.Eventually(t, func() bool {
		result, err := s.handleGetRun(ctx, buildRequest("conveyor.get_run", map[string]any{"run_id": run.ID}))
		if err != nil || result.IsError {
			return false
		}
		var current schema.Run
		if json.Unmarshal([]byte(resultText(t, result)), &current) != nil {
			return false
		}
		return current.Approvals["gate"] != nil
	}, 5*time.Second, 5*time.Millisecond)

	result, err = s.handleDeletePipeline(ctx, buildRequest("conveyor.delete_pipeline", map[string]any{"pipeline_id": "gated"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "active runs block deletion")

	result, err = s.handleSubmitApproval(ctx, buildRequest("conveyor.submit_approval", map[string]any{
		"run_id": run.ID, "step_id": "gate", "approver": "mallory", "decision": "approved",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "only listed approvers may decide")

	result, err = s.handleSubmitApproval(ctx, buildRequest("conveyor.submit_approval", map[string]any{
		"run_id": run.ID, "step_id": "gate", "approver": "alice", "decision": "approved",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := s.svc.WaitForRun(waitCtx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, final.Status)
}

func TestCancelRun(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	createPipeline(t, s, gatedDefinition())

	result, err := s.handleRunPipeline(ctx, buildRequest("conveyor.run_pipeline", map[string]any{"pipeline_id": "gated"}))
	require.NoError(t, err)
	var run schema.Run
	decodeResult(t, result, &run)

	result, err = s.handleCancelRun(ctx, buildRequest("conveyor.cancel_run", map[string]any{"run_id": run.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := s.svc.WaitForRun(waitCtx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, final.Status)

	result, err = s.handleResumeRun(ctx, buildRequest("conveyor.resume_run", map[string]any{"run_id": run.ID}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "terminal runs cannot be resumed")
}

func TestPublishEvent(t *testing.T) {
	s := newTestServer(t)
	def := greetDefinition()
	def["trigger"] = map[string]any{"type": "event", "config": map[string]any{"event": "user.signup"}}
	createPipeline(t, s, def)

	result, err := s.handlePublishEvent(context.Background(), buildRequest("conveyor.publish_event", map[string]any{
		"type": "user.signup", "source": "auth", "data": map[string]any{"who": "ada"},
	}))
	require.NoError(t, err)
	var out struct {
		Runs []*schema.Run `json:"runs"`
	}
	decodeResult(t, result, &out)
	require.Len(t, out.Runs, 1)
	assert.Equal(t, "event:auth", out.Runs[0].TriggeredBy)
}

func TestDiagramTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	createPipeline(t, s, gatedDefinition())

	result, err := s.handleDiagram(ctx, buildRequest("conveyor.diagram", map[string]any{"pipeline_id": "gated", "format": "mermaid"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "gate --> ask")

	result, err = s.handleDiagram(ctx, buildRequest("conveyor.diagram", map[string]any{"pipeline_id": "gated", "format": "ascii"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "gate")

	result, err = s.handleDiagram(ctx, buildRequest("conveyor.diagram", map[string]any{"pipeline_id": "gated", "format": "image"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	png, err := base64.StdEncoding.DecodeString(resultText(t, result))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	result, err = s.handleDiagram(ctx, buildRequest("conveyor.diagram", map[string]any{"pipeline_id": "gated", "format": "svg"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCallToolOverJSONRPC(t *testing.T) {
	s := newTestServer(t)
	createPipeline(t, s, greetDefinition())
	ctx := context.Background()

	initMsg, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 0, "method": "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "test", "version": "1.0.0"},
		},
	})
	require.NotNil(t, s.MCPServer().HandleMessage(ctx, initMsg))

	callMsg, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": map[string]any{
			"name":      "conveyor.get_pipeline",
			"arguments": map[string]any{"pipeline_id": "greet"},
		},
	})
	resp := s.MCPServer().HandleMessage(ctx, callMsg)
	require.NotNil(t, resp)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	var rpcResp struct {
		Result *mcp.CallToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &rpcResp))
	require.NotNil(t, rpcResp.Result)

	var def schema.PipelineDefinition
	decodeResult(t, rpcResp.Result, &def)
	assert.Equal(t, "greet", def.ID)
	assert.NotNil(t, rpcResp.Result.StructuredContent)
}
