package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/conveyor/internal/diagram"
	"github.com/rendis/conveyor/internal/engine"
	"github.com/rendis/conveyor/internal/service"
	"github.com/rendis/conveyor/internal/trigger"
	"github.com/rendis/conveyor/pkg/schema"
)

const defaultWaitTimeout = 5 * time.Minute

// --- pipelines ---

func (s *Server) handleCreatePipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := parseDefinition(req)
	if errResult != nil {
		return errResult, nil
	}
	out, err := s.svc.CreatePipeline(ctx, def)
	if err != nil {
		return toolError("create pipeline", err), nil
	}
	return marshalResult(out)
}

func (s *Server) handleUpdatePipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := parseDefinition(req)
	if errResult != nil {
		return errResult, nil
	}
	out, err := s.svc.UpdatePipeline(ctx, def)
	if err != nil {
		return toolError("update pipeline", err), nil
	}
	return marshalResult(out)
}

func (s *Server) handleDeletePipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}
	if err := s.svc.DeletePipeline(ctx, id); err != nil {
		return toolError("delete pipeline", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "pipeline_id": id})
}

func (s *Server) handleGetPipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}
	def, err := s.svc.GetPipeline(ctx, id, req.GetInt("version", 0))
	if err != nil {
		return toolError("get pipeline", err), nil
	}
	return marshalResult(def)
}

func (s *Server) handleListPipelines(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := s.svc.ListPipelines(ctx, schema.PipelineFilter{
		Owner:       req.GetString("owner", ""),
		Tag:         req.GetString("tag", ""),
		TriggerType: schema.TriggerType(req.GetString("trigger_type", "")),
		Cursor:      req.GetString("cursor", ""),
		Limit:       req.GetInt("limit", 0),
	})
	if err != nil {
		return toolError("list pipelines", err), nil
	}
	return marshalResult(page)
}

// --- runs ---

func (s *Server) handleRunPipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}
	run, err := s.svc.RunPipeline(ctx, id, engine.RunRequest{
		Params:      mcp.ParseStringMap(req, "params", nil),
		TriggeredBy: req.GetString("triggered_by", ""),
		Version:     req.GetInt("version", 0),
	})
	if err != nil {
		return toolError("run pipeline", err), nil
	}
	if !req.GetBool("wait", false) {
		return marshalResult(run)
	}

	timeout := defaultWaitTimeout
	if secs := req.GetFloat("timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	final, err := s.svc.WaitForRun(waitCtx, run.ID)
	if err != nil {
		// Still running; hand back the id so the caller can poll.
		current, getErr := s.svc.GetRun(ctx, run.ID)
		if getErr != nil {
			return toolError("wait for run", err), nil
		}
		return marshalResult(current)
	}
	return marshalResult(final)
}

func (s *Server) handleGetRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.svc.GetRun(ctx, runID)
	if err != nil {
		return toolError("get run", err), nil
	}
	return marshalResult(run)
}

func (s *Server) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}
	page, err := s.svc.ListRuns(ctx, id, schema.RunFilter{
		Status: schema.RunStatus(req.GetString("status", "")),
		Cursor: req.GetString("cursor", ""),
		Limit:  req.GetInt("limit", 0),
	})
	if err != nil {
		return toolError("list runs", err), nil
	}
	return marshalResult(page)
}

func (s *Server) handlePauseRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.controlRun(ctx, req, "pause run", s.svc.PauseRun)
}

func (s *Server) handleResumeRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.controlRun(ctx, req, "resume run", s.svc.ResumeRun)
}

func (s *Server) handleCancelRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.controlRun(ctx, req, "cancel run", s.svc.CancelRun)
}

func (s *Server) controlRun(ctx context.Context, req mcp.CallToolRequest, action string, op func(context.Context, string) error) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if err := op(ctx, runID); err != nil {
		return toolError(action, err), nil
	}
	run, err := s.svc.GetRun(ctx, runID)
	if err != nil {
		return toolError(action, err), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID, "status": run.Status})
}

func (s *Server) handleSubmitApproval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	approver, err := req.RequireString("approver")
	if err != nil {
		return mcp.NewToolResultError("approver is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}

	if err := s.svc.SubmitApproval(ctx, runID, stepID, schema.Decision{
		Approver: approver,
		Decision: schema.DecisionValue(decision),
		Comment:  req.GetString("comment", ""),
	}); err != nil {
		return toolError("submit approval", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID, "step_id": stepID, "decision": decision})
}

func (s *Server) handleSignalWait(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("token")
	if err != nil {
		return mcp.NewToolResultError("token is required"), nil
	}
	if err := s.svc.SignalWait(ctx, token, mcp.ParseStringMap(req, "payload", nil)); err != nil {
		return toolError("signal wait", err), nil
	}
	return marshalResult(map[string]any{"ok": true})
}

func (s *Server) handleRunEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	events, err := s.svc.RunEvents(ctx, runID, int64(req.GetInt("since", 0)))
	if err != nil {
		return toolError("run events", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- triggers ---

func (s *Server) handlePublishEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	runs, err := s.svc.PublishEvent(ctx, trigger.Event{
		Type:   eventType,
		Source: req.GetString("source", ""),
		Data:   mcp.ParseStringMap(req, "data", nil),
	})
	if err != nil && len(runs) == 0 {
		return toolError("publish event", err), nil
	}
	out := map[string]any{"runs": runs}
	if err != nil {
		out["errors"] = err.Error()
	}
	return marshalResult(out)
}

// --- diagrams ---

func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	model, err := s.svc.Graph(ctx, service.GraphRequest{
		PipelineID: req.GetString("pipeline_id", ""),
		Version:    req.GetInt("version", 0),
		RunID:      req.GetString("run_id", ""),
	})
	if err != nil {
		return toolError("diagram", err), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return toolError("render image", err), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Internal helpers ---

// parseDefinition round-trips the definition argument through JSON into a
// PipelineDefinition.
func parseDefinition(req mcp.CallToolRequest) (*schema.PipelineDefinition, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("definition is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	var def schema.PipelineDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return &def, nil
}

// toolError reports err as a tool-level error, appending structured details
// such as validation issues when present.
func toolError(action string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("%s failed: %v", action, err)
	if se, ok := schema.AsError(err); ok && len(se.Details) > 0 {
		if data, jErr := json.Marshal(se.Details); jErr == nil {
			msg += "\n" + string(data)
		}
	}
	return mcp.NewToolResultError(msg)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
