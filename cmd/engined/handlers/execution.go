package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kkkqkx123/graph-agent-go/cmd/engined/service"
	"github.com/kkkqkx123/graph-agent-go/common/engine"
	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/thread"
	"github.com/kkkqkx123/graph-agent-go/common/workflow"
)

// ExecutionHandler handles workflow execution requests
type ExecutionHandler struct {
	execution *service.ExecutionService
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(execution *service.ExecutionService) *ExecutionHandler {
	return &ExecutionHandler{execution: execution}
}

// executeRequest is the body for POST /api/v1/executions
type executeRequest struct {
	Workflow         workflow.Definition    `json:"workflow"`
	ThreadID         string                 `json:"thread_id,omitempty"`
	InitialVariables map[string]interface{} `json:"initial_variables,omitempty"`
	Options          executionOptions       `json:"options"`
}

type executionOptions struct {
	EnableCheckpoints  bool   `json:"enable_checkpoints"`
	CheckpointInterval int    `json:"checkpoint_interval,omitempty"`
	MaxSteps           int    `json:"max_steps,omitempty"`
	TimeoutMS          int64  `json:"timeout_ms,omitempty"`
	StartNodeID        string `json:"start_node_id,omitempty"`
}

func (o executionOptions) toEngine() engine.Options {
	return engine.Options{
		EnableCheckpoints:  o.EnableCheckpoints,
		CheckpointInterval: o.CheckpointInterval,
		MaxSteps:           o.MaxSteps,
		Timeout:            time.Duration(o.TimeoutMS) * time.Millisecond,
		StartNodeID:        o.StartNodeID,
	}
}

// reportResponse is the serialized form of an engine report
type reportResponse struct {
	Success         bool          `json:"success"`
	ThreadID        string        `json:"thread_id"`
	Steps           int           `json:"steps"`
	ExecutedNodes   int           `json:"executed_nodes"`
	CheckpointCount int           `json:"checkpoint_count"`
	Error           string        `json:"error,omitempty"`
	ErrorKind       string        `json:"error_kind,omitempty"`
	FinalState      *thread.Props `json:"final_state,omitempty"`
}

func toReportResponse(report *engine.Report) reportResponse {
	resp := reportResponse{
		Success:         report.Success,
		ThreadID:        report.ThreadID,
		Steps:           report.Steps,
		ExecutedNodes:   report.ExecutedNodes,
		CheckpointCount: report.CheckpointCount,
	}
	if report.Err != nil {
		resp.Error = report.Err.Error()
		resp.ErrorKind = string(errs.KindOf(report.Err))
	}
	if report.FinalState != nil {
		props := report.FinalState.ToProps()
		resp.FinalState = &props
	}
	return resp
}

// Execute runs a workflow
// POST /api/v1/executions
func (h *ExecutionHandler) Execute(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errs.Validation("invalid request body: %v", err))
	}

	report, err := h.execution.Execute(c.Request().Context(), req.Workflow, req.ThreadID, req.InitialVariables, req.Options.toEngine())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, toReportResponse(report))
}

// resumeRequest is the body for POST /api/v1/executions/resume
type resumeRequest struct {
	Workflow     workflow.Definition `json:"workflow"`
	ThreadID     string              `json:"thread_id,omitempty"`
	CheckpointID string              `json:"checkpoint_id"`
	Options      executionOptions    `json:"options"`
}

// Resume continues a run from a checkpoint
// POST /api/v1/executions/resume
func (h *ExecutionHandler) Resume(c echo.Context) error {
	var req resumeRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errs.Validation("invalid request body: %v", err))
	}
	if req.CheckpointID == "" {
		return fail(c, errs.Validation("checkpoint_id is required"))
	}

	report, err := h.execution.Resume(c.Request().Context(), req.Workflow, req.ThreadID, req.CheckpointID, req.Options.toEngine())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, toReportResponse(report))
}

// Validate checks a workflow definition without running it
// POST /api/v1/workflows/validate
func (h *ExecutionHandler) Validate(c echo.Context) error {
	var def workflow.Definition
	if err := c.Bind(&def); err != nil {
		return fail(c, errs.Validation("invalid request body: %v", err))
	}
	wf, err := workflow.FromDefinition(def)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"valid":       true,
		"workflow_id": wf.ID,
		"version":     wf.Version.String(),
		"nodes":       wf.NodeCount(),
	})
}

// patchRequest is the body for POST /api/v1/workflows/patch
type patchRequest struct {
	Workflow workflow.Definition `json:"workflow"`
	Patch    json.RawMessage     `json:"patch"` // RFC 6902 document
}

// Patch applies a JSON patch to a workflow definition and returns the
// next revision
// POST /api/v1/workflows/patch
func (h *ExecutionHandler) Patch(c echo.Context) error {
	var req patchRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errs.Validation("invalid request body: %v", err))
	}
	wf, err := workflow.FromDefinition(req.Workflow)
	if err != nil {
		return fail(c, err)
	}
	next, err := workflow.ApplyPatch(wf, req.Patch)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, next.Definition())
}
