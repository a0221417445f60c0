package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kkkqkx123/graph-agent-go/cmd/engined/service"
	"github.com/kkkqkx123/graph-agent-go/common/errs"
)

// CheckpointHandler handles checkpoint requests
type CheckpointHandler struct {
	execution *service.ExecutionService
}

// NewCheckpointHandler creates a new checkpoint handler
func NewCheckpointHandler(execution *service.ExecutionService) *CheckpointHandler {
	return &CheckpointHandler{execution: execution}
}

// Create snapshots a tracked thread
// POST /api/v1/threads/:id/checkpoints
func (h *CheckpointHandler) Create(c echo.Context) error {
	var body struct {
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, errs.Validation("invalid request body: %v", err))
	}
	cp, err := h.execution.CreateCheckpoint(c.Request().Context(), c.Param("id"), body.Metadata)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, cp)
}

// List returns a thread's checkpoints, newest first
// GET /api/v1/threads/:id/checkpoints
func (h *CheckpointHandler) List(c echo.Context) error {
	cps, err := h.execution.Checkpoints().GetThreadCheckpoints(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"checkpoints": cps})
}

// Latest returns a thread's most recent checkpoint
// GET /api/v1/threads/:id/checkpoints/latest
func (h *CheckpointHandler) Latest(c echo.Context) error {
	cp, err := h.execution.Checkpoints().GetLatestCheckpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, cp)
}

// Get returns one checkpoint
// GET /api/v1/checkpoints/:id
func (h *CheckpointHandler) Get(c echo.Context) error {
	cp, err := h.execution.Checkpoints().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, cp)
}

// Delete removes one checkpoint
// DELETE /api/v1/checkpoints/:id
func (h *CheckpointHandler) Delete(c echo.Context) error {
	if err := h.execution.Checkpoints().Delete(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Diff returns a merge patch between two checkpoint snapshots
// GET /api/v1/checkpoints/:id/diff/:other
func (h *CheckpointHandler) Diff(c echo.Context) error {
	patch, err := h.execution.Checkpoints().Diff(c.Request().Context(), c.Param("id"), c.Param("other"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"from": c.Param("id"),
		"to":   c.Param("other"),
		"diff": json.RawMessage(patch),
	})
}

// ClearThread drops all checkpoints for one thread
// DELETE /api/v1/threads/:id/checkpoints
func (h *CheckpointHandler) ClearThread(c echo.Context) error {
	if err := h.execution.Checkpoints().ClearThreadCheckpoints(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
