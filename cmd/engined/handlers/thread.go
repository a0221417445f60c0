package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kkkqkx123/graph-agent-go/cmd/engined/service"
	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/thread"
)

// ThreadHandler handles thread inspection, fork and copy requests
type ThreadHandler struct {
	execution *service.ExecutionService
}

// NewThreadHandler creates a new thread handler
func NewThreadHandler(execution *service.ExecutionService) *ThreadHandler {
	return &ThreadHandler{execution: execution}
}

// Get returns a thread's state
// GET /api/v1/threads/:id
func (h *ThreadHandler) Get(c echo.Context) error {
	st, err := h.execution.Thread(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, st.ToProps())
}

// forkRequest is the body for POST /api/v1/threads/:id/fork
type forkRequest struct {
	ForkPointNodeID string             `json:"fork_point_node_id"`
	Options         thread.ForkOptions `json:"options"`
}

// Fork creates a child thread at a fork point
// POST /api/v1/threads/:id/fork
func (h *ThreadHandler) Fork(c echo.Context) error {
	var req forkRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errs.Validation("invalid request body: %v", err))
	}
	if req.ForkPointNodeID == "" {
		return fail(c, errs.Validation("fork_point_node_id is required"))
	}
	if req.Options.Strategy == "" {
		req.Options.Strategy = thread.ForkFull
	}

	fc, err := h.execution.Fork(c.Param("id"), req.ForkPointNodeID, req.Options)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, fc)
}

// copyRequest is the body for POST /api/v1/threads/:id/copy
type copyRequest struct {
	Options thread.CopyOptions `json:"options"`
}

// Copy duplicates a thread
// POST /api/v1/threads/:id/copy
func (h *ThreadHandler) Copy(c echo.Context) error {
	var req copyRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errs.Validation("invalid request body: %v", err))
	}
	if req.Options.Strategy == "" {
		req.Options.Strategy = thread.CopyFull
	}

	cc, err := h.execution.Copy(c.Param("id"), req.Options)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, cc)
}
