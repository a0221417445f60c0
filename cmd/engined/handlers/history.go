package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kkkqkx123/graph-agent-go/cmd/engined/service"
)

// HistoryHandler handles execution history requests
type HistoryHandler struct {
	execution *service.ExecutionService
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(execution *service.ExecutionService) *HistoryHandler {
	return &HistoryHandler{execution: execution}
}

// Get returns a thread's history, oldest first
// GET /api/v1/threads/:id/history?node_id=...&latest=N
func (h *HistoryHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("id")

	if latest := c.QueryParam("latest"); latest != "" {
		limit, err := strconv.Atoi(latest)
		if err != nil || limit < 1 {
			limit = 10
		}
		recs, err := h.execution.History().GetLatestHistory(ctx, threadID, limit)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"history": recs})
	}

	if nodeID := c.QueryParam("node_id"); nodeID != "" {
		recs, err := h.execution.History().GetNodeHistory(ctx, threadID, nodeID)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"history": recs})
	}

	recs, err := h.execution.History().GetHistory(ctx, threadID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"history": recs})
}

// Statistics summarizes a thread's history by status
// GET /api/v1/threads/:id/history/stats
func (h *HistoryHandler) Statistics(c echo.Context) error {
	stats, err := h.execution.History().GetStatistics(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// Clear drops a thread's history
// DELETE /api/v1/threads/:id/history
func (h *HistoryHandler) Clear(c echo.Context) error {
	if err := h.execution.History().ClearHistory(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
