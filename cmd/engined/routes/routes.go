package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/kkkqkx123/graph-agent-go/cmd/engined/container"
	"github.com/kkkqkx123/graph-agent-go/cmd/engined/handlers"
)

// RegisterExecutionRoutes registers workflow execution routes
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewExecutionHandler(c.Execution)

	executions := e.Group("/api/v1/executions")
	{
		executions.POST("", h.Execute)           // POST /api/v1/executions
		executions.POST("/resume", h.Resume)     // POST /api/v1/executions/resume
	}

	workflows := e.Group("/api/v1/workflows")
	{
		workflows.POST("/validate", h.Validate)  // POST /api/v1/workflows/validate
		workflows.POST("/patch", h.Patch)        // POST /api/v1/workflows/patch
	}
}

// RegisterThreadRoutes registers thread inspection, fork and copy routes
func RegisterThreadRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewThreadHandler(c.Execution)

	threads := e.Group("/api/v1/threads")
	{
		threads.GET("/:id", h.Get)           // GET /api/v1/threads/:id
		threads.POST("/:id/fork", h.Fork)    // POST /api/v1/threads/:id/fork
		threads.POST("/:id/copy", h.Copy)    // POST /api/v1/threads/:id/copy
	}
}

// RegisterCheckpointRoutes registers checkpoint routes
func RegisterCheckpointRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewCheckpointHandler(c.Execution)

	threads := e.Group("/api/v1/threads")
	{
		threads.POST("/:id/checkpoints", h.Create)         // POST /api/v1/threads/:id/checkpoints
		threads.GET("/:id/checkpoints", h.List)            // GET /api/v1/threads/:id/checkpoints
		threads.GET("/:id/checkpoints/latest", h.Latest)   // GET /api/v1/threads/:id/checkpoints/latest
		threads.DELETE("/:id/checkpoints", h.ClearThread)  // DELETE /api/v1/threads/:id/checkpoints
	}

	checkpoints := e.Group("/api/v1/checkpoints")
	{
		checkpoints.GET("/:id", h.Get)               // GET /api/v1/checkpoints/:id
		checkpoints.DELETE("/:id", h.Delete)         // DELETE /api/v1/checkpoints/:id
		checkpoints.GET("/:id/diff/:other", h.Diff)  // GET /api/v1/checkpoints/:id/diff/:other
	}
}

// RegisterHistoryRoutes registers execution history routes
func RegisterHistoryRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewHistoryHandler(c.Execution)

	threads := e.Group("/api/v1/threads")
	{
		threads.GET("/:id/history", h.Get)               // GET /api/v1/threads/:id/history
		threads.GET("/:id/history/stats", h.Statistics)  // GET /api/v1/threads/:id/history/stats
		threads.DELETE("/:id/history", h.Clear)          // DELETE /api/v1/threads/:id/history
	}
}
