package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kkkqkx123/graph-agent-go/cmd/engined/container"
	"github.com/kkkqkx123/graph-agent-go/cmd/engined/routes"
	"github.com/kkkqkx123/graph-agent-go/common/bootstrap"
	"github.com/kkkqkx123/graph-agent-go/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (config, logger, optional DB/redis)
	components, err := bootstrap.Setup(ctx, "engined")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap engined: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(ctx, components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e)

	// Setup health check
	setupHealthCheck(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server
	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status":  "unhealthy",
				"service": "engined",
				"error":   err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "engined",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterExecutionRoutes(e, serviceContainer)
	routes.RegisterThreadRoutes(e, serviceContainer)
	routes.RegisterCheckpointRoutes(e, serviceContainer)
	routes.RegisterHistoryRoutes(e, serviceContainer)
}

// startServer starts the HTTP server with graceful shutdown on the
// configured port
func startServer(e *echo.Echo, components *bootstrap.Components) {
	srv := server.New("engined", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
