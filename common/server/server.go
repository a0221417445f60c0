package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/logger"
)

const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
	// Synchronous executions hold the response open for the whole run.
	writeTimeout  = 120 * time.Second
	idleTimeout   = 120 * time.Second
	shutdownGrace = 30 * time.Second
)

// Server runs the engine's HTTP surface and drains it gracefully on
// SIGINT/SIGTERM: in-flight executions get shutdownGrace to finish
// before the listener is torn down.
type Server struct {
	inner *http.Server
	log   *logger.Logger
	name  string
}

// New wraps a handler in a server listening on the given port.
func New(name string, port int, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		inner: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
		},
		log:  log,
		name: name,
	}
}

// Start blocks until the listener fails or a shutdown signal arrives.
func (s *Server) Start() error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "service", s.name, "addr", s.inner.Addr)
		errc <- s.inner.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("%s listener: %w", s.name, err)
	case sig := <-sigc:
		s.log.Info("draining on signal", "service", s.name, "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.inner.Shutdown(ctx); err != nil {
		s.log.Error("drain incomplete, closing listener", "service", s.name, "error", err)
		if cerr := s.inner.Close(); cerr != nil {
			return fmt.Errorf("close %s listener: %w", s.name, cerr)
		}
		return nil
	}
	s.log.Info("shutdown complete", "service", s.name)
	return nil
}
