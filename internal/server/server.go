package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coltonsteinbeck/silo-metering/internal/config"
)

const shutdownGrace = 30 * time.Second

// Server wraps http.Server with signal-driven graceful shutdown. In-flight
// quota commits get the full grace period to finish; the process exits
// only after the listener has drained or the grace period expires.
type Server struct {
	inner *http.Server
}

func New(cfg config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		inner: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start serves until SIGINT/SIGTERM or a listener error, then drains.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", s.inner.Addr)
		if err := s.inner.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listener: %w", err)
	case sig := <-stop:
		slog.Info("shutdown requested", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.inner.Shutdown(ctx); err != nil {
		return fmt.Errorf("draining connections: %w", err)
	}

	slog.Info("server stopped")
	return nil
}
