package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// =============================================================================
// Status Server
// =============================================================================

// statusServer serves the status API while an attached up runs. A nil
// *statusServer is a disabled server.
type statusServer struct {
	cfg    StatusConfig
	http   *http.Server
	errCh  chan error
	logger *slog.Logger
}

func newStatusServer(cfg StatusConfig, handler http.Handler, logger *slog.Logger) *statusServer {
	return &statusServer{
		cfg: cfg,
		http: &http.Server{
			Addr:              cfg.Address(),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		errCh:  make(chan error, 1),
		logger: logger.With("component", "status-server"),
	}
}

// Start serves in the background. Listen failures are reported on Errors.
func (s *statusServer) Start() {
	go func() {
		s.logger.Info("starting status server", "address", s.cfg.Address())
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
	}()
}

// Errors returns the channel serving failures are sent on.
func (s *statusServer) Errors() <-chan error {
	if s == nil {
		return nil
	}
	return s.errCh
}

// Shutdown gracefully stops the server.
func (s *statusServer) Shutdown(ctx context.Context) {
	if s == nil {
		return
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("status server shutdown error", "error", err)
	}
}
