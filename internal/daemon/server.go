// Package daemon runs the long-lived HTTP gate server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ipguard/internal/gate"
)

// ServerConfig holds gate server configuration.
type ServerConfig struct {
	Addr            string        // Listen address
	StatusInterval  time.Duration // How often to log gate counters (0 disables)
	ShutdownTimeout time.Duration // Grace period for in-flight requests
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		StatusInterval:  time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server serves the gate handler until its context is canceled.
type Server struct {
	config  ServerConfig
	handler http.Handler
	stats   *gate.Stats
	logger  *zap.Logger
	addr    atomic.Value
}

// NewServer creates a gate server. stats may be nil.
func NewServer(config ServerConfig, handler http.Handler, stats *gate.Stats, logger *zap.Logger) *Server {
	return &Server{
		config:  config,
		handler: handler,
		stats:   stats,
		logger:  logger,
	}
}

// Addr returns the bound address once serving.
func (s *Server) Addr() string {
	v, _ := s.addr.Load().(string)
	return v
}

// Run listens on the configured address and serves.
// This blocks until context is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln and shuts down gracefully when ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr.Store(ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.logger.Info("gate server started",
		zap.String("addr", s.Addr()),
		zap.Int("pid", os.Getpid()))

	var statusC <-chan time.Time
	if s.config.StatusInterval > 0 {
		ticker := time.NewTicker(s.config.StatusInterval)
		defer ticker.Stop()
		statusC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("gate server stopping")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			s.logStatus()
			return nil

		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err

		case <-statusC:
			s.logStatus()
		}
	}
}

func (s *Server) logStatus() {
	if s.stats == nil {
		return
	}
	s.logger.Info("gate status",
		zap.Int64("allowed", s.stats.Allowed()),
		zap.Int64("denied", s.stats.Denied()),
		zap.Int64("failed", s.stats.Failed()))
}
