// Package server is the HTTP and WebSocket front end: the /ws upgrade, the
// admin API under /api/realtime, /health and /metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_channels/internal/cleanup"
	"github.com/adred-codev/ws_channels/internal/hub"
	"github.com/adred-codev/ws_channels/internal/ingest"
	"github.com/adred-codev/ws_channels/internal/pubsub"
	"github.com/adred-codev/ws_channels/internal/shared/limits"
	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
	"github.com/rs/zerolog"
)

// Config holds front-end settings.
type Config struct {
	Addr         string
	SendBuffer   int           // queued frames per connection, default 256
	WriteTimeout time.Duration // per write batch, default 5s
	ReadTimeout  time.Duration // max silence from a client, default 90s

	// Per-connection inbound limit. A zero rate disables it.
	ClientMessageRate  float64
	ClientMessageBurst int

	// IdleTimeout is the default threshold of the connection-health report.
	IdleTimeout time.Duration
}

// Deps are the collaborators the server exposes. Manager and Auth are
// required; the rest are optional and reported only when set.
type Deps struct {
	Manager     *hub.Manager
	Auth        *Authenticator
	RateLimiter *limits.ConnectionRateLimiter
	Cleanup     *cleanup.Manager
	Bridge      *pubsub.Bridge
	Ingest      *ingest.Consumer
	System      *monitoring.SystemMonitor
}

// Server serves the WebSocket endpoint and the admin API.
type Server struct {
	config  Config
	manager *hub.Manager
	auth    *Authenticator
	limiter *limits.ConnectionRateLimiter
	cleanup *cleanup.Manager
	bridge  *pubsub.Bridge
	ingest  *ingest.Consumer
	system  *monitoring.SystemMonitor
	buffers *cleanup.BufferTracker
	logger  zerolog.Logger

	handler      http.Handler
	httpServer   *http.Server
	listener     net.Listener
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New creates a server. It does not listen until Start.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Manager == nil {
		return nil, errors.New("server: manager is required")
	}
	if deps.Auth == nil {
		return nil, errors.New("server: authenticator is required")
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = cleanup.DefaultConfig().ConnectionTimeout
	}

	s := &Server{
		config:  cfg,
		manager: deps.Manager,
		auth:    deps.Auth,
		limiter: deps.RateLimiter,
		cleanup: deps.Cleanup,
		bridge:  deps.Bridge,
		ingest:  deps.Ingest,
		system:  deps.System,
		logger:  monitoring.Component(logger, "server"),
	}

	// Send queues are tracked by the cleanup manager when there is one.
	if s.cleanup != nil {
		s.buffers = s.cleanup.Buffers()
	} else {
		s.buffers = cleanup.NewBufferTracker()
	}

	s.handler = s.routes()
	return s, nil
}

// Handler returns the HTTP handler, for mounting or tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Server listening")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting handshakes and HTTP requests. Upgraded
// connections are left to the manager's Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("Stopping HTTP server (no new connections accepted)")

	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}
