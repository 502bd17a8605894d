package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/doubleukay/panasonic-wifan-ha/internal/fan"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/config"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/logging"
)

// Commander accepts validated fan control patches.
// *engine.Dispatcher satisfies it.
type Commander interface {
	ApplyPatch(ctx context.Context, deviceID string, patch fan.Patch) error
}

// Syncer runs an on-demand discovery and poll pass.
// *engine.Engine satisfies it.
type Syncer interface {
	PollOnce(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Logger    *logging.Logger
	Registry  *fan.Registry
	Commander Commander
	Syncer    Syncer
	// History is optional; the history endpoint answers 503 without it.
	History fan.HistoryRepository
	Version string
}

// Server is the HTTP API server for the bridge.
//
// It manages the HTTP listener, routes, middleware, WebSocket hub, and
// the registry subscription feeding it. The server is created with
// New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	registry  *fan.Registry
	commander Commander
	syncer    Syncer
	history   fan.HistoryRepository
	version   string

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, registry, commander)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("fan registry is required")
	}
	if deps.Commander == nil {
		return nil, fmt.Errorf("commander is required")
	}
	// Syncer and History are optional; /discover and /history degrade to
	// 503 without them.

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		registry:  deps.Registry,
		commander: deps.Commander,
		syncer:    deps.Syncer,
		history:   deps.History,
		version:   deps.Version,
		tickets:   newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, subscribes to the
// fan registry for real-time WebSocket broadcast, and launches the
// HTTP listener in a background goroutine. The server is stopped with
// Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	srvCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Periodic ticket cleanup so abandoned tickets don't accumulate.
	go s.tickets.cleanLoop(srvCtx)

	s.watchRegistry(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to the configured shutdown window for in-flight requests
// to complete, then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	// Stop background goroutines (hub, ticket cleanup, registry feed).
	if s.cancel != nil {
		s.cancel()
	}

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// watchRegistry bridges registry events to the WebSocket hub. Each
// event kind maps to its own channel so clients subscribe to exactly
// the stream they render.
func (s *Server) watchRegistry(ctx context.Context) {
	events, cancelFeed := s.registry.Subscribe(registryFeedBuffer)

	go func() {
		defer cancelFeed()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.hub.Broadcast(channelFor(ev.Kind), ev)
			}
		}
	}()
}

// registryFeedBuffer is the registry subscription depth for the
// WebSocket relay.
const registryFeedBuffer = 64

// channelFor maps a registry event kind to its WebSocket channel name.
func channelFor(kind fan.EventKind) string {
	switch kind {
	case fan.EventDiscovered:
		return "fan.discovered"
	case fan.EventStateChanged:
		return "fan.state_changed"
	case fan.EventHealthChanged:
		return "fan.health_changed"
	case fan.EventRemoved:
		return "fan.removed"
	default:
		return "fan.event"
	}
}
