// Package api provides the HTTP REST API and WebSocket server for Hearth Core.
//
// It exposes the entity cache, tiered search, state history, and service
// invocation to user interfaces (wall panels, mobile apps, web admin), plus a
// WebSocket channel for real-time state change broadcasts.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/oakmere/hearth-core/internal/entity"
	"github.com/oakmere/hearth-core/internal/history"
	"github.com/oakmere/hearth-core/internal/hub"
	"github.com/oakmere/hearth-core/internal/infrastructure/config"
	"github.com/oakmere/hearth-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Cache    *entity.Cache
	Hub      *hub.Client
	History  *history.Store // nil when history is disabled
	Version  string
}

// Server is the HTTP API server for Hearth Core.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket
// broadcast hub. The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	cache   *entity.Cache
	hub     *hub.Client
	history *history.Store
	version string

	server  *http.Server
	wsHub   *Hub
	tickets *ticketStore
	cancel  context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, cache, hub client)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("entity cache is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("hub client is required")
	}
	// History is optional — the history endpoint returns 404 when disabled

	return &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		cache:   deps.Cache,
		hub:     deps.Hub,
		history: deps.History,
		version: deps.Version,
		tickets: newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, registers a hub state
// listener for real-time broadcast, and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.wsHub = NewHub(s.wsCfg, s.logger)
	go s.wsHub.Run(srvCtx)

	// Start periodic ticket cleanup to prevent memory leaks
	go s.tickets.cleanLoop(srvCtx)

	// Relay hub state changes to subscribed WebSocket clients
	s.hub.AddListener(s.broadcastStateChange)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
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

// broadcastStateChange forwards one hub state change to WebSocket clients
// subscribed to the entity.state_changed channel.
func (s *Server) broadcastStateChange(change hub.StateChange) {
	if s.wsHub == nil {
		return
	}

	payload := map[string]any{
		"entity_id": change.EntityID,
	}
	if change.NewState != nil {
		payload["state"] = change.NewState.State
		payload["attributes"] = change.NewState.Attributes
		payload["last_changed"] = change.NewState.LastChanged
		payload["last_updated"] = change.NewState.LastUpdated
	} else {
		payload["removed"] = true
	}

	s.wsHub.Broadcast("entity.state_changed", payload)
}
