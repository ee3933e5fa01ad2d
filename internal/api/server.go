// Package api provides the HTTP REST API and WebSocket server for the SX4
// controller.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/sx4-core/internal/bridges/sxi"
	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/infrastructure/config"
	"github.com/nerrad567/sx4-core/internal/infrastructure/logging"
	"github.com/nerrad567/sx4-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/sx4-core/internal/journal"
	"github.com/nerrad567/sx4-core/internal/panel"
	"github.com/nerrad567/sx4-core/internal/route"
	"github.com/nerrad567/sx4-core/internal/sxnet"
	"github.com/nerrad567/sx4-core/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BridgeStats reports the counters of the upstream interface driver.
type BridgeStats interface {
	Stats() sxi.Stats
}

// TelemetryStats reports the counters of the MQTT/InfluxDB mirror.
type TelemetryStats interface {
	Stats() telemetry.Stats
}

// JournalStats reports the counters of the route journal recorder.
type JournalStats interface {
	Stats() journal.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Registry *bus.Registry
	Layout   *panel.Layout
	Routes   *route.Engine
	Journal  journal.Repository
	SXnet    *sxnet.Server
	MQTT     *mqtt.Client
	DB       *sql.DB

	// Optional counters shown by /metrics.
	Bridge    BridgeStats
	Telemetry TelemetryStats
	Recorder  JournalStats

	Version string
}

// Server is the HTTP API server for the SX4 controller.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	registry  *bus.Registry
	layout    *panel.Layout
	routes    *route.Engine
	journal   journal.Repository
	sxnet     *sxnet.Server
	mqtt      *mqtt.Client
	db        *sql.DB
	bridge    BridgeStats
	telemetry TelemetryStats
	recorder  JournalStats
	version   string
	startTime time.Time

	hub *Hub

	mu          sync.Mutex
	ctx         context.Context
	server      *http.Server
	listener    net.Listener
	cancel      context.CancelFunc // cancels background goroutines on Close()
	unsubscribe []func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("bus registry is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		registry:  deps.Registry,
		layout:    deps.Layout,
		routes:    deps.Routes,
		journal:   deps.Journal,
		sxnet:     deps.SXnet,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		bridge:    deps.Bridge,
		telemetry: deps.Telemetry,
		recorder:  deps.Recorder,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
		ctx:       context.Background(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It binds the listener, starts the WebSocket hub, relays registry changes
// and route events to it and serves requests in a background goroutine.
// The server can be stopped with Close().
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.ctx = srvCtx

	go s.hub.Run(srvCtx)
	s.unsubscribe = s.relayEvents()

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())
	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections. WebSocket clients are
// disconnected when the hub stops.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	unsubscribe := s.unsubscribe
	s.server = nil
	s.unsubscribe = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	for _, unsub := range unsubscribe {
		unsub()
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// baseContext returns the context sessions started by handlers run under.
func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}
