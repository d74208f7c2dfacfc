package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Wandeon/fleet-sub000/internal/breaker"
	"github.com/Wandeon/fleet-sub000/internal/device"
	"github.com/Wandeon/fleet-sub000/internal/dispatch"
	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/config"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/database"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/logging"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/mqtt"
	"github.com/Wandeon/fleet-sub000/internal/metrics"
	"github.com/Wandeon/fleet-sub000/internal/state"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Dispatch *dispatch.Service
	Bus      *events.Bus
	Registry *device.Registry

	// Optional; the metrics endpoint omits what is missing.
	Breaker  *breaker.Breaker
	Failures *state.FailureTracker
	Metrics  *metrics.Registry
	DB       *database.DB
	MQTT     *mqtt.Client

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	dispatch  *dispatch.Service
	bus       *events.Bus
	registry  *device.Registry
	breaker   *breaker.Breaker
	failures  *state.FailureTracker
	metrics   *metrics.Registry
	db        *database.DB
	mqtt      *mqtt.Client
	version   string
	startTime time.Time

	hub      *Hub
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates an API server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Dispatch == nil {
		return nil, fmt.Errorf("dispatch service is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		dispatch:  deps.Dispatch,
		bus:       deps.Bus,
		registry:  deps.Registry,
		breaker:   deps.Breaker,
		failures:  deps.Failures,
		metrics:   deps.Metrics,
		db:        deps.DB,
		mqtt:      deps.MQTT,
		version:   deps.Version,
		startTime: time.Now(),
	}

	var feedMetrics FeedMetrics
	if deps.Metrics != nil {
		feedMetrics = deps.Metrics
	}
	s.hub = NewHub(deps.WS, deps.Logger, feedMetrics)
	return s, nil
}

// Handler returns the router. Start serves it; tests mount it directly.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start listens on the configured address and serves in the background.
// The live feed hub runs until Close or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "address", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close disconnects feed clients and shuts the listener down, waiting up
// to 10 seconds for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
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

// HealthCheck returns nil once the server is listening.
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
