package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/events"
	"github.com/nerrad567/budlink/internal/infrastructure/config"
	"github.com/nerrad567/budlink/internal/infrastructure/logging"
	"github.com/nerrad567/budlink/internal/recorder"
	"github.com/nerrad567/budlink/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceReader reads the device store. *device.Store implements it.
type DeviceReader interface {
	Get(id string) (*device.Record, error)
	List() []device.Record
}

// Commander accepts commands and reports link status.
// *session.Manager implements it.
type Commander interface {
	Execute(ctx context.Context, deviceID, command string, params map[string]any) (*session.Submission, error)
	Connected(id string) bool
	Statuses() []session.Status
}

// CommandLogReader reads command outcomes. *recorder.CommandLog implements it.
type CommandLogReader interface {
	Recent(ctx context.Context, deviceID string, limit int) ([]recorder.CommandLogEntry, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Devices   DeviceReader
	Commander Commander
	Bus       *events.Bus

	// History and Commands are optional; their endpoints answer 503
	// when unset.
	History  device.HistoryRepository
	Commands CommandLogReader

	Version string
}

// Server is the HTTP API server.
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	devices   DeviceReader
	commander Commander
	bus       *events.Bus
	history   device.HistoryRepository
	commands  CommandLogReader
	version   string
	started   time.Time

	server *http.Server
	hub    *Hub
	cancel context.CancelFunc
}

// New creates an API server. It does not listen until Start.
//
// Parameters:
//   - deps: Required dependencies (logger, devices, commander, bus)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if deps.Commander == nil {
		return nil, fmt.Errorf("commander is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		devices:   deps.Devices,
		commander: deps.Commander,
		bus:       deps.Bus,
		history:   deps.History,
		commands:  deps.Commands,
		version:   deps.Version,
		started:   time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
	}, nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins relaying bus events to WebSocket clients and listening for
// HTTP connections in the background. Stop it with Close.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx, s.bus)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
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
