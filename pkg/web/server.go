// Package web serves the operator API and live telemetry for the treadmill
// controller.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-treadmill/pkg/bertec"
	"github.com/teslashibe/go-treadmill/pkg/control"
	"github.com/teslashibe/go-treadmill/pkg/hub"
	"github.com/teslashibe/go-treadmill/pkg/loop"
)

// Config holds HTTP settings.
type Config struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `yaml:"addr" json:"addr"`

	// TelemetryEvery publishes one of every N ticks and COP updates.
	TelemetryEvery int `yaml:"telemetry_every" json:"telemetry_every"`

	// CommandTimeout bounds treadmill calls made by handlers.
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout"`
}

// DefaultConfig serves on :8080 at 20 Hz.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		TelemetryEvery: 5,
		CommandTimeout: 10 * time.Second,
	}
}

// Validate checks the settings.
func (c *Config) Validate() error {
	var errs []error
	if c.TelemetryEvery < 1 {
		errs = append(errs, fmt.Errorf("telemetry_every must be at least 1, got %d", c.TelemetryEvery))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("command_timeout must be positive, got %s", c.CommandTimeout))
	}
	return errors.Join(errs...)
}

// Loop is the orchestrator surface the API drives.
type Loop interface {
	Start() string
	Stop(ctx context.Context) error
	Running() bool
	Snapshot() (loop.Tick, bool)
	Stats() loop.Stats
}

// Treadmill is the transport surface the API queries.
type Treadmill interface {
	RunIncline(ctx context.Context, angle float64) (*bertec.Response, error)
	IsTreadmillMoving(ctx context.Context) (*bertec.Response, error)
	IsConnected() bool
	Stats() bertec.ClientStats
}

// ControlStats reports dispatch counters.
type ControlStats interface {
	Stats() control.GovernorStats
	Gains() control.Gains
}

var (
	_ Loop          = (*loop.Orchestrator)(nil)
	_ Treadmill     = (*bertec.Client)(nil)
	_ ControlStats  = (*control.Controller)(nil)
	_ loop.Observer = (*Server)(nil)
)

// Server is the operator API. It also observes the loop and forwards
// telemetry to websocket clients.
type Server struct {
	app    *fiber.App
	cfg    Config
	logger *slog.Logger

	loop      Loop
	treadmill Treadmill
	control   ControlStats

	telemetryHub *hub.Hub
	copHub       *hub.Hub

	ticks atomic.Int64
	cops  atomic.Int64
}

// NewServer wires routes. Attach the server to the loop with
// loop.New(..., server) before starting either.
func NewServer(cfg Config, treadmill Treadmill, ctrl ControlStats, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid web config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "web")

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		treadmill:    treadmill,
		control:      ctrl,
		telemetryHub: hub.New("telemetry", logger),
		copHub:       hub.New("cop", logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Treadmill Controller",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/start", s.handleStart)
	api.Post("/stop", s.handleStop)
	api.Post("/incline", s.handleIncline)
	api.Get("/treadmill/moving", s.handleMoving)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/telemetry", websocket.New(s.serveHub(s.telemetryHub)))
	app.Get("/ws/cop", websocket.New(s.serveHub(s.copHub)))

	s.app = app
	return s, nil
}

// AttachLoop sets the orchestrator the API drives. The loop is usually
// built after the server because the server is one of its observers.
func (s *Server) AttachLoop(l Loop) {
	s.loop = l
}

// App exposes the fiber app for tests and embedding.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts the hubs and serves on the configured address until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.telemetryHub.Run(ctx)
	go s.copHub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()
	s.logger.Info("operator API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// OnTick forwards a decimated tick stream to telemetry clients.
func (s *Server) OnTick(t loop.Tick) {
	if s.ticks.Add(1)%int64(s.cfg.TelemetryEvery) != 0 {
		return
	}
	if err := s.telemetryHub.Publish(hub.KindTick, t); err != nil {
		s.logger.Debug("tick not published", "error", err)
	}
}

// OnCopUpdate forwards a decimated COP stream to cop clients.
func (s *Server) OnCopUpdate(x, y float64) {
	if s.cops.Add(1)%int64(s.cfg.TelemetryEvery) != 0 {
		return
	}
	if err := s.copHub.Publish(hub.KindCop, copPoint{X: x, Y: y}); err != nil {
		s.logger.Debug("cop point not published", "error", err)
	}
}

type copPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (s *Server) serveHub(h *hub.Hub) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		client, err := hub.NewClient(h, conn)
		if err != nil {
			conn.Close()
			return
		}
		client.Run()
	}
}
