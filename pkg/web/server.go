// Package web serves the fatigue engine over HTTP and WebSocket.
//
// Routes:
//
//	GET  /health             liveness and connection counts
//	GET  /api/config         server detection defaults
//	POST /api/detect         run a batch of sessions, return alert records
//	GET  /api/streams        connected landmark producers
//	GET  /ws/landmarks/:id   producer pushes landmarks, receives ticks and a result
//	GET  /ws/telemetry       viewers receive every tick of every session
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-fatigue/internal/config"
	"github.com/teslashibe/go-fatigue/pkg/batch"
	"github.com/teslashibe/go-fatigue/pkg/fatigue"
	"github.com/teslashibe/go-fatigue/pkg/hub"
	"github.com/teslashibe/go-fatigue/pkg/ingest"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
	"github.com/teslashibe/go-fatigue/pkg/protocol"
)

// Server is the fatigue detection server
type Server struct {
	cfg    config.Config
	app    *fiber.App
	logger *slog.Logger

	// Hubs
	telemetry *hub.Hub
	producers *ingest.Hub

	camera   landmark.CameraFunc
	validate *validator.Validate
	now      func() time.Time
	started  time.Time

	// Counters
	sessions atomic.Int64
	fatigued atomic.Int64
	failures atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithCamera enables the camera backend for /api/detect.
func WithCamera(fn landmark.CameraFunc) Option {
	return func(s *Server) {
		s.camera = fn
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithNow replaces the record timestamp clock.
func WithNow(fn func() time.Time) Option {
	return func(s *Server) {
		s.now = fn
	}
}

// NewServer creates a new server. cfg is assumed valid.
func NewServer(cfg config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   slog.Default(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.telemetry = hub.New("telemetry", s.logger)
	s.producers = ingest.NewHub(ingest.DefaultConfig(), s.logger)
	s.producers.OnStream(s.runStream)

	app := fiber.New(fiber.Config{
		AppName:               "go-fatigue",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	// A panicking handler must not take the host down.
	app.Use(recover.New())
	app.Use(cors.New())

	app.Get("/health", s.handleHealth)

	api := app.Group("/api")
	api.Get("/config", s.handleConfig)
	api.Post("/detect", s.handleDetect)
	s.producers.RegisterAPIRoutes(api)

	s.producers.RegisterRoutes(app)

	app.Use("/ws/telemetry", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/telemetry", websocket.New(s.telemetry.ServeWS))

	s.app = app
	return s
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start serves on the configured port until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.telemetry.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()

	s.logger.Info("server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		s.producers.Close()
		return err
	case <-ctx.Done():
		s.producers.Close()
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			return err
		}
		return nil
	}
}

// publish fans a tick out to telemetry viewers.
func (s *Server) publish(ev fatigue.TickEvent) {
	msg, err := protocol.NewTickMessage(ev)
	if err != nil {
		return
	}
	if err := s.telemetry.BroadcastJSON(msg); err != nil {
		s.logger.Debug("telemetry not encoded", "error", err)
	}
}

// record updates counters after a session.
func (s *Server) record(out fatigue.Outcome, err error) {
	s.sessions.Add(1)
	if out.FatigueDetected {
		s.fatigued.Add(1)
	}
	if err != nil {
		s.failures.Add(1)
	}
}

// batchOptions returns the runner options shared by every request.
func (s *Server) batchOptions() []batch.Option {
	opts := []batch.Option{
		batch.WithLogger(s.logger),
		batch.WithNow(s.now),
		batch.WithSessionOptions(func(batch.Item) []fatigue.SessionOption {
			return []fatigue.SessionOption{fatigue.WithObserver(s.publish)}
		}),
	}
	if s.cfg.Source.Fallback {
		opts = append(opts, batch.WithFallback(func(item batch.Item) landmark.Source {
			return simulatedFallback(item.Source, s.logger)
		}))
	}
	return opts
}

// fallbackSamples bounds a simulated fallback so an unbounded session
// still ends.
const fallbackSamples = 900

func simulatedFallback(cfg landmark.Config, logger *slog.Logger) landmark.Source {
	return landmark.NewSimulated(logger,
		landmark.WithFrameRate(cfg.FrameRate),
		landmark.WithSeed(cfg.Seed),
		landmark.WithLimit(fallbackSamples),
	)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
