// Package server provides the HTTP status API for go-voice
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-voice/internal/bridge"
	"github.com/teslashibe/go-voice/internal/config"
	"github.com/teslashibe/go-voice/internal/doa"
	"github.com/teslashibe/go-voice/internal/health"
	"github.com/teslashibe/go-voice/internal/observe"
	"github.com/teslashibe/go-voice/internal/pipeline"
)

// Estimator is the instant direction estimate
type Estimator interface {
	Estimate() doa.AzimuthEstimate
	Stats() doa.EstimatorStats
}

// PipelineStatus reports pipeline statistics
type PipelineStatus interface {
	Stats() pipeline.Stats
}

// Detections reports wake word history
type Detections interface {
	LastDetection() (bridge.Detection, bool)
	Stats() bridge.Stats
}

// Options wires the server to the running components. Nil components
// answer 503.
type Options struct {
	Config         *config.Config
	Tracker        *doa.Tracker
	Estimator      Estimator
	Pipeline       PipelineStatus
	Detections     Detections
	Health         *health.Checker
	Metrics        *observe.Metrics
	MetricsHandler http.Handler
	Version        string
	Logger         *slog.Logger
}

// Server is the HTTP server for go-voice
type Server struct {
	app       *fiber.App
	opts      Options
	cfg       config.ServerConfig
	logger    *slog.Logger
	wsHub     *WSHub
	startTime time.Time
}

// New creates a new HTTP server
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker(opts.Version)
	}
	cfg := opts.Config.Server

	app := fiber.New(fiber.Config{
		AppName:               "go-voice",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(opts.Logger))
	if opts.Metrics != nil {
		app.Use(MetricsMiddleware(opts.Metrics))
	}

	interval := time.Second / time.Duration(max(cfg.BroadcastHz, 1))

	s := &Server{
		app:       app,
		opts:      opts,
		cfg:       cfg,
		logger:    opts.Logger,
		wsHub:     NewWSHub(opts.Tracker, interval, opts.Logger),
		startTime: time.Now(),
	}

	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/metrics", s.metricsHandler())

	api := s.app.Group("/api")
	api.Get("/doa", s.doaHandler)
	api.Get("/direction", s.directionHandler)
	api.Get("/pipeline", s.pipelineHandler)
	api.Get("/detections/last", s.lastDetectionHandler)
	api.Get("/stats", s.statsHandler)
	api.Get("/config", s.configHandler)
	api.Get("/events", s.wsHub.UpgradeHandler())
}

func unavailable(c *fiber.Ctx, what string) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": what + " not available",
	})
}

// healthHandler returns service health; 503 when a critical component fails
func (s *Server) healthHandler(c *fiber.Ctx) error {
	status := s.opts.Health.GetStatus()
	if status.Status == health.StatusUnhealthy {
		c.Status(fiber.StatusServiceUnavailable)
	}
	return c.JSON(status)
}

// metricsHandler serves the Prometheus registry
func (s *Server) metricsHandler() fiber.Handler {
	if s.opts.MetricsHandler == nil {
		return func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusNotFound).SendString("# metrics disabled\n")
		}
	}
	return adaptor.HTTPHandler(s.opts.MetricsHandler)
}

// doaHandler returns the latest tracked reading
func (s *Server) doaHandler(c *fiber.Ctx) error {
	if s.opts.Tracker == nil {
		return unavailable(c, "DOA tracker")
	}
	return c.JSON(s.opts.Tracker.GetLatest())
}

// directionHandler runs the estimator over the current window
func (s *Server) directionHandler(c *fiber.Ctx) error {
	if s.opts.Estimator == nil {
		return unavailable(c, "direction estimator")
	}
	return c.JSON(s.opts.Estimator.Estimate())
}

// pipelineHandler returns pipeline statistics
func (s *Server) pipelineHandler(c *fiber.Ctx) error {
	if s.opts.Pipeline == nil {
		return unavailable(c, "pipeline")
	}
	return c.JSON(s.opts.Pipeline.Stats())
}

// lastDetectionHandler returns the most recent wake word
func (s *Server) lastDetectionHandler(c *fiber.Ctx) error {
	if s.opts.Detections == nil {
		return unavailable(c, "detections")
	}
	d, ok := s.opts.Detections.LastDetection()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no detection yet",
		})
	}
	return c.JSON(d)
}

// statsHandler returns statistics of every wired component
func (s *Server) statsHandler(c *fiber.Ctx) error {
	stats := fiber.Map{
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"websocket_clients": s.wsHub.ClientCount(),
	}
	if s.opts.Tracker != nil {
		stats["tracker"] = s.opts.Tracker.Stats()
	}
	if s.opts.Estimator != nil {
		stats["estimator"] = s.opts.Estimator.Stats()
	}
	if s.opts.Pipeline != nil {
		stats["pipeline"] = s.opts.Pipeline.Stats()
	}
	if s.opts.Detections != nil {
		stats["bridge"] = s.opts.Detections.Stats()
	}
	return c.JSON(stats)
}

// configHandler returns the effective configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	cfg := s.opts.Config
	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             cfg.Server.Port,
			"read_timeout_ms":  cfg.Server.ReadTimeout.Milliseconds(),
			"write_timeout_ms": cfg.Server.WriteTimeout.Milliseconds(),
			"broadcast_hz":     cfg.Server.BroadcastHz,
		},
		"capture": fiber.Map{
			"driver":     cfg.Capture.Driver,
			"device":     cfg.Capture.Device,
			"rate":       cfg.Capture.Rate,
			"frame_size": cfg.Capture.FrameSize,
			"channels":   cfg.Capture.Channels,
		},
		"keyword": fiber.Map{
			"model":       cfg.Keyword.Model,
			"keyword":     cfg.Keyword.Keyword,
			"sensitivity": cfg.Keyword.Sensitivity,
		},
		"doa": fiber.Map{
			"chunks":         cfg.DOA.Chunks,
			"mic_channels":   cfg.DOA.MicChannels,
			"offset_degrees": cfg.DOA.OffsetDegrees,
			"poll_hz":        cfg.DOA.PollHz,
		},
		"pipeline": fiber.Map{
			"name":              cfg.Pipeline.Name,
			"shutdown_grace_ms": cfg.Pipeline.ShutdownGrace.Milliseconds(),
			"echo":              cfg.Echo.Enabled,
			"noise":             cfg.Noise.Enabled,
		},
		"actuator": fiber.Map{
			"kinds":          cfg.Actuator.Kinds,
			"offset_degrees": cfg.Actuator.OffsetDegrees,
		},
		"assistant": fiber.Map{
			"enabled": cfg.Assistant.Enabled,
			"url":     cfg.Assistant.URL,
		},
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// WSHub returns the WebSocket hub
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	s.wsHub.Close()

	return s.app.ShutdownWithContext(ctx)
}
