package server

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-voice/internal/observe"
)

// quietPaths are polled by scrapers and probes and only logged on failure
var quietPaths = map[string]bool{
	"/metrics": true,
	"/health":  true,
}

// LoggingMiddleware logs HTTP requests. Server errors log at warn level.
func LoggingMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if quietPaths[c.Path()] && status < fiber.StatusInternalServerError {
			return err
		}

		level := slog.LevelInfo
		if status >= fiber.StatusInternalServerError {
			level = slog.LevelWarn
		}

		logger.Log(c.UserContext(), level, "http request",
			"method", c.Method(),
			"path", c.Path(),
			"route", c.Route().Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"remote_ip", c.IP(),
		)
		return err
	}
}

// MetricsMiddleware records request latency by route pattern
func MetricsMiddleware(m *observe.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		m.RecordHTTPRequest(c.UserContext(), c.Method(), c.Route().Path, c.Response().StatusCode(), time.Since(start))
		return err
	}
}
