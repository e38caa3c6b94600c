// Package webhook provides an HTTP actuator that forwards wake-ups to
// another service
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-voice/internal/bridge"
)

// Config holds webhook client configuration
type Config struct {
	BaseURL     string        // Base URL of the receiving service (e.g., "http://localhost:8000")
	Timeout     time.Duration // HTTP request timeout
	RateLimitHz int           // Max wake-ups per second (0 = unlimited)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:8000",
		Timeout:     2 * time.Second,
		RateLimitHz: 2,
	}
}

// WakeupRequest is the body of POST /wakeup
type WakeupRequest struct {
	Azimuth float64 `json:"azimuth"`
}

// StateRequest is the body of POST /state
type StateRequest struct {
	State bridge.State `json:"state"`
}

// Client is a bridge.Actuator that POSTs to a remote service
type Client struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	// Rate limiting
	mu           sync.Mutex
	lastWakeupAt time.Time
	minInterval  time.Duration

	// Stats
	sent    atomic.Uint64
	errors  atomic.Uint64
	skipped atomic.Uint64
}

// NewClient creates a new webhook client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	var minInterval time.Duration
	if cfg.RateLimitHz > 0 {
		minInterval = time.Second / time.Duration(cfg.RateLimitHz)
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		minInterval: minInterval,
	}
}

// Wakeup posts the bearing to /wakeup
func (c *Client) Wakeup(ctx context.Context, azimuth float64) error {
	if c.minInterval > 0 {
		c.mu.Lock()
		if time.Since(c.lastWakeupAt) < c.minInterval {
			c.mu.Unlock()
			c.skipped.Add(1)
			return nil // Skip to maintain rate limit
		}
		c.lastWakeupAt = time.Now()
		c.mu.Unlock()
	}

	return c.post(ctx, "/wakeup", WakeupRequest{Azimuth: azimuth})
}

// Off posts to /off
func (c *Client) Off(ctx context.Context) error {
	return c.post(ctx, "/off", nil)
}

// Indicate posts the assistant state to /state
func (c *Client) Indicate(ctx context.Context, state bridge.State) error {
	return c.post(ctx, "/state", StateRequest{State: state})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(resp.Body)
		c.errors.Add(1)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(msg))
	}

	c.sent.Add(1)
	c.logger.Debug("webhook sent", "path", path)
	return nil
}

// Name returns the actuator name
func (c *Client) Name() string {
	return "webhook"
}

// IsHealthy checks if the receiving service answers GET /health
func (c *Client) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stats contains client statistics
type Stats struct {
	Sent    uint64 `json:"sent"`
	Errors  uint64 `json:"errors"`
	Skipped uint64 `json:"skipped"`
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	return Stats{
		Sent:    c.sent.Load(),
		Errors:  c.errors.Load(),
		Skipped: c.skipped.Load(),
	}
}
