// Package assistant links the device to a voice assistant over WebSocket:
// wake words go out, assistant states come back
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-voice/internal/bridge"
	"github.com/teslashibe/go-voice/internal/protocol"
)

// Errors returned by SendMessage
var (
	ErrNotConnected = errors.New("assistant not connected")
	ErrQueueFull    = errors.New("assistant send queue full")
)

// Config holds assistant client configuration
type Config struct {
	URL              string        // WebSocket URL (e.g., "ws://assistant.local:8080/ws/device")
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Ping interval for keepalive
	WriteTimeout     time.Duration // Write timeout
	QueueSize        int           // Outbound messages buffered while writing
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws/device",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		QueueSize:        16,
	}
}

// Client manages the WebSocket connection to the assistant
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	onState   func(bridge.State)
	outbound  chan *protocol.Message
	loops     sync.WaitGroup

	// Stats
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesDropped  atomic.Uint64
	reconnects       atomic.Uint64
}

// NewClient creates a new assistant client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		outbound: make(chan *protocol.Message, cfg.QueueSize),
	}
}

// OnState sets the callback for assistant state changes
func (c *Client) OnState(callback func(bridge.State)) {
	c.mu.Lock()
	c.onState = callback
	c.mu.Unlock()
}

// Connect starts the connection and writer loops
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("assistant client already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.loops.Add(2)
	go func() {
		defer c.loops.Done()
		c.connectionLoop(ctx)
	}()
	go func() {
		defer c.loops.Done()
		c.writeLoop(ctx)
	}()
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (c *Client) connectionLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("assistant connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		backoff = c.cfg.ReconnectBackoff

		c.readLoop(ctx)
	}
}

// connect establishes the WebSocket connection
func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("connecting to assistant", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to assistant")

	go c.pingLoop(ctx, conn)

	return nil
}

// pingLoop sends periodic pings until conn is replaced or fails
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads messages until the connection fails
func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("read error", "error", err)
			}
			c.closeConnection()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(data)
	}
}

// handleMessage processes incoming messages
func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeAssistantState:
		st, err := msg.GetAssistantState()
		if err != nil {
			c.logger.Warn("invalid assistant state", "error", err)
			return
		}
		state := bridge.State(st.State)
		if !state.Valid() {
			c.logger.Warn("unknown assistant state", "state", st.State)
			return
		}

		c.mu.Lock()
		cb := c.onState
		c.mu.Unlock()

		c.logger.Debug("assistant state", "state", state)
		if cb != nil {
			cb(state)
		}

	case protocol.TypePing:
		c.SendMessage(protocol.NewPong())

	case protocol.TypePong:

	default:
		c.logger.Debug("ignoring message", "type", msg.Type)
	}
}

// SendMessage queues a message for the writer loop without blocking
func (c *Client) SendMessage(msg *protocol.Message) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	select {
	case c.outbound <- msg:
		return nil
	default:
		c.messagesDropped.Add(1)
		return ErrQueueFull
	}
}

// writeLoop is the only writer of data frames on the connection
func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.outbound:
			c.write(msg)
		}
	}
}

func (c *Client) write(msg *protocol.Message) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.messagesDropped.Add(1)
		return
	}

	data, err := msg.Bytes()
	if err != nil {
		c.logger.Warn("marshal error", "type", msg.Type, "error", err)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn("send error", "error", err)
		c.messagesDropped.Add(1)
		c.closeConnection()
		return
	}

	c.messagesSent.Add(1)
}

// NotifyDetection forwards a wake word to the assistant. It never blocks;
// the wake is dropped when the assistant is unreachable.
func (c *Client) NotifyDetection(d bridge.Detection) {
	msg, err := protocol.NewWakeMessage(protocol.WakeData{
		Keyword:    d.Keyword,
		Sequence:   d.Sequence,
		Confidence: d.Confidence,
		Azimuth:    d.Azimuth,
	})
	if err != nil {
		c.logger.Warn("build wake message", "error", err)
		return
	}

	if err := c.SendMessage(msg); err != nil {
		c.logger.Debug("wake not delivered", "sequence", d.Sequence, "error", err)
	}
}

// closeConnection closes the WebSocket connection
func (c *Client) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts down the client and waits for its loops
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConnection()
	c.loops.Wait()
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats contains client statistics
type Stats struct {
	Connected        bool   `json:"connected"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesDropped  uint64 `json:"messages_dropped"`
	Reconnects       uint64 `json:"reconnects"`
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	return Stats{
		Connected:        c.IsConnected(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		MessagesDropped:  c.messagesDropped.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}
