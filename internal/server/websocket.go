package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-voice/internal/bridge"
	"github.com/teslashibe/go-voice/internal/doa"
	"github.com/teslashibe/go-voice/internal/protocol"
)

// clientQueue is the number of messages buffered per client
const clientQueue = 32

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub streams DOA readings and wake word events to WebSocket clients.
// It implements bridge.Notifier.
type WSHub struct {
	tracker  *doa.Tracker
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSHub creates a new WebSocket hub broadcasting DOA every interval
func NewWSHub(tracker *doa.Tracker, interval time.Duration, logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &WSHub{
		tracker:  tracker,
		interval: interval,
		logger:   logger,
		clients:  make(map[*wsClient]struct{}),
		done:     make(chan struct{}),
	}
}

// Run starts the broadcast loop
func (h *WSHub) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("websocket hub started", "interval", h.interval)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return
		case <-ticker.C:
			if h.tracker == nil || h.ClientCount() == 0 {
				continue
			}

			result := h.tracker.GetLatest()
			msg, err := protocol.NewDOAMessage(protocol.DOAData{
				Azimuth:         result.Azimuth,
				SmoothedAzimuth: result.SmoothedAzimuth,
				Speaking:        result.Speaking,
				SpeakingLatched: result.SpeakingLatched,
				Confidence:      result.Confidence,
			})
			if err != nil {
				h.logger.Warn("websocket marshal error", "error", err)
				continue
			}
			h.broadcast(msg)
		}
	}
}

// NotifyDetection pushes a wake word event to every client
func (h *WSHub) NotifyDetection(d bridge.Detection) {
	msg, err := protocol.NewDetectionMessage(protocol.WakeData{
		Keyword:    d.Keyword,
		Sequence:   d.Sequence,
		Confidence: d.Confidence,
		Azimuth:    d.Azimuth,
	})
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}
	h.broadcast(msg)
}

// broadcast never blocks: a client with a full queue misses the message
func (h *WSHub) broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Debug("websocket client queue full", "type", msg.Type)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive DOA and wake word events",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	client := &wsClient{conn: c, send: make(chan []byte, clientQueue)}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	writerDone := make(chan struct{})
	go h.writeLoop(client, writerDone)

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		clientCount := len(h.clients)
		h.mu.Unlock()

		close(client.send)
		<-writerDone

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			break
		}
		h.handleCommand(client, data)
	}
}

// writeLoop is the only writer on the connection
func (h *WSHub) writeLoop(client *wsClient, done chan struct{}) {
	defer close(done)
	for data := range client.send {
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket write error", "error", err)
			client.conn.Close()
			// Drain so broadcasters never see a stuck queue
			for range client.send {
			}
			return
		}
	}
}

func (h *WSHub) handleCommand(client *wsClient, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return
	}

	if msg.Type == protocol.TypePing {
		pong, _ := protocol.NewPong().Bytes()
		select {
		case client.send <- pong:
		default:
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the broadcast loop and disconnects every client
func (h *WSHub) Close() {
	h.mu.RLock()
	cancel := h.cancel
	h.mu.RUnlock()

	if cancel != nil {
		cancel()
		<-h.done
	}

	h.mu.RLock()
	for client := range h.clients {
		client.conn.Close()
	}
	h.mu.RUnlock()
}
