// Package ledring drives the ReSpeaker USB pixel ring
package ledring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/teslashibe/go-voice/internal/bridge"
	"github.com/teslashibe/go-voice/internal/doa"
)

// ReSpeaker USB identifiers
const (
	VendorID  = 0x2886
	ProductID = 0x0018
)

// Pixel ring vendor commands (wValue), sent to wIndex pixelRingIndex
const (
	cmdTrace      = 0x00
	cmdMono       = 0x01
	cmdListen     = 0x02
	cmdSpeak      = 0x03
	cmdThink      = 0x04
	cmdSpin       = 0x05
	cmdShow       = 0x06
	cmdBrightness = 0x20

	pixelRingIndex = 0x1C
)

// LEDs on the ring
const LEDs = 12

// ErrClosed is returned after Close
var ErrClosed = errors.New("led ring closed")

// Controller issues USB control transfers. *gousb.Device implements it.
type Controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	Close() error
}

// Opener opens the ring's USB device
type Opener func() (Controller, error)

// IdleMode is what the ring shows between wake words
type IdleMode string

const (
	IdleOff   IdleMode = "off"
	IdleTrace IdleMode = "trace" // firmware follows the loudest direction
	IdleSpin  IdleMode = "spin"
)

// ErrUnknownIdleMode is returned by New for an unrecognised IdleMode
var ErrUnknownIdleMode = errors.New("unknown idle mode")

// Color is an RGB colour
type Color struct {
	R, G, B uint8
}

// Config configures a Ring
type Config struct {
	Brightness           uint8 // 0-31
	Color                Color // Wakeup highlight
	Idle                 IdleMode
	MaxConsecutiveErrors int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Brightness:           8,
		Color:                Color{R: 0, G: 96, B: 255},
		Idle:                 IdleOff,
		MaxConsecutiveErrors: 5,
		InitialBackoff:       100 * time.Millisecond,
		MaxBackoff:           5 * time.Second,
	}
}

// Ring is a bridge.Actuator that lights the LED facing the talker
type Ring struct {
	cfg    Config
	open   Opener
	logger *slog.Logger

	mu     sync.Mutex
	dev    Controller
	closed bool

	healthy           bool
	consecutiveErrors int
	lastError         error
	lastErrorTime     time.Time
	backoff           time.Duration
	nextAttempt       time.Time
	writes            uint64
}

// USBOpener returns an Opener backed by a gousb context. The returned
// close function releases the context.
func USBOpener(logger *slog.Logger) (Opener, func() error) {
	if logger == nil {
		logger = slog.Default()
	}
	usbCtx := gousb.NewContext()

	open := func() (Controller, error) {
		dev, err := usbCtx.OpenDeviceWithVIDPID(VendorID, ProductID)
		if err != nil {
			return nil, fmt.Errorf("open pixel ring: %w", err)
		}
		if dev == nil {
			return nil, fmt.Errorf("pixel ring not found (VID=0x%04X PID=0x%04X)", VendorID, ProductID)
		}
		if err := dev.SetAutoDetach(true); err != nil {
			logger.Debug("SetAutoDetach failed (non-fatal)", "error", err)
		}
		return dev, nil
	}

	return open, usbCtx.Close
}

// New opens the ring and applies the configured brightness
func New(open Opener, cfg Config, logger *slog.Logger) (*Ring, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultConfig().MaxConsecutiveErrors
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Brightness > 31 {
		cfg.Brightness = 31
	}
	if cfg.Idle == "" {
		cfg.Idle = IdleOff
	}
	idleCmd, idleData, ok := idleCommand(cfg.Idle)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIdleMode, cfg.Idle)
	}

	dev, err := open()
	if err != nil {
		return nil, err
	}

	r := &Ring{
		cfg:     cfg,
		open:    open,
		logger:  logger,
		dev:     dev,
		healthy: true,
		backoff: cfg.InitialBackoff,
	}

	if err := r.write(cmdBrightness, []byte{cfg.Brightness}); err != nil {
		dev.Close()
		return nil, fmt.Errorf("set brightness: %w", err)
	}
	if err := r.write(idleCmd, idleData); err != nil {
		dev.Close()
		return nil, fmt.Errorf("set idle mode: %w", err)
	}

	logger.Info("pixel ring initialized",
		"vendor_id", fmt.Sprintf("0x%04X", VendorID),
		"product_id", fmt.Sprintf("0x%04X", ProductID),
		"brightness", cfg.Brightness,
		"idle", cfg.Idle,
	)

	return r, nil
}

// Pattern returns the show payload for a bearing: the nearest LED at full
// colour and its neighbours dimmed
func Pattern(azimuth float64, c Color) []byte {
	data := make([]byte, LEDs*4)
	step := 360.0 / LEDs
	led := int(math.Round(doa.NormalizeDegrees(azimuth)/step)) % LEDs

	set := func(i int, scale float64) {
		i = (i + LEDs) % LEDs
		data[i*4] = uint8(float64(c.R) * scale)
		data[i*4+1] = uint8(float64(c.G) * scale)
		data[i*4+2] = uint8(float64(c.B) * scale)
	}

	set(led-1, 0.25)
	set(led+1, 0.25)
	set(led, 1)
	return data
}

// Wakeup points the ring at azimuth
func (r *Ring) Wakeup(ctx context.Context, azimuth float64) error {
	return r.send(ctx, cmdShow, Pattern(azimuth, r.cfg.Color))
}

// Off blanks the ring
func (r *Ring) Off(ctx context.Context) error {
	return r.send(ctx, cmdMono, []byte{0, 0, 0, 0})
}

// Indicate shows an assistant state animation
func (r *Ring) Indicate(ctx context.Context, state bridge.State) error {
	switch state {
	case bridge.StateListening:
		return r.send(ctx, cmdListen, []byte{0})
	case bridge.StateThinking:
		return r.send(ctx, cmdThink, []byte{0})
	case bridge.StateSpeaking:
		return r.send(ctx, cmdSpeak, []byte{0})
	case bridge.StateFinished:
		return r.Idle(ctx)
	}
	return fmt.Errorf("unknown state %q", state)
}

// Idle returns the ring to its configured idle mode
func (r *Ring) Idle(ctx context.Context) error {
	cmd, data, _ := idleCommand(r.cfg.Idle)
	return r.send(ctx, cmd, data)
}

func idleCommand(mode IdleMode) (uint16, []byte, bool) {
	switch mode {
	case IdleOff:
		return cmdMono, []byte{0, 0, 0, 0}, true
	case IdleTrace:
		return cmdTrace, []byte{0}, true
	case IdleSpin:
		return cmdSpin, []byte{0}, true
	}
	return 0, nil, false
}

func (r *Ring) send(ctx context.Context, cmd uint16, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if r.dev == nil {
		if err := r.reconnect(); err != nil {
			return err
		}
	}

	return r.write(cmd, data)
}

// write must be called with mu held
func (r *Ring) write(cmd uint16, data []byte) error {
	_, err := r.dev.Control(
		gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice,
		0,
		cmd,
		pixelRingIndex,
		data,
	)
	if err != nil {
		r.recordError(err)
		return fmt.Errorf("pixel ring command 0x%02X: %w", cmd, err)
	}

	r.recordSuccess()
	return nil
}

func (r *Ring) recordError(err error) {
	r.consecutiveErrors++
	r.lastError = err
	r.lastErrorTime = time.Now()

	if r.consecutiveErrors >= r.cfg.MaxConsecutiveErrors {
		r.healthy = false
		r.logger.Warn("pixel ring marked unhealthy, will attempt reconnect",
			"consecutive_errors", r.consecutiveErrors,
			"last_error", err,
		)

		if r.dev != nil {
			r.dev.Close()
			r.dev = nil
		}
		r.nextAttempt = time.Now().Add(r.backoff)
	}
}

func (r *Ring) recordSuccess() {
	if r.consecutiveErrors > 0 {
		r.logger.Info("pixel ring recovered", "previous_errors", r.consecutiveErrors)
	}
	r.consecutiveErrors = 0
	r.healthy = true
	r.backoff = r.cfg.InitialBackoff
	r.writes++
}

// reconnect never sleeps: the actuation path has a deadline, so attempts
// inside the backoff window fail fast
func (r *Ring) reconnect() error {
	if wait := time.Until(r.nextAttempt); wait > 0 {
		return fmt.Errorf("pixel ring reconnect in %v: %w", wait.Round(time.Millisecond), r.lastError)
	}

	r.logger.Info("attempting pixel ring reconnect", "backoff", r.backoff)

	r.backoff *= 2
	if r.backoff > r.cfg.MaxBackoff {
		r.backoff = r.cfg.MaxBackoff
	}

	dev, err := r.open()
	if err != nil {
		r.lastError = err
		r.lastErrorTime = time.Now()
		r.nextAttempt = time.Now().Add(r.backoff)
		r.logger.Warn("pixel ring reconnect failed", "error", err)
		return err
	}

	r.dev = dev
	r.consecutiveErrors = 0
	r.logger.Info("pixel ring reconnect successful")

	if err := r.write(cmdBrightness, []byte{r.cfg.Brightness}); err != nil {
		return fmt.Errorf("restore brightness: %w", err)
	}
	return nil
}

// Close releases the USB device
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.dev != nil {
		err := r.dev.Close()
		r.dev = nil
		if err != nil {
			return fmt.Errorf("close pixel ring: %w", err)
		}
	}

	r.logger.Info("pixel ring closed")
	return nil
}

// Healthy returns true if the ring is operational
func (r *Ring) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy
}

// Name returns the actuator name
func (r *Ring) Name() string {
	return "ledring"
}

// Stats returns ring statistics
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr string
	if r.lastError != nil {
		lastErr = r.lastError.Error()
	}

	return Stats{
		Healthy:           r.healthy,
		ConsecutiveErrors: r.consecutiveErrors,
		LastError:         lastErr,
		LastErrorTime:     r.lastErrorTime,
		DeviceConnected:   r.dev != nil,
		Writes:            r.writes,
	}
}

// Stats contains ring statistics
type Stats struct {
	Healthy           bool      `json:"healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorTime     time.Time `json:"last_error_time,omitempty"`
	DeviceConnected   bool      `json:"device_connected"`
	Writes            uint64    `json:"writes"`
}
