// Package bridge turns keyword detections into actuation: it reads the
// current direction of arrival and drives the configured actuators.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-voice/internal/doa"
	"github.com/teslashibe/go-voice/internal/stage"
)

// ErrQueueFull is reported when an actuation request is dropped
var ErrQueueFull = errors.New("actuation queue full")

// State is an assistant interaction state shown on the actuator
type State string

const (
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
	StateFinished  State = "finished"
)

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateListening, StateThinking, StateSpeaking, StateFinished:
		return true
	}
	return false
}

// Actuator reacts to a wake-up at a bearing
type Actuator interface {
	Wakeup(ctx context.Context, azimuth float64) error
	Off(ctx context.Context) error
	Name() string
}

// Indicator is implemented by actuators that can show assistant states
type Indicator interface {
	Indicate(ctx context.Context, state State) error
}

// Notifier is told about every detection. Implementations must not block.
type Notifier interface {
	NotifyDetection(d Detection)
}

// DirectionFinder returns the current direction of arrival in degrees
type DirectionFinder interface {
	Direction() float64
}

// Detection is a keyword detection with the bearing it came from
type Detection struct {
	stage.DetectionEvent
	Azimuth    float64   `json:"azimuth"`     // Degrees, offset applied
	RawAzimuth float64   `json:"raw_azimuth"` // Estimator output
	HandledAt  time.Time `json:"handled_at"`
}

// Config configures a Bridge
type Config struct {
	OffsetDegrees    float64       // Added to the estimator azimuth before actuation
	QueueSize        int           // Pending actuation requests
	ActuationTimeout time.Duration // Per-request actuator deadline
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:        8,
		ActuationTimeout: time.Second,
	}
}

type requestKind int

const (
	requestWakeup requestKind = iota
	requestIndicate
	requestOff
)

type request struct {
	kind    requestKind
	azimuth float64
	state   State
}

// Bridge connects the keyword detector to the direction estimator and the
// actuators. OnDetected runs on the pipeline goroutine and only enqueues;
// Run performs the actuation.
type Bridge struct {
	cfg       Config
	direction DirectionFinder
	actuator  Actuator
	logger    *slog.Logger
	queue     chan request

	mu        sync.RWMutex
	notifiers []Notifier
	last      *Detection
	state     State

	detections atomic.Uint64
	dropped    atomic.Uint64
	actuated   atomic.Uint64
	failures   atomic.Uint64
}

// New creates a bridge
func New(direction DirectionFinder, actuator Actuator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if direction == nil {
		return nil, fmt.Errorf("bridge requires a direction finder")
	}
	if actuator == nil {
		return nil, fmt.Errorf("bridge requires an actuator")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ActuationTimeout <= 0 {
		cfg.ActuationTimeout = DefaultConfig().ActuationTimeout
	}

	return &Bridge{
		cfg:       cfg,
		direction: direction,
		actuator:  actuator,
		logger:    logger,
		queue:     make(chan request, cfg.QueueSize),
	}, nil
}

// AddNotifier registers a detection observer
func (b *Bridge) AddNotifier(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifiers = append(b.notifiers, n)
}

// OnDetected handles a keyword detection; use it as the detector handler
func (b *Bridge) OnDetected(ev stage.DetectionEvent) {
	raw := b.direction.Direction()
	d := Detection{
		DetectionEvent: ev,
		RawAzimuth:     raw,
		Azimuth:        doa.NormalizeDegrees(raw + b.cfg.OffsetDegrees),
		HandledAt:      time.Now(),
	}

	b.detections.Add(1)

	b.mu.Lock()
	b.last = &d
	notifiers := make([]Notifier, len(b.notifiers))
	copy(notifiers, b.notifiers)
	b.mu.Unlock()

	b.logger.Info("wake word",
		"keyword", ev.Keyword,
		"sequence", ev.Sequence,
		"confidence", ev.Confidence,
		"azimuth", d.Azimuth,
	)

	for _, n := range notifiers {
		n.NotifyDetection(d)
	}

	b.enqueue(request{kind: requestWakeup, azimuth: d.Azimuth})
}

// Indicate queues an assistant state change; StateFinished turns actuation off
func (b *Bridge) Indicate(state State) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()

	if state == StateFinished {
		b.enqueue(request{kind: requestOff})
		return
	}
	b.enqueue(request{kind: requestIndicate, state: state})
}

func (b *Bridge) enqueue(req request) {
	select {
	case b.queue <- req:
	default:
		b.dropped.Add(1)
		b.logger.Warn("dropping actuation request", "error", ErrQueueFull, "actuator", b.actuator.Name())
	}
}

// Run executes queued actuation requests until ctx is cancelled
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("bridge started",
		"actuator", b.actuator.Name(),
		"offset_degrees", b.cfg.OffsetDegrees,
	)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bridge stopped",
				"detections", b.detections.Load(),
				"actuated", b.actuated.Load(),
				"dropped", b.dropped.Load(),
			)
			return ctx.Err()
		case req := <-b.queue:
			b.execute(ctx, req)
		}
	}
}

func (b *Bridge) execute(ctx context.Context, req request) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ActuationTimeout)
	defer cancel()

	var err error
	switch req.kind {
	case requestWakeup:
		err = b.actuator.Wakeup(ctx, req.azimuth)
	case requestOff:
		err = b.actuator.Off(ctx)
	case requestIndicate:
		ind, ok := b.actuator.(Indicator)
		if !ok {
			return
		}
		err = ind.Indicate(ctx, req.state)
	}

	if err != nil {
		b.failures.Add(1)
		b.logger.Warn("actuation failed", "actuator", b.actuator.Name(), "error", err)
		return
	}
	b.actuated.Add(1)
}

// Off turns the actuator off immediately, bypassing the queue
func (b *Bridge) Off(ctx context.Context) error {
	if err := b.actuator.Off(ctx); err != nil {
		return fmt.Errorf("turn off %s: %w", b.actuator.Name(), err)
	}
	return nil
}

// LastDetection returns the most recent detection, if any
func (b *Bridge) LastDetection() (Detection, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.last == nil {
		return Detection{}, false
	}
	return *b.last, true
}

// Stats returns bridge statistics
func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()

	return Stats{
		Actuator:   b.actuator.Name(),
		State:      string(state),
		Detections: b.detections.Load(),
		Actuated:   b.actuated.Load(),
		Dropped:    b.dropped.Load(),
		Failures:   b.failures.Load(),
		Queued:     len(b.queue),
	}
}

// Stats contains bridge statistics
type Stats struct {
	Actuator   string `json:"actuator"`
	State      string `json:"state"`
	Detections uint64 `json:"detections"`
	Actuated   uint64 `json:"actuated"`
	Dropped    uint64 `json:"dropped"`
	Failures   uint64 `json:"failures"`
	Queued     int    `json:"queued"`
}
