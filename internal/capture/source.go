package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-voice/internal/audio"
)

var (
	// ErrAlreadyRunning is returned by Start on a running source
	ErrAlreadyRunning = errors.New("source already running")

	// ErrSourceClosed is returned by Start after Close
	ErrSourceClosed = errors.New("source closed")

	// ErrSubscriptionClosed is returned by Next once the subscription is closed
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Config configures a Source
type Config struct {
	Format           audio.Format
	QueueSize        int           // Per-subscriber queue depth in frames
	ReadErrorBackoff time.Duration // Pause after a failed device read

	// OnOverrun is called on the capture goroutine for every evicted frame.
	// It must not block.
	OnOverrun func(*audio.OverrunError)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Format:           audio.DefaultFormat(),
		QueueSize:        16,
		ReadErrorBackoff: 20 * time.Millisecond,
	}
}

// Source owns a capture device and the goroutine reading from it.
// Every subscriber receives every captured frame once, in capture order,
// through its own bounded queue; a full queue evicts its oldest frame.
type Source struct {
	cfg    Config
	device Device
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	subsMu sync.RWMutex
	subs   map[*Subscription]struct{}

	// Owned by the capture goroutine
	seq uint64

	// Metrics
	framesCaptured atomic.Uint64
	readErrors     atomic.Uint64
}

// Open opens the device at cfg.Format and returns a stopped source
func Open(device Device, cfg Config, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ReadErrorBackoff <= 0 {
		cfg.ReadErrorBackoff = DefaultConfig().ReadErrorBackoff
	}

	if err := cfg.Format.Validate(); err != nil {
		return nil, &audio.DeviceError{Device: device.Name(), Op: "validate", Format: cfg.Format, Err: err}
	}

	if err := device.Open(cfg.Format); err != nil {
		return nil, &audio.DeviceError{Device: device.Name(), Op: "open", Format: cfg.Format, Err: err}
	}

	logger.Info("capture device opened",
		"device", device.Name(),
		"rate", cfg.Format.Rate,
		"frame_size", cfg.Format.FrameSize,
		"channels", cfg.Format.Channels,
		"queue_size", cfg.QueueSize,
	)

	return &Source{
		cfg:    cfg,
		device: device,
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}, nil
}

// Format returns the fixed frame format
func (s *Source) Format() audio.Format {
	return s.cfg.Format
}

// Subscribe registers a new independent consumer
func (s *Source) Subscribe(name string) *Subscription {
	sub := &Subscription{
		name:   name,
		ch:     make(chan audio.Frame, s.cfg.QueueSize),
		source: s,
	}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	count := len(s.subs)
	s.subsMu.Unlock()

	s.logger.Debug("subscriber added", "subscriber", name, "subscribers", count)

	return sub
}

func (s *Source) unsubscribe(sub *Subscription) {
	s.subsMu.Lock()
	if _, exists := s.subs[sub]; exists {
		delete(s.subs, sub)
		close(sub.ch)
	}
	s.subsMu.Unlock()
}

// Start spawns the capture goroutine
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSourceClosed
	}
	if s.running {
		return ErrAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx, s.done)

	s.logger.Info("capture started", "device", s.device.Name())
	return nil
}

// Stop stops the capture goroutine and waits for it to exit.
// Subscriptions stay open; a later Start resumes delivery.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done

	s.logger.Info("capture stopped",
		"frames", s.framesCaptured.Load(),
		"read_errors", s.readErrors.Load(),
	)
}

// Close stops capture, closes every subscription and releases the device
func (s *Source) Close() error {
	s.Stop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.subsMu.Lock()
	for sub := range s.subs {
		close(sub.ch)
		delete(s.subs, sub)
	}
	s.subsMu.Unlock()

	if err := s.device.Close(); err != nil {
		return fmt.Errorf("close %s device: %w", s.device.Name(), err)
	}
	return nil
}

// Running reports whether the capture goroutine is active
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Source) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	samples := s.cfg.Format.Samples()

	for {
		if ctx.Err() != nil {
			return
		}

		buf := make([]int16, samples)
		if err := s.device.Read(ctx, buf); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, audio.ErrDeviceClosed) {
				s.logger.Warn("capture device closed, stopping capture", "device", s.device.Name())
				return
			}

			s.readErrors.Add(1)
			s.logger.Warn("capture read failed", "device", s.device.Name(), "error", err)

			select {
			case <-time.After(s.cfg.ReadErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		s.seq++
		s.framesCaptured.Add(1)

		// Read returns once the last sample is in
		s.publish(audio.Frame{
			Sequence:  s.seq,
			Timestamp: time.Now().Add(-s.cfg.Format.Period()),
			Channels:  s.cfg.Format.Channels,
			Samples:   buf,
		})
	}
}

// publish hands one copy of the frame to every subscriber (copy-on-fan-out).
// Only the capture goroutine calls it, so each queue has a single producer.
func (s *Source) publish(frame audio.Frame) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	first := true
	for sub := range s.subs {
		f := frame
		if !first {
			f = frame.Clone()
		}
		first = false

		if overrun := sub.offer(f); overrun != nil {
			s.reportOverrun(overrun)
		}
	}
}

func (s *Source) reportOverrun(err *audio.OverrunError) {
	// First overrun and then every 50th at warn level
	if err.Total == 1 || err.Total%50 == 0 {
		s.logger.Warn("subscriber overrun", "subscriber", err.Subscriber, "dropped_seq", err.Sequence, "total_dropped", err.Total)
	} else {
		s.logger.Debug("subscriber overrun", "subscriber", err.Subscriber, "dropped_seq", err.Sequence, "total_dropped", err.Total)
	}

	if s.cfg.OnOverrun != nil {
		s.cfg.OnOverrun(err)
	}
}

// Stats returns source statistics
func (s *Source) Stats() SourceStats {
	s.subsMu.RLock()
	subs := make([]SubscriptionStats, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub.Stats())
	}
	s.subsMu.RUnlock()

	return SourceStats{
		Device:         s.device.Name(),
		Running:        s.Running(),
		FramesCaptured: s.framesCaptured.Load(),
		ReadErrors:     s.readErrors.Load(),
		Subscriptions:  subs,
	}
}

// SourceStats contains source statistics
type SourceStats struct {
	Device         string              `json:"device"`
	Running        bool                `json:"running"`
	FramesCaptured uint64              `json:"frames_captured"`
	ReadErrors     uint64              `json:"read_errors"`
	Subscriptions  []SubscriptionStats `json:"subscriptions"`
}

// Subscription is one consumer's bounded, drop-oldest frame queue
type Subscription struct {
	name   string
	ch     chan audio.Frame
	source *Source

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// Name returns the subscriber name
func (s *Subscription) Name() string {
	return s.name
}

// Frames exposes the queue for range loops; it is closed with the subscription
func (s *Subscription) Frames() <-chan audio.Frame {
	return s.ch
}

// Next blocks until a frame is available, the subscription closes or ctx ends
func (s *Subscription) Next(ctx context.Context) (audio.Frame, error) {
	select {
	case f, ok := <-s.ch:
		if !ok {
			return audio.Frame{}, ErrSubscriptionClosed
		}
		return f, nil
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// Close unsubscribes from the source
func (s *Subscription) Close() {
	s.source.unsubscribe(s)
}

// offer enqueues a frame, evicting the oldest queued frame when full
func (s *Subscription) offer(f audio.Frame) *audio.OverrunError {
	select {
	case s.ch <- f:
		s.enqueued.Add(1)
		return nil
	default:
	}

	var overrun *audio.OverrunError
	select {
	case old := <-s.ch:
		total := s.dropped.Add(1)
		overrun = &audio.OverrunError{Subscriber: s.name, Sequence: old.Sequence, Total: total}
	default:
		// Consumer drained the queue in the meantime
	}

	select {
	case s.ch <- f:
		s.enqueued.Add(1)
	default:
		// Unreachable with a single producer; count it rather than block capture
		total := s.dropped.Add(1)
		overrun = &audio.OverrunError{Subscriber: s.name, Sequence: f.Sequence, Total: total}
	}

	return overrun
}

// Stats returns subscription statistics
func (s *Subscription) Stats() SubscriptionStats {
	return SubscriptionStats{
		Name:     s.name,
		Queued:   len(s.ch),
		Capacity: cap(s.ch),
		Enqueued: s.enqueued.Load(),
		Dropped:  s.dropped.Load(),
	}
}

// SubscriptionStats contains per-subscriber statistics
type SubscriptionStats struct {
	Name     string `json:"name"`
	Queued   int    `json:"queued"`
	Capacity int    `json:"capacity"`
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
}
