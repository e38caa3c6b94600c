package doa

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTrackerRunning is returned by Run while another Run is active
var ErrTrackerRunning = errors.New("tracker already running")

// stabilityWindow is the number of recent results checked for a steady bearing
const stabilityWindow = 5

// TrackerConfig configures the direction tracker
type TrackerConfig struct {
	PollInterval     time.Duration
	SpeakingLatchDur time.Duration
	EMAAlpha         float64
	HistorySize      int

	Confidence ConfidenceConfig
}

// ConfidenceConfig configures confidence scoring
type ConfidenceConfig struct {
	Base           float64
	SpeakingBonus  float64
	StabilityBonus float64
	PeakWeight     float64 // Scales the raw SRP-PHAT confidence
	StableDegrees  float64 // RMS deviation over the last results counted as stable
}

// DefaultTrackerConfig returns sensible defaults
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		PollInterval:     100 * time.Millisecond, // 10Hz
		SpeakingLatchDur: 500 * time.Millisecond,
		EMAAlpha:         0.3,
		HistorySize:      100,
		Confidence: ConfidenceConfig{
			Base:           0.2,
			SpeakingBonus:  0.3,
			StabilityBonus: 0.2,
			PeakWeight:     0.3,
			StableDegrees:  10,
		},
	}
}

// Result is a smoothed direction reading
type Result struct {
	Reading

	SmoothedAzimuth float64 `json:"smoothed_azimuth"` // Degrees, [0, 360)
	Confidence      float64 `json:"confidence"`       // Tracker confidence, not the raw peak
	SpeakingLatched bool    `json:"speaking_latched"`
}

// resultRing keeps the newest results, overwriting the oldest
type resultRing struct {
	buf  []Result
	head int
	n    int
}

func newResultRing(size int) *resultRing {
	if size <= 0 {
		size = 1
	}
	return &resultRing{buf: make([]Result, size)}
}

func (r *resultRing) push(res Result) {
	r.buf[r.head] = res
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// newest returns up to k results, oldest first
func (r *resultRing) newest(k int) []Result {
	k = min(k, r.n)
	out := make([]Result, k)
	start := r.head - k + len(r.buf)
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// circularEMA smooths bearings along the shortest arc, so 350° and 10°
// average to 0° rather than 180°
type circularEMA struct {
	alpha  float64
	value  float64
	seeded bool
}

func (e *circularEMA) update(deg float64) float64 {
	if !e.seeded {
		e.value, e.seeded = NormalizeDegrees(deg), true
		return e.value
	}
	e.value = NormalizeDegrees(e.value + e.alpha*SignedDelta(e.value, deg))
	return e.value
}

// holdLatch stays set for hold after the last active update
type holdLatch struct {
	hold time.Duration
	last time.Time
}

func (l *holdLatch) update(now time.Time, active bool) bool {
	if active {
		l.last = now
		return true
	}
	return !l.last.IsZero() && now.Sub(l.last) < l.hold
}

// Tracker polls a Source, smooths the azimuth on the circle and fans the
// results out to subscribers
type Tracker struct {
	source Source
	cfg    TrackerConfig
	logger *slog.Logger

	mu      sync.RWMutex
	latest  Result
	history *resultRing
	ema     circularEMA
	speech  holdLatch

	polls     atomic.Int64
	failures  atomic.Int64
	latencyMs atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	subsMu sync.Mutex
	subs   map[<-chan Result]chan Result
}

// NewTracker creates a new DOA tracker
func NewTracker(source Source, cfg TrackerConfig, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultTrackerConfig().PollInterval
	}

	return &Tracker{
		source:  source,
		cfg:     cfg,
		logger:  logger,
		history: newResultRing(cfg.HistorySize),
		ema:     circularEMA{alpha: cfg.EMAAlpha},
		speech:  holdLatch{hold: cfg.SpeakingLatchDur},
		subs:    make(map[<-chan Result]chan Result),
	}
}

// Run polls the source until ctx is cancelled or Stop is called
func (t *Tracker) Run(ctx context.Context) error {
	t.runMu.Lock()
	if t.cancel != nil {
		t.runMu.Unlock()
		return ErrTrackerRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	t.runMu.Unlock()

	defer func() {
		t.runMu.Lock()
		t.cancel, t.done = nil, nil
		t.runMu.Unlock()
		cancel()
		close(done)
	}()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	t.logger.Info("tracker started",
		"source", t.source.Name(),
		"poll_interval", t.cfg.PollInterval,
		"ema_alpha", t.cfg.EMAAlpha,
	)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("tracker stopped",
				"polls", t.polls.Load(),
				"errors", t.failures.Load(),
			)
			return ctx.Err()
		case <-ticker.C:
			if err := t.poll(ctx); err != nil {
				t.logger.Warn("doa poll failed", "error", err)
			}
		}
	}
}

func (t *Tracker) poll(ctx context.Context) error {
	start := time.Now()

	reading, err := t.source.GetDOA(ctx)
	if err != nil {
		t.failures.Add(1)
		return err
	}

	reading.LatencyMs = time.Since(start).Milliseconds()
	t.polls.Add(1)
	t.latencyMs.Add(reading.LatencyMs)

	t.mu.Lock()
	wasLatched := t.latest.SpeakingLatched
	latched := t.speech.update(time.Now(), reading.Speaking)
	smoothed := t.ema.update(reading.Azimuth)

	result := Result{
		Reading:         reading,
		SmoothedAzimuth: smoothed,
		Confidence:      t.score(latched, smoothed, reading.Confidence),
		SpeakingLatched: latched,
	}
	t.latest = result
	t.history.push(result)
	t.mu.Unlock()

	if latched != wasLatched {
		t.logger.Debug("talker activity changed",
			"speaking", latched,
			"azimuth", smoothed,
			"confidence", result.Confidence,
		)
	}

	t.publish(result)
	return nil
}

// score combines the base level, the raw peak, speech and bearing stability.
// Called with mu held, before result is pushed.
func (t *Tracker) score(speaking bool, azimuth, peak float64) float64 {
	c := t.cfg.Confidence
	conf := c.Base + c.PeakWeight*peak
	if speaking {
		conf += c.SpeakingBonus
	}

	recent := t.history.newest(stabilityWindow)
	if len(recent) == stabilityWindow {
		var sq float64
		for _, r := range recent {
			d := AngularDistance(r.SmoothedAzimuth, azimuth)
			sq += d * d
		}
		if math.Sqrt(sq/stabilityWindow) < c.StableDegrees {
			conf += c.StabilityBonus
		}
	}

	return Clamp(conf, 0, 1)
}

// publish never blocks; a subscriber with a full buffer misses the result
func (t *Tracker) publish(result Result) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	for _, ch := range t.subs {
		select {
		case ch <- result:
		default:
		}
	}
}

// Subscribe returns a channel receiving every new result
func (t *Tracker) Subscribe() <-chan Result {
	ch := make(chan Result, 10)

	t.subsMu.Lock()
	t.subs[ch] = ch
	t.subsMu.Unlock()

	return ch
}

// Unsubscribe removes and closes a subscription
func (t *Tracker) Unsubscribe(sub <-chan Result) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	if ch, ok := t.subs[sub]; ok {
		delete(t.subs, sub)
		close(ch)
	}
}

// GetLatest returns the most recent DOA result
func (t *Tracker) GetLatest() Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// Target returns the smoothed bearing while a talker is latched
func (t *Tracker) Target() (azimuth, confidence float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.latest.SpeakingLatched {
		return 0, 0, false
	}
	return t.latest.SmoothedAzimuth, t.latest.Confidence, true
}

// History returns the retained results, oldest first
func (t *Tracker) History() []Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.history.newest(t.history.n)
}

// Stats returns tracker statistics
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	latest := t.latest
	retained := t.history.n
	t.mu.RUnlock()

	t.subsMu.Lock()
	subscribers := len(t.subs)
	t.subsMu.Unlock()

	polls := t.polls.Load()
	var avg float64
	if polls > 0 {
		avg = float64(t.latencyMs.Load()) / float64(polls)
	}

	return TrackerStats{
		PollCount:         polls,
		ErrorCount:        t.failures.Load(),
		AvgLatencyMs:      avg,
		HistorySize:       retained,
		SubscriberCount:   subscribers,
		SourceHealthy:     t.source.Healthy(),
		SpeakingLatched:   latest.SpeakingLatched,
		CurrentAzimuth:    latest.SmoothedAzimuth,
		CurrentConfidence: latest.Confidence,
	}
}

// TrackerStats contains tracker statistics
type TrackerStats struct {
	PollCount         int64   `json:"poll_count"`
	ErrorCount        int64   `json:"error_count"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	HistorySize       int     `json:"history_size"`
	SubscriberCount   int     `json:"subscriber_count"`
	SourceHealthy     bool    `json:"source_healthy"`
	SpeakingLatched   bool    `json:"speaking_latched"`
	CurrentAzimuth    float64 `json:"current_azimuth"`
	CurrentConfidence float64 `json:"current_confidence"`
}

// Stop ends a running poll loop, waits for it and closes every subscription.
// It is safe to call before Run or more than once.
func (t *Tracker) Stop() {
	t.runMu.Lock()
	cancel, done := t.cancel, t.done
	t.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	t.subsMu.Lock()
	for key, ch := range t.subs {
		delete(t.subs, key)
		close(ch)
	}
	t.subsMu.Unlock()
}
