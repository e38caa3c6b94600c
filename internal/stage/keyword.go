package stage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/go-voice/internal/audio"
)

// DetectionEvent is emitted once per detected keyword utterance
type DetectionEvent struct {
	Keyword    string    `json:"keyword"`
	Sequence   uint64    `json:"sequence"` // Frame that crossed the threshold
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Handler receives detection events on the pipeline goroutine.
// It must return quickly.
type Handler func(DetectionEvent)

// Classifier scores one mono frame for the configured keyword.
// Implementations may keep state across calls; they are called from a
// single goroutine.
type Classifier interface {
	Score(samples []int16) (float64, error)
}

// ClassifierFunc adapts a function to Classifier
type ClassifierFunc func(samples []int16) (float64, error)

// Score calls f
func (f ClassifierFunc) Score(samples []int16) (float64, error) {
	return f(samples)
}

// NewClassifier returns the built-in classifier registered for a model name
func NewClassifier(model string) (Classifier, error) {
	switch model {
	case "energy":
		return NewEnergyClassifier(DefaultEnergyConfig()), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
}

// KeywordConfig configures a KeywordDetector
type KeywordConfig struct {
	Model       string
	Keyword     string
	Sensitivity float64 // Confidence above this fires; 0..1
	Verbose     bool    // Log every score
}

// DefaultKeywordConfig returns defaults for the built-in energy model
func DefaultKeywordConfig() KeywordConfig {
	return KeywordConfig{
		Model:       "energy",
		Keyword:     "snowboy",
		Sensitivity: 0.5,
	}
}

// Validate checks the config
func (c KeywordConfig) Validate() error {
	if c.Keyword == "" {
		return fmt.Errorf("%w: keyword is required", ErrInvalidConfig)
	}
	if c.Sensitivity < 0 || c.Sensitivity > 1 || math.IsNaN(c.Sensitivity) {
		return fmt.Errorf("%w: sensitivity %g outside [0, 1]", ErrInvalidConfig, c.Sensitivity)
	}
	return nil
}

// KeywordDetector is the terminal stage. It fires one DetectionEvent when the
// classifier confidence rises above the sensitivity and re-arms only after
// the confidence has dropped back to or below it. It never forwards frames.
type KeywordDetector struct {
	cfg        KeywordConfig
	classifier Classifier
	logger     *slog.Logger

	mu       sync.Mutex
	handlers []Handler
	armed    bool
	seen     bool
	lastSeq  uint64
	last     *DetectionEvent
	count    uint64
	ignored  uint64
}

// NewKeywordDetector creates a keyword detector around a classifier
func NewKeywordDetector(cfg KeywordConfig, classifier Classifier, logger *slog.Logger) (*KeywordDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if classifier == nil {
		return nil, fmt.Errorf("%w: classifier is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &KeywordDetector{
		cfg:        cfg,
		classifier: classifier,
		logger:     logger,
		armed:      true,
	}, nil
}

// Name returns the stage name
func (k *KeywordDetector) Name() string {
	return "keyword"
}

// Config returns the stage config
func (k *KeywordDetector) Config() KeywordConfig {
	return k.cfg
}

// OnDetection registers a handler; handlers run in registration order
func (k *KeywordDetector) OnDetection(h Handler) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.handlers = append(k.handlers, h)
}

// Process scores one mono frame. It always returns ok=false.
func (k *KeywordDetector) Process(ctx context.Context, in audio.Frame) (audio.Frame, bool, error) {
	if in.Channels != 1 {
		return audio.Frame{}, false, fmt.Errorf("%w: keyword detector expects 1 channel, got %d",
			ErrUnexpectedChannels, in.Channels)
	}

	k.mu.Lock()
	if k.seen && in.Sequence <= k.lastSeq {
		k.ignored++
		k.mu.Unlock()
		k.logger.Debug("ignoring replayed frame", "sequence", in.Sequence, "last_sequence", k.lastSeq)
		return audio.Frame{}, false, nil
	}
	k.seen = true
	k.lastSeq = in.Sequence
	k.mu.Unlock()

	score, err := k.classifier.Score(in.Samples)
	if err != nil {
		return audio.Frame{}, false, fmt.Errorf("classify frame: %w", err)
	}

	if k.cfg.Verbose {
		k.logger.Info("keyword score",
			"keyword", k.cfg.Keyword,
			"sequence", in.Sequence,
			"score", score,
			"sensitivity", k.cfg.Sensitivity,
		)
	}

	k.mu.Lock()
	if score <= k.cfg.Sensitivity {
		k.armed = true
		k.mu.Unlock()
		return audio.Frame{}, false, nil
	}
	if !k.armed {
		k.mu.Unlock()
		return audio.Frame{}, false, nil
	}

	k.armed = false
	event := DetectionEvent{
		Keyword:    k.cfg.Keyword,
		Sequence:   in.Sequence,
		Confidence: score,
		Timestamp:  in.Timestamp,
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	k.last = &event
	k.count++
	handlers := make([]Handler, len(k.handlers))
	copy(handlers, k.handlers)
	k.mu.Unlock()

	k.logger.Info("keyword detected",
		"keyword", event.Keyword,
		"sequence", event.Sequence,
		"confidence", event.Confidence,
	)

	for _, h := range handlers {
		h(event)
	}

	return audio.Frame{}, false, nil
}

// LastDetection returns the most recent detection, if any
func (k *KeywordDetector) LastDetection() (DetectionEvent, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.last == nil {
		return DetectionEvent{}, false
	}
	return *k.last, true
}

// Stats returns detector statistics
func (k *KeywordDetector) Stats() KeywordStats {
	k.mu.Lock()
	defer k.mu.Unlock()

	return KeywordStats{
		Keyword:    k.cfg.Keyword,
		Model:      k.cfg.Model,
		Detections: k.count,
		Ignored:    k.ignored,
		Armed:      k.armed,
	}
}

// KeywordStats contains keyword detector statistics
type KeywordStats struct {
	Keyword    string `json:"keyword"`
	Model      string `json:"model"`
	Detections uint64 `json:"detections"`
	Ignored    uint64 `json:"ignored"`
	Armed      bool   `json:"armed"`
}

// EnergyConfig configures an EnergyClassifier
type EnergyConfig struct {
	Reference float64 // RMS level that maps to confidence 1
	Gate      float64 // Fraction of Reference counted as voiced
	Attack    int     // Consecutive voiced frames before confidence is reported
	Hold      int     // Frames the confidence is held after voicing stops
}

// DefaultEnergyConfig suits the synthetic talker at its default level
func DefaultEnergyConfig() EnergyConfig {
	return EnergyConfig{
		Reference: 2000,
		Gate:      0.3,
		Attack:    5,  // 100 ms
		Hold:      10, // 200 ms
	}
}

// EnergyClassifier is a stand-in keyword model: confidence follows the frame
// RMS once speech-like energy has persisted for Attack frames. It detects
// utterances, not words.
type EnergyClassifier struct {
	cfg    EnergyConfig
	voiced int
	hold   int
	last   float64
}

// NewEnergyClassifier creates an energy classifier
func NewEnergyClassifier(cfg EnergyConfig) *EnergyClassifier {
	def := DefaultEnergyConfig()
	if cfg.Reference <= 0 {
		cfg.Reference = def.Reference
	}
	if cfg.Gate <= 0 {
		cfg.Gate = def.Gate
	}
	if cfg.Attack <= 0 {
		cfg.Attack = 1
	}
	if cfg.Hold < 0 {
		cfg.Hold = 0
	}
	return &EnergyClassifier{cfg: cfg}
}

// Score returns a confidence in [0, 1]
func (c *EnergyClassifier) Score(samples []int16) (float64, error) {
	level := RMS(samples) / c.cfg.Reference

	if level >= c.cfg.Gate {
		c.voiced++
		c.hold = c.cfg.Hold
		if c.voiced >= c.cfg.Attack {
			c.last = math.Min(level, 1)
			return c.last, nil
		}
		// still zero unless a dip inside the hold window restarted the attack
		return c.last, nil
	}

	c.voiced = 0
	if c.hold > 0 {
		c.hold--
		return c.last, nil
	}
	c.last = 0
	return 0, nil
}

// RMS returns the root-mean-square level of a block
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
