package pipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-voice/internal/stage"
)

// Build errors
var (
	// ErrNoStages is returned when building a pipeline with no stages
	ErrNoStages = errors.New("pipeline must have at least one stage")

	// ErrDuplicateStageName is returned when two stages share a name
	ErrDuplicateStageName = errors.New("duplicate stage name")

	// ErrNilSource is returned when building without a frame source
	ErrNilSource = errors.New("pipeline requires a frame source")

	// ErrNilStage is returned for a nil stage or consumer
	ErrNilStage = errors.New("nil stage or consumer")
)

// Builder assembles an immutable Pipeline
type Builder struct {
	source    Source
	stages    []stage.Stage
	consumers []Consumer
	cfg       Config
	logger    *slog.Logger
	metrics   Metrics
}

// NewBuilder starts a pipeline fed by source
func NewBuilder(source Source) *Builder {
	return &Builder{
		source:  source,
		cfg:     DefaultConfig(),
		logger:  slog.Default(),
		metrics: nopMetrics{},
	}
}

// Chain appends stages to the serial chain, in order
func (b *Builder) Chain(stages ...stage.Stage) *Builder {
	b.stages = append(b.stages, stages...)
	return b
}

// Link attaches consumers fed in parallel with the chain
func (b *Builder) Link(consumers ...Consumer) *Builder {
	b.consumers = append(b.consumers, consumers...)
	return b
}

// WithConfig sets the pipeline config
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithLogger sets the logger
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithMetrics sets the metrics sink
func (b *Builder) WithMetrics(m Metrics) *Builder {
	if m != nil {
		b.metrics = m
	}
	return b
}

// Build validates the configuration and returns a stopped pipeline
func (b *Builder) Build() (*Pipeline, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	cfg := b.cfg
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}

	stages := make([]stage.Stage, len(b.stages))
	copy(stages, b.stages)
	consumers := make([]Consumer, len(b.consumers))
	copy(consumers, b.consumers)

	stats := make([]*stageCounters, len(stages))
	for i, s := range stages {
		stats[i] = &stageCounters{name: s.Name()}
	}

	return &Pipeline{
		cfg:        cfg,
		source:     b.source,
		stages:     stages,
		stageStats: stats,
		consumers:  consumers,
		logger:     b.logger.With("pipeline", cfg.Name),
		metrics:    b.metrics,
		state:      Stopped,
	}, nil
}

func (b *Builder) validate() error {
	if b.source == nil {
		return ErrNilSource
	}
	if len(b.stages) == 0 {
		return ErrNoStages
	}

	names := make(map[string]bool, len(b.stages)+len(b.consumers))
	for _, s := range b.stages {
		if s == nil {
			return fmt.Errorf("%w: stage", ErrNilStage)
		}
		if names[s.Name()] {
			return fmt.Errorf("%w: %s", ErrDuplicateStageName, s.Name())
		}
		names[s.Name()] = true
	}
	for _, c := range b.consumers {
		if c == nil {
			return fmt.Errorf("%w: consumer", ErrNilStage)
		}
		if names[c.Name()] {
			return fmt.Errorf("%w: %s", ErrDuplicateStageName, c.Name())
		}
		names[c.Name()] = true
	}

	return nil
}
