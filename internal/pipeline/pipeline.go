// Package pipeline runs frames from a capture source through a serial chain
// of stages on one worker goroutine, while linked consumers receive the raw
// frames in parallel.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-voice/internal/audio"
	"github.com/teslashibe/go-voice/internal/capture"
	"github.com/teslashibe/go-voice/internal/stage"
)

// ErrNotStopped is returned by Start unless the pipeline is stopped
var ErrNotStopped = errors.New("pipeline is not stopped")

// State is the pipeline lifecycle state
type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Source hands out frame subscriptions
type Source interface {
	Subscribe(name string) *capture.Subscription
	Format() audio.Format
}

// Consumer receives every raw frame on its own goroutine, in parallel with
// the stage chain
type Consumer interface {
	Name() string
	Ingest(frame audio.Frame)
}

// Metrics receives pipeline measurements
type Metrics interface {
	RecordFrame(ctx context.Context, d time.Duration, completed bool)
	RecordStage(ctx context.Context, stage string, d time.Duration, err error)
	RecordOverBudget(ctx context.Context)
}

type nopMetrics struct{}

func (nopMetrics) RecordFrame(context.Context, time.Duration, bool)          {}
func (nopMetrics) RecordStage(context.Context, string, time.Duration, error) {}
func (nopMetrics) RecordOverBudget(context.Context)                          {}

// Config configures a Pipeline
type Config struct {
	Name          string
	ShutdownGrace time.Duration // Maximum time Stop waits for the workers
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Name:          "voice",
		ShutdownGrace: 2 * time.Second,
	}
}

// Pipeline is built by Builder; the chain cannot change afterwards
type Pipeline struct {
	cfg        Config
	source     Source
	stages     []stage.Stage
	stageStats []*stageCounters
	consumers  []Consumer
	logger     *slog.Logger
	metrics    Metrics

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	subs   []*capture.Subscription
	err    error

	framesIn   atomic.Uint64
	framesOut  atomic.Uint64
	terminated atomic.Uint64 // Propagation ended by a stage with no output
	dropped    atomic.Uint64 // Frames dropped on a stage error
	overBudget atomic.Uint64
}

type stageCounters struct {
	name      string
	processed atomic.Uint64
	errors    atomic.Uint64
	totalNs   atomic.Int64
}

// State returns the lifecycle state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start subscribes to the source and spawns the worker and consumer feeders
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Stopped {
		return ErrNotStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	main := p.source.Subscribe(p.cfg.Name)
	subs := []*capture.Subscription{main}
	g.Go(func() error { return p.work(gctx, main) })

	for _, c := range p.consumers {
		c := c
		sub := p.source.Subscribe(c.Name())
		subs = append(subs, sub)
		g.Go(func() error { return p.feed(gctx, sub, c) })
	}

	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.subs = subs
	p.err = nil
	p.state = Running

	go func() {
		err := g.Wait()
		for _, sub := range subs {
			sub.Close()
		}

		p.mu.Lock()
		p.err = err
		if p.state == Stopping {
			p.state = Stopped
		}
		p.mu.Unlock()

		if err != nil {
			p.logger.Error("pipeline worker failed", "error", err)
		}
		close(done)
	}()

	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	p.logger.Info("pipeline started",
		"stages", names,
		"consumers", len(p.consumers),
		"shutdown_grace", p.cfg.ShutdownGrace,
	)

	return nil
}

// Stop signals the workers and waits for them to exit, bounded by the
// shutdown grace period and ctx. A frame already inside the chain is
// completed first. On timeout it returns *audio.ShutdownTimeoutError and the
// pipeline stays Stopping; calling Stop again waits for the workers again.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case Running:
		p.state = Stopping
		p.logger.Info("stopping pipeline")
	case Stopping:
		p.logger.Info("waiting for pipeline workers")
	default:
		p.mu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()

	timer := time.NewTimer(p.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		p.logger.Error("pipeline did not stop in time", "grace", p.cfg.ShutdownGrace)
		return &audio.ShutdownTimeoutError{Component: "pipeline " + p.cfg.Name, Grace: p.cfg.ShutdownGrace}
	case <-ctx.Done():
		p.logger.Error("pipeline stop abandoned", "error", ctx.Err())
		return &audio.ShutdownTimeoutError{Component: "pipeline " + p.cfg.Name, Grace: p.cfg.ShutdownGrace}
	}

	p.mu.Lock()
	if p.done == done {
		p.state = Stopped
	}
	p.mu.Unlock()

	p.logger.Info("pipeline stopped",
		"frames_in", p.framesIn.Load(),
		"frames_out", p.framesOut.Load(),
		"dropped", p.dropped.Load(),
	)
	return nil
}

// Done is closed when the workers of the current run have exited
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the error that ended the last run, if any
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) work(ctx context.Context, sub *capture.Subscription) error {
	// Stages must be able to finish an in-flight frame after Stop cancels ctx
	stageCtx := context.WithoutCancel(ctx)
	budget := p.source.Format().Period()

	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, ok, err := next(ctx, sub)
		if !ok {
			return err
		}

		p.process(stageCtx, frame, budget)
	}
}

// next dequeues a frame. ok is false once ctx is done, including when Next
// picked a queued frame over the cancellation.
func next(ctx context.Context, sub *capture.Subscription) (audio.Frame, bool, error) {
	frame, err := sub.Next(ctx)
	if err != nil {
		if errors.Is(err, capture.ErrSubscriptionClosed) || ctx.Err() != nil {
			return audio.Frame{}, false, nil
		}
		return audio.Frame{}, false, err
	}
	if ctx.Err() != nil {
		return audio.Frame{}, false, nil
	}
	return frame, true, nil
}

func (p *Pipeline) process(ctx context.Context, frame audio.Frame, budget time.Duration) {
	start := time.Now()
	p.framesIn.Add(1)

	completed := p.runChain(ctx, frame)

	elapsed := time.Since(start)
	p.metrics.RecordFrame(ctx, elapsed, completed)

	if budget > 0 && elapsed > budget {
		p.overBudget.Add(1)
		p.metrics.RecordOverBudget(ctx)
		p.logger.Debug("frame over budget",
			"sequence", frame.Sequence,
			"elapsed", elapsed,
			"budget", budget,
		)
	}
}

// runChain reports whether the frame made it through every stage
func (p *Pipeline) runChain(ctx context.Context, frame audio.Frame) bool {
	cur := frame

	for i, s := range p.stages {
		counters := p.stageStats[i]
		start := time.Now()

		out, ok, err := s.Process(ctx, cur)

		elapsed := time.Since(start)
		counters.processed.Add(1)
		counters.totalNs.Add(int64(elapsed))
		p.metrics.RecordStage(ctx, s.Name(), elapsed, err)

		if err != nil {
			counters.errors.Add(1)
			p.dropped.Add(1)
			stageErr := &audio.StageProcessError{Stage: s.Name(), Sequence: frame.Sequence, Err: err}
			p.logger.Warn("stage failed, dropping frame", "error", stageErr)
			return false
		}
		if !ok {
			p.terminated.Add(1)
			return false
		}
		cur = out
	}

	p.framesOut.Add(1)
	return true
}

func (p *Pipeline) feed(ctx context.Context, sub *capture.Subscription, c Consumer) error {
	for {
		frame, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrSubscriptionClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.Ingest(frame)
	}
}

// Stats returns pipeline statistics
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	state := p.state
	subs := make([]capture.SubscriptionStats, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub.Stats())
	}
	p.mu.Unlock()

	stages := make([]StageStats, len(p.stageStats))
	for i, c := range p.stageStats {
		processed := c.processed.Load()
		var avg float64
		if processed > 0 {
			avg = float64(c.totalNs.Load()) / float64(processed) / float64(time.Millisecond)
		}
		stages[i] = StageStats{
			Name:      c.name,
			Processed: processed,
			Errors:    c.errors.Load(),
			AvgMs:     avg,
		}
	}

	consumers := make([]string, len(p.consumers))
	for i, c := range p.consumers {
		consumers[i] = c.Name()
	}

	return Stats{
		Name:          p.cfg.Name,
		State:         state.String(),
		FramesIn:      p.framesIn.Load(),
		FramesOut:     p.framesOut.Load(),
		Terminated:    p.terminated.Load(),
		Dropped:       p.dropped.Load(),
		OverBudget:    p.overBudget.Load(),
		Stages:        stages,
		Consumers:     consumers,
		Subscriptions: subs,
	}
}

// Stats contains pipeline statistics
type Stats struct {
	Name          string                      `json:"name"`
	State         string                      `json:"state"`
	FramesIn      uint64                      `json:"frames_in"`
	FramesOut     uint64                      `json:"frames_out"`
	Terminated    uint64                      `json:"terminated"`
	Dropped       uint64                      `json:"dropped"`
	OverBudget    uint64                      `json:"over_budget"`
	Stages        []StageStats                `json:"stages"`
	Consumers     []string                    `json:"consumers"`
	Subscriptions []capture.SubscriptionStats `json:"subscriptions"`
}

// StageStats contains per-stage statistics
type StageStats struct {
	Name      string  `json:"name"`
	Processed uint64  `json:"processed"`
	Errors    uint64  `json:"errors"`
	AvgMs     float64 `json:"avg_ms"`
}
