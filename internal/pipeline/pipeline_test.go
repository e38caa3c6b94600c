package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-voice/internal/audio"
	"github.com/teslashibe/go-voice/internal/capture"
	"github.com/teslashibe/go-voice/internal/stage"
)

// countingDevice produces limit frames as fast as they are read, then idles
type countingDevice struct {
	mu       sync.Mutex
	limit    int
	produced int
	release  chan struct{} // nil = produce without waiting
}

func (d *countingDevice) Open(audio.Format) error { return nil }
func (d *countingDevice) Close() error            { return nil }
func (d *countingDevice) Name() string            { return "counting" }

func (d *countingDevice) Read(ctx context.Context, buf []int16) error {
	d.mu.Lock()
	done := d.produced >= d.limit
	release := d.release
	d.mu.Unlock()

	if done {
		<-ctx.Done()
		return ctx.Err()
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	d.produced++
	n := d.produced
	d.mu.Unlock()

	for i := range buf {
		buf[i] = int16(n)
	}
	return nil
}

func (d *countingDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.produced
}

func newTestSource(t *testing.T, dev *countingDevice) *capture.Source {
	t.Helper()

	cfg := capture.DefaultConfig()
	cfg.Format = audio.Format{Rate: 16000, FrameSize: 4, Channels: 2}
	cfg.QueueSize = 512

	src, err := capture.Open(dev, cfg, nil)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	t.Cleanup(func() { src.Close() })
	return src
}

// recorder is a stage or consumer that records the sequences it sees
type recorder struct {
	name string
	mu   sync.Mutex
	seqs []uint64
	pass bool
	log  *[]string
	wake chan struct{}
}

func newRecorder(name string, pass bool) *recorder {
	return &recorder{name: name, pass: pass, wake: make(chan struct{}, 1024)}
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Process(ctx context.Context, in audio.Frame) (audio.Frame, bool, error) {
	r.Ingest(in)
	return in, r.pass, nil
}

func (r *recorder) Ingest(in audio.Frame) {
	r.mu.Lock()
	r.seqs = append(r.seqs, in.Sequence)
	if r.log != nil {
		*r.log = append(*r.log, r.name)
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *recorder) sequences() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.seqs))
	copy(out, r.seqs)
	return out
}

// waitFor blocks until the recorder has seen n frames
func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for len(r.sequences()) < n {
		select {
		case <-r.wake:
		case <-deadline:
			t.Fatalf("%s: saw %d frames, want %d", r.name, len(r.sequences()), n)
		}
	}
}

func TestBuilder_Validation(t *testing.T) {
	src := newTestSource(t, &countingDevice{})
	a := newRecorder("a", true)

	tests := []struct {
		name    string
		builder *Builder
		wantErr error
	}{
		{"nil source", NewBuilder(nil).Chain(a), ErrNilSource},
		{"no stages", NewBuilder(src), ErrNoStages},
		{"duplicate stage", NewBuilder(src).Chain(a, newRecorder("a", true)), ErrDuplicateStageName},
		{"consumer clashes with stage", NewBuilder(src).Chain(a).Link(newRecorder("a", true)), ErrDuplicateStageName},
		{"nil stage", NewBuilder(src).Chain(nil), ErrNilStage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	p, err := NewBuilder(src).Chain(a).WithConfig(Config{}).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.cfg.ShutdownGrace != 2*time.Second || p.cfg.Name != "voice" {
		t.Errorf("expected defaults to fill zero config, got %+v", p.cfg)
	}
}

func TestPipeline_StagesRunInOrder(t *testing.T) {
	const frames = 50

	dev := &countingDevice{limit: frames}
	src := newTestSource(t, dev)

	var order []string
	first := newRecorder("first", true)
	second := newRecorder("second", true)
	first.log, second.log = &order, &order

	p, err := NewBuilder(src).Chain(first, second).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.Start(context.Background())

	second.waitFor(t, frames)

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	for i, seq := range second.sequences() {
		if seq != uint64(i+1) {
			t.Fatalf("frame %d: expected sequence %d, got %d", i, i+1, seq)
		}
	}

	// Both stages run on the worker goroutine, which has exited
	for i := 0; i+1 < len(order); i += 2 {
		if order[i] != "first" || order[i+1] != "second" {
			t.Fatalf("stages ran out of order at %d: %v", i, order[i:i+2])
		}
	}

	stats := p.Stats()
	if stats.FramesIn != frames || stats.FramesOut != frames {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPipeline_NoOutputStopsPropagation(t *testing.T) {
	dev := &countingDevice{limit: 20}
	src := newTestSource(t, dev)

	evens := stage.Func{StageName: "evens", Fn: func(ctx context.Context, in audio.Frame) (audio.Frame, bool, error) {
		return in, in.Sequence%2 == 0, nil
	}}
	sink := newRecorder("sink", false)
	gate := newRecorder("gate", true)

	p, _ := NewBuilder(src).Chain(gate, evens, sink).Build()
	p.Start(context.Background())
	src.Start(context.Background())

	gate.waitFor(t, 20)
	sink.waitFor(t, 10)
	p.Stop(context.Background())

	for _, seq := range sink.sequences() {
		if seq%2 != 0 {
			t.Errorf("odd frame %d reached the sink", seq)
		}
	}

	stats := p.Stats()
	if stats.Terminated != 20 {
		t.Errorf("expected every frame to terminate inside the chain, got %d", stats.Terminated)
	}
}

func TestPipeline_StageErrorDropsFrameOnly(t *testing.T) {
	dev := &countingDevice{limit: 10}
	src := newTestSource(t, dev)

	boom := errors.New("bad frame")
	flaky := stage.Func{StageName: "flaky", Fn: func(ctx context.Context, in audio.Frame) (audio.Frame, bool, error) {
		if in.Sequence == 3 {
			return audio.Frame{}, false, boom
		}
		return in, true, nil
	}}
	sink := newRecorder("sink", true)

	p, _ := NewBuilder(src).Chain(flaky, sink).Build()
	p.Start(context.Background())
	src.Start(context.Background())

	sink.waitFor(t, 9)
	p.Stop(context.Background())

	for _, seq := range sink.sequences() {
		if seq == 3 {
			t.Error("failed frame reached the next stage")
		}
	}

	stats := p.Stats()
	if stats.Dropped != 1 {
		t.Errorf("expected 1 dropped frame, got %d", stats.Dropped)
	}
	if stats.Stages[0].Errors != 1 || stats.Stages[0].Processed != 10 {
		t.Errorf("unexpected stage stats %+v", stats.Stages[0])
	}
}

func TestPipeline_ConsumersReceiveRawFrames(t *testing.T) {
	dev := &countingDevice{limit: 30}
	src := newTestSource(t, dev)

	drop := stage.Func{StageName: "drop", Fn: func(ctx context.Context, in audio.Frame) (audio.Frame, bool, error) {
		return audio.Frame{}, false, nil
	}}
	aux := newRecorder("doa", true)

	p, _ := NewBuilder(src).Chain(drop).Link(aux).Build()
	p.Start(context.Background())
	src.Start(context.Background())

	aux.waitFor(t, 30)
	p.Stop(context.Background())

	for i, seq := range aux.sequences() {
		if seq != uint64(i+1) {
			t.Fatalf("consumer frame %d: expected %d, got %d", i, i+1, seq)
		}
	}

	if len(p.Stats().Consumers) != 1 {
		t.Error("expected consumer in stats")
	}
}

func TestPipeline_StartStop(t *testing.T) {
	src := newTestSource(t, &countingDevice{})
	p, _ := NewBuilder(src).Chain(newRecorder("a", true)).Build()

	if p.State() != Stopped {
		t.Fatalf("expected stopped, got %s", p.State())
	}

	// Stop on a stopped pipeline is a no-op
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("stop on stopped pipeline: %v", err)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrNotStopped) {
		t.Errorf("expected ErrNotStopped, got %v", err)
	}
	if p.State() != Running {
		t.Errorf("expected running, got %s", p.State())
	}

	start := time.Now()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > p.cfg.ShutdownGrace {
		t.Errorf("stop took %v", elapsed)
	}
	if p.State() != Stopped {
		t.Errorf("expected stopped, got %s", p.State())
	}

	select {
	case <-p.Done():
	default:
		t.Error("workers still running after Stop")
	}

	// Restartable
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	p.Stop(context.Background())
}

func TestPipeline_NoProcessAfterStop(t *testing.T) {
	dev := &countingDevice{limit: 1 << 30}
	src := newTestSource(t, dev)

	var calls atomic.Int64
	slow := stage.Func{StageName: "slow", Fn: func(ctx context.Context, in audio.Frame) (audio.Frame, bool, error) {
		calls.Add(1)
		time.Sleep(time.Millisecond)
		return in, true, nil
	}}

	p, _ := NewBuilder(src).Chain(slow).Build()
	p.Start(context.Background())
	src.Start(context.Background())

	time.Sleep(30 * time.Millisecond)

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	after := calls.Load()
	if after == 0 {
		t.Fatal("expected some frames to be processed")
	}

	time.Sleep(30 * time.Millisecond)
	if calls.Load() != after {
		t.Errorf("Process called %d times after Stop returned", calls.Load()-after)
	}
}

func TestPipeline_InFlightFrameCompletes(t *testing.T) {
	dev := &countingDevice{limit: 1}
	src := newTestSource(t, dev)

	entered := make(chan struct{})
	var cancelled, completed atomic.Bool

	slow := stage.Func{StageName: "slow", Fn: func(ctx context.Context, in audio.Frame) (audio.Frame, bool, error) {
		close(entered)
		time.Sleep(50 * time.Millisecond)
		cancelled.Store(ctx.Err() != nil)
		completed.Store(true)
		return in, true, nil
	}}

	p, _ := NewBuilder(src).Chain(slow).Build()
	p.Start(context.Background())
	src.Start(context.Background())

	<-entered
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if !completed.Load() {
		t.Error("in-flight frame did not complete before Stop returned")
	}
	if cancelled.Load() {
		t.Error("stage context was cancelled by Stop")
	}
	if p.Stats().FramesOut != 1 {
		t.Errorf("expected 1 completed frame, got %d", p.Stats().FramesOut)
	}
}

func TestPipeline_ShutdownTimeout(t *testing.T) {
	dev := &countingDevice{limit: 1}
	src := newTestSource(t, dev)

	entered := make(chan struct{})
	release := make(chan struct{})
	stuck := stage.Func{StageName: "stuck", Fn: func(ctx context.Context, in audio.Frame) (audio.Frame, bool, error) {
		close(entered)
		<-release
		return in, true, nil
	}}

	p, _ := NewBuilder(src).
		Chain(stuck).
		WithConfig(Config{Name: "test", ShutdownGrace: 30 * time.Millisecond}).
		Build()
	p.Start(context.Background())
	src.Start(context.Background())

	<-entered

	err := p.Stop(context.Background())
	if !errors.Is(err, audio.ErrShutdownTimeout) {
		t.Fatalf("expected shutdown timeout, got %v", err)
	}
	var timeout *audio.ShutdownTimeoutError
	if !errors.As(err, &timeout) || timeout.Grace != 30*time.Millisecond {
		t.Errorf("unexpected timeout error %v", err)
	}
	if p.State() != Stopping {
		t.Errorf("expected stopping while the worker is stuck, got %s", p.State())
	}

	// A repeat Stop joins again instead of returning early
	if err := p.Stop(context.Background()); !errors.Is(err, audio.ErrShutdownTimeout) {
		t.Fatalf("expected repeat stop to time out while stuck, got %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("expected repeat stop to join the workers, got %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Error("Stop returned before the workers exited")
	}
	if p.State() != Stopped {
		t.Errorf("expected stopped after the worker exits, got %s", p.State())
	}
}

func TestNext_CancelledContextWinsOverQueuedFrames(t *testing.T) {
	dev := &countingDevice{limit: 64}
	src := newTestSource(t, dev)
	sub := src.Subscribe("worker")
	defer sub.Close()

	src.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for dev.count() < 64 {
		select {
		case <-deadline:
			t.Fatalf("device produced %d frames", dev.count())
		case <-time.After(time.Millisecond):
		}
	}
	// let the capture loop publish the last frame
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 64; i++ {
		if _, ok, err := next(ctx, sub); ok || err != nil {
			t.Fatalf("call %d: expected no frame after cancel, got ok=%v err=%v", i, ok, err)
		}
	}

	if _, ok, err := next(context.Background(), sub); !ok || err != nil {
		t.Errorf("expected queued frame with live context, got ok=%v err=%v", ok, err)
	}
}
