package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-voice/internal/stage"
)

type fixedDirection float64

func (d fixedDirection) Direction() float64 { return float64(d) }

type call struct {
	op      string
	azimuth float64
	state   State
}

type recordingActuator struct {
	mu    sync.Mutex
	calls []call
	err   error
	seen  chan struct{}
	block chan struct{}
}

func newRecordingActuator() *recordingActuator {
	return &recordingActuator{seen: make(chan struct{}, 64)}
}

func (a *recordingActuator) record(c call) error {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	a.calls = append(a.calls, c)
	err := a.err
	a.mu.Unlock()
	a.seen <- struct{}{}
	return err
}

func (a *recordingActuator) Wakeup(ctx context.Context, azimuth float64) error {
	return a.record(call{op: "wakeup", azimuth: azimuth})
}

func (a *recordingActuator) Off(ctx context.Context) error {
	return a.record(call{op: "off"})
}

func (a *recordingActuator) Indicate(ctx context.Context, state State) error {
	return a.record(call{op: "indicate", state: state})
}

func (a *recordingActuator) Name() string { return "recording" }

func (a *recordingActuator) Calls() []call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]call(nil), a.calls...)
}

func (a *recordingActuator) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.seen:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for actuation %d", i+1)
		}
	}
}

type captureNotifier struct {
	mu   sync.Mutex
	seen []Detection
}

func (n *captureNotifier) NotifyDetection(d Detection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, d)
}

func startBridge(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, newRecordingActuator(), DefaultConfig(), nil); err == nil {
		t.Error("expected error for nil direction finder")
	}
	if _, err := New(fixedDirection(0), nil, DefaultConfig(), nil); err == nil {
		t.Error("expected error for nil actuator")
	}

	b, err := New(fixedDirection(0), newRecordingActuator(), Config{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.cfg.QueueSize != 8 || b.cfg.ActuationTimeout != time.Second {
		t.Errorf("expected defaults to be filled, got %+v", b.cfg)
	}
}

func TestBridge_OnDetectedActuatesWithOffset(t *testing.T) {
	act := newRecordingActuator()
	cfg := DefaultConfig()
	cfg.OffsetDegrees = 30

	b, err := New(fixedDirection(340), act, cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	notifier := &captureNotifier{}
	b.AddNotifier(notifier)
	startBridge(t, b)

	b.OnDetected(stage.DetectionEvent{Keyword: "snowboy", Sequence: 42, Confidence: 0.9})
	act.wait(t, 1)

	calls := act.Calls()
	if len(calls) != 1 || calls[0].op != "wakeup" {
		t.Fatalf("expected one wakeup, got %+v", calls)
	}
	if calls[0].azimuth != 10 {
		t.Errorf("expected azimuth 10 (340+30 wrapped), got %v", calls[0].azimuth)
	}

	last, ok := b.LastDetection()
	if !ok {
		t.Fatal("expected a last detection")
	}
	if last.Sequence != 42 || last.RawAzimuth != 340 || last.Azimuth != 10 {
		t.Errorf("unexpected detection: %+v", last)
	}

	notifier.mu.Lock()
	if len(notifier.seen) != 1 || notifier.seen[0].Keyword != "snowboy" {
		t.Errorf("expected notifier to see detection, got %+v", notifier.seen)
	}
	notifier.mu.Unlock()

	if s := b.Stats(); s.Detections != 1 || s.Actuated != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestBridge_NoDetectionBeforeFirstEvent(t *testing.T) {
	b, _ := New(fixedDirection(0), newRecordingActuator(), DefaultConfig(), nil)
	if _, ok := b.LastDetection(); ok {
		t.Error("expected no detection")
	}
}

func TestBridge_QueueFullDrops(t *testing.T) {
	act := newRecordingActuator()
	act.block = make(chan struct{})

	cfg := DefaultConfig()
	cfg.QueueSize = 2
	b, _ := New(fixedDirection(90), act, cfg, nil)

	// No Run loop: the queue fills and further requests are dropped
	for i := 0; i < 5; i++ {
		b.OnDetected(stage.DetectionEvent{Sequence: uint64(i + 1)})
	}

	s := b.Stats()
	if s.Detections != 5 {
		t.Errorf("expected 5 detections, got %d", s.Detections)
	}
	if s.Queued != 2 || s.Dropped != 3 {
		t.Errorf("expected 2 queued and 3 dropped, got %+v", s)
	}

	// Detections are still recorded when actuation is dropped
	if last, _ := b.LastDetection(); last.Sequence != 5 {
		t.Errorf("expected last sequence 5, got %d", last.Sequence)
	}
	close(act.block)
}

func TestBridge_IndicateStates(t *testing.T) {
	act := newRecordingActuator()
	b, _ := New(fixedDirection(0), act, DefaultConfig(), nil)
	startBridge(t, b)

	b.Indicate(StateThinking)
	b.Indicate(StateFinished)
	act.wait(t, 2)

	calls := act.Calls()
	if calls[0].op != "indicate" || calls[0].state != StateThinking {
		t.Errorf("expected thinking indication, got %+v", calls[0])
	}
	if calls[1].op != "off" {
		t.Errorf("expected finished to turn off, got %+v", calls[1])
	}
	if b.Stats().State != "finished" {
		t.Errorf("expected state finished, got %s", b.Stats().State)
	}
}

func TestBridge_ActuationFailureCounted(t *testing.T) {
	act := newRecordingActuator()
	act.err = errors.New("usb gone")
	b, _ := New(fixedDirection(0), act, DefaultConfig(), nil)
	startBridge(t, b)

	b.OnDetected(stage.DetectionEvent{Sequence: 1})
	act.wait(t, 1)

	deadline := time.Now().Add(time.Second)
	for b.Stats().Failures != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s := b.Stats(); s.Failures != 1 || s.Actuated != 0 {
		t.Errorf("expected one failure, got %+v", s)
	}
}

func TestBridge_OffWrapsError(t *testing.T) {
	act := newRecordingActuator()
	act.err = errors.New("stall")
	b, _ := New(fixedDirection(0), act, DefaultConfig(), nil)

	err := b.Off(context.Background())
	if !errors.Is(err, act.err) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestState_Valid(t *testing.T) {
	for _, s := range []State{StateListening, StateThinking, StateSpeaking, StateFinished} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if State("dancing").Valid() {
		t.Error("unknown state should be invalid")
	}
}
