package bridge

import (
	"context"
	"errors"
	"testing"
)

type failingActuator struct{ name string }

func (f failingActuator) Wakeup(ctx context.Context, azimuth float64) error {
	return errors.New(f.name + " wakeup")
}
func (f failingActuator) Off(ctx context.Context) error { return errors.New(f.name + " off") }
func (f failingActuator) Name() string                  { return f.name }

func TestMulti_FansOut(t *testing.T) {
	a := newRecordingActuator()
	b := newRecordingActuator()
	m := Multi{a, b, NewLogActuator(nil)}

	if err := m.Wakeup(context.Background(), 45); err != nil {
		t.Fatalf("wakeup: %v", err)
	}
	if err := m.Indicate(context.Background(), StateSpeaking); err != nil {
		t.Fatalf("indicate: %v", err)
	}
	if err := m.Off(context.Background()); err != nil {
		t.Fatalf("off: %v", err)
	}

	for _, r := range []*recordingActuator{a, b} {
		calls := r.Calls()
		if len(calls) != 3 {
			t.Fatalf("expected 3 calls, got %d", len(calls))
		}
		if calls[0].azimuth != 45 || calls[1].state != StateSpeaking || calls[2].op != "off" {
			t.Errorf("unexpected calls: %+v", calls)
		}
	}

	if m.Name() != "recording+recording+log" {
		t.Errorf("unexpected name %s", m.Name())
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := newRecordingActuator()
	m := Multi{failingActuator{"a"}, ok, failingActuator{"b"}}

	err := m.Wakeup(context.Background(), 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "a wakeup\nb wakeup" {
		t.Errorf("unexpected joined error %q", got)
	}
	if len(ok.Calls()) != 1 {
		t.Error("healthy actuator should still be called")
	}

	// Actuators without Indicator are skipped
	if err := m.Indicate(context.Background(), StateListening); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
