package health

import (
	"sync/atomic"
	"testing"
)

func TestChecker_Basic(t *testing.T) {
	checker := NewChecker("1.0.0")

	status := checker.GetStatus()

	if status.Status != StatusOK {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}

	if status.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %s", status.Version)
	}

	if status.UptimeSeconds < 0 {
		t.Error("expected non-negative uptime")
	}
}

func TestChecker_SetComponent(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("assistant", true, "connected")

	status := checker.GetStatus()

	if len(status.Components) != 1 {
		t.Errorf("expected 1 component, got %d", len(status.Components))
	}

	check, ok := status.Components["assistant"]
	if !ok {
		t.Fatal("expected assistant component")
	}

	if !check.Healthy {
		t.Error("expected assistant to be healthy")
	}

	if check.Message != "connected" {
		t.Errorf("expected message 'connected', got %s", check.Message)
	}
}

func TestChecker_Overall(t *testing.T) {
	tests := []struct {
		name     string
		pipeline bool
		ring     bool
		want     string
	}{
		{"all healthy", true, true, StatusOK},
		{"non-critical failing", true, false, StatusDegraded},
		{"critical failing", false, true, StatusUnhealthy},
		{"both failing", false, false, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker("test")
			checker.Register("pipeline", true, func() (bool, string) { return tt.pipeline, "" })
			checker.Register("ledring", false, func() (bool, string) { return tt.ring, "" })

			if got := checker.GetStatus().Status; got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if checker.IsHealthy() != (tt.want == StatusOK) {
				t.Error("IsHealthy disagrees with status")
			}
		})
	}
}

func TestChecker_ProbesRunOnRead(t *testing.T) {
	checker := NewChecker("test")

	var healthy atomic.Bool
	healthy.Store(true)
	checker.Register("capture", true, func() (bool, string) {
		if healthy.Load() {
			return true, "running"
		}
		return false, "stopped"
	})

	if !checker.IsHealthy() {
		t.Fatal("expected healthy")
	}

	healthy.Store(false)
	status := checker.GetStatus()
	if status.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", status.Status)
	}
	if c := status.Components["capture"]; c.Message != "stopped" || !c.Critical {
		t.Errorf("unexpected check %+v", c)
	}
}

func TestChecker_Failing(t *testing.T) {
	checker := NewChecker("test")
	checker.SetComponent("webhook", false, "timeout")
	checker.SetComponent("assistant", false, "disconnected")
	checker.SetComponent("pipeline", true, "")

	failing := checker.Failing()
	if len(failing) != 2 || failing[0] != "assistant" || failing[1] != "webhook" {
		t.Errorf("unexpected failing list %v", failing)
	}
}
