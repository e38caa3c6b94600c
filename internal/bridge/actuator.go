package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// LogActuator only logs; used when no hardware is attached
type LogActuator struct {
	logger *slog.Logger
}

// NewLogActuator creates a logging actuator
func NewLogActuator(logger *slog.Logger) *LogActuator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogActuator{logger: logger}
}

// Wakeup logs the bearing
func (a *LogActuator) Wakeup(ctx context.Context, azimuth float64) error {
	a.logger.Info("wakeup", "azimuth", azimuth)
	return nil
}

// Off logs the request
func (a *LogActuator) Off(ctx context.Context) error {
	a.logger.Info("actuator off")
	return nil
}

// Indicate logs the state
func (a *LogActuator) Indicate(ctx context.Context, state State) error {
	a.logger.Info("assistant state", "state", state)
	return nil
}

// Name returns the actuator name
func (a *LogActuator) Name() string {
	return "log"
}

// Multi fans every request out to several actuators
type Multi []Actuator

// Wakeup calls every actuator and joins their errors
func (m Multi) Wakeup(ctx context.Context, azimuth float64) error {
	var errs []error
	for _, a := range m {
		if err := a.Wakeup(ctx, azimuth); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Off calls every actuator and joins their errors
func (m Multi) Off(ctx context.Context) error {
	var errs []error
	for _, a := range m {
		if err := a.Off(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Indicate forwards to the actuators that implement Indicator
func (m Multi) Indicate(ctx context.Context, state State) error {
	var errs []error
	for _, a := range m {
		if ind, ok := a.(Indicator); ok {
			if err := ind.Indicate(ctx, state); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Name joins the member names
func (m Multi) Name() string {
	names := make([]string, len(m))
	for i, a := range m {
		names[i] = a.Name()
	}
	return strings.Join(names, "+")
}
