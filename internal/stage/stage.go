// Package stage contains the DSP stages chained by the pipeline: echo
// cancellation, noise suppression and keyword detection.
package stage

import (
	"context"
	"errors"

	"github.com/teslashibe/go-voice/internal/audio"
)

// Sentinel errors
var (
	// ErrInvalidConfig is wrapped by every constructor validation failure
	ErrInvalidConfig = errors.New("invalid stage config")

	// ErrUnexpectedChannels is returned when a frame does not have the channel count a stage expects
	ErrUnexpectedChannels = errors.New("unexpected channel count")

	// ErrUnknownModel is returned by NewClassifier for an unregistered model name
	ErrUnknownModel = errors.New("unknown keyword model")
)

// Stage transforms one frame. Process returns ok=false when the stage
// produced no output, which ends propagation for that frame. An error drops
// the frame; the pipeline carries on with the next one.
//
// Stages never modify the input frame.
type Stage interface {
	Name() string
	Process(ctx context.Context, in audio.Frame) (out audio.Frame, ok bool, err error)
}

// Func adapts a function to the Stage interface
type Func struct {
	StageName string
	Fn        func(ctx context.Context, in audio.Frame) (audio.Frame, bool, error)
}

// Name returns the stage name
func (f Func) Name() string {
	return f.StageName
}

// Process calls Fn
func (f Func) Process(ctx context.Context, in audio.Frame) (audio.Frame, bool, error) {
	return f.Fn(ctx, in)
}

// SelectChannel returns a stage that extracts one channel as a mono frame.
// It feeds the mono stages when echo cancellation is disabled.
func SelectChannel(channel int) Func {
	return Func{
		StageName: "select",
		Fn: func(ctx context.Context, in audio.Frame) (audio.Frame, bool, error) {
			mono, err := in.Channel(channel)
			if err != nil {
				return audio.Frame{}, false, err
			}
			return in.Derive(mono), true, nil
		},
	}
}
