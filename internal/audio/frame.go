// Package audio defines the frame type that flows through the voice pipeline
// and the error taxonomy shared by capture, stages and pipeline.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// Format fixes the shape of every frame produced by a source
type Format struct {
	Rate      int // Sample rate in Hz
	FrameSize int // Samples per channel per frame
	Channels  int // Interleaved channel count
}

// DefaultFormat is the ReSpeaker 6-mic layout: 6 microphones + 2 loopback channels
func DefaultFormat() Format {
	return Format{
		Rate:      16000,
		FrameSize: 320,
		Channels:  8,
	}
}

// Validate checks the format is usable
func (f Format) Validate() error {
	if f.Rate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.Rate)
	}
	if f.FrameSize <= 0 {
		return fmt.Errorf("invalid frame size: %d", f.FrameSize)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", f.Channels)
	}
	return nil
}

// Period returns the wall-clock duration of one frame
func (f Format) Period() time.Duration {
	if f.Rate <= 0 {
		return 0
	}
	return time.Duration(f.FrameSize) * time.Second / time.Duration(f.Rate)
}

// Samples returns the interleaved sample count of one frame
func (f Format) Samples() int {
	return f.FrameSize * f.Channels
}

// Frame is a fixed-size block of interleaved 16-bit samples.
// Frames are treated as immutable once published; consumers that need to
// modify samples work on a Clone.
type Frame struct {
	Sequence  uint64    // Monotonic capture sequence, starting at 1
	Timestamp time.Time // Capture time of the first sample
	Channels  int       // Interleaved channel count
	Samples   []int16   // len = Channels * Size()
}

// ErrChannelOutOfRange is returned when a channel index does not exist in a frame
var ErrChannelOutOfRange = errors.New("channel index out of range")

// NewFrame builds a frame, checking the sample count matches the channel count
func NewFrame(seq uint64, ts time.Time, channels int, samples []int16) (Frame, error) {
	if channels <= 0 {
		return Frame{}, fmt.Errorf("invalid channel count: %d", channels)
	}
	if len(samples)%channels != 0 {
		return Frame{}, fmt.Errorf("sample count %d is not a multiple of %d channels", len(samples), channels)
	}
	return Frame{
		Sequence:  seq,
		Timestamp: ts,
		Channels:  channels,
		Samples:   samples,
	}, nil
}

// Size returns samples per channel
func (f Frame) Size() int {
	if f.Channels == 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Clone returns a deep copy
func (f Frame) Clone() Frame {
	c := f
	c.Samples = make([]int16, len(f.Samples))
	copy(c.Samples, f.Samples)
	return c
}

// Channel de-interleaves one channel into a new slice
func (f Frame) Channel(idx int) ([]int16, error) {
	if idx < 0 || idx >= f.Channels {
		return nil, fmt.Errorf("%w: %d (channels=%d)", ErrChannelOutOfRange, idx, f.Channels)
	}

	n := f.Size()
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = f.Samples[i*f.Channels+idx]
	}
	return out, nil
}

// Derive returns a mono frame carrying the same sequence and timestamp
func (f Frame) Derive(mono []int16) Frame {
	return Frame{
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Channels:  1,
		Samples:   mono,
	}
}

// Duration returns the frame duration at the given sample rate
func (f Frame) Duration(rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(f.Size()) * time.Second / time.Duration(rate)
}

// ClampInt16 saturates a float sample to the int16 range
func ClampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
