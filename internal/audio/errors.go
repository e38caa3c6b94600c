package audio

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors
var (
	// ErrDeviceClosed is returned by a device read after Close
	ErrDeviceClosed = errors.New("device closed")

	// ErrShutdownTimeout is matched by every ShutdownTimeoutError
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// DeviceError reports a capture device that cannot be opened or driven at
// the requested format. Fatal at startup.
type DeviceError struct {
	Device string
	Op     string
	Format Format
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s (rate=%d frame_size=%d channels=%d): %v",
		e.Device, e.Op, e.Format.Rate, e.Format.FrameSize, e.Format.Channels, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// OverrunError reports a frame evicted from a full subscriber queue.
// Recovered locally; never fatal.
type OverrunError struct {
	Subscriber string
	Sequence   uint64 // Sequence of the dropped (oldest) frame
	Total      uint64 // Total frames dropped for this subscriber so far
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("subscriber %q overrun: dropped frame %d (total dropped %d)",
		e.Subscriber, e.Sequence, e.Total)
}

// StageProcessError reports a single stage failing on a single frame.
// The frame is dropped and the pipeline continues.
type StageProcessError struct {
	Stage    string
	Sequence uint64
	Err      error
}

func (e *StageProcessError) Error() string {
	return fmt.Sprintf("stage %q failed on frame %d: %v", e.Stage, e.Sequence, e.Err)
}

func (e *StageProcessError) Unwrap() error {
	return e.Err
}

// ShutdownTimeoutError reports a worker that did not exit within its grace period
type ShutdownTimeoutError struct {
	Component string
	Grace     time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("%s did not stop within %s", e.Component, e.Grace)
}

// Is makes errors.Is(err, ErrShutdownTimeout) succeed
func (e *ShutdownTimeoutError) Is(target error) bool {
	return target == ErrShutdownTimeout
}
