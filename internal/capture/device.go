// Package capture owns the hardware capture stream and fans fixed-size
// multi-channel frames out to independent subscribers.
package capture

import (
	"context"

	"github.com/teslashibe/go-voice/internal/audio"
)

// Device is a capture backend producing interleaved int16 frames.
//
// Read blocks until one full frame (len(buf) samples) has been captured and
// must return within roughly one frame period. After Close, Read returns an
// error wrapping audio.ErrDeviceClosed.
type Device interface {
	// Open prepares the device at the given format
	Open(format audio.Format) error

	// Read fills buf with the next frame
	Read(ctx context.Context, buf []int16) error

	// Close releases the device
	Close() error

	// Name returns the driver name
	Name() string
}
