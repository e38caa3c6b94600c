// Package doa estimates the direction of arrival of speech on a circular
// microphone array and tracks it over time.
package doa

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a closed source
var ErrClosed = errors.New("doa source closed")

// Reading is a single direction measurement
type Reading struct {
	Azimuth    float64   `json:"azimuth"`    // Degrees in [0, 360), counter-clockwise from mic 0
	Confidence float64   `json:"confidence"` // Normalised SRP-PHAT peak, 0..1
	Speaking   bool      `json:"speaking"`   // Window energy above the speech threshold
	Energy     float64   `json:"energy"`     // Microphone RMS over the window
	Frames     int       `json:"frames"`     // Frames the measurement was computed from
	Timestamp  time.Time `json:"timestamp"`  // Capture time of the newest frame
	LatencyMs  int64     `json:"latency_ms"` // Time spent computing
}

// Source provides direction readings
type Source interface {
	// GetDOA returns the current direction of arrival
	GetDOA(ctx context.Context) (Reading, error)

	// Close releases resources
	Close() error

	// Healthy returns true if the source is operational
	Healthy() bool

	// Name returns the source type name
	Name() string
}

// SignedDelta returns the shortest signed rotation from a to b in degrees, in (-180, 180]
func SignedDelta(a, b float64) float64 {
	d := NormalizeDegrees(b - a)
	if d > 180 {
		d -= 360
	}
	return d
}
