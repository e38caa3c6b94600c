package doa

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/teslashibe/go-voice/internal/audio"
)

// EstimatorConfig configures an Estimator
type EstimatorConfig struct {
	Rate        int      // Sample rate in Hz
	Chunks      int      // Frames in the sliding window
	MicChannels []int    // Frame channel of each microphone, in geometry order
	Geometry    Geometry // Array layout; OffsetDegrees rotates the result
	Interp      int      // Cross-correlation interpolation factor
	MinFreq     float64  // Lowest frequency used, Hz
	MaxFreq     float64  // Highest frequency used, Hz
	SpeechRMS   float64  // Window RMS treated as speech
}

// DefaultEstimatorConfig matches the ReSpeaker 6-mic array at 16 kHz
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		Rate:        16000,
		Chunks:      20,
		MicChannels: []int{0, 1, 2, 3, 4, 5},
		Geometry:    ReSpeaker6Mic(),
		Interp:      8,
		MinFreq:     300,
		MaxFreq:     3500,
		SpeechRMS:   200,
	}
}

// Validate checks the config
func (c EstimatorConfig) Validate() error {
	if c.Rate <= 0 {
		return fmt.Errorf("invalid rate: %d", c.Rate)
	}
	if c.Chunks <= 0 {
		return fmt.Errorf("invalid chunks: %d", c.Chunks)
	}
	if c.Geometry.Mics < 2 {
		return fmt.Errorf("need at least 2 microphones, got %d", c.Geometry.Mics)
	}
	if c.Geometry.Radius <= 0 {
		return fmt.Errorf("invalid array radius: %g", c.Geometry.Radius)
	}
	if len(c.MicChannels) != c.Geometry.Mics {
		return fmt.Errorf("geometry has %d mics but %d mic channels configured", c.Geometry.Mics, len(c.MicChannels))
	}
	for _, ch := range c.MicChannels {
		if ch < 0 {
			return fmt.Errorf("invalid mic channel: %d", ch)
		}
	}
	if c.Interp <= 0 {
		return fmt.Errorf("invalid interpolation factor: %d", c.Interp)
	}
	if c.MinFreq < 0 || c.MaxFreq <= c.MinFreq || c.MaxFreq > float64(c.Rate)/2 {
		return fmt.Errorf("invalid frequency band %g..%g Hz", c.MinFreq, c.MaxFreq)
	}
	return nil
}

// AzimuthEstimate is the result of one direction computation
type AzimuthEstimate struct {
	Degrees    float64   `json:"degrees"`
	Confidence float64   `json:"confidence"`
	Frames     int       `json:"frames"`
	Energy     float64   `json:"energy"`
	Speaking   bool      `json:"speaking"`
	Timestamp  time.Time `json:"timestamp"`
}

type pair struct{ a, b int }

// lagTap is the fractional correlation index for one candidate direction and pair
type lagTap struct {
	index int // Lower sample, wrapped into the correlation sequence
	next  int
	frac  float64
}

// Estimator keeps a sliding window of the most recent raw frames and
// computes the direction of arrival with SRP-PHAT over every microphone
// pair. Ingestion and estimation may run concurrently; estimation works on
// a snapshot and never holds the window lock while computing.
type Estimator struct {
	cfg    EstimatorConfig
	logger *slog.Logger
	pairs  []pair

	mu      sync.RWMutex
	ring    []audio.Frame
	head    int // Next write position
	count   int
	lastSeq uint64

	// Estimation state, serialised by estMu
	estMu     sync.Mutex
	frameSize int
	nfft      int
	fft       *fourier.FFT
	ifft      *fourier.FFT
	taps      [][]lagTap // [degree][pair]
	bandLo    int
	bandHi    int
	spectra   [][]complex128
	cross     [][]complex128
	interpBuf []complex128
	corr      [][]float64
	padded    []float64
	last      AzimuthEstimate

	closed    atomic.Bool
	ingested  atomic.Uint64
	rejected  atomic.Uint64
	estimates atomic.Uint64
}

// NewEstimator creates an estimator
func NewEstimator(cfg EstimatorConfig, logger *slog.Logger) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var pairs []pair
	for a := 0; a < cfg.Geometry.Mics; a++ {
		for b := a + 1; b < cfg.Geometry.Mics; b++ {
			pairs = append(pairs, pair{a, b})
		}
	}

	return &Estimator{
		cfg:    cfg,
		logger: logger,
		pairs:  pairs,
		ring:   make([]audio.Frame, cfg.Chunks),
	}, nil
}

// Name returns the consumer and source name
func (e *Estimator) Name() string {
	return "doa"
}

// Config returns the estimator config
func (e *Estimator) Config() EstimatorConfig {
	return e.cfg
}

// Ingest appends a raw frame to the window, overwriting the oldest.
// Frames lacking a microphone channel or not newer than the last one are ignored.
func (e *Estimator) Ingest(frame audio.Frame) {
	for _, ch := range e.cfg.MicChannels {
		if ch >= frame.Channels {
			if e.rejected.Add(1) == 1 {
				e.logger.Warn("frame lacks microphone channel", "channel", ch, "channels", frame.Channels)
			}
			return
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count > 0 && frame.Sequence <= e.lastSeq {
		e.rejected.Add(1)
		return
	}

	e.ring[e.head] = frame
	e.head = (e.head + 1) % len(e.ring)
	if e.count < len(e.ring) {
		e.count++
	}
	e.lastSeq = frame.Sequence
	e.ingested.Add(1)
}

// Buffered returns how many frames are in the window
func (e *Estimator) Buffered() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.count
}

// Reset empties the window; the last estimate is kept
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.ring {
		e.ring[i] = audio.Frame{}
	}
	e.head = 0
	e.count = 0
}

func (e *Estimator) snapshot() []audio.Frame {
	e.mu.RLock()
	defer e.mu.RUnlock()

	frames := make([]audio.Frame, 0, e.count)
	start := (e.head - e.count + len(e.ring)) % len(e.ring)
	for i := 0; i < e.count; i++ {
		frames = append(frames, e.ring[(start+i)%len(e.ring)])
	}
	return frames
}

// Direction returns the azimuth in degrees, [0, 360)
func (e *Estimator) Direction() float64 {
	return e.Estimate().Degrees
}

// Estimate computes the direction from the frames currently buffered.
// With an empty window it returns the previous estimate.
func (e *Estimator) Estimate() AzimuthEstimate {
	frames := e.snapshot()

	e.estMu.Lock()
	defer e.estMu.Unlock()

	if len(frames) == 0 {
		return e.last
	}

	e.prepare(frames[0].Size())

	for _, c := range e.cross {
		clear(c)
	}

	var energy float64
	var counted int

	for _, f := range frames {
		if f.Size() != e.frameSize {
			continue
		}

		for m, ch := range e.cfg.MicChannels {
			clear(e.padded)
			for i := 0; i < e.frameSize; i++ {
				v := float64(f.Samples[i*f.Channels+ch])
				e.padded[i] = v
				energy += v * v
			}
			e.spectra[m] = e.fft.Coefficients(e.spectra[m], e.padded)
		}
		counted++

		for p, pr := range e.pairs {
			xa, xb, acc := e.spectra[pr.a], e.spectra[pr.b], e.cross[p]
			for k := e.bandLo; k <= e.bandHi; k++ {
				acc[k] += xa[k] * cmplx.Conj(xb[k])
			}
		}
	}

	rms := 0.0
	if counted > 0 {
		rms = math.Sqrt(energy / float64(counted*e.frameSize*len(e.cfg.MicChannels)))
	}

	// PHAT weighting, then interpolated inverse transform per pair
	for p := range e.pairs {
		clear(e.interpBuf)
		for k := e.bandLo; k <= e.bandHi; k++ {
			c := e.cross[p][k]
			if mag := cmplx.Abs(c); mag > 1e-12 {
				e.interpBuf[k] = c / complex(mag, 0)
			}
		}
		e.corr[p] = e.ifft.Sequence(e.corr[p], e.interpBuf)
	}

	best, bestDeg := math.Inf(-1), 0
	for deg, row := range e.taps {
		var score float64
		for p, tap := range row {
			r := e.corr[p]
			score += r[tap.index]*(1-tap.frac) + r[tap.next]*tap.frac
		}
		if score > best {
			best, bestDeg = score, deg
		}
	}

	// A unit-magnitude band of B bins peaks at 2B after the real inverse transform
	bandBins := e.bandHi - e.bandLo + 1
	confidence := Clamp(best/float64(2*bandBins*len(e.pairs)), 0, 1)
	if counted == 0 || rms == 0 {
		confidence = 0
	}

	est := AzimuthEstimate{
		Degrees:    NormalizeDegrees(float64(bestDeg) + e.cfg.Geometry.OffsetDegrees),
		Confidence: confidence,
		Frames:     counted,
		Energy:     rms,
		Speaking:   rms >= e.cfg.SpeechRMS,
		Timestamp:  frames[len(frames)-1].Timestamp,
	}

	e.last = est
	e.estimates.Add(1)
	return est
}

// prepare sizes transforms and the lag table for a frame length
func (e *Estimator) prepare(frameSize int) {
	if e.fft != nil && e.frameSize == frameSize {
		return
	}

	e.frameSize = frameSize
	e.nfft = 2 * frameSize // Zero padding keeps the correlation linear
	n := e.nfft * e.cfg.Interp

	e.fft = fourier.NewFFT(e.nfft)
	e.ifft = fourier.NewFFT(n)
	e.padded = make([]float64, e.nfft)

	binHz := float64(e.cfg.Rate) / float64(e.nfft)
	e.bandLo = int(math.Ceil(e.cfg.MinFreq / binHz))
	e.bandHi = int(math.Floor(e.cfg.MaxFreq / binHz))
	if e.bandHi > e.nfft/2 {
		e.bandHi = e.nfft / 2
	}
	if e.bandLo < 1 {
		e.bandLo = 1
	}

	e.spectra = make([][]complex128, len(e.cfg.MicChannels))
	e.cross = make([][]complex128, len(e.pairs))
	e.corr = make([][]float64, len(e.pairs))
	for p := range e.pairs {
		e.cross[p] = make([]complex128, e.nfft/2+1)
		e.corr[p] = make([]float64, n)
	}
	e.interpBuf = make([]complex128, n/2+1)

	// Mic geometry is measured from the array, so the grid works in array
	// coordinates; OffsetDegrees is applied to the result
	g := e.cfg.Geometry
	g.OffsetDegrees = 0

	scale := float64(e.cfg.Rate * e.cfg.Interp)
	e.taps = make([][]lagTap, 360)
	for deg := range e.taps {
		row := make([]lagTap, len(e.pairs))
		for p, pr := range e.pairs {
			// Correlation of a against b peaks at the delay of a relative to b
			lag := (g.Delay(pr.a, float64(deg)) - g.Delay(pr.b, float64(deg))) * scale
			lo := math.Floor(lag)
			row[p] = lagTap{
				index: wrap(int(lo), n),
				next:  wrap(int(lo)+1, n),
				frac:  lag - lo,
			}
		}
		e.taps[deg] = row
	}

	e.logger.Debug("doa estimator prepared",
		"frame_size", frameSize,
		"nfft", e.nfft,
		"interp", e.cfg.Interp,
		"band_bins", e.bandHi-e.bandLo+1,
		"pairs", len(e.pairs),
	)
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// GetDOA implements Source
func (e *Estimator) GetDOA(ctx context.Context) (Reading, error) {
	if e.closed.Load() {
		return Reading{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	start := time.Now()
	est := e.Estimate()

	return Reading{
		Azimuth:    est.Degrees,
		Confidence: est.Confidence,
		Speaking:   est.Speaking,
		Energy:     est.Energy,
		Frames:     est.Frames,
		Timestamp:  est.Timestamp,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// Healthy implements Source
func (e *Estimator) Healthy() bool {
	return !e.closed.Load()
}

// Close stops serving GetDOA; Direction keeps working on the retained window
func (e *Estimator) Close() error {
	e.closed.Store(true)
	return nil
}

// Stats returns estimator statistics
func (e *Estimator) Stats() EstimatorStats {
	e.estMu.Lock()
	last := e.last
	e.estMu.Unlock()

	return EstimatorStats{
		Ingested:  e.ingested.Load(),
		Rejected:  e.rejected.Load(),
		Buffered:  e.Buffered(),
		Chunks:    e.cfg.Chunks,
		Estimates: e.estimates.Load(),
		Last:      last,
	}
}

// EstimatorStats contains estimator statistics
type EstimatorStats struct {
	Ingested  uint64          `json:"ingested"`
	Rejected  uint64          `json:"rejected"`
	Buffered  int             `json:"buffered"`
	Chunks    int             `json:"chunks"`
	Estimates uint64          `json:"estimates"`
	Last      AzimuthEstimate `json:"last"`
}
