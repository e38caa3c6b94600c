package capture

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/teslashibe/go-voice/internal/audio"
	"github.com/teslashibe/go-voice/internal/doa"
)

// SyntheticConfig configures a SyntheticDevice
type SyntheticConfig struct {
	Geometry         doa.Geometry
	MicChannels      []int // Channel index of each microphone, in geometry order
	PlaybackChannels []int // Loopback channels carrying the playback reference

	Azimuth    float64 // Talker bearing in degrees
	Level      float64 // Talker RMS level
	EchoLevel  float64 // Playback RMS level (0 = silent speaker)
	Coupling   float64 // Fraction of playback leaking into each microphone
	NoiseLevel float64 // Uncorrelated per-channel noise RMS

	// Talker bursts: active for UtteranceLength every UtteranceEvery.
	// Zero UtteranceEvery means the talker speaks continuously.
	UtteranceEvery  time.Duration
	UtteranceLength time.Duration

	Tones    int   // Sinusoids summed into the talker signal
	Seed     int64 // Deterministic signal generation
	Realtime bool  // Pace reads at the frame period
}

// DefaultSyntheticConfig simulates a ReSpeaker 6-mic array with one talker
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Geometry:         doa.ReSpeaker6Mic(),
		MicChannels:      []int{0, 1, 2, 3, 4, 5},
		PlaybackChannels: []int{6, 7},
		Azimuth:          90,
		Level:            3000,
		NoiseLevel:       30,
		Tones:            32,
		Seed:             1,
		Realtime:         true,
	}
}

type tone struct {
	freq  float64
	phase float64
	amp   float64
}

// SyntheticDevice generates frames for a far-field talker on a circular
// array. Each microphone receives the talker with its exact fractional
// propagation delay, so direction estimates can be checked against ground
// truth.
type SyntheticDevice struct {
	cfg SyntheticConfig

	mu       sync.Mutex
	format   audio.Format
	opened   bool
	closed   bool
	azimuth  float64
	active   bool
	failWith error
	talker   []tone
	echo     []tone
	rng      *rand.Rand
	frame    uint64
	start    time.Time
}

// NewSyntheticDevice creates a synthetic capture device
func NewSyntheticDevice(cfg SyntheticConfig) *SyntheticDevice {
	if cfg.Tones <= 0 {
		cfg.Tones = 32
	}
	if cfg.Geometry.Mics == 0 {
		cfg.Geometry = doa.ReSpeaker6Mic()
	}
	if len(cfg.MicChannels) == 0 {
		cfg.MicChannels = make([]int, cfg.Geometry.Mics)
		for i := range cfg.MicChannels {
			cfg.MicChannels[i] = i
		}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	return &SyntheticDevice{
		cfg:     cfg,
		azimuth: cfg.Azimuth,
		active:  true,
		talker:  makeTones(rng, cfg.Tones, 300, 3400, cfg.Level),
		echo:    makeTones(rng, cfg.Tones/2+1, 200, 2000, cfg.EchoLevel),
		rng:     rng,
	}
}

func makeTones(rng *rand.Rand, n int, lo, hi, rms float64) []tone {
	tones := make([]tone, n)
	// Sum of n equal sinusoids of amplitude a has RMS a*sqrt(n/2)
	amp := rms * math.Sqrt(2/float64(n))
	for i := range tones {
		tones[i] = tone{
			freq:  lo + rng.Float64()*(hi-lo),
			phase: rng.Float64() * 2 * math.Pi,
			amp:   amp,
		}
	}
	return tones
}

func signalAt(tones []tone, t float64) float64 {
	var v float64
	for _, tn := range tones {
		v += tn.amp * math.Sin(2*math.Pi*tn.freq*t+tn.phase)
	}
	return v
}

// Open validates that the format holds every configured channel
func (d *SyntheticDevice) Open(format audio.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return audio.ErrDeviceClosed
	}

	for _, ch := range append(append([]int{}, d.cfg.MicChannels...), d.cfg.PlaybackChannels...) {
		if ch < 0 || ch >= format.Channels {
			return fmt.Errorf("synthetic channel %d outside %d-channel format", ch, format.Channels)
		}
	}
	if len(d.cfg.MicChannels) != d.cfg.Geometry.Mics {
		return fmt.Errorf("geometry has %d mics but %d mic channels configured", d.cfg.Geometry.Mics, len(d.cfg.MicChannels))
	}

	d.format = format
	d.opened = true
	d.start = time.Now()
	return nil
}

// Read synthesises the next frame
func (d *SyntheticDevice) Read(ctx context.Context, buf []int16) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return audio.ErrDeviceClosed
	}
	if !d.opened {
		d.mu.Unlock()
		return fmt.Errorf("synthetic device not opened")
	}
	if d.failWith != nil {
		err := d.failWith
		d.mu.Unlock()
		return err
	}
	index := d.frame
	d.frame++
	due := d.start.Add(time.Duration(index+1) * d.format.Period())
	d.mu.Unlock()

	if d.cfg.Realtime {
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.render(index, buf)
	return nil
}

func (d *SyntheticDevice) render(index uint64, buf []int16) {
	f := d.format
	rate := float64(f.Rate)
	base := index * uint64(f.FrameSize)

	delays := make([]float64, len(d.cfg.MicChannels))
	for m := range delays {
		delays[m] = d.cfg.Geometry.Delay(m, d.azimuth)
	}

	for i := range buf {
		buf[i] = 0
	}

	for i := 0; i < f.FrameSize; i++ {
		t := float64(base+uint64(i)) / rate
		talking := d.active && d.talking(t)

		var echo float64
		if d.cfg.EchoLevel > 0 {
			echo = signalAt(d.echo, t)
		}

		row := buf[i*f.Channels : (i+1)*f.Channels]

		for m, ch := range d.cfg.MicChannels {
			var v float64
			if talking {
				v = signalAt(d.talker, t-delays[m])
			}
			v += d.cfg.Coupling * echo
			if d.cfg.NoiseLevel > 0 {
				v += d.rng.NormFloat64() * d.cfg.NoiseLevel
			}
			row[ch] = audio.ClampInt16(v)
		}

		for _, ch := range d.cfg.PlaybackChannels {
			row[ch] = audio.ClampInt16(echo)
		}
	}
}

func (d *SyntheticDevice) talking(t float64) bool {
	if d.cfg.UtteranceEvery <= 0 {
		return true
	}
	every := d.cfg.UtteranceEvery.Seconds()
	offset := math.Mod(t, every)
	return offset < d.cfg.UtteranceLength.Seconds()
}

// Close releases the device
func (d *SyntheticDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Name returns the driver name
func (d *SyntheticDevice) Name() string {
	return "synthetic"
}

// SetAzimuth moves the talker (degrees)
func (d *SyntheticDevice) SetAzimuth(deg float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.azimuth = deg
}

// SetActive mutes or unmutes the talker
func (d *SyntheticDevice) SetActive(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = active
}

// SetFailure makes subsequent reads fail with err (nil clears it)
func (d *SyntheticDevice) SetFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWith = err
}

// FramesRead returns how many frames have been generated
func (d *SyntheticDevice) FramesRead() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame
}
