package stage

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/teslashibe/go-voice/internal/audio"
)

// NoiseConfig configures a NoiseSuppressor
type NoiseConfig struct {
	Rate      int     // Sample rate in Hz
	Channels  int     // Must be 1
	FloorDB   float64 // Minimum per-bin gain in dB (<= 0)
	NoiseRise float64 // Noise estimate adaptation when a bin is louder than the estimate
	NoiseFall float64 // Noise estimate adaptation when a bin is quieter than the estimate
}

// DefaultNoiseConfig returns sensible defaults for 16 kHz speech
func DefaultNoiseConfig() NoiseConfig {
	return NoiseConfig{
		Rate:      16000,
		Channels:  1,
		FloorDB:   -20,
		NoiseRise: 0.005,
		NoiseFall: 0.2,
	}
}

// Validate checks the config
func (c NoiseConfig) Validate() error {
	if c.Rate <= 0 {
		return fmt.Errorf("%w: noise rate %d", ErrInvalidConfig, c.Rate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("%w: noise suppressor is mono, got %d channels", ErrInvalidConfig, c.Channels)
	}
	if c.FloorDB > 0 {
		return fmt.Errorf("%w: floor %g dB must not be positive", ErrInvalidConfig, c.FloorDB)
	}
	if c.NoiseRise <= 0 || c.NoiseRise > 1 {
		return fmt.Errorf("%w: noise rise %g outside (0, 1]", ErrInvalidConfig, c.NoiseRise)
	}
	if c.NoiseFall <= 0 || c.NoiseFall > 1 {
		return fmt.Errorf("%w: noise fall %g outside (0, 1]", ErrInvalidConfig, c.NoiseFall)
	}
	return nil
}

// Bins below this frequency are always attenuated to the floor
const lowCutHz = 60

// NoiseSuppressor performs per-frame spectral subtraction against a tracked
// noise magnitude estimate. The estimate follows quiet bins quickly and loud
// bins slowly, so stationary noise is learnt while speech is not.
type NoiseSuppressor struct {
	cfg   NoiseConfig
	floor float64

	mu     sync.Mutex
	size   int
	fft    *fourier.FFT
	seq    []float64
	coeff  []complex128
	noise  []float64
	primed bool
}

// NewNoiseSuppressor creates a noise suppressor
func NewNoiseSuppressor(cfg NoiseConfig) (*NoiseSuppressor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &NoiseSuppressor{
		cfg:   cfg,
		floor: math.Pow(10, cfg.FloorDB/20),
	}, nil
}

// Name returns the stage name
func (n *NoiseSuppressor) Name() string {
	return "noise"
}

// Config returns the stage config
func (n *NoiseSuppressor) Config() NoiseConfig {
	return n.cfg
}

// Process suppresses stationary noise in a mono frame
func (n *NoiseSuppressor) Process(ctx context.Context, in audio.Frame) (audio.Frame, bool, error) {
	if in.Channels != n.cfg.Channels {
		return audio.Frame{}, false, fmt.Errorf("%w: noise suppressor expects %d channel, got %d",
			ErrUnexpectedChannels, n.cfg.Channels, in.Channels)
	}
	if len(in.Samples) == 0 {
		return in.Derive(nil), true, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.ensure(len(in.Samples))

	for i, s := range in.Samples {
		n.seq[i] = float64(s)
	}
	n.coeff = n.fft.Coefficients(n.coeff, n.seq)

	binHz := float64(n.cfg.Rate) / float64(n.size)

	for k, c := range n.coeff {
		mag := cmplx.Abs(c)

		if !n.primed {
			n.noise[k] = mag
		} else if mag > n.noise[k] {
			n.noise[k] += n.cfg.NoiseRise * (mag - n.noise[k])
		} else {
			n.noise[k] += n.cfg.NoiseFall * (mag - n.noise[k])
		}

		gain := n.floor
		if mag > 0 && float64(k)*binHz >= lowCutHz {
			gain = math.Max(1-n.noise[k]/mag, n.floor)
		}
		n.coeff[k] = c * complex(gain, 0)
	}
	n.primed = true

	n.seq = n.fft.Sequence(n.seq, n.coeff)

	out := make([]int16, n.size)
	scale := 1 / float64(n.size)
	for i, v := range n.seq {
		out[i] = audio.ClampInt16(v * scale)
	}

	return in.Derive(out), true, nil
}

// ensure sizes the FFT for the frame length, resetting state on change
func (n *NoiseSuppressor) ensure(size int) {
	if n.fft != nil && n.size == size {
		return
	}

	n.size = size
	n.fft = fourier.NewFFT(size)
	n.seq = make([]float64, size)
	n.coeff = make([]complex128, size/2+1)
	n.noise = make([]float64, size/2+1)
	n.primed = false
}

// NoiseFloor returns a copy of the current per-bin noise magnitude estimate
func (n *NoiseSuppressor) NoiseFloor() []float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]float64, len(n.noise))
	copy(out, n.noise)
	return out
}
