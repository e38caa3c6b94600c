package stage

import (
	"context"
	"fmt"
	"sync"

	"github.com/teslashibe/go-voice/internal/audio"
)

// EchoConfig configures an EchoCanceller
type EchoConfig struct {
	Channels        int     // Channels in the incoming frame
	CaptureChannel  int     // Near-end microphone channel
	PlaybackChannel int     // Far-end loopback reference channel
	FilterLength    int     // NLMS taps
	StepSize        float64 // NLMS mu, 0 < mu < 2
}

// DefaultEchoConfig uses mic 0 and the first loopback channel of the 8-channel layout
func DefaultEchoConfig() EchoConfig {
	return EchoConfig{
		Channels:        8,
		CaptureChannel:  0,
		PlaybackChannel: 6,
		FilterLength:    256, // 16 ms at 16 kHz
		StepSize:        0.1,
	}
}

// Validate checks the config
func (c EchoConfig) Validate() error {
	if c.Channels <= 0 {
		return fmt.Errorf("%w: echo channels %d", ErrInvalidConfig, c.Channels)
	}
	if c.CaptureChannel < 0 || c.CaptureChannel >= c.Channels {
		return fmt.Errorf("%w: capture channel %d outside 0..%d", ErrInvalidConfig, c.CaptureChannel, c.Channels-1)
	}
	if c.PlaybackChannel < 0 || c.PlaybackChannel >= c.Channels {
		return fmt.Errorf("%w: playback channel %d outside 0..%d", ErrInvalidConfig, c.PlaybackChannel, c.Channels-1)
	}
	if c.CaptureChannel == c.PlaybackChannel {
		return fmt.Errorf("%w: capture and playback channel are both %d", ErrInvalidConfig, c.CaptureChannel)
	}
	if c.FilterLength <= 0 {
		return fmt.Errorf("%w: filter length %d", ErrInvalidConfig, c.FilterLength)
	}
	if c.StepSize <= 0 || c.StepSize >= 2 {
		return fmt.Errorf("%w: step size %g outside (0, 2)", ErrInvalidConfig, c.StepSize)
	}
	return nil
}

// EchoCanceller removes the playback signal from the capture channel with a
// normalised least-mean-squares adaptive filter. Input is the multi-channel
// frame, output is the mono echo-cancelled capture channel.
type EchoCanceller struct {
	cfg EchoConfig

	mu      sync.Mutex
	weights []float64
	// Reference history: last FilterLength-1 far-end samples of the previous frame
	history []float64
	ref     []float64
}

// NewEchoCanceller creates an echo canceller
func NewEchoCanceller(cfg EchoConfig) (*EchoCanceller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &EchoCanceller{
		cfg:     cfg,
		weights: make([]float64, cfg.FilterLength),
		history: make([]float64, cfg.FilterLength-1),
	}, nil
}

// Name returns the stage name
func (e *EchoCanceller) Name() string {
	return "echo"
}

// Config returns the stage config
func (e *EchoCanceller) Config() EchoConfig {
	return e.cfg
}

// Process selects the capture and playback channels and cancels the echo
func (e *EchoCanceller) Process(ctx context.Context, in audio.Frame) (audio.Frame, bool, error) {
	if in.Channels != e.cfg.Channels {
		return audio.Frame{}, false, fmt.Errorf("%w: echo canceller expects %d channels, got %d",
			ErrUnexpectedChannels, e.cfg.Channels, in.Channels)
	}

	capture, err := in.Channel(e.cfg.CaptureChannel)
	if err != nil {
		return audio.Frame{}, false, err
	}
	playback, err := in.Channel(e.cfg.PlaybackChannel)
	if err != nil {
		return audio.Frame{}, false, err
	}

	out, err := e.Cancel(capture, playback)
	if err != nil {
		return audio.Frame{}, false, err
	}

	return in.Derive(out), true, nil
}

// Cancel runs the filter over one block of capture and time-aligned playback
// samples and returns the echo-cancelled capture block.
func (e *EchoCanceller) Cancel(capture, playback []int16) ([]int16, error) {
	if len(capture) != len(playback) {
		return nil, fmt.Errorf("capture has %d samples, playback %d", len(capture), len(playback))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	taps := e.cfg.FilterLength
	n := len(capture)

	// ref = history ++ playback, so sample i sees ref[i .. i+taps-1]
	need := taps - 1 + n
	if cap(e.ref) < need {
		e.ref = make([]float64, need)
	}
	ref := e.ref[:need]
	copy(ref, e.history)
	for i, s := range playback {
		ref[taps-1+i] = float64(s)
	}

	out := make([]int16, n)
	for i := 0; i < n; i++ {
		base := i + taps - 1

		var y, power float64
		for k := 0; k < taps; k++ {
			x := ref[base-k]
			y += e.weights[k] * x
			power += x * x
		}

		err := float64(capture[i]) - y

		if power > 1e-10 {
			step := e.cfg.StepSize * err / power
			for k := 0; k < taps; k++ {
				e.weights[k] += step * ref[base-k]
			}
		}

		out[i] = audio.ClampInt16(err)
	}

	copy(e.history, ref[n:])
	return out, nil
}

// Reset clears the adaptive filter
func (e *EchoCanceller) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.weights {
		e.weights[i] = 0
	}
	for i := range e.history {
		e.history[i] = 0
	}
}
