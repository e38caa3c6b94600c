package stage

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/teslashibe/go-voice/internal/audio"
)

func TestNoiseConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*NoiseConfig)
	}{
		{"zero rate", func(c *NoiseConfig) { c.Rate = 0 }},
		{"stereo", func(c *NoiseConfig) { c.Channels = 2 }},
		{"positive floor", func(c *NoiseConfig) { c.FloorDB = 3 }},
		{"zero rise", func(c *NoiseConfig) { c.NoiseRise = 0 }},
		{"fall above one", func(c *NoiseConfig) { c.NoiseFall = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultNoiseConfig()
			tt.modify(&cfg)

			if _, err := NewNoiseSuppressor(cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func noiseFrame(rng *rand.Rand, seq uint64, size int, sigma, toneAmp float64) audio.Frame {
	samples := make([]int16, size)
	for i := range samples {
		v := rng.NormFloat64() * sigma
		v += toneAmp * math.Sin(2*math.Pi*1000*float64(i)/16000)
		samples[i] = audio.ClampInt16(v)
	}
	return audio.Frame{Sequence: seq, Channels: 1, Samples: samples}
}

func TestNoiseSuppressor_AttenuatesStationaryNoise(t *testing.T) {
	ns, err := NewNoiseSuppressor(DefaultNoiseConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	rng := rand.New(rand.NewSource(3))

	var inEnergy, outEnergy float64
	for seq := uint64(1); seq <= 60; seq++ {
		in := noiseFrame(rng, seq, 320, 500, 0)
		out, ok, err := ns.Process(context.Background(), in)
		if err != nil || !ok {
			t.Fatalf("process: ok=%v err=%v", ok, err)
		}
		if seq > 40 {
			inEnergy += RMS(in.Samples)
			outEnergy += RMS(out.Samples)
		}
	}

	if ratio := outEnergy / inEnergy; ratio > 0.85 {
		t.Errorf("noise not attenuated: output/input rms ratio %.2f", ratio)
	}

	if floor := ns.NoiseFloor(); len(floor) != 161 {
		t.Errorf("expected 161 noise bins, got %d", len(floor))
	}
}

func TestNoiseSuppressor_PreservesLoudTone(t *testing.T) {
	ns, _ := NewNoiseSuppressor(DefaultNoiseConfig())
	rng := rand.New(rand.NewSource(5))

	for seq := uint64(1); seq <= 40; seq++ {
		ns.Process(context.Background(), noiseFrame(rng, seq, 320, 500, 0))
	}

	in := noiseFrame(rng, 41, 320, 500, 10000)
	out, _, err := ns.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if ratio := RMS(out.Samples) / RMS(in.Samples); ratio < 0.9 {
		t.Errorf("tone attenuated: ratio %.2f", ratio)
	}
	if out.Sequence != 41 || out.Channels != 1 {
		t.Errorf("unexpected output frame %+v", out.Sequence)
	}
}

func TestNoiseSuppressor_Errors(t *testing.T) {
	ns, _ := NewNoiseSuppressor(DefaultNoiseConfig())

	stereo := audio.Frame{Channels: 2, Samples: make([]int16, 640)}
	if _, _, err := ns.Process(context.Background(), stereo); !errors.Is(err, ErrUnexpectedChannels) {
		t.Errorf("expected ErrUnexpectedChannels, got %v", err)
	}

	out, ok, err := ns.Process(context.Background(), audio.Frame{Sequence: 9, Channels: 1})
	if err != nil || !ok || len(out.Samples) != 0 {
		t.Errorf("empty frame: ok=%v err=%v len=%d", ok, err, len(out.Samples))
	}
}

func TestNoiseSuppressor_FrameSizeChange(t *testing.T) {
	ns, _ := NewNoiseSuppressor(DefaultNoiseConfig())
	rng := rand.New(rand.NewSource(9))

	ns.Process(context.Background(), noiseFrame(rng, 1, 320, 500, 0))
	out, _, err := ns.Process(context.Background(), noiseFrame(rng, 2, 256, 500, 0))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out.Samples) != 256 {
		t.Errorf("expected 256 samples, got %d", len(out.Samples))
	}
	if len(ns.NoiseFloor()) != 129 {
		t.Errorf("expected 129 bins after resize, got %d", len(ns.NoiseFloor()))
	}
}
