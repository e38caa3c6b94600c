package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-voice/internal/audio"
	"github.com/teslashibe/go-voice/internal/bridge"
	"github.com/teslashibe/go-voice/internal/capture"
	"github.com/teslashibe/go-voice/internal/config"
	"github.com/teslashibe/go-voice/internal/doa"
	"github.com/teslashibe/go-voice/internal/ledring"
	"github.com/teslashibe/go-voice/internal/stage"
	"github.com/teslashibe/go-voice/internal/webhook"
)

func captureFormat(cfg *config.Config) audio.Format {
	return audio.Format{
		Rate:      cfg.Capture.Rate,
		FrameSize: cfg.Capture.FrameSize,
		Channels:  cfg.Capture.Channels,
	}
}

func geometry(cfg *config.Config) doa.Geometry {
	return doa.Geometry{
		Mics:          len(cfg.DOA.MicChannels),
		Radius:        cfg.DOA.Radius,
		OffsetDegrees: cfg.DOA.OffsetDegrees,
	}
}

// newDevice selects the capture driver
func newDevice(cfg *config.Config, logger *slog.Logger) (capture.Device, error) {
	switch cfg.Capture.Driver {
	case "portaudio":
		return capture.NewPortAudioDevice(cfg.Capture.Device, logger), nil
	case "arecord":
		return capture.NewARecordDevice(cfg.Capture.Command, cfg.Capture.Device, logger), nil
	case "synthetic":
		syn := cfg.Capture.Synthetic
		sc := capture.DefaultSyntheticConfig()
		sc.Geometry = geometry(cfg)
		sc.MicChannels = cfg.DOA.MicChannels
		sc.PlaybackChannels = []int{cfg.Echo.PlaybackChannel}
		sc.Azimuth = syn.Azimuth
		sc.Level = syn.Level
		sc.EchoLevel = syn.EchoLevel
		sc.Coupling = syn.Coupling
		sc.NoiseLevel = syn.NoiseLevel
		sc.UtteranceEvery = syn.UtteranceEvery
		sc.UtteranceLength = syn.UtteranceLength
		sc.Seed = time.Now().UnixNano()
		return capture.NewSyntheticDevice(sc), nil
	default:
		return nil, fmt.Errorf("unknown capture driver %q", cfg.Capture.Driver)
	}
}

// newStages builds the chain: echo (or channel select), noise, keyword
func newStages(cfg *config.Config, logger *slog.Logger) ([]stage.Stage, *stage.KeywordDetector, error) {
	var stages []stage.Stage

	if cfg.Echo.Enabled {
		echo, err := stage.NewEchoCanceller(stage.EchoConfig{
			Channels:        cfg.Capture.Channels,
			CaptureChannel:  cfg.Echo.CaptureChannel,
			PlaybackChannel: cfg.Echo.PlaybackChannel,
			FilterLength:    cfg.Echo.FilterLength,
			StepSize:        cfg.Echo.StepSize,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("echo canceller: %w", err)
		}
		stages = append(stages, echo)
	} else {
		stages = append(stages, stage.SelectChannel(cfg.Echo.CaptureChannel))
	}

	if cfg.Noise.Enabled {
		noise, err := stage.NewNoiseSuppressor(stage.NoiseConfig{
			Rate:      cfg.Capture.Rate,
			Channels:  1,
			FloorDB:   cfg.Noise.FloorDB,
			NoiseRise: cfg.Noise.NoiseRise,
			NoiseFall: cfg.Noise.NoiseFall,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("noise suppressor: %w", err)
		}
		stages = append(stages, noise)
	}

	var classifier stage.Classifier
	if cfg.Keyword.Model == "energy" {
		e := cfg.Keyword.Energy
		classifier = stage.NewEnergyClassifier(stage.EnergyConfig{
			Reference: e.Reference,
			Gate:      e.Gate,
			Attack:    e.Attack,
			Hold:      e.Hold,
		})
	} else {
		var err error
		if classifier, err = stage.NewClassifier(cfg.Keyword.Model); err != nil {
			return nil, nil, err
		}
	}

	kws, err := stage.NewKeywordDetector(stage.KeywordConfig{
		Model:       cfg.Keyword.Model,
		Keyword:     cfg.Keyword.Keyword,
		Sensitivity: cfg.Keyword.Sensitivity,
		Verbose:     cfg.Keyword.Verbose,
	}, classifier, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("keyword detector: %w", err)
	}
	stages = append(stages, kws)

	return stages, kws, nil
}

func newEstimator(cfg *config.Config, logger *slog.Logger) (*doa.Estimator, error) {
	return doa.NewEstimator(doa.EstimatorConfig{
		Rate:        cfg.Capture.Rate,
		Chunks:      cfg.DOA.Chunks,
		MicChannels: cfg.DOA.MicChannels,
		Geometry:    geometry(cfg),
		Interp:      cfg.DOA.Interp,
		MinFreq:     cfg.DOA.MinFreq,
		MaxFreq:     cfg.DOA.MaxFreq,
		SpeechRMS:   cfg.DOA.SpeechRMS,
	}, logger)
}

func trackerConfig(cfg *config.Config) doa.TrackerConfig {
	c := cfg.DOA
	return doa.TrackerConfig{
		PollInterval:     time.Second / time.Duration(c.PollHz),
		SpeakingLatchDur: time.Duration(c.SpeakingLatchMs) * time.Millisecond,
		EMAAlpha:         c.EMAAlpha,
		HistorySize:      c.HistorySize,
		Confidence: doa.ConfidenceConfig{
			Base:           c.Confidence.Base,
			SpeakingBonus:  c.Confidence.SpeakingBonus,
			StabilityBonus: c.Confidence.StabilityBonus,
			PeakWeight:     c.Confidence.PeakWeight,
			StableDegrees:  c.Confidence.StableDegrees,
		},
	}
}

// actuators holds the configured outputs and what they need on shutdown
type actuators struct {
	actuator bridge.Actuator
	ring     *ledring.Ring
	webhook  *webhook.Client
	closers  []func() error
}

func (a *actuators) Close() {
	for _, c := range a.closers {
		c()
	}
}

// newActuators builds every configured actuator. A missing LED ring is
// logged and skipped; when nothing remains the log actuator is used.
func newActuators(cfg *config.Config, logger *slog.Logger) *actuators {
	out := &actuators{}
	var multi bridge.Multi

	for _, kind := range cfg.Actuator.Kinds {
		switch kind {
		case "log":
			multi = append(multi, bridge.NewLogActuator(logger))

		case "ledring":
			open, closeUSB := ledring.USBOpener(logger)
			ringCfg := ledring.DefaultConfig()
			ringCfg.Brightness = uint8(cfg.Actuator.LEDRing.Brightness)
			ringCfg.Idle = ledring.IdleMode(cfg.Actuator.LEDRing.Idle)

			ring, err := ledring.New(open, ringCfg, logger)
			if err != nil {
				logger.Warn("LED ring unavailable", "error", err)
				closeUSB()
				continue
			}
			out.ring = ring
			out.closers = append(out.closers, ring.Close, closeUSB)
			multi = append(multi, ring)

		case "webhook":
			hook := webhook.NewClient(webhook.Config{
				BaseURL:     cfg.Actuator.Webhook.URL,
				Timeout:     cfg.Actuator.Webhook.Timeout,
				RateLimitHz: cfg.Actuator.Webhook.RateLimitHz,
			}, logger)
			out.webhook = hook
			multi = append(multi, hook)
		}
	}

	switch len(multi) {
	case 0:
		out.actuator = bridge.NewLogActuator(logger)
	case 1:
		out.actuator = multi[0]
	default:
		out.actuator = multi
	}
	return out
}
