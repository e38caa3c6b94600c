// Package config provides configuration management for go-voice
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Echo      EchoConfig      `mapstructure:"echo"`
	Noise     NoiseConfig     `mapstructure:"noise"`
	Keyword   KeywordConfig   `mapstructure:"keyword"`
	DOA       DOAConfig       `mapstructure:"doa"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Actuator  ActuatorConfig  `mapstructure:"actuator"`
	Assistant AssistantConfig `mapstructure:"assistant"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	BroadcastHz     int           `mapstructure:"broadcast_hz"` // WebSocket DOA rate
}

// CaptureConfig configures the frame source
type CaptureConfig struct {
	Driver    string `mapstructure:"driver"`  // portaudio, arecord, synthetic
	Device    string `mapstructure:"device"`  // Device name ("" = default)
	Command   string `mapstructure:"command"` // arecord binary
	Rate      int    `mapstructure:"rate"`
	FrameSize int    `mapstructure:"frame_size"`
	Channels  int    `mapstructure:"channels"`
	QueueSize int    `mapstructure:"queue_size"`

	Synthetic SyntheticConfig `mapstructure:"synthetic"`
}

// SyntheticConfig configures the simulated array used with -mock
type SyntheticConfig struct {
	Azimuth         float64       `mapstructure:"azimuth"`
	Level           float64       `mapstructure:"level"`
	EchoLevel       float64       `mapstructure:"echo_level"`
	Coupling        float64       `mapstructure:"coupling"`
	NoiseLevel      float64       `mapstructure:"noise_level"`
	UtteranceEvery  time.Duration `mapstructure:"utterance_every"`
	UtteranceLength time.Duration `mapstructure:"utterance_length"`
}

// EchoConfig configures acoustic echo cancellation
type EchoConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	CaptureChannel  int     `mapstructure:"capture_channel"`
	PlaybackChannel int     `mapstructure:"playback_channel"`
	FilterLength    int     `mapstructure:"filter_length"`
	StepSize        float64 `mapstructure:"step_size"`
}

// NoiseConfig configures noise suppression
type NoiseConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	FloorDB   float64 `mapstructure:"floor_db"`
	NoiseRise float64 `mapstructure:"noise_rise"`
	NoiseFall float64 `mapstructure:"noise_fall"`
}

// KeywordConfig configures wake word detection
type KeywordConfig struct {
	Model       string  `mapstructure:"model"`
	Keyword     string  `mapstructure:"keyword"`
	Sensitivity float64 `mapstructure:"sensitivity"`
	Verbose     bool    `mapstructure:"verbose"`

	Energy EnergyConfig `mapstructure:"energy"`
}

// EnergyConfig tunes the energy classifier
type EnergyConfig struct {
	Reference float64 `mapstructure:"reference"`
	Gate      float64 `mapstructure:"gate"`
	Attack    int     `mapstructure:"attack"`
	Hold      int     `mapstructure:"hold"`
}

// DOAConfig configures direction estimation and tracking
type DOAConfig struct {
	Chunks        int     `mapstructure:"chunks"`
	MicChannels   []int   `mapstructure:"mic_channels"`
	Radius        float64 `mapstructure:"radius"`
	OffsetDegrees float64 `mapstructure:"offset_degrees"`
	Interp        int     `mapstructure:"interp"`
	MinFreq       float64 `mapstructure:"min_freq"`
	MaxFreq       float64 `mapstructure:"max_freq"`
	SpeechRMS     float64 `mapstructure:"speech_rms"`

	PollHz          int     `mapstructure:"poll_hz"`
	SpeakingLatchMs int     `mapstructure:"speaking_latch_ms"`
	EMAAlpha        float64 `mapstructure:"ema_alpha"`
	HistorySize     int     `mapstructure:"history_size"`

	Confidence ConfidenceConfig `mapstructure:"confidence"`
}

// ConfidenceConfig configures confidence scoring
type ConfidenceConfig struct {
	Base           float64 `mapstructure:"base"`
	SpeakingBonus  float64 `mapstructure:"speaking_bonus"`
	StabilityBonus float64 `mapstructure:"stability_bonus"`
	PeakWeight     float64 `mapstructure:"peak_weight"`
	StableDegrees  float64 `mapstructure:"stable_degrees"`
}

// PipelineConfig configures the processing pipeline
type PipelineConfig struct {
	Name          string        `mapstructure:"name"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// ActuatorConfig configures wake-up actuation
type ActuatorConfig struct {
	Kinds         []string      `mapstructure:"kinds"` // log, ledring, webhook
	OffsetDegrees float64       `mapstructure:"offset_degrees"`
	QueueSize     int           `mapstructure:"queue_size"`
	Timeout       time.Duration `mapstructure:"timeout"`

	LEDRing LEDRingConfig `mapstructure:"ledring"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// LEDRingConfig configures the USB pixel ring
type LEDRingConfig struct {
	Brightness int    `mapstructure:"brightness"`
	Idle       string `mapstructure:"idle"` // off, trace, spin
}

// WebhookConfig configures the HTTP actuator
type WebhookConfig struct {
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimitHz int           `mapstructure:"rate_limit_hz"`
}

// AssistantConfig configures the voice assistant link
type AssistantConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
}

// MetricsConfig configures metric export
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	RuntimeMetrics bool `mapstructure:"runtime_metrics"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
			BroadcastHz:     10,
		},
		Capture: CaptureConfig{
			Driver:    "portaudio",
			Command:   "arecord",
			Rate:      16000,
			FrameSize: 320,
			Channels:  8,
			QueueSize: 16,
			Synthetic: SyntheticConfig{
				Azimuth:         90,
				Level:           3000,
				NoiseLevel:      30,
				UtteranceEvery:  4 * time.Second,
				UtteranceLength: 1500 * time.Millisecond,
			},
		},
		Echo: EchoConfig{
			Enabled:         true,
			CaptureChannel:  0,
			PlaybackChannel: 6,
			FilterLength:    256,
			StepSize:        0.1,
		},
		Noise: NoiseConfig{
			Enabled:   true,
			FloorDB:   -20,
			NoiseRise: 0.005,
			NoiseFall: 0.2,
		},
		Keyword: KeywordConfig{
			Model:       "energy",
			Keyword:     "snowboy",
			Sensitivity: 0.5,
			Energy: EnergyConfig{
				Reference: 2000,
				Gate:      0.3,
				Attack:    5,
				Hold:      10,
			},
		},
		DOA: DOAConfig{
			Chunks:          20,
			MicChannels:     []int{0, 1, 2, 3, 4, 5},
			Radius:          0.0463,
			Interp:          8,
			MinFreq:         300,
			MaxFreq:         3500,
			SpeechRMS:       200,
			PollHz:          10,
			SpeakingLatchMs: 500,
			EMAAlpha:        0.3,
			HistorySize:     100,
			Confidence: ConfidenceConfig{
				Base:           0.2,
				SpeakingBonus:  0.3,
				StabilityBonus: 0.2,
				PeakWeight:     0.3,
				StableDegrees:  10,
			},
		},
		Pipeline: PipelineConfig{
			Name:          "voice",
			ShutdownGrace: 2 * time.Second,
		},
		Actuator: ActuatorConfig{
			Kinds:     []string{"log"},
			QueueSize: 8,
			Timeout:   time.Second,
			LEDRing: LEDRingConfig{
				Brightness: 8,
				Idle:       "off",
			},
			Webhook: WebhookConfig{
				URL:         "http://localhost:8000",
				Timeout:     2 * time.Second,
				RateLimitHz: 2,
			},
		},
		Assistant: AssistantConfig{
			URL:              "ws://localhost:8080/ws/device",
			ReconnectBackoff: time.Second,
			MaxBackoff:       30 * time.Second,
			PingInterval:     10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			RuntimeMetrics: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment. A missing file is
// not an error; a malformed one is.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	// Environment variable overrides, e.g. GOVOICE_SERVER_PORT
	v.SetEnvPrefix("GOVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.graceful_timeout", d.Server.GracefulTimeout)
	v.SetDefault("server.broadcast_hz", d.Server.BroadcastHz)

	// Capture defaults
	v.SetDefault("capture.driver", d.Capture.Driver)
	v.SetDefault("capture.device", d.Capture.Device)
	v.SetDefault("capture.command", d.Capture.Command)
	v.SetDefault("capture.rate", d.Capture.Rate)
	v.SetDefault("capture.frame_size", d.Capture.FrameSize)
	v.SetDefault("capture.channels", d.Capture.Channels)
	v.SetDefault("capture.queue_size", d.Capture.QueueSize)
	v.SetDefault("capture.synthetic.azimuth", d.Capture.Synthetic.Azimuth)
	v.SetDefault("capture.synthetic.level", d.Capture.Synthetic.Level)
	v.SetDefault("capture.synthetic.echo_level", d.Capture.Synthetic.EchoLevel)
	v.SetDefault("capture.synthetic.coupling", d.Capture.Synthetic.Coupling)
	v.SetDefault("capture.synthetic.noise_level", d.Capture.Synthetic.NoiseLevel)
	v.SetDefault("capture.synthetic.utterance_every", d.Capture.Synthetic.UtteranceEvery)
	v.SetDefault("capture.synthetic.utterance_length", d.Capture.Synthetic.UtteranceLength)

	// Stage defaults
	v.SetDefault("echo.enabled", d.Echo.Enabled)
	v.SetDefault("echo.capture_channel", d.Echo.CaptureChannel)
	v.SetDefault("echo.playback_channel", d.Echo.PlaybackChannel)
	v.SetDefault("echo.filter_length", d.Echo.FilterLength)
	v.SetDefault("echo.step_size", d.Echo.StepSize)

	v.SetDefault("noise.enabled", d.Noise.Enabled)
	v.SetDefault("noise.floor_db", d.Noise.FloorDB)
	v.SetDefault("noise.noise_rise", d.Noise.NoiseRise)
	v.SetDefault("noise.noise_fall", d.Noise.NoiseFall)

	v.SetDefault("keyword.model", d.Keyword.Model)
	v.SetDefault("keyword.keyword", d.Keyword.Keyword)
	v.SetDefault("keyword.sensitivity", d.Keyword.Sensitivity)
	v.SetDefault("keyword.verbose", d.Keyword.Verbose)
	v.SetDefault("keyword.energy.reference", d.Keyword.Energy.Reference)
	v.SetDefault("keyword.energy.gate", d.Keyword.Energy.Gate)
	v.SetDefault("keyword.energy.attack", d.Keyword.Energy.Attack)
	v.SetDefault("keyword.energy.hold", d.Keyword.Energy.Hold)

	// DOA defaults
	v.SetDefault("doa.chunks", d.DOA.Chunks)
	v.SetDefault("doa.mic_channels", d.DOA.MicChannels)
	v.SetDefault("doa.radius", d.DOA.Radius)
	v.SetDefault("doa.offset_degrees", d.DOA.OffsetDegrees)
	v.SetDefault("doa.interp", d.DOA.Interp)
	v.SetDefault("doa.min_freq", d.DOA.MinFreq)
	v.SetDefault("doa.max_freq", d.DOA.MaxFreq)
	v.SetDefault("doa.speech_rms", d.DOA.SpeechRMS)
	v.SetDefault("doa.poll_hz", d.DOA.PollHz)
	v.SetDefault("doa.speaking_latch_ms", d.DOA.SpeakingLatchMs)
	v.SetDefault("doa.ema_alpha", d.DOA.EMAAlpha)
	v.SetDefault("doa.history_size", d.DOA.HistorySize)
	v.SetDefault("doa.confidence.base", d.DOA.Confidence.Base)
	v.SetDefault("doa.confidence.speaking_bonus", d.DOA.Confidence.SpeakingBonus)
	v.SetDefault("doa.confidence.stability_bonus", d.DOA.Confidence.StabilityBonus)
	v.SetDefault("doa.confidence.peak_weight", d.DOA.Confidence.PeakWeight)
	v.SetDefault("doa.confidence.stable_degrees", d.DOA.Confidence.StableDegrees)

	// Pipeline defaults
	v.SetDefault("pipeline.name", d.Pipeline.Name)
	v.SetDefault("pipeline.shutdown_grace", d.Pipeline.ShutdownGrace)

	// Actuator defaults
	v.SetDefault("actuator.kinds", d.Actuator.Kinds)
	v.SetDefault("actuator.offset_degrees", d.Actuator.OffsetDegrees)
	v.SetDefault("actuator.queue_size", d.Actuator.QueueSize)
	v.SetDefault("actuator.timeout", d.Actuator.Timeout)
	v.SetDefault("actuator.ledring.brightness", d.Actuator.LEDRing.Brightness)
	v.SetDefault("actuator.ledring.idle", d.Actuator.LEDRing.Idle)
	v.SetDefault("actuator.webhook.url", d.Actuator.Webhook.URL)
	v.SetDefault("actuator.webhook.timeout", d.Actuator.Webhook.Timeout)
	v.SetDefault("actuator.webhook.rate_limit_hz", d.Actuator.Webhook.RateLimitHz)

	// Assistant defaults
	v.SetDefault("assistant.enabled", d.Assistant.Enabled)
	v.SetDefault("assistant.url", d.Assistant.URL)
	v.SetDefault("assistant.reconnect_backoff", d.Assistant.ReconnectBackoff)
	v.SetDefault("assistant.max_backoff", d.Assistant.MaxBackoff)
	v.SetDefault("assistant.ping_interval", d.Assistant.PingInterval)

	// Metrics defaults
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.runtime_metrics", d.Metrics.RuntimeMetrics)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

var (
	drivers   = map[string]bool{"portaudio": true, "arecord": true, "synthetic": true}
	actuators = map[string]bool{"log": true, "ledring": true, "webhook": true}
)

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.BroadcastHz < 1 || c.Server.BroadcastHz > 100 {
		return fmt.Errorf("broadcast_hz must be between 1 and 100, got %d", c.Server.BroadcastHz)
	}

	if !drivers[c.Capture.Driver] {
		return fmt.Errorf("unknown capture driver %q", c.Capture.Driver)
	}

	if c.Capture.Rate <= 0 || c.Capture.FrameSize <= 0 || c.Capture.Channels <= 0 {
		return fmt.Errorf("invalid capture format: rate=%d frame_size=%d channels=%d",
			c.Capture.Rate, c.Capture.FrameSize, c.Capture.Channels)
	}

	for _, ch := range c.DOA.MicChannels {
		if ch < 0 || ch >= c.Capture.Channels {
			return fmt.Errorf("doa mic channel %d outside %d capture channels", ch, c.Capture.Channels)
		}
	}

	if c.DOA.PollHz < 1 || c.DOA.PollHz > 100 {
		return fmt.Errorf("poll_hz must be between 1 and 100, got %d", c.DOA.PollHz)
	}

	if c.DOA.EMAAlpha < 0 || c.DOA.EMAAlpha > 1 {
		return fmt.Errorf("ema_alpha must be between 0 and 1, got %f", c.DOA.EMAAlpha)
	}

	if c.Keyword.Sensitivity < 0 || c.Keyword.Sensitivity > 1 {
		return fmt.Errorf("keyword sensitivity must be between 0 and 1, got %f", c.Keyword.Sensitivity)
	}

	if c.Pipeline.ShutdownGrace <= 0 {
		return fmt.Errorf("pipeline shutdown_grace must be positive, got %v", c.Pipeline.ShutdownGrace)
	}

	if len(c.Actuator.Kinds) == 0 {
		return fmt.Errorf("at least one actuator kind is required")
	}
	for _, kind := range c.Actuator.Kinds {
		if !actuators[kind] {
			return fmt.Errorf("unknown actuator %q", kind)
		}
	}

	if c.Actuator.LEDRing.Brightness < 0 || c.Actuator.LEDRing.Brightness > 31 {
		return fmt.Errorf("ledring brightness must be between 0 and 31, got %d", c.Actuator.LEDRing.Brightness)
	}
	switch c.Actuator.LEDRing.Idle {
	case "", "off", "trace", "spin":
	default:
		return fmt.Errorf("unknown ledring idle mode %q", c.Actuator.LEDRing.Idle)
	}

	if c.Assistant.Enabled && c.Assistant.URL == "" {
		return fmt.Errorf("assistant enabled without url")
	}

	return nil
}
