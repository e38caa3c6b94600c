// go-voice: real-time voice front end for circular microphone arrays
// Cleans the audio, spots the wake word and turns toward the talker
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-voice/internal/assistant"
	"github.com/teslashibe/go-voice/internal/audio"
	"github.com/teslashibe/go-voice/internal/bridge"
	"github.com/teslashibe/go-voice/internal/capture"
	"github.com/teslashibe/go-voice/internal/config"
	"github.com/teslashibe/go-voice/internal/doa"
	"github.com/teslashibe/go-voice/internal/health"
	"github.com/teslashibe/go-voice/internal/observe"
	"github.com/teslashibe/go-voice/internal/pipeline"
	"github.com/teslashibe/go-voice/internal/server"
)

var (
	version     = "0.3.0"
	configPath  = flag.String("config", "/etc/go-voice/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useMock     = flag.Bool("mock", false, "use the synthetic microphone array (for testing)")
	listDevices = flag.Bool("list-devices", false, "list audio input devices and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-voice %s\n", version)
		os.Exit(0)
	}

	if *listDevices {
		os.Exit(printDevices())
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *useMock {
		cfg.Capture.Driver = "synthetic"
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting go-voice",
		"version", version,
		"config", *configPath,
		"driver", cfg.Capture.Driver,
		"port", cfg.Server.Port,
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, logger))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Metrics
	var (
		provider *observe.Provider
		metrics  *observe.Metrics
	)
	if cfg.Metrics.Enabled {
		p, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceVersion: version,
			RuntimeMetrics: cfg.Metrics.RuntimeMetrics,
			SetGlobal:      true,
		})
		if err != nil {
			logger.Error("failed to initialise metrics", "error", err)
			return 1
		}
		m, err := observe.NewMetrics(p.MeterProvider())
		if err != nil {
			logger.Error("failed to create instruments", "error", err)
			return 1
		}
		provider, metrics = p, m
	}

	// Capture
	device, err := newDevice(cfg, logger)
	if err != nil {
		logger.Error("capture device", "error", err)
		return 1
	}

	captureCfg := capture.DefaultConfig()
	captureCfg.Format = captureFormat(cfg)
	captureCfg.QueueSize = cfg.Capture.QueueSize
	if metrics != nil {
		captureCfg.OnOverrun = metrics.OverrunHook(nil)
	}

	src, err := capture.Open(device, captureCfg, logger)
	if err != nil {
		logger.Error("failed to open capture device", "error", err)
		return 1
	}
	defer src.Close()

	logger.Info("capture device ready",
		"device", device.Name(),
		"rate", cfg.Capture.Rate,
		"channels", cfg.Capture.Channels,
		"frame_size", cfg.Capture.FrameSize,
	)

	// Stages and direction estimation
	stages, kws, err := newStages(cfg, logger)
	if err != nil {
		logger.Error("failed to build stages", "error", err)
		return 1
	}

	estimator, err := newEstimator(cfg, logger)
	if err != nil {
		logger.Error("failed to build direction estimator", "error", err)
		return 1
	}

	builder := pipeline.NewBuilder(src).
		Chain(stages...).
		Link(estimator).
		WithConfig(pipeline.Config{Name: cfg.Pipeline.Name, ShutdownGrace: cfg.Pipeline.ShutdownGrace}).
		WithLogger(logger)
	if metrics != nil {
		builder = builder.WithMetrics(metrics)
	}
	pipe, err := builder.Build()
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		return 1
	}

	tracker := doa.NewTracker(estimator, trackerConfig(cfg), logger)

	// Actuation
	acts := newActuators(cfg, logger)
	defer acts.Close()

	br, err := bridge.New(estimator, acts.actuator, bridge.Config{
		OffsetDegrees:    cfg.Actuator.OffsetDegrees,
		QueueSize:        cfg.Actuator.QueueSize,
		ActuationTimeout: cfg.Actuator.Timeout,
	}, logger)
	if err != nil {
		logger.Error("failed to create bridge", "error", err)
		return 1
	}
	kws.OnDetection(br.OnDetected)

	// Health
	checker := health.NewChecker(version)
	checker.Register("capture", true, func() (bool, string) {
		if !src.Running() {
			return false, "capture stopped"
		}
		return true, ""
	})
	checker.Register("pipeline", true, func() (bool, string) {
		if state := pipe.State(); state != pipeline.Running {
			return false, "pipeline " + state.String()
		}
		return true, ""
	})
	checker.Register("doa", false, func() (bool, string) {
		if !estimator.Healthy() {
			return false, "estimator closed"
		}
		return true, ""
	})
	if acts.ring != nil {
		checker.Register("ledring", false, func() (bool, string) {
			return acts.ring.Healthy(), ""
		})
	}
	if acts.webhook != nil {
		checker.Register("webhook", false, func() (bool, string) {
			return acts.webhook.IsHealthy(ctx), ""
		})
	}

	// Assistant link
	var link *assistant.Client
	if cfg.Assistant.Enabled {
		acfg := assistant.DefaultConfig()
		acfg.URL = cfg.Assistant.URL
		acfg.ReconnectBackoff = cfg.Assistant.ReconnectBackoff
		acfg.MaxBackoff = cfg.Assistant.MaxBackoff
		acfg.PingInterval = cfg.Assistant.PingInterval

		link = assistant.NewClient(acfg, logger)
		link.OnState(br.Indicate)
		br.AddNotifier(link)

		if err := link.Connect(ctx); err != nil {
			logger.Error("failed to start assistant link", "error", err)
			return 1
		}
		defer link.Close()

		checker.Register("assistant", false, func() (bool, string) {
			if !link.IsConnected() {
				return false, "disconnected"
			}
			return true, ""
		})
	}

	// HTTP server
	opts := server.Options{
		Config:     cfg,
		Tracker:    tracker,
		Estimator:  estimator,
		Pipeline:   pipe,
		Detections: br,
		Health:     checker,
		Version:    version,
		Logger:     logger,
	}
	if metrics != nil {
		opts.Metrics = metrics
		opts.MetricsHandler = provider.Handler()
		br.AddNotifier(metrics)
	}
	srv := server.New(opts)
	br.AddNotifier(srv.WSHub())

	// Start in dependency order: consumers before the source
	go br.Run(ctx)

	go func() {
		if err := tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("tracker error", "error", err)
		}
	}()

	if err := pipe.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		return 1
	}
	if err := src.Start(ctx); err != nil {
		logger.Error("failed to start capture", "error", err)
		pipe.Stop(context.Background())
		return 1
	}

	go srv.WSHub().Run(ctx)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	printStartupBanner(cfg, version)

	// Wait for a signal or a fatal pipeline error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-pipe.Done():
		logger.Error("pipeline exited", "error", pipe.Err())
	}

	return shutdown(cfg, logger, pipe, src, tracker, br, srv, provider)
}

// shutdown stops components in reverse data-flow order
func shutdown(cfg *config.Config, logger *slog.Logger, pipe *pipeline.Pipeline, src *capture.Source,
	tracker *doa.Tracker, br *bridge.Bridge, srv *server.Server, provider *observe.Provider) int {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer shutdownCancel()

	code := 0

	logger.Info("stopping pipeline...")
	if err := pipe.Stop(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown error", "error", err)
		if errors.Is(err, audio.ErrShutdownTimeout) {
			code = 1
		}
	}

	logger.Info("stopping capture...")
	if err := src.Close(); err != nil {
		logger.Warn("capture close error", "error", err)
	}

	tracker.Stop()

	if err := br.Off(shutdownCtx); err != nil {
		logger.Warn("actuator off error", "error", err)
	}

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	if provider != nil {
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown error", "error", err)
		}
	}

	logger.Info("go-voice stopped")
	return code
}

func printDevices() int {
	devices, err := capture.ListInputDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list devices: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no input devices found")
		return 0
	}
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s %2d  %-40s  %d channels\n", marker, d.Index, d.Name, d.Channels)
	}
	return 0
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("🎙  go-voice v" + version)
	fmt.Println("   Voice front end for microphone arrays")
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health                - Health check")
	fmt.Println("   GET  /api/doa               - Tracked direction")
	fmt.Println("   GET  /api/direction         - Instant direction estimate")
	fmt.Println("   GET  /api/pipeline          - Pipeline statistics")
	fmt.Println("   GET  /api/detections/last   - Last wake word")
	fmt.Println("   GET  /api/stats             - All statistics")
	fmt.Println("   WS   /api/events            - DOA and wake word stream")
	fmt.Println("   GET  /metrics               - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
