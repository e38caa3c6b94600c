package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-voice/internal/bridge"
	"github.com/teslashibe/go-voice/internal/config"
	"github.com/teslashibe/go-voice/internal/doa"
	"github.com/teslashibe/go-voice/internal/health"
	"github.com/teslashibe/go-voice/internal/observe"
	"github.com/teslashibe/go-voice/internal/pipeline"
	"github.com/teslashibe/go-voice/internal/stage"
)

type fakeSource struct {
	polls atomic.Int64
}

func (s *fakeSource) GetDOA(ctx context.Context) (doa.Reading, error) {
	s.polls.Add(1)
	return doa.Reading{
		Azimuth:    120,
		Confidence: 0.8,
		Speaking:   true,
		Timestamp:  time.Now(),
	}, nil
}

func (s *fakeSource) Close() error  { return nil }
func (s *fakeSource) Healthy() bool { return true }
func (s *fakeSource) Name() string  { return "fake" }

type fakeEstimator struct{}

func (fakeEstimator) Estimate() doa.AzimuthEstimate {
	return doa.AzimuthEstimate{Degrees: 45, Confidence: 0.5, Frames: 20}
}

func (fakeEstimator) Stats() doa.EstimatorStats {
	return doa.EstimatorStats{Ingested: 20}
}

type fakePipeline struct{}

func (fakePipeline) Stats() pipeline.Stats {
	return pipeline.Stats{Name: "voice", FramesIn: 10, FramesOut: 10}
}

type fakeDetections struct {
	last *bridge.Detection
}

func (f fakeDetections) LastDetection() (bridge.Detection, bool) {
	if f.last == nil {
		return bridge.Detection{}, false
	}
	return *f.last, true
}

func (f fakeDetections) Stats() bridge.Stats {
	return bridge.Stats{Actuator: "log"}
}

func setupTestServer(t *testing.T, mutate func(*Options)) (*Server, *doa.Tracker) {
	t.Helper()

	trackerCfg := doa.DefaultTrackerConfig()
	trackerCfg.PollInterval = 10 * time.Millisecond

	logger := slog.Default()
	tracker := doa.NewTracker(&fakeSource{}, trackerCfg, logger)

	opts := Options{
		Config:     config.Default(),
		Tracker:    tracker,
		Estimator:  fakeEstimator{},
		Pipeline:   fakePipeline{},
		Detections: fakeDetections{},
		Version:    "test",
		Logger:     logger,
	}
	if mutate != nil {
		mutate(&opts)
	}

	return New(opts), tracker
}

func get(t *testing.T, s *Server, path string) (int, []byte) {
	t.Helper()

	req := httptest.NewRequest("GET", path, nil)
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestServer_Health(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	code, body := get(t, server, "/health")
	if code != 200 {
		t.Errorf("expected status 200, got %d", code)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if result["version"] != "test" {
		t.Errorf("expected version 'test', got %v", result["version"])
	}

	if _, ok := result["uptime_seconds"]; !ok {
		t.Error("expected uptime_seconds in response")
	}
}

func TestServer_HealthUnhealthy(t *testing.T) {
	checker := health.NewChecker("test")
	checker.Register("capture", true, func() (bool, string) { return false, "device lost" })

	server, _ := setupTestServer(t, func(o *Options) { o.Health = checker })

	code, body := get(t, server, "/health")
	if code != 503 {
		t.Errorf("expected status 503, got %d", code)
	}

	var status health.Status
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if status.Status != health.StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", status.Status)
	}
	if status.Components["capture"].Message != "device lost" {
		t.Errorf("unexpected component: %+v", status.Components["capture"])
	}
}

func TestServer_DOA(t *testing.T) {
	server, tracker := setupTestServer(t, nil)

	go tracker.Run(t.Context())
	defer tracker.Stop()
	time.Sleep(50 * time.Millisecond)

	code, body := get(t, server, "/api/doa")
	if code != 200 {
		t.Errorf("expected status 200, got %d", code)
	}

	var result doa.Result
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if result.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
	if result.Azimuth != 120 {
		t.Errorf("expected azimuth 120, got %v", result.Azimuth)
	}
}

func TestServer_Direction(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	code, body := get(t, server, "/api/direction")
	if code != 200 {
		t.Fatalf("expected status 200, got %d", code)
	}

	var est doa.AzimuthEstimate
	if err := json.Unmarshal(body, &est); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if est.Degrees != 45 || est.Frames != 20 {
		t.Errorf("unexpected estimate: %+v", est)
	}
}

func TestServer_MissingComponents(t *testing.T) {
	server, _ := setupTestServer(t, func(o *Options) {
		o.Tracker = nil
		o.Estimator = nil
		o.Pipeline = nil
		o.Detections = nil
	})

	for _, path := range []string{"/api/doa", "/api/direction", "/api/pipeline", "/api/detections/last"} {
		if code, _ := get(t, server, path); code != 503 {
			t.Errorf("%s: expected 503, got %d", path, code)
		}
	}
}

func TestServer_LastDetection(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	if code, _ := get(t, server, "/api/detections/last"); code != 404 {
		t.Errorf("expected 404 before any detection, got %d", code)
	}

	last := &bridge.Detection{
		DetectionEvent: stage.DetectionEvent{Keyword: "snowboy", Sequence: 42, Confidence: 0.9},
		Azimuth:        200,
	}
	server, _ = setupTestServer(t, func(o *Options) { o.Detections = fakeDetections{last: last} })

	code, body := get(t, server, "/api/detections/last")
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}

	var d bridge.Detection
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if d.Keyword != "snowboy" || d.Sequence != 42 || d.Azimuth != 200 {
		t.Errorf("unexpected detection: %+v", d)
	}
}

func TestServer_Stats(t *testing.T) {
	server, tracker := setupTestServer(t, nil)

	go tracker.Run(t.Context())
	defer tracker.Stop()
	time.Sleep(50 * time.Millisecond)

	code, body := get(t, server, "/api/stats")
	if code != 200 {
		t.Errorf("expected status 200, got %d", code)
	}

	var stats struct {
		Tracker   doa.TrackerStats   `json:"tracker"`
		Estimator doa.EstimatorStats `json:"estimator"`
		Pipeline  pipeline.Stats     `json:"pipeline"`
		Bridge    bridge.Stats       `json:"bridge"`
		Clients   int                `json:"websocket_clients"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if stats.Tracker.PollCount == 0 {
		t.Error("expected non-zero poll count")
	}
	if stats.Pipeline.FramesIn != 10 {
		t.Errorf("expected pipeline frames_in 10, got %d", stats.Pipeline.FramesIn)
	}
	if stats.Bridge.Actuator != "log" {
		t.Errorf("expected bridge actuator log, got %q", stats.Bridge.Actuator)
	}
}

func TestServer_Metrics(t *testing.T) {
	provider, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer provider.Shutdown(context.Background())

	metrics, err := observe.NewMetrics(provider.MeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	server, _ := setupTestServer(t, func(o *Options) {
		o.Metrics = metrics
		o.MetricsHandler = provider.Handler()
	})

	// Generate one request so the HTTP histogram has a sample
	get(t, server, "/api/pipeline")

	code, body := get(t, server, "/metrics")
	if code != 200 {
		t.Errorf("expected status 200, got %d", code)
	}

	if !strings.Contains(string(body), "govoice_http_request_duration") {
		t.Errorf("expected http request metric in response:\n%s", body)
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	if code, _ := get(t, server, "/metrics"); code != 404 {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestServer_Config(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	code, body := get(t, server, "/api/config")
	if code != 200 {
		t.Errorf("expected status 200, got %d", code)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	serverCfg := result["server"].(map[string]interface{})
	if serverCfg["port"].(float64) != 9000 {
		t.Errorf("expected port 9000, got %v", serverCfg["port"])
	}

	doaCfg := result["doa"].(map[string]interface{})
	if doaCfg["chunks"].(float64) != 20 {
		t.Errorf("expected chunks 20, got %v", doaCfg["chunks"])
	}
}

func TestServer_Events_UpgradeRequired(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	// Non-WebSocket request should get 426
	if code, _ := get(t, server, "/api/events"); code != 426 {
		t.Errorf("expected status 426, got %d", code)
	}
}
