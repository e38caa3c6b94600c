package observe

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/teslashibe/go-voice/internal/audio"
	"github.com/teslashibe/go-voice/internal/bridge"
	"github.com/teslashibe/go-voice/internal/stage"
)

// newTestMetrics returns Metrics backed by a ManualReader for inspection
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue sums the data points of an Int64 counter matching attr
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %s not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is %T, want Sum[int64]", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, 3*time.Millisecond, true)
	m.RecordFrame(ctx, 4*time.Millisecond, true)
	m.RecordFrame(ctx, time.Millisecond, false)

	rm := collect(t, reader)

	if got := counterValue(t, rm, "govoice.pipeline.frames", attribute.String("outcome", "completed")); got != 2 {
		t.Errorf("completed = %d, want 2", got)
	}
	if got := counterValue(t, rm, "govoice.pipeline.frames", attribute.String("outcome", "terminated")); got != 1 {
		t.Errorf("terminated = %d, want 1", got)
	}

	h := findMetric(rm, "govoice.pipeline.frame.duration")
	if h == nil {
		t.Fatal("frame duration histogram not found")
	}
	hist := h.Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Count != 3 {
		t.Errorf("histogram count = %d, want 3", hist.DataPoints[0].Count)
	}
}

func TestRecordStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStage(ctx, "echo", time.Millisecond, nil)
	m.RecordStage(ctx, "noise", time.Millisecond, errors.New("bad frame"))
	m.RecordStage(ctx, "noise", time.Millisecond, errors.New("bad frame"))

	rm := collect(t, reader)

	if got := counterValue(t, rm, "govoice.stage.errors", attribute.String("stage", "noise")); got != 2 {
		t.Errorf("noise errors = %d, want 2", got)
	}
	if got := counterValue(t, rm, "govoice.stage.errors", attribute.String("stage", "echo")); got != 0 {
		t.Errorf("echo errors = %d, want 0", got)
	}
}

func TestOverrunHook(t *testing.T) {
	m, reader := newTestMetrics(t)

	var chained int
	hook := m.OverrunHook(func(*audio.OverrunError) { chained++ })
	hook(&audio.OverrunError{Subscriber: "doa", Sequence: 4})
	hook(&audio.OverrunError{Subscriber: "doa", Sequence: 5})
	m.OverrunHook(nil)(&audio.OverrunError{Subscriber: "pipeline"})

	rm := collect(t, reader)

	if got := counterValue(t, rm, "govoice.capture.overruns", attribute.String("subscriber", "doa")); got != 2 {
		t.Errorf("doa overruns = %d, want 2", got)
	}
	if chained != 2 {
		t.Errorf("chained hook called %d times, want 2", chained)
	}
}

func TestNotifyDetection(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.NotifyDetection(bridge.Detection{
		DetectionEvent: stage.DetectionEvent{Keyword: "snowboy"},
		Azimuth:        270,
	})

	rm := collect(t, reader)

	if got := counterValue(t, rm, "govoice.keyword.detections", attribute.String("keyword", "snowboy")); got != 1 {
		t.Errorf("detections = %d, want 1", got)
	}

	g := findMetric(rm, "govoice.keyword.azimuth")
	if g == nil {
		t.Fatal("azimuth gauge not found")
	}
	gauge := g.Data.(metricdata.Gauge[float64])
	if gauge.DataPoints[0].Value != 270 {
		t.Errorf("azimuth = %v, want 270", gauge.DataPoints[0].Value)
	}
}

func TestProvider_ServesPrometheus(t *testing.T) {
	p, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.MeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordOverBudget(context.Background())

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "govoice_pipeline_over_budget") {
		t.Errorf("expected over budget counter in output:\n%s", body)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
