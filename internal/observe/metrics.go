// Package observe records pipeline metrics through the OpenTelemetry
// metrics API and exposes them for Prometheus scraping.
//
// Tests should build Metrics with NewMetrics over their own meter provider
// to avoid cross-test pollution.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/teslashibe/go-voice/internal/audio"
	"github.com/teslashibe/go-voice/internal/bridge"
)

// meterName is the instrumentation scope for all go-voice metrics
const meterName = "github.com/teslashibe/go-voice"

// Metrics holds the metric instruments. It implements pipeline.Metrics and
// bridge.Notifier.
type Metrics struct {
	// FrameDuration is the time to run one frame through the stage chain
	FrameDuration metric.Float64Histogram

	// Frames counts frames by outcome: completed or terminated
	Frames metric.Int64Counter

	// StageDuration and StageErrors use attribute.String("stage", ...)
	StageDuration metric.Float64Histogram
	StageErrors   metric.Int64Counter

	// OverBudget counts frames slower than one frame period
	OverBudget metric.Int64Counter

	// Overruns counts frames dropped from subscriber queues
	Overruns metric.Int64Counter

	// Detections counts wake words by keyword
	Detections metric.Int64Counter

	// DetectionAzimuth is the bearing of the last wake word
	DetectionAzimuth metric.Float64Gauge

	// HTTPRequestDuration uses method, path and status attributes
	HTTPRequestDuration metric.Float64Histogram
}

// frameBuckets covers one 20 ms frame period at fine resolution
var frameBuckets = []float64{
	0.0005, 0.001, 0.002, 0.005, 0.01, 0.015, 0.02, 0.03, 0.05, 0.1,
}

// NewMetrics creates the instruments on mp
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FrameDuration, err = m.Float64Histogram("govoice.pipeline.frame.duration",
		metric.WithDescription("Time to run one frame through the stage chain."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("govoice.pipeline.frames",
		metric.WithDescription("Frames processed by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("govoice.stage.duration",
		metric.WithDescription("Stage processing latency by stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("govoice.stage.errors",
		metric.WithDescription("Stage failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.OverBudget, err = m.Int64Counter("govoice.pipeline.over_budget",
		metric.WithDescription("Frames that took longer than one frame period."),
	); err != nil {
		return nil, err
	}
	if met.Overruns, err = m.Int64Counter("govoice.capture.overruns",
		metric.WithDescription("Frames dropped from full subscriber queues by subscriber."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("govoice.keyword.detections",
		metric.WithDescription("Wake word detections by keyword."),
	); err != nil {
		return nil, err
	}
	if met.DetectionAzimuth, err = m.Float64Gauge("govoice.keyword.azimuth",
		metric.WithDescription("Bearing of the last wake word."),
		metric.WithUnit("deg"),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("govoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordFrame records one frame's chain latency and outcome
func (m *Metrics) RecordFrame(ctx context.Context, d time.Duration, completed bool) {
	outcome := "completed"
	if !completed {
		outcome = "terminated"
	}
	m.FrameDuration.Record(ctx, d.Seconds())
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordStage records one stage invocation
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.StageDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.StageErrors.Add(ctx, 1, attrs)
	}
}

// RecordOverBudget counts a frame slower than real time
func (m *Metrics) RecordOverBudget(ctx context.Context) {
	m.OverBudget.Add(ctx, 1)
}

// RecordOverrun counts a capture overrun; use it as the capture OnOverrun hook
func (m *Metrics) RecordOverrun(e *audio.OverrunError) {
	m.Overruns.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("subscriber", e.Subscriber)),
	)
}

// NotifyDetection records a wake word and its bearing
func (m *Metrics) NotifyDetection(d bridge.Detection) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("keyword", d.Keyword))
	m.Detections.Add(ctx, 1, attrs)
	m.DetectionAzimuth.Record(ctx, d.Azimuth, attrs)
}

// RecordHTTPRequest records one HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, d time.Duration) {
	m.HTTPRequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.Int("status", status),
		),
	)
}

// OverrunHook chains RecordOverrun with an existing hook
func (m *Metrics) OverrunHook(next func(*audio.OverrunError)) func(*audio.OverrunError) {
	return func(e *audio.OverrunError) {
		m.RecordOverrun(e)
		if next != nil {
			next(e)
		}
	}
}

