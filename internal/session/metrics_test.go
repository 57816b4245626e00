package session

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestControllerRecordsOnInjectedProviders(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meters := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tracers := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() {
		_ = meters.Shutdown(context.Background())
		_ = tracers.Shutdown(context.Background())
	})

	h := newHarness(t, func(d *Deps) {
		d.MeterProvider = meters
		d.TracerProvider = tracers
	})
	if err := h.ctrl.Toggle(); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	h.rec.last().handler(final("hello world"), nil)
	h.loop.flush()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := sumOf(rm, "loqa.mic.sessions.started"); got != 1 {
		t.Fatalf("expected one session started, got %d", got)
	}
	if got := sumOf(rm, "loqa.mic.sessions.ended"); got != 1 {
		t.Fatalf("expected one session ended, got %d", got)
	}

	ended := spans.Ended()
	if len(ended) != 1 || ended[0].Name() != "session.listen" {
		t.Fatalf("expected one finished session span, got %d", len(ended))
	}
}

func sumOf(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
