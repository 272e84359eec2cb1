package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

func TestPipelineFinished_CountsByStageAndResult(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.PipelineStarted(ctx)
	m.PipelineFinished(ctx, "complete", true, 1500*time.Millisecond)
	m.PipelineStarted(ctx)
	m.PipelineFinished(ctx, "transcription", false, time.Second)

	rm := collect(t, reader)
	runs := findMetric(rm, "reminder.pipeline.runs")
	if runs == nil {
		t.Fatal("reminder.pipeline.runs not found")
	}
	sum, ok := runs.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", runs.Data)
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("expected 2 attribute sets, got %d", len(sum.DataPoints))
	}

	inflight := findMetric(rm, "reminder.pipeline.in_flight")
	if inflight == nil {
		t.Fatal("in_flight not found")
	}
	g := inflight.Data.(metricdata.Sum[int64])
	if len(g.DataPoints) != 1 || g.DataPoints[0].Value != 0 {
		t.Fatalf("expected in-flight back to 0, got %+v", g.DataPoints)
	}

	hist := findMetric(rm, "reminder.pipeline.duration")
	if hist == nil {
		t.Fatal("duration not found")
	}
	h := hist.Data.(metricdata.Histogram[float64])
	var count uint64
	for _, dp := range h.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Fatalf("expected 2 observations, got %d", count)
	}
}

func TestMedicationAndFallbackCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.MedicationStatus(ctx, "aspirin", "taken")
	m.MedicationStatus(ctx, "aspirin", "taken")
	m.FallbackStep(ctx, "voicemail", false)

	rm := collect(t, reader)
	meds := findMetric(rm, "reminder.medication.statuses").Data.(metricdata.Sum[int64])
	if len(meds.DataPoints) != 1 || meds.DataPoints[0].Value != 2 {
		t.Fatalf("unexpected medication points %+v", meds.DataPoints)
	}
	if findMetric(rm, "reminder.fallback.steps") == nil {
		t.Fatal("fallback steps not found")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.PipelineStarted(ctx)
	m.PipelineFinished(ctx, "complete", true, time.Second)
	m.Transcribed(ctx, time.Second, true)
	m.MedicationStatus(ctx, "aspirin", "taken")
	m.FallbackStep(ctx, "sms", true)
}

func TestPrometheusProvider_ServesMetrics(t *testing.T) {
	mp, handler, err := NewPrometheusProvider("medication-reminder-test")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	m.FallbackStep(context.Background(), "sms", true)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "reminder_fallback_steps") {
		t.Fatalf("expected fallback counter in scrape output:\n%s", body)
	}
}
