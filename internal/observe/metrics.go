// Package observe records pipeline and fallback metrics through the
// OpenTelemetry Metrics API and exposes them for Prometheus scraping.
//
// Tests should build [Metrics] with [NewMetrics] over a ManualReader-backed
// provider to avoid cross-test pollution.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "medication-reminder"

// Metrics holds the metric instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// PipelineRuns counts finished pipeline runs. Attributes: stage, result.
	PipelineRuns metric.Int64Counter

	// PipelineDuration tracks end-to-end pipeline latency. Attribute: result.
	PipelineDuration metric.Float64Histogram

	// TranscriptionDuration tracks the provider transcription call alone.
	TranscriptionDuration metric.Float64Histogram

	// MedicationStatuses counts extracted statuses. Attributes: medication, status.
	MedicationStatuses metric.Int64Counter

	// FallbackSteps counts voicemail and SMS attempts. Attributes: step, result.
	FallbackSteps metric.Int64Counter

	// PipelinesInFlight tracks concurrently running pipelines.
	PipelinesInFlight metric.Int64UpDownCounter
}

// latencyBuckets covers a recording grace wait plus a slow transcription.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20, 45,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PipelineRuns, err = m.Int64Counter("reminder.pipeline.runs",
		metric.WithDescription("Finished response pipeline runs by terminal stage and result."),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("reminder.pipeline.duration",
		metric.WithDescription("Latency of a full response pipeline run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("reminder.transcription.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MedicationStatuses, err = m.Int64Counter("reminder.medication.statuses",
		metric.WithDescription("Extracted medication statuses by medication and status."),
	); err != nil {
		return nil, err
	}
	if met.FallbackSteps, err = m.Int64Counter("reminder.fallback.steps",
		metric.WithDescription("Voicemail and SMS fallback attempts by step and result."),
	); err != nil {
		return nil, err
	}
	if met.PipelinesInFlight, err = m.Int64UpDownCounter("reminder.pipeline.in_flight",
		metric.WithDescription("Number of response pipelines currently running."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *Metrics) PipelineStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.PipelinesInFlight.Add(ctx, 1)
}

// PipelineFinished records the terminal stage ("complete" on success) and latency.
func (m *Metrics) PipelineFinished(ctx context.Context, stage string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	res := result(ok)
	m.PipelinesInFlight.Add(ctx, -1)
	m.PipelineRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("result", res),
	))
	m.PipelineDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("result", res)))
}

func (m *Metrics) Transcribed(ctx context.Context, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.TranscriptionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("result", result(ok))))
}

func (m *Metrics) MedicationStatus(ctx context.Context, medication, status string) {
	if m == nil {
		return
	}
	m.MedicationStatuses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("medication", medication),
		attribute.String("status", status),
	))
}

func (m *Metrics) FallbackStep(ctx context.Context, step string, ok bool) {
	if m == nil {
		return
	}
	m.FallbackSteps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("result", result(ok)),
	))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
