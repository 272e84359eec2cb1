package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestEndSpan_RecordsFailure(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	tp := InitTracing("test", sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	ctx, span := StartSpan(context.Background(), "pipeline.transcribe")
	if TraceID(ctx) == "" {
		t.Fatalf("expected trace id in context")
	}
	EndSpan(span, errors.New("deepgram down"))

	_, retrieve := StartSpan(context.Background(), "pipeline.retrieve")
	EndSpan(retrieve, nil)

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error || len(ended[0].Events()) == 0 {
		t.Fatalf("expected failed span with error event, got %+v", ended[0].Status())
	}
	if ended[1].Status().Code == codes.Error {
		t.Fatalf("expected successful span")
	}
}

func TestTraceID_EmptyWithoutSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Fatalf("expected empty trace id, got %q", got)
	}
}
