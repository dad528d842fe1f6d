package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestEndRun(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer("test")

	ctx, span := tracer.Start(context.Background(), "run.execute", WithRunAttributes("r1", "complete-registration"))
	if TraceIDFromContext(ctx) == "" {
		t.Error("expected a trace ID inside the span")
	}
	EndRun(span, "timed_out", "timeout", "operation timed out")
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["run.id"] != "r1" || attrs["run.failure_kind"] != "timeout" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestTraceIDFromContext_NoSpan(t *testing.T) {
	if id := TraceIDFromContext(context.Background()); id != "" {
		t.Errorf("trace id = %q, want empty", id)
	}
}

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetup_UnknownExporter(t *testing.T) {
	if _, err := Setup(context.Background(), Config{Enabled: true, Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSetup_ExporterNone(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatal(err)
	}
	_ = shutdown(context.Background())
}

func TestPromptAnswered(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	ctx, span := tp.Tracer("test").Start(context.Background(), "run.execute")
	PromptAnswered(ctx, "mode-selection")
	span.End()

	events := rec.Ended()[0].Events()
	if len(events) != 1 || events[0].Name != "prompt.answered" {
		t.Fatalf("events = %+v", events)
	}
}
