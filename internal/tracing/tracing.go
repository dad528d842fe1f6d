package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "regforge"

// Config holds tracing configuration. Exporter "none" disables export even
// when Enabled is set.
type Config struct {
	Enabled      bool
	Exporter     string
	Endpoint     string
	SamplingRate float64
	ServiceName  string
	Version      string
}

// Setup installs the global tracer provider and propagators. The returned
// function flushes and stops the provider.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled || cfg.Exporter == "none" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp":
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}
	return exporter, nil
}

func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Tracer returns the application tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// TraceIDFromContext extracts the trace ID string from the current span context.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithRunAttributes returns a SpanStartOption with common run attributes.
func WithRunAttributes(runID, workflow string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.workflow", workflow),
	)
}

// EndRun annotates span with the run outcome. kind is empty on success.
func EndRun(span trace.Span, status, kind, errMsg string) {
	span.SetAttributes(attribute.String("run.status", status))
	if kind == "" {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetAttributes(attribute.String("run.failure_kind", kind))
	span.SetStatus(codes.Error, errMsg)
}

// PromptAnswered records a scripted prompt answer on the span in ctx.
func PromptAnswered(ctx context.Context, prompt string) {
	trace.SpanFromContext(ctx).AddEvent("prompt.answered", trace.WithAttributes(
		attribute.String("prompt.name", prompt),
	))
}
