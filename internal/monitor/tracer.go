package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"plugin-warden/internal/config"
)

const tracerName = "plugin-warden"

// InitTracing installs a global TracerProvider that exports OTLP
// spans. With tracing disabled the no-op global stays in place and
// every span call is free. The returned function flushes pending
// spans and stops the provider.
func InitTracing(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(tracerName)),
	)
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc" or empty
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	sample := cfg.Sample
	if sample <= 0 {
		sample = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sample))),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer hands out spans for the admission and execution paths.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the global TracerProvider, so it picks up whatever
// InitTracing installed.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a span named under the warden prefix.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "warden."+name,
		trace.WithAttributes(attrs...),
	)
}

// Attribute keys shared by the admission and execution spans.
var (
	AttrPlugin     = attribute.Key("warden.plugin")
	AttrKind       = attribute.Key("warden.plugin.kind")
	AttrRiskLevel  = attribute.Key("warden.plugin.risk_level")
	AttrRiskScore  = attribute.Key("warden.plugin.risk_score")
	AttrBackend    = attribute.Key("warden.backend")
	AttrExitCode   = attribute.Key("warden.exit_code")
	AttrDurationMS = attribute.Key("warden.duration_ms")
)
