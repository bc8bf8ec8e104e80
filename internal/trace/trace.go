package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// NoopExporter discards all spans.
	NoopExporter = "noop"
	// GRPCExporter ships spans to an OTLP collector configured through OTEL_EXPORTER_OTLP_* variables.
	GRPCExporter = "grpc"
)

var tracerName = "github.com/instashare/instashare"

// NewProvider installs a global tracer provider using the named exporter.
// Unknown exporter names fall back to the noop exporter.
func NewProvider(ctx context.Context, exporter, name, version string) (*sdktrace.TracerProvider, error) {
	res, err := newResource(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exp sdktrace.SpanExporter
	switch exporter {
	case GRPCExporter:
		exp, err = otlptracegrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
	default:
		exp = tracetest.NewNoopExporter()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	tracerName = name

	return tp, nil
}

// Start opens a span on the instashare tracer.
func Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(tracerName).Start(ctx, name)
}

func newResource(ctx context.Context, name, version string) (*resource.Resource, error) {
	return resource.New(
		ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithHost(),
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(version),
			semconv.TelemetrySDKLanguageGo,
		),
	)
}

// NewError formats an error, records it on the span and marks the span as failed.
// Wrapped errors (%w) stay matchable with errors.Is.
func NewError(span trace.Span, msg string, args ...any) error {
	err := fmt.Errorf(msg, args...)

	if span == nil {
		return fmt.Errorf("span is nil: %w", err)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	return err
}
