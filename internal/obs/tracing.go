// Package obs wires OpenTelemetry tracing across the process. Spans are
// opened around the operations that cross a process boundary: bus
// publish/subscribe and SFU admin calls. The Gateway's gin router additionally
// traces every inbound HTTP request via otelgin (see GinMiddleware); the
// chi-based Reverse Proxy does not carry an equivalent instrumentation
// dependency and is outside this package's coverage.
package obs

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer wires a TracerProvider exporting spans to collectorAddr over
// OTLP/HTTP. collectorAddr is a host:port endpoint; the exporter uses TLS
// unless the OTEL_INSECURE environment variable is "true".
func InitTracer(ctx context.Context, serviceName, collectorAddr string) (*sdktrace.TracerProvider, error) {
	if collectorAddr == "" {
		return sdktrace.NewTracerProvider(), nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(collectorAddr)}
	if os.Getenv("OTEL_INSECURE") == "true" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp http exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Tracer returns the named tracer from the global provider, for span
// creation around bus publish/subscribe and SFU calls.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// GinMiddleware returns the otelgin handler that traces every inbound
// request on a gin router, tagged with serviceName.
func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName)
}
