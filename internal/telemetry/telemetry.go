// Package telemetry installs the OpenTelemetry tracer provider and the W3C
// propagators used for spans around fetch, render, store and search.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Options configures the tracer provider.
type Options struct {
	ServiceName string
	Version     string
	// SampleRatio is the parent-based sampling ratio; values <= 0 sample
	// nothing and values >= 1 sample everything.
	SampleRatio float64
	// Exporter receives finished spans. Nil keeps spans in-process only,
	// which still propagates trace context to Pub/Sub attributes.
	Exporter sdktrace.SpanExporter
}

// Init builds a tracer provider, installs it globally together with the
// TraceContext and Baggage propagators, and returns it so the caller can
// Shutdown on exit.
func Init(ctx context.Context, opts Options) (*sdktrace.TracerProvider, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "searchcrawler"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	}
	if opts.Exporter != nil {
		providerOpts = append(providerOpts, sdktrace.WithBatcher(opts.Exporter))
	}

	tp := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	return tp, nil
}
