// Package otelexport installs an OTLP trace pipeline as the global
// OpenTelemetry tracer provider. The search, intent and indexer packages
// create their spans through otel.Tracer, so they export once New succeeds
// and stay no-ops otherwise.
package otelexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultService = "memlens"
	batchSize      = 256
	batchTimeout   = 5 * time.Second
)

var errNoEndpoint = errors.New("otelexport: endpoint is required")

// Config mirrors the telemetry config section.
type Config struct {
	Endpoint    string // host:port of the collector
	Protocol    string // "http"; anything else means gRPC
	Insecure    bool
	ServiceName string
	Version     string
	Headers     map[string]string
	// SampleRatio is the fraction of root traces kept. 0 or >= 1 keeps all.
	SampleRatio float64
}

// Exporter owns the SDK tracer provider installed by New.
type Exporter struct {
	provider *sdktrace.TracerProvider
}

// New builds the span exporter for cfg.Protocol and installs a batching
// tracer provider globally.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, errNoEndpoint
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	spans, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel exporter (%s): %w", cfg.Endpoint, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithBatcher(spans,
			sdktrace.WithMaxExportBatchSize(batchSize),
			sdktrace.WithBatchTimeout(batchTimeout),
		),
	)
	otel.SetTracerProvider(tp)
	return &Exporter{provider: tp}, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name, version := cfg.ServiceName, cfg.Version
	if name == "" {
		name = defaultService
	}
	if version == "" {
		version = "dev"
	}
	return resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(name), semconv.ServiceVersion(version)),
	)
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// sampler honours an upstream sampling decision and samples new roots by ratio.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Tracer returns a tracer from the installed provider.
func (e *Exporter) Tracer(name string) trace.Tracer {
	return e.provider.Tracer(name)
}

// Shutdown flushes buffered spans. Global tracers become no-ops afterwards.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	slog.Info("otelexport.shutdown")
	return e.provider.Shutdown(ctx)
}
