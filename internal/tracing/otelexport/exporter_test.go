package otelexport

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestNew_EmptyEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestExporter_Shutdown_NilExporter(t *testing.T) {
	var exp *Exporter
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNew_InstallsGlobalProvider(t *testing.T) {
	for _, proto := range []string{"grpc", "http", ""} {
		t.Run("protocol="+proto, func(t *testing.T) {
			exp, err := New(context.Background(), Config{
				Endpoint: "127.0.0.1:4317",
				Protocol: proto,
				Insecure: true,
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if otel.GetTracerProvider() != exp.provider {
				t.Error("New should install the SDK provider globally")
			}

			// Spans from package-level tracers are now recorded and sampled.
			_, span := otel.Tracer("test").Start(context.Background(), "search")
			if !span.SpanContext().IsValid() || !span.SpanContext().IsSampled() {
				t.Error("span from global tracer should be recording")
			}
			span.End()

			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			_ = exp.Shutdown(ctx) // nothing listens on the endpoint
		})
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := sampler(tt.ratio).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("sampler(%v) = %s, want it to contain %s", tt.ratio, got, tt.want)
		}
	}
}
