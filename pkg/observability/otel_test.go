package observability

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestInitTracing_Disabled(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, quietLogger())
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if tp != nil {
		t.Error("Expected nil provider when disabled")
	}
}

func TestInitTracing_Enabled(t *testing.T) {
	// The OTLP exporter connects lazily, so no collector is needed.
	cfg := TracingConfig{
		Enabled:        true,
		Endpoint:       "localhost:4317",
		ServiceName:    "appgrant-test",
		ServiceVersion: "0.0.1",
		Insecure:       true,
		SampleRatio:    0.5,
	}
	tp, err := InitTracing(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if tp == nil {
		t.Fatal("Expected provider")
	}
	defer func() {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
	}()

	if otel.GetTracerProvider() != tp {
		t.Error("global tracer provider not set")
	}
	fields := otel.GetTextMapPropagator().Fields()
	if len(fields) == 0 {
		t.Error("propagator not configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A canceled context may fail the final flush; it must not panic.
	_ = ShutdownTracing(ctx, tp, quietLogger())
}

func TestShutdownTracing_Nil(t *testing.T) {
	if err := ShutdownTracing(context.Background(), nil, quietLogger()); err != nil {
		t.Errorf("ShutdownTracing(nil) = %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		got := sampler(tt.ratio).Description()
		if len(got) < len(tt.want) || got[:len(tt.want)] != tt.want {
			t.Errorf("sampler(%v) = %q, want prefix %q", tt.ratio, got, tt.want)
		}
	}
}
