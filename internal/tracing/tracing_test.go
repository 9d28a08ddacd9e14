package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/chaz8081/blecentral/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(config.TraceConfig{Enabled: false, Exporter: "stdout"}, nil)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer shutdown(context.Background())

	if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", otel.GetTracerProvider())
	}
}

func TestSetupNoopExporter(t *testing.T) {
	shutdown, err := Setup(config.TraceConfig{Enabled: true, Exporter: "noop"}, nil)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer shutdown(context.Background())

	if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", otel.GetTracerProvider())
	}
}

func TestSetupStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(config.TraceConfig{Enabled: true, Exporter: "stdout"}, &buf)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	_, span := otel.Tracer("test").Start(context.Background(), "ble.read")
	span.End()

	// Shutdown flushes the batcher.
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "ble.read") {
		t.Errorf("exported output does not mention the span:\n%s", buf.String())
	}
}

func TestSetupUnsupportedExporter(t *testing.T) {
	if _, err := Setup(config.TraceConfig{Enabled: true, Exporter: "jaeger"}, nil); err == nil {
		t.Error("Setup() should fail for an unsupported exporter")
	}
}
