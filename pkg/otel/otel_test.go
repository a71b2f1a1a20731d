package otel

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInit_StdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(t.Context(), Config{ServiceName: "ckpt-test", Exporter: ExporterStdout, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "checkpoint.save")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "checkpoint.save") {
		t.Fatalf("span not exported: %q", buf.String())
	}
}

func TestInit_NoExporter(t *testing.T) {
	shutdown, err := Init(t.Context(), Config{Exporter: ExporterNone, SampleRatio: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	span.End()
}
