package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestInitNone(t *testing.T) {
	shutdown, err := Init("quire", "", nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := StartSpan(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Error("noop provider produced a recording span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInitStdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init("quire-test", ExporterStdout, &buf)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := StartSpan(context.Background(), "job.run", attribute.String("job_id", "j1"))
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "job.run") || !strings.Contains(out, "j1") {
		t.Errorf("exported spans missing name or attribute:\n%s", out)
	}

	// Leave the global provider inert for other tests.
	if _, err := Init("quire", ExporterNone, nil); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init("quire", "jaeger", nil); err == nil {
		t.Error("expected error for unknown exporter")
	}
}
