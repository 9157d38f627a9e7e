package telemetry

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans in memory.
type TestTelemetry struct {
	*Telemetry
	Recorder *tracetest.SpanRecorder
}

// NewTestTelemetry returns telemetry whose spans are kept in Recorder.
// It does not touch the otel globals.
func NewTestTelemetry() *TestTelemetry {
	rec := tracetest.NewSpanRecorder()
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	return &TestTelemetry{
		Telemetry: &Telemetry{
			cfg:            cfg,
			tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)),
		},
		Recorder: rec,
	}
}

// SpanNames returns the names of ended spans in end order.
func (t *TestTelemetry) SpanNames() []string {
	ended := t.Recorder.Ended()
	out := make([]string, len(ended))
	for i, s := range ended {
		out[i] = s.Name()
	}
	return out
}
