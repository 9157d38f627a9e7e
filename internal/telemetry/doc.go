// Package telemetry sets up OpenTelemetry tracing and metrics export over
// OTLP (gRPC or HTTP). When disabled, the global no-op providers stay in
// place and every instrumented component keeps working.
package telemetry
