// Package logging builds the service's zap logger.
//
// Logs go to stdout or stderr (stderr when stdout carries a protocol, as
// with the MCP stdio server) and optionally to an OpenTelemetry log
// provider through otelzap. Field values matching the redaction rules are
// masked before encoding.
//
// Correlation data rides on the context:
//
//	ctx = logging.WithTaskID(ctx, id)
//	logger.Info("advanced", logging.ContextFields(ctx)...)
//
// adds trace_id, span_id, task.id, user.id and request.id when present.
package logging
