package logging

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxIDLen = 128

type (
	taskCtxKey    struct{}
	userCtxKey    struct{}
	requestCtxKey struct{}
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := TaskIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("task.id", id))
	}
	if id := UserIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("user.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

// cleanID makes a caller-supplied id safe to log: control characters are
// dropped, invalid UTF-8 is replaced and the result is truncated.
func cleanID(id string) string {
	if !utf8.ValidString(id) {
		id = strings.ToValidUTF8(id, "?")
	}
	id = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, id)
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	return id
}

func withID(ctx context.Context, key any, id string) context.Context {
	id = cleanID(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key any) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithTaskID adds a task id to ctx. Empty ids are ignored.
func WithTaskID(ctx context.Context, id string) context.Context {
	return withID(ctx, taskCtxKey{}, id)
}

// TaskIDFromContext returns the task id, or "".
func TaskIDFromContext(ctx context.Context) string { return idFrom(ctx, taskCtxKey{}) }

// WithUserID adds a user id to ctx. Empty ids are ignored.
func WithUserID(ctx context.Context, id string) context.Context {
	return withID(ctx, userCtxKey{}, id)
}

// UserIDFromContext returns the user id, or "".
func UserIDFromContext(ctx context.Context) string { return idFrom(ctx, userCtxKey{}) }

// WithRequestID adds a transport request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string { return idFrom(ctx, requestCtxKey{}) }
