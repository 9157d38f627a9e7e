package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/orbit/internal/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_JSONWithContextAndRedaction(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	var buf bytes.Buffer
	l, err := newLogger(cfg, nil, &buf)
	require.NoError(t, err)

	tp := trace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithUserID(ctx, "alice")

	l.Info("advanced", append(ContextFields(ctx),
		zap.String("token", "abc"),
		zap.String("note", "Authorization: Bearer xyz"),
		Secret("api_key", config.Secret("sk-12345")),
	)...)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	m := lines[0]
	assert.Equal(t, "advanced", m["msg"])
	assert.Equal(t, "orbit", m["service"])
	assert.Equal(t, "task-1", m["task.id"])
	assert.Equal(t, "alice", m["user.id"])
	assert.NotEmpty(t, m["trace_id"])
	assert.Contains(t, m, "ts")
	assert.Equal(t, "[REDACTED]", m["token"])
	assert.Equal(t, "[REDACTED:pattern]", m["note"])
	assert.Equal(t, "[REDACTED]", m["api_key"])
}

func TestLogger_LevelFilters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = zapcore.WarnLevel
	var buf bytes.Buffer
	l, err := newLogger(cfg, nil, &buf)
	require.NoError(t, err)

	l.Info("hidden")
	l.Error("shown")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
}

func TestLogger_SamplingNeverDropsErrors(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Initial = 1
	cfg.Sampling.Thereafter = 0
	var buf bytes.Buffer
	l, err := newLogger(cfg, nil, &buf)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		l.Info("repeat")
		l.Error("failure")
	}
	var infos, errs int
	for _, m := range decodeLines(t, &buf) {
		switch m["msg"] {
		case "repeat":
			infos++
		case "failure":
			errs++
		}
	}
	assert.Equal(t, 1, infos)
	assert.Equal(t, 5, errs)
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]func(c *Config){
		"bad format":        func(c *Config) { c.Format = "xml" },
		"no output":         func(c *Config) { c.Output = OutputConfig{} },
		"stdout and stderr": func(c *Config) { c.Output.Stderr = true },
		"bad pattern":       func(c *Config) { c.Redaction.Patterns = []string{"("} },
		"zero tick":         func(c *Config) { c.Sampling.Tick = 0 },
		"empty field":       func(c *Config) { c.Fields = map[string]string{"k": ""} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := NewDefaultConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, NewDefaultConfig().Validate())
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithTaskID(ctx, "")
	assert.Empty(t, TaskIDFromContext(ctx))

	ctx = WithTaskID(ctx, "t\n1\x00")
	assert.Equal(t, "t1", TaskIDFromContext(ctx))

	ctx = WithRequestID(ctx, strings.Repeat("r", 300))
	assert.Len(t, RequestIDFromContext(ctx), maxIDLen)
}

func TestTestLogger(t *testing.T) {
	l := NewTestLogger()
	l.Info("phase transition", zap.String("to", "planning"))
	l.AssertLogged(t, zapcore.InfoLevel, "transition")
	l.AssertField(t, "phase", "to", "planning")
	assert.Equal(t, 1, l.FilterMessage("phase").Len())
}
