package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	cases := map[string]struct {
		mutate func(c *Config)
		ok     bool
	}{
		"disabled skips checks": {func(c *Config) { c.Endpoint = "" }, true},
		"local insecure":        {func(c *Config) { c.Enabled = true }, true},
		"ipv6 loopback":         {func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, true},
		"remote insecure":       {func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, false},
		"remote tls":            {func(c *Config) { c.Enabled = true; c.Insecure = false; c.Endpoint = "otel.example.com:4317" }, true},
		"bad protocol":          {func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, false},
		"bad rate":              {func(c *Config) { c.Enabled = true; c.SamplingRate = 2 }, false},
		"no endpoint":           {func(c *Config) { c.Enabled = true; c.Endpoint = "" }, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := NewDefaultConfig()
			tc.mutate(c)
			if tc.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.False(t, tel.Enabled())
	assert.NotNil(t, tel.TracerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tel := NewTestTelemetry()
	_, span := tel.TracerProvider().Tracer("test").Start(context.Background(), "op")
	span.End()
	assert.Equal(t, []string{"op"}, tel.SpanNames())
	assert.True(t, tel.Enabled())
}
