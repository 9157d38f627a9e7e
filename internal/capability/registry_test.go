package capability

import (
	"context"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orbit/internal/task"
)

func echoCapability(name string, tier task.RiskTier) Capability {
	return Func{
		Desc: Descriptor{
			Name:        name,
			Description: "echo the text argument",
			Tier:        tier,
			Schema: ObjectSchema([]string{"text"}, map[string]*jsonschema.Schema{
				"text":   String("text to echo"),
				"repeat": Integer("how many times"),
			}),
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return StringArg(args, "text")
		},
	}
}

func TestNewRegistry(t *testing.T) {
	t.Run("registers and lists sorted", func(t *testing.T) {
		r, err := NewRegistry(echoCapability("zeta", task.RiskLow), echoCapability("alpha", task.RiskHigh))
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "zeta"}, r.List())
		assert.True(t, r.Has("zeta"))

		descs := r.Descriptors()
		require.Len(t, descs, 2)
		assert.Equal(t, task.RiskHigh, descs[0].Tier)
	})

	t.Run("rejects duplicates at startup", func(t *testing.T) {
		_, err := NewRegistry(echoCapability("echo", task.RiskLow), echoCapability("echo", task.RiskLow))
		require.ErrorIs(t, err, ErrDuplicate)
		assert.Contains(t, err.Error(), "echo")
	})

	t.Run("rejects empty name", func(t *testing.T) {
		_, err := NewRegistry(echoCapability("", task.RiskLow))
		assert.Error(t, err)
	})
}

func TestRegistry_Resolve(t *testing.T) {
	r, err := NewRegistry(echoCapability("echo", task.RiskLow))
	require.NoError(t, err)

	c, err := r.Resolve("echo")
	require.NoError(t, err)
	out, err := c.Invoke(context.Background(), map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = r.Resolve("rm_rf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ValidateArguments(t *testing.T) {
	r, err := NewRegistry(echoCapability("echo", task.RiskLow))
	require.NoError(t, err)

	assert.NoError(t, r.ValidateArguments("echo", map[string]any{"text": "hi", "repeat": float64(2)}))
	assert.ErrorIs(t, r.ValidateArguments("echo", map[string]any{}), ErrInvalidArguments)
	assert.ErrorIs(t, r.ValidateArguments("echo", map[string]any{"text": 42}), ErrInvalidArguments)
	assert.ErrorIs(t, r.ValidateArguments("missing", nil), ErrNotFound)
}

func TestArgs(t *testing.T) {
	args := map[string]any{"s": "x", "n": float64(3), "f": 1.5, "b": true, "l": []any{"a", "b"}}

	s, err := StringArg(args, "s")
	require.NoError(t, err)
	assert.Equal(t, "x", s)
	_, err = StringArg(args, "n")
	assert.ErrorIs(t, err, ErrInvalidArguments)

	n, err := OptionalInt(args, "n", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = OptionalInt(args, "f", 0)
	assert.Error(t, err)
	n, err = OptionalInt(args, "absent", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	assert.True(t, OptionalBool(args, "b", false))
	assert.Equal(t, "def", OptionalString(args, "absent", "def"))

	l, err := StringListArg(args, "l")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, l)
}
