package capability

import (
	"context"
	"errors"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/fyrsmithlabs/orbit/internal/task"
)

var (
	// ErrNotFound is returned when no capability is registered under a name.
	ErrNotFound = errors.New("capability not found")

	// ErrDuplicate is returned at registry construction for a repeated name.
	ErrDuplicate = errors.New("duplicate capability")

	// ErrInvalidArguments is returned when arguments fail schema validation.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Descriptor is the static description of a capability.
type Descriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Tier        task.RiskTier      `json:"risk_tier"`
	Schema      *jsonschema.Schema `json:"input_schema,omitempty"`
}

// Capability is one executable tool action.
//
// Invoke must honour ctx cancellation; the executor imposes the per-step
// timeout through ctx. The returned string is the human-readable output.
type Capability interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// Func adapts a function into a Capability.
type Func struct {
	Desc Descriptor
	Fn   func(ctx context.Context, args map[string]any) (string, error)
}

// Descriptor implements Capability.
func (f Func) Descriptor() Descriptor { return f.Desc }

// Invoke implements Capability.
func (f Func) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return f.Fn(ctx, args)
}

// ObjectSchema builds an object schema from property schemas.
func ObjectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// String returns a string property schema.
func String(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

// Integer returns an integer property schema.
func Integer(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Description: description}
}

// Boolean returns a boolean property schema.
func Boolean(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "boolean", Description: description}
}

// StringList returns an array-of-strings property schema.
func StringList(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Description: description, Items: &jsonschema.Schema{Type: "string"}}
}
