package capability

import (
	"fmt"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
)

type entry struct {
	capability Capability
	desc       Descriptor
	schema     *jsonschema.Resolved
}

// Registry maps action names to capabilities. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	entries map[string]*entry
	names   []string
}

// NewRegistry builds a registry. A repeated name, an empty name or a schema
// that does not resolve is a configuration error.
func NewRegistry(capabilities ...Capability) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry, len(capabilities))}
	for _, c := range capabilities {
		if c == nil {
			return nil, fmt.Errorf("nil capability")
		}
		desc := c.Descriptor()
		if desc.Name == "" {
			return nil, fmt.Errorf("capability with empty name")
		}
		if _, exists := r.entries[desc.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, desc.Name)
		}
		e := &entry{capability: c, desc: desc}
		if desc.Schema != nil {
			resolved, err := desc.Schema.Resolve(nil)
			if err != nil {
				return nil, fmt.Errorf("capability %s: resolve schema: %w", desc.Name, err)
			}
			e.schema = resolved
		}
		r.entries[desc.Name] = e
		r.names = append(r.names, desc.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Resolve returns the capability registered under name.
func (r *Registry) Resolve(name string) (Capability, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e.capability, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// List returns the registered action names, sorted.
func (r *Registry) List() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Descriptors returns the descriptors of all capabilities, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.entries[name].desc)
	}
	return out
}

// ValidateArguments checks args against the capability's declared schema.
func (r *Registry) ValidateArguments(name string, args map[string]any) error {
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if e.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := e.schema.Validate(args); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}
	return nil
}
