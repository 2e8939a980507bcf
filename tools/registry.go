package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds the external tools available to a session, keyed by name.
// Builtin coordination tools (new_answer, vote) are never stored here; they
// are dispatched directly by Router via a closed switch on the tool name, per §9's
// "dynamic tool dispatch" redesign note.
//
// Grounded on runtime/agent/runtime's activity-registration pattern: tools
// register an ExternalTool implementation plus metadata, and execution is
// delegated through that single interface.
type Registry struct {
	mu    sync.RWMutex
	specs map[Ident]Spec
	impls map[Ident]ExternalTool
	// compiled caches the compiled JSON Schema validator per tool, built
	// once at registration time so dispatch never pays compilation cost.
	compiled map[Ident]*jsonschema.Schema
}

// NewRegistry constructs an empty external tool registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:    make(map[Ident]Spec),
		impls:    make(map[Ident]ExternalTool),
		compiled: make(map[Ident]*jsonschema.Schema),
	}
}

// Register adds an external tool to the registry. Registering a builtin
// name (new_answer, vote) or a duplicate name returns an error.
func (r *Registry) Register(spec Spec, impl ExternalTool) error {
	if spec.Name.IsBuiltin() {
		return fmt.Errorf("tools: %q is a reserved builtin tool name", spec.Name)
	}
	if impl == nil {
		return fmt.Errorf("tools: nil implementation for %q", spec.Name)
	}

	var compiled *jsonschema.Schema
	if len(spec.Schema) > 0 {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(spec.Schema))
		if err != nil {
			return fmt.Errorf("tools: parse schema for %q: %w", spec.Name, err)
		}
		resource := fmt.Sprintf("mem://tools/%s.json", spec.Name)
		if err := c.AddResource(resource, doc); err != nil {
			return fmt.Errorf("tools: add schema resource for %q: %w", spec.Name, err)
		}
		sch, err := c.Compile(resource)
		if err != nil {
			return fmt.Errorf("tools: compile schema for %q: %w", spec.Name, err)
		}
		compiled = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.specs[spec.Name]; dup {
		return fmt.Errorf("tools: %q already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	r.impls[spec.Name] = impl
	if compiled != nil {
		r.compiled[spec.Name] = compiled
	}
	return nil
}

// Lookup returns the spec and implementation for name, if registered.
func (r *Registry) Lookup(name Ident) (Spec, ExternalTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return Spec{}, nil, false
	}
	return spec, r.impls[name], true
}

// Descriptors returns every registered external tool's Spec, for building
// the available-tools block passed to the Backend Adapter.
func (r *Registry) Descriptors() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// Validate checks payload against name's compiled JSON Schema, if one was
// registered. A tool with no schema always validates successfully (beyond
// requiring well-formed JSON).
func (r *Registry) Validate(name Ident, payload json.RawMessage) error {
	r.mu.RLock()
	sch := r.compiled[name]
	r.mu.RUnlock()
	if sch == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("tools: invalid JSON payload for %q: %w", name, err)
	}
	// jsonschema validates against decoded Go values using float64 for all
	// JSON numbers, matching encoding/json's default unmarshal behavior.
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("tools: payload for %q failed validation: %w", name, err)
	}
	return nil
}
