package toolrelay

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// allowListSchema validates the structure of the tool allow-list document
// before any spec is trusted
const allowListSchema = `{
	"type": "object",
	"required": ["tools"],
	"properties": {
		"tools": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "method", "path"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
					"path": {"type": "string", "minLength": 1},
					"params": {"type": "object"},
					"mutating": {"type": "boolean"}
				}
			}
		}
	}
}`

// Spec describes one allow-listed tool: the upstream endpoint it maps to and
// the JSON schema its arguments must satisfy.
type Spec struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Method       string          `json:"method"`
	PathTemplate string          `json:"path"`
	Params       json.RawMessage `json:"params,omitempty"`
	// Mutating tools are never retried
	Mutating bool `json:"mutating,omitempty"`
}

type allowList struct {
	Tools []Spec `json:"tools"`
}

// compiledSpec pairs a spec with its pre-compiled parameter schema
type compiledSpec struct {
	spec   Spec
	schema *gojsonschema.Schema
}

// Registry holds the current allow-list. Lookups fail closed: a tool absent
// from the registry cannot be invoked.
type Registry struct {
	specs map[string]*compiledSpec
	mu    sync.RWMutex
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{
		specs: make(map[string]*compiledSpec),
	}
}

// LoadFile reads, validates, and installs the allow-list document at path,
// replacing the current set atomically. On error the previous allow-list
// stays in effect.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tool specs: %w", err)
	}
	return r.Load(data)
}

// Load validates and installs an allow-list document
func (r *Registry) Load(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(allowListSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("failed to validate tool specs: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("invalid tool specs: %s", result.Errors()[0].String())
	}

	var doc allowList
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse tool specs: %w", err)
	}

	compiled := make(map[string]*compiledSpec, len(doc.Tools))
	for _, spec := range doc.Tools {
		if _, exists := compiled[spec.Name]; exists {
			return fmt.Errorf("duplicate tool spec: %s", spec.Name)
		}

		cs := &compiledSpec{spec: spec}
		if len(spec.Params) > 0 {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(spec.Params))
			if err != nil {
				return fmt.Errorf("invalid params schema for tool %s: %w", spec.Name, err)
			}
			cs.schema = schema
		}
		compiled[spec.Name] = cs
	}

	r.mu.Lock()
	r.specs = compiled
	r.mu.Unlock()

	return nil
}

// Lookup returns the compiled spec for a tool, failing closed when absent
func (r *Registry) Lookup(name string) (*compiledSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cs, ok := r.specs[name]
	if !ok {
		return nil, &ToolNotAllowedError{Tool: name}
	}
	return cs, nil
}

// Names returns the allow-listed tool names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}

// Count returns the number of allow-listed tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.specs)
}

// validateArgs checks call arguments against the tool's parameter schema
func (cs *compiledSpec) validateArgs(args map[string]interface{}) error {
	if cs.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := cs.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Tool: cs.spec.Name, Detail: err.Error()}
	}
	if !result.Valid() {
		return &ValidationError{Tool: cs.spec.Name, Detail: result.Errors()[0].String()}
	}
	return nil
}
