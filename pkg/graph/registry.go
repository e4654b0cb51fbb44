package graph

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry manages intent graph definitions. Graphs are registered during
// startup; the registry is read-only once execution begins.
type Registry struct {
	defs map[string]*Definition
	mu   sync.RWMutex
}

// NewRegistry creates a new graph registry
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
	}
}

// Register validates and registers an intent graph
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("graph definition is nil")
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid graph definition: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Intent]; exists {
		return fmt.Errorf("graph already registered: %s", def.Intent)
	}

	r.defs[def.Intent] = def

	log.Info().
		Str("intent", def.Intent).
		Str("start", def.Start).
		Int("nodes", def.Size()).
		Msg("Graph registered")

	return nil
}

// Get retrieves a graph definition by intent name
func (r *Registry) Get(intent string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.defs[intent]
	if !exists {
		return nil, fmt.Errorf("graph not found: %s", intent)
	}

	return def, nil
}

// List returns the registered intent names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	intents := make([]string, 0, len(r.defs))
	for intent := range r.defs {
		intents = append(intents, intent)
	}

	return intents
}

// Count returns the number of registered graphs
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.defs)
}
