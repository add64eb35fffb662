package stage

import (
	"fmt"
	"sync"

	"github.com/pipewright/pipewright"
)

// Definition binds a pipeline stage name to its adapter and policy.
type Definition struct {
	// Name is the stage's position in the pipeline, e.g. "backend".
	Name string
	// Agent names the external agent behind the adapter, used in
	// events and checkpoints.
	Agent string
	// Adapter does the work. Required unless the stage is disabled.
	Adapter Adapter
	// Optional marks a stage that can be toggled off per deployment.
	Optional bool
	// Enabled gates execution of an optional stage. A disabled stage
	// is recorded as completed without invoking its adapter.
	Enabled bool
	// Validate, when set, inspects each successful result before it is
	// accepted.
	Validate Validator
}

// Registry holds the stage definitions of one pipeline in registration
// order. Safe for concurrent use; registration normally happens once
// at startup.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a stage definition. Registering a duplicate name or a
// nil adapter on an enabled stage is a programming error and fails.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("stage definition requires a name")
	}
	if def.Adapter == nil && (!def.Optional || def.Enabled) {
		return fmt.Errorf("stage %s: enabled stage requires an adapter", def.Name)
	}
	if !def.Optional {
		def.Enabled = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("stage %s already registered", def.Name)
	}
	r.defs[def.Name] = &def
	r.order = append(r.order, def.Name)
	return nil
}

// Get returns the definition for a stage name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("stage %s: %w", name, pipewright.ErrStageNotRegistered)
	}
	cp := *def
	return &cp, nil
}

// Pipeline returns the stage names in registration order.
func (r *Registry) Pipeline() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// SetEnabled toggles an optional stage. Toggling a required stage is
// rejected.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[name]
	if !ok {
		return fmt.Errorf("stage %s: %w", name, pipewright.ErrStageNotRegistered)
	}
	if !def.Optional {
		return fmt.Errorf("stage %s is not optional", name)
	}
	def.Enabled = enabled
	return nil
}
