package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/deployer/internal/config"
)

var (
	// ErrUnknownProcessor is returned when a pipeline entry names an unregistered processor
	ErrUnknownProcessor = errors.New("unknown processor")
	// ErrPhaseOrder is returned when a main-phase processor follows a post-phase one
	ErrPhaseOrder = errors.New("main phase processor configured after post phase processor")
)

// Definition describes a processor type
type Definition struct {
	Name  string
	Phase Phase
	// FailDeploymentOnFailure is the default for entries that do not set the key
	FailDeploymentOnFailure bool
	// Source marks processors that compute the change set (see Settings.Source)
	Source  bool
	Factory Factory
}

// Registry maps processor type identifiers to their definitions
type Registry struct {
	defs map[string]*Definition
	mu   sync.RWMutex
}

// NewRegistry creates an empty processor registry
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
	}
}

// Register adds a definition, replacing any previous one with the same name
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defs[def.Name] = def
}

// Get returns a definition by name, or nil if not found
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.defs[name]
}

// Has returns true if a processor with the given name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.defs[name]
	return exists
}

// Count returns the number of registered processors
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.defs)
}

// Names returns all registered processor names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build resolves every entry and assembles the pipeline. Unknown names, invalid options,
// factory errors and phase ordering violations all fail the build; processors created
// before the failure are destroyed.
func (r *Registry) Build(bc BuildContext, entries []config.ProcessorConfig, cluster Cluster) (*Pipeline, error) {
	steps := make([]*Step, 0, len(entries))

	fail := func(err error) (*Pipeline, error) {
		for _, s := range steps {
			_ = destroyStep(s)
		}
		return nil, err
	}

	for i, entry := range entries {
		name := entry.Name()
		def := r.Get(name)
		if def == nil {
			return fail(fmt.Errorf("%w: %q at position %d", ErrUnknownProcessor, name, i))
		}

		settings, err := ParseSettings(entry, def.FailDeploymentOnFailure)
		if err != nil {
			return fail(fmt.Errorf("pipeline entry %d: %w", i, err))
		}
		settings.Source = def.Source

		processor, err := def.Factory(bc, entry)
		if err != nil {
			return fail(fmt.Errorf("failed to build processor %s at position %d: %w", name, i, err))
		}

		steps = append(steps, NewStep(settings, def.Phase, processor, bc.Log))
	}

	p, err := New(steps, cluster, bc.Log)
	if err != nil {
		return fail(err)
	}
	return p, nil
}
