package module

import (
	"sort"
	"sync"
)

// Factory builds a fresh module instance from config parameters.
type Factory func(params map[string]any) (Module, error)

// Registry maps module names to factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a new module registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under a name.
// Returns an error if the name is taken or the factory is nil.
func (r *Registry) Register(name string, factory Factory) error {
	if factory == nil {
		return NewRegistrationError(name, "factory cannot be nil")
	}
	if name == "" {
		return NewRegistrationError("", "module name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return NewRegistrationError(name, "module already registered")
	}

	r.factories[name] = factory
	return nil
}

// MustRegister adds a factory, panicking on error.
// This is intended for use in init() functions.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// New builds a module instance by name.
func (r *Registry) New(name string, params map[string]any) (Module, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		return nil, NewRegistrationError(name, "module not registered")
	}
	return factory(params)
}

// Get retrieves a factory by name.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[name]
	return factory, exists
}

// List returns a sorted list of all registered module names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a factory. Returns true if it was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; !exists {
		return false
	}

	delete(r.factories, name)
	return true
}

// Count returns the number of registered modules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// DefaultRegistry is the global registry the CLI resolves modules from.
var DefaultRegistry = NewRegistry()

// Register adds a factory to the default registry.
func Register(name string, factory Factory) error {
	return DefaultRegistry.Register(name, factory)
}

// MustRegister adds a factory to the default registry, panicking on error.
func MustRegister(name string, factory Factory) {
	DefaultRegistry.MustRegister(name, factory)
}

// New builds a module from the default registry.
func New(name string, params map[string]any) (Module, error) {
	return DefaultRegistry.New(name, params)
}

// List returns all module names from the default registry.
func List() []string {
	return DefaultRegistry.List()
}
