package llm

import (
	"fmt"
	"maps"
	"strings"
	"sync"
)

// Registry maps provider names to factories and their default
// configuration. Registration happens in an explicit startup phase;
// tests register doubles deterministically, production registers the
// real set.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

type registration struct {
	factory  Factory
	defaults map[string]any
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]registration),
	}
}

// Register adds a provider factory under name. Names are stored
// lowercase; registration is idempotent and the last registration
// wins. Nil factories are ignored.
func (r *Registry) Register(name string, factory Factory, defaults map[string]any) {
	if factory == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(name)] = registration{
		factory:  factory,
		defaults: defaults,
	}
}

// Unregister removes a provider registration. Returns true if it
// existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(name)
	_, ok := r.entries[key]
	delete(r.entries, key)
	return ok
}

// Create produces a configured provider instance. The registered
// default config is merged with the override config; overrides win.
// A failed factory yields no instance and the error is surfaced.
func (r *Registry) Create(name string, config map[string]any) (Provider, error) {
	r.mu.RLock()
	reg, ok := r.entries[strings.ToLower(name)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("create provider %q: %w", name, ErrProviderNotFound)
	}

	merged := make(map[string]any, len(reg.defaults)+len(config))
	maps.Copy(merged, reg.defaults)
	maps.Copy(merged, config)

	provider, err := reg.factory(merged)
	if err != nil {
		return nil, fmt.Errorf("create provider %q: %w", name, err)
	}
	return provider, nil
}

// IsRegistered reports whether a provider name is registered. Lookup
// is case-insensitive.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[strings.ToLower(name)]
	return ok
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// DefaultConfig returns a copy of the default config registered for
// name, or nil if unregistered.
func (r *Registry) DefaultConfig(name string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[strings.ToLower(name)]
	if !ok || reg.defaults == nil {
		return nil
	}

	out := make(map[string]any, len(reg.defaults))
	maps.Copy(out, reg.defaults)
	return out
}
