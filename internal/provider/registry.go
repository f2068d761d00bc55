package provider

import (
	"fmt"
	"sort"
	"sync"

	"focus-pipeline/internal/storage"
)

// Registry maps provider types to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory for a provider type. Later registrations for
// the same type win, which lets tests swap in fakes.
func (r *Registry) Register(providerType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerType] = factory
}

// ForProvider builds the adapter for one configured provider.
func (r *Registry) ForProvider(p *storage.Provider) (*Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[p.ProviderType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider type %q", p.ProviderType)
	}
	return factory(p)
}

// Types lists the registered provider types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
