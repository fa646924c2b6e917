package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps providers to their drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[Provider]ProviderDriver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[Provider]ProviderDriver)}
}

// Register installs the driver for a provider, replacing any previous one.
func (r *Registry) Register(provider Provider, driver ProviderDriver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[provider] = driver
}

// Driver returns the driver registered for provider.
func (r *Registry) Driver(provider Provider) (ProviderDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	driver, ok := r.drivers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return driver, nil
}

// Providers lists registered providers in name order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.drivers))
	for p := range r.drivers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Open opens an adapter through the provider's driver.
func (r *Registry) Open(ctx context.Context, conn Connection) (Adapter, error) {
	driver, err := r.Driver(conn.Provider)
	if err != nil {
		return nil, err
	}
	return driver.Open(ctx, conn)
}
