// Package provider implements the provider registry for LLM provider adapters.
package provider

import (
	"context"
	"fmt"
	"slices"
	"sync"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/storage"
)

// Candidate is one dispatchable (adapter, credential) pair for a tenant.
// The APIKey is the decrypted upstream credential; it must not escape the
// dispatch path.
type Candidate struct {
	Provider gateway.Provider
	APIKey   string
	Config   *gateway.ProviderConfig
}

// Registry maps provider kinds to adapters and resolves a tenant's
// configured providers into an ordered candidate list.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]gateway.Provider

	store  storage.ProviderStore
	sealer *Sealer
}

// NewRegistry returns a Registry backed by the given config store and
// credential sealer.
func NewRegistry(store storage.ProviderStore, sealer *Sealer) *Registry {
	return &Registry{
		adapters: make(map[string]gateway.Provider),
		store:    store,
		sealer:   sealer,
	}
}

// Register adds an adapter under the given kind.
// It overwrites any previously registered adapter with the same kind.
func (r *Registry) Register(kind string, p gateway.Provider) {
	r.mu.Lock()
	r.adapters[kind] = p
	r.mu.Unlock()
}

// Get returns the adapter registered under kind, or an error if not found.
func (r *Registry) Get(kind string) (gateway.Provider, error) {
	r.mu.RLock()
	p, ok := r.adapters[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", kind)
	}
	return p, nil
}

// Kinds returns a sorted slice of all registered provider kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	kinds := slices.Collect(func(yield func(string) bool) {
		for kind := range r.adapters {
			if !yield(kind) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(kinds)
	return kinds
}

// Resolve returns the tenant's dispatchable candidates in failover order:
// the preferred kind first when it is enabled, then the remaining enabled
// configs by ascending priority, ties broken by config ID. Credentials are
// unsealed here, once per request, and nowhere else.
func (r *Registry) Resolve(ctx context.Context, orgID int64, preferred string) ([]Candidate, error) {
	configs, err := r.store.ListProviderConfigs(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list provider configs: %w", err)
	}

	enabled := configs[:0]
	for _, c := range configs {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	if len(enabled) == 0 {
		return nil, gateway.ErrNoProvider
	}

	slices.SortStableFunc(enabled, func(a, b *gateway.ProviderConfig) int {
		if a.Provider == preferred && b.Provider != preferred {
			return -1
		}
		if b.Provider == preferred && a.Provider != preferred {
			return 1
		}
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return int(a.ID - b.ID)
	})

	candidates := make([]Candidate, 0, len(enabled))
	for _, c := range enabled {
		adapter, err := r.Get(c.Provider)
		if err != nil {
			// Config for an adapter this build does not carry; skip it.
			continue
		}
		key, err := r.sealer.Open(c.APIKeyEnc)
		if err != nil {
			return nil, fmt.Errorf("unseal credential for %s: %w", c.Provider, err)
		}
		candidates = append(candidates, Candidate{Provider: adapter, APIKey: key, Config: c})
	}
	if len(candidates) == 0 {
		return nil, gateway.ErrNoProvider
	}
	return candidates, nil
}
