// Package verify cross-checks a seller's delivery claim against the seller's
// own verification endpoint before fund release is authorized. Adapters are
// keyed by service category; unknown categories fall back to the generic
// adapter so new seller categories onboard without code changes.
package verify

import (
	"context"
	"strings"
	"sync"
)

// Result is the outcome of a deep verification.
type Result struct {
	Valid   bool
	Reason  string
	Details map[string]any
}

// Adapter validates a delivery proof's shape and performs the zero-trust
// check against the seller's declared verification endpoint. An adapter must
// never accept a seller's bare "valid" assertion without comparing returned
// details against the original request.
type Adapter interface {
	Category() string
	ValidateFormat(proof map[string]any) bool
	Verify(ctx context.Context, verifyURL, credential string, proof, original map[string]any) Result
}

// Registry resolves adapters by category. Registration happens at process
// start, not per request.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback Adapter
}

// NewRegistry builds a registry with the standard adapters installed and the
// generic adapter as fallback.
func NewRegistry(client Doer) *Registry {
	generic := &GenericAdapter{client: client}
	r := &Registry{
		adapters: make(map[string]Adapter),
		fallback: generic,
	}
	r.Register(&TravelAdapter{client: client})
	r.Register(&TransportAdapter{client: client})
	r.Register(generic)
	return r
}

// Register installs an adapter under its category.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(adapter.Category())] = adapter
}

// Resolve returns the adapter for a category, or the generic fallback when
// the category is unknown. It never rejects a category outright.
func (r *Registry) Resolve(category string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(category))]; ok {
		return adapter
	}
	return r.fallback
}
