package ai

import (
	"fmt"
	"strings"
	"sync"
)

// Registry routes a request to an adapter. Dispatch is provider-name first
// (a request tagged with a registered provider family bypasses the per-model
// switch), then exact model identifier. Unknown combinations fail with
// ErrUnsupportedModel before any quota is consumed.
type Registry struct {
	mu         sync.RWMutex
	byProvider map[string]Provider
	byModel    map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		byProvider: make(map[string]Provider),
		byModel:    make(map[string]Provider),
	}
}

// RegisterProvider binds a provider family name ("mistral", "deepseek") to an
// adapter so every request naming that family dispatches to it.
func (r *Registry) RegisterProvider(name string, p Provider) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byProvider[name] = p
}

// RegisterModel binds an exact model identifier to an adapter.
func (r *Registry) RegisterModel(model string, p Provider) {
	model = strings.TrimSpace(model)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel[model] = p
}

func (r *Registry) Resolve(provider, model string) (Provider, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if provider != "" {
		if p, ok := r.byProvider[provider]; ok {
			return p, nil
		}
	}
	if p, ok := r.byModel[model]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: provider=%q model=%q", ErrUnsupportedModel, provider, model)
}
