package provider

import (
	"fmt"
	"slices"
	"sync"
)

// Registry is the read-only set of configured providers keyed by
// case-insensitive name.
//
// The callback path index is filled lazily on first lookup of each path.
// Two goroutines racing on the same path may both compute the answer; the
// result is identical, so the duplicate work is harmless.
type Registry struct {
	byKey map[string]Config
	keys  []string

	callbacks sync.Map // callback path -> provider name
}

// NewRegistry validates configs and builds a Registry. Names must be unique
// ignoring case and callback paths must not collide.
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Config, len(configs))}
	paths := make(map[string]string, len(configs))

	for _, raw := range configs {
		cfg := raw.clone().withDefaults()
		if err := cfg.validate(); err != nil {
			return nil, err
		}

		key := cfg.Key()
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("provider %q: configured more than once", cfg.Name)
		}
		if other, dup := paths[cfg.CallbackPath]; dup {
			return nil, fmt.Errorf("provider %q: callback path %s already used by %q", cfg.Name, cfg.CallbackPath, other)
		}

		paths[cfg.CallbackPath] = cfg.Name
		r.byKey[key] = cfg
		r.keys = append(r.keys, key)
	}

	slices.Sort(r.keys)
	return r, nil
}

// Lookup returns a copy of the provider configuration for name.
func (r *Registry) Lookup(name string) (Config, error) {
	cfg, ok := r.byKey[(&Config{Name: name}).Key()]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return cfg.clone(), nil
}

// All returns copies of every configuration sorted by name.
func (r *Registry) All() []Config {
	out := make([]Config, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.byKey[k].clone())
	}
	return out
}

// Len returns the number of configured providers.
func (r *Registry) Len() int {
	return len(r.keys)
}

// ProviderForCallback resolves the provider whose callback path is path.
func (r *Registry) ProviderForCallback(path string) (string, bool) {
	if name, ok := r.callbacks.Load(path); ok {
		return name.(string), true
	}

	for _, k := range r.keys {
		cfg := r.byKey[k]
		if cfg.CallbackPath == path {
			// Only hits are stored, which bounds the index by the number of
			// providers.
			r.callbacks.Store(path, cfg.Name)
			return cfg.Name, true
		}
	}
	return "", false
}
