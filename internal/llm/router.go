package llm

import (
	"fmt"
	"strings"
)

// Router selects the Provider serving a request. A request names a
// provider ("openrouter", "ollama", "local") or leaves it empty to use
// the configured default.
type Router struct {
	providers   map[string]Provider
	defaultName string
}

// NewRouter creates a router over the given providers. defaultName must
// match one of their names.
func NewRouter(defaultName string, providers ...Provider) (*Router, error) {
	r := &Router{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	name := canonicalName(defaultName)
	if _, ok := r.providers[name]; !ok {
		return nil, fmt.Errorf("llm: unknown default provider %q", defaultName)
	}
	r.defaultName = name
	return r, nil
}

// Pick returns the provider for the given name, or the default when the
// name is empty.
func (r *Router) Pick(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[canonicalName(name)]
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider %q", name)
	}
	return p, nil
}

// canonicalName folds the "local" alias into "ollama".
func canonicalName(name string) string {
	name = strings.ToLower(name)
	if name == "local" {
		return "ollama"
	}
	return name
}
