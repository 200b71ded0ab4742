package provider

import (
	"errors"
	"fmt"
)

// ErrUnknownProvider signals a lookup for a name that was never registered.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry is the explicit provider table assembled at configuration time.
// Lookups at request time only ever see what was registered up front; there
// is no dynamic discovery. The registry is immutable once the server starts.
type Registry struct {
	sources     map[string]TokenSource
	names       []string
	defaultName string
}

// Info describes one registry entry for listing endpoints.
type Info struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	Default bool   `json:"default,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]TokenSource)}
}

// Register adds a source under its own name. The first registered source
// becomes the default until SetDefault overrides it. Re-registering a name
// replaces the earlier source.
func (r *Registry) Register(src TokenSource) {
	name := src.Name()
	if _, exists := r.sources[name]; !exists {
		r.names = append(r.names, name)
	}
	r.sources[name] = src
	if r.defaultName == "" {
		r.defaultName = name
	}
}

// SetDefault marks name as the provider used when a request names none.
func (r *Registry) SetDefault(name string) error {
	if _, ok := r.sources[name]; !ok {
		return fmt.Errorf("set default %q: %w", name, ErrUnknownProvider)
	}
	r.defaultName = name
	return nil
}

// Lookup resolves a provider by name. An empty name resolves the default.
func (r *Registry) Lookup(name string) (TokenSource, error) {
	if name == "" {
		name = r.defaultName
	}
	src, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, ErrUnknownProvider)
	}
	return src, nil
}

// Default returns the name resolved for requests that name no provider.
func (r *Registry) Default() string {
	return r.defaultName
}

// Len reports how many sources are registered.
func (r *Registry) Len() int {
	return len(r.sources)
}

// List describes all registered sources in registration order.
func (r *Registry) List() []Info {
	infos := make([]Info, 0, len(r.names))
	for _, name := range r.names {
		src := r.sources[name]
		infos = append(infos, Info{
			Name:    name,
			Model:   src.Model(),
			Default: name == r.defaultName,
		})
	}
	return infos
}
