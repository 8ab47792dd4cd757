package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownType is returned by Load when no factory matches a plugin type.
var ErrUnknownType = errors.New("plugin: unknown plugin type")

// TypeOption selects the factory for a config entry. Without it the entry
// name is used as the type.
const TypeOption = "plugin"

// Factory builds a plugin instance from its decoded options.
type Factory func(host Host, name string, opts Options) (Plugin, error)

// Registry is an explicit table of plugin factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering the same type twice panics.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[typ]; dup {
		panic(fmt.Sprintf("plugin: type %q registered twice", typ))
	}
	r.factories[typ] = f
}

// Lookup returns the factory for typ.
func (r *Registry) Lookup(typ string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Types returns registered types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Instance is a loaded plugin together with the type that built it.
type Instance struct {
	Type   string
	Plugin Plugin
}

// Load instantiates every configured plugin. Any unknown type or factory
// error aborts the whole load and nothing is returned.
func Load(reg *Registry, host Host, config map[string]map[string]any) (map[string]Instance, error) {
	names := make([]string, 0, len(config))
	for name := range config {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]Instance, len(config))
	for _, name := range names {
		opts := Options{}
		for k, v := range config[name] {
			opts[k] = v
		}
		typ := name
		if raw, ok := opts[TypeOption]; ok {
			s, isString := raw.(string)
			if !isString || s == "" {
				return nil, fmt.Errorf("plugin: %s: %q option must be a non-empty string", name, TypeOption)
			}
			typ = s
			delete(opts, TypeOption)
		}

		factory, ok := reg.Lookup(typ)
		if !ok {
			return nil, fmt.Errorf("%w %q for %s (known: %v)", ErrUnknownType, typ, name, reg.Types())
		}
		p, err := factory(host, name, opts)
		if err != nil {
			return nil, fmt.Errorf("plugin: create %s (%s): %w", name, typ, err)
		}
		out[name] = Instance{Type: typ, Plugin: p}
	}
	return out, nil
}
