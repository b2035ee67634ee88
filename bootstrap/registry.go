package bootstrap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/najoast/troupe/config"
	"github.com/najoast/troupe/core"
)

// Definition tells the application how to run a group. The group's section
// in the configuration, if any, supplies membership, routing, restart policy
// and settings.
type Definition struct {
	// Factory creates one member per key
	Factory core.Factory

	// Snapshot builds the configuration snapshot members observe through
	// Context.Config. Nil passes the raw settings map.
	Snapshot func(config.GroupConfig) (any, error)

	// Validate rejects snapshots before they are installed
	Validate func(any) error

	// After names groups that must be running before this one starts
	After []string
}

func (d Definition) snapshot(gc config.GroupConfig) (any, error) {
	if d.Snapshot == nil {
		return gc.Settings, nil
	}
	return d.Snapshot(gc)
}

// Settings returns a Snapshot func decoding the group settings into a T.
func Settings[T any]() func(config.GroupConfig) (any, error) {
	return func(gc config.GroupConfig) (any, error) {
		var out T
		if err := gc.DecodeSettings(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// Registry holds the group definitions of an application.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition under name.
func (r *Registry) Register(name string, def Definition) error {
	if name == "" {
		return errors.New("group name cannot be empty")
	}
	if def.Factory == nil {
		return fmt.Errorf("group %s: factory cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[name]; exists {
		return fmt.Errorf("group %s is already registered", name)
	}
	r.defs[name] = def
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Has checks if a group is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered group names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
