// Package registry is the single keyed lookup layer used for viewers and
// settings pages. Lookups fall back from the requested id to a caller
// fallback and then to the registry default.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var (
	ErrDuplicate = errors.New("registry: id already registered")
	ErrNoDefault = errors.New("registry: default id not registered")
)

// Resolution describes how a lookup was satisfied.
type Resolution struct {
	Requested    string
	Resolved     string
	Matched      bool
	FallbackUsed bool
}

// Registry maps string ids to values.
type Registry[T any] struct {
	mu        sync.RWMutex
	name      string
	defaultID string
	entries   map[string]T
}

// New creates a registry whose last-resort entry is defaultID registered
// with value def.
func New[T any](name, defaultID string, def T) *Registry[T] {
	return &Registry[T]{
		name:      name,
		defaultID: defaultID,
		entries:   map[string]T{defaultID: def},
	}
}

// Register adds id. Ids are registered once.
func (r *Registry[T]) Register(id string, v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s %q", ErrDuplicate, r.name, id)
	}
	r.entries[id] = v
	return nil
}

// Replace registers or overwrites id.
func (r *Registry[T]) Replace(id string, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = v
}

// Get returns the value for id without fallback.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[id]
	return v, ok
}

// Resolve walks requested, then fallback, then the default id.
func (r *Registry[T]) Resolve(requested, fallback string) (T, Resolution) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := Resolution{Requested: requested}
	if v, ok := r.entries[requested]; ok {
		res.Resolved, res.Matched = requested, true
		return v, res
	}
	res.FallbackUsed = true
	if fallback != "" {
		if v, ok := r.entries[fallback]; ok {
			res.Resolved = fallback
			return v, res
		}
	}
	res.Resolved = r.defaultID
	return r.entries[r.defaultID], res
}

// IDs returns the registered ids in order.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// Default returns the last-resort id.
func (r *Registry[T]) Default() string { return r.defaultID }
