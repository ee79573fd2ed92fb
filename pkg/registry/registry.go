// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package registry implements a name to value table, used to map the stable type names found in a model
// description (e.g. "Linear", "MSELoss") to the constructors of the corresponding implementations.
//
// Implementations register themselves during the initialization of their package:
//
//	func init() {
//		nodes.Registry.Register("Linear", NewLinear)
//	}
package registry

import (
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
)

// Registry maps names to values of type T (usually constructors). It is safe for concurrent use.
type Registry[T any] struct {
	kind string

	mu      sync.RWMutex
	entries map[string]T
}

// New creates an empty Registry. kind is used in error messages (e.g.: "node type", "loss").
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:    kind,
		entries: make(map[string]T),
	}
}

// Kind returns the description of what is registered.
func (r *Registry[T]) Kind() string { return r.kind }

// Register value under name.
//
// It panics if name is empty or already registered: registration happens during package
// initialization, so this is a programming error.
func (r *Registry[T]) Register(name string, value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		exceptions.Panicf("registry of %ss: can't register an empty name", r.kind)
	}
	if _, found := r.entries[name]; found {
		exceptions.Panicf("registry of %ss: %q registered twice", r.kind, name)
	}
	r.entries[name] = value
}

// Get the value registered under name. It returns an error of kind modelerrors.ErrLookup if not found.
func (r *Registry[T]) Get(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, found := r.entries[name]
	if !found {
		var zero T
		return zero, modelerrors.Lookupf("%s %q is not registered, known values: [%s]",
			r.kind, name, strings.Join(xslices.SortedKeys(r.entries), ", "))
	}
	return value, nil
}

// Has returns whether name is registered.
func (r *Registry[T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.entries[name]
	return found
}

// Names returns the registered names, sorted.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return xslices.SortedKeys(r.entries)
}
