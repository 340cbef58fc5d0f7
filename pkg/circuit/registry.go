// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package circuit

import (
	"context"
	"sort"
	"sync"
)

// Registry holds one Breaker per dependency name.
//
// # Description
//
// Breakers are created lazily with the registry's default Config on first
// use. The registry is keyed by dependency name, which is a small set
// chosen by the host application; Remove exists for hosts that retire
// dependencies at runtime.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	reg := circuit.NewRegistry(circuit.DefaultConfig())
//	err := reg.Execute(ctx, "postgres", func(ctx context.Context) error {
//	    return db.PingContext(ctx)
//	})
type Registry struct {
	config   Config
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with the default config.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[name]
	r.mu.RUnlock()
	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, exists = r.breakers[name]; exists {
		return b
	}
	b = New(name, r.config)
	r.breakers[name] = b
	return b
}

// GetWithConfig returns the breaker for name, creating it with config if
// it does not exist yet. An existing breaker keeps its original config.
// A nil OnStateChange, Now or Logger in config is inherited from the
// registry.
func (r *Registry) GetWithConfig(name string, config Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, exists := r.breakers[name]; exists {
		return b
	}
	if config.OnStateChange == nil {
		config.OnStateChange = r.config.OnStateChange
	}
	if config.Now == nil {
		config.Now = r.config.Now
	}
	if config.Logger == nil {
		config.Logger = r.config.Logger
	}
	b := New(name, config)
	r.breakers[name] = b
	return b
}

// Execute runs fn through the breaker for name.
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Lookup returns the breaker for name without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Remove forgets the breaker for name. Callers still holding it keep a
// working, detached breaker.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.breakers[name]
	delete(r.breakers, name)
	return ok
}

// Reset closes the breaker for name. It reports false for unknown names.
func (r *Registry) Reset(name string) bool {
	b, ok := r.Lookup(name)
	if ok {
		b.Reset()
	}
	return ok
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	for _, b := range r.all() {
		b.Reset()
	}
}

// States returns the state of every breaker.
func (r *Registry) States() map[string]State {
	breakers := r.all()
	out := make(map[string]State, len(breakers))
	for _, b := range breakers {
		out[b.Name()] = b.State()
	}
	return out
}

// Snapshots returns every breaker's statistics sorted by name.
func (r *Registry) Snapshots() []Stats {
	breakers := r.all()
	out := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) all() []*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}
