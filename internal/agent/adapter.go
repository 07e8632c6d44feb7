// internal/agent/adapter.go

// Package agent defines the backend adapter contract and the registry that
// maps agent names to adapter factories. An adapter speaks one backend's
// native protocol and hands native messages to the normalizer; it never
// emits canonical events itself.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/user/switchboard/internal/normalize"
	"github.com/user/switchboard/internal/types"
)

// Emit receives one native message from the running backend. Returning an
// error aborts the turn.
type Emit func(msg *normalize.Native) error

// Adapter drives one backend session. Run blocks for the duration of a
// turn and calls emit for every native message the backend produces.
type Adapter interface {
	Name() string
	Capabilities() normalize.Capabilities

	// Run executes one turn. prompt carries the user content; replay, when
	// non-empty, is the resumption block injected ahead of the prompt.
	Run(ctx context.Context, prompt []types.ContentPart, replay string, emit Emit) error

	// Close releases the backend process or connection.
	Close() error
}

// Factory builds an adapter instance for a session, from the opaque
// per-session init payload.
type Factory func(init []byte) (Adapter, error)

// Registry maps agent names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds an adapter for the named agent. Unknown names fail with
// ErrNotFound so callers can map them to a client error.
func (r *Registry) New(name string, init []byte) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", name, types.ErrNotFound)
	}
	return f(init)
}

// Names lists the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
