// Package service implements the build-time service registry and the
// handful of authenticated-session services it routes to (spec
// §4.K): who's-online, last-callers, profile, mail, chat, news,
// games, admin.
package service

import (
	"context"
	"sync"

	"github.com/ocgully/construct/internal/persist"
)

// Outcome is a service's answer to one handled byte.
type Outcome int

const (
	Continue Outcome = iota
	Complete
	Route
)

type Result struct {
	Outcome Outcome
	NextKey string
}

// Output is the narrow write capability a service needs. Handing
// services a small interface instead of the session itself is the
// resolution to the borrow hazard spec §9 calls out: a service never
// holds the session's AuthState, only a cloned handle to its output.
type Output interface {
	Write(text string)
	WriteLine(text string)
}

// Context is what Enter/HandleChar receive: write access plus the
// identity and placement of the caller.
type Context struct {
	Output   Output
	User     *persist.User
	Level    persist.UserLevel
	NodeSlot int
}

// Service is one capability registered at build time.
type Service interface {
	Key() string
	Label() string
	RequiredLevel() persist.UserLevel
	Enter(ctx context.Context, sc *Context) error
	HandleChar(ctx context.Context, sc *Context, b byte) (Result, error)
}

// Factory constructs a Service instance. The registry hands out a
// fresh instance per Get/List call, so interaction state a service
// keeps in instance fields (compose buffers, paging position) is
// never shared between concurrent sessions. A service that is safe to
// share — one that guards its own state — may return the same
// instance from every call.
type Factory func() Service

// Registry is the build-time map from service key to factory. The
// engine treats unknown or disabled keys as no-ops that redraw the
// menu (spec §4.K).
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	order     []string
	disabled  map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		disabled:  make(map[string]bool),
	}
}

func (r *Registry) Register(f Factory) {
	key := f().Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; !exists {
		r.order = append(r.order, key)
	}
	r.factories[key] = f
}

func (r *Registry) SetEnabled(key string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[key] = !enabled
}

// Get returns a fresh instance for key, and whether the key is both
// registered and enabled.
func (r *Registry) Get(key string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[key]
	if !ok || r.disabled[key] {
		return nil, false
	}
	return f(), true
}

// List returns one fresh instance per registered service in
// registration order, for menu rendering and shortcut dispatch,
// filtered to those enabled and at or below level.
func (r *Registry) List(level persist.UserLevel) []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Service, 0, len(r.order))
	for _, key := range r.order {
		if r.disabled[key] {
			continue
		}
		s := r.factories[key]()
		if s.RequiredLevel() <= level {
			out = append(out, s)
		}
	}
	return out
}
