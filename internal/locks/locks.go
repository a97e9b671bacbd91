// Package locks provides per-agent mutual exclusion.
//
// Entries are reference counted and deleted once nobody holds or waits on
// them, so the registry stays bounded by the number of agents in flight.
package locks

import (
	"context"
	"sync"
)

type entry struct {
	// sem holds one token while the lock is held.
	sem  chan struct{}
	refs int
}

// Registry maps agent ids to locks.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

func (r *Registry) ref(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[id] = e
	}
	e.refs++
	return e
}

func (r *Registry) unref(id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 && r.entries[id] == e {
		delete(r.entries, id)
	}
}

func (r *Registry) releaser(id string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			r.unref(id, e)
		})
	}
}

// TryLock acquires the agent's lock without waiting. ok is false when the
// lock is held elsewhere.
func (r *Registry) TryLock(id string) (release func(), ok bool) {
	e := r.ref(id)
	select {
	case e.sem <- struct{}{}:
		return r.releaser(id, e), true
	default:
		r.unref(id, e)
		return nil, false
	}
}

// Lock waits for the agent's lock until ctx is done.
func (r *Registry) Lock(ctx context.Context, id string) (release func(), err error) {
	e := r.ref(id)
	select {
	case e.sem <- struct{}{}:
		return r.releaser(id, e), nil
	case <-ctx.Done():
		r.unref(id, e)
		return nil, ctx.Err()
	}
}

// Remove drops an idle entry. Held entries are left alone and disappear on
// their last release.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.refs > 0 {
		return false
	}
	delete(r.entries, id)
	return true
}

// Clear drops every idle entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.refs == 0 {
			delete(r.entries, id)
		}
	}
}

// Refs returns how many callers hold or wait on id's lock.
func (r *Registry) Refs(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
