// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package isolate

import (
	"slices"
	"sync"
)

// Registry is the set of live isolates, in creation order. An isolate is
// removed before any of its resources are released, so visitors never see a
// partially destroyed isolate.
type Registry struct {
	isolates map[uint64]*Isolate
	order    []uint64
	nextID   uint64
	mu       sync.Mutex
	disabled bool
}

func newRegistry() *Registry {
	return &Registry{
		isolates: make(map[uint64]*Isolate),
		nextID:   1,
	}
}

// insert assigns iso its id.
func (r *Registry) insert(iso *Isolate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled {
		return ErrCreationDisabled
	}
	iso.id = r.nextID
	r.nextID++
	r.isolates[iso.id] = iso
	r.order = append(r.order, iso.id)
	return nil
}

func (r *Registry) remove(iso *Isolate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isolates[iso.id] != iso {
		return false
	}
	delete(r.isolates, iso.id)
	if i := slices.Index(r.order, iso.id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	return true
}

// ForEach calls fn for each registered isolate, in creation order, until
// it returns false. The registry is locked for the duration, so fn must not
// create or destroy isolates.
func (r *Registry) ForEach(fn func(iso *Isolate) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if !fn(r.isolates[id]) {
			return
		}
	}
}

// Snapshot returns the registered isolates, in creation order.
func (r *Registry) Snapshot() []*Isolate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Isolate, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.isolates[id])
	}
	return out
}

// Lookup returns the isolate with the given id, or nil.
func (r *Registry) Lookup(id uint64) *Isolate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isolates[id]
}

// LookupByMainPort returns the isolate with the given main port, or nil.
func (r *Registry) LookupByMainPort(port Port) *Isolate {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if iso := r.isolates[id]; iso.mainPort == port {
			return iso
		}
	}
	return nil
}

// Len returns the number of registered isolates.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.isolates)
}

// DisableCreation makes subsequent isolate creation fail with
// ErrCreationDisabled.
func (r *Registry) DisableCreation() {
	r.mu.Lock()
	r.disabled = true
	r.mu.Unlock()
}

// EnableCreation undoes DisableCreation.
func (r *Registry) EnableCreation() {
	r.mu.Lock()
	r.disabled = false
	r.mu.Unlock()
}

// CreationEnabled reports whether isolates may be created.
func (r *Registry) CreationEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.disabled
}

// KillAll sends an internal kill to every registered isolate, returning
// the number of isolates signaled.
func (r *Registry) KillAll() int {
	isolates := r.Snapshot()
	n := 0
	for _, iso := range isolates {
		if iso.killInternal() {
			n++
		}
	}
	return n
}
