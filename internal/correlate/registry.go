// Package correlate tracks pending requests awaiting an out-of-band
// resolution. A registry maps request ids to one-shot channels: the
// party that created the request blocks on the channel, and whoever
// resolves the id releases it. Instantiated once per mediation kind.
package correlate

import (
	"fmt"
	"sync"
)

// Registry correlates request ids with their eventual resolution.
// The zero value is not usable; call New.
type Registry[T any] struct {
	mu      sync.Mutex
	pending map[string]chan T
	closed  bool
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{pending: make(map[string]chan T)}
}

// Register adds a pending entry and returns the channel its resolution
// will arrive on. The channel yields exactly one value, or closes
// without one when the registry shuts down. Registering an id that is
// already pending is an error: ids must be unique for the process
// lifetime.
func (r *Registry[T]) Register(id string) (<-chan T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("registry is closed")
	}
	if _, exists := r.pending[id]; exists {
		return nil, fmt.Errorf("request id already pending: %s", id)
	}

	ch := make(chan T, 1)
	r.pending[id] = ch
	return ch, nil
}

// Resolve releases the waiter registered under id. It returns false when
// no entry is pending (unknown id, already resolved, or registry
// restarted), which callers treat as "already handled", not an error.
// An id resolves at most once.
func (r *Registry[T]) Resolve(id string, outcome T) bool {
	r.mu.Lock()
	ch, exists := r.pending[id]
	if exists {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	// Buffered by one, so this never blocks.
	ch <- outcome
	close(ch)
	return true
}

// IsPending reports whether id has an unresolved entry.
func (r *Registry[T]) IsPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.pending[id]
	return exists
}

// Pending returns the number of unresolved entries.
func (r *Registry[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close discards all pending entries and closes their channels so no
// waiter blocks forever. Further Register calls fail; Resolve calls
// return false.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for id, ch := range r.pending {
		delete(r.pending, id)
		close(ch)
	}
}
