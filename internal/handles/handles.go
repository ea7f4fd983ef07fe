// Package handles maps live objects to small integer handles so that
// embedding layers can refer to them across a byte-oriented boundary.
package handles

import "sync"

// Registry hands out monotonically increasing int handles for values
// of type T. Safe for concurrent use.
type Registry[T any] struct {
	mu   sync.Mutex
	next int
	live map[int]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{live: make(map[int]T)}
}

// Insert registers v and returns its handle. Handles are never reused,
// so a stale handle fails lookup instead of aliasing a newer object.
func (r *Registry[T]) Insert(v T) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.next
	r.next++
	r.live[h] = v
	return h
}

// Get returns the value for h. The second return is false for unknown
// or removed handles.
func (r *Registry[T]) Get(h int) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.live[h]
	return v, ok
}

// Remove drops h and returns its value, if any.
func (r *Registry[T]) Remove(h int) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.live[h]
	if ok {
		delete(r.live, h)
	}
	return v, ok
}

// Len reports how many handles are live.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
