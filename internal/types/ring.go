package types

import "sync"

// Ring is a thread-safe bounded FIFO buffer backed by a slice.
// Appending past the capacity drops the oldest element.
type Ring[T any] struct {
	mu   sync.Mutex
	cap  int
	data []T
}

// NewRing creates a ring holding at most capacity elements.
// Zero or negative capacity makes the ring unbounded.
func NewRing[T any](capacity int) *Ring[T] {
	return &Ring[T]{cap: capacity}
}

// Append adds the element to the end of the ring, evicting the
// oldest element when the ring is full.
func (r *Ring[T]) Append(item T) {
	r.mu.Lock()
	if r.cap > 0 && len(r.data) >= r.cap {
		n := copy(r.data, r.data[len(r.data)-r.cap+1:])
		var zero T
		for i := n; i < len(r.data); i++ {
			r.data[i] = zero
		}
		r.data = r.data[:n]
	}
	r.data = append(r.data, item)
	r.mu.Unlock()
}

// Len returns the current number of elements.
func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// Items returns a copy of the buffered elements in FIFO order.
func (r *Ring[T]) Items() []T {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) == 0 {
		return nil
	}
	out := make([]T, len(r.data))
	copy(out, r.data)
	return out
}

// Clear drops all buffered elements.
func (r *Ring[T]) Clear() {
	if r == nil {
		return
	}

	r.mu.Lock()
	r.data = nil
	r.mu.Unlock()
}
