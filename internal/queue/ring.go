package queue

// Ring is a fixed-capacity FIFO circular buffer.
type Ring[T any] struct {
	items []T
	head  int
	size  int
}

// NewRing creates a ring able to hold capacity items. Panics if capacity is
// not positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic(`queue: ring capacity must be positive`)
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends item, returning false if the ring is full.
func (r *Ring[T]) Push(item T) bool {
	if r.size == len(r.items) {
		return false
	}
	r.items[(r.head+r.size)%len(r.items)] = item
	r.size++
	return true
}

// PushDisplace appends item, evicting and returning the oldest item if the
// ring was full.
func (r *Ring[T]) PushDisplace(item T) (evicted T, displaced bool) {
	if r.size == len(r.items) {
		evicted, displaced = r.Pop()
	}
	r.Push(item)
	return
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return item, true
}

// At returns the i-th oldest item. Panics if i is out of range.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.size {
		panic(`queue: ring index out of range`)
	}
	return r.items[(r.head+i)%len(r.items)]
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }
