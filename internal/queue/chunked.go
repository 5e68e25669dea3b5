// Package queue implements the FIFO containers shared by the scheduler and
// the channel implementations.
//
// None of the types are safe for concurrent use. Callers provide their own
// synchronization, typically a mutex held for the duration of each call.
package queue

import (
	"sync"
)

// chunkSize is the number of items per node in the Chunked linked list.
// 128 pointer-sized items + overhead = ~1KB per chunk.
const chunkSize = 128

// Chunked is a chunked linked-list FIFO queue.
//
// Fixed-size arrays amortize allocations, and exhausted chunks are recycled
// through a per-type sync.Pool.
type Chunked[T any] struct { // betteralign:ignore
	pool   *sync.Pool
	head   *chunk[T]
	tail   *chunk[T]
	length int
}

// chunk is a fixed-size node in the chunked linked-list.
// It uses readPos/pos cursors for O(1) push/pop without shifting.
type chunk[T any] struct {
	items   [chunkSize]T
	next    *chunk[T]
	readPos int // first unread slot
	pos     int // first unused slot
}

// NewChunked creates a new, empty queue.
func NewChunked[T any]() *Chunked[T] {
	return &Chunked[T]{pool: &sync.Pool{New: func() any { return new(chunk[T]) }}}
}

func (q *Chunked[T]) newChunk() *chunk[T] {
	c := q.pool.Get().(*chunk[T])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk returns an exhausted chunk to the pool, clearing any slots that
// might still reference items.
func (q *Chunked[T]) returnChunk(c *chunk[T]) {
	var zero T
	for i := 0; i < c.pos; i++ {
		c.items[i] = zero
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	q.pool.Put(c)
}

// Push adds an item to the tail of the queue.
func (q *Chunked[T]) Push(item T) {
	if q.tail == nil {
		q.tail = q.newChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.items) {
		newTail := q.newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}

	q.tail.items[q.tail.pos] = item
	q.tail.pos++
	q.length++
}

// Pop removes and returns the item at the head of the queue.
//
// Returns false if the queue is empty.
func (q *Chunked[T]) Pop() (T, bool) {
	var zero T
	if q.head == nil {
		return zero, false
	}

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return zero, false
		}
		oldHead := q.head
		q.head = q.head.next
		q.returnChunk(oldHead)
	}

	if q.head.readPos >= q.head.pos {
		return zero, false
	}

	item := q.head.items[q.head.readPos]
	q.head.items[q.head.readPos] = zero
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return item, true
		}
		oldHead := q.head
		q.head = q.head.next
		q.returnChunk(oldHead)
	}

	return item, true
}

// Peek returns the item at the head of the queue without removing it.
func (q *Chunked[T]) Peek() (T, bool) {
	var zero T
	for c := q.head; c != nil; c = c.next {
		if c.readPos < c.pos {
			return c.items[c.readPos], true
		}
	}
	return zero, false
}

// Len returns the number of queued items.
func (q *Chunked[T]) Len() int {
	return q.length
}
