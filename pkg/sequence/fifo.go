// Package sequence provides small ordered containers used by the engine.
package sequence

// FIFO is a bounded first-in-first-out queue. Pushing past capacity drops the
// oldest element. Not safe for concurrent use; callers hold their own lock.
type FIFO[T any] struct {
	items []T
	limit int
}

// NewFIFO creates a FIFO bounded at limit elements. A limit <= 0 means
// unbounded.
func NewFIFO[T any](limit int) *FIFO[T] {
	return &FIFO[T]{limit: limit}
}

// Push appends a value. If the queue is at capacity the oldest element is
// evicted and returned with dropped=true.
func (q *FIFO[T]) Push(v T) (evicted T, dropped bool) {
	if q.limit > 0 && len(q.items) >= q.limit {
		evicted = q.items[0]
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, v)
	return evicted, dropped
}

// Pop removes and returns the oldest element.
func (q *FIFO[T]) Pop() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// Drain removes and returns all elements in push order.
func (q *FIFO[T]) Drain() []T {
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued elements.
func (q *FIFO[T]) Len() int { return len(q.items) }

// Clear discards all elements.
func (q *FIFO[T]) Clear() { q.items = nil }
