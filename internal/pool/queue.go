package pool

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrQueueFull = errors.New("queue full")

// queue is a bounded FIFO. Items are only removed once they were handed
// out by peek and acknowledged by discard.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	cap   int
}

func newQueue[T any](capacity int) *queue[T] {
	return &queue[T]{
		items: make([]T, 0, capacity),
		cap:   capacity,
	}
}

func (q *queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cap {
		return ErrQueueFull
	}
	q.items = append(q.items, v)

	return nil
}

// Load appends items regardless of capacity. The capacity grows to hold
// them.
func (q *queue[T]) Load(items []T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, items...)
	if len(q.items) > q.cap {
		q.cap = len(q.items)
	}
}

func (q *queue[T]) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) >= q.cap
}

func (q *queue[T]) Peek(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}

	return append([]T(nil), q.items[:n]...)
}

func (q *queue[T]) Discard(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	var zero T
	for i := 0; i < n; i++ {
		q.items[i] = zero
	}
	q.items = q.items[n:]
}

func (q *queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
