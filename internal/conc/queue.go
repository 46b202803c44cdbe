// Package conc provides the concurrency building blocks of the pipeline:
// a bounded FIFO with two-sided back-pressure, single-consumer worker
// devices, and a fixed-size device pool.
package conc

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Queue is a fixed-capacity concurrent FIFO. Producers block in Push while
// the queue is full; consumers block in Pop while it is empty.
//
// Two release policies are offered on the consumer side. Pop returns the
// slot to producers immediately. PopKeep holds the slot until Release is
// called, so a producer blocked in Push (or observing TryPush failure)
// sees the item as consumed only once the consumer is truly done with it.
type Queue[T any] struct {
	in  *semaphore.Weighted // free slots
	out *semaphore.Weighted // committed items

	mu    sync.Mutex
	buf   []T
	front uint64
	back  uint64
}

// NewQueue returns an empty queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	out := semaphore.NewWeighted(int64(capacity))
	// out counts committed items and therefore starts at zero.
	_ = out.TryAcquire(int64(capacity))
	return &Queue[T]{
		in:  semaphore.NewWeighted(int64(capacity)),
		out: out,
		buf: make([]T, capacity),
	}
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return len(q.buf) }

// Push appends v, blocking while the queue is full.
func (q *Queue[T]) Push(v T) {
	_ = q.in.Acquire(context.Background(), 1)
	q.append(v)
	q.out.Release(1)
}

// TryPush appends v if a slot is free. It never blocks.
func (q *Queue[T]) TryPush(v T) bool {
	if !q.in.TryAcquire(1) {
		return false
	}
	q.append(v)
	q.out.Release(1)
	return true
}

// Pop removes the front item, blocking while the queue is empty.
// The slot is returned to producers immediately.
func (q *Queue[T]) Pop() T {
	_ = q.out.Acquire(context.Background(), 1)
	v := q.remove()
	q.in.Release(1)
	return v
}

// TryPop removes the front item if one is available. It never blocks.
func (q *Queue[T]) TryPop() (T, bool) {
	if !q.out.TryAcquire(1) {
		var zero T
		return zero, false
	}
	v := q.remove()
	q.in.Release(1)
	return v, true
}

// PopKeep removes the front item, blocking while the queue is empty.
// The slot is NOT returned to producers until Release is called.
func (q *Queue[T]) PopKeep() T {
	_ = q.out.Acquire(context.Background(), 1)
	return q.remove()
}

// Release returns one slot held by a previous PopKeep to the producers.
func (q *Queue[T]) Release() {
	q.in.Release(1)
}

func (q *Queue[T]) append(v T) {
	q.mu.Lock()
	q.buf[q.back%uint64(len(q.buf))] = v
	q.back++
	q.mu.Unlock()
}

func (q *Queue[T]) remove() T {
	q.mu.Lock()
	i := q.front % uint64(len(q.buf))
	v := q.buf[i]
	var zero T
	q.buf[i] = zero // drop the reference
	q.front++
	q.mu.Unlock()
	return v
}
