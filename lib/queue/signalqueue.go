// Package queue provides a lock-free Multi-Producer Single-Consumer (MPSC) work queue
// with an auto-reset wake signal. The engine uses one instance per dispatch pipeline.
//
// Features and Guarantees:
//
//   - Lock-Free: producers append with atomic operations only
//   - Unbounded Size: the queue grows as needed, limited only by available memory
//   - Auto-Reset Signal: every Put wakes at most one waiter; several puts before a wait
//     collapse into a single wake-up, the waiter is expected to drain everything
//   - Timed Wait: Wait returns after a timeout even if a signal was missed
//   - Single Consumer: Get and Drain must only be called from one goroutine
//   - FIFO per producer: items pushed by one goroutine (or under a common lock) are
//     delivered in push order
package queue

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// node represents a single element in the queue
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// SignalQueue is a lock-free multi-producer single-consumer queue with a wake signal
type SignalQueue[T any] struct {
	head   atomic.Pointer[node[T]] // consumer side, always points to the sentinel
	tail   atomic.Pointer[node[T]] // producer side
	length atomic.Int64
	closed atomic.Bool
	signal chan struct{} // capacity 1: a pending wake-up
	done   chan struct{}
}

// New creates a new empty signal queue
func New[T any]() *SignalQueue[T] {
	sentinel := &node[T]{}

	q := &SignalQueue[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Put adds an item to the queue and wakes the consumer.
// Returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *SignalQueue[T]) Put(value T) bool {
	if q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}

	var backoff uint8
	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// a failed CAS means another producer already moved the tail forward
				q.tail.CompareAndSwap(tailNode, newNode)
				q.length.Add(1)
				q.Signal()
				return true
			}
		} else {
			// help a producer that appended but has not moved the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// spin a little at low contention, yield afterward
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// Signal wakes the consumer without adding an item. Repeated signals collapse into one.
func (q *SignalQueue[T]) Signal() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Get removes and returns the oldest item. The boolean is false if the queue is empty.
//
// Thread-safety: single consumer only.
func (q *SignalQueue[T]) Get() (T, bool) {
	var zero T

	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return zero, false
	}

	value := next.value
	// next becomes the new sentinel, drop its payload so the gc can reclaim it
	q.head.Store(next)
	next.value = zero
	q.length.Add(-1)

	return value, true
}

// Drain removes all currently queued items and calls fn for each of them in order.
// Items pushed while draining are processed as well. Returns the number of items.
//
// Thread-safety: single consumer only.
func (q *SignalQueue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		value, ok := q.Get()
		if !ok {
			return n
		}
		fn(value)
		n++
	}
}

// Wait blocks until the queue is signalled, the timeout expires, the queue is closed
// or ctx is done. It returns true only when woken by a signal.
func (q *SignalQueue[T]) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-q.signal:
		return true
	case <-timer.C:
		return false
	case <-q.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close closes the queue, preventing further puts and releasing any waiter.
// Items already queued can still be drained.
func (q *SignalQueue[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}

// IsClosed returns true if the queue is closed.
func (q *SignalQueue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns an approximate count of the queued items.
func (q *SignalQueue[T]) Len() int {
	n := q.length.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}
