package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// Queue is a lock-free multi-producer single-consumer queue.
//
// Producers call Push from any goroutine. A single internal goroutine moves
// the items to the channel returned by Recv, in the order in which the pushes
// completed. Items pushed by one goroutine are therefore delivered in the order
// they were pushed, and the order across goroutines follows the completion of
// their Push calls.
//
// The queue is unbounded. Close stops further pushes, items already queued are
// still delivered and the Recv channel is closed afterwards.
type Queue[T any] struct {
	head     atomic.Pointer[node[T]]
	tail     atomic.Pointer[node[T]]
	out      chan *T
	closed   atomic.Bool
	size     atomic.Int64
	consumer sync.WaitGroup

	// wakeup of the idle consumer
	mu   sync.Mutex
	cond *sync.Cond
}

// NewQueue creates a new queue and starts its consumer goroutine
func NewQueue[T any]() *Queue[T] {
	sentinel := &node[T]{}

	q := &Queue[T]{
		out: make(chan *T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push adds an item to the queue.
// Returns false if the item is nil or the queue is closed.
func (q *Queue[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()

		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// may fail if another producer already moved the tail, which is fine
				q.tail.CompareAndSwap(tailNode, newNode)
				q.size.Add(1)

				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// spin a little under low contention, then yield
		if backoff < 6 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// consume moves items from the linked list to the output channel
func (q *Queue[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		delivered := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true

			value := next.value
			q.head.Store(next)
			q.size.Add(-1)
			q.out <- value

			// release the value, the node now acts as sentinel
			next.value = nil
		}

		if !delivered {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil {
				if q.closed.Load() {
					q.mu.Unlock()
					return
				}
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel the items are delivered on
func (q *Queue[T]) Recv() <-chan *T {
	return q.out
}

// Close closes the queue for further pushes
func (q *Queue[T]) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// IsClosed returns true if the queue is closed
func (q *Queue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of items not yet handed to the consumer
func (q *Queue[T]) Len() int {
	return int(q.size.Load())
}
