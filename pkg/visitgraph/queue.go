package visitgraph

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Enqueue after the queue has been closed.
var ErrQueueClosed = errors.New("write-intent queue is closed")

// intentQueue is the concurrent multi-producer, single-consumer queue of
// pending write intents.
//
// Capacity 0 means unbounded: Enqueue never blocks and the queue may grow
// without limit under sustained overload. A positive capacity turns Enqueue
// into a blocking call once the bound is reached, giving producers
// backpressure until the next drain.
//
// FIFO ordering falls out of the slice but is not semantically required;
// intents are commutative modulo the store's idempotency guarantees.
type intentQueue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	items    []Intent
	capacity int
	closed   bool
}

func newIntentQueue(capacity int) *intentQueue {
	q := &intentQueue{capacity: capacity}
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an intent, blocking while a bounded queue is full.
func (q *intentQueue) Enqueue(intent Intent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.capacity > 0 && len(q.items) >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, intent)
	return nil
}

// DrainAll atomically takes the entire current contents. Intents enqueued
// while the caller processes the returned batch land in the next drain;
// nothing is ever handed out twice.
func (q *intentQueue) DrainAll() []Intent {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.notFull.Broadcast()
	q.mu.Unlock()
	return items
}

// Len reports the current queue depth.
func (q *intentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further producers. Intents already queued stay drainable.
func (q *intentQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notFull.Broadcast()
	q.mu.Unlock()
}
