package roomrelay

import (
	"sync"
)

// Queue is the FIFO between connection handlers and the Broadcaster.
// There is one queue and one consumer, so messages are delivered in the
// global order in which they were pushed.
type Queue struct {
	items    []PendingMessage
	closed   bool
	mu       sync.Mutex
	nonEmpty *sync.Cond
}

func NewQueue() *Queue {
	q := &Queue{}
	q.nonEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends m and wakes the consumer. It reports false once the queue
// has been closed.
func (q *Queue) Push(m PendingMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, m)
	q.nonEmpty.Signal()
	return true
}

// Dispatch implements Dispatcher.
func (q *Queue) Dispatch(m PendingMessage) {
	q.Push(m)
}

// DrainAll blocks until at least one message is queued and then removes
// and returns every queued message. ok is false when the queue is closed
// and nothing is left to drain.
func (q *Queue) DrainAll() (ms []PendingMessage, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.nonEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	ms = q.items
	q.items = nil
	return ms, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting messages. Already queued messages can still be
// drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.nonEmpty.Broadcast()
}
