package stream

import "sync"

// inbox is an unbounded FIFO of deliveries. The reader pushes without ever
// blocking so a slow handler cannot hold up response routing.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
}

func newInbox() *inbox {
	q := &inbox{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends fn. It reports false once the inbox is closed.
func (q *inbox) push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
	return true
}

// close stops further pushes. With discard, queued items are dropped;
// otherwise next keeps returning them until the queue is empty.
func (q *inbox) close(discard bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if discard {
		q.items = nil
	}
	q.cond.Broadcast()
}

// next blocks for the oldest item. ok is false when the inbox is closed and
// drained.
func (q *inbox) next() (fn func(), ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	fn = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}
