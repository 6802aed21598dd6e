package sensor

import "sync"

// pendingQueue is the bounded buffer between the packet reader goroutines
// and Poll. When the queue is full the oldest unconsumed decode unit is
// evicted so the readers never block on a slow consumer; staleness stays
// bounded by the queue depth.
type pendingQueue struct {
	mu      sync.Mutex
	items   []TickResult
	max     int
	evicted uint64
}

func newPendingQueue(max int) *pendingQueue {
	if max <= 0 {
		max = 64
	}
	return &pendingQueue{max: max}
}

// push appends a decode unit, evicting the oldest entry when full.
func (q *pendingQueue) push(r TickResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		q.evicted++
	}
	q.items = append(q.items, r)
}

// pop removes and returns the oldest decode unit, if any.
func (q *pendingQueue) pop() (TickResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return TickResult{}, false
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r, true
}

// drop returns how many units have been evicted unconsumed.
func (q *pendingQueue) drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// reset clears the queue without touching the eviction counter.
func (q *pendingQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
