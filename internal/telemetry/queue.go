package telemetry

import "sync"

// Queue is the append-only buffer between the lifecycle engine and the
// dispatcher. Appends come from the single writer that owns the engine;
// Drain is called by the dispatcher goroutine.
type Queue struct {
	mu      sync.Mutex
	pending []Event
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Append enqueues events in order.
func (q *Queue) Append(events ...Event) {
	if q == nil || len(events) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, events...)
	q.mu.Unlock()
}

// Drain removes and returns every pending event in FIFO order.
func (q *Queue) Drain() []Event {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	out := q.pending
	q.pending = nil
	return out
}

// Len reports how many events are waiting.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
