package observability

import "sync"

// DeadLetterQueue parks telemetry events whose subscribers could not take
// them, so a stalled ops listener degrades visibility gradually rather than
// silently. Bounded; the oldest entry gives way once capacity is reached.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	parked   []TelemetryEvent
}

// NewDeadLetterQueue builds a queue holding at most capacity events.
// A capacity of zero or less means unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	return &DeadLetterQueue{
		capacity: capacity,
		parked:   make([]TelemetryEvent, 0),
	}
}

// Offer parks an undeliverable telemetry event, evicting the oldest entry
// when the queue is full.
func (q *DeadLetterQueue) Offer(event TelemetryEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.parked) >= q.capacity {
		copy(q.parked, q.parked[1:])
		q.parked[len(q.parked)-1] = cloneTelemetryEvent(event)
		return
	}
	q.parked = append(q.parked, cloneTelemetryEvent(event))
}

// Drain returns the parked events and empties the queue.
func (q *DeadLetterQueue) Drain() []TelemetryEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]TelemetryEvent, len(q.parked))
	copy(drained, q.parked)
	q.parked = q.parked[:0]
	return drained
}

// Len reports how many events are parked.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.parked)
}
