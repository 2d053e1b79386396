package taskqueue

import (
	"context"
)

// InMemoryQueue is a channel backed Queue for a worker in the same process.
// Reset and stop tasks travel in a lane of their own and are dequeued ahead
// of queued parameter updates and IO acknowledgements. Each lane is FIFO.
// It is safe for concurrent use.
type InMemoryQueue struct {
	control chan Task
	data    chan Task
}

// NewInMemoryQueue creates a queue holding up to capacity tasks per lane.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		control: make(chan Task, capacity),
		data:    make(chan Task, capacity),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) lane(t Task) chan Task {
	if t.Type.Lifecycle() {
		return q.control
	}
	return q.data
}

// Enqueue blocks while the task's lane is full.
func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.lane(t) <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	if t, ok := q.poll(); ok {
		return t, nil
	}
	select {
	case t := <-q.control:
		return &t, nil
	case t := <-q.data:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) TryDequeue(ctx context.Context) (*Task, error) {
	if t, ok := q.poll(); ok {
		return t, nil
	}
	return nil, ErrEmpty
}

func (q *InMemoryQueue) poll() (*Task, bool) {
	select {
	case t := <-q.control:
		return &t, true
	default:
	}
	select {
	case t := <-q.data:
		return &t, true
	default:
		return nil, false
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.control) + len(q.data)
}
