// Package taskqueue carries control tasks from the application to the
// goroutine running a stream. Tasks are drained between scheduling passes,
// so parameter updates, IO acknowledgements and stop requests never race a
// pass in progress.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrEmpty is returned by TryDequeue when no task is queued.
var ErrEmpty = errors.New("task queue empty")

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskTypeSetParameter TaskType = "set-parameter"
	TaskTypeIOAck        TaskType = "io-ack"
	TaskTypeReset        TaskType = "reset"
	TaskTypeStop         TaskType = "stop"
)

// Lifecycle reports whether the task resets or stops the stream.
func (t TaskType) Lifecycle() bool {
	return t == TaskTypeReset || t == TaskTypeStop
}

// Task is one control request for a stream.
type Task struct {
	ID   string
	Type TaskType

	// For set-parameter tasks
	Node int
	Tag  uint8
	Data []byte

	// For io-ack tasks
	Port  int
	Bytes int

	EnqueuedAt time.Time
}

// NewTask stamps a task with an ID and enqueue time.
func NewTask(typ TaskType) Task {
	return Task{ID: uuid.NewString(), Type: typ, EnqueuedAt: time.Now().UTC()}
}

// SetParameterTask builds a set-parameter task.
func SetParameterTask(node int, tag uint8, data []byte) Task {
	t := NewTask(TaskTypeSetParameter)
	t.Node, t.Tag, t.Data = node, tag, append([]byte(nil), data...)
	return t
}

// IOAckTask builds an io-ack task.
func IOAckTask(port, n int) Task {
	t := NewTask(TaskTypeIOAck)
	t.Port, t.Bytes = port, n
	return t
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// TryDequeue removes and returns the next task without waiting. It returns
	// ErrEmpty when nothing is queued.
	TryDequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
