package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/arcflow/internal/taskqueue"
	"github.com/petrijr/arcflow/pkg/api"
)

// DefaultIdleInterval is how long an idle worker sleeps before scanning
// again.
const DefaultIdleInterval = time.Millisecond

// Options tunes a Worker.
type Options struct {
	// Policy is the return policy of each scheduling call. Defaults to
	// api.ReturnWhenIdle.
	Policy api.ReturnPolicy
	// PolicySet must be true for a zero Policy (api.ReturnAfterFirst) to be
	// honoured.
	PolicySet bool

	IdleInterval time.Duration

	Logger *slog.Logger
}

// Worker drives a stream from a control task queue.
type Worker struct {
	stream api.Stream
	queue  taskqueue.Queue
	opts   Options

	stopped bool
}

// New creates a Worker with default options.
func New(stream api.Stream, queue taskqueue.Queue) *Worker {
	return NewWithOptions(stream, queue, Options{})
}

// NewWithOptions creates a Worker with explicit options.
func NewWithOptions(stream api.Stream, queue taskqueue.Queue, opts Options) *Worker {
	if !opts.PolicySet {
		opts.Policy = api.ReturnWhenIdle
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{stream: stream, queue: queue, opts: opts}
}

// Stream returns the stream this worker drives.
func (w *Worker) Stream() api.Stream { return w.stream }

// Stopped reports whether a stop task was processed.
func (w *Worker) Stopped() bool { return w.stopped }

// EnqueueSetParameter queues a parameter update for the node at position
// node.
func (w *Worker) EnqueueSetParameter(ctx context.Context, node int, tag uint8, data []byte) error {
	return w.queue.Enqueue(ctx, taskqueue.SetParameterTask(node, tag, data))
}

// EnqueueIOAck queues the completion of a transfer on port.
func (w *Worker) EnqueueIOAck(ctx context.Context, port, n int) error {
	return w.queue.Enqueue(ctx, taskqueue.IOAckTask(port, n))
}

// EnqueueReset queues a reset of the stream. Every stream of the graph must
// receive one, since reset waits on a barrier.
func (w *Worker) EnqueueReset(ctx context.Context) error {
	return w.queue.Enqueue(ctx, taskqueue.NewTask(taskqueue.TaskTypeReset))
}

// EnqueueStop queues a stop of the stream. Run returns once it is processed.
func (w *Worker) EnqueueStop(ctx context.Context) error {
	return w.queue.Enqueue(ctx, taskqueue.NewTask(taskqueue.TaskTypeStop))
}

// ProcessOne applies a single queued control task without waiting.
// Returns (processed, error):
//   - processed == false, err == nil: the queue was empty
//   - processed == true: a task was applied; err reports whether it succeeded
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.TryDequeue(ctx)
	if err != nil {
		if errors.Is(err, taskqueue.ErrEmpty) {
			return false, nil
		}
		return false, err
	}
	return true, w.handle(ctx, task)
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeSetParameter:
		return w.stream.SetParameter(task.Node, task.Tag, task.Data)
	case taskqueue.TaskTypeIOAck:
		return w.stream.IOAck(task.Port, task.Bytes)
	case taskqueue.TaskTypeReset:
		_, err := w.stream.Reset(ctx)
		if err == nil {
			w.stopped = false
		}
		return err
	case taskqueue.TaskTypeStop:
		_, err := w.stream.Stop(ctx)
		w.stopped = true
		return err
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}

// Drain applies every queued control task and returns how many were
// applied. Task failures are logged and do not stop the drain.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		processed, err := w.ProcessOne(ctx)
		if !processed {
			return n, err
		}
		n++
		if err != nil {
			w.logTaskError(ctx, err)
		}
	}
}

// Step drains the control queue and runs one scheduling call.
func (w *Worker) Step(ctx context.Context) (api.PassResult, error) {
	if _, err := w.Drain(ctx); err != nil {
		return api.PassResult{}, err
	}
	if w.stopped {
		return api.PassResult{Idle: true}, nil
	}
	return w.stream.Run(ctx, w.opts.Policy)
}

// Run steps the stream until a stop task is processed or ctx ends. An idle
// stream sleeps for IdleInterval between steps.
func (w *Worker) Run(ctx context.Context) error {
	for {
		res, err := w.Step(ctx)
		if err != nil {
			return err
		}
		if w.stopped {
			return nil
		}
		if !res.Idle {
			continue
		}
		if err := w.idle(ctx); err != nil {
			return err
		}
	}
}

// idle waits for IdleInterval, then applies whatever control task arrived.
func (w *Worker) idle(ctx context.Context) error {
	t := time.NewTimer(w.opts.IdleInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	_, err := w.ProcessOne(ctx)
	if err != nil {
		w.logTaskError(ctx, err)
	}
	return nil
}

func (w *Worker) logTaskError(ctx context.Context, err error) {
	w.opts.Logger.WarnContext(ctx, "arcflow control task failed",
		slog.String("stream", w.stream.Identity().String()),
		slog.Any("error", err),
	)
}
