// Package worker drives one stream of a booted arcflow graph.
//
// A Worker owns the scheduling goroutine of its stream. It alternates
// between two things:
//
//   - draining control tasks (parameter updates, IO acknowledgements, reset
//     and stop requests) from a task queue
//   - running scheduling passes until the stream goes idle
//
// Control tasks are applied between passes, never during one, so callers on
// other goroutines do not race the scheduler. When a pass finds nothing to
// do, the worker sleeps for Options.IdleInterval before scanning again,
// which also picks up data delivered by asynchronous IO drivers.
//
// One worker runs per stream instance. Queues are per worker; any
// taskqueue.Queue works, including the Redis-backed one, which lets another
// process steer a running graph.
//
// Most applications construct workers through arcflow.LocalRunner, which
// boots every stream of the platform and runs one worker per stream.
package worker
