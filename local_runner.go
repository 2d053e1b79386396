package arcflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/arcflow/pkg/worker"
)

// DefaultQueueCapacity is the capacity of the in-memory control queue of
// each LocalRunner worker.
const DefaultQueueCapacity = 1024

// RunnerConfig configures a LocalRunner.
type RunnerConfig struct {
	// Platform describes the local platform. Every processor identity runs
	// one stream, so the graph needs one instance per identity.
	Platform PlatformConfig

	Observer Observer
	Script   ScriptHook
	Store    GraphStore

	// Worker is applied to every worker.
	Worker worker.Options

	// NewQueue creates the control queue of the stream run for who. Defaults
	// to an in-memory queue of DefaultQueueCapacity.
	NewQueue func(who Identity) (Queue, error)
}

// LocalRunner bundles a local platform, an Engine, and one Worker per stream
// to run a graph inside the current process.
//
// Typical usage:
//
//	runner, _ := arcflow.NewLocalRunner(arcflow.RunnerConfig{})
//	_ = runner.RegisterNode(gainID, newGain)
//	_ = runner.Engine.Install(ctx, image)
//	runner.Platform.SetDriver(0, source)
//
//	_ = runner.Start(ctx)
//	...
//	_ = runner.Stop(ctx)
type LocalRunner struct {
	// Engine is the engine running the graph.
	Engine Engine

	// Platform is the in-process platform the graph runs on.
	Platform *LocalPlatform

	cfg RunnerConfig

	mu      sync.Mutex
	workers []*worker.Worker
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewLocalRunner creates the platform and engine described by cfg. Nodes are
// registered and the image installed before Start.
func NewLocalRunner(cfg RunnerConfig) (*LocalRunner, error) {
	p, err := NewPlatform(cfg.Platform)
	if err != nil {
		return nil, err
	}
	eng, err := NewEngine(EngineConfig{
		Platform: p,
		Observer: cfg.Observer,
		Script:   cfg.Script,
		Store:    cfg.Store,
	})
	if err != nil {
		return nil, err
	}
	if cfg.NewQueue == nil {
		cfg.NewQueue = func(Identity) (Queue, error) {
			return NewInMemoryQueue(DefaultQueueCapacity), nil
		}
	}
	if cfg.Worker.Logger == nil {
		cfg.Worker.Logger = slog.Default()
	}
	return &LocalRunner{Engine: eng, Platform: p, cfg: cfg}, nil
}

// RegisterNode forwards to Engine.RegisterNode.
func (r *LocalRunner) RegisterNode(id uint16, factory NodeFactory) error {
	return r.Engine.RegisterNode(id, factory)
}

// Start boots every processor of the platform, resets the graph and starts
// one worker goroutine per stream. The workers run until Stop, Close, or the
// end of ctx.
//
// If Start is called more than once without Stop, it returns an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("arcflow: LocalRunner already started")
	}

	if r.workers == nil {
		workers, err := r.boot(ctx)
		if err != nil {
			return err
		}
		r.workers = workers
	} else {
		// Restart after Stop: every worker resets its stream before running.
		for _, w := range r.workers {
			if err := w.EnqueueReset(ctx); err != nil {
				return err
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	for _, w := range r.workers {
		group.Go(func() error {
			err := w.Run(runCtx)
			// Cancellation is a clean shutdown signal.
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	r.cancel = cancel
	r.group = group
	r.running = true
	return nil
}

// boot boots one stream per processor, waits for all of them and runs the
// first reset.
func (r *LocalRunner) boot(ctx context.Context) ([]*worker.Worker, error) {
	procs := r.Platform.Processors()
	streams := make([]Stream, len(procs))

	g, gctx := errgroup.WithContext(ctx)
	for i, who := range procs {
		g.Go(func() error {
			s, err := r.Engine.Boot(gctx, who)
			if err != nil {
				return fmt.Errorf("boot %s: %w", who, err)
			}
			streams[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, s := range streams {
		g.Go(func() error {
			_, err := s.Reset(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}

	workers := make([]*worker.Worker, len(streams))
	for i, s := range streams {
		q, err := r.cfg.NewQueue(s.Identity())
		if err != nil {
			return nil, err
		}
		workers[i] = worker.NewWithOptions(s, q, r.cfg.Worker)
	}
	return workers, nil
}

// Stop enqueues a stop task for every stream and waits for the workers to
// run their STOP pass and exit. A stopped runner can be started again once
// the drivers of its IO ports were set again.
func (r *LocalRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	for _, w := range r.workers {
		if err := w.EnqueueStop(ctx); err != nil {
			return err
		}
	}
	return r.wait()
}

// Close cancels the workers without a STOP pass and waits for them to exit.
func (r *LocalRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	r.cancel()
	return r.wait()
}

// wait joins the worker goroutines. r.mu is held.
func (r *LocalRunner) wait() error {
	err := r.group.Wait()
	r.cancel()
	r.running = false
	r.cancel = nil
	r.group = nil
	return err
}

// Worker returns the worker running the stream of who, or nil before Start.
func (r *LocalRunner) Worker(who Identity) *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.Stream().Identity() == who {
			return w
		}
	}
	return nil
}

// SetParameter queues a parameter update for the node at position node. The
// update is applied before the node's next RUN, whichever stream runs it.
func (r *LocalRunner) SetParameter(ctx context.Context, node int, tag uint8, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.workers) == 0 {
		return errors.New("arcflow: LocalRunner not started")
	}
	return r.workers[0].EnqueueSetParameter(ctx, node, tag, data)
}
