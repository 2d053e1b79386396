package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the runtime for logging and metrics.
//
// Callbacks run on the scheduling goroutine: implementations must be fast
// and must not block.
type Observer interface {
	// OnGraphLoaded is called once by the commander after the image was
	// copied and resolved.
	OnGraphLoaded(ctx context.Context, info GraphInfo)

	// OnPassStart is called before a scheduling call scans the node list.
	OnPassStart(ctx context.Context, who Identity, cmd Command)

	// OnPassCompleted is called when a scheduling call returns.
	OnPassCompleted(ctx context.Context, who Identity, cmd Command, res PassResult, d time.Duration)

	// OnNodeInvoked is called after every node invocation.
	OnNodeInvoked(ctx context.Context, who Identity, node NodeRef, cmd Command, status Status, d time.Duration)

	// OnLockContention is called when a node is skipped because another
	// stream holds its lock arc.
	OnLockContention(ctx context.Context, who Identity, node NodeRef)

	// OnFlowEvent is called for every overflow or underflow enacted on an arc.
	OnFlowEvent(ctx context.Context, ev FlowEvent)

	// OnPlatformError is called for errors handed to the application.
	OnPlatformError(ctx context.Context, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnGraphLoaded(ctx context.Context, info GraphInfo)                {}
func (NoopObserver) OnPassStart(ctx context.Context, who Identity, cmd Command)       {}
func (NoopObserver) OnLockContention(ctx context.Context, who Identity, node NodeRef) {}
func (NoopObserver) OnFlowEvent(ctx context.Context, ev FlowEvent)                    {}
func (NoopObserver) OnPlatformError(ctx context.Context, err error)                   {}
func (NoopObserver) OnPassCompleted(ctx context.Context, who Identity, cmd Command, res PassResult, d time.Duration) {
}
func (NoopObserver) OnNodeInvoked(ctx context.Context, who Identity, node NodeRef, cmd Command, status Status, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnGraphLoaded(ctx context.Context, info GraphInfo) {
	for _, o := range c.observers {
		o.OnGraphLoaded(ctx, info)
	}
}

func (c *CompositeObserver) OnPassStart(ctx context.Context, who Identity, cmd Command) {
	for _, o := range c.observers {
		o.OnPassStart(ctx, who, cmd)
	}
}

func (c *CompositeObserver) OnPassCompleted(ctx context.Context, who Identity, cmd Command, res PassResult, d time.Duration) {
	for _, o := range c.observers {
		o.OnPassCompleted(ctx, who, cmd, res, d)
	}
}

func (c *CompositeObserver) OnNodeInvoked(ctx context.Context, who Identity, node NodeRef, cmd Command, status Status, d time.Duration) {
	for _, o := range c.observers {
		o.OnNodeInvoked(ctx, who, node, cmd, status, d)
	}
}

func (c *CompositeObserver) OnLockContention(ctx context.Context, who Identity, node NodeRef) {
	for _, o := range c.observers {
		o.OnLockContention(ctx, who, node)
	}
}

func (c *CompositeObserver) OnFlowEvent(ctx context.Context, ev FlowEvent) {
	for _, o := range c.observers {
		o.OnFlowEvent(ctx, ev)
	}
}

func (c *CompositeObserver) OnPlatformError(ctx context.Context, err error) {
	for _, o := range c.observers {
		o.OnPlatformError(ctx, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs graph, pass and node
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnGraphLoaded(ctx context.Context, info GraphInfo) {
	o.Logger.InfoContext(ctx, "graph_loaded",
		slog.String("policy", info.Policy.String()),
		slog.Int("bytes", info.Bytes),
		slog.Int("nodes", info.Nodes),
		slog.Int("arcs", info.Arcs),
		slog.Int("ports", info.Ports),
		slog.Int("instances", info.Instances),
	)
}

func (o *LoggingObserver) OnPassStart(ctx context.Context, who Identity, cmd Command) {
	o.Logger.DebugContext(ctx, "pass_start",
		slog.String("stream", who.String()),
		slog.String("command", cmd.String()),
	)
}

func (o *LoggingObserver) OnPassCompleted(ctx context.Context, who Identity, cmd Command, res PassResult, d time.Duration) {
	o.Logger.DebugContext(ctx, "pass_completed",
		slog.String("stream", who.String()),
		slog.String("command", cmd.String()),
		slog.Int("passes", res.Passes),
		slog.Int("invoked", res.Invoked),
		slog.Int("contended", res.Contended),
		slog.Bool("idle", res.Idle),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnNodeInvoked(ctx context.Context, who Identity, node NodeRef, cmd Command, status Status, d time.Duration) {
	o.Logger.DebugContext(ctx, "node_invoked",
		slog.String("stream", who.String()),
		slog.Int("node", node.Position),
		slog.Int("node_id", int(node.ID)),
		slog.String("command", cmd.String()),
		slog.String("status", status.String()),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnLockContention(ctx context.Context, who Identity, node NodeRef) {
	o.Logger.DebugContext(ctx, "lock_contention",
		slog.String("stream", who.String()),
		slog.Int("node", node.Position),
	)
}

func (o *LoggingObserver) OnFlowEvent(ctx context.Context, ev FlowEvent) {
	o.Logger.WarnContext(ctx, "flow_event",
		slog.Int("arc", ev.Arc),
		slog.String("kind", ev.Kind.String()),
		slog.String("policy", ev.Policy.String()),
		slog.Int("requested", ev.Requested),
		slog.Int("accepted", ev.Accepted),
	)
}

func (o *LoggingObserver) OnPlatformError(ctx context.Context, err error) {
	o.Logger.ErrorContext(ctx, "platform_error", slog.Any("error", err))
}

// BasicMetrics collects simple counters and the aggregate node run time.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	passes        atomic.Int64
	invocations   atomic.Int64
	contentions   atomic.Int64
	overflows     atomic.Int64
	underflows    atomic.Int64
	errors        atomic.Int64
	totalNodeTime atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Passes      int64
	Invocations int64
	Contentions int64
	Overflows   int64
	Underflows  int64
	Errors      int64

	AvgNodeDuration time.Duration
}

func (m *BasicMetrics) OnPassCompleted(ctx context.Context, who Identity, cmd Command, res PassResult, d time.Duration) {
	m.passes.Add(int64(res.Passes))
}

func (m *BasicMetrics) OnNodeInvoked(ctx context.Context, who Identity, node NodeRef, cmd Command, status Status, d time.Duration) {
	m.invocations.Add(1)
	m.totalNodeTime.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnLockContention(ctx context.Context, who Identity, node NodeRef) {
	m.contentions.Add(1)
}

func (m *BasicMetrics) OnFlowEvent(ctx context.Context, ev FlowEvent) {
	switch ev.Kind {
	case FlowOverflow:
		m.overflows.Add(1)
	case FlowUnderflow:
		m.underflows.Add(1)
	}
}

func (m *BasicMetrics) OnPlatformError(ctx context.Context, err error) {
	m.errors.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	invocations := m.invocations.Load()
	totalNs := m.totalNodeTime.Load()

	var avg time.Duration
	if invocations > 0 {
		avg = time.Duration(totalNs / invocations)
	}

	return BasicMetricsSnapshot{
		Passes:          m.passes.Load(),
		Invocations:     invocations,
		Contentions:     m.contentions.Load(),
		Overflows:       m.overflows.Load(),
		Underflows:      m.underflows.Load(),
		Errors:          m.errors.Load(),
		AvgNodeDuration: avg,
	}
}
