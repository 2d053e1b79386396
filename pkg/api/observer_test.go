package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	loaded      int
	passStarts  int
	passes      int
	invocations int
	contentions int
	flows       int
	errors      int

	lastInfo GraphInfo
	lastNode NodeRef
	lastFlow FlowEvent
	lastErr  error
}

func (o *testObserver) OnGraphLoaded(ctx context.Context, info GraphInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loaded++
	o.lastInfo = info
}

func (o *testObserver) OnPassStart(ctx context.Context, who Identity, cmd Command) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passStarts++
}

func (o *testObserver) OnPassCompleted(ctx context.Context, who Identity, cmd Command, res PassResult, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes++
}

func (o *testObserver) OnNodeInvoked(ctx context.Context, who Identity, node NodeRef, cmd Command, status Status, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invocations++
	o.lastNode = node
}

func (o *testObserver) OnLockContention(ctx context.Context, who Identity, node NodeRef) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.contentions++
}

func (o *testObserver) OnFlowEvent(ctx context.Context, ev FlowEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flows++
	o.lastFlow = ev
}

func (o *testObserver) OnPlatformError(ctx context.Context, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors++
	o.lastErr = err
}

// recordingHandler is a slog.Handler that records all log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Copy to avoid reuse issues.
	cpy := slog.Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		cpy.AddAttrs(a)
		return true
	})
	h.records = append(h.records, cpy)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

var (
	testWho  = Identity{Arch: 1, Proc: 2}
	testNode = NodeRef{Position: 3, ID: 9}
)

// emitAll sends one of every event to o.
func emitAll(ctx context.Context, o Observer) {
	o.OnGraphLoaded(ctx, GraphInfo{Nodes: 4, Arcs: 6})
	o.OnPassStart(ctx, testWho, CommandRun)
	o.OnNodeInvoked(ctx, testWho, testNode, CommandRun, StatusNeedsRun, time.Millisecond)
	o.OnLockContention(ctx, testWho, testNode)
	o.OnFlowEvent(ctx, FlowEvent{Arc: 2, Kind: FlowOverflow, Policy: FlowClamp, Requested: 10, Accepted: 4})
	o.OnPassCompleted(ctx, testWho, CommandRun, PassResult{Passes: 2, Invoked: 1}, time.Millisecond)
	o.OnPlatformError(ctx, errors.New("boom"))
}

//
// NoopObserver & CompositeObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	emitAll(context.Background(), NoopObserver{})
}

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	obs := NewCompositeObserver()
	if _, ok := obs.(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver, got %T", obs)
	}

	obs = NewCompositeObserver(nil, nil)
	if _, ok := obs.(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver for nil-only input, got %T", obs)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	to := &testObserver{}
	obs := NewCompositeObserver(nil, to)
	if obs != Observer(to) {
		t.Fatalf("expected the single observer back, got %T", obs)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	o1, o2 := &testObserver{}, &testObserver{}
	obs := NewCompositeObserver(o1, o2)
	if _, ok := obs.(*CompositeObserver); !ok {
		t.Fatalf("expected *CompositeObserver, got %T", obs)
	}

	emitAll(context.Background(), obs)

	for i, o := range []*testObserver{o1, o2} {
		if o.loaded != 1 || o.passStarts != 1 || o.passes != 1 || o.invocations != 1 ||
			o.contentions != 1 || o.flows != 1 || o.errors != 1 {
			t.Fatalf("observer %d: unexpected counts %+v", i, o)
		}
		if o.lastInfo.Nodes != 4 || o.lastNode != testNode || o.lastFlow.Accepted != 4 {
			t.Fatalf("observer %d: unexpected payloads", i)
		}
		if o.lastErr == nil || o.lastErr.Error() != "boom" {
			t.Fatalf("observer %d: expected error boom, got %v", i, o.lastErr)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	obs := NewLoggingObserver(nil)
	lo, ok := obs.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", obs)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_Levels(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	emitAll(context.Background(), o)

	want := []struct {
		msg   string
		level slog.Level
	}{
		{"graph_loaded", slog.LevelInfo},
		{"pass_start", slog.LevelDebug},
		{"node_invoked", slog.LevelDebug},
		{"lock_contention", slog.LevelDebug},
		{"flow_event", slog.LevelWarn},
		{"pass_completed", slog.LevelDebug},
		{"platform_error", slog.LevelError},
	}
	if len(h.records) != len(want) {
		t.Fatalf("expected %d log records, got %d", len(want), len(h.records))
	}
	for i, w := range want {
		rec := h.records[i]
		if rec.Message != w.msg || rec.Level != w.level {
			t.Fatalf("record %d: expected %s at %v, got %s at %v", i, w.msg, w.level, rec.Message, rec.Level)
		}
	}
}

func TestLoggingObserver_FlowEventAttributes(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnFlowEvent(context.Background(), FlowEvent{Arc: 5, Kind: FlowUnderflow, Policy: FlowZeroFill, Requested: 8, Accepted: 3})

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	attrs := attrsToMap(h.records[0])
	if attrs["arc"] != int64(5) {
		t.Fatalf("expected arc=5, got %v", attrs["arc"])
	}
	if attrs["kind"] != "underflow" || attrs["policy"] != "zero-fill" {
		t.Fatalf("unexpected kind/policy: %v/%v", attrs["kind"], attrs["policy"])
	}
	if attrs["requested"] != int64(8) || attrs["accepted"] != int64(3) {
		t.Fatalf("unexpected sizes: %v/%v", attrs["requested"], attrs["accepted"])
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_CountersAndSnapshot(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()

	emitAll(ctx, &m)
	m.OnFlowEvent(ctx, FlowEvent{Kind: FlowUnderflow})
	m.OnNodeInvoked(ctx, testWho, testNode, CommandRun, StatusDone, 3*time.Millisecond)

	s := m.Snapshot()
	if s.Passes != 2 {
		t.Fatalf("expected 2 passes, got %d", s.Passes)
	}
	if s.Invocations != 2 {
		t.Fatalf("expected 2 invocations, got %d", s.Invocations)
	}
	if s.Contentions != 1 || s.Overflows != 1 || s.Underflows != 1 || s.Errors != 1 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if s.AvgNodeDuration != 2*time.Millisecond {
		t.Fatalf("expected average 2ms, got %v", s.AvgNodeDuration)
	}
}

func TestBasicMetrics_SnapshotZeroInvocationsHasZeroAverage(t *testing.T) {
	var m BasicMetrics
	if s := m.Snapshot(); s.AvgNodeDuration != 0 || s.Invocations != 0 {
		t.Fatalf("expected zero snapshot, got %+v", s)
	}
}
