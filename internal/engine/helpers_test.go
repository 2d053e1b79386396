package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/arcflow/internal/arc"
	"github.com/petrijr/arcflow/internal/graph"
	"github.com/petrijr/arcflow/internal/platform"
	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

var (
	proc0 = api.Identity{Arch: 1}
	proc1 = api.Identity{Arch: 1, Proc: 1}
)

// ram returns a packed address in the platform RAM bank.
func ram(off uint32) address.Packed { return address.Pack(platform.RAMBank, 0, off) }

// Arc buffers start at 4K, the image copy lives at 64K.
const imageDest = 64 << 10

func arcAt(i int, size uint32) arc.Spec {
	return arc.Spec{Base: ram(uint32(4096 + i*1024)), Size: size}
}

type harness struct {
	e        *engineImpl
	platform *platform.Local
}

// newHarness assembles spec, installs it and registers nodes. Zero-value
// fields of spec get a single-processor default.
func newHarness(t *testing.T, spec graph.ImageSpec, cfg Config, nodes map[uint16]api.Node, procs ...api.Identity) *harness {
	t.Helper()

	if spec.Policy == api.CopyNone && spec.Dest == 0 {
		spec.Policy = api.CopyAll
		spec.Dest = ram(imageDest)
	}
	if len(spec.Instances) == 0 {
		spec.Instances = []graph.Instance{{Who: proc0, Ports: 1<<len(spec.Ports) - 1}}
	}
	if len(procs) == 0 {
		procs = []api.Identity{proc0}
	}

	p, err := platform.New(platform.Config{Processors: procs})
	require.NoError(t, err)

	cfg.Platform = p
	e, err := newEngine(cfg)
	require.NoError(t, err)
	for id, n := range nodes {
		require.NoError(t, e.RegisterNode(id, func() api.Node { return n }))
	}

	words, err := graph.Assemble(spec)
	require.NoError(t, err)
	require.NoError(t, e.Install(context.Background(), graph.WordsToBytes(words)))

	return &harness{e: e, platform: p}
}

// boot boots who and resets the graph, for single-stream tests.
func (h *harness) boot(t *testing.T, who api.Identity) *stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := h.e.Boot(ctx, who)
	require.NoError(t, err)
	_, err = s.Reset(ctx)
	require.NoError(t, err)
	return s.(*stream)
}

func (h *harness) arc(i int) arc.Descriptor { return h.e.rt.g.Arcs[i] }

// recorderState is what a recorder has seen so far.
type recorderState struct {
	events  []string
	presets []uint8
	params  []graph.Param
	segs    []api.Segment
	runs    int
	stops   int
}

// recorder is a node that records every command it receives. Run behaviour is
// supplied by onRun.
type recorder struct {
	mu     sync.Mutex
	state  recorderState
	values map[uint8][]byte

	onRun func(cmd api.CommandWord, bufs []api.Buffer) api.Status
}

func newRecorder(onRun func(cmd api.CommandWord, bufs []api.Buffer) api.Status) *recorder {
	return &recorder{onRun: onRun, values: make(map[uint8][]byte)}
}

func (p *recorder) Reset(preset uint8, segs []api.Segment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.events = append(p.state.events, "reset")
	p.state.presets = append(p.state.presets, preset)
	p.state.segs = segs
	return nil
}

func (p *recorder) SetParameter(tag uint8, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.events = append(p.state.events, "param")
	p.state.params = append(p.state.params, graph.Param{Tag: tag, Data: append([]byte(nil), data...)})
	p.values[tag] = append([]byte(nil), data...)
	return nil
}

func (p *recorder) ReadParameter(tag uint8) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[tag], nil
}

func (p *recorder) Run(cmd api.CommandWord, bufs []api.Buffer) api.Status {
	p.mu.Lock()
	p.state.events = append(p.state.events, "run")
	p.state.runs++
	p.mu.Unlock()
	if p.onRun == nil {
		return api.StatusDone
	}
	return p.onRun(cmd, bufs)
}

func (p *recorder) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.events = append(p.state.events, "stop")
	p.state.stops++
	return nil
}

func (p *recorder) snapshot() recorderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return recorderState{
		events:  append([]string(nil), p.state.events...),
		presets: append([]uint8(nil), p.state.presets...),
		params:  append([]graph.Param(nil), p.state.params...),
		segs:    p.state.segs,
		runs:    p.state.runs,
		stops:   p.state.stops,
	}
}

// fakeObserver records the engine callbacks the tests assert on.
type fakeObserver struct {
	api.NoopObserver

	mu          sync.Mutex
	loaded      []api.GraphInfo
	passes      []api.Command
	invocations []api.Command
	contentions []api.NodeRef
	flows       []api.FlowEvent
	errors      []error
}

func (o *fakeObserver) OnGraphLoaded(ctx context.Context, info api.GraphInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loaded = append(o.loaded, info)
}

func (o *fakeObserver) OnPassCompleted(ctx context.Context, who api.Identity, cmd api.Command, res api.PassResult, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes = append(o.passes, cmd)
}

func (o *fakeObserver) OnNodeInvoked(ctx context.Context, who api.Identity, node api.NodeRef, cmd api.Command, status api.Status, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invocations = append(o.invocations, cmd)
}

func (o *fakeObserver) OnLockContention(ctx context.Context, who api.Identity, node api.NodeRef) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.contentions = append(o.contentions, node)
}

func (o *fakeObserver) OnFlowEvent(ctx context.Context, ev api.FlowEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flows = append(o.flows, ev)
}

func (o *fakeObserver) OnPlatformError(ctx context.Context, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, err)
}

func (o *fakeObserver) flowEvents() []api.FlowEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]api.FlowEvent(nil), o.flows...)
}
