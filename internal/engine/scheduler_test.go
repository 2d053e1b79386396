package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/arcflow/internal/arc"
	"github.com/petrijr/arcflow/internal/graph"
	"github.com/petrijr/arcflow/internal/platform"
	"github.com/petrijr/arcflow/pkg/api"
)

var errResetFailed = errors.New("reset failed")

type failingNode struct {
	api.BaseNode
}

func (failingNode) Reset(uint8, []api.Segment) error { return errResetFailed }

func TestPipelineClampsOverflow(t *testing.T) {
	sizes := []int{64, 196}
	calls := 0
	producer := newRecorder(func(cmd api.CommandWord, bufs []api.Buffer) api.Status {
		if calls >= len(sizes) {
			bufs[0].Size = 0
			return api.StatusDone
		}
		n := sizes[calls]
		calls++
		for i := 0; i < n && i < len(bufs[0].Data); i++ {
			bufs[0].Data[i] = byte(i)
		}
		bufs[0].Size = n
		return api.StatusDone
	})
	var seen []int
	consumer := newRecorder(func(cmd api.CommandWord, bufs []api.Buffer) api.Status {
		seen = append(seen, len(bufs[0].Data))
		return api.StatusDone
	})

	a := arcAt(0, 256)
	a.DebugReg = 3
	spec := graph.ImageSpec{
		Nodes: []graph.NodeSpec{
			{ID: 1, Arcs: []graph.ArcRef{{Arc: 0, Output: true}}},
			{ID: 2, Arcs: []graph.ArcRef{{Arc: 0}}},
		},
		Arcs: []arc.Spec{a},
	}
	obs := &fakeObserver{}
	h := newHarness(t, spec, Config{Observer: obs}, map[uint16]api.Node{1: producer, 2: consumer})
	s := h.boot(t, proc0)
	ctx := context.Background()

	res, err := s.Run(ctx, api.ReturnAfterScan)
	require.NoError(t, err)
	require.Equal(t, 1, res.Invoked)
	require.Equal(t, uint32(64), h.arc(0).Write())
	require.False(t, h.arc(0).ReadyForRead())
	require.Empty(t, seen)

	res, err = s.Run(ctx, api.ReturnAfterScan)
	require.NoError(t, err)
	require.Equal(t, 2, res.Invoked)
	require.Equal(t, []api.FlowEvent{{
		Arc:       0,
		Kind:      api.FlowOverflow,
		Policy:    api.FlowClamp,
		Requested: 196,
		Accepted:  192,
	}}, obs.flowEvents())
	require.Equal(t, []int{256}, seen)
	require.Equal(t, uint32(256), h.arc(0).Write())
	require.Equal(t, uint32(0), h.arc(0).Free())
	require.Equal(t, uint32(256), h.arc(0).Read())
	require.Equal(t, uint32(1), h.e.DebugRegister(3))
	require.Equal(t, uint32(0), h.e.DebugRegister(0))
}

func TestConsumerRealignsWhenProducerAsks(t *testing.T) {
	producer := newRecorder(func(cmd api.CommandWord, bufs []api.Buffer) api.Status {
		bufs[0].Size = 16
		return api.StatusDone
	})
	consumer := newRecorder(func(cmd api.CommandWord, bufs []api.Buffer) api.Status {
		bufs[0].Size = 8
		return api.StatusDone
	})
	spec := graph.ImageSpec{
		Nodes: []graph.NodeSpec{
			{ID: 1, Arcs: []graph.ArcRef{{Arc: 0, Output: true}}},
			{ID: 2, Arcs: []graph.ArcRef{{Arc: 0}}},
		},
		Arcs: []arc.Spec{arcAt(0, 32)},
	}
	h := newHarness(t, spec, Config{}, map[uint16]api.Node{1: producer, 2: consumer})
	s := h.boot(t, proc0)

	for i := 0; i < 10; i++ {
		_, err := s.Run(context.Background(), api.ReturnAfterScan)
		require.NoError(t, err)
		d := h.arc(0)
		require.LessOrEqual(t, d.Read(), d.Write())
		require.LessOrEqual(t, d.Write(), d.Size())
	}
	// Without realignment the producer would have stopped after two writes.
	require.Greater(t, producer.snapshot().runs, 2)
	require.Empty(t, h.platform.Errors())
}

func TestResetAppliesPresetAndBootParameters(t *testing.T) {
	params, err := graph.EncodeParams(graph.Param{Tag: 3, Data: []byte{9}})
	require.NoError(t, err)

	plain := newRecorder(nil)
	tuned := newRecorder(nil)
	spec := graph.ImageSpec{
		Nodes: []graph.NodeSpec{
			{
				ID:   1,
				Boot: &graph.BootParams{Preset: 2},
				Segments: []graph.SegmentSpec{
					{Addr: ram(8192), Size: 16, Clear: true},
					{Addr: ram(8192 + 16), Size: 8, Scratch: true},
				},
			},
			{ID: 2, Boot: &graph.BootParams{Preset: 1, Params: params}},
		},
	}
	h := newHarness(t, spec, Config{}, map[uint16]api.Node{1: plain, 2: tuned})

	mem, err := h.platform.Banks().Slice(ram(8192), 24)
	require.NoError(t, err)
	for i := range mem {
		mem[i] = 0xAA
	}

	s := h.boot(t, proc0)

	got := plain.snapshot()
	require.Equal(t, []string{"reset"}, got.events)
	require.Equal(t, []uint8{2}, got.presets)
	require.Empty(t, got.params)
	require.Len(t, got.segs, 2)
	require.Equal(t, make([]byte, 16), got.segs[0].Data)
	require.False(t, got.segs[0].Scratch)
	require.Equal(t, []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}, got.segs[1].Data)
	require.True(t, got.segs[1].Scratch)

	got = tuned.snapshot()
	require.Equal(t, []string{"reset", "param"}, got.events)
	require.Equal(t, []uint8{1}, got.presets)
	require.Equal(t, []graph.Param{{Tag: 3, Data: []byte{9}}}, got.params)

	res, err := s.Reset(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Invoked)
	require.Equal(t, []uint8{2, 2}, plain.snapshot().presets)
}

func TestRunSkipsNodesBeforeReset(t *testing.T) {
	p := newRecorder(nil)
	spec := graph.ImageSpec{Nodes: []graph.NodeSpec{{ID: 1}}}
	h := newHarness(t, spec, Config{}, map[uint16]api.Node{1: p})

	s, err := h.e.Boot(context.Background(), proc0)
	require.NoError(t, err)

	res, err := s.Run(context.Background(), api.ReturnAfterScan)
	require.NoError(t, err)
	require.Equal(t, 0, res.Invoked)
	require.True(t, res.Idle)
	require.Equal(t, 0, p.snapshot().runs)
}

func TestAffinitySelectsProcessor(t *testing.T) {
	anywhere := newRecorder(nil)
	onProc1 := newRecorder(nil)
	otherArch := newRecorder(nil)
	spec := graph.ImageSpec{
		Nodes: []graph.NodeSpec{
			{ID: 1},
			{ID: 2, Proc: 2},
			{ID: 3, Arch: 2},
		},
	}
	h := newHarness(t, spec, Config{}, map[uint16]api.Node{1: anywhere, 2: onProc1, 3: otherArch})
	s := h.boot(t, proc0)

	_, err := s.Run(context.Background(), api.ReturnAfterScan)
	require.NoError(t, err)
	require.Equal(t, 1, anywhere.snapshot().runs)
	require.Empty(t, onProc1.snapshot().events)
	require.Empty(t, otherArch.snapshot().events)
}

func TestReturnPolicies(t *testing.T) {
	ticker := func() *recorder {
		return newRecorder(func(cmd api.CommandWord, bufs []api.Buffer) api.Status {
			bufs[0].Size = 1
			return api.StatusNeedsRun
		})
	}
	spec := func() graph.ImageSpec {
		a0, a1 := arcAt(0, 8), arcAt(1, 8)
		a0.Prefilled, a1.Prefilled = true, true
		return graph.ImageSpec{
			Nodes: []graph.NodeSpec{
				{ID: 1, Arcs: []graph.ArcRef{{Arc: 0}}},
				{ID: 2, Arcs: []graph.ArcRef{{Arc: 1}}},
			},
			Arcs: []arc.Spec{a0, a1},
		}
	}

	tests := []struct {
		policy api.ReturnPolicy
		want   api.PassResult
	}{
		{api.ReturnAfterFirst, api.PassResult{Passes: 1, Invoked: 4}},
		{api.ReturnAfterScan, api.PassResult{Passes: 1, Invoked: 8}},
		{api.ReturnWhenIdle, api.PassResult{Passes: 2, Invoked: 8, Idle: true}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			h := newHarness(t, spec(), Config{}, map[uint16]api.Node{1: ticker(), 2: ticker()})
			s := h.boot(t, proc0)

			res, err := s.Run(context.Background(), tt.policy)
			require.NoError(t, err)
			require.Equal(t, tt.want, res)
		})
	}

	t.Run("bounded", func(t *testing.T) {
		busy := newRecorder(func(cmd api.CommandWord, bufs []api.Buffer) api.Status {
			bufs[0].Size = 0
			return api.StatusDone
		})
		h := newHarness(t, spec(), Config{MaxPasses: 3}, map[uint16]api.Node{1: busy, 2: newRecorder(nil)})
		s := h.boot(t, proc0)

		res, err := s.Run(context.Background(), api.ReturnWhenIdle)
		require.NoError(t, err)
		require.Equal(t, 3, res.Passes)
		require.False(t, res.Idle)
	})
}

func TestRunHonoursContext(t *testing.T) {
	h := newHarness(t, graph.ImageSpec{Nodes: []graph.NodeSpec{{ID: 1}}}, Config{}, map[uint16]api.Node{1: newRecorder(nil)})
	s := h.boot(t, proc0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Run(ctx, api.ReturnWhenIdle)
	require.ErrorIs(t, err, context.Canceled)
}

func TestScriptHookPoints(t *testing.T) {
	var (
		points []api.HookPoint
		nodes  []int
		cmds   []api.Command
		script []byte
	)
	hook := api.ScriptFunc(func(c api.HookCall) {
		points = append(points, c.Point)
		nodes = append(nodes, c.Node)
		cmds = append(cmds, c.Word.Command())
		script = c.Script
	})
	spec := graph.ImageSpec{
		Scripts: []byte{1, 2, 3, 4},
		Nodes:   []graph.NodeSpec{{ID: 1}},
	}
	h := newHarness(t, spec, Config{Script: hook}, map[uint16]api.Node{1: newRecorder(nil)})
	s := h.boot(t, proc0)
	require.Equal(t, api.HookReturn, points[len(points)-1])

	points, nodes, cmds = nil, nil, nil
	_, err := s.Run(context.Background(), api.ReturnAfterScan)
	require.NoError(t, err)

	require.Equal(t, []api.HookPoint{
		api.HookBeforePass,
		api.HookBeforeNode,
		api.HookAfterNode,
		api.HookAfterPass,
		api.HookReturn,
	}, points)
	require.Equal(t, []int{-1, 0, 0, -1, -1}, nodes)
	for _, c := range cmds {
		require.Equal(t, api.CommandRun, c)
	}
	require.Equal(t, []byte{1, 2, 3, 4}, script)
}

func TestTwoStreamsNeverOverlapOnANode(t *testing.T) {
	var (
		h        *harness
		inside   atomic.Int32
		overlaps atomic.Int32
		unlocked atomic.Int32
	)
	shared := newRecorder(func(cmd api.CommandWord, bufs []api.Buffer) api.Status {
		if inside.Add(1) != 1 {
			overlaps.Add(1)
		}
		if h.arc(0).Owner() == 0 {
			unlocked.Add(1)
		}
		time.Sleep(20 * time.Microsecond)
		inside.Add(-1)
		bufs[0].Size = 0
		return api.StatusDone
	})

	a := arcAt(0, 16)
	a.Prefilled = true
	spec := graph.ImageSpec{
		Nodes:     []graph.NodeSpec{{ID: 1, Arcs: []graph.ArcRef{{Arc: 0}}}},
		Instances: []graph.Instance{{Who: proc0}, {Who: proc1}},
		Arcs:      []arc.Spec{a},
	}
	h = newHarness(t, spec, Config{}, map[uint16]api.Node{1: shared}, proc0, proc1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var invoked atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, who := range []api.Identity{proc0, proc1} {
		g.Go(func() error {
			s, err := h.e.Boot(gctx, who)
			if err != nil {
				return err
			}
			if _, err := s.Reset(gctx); err != nil {
				return err
			}
			for i := 0; i < 200; i++ {
				res, err := s.Run(gctx, api.ReturnAfterScan)
				if err != nil {
					return err
				}
				invoked.Add(int64(res.Invoked))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Zero(t, overlaps.Load())
	require.Zero(t, unlocked.Load())
	require.Positive(t, invoked.Load())
	require.Equal(t, int(invoked.Load()), shared.snapshot().runs)
	require.Equal(t, uint8(0), h.arc(0).Owner())
}

func TestStopStopsNodesAndFlushesPorts(t *testing.T) {
	first := true
	producer := newRecorder(func(cmd api.CommandWord, bufs []api.Buffer) api.Status {
		if first {
			first = false
			bufs[0].Size = copy(bufs[0].Data, []byte{1, 2, 3, 4})
			return api.StatusDone
		}
		bufs[0].Size = 0
		return api.StatusDone
	})
	spec := graph.ImageSpec{
		Ports: []graph.IOPort{{Arc: 0, Dir: api.IOOutbound}},
		Nodes: []graph.NodeSpec{{ID: 1, Arcs: []graph.ArcRef{{Arc: 0, Output: true}}}},
		Arcs:  []arc.Spec{arcAt(0, 32)},
	}
	h := newHarness(t, spec, Config{}, map[uint16]api.Node{1: producer})
	sink := &platform.Sink{}
	h.platform.SetDriver(0, sink)
	s := h.boot(t, proc0)
	ctx := context.Background()

	_, err := s.Run(ctx, api.ReturnAfterScan)
	require.NoError(t, err)
	// Four bytes stay below the readiness threshold of a 32 byte arc.
	require.Zero(t, sink.Len())

	res, err := s.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Invoked)
	require.Equal(t, 1, producer.snapshot().stops)
	require.Equal(t, []byte{1, 2, 3, 4}, sink.Bytes())

	res, err = s.Run(ctx, api.ReturnAfterScan)
	require.NoError(t, err)
	require.Zero(t, res.Invoked)
}

func TestStopSkipsLockedNode(t *testing.T) {
	p := newRecorder(nil)
	obs := &fakeObserver{}
	h := newHarness(t, graph.ImageSpec{Nodes: []graph.NodeSpec{{ID: 1}}}, Config{Observer: obs, MaxPasses: 3}, map[uint16]api.Node{1: p})
	s := h.boot(t, proc0)
	n := h.e.rt.nodes[0]
	require.True(t, n.tryLock(200))

	res, err := s.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, api.PassResult{Passes: 3, Contended: 3, Idle: true}, res)
	require.Zero(t, p.snapshot().stops)
	require.Len(t, obs.contentions, 3)

	require.NoError(t, n.unlock(200))
	res, err = s.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Invoked)
	require.Equal(t, 1, p.snapshot().stops)
}

func TestTraceRecordsVerboseNodes(t *testing.T) {
	spec := graph.ImageSpec{
		Nodes:     []graph.NodeSpec{{ID: 7, Verbose: true}, {ID: 8}},
		Instances: []graph.Instance{{Who: proc0, Trace: true, TraceArc: 0}},
		Arcs:      []arc.Spec{arcAt(0, 64)},
	}
	h := newHarness(t, spec, Config{}, map[uint16]api.Node{7: newRecorder(nil), 8: newRecorder(nil)})
	s := h.boot(t, proc0)

	_, err := s.Run(context.Background(), api.ReturnAfterScan)
	require.NoError(t, err)

	data, err := h.e.rt.arcs.Readable(h.arc(0))
	require.NoError(t, err)
	require.Len(t, data, 2*TraceRecordSize)

	for i, cmd := range []api.Command{api.CommandReset, api.CommandRun} {
		rec := data[i*TraceRecordSize:]
		require.Equal(t, uint16(0), binary.LittleEndian.Uint16(rec[0:]))
		require.Equal(t, uint16(7), binary.LittleEndian.Uint16(rec[2:]))
		require.Equal(t, byte(api.StatusDone), rec[4])
		require.Equal(t, byte(cmd), rec[5])
	}
}

func TestNodeErrorsAreReportedNotFatal(t *testing.T) {
	failing := &failingNode{}
	after := newRecorder(nil)
	obs := &fakeObserver{}
	spec := graph.ImageSpec{Nodes: []graph.NodeSpec{{ID: 1}, {ID: 2}}}
	h := newHarness(t, spec, Config{Observer: obs}, map[uint16]api.Node{1: failing, 2: after})
	s := h.boot(t, proc0)

	_, err := s.Run(context.Background(), api.ReturnAfterScan)
	require.NoError(t, err)
	require.Equal(t, 1, after.snapshot().runs)
	require.Len(t, h.platform.Errors(), 1)
	require.Len(t, obs.errors, 1)
	require.ErrorIs(t, h.platform.Errors()[0], errResetFailed)
}

func TestResetWaitsForStreamsMidPass(t *testing.T) {
	var hold atomic.Bool
	entered := make(chan struct{})
	release := make(chan struct{})
	producer := newRecorder(func(cmd api.CommandWord, bufs []api.Buffer) api.Status {
		if hold.Load() {
			entered <- struct{}{}
			<-release
		}
		bufs[0].Size = 64
		return api.StatusDone
	})

	spec := graph.ImageSpec{
		Nodes:     []graph.NodeSpec{{ID: 1, Proc: 2, Arcs: []graph.ArcRef{{Arc: 0, Output: true}}}},
		Instances: []graph.Instance{{Who: proc0}, {Who: proc1}},
		Arcs:      []arc.Spec{arcAt(0, 128)},
	}
	h := newHarness(t, spec, Config{}, map[uint16]api.Node{1: producer}, proc0, proc1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	streams := make([]api.Stream, 2)
	g, gctx := errgroup.WithContext(ctx)
	for i, who := range []api.Identity{proc0, proc1} {
		g.Go(func() error {
			s, err := h.e.Boot(gctx, who)
			if err != nil {
				return err
			}
			streams[i] = s
			_, err = s.Reset(gctx)
			return err
		})
	}
	require.NoError(t, g.Wait())

	hold.Store(true)
	runDone := make(chan error, 1)
	go func() {
		_, err := streams[1].Run(ctx, api.ReturnAfterScan)
		runDone <- err
	}()
	<-entered

	resetDone := make(chan error, 1)
	go func() {
		_, err := streams[0].Reset(ctx)
		resetDone <- err
	}()

	select {
	case <-resetDone:
		t.Fatal("reset finished while a stream was mid-pass")
	case <-time.After(20 * time.Millisecond):
	}

	hold.Store(false)
	close(release)
	require.NoError(t, <-runDone)
	require.Equal(t, uint32(64), h.arc(0).Write())

	_, err := streams[1].Reset(ctx)
	require.NoError(t, err)
	require.NoError(t, <-resetDone)

	require.Zero(t, h.arc(0).Write())
	require.Zero(t, h.arc(0).Read())
	require.Len(t, producer.snapshot().presets, 2)
}
