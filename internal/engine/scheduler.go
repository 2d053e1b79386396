package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/petrijr/arcflow/internal/arc"
	"github.com/petrijr/arcflow/internal/graph"
	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

// TraceRecordSize is the size of one trace record: node position (uint16),
// node index (uint16), status, command and two bytes of padding, little
// endian.
const TraceRecordSize = 8

// stream is one processor/instance pair scheduling its share of the graph.
// Reset, Run and Stop belong to a single goroutine; SetParameter, IOAck and
// IOAckBuffer may be called from anywhere.
type stream struct {
	e     *engineImpl
	rt    *runtime
	pos   int
	inst  graph.Instance
	owner uint8

	bufs []api.Buffer
	// stage holds, by arc index, the staging buffers of interpolating
	// output arcs.
	stage map[int][]byte
}

var _ api.Stream = (*stream)(nil)

func newStream(e *engineImpl, rt *runtime, pos int, inst graph.Instance) *stream {
	return &stream{
		e:     e,
		rt:    rt,
		pos:   pos,
		inst:  inst,
		owner: uint8(pos + 1),
		stage: make(map[int][]byte),
	}
}

// staging returns the stream's staging buffer for the output arc d, sized to
// hold a full arc.
func (s *stream) staging(d arc.Descriptor) []byte {
	size := int(d.Size())
	buf := s.stage[d.Index()]
	if len(buf) != size {
		buf = make([]byte, size)
		s.stage[d.Index()] = buf
	}
	return buf
}

func (s *stream) Identity() api.Identity { return s.inst.Who }

// visit is what a node visit did.
type visit struct {
	invoked   int
	contended bool
	// pending is set when the node still needs the command of the pass.
	pending bool
}

func (s *stream) Reset(ctx context.Context) (api.PassResult, error) {
	start := time.Now()
	s.e.observer.OnPassStart(ctx, s.inst.Who, api.CommandReset)

	// Every stream leaves its RUN pass at the first barrier; the first
	// instance then resets arcs and ports and opens the new generation, and
	// nobody sweeps before the second barrier.
	parties := len(s.rt.g.Instances)
	if err := s.e.platform.ResetBarrier(ctx, parties); err != nil {
		return api.PassResult{}, fmt.Errorf("reset barrier: %w", err)
	}
	if s.pos == 0 {
		s.rt.beginReset()
	}
	if err := s.e.platform.ResetBarrier(ctx, parties); err != nil {
		return api.PassResult{}, fmt.Errorf("reset barrier: %w", err)
	}

	res, err := s.sweep(ctx, api.CommandReset)
	s.finish(ctx, api.CommandReset, res, start)
	return res, err
}

func (s *stream) Stop(ctx context.Context) (api.PassResult, error) {
	start := time.Now()
	s.e.observer.OnPassStart(ctx, s.inst.Who, api.CommandStop)

	res, err := s.sweep(ctx, api.CommandStop)
	s.stopIO(ctx)
	s.finish(ctx, api.CommandStop, res, start)
	return res, err
}

// sweep runs cmd over the node list, rescanning while a node this stream
// must handle was held by another stream.
func (s *stream) sweep(ctx context.Context, cmd api.Command) (api.PassResult, error) {
	var res api.PassResult
	gen := s.rt.generation.Load()
	for res.Passes < s.e.cfg.MaxPasses {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s.hook(api.HookBeforePass, cmd, -1)
		pending := false
		for _, n := range s.rt.nodes {
			var v visit
			if cmd == api.CommandReset {
				v = s.visitReset(ctx, n, gen)
			} else {
				v = s.visitStop(ctx, n, gen)
			}
			res.Invoked += v.invoked
			if v.contended {
				res.Contended++
			}
			pending = pending || v.pending
		}
		res.Passes++
		s.hook(api.HookAfterPass, cmd, -1)
		if !pending {
			break
		}
	}
	res.Idle = res.Invoked == 0
	return res, nil
}

func (s *stream) Run(ctx context.Context, policy api.ReturnPolicy) (api.PassResult, error) {
	start := time.Now()
	s.e.observer.OnPassStart(ctx, s.inst.Who, api.CommandRun)

	var res api.PassResult
	var err error
	for {
		if err = ctx.Err(); err != nil {
			break
		}
		s.hook(api.HookBeforePass, api.CommandRun, -1)
		s.syncIO(ctx)

		gen := s.rt.generation.Load()
		invoked := 0
		for _, n := range s.rt.nodes {
			v := s.visitRun(ctx, n, gen)
			invoked += v.invoked
			if v.contended {
				res.Contended++
			}
			if policy == api.ReturnAfterFirst && invoked > 0 {
				break
			}
		}
		res.Passes++
		res.Invoked += invoked
		res.Idle = invoked == 0
		s.hook(api.HookAfterPass, api.CommandRun, -1)

		if policy != api.ReturnWhenIdle || res.Idle || res.Passes >= s.e.cfg.MaxPasses {
			break
		}
	}

	s.finish(ctx, api.CommandRun, res, start)
	return res, err
}

func (s *stream) finish(ctx context.Context, cmd api.Command, res api.PassResult, start time.Time) {
	s.hook(api.HookReturn, cmd, -1)
	s.e.observer.OnPassCompleted(ctx, s.inst.Who, cmd, res, time.Since(start))
}

func (s *stream) hook(point api.HookPoint, cmd api.Command, node int) {
	if s.e.cfg.Script == nil {
		return
	}
	word := api.NewCommandWord(cmd, 0, 0, 0, 0, 0)
	if node >= 0 {
		word = s.word(s.rt.nodes[node], cmd)
	}
	s.e.cfg.Script.Call(api.HookCall{
		Point:  point,
		Who:    s.inst.Who,
		Word:   word,
		Node:   node,
		Script: s.rt.g.Scripts,
	})
}

func (s *stream) word(n *nodeState, cmd api.Command) api.CommandWord {
	return api.NewCommandWord(cmd, uint8(n.desc.Position), 0, 0, n.desc.Inputs(), n.desc.Outputs())
}

// acquire takes the node's lock with a single attempt during a pass. A
// refusal is counted as contention.
func (s *stream) acquire(ctx context.Context, n *nodeState) bool {
	if !s.lock(n) {
		s.e.observer.OnLockContention(ctx, s.inst.Who, n.ref())
		return false
	}
	return true
}

// lock makes one attempt at the node's lock without reporting.
func (s *stream) lock(n *nodeState) bool {
	return n.lockOwner() == 0 && n.tryLock(s.owner)
}

func (s *stream) release(ctx context.Context, n *nodeState) {
	if err := n.unlock(s.owner); err != nil {
		s.reportError(ctx, fmt.Errorf("node at position %d: %w", n.desc.Position, err))
	}
}

func (s *stream) visitReset(ctx context.Context, n *nodeState, gen uint32) visit {
	if n.generation.Load() == gen || !n.matches(s.inst.Who) {
		return visit{}
	}
	if !s.acquire(ctx, n) {
		return visit{contended: true, pending: true}
	}
	defer s.release(ctx, n)
	if n.generation.Load() == gen {
		return visit{}
	}

	s.hook(api.HookBeforeNode, api.CommandReset, n.desc.Position)
	start := time.Now()

	segs, err := s.rt.segments(n)
	if err != nil {
		s.reportError(ctx, err)
	}

	word := s.word(n, api.CommandReset)
	var params []graph.Param
	if n.desc.Boot != nil {
		word = api.NewCommandWord(api.CommandReset, uint8(n.desc.Position), n.desc.Boot.Preset, 0, n.desc.Inputs(), n.desc.Outputs())
		params, err = graph.ParseParams(n.desc.Boot.Params)
		if err != nil {
			s.reportError(ctx, fmt.Errorf("node at position %d boot parameters: %w", n.desc.Position, err))
		}
	}

	if _, _, err := api.Invoke(n.impl, api.Invocation{Word: word, Segments: segs}); err != nil {
		s.reportError(ctx, fmt.Errorf("node at position %d reset: %w", n.desc.Position, err))
	}
	s.applyParams(ctx, n, params)

	n.generation.Store(gen)
	s.invoked(ctx, n, api.CommandReset, api.StatusDone, start)
	s.hook(api.HookAfterNode, api.CommandReset, n.desc.Position)
	return visit{invoked: 1}
}

func (s *stream) visitStop(ctx context.Context, n *nodeState, gen uint32) visit {
	if !n.runnable(gen) || !n.matches(s.inst.Who) {
		return visit{}
	}
	if !s.acquire(ctx, n) {
		return visit{contended: true, pending: true}
	}
	defer s.release(ctx, n)
	if !n.runnable(gen) {
		return visit{}
	}

	s.hook(api.HookBeforeNode, api.CommandStop, n.desc.Position)
	start := time.Now()
	if _, _, err := api.Invoke(n.impl, api.Invocation{Word: s.word(n, api.CommandStop)}); err != nil {
		s.reportError(ctx, fmt.Errorf("node at position %d stop: %w", n.desc.Position, err))
	}
	n.generation.Store(0)
	s.invoked(ctx, n, api.CommandStop, api.StatusDone, start)
	s.hook(api.HookAfterNode, api.CommandStop, n.desc.Position)
	return visit{invoked: 1}
}

func (s *stream) visitRun(ctx context.Context, n *nodeState, gen uint32) visit {
	if !n.runnable(gen) || !n.matches(s.inst.Who) {
		return visit{}
	}
	if !s.acquire(ctx, n) {
		return visit{contended: true}
	}
	defer s.release(ctx, n)

	s.hook(api.HookBeforeNode, api.CommandRun, n.desc.Position)
	s.applyParams(ctx, n, n.takeParams())

	var v visit
	for rep := 0; rep < s.e.cfg.MaxRepeat; rep++ {
		s.realignInputs(ctx, n)
		if !s.ready(n) {
			break
		}
		status, ok := s.invokeRun(ctx, n)
		if !ok {
			break
		}
		v.invoked++
		if status != api.StatusNeedsRun {
			break
		}
	}
	s.hook(api.HookAfterNode, api.CommandRun, n.desc.Position)
	return v
}

// applyParams hands parameter updates to the node in order.
func (s *stream) applyParams(ctx context.Context, n *nodeState, params []graph.Param) {
	for _, p := range params {
		word := s.word(n, api.CommandSetParameter).WithTag(p.Tag)
		if _, _, err := api.Invoke(n.impl, api.Invocation{Word: word, Data: p.Data}); err != nil {
			s.reportError(ctx, fmt.Errorf("node at position %d parameter %d: %w", n.desc.Position, p.Tag, err))
		}
	}
}

// realignInputs compacts every input arc whose producer asked for it.
func (s *stream) realignInputs(ctx context.Context, n *nodeState) {
	for _, a := range n.desc.Arcs {
		if a.Output {
			continue
		}
		d := s.rt.arc(a.Arc)
		if !d.RealignPending() {
			continue
		}
		if _, err := s.rt.arcs.RealignToBase(d); err != nil {
			s.reportError(ctx, err)
		}
	}
}

// ready reports whether every input has data and every output has room. An
// output without room asks its consumer to realign.
func (s *stream) ready(n *nodeState) bool {
	ok := true
	for _, a := range n.desc.Arcs {
		d := s.rt.arc(a.Arc)
		if !a.Output {
			ok = ok && d.ReadyForRead()
			continue
		}
		if !d.ReadyForWrite() || d.RealignPending() {
			s.rt.arcs.RequestRealign(d)
			ok = false
		}
	}
	return ok
}

// invokeRun runs the node once over its arcs and applies the sizes it
// reported. It returns false when an arc could not be resolved.
func (s *stream) invokeRun(ctx context.Context, n *nodeState) (api.Status, bool) {
	bufs := s.bufs[:0]
	for _, output := range []bool{false, true} {
		for _, a := range n.desc.Arcs {
			if a.Output != output {
				continue
			}
			d := s.rt.arc(a.Arc)
			var (
				data []byte
				err  error
			)
			switch {
			case output && arc.Staged(d):
				data = s.staging(d)
			case output:
				data, err = s.rt.arcs.Writable(d)
			default:
				data, err = s.rt.arcs.Readable(d)
			}
			if err != nil {
				s.reportError(ctx, fmt.Errorf("node at position %d: %w", n.desc.Position, err))
				return api.StatusDone, false
			}
			bufs = append(bufs, api.Buffer{Data: data, Size: len(data)})
		}
	}
	s.bufs = bufs

	start := time.Now()
	status, _, err := api.Invoke(n.impl, api.Invocation{Word: s.word(n, api.CommandRun), Buffers: bufs})
	if err != nil {
		s.reportError(ctx, fmt.Errorf("node at position %d run: %w", n.desc.Position, err))
	}

	i := 0
	for _, output := range []bool{false, true} {
		for _, a := range n.desc.Arcs {
			if a.Output != output {
				continue
			}
			d := s.rt.arc(a.Arc)
			var ev api.FlowEvent
			switch {
			case output && arc.Staged(d):
				_, ev, err = s.rt.arcs.Accept(d, s.staging(d), bufs[i].Size)
				if err != nil {
					s.reportError(ctx, fmt.Errorf("node at position %d: %w", n.desc.Position, err))
				}
			case output:
				_, ev = s.rt.arcs.Produce(d, bufs[i].Size)
			default:
				_, ev = s.rt.arcs.MoveOut(d, bufs[i].Size)
			}
			s.flow(ctx, ev)
			i++
		}
	}

	s.invoked(ctx, n, api.CommandRun, status, start)
	return status, true
}

func (s *stream) invoked(ctx context.Context, n *nodeState, cmd api.Command, status api.Status, start time.Time) {
	s.e.observer.OnNodeInvoked(ctx, s.inst.Who, n.ref(), cmd, status, time.Since(start))
	s.trace(ctx, n, cmd, status)
}

// flow reports an enacted flow condition. Events with no kind are ignored.
func (s *stream) flow(ctx context.Context, ev api.FlowEvent) {
	if ev.Kind == 0 {
		return
	}
	s.e.countDebug(s.rt.arc(ev.Arc).DebugReg())
	s.e.observer.OnFlowEvent(ctx, ev)
}

// trace appends a record for verbose nodes to the instance's trace arc. A
// record that does not fit, or arrives while the arc waits for realignment,
// is dropped.
func (s *stream) trace(ctx context.Context, n *nodeState, cmd api.Command, status api.Status) {
	if !s.inst.Trace || !n.desc.Verbose || s.inst.TraceArc >= len(s.rt.g.Arcs) {
		return
	}
	d := s.rt.arc(s.inst.TraceArc)
	if d.RealignPending() || d.Free() < TraceRecordSize {
		s.rt.arcs.RequestRealign(d)
		return
	}

	var rec [TraceRecordSize]byte
	binary.LittleEndian.PutUint16(rec[0:], uint16(n.desc.Position))
	binary.LittleEndian.PutUint16(rec[2:], n.desc.ID)
	rec[4] = byte(status)
	rec[5] = byte(cmd)
	if _, _, err := s.rt.arcs.MoveIn(d, rec[:]); err != nil {
		s.reportError(ctx, err)
	}
}

func (s *stream) reportError(ctx context.Context, err error) {
	s.e.platform.ReportError(ctx, err)
	s.e.observer.OnPlatformError(ctx, err)
}

func (s *stream) node(pos int) (*nodeState, error) {
	if pos < 0 || pos >= len(s.rt.nodes) {
		return nil, fmt.Errorf("node position %d of %d: %w", pos, len(s.rt.nodes), address.ErrOutOfRange)
	}
	return s.rt.nodes[pos], nil
}
