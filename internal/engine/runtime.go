package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petrijr/arcflow/internal/arc"
	"github.com/petrijr/arcflow/internal/graph"
	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

// runtime is the run state shared by every stream of one loaded graph.
type runtime struct {
	banks *address.Table
	g     *graph.Graph
	arcs  *arc.Manager
	nodes []*nodeState
	ports []*portState

	// generation counts reset rounds. A node is runnable once its own
	// generation matches; zero means no reset happened yet.
	generation atomic.Uint32
}

// nodeState is the run state of one node of the list.
type nodeState struct {
	desc *graph.Node
	impl api.Node

	// lock is the descriptor of the node's lock arc, or nil for a node
	// without arcs, which locks on owner instead.
	lock  *arc.Descriptor
	owner atomic.Uint32

	generation atomic.Uint32

	mu     sync.Mutex
	params []graph.Param
}

// portState tracks one external IO port.
type portState struct {
	graph.IOPort
	outstanding atomic.Bool

	// staged is set while the outstanding transfer uses stage instead of
	// arc memory.
	staged atomic.Bool
	stage  []byte
}

// staging returns the port's staging buffer resized to n bytes.
func (p *portState) staging(n int) []byte {
	if cap(p.stage) < n {
		p.stage = make([]byte, n)
	}
	p.stage = p.stage[:n]
	return p.stage
}

func newRuntime(banks *address.Table, g *graph.Graph, reg *nodeRegistry) (*runtime, error) {
	rt := &runtime{
		banks: banks,
		g:     g,
		arcs:  arc.NewManager(banks, g.FrameSizes()),
	}

	for _, n := range g.Nodes {
		factory, err := reg.Get(n.ID)
		if err != nil {
			return nil, fmt.Errorf("node at position %d: %w", n.Position, err)
		}
		for _, a := range n.Arcs {
			if a.Arc >= len(g.Arcs) {
				return nil, fmt.Errorf("node at position %d uses arc %d of %d: %w", n.Position, a.Arc, len(g.Arcs), graph.ErrBadImage)
			}
		}
		ns := &nodeState{desc: n, impl: factory()}
		if len(n.Arcs) > 0 {
			d := g.Arcs[n.Arcs[n.LockArc].Arc]
			ns.lock = &d
		}
		rt.nodes = append(rt.nodes, ns)
	}

	for i, p := range g.Ports {
		if p.Arc >= len(g.Arcs) {
			return nil, fmt.Errorf("io port %d on arc %d of %d: %w", i, p.Arc, len(g.Arcs), graph.ErrBadImage)
		}
		rt.ports = append(rt.ports, &portState{IOPort: p})
	}
	return rt, nil
}

// beginReset starts a new reset round: arcs go back to their initial state
// and no IO transfer is considered outstanding. It returns the round.
func (rt *runtime) beginReset() uint32 {
	for _, d := range rt.g.Arcs {
		rt.arcs.Reset(d)
	}
	for _, p := range rt.ports {
		p.outstanding.Store(false)
		p.staged.Store(false)
	}
	gen := rt.generation.Add(1)
	if gen == 0 {
		gen = rt.generation.Add(1)
	}
	return gen
}

func (rt *runtime) arc(i int) arc.Descriptor { return rt.g.Arcs[i] }

func (n *nodeState) ref() api.NodeRef {
	return api.NodeRef{Position: n.desc.Position, ID: n.desc.ID}
}

// lockOwner is the current holder of the node's lock, zero when free.
func (n *nodeState) lockOwner() uint8 {
	if n.lock != nil {
		return n.lock.Owner()
	}
	return uint8(n.owner.Load())
}

// tryLock makes one attempt to take the node's lock.
func (n *nodeState) tryLock(owner uint8) bool {
	if n.lock != nil {
		return n.lock.TryLock(owner)
	}
	return owner != 0 && n.owner.CompareAndSwap(0, uint32(owner))
}

func (n *nodeState) unlock(owner uint8) error {
	if n.lock != nil {
		return n.lock.Unlock(owner)
	}
	if !n.owner.CompareAndSwap(uint32(owner), 0) {
		return arc.ErrNotOwner
	}
	return nil
}

// runnable reports whether the node was reset in round gen and not stopped
// since.
func (n *nodeState) runnable(gen uint32) bool {
	return gen != 0 && n.generation.Load() == gen
}

// matches reports whether who may run the node. Zero affinity fields match
// anything; a processor affinity p selects processor p-1.
func (n *nodeState) matches(who api.Identity) bool {
	if n.desc.Arch != 0 && n.desc.Arch != who.Arch {
		return false
	}
	if n.desc.Proc != 0 && n.desc.Proc-1 != who.Proc {
		return false
	}
	return true
}

// segments resolves the node's memory segments, clearing those flagged for
// it.
func (rt *runtime) segments(n *nodeState) ([]api.Segment, error) {
	segs := make([]api.Segment, 0, len(n.desc.Segments))
	for i, s := range n.desc.Segments {
		data, err := rt.banks.Slice(s.Addr(), int(s.Size))
		if err != nil {
			return nil, fmt.Errorf("node at position %d segment %d: %w", n.desc.Position, i, err)
		}
		if s.Clear {
			clear(data)
		}
		segs = append(segs, api.Segment{Data: data, Scratch: s.Scratch})
	}
	return segs, nil
}

// queueParam queues a parameter update. A tag 0 update carries the whole
// set and supersedes everything queued before it.
func (n *nodeState) queueParam(tag uint8, data []byte) {
	n.mu.Lock()
	if tag == 0 {
		n.params = n.params[:0]
	}
	n.params = append(n.params, graph.Param{Tag: tag, Data: append([]byte(nil), data...)})
	n.mu.Unlock()
	n.desc.MarkPending()
}

// takeParams returns the queued updates if the pending flag was raised.
func (n *nodeState) takeParams() []graph.Param {
	if !n.desc.TakePending() {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.params
	n.params = nil
	return out
}
