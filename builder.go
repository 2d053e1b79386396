package arcflow

import (
	"errors"
	"fmt"

	"github.com/petrijr/arcflow/internal/arc"
	"github.com/petrijr/arcflow/internal/graph"
	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

// Builder memory layout in RAMBank. Arc buffers and node segments are
// allocated upwards from ArcMemoryOffset; the loaded copy of the image lives
// at ImageOffset.
const (
	ArcMemoryOffset = 4 << 10
	ImageOffset     = 192 << 10

	allocAlign = 8
)

// DefaultIdentity is the processing context of a single-processor graph.
var DefaultIdentity = Identity{Arch: 1}

// Param is one tagged boot parameter of a node.
type Param = graph.Param

// ArcOptions configures one arc.
type ArcOptions struct {
	// Size is the ring buffer size in bytes.
	Size      uint32
	Format    uint8
	Threshold Threshold
	Overflow  FlowPolicy
	Underflow FlowPolicy
	// DebugReg selects the engine debug register counting flow events on
	// this arc. 0 disables counting.
	DebugReg uint8
	// Prefilled arcs start full of zeros.
	Prefilled bool
}

// SegmentOptions describes a block of working memory for a node.
type SegmentOptions struct {
	Size    uint32
	Scratch bool
	// Clear zeroes the segment on every reset.
	Clear bool
}

// NodeOptions describes one occurrence of a node in the graph.
type NodeOptions struct {
	Inputs  []string
	Outputs []string
	// Lock names the arc whose lock word serialises the node across streams.
	// Defaults to the first arc.
	Lock string

	// Arch and Proc restrict the node to one architecture and processor.
	// Zero Arch means any architecture; a nil Proc means any processor.
	Arch uint8
	Proc *uint8

	Segments []SegmentOptions
	Verbose  bool

	// Preset and Params are handed to the node on reset.
	Preset uint8
	Params []Param
}

// InstanceOptions describes one stream instance.
type InstanceOptions struct {
	// Ports lists the IO ports, by declaration order, the stream synchronises.
	Ports []int
	// AllPorts gives the stream every declared port.
	AllPorts bool
	// Trace names the arc receiving execution trace records of verbose nodes.
	Trace string
}

// GraphBuilder assembles a graph image:
//
//	image, err := arcflow.NewGraphBuilder().
//	    Arc("in", arcflow.ArcOptions{Size: 256}).
//	    Arc("out", arcflow.ArcOptions{Size: 256}).
//	    Inbound("in", 0).
//	    Outbound("out", 0).
//	    Node(gainID, arcflow.NodeOptions{Inputs: []string{"in"}, Outputs: []string{"out"}}).
//	    Build()
//
// Errors are collected and reported by Build.
type GraphBuilder struct {
	spec graph.ImageSpec
	arcs map[string]int
	next uint32
	errs []error
}

// NewGraphBuilder returns a builder for a copy-all image loaded at
// ImageOffset of RAMBank.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		spec: graph.ImageSpec{
			Policy: api.CopyAll,
			Dest:   address.Pack(RAMBank, 0, ImageOffset),
		},
		arcs: make(map[string]int),
		next: ArcMemoryOffset,
	}
}

func (b *GraphBuilder) fail(format string, args ...any) *GraphBuilder {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
	return b
}

// alloc reserves n bytes of RAMBank.
func (b *GraphBuilder) alloc(n uint32) (address.Packed, bool) {
	base := b.next
	end := base + (n+allocAlign-1)/allocAlign*allocAlign
	if end > ImageOffset {
		return 0, false
	}
	b.next = end
	return address.Pack(RAMBank, 0, base), true
}

// InPlace makes the loader run the image where it was installed.
func (b *GraphBuilder) InPlace() *GraphBuilder {
	b.spec.Policy = api.CopyNone
	b.spec.Dest = 0
	return b
}

// CopyPartial copies only the sections from the IO table through the node
// list and resolves the rest in place.
func (b *GraphBuilder) CopyPartial() *GraphBuilder {
	b.spec.Policy = api.CopyPartial
	b.spec.PartFrom = graph.SectionIO
	b.spec.PartTo = graph.SectionNodes
	return b
}

// Format declares a stream format. Formats are indexed in declaration order.
func (b *GraphBuilder) Format(frameSize uint32, channels uint8, rate float32) *GraphBuilder {
	b.spec.Formats = append(b.spec.Formats, graph.Format{
		FrameSize:    frameSize,
		Channels:     channels,
		SamplingRate: rate,
	})
	return b
}

// Scripts sets the script section handed to the script hook.
func (b *GraphBuilder) Scripts(code []byte) *GraphBuilder {
	b.spec.Scripts = append([]byte(nil), code...)
	return b
}

// Arc declares a named arc and allocates its buffer.
func (b *GraphBuilder) Arc(name string, opts ArcOptions) *GraphBuilder {
	if name == "" {
		return b.fail("arc name must not be empty")
	}
	if _, dup := b.arcs[name]; dup {
		return b.fail("arc %q declared twice", name)
	}
	if opts.Size == 0 || opts.Size > arc.MaxSize {
		return b.fail("arc %q: size %d out of range", name, opts.Size)
	}
	base, ok := b.alloc(opts.Size)
	if !ok {
		return b.fail("arc %q: out of arc memory", name)
	}
	b.arcs[name] = len(b.spec.Arcs)
	b.spec.Arcs = append(b.spec.Arcs, arc.Spec{
		Base:      base,
		Format:    opts.Format,
		Size:      opts.Size,
		DebugReg:  opts.DebugReg,
		Overflow:  opts.Overflow,
		Underflow: opts.Underflow,
		Threshold: opts.Threshold,
		Prefilled: opts.Prefilled,
	})
	return b
}

func (b *GraphBuilder) arcIndex(name string) (int, bool) {
	i, ok := b.arcs[name]
	if !ok {
		b.fail("unknown arc %q", name)
	}
	return i, ok
}

// Inbound declares an IO port through which the platform fills arc.
func (b *GraphBuilder) Inbound(arcName string, function uint8) *GraphBuilder {
	return b.port(arcName, api.IOInbound, function)
}

// Outbound declares an IO port through which the platform drains arc.
func (b *GraphBuilder) Outbound(arcName string, function uint8) *GraphBuilder {
	return b.port(arcName, api.IOOutbound, function)
}

func (b *GraphBuilder) port(arcName string, dir api.IODirection, function uint8) *GraphBuilder {
	i, ok := b.arcIndex(arcName)
	if !ok {
		return b
	}
	b.spec.Ports = append(b.spec.Ports, graph.IOPort{Arc: i, Dir: dir, Function: function})
	return b
}

// Node appends a node to the scheduling list. id is the node-table index its
// factory is registered under.
func (b *GraphBuilder) Node(id uint16, opts NodeOptions) *GraphBuilder {
	n := graph.NodeSpec{ID: id, Arch: opts.Arch, Verbose: opts.Verbose}
	if opts.Proc != nil {
		n.Proc = *opts.Proc + 1
	}

	for _, name := range opts.Inputs {
		if i, ok := b.arcIndex(name); ok {
			n.Arcs = append(n.Arcs, graph.ArcRef{Arc: i})
		}
	}
	for _, name := range opts.Outputs {
		if i, ok := b.arcIndex(name); ok {
			n.Arcs = append(n.Arcs, graph.ArcRef{Arc: i, Output: true})
		}
	}
	if opts.Lock != "" {
		i, ok := b.arcIndex(opts.Lock)
		n.LockArc = -1
		for j, ref := range n.Arcs {
			if ok && ref.Arc == i {
				n.LockArc = j
				break
			}
		}
		if ok && n.LockArc < 0 {
			return b.fail("node %d: lock arc %q is not one of its arcs", id, opts.Lock)
		}
	}

	for _, seg := range opts.Segments {
		addr, ok := b.alloc(seg.Size)
		if !ok {
			return b.fail("node %d: out of segment memory", id)
		}
		n.Segments = append(n.Segments, graph.SegmentSpec{
			Addr:    addr,
			Size:    seg.Size,
			Scratch: seg.Scratch,
			Clear:   seg.Clear,
		})
	}

	if opts.Preset != 0 || len(opts.Params) > 0 {
		raw, err := graph.EncodeParams(opts.Params...)
		if err != nil {
			return b.fail("node %d: %w", id, err)
		}
		n.Boot = &graph.BootParams{Preset: opts.Preset, Params: raw}
	}

	b.spec.Nodes = append(b.spec.Nodes, n)
	return b
}

// Instance declares a stream instance for the processing context who.
// Without any instance, Build adds one for DefaultIdentity owning every port.
func (b *GraphBuilder) Instance(who Identity, opts InstanceOptions) *GraphBuilder {
	in := graph.Instance{Who: who}
	if opts.AllPorts {
		in.Ports = 1<<len(b.spec.Ports) - 1
	}
	for _, p := range opts.Ports {
		if p < 0 || p >= graph.MaxPorts {
			return b.fail("instance %s: port %d out of range", who, p)
		}
		in.Ports |= 1 << p
	}
	if opts.Trace != "" {
		i, ok := b.arcIndex(opts.Trace)
		if !ok {
			return b
		}
		in.Trace, in.TraceArc = true, i
	}
	b.spec.Instances = append(b.spec.Instances, in)
	return b
}

// Build assembles the image.
func (b *GraphBuilder) Build() ([]byte, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("arcflow: graph builder: %w", errors.Join(b.errs...))
	}
	spec := b.spec
	if len(spec.Instances) == 0 {
		spec.Instances = []graph.Instance{{Who: DefaultIdentity, Ports: 1<<len(spec.Ports) - 1}}
	}
	spec.Estimates[RAMBank] = int(b.next - ArcMemoryOffset)

	words, err := graph.Assemble(spec)
	if err != nil {
		return nil, fmt.Errorf("arcflow: graph builder: %w", err)
	}
	return graph.WordsToBytes(words), nil
}

// MustBuild is like Build but panics on error.
func (b *GraphBuilder) MustBuild() []byte {
	image, err := b.Build()
	if err != nil {
		panic(err)
	}
	return image
}
