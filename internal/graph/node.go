package graph

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/petrijr/arcflow/pkg/address"
)

var (
	// ErrTruncated is returned when a table ends in the middle of an entry
	// or the node list has no sentinel.
	ErrTruncated = errors.New("graph section truncated")
)

// ArcRef is one entry of a node's arc list.
type ArcRef struct {
	Arc    int
	Output bool
}

// Segment is a memory segment descriptor of a node.
type Segment struct {
	word    *uint32
	Size    uint32
	Scratch bool
	Clear   bool
}

// Addr is the current packed address of the segment.
func (s Segment) Addr() address.Packed {
	return address.FromWord(atomic.LoadUint32(s.word))
}

// BootParams is the optional boot-parameter block of a node.
type BootParams struct {
	Preset uint8
	Params []byte // tagged byte stream, see ParseParams
}

// Node is a decoded node descriptor. It keeps a pointer to its header word
// so the pending-parameter flag can be flipped in the shared image.
type Node struct {
	Position int
	Offset   int // word offset inside the node section
	ID       uint16
	Arch     uint8
	Proc     uint8 // 0 any, else processor id + 1
	Arcs     []ArcRef
	LockArc  int
	Segments []Segment
	Verbose  bool
	Boot     *BootParams

	header *uint32
}

// Inputs returns the number of input arcs.
func (n *Node) Inputs() int {
	c := 0
	for _, a := range n.Arcs {
		if !a.Output {
			c++
		}
	}
	return c
}

// Outputs returns the number of output arcs.
func (n *Node) Outputs() int { return len(n.Arcs) - n.Inputs() }

// Pending reports whether new parameters wait for the node.
func (n *Node) Pending() bool {
	return atomic.LoadUint32(n.header)&PendingFlag != 0
}

// MarkPending raises the new-parameters flag.
func (n *Node) MarkPending() {
	for {
		old := atomic.LoadUint32(n.header)
		if old&PendingFlag != 0 || atomic.CompareAndSwapUint32(n.header, old, old|PendingFlag) {
			return
		}
	}
}

// TakePending clears the new-parameters flag and reports whether it was set.
func (n *Node) TakePending() bool {
	for {
		old := atomic.LoadUint32(n.header)
		if old&PendingFlag == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(n.header, old, old&^PendingFlag) {
			return true
		}
	}
}

// ParseNodes walks the node list until the sentinel. Words after the
// sentinel are never read.
func ParseNodes(words []uint32) ([]*Node, error) {
	var nodes []*Node
	off := 0
	for pos := 0; ; pos++ {
		if off >= len(words) {
			return nil, fmt.Errorf("node list without sentinel: %w", ErrTruncated)
		}
		h := words[off]
		id := uint16(h & nIndexMask)
		if id == Sentinel {
			return nodes, nil
		}

		n := &Node{
			Position: pos,
			Offset:   off,
			ID:       id,
			Arch:     uint8(h & nArchMask >> nArchPos),
			Proc:     uint8(h & nProcMask >> nProcPos),
			LockArc:  int(h & nLockMask >> nLockPos),
			Verbose:  h&nVerboseFlag != 0,
			header:   &words[off],
		}
		nArcs := int(h & nArcsMask >> nArcsPos)
		nSegs := int(h & nSegsMask >> nSegsPos)
		size := 1 + (nArcs+1)/2 + 2*nSegs
		if off+size > len(words) {
			return nil, fmt.Errorf("node %d: %w", pos, ErrTruncated)
		}

		cur := off + 1
		for i := 0; i < nArcs; i++ {
			half := words[cur+i/2] >> (16 * (i % 2)) & 0xffff
			n.Arcs = append(n.Arcs, ArcRef{Arc: int(half & arcHalfMask), Output: half&arcHalfOutput != 0})
		}
		cur += (nArcs + 1) / 2

		for i := 0; i < nSegs; i++ {
			n.Segments = append(n.Segments, Segment{
				word:    &words[cur],
				Scratch: words[cur]&segScratchFlag != 0,
				Size:    words[cur+1] & segSizeMask,
				Clear:   words[cur+1]&segClearFlag != 0,
			})
			cur += 2
		}

		if h&nParamsFlag != 0 {
			if cur >= len(words) {
				return nil, fmt.Errorf("node %d boot parameters: %w", pos, ErrTruncated)
			}
			bp := words[cur]
			length := int(bp & bpLenMask >> bpLenPos)
			nw := (length + 3) / 4
			if cur+1+nw > len(words) {
				return nil, fmt.Errorf("node %d boot parameters: %w", pos, ErrTruncated)
			}
			raw := make([]byte, nw*4)
			for i := 0; i < nw; i++ {
				binary.NativeEndian.PutUint32(raw[4*i:], words[cur+1+i])
			}
			n.Boot = &BootParams{Preset: uint8(bp & bpPresetMask), Params: raw[:length]}
			cur += 1 + nw
		}

		nodes = append(nodes, n)
		off = cur
	}
}

// NodeSpec is the compile-time content of a node descriptor.
type NodeSpec struct {
	ID       uint16
	Arch     uint8
	Proc     uint8 // 0 any, else processor id + 1
	Arcs     []ArcRef
	LockArc  int
	Segments []SegmentSpec
	Verbose  bool
	Boot     *BootParams
}

// SegmentSpec is the compile-time content of a memory segment.
type SegmentSpec struct {
	Addr    address.Packed
	Size    uint32
	Scratch bool
	Clear   bool
}

// EncodeNode returns the words of one node descriptor.
func EncodeNode(s NodeSpec) ([]uint32, error) {
	if s.ID >= Sentinel {
		return nil, fmt.Errorf("node index %d is reserved", s.ID)
	}
	if len(s.Arcs) > MaxNodeArcs || len(s.Segments) > MaxNodeSegs {
		return nil, fmt.Errorf("node %d: too many arcs or segments", s.ID)
	}
	if len(s.Arcs) > 0 && (s.LockArc < 0 || s.LockArc >= len(s.Arcs)) {
		return nil, fmt.Errorf("node %d: lock arc %d out of range", s.ID, s.LockArc)
	}

	h := uint32(s.ID)&nIndexMask |
		uint32(s.Arch)<<nArchPos&nArchMask |
		uint32(s.Proc)<<nProcPos&nProcMask |
		uint32(len(s.Arcs))<<nArcsPos&nArcsMask |
		uint32(s.LockArc)<<nLockPos&nLockMask |
		uint32(len(s.Segments))<<nSegsPos&nSegsMask
	if s.Verbose {
		h |= nVerboseFlag
	}
	if s.Boot != nil {
		h |= nParamsFlag
	}
	words := []uint32{h}

	pairs := make([]uint32, (len(s.Arcs)+1)/2)
	for i, a := range s.Arcs {
		if a.Arc > MaxArcs {
			return nil, fmt.Errorf("node %d: arc index %d out of range", s.ID, a.Arc)
		}
		half := uint32(a.Arc) & arcHalfMask
		if a.Output {
			half |= arcHalfOutput
		}
		pairs[i/2] |= half << (16 * (i % 2))
	}
	words = append(words, pairs...)

	for _, seg := range s.Segments {
		w0 := uint32(seg.Addr) & address.Mask
		if seg.Scratch {
			w0 |= segScratchFlag
		}
		w1 := seg.Size & segSizeMask
		if seg.Clear {
			w1 |= segClearFlag
		}
		words = append(words, w0, w1)
	}

	if s.Boot != nil {
		n := len(s.Boot.Params)
		if n > bpLenMask>>bpLenPos {
			return nil, fmt.Errorf("node %d: boot parameters too long", s.ID)
		}
		words = append(words, uint32(s.Boot.Preset)&bpPresetMask|uint32(n)<<bpLenPos)
		raw := make([]byte, (n+3)/4*4)
		copy(raw, s.Boot.Params)
		for i := 0; i < len(raw); i += 4 {
			words = append(words, binary.NativeEndian.Uint32(raw[i:]))
		}
	}
	return words, nil
}

// SentinelWord terminates a node list.
const SentinelWord = uint32(Sentinel)

// Param is one tagged parameter override.
type Param struct {
	Tag  uint8
	Data []byte
}

// ParseParams splits a tagged byte stream of [tag][len][len bytes] records.
func ParseParams(b []byte) ([]Param, error) {
	var out []Param
	for len(b) > 0 {
		if len(b) < 2 || len(b) < 2+int(b[1]) {
			return nil, fmt.Errorf("parameter stream: %w", ErrTruncated)
		}
		n := int(b[1])
		out = append(out, Param{Tag: b[0], Data: b[2 : 2+n]})
		b = b[2+n:]
	}
	return out, nil
}

// EncodeParams builds a tagged byte stream.
func EncodeParams(params ...Param) ([]byte, error) {
	var out []byte
	for _, p := range params {
		if len(p.Data) > 0xff {
			return nil, fmt.Errorf("parameter %d longer than 255 bytes", p.Tag)
		}
		out = append(out, p.Tag, byte(len(p.Data)))
		out = append(out, p.Data...)
	}
	return out, nil
}

func decodeFormat(w []uint32) Format {
	return Format{
		FrameSize:    w[0] & fmtFrameMask,
		Channels:     uint8(w[0]&fmtChanMask>>fmtChanPos) + 1,
		RawType:      uint8(w[0] & fmtTypeMask >> fmtTypePos),
		SamplingRate: math.Float32frombits(w[1]),
	}
}

// EncodeFormat returns the two table words for f.
func EncodeFormat(f Format) [FormatWords]uint32 {
	ch := uint32(0)
	if f.Channels > 0 {
		ch = uint32(f.Channels - 1)
	}
	return [FormatWords]uint32{
		f.FrameSize&fmtFrameMask | ch<<fmtChanPos&fmtChanMask | uint32(f.RawType)<<fmtTypePos&fmtTypeMask,
		math.Float32bits(f.SamplingRate),
	}
}
