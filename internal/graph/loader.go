package graph

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/petrijr/arcflow/internal/arc"
	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

// LoadState is the bootstrap progress of the commander.
type LoadState int32

const (
	StateUnloaded LoadState = iota
	StateCopying
	StateResolved
	StateReady
)

func (s LoadState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateCopying:
		return "copying"
	case StateResolved:
		return "resolved"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("LoadState(%d)", int32(s))
	}
}

// Graph is a resolved image. Node headers and arc descriptors alias the
// image memory, so every processor that loaded the same image shares them.
type Graph struct {
	Header    Header
	Source    address.Packed
	Ports     []IOPort
	Formats   []Format
	Scripts   []byte
	Nodes     []*Node
	Instances []Instance
	Arcs      []arc.Descriptor

	sections [numSections]address.Pointer
}

// SectionAt returns where section s was resolved.
func (g *Graph) SectionAt(s Section) address.Pointer { return g.sections[s] }

// FrameSizes returns the frame size of every stream format, by index.
func (g *Graph) FrameSizes() []uint32 {
	out := make([]uint32, len(g.Formats))
	for i, f := range g.Formats {
		out[i] = f.FrameSize
	}
	return out
}

// Info summarises the graph for observers.
func (g *Graph) Info() api.GraphInfo {
	info := api.GraphInfo{
		Policy:    g.Header.Policy,
		Bytes:     int(g.Header.Words) * 4,
		Ports:     len(g.Ports),
		Formats:   len(g.Formats),
		Nodes:     len(g.Nodes),
		Instances: len(g.Instances),
		Arcs:      len(g.Arcs),
	}
	for b, e := range g.Header.Estimates {
		info.Estimates[b] = int(e) * EstimateUnit
	}
	return info
}

// Booter is the part of the platform the loader synchronises with.
type Booter interface {
	WaitBoot(ctx context.Context) error
	SignalBoot()
}

// Loader brings an image into RAM and resolves its sections.
type Loader struct {
	banks         *address.Table
	boot          Booter
	commanderArch uint8
	state         atomic.Int32
}

// NewLoader returns a Loader. commanderArch is the architecture whose
// processor 0 performs the copy.
func NewLoader(banks *address.Table, boot Booter, commanderArch uint8) *Loader {
	return &Loader{banks: banks, boot: boot, commanderArch: commanderArch}
}

// State returns the commander's bootstrap progress.
func (l *Loader) State() LoadState { return LoadState(l.state.Load()) }

// IsCommander reports whether who performs the copy.
func (l *Loader) IsCommander(who api.Identity) bool {
	return who.Arch == l.commanderArch && who.Proc == 0 && who.Instance == 0
}

// Load resolves the image installed at src for who. The commander copies it
// according to the header's copy policy and then signals boot completion;
// every other caller waits for that signal first and only reads. Once the
// image is ready the commander only reads too, so a live graph is never
// copied over.
func (l *Loader) Load(ctx context.Context, src address.Packed, who api.Identity) (*Graph, error) {
	commander := l.IsCommander(who) && l.State() != StateReady
	if !commander {
		if err := l.boot.WaitBoot(ctx); err != nil {
			return nil, fmt.Errorf("waiting for boot: %w", err)
		}
	}

	hw, err := l.banks.Words(src, HeaderWords)
	if err != nil {
		return nil, fmt.Errorf("graph header: %w", err)
	}
	h := ParseHeader(loadWords(hw))
	if err := h.Validate(); err != nil {
		return nil, err
	}

	if commander {
		l.state.Store(int32(StateCopying))
		if err := l.copyImage(src, hw, h); err != nil {
			l.state.Store(int32(StateUnloaded))
			return nil, err
		}
	}

	g, err := l.resolve(src, h)
	if err != nil {
		if commander {
			l.state.Store(int32(StateUnloaded))
		}
		return nil, err
	}

	if commander {
		l.state.Store(int32(StateResolved))
		l.boot.SignalBoot()
		l.state.Store(int32(StateReady))
	}
	return g, nil
}

func (l *Loader) copyImage(src address.Packed, hw []uint32, h Header) error {
	switch h.Policy {
	case api.CopyAll:
		return l.copyRange(src, address.FromWord(h.Dest), 0, h.Words)
	case api.CopyPartial:
		return l.copyRange(src, address.FromWord(h.Dest), h.PartOffset, h.PartLength)
	default:
		// The image may have moved since it was built: re-derive the
		// location field from where it actually is.
		atomic.StoreUint32(&hw[hDest], uint32(src))
		return nil
	}
}

// copyRange copies words [off, off+n) of the image at src to dst.
func (l *Loader) copyRange(src, dst address.Packed, off, n uint32) error {
	from, err := l.at(src, off, n)
	if err != nil {
		return fmt.Errorf("graph copy source: %w", err)
	}
	to, err := l.at(dst, 0, n)
	if err != nil {
		return fmt.Errorf("graph copy destination: %w", err)
	}
	copy(to, from)
	return nil
}

// at returns n words starting off words after p, as bytes.
func (l *Loader) at(p address.Packed, off, n uint32) ([]byte, error) {
	ptr, err := l.banks.Resolve(p)
	if err != nil {
		return nil, err
	}
	ptr.Offset += 4 * off
	return l.banks.SliceAt(ptr, int(4*n))
}

// locate returns where section s lives after the copy policy was applied.
func (l *Loader) locate(src address.Packed, h Header, s Section) (address.Pointer, error) {
	off := h.SectionOffset(s)
	n := h.Sections[s]

	base, rel := src, off
	switch h.Policy {
	case api.CopyAll:
		base = address.FromWord(h.Dest)
	case api.CopyPartial:
		if off >= h.PartOffset && off+n <= h.PartOffset+h.PartLength {
			base, rel = address.FromWord(h.Dest), off-h.PartOffset
		}
	}

	ptr, err := l.banks.Resolve(base)
	if err != nil {
		return address.Pointer{}, fmt.Errorf("section %s: %w", s, err)
	}
	ptr.Offset += 4 * rel
	return ptr, nil
}

func (l *Loader) resolve(src address.Packed, h Header) (*Graph, error) {
	g := &Graph{Header: h, Source: src}

	var words [numSections][]uint32
	for s := Section(0); s < numSections; s++ {
		ptr, err := l.locate(src, h, s)
		if err != nil {
			return nil, err
		}
		b, err := l.banks.SliceAt(ptr, int(4*h.Sections[s]))
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", s, err)
		}
		w, err := address.WordsOf(b)
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", s, err)
		}
		g.sections[s] = ptr
		words[s] = w
		if s == SectionScripts {
			g.Scripts = b
		}
	}

	for _, w := range words[SectionIO] {
		g.Ports = append(g.Ports, decodeIOPort(w))
	}

	fw := words[SectionFormats]
	for i := 0; i+FormatWords <= len(fw); i += FormatWords {
		g.Formats = append(g.Formats, decodeFormat(loadWords(fw[i:i+FormatWords])))
	}

	nodes, err := ParseNodes(words[SectionNodes])
	if err != nil {
		return nil, err
	}
	g.Nodes = nodes

	iw := words[SectionInstances]
	for i := 0; i+InstanceWords <= len(iw); i += InstanceWords {
		g.Instances = append(g.Instances, decodeInstance(iw[i:i+InstanceWords]))
	}

	aw := words[SectionArcs]
	for i := 0; i+arc.Words <= len(aw); i += arc.Words {
		g.Arcs = append(g.Arcs, arc.View(i/arc.Words, aw[i:i+arc.Words]))
	}
	return g, nil
}

// loadWords snapshots shared words with atomic loads.
func loadWords(w []uint32) []uint32 {
	out := make([]uint32, len(w))
	for i := range w {
		out[i] = atomic.LoadUint32(&w[i])
	}
	return out
}
