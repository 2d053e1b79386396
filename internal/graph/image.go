package graph

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/petrijr/arcflow/internal/arc"
	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

var (
	// ErrBadImage is returned for an image whose header is inconsistent.
	ErrBadImage = errors.New("malformed graph image")
)

// Validate checks the header against itself.
func (h Header) Validate() error {
	if h.Version != LayoutVersion {
		return fmt.Errorf("layout version %d, want %d: %w", h.Version, LayoutVersion, ErrBadImage)
	}
	end := h.SectionOffset(numSections)
	if end > h.Words {
		return fmt.Errorf("sections end at word %d past image length %d: %w", end, h.Words, ErrBadImage)
	}
	if h.Policy == api.CopyPartial && h.PartOffset+h.PartLength > h.Words {
		return fmt.Errorf("partial copy [%d,+%d) outside image: %w", h.PartOffset, h.PartLength, ErrBadImage)
	}
	if h.Sections[SectionFormats]%FormatWords != 0 ||
		h.Sections[SectionInstances]%InstanceWords != 0 ||
		h.Sections[SectionArcs]%arc.Words != 0 {
		return fmt.Errorf("table section length not a whole number of entries: %w", ErrBadImage)
	}
	return nil
}

// ImageSpec is everything needed to assemble an image.
type ImageSpec struct {
	Policy api.CopyPolicy
	Dest   address.Packed

	// PartFrom and PartTo select the sections, inclusive, copied under
	// api.CopyPartial.
	PartFrom Section
	PartTo   Section

	// Estimates is the working memory the graph needs per bank, in bytes.
	Estimates [address.MaxBanks]int

	Ports     []IOPort
	Formats   []Format
	Scripts   []byte
	Nodes     []NodeSpec
	Instances []Instance
	Arcs      []arc.Spec
}

// Assemble lays out s as image words.
func Assemble(s ImageSpec) ([]uint32, error) {
	if len(s.Ports) > MaxPorts {
		return nil, fmt.Errorf("%d io ports, at most %d", len(s.Ports), MaxPorts)
	}
	if len(s.Instances) > MaxInstances {
		return nil, fmt.Errorf("%d stream instances, at most %d", len(s.Instances), MaxInstances)
	}
	if len(s.Arcs) > MaxArcs {
		return nil, fmt.Errorf("%d arcs, at most %d", len(s.Arcs), MaxArcs)
	}
	if len(s.Nodes) > MaxNodeIndices {
		return nil, fmt.Errorf("%d nodes, at most %d", len(s.Nodes), MaxNodeIndices)
	}

	var sec [numSections][]uint32
	for _, p := range s.Ports {
		if p.Arc >= len(s.Arcs) {
			return nil, fmt.Errorf("io port on arc %d: only %d arcs", p.Arc, len(s.Arcs))
		}
		sec[SectionIO] = append(sec[SectionIO], EncodeIOPort(p))
	}
	for _, f := range s.Formats {
		w := EncodeFormat(f)
		sec[SectionFormats] = append(sec[SectionFormats], w[:]...)
	}
	sec[SectionScripts] = BytesToWords(s.Scripts)
	for i, n := range s.Nodes {
		w, err := EncodeNode(n)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		for _, a := range n.Arcs {
			if a.Arc >= len(s.Arcs) {
				return nil, fmt.Errorf("node %d uses arc %d: only %d arcs", i, a.Arc, len(s.Arcs))
			}
		}
		sec[SectionNodes] = append(sec[SectionNodes], w...)
	}
	sec[SectionNodes] = append(sec[SectionNodes], SentinelWord)
	for _, in := range s.Instances {
		w := EncodeInstance(in)
		sec[SectionInstances] = append(sec[SectionInstances], w[:]...)
	}
	for i, a := range s.Arcs {
		if int(a.Format) >= len(s.Formats) && len(s.Formats) > 0 {
			return nil, fmt.Errorf("arc %d: format %d not declared", i, a.Format)
		}
		w := arc.Encode(a)
		sec[SectionArcs] = append(sec[SectionArcs], w[:]...)
	}

	h := Header{Policy: s.Policy, Version: LayoutVersion, Dest: uint32(s.Dest)}
	for i := range sec {
		h.Sections[i] = uint32(len(sec[i]))
	}
	h.Words = h.SectionOffset(numSections)
	if h.Words > lengthMask {
		return nil, fmt.Errorf("image of %d words too large", h.Words)
	}
	if s.Policy == api.CopyPartial {
		if s.PartFrom > s.PartTo || s.PartTo >= numSections {
			return nil, fmt.Errorf("partial copy sections %s..%s", s.PartFrom, s.PartTo)
		}
		h.PartOffset = h.SectionOffset(s.PartFrom)
		h.PartLength = h.SectionOffset(s.PartTo+1) - h.PartOffset
	}
	for b, bytes := range s.Estimates {
		units := (bytes + EstimateUnit - 1) / EstimateUnit
		if units > 0xffff {
			return nil, fmt.Errorf("bank %d estimate of %d bytes too large", b, bytes)
		}
		h.Estimates[b] = uint16(units)
	}

	hw := h.Encode()
	out := make([]uint32, 0, h.Words)
	out = append(out, hw[:]...)
	for i := range sec {
		out = append(out, sec[i]...)
	}
	return out, nil
}

// BytesToWords packs b into native-endian words, zero padded.
func BytesToWords(b []byte) []uint32 {
	raw := make([]byte, (len(b)+3)/4*4)
	copy(raw, b)
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.NativeEndian.Uint32(raw[4*i:])
	}
	return out
}

// WordsToBytes is the inverse of BytesToWords.
func WordsToBytes(w []uint32) []byte {
	out := make([]byte, 4*len(w))
	for i, v := range w {
		binary.NativeEndian.PutUint32(out[4*i:], v)
	}
	return out
}

// Install copies image bytes to p in banks, where a loader can find them.
func Install(banks *address.Table, p address.Packed, image []byte) error {
	dst, err := banks.Slice(p, len(image))
	if err != nil {
		return fmt.Errorf("install image: %w", err)
	}
	copy(dst, image)
	return nil
}
