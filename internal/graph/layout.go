// Package graph decodes the binary graph image and brings it into RAM.
//
// An image is a fixed header followed by six sections in a fixed order: IO
// port table, stream format table, script byte-code, node list, stream
// instance table and arc descriptor table. Section lengths come from the
// header only; the runtime never infers layout from content.
package graph

import (
	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

// Header layout.
const (
	HeaderWords = 14
	HeaderBytes = HeaderWords * 4

	hLength   = 0
	hDest     = 1
	hPartOff  = 2
	hPartLen  = 3
	hEstimate = 4 // four words, eight 16-bit estimates
	hSections = 8 // six section lengths

	lengthMask = 1<<22 - 1
	policyPos  = 24
	policyMask = 0x3 << policyPos
	versionPos = 28

	LayoutVersion = 1

	// EstimateUnit is the granularity of the per-bank estimates, in bytes.
	EstimateUnit = 64
)

// Section identifies one of the six image sections, in image order.
type Section int

const (
	SectionIO Section = iota
	SectionFormats
	SectionScripts
	SectionNodes
	SectionInstances
	SectionArcs

	numSections
)

func (s Section) String() string {
	return [...]string{"io", "formats", "scripts", "nodes", "instances", "arcs"}[s]
}

// IO port entry.
const (
	ioArcMask  = 0x3ff
	ioDirFlag  = 1 << 10
	ioFuncPos  = 11
	ioFuncMask = 0xff << ioFuncPos
)

// Stream format entry, two words.
const (
	FormatWords = 2

	fmtFrameMask = 1<<22 - 1
	fmtChanPos   = 22
	fmtChanMask  = 0x1f << fmtChanPos
	fmtTypePos   = 27
	fmtTypeMask  = 0x1f << fmtTypePos
)

// Node header word.
const (
	// Sentinel is the node-table index that terminates the node list.
	Sentinel = 0x3ff

	nIndexMask    = 0x3ff
	nArchPos      = 10
	nArchMask     = 0x7 << nArchPos
	nProcPos      = 13
	nProcMask     = 0x7 << nProcPos
	nArcsPos      = 16
	nArcsMask     = 0xf << nArcsPos
	nLockPos      = 20
	nLockMask     = 0xf << nLockPos
	nSegsPos      = 24
	nSegsMask     = 0x7 << nSegsPos
	nParamsFlag   = 1 << 27
	nVerboseFlag  = 1 << 28
	PendingFlag   = 1 << 31
	MaxNodeArcs   = 0xf
	MaxNodeSegs   = 0x7
	arcHalfMask   = 0x3ff
	arcHalfOutput = 1 << 15
)

// Memory segment, two words.
const (
	segScratchFlag = 1 << 31
	segSizeMask    = 1<<24 - 1
	segClearFlag   = 1 << 24
)

// Boot parameter block header word.
const (
	bpPresetMask = 0x3f
	bpLenPos     = 8
	bpLenMask    = 0xffff << bpLenPos
)

// Stream instance entry, two words.
const (
	InstanceWords = 2

	instArchMask   = 0x7
	instProcPos    = 3
	instProcMask   = 0x7 << instProcPos
	instSubPos     = 6
	instSubMask    = 0x3 << instSubPos
	instTracePos   = 8
	instTraceMask  = 0x3ff << instTracePos
	instTraceFlag  = 1 << 18
	MaxPorts       = 32
	MaxInstances   = 255
	MaxArcs        = 0x3ff
	MaxNodeIndices = Sentinel
)

// Header is the decoded fixed header of an image.
type Header struct {
	Words      uint32 // total image length in words
	Policy     api.CopyPolicy
	Version    uint8
	Dest       uint32 // raw destination word, packed address in the low bits
	PartOffset uint32 // words
	PartLength uint32 // words
	Estimates  [address.MaxBanks]uint16
	Sections   [numSections]uint32 // lengths in words
}

// ParseHeader decodes the first HeaderWords words of an image.
func ParseHeader(w []uint32) Header {
	h := Header{
		Words:      w[hLength] & lengthMask,
		Policy:     api.CopyPolicy(w[hLength] & policyMask >> policyPos),
		Version:    uint8(w[hLength] >> versionPos),
		Dest:       w[hDest],
		PartOffset: w[hPartOff],
		PartLength: w[hPartLen],
	}
	for b := 0; b < address.MaxBanks; b++ {
		word := w[hEstimate+b/2]
		h.Estimates[b] = uint16(word >> (16 * (b % 2)))
	}
	for s := Section(0); s < numSections; s++ {
		h.Sections[s] = w[hSections+int(s)]
	}
	return h
}

// Encode returns the header words.
func (h Header) Encode() [HeaderWords]uint32 {
	var w [HeaderWords]uint32
	w[hLength] = h.Words&lengthMask |
		uint32(h.Policy)<<policyPos&policyMask |
		uint32(h.Version)<<versionPos
	w[hDest] = h.Dest
	w[hPartOff] = h.PartOffset
	w[hPartLen] = h.PartLength
	for b := 0; b < address.MaxBanks; b++ {
		w[hEstimate+b/2] |= uint32(h.Estimates[b]) << (16 * (b % 2))
	}
	for s := Section(0); s < numSections; s++ {
		w[hSections+int(s)] = h.Sections[s]
	}
	return w
}

// SectionOffset returns the word offset of section s from the image start.
func (h Header) SectionOffset(s Section) uint32 {
	off := uint32(HeaderWords)
	for i := Section(0); i < s; i++ {
		off += h.Sections[i]
	}
	return off
}

// IOPort is one entry of the IO port table.
type IOPort struct {
	Arc      int
	Dir      api.IODirection
	Function uint8
}

func decodeIOPort(w uint32) IOPort {
	p := IOPort{Arc: int(w & ioArcMask), Function: uint8(w & ioFuncMask >> ioFuncPos)}
	if w&ioDirFlag != 0 {
		p.Dir = api.IOOutbound
	}
	return p
}

// EncodeIOPort returns the table word for p.
func EncodeIOPort(p IOPort) uint32 {
	w := uint32(p.Arc)&ioArcMask | uint32(p.Function)<<ioFuncPos&ioFuncMask
	if p.Dir == api.IOOutbound {
		w |= ioDirFlag
	}
	return w
}

// Format is one entry of the stream format table.
type Format struct {
	FrameSize    uint32
	Channels     uint8
	RawType      uint8
	SamplingRate float32
}

// Instance is one entry of the stream instance table.
type Instance struct {
	Who      api.Identity
	TraceArc int
	Trace    bool
	Ports    uint32 // owned IO port mask
}

func decodeInstance(w []uint32) Instance {
	in := Instance{
		Who: api.Identity{
			Arch:     uint8(w[0] & instArchMask),
			Proc:     uint8(w[0] & instProcMask >> instProcPos),
			Instance: uint8(w[0] & instSubMask >> instSubPos),
		},
		TraceArc: int(w[0] & instTraceMask >> instTracePos),
		Trace:    w[0]&instTraceFlag != 0,
		Ports:    w[1],
	}
	return in
}

// EncodeInstance returns the two table words for in.
func EncodeInstance(in Instance) [InstanceWords]uint32 {
	w0 := uint32(in.Who.Arch)&instArchMask |
		uint32(in.Who.Proc)<<instProcPos&instProcMask |
		uint32(in.Who.Instance)<<instSubPos&instSubMask |
		uint32(in.TraceArc)<<instTracePos&instTraceMask
	if in.Trace {
		w0 |= instTraceFlag
	}
	return [InstanceWords]uint32{w0, in.Ports}
}
