// Package arc manages the ring-buffer channels that connect graph nodes.
//
// An arc is described by four words that live in the graph image and are
// shared by every processor running the graph. The words are read and
// written only through sync/atomic, which also provides the memory barrier
// between a producer's index update and the consumer observing it.
package arc

import (
	"sync/atomic"

	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

// Words per arc descriptor.
const Words = 4

// Word 0.
const (
	formatPos  = 27
	formatMask = 0x1f << formatPos
)

// Word 1.
const (
	IndexBits = 22
	IndexMask = 1<<IndexBits - 1

	debugPos      = 22
	debugMask     = 0x1f << debugPos
	overflowPos   = 27
	overflowMask  = 0x3 << overflowPos
	prefilledFlag = 1 << 29
)

// Word 2.
const (
	readyReadFlag = 1 << 22
	underflowPos  = 23
	underflowMask = 0x3 << underflowPos
	quarterFlag   = 1 << 25
)

// Word 3.
const (
	readyWriteFlag = 1 << 22
	realignFlag    = 1 << 23
	lockPos        = 24
	lockMask       = 0xff << lockPos
)

// MaxSize is the largest buffer an arc can describe.
const MaxSize = IndexMask

// Spec is the compile-time content of an arc descriptor.
type Spec struct {
	Base      address.Packed
	Format    uint8
	Size      uint32
	DebugReg  uint8
	Overflow  api.FlowPolicy
	Underflow api.FlowPolicy
	Threshold api.Threshold
	Prefilled bool
}

// Encode returns the four descriptor words for s, with both indices at zero.
func Encode(s Spec) [Words]uint32 {
	var w [Words]uint32
	w[0] = uint32(s.Base)&address.Mask | uint32(s.Format)<<formatPos&formatMask
	w[1] = s.Size&IndexMask |
		uint32(s.DebugReg)<<debugPos&debugMask |
		uint32(s.Overflow)<<overflowPos&overflowMask
	if s.Prefilled {
		w[1] |= prefilledFlag
	}
	w[2] = uint32(s.Underflow) << underflowPos & underflowMask
	if s.Threshold == api.ThresholdQuarter {
		w[2] |= quarterFlag
	}
	return w
}

// Descriptor is a bit-field view over the four shared words of one arc.
type Descriptor struct {
	index int
	w     []uint32
}

// View wraps words, which must hold at least Words entries and stay valid
// while the view is used.
func View(index int, words []uint32) Descriptor {
	return Descriptor{index: index, w: words[:Words:Words]}
}

func (d Descriptor) Index() int { return d.index }

func (d Descriptor) load(i int) uint32 { return atomic.LoadUint32(&d.w[i]) }

// update applies fn to word i with a compare-and-swap loop, so that fields
// owned by different writers never overwrite each other.
func (d Descriptor) update(i int, fn func(uint32) uint32) uint32 {
	for {
		old := atomic.LoadUint32(&d.w[i])
		next := fn(old)
		if old == next || atomic.CompareAndSwapUint32(&d.w[i], old, next) {
			return next
		}
	}
}

func (d Descriptor) Base() address.Packed { return address.FromWord(d.load(0)) }
func (d Descriptor) Format() uint8        { return uint8(d.load(0) & formatMask >> formatPos) }
func (d Descriptor) Size() uint32         { return d.load(1) & IndexMask }
func (d Descriptor) DebugReg() uint8      { return uint8(d.load(1) & debugMask >> debugPos) }
func (d Descriptor) Prefilled() bool      { return d.load(1)&prefilledFlag != 0 }
func (d Descriptor) Read() uint32         { return d.load(2) & IndexMask }
func (d Descriptor) ReadyForRead() bool   { return d.load(2)&readyReadFlag != 0 }
func (d Descriptor) Write() uint32        { return d.load(3) & IndexMask }
func (d Descriptor) ReadyForWrite() bool  { return d.load(3)&readyWriteFlag != 0 }
func (d Descriptor) RealignPending() bool { return d.load(3)&realignFlag != 0 }
func (d Descriptor) Owner() uint8         { return uint8(d.load(3) & lockMask >> lockPos) }

func (d Descriptor) Overflow() api.FlowPolicy {
	return api.FlowPolicy(d.load(1) & overflowMask >> overflowPos)
}

func (d Descriptor) Underflow() api.FlowPolicy {
	return api.FlowPolicy(d.load(2) & underflowMask >> underflowPos)
}

// Threshold is the fill level, in bytes, used by the readiness flags.
func (d Descriptor) Threshold() uint32 {
	if d.load(2)&quarterFlag != 0 {
		return d.Size() / 4
	}
	return d.Size() / 2
}

// Filled is the number of unread bytes.
func (d Descriptor) Filled() uint32 {
	r, w := d.Read(), d.Write()
	if w < r {
		return 0
	}
	return w - r
}

// Free is the space left after the write index.
func (d Descriptor) Free() uint32 {
	s, w := d.Size(), d.Write()
	if w > s {
		return 0
	}
	return s - w
}

func (d Descriptor) setRead(r uint32) {
	d.update(2, func(old uint32) uint32 { return old&^IndexMask | r&IndexMask })
}

func (d Descriptor) setWrite(w uint32) {
	d.update(3, func(old uint32) uint32 { return old&^IndexMask | w&IndexMask })
}

func (d Descriptor) setFlag(i int, flag uint32, on bool) {
	d.update(i, func(old uint32) uint32 {
		if on {
			return old | flag
		}
		return old &^ flag
	})
}

func (d Descriptor) setBase(p address.Packed, size uint32) {
	d.update(0, func(old uint32) uint32 { return old&^address.Mask | uint32(p)&address.Mask })
	d.update(1, func(old uint32) uint32 { return old&^IndexMask | size&IndexMask })
}

// TryLock makes a single attempt to write owner into the lock byte. It fails
// without retrying when the byte is held or when the word changed under it.
func (d Descriptor) TryLock(owner uint8) bool {
	if owner == 0 {
		return false
	}
	old := atomic.LoadUint32(&d.w[3])
	if old&lockMask != 0 {
		return false
	}
	return atomic.CompareAndSwapUint32(&d.w[3], old, old|uint32(owner)<<lockPos)
}

// Unlock clears the lock byte if owner holds it.
func (d Descriptor) Unlock(owner uint8) error {
	for {
		old := atomic.LoadUint32(&d.w[3])
		if uint8(old&lockMask>>lockPos) != owner {
			return ErrNotOwner
		}
		if atomic.CompareAndSwapUint32(&d.w[3], old, old&^lockMask) {
			return nil
		}
	}
}
