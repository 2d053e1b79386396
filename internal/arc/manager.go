package arc

import (
	"errors"
	"fmt"

	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

var (
	// ErrNotOwner is returned when releasing a lock held by someone else.
	ErrNotOwner = errors.New("arc lock not held by caller")
)

// Manager moves data in and out of arcs and keeps their readiness flags.
// Buffer memory is resolved through the bank table on every operation, so a
// base change through SetBaseTo or SetBaseFrom is seen by everyone.
type Manager struct {
	banks  *address.Table
	frames []uint32 // frame size in bytes, by stream format index
}

// NewManager returns a Manager. frames maps a stream format index to its
// frame size; formats without an entry use one-byte frames.
func NewManager(banks *address.Table, frames []uint32) *Manager {
	return &Manager{banks: banks, frames: frames}
}

func (m *Manager) frameSize(d Descriptor) int {
	f := int(d.Format())
	if f < len(m.frames) && m.frames[f] > 0 {
		return int(m.frames[f])
	}
	return 1
}

// Buffer returns the whole buffer of d.
func (m *Manager) Buffer(d Descriptor) ([]byte, error) {
	buf, err := m.banks.Slice(d.Base(), int(d.Size()))
	if err != nil {
		return nil, fmt.Errorf("arc %d: %w", d.Index(), err)
	}
	return buf, nil
}

// Readable returns the unread span [read, write).
func (m *Manager) Readable(d Descriptor) ([]byte, error) {
	buf, err := m.Buffer(d)
	if err != nil {
		return nil, err
	}
	r, w := d.Read(), d.Write()
	if w < r {
		w = r
	}
	return buf[r:w], nil
}

// Writable returns the free span [write, size).
func (m *Manager) Writable(d Descriptor) ([]byte, error) {
	buf, err := m.Buffer(d)
	if err != nil {
		return nil, err
	}
	w := d.Write()
	if w > uint32(len(buf)) {
		w = uint32(len(buf))
	}
	return buf[w:], nil
}

// Reset puts d back to its initial state: empty, or full when pre-filled.
func (m *Manager) Reset(d Descriptor) {
	d.update(2, func(old uint32) uint32 { return old &^ (IndexMask | readyReadFlag) })
	w := uint32(0)
	if d.Prefilled() {
		w = d.Size()
	}
	d.update(3, func(old uint32) uint32 {
		return old&^(IndexMask|readyWriteFlag|realignFlag) | w&IndexMask
	})
	m.refresh(d)
}

// refresh recomputes both readiness flags from the indices.
func (m *Manager) refresh(d Descriptor) {
	thr := d.Threshold()
	d.setFlag(2, readyReadFlag, d.Filled() > thr)
	d.setFlag(3, readyWriteFlag, d.Free() >= thr && d.Free() > 0)
}

// MoveIn copies data to the write index of d and advances it. When data does
// not fit, the arc's overflow policy decides what is kept. The returned
// event has Kind zero when everything was accepted.
func (m *Manager) MoveIn(d Descriptor, data []byte) (int, api.FlowEvent, error) {
	dst, err := m.Writable(d)
	if err != nil {
		return 0, api.FlowEvent{}, err
	}

	var ev api.FlowEvent
	n := len(data)
	if n > len(dst) {
		ev = api.FlowEvent{Arc: d.Index(), Kind: api.FlowOverflow, Policy: d.Overflow(), Requested: n}
		if ev.Policy == api.FlowInterpolate {
			n = decimate(dst, data, m.frameSize(d))
		} else {
			n = copy(dst, data)
		}
		ev.Accepted = n
	} else {
		copy(dst, data)
	}

	m.advanceWrite(d, uint32(n))
	return n, ev, nil
}

// Produce advances the write index of d by n bytes already written in place.
// Anything beyond the free space is clamped, whatever the overflow policy:
// data written in place cannot be decimated. Producers of an interpolating
// arc write into a staging buffer and hand it to Accept instead.
func (m *Manager) Produce(d Descriptor, n int) (int, api.FlowEvent) {
	var ev api.FlowEvent
	if n < 0 {
		n = 0
	}
	if free := int(d.Free()); n > free {
		ev = api.FlowEvent{Arc: d.Index(), Kind: api.FlowOverflow, Policy: d.Overflow(), Requested: n, Accepted: free}
		n = free
	}
	m.advanceWrite(d, uint32(n))
	return n, ev
}

// Accept moves the first n bytes of a producer's staging buffer into d,
// enacting the overflow policy when they do not fit. A claim beyond the
// staging buffer is cut to it and reported with the full claim.
func (m *Manager) Accept(d Descriptor, stage []byte, n int) (int, api.FlowEvent, error) {
	claimed := max(n, 0)
	n = min(claimed, len(stage))
	got, ev, err := m.MoveIn(d, stage[:n])
	if err != nil {
		return 0, api.FlowEvent{}, err
	}
	if claimed > n {
		ev = api.FlowEvent{Arc: d.Index(), Kind: api.FlowOverflow, Policy: d.Overflow(), Requested: claimed, Accepted: got}
	}
	return got, ev, nil
}

// Staged reports whether producers of d must go through Accept.
func Staged(d Descriptor) bool { return d.Overflow() == api.FlowInterpolate }

func (m *Manager) advanceWrite(d Descriptor, n uint32) {
	if n > 0 {
		d.setWrite(d.Write() + n)
	}
	m.refresh(d)
	m.RequestRealign(d)
}

// RequestRealign asks the consumer of d to compact once the tail cannot take
// another threshold worth of data but already-read space exists at the front.
// It reports whether the request is raised.
func (m *Manager) RequestRealign(d Descriptor) bool {
	if d.Free() < d.Threshold() && d.Read() > 0 {
		d.setFlag(3, realignFlag, true)
		return true
	}
	return d.RealignPending()
}

// MoveOut advances the read index of d by n bytes consumed in place. Asking
// for more than is available is an underflow: the consumer already read
// whatever it read, so only the available bytes are consumed and the event
// carries the arc's underflow policy. Padding happens where bytes are
// delivered by copy, in ReadOut.
func (m *Manager) MoveOut(d Descriptor, n int) (int, api.FlowEvent) {
	var ev api.FlowEvent
	if n < 0 {
		n = 0
	}
	if filled := int(d.Filled()); n > filled {
		ev = api.FlowEvent{Arc: d.Index(), Kind: api.FlowUnderflow, Policy: d.Underflow(), Requested: n, Accepted: filled}
		n = filled
	}
	if n > 0 {
		d.setRead(d.Read() + uint32(n))
	}
	m.refresh(d)
	return n, ev
}

// Block is the transfer unit of a consumer that pads short reads: one
// threshold worth of bytes rounded up to whole frames, at least one frame.
func (m *Manager) Block(d Descriptor) int {
	frame := m.frameSize(d)
	thr := int(d.Threshold())
	n := (thr + frame - 1) / frame * frame
	return min(max(n, frame), int(d.Size()))
}

// ReadOut copies unread bytes of d into dst and consumes them. When fewer
// than len(dst) bytes are available the underflow policy fills the rest;
// with FlowClamp only the available bytes are delivered. It returns the
// number of bytes delivered in dst.
func (m *Manager) ReadOut(d Descriptor, dst []byte) (int, api.FlowEvent, error) {
	src, err := m.Readable(d)
	if err != nil {
		return 0, api.FlowEvent{}, err
	}

	avail := copy(dst, src)
	m.MoveOut(d, avail)
	if avail == len(dst) {
		return avail, api.FlowEvent{}, nil
	}

	ev := api.FlowEvent{Arc: d.Index(), Kind: api.FlowUnderflow, Policy: d.Underflow(), Requested: len(dst), Accepted: avail}
	frame := m.frameSize(d)
	switch ev.Policy {
	case api.FlowZeroFill:
		clear(dst[avail:])
		return len(dst), ev, nil
	case api.FlowRepeatLastFrame:
		if avail < frame {
			clear(dst[avail:])
			return len(dst), ev, nil
		}
		last := dst[avail-frame : avail]
		for off := avail; off < len(dst); off += frame {
			copy(dst[off:], last)
		}
		return len(dst), ev, nil
	case api.FlowInterpolate:
		if avail < frame {
			clear(dst[avail:])
			return len(dst), ev, nil
		}
		stretch(dst, avail, frame)
		return len(dst), ev, nil
	default:
		return avail, ev, nil
	}
}

// SetBaseTo makes the platform buffer at p the storage of an outbound arc:
// the graph writes into it from offset zero.
func (m *Manager) SetBaseTo(d Descriptor, p address.Packed, size int) error {
	if err := m.checkBuffer(p, size); err != nil {
		return err
	}
	d.setBase(p, uint32(size))
	d.update(2, func(old uint32) uint32 { return old &^ IndexMask })
	d.update(3, func(old uint32) uint32 { return old &^ (IndexMask | realignFlag) })
	m.refresh(d)
	return nil
}

// SetBaseFrom makes the filled platform buffer at p the storage of an
// inbound arc: all size bytes are unread.
func (m *Manager) SetBaseFrom(d Descriptor, p address.Packed, size int) error {
	if err := m.checkBuffer(p, size); err != nil {
		return err
	}
	d.setBase(p, uint32(size))
	d.update(2, func(old uint32) uint32 { return old &^ IndexMask })
	d.update(3, func(old uint32) uint32 {
		return old&^(IndexMask|realignFlag) | uint32(size)&IndexMask
	})
	m.refresh(d)
	return nil
}

func (m *Manager) checkBuffer(p address.Packed, size int) error {
	if size < 0 || size > MaxSize {
		return fmt.Errorf("buffer size %d: %w", size, address.ErrOutOfRange)
	}
	_, err := m.banks.Slice(p, size)
	return err
}

// RealignToBase copies the unread span of d down to offset zero and clears
// the realignment request. Only the consumer of d may call it. It returns the
// number of bytes moved.
func (m *Manager) RealignToBase(d Descriptor) (int, error) {
	buf, err := m.Buffer(d)
	if err != nil {
		return 0, err
	}
	r, w := d.Read(), d.Write()
	if w < r {
		w = r
	}
	span := w - r
	if r > 0 {
		copy(buf, buf[r:w])
	}
	d.setRead(0)
	d.update(3, func(old uint32) uint32 {
		return old&^(IndexMask|realignFlag) | span&IndexMask
	})
	m.refresh(d)
	return int(span), nil
}

// decimate copies whole frames of src into dst, dropping frames evenly so the
// result fits. It returns the number of bytes written.
func decimate(dst, src []byte, frame int) int {
	in := len(src) / frame
	out := len(dst) / frame
	if out == 0 || in == 0 {
		return 0
	}
	if out > in {
		out = in
	}
	for j := 0; j < out; j++ {
		i := j * in / out
		copy(dst[j*frame:(j+1)*frame], src[i*frame:(i+1)*frame])
	}
	return out * frame
}

// stretch spreads the first avail bytes of dst over the whole of dst by
// repeating whole frames, nearest neighbour.
func stretch(dst []byte, avail, frame int) {
	in := avail / frame
	out := len(dst) / frame
	src := make([]byte, in*frame)
	copy(src, dst[:in*frame])
	for j := 0; j < out; j++ {
		i := j * in / out
		copy(dst[j*frame:(j+1)*frame], src[i*frame:(i+1)*frame])
	}
	// A trailing partial frame repeats the start of the last frame.
	if tail := len(dst) - out*frame; tail > 0 {
		copy(dst[out*frame:], src[(in-1)*frame:])
	}
}
