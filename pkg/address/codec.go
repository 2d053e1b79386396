// Package address converts between portable packed addresses, as stored in a
// graph image, and locations inside the memory banks a platform declares.
//
// A packed address is a 27-bit value {bank, shift, magnitude} that resolves to
//
//	bank_base[bank] + magnitude << (2*shift)
//
// Banks are registered once when the Table is built and are read-only
// afterwards. Every location that crosses a package boundary is a Packed value
// or a (bank, offset) Pointer validated here, so the rest of the runtime never
// does raw pointer arithmetic.
package address

import (
	"errors"
	"fmt"
	"sort"
	"unsafe"
)

// Packed address layout.
const (
	MagnitudeBits = 22
	MagnitudeMask = 1<<MagnitudeBits - 1

	shiftPos  = 22
	shiftMask = 0x3 << shiftPos
	bankPos   = 24
	bankMask  = 0x7 << bankPos

	// SignBit marks a negative offset. It is only meaningful to DecodeSigned.
	SignBit = 1 << 27

	// Mask selects the 27 address bits of a word that carries other fields.
	Mask = MagnitudeMask | shiftMask | bankMask

	MaxBanks = 8
	MaxShift = 3
)

var (
	// ErrOutOfRange is returned when an address cannot be represented or does
	// not fall inside a registered bank.
	ErrOutOfRange = errors.New("address out of range")

	// ErrBankNotRegistered is returned for a bank index with no memory.
	ErrBankNotRegistered = errors.New("bank not registered")

	// ErrMisaligned is returned when a word accessor is asked for an
	// unaligned location.
	ErrMisaligned = errors.New("address not word aligned")
)

// Packed is a portable 27-bit address.
type Packed uint32

// Pack builds a packed address from its fields. Out of range fields are
// truncated to their width.
func Pack(bank uint8, shift uint8, magnitude uint32) Packed {
	return Packed(uint32(bank)<<bankPos&bankMask |
		uint32(shift)<<shiftPos&shiftMask |
		magnitude&MagnitudeMask)
}

// FromWord extracts the packed address carried in the low 27 bits of w.
func FromWord(w uint32) Packed { return Packed(w & Mask) }

func (p Packed) Bank() uint8       { return uint8(uint32(p) & bankMask >> bankPos) }
func (p Packed) Shift() uint8      { return uint8(uint32(p) & shiftMask >> shiftPos) }
func (p Packed) Magnitude() uint32 { return uint32(p) & MagnitudeMask }

// Offset is the byte offset from the bank base.
func (p Packed) Offset() uint64 {
	return uint64(p.Magnitude()) << (2 * uint64(p.Shift()))
}

func (p Packed) String() string {
	return fmt.Sprintf("bank%d+0x%x", p.Bank(), p.Offset())
}

// Bank is one contiguous memory region. Base is the linear address the
// platform assigns to the first byte of Mem.
type Bank struct {
	Index uint8
	Base  uint64
	Mem   []byte
}

// Pointer is a validated location inside a bank.
type Pointer struct {
	Bank   uint8
	Offset uint32
}

// Table maps bank indices to memory. It is immutable once built.
type Table struct {
	banks  [MaxBanks]Bank
	used   [MaxBanks]bool
	byBase []uint8 // bank indices sorted by Base
}

// NewTable registers the given banks. Each index may appear once.
func NewTable(banks ...Bank) (*Table, error) {
	t := &Table{}
	for _, b := range banks {
		if int(b.Index) >= MaxBanks {
			return nil, fmt.Errorf("bank %d: %w", b.Index, ErrOutOfRange)
		}
		if t.used[b.Index] {
			return nil, fmt.Errorf("bank %d registered twice", b.Index)
		}
		t.banks[b.Index] = b
		t.used[b.Index] = true
		t.byBase = append(t.byBase, b.Index)
	}
	sort.Slice(t.byBase, func(i, j int) bool {
		return t.banks[t.byBase[i]].Base < t.banks[t.byBase[j]].Base
	})
	return t, nil
}

// Bank returns the memory of bank i.
func (t *Table) Bank(i uint8) ([]byte, error) {
	if int(i) >= MaxBanks || !t.used[i] {
		return nil, fmt.Errorf("bank %d: %w", i, ErrBankNotRegistered)
	}
	return t.banks[i].Mem, nil
}

// Base returns the linear base address of bank i.
func (t *Table) Base(i uint8) (uint64, error) {
	if int(i) >= MaxBanks || !t.used[i] {
		return 0, fmt.Errorf("bank %d: %w", i, ErrBankNotRegistered)
	}
	return t.banks[i].Base, nil
}

// Encode packs a linear address. It picks the bank with the closest base at
// or below addr whose extent contains it, then the smallest shift that
// represents the offset exactly.
func (t *Table) Encode(addr uint64) (Packed, error) {
	for i := len(t.byBase) - 1; i >= 0; i-- {
		b := &t.banks[t.byBase[i]]
		if b.Base > addr {
			continue
		}
		off := addr - b.Base
		if off > uint64(len(b.Mem)) {
			continue
		}
		if p, ok := packOffset(b.Index, off); ok {
			return p, nil
		}
	}
	return 0, fmt.Errorf("linear 0x%x: %w", addr, ErrOutOfRange)
}

// EncodeOffset packs a byte offset inside a given bank.
func (t *Table) EncodeOffset(bank uint8, off uint64) (Packed, error) {
	mem, err := t.Bank(bank)
	if err != nil {
		return 0, err
	}
	if off > uint64(len(mem)) {
		return 0, fmt.Errorf("bank %d offset 0x%x: %w", bank, off, ErrOutOfRange)
	}
	p, ok := packOffset(bank, off)
	if !ok {
		return 0, fmt.Errorf("bank %d offset 0x%x: %w", bank, off, ErrOutOfRange)
	}
	return p, nil
}

func packOffset(bank uint8, off uint64) (Packed, bool) {
	for shift := uint8(0); shift <= MaxShift; shift++ {
		unit := uint64(1) << (2 * shift)
		if off&(unit-1) != 0 {
			// Coarser shifts cannot represent this offset either.
			return 0, false
		}
		mag := off >> (2 * shift)
		if mag <= MagnitudeMask {
			return Pack(bank, shift, uint32(mag)), true
		}
	}
	return 0, false
}

// Decode returns the linear address of p. An unregistered bank decodes
// against base 0.
func (t *Table) Decode(p Packed) uint64 {
	return t.banks[p.Bank()].Base + p.Offset()
}

// DecodeSigned decodes a word whose bit 27 flags a negative offset from the
// bank base. It is used when recomputing header fields of images that moved.
func (t *Table) DecodeSigned(w uint32) int64 {
	p := FromWord(w)
	base := int64(t.banks[p.Bank()].Base)
	if w&SignBit != 0 {
		return base - int64(p.Offset())
	}
	return base + int64(p.Offset())
}

// Resolve validates p and returns it as a bank pointer.
func (t *Table) Resolve(p Packed) (Pointer, error) {
	mem, err := t.Bank(p.Bank())
	if err != nil {
		return Pointer{}, err
	}
	off := p.Offset()
	if off > uint64(len(mem)) {
		return Pointer{}, fmt.Errorf("%s: %w", p, ErrOutOfRange)
	}
	return Pointer{Bank: p.Bank(), Offset: uint32(off)}, nil
}

// Slice returns the n bytes at p. The result aliases bank memory.
func (t *Table) Slice(p Packed, n int) ([]byte, error) {
	ptr, err := t.Resolve(p)
	if err != nil {
		return nil, err
	}
	return t.SliceAt(ptr, n)
}

// SliceAt returns the n bytes at ptr.
func (t *Table) SliceAt(ptr Pointer, n int) ([]byte, error) {
	mem, err := t.Bank(ptr.Bank)
	if err != nil {
		return nil, err
	}
	end := uint64(ptr.Offset) + uint64(n)
	if n < 0 || end > uint64(len(mem)) {
		return nil, fmt.Errorf("bank %d [0x%x,+%d): %w", ptr.Bank, ptr.Offset, n, ErrOutOfRange)
	}
	return mem[ptr.Offset:end:end], nil
}

// Words views the n 32-bit words at p. Descriptor words shared between
// processors are accessed through the returned pointers with sync/atomic.
func (t *Table) Words(p Packed, n int) ([]uint32, error) {
	b, err := t.Slice(p, 4*n)
	if err != nil {
		return nil, err
	}
	return WordsOf(b)
}

// WordsOf reinterprets an aligned byte slice as native-endian words.
func WordsOf(b []byte) ([]uint32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if uintptr(unsafe.Pointer(&b[0]))%4 != 0 || len(b)%4 != 0 {
		return nil, ErrMisaligned
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4), nil
}
