// Package membus implements the guest physical address map: a flat list of
// PhysMemoryRange entries consulted on every MMIO access by the dispatcher.
package membus

import "fmt"

// ReadFunc reads sizeLog2 bytes (0=1, 1=2, 2=4, 3=8) at offset within a range.
type ReadFunc func(opaque any, offset uint64, sizeLog2 uint8) uint64

// WriteFunc writes sizeLog2 bytes of val at offset within a range.
type WriteFunc func(opaque any, offset uint64, val uint64, sizeLog2 uint8)

// Range is a single mapped span of guest physical address space.
type Range struct {
	Base  uint64
	Limit uint64 // exclusive
	Opaque any
	Read  ReadFunc
	Write WriteFunc
}

func (r *Range) contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Limit
}

// Bus owns the set of registered ranges. Lookups are a linear scan: the bus
// is small (at most a handful of virtio devices, HTIF, and ROM), so a map or
// interval tree would be needless ceremony.
type Bus struct {
	ranges []*Range
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Register adds a new non-overlapping range and returns a stable handle to
// it. The returned *Range may be used afterward to query Base/Limit; this
// bus never rebases or disables a range once registered, since MMIO
// placement here is one-shot (unlike the PCI variant this core does not
// implement).
func (b *Bus) Register(base, limit uint64, opaque any, read ReadFunc, write WriteFunc) (*Range, error) {
	if base >= limit {
		return nil, fmt.Errorf("membus: invalid range [%#x, %#x)", base, limit)
	}

	for _, r := range b.ranges {
		if base < r.Limit && r.Base < limit {
			return nil, fmt.Errorf("membus: range [%#x, %#x) overlaps existing [%#x, %#x)", base, limit, r.Base, r.Limit)
		}
	}

	r := &Range{Base: base, Limit: limit, Opaque: opaque, Read: read, Write: write}
	b.ranges = append(b.ranges, r)
	return r, nil
}

// Lookup returns the range containing addr, or nil if none matches.
func (b *Bus) Lookup(addr uint64) *Range {
	for _, r := range b.ranges {
		if r.contains(addr) {
			return r
		}
	}

	return nil
}
