// Package rom implements the read-only boot ROM range the dispatcher
// services directly, bypassing the guest memory bus: a fixed span of guest
// physical address space backed by little-endian 64-bit words.
package rom

// ROM is a read-only span of guest physical address space. Data holds one
// 64-bit word per 8 bytes of the range, matching how the source stores its
// boot ROM image.
type ROM struct {
	Base  uint64
	Limit uint64 // exclusive
	Data  []uint64
}

// New returns a ROM covering [base, base+8*len(data)) backed by data.
func New(base uint64, data []uint64) *ROM {
	return &ROM{
		Base:  base,
		Limit: base + uint64(len(data))*8,
		Data:  data,
	}
}

// Contains reports whether addr falls within the ROM's span.
func (r *ROM) Contains(addr uint64) bool {
	return r != nil && addr >= r.Base && addr < r.Limit
}

// ReadWord returns the 64-bit word backing addr. The caller must have
// checked Contains first.
func (r *ROM) ReadWord(addr uint64) uint64 {
	return r.Data[(addr-r.Base)/8]
}
