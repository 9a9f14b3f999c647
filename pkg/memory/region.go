package memory

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Region is a contiguous block of memory backed by a byte slice.
type Region struct {
	Base uint32 // First address of the region
	Data []byte // Backing storage
	Perm uint8  // Permission flags
	Name string // Region name for debugging

	mu sync.Mutex
}

// NewRegion creates a zero filled region of the given size at base.
func NewRegion(name string, base uint32, size int, perm uint8) *Region {
	return &Region{
		Base: base,
		Data: make([]byte, size),
		Perm: perm,
		Name: name,
	}
}

// NewRegionFrom creates a region at base backed directly by data.
func NewRegionFrom(name string, base uint32, data []byte, perm uint8) *Region {
	return &Region{
		Base: base,
		Data: data,
		Perm: perm,
		Name: name,
	}
}

// Contains checks if an address is within this region.
func (r *Region) Contains(addr uint32) bool {
	return contains(r.Base, uint64(len(r.Data)), addr, 1)
}

// slice returns the backing bytes for [addr, addr+size).
func (r *Region) slice(addr uint32, size int, perm uint8) ([]byte, error) {
	if !contains(r.Base, uint64(len(r.Data)), addr, uint64(size)) {
		return nil, ErrOutOfBounds
	}
	if r.Perm&perm == 0 {
		return nil, ErrAccessViolation
	}
	off := int(addr - r.Base)
	return r.Data[off : off+size], nil
}

// Read8 reads a single byte.
func (r *Region) Read8(addr uint32) (uint8, error) {
	b, err := r.slice(addr, 1, PermRead)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read16 reads a big-endian 16-bit value.
func (r *Region) Read16(addr uint32) (uint16, error) {
	b, err := r.slice(addr, 2, PermRead)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Read32 reads a big-endian 32-bit value.
func (r *Region) Read32(addr uint32) (uint32, error) {
	b, err := r.slice(addr, 4, PermRead)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Read64 reads a big-endian 64-bit value.
func (r *Region) Read64(addr uint32) (uint64, error) {
	b, err := r.slice(addr, 8, PermRead)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadBytes copies len(p) bytes starting at addr into p.
func (r *Region) ReadBytes(addr uint32, p []byte) error {
	b, err := r.slice(addr, len(p), PermRead)
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// Write8 writes a single byte.
func (r *Region) Write8(addr uint32, v uint8) error {
	b, err := r.slice(addr, 1, PermWrite)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// Write16 writes a big-endian 16-bit value.
func (r *Region) Write16(addr uint32, v uint16) error {
	b, err := r.slice(addr, 2, PermWrite)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b, v)
	return nil
}

// Write32 writes a big-endian 32-bit value.
func (r *Region) Write32(addr uint32, v uint32) error {
	b, err := r.slice(addr, 4, PermWrite)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b, v)
	return nil
}

// Write64 writes a big-endian 64-bit value.
func (r *Region) Write64(addr uint32, v uint64) error {
	b, err := r.slice(addr, 8, PermWrite)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b, v)
	return nil
}

// WriteBytes copies p into memory starting at addr.
func (r *Region) WriteBytes(addr uint32, p []byte) error {
	b, err := r.slice(addr, len(p), PermWrite)
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// Load copies data into the region ignoring permissions. It is used by
// loaders to populate read-only regions.
func (r *Region) Load(addr uint32, data []byte) error {
	if !contains(r.Base, uint64(len(r.Data)), addr, uint64(len(data))) {
		return fmt.Errorf("load %d bytes at 0x%08x into %s: %w",
			len(data), addr, r.Name, ErrOutOfBounds)
	}
	copy(r.Data[addr-r.Base:], data)
	return nil
}

// RegionOffset returns the base address.
func (r *Region) RegionOffset() uint32 {
	return r.Base
}

// RegionSize returns the region length in bytes.
func (r *Region) RegionSize() uint64 {
	return uint64(len(r.Data))
}

// Lock acquires the region's atomic section lock.
func (r *Region) Lock() {
	r.mu.Lock()
}

// Unlock releases the region's atomic section lock.
func (r *Region) Unlock() {
	r.mu.Unlock()
}

// String returns a short description of the region.
func (r *Region) String() string {
	return fmt.Sprintf("%s[0x%08x+%d]", r.Name, r.Base, len(r.Data))
}
