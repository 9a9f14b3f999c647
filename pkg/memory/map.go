package memory

import (
	"fmt"
	"sort"
	"sync"
)

// Map is a composite memory built from non-overlapping sub-memories. Each
// access is dispatched to the sub-memory whose window contains the address.
//
// Sub-memories must all be added before the map is shared between CPUs.
type Map struct {
	regions []Memory // sorted by RegionOffset
	mu      sync.Mutex
}

// NewMap creates a map from the given sub-memories.
func NewMap(regions ...Memory) (*Map, error) {
	m := &Map{}
	for _, r := range regions {
		if err := m.Add(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add maps a sub-memory, failing if its window overlaps an existing one.
func (m *Map) Add(r Memory) error {
	base := uint64(r.RegionOffset())
	end := base + r.RegionSize()

	i := sort.Search(len(m.regions), func(i int) bool {
		return uint64(m.regions[i].RegionOffset()) >= base
	})

	if i > 0 {
		prev := m.regions[i-1]
		if uint64(prev.RegionOffset())+prev.RegionSize() > base {
			return fmt.Errorf("map 0x%08x: %w", base, ErrOverlap)
		}
	}
	if i < len(m.regions) && uint64(m.regions[i].RegionOffset()) < end {
		return fmt.Errorf("map 0x%08x: %w", base, ErrOverlap)
	}

	m.regions = append(m.regions, nil)
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
	return nil
}

// Regions returns the mapped sub-memories in address order.
func (m *Map) Regions() []Memory {
	out := make([]Memory, len(m.regions))
	copy(out, m.regions)
	return out
}

// Find returns the sub-memory containing addr, or nil.
func (m *Map) Find(addr uint32) Memory {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].RegionOffset() > addr
	})
	if i == 0 {
		return nil
	}
	r := m.regions[i-1]
	if !contains(r.RegionOffset(), r.RegionSize(), addr, 1) {
		return nil
	}
	return r
}

// Read8 reads a byte from the sub-memory containing addr.
func (m *Map) Read8(addr uint32) (uint8, error) {
	r := m.Find(addr)
	if r == nil {
		return 0, ErrOutOfBounds
	}
	return r.Read8(addr)
}

// Read16 reads a 16-bit value from the sub-memory containing addr.
func (m *Map) Read16(addr uint32) (uint16, error) {
	r := m.Find(addr)
	if r == nil {
		return 0, ErrOutOfBounds
	}
	return r.Read16(addr)
}

// Read32 reads a 32-bit value from the sub-memory containing addr.
func (m *Map) Read32(addr uint32) (uint32, error) {
	r := m.Find(addr)
	if r == nil {
		return 0, ErrOutOfBounds
	}
	return r.Read32(addr)
}

// Read64 reads a 64-bit value from the sub-memory containing addr.
func (m *Map) Read64(addr uint32) (uint64, error) {
	r := m.Find(addr)
	if r == nil {
		return 0, ErrOutOfBounds
	}
	return r.Read64(addr)
}

// ReadBytes reads len(p) bytes; the range may not span sub-memories.
func (m *Map) ReadBytes(addr uint32, p []byte) error {
	r := m.Find(addr)
	if r == nil {
		return ErrOutOfBounds
	}
	return r.ReadBytes(addr, p)
}

// Write8 writes a byte to the sub-memory containing addr.
func (m *Map) Write8(addr uint32, v uint8) error {
	r := m.Find(addr)
	if r == nil {
		return ErrOutOfBounds
	}
	return r.Write8(addr, v)
}

// Write16 writes a 16-bit value to the sub-memory containing addr.
func (m *Map) Write16(addr uint32, v uint16) error {
	r := m.Find(addr)
	if r == nil {
		return ErrOutOfBounds
	}
	return r.Write16(addr, v)
}

// Write32 writes a 32-bit value to the sub-memory containing addr.
func (m *Map) Write32(addr uint32, v uint32) error {
	r := m.Find(addr)
	if r == nil {
		return ErrOutOfBounds
	}
	return r.Write32(addr, v)
}

// Write64 writes a 64-bit value to the sub-memory containing addr.
func (m *Map) Write64(addr uint32, v uint64) error {
	r := m.Find(addr)
	if r == nil {
		return ErrOutOfBounds
	}
	return r.Write64(addr, v)
}

// WriteBytes writes p; the range may not span sub-memories.
func (m *Map) WriteBytes(addr uint32, p []byte) error {
	r := m.Find(addr)
	if r == nil {
		return ErrOutOfBounds
	}
	return r.WriteBytes(addr, p)
}

// RegionOffset returns the lowest mapped address.
func (m *Map) RegionOffset() uint32 {
	if len(m.regions) == 0 {
		return 0
	}
	return m.regions[0].RegionOffset()
}

// RegionSize returns the span from the lowest to the highest mapped byte,
// including any unmapped gaps.
func (m *Map) RegionSize() uint64 {
	if len(m.regions) == 0 {
		return 0
	}
	last := m.regions[len(m.regions)-1]
	return uint64(last.RegionOffset()) + last.RegionSize() - uint64(m.RegionOffset())
}

// Lock acquires the map-wide atomic section lock.
func (m *Map) Lock() {
	m.mu.Lock()
}

// Unlock releases the map-wide atomic section lock.
func (m *Map) Unlock() {
	m.mu.Unlock()
}
