// Package memory implements the flat, byte-addressable memory space the
// native CPU executes against.
//
// All multi-byte accesses are big-endian. Every access is bounds checked
// against the window of the memory it is made on; a Map dispatches each
// access to the sub-memory whose window contains the address.
//
// Concurrency: memories may be shared by several CPUs. Plain loads and
// stores are not synchronized; callers must not race non-atomic accesses on
// the same address. Read-modify-write sequences that must be atomic are
// performed while holding the memory's lock (every Memory is a sync.Locker).
package memory

import (
	"errors"
	"sync"
)

var (
	// ErrOutOfBounds is returned when an access does not lie entirely inside
	// the window of the memory it was made on.
	ErrOutOfBounds = errors.New("memory access out of bounds")

	// ErrAccessViolation is returned when an access is inside a window but
	// not permitted, such as writing a read-only region.
	ErrAccessViolation = errors.New("memory access violation")

	// ErrOverlap is returned when mapping a memory whose window overlaps an
	// already mapped one.
	ErrOverlap = errors.New("memory windows overlap")
)

// Region permission flags.
const (
	PermRead  = 1 << 0
	PermWrite = 1 << 1
)

// Readable is memory which may be read from.
type Readable interface {
	Read8(addr uint32) (uint8, error)
	Read16(addr uint32) (uint16, error)
	Read32(addr uint32) (uint32, error)
	Read64(addr uint32) (uint64, error)

	// ReadBytes fills p starting at addr, failing if any byte is outside
	// the window.
	ReadBytes(addr uint32, p []byte) error

	// RegionOffset is the first address of the window.
	RegionOffset() uint32

	// RegionSize is the number of addressable bytes in the window.
	RegionSize() uint64
}

// Memory is readable and writable memory. The embedded lock guards atomic
// read-modify-write sequences made on this memory object.
type Memory interface {
	Readable
	sync.Locker

	Write8(addr uint32, v uint8) error
	Write16(addr uint32, v uint16) error
	Write32(addr uint32, v uint32) error
	Write64(addr uint32, v uint64) error
	WriteBytes(addr uint32, p []byte) error
}

// contains reports whether [addr, addr+size) lies inside the window.
func contains(base uint32, length uint64, addr uint32, size uint64) bool {
	if addr < base {
		return false
	}
	off := uint64(addr - base)
	return off+size <= length
}
