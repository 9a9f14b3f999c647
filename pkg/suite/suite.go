// Package suite maps class libraries into the native CPU's address space.
//
// The suites window starts with a configuration table followed by one
// fixed-size chunk per library, in the order the Manager lists them.
package suite

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/lvyitian/SquirrelJME/pkg/memory"
)

// Layout of the suites window.
const (
	// ConfigTableSize is the size of the configuration table at the start of
	// the window.
	ConfigTableSize = 1 << 20

	// SuiteChunkSize is the address space reserved for each library.
	SuiteChunkSize = 4 << 20
)

var (
	// ErrLibraryNotFound is returned when a manager has no such library.
	ErrLibraryNotFound = errors.New("library not found")

	// ErrChunkTooLarge is returned when a library does not fit in a chunk.
	ErrChunkTooLarge = errors.New("library larger than suite chunk")

	// ErrDigestMismatch is returned when stored library bytes do not match
	// their recorded digest.
	ErrDigestMismatch = errors.New("library digest mismatch")
)

var log = commonlog.GetLogger("summercoat.suite")

// Manager provides the libraries available to the VM.
type Manager interface {
	// ListLibraryNames returns the library names in mapping order.
	ListLibraryNames() ([]string, error)

	// LoadLibrary returns the raw bytes of the named library.
	LoadLibrary(name string) ([]byte, error)
}

// Memory is the suites window: a writable configuration table and one
// read-only chunk per library. It is a memory.Map, so further regions (such
// as RAM) may be added to the same address space.
type Memory struct {
	*memory.Map

	base   uint32
	config *memory.Region
	names  []string
	chunks map[string]*memory.Region
}

// NewMemory loads every library of m and maps the window at base. Each
// chunk's window covers the library's bytes; the remainder of its slot is
// left unmapped.
func NewMemory(base uint32, m Manager) (*Memory, error) {
	names, err := m.ListLibraryNames()
	if err != nil {
		return nil, fmt.Errorf("failed to list libraries: %w", err)
	}

	end := uint64(base) + ConfigTableSize + uint64(len(names))*SuiteChunkSize
	if end > 1<<32 {
		return nil, fmt.Errorf("%d libraries at 0x%08x exceed the address space: %w",
			len(names), base, memory.ErrOutOfBounds)
	}

	s := &Memory{
		base:   base,
		config: memory.NewRegion("config", base, ConfigTableSize, memory.PermRead|memory.PermWrite),
		names:  names,
		chunks: make(map[string]*memory.Region, len(names)),
	}
	if s.Map, err = memory.NewMap(s.config); err != nil {
		return nil, err
	}

	off := uint32(ConfigTableSize)
	for _, name := range names {
		data, err := m.LoadLibrary(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
		if len(data) > SuiteChunkSize {
			return nil, fmt.Errorf("%s is %d bytes: %w", name, len(data), ErrChunkTooLarge)
		}

		addr := base + off
		chunk := memory.NewRegionFrom(name, addr, data, memory.PermRead)
		if len(data) > 0 {
			if err := s.Add(chunk); err != nil {
				return nil, err
			}
		}
		s.chunks[name] = chunk

		log.Infof("mapped %s -> 0x%08x (%d bytes)", name, addr, len(data))
		off += SuiteChunkSize
	}

	return s, nil
}

// Base returns the address of the configuration table.
func (s *Memory) Base() uint32 {
	return s.base
}

// ConfigTable returns the configuration table region.
func (s *Memory) ConfigTable() *memory.Region {
	return s.config
}

// Names returns the mapped libraries in address order.
func (s *Memory) Names() []string {
	return append([]string(nil), s.names...)
}

// Lookup returns the chunk of the named library, or nil.
func (s *Memory) Lookup(name string) *memory.Region {
	return s.chunks[name]
}

// End returns the first address after the last library slot.
func (s *Memory) End() uint64 {
	return uint64(s.base) + ConfigTableSize + uint64(len(s.names))*SuiteChunkSize
}

// MappedBytes returns the number of bytes backed by the configuration table
// and the libraries.
func (s *Memory) MappedBytes() uint64 {
	n := s.config.RegionSize()
	for _, c := range s.chunks {
		n += c.RegionSize()
	}
	return n
}
