// Package debuginfo reads the debug side tables the class translator emits
// next to native code.
//
// Each method's where-is-this register points at a header:
//
//	+0  int16  line table offset        (0 = absent)
//	+2  int16  instruction table offset (0 = absent)
//	+4  int16  address table offset     (0 = absent)
//	+6  utf    class name
//	    utf    method name
//	    utf    method descriptor
//
// Table offsets are relative to the header. A table is a run of
// (delta, value) pairs where delta is one byte of native PC advance and
// value is a 16-bit line number or an 8-bit bytecode instruction/address.
// A delta of 0xFF ends the table.
//
// All reads are best effort: a bad pointer produces partial information,
// never an error.
package debuginfo

import (
	"github.com/lvyitian/SquirrelJME/pkg/memory"
)

// Unknown is the value of a location field which could not be resolved.
const Unknown = -1

// EndOfTable terminates a debug table.
const EndOfTable = 0xFF

// HeaderSize is the size of the fixed part of the header.
const HeaderSize = 6

// Read limits for the string block and a single table.
const (
	stringLimit = 1024
	tableLimit  = 4096
)

// Header is the decoded debug header of one method.
type Header struct {
	LineTable        int16
	InstructionTable int16
	AddressTable     int16

	Class      string
	Method     string
	Descriptor string
}

// Location is a native PC resolved against a method's debug tables.
type Location struct {
	Class      string
	Method     string
	Descriptor string

	Line        int32
	Instruction int32
	Address     int32
}

// ReadHeader reads the header at w. The returned error is only informative;
// fields read before the failure are kept.
func ReadHeader(mem memory.Readable, w uint32) (Header, error) {
	var h Header

	offs := [3]*int16{&h.LineTable, &h.InstructionTable, &h.AddressTable}
	for i, p := range offs {
		v, err := mem.Read16(w + uint32(2*i))
		if err != nil {
			return h, err
		}
		*p = int16(v)
	}

	r := memory.NewReader(mem, w+HeaderSize, stringLimit)
	strs := [3]*string{&h.Class, &h.Method, &h.Descriptor}
	for _, p := range strs {
		s, err := ReadUTF(r)
		if err != nil {
			return h, err
		}
		*p = s
	}

	return h, nil
}

// FindTableIndex scans the table at addr for relative PC pc. wide selects
// 16-bit values. An entry at exactly pc wins; otherwise the value of the
// last entry before pc is returned, or Unknown if there is none.
func FindTableIndex(mem memory.Readable, addr uint32, wide bool, pc int32) int32 {
	r := memory.NewReader(mem, addr, tableLimit)

	last := int32(Unknown)
	for now := int32(0); ; {
		delta, err := r.ReadByte()
		if err != nil || delta == EndOfTable {
			return last
		}

		var value int32
		if wide {
			hi, err := r.ReadByte()
			if err != nil {
				return last
			}
			lo, err := r.ReadByte()
			if err != nil {
				return last
			}
			value = int32(hi)<<8 | int32(lo)
		} else {
			b, err := r.ReadByte()
			if err != nil {
				return last
			}
			value = int32(b)
		}

		at := now + int32(delta)
		if at > pc {
			return last
		} else if at == pc {
			return value
		}

		last = value
		now = at
	}
}

// Resolve looks up relative PC pc in the tables described by h, which was
// read from w.
func (h *Header) Resolve(mem memory.Readable, w uint32, pc int32) Location {
	loc := Location{
		Class:       h.Class,
		Method:      h.Method,
		Descriptor:  h.Descriptor,
		Line:        Unknown,
		Instruction: Unknown,
		Address:     Unknown,
	}

	if h.LineTable != 0 {
		loc.Line = FindTableIndex(mem, tableAddr(w, h.LineTable), true, pc)
	}
	if h.InstructionTable != 0 {
		loc.Instruction = FindTableIndex(mem, tableAddr(w, h.InstructionTable), false, pc)
	}
	if h.AddressTable != 0 {
		loc.Address = FindTableIndex(mem, tableAddr(w, h.AddressTable), false, pc)
	}

	return loc
}

// Resolve reads the header at w and resolves relative PC pc. A zero w
// resolves to an empty location.
func Resolve(mem memory.Readable, w uint32, pc int32) Location {
	if w == 0 {
		return EmptyLocation()
	}
	h, _ := ReadHeader(mem, w)
	return h.Resolve(mem, w, pc)
}

// EmptyLocation returns a location with nothing known.
func EmptyLocation() Location {
	return Location{Line: Unknown, Instruction: Unknown, Address: Unknown}
}

func tableAddr(w uint32, off int16) uint32 {
	return uint32(int64(w) + int64(off))
}
