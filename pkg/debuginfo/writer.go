package debuginfo

import (
	"errors"
	"fmt"
	"sort"
)

// ErrTableGap is returned when the first entry of a table is too far from
// the method entry to be encoded.
var ErrTableGap = errors.New("debug table gap too large")

// maxDelta is the largest PC advance one entry can encode.
const maxDelta = EndOfTable - 1

// Entry maps a relative native PC to a value.
type Entry struct {
	PC    int32
	Value int32
}

// Writer builds the debug side table of one method.
type Writer struct {
	Class      string
	Method     string
	Descriptor string

	Lines        []Entry
	Instructions []Entry
	Addresses    []Entry
}

// Bytes lays out the header, strings and tables. The result is placed in
// memory at the address loaded into the where-is-this register.
func (w *Writer) Bytes() ([]byte, error) {
	out := make([]byte, HeaderSize)

	var err error
	for _, s := range []string{w.Class, w.Method, w.Descriptor} {
		if out, err = AppendUTF(out, s); err != nil {
			return nil, err
		}
	}

	tables := []struct {
		entries []Entry
		wide    bool
	}{
		{w.Lines, true},
		{w.Instructions, false},
		{w.Addresses, false},
	}
	for i, t := range tables {
		if len(t.entries) == 0 {
			continue
		}
		off := len(out)
		if off > 0x7FFF {
			return nil, fmt.Errorf("table %d at offset %d out of range", i, off)
		}
		if out, err = appendTable(out, t.entries, t.wide); err != nil {
			return nil, err
		}
		out[2*i] = byte(off >> 8)
		out[2*i+1] = byte(off)
	}

	return out, nil
}

// appendTable encodes entries, splitting long gaps by repeating the
// previous value.
func appendTable(dst []byte, entries []Entry, wide bool) ([]byte, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].PC < sorted[j].PC })

	put := func(delta int32, v int32) {
		dst = append(dst, byte(delta))
		if wide {
			dst = append(dst, byte(v>>8), byte(v))
		} else {
			dst = append(dst, byte(v))
		}
	}

	now := int32(0)
	for i, e := range sorted {
		if e.PC < 0 {
			return nil, fmt.Errorf("negative pc %d in debug table", e.PC)
		}
		delta := e.PC - now
		if delta > maxDelta {
			if i == 0 {
				return nil, fmt.Errorf("first entry at pc %d: %w", e.PC, ErrTableGap)
			}
			prev := sorted[i-1].Value
			for delta > maxDelta {
				put(maxDelta, prev)
				delta -= maxDelta
			}
		}
		put(delta, e.Value)
		now = e.PC
	}

	return append(dst, EndOfTable), nil
}
