package cpu

import (
	"fmt"
	"strings"

	"github.com/lvyitian/SquirrelJME/pkg/debuginfo"
	"github.com/lvyitian/SquirrelJME/pkg/isa"
)

// TraceElement is the source location of one frame. Line, Instruction and
// Address are debuginfo.Unknown when they could not be resolved.
type TraceElement struct {
	Class      string
	Method     string
	Descriptor string

	PC          uint32
	Line        int32
	Instruction int32
	Address     int32
}

// String formats the element as class::method:descriptor followed by the
// known location fields.
func (e TraceElement) String() string {
	var sb strings.Builder

	if e.Class == "" && e.Method == "" {
		sb.WriteString("<unknown>")
	} else {
		fmt.Fprintf(&sb, "%s::%s:%s", e.Class, e.Method, e.Descriptor)
	}
	fmt.Fprintf(&sb, " @%08x", e.PC)
	if e.Line != debuginfo.Unknown {
		fmt.Fprintf(&sb, " L%d", e.Line)
	}
	if e.Address != debuginfo.Unknown {
		fmt.Fprintf(&sb, " J%d", e.Address)
	}
	if e.Instruction != debuginfo.Unknown {
		fmt.Fprintf(&sb, " I%d", e.Instruction)
	}
	return sb.String()
}

// Trace returns one element per active frame, innermost first.
func (c *CPU) Trace() []TraceElement {
	out := make([]TraceElement, 0, len(c.frames))
	for i := len(c.frames) - 1; i >= 0; i-- {
		out = append(out, c.TraceFrame(c.frames[i]))
	}
	return out
}

// TraceFrame resolves the location of f from its where-is-this register.
// Debug information is best effort and never fails.
func (c *CPU) TraceFrame(f *Frame) TraceElement {
	w := uint32(f.Registers[isa.WhereIsThis])
	loc := c.debug.Resolve(w, int32(f.PC-f.EntryPC))

	return TraceElement{
		Class:       loc.Class,
		Method:      loc.Method,
		Descriptor:  loc.Descriptor,
		PC:          f.PC,
		Line:        loc.Line,
		Instruction: loc.Instruction,
		Address:     loc.Address,
	}
}

// DebugInfo returns the cache used to resolve traces.
func (c *CPU) DebugInfo() *debuginfo.Cache {
	return c.debug
}
