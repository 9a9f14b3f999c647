package cpu

import (
	"fmt"
	"io"
	"strings"

	"github.com/lvyitian/SquirrelJME/pkg/isa"
)

// StepObserver is notified of every decoded instruction before it executes.
// inst is reused by the CPU and must not be retained.
type StepObserver interface {
	Step(c *CPU, f *Frame, inst *isa.Instruction)
}

// StepFunc adapts a function to StepObserver.
type StepFunc func(c *CPU, f *Frame, inst *isa.Instruction)

// Step calls fn.
func (fn StepFunc) Step(c *CPU, f *Frame, inst *isa.Instruction) {
	fn(c, f, inst)
}

// ANSI colours used by DebugPrinter.
const (
	ansiReset  = "\x1b[0m"
	ansiHeader = "\x1b[1;36m"
	ansiName   = "\x1b[33m"
)

// DebugPrinter writes a two line dump of every step: the location and
// mnemonic, then the operands with special registers named and the values
// of the registers they refer to.
type DebugPrinter struct {
	W     io.Writer
	Color bool

	sb strings.Builder
}

// NewDebugPrinter creates a printer writing to w.
func NewDebugPrinter(w io.Writer, color bool) *DebugPrinter {
	return &DebugPrinter{W: w, Color: color}
}

// Step implements StepObserver.
func (p *DebugPrinter) Step(c *CPU, f *Frame, inst *isa.Instruction) {
	sb := &p.sb
	sb.Reset()

	trace := c.TraceFrame(f)
	class := trace.Class
	if n := len(class); n > 20 {
		class = class[n-20:]
	}

	if p.Color {
		sb.WriteString(ansiHeader)
	}
	fmt.Fprintf(sb, "***** @%08x %-32.32s | L%-4d/J%-3d %20.20s::%s:%s",
		f.PC, isa.Mnemonic(inst.Op), trace.Line, trace.Address,
		class, trace.Method, trace.Descriptor)
	if p.Color {
		sb.WriteString(ansiReset)
	}
	sb.WriteByte('\n')

	operands := p.operands(inst)

	sb.WriteString("  A:[")
	for i, o := range operands {
		if i > 0 {
			sb.WriteString(", ")
		}
		name := ""
		if o.register {
			name = isa.RegisterName(int(o.value))
		}
		if name != "" {
			if p.Color {
				sb.WriteString(ansiName)
			}
			fmt.Fprintf(sb, "%10.10s", name)
			if p.Color {
				sb.WriteString(ansiReset)
			}
		} else {
			fmt.Fprintf(sb, "%10d", o.value)
		}
	}
	sb.WriteString("] | V:[")
	for i, o := range operands {
		if i > 0 {
			sb.WriteString(", ")
		}
		if !o.register || o.value < 0 || o.value >= isa.NumRegisters {
			sb.WriteString("----------")
		} else {
			fmt.Fprintf(sb, "%+10d", f.Registers[o.value])
		}
	}
	sb.WriteString("]\n")

	io.WriteString(p.W, sb.String())
}

type operand struct {
	value    int32
	register bool
}

// operands lists the operands to print; invokes print the target followed
// by the register list.
func (p *DebugPrinter) operands(inst *isa.Instruction) []operand {
	mask := registerOperands[inst.Encoding]

	if inst.Encoding == isa.Invoke {
		out := make([]operand, 0, 1+len(inst.RegList))
		out = append(out, operand{inst.Args[0], true})
		for _, r := range inst.RegList {
			out = append(out, operand{r, true})
		}
		return out
	}

	n := len(inst.Formats())
	out := make([]operand, n)
	for i := 0; i < n; i++ {
		out[i] = operand{inst.Args[i], mask&(1<<uint(i)) != 0}
	}
	return out
}
