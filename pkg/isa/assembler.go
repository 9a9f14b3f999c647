package isa

import (
	"fmt"
)

// Assembler builds instruction streams. Branch targets are given as labels
// and resolved by Bytes; label jumps always use the wide VJUMP form so the
// stream layout does not depend on the resolved distance.
type Assembler struct {
	buf    []byte
	labels map[string]int
	fixups []fixup
	err    error
	inst   Instruction
}

type fixup struct {
	label string
	at    int // offset of the VJUMP field
	pc    int // offset of the branching instruction
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]int)}
}

// PC returns the offset the next instruction will be emitted at.
func (as *Assembler) PC() int {
	return len(as.buf)
}

// Label binds name to the current offset.
func (as *Assembler) Label(name string) {
	if _, dup := as.labels[name]; dup && as.err == nil {
		as.err = fmt.Errorf("duplicate label %q", name)
	}
	as.labels[name] = len(as.buf)
}

// Raw appends bytes verbatim.
func (as *Assembler) Raw(b ...byte) {
	as.buf = append(as.buf, b...)
}

// Emit encodes an instruction.
func (as *Assembler) Emit(inst *Instruction) {
	if as.err != nil {
		return
	}
	buf, err := Encode(as.buf, inst)
	if err != nil {
		as.err = err
		return
	}
	as.buf = buf
}

// emit encodes op with the given 32-bit operands.
func (as *Assembler) emit(op uint8, args ...int32) {
	as.inst = Instruction{Op: op}
	copy(as.inst.Args[:], args)
	as.Emit(&as.inst)
}

// emitJump encodes op whose last operand is a VJUMP to label.
func (as *Assembler) emitJump(op uint8, label string, args ...int32) {
	pc := len(as.buf)
	as.inst = Instruction{Op: op}
	copy(as.inst.Args[:], args)
	as.inst.SetWide(len(args), true)
	as.Emit(&as.inst)
	as.fixups = append(as.fixups, fixup{label: label, at: len(as.buf) - 2, pc: pc})
}

// MathRegInt emits dest = a <op> b for registers a and b.
func (as *Assembler) MathRegInt(op MathType, a, b, dest int) {
	as.emit(OpMathRegInt|uint8(op), int32(a), int32(b), int32(dest))
}

// MathConstInt emits dest = a <op> b for register a and constant b.
func (as *Assembler) MathConstInt(op MathType, a int, b int32, dest int) {
	as.emit(OpMathConstInt|uint8(op), int32(a), b, int32(dest))
}

// IfICmp branches to label when registers a and b compare true.
func (as *Assembler) IfICmp(ct CompareType, a, b int, label string) {
	as.emitJump(OpIfICmp|uint8(ct), label, int32(a), int32(b))
}

// Goto branches to label unconditionally.
func (as *Assembler) Goto(label string) {
	as.IfICmp(CompareTrue, ZeroRegister, ZeroRegister, label)
}

// IfEqConst branches to label when register a equals c.
func (as *Assembler) IfEqConst(a int, c int32, label string) {
	as.emitJump(OpIfEqConst, label, int32(a), c)
}

// Invoke calls the address held in register target passing the values of
// the listed registers.
func (as *Assembler) Invoke(target int, regs ...int) {
	as.inst = Instruction{Op: OpInvoke}
	as.inst.Args[0] = int32(target)
	for _, r := range regs {
		as.inst.RegList = append(as.inst.RegList, int32(r))
	}
	as.Emit(&as.inst)
}

// Return returns from the current frame.
func (as *Assembler) Return() {
	as.emit(OpReturn)
}

// EntryMarker emits the method entry marker.
func (as *Assembler) EntryMarker() {
	as.emit(OpEntryMarker)
}

// AtomicIncrement atomically increments the int at base+off.
func (as *Assembler) AtomicIncrement(base, off int) {
	as.emit(OpAtomicIntIncrement, int32(base), int32(off))
}

// AtomicDecrementAndGet atomically decrements the int at base+off and
// stores the new value into dest.
func (as *Assembler) AtomicDecrementAndGet(dest, base, off int) {
	as.emit(OpAtomicIntDecrementAndGet, int32(dest), int32(base), int32(off))
}

// Load emits dest = mem[base+off] for constant off.
func (as *Assembler) Load(dt DataType, dest, base int, off int32) {
	as.emit(OpMemoryOffIConst|LoadBit|uint8(dt), int32(dest), int32(base), off)
}

// Store emits mem[base+off] = src for constant off.
func (as *Assembler) Store(dt DataType, src, base int, off int32) {
	as.emit(OpMemoryOffIConst|uint8(dt), int32(src), int32(base), off)
}

// LoadReg emits dest = mem[base+off] for register off.
func (as *Assembler) LoadReg(dt DataType, dest, base, off int) {
	as.emit(OpMemoryOffReg|LoadBit|uint8(dt), int32(dest), int32(base), int32(off))
}

// StoreReg emits mem[base+off] = src for register off.
func (as *Assembler) StoreReg(dt DataType, src, base, off int) {
	as.emit(OpMemoryOffReg|uint8(dt), int32(src), int32(base), int32(off))
}

// Convert emits dest = convert(src) between stack types.
func (as *Assembler) Convert(from, to StackType, src, dest int) {
	as.emit(OpConversion|uint8(from&3)<<2|uint8(to&3), int32(src), int32(dest))
}

// Bytes resolves labels and returns the assembled stream.
func (as *Assembler) Bytes() ([]byte, error) {
	if as.err != nil {
		return nil, as.err
	}

	for _, f := range as.fixups {
		target, ok := as.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		rel := target - f.pc
		if rel < MinJump || rel > MaxJump {
			return nil, fmt.Errorf("jump to %q of %d: %w", f.label, rel, ErrOperandRange)
		}
		raw := JumpRaw(int32(rel))
		as.buf[f.at] = 0x80 | byte(raw>>8)
		as.buf[f.at+1] = byte(raw)
	}

	out := make([]byte, len(as.buf))
	copy(out, as.buf)
	return out, nil
}
