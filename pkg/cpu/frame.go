package cpu

import (
	"github.com/tliron/commonlog"

	"github.com/lvyitian/SquirrelJME/pkg/isa"
)

// Frame is one method activation. Frames are owned by a single CPU.
type Frame struct {
	// Registers hold raw 32-bit words; long and double values occupy two
	// consecutive slots, high word first.
	Registers [isa.NumRegisters]int32

	PC      uint32 // Current (or resume) address
	EntryPC uint32 // Method entry, base for debug lookups
	LastPC  uint32 // Last instruction started

	// RP is the reference queue position, kept for the runtime.
	RP int32

	// SpilledArgs counts arguments that did not fit in the register file
	// when the frame was entered.
	SpilledArgs int
}

// EnterFrame pushes a new frame starting at pc. Globals are copied from the
// current top frame, the pool register is seeded from its next pool
// register, and args are written from the first argument register upwards.
// Arguments past the last register are dropped and counted in
// Frame.SpilledArgs.
func (c *CPU) EnterFrame(pc uint32, args ...int32) *Frame {
	f := &Frame{
		PC:      pc,
		EntryPC: pc,
		LastPC:  pc,
	}

	if n := len(c.frames); n > 0 {
		caller := c.frames[n-1]
		copy(f.Registers[:isa.LocalRegisterBase], caller.Registers[:isa.LocalRegisterBase])
		f.Registers[isa.PoolRegister] = caller.Registers[isa.NextPoolRegister]
	}

	room := isa.NumRegisters - isa.ArgumentRegisterBase
	if len(args) > room {
		f.SpilledArgs = len(args) - room
		args = args[:room]
	}
	copy(f.Registers[isa.ArgumentRegisterBase:], args)

	f.Registers[isa.ZeroRegister] = 0

	c.frames = append(c.frames, f)

	if f.SpilledArgs > 0 {
		c.log.Warningf("cpu %s: %d arguments to 0x%08x did not fit in registers", c.id, f.SpilledArgs, pc)
	}
	if c.log.AllowLevel(commonlog.Debug) {
		c.log.Debugf("cpu %s: enter 0x%08x depth=%d args=%v", c.id, pc, len(c.frames), args)
	}

	return f
}

// popFrame removes the top frame and copies its globals back into the
// caller, except the pool register. The caller's next pool register is
// cleared. It returns the new top frame, or nil.
func (c *CPU) popFrame() *Frame {
	n := len(c.frames)
	was := c.frames[n-1]
	c.frames[n-1] = nil
	c.frames = c.frames[:n-1]

	if n == 1 {
		c.log.Debugf("cpu %s: return from last frame", c.id)
		return nil
	}

	now := c.frames[n-2]
	pool := now.Registers[isa.PoolRegister]
	copy(now.Registers[:isa.LocalRegisterBase], was.Registers[:isa.LocalRegisterBase])
	now.Registers[isa.PoolRegister] = pool
	now.Registers[isa.NextPoolRegister] = 0

	if c.log.AllowLevel(commonlog.Debug) {
		c.log.Debugf("cpu %s: return to 0x%08x depth=%d", c.id, now.PC, len(c.frames))
	}
	return now
}

// Frames returns the active frames, outermost first. The slice is a copy;
// the frames are not.
func (c *CPU) Frames() []*Frame {
	out := make([]*Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Depth returns the number of active frames.
func (c *CPU) Depth() int {
	return len(c.frames)
}

// Top returns the innermost frame, or nil if none is active.
func (c *CPU) Top() *Frame {
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}
