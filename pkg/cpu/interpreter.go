package cpu

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/lvyitian/SquirrelJME/pkg/isa"
	"github.com/lvyitian/SquirrelJME/pkg/memory"
)

// handler executes one decoded instruction of frame f located at pc and
// returns the address of the next instruction of f. Handlers must not
// modify any state before they know the instruction will complete.
type handler func(c *CPU, f *Frame, inst *isa.Instruction, pc uint32) (uint32, error)

var handlers [isa.NumEncodings]handler

func init() {
	handlers[isa.MathRegInt] = execMathInt
	handlers[isa.MathConstInt] = execMathInt
	handlers[isa.IfICmp] = execIfICmp
	handlers[isa.IfEqConst] = execIfEqConst
	handlers[isa.Invoke] = execInvoke
	handlers[isa.Return] = execReturn
	handlers[isa.EntryMarker] = execEntryMarker
	handlers[isa.AtomicIntIncrement] = execAtomicIncrement
	handlers[isa.AtomicIntDecrementAndGet] = execAtomicDecrementAndGet
	handlers[isa.MemoryOffReg] = execMemory
	handlers[isa.MemoryOffIConst] = execMemory
	handlers[isa.Conversion] = execConversion
}

// registerOperands has bit i set when operand i of the encoding names a
// register.
var registerOperands = [isa.NumEncodings]uint8{
	isa.MathRegInt:               0b111,
	isa.MathRegLong:              0b111,
	isa.MathRegFloat:             0b111,
	isa.MathRegDouble:            0b111,
	isa.IfICmp:                   0b011,
	isa.Invoke:                   0b001,
	isa.IfEqConst:                0b001,
	isa.AtomicIntIncrement:       0b001,
	isa.AtomicIntDecrementAndGet: 0b011,
	isa.LoadPool:                 0b010,
	isa.MemoryOffReg:             0b111,
	isa.MathConstInt:             0b101,
	isa.MathConstLong:            0b101,
	isa.MathConstFloat:           0b101,
	isa.MathConstDouble:          0b101,
	isa.MemoryOffIConst:          0b011,
	isa.Conversion:               0b011,
}

// Run executes until no frames remain.
func (c *CPU) Run() error {
	return c.run(nil, 0)
}

// RunUntilFrameCountAtMost executes while more than n frames are active.
// It returns once a return leaves n or fewer frames, or on the first fault.
func (c *CPU) RunUntilFrameCountAtMost(n int) error {
	return c.run(nil, n)
}

// ctxCheckSteps is how many steps may pass between context checks.
const ctxCheckSteps = 4096

// RunContext is RunUntilFrameCountAtMost that also stops with ctx's error
// when ctx is done. The context is checked whenever the active frame changes
// and at least every ctxCheckSteps steps, always between two steps.
func (c *CPU) RunContext(ctx context.Context, n int) error {
	return c.run(ctx, n)
}

func (c *CPU) run(ctx context.Context, floor int) error {
	if floor < 0 {
		floor = 0
	}

	before := c.stats
	start := time.Now()
	if c.metrics != nil {
		c.metrics.ActiveCPUs.Inc()
		defer c.metrics.ActiveCPUs.Dec()
	}
	defer func() { c.record(before, time.Since(start)) }()

	var f *Frame
	countdown := ctxCheckSteps
	for len(c.frames) > floor {
		top := c.frames[len(c.frames)-1]
		countdown--
		if top != f || countdown <= 0 {
			f = top
			countdown = ctxCheckSteps
			if ctx != nil {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}

		pc := f.PC
		f.LastPC = pc

		inst, err := c.fetch(pc)
		if err != nil {
			return c.fault(err, pc, inst.Op)
		}

		if c.observer != nil {
			c.observer.Step(c, f, inst)
		}

		h := handlers[inst.Encoding]
		if h == nil {
			return c.fault(ErrUnsupportedInstruction, pc, inst.Op)
		}
		if err := checkRegisters(inst); err != nil {
			return c.fault(err, pc, inst.Op)
		}

		next, err := h(c, f, inst, pc)
		if err != nil {
			return c.fault(err, pc, inst.Op)
		}

		f.PC = next
		c.stats.Steps++
	}

	return nil
}

// fault wraps err with the faulting location and logs it.
func (c *CPU) fault(err error, pc uint32, op uint8) error {
	var vmErr *VMError
	if !errors.As(err, &vmErr) {
		vmErr = NewVMError(err, pc, op, 0)
	}

	if IsTrap(vmErr) {
		c.stats.Traps++
		c.log.Debugf("cpu %s: trap: %v", c.id, vmErr)
	} else {
		c.log.Errorf("cpu %s: %v", c.id, vmErr)
		if c.metrics != nil {
			c.metrics.Faults.Inc()
		}
	}
	return vmErr
}

// fetch decodes the instruction at pc through the instruction cache.
func (c *CPU) fetch(pc uint32) (*isa.Instruction, error) {
	inst := &c.inst

	if !c.cacheValid || pc < c.cacheBase || pc-c.cacheBase >= uint32(min(c.spill, c.cacheLen)) {
		if err := c.refill(pc); err != nil {
			inst.Op = 0
			return inst, err
		}
	}

	_, err := isa.Decode(c.icache[pc-c.cacheBase:c.cacheLen], inst)
	if errors.Is(err, isa.ErrShortInstruction) {
		// Crosses the end of the cache
		if c.cacheBase != pc {
			if err := c.refill(pc); err != nil {
				return inst, err
			}
			_, err = isa.Decode(c.icache[:c.cacheLen], inst)
		}
		if errors.Is(err, isa.ErrShortInstruction) {
			if c.cacheLen < len(c.icache) {
				// Memory ends inside the instruction
				return inst, NewVMError(memory.ErrOutOfBounds, pc, c.icache[0], pc+uint32(c.cacheLen))
			}
			err = c.decodeDirect(pc, inst)
		}
	}
	if errors.Is(err, isa.ErrUnknownOpcode) {
		return inst, ErrInvalidOpcode
	}
	return inst, err
}

// decodeDirect decodes an instruction too long for the cache straight from
// memory, growing the read until the instruction fits.
func (c *CPU) decodeDirect(pc uint32, inst *isa.Instruction) error {
	for size := 2 * len(c.icache); ; size *= 2 {
		size = min(size, isa.MaxSize)
		buf := make([]byte, size)
		n, err := c.readPrefix(pc, buf)
		if err != nil {
			return NewVMError(err, pc, 0, pc)
		}

		_, err = isa.Decode(buf[:n], inst)
		if !errors.Is(err, isa.ErrShortInstruction) {
			return err
		}
		if n < size {
			return NewVMError(memory.ErrOutOfBounds, pc, buf[0], pc+uint32(n))
		}
		if size == isa.MaxSize {
			return ErrInvalidInstruction
		}
	}
}

// refill loads as much of the cache as is readable starting at pc.
func (c *CPU) refill(pc uint32) error {
	c.stats.CacheRefills++
	c.cacheValid = false

	n, err := c.readPrefix(pc, c.icache)
	if err != nil {
		return NewVMError(err, pc, 0, pc)
	}

	c.cacheBase = pc
	c.cacheLen = n
	c.cacheValid = true
	return nil
}

// readPrefix fills the largest readable prefix of buf from pc. It fails only
// when not even the byte at pc can be read.
func (c *CPU) readPrefix(pc uint32, buf []byte) (int, error) {
	err := c.mem.ReadBytes(pc, buf)
	if err == nil {
		return len(buf), nil
	}

	lo, hi := 0, len(buf)
	for lo+1 < hi {
		mid := (lo + hi) / 2
		if c.mem.ReadBytes(pc, buf[:mid]) == nil {
			lo = mid
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, err
	}
	if err := c.mem.ReadBytes(pc, buf[:lo]); err != nil {
		return 0, err
	}
	return lo, nil
}

func checkRegisters(inst *isa.Instruction) error {
	mask := registerOperands[inst.Encoding]
	for i := 0; mask != 0; i, mask = i+1, mask>>1 {
		if mask&1 != 0 && uint32(inst.Args[i]) >= isa.NumRegisters {
			return ErrInvalidRegister
		}
	}
	for _, r := range inst.RegList {
		if uint32(r) >= isa.NumRegisters {
			return ErrInvalidRegister
		}
	}
	return nil
}

// next returns the address following inst at pc.
func next(inst *isa.Instruction, pc uint32) uint32 {
	return pc + uint32(inst.Size)
}

func execEntryMarker(c *CPU, f *Frame, inst *isa.Instruction, pc uint32) (uint32, error) {
	return next(inst, pc), nil
}

func execMathInt(c *CPU, f *Frame, inst *isa.Instruction, pc uint32) (uint32, error) {
	r := &f.Registers
	a := r[inst.Args[0]]

	var b int32
	if inst.Op&isa.ConstBit != 0 {
		b = inst.Args[1]
	} else {
		b = r[inst.Args[1]]
	}

	v, err := mathInt(isa.MathType(inst.Op&0xF), a, b)
	if err != nil {
		return 0, err
	}
	r[inst.Args[2]] = v
	return next(inst, pc), nil
}

// mathInt applies op with 32-bit two's complement semantics: shifts use the
// low five bits of b and MinInt32 / -1 overflows to MinInt32.
func mathInt(op isa.MathType, a, b int32) (int32, error) {
	switch op {
	case isa.MathAdd:
		return a + b, nil
	case isa.MathSub:
		return a - b, nil
	case isa.MathMul:
		return a * b, nil
	case isa.MathDiv:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		if b == -1 {
			return -a, nil
		}
		return a / b, nil
	case isa.MathRem:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		if b == -1 {
			return 0, nil
		}
		return a % b, nil
	case isa.MathNeg:
		return -a, nil
	case isa.MathShl:
		return a << (uint32(b) & 31), nil
	case isa.MathShr:
		return a >> (uint32(b) & 31), nil
	case isa.MathUshr:
		return int32(uint32(a) >> (uint32(b) & 31)), nil
	case isa.MathAnd:
		return a & b, nil
	case isa.MathOr:
		return a | b, nil
	case isa.MathXor:
		return a ^ b, nil
	case isa.MathCmpl, isa.MathCmpg:
		switch {
		case a < b:
			return -1, nil
		case a == b:
			return 0, nil
		default:
			return 1, nil
		}
	case isa.MathSignX8:
		return int32(int8(a)), nil
	case isa.MathSignHalf:
		return int32(int16(a)), nil
	}
	return 0, ErrInvalidInstruction
}

func compare(ct isa.CompareType, a, b int32) bool {
	switch ct {
	case isa.CompareEquals:
		return a == b
	case isa.CompareNotEquals:
		return a != b
	case isa.CompareLessThan:
		return a < b
	case isa.CompareLessThanOrEquals:
		return a <= b
	case isa.CompareGreaterThan:
		return a > b
	case isa.CompareGreaterThanOrEquals:
		return a >= b
	case isa.CompareTrue:
		return true
	default:
		return false
	}
}

func execIfICmp(c *CPU, f *Frame, inst *isa.Instruction, pc uint32) (uint32, error) {
	r := &f.Registers
	if compare(isa.CompareType(inst.Op&7), r[inst.Args[0]], r[inst.Args[1]]) {
		return pc + uint32(inst.Args[2]), nil
	}
	return next(inst, pc), nil
}

func execIfEqConst(c *CPU, f *Frame, inst *isa.Instruction, pc uint32) (uint32, error) {
	if f.Registers[inst.Args[0]] == inst.Args[1] {
		return pc + uint32(inst.Args[2]), nil
	}
	return next(inst, pc), nil
}

func execInvoke(c *CPU, f *Frame, inst *isa.Instruction, pc uint32) (uint32, error) {
	r := &f.Registers

	c.argv = c.argv[:0]
	for _, reg := range inst.RegList {
		c.argv = append(c.argv, r[reg])
	}

	// The caller resumes after the invoke
	ret := next(inst, pc)
	f.PC = ret

	c.EnterFrame(uint32(r[inst.Args[0]]), c.argv...)
	c.stats.Invokes++
	return ret, nil
}

func execReturn(c *CPU, f *Frame, inst *isa.Instruction, pc uint32) (uint32, error) {
	c.popFrame()
	c.stats.Returns++
	return next(inst, pc), nil
}

func execAtomicIncrement(c *CPU, f *Frame, inst *isa.Instruction, pc uint32) (uint32, error) {
	addr := uint32(f.Registers[inst.Args[0]] + inst.Args[1])

	c.mem.Lock()
	v, err := c.mem.Read32(addr)
	if err == nil {
		err = c.mem.Write32(addr, v+1)
	}
	c.mem.Unlock()

	if err != nil {
		return 0, NewVMError(err, pc, inst.Op, addr)
	}
	c.stats.AtomicOps++
	return next(inst, pc), nil
}

func execAtomicDecrementAndGet(c *CPU, f *Frame, inst *isa.Instruction, pc uint32) (uint32, error) {
	r := &f.Registers
	addr := uint32(r[inst.Args[1]] + inst.Args[2])

	c.mem.Lock()
	v, err := c.mem.Read32(addr)
	if err == nil {
		v--
		err = c.mem.Write32(addr, v)
	}
	c.mem.Unlock()

	if err != nil {
		return 0, NewVMError(err, pc, inst.Op, addr)
	}
	r[inst.Args[0]] = int32(v)
	c.stats.AtomicOps++
	return next(inst, pc), nil
}

func execMemory(c *CPU, f *Frame, inst *isa.Instruction, pc uint32) (uint32, error) {
	r := &f.Registers

	off := inst.Args[2]
	if inst.Op&isa.ConstBit == 0 {
		off = r[off]
	}
	addr := uint32(r[inst.Args[1]] + off)
	v := inst.Args[0]
	dt := isa.DataType(inst.Op & 7)

	// Wide values use the register pair v, v+1
	wide := dt == isa.DataLong || dt == isa.DataDouble
	if wide && v+1 >= isa.NumRegisters {
		return 0, ErrInvalidRegister
	}

	var err error
	if inst.Op&isa.LoadBit != 0 {
		switch dt {
		case isa.DataByte:
			var b uint8
			if b, err = c.mem.Read8(addr); err == nil {
				r[v] = int32(int8(b))
			}
		case isa.DataShort:
			var s uint16
			if s, err = c.mem.Read16(addr); err == nil {
				r[v] = int32(int16(s))
			}
		case isa.DataCharacter:
			var s uint16
			if s, err = c.mem.Read16(addr); err == nil {
				r[v] = int32(s)
			}
		case isa.DataInteger, isa.DataFloat, isa.DataObject:
			var w uint32
			if w, err = c.mem.Read32(addr); err == nil {
				r[v] = int32(w)
			}
		case isa.DataLong, isa.DataDouble:
			var d uint64
			if d, err = c.mem.Read64(addr); err == nil {
				r[v] = int32(d >> 32)
				r[v+1] = int32(d)
			}
		}
	} else {
		switch dt {
		case isa.DataByte:
			err = c.mem.Write8(addr, uint8(r[v]))
		case isa.DataShort, isa.DataCharacter:
			err = c.mem.Write16(addr, uint16(r[v]))
		case isa.DataInteger, isa.DataFloat, isa.DataObject:
			err = c.mem.Write32(addr, uint32(r[v]))
		case isa.DataLong, isa.DataDouble:
			err = c.mem.Write64(addr, uint64(uint32(r[v]))<<32|uint64(uint32(r[v+1])))
		}
	}

	if err != nil {
		return 0, NewVMError(err, pc, inst.Op, addr)
	}
	return next(inst, pc), nil
}

func execConversion(c *CPU, f *Frame, inst *isa.Instruction, pc uint32) (uint32, error) {
	r := &f.Registers
	from := isa.StackType(inst.Op >> 2 & 3)
	to := isa.StackType(inst.Op & 3)

	v := r[inst.Args[0]]
	switch {
	case from == isa.StackInteger && to == isa.StackFloat:
		v = int32(math.Float32bits(float32(v)))
	case from != isa.StackInteger && to == isa.StackInteger:
		// Wide sources hold float bits in their single register too
		v = floatToInt(math.Float32frombits(uint32(v)))
	}

	r[inst.Args[1]] = v
	return next(inst, pc), nil
}

// floatToInt converts with saturation; NaN becomes zero.
func floatToInt(v float32) int32 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	default:
		return int32(v)
	}
}
