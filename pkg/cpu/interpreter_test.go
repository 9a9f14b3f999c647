package cpu

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/lvyitian/SquirrelJME/pkg/isa"
	"github.com/lvyitian/SquirrelJME/pkg/memory"
	"github.com/lvyitian/SquirrelJME/pkg/metrics"
)

func TestMathInt(t *testing.T) {
	tests := []struct {
		name string
		op   isa.MathType
		a, b int32
		want int32
	}{
		{"add", isa.MathAdd, 2, 3, 5},
		{"add overflow", isa.MathAdd, math.MaxInt32, 1, math.MinInt32},
		{"sub", isa.MathSub, 2, 3, -1},
		{"mul", isa.MathMul, -4, 6, -24},
		{"div", isa.MathDiv, -7, 2, -3},
		{"div overflow", isa.MathDiv, math.MinInt32, -1, math.MinInt32},
		{"rem", isa.MathRem, -7, 2, -1},
		{"rem minus one", isa.MathRem, math.MinInt32, -1, 0},
		{"neg", isa.MathNeg, 9, 0, -9},
		{"shl masked", isa.MathShl, 1, 33, 2},
		{"shr", isa.MathShr, -16, 2, -4},
		{"ushr", isa.MathUshr, -1, 28, 15},
		{"and", isa.MathAnd, 0xF0F, 0x0FF, 0x00F},
		{"or", isa.MathOr, 0xF00, 0x00F, 0xF0F},
		{"xor", isa.MathXor, 0xFF, 0x0F, 0xF0},
		{"cmpl less", isa.MathCmpl, 1, 2, -1},
		{"cmpl equal", isa.MathCmpl, 2, 2, 0},
		{"cmpg greater", isa.MathCmpg, 3, 2, 1},
		{"signx8", isa.MathSignX8, 0x1FF, 0, -1},
		{"signx8 positive", isa.MathSignX8, 0x17F, 0, 0x7F},
		{"signhalf", isa.MathSignHalf, 0x18000, 0, -32768},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mathInt(tt.op, tt.a, tt.b)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("%v(%d, %d) = %d, want %d", tt.op, tt.a, tt.b, got, tt.want)
			}
		})
	}

	for _, op := range []isa.MathType{isa.MathDiv, isa.MathRem} {
		if _, err := mathInt(op, 1, 0); !errors.Is(err, ErrDivisionByZero) {
			t.Errorf("%v by zero: expected ErrDivisionByZero, got %v", op, err)
		}
	}
}

func TestDivisionByZeroTrap(t *testing.T) {
	tests := []struct {
		name  string
		build func(as *isa.Assembler)
	}{
		{"const", func(as *isa.Assembler) {
			as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 7, 20)
			as.MathConstInt(isa.MathDiv, 20, 0, 21)
			as.Return()
		}},
		{"register", func(as *isa.Assembler) {
			as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 7, 20)
			as.MathRegInt(isa.MathRem, 20, 22, 21)
			as.Return()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, f, err := runProgram(t, Options{}, tt.build)
			if !errors.Is(err, ErrDivisionByZero) {
				t.Fatalf("expected ErrDivisionByZero, got %v", err)
			}
			if !IsTrap(err) {
				t.Error("division by zero should be a trap")
			}

			var vmErr *VMError
			if !errors.As(err, &vmErr) {
				t.Fatalf("expected *VMError, got %T", err)
			}

			// MATH_CONST_INT with narrow operands is 7 bytes
			faultPC := uint32(codeBase + 7)
			if vmErr.PC != faultPC {
				t.Errorf("fault pc = 0x%x, want 0x%x", vmErr.PC, faultPC)
			}
			if f.PC != faultPC || f.LastPC != faultPC {
				t.Errorf("frame pc = 0x%x last = 0x%x, want 0x%x", f.PC, f.LastPC, faultPC)
			}
			if f.Registers[21] != 0 {
				t.Errorf("destination written on trap: %d", f.Registers[21])
			}
			if c.Depth() != 1 {
				t.Errorf("frame popped on trap")
			}
			if st := c.Stats(); st.Traps != 1 || st.Steps != 1 {
				t.Errorf("unexpected stats %+v", st)
			}
		})
	}
}

func TestBranches(t *testing.T) {
	c, f, err := runProgram(t, Options{}, func(as *isa.Assembler) {
		as.EntryMarker()
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 10, 21)
		as.Label("loop")
		as.MathConstInt(isa.MathAdd, 20, 1, 20)
		as.MathRegInt(isa.MathAdd, 22, 20, 22)
		as.IfICmp(isa.CompareLessThan, 20, 21, "loop")
		as.MathRegInt(isa.MathAdd, isa.ZeroRegister, 22, isa.ReturnRegister)

		as.IfEqConst(isa.ReturnRegister, 55, "yes")
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 2, 23)
		as.Return()
		as.Label("yes")
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 1, 23)
		as.IfEqConst(isa.ReturnRegister, 54, "no")
		as.Return()
		as.Label("no")
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 3, 23)
		as.Return()
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if f.Registers[isa.ReturnRegister] != 55 {
		t.Errorf("sum = %d, want 55", f.Registers[isa.ReturnRegister])
	}
	if f.Registers[23] != 1 {
		t.Errorf("IFEQ_CONST took the wrong path: r23 = %d", f.Registers[23])
	}
	if c.Stats().Steps == 0 {
		t.Error("steps not counted")
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		ct   isa.CompareType
		a, b int32
		want bool
	}{
		{isa.CompareEquals, 1, 1, true},
		{isa.CompareNotEquals, 1, 1, false},
		{isa.CompareLessThan, -1, 0, true},
		{isa.CompareLessThanOrEquals, 0, 0, true},
		{isa.CompareGreaterThan, 0, -1, true},
		{isa.CompareGreaterThanOrEquals, -1, 0, false},
		{isa.CompareTrue, 5, 6, true},
		{isa.CompareFalse, 5, 5, false},
	}

	for _, tt := range tests {
		if got := compare(tt.ct, tt.a, tt.b); got != tt.want {
			t.Errorf("compare(%v, %d, %d) = %v, want %v", tt.ct, tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMemoryLoadStore(t *testing.T) {
	vm := newTestVM(t, 256)
	vm.load(t, codeBase, func(as *isa.Assembler) {
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, ramBase, 20)
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, -2, 21)
		as.Store(isa.DataInteger, 21, 20, 0)
		as.Store(isa.DataByte, 21, 20, 8)
		as.Load(isa.DataByte, 22, 20, 8)
		as.Load(isa.DataCharacter, 23, 20, 2)
		as.Load(isa.DataShort, 24, 20, 2)

		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 0x12345, 25)
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 16, 26)
		as.StoreReg(isa.DataShort, 25, 20, 26)
		as.LoadReg(isa.DataCharacter, 33, 20, 26)

		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 0x01020304, 27)
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 0x05060708, 28)
		as.Store(isa.DataLong, 27, 20, 24)
		as.Load(isa.DataDouble, 30, 20, 24)
		as.Load(isa.DataObject, 32, 20, 24)
		as.Return()
	})

	c := NewCPU(vm.mem, Options{})
	f := c.EnterFrame(codeBase)
	if err := c.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	r := &f.Registers
	if r[22] != -2 {
		t.Errorf("byte load not sign extended: %d", r[22])
	}
	if r[23] != 0xFFFE {
		t.Errorf("character load not zero extended: %d", r[23])
	}
	if r[24] != -2 {
		t.Errorf("short load not sign extended: %d", r[24])
	}
	if r[33] != 0x2345 {
		t.Errorf("character through register offset = 0x%x, want 0x2345", r[33])
	}
	if r[30] != 0x01020304 || r[31] != 0x05060708 {
		t.Errorf("wide load = 0x%x 0x%x", r[30], r[31])
	}
	if r[32] != 0x01020304 {
		t.Errorf("object load = 0x%x, want high word", r[32])
	}

	if v, _ := vm.ram.Read32(ramBase); v != 0xFFFFFFFE {
		t.Errorf("ram word = 0x%x", v)
	}
	if v, _ := vm.ram.Read64(ramBase + 24); v != 0x0102030405060708 {
		t.Errorf("ram long = 0x%x", v)
	}
}

func TestMemoryFaults(t *testing.T) {
	tests := []struct {
		name  string
		addr  int32
		build func(as *isa.Assembler)
		want  error
	}{
		{"unmapped load", 0x90000, func(as *isa.Assembler) {
			as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 0x90000, 20)
			as.Load(isa.DataInteger, 21, 20, 0)
		}, memory.ErrOutOfBounds},
		{"read-only store", codeBase, func(as *isa.Assembler) {
			as.MathConstInt(isa.MathAdd, isa.ZeroRegister, codeBase, 20)
			as.Store(isa.DataInteger, 21, 20, 0)
		}, memory.ErrAccessViolation},
		{"wide register pair", ramBase, func(as *isa.Assembler) {
			as.MathConstInt(isa.MathAdd, isa.ZeroRegister, ramBase, 20)
			as.Load(isa.DataLong, isa.NumRegisters-1, 20, 0)
		}, ErrInvalidRegister},
		{"atomic unmapped", 0x90004, func(as *isa.Assembler) {
			as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 0x90000, 20)
			as.AtomicIncrement(20, 4)
		}, memory.ErrOutOfBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, f, err := runProgram(t, Options{}, func(as *isa.Assembler) {
				tt.build(as)
				as.Return()
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if IsTrap(err) {
				t.Error("memory faults are not traps")
			}

			var vmErr *VMError
			if !errors.As(err, &vmErr) {
				t.Fatalf("expected *VMError, got %T", err)
			}
			if vmErr.PC != codeBase+7 || f.PC != codeBase+7 {
				t.Errorf("fault pc = 0x%x frame pc = 0x%x", vmErr.PC, f.PC)
			}
			if tt.want != ErrInvalidRegister && vmErr.Address != uint32(tt.addr) {
				t.Errorf("fault address = 0x%x, want 0x%x", vmErr.Address, tt.addr)
			}
			if c.Depth() != 1 {
				t.Error("frame popped on fault")
			}
		})
	}
}

func TestConversion(t *testing.T) {
	_, f, err := runProgram(t, Options{}, func(as *isa.Assembler) {
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 3, 20)
		as.Convert(isa.StackInteger, isa.StackFloat, 20, 21)
		as.Convert(isa.StackFloat, isa.StackInteger, 21, 22)
		as.Convert(isa.StackInteger, isa.StackInteger, 20, 23)
		as.Convert(isa.StackFloat, isa.StackFloat, 21, 24)
		as.Convert(isa.StackDouble, isa.StackInteger, 21, 25)
		as.Convert(isa.StackInteger, isa.StackLong, 20, 26)
		as.Return()
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	r := &f.Registers
	if uint32(r[21]) != math.Float32bits(3) {
		t.Errorf("int to float = 0x%x, want 0x%x", r[21], math.Float32bits(3))
	}
	if r[22] != 3 {
		t.Errorf("float to int = %d, want 3", r[22])
	}
	if r[23] != 3 || r[24] != r[21] {
		t.Errorf("same kind conversion should pass through: %d 0x%x", r[23], r[24])
	}
	if r[25] != 3 {
		t.Errorf("double to int = %d, want 3", r[25])
	}
	if r[26] != 3 {
		t.Errorf("int to long = %d, want 3", r[26])
	}
}

func TestFloatToInt(t *testing.T) {
	tests := []struct {
		in   float32
		want int32
	}{
		{1.9, 1},
		{-1.9, -1},
		{float32(math.NaN()), 0},
		{1e10, math.MaxInt32},
		{-1e10, math.MinInt32},
		{float32(math.Inf(1)), math.MaxInt32},
		{float32(math.Inf(-1)), math.MinInt32},
	}

	for _, tt := range tests {
		if got := floatToInt(tt.in); got != tt.want {
			t.Errorf("floatToInt(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestInvoke(t *testing.T) {
	const calleeAddr = codeBase + 0x100

	vm := newTestVM(t, 0x200)
	vm.load(t, codeBase, func(as *isa.Assembler) {
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, calleeAddr, 20)
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 6, 21)
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 7, 22)
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 99, isa.NextPoolRegister)
		as.Invoke(20, 21, 22)
		as.MathRegInt(isa.MathAdd, isa.ZeroRegister, isa.ReturnRegister, 23)
		as.Return()
	})
	vm.load(t, calleeAddr, func(as *isa.Assembler) {
		as.EntryMarker()
		as.MathRegInt(isa.MathMul, isa.ArgumentRegisterBase, isa.ArgumentRegisterBase+1, isa.ReturnRegister)
		as.MathRegInt(isa.MathAdd, isa.ZeroRegister, isa.PoolRegister, isa.ReturnRegister+1)
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 1, 20)
		as.Return()
	})

	c := NewCPU(vm.mem, Options{})
	f := c.EnterFrame(codeBase)

	var entries []uint32
	c.SetObserver(StepFunc(func(c *CPU, f *Frame, inst *isa.Instruction) {
		if inst.Encoding == isa.EntryMarker {
			entries = append(entries, f.PC)
		}
	}))

	if err := c.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	r := &f.Registers
	if r[23] != 42 {
		t.Errorf("return value = %d, want 42", r[23])
	}
	if r[isa.ReturnRegister+1] != 99 {
		t.Errorf("callee pool = %d, want 99", r[isa.ReturnRegister+1])
	}
	if r[isa.NextPoolRegister] != 0 {
		t.Errorf("next pool not cleared: %d", r[isa.NextPoolRegister])
	}
	if r[isa.PoolRegister] != 0 {
		t.Errorf("caller pool changed: %d", r[isa.PoolRegister])
	}
	if r[20] != calleeAddr {
		t.Errorf("callee local leaked into caller: r20 = 0x%x", r[20])
	}

	if len(entries) != 1 || entries[0] != calleeAddr {
		t.Errorf("expected one entry marker at 0x%x, got %v", calleeAddr, entries)
	}

	st := c.Stats()
	if st.Invokes != 1 || st.Returns != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.CacheRefills != 1 {
		t.Errorf("callee within the spill window should not refill, got %d refills", st.CacheRefills)
	}
}

func TestInvokeUnmapped(t *testing.T) {
	vm := assemble(t, func(as *isa.Assembler) {
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 0x90000, 20)
		as.Invoke(20)
		as.Return()
	})

	c := NewCPU(vm.mem, Options{})
	f := c.EnterFrame(codeBase)

	err := c.Run()
	if !errors.Is(err, memory.ErrOutOfBounds) {
		t.Fatalf("expected out of bounds fetch, got %v", err)
	}

	var vmErr *VMError
	if !errors.As(err, &vmErr) {
		t.Fatalf("expected *VMError, got %T", err)
	}
	if vmErr.PC != 0x90000 {
		t.Errorf("fault pc = 0x%x, want 0x90000", vmErr.PC)
	}

	if c.Depth() != 2 {
		t.Fatalf("expected 2 frames, got %d", c.Depth())
	}
	if f.PC <= codeBase+7 {
		t.Errorf("caller should resume after the invoke, pc = 0x%x", f.PC)
	}

	trace := c.Trace()
	if len(trace) != 2 || trace[0].PC != 0x90000 || trace[1].PC != f.PC {
		t.Errorf("unexpected trace %v", trace)
	}
}

func TestRunStopsAtFloor(t *testing.T) {
	vm := assemble(t, func(as *isa.Assembler) {
		as.Return()
	})
	c := NewCPU(vm.mem, Options{})

	c.EnterFrame(codeBase)
	c.EnterFrame(codeBase)
	c.EnterFrame(codeBase)

	if err := c.RunUntilFrameCountAtMost(2); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if c.Depth() != 2 {
		t.Errorf("depth = %d, want 2", c.Depth())
	}

	// Negative floors behave like zero
	if err := c.RunUntilFrameCountAtMost(-5); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if c.Depth() != 0 {
		t.Errorf("depth = %d, want 0", c.Depth())
	}
}

func TestRunContext(t *testing.T) {
	vm := assemble(t, func(as *isa.Assembler) {
		as.Return()
	})
	c := NewCPU(vm.mem, Options{})
	f := c.EnterFrame(codeBase)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.RunContext(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.PC != codeBase || c.Depth() != 1 {
		t.Error("cancelled run should not execute anything")
	}

	if err := c.RunContext(context.Background(), 0); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if c.Depth() != 0 {
		t.Errorf("depth = %d, want 0", c.Depth())
	}
}

func TestRunContextInLoop(t *testing.T) {
	vm := assemble(t, func(as *isa.Assembler) {
		as.Label("spin")
		as.Goto("spin")
	})
	c := NewCPU(vm.mem, Options{})
	f := c.EnterFrame(codeBase)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const cancelAt = 10
	steps := 0
	c.SetObserver(StepFunc(func(c *CPU, f *Frame, inst *isa.Instruction) {
		steps++
		if steps == cancelAt {
			cancel()
		}
	}))

	if err := c.RunContext(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := c.Stats().Steps; got < cancelAt || got > cancelAt+ctxCheckSteps {
		t.Errorf("stopped after %d steps, want within %d of the cancel", got, ctxCheckSteps)
	}
	if f.PC != codeBase || c.Depth() != 1 {
		t.Errorf("frame left at 0x%x depth %d", f.PC, c.Depth())
	}
}

func TestDecodeFaults(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want error
	}{
		{"invalid opcode", []byte{0x60, 0x00}, ErrInvalidOpcode},
		{"unsupported", []byte{isa.OpMathRegLong, 0x01, 0x02, 0x03}, ErrUnsupportedInstruction},
		{"invalid register", []byte{isa.OpMathConstInt, 0x00, 0x00, 0x00, 0x00, 0x01, 0x40}, ErrInvalidRegister},
		{"truncated", []byte{isa.OpMathConstInt, 0x01}, memory.ErrOutOfBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(t, len(tt.code))
			if err := vm.code.Load(codeBase, tt.code); err != nil {
				t.Fatal(err)
			}

			c := NewCPU(vm.mem, Options{})
			c.EnterFrame(codeBase)

			err := c.Run()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}

			var vmErr *VMError
			if !errors.As(err, &vmErr) {
				t.Fatalf("expected *VMError, got %T", err)
			}
			if vmErr.PC != codeBase {
				t.Errorf("fault pc = 0x%x", vmErr.PC)
			}
			if vmErr.Opcode != tt.code[0] {
				t.Errorf("fault opcode = 0x%x, want 0x%x", vmErr.Opcode, tt.code[0])
			}
		})
	}
}

func TestInstructionCache(t *testing.T) {
	build := func(as *isa.Assembler) {
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 100, 21)
		as.Label("loop")
		as.MathConstInt(isa.MathAdd, 20, 1, 20)
		as.MathRegInt(isa.MathAdd, 22, 20, 22)
		as.MathConstInt(isa.MathXor, 22, 0x55, 23)
		as.IfICmp(isa.CompareLessThan, 20, 21, "loop")
		as.MathRegInt(isa.MathAdd, isa.ZeroRegister, 23, isa.ReturnRegister)
		as.Return()
	}

	ref, refFrame, err := runProgram(t, Options{}, build)
	if err != nil {
		t.Fatalf("reference run failed: %v", err)
	}

	small, smallFrame, err := runProgram(t, Options{CacheSize: 16, CacheSpill: 8}, build)
	if err != nil {
		t.Fatalf("small cache run failed: %v", err)
	}

	if refFrame.Registers != smallFrame.Registers {
		t.Error("cache size changed the result")
	}
	if ref.Stats().Steps != small.Stats().Steps {
		t.Errorf("steps differ: %d vs %d", ref.Stats().Steps, small.Stats().Steps)
	}
	if ref.Stats().CacheRefills != 1 {
		t.Errorf("default cache refilled %d times", ref.Stats().CacheRefills)
	}
	if small.Stats().CacheRefills <= 1 {
		t.Errorf("small cache refilled %d times", small.Stats().CacheRefills)
	}

	// Instructions longer than the whole cache are read from memory
	tiny, tinyFrame, err := runProgram(t, Options{CacheSize: 4, CacheSpill: 2}, build)
	if err != nil {
		t.Fatalf("tiny cache run failed: %v", err)
	}
	if tinyFrame.Registers != refFrame.Registers {
		t.Error("tiny cache changed the result")
	}
	if tiny.Stats().Steps != ref.Stats().Steps {
		t.Errorf("steps differ: %d vs %d", ref.Stats().Steps, tiny.Stats().Steps)
	}
}

func TestCacheShortRefill(t *testing.T) {
	// Adjacent regions: a refill in a stops at its end
	a := memory.NewRegion("a", 0, 0x100, memory.PermRead)
	b := memory.NewRegion("b", 0x100, 0x100, memory.PermRead)
	mem, err := memory.NewMap(a, b)
	if err != nil {
		t.Fatal(err)
	}

	caller := isa.NewAssembler()
	caller.MathConstInt(isa.MathAdd, isa.ZeroRegister, 0x140, 20)
	caller.Invoke(20)
	caller.MathConstInt(isa.MathAdd, isa.ReturnRegister, 1, isa.ReturnRegister)
	caller.Return()
	code, err := caller.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Load(0xE0, code); err != nil {
		t.Fatal(err)
	}

	callee := isa.NewAssembler()
	callee.MathConstInt(isa.MathAdd, isa.ZeroRegister, 41, isa.ReturnRegister)
	callee.Return()
	code, err = callee.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Load(0x140, code); err != nil {
		t.Fatal(err)
	}

	c := NewCPU(mem, Options{})
	f := c.EnterFrame(0xE0)
	if err := c.Run(); err != nil {
		t.Fatalf("cross-region invoke failed: %v", err)
	}
	if f.Registers[isa.ReturnRegister] != 42 {
		t.Errorf("r1 = %d, want 42", f.Registers[isa.ReturnRegister])
	}

	// A branch past the end of memory faults
	as := isa.NewAssembler()
	as.Goto("far")
	as.Raw(make([]byte, 200)...)
	as.Label("far")
	as.Return()
	code, err = as.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	vm := newTestVM(t, 16)
	if err := vm.code.Load(codeBase, code[:16]); err != nil {
		t.Fatal(err)
	}
	c = NewCPU(vm.mem, Options{})
	c.EnterFrame(codeBase)
	err = c.Run()

	var vmErr *VMError
	if !errors.As(err, &vmErr) || !errors.Is(err, memory.ErrOutOfBounds) {
		t.Fatalf("expected out of bounds VMError, got %v", err)
	}
	if vmErr.PC < codeBase+200 {
		t.Errorf("fault PC 0x%x, want the branch target", vmErr.PC)
	}
}

func TestInvalidateCache(t *testing.T) {
	vm := newTestVM(t, 64)
	vm.load(t, codeBase, func(as *isa.Assembler) {
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 1, isa.ReturnRegister)
		as.Return()
	})

	c := NewCPU(vm.mem, Options{})
	f := c.EnterFrame(codeBase)
	if err := c.Run(); err != nil {
		t.Fatal(err)
	}

	vm.load(t, codeBase, func(as *isa.Assembler) {
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 2, isa.ReturnRegister)
		as.Return()
	})
	c.InvalidateCache()

	f = c.EnterFrame(codeBase)
	if err := c.Run(); err != nil {
		t.Fatal(err)
	}
	if f.Registers[isa.ReturnRegister] != 2 {
		t.Errorf("stale code executed: r1 = %d", f.Registers[isa.ReturnRegister])
	}
}

func TestAtomicIncrementConcurrent(t *testing.T) {
	const (
		cpus  = 4
		iters = 10000
	)

	vm := assemble(t, func(as *isa.Assembler) {
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, ramBase, 20)
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, iters, 21)
		as.Label("loop")
		as.AtomicIncrement(20, 0)
		as.MathConstInt(isa.MathSub, 21, 1, 21)
		as.IfICmp(isa.CompareGreaterThan, 21, isa.ZeroRegister, "loop")
		as.Return()
	})

	var wg sync.WaitGroup
	errs := make([]error, cpus)
	for i := 0; i < cpus; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewCPU(vm.mem, Options{})
			c.EnterFrame(codeBase)
			errs[i] = c.Run()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("cpu %d failed: %v", i, err)
		}
	}

	vm.mem.Lock()
	v, err := vm.mem.Read32(ramBase)
	vm.mem.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if v != cpus*iters {
		t.Errorf("counter = %d, want %d", v, cpus*iters)
	}
}

func TestAtomicDecrementAndGet(t *testing.T) {
	vm := assemble(t, func(as *isa.Assembler) {
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, ramBase, 20)
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 5, 21)
		as.Store(isa.DataInteger, 21, 20, 12)
		as.AtomicDecrementAndGet(22, 20, 12)
		as.AtomicDecrementAndGet(23, 20, 12)
		as.Return()
	})

	c := NewCPU(vm.mem, Options{})
	f := c.EnterFrame(codeBase)
	if err := c.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if f.Registers[22] != 4 || f.Registers[23] != 3 {
		t.Errorf("decrement results = %d, %d", f.Registers[22], f.Registers[23])
	}
	if v, _ := vm.ram.Read32(ramBase + 12); v != 3 {
		t.Errorf("memory = %d, want 3", v)
	}
	if c.Stats().AtomicOps != 2 {
		t.Errorf("atomic ops = %d", c.Stats().AtomicOps)
	}
}

func TestRunRecordsMetrics(t *testing.T) {
	m := metrics.NewMetrics()

	c, _, err := runProgram(t, Options{Metrics: m}, func(as *isa.Assembler) {
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 1, 20)
		as.MathConstInt(isa.MathDiv, 20, 0, 21)
	})
	if !IsTrap(err) {
		t.Fatalf("expected trap, got %v", err)
	}

	if got := m.Steps.Value(); got != c.Stats().Steps {
		t.Errorf("steps metric = %d, want %d", got, c.Stats().Steps)
	}
	if m.Traps.Value() != 1 {
		t.Errorf("traps metric = %d", m.Traps.Value())
	}
	if m.Faults.Value() != 0 {
		t.Errorf("traps should not count as faults")
	}
	if m.ActiveCPUs.Value() != 0 {
		t.Errorf("active cpus gauge = %d after run", m.ActiveCPUs.Value())
	}
	if m.RunDuration.Snapshot().Count != 1 {
		t.Errorf("run duration observations = %d", m.RunDuration.Snapshot().Count)
	}
}
