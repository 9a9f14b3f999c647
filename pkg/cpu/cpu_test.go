package cpu

import (
	"testing"

	"github.com/lvyitian/SquirrelJME/pkg/isa"
	"github.com/lvyitian/SquirrelJME/pkg/memory"
)

const (
	codeBase = 0x1000
	ramBase  = 0x10000
	ramSize  = 0x1000
)

// testVM is a read-only code region and a writable RAM region.
type testVM struct {
	mem  *memory.Map
	code *memory.Region
	ram  *memory.Region
}

func newTestVM(t *testing.T, codeSize int) *testVM {
	t.Helper()

	code := memory.NewRegion("code", codeBase, codeSize, memory.PermRead)
	ram := memory.NewRegion("ram", ramBase, ramSize, memory.PermRead|memory.PermWrite)
	m, err := memory.NewMap(code, ram)
	if err != nil {
		t.Fatalf("NewMap failed: %v", err)
	}
	return &testVM{mem: m, code: code, ram: ram}
}

// load assembles into the code region at addr.
func (vm *testVM) load(t *testing.T, addr uint32, build func(as *isa.Assembler)) int {
	t.Helper()

	as := isa.NewAssembler()
	build(as)
	code, err := as.Bytes()
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if err := vm.code.Load(addr, code); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return len(code)
}

// assemble builds a program into a code region of exactly its size.
func assemble(t *testing.T, build func(as *isa.Assembler)) *testVM {
	t.Helper()

	as := isa.NewAssembler()
	build(as)
	code, err := as.Bytes()
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	vm := newTestVM(t, len(code))
	if err := vm.code.Load(codeBase, code); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return vm
}

// runProgram runs build as a single frame until it returns.
func runProgram(t *testing.T, opts Options, build func(as *isa.Assembler)) (*CPU, *Frame, error) {
	t.Helper()

	vm := assemble(t, build)
	c := NewCPU(vm.mem, opts)
	f := c.EnterFrame(codeBase)
	return c, f, c.Run()
}

func TestEnterFrame(t *testing.T) {
	vm := newTestVM(t, 16)
	c := NewCPU(vm.mem, Options{})

	root := c.EnterFrame(0x100, 1, 2, 3)
	if root.PC != 0x100 || root.EntryPC != 0x100 || root.LastPC != 0x100 {
		t.Errorf("unexpected frame addresses %+v", root)
	}
	for i := 0; i < 3; i++ {
		if got := root.Registers[isa.ArgumentRegisterBase+i]; got != int32(i+1) {
			t.Errorf("argument %d = %d, want %d", i, got, i+1)
		}
	}

	root.Registers[isa.ExceptionRegister] = 33
	root.Registers[isa.PoolRegister] = 44
	root.Registers[isa.NextPoolRegister] = 55
	root.Registers[isa.LocalRegisterBase] = 66

	callee := c.EnterFrame(0x200)
	if callee.Registers[isa.ExceptionRegister] != 33 {
		t.Errorf("exception register not propagated: %d", callee.Registers[isa.ExceptionRegister])
	}
	if callee.Registers[isa.PoolRegister] != 55 {
		t.Errorf("pool register = %d, want next pool 55", callee.Registers[isa.PoolRegister])
	}
	if callee.Registers[isa.LocalRegisterBase] != 0 {
		t.Errorf("local register leaked into callee: %d", callee.Registers[isa.LocalRegisterBase])
	}
	if callee.Registers[isa.ArgumentRegisterBase] != 1 {
		t.Errorf("argument registers should be copied as globals when no args are passed")
	}

	if c.Depth() != 2 || c.Top() != callee {
		t.Errorf("expected callee on top of 2 frames")
	}
	if frames := c.Frames(); len(frames) != 2 || frames[0] != root {
		t.Errorf("Frames should list outermost first")
	}
}

func TestEnterFrameSpill(t *testing.T) {
	vm := newTestVM(t, 16)
	c := NewCPU(vm.mem, Options{})

	args := make([]int32, 60)
	for i := range args {
		args[i] = int32(i + 100)
	}

	f := c.EnterFrame(codeBase, args...)

	room := isa.NumRegisters - isa.ArgumentRegisterBase
	if f.SpilledArgs != len(args)-room {
		t.Errorf("SpilledArgs = %d, want %d", f.SpilledArgs, len(args)-room)
	}
	if got := f.Registers[isa.NumRegisters-1]; got != int32(room-1+100) {
		t.Errorf("last register = %d, want %d", got, room-1+100)
	}
	if f.Registers[isa.ZeroRegister] != 0 {
		t.Error("zero register must be zero")
	}
}

func TestEnterFrameReturnPreservesGlobals(t *testing.T) {
	vm := assemble(t, func(as *isa.Assembler) {
		as.Return()
	})
	c := NewCPU(vm.mem, Options{})

	root := c.EnterFrame(0)
	for i := 1; i < isa.NumRegisters; i++ {
		root.Registers[i] = int32(i * 1000)
	}
	before := root.Registers

	callee := c.EnterFrame(codeBase)
	if err := c.RunUntilFrameCountAtMost(1); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if c.Depth() != 1 {
		t.Fatalf("expected 1 frame left, got %d", c.Depth())
	}
	if callee.Registers[isa.PoolRegister] != before[isa.NextPoolRegister] {
		t.Errorf("callee pool = %d, want %d", callee.Registers[isa.PoolRegister], before[isa.NextPoolRegister])
	}

	for i := 0; i < isa.NumRegisters; i++ {
		want := before[i]
		if i == isa.NextPoolRegister {
			want = 0
		}
		if root.Registers[i] != want {
			t.Errorf("register %d = %d after return, want %d", i, root.Registers[i], want)
		}
	}

	// The root frame was never executed
	if root.PC != 0 {
		t.Errorf("root PC moved to 0x%x", root.PC)
	}
}

func TestReturnCopiesGlobals(t *testing.T) {
	tests := []struct {
		name      string
		dest      int
		propagate bool
	}{
		{"global", isa.ReturnRegister, true},
		{"local", isa.LocalRegisterBase, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := assemble(t, func(as *isa.Assembler) {
				as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 5, tt.dest)
				as.Return()
			})
			c := NewCPU(vm.mem, Options{})

			root := c.EnterFrame(0)
			root.Registers[isa.PoolRegister] = 9
			callee := c.EnterFrame(codeBase)
			if err := c.RunUntilFrameCountAtMost(1); err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if callee.Registers[tt.dest] != 5 {
				t.Errorf("callee r%d = %d, want 5", tt.dest, callee.Registers[tt.dest])
			}

			want := int32(0)
			if tt.propagate {
				want = 5
			}
			if root.Registers[tt.dest] != want {
				t.Errorf("caller r%d = %d, want %d", tt.dest, root.Registers[tt.dest], want)
			}
			if root.Registers[isa.PoolRegister] != 9 {
				t.Errorf("caller pool overwritten: %d", root.Registers[isa.PoolRegister])
			}
		})
	}
}

func TestRunToZeroFrames(t *testing.T) {
	c, f, err := runProgram(t, Options{}, func(as *isa.Assembler) {
		as.MathConstInt(isa.MathAdd, isa.ZeroRegister, 5, isa.ReturnRegister)
		as.Return()
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if c.Depth() != 0 {
		t.Errorf("expected no frames, got %d", c.Depth())
	}
	if f.Registers[isa.ReturnRegister] != 5 {
		t.Errorf("r1 = %d, want 5", f.Registers[isa.ReturnRegister])
	}
	if st := c.Stats(); st.Steps != 2 || st.Returns != 1 {
		t.Errorf("unexpected stats %+v", st)
	}

	// Nothing left to run
	if err := c.Run(); err != nil {
		t.Errorf("Run with no frames failed: %v", err)
	}
}
