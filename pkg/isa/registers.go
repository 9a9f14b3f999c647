package isa

// Register file layout shared between the translator and the CPU.
//
// Every index below LocalRegisterBase is a global: it is copied into a callee
// when a frame is entered and copied back into the caller on return.
const (
	// NumRegisters is the number of registers in every frame.
	NumRegisters = 64

	ZeroRegister        = 0  // Always zero
	ReturnRegister      = 1  // Return value, two slots for wide values
	ExceptionRegister   = 3  // Pending exception
	StaticFieldRegister = 4  // Static field table pointer
	ClassTableRegister  = 5  // Class table pointer
	ThreadRegister      = 6  // Current thread pointer
	PoolRegister        = 7  // Active constant pool
	NextPoolRegister    = 8  // Pool to seed into the next callee
	WhereIsThis         = 9  // Debug side-table pointer
	VolatileARegister   = 10 // Scratch
	VolatileBRegister   = 11 // Scratch

	// ArgumentRegisterBase is the first argument register.
	ArgumentRegisterBase = 12

	// ArgumentRegisterCount is the number of dedicated argument registers.
	ArgumentRegisterCount = 8

	// LocalRegisterBase is the first non-global register.
	LocalRegisterBase = ArgumentRegisterBase + ArgumentRegisterCount
)

// IsGlobal reports whether the register is propagated across calls.
func IsGlobal(reg int) bool {
	return reg >= 0 && reg < LocalRegisterBase
}

// RegisterName returns the ABI name of a special register, or the empty
// string for plain argument and local registers.
func RegisterName(reg int) string {
	switch reg {
	case ZeroRegister:
		return "zero"
	case ReturnRegister:
		return "return1"
	case ReturnRegister + 1:
		return "return2"
	case ExceptionRegister:
		return "exception"
	case StaticFieldRegister:
		return "sfieldptr"
	case ClassTableRegister:
		return "ctableptr"
	case ThreadRegister:
		return "thread"
	case PoolRegister:
		return "pool"
	case NextPoolRegister:
		return "nextpool"
	case WhereIsThis:
		return "whereis"
	case VolatileARegister:
		return "vola"
	case VolatileBRegister:
		return "volb"
	case ArgumentRegisterBase:
		return "a0/this"
	default:
		return ""
	}
}
