package cpu

import (
	"errors"
	"fmt"
)

// Execution errors. Everything except ErrDivisionByZero is fatal to the CPU
// and indicates code the translator should never have produced.
var (
	// ErrInvalidOpcode is returned when an unassigned opcode is executed.
	ErrInvalidOpcode = errors.New("invalid opcode")

	// ErrUnsupportedInstruction is returned when an opcode decodes to an
	// encoding the CPU has no handler for.
	ErrUnsupportedInstruction = errors.New("unsupported instruction")

	// ErrInvalidInstruction is returned when an instruction is malformed or
	// longer than isa.MaxSize.
	ErrInvalidInstruction = errors.New("invalid instruction")

	// ErrInvalidRegister is returned when an operand names a register
	// outside the register file.
	ErrInvalidRegister = errors.New("invalid register")

	// ErrDivisionByZero is the arithmetic trap raised by integer division
	// or remainder by zero. The faulting frame is left at the instruction.
	ErrDivisionByZero = errors.New("division by zero")
)

// VMError wraps an error with the CPU state at the time of the fault.
type VMError struct {
	Err     error
	PC      uint32 // Address of the faulting instruction
	Opcode  uint8  // Opcode of the faulting instruction
	Address uint32 // Memory address involved (if applicable)
}

// Error implements the error interface.
func (e *VMError) Error() string {
	if e.Address != 0 {
		return fmt.Sprintf("cpu fault at pc=0x%08x op=0x%02x addr=0x%08x: %v",
			e.PC, e.Opcode, e.Address, e.Err)
	}
	return fmt.Sprintf("cpu fault at pc=0x%08x op=0x%02x: %v", e.PC, e.Opcode, e.Err)
}

// Unwrap returns the underlying error.
func (e *VMError) Unwrap() error {
	return e.Err
}

// Is reports whether the underlying error matches target.
func (e *VMError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewVMError creates a new VMError.
func NewVMError(err error, pc uint32, opcode uint8, addr uint32) *VMError {
	return &VMError{
		Err:     err,
		PC:      pc,
		Opcode:  opcode,
		Address: addr,
	}
}

// IsTrap reports whether err is an arithmetic trap the runtime should turn
// into an exception rather than treat as fatal.
func IsTrap(err error) bool {
	return errors.Is(err, ErrDivisionByZero)
}
