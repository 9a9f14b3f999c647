// Package isa defines the native instruction encoding executed by the CPU:
// the opcode map, operand formats, the register ABI, and a decoder/encoder
// pair for the byte stream produced by the class translator.
package isa

import "fmt"

// Instruction stream format:
//
//	+--------+----------------------------------------------+
//	| opcode | operands, in the order given by the opcode's |
//	| (1)    | argument formats, all big-endian             |
//	+--------+----------------------------------------------+
//
// The opcode selects an encoding (an operation family); low bits of the
// opcode select the variant within the family (math operation, compare
// type, data type, conversion pair).

// Opcode family bases.
const (
	OpMathRegInt    = 0x00 // 0x00-0x0F, low nibble is MathType
	OpMathRegLong   = 0x10
	OpMathRegFloat  = 0x20
	OpMathRegDouble = 0x30

	OpIfICmp = 0x40 // 0x40-0x47, low 3 bits are CompareType

	OpInvoke                   = 0x48
	OpReturn                   = 0x49
	OpEntryMarker              = 0x4A
	OpIfEqConst                = 0x4B
	OpAtomicIntIncrement       = 0x4C
	OpAtomicIntDecrementAndGet = 0x4D
	OpLoadPool                 = 0x4E

	OpMemoryOffReg = 0x50 // 0x50-0x5F, bit 3 load, low 3 bits DataType

	OpMathConstInt    = 0x80
	OpMathConstLong   = 0x90
	OpMathConstFloat  = 0xA0
	OpMathConstDouble = 0xB0

	OpMemoryOffIConst = 0xD0

	OpConversion = 0xF0 // bits 2-3 source StackType, bits 0-1 target
)

// Opcode modifier bits.
const (
	// ConstBit selects the embedded-constant form of math and memory ops.
	ConstBit = 0x80

	// LoadBit selects a load (set) or store (clear) for memory ops.
	LoadBit = 0x08
)

// Encoding is an operation family.
type Encoding uint8

// Encodings.
const (
	EncodingUnknown Encoding = iota
	MathRegInt
	MathRegLong
	MathRegFloat
	MathRegDouble
	IfICmp
	Invoke
	Return
	EntryMarker
	IfEqConst
	AtomicIntIncrement
	AtomicIntDecrementAndGet
	LoadPool
	MemoryOffReg
	MathConstInt
	MathConstLong
	MathConstFloat
	MathConstDouble
	MemoryOffIConst
	Conversion

	// NumEncodings is the number of encodings, for dispatch tables.
	NumEncodings
)

var encodingNames = [NumEncodings]string{
	EncodingUnknown:          "UNKNOWN",
	MathRegInt:               "MATH_REG_INT",
	MathRegLong:              "MATH_REG_LONG",
	MathRegFloat:             "MATH_REG_FLOAT",
	MathRegDouble:            "MATH_REG_DOUBLE",
	IfICmp:                   "IF_ICMP",
	Invoke:                   "INVOKE",
	Return:                   "RETURN",
	EntryMarker:              "ENTRY_MARKER",
	IfEqConst:                "IFEQ_CONST",
	AtomicIntIncrement:       "ATOMIC_INT_INCREMENT",
	AtomicIntDecrementAndGet: "ATOMIC_INT_DECREMENT_AND_GET",
	LoadPool:                 "LOAD_POOL",
	MemoryOffReg:             "MEMORY_OFF_REG",
	MathConstInt:             "MATH_CONST_INT",
	MathConstLong:            "MATH_CONST_LONG",
	MathConstFloat:           "MATH_CONST_FLOAT",
	MathConstDouble:          "MATH_CONST_DOUBLE",
	MemoryOffIConst:          "MEMORY_OFF_ICONST",
	Conversion:               "CONVERSION",
}

// String returns the encoding name.
func (e Encoding) String() string {
	if e < NumEncodings {
		return encodingNames[e]
	}
	return fmt.Sprintf("Encoding(%d)", uint8(e))
}

// ArgumentFormat describes how one operand is stored in the stream.
type ArgumentFormat uint8

// Argument formats.
const (
	// VUINT is an unsigned value, one byte if below 0x80 otherwise 15 bits
	// over two bytes.
	VUINT ArgumentFormat = iota

	// VPOOL is a constant pool index, encoded as VUINT.
	VPOOL

	// VJUMP is a relative jump, encoded as VUINT and sign extended from
	// bit 14.
	VJUMP

	// REGLIST is a count followed by register indexes; a count with the
	// high bit set is 15 bits wide and each index then takes two bytes.
	REGLIST

	INT32
	FLOAT32
	INT64
	FLOAT64
)

var formatNames = [...]string{
	VUINT:   "VUINT",
	VPOOL:   "VPOOL",
	VJUMP:   "VJUMP",
	REGLIST: "REGLIST",
	INT32:   "INT32",
	FLOAT32: "FLOAT32",
	INT64:   "INT64",
	FLOAT64: "FLOAT64",
}

// String returns the format name.
func (f ArgumentFormat) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return fmt.Sprintf("ArgumentFormat(%d)", uint8(f))
}

// MathType is the low nibble of math opcodes.
type MathType uint8

// Math operations.
const (
	MathAdd MathType = iota
	MathSub
	MathMul
	MathDiv
	MathRem
	MathNeg
	MathShl
	MathShr
	MathUshr
	MathAnd
	MathOr
	MathXor
	MathCmpl
	MathCmpg
	MathSignX8
	MathSignHalf
)

var mathNames = [16]string{
	"ADD", "SUB", "MUL", "DIV", "REM", "NEG", "SHL", "SHR",
	"USHR", "AND", "OR", "XOR", "CMPL", "CMPG", "SIGNX8", "SIGNHALF",
}

func (m MathType) String() string {
	return mathNames[m&0xF]
}

// CompareType is the low 3 bits of IF_ICMP opcodes.
type CompareType uint8

// Compare types.
const (
	CompareEquals CompareType = iota
	CompareNotEquals
	CompareLessThan
	CompareLessThanOrEquals
	CompareGreaterThan
	CompareGreaterThanOrEquals
	CompareTrue
	CompareFalse
)

var compareNames = [8]string{"EQ", "NE", "LT", "LE", "GT", "GE", "TRUE", "FALSE"}

func (c CompareType) String() string {
	return compareNames[c&7]
}

// DataType is the low 3 bits of memory opcodes.
type DataType uint8

// Data types.
const (
	DataByte DataType = iota
	DataShort
	DataCharacter
	DataInteger
	DataLong
	DataFloat
	DataDouble
	DataObject
)

var dataNames = [8]string{"BYTE", "SHORT", "CHARACTER", "INTEGER", "LONG", "FLOAT", "DOUBLE", "OBJECT"}

func (d DataType) String() string {
	return dataNames[d&7]
}

// StackType is a two bit value kind used by conversions.
type StackType uint8

// Stack types.
const (
	StackInteger StackType = iota
	StackLong
	StackFloat
	StackDouble
)

var stackNames = [4]string{"INTEGER", "LONG", "FLOAT", "DOUBLE"}

func (s StackType) String() string {
	return stackNames[s&3]
}

// opInfo is the decode table entry for one opcode.
type opInfo struct {
	encoding Encoding
	formats  []ArgumentFormat
}

var opTable [256]opInfo

func init() {
	fill := func(base, count int, enc Encoding, formats ...ArgumentFormat) {
		for op := base; op < base+count; op++ {
			opTable[op] = opInfo{encoding: enc, formats: formats}
		}
	}

	fill(OpMathRegInt, 16, MathRegInt, VUINT, VUINT, VUINT)
	fill(OpMathRegLong, 16, MathRegLong, VUINT, VUINT, VUINT)
	fill(OpMathRegFloat, 16, MathRegFloat, VUINT, VUINT, VUINT)
	fill(OpMathRegDouble, 16, MathRegDouble, VUINT, VUINT, VUINT)

	fill(OpIfICmp, 8, IfICmp, VUINT, VUINT, VJUMP)

	fill(OpInvoke, 1, Invoke, VUINT, REGLIST)
	fill(OpReturn, 1, Return)
	fill(OpEntryMarker, 1, EntryMarker)
	fill(OpIfEqConst, 1, IfEqConst, VUINT, INT32, VJUMP)
	fill(OpAtomicIntIncrement, 1, AtomicIntIncrement, VUINT, VUINT)
	fill(OpAtomicIntDecrementAndGet, 1, AtomicIntDecrementAndGet, VUINT, VUINT, VUINT)
	fill(OpLoadPool, 1, LoadPool, VPOOL, VUINT)

	fill(OpMemoryOffReg, 16, MemoryOffReg, VUINT, VUINT, VUINT)

	fill(OpMathConstInt, 16, MathConstInt, VUINT, INT32, VUINT)
	fill(OpMathConstLong, 16, MathConstLong, VUINT, INT64, VUINT)
	fill(OpMathConstFloat, 16, MathConstFloat, VUINT, FLOAT32, VUINT)
	fill(OpMathConstDouble, 16, MathConstDouble, VUINT, FLOAT64, VUINT)

	fill(OpMemoryOffIConst, 16, MemoryOffIConst, VUINT, VUINT, INT32)

	fill(OpConversion, 16, Conversion, VUINT, VUINT)
}

// EncodingOf returns the encoding of an opcode, EncodingUnknown if the
// opcode is unassigned.
func EncodingOf(op uint8) Encoding {
	return opTable[op].encoding
}

// ArgumentFormats returns the operand formats of an opcode in stream order.
// The returned slice is shared and must not be modified.
func ArgumentFormats(op uint8) []ArgumentFormat {
	return opTable[op].formats
}

// Mnemonic returns a human-readable name for the opcode.
func Mnemonic(op uint8) string {
	enc := EncodingOf(op)
	switch enc {
	case EncodingUnknown:
		return fmt.Sprintf("UNKNOWN_%02X", op)

	case MathRegInt, MathRegLong, MathRegFloat, MathRegDouble,
		MathConstInt, MathConstLong, MathConstFloat, MathConstDouble:
		return enc.String() + ":" + MathType(op&0xF).String()

	case IfICmp:
		return enc.String() + ":" + CompareType(op&7).String()

	case MemoryOffReg, MemoryOffIConst:
		dir := "STORE"
		if op&LoadBit != 0 {
			dir = "LOAD"
		}
		return enc.String() + ":" + dir + ":" + DataType(op&7).String()

	case Conversion:
		return enc.String() + ":" + StackType((op>>2)&3).String() + ">" + StackType(op&3).String()

	default:
		return enc.String()
	}
}
