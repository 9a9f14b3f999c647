package isa

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// MaxArgs is the number of operand slots in a decoded instruction.
const MaxArgs = 6

// Operand limits of the variable width formats.
const (
	MaxVUInt   = 0x7FFF
	MinJump    = -0x4000
	MaxJump    = 0x3FFF
	MaxRegList = 0x7FFF

	// MaxSize bounds the encoded size of any instruction.
	MaxSize = 1 + MaxArgs*8 + 2 + 2*MaxRegList
)

var (
	// ErrShortInstruction is returned when the buffer ends inside an
	// instruction.
	ErrShortInstruction = errors.New("instruction truncated")

	// ErrUnknownOpcode is returned when decoding an unassigned opcode.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrOperandRange is returned when encoding an operand that does not fit
	// its format.
	ErrOperandRange = errors.New("operand out of range")
)

// Instruction is a decoded instruction. A single value is reused for every
// step; RegList keeps its backing array between decodes.
type Instruction struct {
	Op       uint8
	Encoding Encoding

	// Args holds 32-bit and variable width operands by position.
	Args [MaxArgs]int32

	// LongArgs holds 64-bit operands by position.
	LongArgs [MaxArgs]int64

	// RegList holds the register list operand, if any.
	RegList []int32

	// Size is the encoded length including the opcode byte.
	Size int

	// wide has bit i set when operand i used the two byte form.
	wide uint8
}

// Formats returns the operand formats of the instruction.
func (inst *Instruction) Formats() []ArgumentFormat {
	return ArgumentFormats(inst.Op)
}

// Wide reports whether operand i was encoded in its two byte form.
func (inst *Instruction) Wide(i int) bool {
	return inst.wide&(1<<uint(i)) != 0
}

// SetWide forces operand i to be encoded in its two byte form.
func (inst *Instruction) SetWide(i int, wide bool) {
	if wide {
		inst.wide |= 1 << uint(i)
	} else {
		inst.wide &^= 1 << uint(i)
	}
}

// SignExtendJump converts a raw 15-bit VJUMP field to its signed value.
func SignExtendJump(raw uint16) int32 {
	raw &= 0x7FFF
	return int32(int16(raw | (raw&0x4000)<<1))
}

// JumpRaw converts a signed jump offset to its raw 15-bit field.
func JumpRaw(v int32) uint16 {
	return uint16(v) & 0x7FFF
}

// Decode decodes one instruction from the start of buf into inst and
// returns the number of bytes consumed. It reads nothing but buf.
func Decode(buf []byte, inst *Instruction) (int, error) {
	if len(buf) == 0 {
		return 0, ErrShortInstruction
	}

	op := buf[0]
	info := &opTable[op]

	inst.Op = op
	inst.Encoding = info.encoding
	inst.Args = [MaxArgs]int32{}
	inst.LongArgs = [MaxArgs]int64{}
	inst.RegList = inst.RegList[:0]
	inst.wide = 0
	inst.Size = 0

	if info.encoding == EncodingUnknown {
		inst.Size = 1
		return 1, ErrUnknownOpcode
	}

	p := 1
	for i, f := range info.formats {
		switch f {
		case VUINT, VPOOL, VJUMP:
			if p >= len(buf) {
				return 0, ErrShortInstruction
			}
			base := int32(buf[p])
			p++
			if base&0x80 != 0 {
				if p >= len(buf) {
					return 0, ErrShortInstruction
				}
				base = (base&0x7F)<<8 | int32(buf[p])
				p++
				inst.wide |= 1 << uint(i)
			}

			if f == VJUMP {
				inst.Args[i] = SignExtendJump(uint16(base))
			} else {
				inst.Args[i] = base
			}

		case REGLIST:
			if p >= len(buf) {
				return 0, ErrShortInstruction
			}
			count := int(buf[p])
			p++
			if count&0x80 != 0 {
				if p >= len(buf) {
					return 0, ErrShortInstruction
				}
				count = (count&0x7F)<<8 | int(buf[p])
				p++
				inst.wide |= 1 << uint(i)

				if p+2*count > len(buf) {
					return 0, ErrShortInstruction
				}
				for r := 0; r < count; r++ {
					inst.RegList = append(inst.RegList, int32(buf[p])<<8|int32(buf[p+1]))
					p += 2
				}
			} else {
				if p+count > len(buf) {
					return 0, ErrShortInstruction
				}
				for r := 0; r < count; r++ {
					inst.RegList = append(inst.RegList, int32(buf[p]))
					p++
				}
			}

		case INT32, FLOAT32:
			if p+4 > len(buf) {
				return 0, ErrShortInstruction
			}
			inst.Args[i] = int32(uint32(buf[p])<<24 | uint32(buf[p+1])<<16 |
				uint32(buf[p+2])<<8 | uint32(buf[p+3]))
			p += 4

		case INT64, FLOAT64:
			if p+8 > len(buf) {
				return 0, ErrShortInstruction
			}
			var v uint64
			for b := 0; b < 8; b++ {
				v = v<<8 | uint64(buf[p+b])
			}
			inst.LongArgs[i] = int64(v)
			p += 8
		}
	}

	inst.Size = p
	return p, nil
}

// Encode appends the encoding of inst to dst. Operands flagged wide are
// written in their two byte form, others in the shortest form.
func Encode(dst []byte, inst *Instruction) ([]byte, error) {
	info := &opTable[inst.Op]
	if info.encoding == EncodingUnknown {
		return dst, fmt.Errorf("encode 0x%02x: %w", inst.Op, ErrUnknownOpcode)
	}

	dst = append(dst, inst.Op)
	for i, f := range info.formats {
		wide := inst.Wide(i)

		switch f {
		case VUINT, VPOOL:
			v := inst.Args[i]
			if v < 0 || v > MaxVUInt {
				return dst, fmt.Errorf("operand %d of %s = %d: %w", i, Mnemonic(inst.Op), v, ErrOperandRange)
			}
			dst = appendVar(dst, uint16(v), wide || v >= 0x80)

		case VJUMP:
			v := inst.Args[i]
			if v < MinJump || v > MaxJump {
				return dst, fmt.Errorf("jump operand %d of %s = %d: %w", i, Mnemonic(inst.Op), v, ErrOperandRange)
			}
			dst = appendVar(dst, JumpRaw(v), wide || v < 0 || v >= 0x80)

		case REGLIST:
			n := len(inst.RegList)
			if n > MaxRegList {
				return dst, fmt.Errorf("register list of %d entries: %w", n, ErrOperandRange)
			}
			for _, r := range inst.RegList {
				if r < 0 || r > 0xFFFF {
					return dst, fmt.Errorf("register list entry %d: %w", r, ErrOperandRange)
				}
				if r > 0xFF {
					wide = true
				}
			}
			if wide || n >= 0x80 {
				dst = appendVar(dst, uint16(n), true)
				for _, r := range inst.RegList {
					dst = append(dst, byte(r>>8), byte(r))
				}
			} else {
				dst = append(dst, byte(n))
				for _, r := range inst.RegList {
					dst = append(dst, byte(r))
				}
			}

		case INT32, FLOAT32:
			v := uint32(inst.Args[i])
			dst = append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))

		case INT64, FLOAT64:
			v := uint64(inst.LongArgs[i])
			for s := 56; s >= 0; s -= 8 {
				dst = append(dst, byte(v>>uint(s)))
			}
		}
	}

	return dst, nil
}

// appendVar appends a variable width value in narrow or wide form.
func appendVar(dst []byte, v uint16, wide bool) []byte {
	if !wide {
		return append(dst, byte(v))
	}
	return append(dst, 0x80|byte(v>>8&0x7F), byte(v))
}

// String disassembles the instruction.
func (inst *Instruction) String() string {
	var sb strings.Builder
	sb.WriteString(Mnemonic(inst.Op))

	for i, f := range inst.Formats() {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}

		switch f {
		case VJUMP:
			fmt.Fprintf(&sb, "%+d", inst.Args[i])
		case VPOOL:
			fmt.Fprintf(&sb, "@%d", inst.Args[i])
		case REGLIST:
			sb.WriteByte('(')
			for r, reg := range inst.RegList {
				if r > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "r%d", reg)
			}
			sb.WriteByte(')')
		case FLOAT32:
			fmt.Fprintf(&sb, "%g", math.Float32frombits(uint32(inst.Args[i])))
		case INT64:
			fmt.Fprintf(&sb, "%d", inst.LongArgs[i])
		case FLOAT64:
			fmt.Fprintf(&sb, "%g", math.Float64frombits(uint64(inst.LongArgs[i])))
		default:
			fmt.Fprintf(&sb, "%d", inst.Args[i])
		}
	}

	return sb.String()
}
