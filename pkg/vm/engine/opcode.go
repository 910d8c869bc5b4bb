package engine

import (
	"encoding/binary"
)

// Opcode identifies an instruction. The opcode space is closed: any byte
// not listed below decodes as OpIllegal.
type Opcode uint8

// Integer arithmetic.
const (
	OpIllegal Opcode = 0x00 // Catch-all for unassigned byte values
	OpIAdd    Opcode = 0x01 // a + b
	OpISub    Opcode = 0x02 // a - b
	OpIMult   Opcode = 0x03 // a * b
)

// Comparison.
const (
	OpILet Opcode = 0x04 // a < b
	OpIEq  Opcode = 0x05 // a == b
)

// Branching.
const (
	OpBr  Opcode = 0x06 // Unconditional
	OpBrt Opcode = 0x07 // Branch if true (non-zero)
	OpBrf Opcode = 0x08 // Branch if false (zero)
)

// Constants and storage.
const (
	OpIConst Opcode = 0x09 // Push constant
	OpLoad   Opcode = 0x0a // Load local
	OpGLoad  Opcode = 0x0b // Load global
	OpStore  Opcode = 0x0c // Store local
	OpGStore Opcode = 0x0d // Store global
)

// Stack and I/O.
const (
	OpPrint Opcode = 0x0e // Emit top of stack
	OpPop   Opcode = 0x0f // Discard top of stack
)

// Control.
const (
	OpCall Opcode = 0x10 // Call function (index, argc)
	OpRet  Opcode = 0x11 // Return from function
	OpHalt Opcode = 0x12 // Stop execution
)

// OperandSize is the encoded width of every instruction operand.
const OperandSize = 4

// Descriptor describes an instruction for tracing and diagnostics.
type Descriptor struct {
	Mnemonic string
	Operands int
}

// illegal is returned by Lookup for unassigned opcodes.
var illegal = Descriptor{Mnemonic: "ILLEGAL", Operands: 0}

var descriptors = [256]*Descriptor{
	OpIAdd:   {"IADD", 0},
	OpISub:   {"ISUB", 0},
	OpIMult:  {"IMULT", 0},
	OpILet:   {"ILET", 0},
	OpIEq:    {"IEQ", 0},
	OpBr:     {"BR", 1},
	OpBrt:    {"BRT", 1},
	OpBrf:    {"BRF", 1},
	OpIConst: {"ICONST", 1},
	OpLoad:   {"LOAD", 1},
	OpGLoad:  {"GLOAD", 1},
	OpStore:  {"STORE", 1},
	OpGStore: {"GSTORE", 1},
	OpPrint:  {"PRINT", 0},
	OpPop:    {"POP", 0},
	OpCall:   {"CALL", 2},
	OpRet:    {"RET", 0},
	OpHalt:   {"HALT", 0},
}

// mnemonics maps upper-case mnemonic names back to opcodes.
var mnemonics = func() map[string]Opcode {
	m := make(map[string]Opcode, 18)
	for op, d := range descriptors {
		if d != nil {
			m[d.Mnemonic] = Opcode(op)
		}
	}
	return m
}()

// Lookup returns the descriptor for an opcode. It never fails: unknown
// opcodes map to the ILLEGAL descriptor with no operands.
func Lookup(op Opcode) Descriptor {
	if d := descriptors[op]; d != nil {
		return *d
	}
	return illegal
}

// Valid reports whether op is an assigned opcode.
func (op Opcode) Valid() bool {
	return descriptors[op] != nil
}

// String returns the mnemonic.
func (op Opcode) String() string {
	return Lookup(op).Mnemonic
}

// Width returns the encoded size of the instruction in bytes.
func (op Opcode) Width() int {
	return 1 + Lookup(op).Operands*OperandSize
}

// ParseMnemonic returns the opcode for a mnemonic (upper case).
func ParseMnemonic(name string) (Opcode, bool) {
	op, ok := mnemonics[name]
	return op, ok
}

// Encode appends an encoded instruction to code.
func Encode(code []byte, op Opcode, operands ...int32) []byte {
	code = append(code, byte(op))
	for _, v := range operands {
		code = binary.LittleEndian.AppendUint32(code, uint32(v))
	}
	return code
}

// Instruction is a decoded instruction.
type Instruction struct {
	Op       Opcode
	Operands [2]int32
	Width    int
}

// Decode decodes the instruction at addr. It returns ok=false when fewer
// operand bytes remain than the opcode requires.
func Decode(code []byte, addr int) (ins Instruction, ok bool) {
	ins.Op = Opcode(code[addr])
	n := Lookup(ins.Op).Operands
	ins.Width = 1 + n*OperandSize
	if addr+ins.Width > len(code) {
		return ins, false
	}
	for i := 0; i < n; i++ {
		off := addr + 1 + i*OperandSize
		ins.Operands[i] = int32(binary.LittleEndian.Uint32(code[off : off+OperandSize]))
	}
	return ins, true
}
