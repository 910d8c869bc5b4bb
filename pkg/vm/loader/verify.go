package loader

import (
	"fmt"

	"github.com/fortiblox/stackvm/pkg/vm/engine"
)

// VerifyError locates a verification failure.
type VerifyError struct {
	Addr   int
	Op     engine.Opcode
	Reason string
}

// Error implements error.
func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s at %d (%s): %s", ErrVerifyFailed, e.Addr, e.Op, e.Reason)
}

// Unwrap returns ErrVerifyFailed.
func (e *VerifyError) Unwrap() error {
	return ErrVerifyFailed
}

// Verify decodes the code linearly and checks that every instruction is a
// known opcode with all of its operands present, that branch targets and
// function entries fall on instruction boundaries, and that each CALL names
// a function with a matching argument count.
//
// Verification is static only. Stack depth and index operands that depend
// on frame layout are still checked at run time.
func Verify(prog *engine.Program) error {
	code := prog.Code
	starts := make([]bool, len(code))

	for addr := 0; addr < len(code); {
		ins, ok := engine.Decode(code, addr)
		if !ins.Op.Valid() {
			return &VerifyError{Addr: addr, Op: ins.Op, Reason: fmt.Sprintf("illegal opcode 0x%02x", uint8(ins.Op))}
		}
		if !ok {
			return &VerifyError{Addr: addr, Op: ins.Op, Reason: "truncated instruction"}
		}
		starts[addr] = true
		addr += ins.Width
	}

	boundary := func(target int32) bool {
		return target >= 0 && int(target) < len(code) && starts[target]
	}

	for addr := 0; addr < len(code); {
		ins, _ := engine.Decode(code, addr)
		switch ins.Op {
		case engine.OpBr, engine.OpBrt, engine.OpBrf:
			if !boundary(ins.Operands[0]) {
				return &VerifyError{Addr: addr, Op: ins.Op, Reason: fmt.Sprintf("branch target %d is not an instruction", ins.Operands[0])}
			}
		case engine.OpCall:
			fn, argc := ins.Operands[0], ins.Operands[1]
			if fn < 0 || int(fn) >= len(prog.Functions) {
				return &VerifyError{Addr: addr, Op: ins.Op, Reason: fmt.Sprintf("unknown function %d", fn)}
			}
			if int(argc) != prog.Functions[fn].Arity {
				return &VerifyError{Addr: addr, Op: ins.Op, Reason: fmt.Sprintf("%s takes %d arguments, call passes %d", prog.Functions[fn].Name, prog.Functions[fn].Arity, argc)}
			}
		case engine.OpLoad, engine.OpStore, engine.OpGLoad, engine.OpGStore:
			if ins.Operands[0] < 0 {
				return &VerifyError{Addr: addr, Op: ins.Op, Reason: fmt.Sprintf("negative index %d", ins.Operands[0])}
			}
		}
		addr += ins.Width
	}

	for _, fn := range prog.Functions {
		if fn.Entry >= 0 && fn.Entry < len(code) && !starts[fn.Entry] {
			return &VerifyError{Addr: fn.Entry, Op: engine.Opcode(code[fn.Entry]), Reason: fmt.Sprintf("function %s entry is not an instruction", fn.Name)}
		}
	}
	if addr, _ := prog.EntryPoint(); addr < len(code) && !starts[addr] {
		return &VerifyError{Addr: addr, Op: engine.Opcode(code[addr]), Reason: "entry point is not an instruction"}
	}
	return nil
}
