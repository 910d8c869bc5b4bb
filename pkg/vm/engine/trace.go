package engine

import (
	"fmt"
	"io"
	"strings"
)

// FormatInstruction renders a decoded instruction as assembler text.
func FormatInstruction(ins Instruction) string {
	d := Lookup(ins.Op)
	switch d.Operands {
	case 0:
		return d.Mnemonic
	case 1:
		return fmt.Sprintf("%s %d", d.Mnemonic, ins.Operands[0])
	default:
		return fmt.Sprintf("%s %d %d", d.Mnemonic, ins.Operands[0], ins.Operands[1])
	}
}

// Disassemble writes one line per instruction in code. Function entry
// points from funcs are emitted as labels. Decoding stops at the first
// truncated instruction.
func Disassemble(w io.Writer, code []byte, funcs []Function) error {
	labels := make(map[int][]string)
	for _, fn := range funcs {
		labels[fn.Entry] = append(labels[fn.Entry], fn.Name)
	}

	for addr := 0; addr < len(code); {
		for _, name := range labels[addr] {
			if _, err := fmt.Fprintf(w, "%s:\n", name); err != nil {
				return err
			}
		}
		ins, ok := Decode(code, addr)
		if !ok {
			_, err := fmt.Fprintf(w, "%05d  %s <truncated>\n", addr, ins.Op)
			return err
		}
		text := FormatInstruction(ins)
		if !ins.Op.Valid() {
			text = fmt.Sprintf("%s 0x%02x", text, uint8(ins.Op))
		}
		if ins.Op == OpCall && ins.Operands[0] >= 0 && int(ins.Operands[0]) < len(funcs) {
			text = fmt.Sprintf("%-16s ; %s", text, funcs[ins.Operands[0]].Name)
		}
		if _, err := fmt.Fprintf(w, "%05d  %s\n", addr, text); err != nil {
			return err
		}
		addr += ins.Width
	}
	return nil
}

// traceInstruction writes the instruction about to execute along with the
// operand stack and call depth.
func (vm *VM) traceInstruction(ip int) {
	var text string
	if ins, ok := Decode(vm.code, ip); ok {
		text = FormatInstruction(ins)
	} else {
		text = ins.Op.String() + " <truncated>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%05d  %-20s depth=%d stack=[", ip, text, vm.calls.Depth())
	for i, v := range vm.stack.data[:vm.stack.sp] {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", v)
	}
	b.WriteString("]\n")
	_, _ = io.WriteString(vm.traceOut, b.String())
}
