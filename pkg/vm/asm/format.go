package asm

import (
	"fmt"
	"io"
	"sort"

	"github.com/fortiblox/stackvm/pkg/vm/engine"
)

// Format writes prog as source text that Assemble accepts. Branch targets
// and the entry point get synthetic labels of the form L<addr>.
func Format(w io.Writer, prog *engine.Program) error {
	code := prog.Code

	type labelSet map[string]bool
	labels := make(map[int]labelSet)
	addLabel := func(addr int, name string) {
		if labels[addr] == nil {
			labels[addr] = make(labelSet)
		}
		labels[addr][name] = true
	}
	funcsAt := make(map[int][]int)
	for i, fn := range prog.Functions {
		funcsAt[fn.Entry] = append(funcsAt[fn.Entry], i)
	}

	var insns []engine.Instruction
	var addrs []int
	starts := make(map[int]bool)
	for addr := 0; addr < len(code); {
		ins, ok := engine.Decode(code, addr)
		if !ok || !ins.Op.Valid() {
			return fmt.Errorf("cannot format instruction at %d (0x%02x)", addr, uint8(ins.Op))
		}
		switch ins.Op {
		case engine.OpBr, engine.OpBrt, engine.OpBrf:
			addLabel(int(ins.Operands[0]), labelName(int(ins.Operands[0])))
		}
		insns = append(insns, ins)
		addrs = append(addrs, addr)
		starts[addr] = true
		addr += ins.Width
	}

	ew := &errWriter{w: w}
	if prog.Globals != 0 {
		ew.printf(".globals %d\n", prog.Globals)
	}
	if prog.Entry != 0 {
		addLabel(prog.Entry, labelName(prog.Entry))
		ew.printf(".entry %s\n", labelName(prog.Entry))
	}

	for i, ins := range insns {
		addr := addrs[i]
		for _, fi := range funcsAt[addr] {
			fn := prog.Functions[fi]
			ew.printf(".func %s %d %d %d\n", fn.Name, fn.Arity, fn.Locals, fn.Returns)
		}
		names := make([]string, 0, len(labels[addr]))
		for name := range labels[addr] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ew.printf("%s:\n", name)
		}

		d := engine.Lookup(ins.Op)
		switch {
		case ins.Op == engine.OpCall:
			target := fmt.Sprint(ins.Operands[0])
			if f := ins.Operands[0]; f >= 0 && int(f) < len(prog.Functions) {
				target = prog.Functions[f].Name
			}
			ew.printf("    %s %s %d\n", d.Mnemonic, target, ins.Operands[1])
		case (ins.Op == engine.OpBr || ins.Op == engine.OpBrt || ins.Op == engine.OpBrf) && starts[int(ins.Operands[0])]:
			ew.printf("    %s %s\n", d.Mnemonic, labelName(int(ins.Operands[0])))
		default:
			ew.printf("    %s\n", engine.FormatInstruction(ins))
		}
	}
	return ew.err
}

func labelName(addr int) string {
	return fmt.Sprintf("L%05d", addr)
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...interface{}) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
