// Package asm assembles stackvm source text into programs.
//
// Source is line oriented. Everything after ';' is a comment.
//
//	.globals 4              ; global store size
//	.entry start            ; start label when there is no main function
//	.func fact 1 1 1        ; name arity locals [returns], also a label
//	loop:                   ; label
//	    ICONST 5
//	    BRF done            ; branch operands may name labels
//	    CALL fact           ; argc defaults to the function's arity
//
// Mnemonics are case-insensitive. Integer operands accept decimal, 0x hex
// and a leading minus sign.
package asm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fortiblox/stackvm/pkg/vm"
	"github.com/fortiblox/stackvm/pkg/vm/engine"
)

// ErrSyntax is wrapped by every assembly error.
var ErrSyntax = errors.New("syntax error")

// Error is an assembly error tied to a source line.
type Error struct {
	Line int
	Msg  string
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Unwrap returns ErrSyntax.
func (e *Error) Unwrap() error {
	return ErrSyntax
}

// item is one parsed instruction awaiting operand resolution.
type item struct {
	line     int
	op       engine.Opcode
	operands []string
	addr     int
}

type assembler struct {
	items     []item
	labels    map[string]int
	funcs     []engine.Function
	funcIdx   map[string]int
	funcLines []int // .func source line per function
	globals   int
	entry     string
	entryAt   int
	addr      int
}

// Assemble reads source text and returns the assembled program.
func Assemble(r io.Reader) (*engine.Program, error) {
	a := &assembler{
		labels:  make(map[string]int),
		funcIdx: make(map[string]int),
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if err := a.parseLine(line, sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	return a.emit()
}

// AssembleString assembles source held in a string.
func AssembleString(src string) (*engine.Program, error) {
	return Assemble(strings.NewReader(src))
}

func (a *assembler) errorf(line int, format string, args ...interface{}) error {
	return &Error{Line: line, Msg: fmt.Sprintf(format, args...)}
}

func (a *assembler) parseLine(line int, text string) error {
	if i := strings.IndexByte(text, ';'); i >= 0 {
		text = text[:i]
	}
	fields := strings.Fields(text)

	// Leading labels, possibly several.
	for len(fields) > 0 && strings.HasSuffix(fields[0], ":") {
		name := strings.TrimSuffix(fields[0], ":")
		if err := a.defineLabel(line, name); err != nil {
			return err
		}
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return nil
	}

	if strings.HasPrefix(fields[0], ".") {
		return a.directive(line, fields)
	}

	op, ok := engine.ParseMnemonic(strings.ToUpper(fields[0]))
	if !ok {
		return a.errorf(line, "unknown mnemonic %q", fields[0])
	}
	d := engine.Lookup(op)
	operands := fields[1:]
	switch {
	case op == engine.OpCall && (len(operands) == 1 || len(operands) == 2):
	case op != engine.OpCall && len(operands) == d.Operands:
	default:
		return a.errorf(line, "%s takes %d operand(s), got %d", d.Mnemonic, d.Operands, len(operands))
	}

	a.items = append(a.items, item{line: line, op: op, operands: operands, addr: a.addr})
	a.addr += op.Width()
	if a.addr > vm.MaxCodeSize {
		return a.errorf(line, "code exceeds %d bytes", vm.MaxCodeSize)
	}
	return nil
}

func (a *assembler) defineLabel(line int, name string) error {
	if !validName(name) {
		return a.errorf(line, "invalid label %q", name)
	}
	if _, dup := a.labels[name]; dup {
		return a.errorf(line, "label %q redefined", name)
	}
	a.labels[name] = a.addr
	return nil
}

func (a *assembler) directive(line int, fields []string) error {
	switch fields[0] {
	case ".globals":
		if len(fields) != 2 {
			return a.errorf(line, ".globals takes one operand")
		}
		n, err := parseInt(fields[1])
		if err != nil || n < 0 || n > vm.MaxGlobals {
			return a.errorf(line, "invalid global count %q", fields[1])
		}
		a.globals = int(n)

	case ".entry":
		if len(fields) != 2 {
			return a.errorf(line, ".entry takes one operand")
		}
		a.entry = fields[1]
		a.entryAt = line

	case ".func":
		if len(fields) != 4 && len(fields) != 5 {
			return a.errorf(line, ".func takes name arity locals [returns]")
		}
		name := fields[1]
		if _, dup := a.funcIdx[name]; dup {
			return a.errorf(line, "function %q redefined", name)
		}
		if len(a.funcs) >= vm.MaxFunctions {
			return a.errorf(line, "too many functions")
		}
		nums := make([]int64, 0, 3)
		for _, f := range fields[2:] {
			n, err := parseInt(f)
			if err != nil || n < 0 {
				return a.errorf(line, "invalid .func operand %q", f)
			}
			nums = append(nums, n)
		}
		returns := int64(1)
		if len(nums) == 3 {
			returns = nums[2]
		}
		if nums[1] < nums[0] {
			return a.errorf(line, "function %s has %d locals, fewer than its %d arguments", name, nums[1], nums[0])
		}
		if nums[1] > vm.MaxLocals {
			return a.errorf(line, "function %s has too many locals", name)
		}
		if returns > 1 {
			return a.errorf(line, "function %s returns %d values, at most 1 allowed", name, returns)
		}
		if err := a.defineLabel(line, name); err != nil {
			return err
		}
		a.funcIdx[name] = len(a.funcs)
		a.funcLines = append(a.funcLines, line)
		a.funcs = append(a.funcs, engine.Function{
			Name:    name,
			Arity:   int(nums[0]),
			Locals:  int(nums[1]),
			Entry:   a.addr,
			Returns: int(returns),
		})

	default:
		return a.errorf(line, "unknown directive %s", fields[0])
	}
	return nil
}

// emit resolves operands and encodes the program.
func (a *assembler) emit() (*engine.Program, error) {
	code := make([]byte, 0, a.addr)
	for _, it := range a.items {
		vals := make([]int32, 0, 2)

		if it.op == engine.OpCall {
			fn, err := a.resolveFunc(it)
			if err != nil {
				return nil, err
			}
			argc := int32(a.funcs[fn].Arity)
			if len(it.operands) == 2 {
				n, err := parseInt(it.operands[1])
				if err != nil {
					return nil, a.errorf(it.line, "invalid argument count %q", it.operands[1])
				}
				argc = int32(n)
			}
			vals = append(vals, int32(fn), argc)
		} else {
			for _, s := range it.operands {
				v, err := a.resolve(it.line, s)
				if err != nil {
					return nil, err
				}
				vals = append(vals, v)
			}
			switch it.op {
			case engine.OpBr, engine.OpBrt, engine.OpBrf:
				if vals[0] < 0 || int(vals[0]) >= a.addr {
					return nil, a.errorf(it.line, "branch target %d outside code [0,%d)", vals[0], a.addr)
				}
			}
		}
		code = engine.Encode(code, it.op, vals...)
	}

	prog := &engine.Program{
		Code:      code,
		Functions: a.funcs,
		Globals:   a.globals,
	}
	if a.entry != "" {
		addr, ok := a.labels[a.entry]
		if !ok {
			return nil, a.errorf(a.entryAt, "undefined entry label %q", a.entry)
		}
		prog.Entry = addr
	}
	for i, fn := range a.funcs {
		if fn.Entry >= len(code) {
			return nil, a.errorf(a.funcLines[i], "function %s has no body", fn.Name)
		}
	}
	if err := prog.Validate(); err != nil {
		return nil, err
	}
	return prog, nil
}

func (a *assembler) resolveFunc(it item) (int, error) {
	s := it.operands[0]
	if i, ok := a.funcIdx[s]; ok {
		return i, nil
	}
	n, err := parseInt(s)
	if err != nil {
		return 0, a.errorf(it.line, "undefined function %q", s)
	}
	if n < 0 || int(n) >= len(a.funcs) {
		return 0, a.errorf(it.line, "function index %d out of range", n)
	}
	return int(n), nil
}

func (a *assembler) resolve(line int, s string) (int32, error) {
	if addr, ok := a.labels[s]; ok {
		return int32(addr), nil
	}
	n, err := parseInt(s)
	if err != nil {
		return 0, a.errorf(line, "undefined label or invalid integer %q", s)
	}
	return int32(n), nil
}

// parseInt parses a 32-bit operand. Values up to 0xffffffff are accepted
// and reinterpreted as two's complement.
func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, err
	}
	if n < -1<<31 || n > 1<<32-1 {
		return 0, strconv.ErrRange
	}
	return int64(int32(uint32(n))), nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_' || c == '.' || c == '$':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
