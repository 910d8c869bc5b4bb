package asm

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/fortiblox/stackvm/pkg/vm/engine"
)

const factorialSrc = `
; 5! via recursion
.globals 2

    ICONST 5
    CALL fact 1
    PRINT
    HALT

.func fact 1 1 1
    LOAD 0
    ICONST 2
    ILET
    BRF rec
    ICONST 1
    RET
rec:
    LOAD 0
    LOAD 0
    ICONST 1
    ISUB
    call fact          ; argc inferred
    IMULT
    RET
`

func run(t *testing.T, prog *engine.Program) (engine.ExitOutcome, []engine.Word) {
	t.Helper()
	out := &engine.BufferOutput{}
	vm, err := engine.New(prog, engine.Config{Output: out})
	if err != nil {
		t.Fatalf("engine.New() failed: %v", err)
	}
	return vm.Run(), out.Values
}

func TestAssembleFactorial(t *testing.T) {
	prog, err := AssembleString(factorialSrc)
	if err != nil {
		t.Fatalf("Assemble() failed: %v", err)
	}

	if prog.Globals != 2 {
		t.Errorf("Globals = %d, want 2", prog.Globals)
	}
	if len(prog.Functions) != 1 {
		t.Fatalf("len(Functions) = %d, want 1", len(prog.Functions))
	}
	fn := prog.Functions[0]
	if fn.Name != "fact" || fn.Arity != 1 || fn.Locals != 1 || fn.Returns != 1 || fn.Entry != 16 {
		t.Errorf("Functions[0] = %+v", fn)
	}

	o, out := run(t, prog)
	if o.State != engine.StateHalted || o.Result != 120 {
		t.Fatalf("Run() = %s %d (%v), want halted 120", o.State, o.Result, o.Trap)
	}
	if len(out) != 1 || out[0] != 120 {
		t.Errorf("output = %v, want [120]", out)
	}
}

func TestAssembleEncoding(t *testing.T) {
	prog, err := AssembleString("ICONST 2\nICONST 3\nIADD\nPRINT\nHALT\n")
	if err != nil {
		t.Fatalf("Assemble() failed: %v", err)
	}

	want := engine.Encode(nil, engine.OpIConst, 2)
	want = engine.Encode(want, engine.OpIConst, 3)
	want = engine.Encode(want, engine.OpIAdd)
	want = engine.Encode(want, engine.OpPrint)
	want = engine.Encode(want, engine.OpHalt)
	if !bytes.Equal(prog.Code, want) {
		t.Errorf("Code = %v, want %v", prog.Code, want)
	}
}

func TestAssembleOperands(t *testing.T) {
	prog, err := AssembleString("ICONST -7\nICONST 0x10\nICONST 0xffffffff\nHALT")
	if err != nil {
		t.Fatalf("Assemble() failed: %v", err)
	}
	for i, want := range []int32{-7, 16, -1} {
		ins, ok := engine.Decode(prog.Code, i*5)
		if !ok || ins.Operands[0] != want {
			t.Errorf("operand %d = %d, want %d", i, ins.Operands[0], want)
		}
	}
}

func TestAssembleEntry(t *testing.T) {
	src := `
.entry start
skipped:
    ICONST 1
    HALT
start: ICONST 2
    HALT
`
	prog, err := AssembleString(src)
	if err != nil {
		t.Fatalf("Assemble() failed: %v", err)
	}
	if prog.Entry != 6 {
		t.Errorf("Entry = %d, want 6", prog.Entry)
	}
	o, _ := run(t, prog)
	if o.Result != 2 {
		t.Errorf("Result = %d, want 2", o.Result)
	}
}

func TestAssembleMain(t *testing.T) {
	src := `
.func double 1 1
    LOAD 0
    LOAD 0
    IADD
    RET
.func main 0 1 0
    ICONST 21
    CALL double
    STORE 0
    LOAD 0
    HALT
`
	prog, err := AssembleString(src)
	if err != nil {
		t.Fatalf("Assemble() failed: %v", err)
	}
	o, _ := run(t, prog)
	if o.State != engine.StateHalted || o.Result != 42 {
		t.Errorf("Run() = %s %d (%v), want halted 42", o.State, o.Result, o.Trap)
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"unknown mnemonic", "NOP", 1},
		{"operand count", "\nIADD 1", 2},
		{"missing operand", "ICONST", 1},
		{"undefined label", "BR nowhere", 1},
		{"branch outside code", "ICONST 0\nBRT 1000\nICONST 3\nBRF 5000\nHALT", 2},
		{"negative branch", "BR -1", 1},
		{"duplicate label", "a:\na:", 2},
		{"bad label", "1abc:", 1},
		{"unknown directive", ".data 1", 1},
		{"locals below arity", ".func f 2 1\nRET", 1},
		{"returns two", ".func f 0 0 2\nRET", 1},
		{"undefined function", "CALL g", 1},
		{"empty function", "HALT\n.func f 0 0", 2},
		{"entry label", ".entry nope\nHALT", 1},
		{"bad integer", "ICONST 99999999999", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AssembleString(tt.src)
			if !errors.Is(err, ErrSyntax) {
				t.Fatalf("Assemble() = %v, want ErrSyntax", err)
			}
			var aerr *Error
			if errors.As(err, &aerr) && aerr.Line != tt.line {
				t.Errorf("Line = %d, want %d (%v)", aerr.Line, tt.line, err)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	prog, err := AssembleString(factorialSrc)
	if err != nil {
		t.Fatalf("Assemble() failed: %v", err)
	}

	var buf bytes.Buffer
	if err := Format(&buf, prog); err != nil {
		t.Fatalf("Format() failed: %v", err)
	}
	if !strings.Contains(buf.String(), ".func fact 1 1 1") {
		t.Errorf("Format() output lacks .func directive:\n%s", buf.String())
	}

	again, err := Assemble(&buf)
	if err != nil {
		t.Fatalf("reassembling Format() output failed: %v", err)
	}
	if !bytes.Equal(again.Code, prog.Code) {
		t.Error("code differs after round trip")
	}
	if again.Globals != prog.Globals || len(again.Functions) != len(prog.Functions) || again.Functions[0] != prog.Functions[0] {
		t.Errorf("metadata differs: %+v vs %+v", again, prog)
	}
}

func TestFormatRejectsIllegal(t *testing.T) {
	if err := Format(&bytes.Buffer{}, &engine.Program{Code: []byte{0xee}}); err == nil {
		t.Error("Format() accepted an illegal opcode")
	}
}
