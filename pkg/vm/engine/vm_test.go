package engine

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

// codeBuilder assembles test programs with symbolic branch targets.
type codeBuilder struct {
	code   []byte
	labels map[string]int
	refs   map[int]string // operand offset -> label
}

func newBuilder() *codeBuilder {
	return &codeBuilder{labels: make(map[string]int), refs: make(map[int]string)}
}

func (b *codeBuilder) label(name string) *codeBuilder {
	b.labels[name] = len(b.code)
	return b
}

func (b *codeBuilder) op(op Opcode, operands ...int32) *codeBuilder {
	b.code = Encode(b.code, op, operands...)
	return b
}

func (b *codeBuilder) jump(op Opcode, label string) *codeBuilder {
	b.refs[len(b.code)+1] = label
	b.code = Encode(b.code, op, 0)
	return b
}

func (b *codeBuilder) addr(label string) int {
	return b.labels[label]
}

func (b *codeBuilder) build(t *testing.T) []byte {
	t.Helper()
	for off, name := range b.refs {
		target, ok := b.labels[name]
		if !ok {
			t.Fatalf("undefined label %q", name)
		}
		b.code[off] = byte(target)
		b.code[off+1] = byte(target >> 8)
		b.code[off+2] = byte(target >> 16)
		b.code[off+3] = byte(target >> 24)
	}
	return b.code
}

func testConfig(out *BufferOutput) Config {
	cfg := DefaultConfig()
	cfg.Output = out
	return cfg
}

func runProgram(t *testing.T, prog *Program, cfg Config) (*VM, ExitOutcome) {
	t.Helper()
	vm, err := New(prog, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return vm, vm.Run()
}

func expectTrap(t *testing.T, o ExitOutcome, kind TrapKind, ip int) {
	t.Helper()
	if o.State != StateTrapped {
		t.Fatalf("State = %s, want trapped", o.State)
	}
	if o.Trap.Kind != kind {
		t.Errorf("Trap.Kind = %s, want %s (%v)", o.Trap.Kind, kind, o.Trap)
	}
	if o.Trap.IP != ip {
		t.Errorf("Trap.IP = %d, want %d", o.Trap.IP, ip)
	}
}

func TestPrintAddition(t *testing.T) {
	code := newBuilder().
		op(OpIConst, 2).
		op(OpIConst, 3).
		op(OpIAdd).
		op(OpPrint).
		op(OpHalt).
		build(t)

	out := &BufferOutput{}
	vm, o := runProgram(t, &Program{Code: code}, testConfig(out))

	if o.State != StateHalted {
		t.Fatalf("State = %s, want halted (%v)", o.State, o.Trap)
	}
	if len(out.Values) != 1 || out.Values[0] != 5 {
		t.Errorf("output = %v, want [5]", out.Values)
	}
	if !o.HasResult || o.Result != 5 {
		t.Errorf("Result = %d (has=%v), want 5", o.Result, o.HasResult)
	}
	if vm.Stack().Size() != 1 {
		t.Errorf("Stack().Size() = %d, want 1", vm.Stack().Size())
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		a, b int32
		op   Opcode
		want int32
	}{
		{"add", 2, 3, OpIAdd, 5},
		{"sub order", 10, 3, OpISub, 7},
		{"sub negative", 3, 10, OpISub, -7},
		{"mult", -4, 6, OpIMult, -24},
		{"add wraps", math.MaxInt32, 1, OpIAdd, math.MinInt32},
		{"sub wraps", math.MinInt32, 1, OpISub, math.MaxInt32},
		{"mult wraps", math.MaxInt32, 2, OpIMult, -2},
		{"ilet true", 2, 3, OpILet, 1},
		{"ilet false", 3, 2, OpILet, 0},
		{"ilet equal", 3, 3, OpILet, 0},
		{"ilet signed", -1, 0, OpILet, 1},
		{"ieq true", 7, 7, OpIEq, 1},
		{"ieq false", 7, 8, OpIEq, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := newBuilder().op(OpIConst, tt.a).op(OpIConst, tt.b).op(tt.op).op(OpHalt).build(t)
			_, o := runProgram(t, &Program{Code: code}, testConfig(&BufferOutput{}))
			if o.State != StateHalted {
				t.Fatalf("State = %s, want halted (%v)", o.State, o.Trap)
			}
			if o.Result != tt.want {
				t.Errorf("%d %s %d = %d, want %d", tt.a, tt.op, tt.b, o.Result, tt.want)
			}
		})
	}
}

func TestStackUnderflow(t *testing.T) {
	for _, op := range []Opcode{OpIAdd, OpISub, OpIMult, OpILet, OpIEq} {
		t.Run(op.String(), func(t *testing.T) {
			code := newBuilder().op(OpIConst, 1).op(op).op(OpHalt).build(t)
			vm, o := runProgram(t, &Program{Code: code}, testConfig(&BufferOutput{}))
			expectTrap(t, o, TrapStackUnderflow, 5)
			if vm.Stack().Size() != 1 {
				t.Errorf("Stack().Size() = %d, want 1 (state must be untouched)", vm.Stack().Size())
			}
			if vm.IP() != 5 {
				t.Errorf("IP() = %d, want 5", vm.IP())
			}
		})
	}

	for _, op := range []Opcode{OpPrint, OpPop} {
		t.Run(op.String(), func(t *testing.T) {
			code := newBuilder().op(op).build(t)
			_, o := runProgram(t, &Program{Code: code}, testConfig(&BufferOutput{}))
			expectTrap(t, o, TrapStackUnderflow, 0)
		})
	}
}

func TestStackOverflow(t *testing.T) {
	code := newBuilder().op(OpIConst, 1).op(OpIConst, 2).op(OpIConst, 3).op(OpHalt).build(t)
	cfg := testConfig(&BufferOutput{})
	cfg.StackSize = 2

	vm, o := runProgram(t, &Program{Code: code}, cfg)
	expectTrap(t, o, TrapStackOverflow, 10)
	if got := vm.Stack().Snapshot(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("stack = %v, want [1 2]", got)
	}
}

func TestFactorial(t *testing.T) {
	b := newBuilder().
		op(OpIConst, 5).
		op(OpCall, 0, 1).
		op(OpPrint).
		op(OpHalt).
		label("fact").
		op(OpLoad, 0).
		op(OpIConst, 2).
		op(OpILet).
		jump(OpBrf, "rec").
		op(OpIConst, 1).
		op(OpRet).
		label("rec").
		op(OpLoad, 0).
		op(OpLoad, 0).
		op(OpIConst, 1).
		op(OpISub).
		op(OpCall, 0, 1).
		op(OpIMult).
		op(OpRet)
	code := b.build(t)

	prog := &Program{
		Code:      code,
		Functions: []Function{{Name: "fact", Arity: 1, Locals: 1, Entry: b.addr("fact"), Returns: 1}},
	}
	out := &BufferOutput{}
	vm, o := runProgram(t, prog, testConfig(out))

	if o.State != StateHalted {
		t.Fatalf("State = %s, want halted (%v)", o.State, o.Trap)
	}
	if o.Result != 120 {
		t.Errorf("Result = %d, want 120", o.Result)
	}
	if len(out.Values) != 1 || out.Values[0] != 120 {
		t.Errorf("output = %v, want [120]", out.Values)
	}
	if vm.CallStack().Depth() != 0 {
		t.Errorf("Depth() = %d, want 0", vm.CallStack().Depth())
	}
	if vm.Stack().Size() != 1 {
		t.Errorf("Stack().Size() = %d, want 1", vm.Stack().Size())
	}
}

func TestCallRestoresCallerFrame(t *testing.T) {
	b := newBuilder().
		label("main").
		op(OpIConst, 11).
		op(OpStore, 0).
		op(OpIConst, 22).
		op(OpStore, 1).
		op(OpIConst, 99).
		op(OpIConst, 4).
		op(OpCall, 1, 1).
		op(OpLoad, 0).
		op(OpLoad, 1).
		op(OpHalt).
		label("clobber").
		op(OpLoad, 0).
		op(OpStore, 1).
		op(OpIConst, -1).
		op(OpStore, 0).
		op(OpIConst, 7).
		op(OpIConst, 8).
		op(OpRet)
	code := b.build(t)

	prog := &Program{
		Code: code,
		Functions: []Function{
			{Name: "main", Arity: 0, Locals: 2, Entry: b.addr("main")},
			{Name: "clobber", Arity: 1, Locals: 2, Entry: b.addr("clobber"), Returns: 0},
		},
	}
	vm, o := runProgram(t, prog, testConfig(&BufferOutput{}))
	if o.State != StateHalted {
		t.Fatalf("State = %s, want halted (%v)", o.State, o.Trap)
	}

	// 99 stays below the callee's base, the callee's leftovers are dropped.
	want := []Word{99, 11, 22}
	got := vm.Stack().Snapshot()
	if len(got) != len(want) {
		t.Fatalf("stack = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stack[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

// recursive builds f(n) = n == 0 ? 0 : f(n-1), entered from top-level code
// with argument n.
func recursive(t *testing.T, n int32) *Program {
	b := newBuilder().
		op(OpIConst, n).
		op(OpCall, 0, 1).
		op(OpHalt).
		label("f").
		op(OpLoad, 0).
		op(OpIConst, 0).
		op(OpIEq).
		jump(OpBrf, "rec").
		op(OpIConst, 0).
		op(OpRet).
		label("rec").
		op(OpLoad, 0).
		op(OpIConst, 1).
		op(OpISub).
		op(OpCall, 0, 1).
		op(OpRet)
	code := b.build(t)
	return &Program{
		Code:      code,
		Functions: []Function{{Name: "f", Arity: 1, Locals: 1, Entry: b.addr("f"), Returns: 1}},
	}
}

func TestCallDepthLimit(t *testing.T) {
	// n = 999 makes exactly 1000 nested calls.
	_, o := runProgram(t, recursive(t, 999), testConfig(&BufferOutput{}))
	if o.State != StateHalted {
		t.Fatalf("1000 calls: State = %s, want halted (%v)", o.State, o.Trap)
	}

	vm, o := runProgram(t, recursive(t, 1000), testConfig(&BufferOutput{}))
	if o.State != StateTrapped || o.Trap.Kind != TrapCallStackOverflow {
		t.Fatalf("1001 calls: outcome = %s %v, want CallStackOverflow", o.State, o.Trap)
	}
	if o.Trap.Depth != DefaultCallDepth {
		t.Errorf("Trap.Depth = %d, want %d", o.Trap.Depth, DefaultCallDepth)
	}
	if len(o.Trap.Backtrace) != DefaultCallDepth {
		t.Errorf("len(Backtrace) = %d, want %d", len(o.Trap.Backtrace), DefaultCallDepth)
	}
	if vm.CallStack().Depth() != DefaultCallDepth {
		t.Errorf("Depth() = %d, want %d", vm.CallStack().Depth(), DefaultCallDepth)
	}
}

func TestUnboundedRecursion(t *testing.T) {
	b := newBuilder().
		op(OpCall, 0, 0).
		op(OpHalt).
		label("f").
		op(OpCall, 0, 0).
		op(OpRet)
	prog := &Program{
		Code:      b.build(t),
		Functions: []Function{{Name: "f", Entry: b.addr("f")}},
	}
	cfg := testConfig(&BufferOutput{})
	cfg.MaxCallDepth = 50

	_, o := runProgram(t, prog, cfg)
	expectTrap(t, o, TrapCallStackOverflow, b.addr("f"))
	if o.Trap.Depth != 50 {
		t.Errorf("Trap.Depth = %d, want 50", o.Trap.Depth)
	}
}

func TestLocalWordBudget(t *testing.T) {
	b := newBuilder().
		op(OpCall, 0, 0).
		op(OpHalt).
		label("f").
		op(OpCall, 0, 0).
		op(OpRet)
	prog := &Program{
		Code:      b.build(t),
		Functions: []Function{{Name: "f", Locals: 1000, Entry: b.addr("f")}},
	}
	cfg := testConfig(&BufferOutput{})
	cfg.MaxCallDepth = 100_000
	cfg.MaxLocalWords = 10_000

	vm, o := runProgram(t, prog, cfg)
	expectTrap(t, o, TrapCallStackOverflow, b.addr("f"))
	if o.Trap.Depth != 10 {
		t.Errorf("Trap.Depth = %d, want 10", o.Trap.Depth)
	}
	if vm.CallStack().LocalWords() != 10_000 {
		t.Errorf("LocalWords() = %d, want 10000", vm.CallStack().LocalWords())
	}
}

func TestBranchOutOfBounds(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"br", Encode(Encode(nil, OpIConst, 1), OpBr, 1000)},
		{"br negative", Encode(nil, OpBr, -1)},
		{"brt taken", Encode(Encode(nil, OpIConst, 1), OpBrt, 1000)},
		{"brf taken", Encode(Encode(nil, OpIConst, 0), OpBrf, 1000)},
		{"brt not taken", Encode(Encode(Encode(nil, OpIConst, 0), OpBrt, 1000), OpHalt)},
		{"brf not taken", Encode(Encode(Encode(nil, OpIConst, 3), OpBrf, 1000), OpHalt)},
		{"both untaken", Encode(Encode(Encode(Encode(Encode(nil, OpIConst, 0), OpBrt, 1000), OpIConst, 3), OpBrf, 5000), OpHalt)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&Program{Code: tt.code}, testConfig(&BufferOutput{}))
			if !errors.Is(err, ErrInvalidProgram) {
				t.Errorf("New() = %v, want ErrInvalidProgram", err)
			}
		})
	}
}

func TestBranchOutOfBoundsAtRuntime(t *testing.T) {
	// Decoding stops at the illegal byte at 5, so the branch at 11 is
	// only seen when execution jumps over it.
	skip := append(Encode(nil, OpBr, 6), 0xee)
	tests := []struct {
		name string
		code []byte
		ip   int
	}{
		{"br", Encode(skip, OpBr, 1000), 6},
		{"brt not taken", Encode(Encode(skip, OpIConst, 0), OpBrt, 1000), 11},
		{"brf not taken", Encode(Encode(skip, OpIConst, 3), OpBrf, -1), 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm, o := runProgram(t, &Program{Code: tt.code}, testConfig(&BufferOutput{}))
			expectTrap(t, o, TrapCodeBoundsViolation, tt.ip)
			if vm.IP() != tt.ip {
				t.Errorf("IP() = %d, want %d", vm.IP(), tt.ip)
			}
		})
	}
}

func TestBranchLoop(t *testing.T) {
	// Count global 0 from 0 to 10.
	b := newBuilder().
		label("loop").
		op(OpGLoad, 0).
		op(OpIConst, 10).
		op(OpILet).
		jump(OpBrf, "done").
		op(OpGLoad, 0).
		op(OpIConst, 1).
		op(OpIAdd).
		op(OpGStore, 0).
		jump(OpBr, "loop").
		label("done").
		op(OpGLoad, 0).
		op(OpHalt)

	vm, o := runProgram(t, &Program{Code: b.build(t), Globals: 1}, testConfig(&BufferOutput{}))
	if o.State != StateHalted {
		t.Fatalf("State = %s, want halted (%v)", o.State, o.Trap)
	}
	if o.Result != 10 {
		t.Errorf("Result = %d, want 10", o.Result)
	}
	if vm.Globals().Size() != 1 {
		t.Errorf("Globals().Size() = %d, want 1", vm.Globals().Size())
	}
}

func TestGlobals(t *testing.T) {
	code := newBuilder().
		op(OpIConst, 42).
		op(OpGStore, 3).
		op(OpGLoad, 3).
		op(OpHalt).
		build(t)
	_, o := runProgram(t, &Program{Code: code, Globals: 4}, testConfig(&BufferOutput{}))
	if o.Result != 42 {
		t.Errorf("GLOAD after GSTORE = %d, want 42", o.Result)
	}

	code = newBuilder().op(OpIConst, 1).op(OpGStore, 4).build(t)
	vm, o := runProgram(t, &Program{Code: code, Globals: 4}, testConfig(&BufferOutput{}))
	expectTrap(t, o, TrapInvalidGlobalAccess, 5)
	if !errors.Is(o.Err(), ErrInvalidGlobalAccess) {
		t.Errorf("Err() = %v, want ErrInvalidGlobalAccess", o.Err())
	}
	if vm.Stack().Size() != 1 {
		t.Errorf("Stack().Size() = %d, want 1", vm.Stack().Size())
	}

	code = newBuilder().op(OpGLoad, -1).build(t)
	_, o = runProgram(t, &Program{Code: code}, testConfig(&BufferOutput{}))
	expectTrap(t, o, TrapInvalidGlobalAccess, 0)
}

func TestDefaultGlobals(t *testing.T) {
	code := newBuilder().op(OpGLoad, DefaultGlobals-1).op(OpHalt).build(t)
	vm, o := runProgram(t, &Program{Code: code}, testConfig(&BufferOutput{}))
	if o.State != StateHalted {
		t.Fatalf("State = %s, want halted (%v)", o.State, o.Trap)
	}
	if vm.Globals().Size() != DefaultGlobals {
		t.Errorf("Globals().Size() = %d, want %d", vm.Globals().Size(), DefaultGlobals)
	}
}

func TestInitialGlobals(t *testing.T) {
	code := newBuilder().op(OpGLoad, 1).op(OpHalt).build(t)
	cfg := testConfig(&BufferOutput{})
	cfg.InitialGlobals = []Word{5, 6}

	_, o := runProgram(t, &Program{Code: code, Globals: 2}, cfg)
	if o.Result != 6 {
		t.Errorf("Result = %d, want 6", o.Result)
	}
}

func TestLocals(t *testing.T) {
	code := newBuilder().op(OpLoad, 0).build(t)
	_, o := runProgram(t, &Program{Code: code}, testConfig(&BufferOutput{}))
	expectTrap(t, o, TrapInvalidLocalAccess, 0)

	b := newBuilder().
		label("main").
		op(OpIConst, 9).
		op(OpStore, 2).
		op(OpLoad, 2).
		op(OpHalt)
	prog := &Program{
		Code:      b.build(t),
		Functions: []Function{{Name: "main", Locals: 3, Entry: 0}},
	}
	_, o = runProgram(t, prog, testConfig(&BufferOutput{}))
	if o.Result != 9 {
		t.Errorf("Result = %d, want 9", o.Result)
	}

	code = newBuilder().op(OpIConst, 1).op(OpStore, 0).build(t)
	vm, o := runProgram(t, &Program{Code: code}, testConfig(&BufferOutput{}))
	expectTrap(t, o, TrapInvalidLocalAccess, 5)
	if vm.Stack().Size() != 1 {
		t.Errorf("Stack().Size() = %d, want 1", vm.Stack().Size())
	}
}

func TestIllegalOpcode(t *testing.T) {
	for _, b := range []byte{0x00, 0x13, 0xff} {
		code := append(Encode(nil, OpIConst, 1), b)
		_, o := runProgram(t, &Program{Code: code}, testConfig(&BufferOutput{}))
		expectTrap(t, o, TrapIllegalOpcode, 5)
		if o.Trap.Op != Opcode(b) {
			t.Errorf("Trap.Op = 0x%02x, want 0x%02x", uint8(o.Trap.Op), b)
		}
	}
}

func TestTruncatedInstruction(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		ip   int
	}{
		{"iconst", []byte{byte(OpIConst), 1, 0}, 0},
		{"br", append(Encode(nil, OpIConst, 0), byte(OpBr)), 5},
		{"call", []byte{byte(OpCall), 0, 0, 0, 0, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, o := runProgram(t, &Program{Code: tt.code}, testConfig(&BufferOutput{}))
			expectTrap(t, o, TrapTruncatedInstruction, tt.ip)
		})
	}
}

func TestEndOfCode(t *testing.T) {
	code := Encode(nil, OpIConst, 4)

	_, o := runProgram(t, &Program{Code: code}, testConfig(&BufferOutput{}))
	expectTrap(t, o, TrapCodeBoundsViolation, 5)

	cfg := testConfig(&BufferOutput{})
	cfg.ImplicitHalt = true
	_, o = runProgram(t, &Program{Code: code}, cfg)
	if o.State != StateHalted || o.Result != 4 {
		t.Errorf("outcome = %s %d, want halted 4", o.State, o.Result)
	}
}

func TestHaltEmptyStack(t *testing.T) {
	_, o := runProgram(t, &Program{Code: Encode(nil, OpHalt)}, testConfig(&BufferOutput{}))
	if o.State != StateHalted {
		t.Fatalf("State = %s, want halted", o.State)
	}
	if o.HasResult {
		t.Errorf("HasResult = true, want false")
	}
}

func TestReturnFromEmptyCallStack(t *testing.T) {
	code := Encode(Encode(nil, OpIConst, 1), OpRet)
	vm, o := runProgram(t, &Program{Code: code}, testConfig(&BufferOutput{}))
	expectTrap(t, o, TrapReturnFromEmptyCallStack, 5)
	if vm.Stack().Size() != 1 {
		t.Errorf("Stack().Size() = %d, want 1", vm.Stack().Size())
	}
}

func TestReturnWithoutValue(t *testing.T) {
	b := newBuilder().
		op(OpCall, 0, 0).
		op(OpHalt).
		label("f").
		op(OpRet)
	prog := &Program{
		Code:      b.build(t),
		Functions: []Function{{Name: "f", Entry: b.addr("f"), Returns: 1}},
	}
	_, o := runProgram(t, prog, testConfig(&BufferOutput{}))
	expectTrap(t, o, TrapStackUnderflow, b.addr("f"))
	if o.Trap.Depth != 1 {
		t.Errorf("Trap.Depth = %d, want 1", o.Trap.Depth)
	}
}

func TestCallChecks(t *testing.T) {
	b := newBuilder().
		op(OpIConst, 1).
		op(OpCall, 0, 2).
		op(OpHalt).
		label("f").
		op(OpRet)
	funcs := []Function{{Name: "f", Arity: 2, Locals: 2, Entry: 0}}
	code := b.build(t)
	funcs[0].Entry = b.addr("f")

	_, o := runProgram(t, &Program{Code: code, Functions: funcs}, testConfig(&BufferOutput{}))
	expectTrap(t, o, TrapStackUnderflow, 5)

	code = Encode(Encode(Encode(nil, OpIConst, 1), OpIConst, 2), OpCall, 0, 1)
	code = Encode(code, OpRet)
	funcs[0].Entry = len(code) - 1
	_, o = runProgram(t, &Program{Code: code, Functions: funcs}, testConfig(&BufferOutput{}))
	expectTrap(t, o, TrapArityMismatch, 10)

	code = Encode(nil, OpCall, 3, 0)
	if _, err := New(&Program{Code: code}, testConfig(&BufferOutput{})); !errors.Is(err, ErrInvalidProgram) {
		t.Errorf("New() with unknown function = %v, want ErrInvalidProgram", err)
	}

	code = append(Encode(nil, OpBr, 6), 0xee)
	code = Encode(code, OpCall, 3, 0)
	_, o = runProgram(t, &Program{Code: code}, testConfig(&BufferOutput{}))
	expectTrap(t, o, TrapInvalidFunction, 6)
}

func TestInterrupt(t *testing.T) {
	code := Encode(nil, OpBr, 0)
	vm, err := New(&Program{Code: code}, testConfig(&BufferOutput{}))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		vm.Interrupt()
	}()

	done := make(chan ExitOutcome, 1)
	go func() { done <- vm.Run() }()

	select {
	case o := <-done:
		expectTrap(t, o, TrapCancelled, 0)
		if !errors.Is(o.Err(), ErrCancelled) {
			t.Errorf("Err() = %v, want ErrCancelled", o.Err())
		}
		if o.Trap.Op != OpBr {
			t.Errorf("Trap.Op = %s, want BR", o.Trap.Op)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop after Interrupt()")
	}
}

func TestInterruptRecordsPendingOpcode(t *testing.T) {
	tests := []struct {
		name  string
		code  []byte
		steps int
		ip    int
		op    Opcode
	}{
		{"at entry", Encode(Encode(nil, OpIConst, 7), OpHalt), 0, 0, OpIConst},
		{"after steps", Encode(Encode(Encode(nil, OpIConst, 7), OpPrint), OpHalt), 2, 6, OpHalt},
		{"past end", Encode(nil, OpIConst, 7), 1, 5, OpIllegal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm, err := New(&Program{Code: tt.code}, testConfig(&BufferOutput{}))
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			for i := 0; i < tt.steps; i++ {
				vm.Step()
			}
			vm.Interrupt()
			o := vm.Run()
			expectTrap(t, o, TrapCancelled, tt.ip)
			if o.Trap.Op != tt.op {
				t.Errorf("Trap.Op = %s, want %s", o.Trap.Op, tt.op)
			}
			if o.Steps != uint64(tt.steps) {
				t.Errorf("Steps = %d, want %d", o.Steps, tt.steps)
			}
		})
	}
}

func TestStep(t *testing.T) {
	code := newBuilder().op(OpIConst, 2).op(OpIConst, 3).op(OpIAdd).op(OpHalt).build(t)
	vm, err := New(&Program{Code: code}, testConfig(&BufferOutput{}))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	wantIPs := []int{5, 10, 11, 11}
	for i, want := range wantIPs {
		s := vm.Step()
		if s.IP != want {
			t.Errorf("step %d: IP = %d, want %d", i, s.IP, want)
		}
	}
	if vm.State() != StateHalted {
		t.Fatalf("State() = %s, want halted", vm.State())
	}
	if s := vm.Step(); s.State != StateHalted || s.IP != 11 {
		t.Errorf("Step() after halt = %+v, want no-op", s)
	}
	if vm.Steps() != 4 {
		t.Errorf("Steps() = %d, want 4", vm.Steps())
	}
}

func TestTrace(t *testing.T) {
	code := newBuilder().op(OpIConst, 2).op(OpIConst, 3).op(OpIAdd).op(OpHalt).build(t)
	var trace bytes.Buffer
	cfg := testConfig(&BufferOutput{})
	cfg.Trace = true
	cfg.TraceOutput = &trace

	_, o := runProgram(t, &Program{Code: code}, cfg)
	if o.State != StateHalted {
		t.Fatalf("State = %s, want halted", o.State)
	}

	lines := strings.Split(strings.TrimSpace(trace.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("trace has %d lines, want 4:\n%s", len(lines), trace.String())
	}
	if !strings.Contains(lines[1], "ICONST 3") || !strings.Contains(lines[1], "stack=[2]") {
		t.Errorf("trace line = %q, want ICONST 3 with stack=[2]", lines[1])
	}
	if !strings.Contains(lines[3], "HALT") || !strings.Contains(lines[3], "stack=[5]") {
		t.Errorf("trace line = %q, want HALT with stack=[5]", lines[3])
	}
}

func TestTrapError(t *testing.T) {
	code := Encode(nil, OpIAdd)
	_, o := runProgram(t, &Program{Code: code}, testConfig(&BufferOutput{}))

	err := o.Err()
	if !errors.Is(err, ErrStackUnderflow) {
		t.Errorf("errors.Is(%v, ErrStackUnderflow) = false", err)
	}
	var trap *Trap
	if !errors.As(err, &trap) || trap.Kind != TrapStackUnderflow {
		t.Errorf("errors.As() did not yield the trap: %v", err)
	}
	if !strings.HasPrefix(err.Error(), "trap StackUnderflow at ip=0 depth=0") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestProgramValidate(t *testing.T) {
	code := Encode(nil, OpHalt)
	tests := []struct {
		name string
		prog Program
		ok   bool
	}{
		{"valid", Program{Code: code, Functions: []Function{{Name: "f", Arity: 1, Locals: 2}}}, true},
		{"locals below arity", Program{Code: code, Functions: []Function{{Name: "f", Arity: 2, Locals: 1}}}, false},
		{"entry outside code", Program{Code: code, Functions: []Function{{Name: "f", Entry: 1}}}, false},
		{"returns two", Program{Code: code, Functions: []Function{{Name: "f", Returns: 2}}}, false},
		{"main with arguments", Program{Code: code, Functions: []Function{{Name: "main", Arity: 1, Locals: 1}}}, false},
		{"entry outside", Program{Code: code, Entry: 5}, false},
		{"negative globals", Program{Code: code, Globals: -1}, false},
		{"branch outside", Program{Code: Encode(code, OpBr, 100)}, false},
		{"branch to end", Program{Code: Encode(code, OpBrf, 6)}, false},
		{"branch in range", Program{Code: Encode(code, OpBrf, 1)}, true},
		{"call unknown", Program{Code: Encode(code, OpCall, 1, 0), Functions: []Function{{Name: "f"}}}, false},
		{"illegal stops scan", Program{Code: Encode(append(code, 0xee), OpBr, 99)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&tt.prog, DefaultConfig())
			if tt.ok && err != nil {
				t.Errorf("New() failed: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidProgram) {
				t.Errorf("New() = %v, want ErrInvalidProgram", err)
			}
		})
	}
}

func TestEntryPoint(t *testing.T) {
	prog := &Program{
		Code:      make([]byte, 20),
		Entry:     3,
		Functions: []Function{{Name: "helper", Entry: 1}, {Name: "main", Entry: 9}},
	}
	if addr, fn := prog.EntryPoint(); addr != 9 || fn != 1 {
		t.Errorf("EntryPoint() = (%d, %d), want (9, 1)", addr, fn)
	}

	prog.Functions = prog.Functions[:1]
	if addr, fn := prog.EntryPoint(); addr != 3 || fn != -1 {
		t.Errorf("EntryPoint() = (%d, %d), want (3, -1)", addr, fn)
	}
}

func TestWriterOutput(t *testing.T) {
	var buf bytes.Buffer
	code := newBuilder().op(OpIConst, -3).op(OpPrint).op(OpIConst, 4).op(OpPrint).op(OpHalt).build(t)
	cfg := DefaultConfig()
	out := NewWriterOutput(&buf)
	cfg.Output = out

	_, o := runProgram(t, &Program{Code: code}, cfg)
	if o.State != StateHalted {
		t.Fatalf("State = %s, want halted", o.State)
	}
	if buf.String() != "-3\n4\n" {
		t.Errorf("output = %q, want %q", buf.String(), "-3\n4\n")
	}
	if out.Err() != nil {
		t.Errorf("Err() = %v", out.Err())
	}
}
