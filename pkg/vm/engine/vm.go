// Package engine implements the stackvm execution engine.
//
// stackvm is a stack-based virtual machine over 32-bit signed words. A
// program is a flat byte array of instructions (one opcode byte followed by
// zero, one, or two 32-bit little-endian operands) plus a function table.
//
// State is organized into three areas:
// - Operand stack: bounded LIFO shared by all frames
// - Call stack:    arena of activation frames holding locals
// - Globals:       fixed-size word array addressed by index
//
// Every violation of these bounds is detected at the faulting instruction
// and stops the run with a Trap; nothing is retried or rolled back.
package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// ErrInvalidProgram is returned by New for malformed function metadata or
// control-flow operands that leave the code.
var ErrInvalidProgram = errors.New("invalid program")

// Function is the metadata for one compiled function.
type Function struct {
	Name    string
	Arity   int // Arguments, stored in the first Arity locals
	Locals  int // Total local slots, >= Arity
	Entry   int // Code address of the first instruction
	Returns int // Values left for the caller on RET: 0 or 1
}

// Program is an immutable program image.
type Program struct {
	Code      []byte
	Functions []Function

	// Globals is the global store size; 0 selects DefaultGlobals.
	Globals int

	// Entry is the start address used when no function is named "main".
	Entry int
}

// FunctionIndex returns the index of the named function.
func (p *Program) FunctionIndex(name string) (int, bool) {
	for i := range p.Functions {
		if p.Functions[i].Name == name {
			return i, true
		}
	}
	return -1, false
}

// EntryPoint resolves where execution starts. A function named "main"
// takes precedence over Entry; fn is -1 when no function is entered.
func (p *Program) EntryPoint() (addr, fn int) {
	if i, ok := p.FunctionIndex("main"); ok {
		return p.Functions[i].Entry, i
	}
	return p.Entry, -1
}

// Validate checks function metadata and the entry point against the code,
// then decodes the code linearly and checks that every BR, BRT and BRF
// target lies in [0, len(code)) and every CALL names a defined function.
// Whether the branch is taken at run time does not matter.
//
// The scan stops at the first illegal or truncated instruction; those trap
// when reached, and the bytes after them have no defined decoding.
func (p *Program) Validate() error {
	for i, fn := range p.Functions {
		if fn.Arity < 0 || fn.Locals < fn.Arity {
			return fmt.Errorf("%w: function %d (%s) has arity %d but %d locals", ErrInvalidProgram, i, fn.Name, fn.Arity, fn.Locals)
		}
		if fn.Returns < 0 || fn.Returns > 1 {
			return fmt.Errorf("%w: function %d (%s) returns %d values", ErrInvalidProgram, i, fn.Name, fn.Returns)
		}
		if fn.Entry < 0 || fn.Entry >= len(p.Code) {
			return fmt.Errorf("%w: function %d (%s) entry %d outside code [0,%d)", ErrInvalidProgram, i, fn.Name, fn.Entry, len(p.Code))
		}
	}
	if p.Globals < 0 {
		return fmt.Errorf("%w: negative global count %d", ErrInvalidProgram, p.Globals)
	}
	addr, fn := p.EntryPoint()
	if fn >= 0 && p.Functions[fn].Arity != 0 {
		return fmt.Errorf("%w: entry function %s takes %d arguments", ErrInvalidProgram, p.Functions[fn].Name, p.Functions[fn].Arity)
	}
	if addr < 0 || (len(p.Code) > 0 && addr >= len(p.Code)) {
		return fmt.Errorf("%w: entry %d outside code [0,%d)", ErrInvalidProgram, addr, len(p.Code))
	}
	return p.validateCode()
}

func (p *Program) validateCode() error {
	code := p.Code
	for addr := 0; addr < len(code); {
		ins, ok := Decode(code, addr)
		if !ok || !ins.Op.Valid() {
			return nil
		}
		switch ins.Op {
		case OpBr, OpBrt, OpBrf:
			if t := ins.Operands[0]; t < 0 || int(t) >= len(code) {
				return fmt.Errorf("%w: %s at %d targets %d outside code [0,%d)", ErrInvalidProgram, ins.Op, addr, t, len(code))
			}
		case OpCall:
			if fn := ins.Operands[0]; fn < 0 || int(fn) >= len(p.Functions) {
				return fmt.Errorf("%w: CALL at %d names function %d (have %d)", ErrInvalidProgram, addr, fn, len(p.Functions))
			}
		}
		addr += ins.Width
	}
	return nil
}

// State is the engine state.
type State uint8

const (
	StateRunning State = iota
	StateHalted
	StateTrapped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateTrapped:
		return "trapped"
	default:
		return "unknown"
	}
}

// Output receives the values emitted by PRINT, in execution order.
type Output interface {
	Print(v Word)
}

// BufferOutput collects printed values in memory.
type BufferOutput struct {
	Values []Word
}

// Print implements Output.
func (b *BufferOutput) Print(v Word) {
	b.Values = append(b.Values, v)
}

// WriterOutput writes each printed value on its own line.
type WriterOutput struct {
	w   io.Writer
	err error
}

// NewWriterOutput creates an Output writing to w.
func NewWriterOutput(w io.Writer) *WriterOutput {
	return &WriterOutput{w: w}
}

// Print implements Output. After the first write error further values are
// dropped; see Err.
func (o *WriterOutput) Print(v Word) {
	if o.err != nil {
		return
	}
	_, o.err = fmt.Fprintln(o.w, v)
}

// Err returns the first write error.
func (o *WriterOutput) Err() error {
	return o.err
}

// Config configures a VM.
type Config struct {
	// StackSize is the operand stack capacity.
	StackSize int

	// MaxCallDepth bounds nested calls above the outermost frame.
	MaxCallDepth int

	// MaxLocalWords bounds the local slots of all live frames together.
	// A CALL whose frame would exceed it traps with CallStackOverflow.
	MaxLocalWords int

	// InitialGlobals seeds the global store.
	InitialGlobals []Word

	// Output receives PRINT values. Nil writes to os.Stdout.
	Output Output

	// Trace enables per-instruction diagnostics on TraceOutput.
	Trace       bool
	TraceOutput io.Writer

	// ImplicitHalt treats running off the end of code as HALT instead of
	// a CodeBoundsViolation trap.
	ImplicitHalt bool
}

// DefaultConfig returns the default VM configuration.
func DefaultConfig() Config {
	return Config{
		StackSize:     DefaultStackSize,
		MaxCallDepth:  DefaultCallDepth,
		MaxLocalWords: DefaultLocalWords,
		TraceOutput:   os.Stderr,
	}
}

// ExitOutcome is the result of a completed run.
type ExitOutcome struct {
	State     State
	Result    Word // Top of stack at HALT, valid when HasResult
	HasResult bool
	Trap      *Trap
	Steps     uint64
}

// Err returns the trap as an error, or nil when the program halted.
func (o ExitOutcome) Err() error {
	if o.Trap != nil {
		return o.Trap
	}
	return nil
}

// StepOutcome is the result of executing one instruction.
type StepOutcome struct {
	State State
	IP    int    // Instruction pointer after the step
	Op    Opcode // Opcode executed (or attempted)
	Trap  *Trap
}

// VM executes one program. It is not safe for concurrent use except for
// Interrupt, which may be called from any goroutine.
type VM struct {
	program *Program
	code    []byte
	funcs   []Function

	ip    int
	state State

	stack   *OperandStack
	calls   *CallStack
	globals *Globals

	out          Output
	trace        bool
	traceOut     io.Writer
	implicitHalt bool

	interrupted atomic.Bool
	trap        *Trap
	steps       uint64
}

// New creates a VM positioned at the program's entry point.
func New(program *Program, cfg Config) (*VM, error) {
	if program == nil {
		return nil, fmt.Errorf("%w: nil program", ErrInvalidProgram)
	}
	if err := program.Validate(); err != nil {
		return nil, err
	}

	nglobals := program.Globals
	if nglobals == 0 {
		nglobals = DefaultGlobals
	}

	entry, fn := program.EntryPoint()
	rootLocals := 0
	if fn >= 0 {
		rootLocals = program.Functions[fn].Locals
	}

	out := cfg.Output
	if out == nil {
		out = NewWriterOutput(os.Stdout)
	}
	traceOut := cfg.TraceOutput
	if traceOut == nil {
		traceOut = os.Stderr
	}

	return &VM{
		program:      program,
		code:         program.Code,
		funcs:        program.Functions,
		ip:           entry,
		state:        StateRunning,
		stack:        NewOperandStack(cfg.StackSize),
		calls:        NewCallStack(cfg.MaxCallDepth, cfg.MaxLocalWords, rootLocals),
		globals:      NewGlobals(nglobals, cfg.InitialGlobals),
		out:          out,
		trace:        cfg.Trace,
		traceOut:     traceOut,
		implicitHalt: cfg.ImplicitHalt,
	}, nil
}

// Run executes until the program halts or traps.
func (vm *VM) Run() ExitOutcome {
	for vm.state == StateRunning {
		vm.step()
	}
	return vm.Outcome()
}

// Step executes a single instruction. Stepping a stopped VM is a no-op.
func (vm *VM) Step() StepOutcome {
	var op Opcode
	if vm.state == StateRunning {
		if vm.ip >= 0 && vm.ip < len(vm.code) {
			op = Opcode(vm.code[vm.ip])
		}
		vm.step()
	}
	return StepOutcome{State: vm.state, IP: vm.ip, Op: op, Trap: vm.trap}
}

// Interrupt requests cancellation. The flag is checked between
// instructions; the next step traps with Cancelled.
func (vm *VM) Interrupt() {
	vm.interrupted.Store(true)
}

// SetTrace enables or disables tracing.
func (vm *VM) SetTrace(enabled bool) {
	vm.trace = enabled
}

// Outcome returns the current outcome. For a running VM State is
// StateRunning and no result is set.
func (vm *VM) Outcome() ExitOutcome {
	o := ExitOutcome{State: vm.state, Trap: vm.trap, Steps: vm.steps}
	if vm.state == StateHalted && vm.stack.Size() > 0 {
		o.Result, _ = vm.stack.Peek(0)
		o.HasResult = true
	}
	return o
}

// IP returns the instruction pointer.
func (vm *VM) IP() int { return vm.ip }

// State returns the engine state.
func (vm *VM) State() State { return vm.state }

// Trap returns the trap that stopped the VM, if any.
func (vm *VM) Trap() *Trap { return vm.trap }

// Stack returns the operand stack.
func (vm *VM) Stack() *OperandStack { return vm.stack }

// CallStack returns the call stack.
func (vm *VM) CallStack() *CallStack { return vm.calls }

// Globals returns the global store.
func (vm *VM) Globals() *Globals { return vm.globals }

// Program returns the loaded program.
func (vm *VM) Program() *Program { return vm.program }

// Steps returns the number of instructions executed.
func (vm *VM) Steps() uint64 { return vm.steps }

// fault stops the VM with a trap at the current instruction pointer.
func (vm *VM) fault(kind TrapKind, op Opcode, detail string) {
	vm.state = StateTrapped
	vm.trap = &Trap{
		Kind:      kind,
		IP:        vm.ip,
		Depth:     vm.calls.Depth(),
		Op:        op,
		Detail:    detail,
		Backtrace: vm.calls.Backtrace(),
	}
}

// operand reads the i-th operand of the instruction at ip. ok is false when
// the code ends before the operand does.
func (vm *VM) operand(ip, i int) (int32, bool) {
	off := ip + 1 + i*OperandSize
	if off+OperandSize > len(vm.code) {
		return 0, false
	}
	c := vm.code[off : off+OperandSize]
	return int32(uint32(c[0]) | uint32(c[1])<<8 | uint32(c[2])<<16 | uint32(c[3])<<24), true
}

// jump validates a branch target.
func (vm *VM) jump(op Opcode, target int32) {
	if target < 0 || int(target) >= len(vm.code) {
		vm.fault(TrapCodeBoundsViolation, op, fmt.Sprintf("branch target %d outside code [0,%d)", target, len(vm.code)))
		return
	}
	vm.ip = int(target)
}

// step executes one instruction. vm.ip is only updated once the
// instruction has fully succeeded, so a trap leaves it on the faulting
// instruction.
func (vm *VM) step() {
	if vm.interrupted.Load() {
		op := OpIllegal
		if vm.ip >= 0 && vm.ip < len(vm.code) {
			op = Opcode(vm.code[vm.ip])
		}
		vm.fault(TrapCancelled, op, "interrupted by host")
		return
	}

	ip := vm.ip
	if ip < 0 || ip >= len(vm.code) {
		if ip == len(vm.code) && vm.implicitHalt {
			vm.state = StateHalted
			return
		}
		vm.fault(TrapCodeBoundsViolation, OpIllegal, fmt.Sprintf("ip %d outside code [0,%d)", ip, len(vm.code)))
		return
	}

	op := Opcode(vm.code[ip])
	if vm.trace {
		vm.traceInstruction(ip)
	}
	vm.steps++

	switch op {
	case OpIAdd, OpISub, OpIMult, OpILet, OpIEq:
		a, b, err := vm.stack.Pop2()
		if err != nil {
			vm.fault(TrapStackUnderflow, op, fmt.Sprintf("%s needs 2 operands, have %d", op, vm.stack.Size()))
			return
		}
		var r Word
		switch op {
		case OpIAdd:
			r = a + b
		case OpISub:
			r = a - b
		case OpIMult:
			r = a * b
		case OpILet:
			if a < b {
				r = 1
			}
		case OpIEq:
			if a == b {
				r = 1
			}
		}
		// Two slots were just freed.
		_ = vm.stack.Push(r)
		vm.ip = ip + 1

	case OpBr:
		target, ok := vm.operand(ip, 0)
		if !ok {
			vm.fault(TrapTruncatedInstruction, op, "missing branch target")
			return
		}
		vm.jump(op, target)

	case OpBrt, OpBrf:
		target, ok := vm.operand(ip, 0)
		if !ok {
			vm.fault(TrapTruncatedInstruction, op, "missing branch target")
			return
		}
		cond, err := vm.stack.Peek(0)
		if err != nil {
			vm.fault(TrapStackUnderflow, op, "no condition on stack")
			return
		}
		if target < 0 || int(target) >= len(vm.code) {
			vm.fault(TrapCodeBoundsViolation, op, fmt.Sprintf("branch target %d outside code [0,%d)", target, len(vm.code)))
			return
		}
		taken := cond != 0
		if op == OpBrf {
			taken = !taken
		}
		_, _ = vm.stack.Pop()
		if taken {
			vm.ip = int(target)
		} else {
			vm.ip = ip + 1 + OperandSize
		}

	case OpIConst:
		v, ok := vm.operand(ip, 0)
		if !ok {
			vm.fault(TrapTruncatedInstruction, op, "missing constant")
			return
		}
		if err := vm.stack.Push(v); err != nil {
			vm.fault(TrapStackOverflow, op, fmt.Sprintf("capacity %d", vm.stack.Cap()))
			return
		}
		vm.ip = ip + 1 + OperandSize

	case OpLoad:
		idx, ok := vm.operand(ip, 0)
		if !ok {
			vm.fault(TrapTruncatedInstruction, op, "missing local index")
			return
		}
		locals := vm.calls.Locals()
		if idx < 0 || int(idx) >= len(locals) {
			vm.fault(TrapInvalidLocalAccess, op, fmt.Sprintf("index %d (locals %d)", idx, len(locals)))
			return
		}
		if err := vm.stack.Push(locals[idx]); err != nil {
			vm.fault(TrapStackOverflow, op, fmt.Sprintf("capacity %d", vm.stack.Cap()))
			return
		}
		vm.ip = ip + 1 + OperandSize

	case OpStore:
		idx, ok := vm.operand(ip, 0)
		if !ok {
			vm.fault(TrapTruncatedInstruction, op, "missing local index")
			return
		}
		locals := vm.calls.Locals()
		if idx < 0 || int(idx) >= len(locals) {
			vm.fault(TrapInvalidLocalAccess, op, fmt.Sprintf("index %d (locals %d)", idx, len(locals)))
			return
		}
		v, err := vm.stack.Pop()
		if err != nil {
			vm.fault(TrapStackUnderflow, op, "nothing to store")
			return
		}
		locals[idx] = v
		vm.ip = ip + 1 + OperandSize

	case OpGLoad:
		idx, ok := vm.operand(ip, 0)
		if !ok {
			vm.fault(TrapTruncatedInstruction, op, "missing global index")
			return
		}
		v, err := vm.globals.Load(idx)
		if err != nil {
			vm.fault(TrapInvalidGlobalAccess, op, err.Error())
			return
		}
		if err := vm.stack.Push(v); err != nil {
			vm.fault(TrapStackOverflow, op, fmt.Sprintf("capacity %d", vm.stack.Cap()))
			return
		}
		vm.ip = ip + 1 + OperandSize

	case OpGStore:
		idx, ok := vm.operand(ip, 0)
		if !ok {
			vm.fault(TrapTruncatedInstruction, op, "missing global index")
			return
		}
		if idx < 0 || int(idx) >= vm.globals.Size() {
			vm.fault(TrapInvalidGlobalAccess, op, fmt.Sprintf("index %d (size %d)", idx, vm.globals.Size()))
			return
		}
		v, err := vm.stack.Pop()
		if err != nil {
			vm.fault(TrapStackUnderflow, op, "nothing to store")
			return
		}
		_ = vm.globals.Store(idx, v)
		vm.ip = ip + 1 + OperandSize

	case OpPrint:
		v, err := vm.stack.Peek(0)
		if err != nil {
			vm.fault(TrapStackUnderflow, op, "nothing to print")
			return
		}
		vm.out.Print(v)
		vm.ip = ip + 1

	case OpPop:
		if _, err := vm.stack.Pop(); err != nil {
			vm.fault(TrapStackUnderflow, op, "nothing to pop")
			return
		}
		vm.ip = ip + 1

	case OpCall:
		vm.call(ip, op)

	case OpRet:
		vm.ret(op)

	case OpHalt:
		vm.state = StateHalted

	default:
		vm.fault(TrapIllegalOpcode, op, fmt.Sprintf("opcode 0x%02x", uint8(op)))
	}
}

// call implements CALL <fn> <argc>. Every check runs before any state is
// touched.
func (vm *VM) call(ip int, op Opcode) {
	fnIdx, ok1 := vm.operand(ip, 0)
	argc, ok2 := vm.operand(ip, 1)
	if !ok1 || !ok2 {
		vm.fault(TrapTruncatedInstruction, op, "missing call operands")
		return
	}
	if fnIdx < 0 || int(fnIdx) >= len(vm.funcs) {
		vm.fault(TrapInvalidFunction, op, fmt.Sprintf("function %d (have %d)", fnIdx, len(vm.funcs)))
		return
	}
	fn := &vm.funcs[fnIdx]
	if int(argc) != fn.Arity {
		vm.fault(TrapArityMismatch, op, fmt.Sprintf("%s takes %d arguments, call passes %d", fn.Name, fn.Arity, argc))
		return
	}
	if vm.calls.Depth() >= vm.calls.MaxDepth() {
		vm.fault(TrapCallStackOverflow, op, fmt.Sprintf("depth limit %d", vm.calls.MaxDepth()))
		return
	}
	if vm.stack.Size() < fn.Arity {
		vm.fault(TrapStackUnderflow, op, fmt.Sprintf("%s needs %d arguments, stack has %d", fn.Name, fn.Arity, vm.stack.Size()))
		return
	}

	base := vm.stack.Size() - fn.Arity
	locals, err := vm.calls.Push(Frame{
		Function:   int(fnIdx),
		ReturnAddr: ip + 1 + 2*OperandSize,
		StackBase:  base,
	}, fn.Locals)
	if err != nil {
		vm.fault(TrapCallStackOverflow, op, err.Error())
		return
	}
	// Arguments were pushed in declaration order, so the deepest is
	// parameter 0.
	copy(locals[:fn.Arity], vm.stack.data[base:base+fn.Arity])
	vm.stack.truncate(base)
	vm.ip = fn.Entry
}

// ret implements RET. The callee's leftovers above its stack base are
// discarded and, for functions declared to return a value, the top of the
// stack is carried over to the caller.
func (vm *VM) ret(op Opcode) {
	if vm.calls.Depth() == 0 {
		vm.fault(TrapReturnFromEmptyCallStack, op, "RET in outermost frame")
		return
	}
	frame := vm.calls.Current()
	fn := &vm.funcs[frame.Function]
	need := frame.StackBase + fn.Returns
	if vm.stack.Size() < need {
		vm.fault(TrapStackUnderflow, op, fmt.Sprintf("%s must leave %d value(s) above stack base %d, stack has %d", fn.Name, fn.Returns, frame.StackBase, vm.stack.Size()))
		return
	}
	if fn.Returns == 1 {
		rv, _ := vm.stack.Peek(0)
		vm.stack.truncate(frame.StackBase)
		_ = vm.stack.Push(rv)
	} else {
		vm.stack.truncate(frame.StackBase)
	}
	popped, _ := vm.calls.Pop()
	vm.ip = popped.ReturnAddr
}
