package engine

import (
	"errors"
	"fmt"
	"strings"
)

// TrapKind classifies an unrecoverable runtime error.
type TrapKind uint8

const (
	TrapNone TrapKind = iota
	TrapStackOverflow
	TrapStackUnderflow
	TrapCallStackOverflow
	TrapInvalidLocalAccess
	TrapInvalidGlobalAccess
	TrapCodeBoundsViolation
	TrapTruncatedInstruction
	TrapIllegalOpcode
	TrapReturnFromEmptyCallStack
	TrapCancelled
	TrapInvalidFunction
	TrapArityMismatch
)

// Errors, one per trap kind. A *Trap unwraps to the error for its kind.
var (
	ErrStackOverflow            = errors.New("operand stack overflow")
	ErrStackUnderflow           = errors.New("operand stack underflow")
	ErrCallStackOverflow        = errors.New("call stack overflow")
	ErrInvalidLocalAccess       = errors.New("invalid local access")
	ErrInvalidGlobalAccess      = errors.New("invalid global access")
	ErrCodeBoundsViolation      = errors.New("code bounds violation")
	ErrTruncatedInstruction     = errors.New("truncated instruction")
	ErrIllegalOpcode            = errors.New("illegal opcode")
	ErrReturnFromEmptyCallStack = errors.New("return from empty call stack")
	ErrCancelled                = errors.New("execution cancelled")
	ErrInvalidFunction          = errors.New("invalid function index")
	ErrArityMismatch            = errors.New("argument count does not match arity")
)

var trapInfo = [...]struct {
	name string
	err  error
}{
	TrapNone:                     {"None", nil},
	TrapStackOverflow:            {"StackOverflow", ErrStackOverflow},
	TrapStackUnderflow:           {"StackUnderflow", ErrStackUnderflow},
	TrapCallStackOverflow:        {"CallStackOverflow", ErrCallStackOverflow},
	TrapInvalidLocalAccess:       {"InvalidLocalAccess", ErrInvalidLocalAccess},
	TrapInvalidGlobalAccess:      {"InvalidGlobalAccess", ErrInvalidGlobalAccess},
	TrapCodeBoundsViolation:      {"CodeBoundsViolation", ErrCodeBoundsViolation},
	TrapTruncatedInstruction:     {"TruncatedInstruction", ErrTruncatedInstruction},
	TrapIllegalOpcode:            {"IllegalOpcode", ErrIllegalOpcode},
	TrapReturnFromEmptyCallStack: {"ReturnFromEmptyCallStack", ErrReturnFromEmptyCallStack},
	TrapCancelled:                {"Cancelled", ErrCancelled},
	TrapInvalidFunction:          {"InvalidFunction", ErrInvalidFunction},
	TrapArityMismatch:            {"ArityMismatch", ErrArityMismatch},
}

// String returns the trap kind name.
func (k TrapKind) String() string {
	if int(k) < len(trapInfo) {
		return trapInfo[k].name
	}
	return fmt.Sprintf("TrapKind(%d)", uint8(k))
}

// Err returns the sentinel error for the kind.
func (k TrapKind) Err() error {
	if int(k) < len(trapInfo) {
		return trapInfo[k].err
	}
	return nil
}

// ParseTrapKind returns the kind with the given name.
func ParseTrapKind(name string) (TrapKind, bool) {
	for k, info := range trapInfo {
		if info.name == name {
			return TrapKind(k), true
		}
	}
	return TrapNone, false
}

// Trap records where and why execution stopped. The VM is left exactly as
// it was when the violation was detected.
type Trap struct {
	Kind   TrapKind
	IP     int    // Instruction pointer of the faulting instruction
	Depth  int    // Call depth at the trap (0 = outermost frame)
	Op     Opcode // Opcode being executed, OpIllegal if none was fetched
	Detail string

	// Backtrace holds return addresses from innermost to outermost.
	Backtrace []int
}

// Error implements error.
func (t *Trap) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "trap %s at ip=%d depth=%d", t.Kind, t.IP, t.Depth)
	if t.Detail != "" {
		b.WriteString(": ")
		b.WriteString(t.Detail)
	}
	return b.String()
}

// Unwrap returns the sentinel error for the trap kind.
func (t *Trap) Unwrap() error {
	return t.Kind.Err()
}
