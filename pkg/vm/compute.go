package vm

import (
	"errors"
	"sync/atomic"

	"github.com/fortiblox/stackvm/pkg/vm/engine"
)

// Compute unit costs per instruction class.
const (
	CUDefault = uint64(10_000_000)    // Default budget per run
	CUMax     = uint64(1_000_000_000) // Max budget per run

	CUArith   = uint64(1) // IADD, ISUB, ILET, IEQ
	CUMult    = uint64(2) // IMULT
	CUBranch  = uint64(1) // BR, BRT, BRF
	CUStack   = uint64(1) // ICONST, POP
	CULocal   = uint64(1) // LOAD, STORE
	CUGlobal  = uint64(3) // GLOAD, GSTORE
	CUPrint   = uint64(20)
	CUCall    = uint64(10)
	CUReturn  = uint64(5)
	CUHalt    = uint64(0)
	CUIllegal = uint64(1) // Charged before the trap
)

var (
	// ErrComputeExceeded is returned when compute units are exhausted.
	ErrComputeExceeded = errors.New("compute budget exceeded")

	// ErrComputeInvalidLimit is returned for an invalid compute limit.
	ErrComputeInvalidLimit = errors.New("invalid compute unit limit")
)

var costs = func() [256]uint64 {
	var t [256]uint64
	for i := range t {
		t[i] = CUIllegal
	}
	for _, op := range []engine.Opcode{engine.OpIAdd, engine.OpISub, engine.OpILet, engine.OpIEq} {
		t[op] = CUArith
	}
	t[engine.OpIMult] = CUMult
	t[engine.OpBr] = CUBranch
	t[engine.OpBrt] = CUBranch
	t[engine.OpBrf] = CUBranch
	t[engine.OpIConst] = CUStack
	t[engine.OpPop] = CUStack
	t[engine.OpLoad] = CULocal
	t[engine.OpStore] = CULocal
	t[engine.OpGLoad] = CUGlobal
	t[engine.OpGStore] = CUGlobal
	t[engine.OpPrint] = CUPrint
	t[engine.OpCall] = CUCall
	t[engine.OpRet] = CUReturn
	t[engine.OpHalt] = CUHalt
	return t
}()

// Cost returns the compute units charged for op.
func Cost(op engine.Opcode) uint64 {
	return costs[op]
}

// ValidateLimit checks a requested compute limit. Zero selects CUDefault.
func ValidateLimit(limit uint64) (uint64, error) {
	if limit == 0 {
		return CUDefault, nil
	}
	if limit > CUMax {
		return 0, ErrComputeInvalidLimit
	}
	return limit, nil
}

// ComputeMeter tracks compute unit consumption. It is safe for concurrent
// use so a host can read progress while a run is in flight.
type ComputeMeter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
}

// NewComputeMeter creates a compute meter with the specified limit.
func NewComputeMeter(limit uint64) *ComputeMeter {
	if limit > CUMax {
		limit = CUMax
	}
	return &ComputeMeter{
		remaining: limit,
		limit:     limit,
	}
}

// Consume attempts to consume the specified compute units.
// Returns ErrComputeExceeded if insufficient units remain.
func (cm *ComputeMeter) Consume(cost uint64) error {
	for {
		remaining := atomic.LoadUint64(&cm.remaining)
		if remaining < cost {
			atomic.StoreUint64(&cm.remaining, 0)
			return ErrComputeExceeded
		}
		if atomic.CompareAndSwapUint64(&cm.remaining, remaining, remaining-cost) {
			atomic.AddUint64(&cm.consumed, cost)
			return nil
		}
	}
}

// ConsumeOp charges the cost of one instruction.
func (cm *ComputeMeter) ConsumeOp(op engine.Opcode) error {
	return cm.Consume(costs[op])
}

// Remaining returns the remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return atomic.LoadUint64(&cm.remaining)
}

// Consumed returns the total consumed compute units.
func (cm *ComputeMeter) Consumed() uint64 {
	return atomic.LoadUint64(&cm.consumed)
}

// Limit returns the compute unit limit.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}
