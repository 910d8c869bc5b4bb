package vm

import (
	"github.com/fortiblox/stackvm/internal/types"
	"github.com/fortiblox/stackvm/pkg/vm/engine"
)

// ExecutionResult contains the result of one program run as reported to
// hosts (CLI, JSON-RPC and gRPC clients).
type ExecutionResult struct {
	// ProgramID identifies the image that ran.
	ProgramID types.ProgramID `json:"programId"`

	// RunID is the run record ID, zero when the run was not recorded.
	RunID uint64 `json:"runId,omitempty"`

	// Success indicates the program halted normally.
	Success bool `json:"success"`

	// State is "halted" or "trapped".
	State string `json:"state"`

	// Result is the top of the operand stack at HALT.
	Result    int32 `json:"result"`
	HasResult bool  `json:"hasResult"`

	// Error contains the failure message when Success is false.
	Error string `json:"error,omitempty"`

	Trap *TrapInfo `json:"trap,omitempty"`

	// Output holds PRINT values in order.
	Output          []int32 `json:"output"`
	OutputTruncated bool    `json:"outputTruncated,omitempty"`

	// ComputeUnitsConsumed is the number of compute units used.
	ComputeUnitsConsumed uint64 `json:"computeUnitsConsumed"`

	// ComputeUnitsRemaining is what was left of the budget; zero when
	// the budget ran out.
	ComputeUnitsRemaining uint64 `json:"computeUnitsRemaining"`

	Steps uint64 `json:"steps"`

	// StateHash is the hash of committed globals, empty when nothing was
	// persisted.
	StateHash string `json:"stateHash,omitempty"`

	// Trace holds captured trace lines when tracing was requested without
	// a trace writer. TraceTruncated is set when lines were dropped at
	// the capture limit.
	Trace          string `json:"trace,omitempty"`
	TraceTruncated bool   `json:"traceTruncated,omitempty"`

	// ElapsedMicros is the wall-clock run time.
	ElapsedMicros int64 `json:"elapsedMicros"`
}

// TrapInfo is the host-facing form of an engine trap.
type TrapInfo struct {
	Kind      string `json:"kind"`
	IP        int    `json:"ip"`
	Depth     int    `json:"depth"`
	Op        string `json:"op"`
	Detail    string `json:"detail,omitempty"`
	Backtrace []int  `json:"backtrace,omitempty"`
}

// NewTrapInfo converts an engine trap. Returns nil for a nil trap.
func NewTrapInfo(t *engine.Trap) *TrapInfo {
	if t == nil {
		return nil
	}
	return &TrapInfo{
		Kind:      t.Kind.String(),
		IP:        t.IP,
		Depth:     t.Depth,
		Op:        t.Op.String(),
		Detail:    t.Detail,
		Backtrace: t.Backtrace,
	}
}
