package rpc

import (
	"encoding/json"

	"github.com/fortiblox/stackvm/pkg/programstore"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding types for program images.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// RunConfig configures runProgram and runStored requests.
type RunConfig struct {
	Encoding     Encoding `json:"encoding,omitempty"`
	ComputeLimit uint64   `json:"computeLimit,omitempty"`
	StackSize    int      `json:"stackSize,omitempty"`
	MaxCallDepth int      `json:"maxCallDepth,omitempty"`
	ImplicitHalt bool     `json:"implicitHalt,omitempty"`
	Persist      bool     `json:"persist,omitempty"`
	Trace        bool     `json:"trace,omitempty"`
}

// UploadConfig configures uploadProgram requests.
type UploadConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
	Name     string   `json:"name,omitempty"`
}

// ProgramConfig configures getProgram requests.
type ProgramConfig struct {
	// Encoding selects how the image is returned. Empty omits the image.
	Encoding Encoding `json:"encoding,omitempty"`
}

// LimitConfig configures list requests.
type LimitConfig struct {
	Limit int `json:"limit,omitempty"`
}

// ProgramInfo describes a stored program.
type ProgramInfo struct {
	ProgramID  string `json:"programId"`
	Name       string `json:"name,omitempty"`
	Size       int    `json:"size"`
	CodeSize   int    `json:"codeSize"`
	Functions  int    `json:"functions"`
	Globals    int    `json:"globals"`
	Compressed bool   `json:"compressed"`
	CreatedAt  int64  `json:"createdAt"`

	// Image is [data, encoding] when requested.
	Image []string `json:"image,omitempty"`
}

// RunInfo describes a recorded run.
type RunInfo struct {
	RunID        uint64  `json:"runId"`
	ProgramID    string  `json:"programId"`
	State        string  `json:"state"`
	Result       *int32  `json:"result"`
	TrapKind     string  `json:"trapKind,omitempty"`
	TrapIP       *int    `json:"trapIp,omitempty"`
	TrapDepth    *int    `json:"trapDepth,omitempty"`
	Error        string  `json:"error,omitempty"`
	Output       []int32 `json:"output"`
	ComputeUnits uint64  `json:"computeUnits"`
	Steps        uint64  `json:"steps"`
	StateHash    string  `json:"stateHash,omitempty"`
	StartedAt    int64   `json:"startedAt"`
	DurationUs   int64   `json:"durationUs"`
}

// GlobalsInfo is the getGlobals result.
type GlobalsInfo struct {
	ProgramID string  `json:"programId"`
	Globals   []int32 `json:"globals"`
	StateHash string  `json:"stateHash,omitempty"`
}

// VersionInfo contains version information.
type VersionInfo struct {
	StackVM      string `json:"stackvm"`
	ImageVersion int    `json:"imageVersion"`
}

// StatsInfo is the getStats result.
type StatsInfo struct {
	ProgramCount uint64 `json:"programCount"`
	RunCount     uint64 `json:"runCount"`
	LatestRun    uint64 `json:"latestRun"`
	OldestRun    uint64 `json:"oldestRun"`
	StoredStates uint64 `json:"storedStates"`
	DatabaseSize int64  `json:"databaseSize"`
}

// programInfo converts stored program metadata.
func programInfo(meta *programstore.ProgramMeta) ProgramInfo {
	return ProgramInfo{
		ProgramID:  meta.ID.String(),
		Name:       meta.Name,
		Size:       meta.Size,
		CodeSize:   meta.CodeSize,
		Functions:  meta.Functions,
		Globals:    meta.Globals,
		Compressed: meta.Compressed,
		CreatedAt:  meta.CreatedAt.Unix(),
	}
}

// runInfo converts a run record.
func runInfo(rec *programstore.RunRecord) RunInfo {
	info := RunInfo{
		RunID:        rec.ID,
		ProgramID:    rec.ProgramID.String(),
		State:        rec.State,
		Output:       rec.Output,
		ComputeUnits: rec.ComputeUnits,
		Steps:        rec.Steps,
		StartedAt:    rec.StartedAt.Unix(),
		DurationUs:   rec.Duration.Microseconds(),
	}
	if info.Output == nil {
		info.Output = []int32{}
	}
	if rec.HasResult {
		result := rec.Result
		info.Result = &result
	}
	if rec.TrapKind != "" {
		ip, depth := rec.TrapIP, rec.TrapDepth
		info.TrapKind = rec.TrapKind
		info.TrapIP = &ip
		info.TrapDepth = &depth
		info.Error = rec.TrapDetail
	}
	if !rec.StateHash.IsZero() {
		info.StateHash = rec.StateHash.String()
	}
	return info
}
