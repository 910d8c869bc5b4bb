// Package vm is the stackvm runtime.
//
// The runtime is split into subpackages:
// - engine:   opcodes, operand/call stacks and the dispatch loop
// - loader:   binary program images
// - asm:      text assembler producing images
// - executor: metered, cancellable runs against persistent globals
//
// This package holds what they share: compute metering and limits.
package vm

// Limits accepted by the loader and executor.
const (
	MaxCodeSize     = 16 * 1024 * 1024 // 16 MB of bytecode
	MaxFunctions    = 65_536
	MaxGlobals      = 1 << 20
	MaxLocals       = 1 << 16
	MaxStackSize    = 1 << 20
	MaxCallDepth    = 100_000
	MaxFunctionName = 255
	MaxOutputValues = 1 << 20 // PRINT values retained per run
	MaxLocalWords   = 1 << 24 // Local slots across all live frames
	MaxTraceBytes   = 4 << 20 // Trace text captured into a result
)
