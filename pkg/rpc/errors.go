package rpc

import (
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Server-defined error codes.
const (
	// ProgramNotFound indicates no stored program matches the name or ID.
	ProgramNotFound = -32001

	// ProgramLoadFailed indicates the image failed to decode or verify.
	ProgramLoadFailed = -32002

	// RunNotFound indicates the run record does not exist or was pruned.
	RunNotFound = -32003

	// StoreUnavailable indicates the method needs a store the node runs without.
	StoreUnavailable = -32004

	// NodeUnhealthy indicates the node is unhealthy.
	NodeUnhealthy = -32005

	// NameTaken indicates the program name belongs to another image.
	NameTaken = -32006
)

// Common error messages.
var (
	ErrParseError      = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest  = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound  = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams   = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError   = NewRPCError(InternalError, "Internal error")
	ErrNodeUnhealthy   = NewRPCError(NodeUnhealthy, "Node is unhealthy")
	ErrProgramStoreOff = NewRPCError(StoreUnavailable, "Program store not available on this node")
	ErrStateDBOff      = NewRPCError(StoreUnavailable, "State database not available on this node")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerError creates an internal server error with a custom message.
func InternalServerError(msg string) *RPCError {
	return NewRPCError(InternalError, msg)
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// ProgramNotFoundError creates an error for an unknown program.
func ProgramNotFoundError(nameOrID string) *RPCError {
	return NewRPCErrorWithData(ProgramNotFound,
		fmt.Sprintf("Program not found: %s", nameOrID),
		map[string]string{"program": nameOrID})
}

// ProgramLoadError creates an error for an image that failed to load.
func ProgramLoadError(err error) *RPCError {
	return NewRPCError(ProgramLoadFailed, err.Error())
}

// RunNotFoundError creates an error for a missing run record.
func RunNotFoundError(id uint64) *RPCError {
	return NewRPCErrorWithData(RunNotFound,
		fmt.Sprintf("Run %d not found", id),
		map[string]uint64{"runId": id})
}

// NameTakenError creates an error for a program name collision.
func NameTakenError(name string) *RPCError {
	return NewRPCErrorWithData(NameTaken,
		fmt.Sprintf("Program name %q is already registered", name),
		map[string]string{"name": name})
}
