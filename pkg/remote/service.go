// Package remote exposes the executor as a gRPC service.
//
// The service is described by hand rather than generated from a .proto:
// messages are plain Go structs carried by a CBOR codec registered under
// the "cbor" content subtype.
//
//	service stackvm.Executor {
//	    rpc Run(RunRequest) returns (ExecutionResult);
//	    rpc Upload(UploadRequest) returns (UploadResponse);
//	}
package remote

import (
	"context"

	"google.golang.org/grpc"

	"github.com/fortiblox/stackvm/pkg/vm"
)

// Service and method names.
const (
	ServiceName    = "stackvm.Executor"
	runMethod      = "/" + ServiceName + "/Run"
	uploadMethod   = "/" + ServiceName + "/Upload"
	headerToken    = "x-token"
	defaultMaxSize = 64 * 1024 * 1024
)

// RunRequest asks the server to run an inline image or a stored program.
// Exactly one of Image and Program must be set.
type RunRequest struct {
	Image   []byte     `cbor:"1,keyasint,omitempty"`
	Program string     `cbor:"2,keyasint,omitempty"`
	Options RunOptions `cbor:"3,keyasint"`
}

// RunOptions mirrors the executor options a client may set.
type RunOptions struct {
	ComputeLimit uint64 `cbor:"1,keyasint,omitempty"`
	StackSize    int    `cbor:"2,keyasint,omitempty"`
	MaxCallDepth int    `cbor:"3,keyasint,omitempty"`
	ImplicitHalt bool   `cbor:"4,keyasint,omitempty"`
	Persist      bool   `cbor:"5,keyasint,omitempty"`
	Trace        bool   `cbor:"6,keyasint,omitempty"`
}

// UploadRequest stores an image, optionally under a name.
type UploadRequest struct {
	Image []byte `cbor:"1,keyasint"`
	Name  string `cbor:"2,keyasint,omitempty"`
}

// UploadResponse identifies the stored program.
type UploadResponse struct {
	ProgramID string `cbor:"1,keyasint"`
	Name      string `cbor:"2,keyasint,omitempty"`
	Size      int    `cbor:"3,keyasint"`
}

// ExecutorServer is the server API for the stackvm.Executor service.
type ExecutorServer interface {
	Run(context.Context, *RunRequest) (*vm.ExecutionResult, error)
	Upload(context.Context, *UploadRequest) (*UploadResponse, error)
}

// RegisterExecutorServer registers srv on s.
func RegisterExecutorServer(s *grpc.Server, srv ExecutorServer) {
	s.RegisterService(&executorServiceDesc, srv)
}

var executorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "Upload", Handler: uploadHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stackvm/executor",
}

func runHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).Run(ctx, req.(*RunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func uploadHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UploadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Upload(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: uploadMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).Upload(ctx, req.(*UploadRequest))
	}
	return interceptor(ctx, in, info, handler)
}
