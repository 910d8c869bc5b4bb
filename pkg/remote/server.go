package remote

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/stackvm/pkg/programstore"
	"github.com/fortiblox/stackvm/pkg/vm"
	"github.com/fortiblox/stackvm/pkg/vm/executor"
)

// ServerConfig configures the gRPC execution service.
type ServerConfig struct {
	// Addr is the listen address (host:port).
	Addr string

	// Token, when set, must be presented by clients in the x-token header.
	Token string

	// MaxMessageSize bounds request and response messages.
	MaxMessageSize int

	// RunTimeout bounds the wall-clock time of a single run.
	RunTimeout time.Duration

	// MaxComputeLimit caps the compute budget a client may request.
	MaxComputeLimit uint64
}

// DefaultServerConfig returns the default service configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":9899",
		MaxMessageSize:  defaultMaxSize,
		RunTimeout:      30 * time.Second,
		MaxComputeLimit: vm.CUMax,
	}
}

// Server serves stackvm.Executor over gRPC.
type Server struct {
	config ServerConfig
	exec   *executor.Executor

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
}

// NewServer creates a gRPC execution service backed by exec.
func NewServer(config ServerConfig, exec *executor.Executor) *Server {
	defaults := DefaultServerConfig()
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.MaxComputeLimit == 0 {
		config.MaxComputeLimit = defaults.MaxComputeLimit
	}
	return &Server{config: config, exec: exec}
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	log.Printf("[remote] Server listening on %s", ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(s.config.MaxMessageSize),
		grpc.MaxSendMsgSize(s.config.MaxMessageSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.UnaryInterceptor(s.authInterceptor),
	)
	RegisterExecutorServer(gs, s)

	s.mu.Lock()
	s.server = gs
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	return gs.Serve(ln)
}

// Addr returns the bound listen address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the server immediately.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		s.server.Stop()
	}
}

// Run implements ExecutorServer.
func (s *Server) Run(ctx context.Context, req *RunRequest) (*vm.ExecutionResult, error) {
	if (len(req.Image) == 0) == (req.Program == "") {
		return nil, status.Error(codes.InvalidArgument, "exactly one of image and program must be set")
	}
	if req.Options.ComputeLimit > s.config.MaxComputeLimit {
		return nil, status.Errorf(codes.InvalidArgument, "compute limit %d exceeds maximum %d", req.Options.ComputeLimit, s.config.MaxComputeLimit)
	}

	opts := executor.DefaultOptions()
	if req.Options.ComputeLimit > 0 {
		opts.ComputeLimit = req.Options.ComputeLimit
	}
	if req.Options.StackSize > 0 {
		opts.StackSize = req.Options.StackSize
	}
	if req.Options.MaxCallDepth > 0 {
		opts.MaxCallDepth = req.Options.MaxCallDepth
	}
	opts.ImplicitHalt = req.Options.ImplicitHalt
	opts.Persist = req.Options.Persist
	opts.Trace = req.Options.Trace

	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	var (
		res *vm.ExecutionResult
		err error
	)
	if len(req.Image) > 0 {
		res, err = s.exec.ExecuteImage(ctx, req.Image, opts)
	} else {
		res, err = s.exec.ExecuteStored(ctx, req.Program, opts)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

// Upload implements ExecutorServer.
func (s *Server) Upload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	if len(req.Image) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty image")
	}
	meta, err := s.exec.Upload(req.Image, req.Name)
	if err != nil {
		return nil, toStatus(err)
	}
	return &UploadResponse{
		ProgramID: meta.ID.String(),
		Name:      meta.Name,
		Size:      meta.Size,
	}, nil
}

// authInterceptor checks the x-token header when a token is configured.
func (s *Server) authInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if s.config.Token != "" {
		md, _ := metadata.FromIncomingContext(ctx)
		tokens := md.Get(headerToken)
		if len(tokens) == 0 || subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(s.config.Token)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid or missing token")
		}
	}
	return handler(ctx, req)
}

// toStatus maps executor and store errors to gRPC status errors.
func toStatus(err error) error {
	switch {
	case errors.Is(err, executor.ErrProgramNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, executor.ErrProgramLoadFailed), errors.Is(err, executor.ErrInvalidOptions):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, executor.ErrNoProgramStore), errors.Is(err, executor.ErrNoStateDB):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, programstore.ErrNameTaken):
		return status.Error(codes.AlreadyExists, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
