package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/fortiblox/stackvm/pkg/vm"
)

// ErrNoEndpoint is returned when dialing without an endpoint.
var ErrNoEndpoint = errors.New("remote: no endpoint configured")

// ClientConfig configures a Client.
type ClientConfig struct {
	// Endpoint is the server address (host:port).
	Endpoint string

	// Token is sent in the x-token header when set.
	Token string

	// UseTLS enables TLS transport security.
	UseTLS bool

	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// MaxMessageSize bounds request and response messages.
	MaxMessageSize int

	// DialOptions are appended to the built-in dial options.
	DialOptions []grpc.DialOption
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		Endpoint:         endpoint,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		MaxMessageSize:   defaultMaxSize,
	}
}

// Client calls a remote stackvm.Executor service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a remote executor.
func Dial(config ClientConfig) (*Client, error) {
	if config.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxSize
	}

	// Configure keepalive
	kacp := keepalive.ClientParameters{
		Time:                config.KeepaliveTime,
		Timeout:             config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}

	// TLS configuration
	if config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Add authentication if configured
	if config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      config.Token,
			requireTLS: config.UseTLS,
		}))
	}

	opts = append(opts, config.DialOptions...)

	//nolint:staticcheck // Dial keeps compatibility with older gRPC versions
	conn, err := grpc.Dial(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Run executes a program remotely.
func (c *Client) Run(ctx context.Context, req *RunRequest) (*vm.ExecutionResult, error) {
	out := new(vm.ExecutionResult)
	if err := c.conn.Invoke(ctx, runMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Upload stores an image remotely.
func (c *Client) Upload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	out := new(UploadResponse)
	if err := c.conn.Invoke(ctx, uploadMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		headerToken: t.token,
	}, nil
}

// RequireTransportSecurity returns whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}
