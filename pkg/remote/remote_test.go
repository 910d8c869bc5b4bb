package remote

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fortiblox/stackvm/pkg/programstore"
	"github.com/fortiblox/stackvm/pkg/statedb"
	"github.com/fortiblox/stackvm/pkg/vm/asm"
	"github.com/fortiblox/stackvm/pkg/vm/engine"
	"github.com/fortiblox/stackvm/pkg/vm/executor"
	"github.com/fortiblox/stackvm/pkg/vm/loader"
)

const counterSrc = `
.globals 1
    GLOAD 0
    ICONST 1
    IADD
    GSTORE 0
    GLOAD 0
    PRINT
    HALT
`

func encode(t *testing.T, src string) []byte {
	t.Helper()
	prog, err := asm.AssembleString(src)
	if err != nil {
		t.Fatalf("AssembleString() failed: %v", err)
	}
	image, err := loader.Encode(prog, false)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	return image
}

// startTestServer serves an executor over an in-process listener and
// returns a connected client.
func startTestServer(t *testing.T, config ServerConfig, clientToken string) *Client {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "remote_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	storeCfg := programstore.DefaultConfig(filepath.Join(tmpDir, "programs.db"))
	storeCfg.PruneEnabled = false
	store, err := programstore.Open(storeCfg)
	if err != nil {
		t.Fatalf("failed to open program store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	execCfg := executor.DefaultConfig()
	execCfg.Programs = store
	execCfg.State = statedb.NewMemoryDB()

	srv := NewServer(config, executor.New(execCfg))
	ln := bufconn.Listen(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	clientCfg := DefaultClientConfig("bufnet")
	clientCfg.Token = clientToken
	clientCfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return ln.DialContext(ctx)
		}),
	}
	client, err := Dial(clientCfg)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRunImage(t *testing.T) {
	client := startTestServer(t, DefaultServerConfig(), "")

	res, err := client.Run(context.Background(), &RunRequest{
		Image: encode(t, "ICONST 6\nICONST 7\nIMULT\nPRINT\nHALT\n"),
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !res.Success || res.Result != 42 || res.State != "halted" {
		t.Errorf("Run() = %+v, want halted with 42", res)
	}
	if len(res.Output) != 1 || res.Output[0] != 42 {
		t.Errorf("Output = %v, want [42]", res.Output)
	}
	if res.ProgramID.IsZero() {
		t.Error("ProgramID is zero")
	}
}

func TestRunTrap(t *testing.T) {
	client := startTestServer(t, DefaultServerConfig(), "")

	res, err := client.Run(context.Background(), &RunRequest{
		Image: encode(t, "ICONST 1\nIADD\nHALT\n"),
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Success || res.Trap == nil {
		t.Fatalf("Run() = %+v, want trap", res)
	}
	if res.Trap.Kind != engine.TrapStackUnderflow.String() || res.Trap.Op != "IADD" {
		t.Errorf("Trap = %+v, want StackUnderflow at IADD", res.Trap)
	}
}

func TestUploadAndRunStored(t *testing.T) {
	client := startTestServer(t, DefaultServerConfig(), "")
	ctx := context.Background()

	up, err := client.Upload(ctx, &UploadRequest{Image: encode(t, counterSrc), Name: "counter"})
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if up.Name != "counter" || up.ProgramID == "" || up.Size == 0 {
		t.Errorf("Upload() = %+v", up)
	}

	for i := int32(1); i <= 2; i++ {
		res, err := client.Run(ctx, &RunRequest{Program: "counter", Options: RunOptions{Persist: true}})
		if err != nil {
			t.Fatalf("Run(counter) failed: %v", err)
		}
		if res.Result != i {
			t.Errorf("run %d result = %d, want %d", i, res.Result, i)
		}
		if res.StateHash == "" {
			t.Errorf("run %d StateHash is empty", i)
		}
	}

	res, err := client.Run(ctx, &RunRequest{Program: up.ProgramID})
	if err != nil {
		t.Fatalf("Run(by id) failed: %v", err)
	}
	if res.Result != 3 {
		t.Errorf("Run(by id) result = %d, want 3", res.Result)
	}
}

func TestStatusCodes(t *testing.T) {
	config := DefaultServerConfig()
	config.MaxComputeLimit = 1000
	client := startTestServer(t, config, "")
	ctx := context.Background()

	if _, err := client.Upload(ctx, &UploadRequest{Image: encode(t, "HALT\n"), Name: "taken"}); err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"neither image nor program", func() error {
			_, err := client.Run(ctx, &RunRequest{})
			return err
		}, codes.InvalidArgument},
		{"both image and program", func() error {
			_, err := client.Run(ctx, &RunRequest{Image: []byte{1}, Program: "x"})
			return err
		}, codes.InvalidArgument},
		{"unknown program", func() error {
			_, err := client.Run(ctx, &RunRequest{Program: "missing"})
			return err
		}, codes.NotFound},
		{"bad image", func() error {
			_, err := client.Run(ctx, &RunRequest{Image: []byte("garbage")})
			return err
		}, codes.InvalidArgument},
		{"compute limit too high", func() error {
			_, err := client.Run(ctx, &RunRequest{Image: encode(t, "HALT\n"), Options: RunOptions{ComputeLimit: 5000}})
			return err
		}, codes.InvalidArgument},
		{"empty upload", func() error {
			_, err := client.Upload(ctx, &UploadRequest{})
			return err
		}, codes.InvalidArgument},
		{"name taken", func() error {
			_, err := client.Upload(ctx, &UploadRequest{Image: encode(t, "ICONST 1\nHALT\n"), Name: "taken"})
			return err
		}, codes.AlreadyExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if got := status.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestTokenAuth(t *testing.T) {
	config := DefaultServerConfig()
	config.Token = "secret"
	image := encode(t, "ICONST 1\nHALT\n")

	t.Run("missing", func(t *testing.T) {
		client := startTestServer(t, config, "")
		_, err := client.Run(context.Background(), &RunRequest{Image: image})
		if status.Code(err) != codes.Unauthenticated {
			t.Errorf("Run() = %v, want Unauthenticated", err)
		}
	})

	t.Run("wrong", func(t *testing.T) {
		client := startTestServer(t, config, "nope")
		_, err := client.Run(context.Background(), &RunRequest{Image: image})
		if status.Code(err) != codes.Unauthenticated {
			t.Errorf("Run() = %v, want Unauthenticated", err)
		}
	})

	t.Run("valid", func(t *testing.T) {
		client := startTestServer(t, config, "secret")
		res, err := client.Run(context.Background(), &RunRequest{Image: image})
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
		if res.Result != 1 {
			t.Errorf("Result = %d, want 1", res.Result)
		}
	})
}

func TestDialWithoutEndpoint(t *testing.T) {
	if _, err := Dial(ClientConfig{}); err != ErrNoEndpoint {
		t.Errorf("Dial() = %v, want ErrNoEndpoint", err)
	}
}
