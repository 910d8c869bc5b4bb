// stackvm: stack-based bytecode virtual machine
//
// This is the main entry point for the stackvm command. It assembles,
// inspects and runs program images locally, serves them over JSON-RPC and
// gRPC, and runs them against a remote node.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fortiblox/stackvm/pkg/node"
	"github.com/fortiblox/stackvm/pkg/remote"
	"github.com/fortiblox/stackvm/pkg/vm"
	"github.com/fortiblox/stackvm/pkg/vm/asm"
	"github.com/fortiblox/stackvm/pkg/vm/engine"
	"github.com/fortiblox/stackvm/pkg/vm/executor"
	"github.com/fortiblox/stackvm/pkg/vm/loader"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

const usage = `Usage: stackvm <command> [flags] [args]

Commands:
  run <file>              Run an assembly source or image file
  asm <file> [-o out]     Assemble source into an image
  disasm <image>          Print an image as assembly source
  inspect <image>         Print image metadata
  serve [-config file]    Run a node serving JSON-RPC and gRPC
  remote <addr> <target>  Run a file or stored program on a remote node
  version                 Print version and exit
`

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		err = runCmd(args)
	case "asm":
		err = asmCmd(args)
	case "disasm":
		err = disasmCmd(args)
	case "inspect":
		err = inspectCmd(args)
	case "serve":
		err = serveCmd(args)
	case "remote":
		err = remoteCmd(args)
	case "version", "-version", "--version":
		fmt.Printf("stackvm %s (%s)\n", Version, GitCommit)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	var exit exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	case err != nil:
		fmt.Fprintf(os.Stderr, "stackvm: %v\n", err)
		os.Exit(1)
	}
}

// isImage reports whether data starts with the image magic.
func isImage(data []byte) bool {
	return bytes.HasPrefix(data, []byte("SVMI"))
}

// loadFile reads an image or assembly source file. The returned image is
// nil for source files.
func loadFile(path string) (*engine.Program, *loader.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if isImage(data) {
		img, err := loader.NewLoader(loader.DefaultOptions()).Load(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		return img.Program, img, nil
	}
	prog, err := asm.Assemble(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return prog, nil, nil
}

// encodeFile returns the image bytes for path, assembling source files.
func encodeFile(path string, compress bool) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if isImage(data) {
		return data, nil
	}
	prog, err := asm.Assemble(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return loader.Encode(prog, compress)
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	trace := fs.Bool("trace", false, "Trace every instruction to stderr")
	budget := fs.Uint64("budget", vm.CUDefault, "Compute unit budget")
	implicitHalt := fs.Bool("implicit-halt", false, "Halt when execution runs off the end of code")
	stackSize := fs.Int("stack", engine.DefaultStackSize, "Operand stack capacity")
	depth := fs.Int("depth", engine.DefaultCallDepth, "Maximum call depth")
	timeout := fs.Duration("timeout", 0, "Wall-clock limit (0 = none)")
	jsonOut := fs.Bool("json", false, "Print the execution result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run: expected one file argument")
	}

	prog, _, err := loadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	opts := executor.DefaultOptions()
	opts.ComputeLimit = *budget
	opts.ImplicitHalt = *implicitHalt
	opts.StackSize = *stackSize
	opts.MaxCallDepth = *depth
	opts.Record = false
	if *trace {
		opts.Trace = true
		opts.TraceOutput = os.Stderr
	}
	return execute(ctx, prog, opts, os.Stdout, os.Stderr, *jsonOut)
}

// execute runs prog locally. Without asJSON, PRINT values are streamed to
// stdout as they happen and a failed write fails the command.
func execute(ctx context.Context, prog *engine.Program, opts executor.Options, stdout, stderr io.Writer, asJSON bool) error {
	var out *engine.WriterOutput
	if !asJSON {
		out = engine.NewWriterOutput(stdout)
		opts.Output = out
	}

	exec := executor.New(executor.DefaultConfig())
	res, err := exec.Execute(ctx, prog, opts)
	if err != nil {
		return err
	}
	if out != nil {
		if err := out.Err(); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	return reportResult(stdout, stderr, res, asJSON)
}

// reportResult prints a run's result and maps a trap to exit status 1.
func reportResult(stdout, stderr io.Writer, res *vm.ExecutionResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if res.Success {
		return nil
	}
	if !asJSON {
		fmt.Fprintf(stderr, "%s\n", res.Error)
		if res.Trap != nil && len(res.Trap.Backtrace) > 0 {
			fmt.Fprintf(stderr, "backtrace: %v\n", res.Trap.Backtrace)
		}
	}
	return exitError{code: 1}
}

func asmCmd(args []string) error {
	fs := flag.NewFlagSet("asm", flag.ContinueOnError)
	out := fs.String("o", "", "Output image path (default: input with .svm extension)")
	compress := fs.Bool("zstd", false, "Compress the image payload with zstd")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("asm: expected one source file")
	}

	in := fs.Arg(0)
	src, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	prog, err := asm.Assemble(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}
	image, err := loader.Encode(prog, *compress)
	if err != nil {
		return err
	}

	path := *out
	if path == "" {
		path = strings.TrimSuffix(in, filepath.Ext(in)) + ".svm"
	}
	if err := os.WriteFile(path, image, 0644); err != nil {
		return err
	}

	id, err := loader.ProgramID(prog)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s (%d bytes)\n", path, id, len(image))
	return nil
}

func disasmCmd(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ContinueOnError)
	raw := fs.Bool("raw", false, "Print addressed instructions instead of assembly source")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("disasm: expected one image file")
	}

	prog, _, err := loadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if *raw {
		return engine.Disassemble(os.Stdout, prog.Code, prog.Functions)
	}
	return asm.Format(os.Stdout, prog)
}

func inspectCmd(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("inspect: expected one image file")
	}

	prog, img, err := loadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if img == nil {
		return fmt.Errorf("inspect: %s is not an image", fs.Arg(0))
	}

	addr, fn := prog.EntryPoint()
	fmt.Printf("Program ID:  %s\n", img.ID)
	fmt.Printf("Version:     %d\n", loader.Version)
	fmt.Printf("Size:        %d bytes\n", img.Size)
	fmt.Printf("Compressed:  %v\n", img.Compressed)
	fmt.Printf("Code:        %d bytes\n", len(prog.Code))
	fmt.Printf("Globals:     %d\n", prog.Globals)
	if fn >= 0 {
		fmt.Printf("Entry:       %d (%s)\n", addr, prog.Functions[fn].Name)
	} else {
		fmt.Printf("Entry:       %d\n", addr)
	}
	fmt.Printf("Functions:   %d\n", len(prog.Functions))
	for _, f := range prog.Functions {
		fmt.Printf("  %-16s entry=%-6d arity=%d locals=%d returns=%d\n", f.Name, f.Entry, f.Arity, f.Locals, f.Returns)
	}
	return nil
}

func serveCmd(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML or YAML configuration file")
	dataDir := fs.String("data-dir", "", "Data directory for programs and state")
	rpcAddr := fs.String("rpc-addr", "", "RPC server listen address")
	remoteAddr := fs.String("remote-addr", "", "gRPC service listen address (enables the service)")
	logRequests := fs.Bool("log-requests", false, "Log every RPC request")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Setup logging
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	var cfg *node.Config
	if *configPath != "" {
		loaded, err := node.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		defaults := node.DefaultConfig()
		cfg = &defaults
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *rpcAddr != "" {
		cfg.RPCEnabled = true
		cfg.RPCAddr = *rpcAddr
	}
	if *remoteAddr != "" {
		cfg.RemoteEnabled = true
		cfg.RemoteAddr = *remoteAddr
	}
	if *logRequests {
		cfg.RPCLogRequests = true
	}
	cfg.Version = Version
	cfg.OnError = func(err error) {
		log.Printf("Node error: %v", err)
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}

	log.Printf("Starting stackvm %s", Version)

	ctx, cancel := signalContext()
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	health := n.Health()
	log.Printf("Served %d runs across %d programs", health.RunCount, health.ProgramCount)
	if err := n.Stop(); err != nil {
		return err
	}
	log.Println("stackvm stopped")
	return nil
}

func remoteCmd(args []string) error {
	fs := flag.NewFlagSet("remote", flag.ContinueOnError)
	token := fs.String("token", os.Getenv("STACKVM_TOKEN"), "Authentication token")
	useTLS := fs.Bool("tls", false, "Use TLS")
	upload := fs.String("upload", "", "Upload the file under this name instead of running it")
	budget := fs.Uint64("budget", 0, "Compute unit budget (0 = server default)")
	persist := fs.Bool("persist", false, "Commit globals after a halted run")
	implicitHalt := fs.Bool("implicit-halt", false, "Halt when execution runs off the end of code")
	timeout := fs.Duration("timeout", 30*time.Second, "Request timeout")
	jsonOut := fs.Bool("json", false, "Print the execution result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("remote: expected <addr> <file|program>")
	}
	addr, target := fs.Arg(0), fs.Arg(1)

	config := remote.DefaultClientConfig(addr)
	config.Token = *token
	config.UseTLS = *useTLS
	client, err := remote.Dial(config)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	req := &remote.RunRequest{
		Options: remote.RunOptions{
			ComputeLimit: *budget,
			ImplicitHalt: *implicitHalt,
			Persist:      *persist,
		},
	}
	if _, statErr := os.Stat(target); statErr == nil {
		image, err := encodeFile(target, true)
		if err != nil {
			return err
		}
		if *upload != "" {
			resp, err := client.Upload(ctx, &remote.UploadRequest{Image: image, Name: *upload})
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (%d bytes)\n", resp.Name, resp.ProgramID, resp.Size)
			return nil
		}
		req.Image = image
	} else {
		if *upload != "" {
			return fmt.Errorf("remote: %s: %w", target, statErr)
		}
		req.Program = target
	}

	res, err := client.Run(ctx, req)
	if err != nil {
		return err
	}
	if !*jsonOut {
		for _, v := range res.Output {
			fmt.Println(v)
		}
		if res.OutputTruncated {
			fmt.Fprintln(os.Stderr, "(output truncated)")
		}
	}
	return reportResult(os.Stdout, os.Stderr, res, *jsonOut)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
