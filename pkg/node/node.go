// Package node provides the main orchestrator for a stackvm execution node.
//
// The Node ties together all components:
// - Program store for uploaded images and run history
// - State database for persisted program globals
// - Executor for metered program runs
// - JSON-RPC and gRPC servers for remote access
//
// The node manages the lifecycle of these components and reports health.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/stackvm/internal/types"
	"github.com/fortiblox/stackvm/pkg/programstore"
	"github.com/fortiblox/stackvm/pkg/remote"
	"github.com/fortiblox/stackvm/pkg/rpc"
	"github.com/fortiblox/stackvm/pkg/statedb"
	"github.com/fortiblox/stackvm/pkg/vm/executor"
)

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrConfigInvalid  = errors.New("invalid node configuration")
	ErrInitFailed     = errors.New("node initialization failed")
)

// Node represents a complete stackvm execution node.
type Node struct {
	config Config

	// Core components
	programs     *programstore.BoltStore
	state        *statedb.BadgerDB
	exec         *executor.Executor
	rpcServer    *rpc.Server
	remoteServer *remote.Server

	// State management
	running     atomic.Bool
	startTime   time.Time
	lastError   error
	lastErrorMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new node with the given configuration.
// The node is not started until Start() is called.
func New(config *Config) (*Node, error) {
	if config == nil {
		defaults := DefaultConfig()
		config = &defaults
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.RetainRuns == 0 {
		config.RetainRuns = defaults.RetainRuns
	}
	if config.CacheSize == 0 {
		config.CacheSize = defaults.CacheSize
	}
	if config.MaxComputeLimit == 0 {
		config.MaxComputeLimit = defaults.MaxComputeLimit
	}
	if config.Version == "" {
		config.Version = defaults.Version
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Node{config: *config}, nil
}

// Start initializes all components and starts the enabled servers.
// Servers run until ctx is cancelled or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	if n.running.Load() {
		return ErrAlreadyRunning
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	if err := n.initialize(); err != nil {
		n.cancel()
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	n.running.Store(true)

	if n.rpcServer != nil {
		n.serve("RPC", n.rpcServer.Start)
	}
	if n.remoteServer != nil {
		n.serve("remote", n.remoteServer.Start)
	}
	if n.config.GCInterval > 0 && !n.config.InMemoryState {
		n.wg.Add(1)
		go n.gcLoop(n.config.GCInterval)
	}

	log.Printf("[node] Started (data dir %s)", n.config.DataDir)
	return nil
}

// serve runs a server loop in the background, recording its failure.
func (n *Node) serve(name string, start func(context.Context) error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := start(n.ctx); err != nil {
			err = fmt.Errorf("%s server error: %w", name, err)
			log.Printf("[node] %v", err)
			n.setLastError(err)
			if n.config.OnError != nil {
				n.config.OnError(err)
			}
		}
	}()
}

// gcLoop periodically collects the state database value log.
func (n *Node) gcLoop(interval time.Duration) {
	defer n.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.collectGarbage(); err != nil {
				log.Printf("[node] %v", err)
				n.setLastError(err)
			}
		}
	}
}

func (n *Node) collectGarbage() error {
	start := time.Now()
	if err := n.state.RunGC(); err != nil {
		return fmt.Errorf("state gc: %w", err)
	}
	log.Printf("[node] State GC finished in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

// initialize sets up all storage backends and components.
func (n *Node) initialize() error {
	if err := os.MkdirAll(n.config.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// Initialize program store
	programsConfig := programstore.DefaultConfig(filepath.Join(n.config.DataDir, "programs.db"))
	programsConfig.PruneEnabled = n.config.PruneEnabled
	programsConfig.RetainRuns = n.config.RetainRuns

	programs, err := programstore.Open(programsConfig)
	if err != nil {
		return fmt.Errorf("open program store: %w", err)
	}
	n.programs = programs

	// Initialize state database
	stateConfig := statedb.DefaultBadgerDBConfig(filepath.Join(n.config.DataDir, "state"))
	stateConfig.InMemory = n.config.InMemoryState
	state, err := statedb.NewBadgerDB(stateConfig)
	if err != nil {
		programs.Close()
		return fmt.Errorf("open state database: %w", err)
	}
	n.state = state

	execConfig := executor.DefaultConfig()
	execConfig.Programs = programs
	execConfig.State = state
	execConfig.CacheSize = n.config.CacheSize
	n.exec = executor.New(execConfig)

	// Initialize RPC server if enabled
	if n.config.RPCEnabled {
		rpcConfig := rpc.DefaultConfig()
		rpcConfig.Addr = n.config.RPCAddr
		rpcConfig.LogRequests = n.config.RPCLogRequests
		rpcConfig.RunTimeout = n.config.RunTimeout
		rpcConfig.MaxComputeLimit = n.config.MaxComputeLimit
		rpcConfig.Version = n.config.Version
		rpcConfig.EnableCORS = true

		n.rpcServer = rpc.New(rpcConfig, n.exec)
	}

	// Initialize gRPC service if enabled
	if n.config.RemoteEnabled {
		remoteConfig := remote.DefaultServerConfig()
		remoteConfig.Addr = n.config.RemoteAddr
		remoteConfig.Token = n.config.RemoteToken
		remoteConfig.RunTimeout = n.config.RunTimeout
		remoteConfig.MaxComputeLimit = n.config.MaxComputeLimit

		n.remoteServer = remote.NewServer(remoteConfig, n.exec)
	}

	return nil
}

// closeStorage closes all storage backends.
func (n *Node) closeStorage() {
	if n.state != nil {
		if err := n.state.Close(); err != nil && !errors.Is(err, statedb.ErrClosed) {
			log.Printf("[node] Failed to close state database: %v", err)
		}
	}
	if n.programs != nil {
		n.programs.Close()
	}
}

// Stop gracefully stops the node.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}

	// Cancel context to stop all servers
	if n.cancel != nil {
		n.cancel()
	}

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.remoteServer != nil {
		n.remoteServer.Stop()
	}

	// Wait for goroutines to finish
	n.wg.Wait()

	// Commit any pending changes
	if n.state != nil {
		n.state.Commit()
	}
	if n.programs != nil {
		n.programs.Sync()
	}

	n.closeStorage()

	n.running.Store(false)
	log.Printf("[node] Stopped")
	return nil
}

// Executor returns the node's executor, or nil before Start.
func (n *Node) Executor() *executor.Executor {
	return n.exec
}

// RPCAddr returns the bound JSON-RPC address, or nil if not listening.
func (n *Node) RPCAddr() net.Addr {
	if n.rpcServer == nil {
		return nil
	}
	return n.rpcServer.Addr()
}

// RemoteAddr returns the bound gRPC address, or nil if not listening.
func (n *Node) RemoteAddr() net.Addr {
	if n.remoteServer == nil {
		return nil
	}
	return n.remoteServer.Addr()
}

// Health returns the current node health.
func (n *Node) Health() *Health {
	h := &Health{
		IsRunning: n.running.Load(),
		LastError: n.getLastError(),
	}
	if !h.IsRunning {
		return h
	}
	h.Uptime = time.Since(n.startTime)

	if stats, err := n.programs.GetStats(); err == nil {
		h.ProgramCount = stats.ProgramCount
		h.RunCount = stats.RunCount
		h.LatestRun = stats.LatestRun
	}
	if count, err := n.state.Count(); err == nil {
		h.StateCount = count
	}
	if root, err := n.state.StateRoot(); err == nil {
		h.StateRoot = root
	}
	if addr := n.RPCAddr(); addr != nil {
		h.RPCAddr = addr.String()
	}
	if addr := n.RemoteAddr(); addr != nil {
		h.RemoteAddr = addr.String()
	}
	return h
}

// Health contains the current node status.
type Health struct {
	// IsRunning indicates if the node is running.
	IsRunning bool

	// Uptime is how long the node has been running.
	Uptime time.Duration

	// ProgramCount is the number of stored programs.
	ProgramCount uint64

	// RunCount is the number of retained run records.
	RunCount uint64

	// LatestRun is the most recently assigned run ID.
	LatestRun uint64

	// StateCount is the number of programs with persisted globals.
	StateCount uint64

	// StateRoot hashes every persisted program state.
	StateRoot types.Hash

	RPCAddr    string
	RemoteAddr string

	// LastError is the most recent error encountered.
	LastError error
}

// setLastError safely sets the last error.
func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}
