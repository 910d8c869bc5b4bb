package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fortiblox/stackvm/pkg/programstore"
	"github.com/fortiblox/stackvm/pkg/vm"
)

// Config holds node configuration.
type Config struct {
	// DataDir is the root directory for all node data.
	// Subdirectories will be created for programs and state.
	DataDir string `toml:"data_dir" yaml:"data_dir"`

	// InMemoryState keeps program globals in memory only (for testing).
	InMemoryState bool `toml:"in_memory_state" yaml:"in_memory_state"`

	// PruneEnabled enables automatic pruning of old run records.
	PruneEnabled bool `toml:"prune_enabled" yaml:"prune_enabled"`

	// RetainRuns is the number of run records kept by pruning.
	RetainRuns uint64 `toml:"retain_runs" yaml:"retain_runs"`

	// CacheSize is the number of decoded programs kept in memory.
	CacheSize int `toml:"cache_size" yaml:"cache_size"`

	// MaxComputeLimit caps the compute budget a client may request.
	MaxComputeLimit uint64 `toml:"max_compute_limit" yaml:"max_compute_limit"`

	// RunTimeout bounds the wall-clock time of a single served run.
	RunTimeout time.Duration `toml:"run_timeout" yaml:"run_timeout"`

	// GCInterval is the period of state database value log collection.
	// Zero disables it.
	GCInterval time.Duration `toml:"gc_interval" yaml:"gc_interval"`

	// RPC server configuration.
	// RPCEnabled enables the JSON-RPC server.
	RPCEnabled bool `toml:"rpc_enabled" yaml:"rpc_enabled"`

	// RPCAddr is the listen address for the RPC server (default ":8899").
	RPCAddr string `toml:"rpc_addr" yaml:"rpc_addr"`

	// RPCLogRequests enables logging of RPC requests.
	RPCLogRequests bool `toml:"rpc_log_requests" yaml:"rpc_log_requests"`

	// Remote execution service configuration.
	// RemoteEnabled enables the gRPC execution service.
	RemoteEnabled bool `toml:"remote_enabled" yaml:"remote_enabled"`

	// RemoteAddr is the listen address for the gRPC service (default ":9899").
	RemoteAddr string `toml:"remote_addr" yaml:"remote_addr"`

	// RemoteToken is the token clients must present.
	// Supports environment variable expansion with ${VAR_NAME}.
	RemoteToken string `toml:"remote_token" yaml:"remote_token"`

	// Version is reported by getVersion.
	Version string `toml:"-" yaml:"-"`

	// OnError is called for errors raised by background servers.
	OnError func(err error) `toml:"-" yaml:"-"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:         "./data",
		PruneEnabled:    true,
		RetainRuns:      programstore.DefaultRetainRuns,
		CacheSize:       256,
		MaxComputeLimit: vm.CUMax,
		RunTimeout:      30 * time.Second,
		GCInterval:      10 * time.Minute,
		RPCEnabled:      true,
		RPCAddr:         ":8899",
		RemoteEnabled:   false,
		RemoteAddr:      ":9899",
		Version:         "dev",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory is required", ErrConfigInvalid)
	}
	if c.MaxComputeLimit > vm.CUMax {
		return fmt.Errorf("%w: max compute limit %d exceeds %d", ErrConfigInvalid, c.MaxComputeLimit, vm.CUMax)
	}
	if c.GCInterval < 0 {
		return fmt.Errorf("%w: negative gc interval %s", ErrConfigInvalid, c.GCInterval)
	}
	if c.RPCEnabled && c.RPCAddr == "" {
		return fmt.Errorf("%w: rpc address is required", ErrConfigInvalid)
	}
	if c.RemoteEnabled && c.RemoteAddr == "" {
		return fmt.Errorf("%w: remote address is required", ErrConfigInvalid)
	}
	if !c.RPCEnabled && !c.RemoteEnabled {
		return fmt.Errorf("%w: no server enabled", ErrConfigInvalid)
	}
	return nil
}

// LoadConfig reads a TOML (.toml) or YAML (.yaml, .yml) configuration file.
// Fields missing from the file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrConfigInvalid, filepath.Ext(path))
	}

	cfg.RemoteToken = os.ExpandEnv(cfg.RemoteToken)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
