// Package executor runs stackvm programs on behalf of hosts.
//
// This package provides the runtime environment around the engine:
// - Program resolution from inline images or the program store
// - Global state loaded from and committed to the state database
// - Compute metering and context cancellation
// - Run recording
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/fortiblox/stackvm/internal/types"
	"github.com/fortiblox/stackvm/pkg/programstore"
	"github.com/fortiblox/stackvm/pkg/statedb"
	"github.com/fortiblox/stackvm/pkg/vm"
	"github.com/fortiblox/stackvm/pkg/vm/engine"
	"github.com/fortiblox/stackvm/pkg/vm/loader"
)

// Executor errors.
var (
	ErrProgramNotFound   = errors.New("program not found")
	ErrProgramLoadFailed = errors.New("program load failed")
	ErrInvalidOptions    = errors.New("invalid execution options")
	ErrNoProgramStore    = errors.New("no program store configured")
	ErrNoStateDB         = errors.New("no state database configured")
)

// DefaultCacheSize is the number of decoded images kept in memory.
const DefaultCacheSize = 256

// Config configures an Executor.
type Config struct {
	// Loader configures image decoding and verification.
	Loader loader.Options

	// Programs stores images and run records. Optional.
	Programs programstore.Store

	// State stores program globals. Optional.
	State statedb.DB

	// CacheSize bounds the decoded image cache.
	CacheSize int
}

// DefaultConfig returns a configuration with no stores attached.
func DefaultConfig() Config {
	return Config{
		Loader:    loader.DefaultOptions(),
		CacheSize: DefaultCacheSize,
	}
}

// Options controls a single run.
type Options struct {
	// ComputeLimit is the compute unit budget. Zero selects vm.CUDefault.
	ComputeLimit uint64

	StackSize    int
	MaxCallDepth int
	ImplicitHalt bool

	// MaxLocalWords bounds the local slots of all live frames. Zero
	// selects engine.DefaultLocalWords.
	MaxLocalWords int

	// Trace enables per-instruction tracing. Without a TraceOutput the
	// trace is captured into the result, up to MaxTrace bytes.
	Trace       bool
	TraceOutput io.Writer
	MaxTrace    int

	// Persist commits globals to the state database when the run halts.
	Persist bool

	// Record stores a run record in the program store.
	Record bool

	// Output additionally receives every PRINT value as it happens.
	Output engine.Output

	// MaxOutput bounds the PRINT values kept in the result.
	MaxOutput int
}

// DefaultOptions returns the default run options.
func DefaultOptions() Options {
	return Options{
		ComputeLimit:  vm.CUDefault,
		StackSize:     engine.DefaultStackSize,
		MaxCallDepth:  engine.DefaultCallDepth,
		MaxLocalWords: engine.DefaultLocalWords,
		Record:        true,
		MaxOutput:     vm.MaxOutputValues,
		MaxTrace:      vm.MaxTraceBytes,
	}
}

func (o *Options) validate() error {
	if _, err := vm.ValidateLimit(o.ComputeLimit); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if o.StackSize < 0 || o.StackSize > vm.MaxStackSize {
		return fmt.Errorf("%w: stack size %d", ErrInvalidOptions, o.StackSize)
	}
	if o.MaxCallDepth < 0 || o.MaxCallDepth > vm.MaxCallDepth {
		return fmt.Errorf("%w: call depth %d", ErrInvalidOptions, o.MaxCallDepth)
	}
	if o.MaxLocalWords < 0 || o.MaxLocalWords > vm.MaxLocalWords {
		return fmt.Errorf("%w: local word budget %d", ErrInvalidOptions, o.MaxLocalWords)
	}
	if o.MaxOutput <= 0 || o.MaxOutput > vm.MaxOutputValues {
		o.MaxOutput = vm.MaxOutputValues
	}
	if o.MaxTrace <= 0 || o.MaxTrace > vm.MaxTraceBytes {
		o.MaxTrace = vm.MaxTraceBytes
	}
	return nil
}

// Executor executes stackvm programs.
type Executor struct {
	// loader decodes images.
	loader *loader.Loader

	programs programstore.Store
	state    statedb.DB

	// cache holds decoded images by program ID.
	cacheMu   sync.Mutex
	cache     map[types.ProgramID]*loader.Image
	cacheSize int

	// locks serializes persisted runs of the same program.
	locksMu sync.Mutex
	locks   map[types.ProgramID]*sync.Mutex
}

// New creates a new executor.
func New(cfg Config) *Executor {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	return &Executor{
		loader:    loader.NewLoader(cfg.Loader),
		programs:  cfg.Programs,
		state:     cfg.State,
		cache:     make(map[types.ProgramID]*loader.Image),
		cacheSize: cfg.CacheSize,
		locks:     make(map[types.ProgramID]*sync.Mutex),
	}
}

// Programs returns the program store, or nil.
func (e *Executor) Programs() programstore.Store {
	return e.programs
}

// State returns the state database, or nil.
func (e *Executor) State() statedb.DB {
	return e.state
}

// Execute runs an in-memory program.
func (e *Executor) Execute(ctx context.Context, prog *engine.Program, opts Options) (*vm.ExecutionResult, error) {
	if prog == nil {
		return nil, fmt.Errorf("%w: nil program", ErrProgramLoadFailed)
	}
	id, err := loader.ProgramID(prog)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProgramLoadFailed, err)
	}
	return e.run(ctx, id, prog, opts)
}

// ExecuteImage decodes and runs an encoded image.
func (e *Executor) ExecuteImage(ctx context.Context, image []byte, opts Options) (*vm.ExecutionResult, error) {
	img, err := e.loader.Load(image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProgramLoadFailed, err)
	}
	e.cachePut(img)
	return e.run(ctx, img.ID, img.Program, opts)
}

// ExecuteStored runs a program from the program store, addressed by name
// or program ID.
func (e *Executor) ExecuteStored(ctx context.Context, nameOrID string, opts Options) (*vm.ExecutionResult, error) {
	id, err := e.Resolve(nameOrID)
	if err != nil {
		return nil, err
	}
	img, err := e.LoadProgram(id)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, id, img.Program, opts)
}

// Upload verifies an image and stores it, optionally under a name.
func (e *Executor) Upload(image []byte, name string) (*programstore.ProgramMeta, error) {
	if e.programs == nil {
		return nil, ErrNoProgramStore
	}
	img, err := e.loader.Load(image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProgramLoadFailed, err)
	}

	meta := &programstore.ProgramMeta{
		ID:         img.ID,
		Name:       name,
		Size:       img.Size,
		CodeSize:   len(img.Program.Code),
		Functions:  len(img.Program.Functions),
		Globals:    img.Program.Globals,
		Compressed: img.Compressed,
	}
	if err := e.programs.PutProgram(meta, image); err != nil {
		return nil, err
	}
	e.cachePut(img)

	log.Printf("[executor] Stored program %s (%d bytes)", img.ID.Short(), img.Size)
	return meta, nil
}

// Resolve maps a program name or encoded program ID to a stored program.
func (e *Executor) Resolve(nameOrID string) (types.ProgramID, error) {
	if e.programs == nil {
		return types.ProgramID{}, ErrNoProgramStore
	}
	if id, err := types.ParseHash(nameOrID); err == nil && e.programs.HasProgram(id) {
		return id, nil
	}
	id, err := e.programs.ResolveName(nameOrID)
	if errors.Is(err, programstore.ErrProgramNotFound) {
		return types.ProgramID{}, fmt.Errorf("%w: %s", ErrProgramNotFound, nameOrID)
	}
	return id, err
}

// LoadProgram returns the decoded image for a stored program.
func (e *Executor) LoadProgram(id types.ProgramID) (*loader.Image, error) {
	if img := e.cacheGet(id); img != nil {
		return img, nil
	}
	if e.programs == nil {
		return nil, ErrNoProgramStore
	}

	data, err := e.programs.GetImage(id)
	if errors.Is(err, programstore.ErrProgramNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProgramNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	img, err := e.loader.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProgramLoadFailed, err)
	}
	if img.ID != id {
		return nil, fmt.Errorf("%w: stored image hashes to %s", ErrProgramLoadFailed, img.ID)
	}
	e.cachePut(img)
	return img, nil
}

// Globals returns the persisted globals of a program and their hash.
func (e *Executor) Globals(id types.ProgramID) ([]int32, types.Hash, error) {
	if e.state == nil {
		return nil, types.Hash{}, ErrNoStateDB
	}
	globals, err := e.state.LoadGlobals(id)
	if err != nil {
		return nil, types.Hash{}, err
	}
	hash, err := e.state.StateHash(id)
	if err != nil {
		return nil, types.Hash{}, err
	}
	return globals, hash, nil
}

// ResetGlobals discards the persisted globals of a program.
func (e *Executor) ResetGlobals(id types.ProgramID) error {
	if e.state == nil {
		return ErrNoStateDB
	}
	unlock := e.lockProgram(id)
	defer unlock()
	return e.state.DeleteGlobals(id)
}

// run executes prog to completion.
func (e *Executor) run(ctx context.Context, id types.ProgramID, prog *engine.Program, opts Options) (*vm.ExecutionResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	limit, _ := vm.ValidateLimit(opts.ComputeLimit)

	persist := opts.Persist && e.state != nil
	if persist {
		unlock := e.lockProgram(id)
		defer unlock()
	}

	var initial []int32
	if e.state != nil {
		globals, err := e.state.LoadGlobals(id)
		switch {
		case err == nil:
			initial = globals
		case errors.Is(err, statedb.ErrStateNotFound):
		default:
			return nil, fmt.Errorf("load globals: %w", err)
		}
	}

	out := &outputCollector{max: opts.MaxOutput, tee: opts.Output}

	cfg := engine.DefaultConfig()
	if opts.StackSize > 0 {
		cfg.StackSize = opts.StackSize
	}
	if opts.MaxCallDepth > 0 {
		cfg.MaxCallDepth = opts.MaxCallDepth
	}
	if opts.MaxLocalWords > 0 {
		cfg.MaxLocalWords = opts.MaxLocalWords
	}
	cfg.InitialGlobals = initial
	cfg.Output = out
	cfg.ImplicitHalt = opts.ImplicitHalt

	var traceBuf *traceCollector
	if opts.Trace {
		cfg.Trace = true
		if opts.TraceOutput != nil {
			cfg.TraceOutput = opts.TraceOutput
		} else {
			traceBuf = &traceCollector{max: opts.MaxTrace}
			cfg.TraceOutput = traceBuf
		}
	}

	machine, err := engine.New(prog, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProgramLoadFailed, err)
	}

	meter := vm.NewComputeMeter(limit)
	stop := context.AfterFunc(ctx, machine.Interrupt)
	defer stop()
	if ctx.Err() != nil {
		machine.Interrupt()
	}

	started := time.Now()
	budgetExceeded := false
	code := prog.Code
	for machine.State() == engine.StateRunning {
		op := engine.OpIllegal
		if ip := machine.IP(); ip >= 0 && ip < len(code) {
			op = engine.Opcode(code[ip])
		} else if ip == len(code) && opts.ImplicitHalt {
			op = engine.OpHalt
		}
		if !budgetExceeded && meter.ConsumeOp(op) != nil {
			budgetExceeded = true
			machine.Interrupt()
		}
		machine.Step()
		if traceBuf != nil && traceBuf.truncated {
			machine.SetTrace(false)
			traceBuf = nil
		}
	}
	elapsed := time.Since(started)

	outcome := machine.Outcome()
	res := &vm.ExecutionResult{
		ProgramID:             id,
		Success:               outcome.State == engine.StateHalted,
		State:                 outcome.State.String(),
		Result:                outcome.Result,
		HasResult:             outcome.HasResult,
		Trap:                  vm.NewTrapInfo(outcome.Trap),
		Output:                out.values,
		OutputTruncated:       out.truncated,
		ComputeUnitsConsumed:  meter.Consumed(),
		ComputeUnitsRemaining: meter.Remaining(),
		Steps:                 outcome.Steps,
		ElapsedMicros:         elapsed.Microseconds(),
	}
	if tc, ok := cfg.TraceOutput.(*traceCollector); ok {
		res.Trace = tc.buf.String()
		res.TraceTruncated = tc.truncated
	}
	if outcome.Trap != nil {
		res.Error = outcome.Trap.Error()
		if outcome.Trap.Kind == engine.TrapCancelled {
			switch {
			case budgetExceeded:
				res.Error = fmt.Sprintf("%v: limit %d", vm.ErrComputeExceeded, meter.Limit())
			case ctx.Err() != nil:
				res.Error = fmt.Sprintf("%s: %v", res.Error, ctx.Err())
			}
		}
	}

	var stateHash types.Hash
	if persist && res.Success {
		stateHash, err = e.state.StoreGlobals(id, machine.Globals().Snapshot())
		if err != nil {
			return res, fmt.Errorf("commit globals: %w", err)
		}
		res.StateHash = stateHash.String()
	}

	if opts.Record && e.programs != nil {
		rec := &programstore.RunRecord{
			ProgramID:    id,
			State:        res.State,
			Result:       res.Result,
			HasResult:    res.HasResult,
			Output:       out.values,
			ComputeUnits: res.ComputeUnitsConsumed,
			Steps:        res.Steps,
			StateHash:    stateHash,
			StartedAt:    started,
			Duration:     elapsed,
		}
		if t := outcome.Trap; t != nil {
			rec.TrapKind = t.Kind.String()
			rec.TrapIP = t.IP
			rec.TrapDepth = t.Depth
			rec.TrapDetail = res.Error
		}
		runID, err := e.programs.PutRun(rec)
		if err != nil {
			log.Printf("[executor] Failed to record run of %s: %v", id.Short(), err)
		} else {
			res.RunID = runID
		}
	}

	return res, nil
}

func (e *Executor) lockProgram(id types.ProgramID) func() {
	e.locksMu.Lock()
	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	e.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (e *Executor) cacheGet(id types.ProgramID) *loader.Image {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return e.cache[id]
}

func (e *Executor) cachePut(img *loader.Image) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if _, ok := e.cache[img.ID]; !ok && len(e.cache) >= e.cacheSize {
		// Evict an arbitrary entry.
		for k := range e.cache {
			delete(e.cache, k)
			break
		}
	}
	e.cache[img.ID] = img
}

// outputCollector records PRINT values up to a limit.
type outputCollector struct {
	values    []int32
	max       int
	truncated bool
	tee       engine.Output
}

func (o *outputCollector) Print(v engine.Word) {
	if len(o.values) < o.max {
		o.values = append(o.values, v)
	} else {
		o.truncated = true
	}
	if o.tee != nil {
		o.tee.Print(v)
	}
}

// traceCollector captures trace lines up to max bytes. The first line that
// does not fit and everything after it is dropped.
type traceCollector struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (t *traceCollector) Write(p []byte) (int, error) {
	if t.truncated {
		return len(p), nil
	}
	if t.buf.Len()+len(p) > t.max {
		t.truncated = true
		return len(p), nil
	}
	return t.buf.Write(p)
}
