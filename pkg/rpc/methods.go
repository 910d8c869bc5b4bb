package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fortiblox/stackvm/internal/types"
	"github.com/fortiblox/stackvm/pkg/programstore"
	"github.com/fortiblox/stackvm/pkg/statedb"
	"github.com/fortiblox/stackvm/pkg/vm/executor"
	"github.com/fortiblox/stackvm/pkg/vm/loader"
)

// List limits.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Execution Methods

// runProgram executes an inline image.
func (s *Server) runProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [image, config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	encoded, rpcErr := stringArg(args, 0, "image")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config RunConfig
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	image, rpcErr := decodeImageParam(encoded, config.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	opts, rpcErr := s.runOptions(config)
	if rpcErr != nil {
		return nil, rpcErr
	}

	ctx, cancel := s.runContext(ctx)
	defer cancel()

	result, err := s.exec.ExecuteImage(ctx, image, opts)
	if err != nil {
		return nil, executorError(err, "")
	}
	return result, nil
}

// runStored executes a stored program by name or program ID.
func (s *Server) runStored(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [nameOrID, config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	nameOrID, rpcErr := stringArg(args, 0, "program")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config RunConfig
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	opts, rpcErr := s.runOptions(config)
	if rpcErr != nil {
		return nil, rpcErr
	}

	ctx, cancel := s.runContext(ctx)
	defer cancel()

	result, err := s.exec.ExecuteStored(ctx, nameOrID, opts)
	if err != nil {
		return nil, executorError(err, nameOrID)
	}
	return result, nil
}

// Program Methods

// uploadProgram stores an image.
func (s *Server) uploadProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [image, config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	encoded, rpcErr := stringArg(args, 0, "image")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config UploadConfig
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	image, rpcErr := decodeImageParam(encoded, config.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	meta, err := s.exec.Upload(image, config.Name)
	if err != nil {
		return nil, executorError(err, config.Name)
	}
	return programInfo(meta), nil
}

// getProgram returns metadata, and optionally the image, of a stored program.
func (s *Server) getProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [nameOrID, config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	nameOrID, rpcErr := stringArg(args, 0, "program")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config ProgramConfig
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	id, err := s.exec.Resolve(nameOrID)
	if err != nil {
		return nil, executorError(err, nameOrID)
	}

	store := s.exec.Programs()
	meta, err := store.GetProgram(id)
	if err != nil {
		return nil, executorError(err, nameOrID)
	}
	info := programInfo(meta)

	if config.Encoding != "" {
		enc, ok := ParseEncoding(string(config.Encoding))
		if !ok {
			return nil, InvalidParamsErrorf("unsupported encoding %q", config.Encoding)
		}
		data, err := store.GetImage(id)
		if err != nil {
			return nil, executorError(err, nameOrID)
		}
		info.Image, err = EncodeImage(data, enc)
		if err != nil {
			return nil, InternalServerErrorf("failed to encode image: %v", err)
		}
	}

	return info, nil
}

// listPrograms lists stored programs, newest first.
func (s *Server) listPrograms(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config LimitConfig
	if rpcErr := configArg(args, 0, &config); rpcErr != nil {
		return nil, rpcErr
	}

	store := s.exec.Programs()
	if store == nil {
		return nil, ErrProgramStoreOff
	}

	metas, err := store.ListPrograms(clampLimit(config.Limit))
	if err != nil {
		return nil, InternalServerErrorf("failed to list programs: %v", err)
	}

	result := make([]ProgramInfo, 0, len(metas))
	for _, meta := range metas {
		result = append(result, programInfo(meta))
	}
	return result, nil
}

// deleteProgram removes a stored program and its persisted globals.
func (s *Server) deleteProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	nameOrID, rpcErr := stringArg(args, 0, "program")
	if rpcErr != nil {
		return nil, rpcErr
	}

	id, err := s.exec.Resolve(nameOrID)
	if err != nil {
		return nil, executorError(err, nameOrID)
	}
	if err := s.exec.Programs().DeleteProgram(id); err != nil {
		return nil, executorError(err, nameOrID)
	}
	if s.exec.State() != nil {
		if err := s.exec.ResetGlobals(id); err != nil {
			return nil, InternalServerErrorf("failed to delete globals: %v", err)
		}
	}
	return true, nil
}

// Run Methods

// getRun returns a run record by ID.
func (s *Server) getRun(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [runId]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if len(args) < 1 {
		return nil, InvalidParamsError("missing runId parameter")
	}

	var runID uint64
	if err := json.Unmarshal(args[0], &runID); err != nil {
		return nil, InvalidParamsError("invalid runId")
	}

	store := s.exec.Programs()
	if store == nil {
		return nil, ErrProgramStoreOff
	}

	rec, err := store.GetRun(runID)
	if err != nil {
		if errors.Is(err, programstore.ErrRunNotFound) {
			return nil, RunNotFoundError(runID)
		}
		return nil, InternalServerErrorf("failed to get run: %v", err)
	}
	return runInfo(rec), nil
}

// getRuns lists run records, newest first, optionally for one program.
func (s *Server) getRuns(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [nameOrID|null, config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config LimitConfig
	if rpcErr := configArg(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	store := s.exec.Programs()
	if store == nil {
		return nil, ErrProgramStoreOff
	}

	var program *types.ProgramID
	if len(args) > 0 && string(args[0]) != "null" {
		nameOrID, rpcErr := stringArg(args, 0, "program")
		if rpcErr != nil {
			return nil, rpcErr
		}
		id, rpcErr := s.resolveStateID(nameOrID)
		if rpcErr != nil {
			return nil, rpcErr
		}
		program = &id
	}

	recs, err := store.ListRuns(program, clampLimit(config.Limit))
	if err != nil {
		return nil, InternalServerErrorf("failed to list runs: %v", err)
	}

	result := make([]RunInfo, 0, len(recs))
	for _, rec := range recs {
		result = append(result, runInfo(rec))
	}
	return result, nil
}

// State Methods

// getGlobals returns the persisted globals of a program.
func (s *Server) getGlobals(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [nameOrID]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	nameOrID, rpcErr := stringArg(args, 0, "program")
	if rpcErr != nil {
		return nil, rpcErr
	}

	id, rpcErr := s.resolveStateID(nameOrID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	globals, hash, err := s.exec.Globals(id)
	switch {
	case errors.Is(err, statedb.ErrStateNotFound):
		return GlobalsInfo{ProgramID: id.String(), Globals: []int32{}}, nil
	case err != nil:
		return nil, executorError(err, nameOrID)
	}

	return GlobalsInfo{
		ProgramID: id.String(),
		Globals:   globals,
		StateHash: hash.String(),
	}, nil
}

// resetGlobals discards the persisted globals of a program.
func (s *Server) resetGlobals(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	nameOrID, rpcErr := stringArg(args, 0, "program")
	if rpcErr != nil {
		return nil, rpcErr
	}

	id, rpcErr := s.resolveStateID(nameOrID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.exec.ResetGlobals(id); err != nil {
		return nil, executorError(err, nameOrID)
	}
	return true, nil
}

// getStateRoot returns the hash over all persisted program state.
func (s *Server) getStateRoot(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	state := s.exec.State()
	if state == nil {
		return nil, ErrStateDBOff
	}
	root, err := state.StateRoot()
	if err != nil {
		return nil, InternalServerErrorf("failed to compute state root: %v", err)
	}
	return root.String(), nil
}

// Node Methods

// getHealth returns the node health status.
func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the node version.
func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		StackVM:      s.config.Version,
		ImageVersion: loader.Version,
	}, nil
}

// getStats returns store statistics.
func (s *Server) getStats(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var info StatsInfo

	if store := s.exec.Programs(); store != nil {
		stats, err := store.GetStats()
		if err != nil {
			return nil, InternalServerErrorf("failed to get stats: %v", err)
		}
		info.ProgramCount = stats.ProgramCount
		info.RunCount = stats.RunCount
		info.LatestRun = stats.LatestRun
		info.OldestRun = stats.OldestRun
		info.DatabaseSize = stats.DatabaseSize
	}

	if state := s.exec.State(); state != nil {
		count, err := state.Count()
		if err != nil {
			return nil, InternalServerErrorf("failed to count states: %v", err)
		}
		info.StoredStates = count
	}

	return info, nil
}

// Helper functions

// runOptions converts a RunConfig into executor options.
func (s *Server) runOptions(config RunConfig) (executor.Options, *RPCError) {
	opts := executor.DefaultOptions()
	if config.ComputeLimit > 0 {
		if config.ComputeLimit > s.config.MaxComputeLimit {
			return opts, InvalidParamsErrorf("computeLimit %d exceeds maximum %d", config.ComputeLimit, s.config.MaxComputeLimit)
		}
		opts.ComputeLimit = config.ComputeLimit
	}
	if config.StackSize > 0 {
		opts.StackSize = config.StackSize
	}
	if config.MaxCallDepth > 0 {
		opts.MaxCallDepth = config.MaxCallDepth
	}
	opts.ImplicitHalt = config.ImplicitHalt
	opts.Persist = config.Persist
	opts.Trace = config.Trace
	return opts, nil
}

// runContext bounds a run by the configured timeout.
func (s *Server) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.RunTimeout > 0 {
		return context.WithTimeout(ctx, s.config.RunTimeout)
	}
	return context.WithCancel(ctx)
}

// resolveStateID accepts an encoded program ID directly, so state of
// programs that were only ever run inline stays addressable.
func (s *Server) resolveStateID(nameOrID string) (types.ProgramID, *RPCError) {
	if id, err := types.ParseHash(nameOrID); err == nil {
		return id, nil
	}
	id, err := s.exec.Resolve(nameOrID)
	if err != nil {
		return types.ProgramID{}, executorError(err, nameOrID)
	}
	return id, nil
}

// executorError maps executor and store errors to RPC errors.
func executorError(err error, program string) *RPCError {
	switch {
	case errors.Is(err, executor.ErrProgramNotFound), errors.Is(err, programstore.ErrProgramNotFound):
		return ProgramNotFoundError(program)
	case errors.Is(err, executor.ErrProgramLoadFailed):
		return ProgramLoadError(err)
	case errors.Is(err, executor.ErrInvalidOptions):
		return InvalidParamsError(err.Error())
	case errors.Is(err, executor.ErrNoProgramStore):
		return ErrProgramStoreOff
	case errors.Is(err, executor.ErrNoStateDB):
		return ErrStateDBOff
	case errors.Is(err, programstore.ErrNameTaken):
		return NameTakenError(program)
	default:
		return InternalServerErrorf("%v", err)
	}
}

// decodeImageParam decodes an image parameter in the requested encoding.
func decodeImageParam(encoded string, encoding Encoding) ([]byte, *RPCError) {
	enc, ok := ParseEncoding(string(encoding))
	if !ok {
		return nil, InvalidParamsErrorf("unsupported encoding %q", encoding)
	}
	data, err := DecodeImage(encoded, enc)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid image data: %v", err)
	}
	return data, nil
}

// parseArgs splits positional params. Missing params yield no args.
func parseArgs(params json.RawMessage) ([]json.RawMessage, *RPCError) {
	if len(params) == 0 || string(params) == "null" {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}
	return args, nil
}

// stringArg extracts a required string argument.
func stringArg(args []json.RawMessage, i int, name string) (string, *RPCError) {
	if len(args) <= i {
		return "", InvalidParamsErrorf("missing %s parameter", name)
	}
	var v string
	if err := json.Unmarshal(args[i], &v); err != nil || v == "" {
		return "", InvalidParamsErrorf("invalid %s", name)
	}
	return v, nil
}

// configArg decodes an optional config object.
func configArg(args []json.RawMessage, i int, v interface{}) *RPCError {
	if len(args) <= i || string(args[i]) == "null" {
		return nil
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return InvalidParamsError("invalid config")
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
