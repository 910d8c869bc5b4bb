// Package statedb persists program global stores between runs.
//
// Each program owns one global store, keyed by program ID. A store is only
// written after a run halts normally, so a trapped run never leaves partial
// state behind.
package statedb

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/stackvm/internal/types"
)

var (
	// ErrStateNotFound is returned when a program has no stored globals.
	ErrStateNotFound = errors.New("state not found")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("state database closed")

	// ErrCorruptState is returned when stored globals cannot be decoded.
	ErrCorruptState = errors.New("corrupt state")
)

// DB is the state database interface.
// Implementations must be safe for concurrent use.
type DB interface {
	// LoadGlobals returns the stored globals for a program.
	// Returns ErrStateNotFound if nothing was stored.
	LoadGlobals(id types.ProgramID) ([]int32, error)

	// StoreGlobals replaces the stored globals and returns their hash.
	StoreGlobals(id types.ProgramID, globals []int32) (types.Hash, error)

	// DeleteGlobals removes a program's globals.
	// Returns nil if nothing was stored.
	DeleteGlobals(id types.ProgramID) error

	// HasGlobals checks if a program has stored globals.
	HasGlobals(id types.ProgramID) (bool, error)

	// StateHash returns the hash of a program's stored globals.
	StateHash(id types.ProgramID) (types.Hash, error)

	// StateRoot returns a hash over every stored program state.
	StateRoot() (types.Hash, error)

	// Count returns the number of programs with stored globals.
	Count() (uint64, error)

	// Commit persists pending metadata.
	Commit() error

	// Close closes the database.
	Close() error
}

// EncodeGlobals serializes globals as little-endian 32-bit words.
func EncodeGlobals(globals []int32) []byte {
	buf := make([]byte, 4*len(globals))
	for i, v := range globals {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return buf
}

// DecodeGlobals is the inverse of EncodeGlobals.
func DecodeGlobals(data []byte) ([]int32, error) {
	if len(data)%4 != 0 {
		return nil, ErrCorruptState
	}
	out := make([]int32, len(data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}

// ComputeStateHash computes SHA3-256(program ID || encoded globals).
func ComputeStateHash(id types.ProgramID, encoded []byte) types.Hash {
	h := sha3.New256()
	h.Write(id[:])
	h.Write(encoded)
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// computeStateRoot hashes the per-program state hashes in program ID order.
func computeStateRoot(entries map[types.ProgramID]types.Hash) types.Hash {
	ids := make([]types.ProgramID, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return string(ids[i][:]) < string(ids[j][:])
	})

	h := sha3.New256()
	for _, id := range ids {
		sum := entries[id]
		h.Write(sum[:])
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// MemoryDB is an in-memory implementation of DB for testing.
type MemoryDB struct {
	mu     sync.RWMutex
	states map[types.ProgramID][]byte
	closed bool
}

// NewMemoryDB creates a new in-memory state database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		states: make(map[types.ProgramID][]byte),
	}
}

// LoadGlobals implements DB.
func (m *MemoryDB) LoadGlobals(id types.ProgramID) ([]int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.states[id]
	if !ok {
		return nil, ErrStateNotFound
	}
	return DecodeGlobals(data)
}

// StoreGlobals implements DB.
func (m *MemoryDB) StoreGlobals(id types.ProgramID, globals []int32) (types.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.Hash{}, ErrClosed
	}
	data := EncodeGlobals(globals)
	m.states[id] = data
	return ComputeStateHash(id, data), nil
}

// DeleteGlobals implements DB.
func (m *MemoryDB) DeleteGlobals(id types.ProgramID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.states, id)
	return nil
}

// HasGlobals implements DB.
func (m *MemoryDB) HasGlobals(id types.ProgramID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.states[id]
	return ok, nil
}

// StateHash implements DB.
func (m *MemoryDB) StateHash(id types.ProgramID) (types.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return types.Hash{}, ErrClosed
	}
	data, ok := m.states[id]
	if !ok {
		return types.Hash{}, ErrStateNotFound
	}
	return ComputeStateHash(id, data), nil
}

// StateRoot implements DB.
func (m *MemoryDB) StateRoot() (types.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return types.Hash{}, ErrClosed
	}
	entries := make(map[types.ProgramID]types.Hash, len(m.states))
	for id, data := range m.states {
		entries[id] = ComputeStateHash(id, data)
	}
	return computeStateRoot(entries), nil
}

// Count implements DB.
func (m *MemoryDB) Count() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.states)), nil
}

// Commit implements DB.
func (m *MemoryDB) Commit() error {
	return nil
}

// Close implements DB.
func (m *MemoryDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ DB = (*MemoryDB)(nil)
