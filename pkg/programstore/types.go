// Package programstore provides persistent storage for program images and
// run records.
//
// Images are content-addressed by their program ID and may additionally be
// registered under a human-readable name. Every execution that goes through
// the executor is recorded as a RunRecord keyed by a monotonically
// increasing run ID, with a secondary index by program.
//
// The store uses BoltDB, providing ACID updates and cheap concurrent reads.
// Old run records are pruned in the background.
package programstore

import (
	"encoding/binary"
	"time"

	"github.com/fortiblox/stackvm/internal/types"
)

// DefaultRetainRuns is the number of run records kept by the pruner.
const DefaultRetainRuns = 100_000

// ProgramMeta describes a stored image.
type ProgramMeta struct {
	// ID is the content hash of the image payload.
	ID types.ProgramID

	// Name is an optional alias; empty when the image was stored anonymously.
	Name string

	// Size is the encoded image size in bytes.
	Size int

	// CodeSize is the length of the code section.
	CodeSize int

	// Functions is the number of entries in the function table.
	Functions int

	// Globals is the declared global store size.
	Globals int

	// Compressed reports whether the stored image is zstd-compressed.
	Compressed bool

	// CreatedAt is when the image was first stored.
	CreatedAt time.Time
}

// RunRecord is the persisted outcome of one execution.
type RunRecord struct {
	ID        uint64
	ProgramID types.ProgramID

	// State is "halted" or "trapped".
	State     string
	Result    int32
	HasResult bool

	// Trap fields are set when State is "trapped".
	TrapKind   string
	TrapIP     int
	TrapDepth  int
	TrapDetail string

	Output       []int32
	ComputeUnits uint64
	Steps        uint64

	// StateHash is the globals hash after commit, zero when not persisted.
	StateHash types.Hash

	StartedAt time.Time
	Duration  time.Duration
}

// Stats contains program store statistics.
type Stats struct {
	// ProgramCount is the number of stored images.
	ProgramCount uint64

	// RunCount is the number of retained run records.
	RunCount uint64

	// LatestRun is the most recently assigned run ID.
	LatestRun uint64

	// OldestRun is the oldest retained run ID.
	OldestRun uint64

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64
}

// EncodeRunKey encodes a run ID as a big-endian 8-byte key so that cursor
// order matches run order.
func EncodeRunKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// DecodeRunKey decodes a run ID from a big-endian 8-byte key.
func DecodeRunKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}

// EncodeProgramRunKey encodes a program+run composite key.
// Format: [32-byte program ID][8-byte run ID big-endian]
func EncodeProgramRunKey(id types.ProgramID, run uint64) []byte {
	key := make([]byte, types.HashSize+8)
	copy(key[:types.HashSize], id[:])
	binary.BigEndian.PutUint64(key[types.HashSize:], run)
	return key
}

// DecodeProgramRunKey decodes a program+run composite key.
func DecodeProgramRunKey(key []byte) (types.ProgramID, uint64) {
	var id types.ProgramID
	if len(key) < types.HashSize+8 {
		return id, 0
	}
	copy(id[:], key[:types.HashSize])
	return id, binary.BigEndian.Uint64(key[types.HashSize:])
}
