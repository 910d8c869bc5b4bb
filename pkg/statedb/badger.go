package statedb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/stackvm/internal/types"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixGlobals is the prefix for program globals.
	// Key format: prefixGlobals + program ID (32 bytes)
	prefixGlobals = []byte{0x01}

	// prefixMeta is the prefix for metadata.
	prefixMeta = []byte{0x02}

	// metaCount is the key for storing the number of stored states.
	metaCount = append(append([]byte{}, prefixMeta...), []byte("count")...)
)

// BadgerDBConfig contains configuration for BadgerDB.
type BadgerDBConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// NumMemtables is the number of memtables.
	NumMemtables int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultBadgerDBConfig returns default configuration.
func DefaultBadgerDBConfig(path string) BadgerDBConfig {
	return BadgerDBConfig{
		Path:             path,
		SyncWrites:       true,
		NumCompactors:    2,
		NumMemtables:     2,
		ValueLogFileSize: 64 << 20, // 64MB
		Logger:           nil,      // Disable logging by default
	}
}

// BadgerDB is a BadgerDB-backed state database.
type BadgerDB struct {
	db *badger.DB

	// count is cached in memory
	count atomic.Uint64

	// mu serializes writers so count tracking stays exact
	mu sync.Mutex

	closed   atomic.Bool
	inMemory bool
}

// NewBadgerDB opens a BadgerDB-backed state database.
func NewBadgerDB(cfg BadgerDBConfig) (*BadgerDB, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithNumMemtables(cfg.NumMemtables).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	bdb := &BadgerDB{db: db, inMemory: cfg.InMemory}
	if err := bdb.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return bdb, nil
}

// loadMetadata loads the state count from disk.
func (b *BadgerDB) loadMetadata() error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaCount)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				b.count.Store(binary.LittleEndian.Uint64(val))
			}
			return nil
		})
	})
}

// globalsKey returns the BadgerDB key for a program's globals.
func globalsKey(id types.ProgramID) []byte {
	key := make([]byte, 1+types.HashSize)
	key[0] = prefixGlobals[0]
	copy(key[1:], id[:])
	return key
}

func (b *BadgerDB) get(id types.ProgramID) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(globalsKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrStateNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

// LoadGlobals implements DB.
func (b *BadgerDB) LoadGlobals(id types.ProgramID) ([]int32, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	data, err := b.get(id)
	if err != nil {
		return nil, err
	}
	return DecodeGlobals(data)
}

// StoreGlobals implements DB.
func (b *BadgerDB) StoreGlobals(id types.ProgramID, globals []int32) (types.Hash, error) {
	if b.closed.Load() {
		return types.Hash{}, ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	data := EncodeGlobals(globals)
	existed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		key := globalsKey(id)
		_, err := txn.Get(key)
		switch {
		case err == nil:
			existed = true
		case err != badger.ErrKeyNotFound:
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return types.Hash{}, err
	}

	if !existed {
		b.count.Add(1)
	}
	return ComputeStateHash(id, data), nil
}

// DeleteGlobals implements DB.
func (b *BadgerDB) DeleteGlobals(id types.ProgramID) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		key := globalsKey(id)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		existed = true
		return txn.Delete(key)
	})
	if err != nil {
		return err
	}
	if existed {
		b.count.Add(^uint64(0)) // Decrement
	}
	return nil
}

// HasGlobals implements DB.
func (b *BadgerDB) HasGlobals(id types.ProgramID) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}
	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(globalsKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// StateHash implements DB.
func (b *BadgerDB) StateHash(id types.ProgramID) (types.Hash, error) {
	if b.closed.Load() {
		return types.Hash{}, ErrClosed
	}
	data, err := b.get(id)
	if err != nil {
		return types.Hash{}, err
	}
	return ComputeStateHash(id, data), nil
}

// StateRoot implements DB.
func (b *BadgerDB) StateRoot() (types.Hash, error) {
	if b.closed.Load() {
		return types.Hash{}, ErrClosed
	}

	entries := make(map[types.ProgramID]types.Hash)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixGlobals
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != 1+types.HashSize {
				continue
			}
			var id types.ProgramID
			copy(id[:], key[1:])

			err := item.Value(func(val []byte) error {
				entries[id] = ComputeStateHash(id, val)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	return computeStateRoot(entries), nil
}

// Count implements DB.
func (b *BadgerDB) Count() (uint64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	return b.count.Load(), nil
}

// Commit persists the cached count.
func (b *BadgerDB) Commit() error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.commit()
}

func (b *BadgerDB) commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, b.count.Load())
		return txn.Set(metaCount, buf)
	})
}

// RunGC rewrites value log files until none is worth collecting. It is a
// no-op for in-memory databases and while another collection is running.
func (b *BadgerDB) RunGC() error {
	if b.closed.Load() {
		return ErrClosed
	}
	if b.inMemory {
		return nil
	}
	for {
		err := b.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close commits metadata and closes the database.
func (b *BadgerDB) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	if err := b.commit(); err != nil {
		b.db.Close()
		return fmt.Errorf("commit: %w", err)
	}
	return b.db.Close()
}

// Verify that BadgerDB implements DB interface.
var _ DB = (*BadgerDB)(nil)
