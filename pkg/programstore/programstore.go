package programstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/stackvm/internal/types"
)

var (
	// ErrProgramNotFound is returned when an image doesn't exist.
	ErrProgramNotFound = errors.New("program not found")

	// ErrRunNotFound is returned when a run record doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrNameTaken is returned when a name is bound to a different program.
	ErrNameTaken = errors.New("program name already in use")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("program store closed")
)

// Bucket names for BoltDB.
var (
	// bucketImages stores raw image bytes keyed by program ID.
	bucketImages = []byte("images")

	// bucketPrograms stores ProgramMeta keyed by program ID.
	bucketPrograms = []byte("programs")

	// bucketNames maps names to program IDs.
	bucketNames = []byte("names")

	// bucketRuns stores run records keyed by run ID.
	bucketRuns = []byte("runs")

	// bucketProgramRuns indexes run IDs by program.
	bucketProgramRuns = []byte("program_runs")

	// bucketMetadata stores store metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyOldestRun    = []byte("oldest_run")
	keyProgramCount = []byte("program_count")
	keyRunCount     = []byte("run_count")
)

// Config holds program store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// PruneEnabled enables automatic pruning of old run records.
	PruneEnabled bool

	// PruneInterval is how often to run the pruning routine.
	PruneInterval time.Duration

	// RetainRuns is the number of run records to keep when pruning.
	RetainRuns uint64

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default program store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		PruneEnabled:  true,
		PruneInterval: 1 * time.Hour,
		RetainRuns:    DefaultRetainRuns,
	}
}

// Store is the program store interface.
type Store interface {
	// Program operations
	PutProgram(meta *ProgramMeta, image []byte) error
	GetImage(id types.ProgramID) ([]byte, error)
	GetProgram(id types.ProgramID) (*ProgramMeta, error)
	HasProgram(id types.ProgramID) bool
	ResolveName(name string) (types.ProgramID, error)
	ListPrograms(limit int) ([]*ProgramMeta, error)
	DeleteProgram(id types.ProgramID) error

	// Run records
	PutRun(rec *RunRecord) (uint64, error)
	GetRun(id uint64) (*RunRecord, error)
	ListRuns(program *types.ProgramID, limit int) ([]*RunRecord, error)

	// Maintenance
	Prune(keepRuns uint64) (uint64, error)
	GetStats() (*Stats, error)
	Sync() error
	Close() error
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config

	// Cached counters for fast reads.
	mu           sync.RWMutex
	programCount uint64
	runCount     uint64
	latestRun    uint64
	oldestRun    uint64

	// Pruning control.
	pruneStop chan struct{}
	pruneWG   sync.WaitGroup

	closed bool
}

// Open creates or opens a program store at the configured path.
func Open(config Config) (*BoltStore, error) {
	// Ensure directory exists.
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}

	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &BoltStore{
		db:        db,
		config:    config,
		pruneStop: make(chan struct{}),
	}

	// Initialize buckets (skip in read-only mode).
	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	if err := store.loadCachedValues(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load cached values: %w", err)
	}

	if config.PruneEnabled && !config.ReadOnly && config.PruneInterval > 0 {
		store.startPruning()
	}

	return store, nil
}

// initBuckets creates all required buckets.
func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketImages,
			bucketPrograms,
			bucketNames,
			bucketRuns,
			bucketProgramRuns,
			bucketMetadata,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// loadCachedValues loads counters into memory.
func (s *BoltStore) loadCachedValues() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil // Empty database.
		}
		if v := meta.Get(keyProgramCount); v != nil {
			s.programCount = DecodeRunKey(v)
		}
		if v := meta.Get(keyRunCount); v != nil {
			s.runCount = DecodeRunKey(v)
		}
		if v := meta.Get(keyOldestRun); v != nil {
			s.oldestRun = DecodeRunKey(v)
		}
		if runs := tx.Bucket(bucketRuns); runs != nil {
			s.latestRun = runs.Sequence()
		}
		return nil
	})
}

// startPruning starts the background pruning goroutine.
func (s *BoltStore) startPruning() {
	s.pruneWG.Add(1)
	go func() {
		defer s.pruneWG.Done()
		ticker := time.NewTicker(s.config.PruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n, err := s.Prune(s.config.RetainRuns)
				if err != nil {
					log.Printf("[programstore] prune error: %v", err)
				} else if n > 0 {
					log.Printf("[programstore] pruned %d run records", n)
				}
			case <-s.pruneStop:
				return
			}
		}
	}()
}

func (s *BoltStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// PutProgram stores an image and its metadata. Storing an image that is
// already present only updates its name binding.
func (s *BoltStore) PutProgram(meta *ProgramMeta, image []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	added := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		key := meta.ID[:]
		names := tx.Bucket(bucketNames)
		if meta.Name != "" {
			if bound := names.Get([]byte(meta.Name)); bound != nil && !bytes.Equal(bound, key) {
				return fmt.Errorf("%w: %s", ErrNameTaken, meta.Name)
			}
		}

		programs := tx.Bucket(bucketPrograms)
		if existing := programs.Get(key); existing != nil {
			var old ProgramMeta
			if err := gob.NewDecoder(bytes.NewReader(existing)).Decode(&old); err != nil {
				return fmt.Errorf("decode program meta: %w", err)
			}
			if meta.Name == "" || meta.Name == old.Name {
				*meta = old
				return nil
			}
			if old.Name != "" {
				if err := names.Delete([]byte(old.Name)); err != nil {
					return err
				}
			}
			meta.CreatedAt = old.CreatedAt
		} else {
			if err := tx.Bucket(bucketImages).Put(key, image); err != nil {
				return err
			}
			added = true
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
			return fmt.Errorf("encode program meta: %w", err)
		}
		if err := programs.Put(key, buf.Bytes()); err != nil {
			return err
		}
		if meta.Name != "" {
			if err := names.Put([]byte(meta.Name), key); err != nil {
				return err
			}
		}
		if added {
			s.mu.RLock()
			count := s.programCount + 1
			s.mu.RUnlock()
			return tx.Bucket(bucketMetadata).Put(keyProgramCount, EncodeRunKey(count))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if added {
		s.mu.Lock()
		s.programCount++
		s.mu.Unlock()
	}
	return nil
}

// GetImage returns the raw image bytes for a program.
func (s *BoltStore) GetImage(id types.ProgramID) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var image []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketImages).Get(id[:])
		if data == nil {
			return ErrProgramNotFound
		}
		// Bolt memory is only valid inside the transaction.
		image = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return image, nil
}

// GetProgram returns the metadata for a program.
func (s *BoltStore) GetProgram(id types.ProgramID) (*ProgramMeta, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var meta ProgramMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPrograms).Get(id[:])
		if data == nil {
			return ErrProgramNotFound
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// HasProgram checks if an image is stored.
func (s *BoltStore) HasProgram(id types.ProgramID) bool {
	if s.checkOpen() != nil {
		return false
	}

	exists := false
	s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketImages).Get(id[:]) != nil
		return nil
	})
	return exists
}

// ResolveName returns the program bound to name.
func (s *BoltStore) ResolveName(name string) (types.ProgramID, error) {
	var id types.ProgramID
	if err := s.checkOpen(); err != nil {
		return id, err
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNames).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrProgramNotFound, name)
		}
		copy(id[:], v)
		return nil
	})
	return id, err
}

// ListPrograms returns up to limit programs ordered by ID. A limit of zero
// or less returns all of them.
func (s *BoltStore) ListPrograms(limit int) ([]*ProgramMeta, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []*ProgramMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPrograms).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var meta ProgramMeta
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&meta); err != nil {
				return fmt.Errorf("decode program meta: %w", err)
			}
			out = append(out, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteProgram removes an image, its name binding and its run index.
// Run records themselves are left for the pruner.
func (s *BoltStore) DeleteProgram(id types.ProgramID) error {
	meta, err := s.GetProgram(id)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketImages).Delete(id[:]); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPrograms).Delete(id[:]); err != nil {
			return err
		}
		if meta.Name != "" {
			if err := tx.Bucket(bucketNames).Delete([]byte(meta.Name)); err != nil {
				return err
			}
		}

		// Drop index entries for this program.
		c := tx.Bucket(bucketProgramRuns).Cursor()
		prefix := id[:]
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}

		s.mu.RLock()
		count := s.programCount
		s.mu.RUnlock()
		if count > 0 {
			count--
		}
		return tx.Bucket(bucketMetadata).Put(keyProgramCount, EncodeRunKey(count))
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.programCount > 0 {
		s.programCount--
	}
	s.mu.Unlock()
	return nil
}

// PutRun stores a run record, assigning it the next run ID.
func (s *BoltStore) PutRun(rec *RunRecord) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		id, err := runs.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = id

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return fmt.Errorf("encode run record: %w", err)
		}
		if err := runs.Put(EncodeRunKey(id), buf.Bytes()); err != nil {
			return err
		}
		if err := tx.Bucket(bucketProgramRuns).Put(EncodeProgramRunKey(rec.ProgramID, id), nil); err != nil {
			return err
		}

		s.mu.RLock()
		count := s.runCount + 1
		s.mu.RUnlock()
		return tx.Bucket(bucketMetadata).Put(keyRunCount, EncodeRunKey(count))
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.runCount++
	s.latestRun = rec.ID
	if s.oldestRun == 0 {
		s.oldestRun = rec.ID
	}
	s.mu.Unlock()

	return rec.ID, nil
}

// GetRun retrieves a run record.
func (s *BoltStore) GetRun(id uint64) (*RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var rec RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get(EncodeRunKey(id))
		if data == nil {
			return ErrRunNotFound
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRuns returns up to limit run records, newest first. When program is
// non-nil only that program's runs are returned.
func (s *BoltStore) ListRuns(program *types.ProgramID, limit int) ([]*RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []*RunRecord
	full := func() bool { return limit > 0 && len(out) >= limit }

	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		decode := func(data []byte) error {
			var rec RunRecord
			if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
				return fmt.Errorf("decode run record: %w", err)
			}
			out = append(out, &rec)
			return nil
		}

		if program == nil {
			c := runs.Cursor()
			for k, v := c.Last(); k != nil && !full(); k, v = c.Prev() {
				if err := decode(v); err != nil {
					return err
				}
			}
			return nil
		}

		// Walk the index backwards from the end of this program's range.
		c := tx.Bucket(bucketProgramRuns).Cursor()
		prefix := program[:]
		k, _ := c.Seek(EncodeProgramRunKey(*program, ^uint64(0)))
		if k == nil {
			k, _ = c.Last()
		} else if !bytes.HasPrefix(k, prefix) {
			k, _ = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && !full(); k, _ = c.Prev() {
			_, id := DecodeProgramRunKey(k)
			data := runs.Get(EncodeRunKey(id))
			if data == nil {
				continue // Pruned.
			}
			if err := decode(data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Prune removes all but the newest keepRuns run records.
// Returns the number of records pruned.
func (s *BoltStore) Prune(keepRuns uint64) (uint64, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrClosed
	}
	latest := s.latestRun
	s.mu.RUnlock()

	if latest <= keepRuns {
		return 0, nil // Nothing to prune.
	}
	pruneBefore := latest - keepRuns + 1

	var pruned uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		index := tx.Bucket(bucketProgramRuns)
		maxKey := EncodeRunKey(pruneBefore)

		c := runs.Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, maxKey) < 0; k, v = c.First() {
			var rec RunRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err == nil {
				if err := index.Delete(EncodeProgramRunKey(rec.ProgramID, rec.ID)); err != nil {
					return err
				}
			}
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		if pruned == 0 {
			return nil
		}

		meta := tx.Bucket(bucketMetadata)
		s.mu.RLock()
		count := s.runCount
		s.mu.RUnlock()
		if count >= pruned {
			count -= pruned
		} else {
			count = 0
		}
		if err := meta.Put(keyRunCount, EncodeRunKey(count)); err != nil {
			return err
		}
		return meta.Put(keyOldestRun, EncodeRunKey(pruneBefore))
	})
	if err != nil {
		return 0, err
	}

	if pruned > 0 {
		s.mu.Lock()
		s.oldestRun = pruneBefore
		if s.runCount >= pruned {
			s.runCount -= pruned
		} else {
			s.runCount = 0
		}
		s.mu.Unlock()
	}
	return pruned, nil
}

// GetStats returns program store statistics.
func (s *BoltStore) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	stats := &Stats{
		ProgramCount: s.programCount,
		RunCount:     s.runCount,
		LatestRun:    s.latestRun,
		OldestRun:    s.oldestRun,
	}

	// Get database size.
	if info, err := os.Stat(s.config.Path); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}

// Sync forces a sync of the database to disk.
func (s *BoltStore) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Sync()
}

// Close shuts down the store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Stop pruning.
	close(s.pruneStop)
	s.pruneWG.Wait()

	return s.db.Close()
}

// Verify interface compliance.
var _ Store = (*BoltStore)(nil)
