// Package storage implements the §4.1 Store: the single-file persistent
// container that owns the authoritative in-memory root and checkpoints it
// to disk with crash-atomic replace semantics.
package storage

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcelliott/lumber"
	"github.com/natefinch/atomic"

	"github.com/dddevid/mainydb/core"
)

// Magic and version per §6.
var fileMagic = [8]byte{'M', 'A', 'I', 'N', 'Y', 'D', 'B', 0}

const currentFormatVersion = 1

// KeyDir is one (field_path, direction) pair of an index definition.
type KeyDir struct {
	Path string
	Dir  int8 // +1 or -1
}

// IndexDef is the persisted shape of an index: name, ordered keys, flags.
type IndexDef struct {
	Name   string
	Keys   []KeyDir
	Unique bool
}

// CollectionData is the canonical in-memory/on-disk shape of a collection:
// options, the live document slice in insertion order, and index
// definitions. The db package layers a runtime index.Manager on top,
// rebuilt from Docs on load (§4.5: "entries may be rebuilt ... for forward
// compatibility").
type CollectionData struct {
	Options *core.Document
	Docs    []*core.Document
	Indexes []IndexDef
}

// DatabaseData is a named mapping from collection name to CollectionData.
type DatabaseData struct {
	Collections map[string]*CollectionData
}

// RootData is the top-level persisted shape: format version plus a mapping
// from database name to DatabaseData (§6).
type RootData struct {
	Version   int
	Databases map[string]*DatabaseData
}

func newRootData() *RootData {
	return &RootData{Version: currentFormatVersion, Databases: map[string]*DatabaseData{}}
}

// JournalEntry records one mutation since the last checkpoint, for
// introspection and for the "journal empties on flush" invariant (§4.1).
type JournalEntry struct {
	ID         string
	Op         string
	Database   string
	Collection string
	At         time.Time
}

// Store owns the authoritative in-memory Root and persists it to a single
// file via checkpoint-replace (§4.1). It does not itself understand
// documents' query/update semantics; db.Root layers that on top.
type Store struct {
	mu   sync.RWMutex
	path string
	root *RootData

	journal        []JournalEntry
	opsSinceCkpt   int
	lastCheckpoint time.Time

	// lastCheckpointErr holds the error from the most recent
	// threshold-triggered automatic checkpoint, if it failed (§7: "Checkpoint
	// errors do not abort the caller's operation ... the error is logged and
	// reported on next close"). Mutate never returns this error itself;
	// Close surfaces it unless a successful Flush has cleared it first. A
	// later successful automatic checkpoint does not clear it.
	lastCheckpointErr error

	// CheckpointEvery/CheckpointInterval are the N-ops/T-seconds triggers
	// of §4.1's write policy; both default per spec (1000 ops / 30s).
	CheckpointEvery    int
	CheckpointInterval time.Duration

	log    lumber.Logger
	closed bool
}

// Open loads path if it exists, or creates a fresh empty Root if it does
// not (§3: "Root is created on first store open (empty)").
func Open(path string) (*Store, error) {
	s := &Store{
		path:               path,
		lastCheckpoint:     time.Now(),
		CheckpointEvery:    1000,
		CheckpointInterval: 30 * time.Second,
		log:                newLogger(),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.root = newRootData()
		s.log.Info("opened fresh store at %s", path)
		return s, nil
	}
	if err != nil {
		return nil, core.NewError("storage.Open", core.KindIoError, err)
	}

	root, err := decodeFile(data)
	if err != nil {
		s.log.Error("corrupt store file %s: %v", path, err)
		return nil, err
	}
	s.root = root
	s.log.Info("loaded store at %s (v%d, %d databases)", path, root.Version, len(root.Databases))
	return s, nil
}

func decodeFile(data []byte) (*RootData, error) {
	if len(data) < 16 {
		return nil, core.NewError("storage.Open", core.KindCorruptFile, fmt.Errorf("file too short: %d bytes", len(data)))
	}
	var magic [8]byte
	copy(magic[:], data[:8])
	if magic != fileMagic {
		return nil, core.NewError("storage.Open", core.KindCorruptFile, fmt.Errorf("bad magic"))
	}
	version := uint32(data[8]) | uint32(data[9])<<8 | uint32(data[10])<<16 | uint32(data[11])<<24
	if version != currentFormatVersion {
		return nil, core.NewError("storage.Open", core.KindCorruptFile, fmt.Errorf("unsupported format version %d", version))
	}
	r := bytes.NewReader(data[16:])
	root, err := decodeRoot(r)
	if err != nil {
		return nil, core.NewError("storage.Open", core.KindCorruptFile, err)
	}
	return root, nil
}

// View runs fn with the root under a shared read lock.
func (s *Store) View(fn func(*RootData)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.root)
}

// Mutate runs fn with the root under an exclusive lock, then records the
// mutation in the journal and checkpoints if the N-ops or T-seconds
// threshold has been crossed (§4.1). A failure of that automatic checkpoint
// is logged and stashed on the Store rather than returned here: per §7,
// "Checkpoint errors do not abort the caller's operation — the in-memory
// state is authoritative and the error is logged and reported on next
// close." fn itself has already committed to the in-memory root by the time
// any checkpoint is attempted, so Mutate's own success never depends on it.
func (s *Store) Mutate(dbName, collName, op string, fn func(*RootData)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.root)
	s.journal = append(s.journal, JournalEntry{
		ID: uuid.NewString(), Op: op, Database: dbName, Collection: collName, At: time.Now(),
	})
	s.opsSinceCkpt++
	if s.opsSinceCkpt >= s.CheckpointEvery || time.Since(s.lastCheckpoint) >= s.CheckpointInterval {
		if err := s.checkpointLocked(); err != nil {
			s.log.Error("automatic checkpoint failed: %v", err)
			s.lastCheckpointErr = err
		}
	}
	return nil
}

// Flush forces an explicit checkpoint regardless of thresholds. Being an
// explicit checkpoint request rather than a side effect of some other
// operation, its error propagates directly to the caller.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.checkpointLocked()
	if err == nil {
		s.lastCheckpointErr = nil
	}
	return err
}

// Close performs a blocking checkpoint then marks the store closed. Like
// Flush, Close is itself an explicit checkpoint request, so a failure here
// propagates to the caller. When its own checkpoint succeeds, it still
// returns any earlier automatic checkpoint failure that Mutate had stashed
// and no successful Flush has cleared (§7: "... reported on next close").
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.checkpointLocked()
	s.closed = true
	if err != nil {
		s.log.Error("checkpoint on close failed: %v", err)
		s.lastCheckpointErr = err
		return err
	}
	pending := s.lastCheckpointErr
	s.lastCheckpointErr = nil
	if pending != nil {
		s.log.Error("reporting earlier automatic checkpoint failure on close: %v", pending)
	}
	return pending
}

// LastCheckpointErr returns the checkpoint failure currently stashed on the
// store, or nil. A successful Flush clears it, as does a Close whose own
// checkpoint succeeds; a later successful automatic checkpoint does not.
func (s *Store) LastCheckpointErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheckpointErr
}

// checkpointLocked assumes s.mu is already held exclusively.
func (s *Store) checkpointLocked() error {
	var buf bytes.Buffer
	buf.Write(fileMagic[:])
	buf.WriteByte(byte(currentFormatVersion))
	buf.WriteByte(byte(currentFormatVersion >> 8))
	buf.WriteByte(byte(currentFormatVersion >> 16))
	buf.WriteByte(byte(currentFormatVersion >> 24))
	buf.WriteByte(0)
	buf.WriteByte(0)
	buf.WriteByte(0)
	buf.WriteByte(0)
	if err := encodeRoot(&buf, s.root); err != nil {
		return core.NewError("storage.Checkpoint", core.KindIoError, err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(buf.Bytes())); err != nil {
		return core.NewError("storage.Checkpoint", core.KindIoError, err)
	}
	s.journal = s.journal[:0]
	s.opsSinceCkpt = 0
	s.lastCheckpoint = time.Now()
	s.log.Info("checkpoint complete: %s", s.path)
	return nil
}

// Journal returns a snapshot of operations recorded since the last
// checkpoint.
func (s *Store) Journal() []JournalEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JournalEntry, len(s.journal))
	copy(out, s.journal)
	return out
}

// PendingOps returns the count of mutations since the last checkpoint.
func (s *Store) PendingOps() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opsSinceCkpt
}
