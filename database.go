package strata

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/stratadb/strata/internal/commit"
	"github.com/stratadb/strata/internal/ilog"
	"github.com/stratadb/strata/internal/lockfile"
	"github.com/stratadb/strata/internal/storage"
)

// Options configures Open, following MariOpts's shape
// (_examples/sirgallo-mari/MariOpts.go) extended with the fields
// spec.md §4.1/§6 require for this engine.
type Options struct {
	// ReadOnly opens the file without acquiring any write capability;
	// BeginWrite always fails with WrongTransactState.
	ReadOnly bool

	// InMemory backs the database by slab memory only, never touching
	// disk (spec.md §4.1's MemoryOnly mode). The reader registry still
	// needs a shared coordination block, so a throwaway temp file backs
	// it even in this mode; no database bytes ever reach disk.
	InMemory bool

	// EncryptionKey, if non-empty, wraps every page read/write in
	// internal/storage's AES-CTR + HMAC page codec (storage.NewAESCodec).
	EncryptionKey []byte

	// AllowUpgrade is accepted but not read by Open. This build opens
	// only format version 1 (storage.MinSupportedFormatVersion equals
	// storage.FormatVersion), so no file qualifies for an in-place
	// upgrade; any other version fails with UnsupportedFileFormat
	// whatever this flag says.
	AllowUpgrade bool

	// CompactAtVersion, if non-zero, starts a background goroutine
	// (mirroring mari's compactHandler) that checks the database's
	// version counter once a second and calls Compact on every check
	// at which the counter is at or past this threshold.
	CompactAtVersion uint64
}

// Database is one open handle onto a strata file: the memory-mapped
// file, its slab allocator, the interprocess lockfile sidecar, and the
// commit pipeline that ties them together (spec.md §6 C8/C10). Every
// Database.Open call against the same path within one process shares
// a single Database, per spec.md §9's "global mutable state" note —
// two Opens of the same path must observe each other's writes without
// a second, independent mmap of the same file racing the first.
type Database struct {
	path string
	opts Options

	file     *storage.File
	alloc    *storage.Allocator
	shared   *lockfile.SharedInfo
	wmu      *lockfile.WriteMutex
	pipeline *commit.Pipeline

	// writeMu serializes BeginWrite within this process. wmu's flock is
	// owned by one open file description shared by every write
	// transaction this process ever starts, so repeated Lock calls from
	// different goroutines against it do not block each other (flock
	// exclusivity is per open-file-description, not per call) — writeMu
	// is the in-process mutex that actually provides that exclusion.
	writeMu sync.Mutex

	refCount int

	compactStop chan struct{}
}

// registry tracks one *Database per path this process has opened, so
// repeated Opens of the same path share state instead of mapping the
// file twice (spec.md §9).
var (
	registryMu sync.Mutex
	registry   = make(map[string]*Database)
)

// Open attaches (creating if necessary) the database file at path
// (spec.md §6 `Database::open`, mari's `Open`/`initializeFile`).
func Open(path string, opts Options) (*Database, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if !opts.InMemory {
		if db, ok := registry[path]; ok {
			db.refCount++
			return db, nil
		}
	}

	mode := storage.ReadWrite
	switch {
	case opts.InMemory:
		mode = storage.MemoryOnly
	case opts.ReadOnly:
		mode = storage.ReadOnly
	}

	var codec storage.Codec
	if len(opts.EncryptionKey) > 0 {
		c, err := storage.NewAESCodec(opts.EncryptionKey)
		if err != nil {
			return nil, newError(LogicError, "Database.Open", err)
		}
		codec = c
	}

	file, err := storage.Attach(path, mode, codec)
	if err != nil {
		return nil, wrapOpenError(err)
	}

	alloc := storage.NewAllocator(file, file.Size())

	lockPath := path
	if opts.InMemory {
		tmp, err := os.CreateTemp("", "strata-mem-*")
		if err != nil {
			file.Close()
			return nil, newError(IOError, "Database.Open", err)
		}
		tmp.Close()
		lockPath = tmp.Name()
	}

	shared, err := lockfile.Open(lockPath)
	if err != nil {
		file.Close()
		return nil, newError(IOError, "Database.Open", err)
	}
	wmu, err := lockfile.NewWriteMutex(shared)
	if err != nil {
		shared.Close()
		file.Close()
		return nil, newError(IOError, "Database.Open", err)
	}

	db := &Database{
		path:     path,
		opts:     opts,
		file:     file,
		alloc:    alloc,
		shared:   shared,
		wmu:      wmu,
		pipeline: commit.New(file, alloc, shared, wmu),
		refCount: 1,
	}

	if !opts.InMemory {
		registry[path] = db
	}
	if opts.CompactAtVersion > 0 {
		db.compactStop = make(chan struct{})
		go db.compactLoop()
	}

	openLg := ilog.Component("database")
	openLg.Debug().Str("path", path).Msg("opened database")
	return db, nil
}

func wrapOpenError(err error) error {
	switch {
	case errors.Is(err, storage.ErrInvalidDatabase):
		return newError(InvalidDatabase, "Database.Open", err)
	case errors.Is(err, storage.ErrUnsupportedFormat):
		return newError(UnsupportedFileFormat, "Database.Open", err)
	default:
		return newError(IOError, "Database.Open", err)
	}
}

// Close releases this handle. The underlying file/lockfile/mmap are
// only actually released once every Open call against the same path
// in this process has a matching Close (spec.md §9's shared-state
// registry).
func (db *Database) Close() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	db.refCount--
	if db.refCount > 0 {
		return nil
	}

	if db.compactStop != nil {
		close(db.compactStop)
	}
	if !db.opts.InMemory {
		delete(registry, db.path)
	}

	var firstErr error
	if err := db.wmu.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.shared.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return newError(IOError, "Database.Close", firstErr)
	}
	return nil
}

// BeginRead opens a read-only snapshot transaction pinned at the
// current committed version (spec.md §6 `begin_read`). Register
// happens before the root is read, so a commit racing this call can
// never compute an oldestLiveReader that fails to account for it
// (spec.md §4.9's reader-registration protocol). While the reader ring
// is full, it waits and retries with a backoff of up to 100ms.
func (db *Database) BeginRead() (*ReadTransaction, error) {
	reader, err := lockfile.Register(db.shared)
	for backoff := time.Millisecond; errors.Is(err, lockfile.ErrRingFull); {
		time.Sleep(backoff)
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
		reader, err = lockfile.Register(db.shared)
	}
	if err != nil {
		return nil, newError(Locked, "Database.BeginRead", err)
	}

	rootRef, err := db.pipeline.CurrentRoot()
	if err != nil {
		reader.Release()
		return nil, newError(IOError, "Database.BeginRead", err)
	}

	ctx := &txnContext{alloc: db.alloc, oldestLiveReader: reader.Version(), writable: false}
	group, err := loadGroup(ctx, rootRef)
	if err != nil {
		reader.Release()
		return nil, err
	}

	return &ReadTransaction{db: db, reader: reader, ctx: ctx, group: group, rootRef: rootRef}, nil
}

// BeginWrite opens the single, exclusive write transaction this
// Database admits at a time (spec.md §6 `begin_write`, §4.9's write
// mutex). Both the in-process writeMu and the cross-process wmu are
// acquired up front and held for the whole transaction; a successful
// Commit releases wmu itself (internal/commit.Pipeline.Commit's own
// deferred Unlock, run whether Commit succeeds or fails), so only
// Rollback needs to release it explicitly.
func (db *Database) BeginWrite() (*WriteTransaction, error) {
	if db.opts.ReadOnly {
		return nil, newError(WrongTransactState, "Database.BeginWrite", fmt.Errorf("database opened read-only"))
	}

	db.writeMu.Lock()
	if err := db.wmu.Lock(); err != nil {
		db.writeMu.Unlock()
		return nil, newError(IOError, "Database.BeginWrite", err)
	}

	rootRef, err := db.pipeline.CurrentRoot()
	if err != nil {
		db.wmu.Unlock()
		db.writeMu.Unlock()
		return nil, newError(IOError, "Database.BeginWrite", err)
	}

	ctx := &txnContext{alloc: db.alloc, oldestLiveReader: lockfile.OldestLiveReader(db.shared), writable: true}
	group, err := loadGroup(ctx, rootRef)
	if err != nil {
		db.wmu.Unlock()
		db.writeMu.Unlock()
		return nil, err
	}

	if err := db.pipeline.BeginWrite(group.freePositions, group.freeSizes, group.freeVersions); err != nil {
		db.wmu.Unlock()
		db.writeMu.Unlock()
		return nil, newError(IOError, "Database.BeginWrite", err)
	}

	return &WriteTransaction{db: db, ctx: ctx, group: group, state: txOpen}, nil
}

// WaitForCommit blocks until any process publishes a commit, or until
// timeout elapses (0 = wait indefinitely). Returns true if a commit
// was observed. Pair with ReadTransaction.Advance to follow another
// process's writes (spec.md §4.9's commit_available condvar).
func (db *Database) WaitForCommit(timeout time.Duration) bool {
	return lockfile.CommitAvailable(db.shared).Wait(timeout)
}

// Compact forces the free-space ledger to re-coalesce ranges vacated
// by readers that have since closed (spec.md's supplemented compaction
// feature, SPEC_FULL.md §5, grounded on mari's Compact.go/
// CompactUtils.go background pass). internal/storage/freelist.go's
// MergePending/coalesce already do this work on every commit; Compact
// exists to force one even when the caller has no writes of its own
// pending, so a long-idle database doesn't carry stale fragmentation
// indefinitely between writes. A full byte-level rewrite into a tight
// temp file (mari's actual Compact.go strategy) would need a
// cross-allocator node walker internal/cluster does not expose; see
// DESIGN.md for why that is out of scope here.
func (db *Database) Compact() error {
	wt, err := db.BeginWrite()
	if err != nil {
		return err
	}
	if _, err := wt.Commit(); err != nil {
		return newError(IOError, "Database.Compact", err)
	}
	return nil
}

func (db *Database) compactLoop() {
	lg := ilog.Component("database")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-db.compactStop:
			return
		case <-ticker.C:
			if db.shared.CurrentVersion() < db.opts.CompactAtVersion {
				continue
			}
			if err := db.Compact(); err != nil {
				lg.Error().Err(err).Msg("background compaction failed")
			}
		}
	}
}
