// Package commit implements the two-region alternating-top-ref commit
// sequence spec.md §4.10/§6 describes, generalized from mari's
// single-rolling-metadata UpdateTx (Transaction.go's
// exclusiveWriteMmap, Serialize.go's serializeRecursive) to two
// alternating top-ref slots guarded by a cross-process write mutex
// instead of mari's in-process optimistic-retry loop: mari has no
// interprocess writer lock, so that half of the protocol is
// supplemented from internal/lockfile's flock-based WriteMutex, since
// spec.md requires exactly one writer across processes rather than
// mari's exactly-one-writer-per-process.
package commit

import (
	"fmt"

	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/ilog"
	"github.com/stratadb/strata/internal/lockfile"
	"github.com/stratadb/strata/internal/storage"
)

// Pipeline drives one write transaction's commit across the file
// mapper, slab allocator and the interprocess lockfile sidecar. A
// Database owns exactly one Pipeline per open file.
type Pipeline struct {
	file   *storage.File
	alloc  *storage.Allocator
	shared *lockfile.SharedInfo
	wmu    *lockfile.WriteMutex
}

// New wires a Pipeline over an already-open file, allocator and
// lockfile sidecar (spec.md §4.1/§4.2/§4.9's respective Open paths).
func New(file *storage.File, alloc *storage.Allocator, shared *lockfile.SharedInfo, wmu *lockfile.WriteMutex) *Pipeline {
	return &Pipeline{file: file, alloc: alloc, shared: shared, wmu: wmu}
}

// AttachFreeList is called mid-commit with the free-space ledger as
// of this transaction's fold (spec.md §3's three parallel arrays:
// positions, sizes, versions), and must return the ref of the final
// root to persist — typically the Group root rebuilt one more time so
// its own free-space columns describe exactly this ledger. Called
// before the root is walked for promotion, so the persisted root and
// the ledger describing its free space never disagree with each
// other.
type AttachFreeList func(positions, sizes []int64, versions []uint64) (storage.Ref, error)

// Commit runs spec.md §4.10's 8-step sequence:
//
//  1. allocate in slabs        — already done by the transaction's own writes
//  2. serialize dirty nodes    — array.Promote walks the final root into file space
//  3. update free-space arrays — MergePending folds this transaction's frees first,
//     so attachFreeList sees the post-fold ledger
//  4. write inactive slot
//  5. durability barrier 1
//  6. flip selector
//  7. durability barrier 2
//  8. increment version, notify waiters
//
// Acquires the cross-process write mutex for the duration (spec.md
// §4.9: "only one writer at a time, process-wide and cross-process").
func (p *Pipeline) Commit(attachFreeList AttachFreeList) error {
	lg := ilog.Component("commit")

	if err := p.wmu.Lock(); err != nil {
		return fmt.Errorf("commit: acquire write mutex: %w", err)
	}
	defer func() {
		if err := p.wmu.Unlock(); err != nil {
			lg.Error().Err(err).Msg("failed to release write mutex")
		}
		lockfile.WorkAvailable(p.shared).Broadcast()
	}()

	oldestLiveReader := lockfile.OldestLiveReader(p.shared)

	// Pull reusable ranges out before the fold, so the arrays the group
	// persists never list a range this commit's serialization then
	// writes into. Whatever stays unconsumed is re-queued afterwards.
	p.alloc.ReserveEligible(oldestLiveReader)
	positions, sizes, versions := p.alloc.MergePending(oldestLiveReader)

	rootRef, err := attachFreeList(positions, sizes, versions)
	if err != nil {
		return fmt.Errorf("commit: attach free list: %w", err)
	}

	baseline := storage.Ref(p.alloc.Baseline())
	promoted, err := array.Promote(p.alloc, rootRef, baseline, oldestLiveReader)
	if err != nil {
		return fmt.Errorf("commit: serialize dirty nodes: %w", err)
	}
	p.alloc.ReleaseReserve()

	selector, err := p.file.Selector()
	if err != nil {
		return fmt.Errorf("commit: read selector: %w", err)
	}
	inactive := 1 - int(selector)

	if err := p.file.SetTopRef(inactive, promoted); err != nil {
		return fmt.Errorf("commit: write inactive slot: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("commit: durability barrier 1: %w", err)
	}

	if err := p.file.SetSelector(byte(inactive)); err != nil {
		return fmt.Errorf("commit: flip selector: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("commit: durability barrier 2: %w", err)
	}

	nextVersion := p.shared.CurrentVersion() + 1
	p.shared.SetCurrentVersion(nextVersion)
	p.alloc.SetWriterVersion(nextVersion)
	p.alloc.Detach()
	lockfile.CommitAvailable(p.shared).Broadcast()

	lg.Debug().Uint64("version", nextVersion).Msg("committed")
	return nil
}

// CurrentRoot reads the active top-ref slot, the starting point for a
// fresh read or write transaction (spec.md §4.10 "begin_read"/
// "begin_write").
func (p *Pipeline) CurrentRoot() (storage.Ref, error) {
	selector, err := p.file.Selector()
	if err != nil {
		return storage.NullRef, err
	}
	return p.file.TopRef(int(selector))
}

// BeginWrite stamps the allocator with the version the next write
// transaction's frees will be tagged with (one past the latest
// committed version, matching mari's currRoot.Version+1 in
// Transaction.go's UpdateTx) and binds it to the current free-space
// ledger.
func (p *Pipeline) BeginWrite(positions, sizes []int64, versions []uint64) error {
	if err := p.alloc.Attach(int64(p.alloc.Baseline()), positions, sizes, versions); err != nil {
		return err
	}
	p.alloc.SetWriterVersion(p.shared.CurrentVersion() + 1)
	return nil
}
