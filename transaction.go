package strata

import (
	"fmt"

	"github.com/stratadb/strata/internal/lockfile"
	"github.com/stratadb/strata/internal/storage"
)

// txnContext is the small bundle of per-transaction state every Table/
// Object operation needs: which allocator to read/write through, the
// oldest version any live reader might still be pinned at (spec.md
// §4.2's reuse gate), and whether mutation is allowed at all. Both
// ReadTransaction and WriteTransaction build one; Table and Object
// never distinguish the two beyond consulting ctx.writable.
type txnContext struct {
	alloc            *storage.Allocator
	oldestLiveReader uint64
	writable         bool
}

// ReadTransaction is a snapshot view of the database at the version it
// was opened (or last Advance'd) against (spec.md §6 `begin_read`).
// Its Group and every Table/Object reached through it are valid only
// until Close.
type ReadTransaction struct {
	db      *Database
	reader  *lockfile.ReaderHandle
	ctx     *txnContext
	group   *Group
	rootRef storage.Ref
	closed  bool
}

// Version reports the snapshot version this transaction is pinned at.
func (rt *ReadTransaction) Version() uint64 { return rt.ctx.oldestLiveReader }

// Table resolves a table by name within this snapshot.
func (rt *ReadTransaction) Table(name string) (*Table, error) {
	if rt.closed {
		return nil, newError(WrongTransactState, "ReadTransaction.Table", fmt.Errorf("transaction is closed"))
	}
	return rt.group.GetTable(name)
}

// Tables lists every table name visible in this snapshot.
func (rt *ReadTransaction) Tables() []string {
	return rt.group.Tables()
}

// Advance re-targets this read transaction to the latest committed
// version without remapping the underlying file (spec.md §4.10
// "Advance-read": the file only ever grows, so every ref this
// transaction already resolved stays valid; only the root and the
// reader's pinned version move forward).
func (rt *ReadTransaction) Advance() error {
	if rt.closed {
		return newError(WrongTransactState, "ReadTransaction.Advance", fmt.Errorf("transaction is closed"))
	}
	if err := rt.reader.Advance(); err != nil {
		return newError(IOError, "ReadTransaction.Advance", err)
	}
	rootRef, err := rt.db.pipeline.CurrentRoot()
	if err != nil {
		return newError(IOError, "ReadTransaction.Advance", err)
	}
	ctx := &txnContext{alloc: rt.db.alloc, oldestLiveReader: rt.reader.Version(), writable: false}
	group, err := loadGroup(ctx, rootRef)
	if err != nil {
		return err
	}
	rt.ctx, rt.group, rt.rootRef = ctx, group, rootRef
	return nil
}

// Close releases this transaction's pinned reader slot, unblocking
// reclaim of any free-space range tagged at or before its version
// (spec.md §4.9 "Release").
func (rt *ReadTransaction) Close() error {
	if rt.closed {
		return nil
	}
	rt.reader.Release()
	rt.closed = true
	return nil
}

// txnState is a WriteTransaction's position in the state machine
// spec.md §4.10 sketches: Writing -> (Committed|Rolled_Back).
type txnState int

const (
	txOpen txnState = iota
	txCommitted
	txRolledBack
)

func (s txnState) String() string {
	switch s {
	case txOpen:
		return "open"
	case txCommitted:
		return "committed"
	case txRolledBack:
		return "rolled back"
	default:
		return "unknown"
	}
}

// WriteTransaction is the single, exclusive (process-wide and
// cross-process) writer a Database admits at a time (spec.md §6
// `begin_write`, §4.9's write-mutex). Every mutation against its
// Group/Table/Object views stages CoW writes into the allocator's slab
// region; none of it is visible to any reader until Commit.
type WriteTransaction struct {
	db    *Database
	ctx   *txnContext
	group *Group
	state txnState
}

// Table resolves a table by name for read or write within this
// transaction.
func (wt *WriteTransaction) Table(name string) (*Table, error) {
	if wt.state != txOpen {
		return nil, newError(WrongTransactState, "WriteTransaction.Table", fmt.Errorf("transaction is %s", wt.state))
	}
	return wt.group.GetTable(name)
}

// Tables lists every table name visible in this transaction.
func (wt *WriteTransaction) Tables() []string {
	return wt.group.Tables()
}

// AddTable creates a new top-level table (spec.md §6 `Group::add_table`).
func (wt *WriteTransaction) AddTable(name string) (*Table, error) {
	if wt.state != txOpen {
		return nil, newError(WrongTransactState, "WriteTransaction.AddTable", fmt.Errorf("transaction is %s", wt.state))
	}
	return wt.group.AddTable(name, TopLevel, NoColumn)
}

// GetOrAddTable resolves a table by name, creating it when absent
// (spec.md §4.8 `get_or_add_table`).
func (wt *WriteTransaction) GetOrAddTable(name string) (*Table, error) {
	if wt.state != txOpen {
		return nil, newError(WrongTransactState, "WriteTransaction.GetOrAddTable", fmt.Errorf("transaction is %s", wt.state))
	}
	return wt.group.GetOrAddTable(name)
}

// RenameTable changes a table's name; its TableKey stays valid
// (spec.md §4.8 `rename_table`).
func (wt *WriteTransaction) RenameTable(oldName, newName string) error {
	if wt.state != txOpen {
		return newError(WrongTransactState, "WriteTransaction.RenameTable", fmt.Errorf("transaction is %s", wt.state))
	}
	return wt.group.RenameTable(oldName, newName)
}

// RemoveTable drops a table entirely (spec.md §6 `Group::remove_table`).
func (wt *WriteTransaction) RemoveTable(name string) error {
	if wt.state != txOpen {
		return newError(WrongTransactState, "WriteTransaction.RemoveTable", fmt.Errorf("transaction is %s", wt.state))
	}
	return wt.group.RemoveTable(name)
}

// Commit runs the 8-step commit pipeline (internal/commit.Pipeline)
// and returns the version it published. The in-process write lock is
// always released on return; the cross-process write mutex is always
// released by Pipeline.Commit itself, win or lose (its own deferred
// Unlock runs regardless of error), so Commit never needs to release
// it directly.
func (wt *WriteTransaction) Commit() (uint64, error) {
	if wt.state != txOpen {
		return 0, newError(WrongTransactState, "WriteTransaction.Commit", fmt.Errorf("transaction is %s", wt.state))
	}
	defer wt.db.writeMu.Unlock()

	err := wt.db.pipeline.Commit(func(positions, sizes []int64, versions []uint64) (storage.Ref, error) {
		return wt.group.persist(positions, sizes, versions)
	})
	if err != nil {
		wt.db.alloc.Detach()
		wt.state = txRolledBack
		return 0, newError(IOError, "WriteTransaction.Commit", err)
	}
	wt.state = txCommitted
	return wt.db.shared.CurrentVersion(), nil
}

// Rollback abandons every write this transaction staged. Since nothing
// was promoted out of slab space, discarding the allocator's slab
// extents and releasing both write locks is the entire cost (spec.md
// §6 `rollback`).
func (wt *WriteTransaction) Rollback() error {
	if wt.state != txOpen {
		return newError(WrongTransactState, "WriteTransaction.Rollback", fmt.Errorf("transaction is %s", wt.state))
	}
	wt.db.alloc.Detach()
	werr := wt.db.wmu.Unlock()
	wt.db.writeMu.Unlock()
	wt.state = txRolledBack
	if werr != nil {
		return newError(IOError, "WriteTransaction.Rollback", werr)
	}
	return nil
}
