// Package intern implements the string interner spec.md §4.7
// describes: a bidirectional StringID<->string map, append-only on
// commit, with a per-transaction overlay for strings interned but not
// yet durable. A refcount per StringID (supplemented from
// original_source/'s string-compaction discussion, see SPEC_FULL.md
// §4.7) records how many references each interned string has; no pass
// removes strings whose count is zero.
//
// Grounded on mari's node-pool bookkeeping (Pool.go) for the
// overlay-before-commit shape: new entries live in memory until a
// commit flushes them into the persistent array, mirroring how mari
// holds newly allocated nodes in its in-memory pool before a
// successful write promotes them.
package intern

import (
	"errors"

	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/storage"
	"github.com/stratadb/strata/internal/variant"
)

// ErrRefcountNotPersisted is returned by Retain/Release against a
// StringID assigned in the overlay but not yet flushed by a commit.
var ErrRefcountNotPersisted = errors.New("intern: id not yet flushed to the persistent refcount array")

// StringID is the 32-bit dense handle spec.md §4.7 specifies.
type StringID uint32

// Interner owns the persistent StringID<->string table for one Group,
// plus the in-memory overlay of strings interned during the current
// write transaction.
type Interner struct {
	alloc *storage.Allocator

	strings  *variant.StringColumn // index i <-> StringID(i), persisted
	refcount *array.Array          // parallel int64 refcount, same indexing

	byValue map[string]StringID // reverse index over persisted entries

	overlay     map[string]StringID // strings interned this transaction, not yet persisted
	overlayVals []string            // in StringID-assignment order, for Flush
}

// New creates an empty interner.
func New(alloc *storage.Allocator, oldestLiveReader uint64) (*Interner, error) {
	strs, err := variant.CreateStringColumn(alloc, 0, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	refs, err := array.Create(alloc, array.Normal, 0, 0, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	return &Interner{
		alloc:    alloc,
		strings:  strs,
		refcount: refs,
		byValue:  make(map[string]StringID),
		overlay:  make(map[string]StringID),
	}, nil
}

// Load wraps an interner over its persisted string-table and refcount
// refs, rebuilding the reverse index by scanning every persisted
// entry once (spec.md gives no secondary on-disk reverse index, so
// this scan-on-open cost is the price of keeping the format simple).
func Load(alloc *storage.Allocator, tier variant.Tier, short, lengths, offsets, blobNode, stringRefs, refcountRef storage.Ref) (*Interner, error) {
	strs, err := variant.LoadStringColumn(alloc, tier, short, lengths, offsets, blobNode, stringRefs)
	if err != nil {
		return nil, err
	}
	refs, err := array.Load(alloc, refcountRef)
	if err != nil {
		return nil, err
	}
	in := &Interner{
		alloc:    alloc,
		strings:  strs,
		refcount: refs,
		byValue:  make(map[string]StringID),
		overlay:  make(map[string]StringID),
	}
	for i := 0; i < strs.Len(); i++ {
		v, ok, err := strs.Get(i)
		if err != nil {
			return nil, err
		}
		if ok {
			in.byValue[v] = StringID(i)
		}
	}
	return in, nil
}

// Refs returns the persisted node refs, for the owning Group to store
// in its schema/metadata slots.
func (in *Interner) Refs() (tier variant.Tier, short, lengths, offsets, blobNode, stringRefs, refcountRef storage.Ref) {
	short, lengths, offsets, blobNode, stringRefs = in.strings.Refs()
	return in.strings.Tier(), short, lengths, offsets, blobNode, stringRefs, in.refcount.Ref
}

// Intern returns s's StringID, assigning a fresh one (out of the
// overlay, not yet persisted) if s has never been interned. Lookups
// before commit consult the overlay first (spec.md §4.7).
func (in *Interner) Intern(s string) StringID {
	if id, ok := in.byValue[s]; ok {
		return id
	}
	if id, ok := in.overlay[s]; ok {
		return id
	}
	id := StringID(in.strings.Len() + len(in.overlayVals))
	in.overlay[s] = id
	in.overlayVals = append(in.overlayVals, s)
	return id
}

// Lookup resolves id to its string, checking the overlay for IDs
// assigned this transaction before falling back to the persisted
// table.
func (in *Interner) Lookup(id StringID) (string, bool, error) {
	n := in.strings.Len()
	if int(id) >= n {
		idx := int(id) - n
		if idx < 0 || idx >= len(in.overlayVals) {
			return "", false, nil
		}
		return in.overlayVals[idx], true, nil
	}
	return in.strings.Get(int(id))
}

// Retain increments id's refcount. An id assigned only in the overlay
// has no refcount row until Flush, so Retain returns
// ErrRefcountNotPersisted for it and does not grow the array.
func (in *Interner) Retain(id StringID, oldestLiveReader uint64) error {
	return in.bumpRefcount(id, 1, oldestLiveReader)
}

// Release decrements id's refcount, stopping at zero. A zero count is
// only recorded: the string stays in the table, and Database.Compact
// does not rewrite the table to drop it.
func (in *Interner) Release(id StringID, oldestLiveReader uint64) error {
	return in.bumpRefcount(id, -1, oldestLiveReader)
}

func (in *Interner) bumpRefcount(id StringID, delta int64, oldestLiveReader uint64) error {
	if int(id) >= in.refcount.Len() {
		return ErrRefcountNotPersisted
	}
	cur, err := in.refcount.Get(int(id))
	if err != nil {
		return err
	}
	next := cur + delta
	if next < 0 {
		next = 0
	}
	updated, err := in.refcount.Update(int(id), next, oldestLiveReader)
	if err != nil {
		return err
	}
	in.refcount = updated
	return nil
}

// Refcount reports id's current reference count (0 once every
// referencing row has been removed).
func (in *Interner) Refcount(id StringID) (int64, error) {
	if int(id) >= in.refcount.Len() {
		return 0, nil
	}
	return in.refcount.Get(int(id))
}

// Flush appends every overlay string to the persistent table and its
// refcount array at 0, clearing the overlay. Called once per commit,
// after every write in the transaction that might intern a new string
// has run: Table.persistRoot calls it inside the root-building callback
// that internal/commit.Pipeline.Commit runs before promoting dirty nodes.
func (in *Interner) Flush(oldestLiveReader uint64) error {
	for _, v := range in.overlayVals {
		if err := in.appendString(v, oldestLiveReader); err != nil {
			return err
		}
		if err := in.appendRefcount(oldestLiveReader); err != nil {
			return err
		}
		in.byValue[v] = StringID(in.strings.Len() - 1)
	}
	in.overlay = make(map[string]StringID)
	in.overlayVals = nil
	return nil
}

func (in *Interner) appendString(v string, oldestLiveReader uint64) error {
	if err := in.strings.Grow(oldestLiveReader); err != nil {
		return err
	}
	return in.strings.Set(in.strings.Len()-1, v, oldestLiveReader)
}

func (in *Interner) appendRefcount(oldestLiveReader uint64) error {
	next, err := in.refcount.Insert(in.refcount.Len(), 0, oldestLiveReader)
	if err != nil {
		return err
	}
	in.alloc.Free(in.refcount.Ref, int64(in.refcount.Header.CapacityB))
	in.refcount = next
	return nil
}

// Len reports how many StringIDs have been persisted so far (not
// counting any still held only in the overlay).
func (in *Interner) Len() int { return in.strings.Len() }
