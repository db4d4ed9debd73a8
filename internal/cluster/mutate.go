package cluster

import (
	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/storage"
)

// CellUpdate computes a cell's replacement value from its current one.
// Returning the value unchanged makes the whole update a no-op.
type CellUpdate func(old int64) (int64, error)

// GetValue reads column colIdx of key's row.
func (t *Tree) GetValue(key ObjKey, colIdx int) (int64, error) {
	leaf, pos, err := t.TryGetObject(key)
	if err != nil {
		return 0, err
	}
	return leaf.Columns[colIdx].Get(pos)
}

// UpdateCell applies f to column colIdx of key's row, performing the
// copy-on-write propagation spec.md §3 requires: a leaf whose column
// array has to move (CoW clone out of a committed node, or a widening
// rebuild) gets a fresh bundle, and every inner node on the path back
// to the root is rebuilt to pick up the moved child ref.
func (t *Tree) UpdateCell(key ObjKey, colIdx int, oldestLiveReader uint64, f CellUpdate) error {
	newRoot, found, err := updateCellAt(t.alloc, t.root, key, colIdx, oldestLiveReader, f)
	if err != nil {
		return err
	}
	if !found {
		return ErrKeyNotFound
	}
	t.root = newRoot
	return nil
}

func updateCellAt(alloc *storage.Allocator, ref storage.Ref, key ObjKey, colIdx int, oldestLiveReader uint64, f CellUpdate) (storage.Ref, bool, error) {
	a, inner, err := nodeIsInner(alloc, ref)
	if err != nil {
		return storage.NullRef, false, err
	}

	if !inner {
		leaf, err := leafFromBundle(alloc, a)
		if err != nil {
			return storage.NullRef, false, err
		}
		pos, found, err := leaf.Find(key)
		if err != nil || !found {
			return ref, false, err
		}

		col := leaf.Columns[colIdx]
		old, err := col.Get(pos)
		if err != nil {
			return storage.NullRef, false, err
		}
		next, err := f(old)
		if err != nil {
			return storage.NullRef, false, err
		}
		if next == old {
			return ref, true, nil
		}

		updated, err := col.Update(pos, next, oldestLiveReader)
		if err != nil {
			return storage.NullRef, false, err
		}
		if updated.Ref == col.Ref {
			return ref, true, nil
		}

		bundle, err := array.EnsureWritable(leaf.bundle, nil, oldestLiveReader)
		if err != nil {
			return storage.NullRef, false, err
		}
		if err := bundle.SetRefAt(1+colIdx, updated.Ref); err != nil {
			return storage.NullRef, false, err
		}
		if bundle.Ref != leaf.bundle.Ref {
			alloc.Free(leaf.bundle.Ref, int64(leaf.bundle.Header.CapacityB))
		}
		return bundle.Ref, true, nil
	}

	in, err := array.AsInnerNode(a)
	if err != nil {
		return storage.NullRef, false, err
	}
	idx, err := locateByKey(alloc, in, key)
	if err != nil {
		return storage.NullRef, false, err
	}
	childRef, err := in.ChildRef(idx)
	if err != nil {
		return storage.NullRef, false, err
	}

	newChildRef, found, err := updateCellAt(alloc, childRef, key, colIdx, oldestLiveReader, f)
	if err != nil || !found {
		return ref, found, err
	}
	if newChildRef == childRef {
		return ref, true, nil
	}

	node, err := array.EnsureWritable(a, nil, oldestLiveReader)
	if err != nil {
		return storage.NullRef, false, err
	}
	if err := node.Set(idx*2, int64(newChildRef)); err != nil {
		return storage.NullRef, false, err
	}
	if node.Ref != a.Ref {
		alloc.Free(a.Ref, int64(a.Header.CapacityB))
	}
	return node.Ref, true, nil
}
