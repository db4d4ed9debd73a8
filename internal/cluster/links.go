package cluster

import (
	"fmt"

	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/storage"
)

// LinkStrength governs what happens to the target row when the
// source row (or the link itself) is removed (spec.md §4.6).
type LinkStrength int

const (
	// Weak links are cleared to NullKey on removal; the target row
	// survives.
	Weak LinkStrength = iota
	// Strong links cascade-delete the target when the source is
	// removed, and forbid removing the target directly while any
	// strong forward link still points at it.
	Strong
)

// CollectionKind distinguishes a scalar link column from the
// set/dictionary collection-kind backlinks realm-core's
// column_link_base.cpp and dictionary_cluster_tree.hpp describe —
// spec.md §4.6 names only the scalar case; this is the supplemented
// detail original_source/ adds (see SPEC_FULL.md §4.6).
type CollectionKind int

const (
	Scalar CollectionKind = iota
	Set
	Dictionary
)

// LinkColumn pairs a forward-link column in one table with the
// backlink column it must stay symmetric with in the target table
// (spec.md §7 invariant 7: "for every forward link (A, col_f) -> B, a
// backlink B.backlink_col_for(A.col_f) contains A, and vice versa").
type LinkColumn struct {
	Tree        *Tree // owning table's tree (forward side)
	ColumnIndex int
	Strength    LinkStrength
	Kind        CollectionKind

	TargetTree     *Tree // target table's tree (backlink side)
	BacklinkColumn int
}

// Target reads the forward-link column for source's row: NullKey for
// an unset link, otherwise the target row's ObjKey (a 63-bit ObjKey
// fits the same int64 slot every other column value uses).
func (lc *LinkColumn) Target(source ObjKey) (ObjKey, error) {
	v, err := lc.Tree.GetValue(source, lc.ColumnIndex)
	if err != nil {
		return NullKey, err
	}
	return ObjKey(v), nil
}

// SetLink records a forward link from source to target, keeping the
// matching backlink entry in the target's backlink column symmetric.
// Re-pointing an existing link first withdraws the old target's
// backlink entry.
func (lc *LinkColumn) SetLink(source, target ObjKey, oldestLiveReader uint64) error {
	if lc.TargetTree == nil {
		return fmt.Errorf("cluster: link column has no target tree")
	}
	if _, _, err := lc.TargetTree.TryGetObject(target); err != nil {
		return err
	}

	old, err := lc.Target(source)
	if err != nil {
		return err
	}
	if old == target {
		return nil
	}
	if old != NullKey {
		if err := RemoveBacklinkEntry(lc.TargetTree, old, lc.BacklinkColumn, source, oldestLiveReader); err != nil {
			return err
		}
	}

	err = lc.Tree.UpdateCell(source, lc.ColumnIndex, oldestLiveReader, func(int64) (int64, error) {
		return int64(target), nil
	})
	if err != nil {
		return err
	}
	return addBacklinkEntry(lc.TargetTree, target, lc.BacklinkColumn, source, oldestLiveReader)
}

// ClearLink withdraws source's forward link and its matching backlink
// entry, leaving the target row itself untouched.
func (lc *LinkColumn) ClearLink(source ObjKey, oldestLiveReader uint64) error {
	old, err := lc.Target(source)
	if err != nil {
		return err
	}
	if old == NullKey {
		return nil
	}

	err = lc.Tree.UpdateCell(source, lc.ColumnIndex, oldestLiveReader, func(int64) (int64, error) {
		return int64(NullKey), nil
	})
	if err != nil {
		return err
	}
	if lc.TargetTree == nil {
		return nil
	}
	err = RemoveBacklinkEntry(lc.TargetTree, old, lc.BacklinkColumn, source, oldestLiveReader)
	if err == ErrKeyNotFound {
		return nil // target row already gone
	}
	return err
}

// DetachForRemoval runs the forward half of the removal discipline for
// a source row about to be deleted: it withdraws the backlink entry
// its link holds in the target table, and reports whether the caller
// must cascade-delete the target (spec.md §4.6: weak links clear,
// strong links cascade).
func (lc *LinkColumn) DetachForRemoval(source ObjKey, oldestLiveReader uint64) (target ObjKey, cascade bool, err error) {
	target, err = lc.Target(source)
	if err != nil {
		return NullKey, false, err
	}
	if target == NullKey || lc.TargetTree == nil {
		return NullKey, false, nil
	}
	err = RemoveBacklinkEntry(lc.TargetTree, target, lc.BacklinkColumn, source, oldestLiveReader)
	if err == ErrKeyNotFound {
		return NullKey, false, nil
	}
	if err != nil {
		return NullKey, false, err
	}
	return target, lc.Strength == Strong, nil
}

// Backlink columns are stored as a HasRefs column whose element is a
// ref to a small owned array of source ObjKeys, so a single target
// row can carry an arbitrary number of backlinks (the realm-core
// "set" collection-kind shape spec.md §4.6 implies by requiring
// counts to agree for a many-to-one forward/backlink pair).

// BacklinkSources lists every source ObjKey recorded in tree's
// backlink column colIdx for key's row.
func BacklinkSources(tree *Tree, key ObjKey, colIdx int) ([]ObjKey, error) {
	raw, err := tree.GetValue(key, colIdx)
	if err != nil {
		return nil, err
	}
	ref := storage.Ref(raw)
	if ref == storage.NullRef {
		return nil, nil
	}
	set, err := array.Load(tree.alloc, ref)
	if err != nil {
		return nil, err
	}
	out := make([]ObjKey, set.Len())
	for i := range out {
		v, err := set.Get(i)
		if err != nil {
			return nil, err
		}
		out[i] = ObjKey(v)
	}
	return out, nil
}

// BacklinkCount reports how many sources link at key through the
// backlink column colIdx.
func BacklinkCount(tree *Tree, key ObjKey, colIdx int) (int, error) {
	sources, err := BacklinkSources(tree, key, colIdx)
	return len(sources), err
}

func addBacklinkEntry(tree *Tree, target ObjKey, colIdx int, source ObjKey, oldestLiveReader uint64) error {
	return tree.UpdateCell(target, colIdx, oldestLiveReader, func(old int64) (int64, error) {
		var set *array.Array
		var err error
		if storage.Ref(old) == storage.NullRef {
			set, err = array.Create(tree.alloc, array.Normal, 0, 0, oldestLiveReader)
		} else {
			set, err = array.Load(tree.alloc, storage.Ref(old))
		}
		if err != nil {
			return 0, err
		}
		next, err := set.Insert(set.Len(), int64(source), oldestLiveReader)
		if err != nil {
			return 0, err
		}
		if storage.Ref(old) != storage.NullRef {
			tree.alloc.Free(storage.Ref(old), int64(set.Header.CapacityB))
		}
		return int64(next.Ref), nil
	})
}

// RemoveBacklinkEntry withdraws source from target's backlink set in
// colIdx. A missing entry is not an error; link symmetry repair is
// idempotent.
func RemoveBacklinkEntry(tree *Tree, target ObjKey, colIdx int, source ObjKey, oldestLiveReader uint64) error {
	return tree.UpdateCell(target, colIdx, oldestLiveReader, func(old int64) (int64, error) {
		ref := storage.Ref(old)
		if ref == storage.NullRef {
			return old, nil
		}
		set, err := array.Load(tree.alloc, ref)
		if err != nil {
			return 0, err
		}
		idx := -1
		for i := 0; i < set.Len(); i++ {
			v, err := set.Get(i)
			if err != nil {
				return 0, err
			}
			if ObjKey(v) == source {
				idx = i
				break
			}
		}
		if idx < 0 {
			return old, nil
		}
		if set.Len() == 1 {
			tree.alloc.Free(ref, int64(set.Header.CapacityB))
			return int64(storage.NullRef), nil
		}
		next, err := set.Erase(idx, oldestLiveReader)
		if err != nil {
			return 0, err
		}
		tree.alloc.Free(ref, int64(set.Header.CapacityB))
		return int64(next.Ref), nil
	})
}
