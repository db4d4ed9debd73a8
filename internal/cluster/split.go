package cluster

import (
	"errors"
	"fmt"

	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/bitpack"
	"github.com/stratadb/strata/internal/storage"
)

// ErrConstraintViolation is surfaced as spec.md §7's
// `constraint_violation` kind (duplicate key, strong-link removal).
var ErrConstraintViolation = errors.New("cluster: constraint violation")

// isInnerFlag reports whether a already-loaded array carries the
// inner_bptree flag.
func isInnerFlag(a *array.Array) bool {
	return a.Header.Flags&bitpack.InnerBPTree != 0
}

// leafFromBundle decodes a Leaf from an already-loaded bundle array,
// avoiding a second Translate of bytes nodeIsInner already read.
func leafFromBundle(alloc *storage.Allocator, bundle *array.Array) (*Leaf, error) {
	keyRef, err := bundle.GetRefAt(0)
	if err != nil {
		return nil, err
	}
	keys, err := array.Load(alloc, keyRef)
	if err != nil {
		return nil, err
	}
	numColumns := bundle.Len() - 1
	cols := make([]*array.Array, numColumns)
	for i := 0; i < numColumns; i++ {
		colRef, err := bundle.GetRefAt(1 + i)
		if err != nil {
			return nil, err
		}
		cols[i], err = array.Load(alloc, colRef)
		if err != nil {
			return nil, err
		}
	}
	return &Leaf{Ref: bundle.Ref, bundle: bundle, Keys: keys, Columns: cols, alloc: alloc}, nil
}

// buildArrayFromValues allocates a fresh array pre-sized to the
// widest value present, avoiding the "widening required" failure a
// naive width-0 Create would hit on the first wide Set (the same
// concern array.BuildInnerNode's own fix addresses).
func buildArrayFromValues(alloc *storage.Allocator, values []int64, kind array.Kind, oldestLiveReader uint64) (*array.Array, error) {
	var maxWidth uint8
	for _, v := range values {
		if w := bitpack.WidthFor(v); w > maxWidth {
			maxWidth = w
		}
	}
	a, err := array.CreateAtWidth(alloc, kind, len(values), maxWidth, 0, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if err := a.Set(i, v); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// readLeafRows decodes every key and column value of leaf into plain
// slices, used by split/merge to rebuild leaves from scratch.
func readLeafRows(leaf *Leaf) (keys []int64, cols [][]int64, kinds []array.Kind, err error) {
	n := leaf.Size()
	keys = make([]int64, n)
	for i := range keys {
		keys[i], err = leaf.Keys.Get(i)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	cols = make([][]int64, len(leaf.Columns))
	kinds = make([]array.Kind, len(leaf.Columns))
	for j, c := range leaf.Columns {
		if c.IsRefArray() {
			kinds[j] = array.HasRefs
		} else {
			kinds[j] = array.Normal
		}
		cols[j] = make([]int64, n)
		for i := 0; i < n; i++ {
			cols[j][i], err = c.Get(i)
			if err != nil {
				return nil, nil, nil, err
			}
		}
	}
	return keys, cols, kinds, nil
}

func buildLeafFromRows(alloc *storage.Allocator, keys []int64, cols [][]int64, kinds []array.Kind, oldestLiveReader uint64) (*Leaf, error) {
	keysArr, err := buildArrayFromValues(alloc, keys, array.Normal, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	colArrs := make([]*array.Array, len(cols))
	for j, vals := range cols {
		colArrs[j], err = buildArrayFromValues(alloc, vals, kinds[j], oldestLiveReader)
		if err != nil {
			return nil, err
		}
	}
	return buildLeaf(alloc, keysArr, colArrs, oldestLiveReader)
}

// splitLeaf splits an overflowing leaf at the median row: spec.md
// §4.6 "split at the median key; on ties, the higher keys go to the
// new right sibling" — ObjKeys are unique per row so there are never
// ties in practice, and an even split at size/2 satisfies the rule.
func splitLeaf(alloc *storage.Allocator, leaf *Leaf, oldestLiveReader uint64) (left, right *Leaf, err error) {
	keys, cols, kinds, err := readLeafRows(leaf)
	if err != nil {
		return nil, nil, err
	}
	mid := len(keys) / 2

	leftCols := make([][]int64, len(cols))
	rightCols := make([][]int64, len(cols))
	for j := range cols {
		leftCols[j] = cols[j][:mid]
		rightCols[j] = cols[j][mid:]
	}

	left, err = buildLeafFromRows(alloc, keys[:mid], leftCols, kinds, oldestLiveReader)
	if err != nil {
		return nil, nil, err
	}
	right, err = buildLeafFromRows(alloc, keys[mid:], rightCols, kinds, oldestLiveReader)
	if err != nil {
		return nil, nil, err
	}
	leaf.retire()
	return left, right, nil
}

// splitInfo reports a completed split: the separator key (the
// sibling's first key) and the new sibling's ref.
type splitInfo struct {
	ok  bool
	key ObjKey
	ref storage.Ref
}

// countOfNode returns the row count rooted at ref, recomputed by
// descending rather than cached, since fanout is small enough
// (<=InnerMax children, <=ClusterMax rows) that the recomputation
// cost is negligible next to the simplicity of never having a stale
// count to invalidate.
func countOfNode(alloc *storage.Allocator, ref storage.Ref) (int64, error) {
	a, inner, err := nodeIsInner(alloc, ref)
	if err != nil {
		return 0, err
	}
	if !inner {
		leaf, err := leafFromBundle(alloc, a)
		if err != nil {
			return 0, err
		}
		return int64(leaf.Size()), nil
	}
	in, err := array.AsInnerNode(a)
	if err != nil {
		return 0, err
	}
	return in.TotalCount()
}

// buildClusterInner constructs an inner_bptree node over childRefs,
// storing each child's first key as the separator slot between it
// and its left neighbour (spec.md §4.4's generic inner array shape
// repurposed here for key-indexed lookup instead of the
// position-indexed use collections make of the same layout: see
// DESIGN.md's Open Questions for the rationale). The trailing slot
// still holds the aggregate row count, so Table::size() stays O(depth).
func buildClusterInner(alloc *storage.Allocator, childRefs []storage.Ref, firstKeys []ObjKey, totalCount int64, oldestLiveReader uint64) (*array.Array, error) {
	if len(childRefs) != len(firstKeys) {
		return nil, fmt.Errorf("cluster: childRefs/firstKeys length mismatch")
	}
	values := make([]int64, 0, len(childRefs)*2)
	for i, ref := range childRefs {
		values = append(values, int64(ref))
		if i < len(childRefs)-1 {
			values = append(values, int64(firstKeys[i+1]))
		}
	}
	values = append(values, totalCount)
	return buildArrayFromValues(alloc, values, array.InnerBPTree, oldestLiveReader)
}

// childrenOf decodes an inner node's child refs and first keys.
func childrenOf(alloc *storage.Allocator, in array.InnerNode) (refs []storage.Ref, firstKeys []ObjKey, err error) {
	n := in.ChildCount()
	refs = make([]storage.Ref, n)
	firstKeys = make([]ObjKey, n)
	for i := 0; i < n; i++ {
		refs[i], err = in.ChildRef(i)
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			firstKeys[i] = leftmostKey(alloc, refs[i])
			continue
		}
		sep, err := in.Get(i*2 - 1)
		if err != nil {
			return nil, nil, err
		}
		firstKeys[i] = ObjKey(sep)
	}
	return refs, firstKeys, nil
}

// leftmostKey descends to the first row under ref. Used only to seed
// child 0's nominal first key (never stored: child 0 is always the
// implicit "everything before the first separator" branch).
func leftmostKey(alloc *storage.Allocator, ref storage.Ref) ObjKey {
	for {
		a, inner, err := nodeIsInner(alloc, ref)
		if err != nil {
			return NullKey
		}
		if !inner {
			leaf, err := leafFromBundle(alloc, a)
			if err != nil || leaf.Size() == 0 {
				return NullKey
			}
			k, _ := leaf.KeyAt(0)
			return k
		}
		in, err := array.AsInnerNode(a)
		if err != nil {
			return NullKey
		}
		ref, err = in.ChildRef(0)
		if err != nil {
			return NullKey
		}
	}
}

// locateByKey finds the child index responsible for key: the
// rightmost child whose separator is <= key (child 0 covers
// everything before the first stored separator).
func locateByKey(alloc *storage.Allocator, in array.InnerNode, key ObjKey) (int, error) {
	count := in.ChildCount()
	if count == 0 {
		return 0, fmt.Errorf("cluster: empty inner node")
	}
	lo, hi := 0, count-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		sepRaw, err := in.Get(mid*2 - 1)
		if err != nil {
			return 0, err
		}
		if ObjKey(sepRaw) <= key {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// rebuildInner reconstructs an inner node from a (possibly modified)
// set of children, recomputing the aggregate count.
func rebuildInner(alloc *storage.Allocator, refs []storage.Ref, firstKeys []ObjKey, oldestLiveReader uint64) (*array.Array, error) {
	var total int64
	for _, r := range refs {
		c, err := countOfNode(alloc, r)
		if err != nil {
			return nil, err
		}
		total += c
	}
	return buildClusterInner(alloc, refs, firstKeys, total, oldestLiveReader)
}

// splitInner splits an overflowing inner node in half by child index.
func splitInner(alloc *storage.Allocator, in array.InnerNode, oldestLiveReader uint64) (left, right *array.Array, sepKey ObjKey, err error) {
	refs, firstKeys, err := childrenOf(alloc, in)
	if err != nil {
		return nil, nil, 0, err
	}
	mid := len(refs) / 2

	left, err = rebuildInner(alloc, refs[:mid], firstKeys[:mid], oldestLiveReader)
	if err != nil {
		return nil, nil, 0, err
	}
	right, err = rebuildInner(alloc, refs[mid:], firstKeys[mid:], oldestLiveReader)
	if err != nil {
		return nil, nil, 0, err
	}
	alloc.Free(in.Ref, int64(in.Header.CapacityB))
	return left, right, firstKeys[mid], nil
}

// insertInto recursively inserts (key, values) beneath ref, returning
// the node's own new ref plus a splitInfo describing a sibling
// produced by an overflow, if any.
func insertInto(alloc *storage.Allocator, ref storage.Ref, key ObjKey, values []int64, oldestLiveReader uint64) (storage.Ref, splitInfo, error) {
	a, inner, err := nodeIsInner(alloc, ref)
	if err != nil {
		return storage.NullRef, splitInfo{}, err
	}

	if !inner {
		leaf, err := leafFromBundle(alloc, a)
		if err != nil {
			return storage.NullRef, splitInfo{}, err
		}
		pos, found, err := leaf.Find(key)
		if err != nil {
			return storage.NullRef, splitInfo{}, err
		}
		if found {
			return storage.NullRef, splitInfo{}, fmt.Errorf("cluster: key %d already exists: %w", key, ErrConstraintViolation)
		}
		newLeaf, err := leaf.InsertRow(pos, key, values, oldestLiveReader)
		if err != nil {
			return storage.NullRef, splitInfo{}, err
		}
		if newLeaf.Size() <= ClusterMax {
			return newLeaf.Ref, splitInfo{}, nil
		}
		left, right, err := splitLeaf(alloc, newLeaf, oldestLiveReader)
		if err != nil {
			return storage.NullRef, splitInfo{}, err
		}
		sep, err := right.KeyAt(0)
		if err != nil {
			return storage.NullRef, splitInfo{}, err
		}
		return left.Ref, splitInfo{ok: true, key: sep, ref: right.Ref}, nil
	}

	in, err := array.AsInnerNode(a)
	if err != nil {
		return storage.NullRef, splitInfo{}, err
	}
	idx, err := locateByKey(alloc, in, key)
	if err != nil {
		return storage.NullRef, splitInfo{}, err
	}
	childRef, err := in.ChildRef(idx)
	if err != nil {
		return storage.NullRef, splitInfo{}, err
	}

	newChildRef, childSplit, err := insertInto(alloc, childRef, key, values, oldestLiveReader)
	if err != nil {
		return storage.NullRef, splitInfo{}, err
	}

	refs, firstKeys, err := childrenOf(alloc, in)
	if err != nil {
		return storage.NullRef, splitInfo{}, err
	}
	refs[idx] = newChildRef

	if childSplit.ok {
		refs = append(refs[:idx+1], append([]storage.Ref{childSplit.ref}, refs[idx+1:]...)...)
		firstKeys = append(firstKeys[:idx+1], append([]ObjKey{childSplit.key}, firstKeys[idx+1:]...)...)
	}
	alloc.Free(in.Ref, int64(in.Header.CapacityB))

	if len(refs) <= InnerMax {
		rebuilt, err := rebuildInner(alloc, refs, firstKeys, oldestLiveReader)
		if err != nil {
			return storage.NullRef, splitInfo{}, err
		}
		return rebuilt.Ref, splitInfo{}, nil
	}

	rebuilt, err := rebuildInner(alloc, refs, firstKeys, oldestLiveReader)
	if err != nil {
		return storage.NullRef, splitInfo{}, err
	}
	rebuiltInner, err := array.AsInnerNode(rebuilt)
	if err != nil {
		return storage.NullRef, splitInfo{}, err
	}
	left, right, sep, err := splitInner(alloc, rebuiltInner, oldestLiveReader)
	if err != nil {
		return storage.NullRef, splitInfo{}, err
	}
	return left.Ref, splitInfo{ok: true, key: sep, ref: right.Ref}, nil
}

// wrapNewRoot builds a fresh two-child inner node when the tree's
// root itself split.
func wrapNewRoot(alloc *storage.Allocator, leftRoot storage.Ref, split splitInfo, oldestLiveReader uint64) (storage.Ref, error) {
	leftKey := leftmostKey(alloc, leftRoot)
	total, err := countOfNode(alloc, leftRoot)
	if err != nil {
		return storage.NullRef, err
	}
	rightTotal, err := countOfNode(alloc, split.ref)
	if err != nil {
		return storage.NullRef, err
	}
	a, err := buildClusterInner(alloc, []storage.Ref{leftRoot, split.ref}, []ObjKey{leftKey, split.key}, total+rightTotal, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	return a.Ref, nil
}

// removeFrom recursively deletes key beneath ref, rebalancing any
// leaf that underflows below ClusterMin by merging with a sibling
// (preferring the left one) or, failing that, redistributing rows
// evenly (spec.md §4.6 "remove_object").
func removeFrom(alloc *storage.Allocator, ref storage.Ref, key ObjKey, oldestLiveReader uint64) (storage.Ref, bool, bool, error) {
	a, inner, err := nodeIsInner(alloc, ref)
	if err != nil {
		return storage.NullRef, false, false, err
	}

	if !inner {
		leaf, err := leafFromBundle(alloc, a)
		if err != nil {
			return storage.NullRef, false, false, err
		}
		pos, found, err := leaf.Find(key)
		if err != nil {
			return storage.NullRef, false, false, err
		}
		if !found {
			return ref, false, false, nil
		}
		newLeaf, err := leaf.RemoveRow(pos, oldestLiveReader)
		if err != nil {
			return storage.NullRef, false, false, err
		}
		underflow := newLeaf.Size() < ClusterMin
		return newLeaf.Ref, true, underflow, nil
	}

	in, err := array.AsInnerNode(a)
	if err != nil {
		return storage.NullRef, false, false, err
	}
	idx, err := locateByKey(alloc, in, key)
	if err != nil {
		return storage.NullRef, false, false, err
	}
	childRef, err := in.ChildRef(idx)
	if err != nil {
		return storage.NullRef, false, false, err
	}

	newChildRef, removed, childUnderflow, err := removeFrom(alloc, childRef, key, oldestLiveReader)
	if err != nil {
		return storage.NullRef, false, false, err
	}
	if !removed {
		return ref, false, false, nil
	}

	refs, firstKeys, err := childrenOf(alloc, in)
	if err != nil {
		return storage.NullRef, false, false, err
	}
	refs[idx] = newChildRef

	if childUnderflow {
		refs, firstKeys, err = rebalance(alloc, refs, firstKeys, idx, oldestLiveReader)
		if err != nil {
			return storage.NullRef, false, false, err
		}
	}
	alloc.Free(in.Ref, int64(in.Header.CapacityB))

	rebuilt, err := rebuildInner(alloc, refs, firstKeys, oldestLiveReader)
	if err != nil {
		return storage.NullRef, false, false, err
	}
	selfUnderflow := len(refs) < 2 // an inner node with a single child collapses at the parent
	return rebuilt.Ref, true, selfUnderflow, nil
}

// rebalance fixes up an underflowing child at idx by merging with its
// left sibling, else its right sibling, else redistributing evenly if
// the merge would overflow ClusterMax (spec.md §4.6 merge policy).
func rebalance(alloc *storage.Allocator, refs []storage.Ref, firstKeys []ObjKey, idx int, oldestLiveReader uint64) ([]storage.Ref, []ObjKey, error) {
	if idx > 0 {
		merged, ok, err := tryMerge(alloc, refs[idx-1], refs[idx], oldestLiveReader)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			refs = append(append(append([]storage.Ref{}, refs[:idx-1]...), merged), refs[idx+1:]...)
			firstKeys = append(append(append([]ObjKey{}, firstKeys[:idx-1]...), firstKeys[idx-1]), firstKeys[idx+1:]...)
			return refs, firstKeys, nil
		}
		redistributed, err := redistribute(alloc, refs[idx-1], refs[idx], oldestLiveReader)
		if err != nil {
			return nil, nil, err
		}
		refs[idx-1], refs[idx] = redistributed[0], redistributed[1]
		firstKeys[idx] = leftmostKey(alloc, refs[idx])
		return refs, firstKeys, nil
	}
	if idx+1 < len(refs) {
		merged, ok, err := tryMerge(alloc, refs[idx], refs[idx+1], oldestLiveReader)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			refs = append(append(append([]storage.Ref{}, refs[:idx]...), merged), refs[idx+2:]...)
			firstKeys = append(append(append([]ObjKey{}, firstKeys[:idx]...), firstKeys[idx]), firstKeys[idx+2:]...)
			return refs, firstKeys, nil
		}
		redistributed, err := redistribute(alloc, refs[idx], refs[idx+1], oldestLiveReader)
		if err != nil {
			return nil, nil, err
		}
		refs[idx], refs[idx+1] = redistributed[0], redistributed[1]
		firstKeys[idx+1] = leftmostKey(alloc, refs[idx+1])
		return refs, firstKeys, nil
	}
	// Only child: nothing to rebalance against, underflow tolerated
	// (spec.md §4.6 "except possibly the root").
	return refs, firstKeys, nil
}

// tryMerge merges right into left, for either a leaf or an inner
// sibling pair, if the combined size fits within the node kind's max
// (ClusterMax rows for leaves, InnerMax children for inner nodes).
func tryMerge(alloc *storage.Allocator, left, right storage.Ref, oldestLiveReader uint64) (storage.Ref, bool, error) {
	la, linner, err := nodeIsInner(alloc, left)
	if err != nil {
		return storage.NullRef, false, err
	}
	ra, rinner, err := nodeIsInner(alloc, right)
	if err != nil {
		return storage.NullRef, false, err
	}
	if linner != rinner {
		return storage.NullRef, false, fmt.Errorf("cluster: sibling depth mismatch")
	}
	if linner {
		return tryMergeInner(alloc, la, ra, oldestLiveReader)
	}

	leftLeaf, err := leafFromBundle(alloc, la)
	if err != nil {
		return storage.NullRef, false, err
	}
	rightLeaf, err := leafFromBundle(alloc, ra)
	if err != nil {
		return storage.NullRef, false, err
	}
	if leftLeaf.Size()+rightLeaf.Size() > ClusterMax {
		return storage.NullRef, false, nil
	}

	lk, lc, kinds, err := readLeafRows(leftLeaf)
	if err != nil {
		return storage.NullRef, false, err
	}
	rk, rc, _, err := readLeafRows(rightLeaf)
	if err != nil {
		return storage.NullRef, false, err
	}

	keys := append(append([]int64{}, lk...), rk...)
	cols := make([][]int64, len(lc))
	for j := range lc {
		cols[j] = append(append([]int64{}, lc[j]...), rc[j]...)
	}

	merged, err := buildLeafFromRows(alloc, keys, cols, kinds, oldestLiveReader)
	if err != nil {
		return storage.NullRef, false, err
	}
	leftLeaf.retire()
	rightLeaf.retire()
	return merged.Ref, true, nil
}

// tryMergeInner merges right's children into left if the combined
// child count fits within InnerMax.
func tryMergeInner(alloc *storage.Allocator, la, ra *array.Array, oldestLiveReader uint64) (storage.Ref, bool, error) {
	leftIn, err := array.AsInnerNode(la)
	if err != nil {
		return storage.NullRef, false, err
	}
	rightIn, err := array.AsInnerNode(ra)
	if err != nil {
		return storage.NullRef, false, err
	}
	if leftIn.ChildCount()+rightIn.ChildCount() > InnerMax {
		return storage.NullRef, false, nil
	}

	lrefs, lkeys, err := childrenOf(alloc, leftIn)
	if err != nil {
		return storage.NullRef, false, err
	}
	rrefs, rkeys, err := childrenOf(alloc, rightIn)
	if err != nil {
		return storage.NullRef, false, err
	}

	refs := append(append([]storage.Ref{}, lrefs...), rrefs...)
	firstKeys := append(append([]ObjKey{}, lkeys...), rkeys...)
	merged, err := rebuildInner(alloc, refs, firstKeys, oldestLiveReader)
	if err != nil {
		return storage.NullRef, false, err
	}
	alloc.Free(leftIn.Ref, int64(leftIn.Header.CapacityB))
	alloc.Free(rightIn.Ref, int64(rightIn.Header.CapacityB))
	return merged.Ref, true, nil
}

// redistributeInner evenly splits the combined children of two inner
// siblings (used when a straight merge would exceed InnerMax).
func redistributeInner(alloc *storage.Allocator, la, ra *array.Array, oldestLiveReader uint64) ([2]storage.Ref, error) {
	leftIn, err := array.AsInnerNode(la)
	if err != nil {
		return [2]storage.Ref{}, err
	}
	rightIn, err := array.AsInnerNode(ra)
	if err != nil {
		return [2]storage.Ref{}, err
	}

	lrefs, lkeys, err := childrenOf(alloc, leftIn)
	if err != nil {
		return [2]storage.Ref{}, err
	}
	rrefs, rkeys, err := childrenOf(alloc, rightIn)
	if err != nil {
		return [2]storage.Ref{}, err
	}

	refs := append(append([]storage.Ref{}, lrefs...), rrefs...)
	firstKeys := append(append([]ObjKey{}, lkeys...), rkeys...)
	mid := len(refs) / 2

	newLeft, err := rebuildInner(alloc, refs[:mid], firstKeys[:mid], oldestLiveReader)
	if err != nil {
		return [2]storage.Ref{}, err
	}
	newRight, err := rebuildInner(alloc, refs[mid:], firstKeys[mid:], oldestLiveReader)
	if err != nil {
		return [2]storage.Ref{}, err
	}
	alloc.Free(leftIn.Ref, int64(leftIn.Header.CapacityB))
	alloc.Free(rightIn.Ref, int64(rightIn.Header.CapacityB))
	return [2]storage.Ref{newLeft.Ref, newRight.Ref}, nil
}

// redistribute evenly splits the combined rows (or children) of two
// siblings (used when a straight merge would exceed the node kind's
// max size).
func redistribute(alloc *storage.Allocator, left, right storage.Ref, oldestLiveReader uint64) ([2]storage.Ref, error) {
	la, linner, err := nodeIsInner(alloc, left)
	if err != nil {
		return [2]storage.Ref{}, err
	}
	ra, _, err := nodeIsInner(alloc, right)
	if err != nil {
		return [2]storage.Ref{}, err
	}
	if linner {
		return redistributeInner(alloc, la, ra, oldestLiveReader)
	}
	leftLeaf, err := leafFromBundle(alloc, la)
	if err != nil {
		return [2]storage.Ref{}, err
	}
	rightLeaf, err := leafFromBundle(alloc, ra)
	if err != nil {
		return [2]storage.Ref{}, err
	}

	lk, lc, kinds, err := readLeafRows(leftLeaf)
	if err != nil {
		return [2]storage.Ref{}, err
	}
	rk, rc, _, err := readLeafRows(rightLeaf)
	if err != nil {
		return [2]storage.Ref{}, err
	}

	keys := append(append([]int64{}, lk...), rk...)
	cols := make([][]int64, len(lc))
	for j := range lc {
		cols[j] = append(append([]int64{}, lc[j]...), rc[j]...)
	}
	mid := len(keys) / 2

	leftCols := make([][]int64, len(cols))
	rightCols := make([][]int64, len(cols))
	for j := range cols {
		leftCols[j] = cols[j][:mid]
		rightCols[j] = cols[j][mid:]
	}

	newLeft, err := buildLeafFromRows(alloc, keys[:mid], leftCols, kinds, oldestLiveReader)
	if err != nil {
		return [2]storage.Ref{}, err
	}
	newRight, err := buildLeafFromRows(alloc, keys[mid:], rightCols, kinds, oldestLiveReader)
	if err != nil {
		return [2]storage.Ref{}, err
	}
	leftLeaf.retire()
	rightLeaf.retire()
	return [2]storage.Ref{newLeft.Ref, newRight.Ref}, nil
}

// collapseRoot unwraps an inner root that has been reduced to a
// single child, keeping the tree's height minimal.
func collapseRoot(alloc *storage.Allocator, ref storage.Ref) storage.Ref {
	a, inner, err := nodeIsInner(alloc, ref)
	if err != nil || !inner {
		return ref
	}
	in, err := array.AsInnerNode(a)
	if err != nil {
		return ref
	}
	if in.ChildCount() != 1 {
		return ref
	}
	child, err := in.ChildRef(0)
	if err != nil {
		return ref
	}
	alloc.Free(in.Ref, int64(in.Header.CapacityB))
	return child
}
