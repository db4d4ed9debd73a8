package array

import (
	"errors"
	"fmt"

	"github.com/stratadb/strata/internal/bitpack"
	"github.com/stratadb/strata/internal/storage"
)

// InnerNode is a decoded view of a B+tree inner array: spec.md §4.4
// encodes `[child_ref0, offset1, child_ref1, offset2, …, child_refN,
// total_count]`, where offset_k is the cumulative element count
// before child k. An InnerNode wraps an Array already known to carry
// the inner_bptree flag and interprets its raw element stream in that
// shape.
type InnerNode struct {
	*Array
}

// AsInnerNode views an already-loaded Array as a B+tree inner node.
func AsInnerNode(a *Array) (InnerNode, error) {
	if a.Header.Flags&bitpack.InnerBPTree == 0 {
		return InnerNode{}, errors.New("array: not an inner_bptree node")
	}
	return InnerNode{a}, nil
}

// ChildCount returns the number of children this inner node holds.
// The encoding packs N child refs, N-1 intervening offsets and one
// trailing total_count into 2N elements.
func (n InnerNode) ChildCount() int {
	return n.Len() / 2
}

// TotalCount returns the cumulative element count across all children
// (the last slot in the encoding).
func (n InnerNode) TotalCount() (int64, error) {
	if n.Len() == 0 {
		return 0, nil
	}
	return n.Get(n.Len() - 1)
}

// ChildRef returns the ref of child i.
func (n InnerNode) ChildRef(i int) (storage.Ref, error) {
	if i < 0 || i >= n.ChildCount() {
		return storage.NullRef, fmt.Errorf("array: child index %d out of range [0,%d)", i, n.ChildCount())
	}
	v, err := n.Get(i * 2)
	if err != nil {
		return storage.NullRef, err
	}
	return storage.Ref(v), nil
}

// offset returns the cumulative count before child i (offset_0 == 0
// is implicit and not stored).
func (n InnerNode) offset(i int) (int64, error) {
	if i == 0 {
		return 0, nil
	}
	return n.Get(i*2 - 1)
}

// Locate performs the binary search spec.md §4.4 describes: given a
// logical position, returns the index of the child that contains it
// and the position relative to the start of that child.
func (n InnerNode) Locate(pos int64) (childIdx int, posInChild int64, err error) {
	count := n.ChildCount()
	if count == 0 {
		return 0, 0, fmt.Errorf("array: empty inner node")
	}

	lo, hi := 0, count-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		off, err := n.offset(mid)
		if err != nil {
			return 0, 0, err
		}
		if off <= pos {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	off, err := n.offset(lo)
	if err != nil {
		return 0, 0, err
	}
	return lo, pos - off, nil
}

// BuildInnerNode allocates a fresh inner node encoding childRefs and
// their per-child counts, per spec.md §4.4's layout.
func BuildInnerNode(alloc *storage.Allocator, childRefs []storage.Ref, childCounts []int64, oldestLiveReader uint64) (*Array, error) {
	if len(childRefs) != len(childCounts) {
		return nil, fmt.Errorf("array: childRefs and childCounts length mismatch")
	}

	values := make([]int64, 0, len(childRefs)*2)
	var cumulative int64
	for i, ref := range childRefs {
		values = append(values, int64(ref))
		cumulative += childCounts[i]
		if i < len(childRefs)-1 {
			values = append(values, cumulative)
		}
	}
	values = append(values, cumulative) // total_count

	// Refs can be arbitrarily large even when every count is small, so
	// the node must be pre-sized at the widest value's width: Create's
	// own zero-fill default would pick width 0 and every subsequent
	// Set would fail with "widening required" (array.Array.Set never
	// widens in place, see array.go).
	var maxWidth uint8
	for _, v := range values {
		if w := bitpack.WidthFor(v); w > maxWidth {
			maxWidth = w
		}
	}

	a, err := CreateAtWidth(alloc, InnerBPTree, len(values), maxWidth, 0, oldestLiveReader)
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
