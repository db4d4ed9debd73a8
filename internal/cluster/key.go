// Package cluster implements the B+tree of clusters described in
// spec.md §4.6: each logical table is a tree of leaf "clusters", a
// leaf holding up to cluster_max rows as column-major parallel
// arrays keyed by a stable 63-bit ObjKey. Split/merge/rebalance and
// forward/backlink column semantics live here; internal/array
// supplies the node primitive every tree node (leaf bundle and inner
// node alike) is built from.
//
// Grounded on sirgallo/mari's Operation.go (path-copy-and-CAS commit
// discipline, generalized here from a hash trie to a key-ordered
// B+tree) and Range.go (in-order traversal shape), with the
// cluster-specific split/merge/link rules supplied by spec.md §4.6
// and original_source/src/realm/column_link_base.cpp /
// dictionary_cluster_tree.hpp where spec.md is silent on collection
// backlink kinds.
package cluster

import "errors"

// ObjKey stably identifies a row across cluster splits and merges
// (spec.md §3). It is a 63-bit signed integer; negative values denote
// tombstones (unresolved links) per spec.md §3.
type ObjKey int64

// NullKey is never a valid row identity.
const NullKey ObjKey = -1

// IsTombstone reports whether k denotes an unresolved link rather
// than a live row.
func (k ObjKey) IsTombstone() bool { return k < 0 }

// maxObjKey is the largest representable value given the 63-bit
// signed range spec.md §3 specifies (the top bit of the 64-bit word
// carrying an ObjKey is reserved, matching a ref's own low-bit/top-bit
// conventions elsewhere in the format).
const maxObjKey ObjKey = 1<<62 - 1

// KeySource allocates ObjKeys for a single table: a monotonic
// counter by default, or a user-supplied value for primary-key
// tables (spec.md §4.6 `create_object(key_hint?)`).
type KeySource struct {
	next ObjKey
}

// NewKeySource starts allocation after the highest key already in use.
func NewKeySource(highestUsed ObjKey) *KeySource {
	return &KeySource{next: highestUsed + 1}
}

// Next returns the next monotonic key, or hint if the caller supplied
// one (advancing the counter past it so future monotonic allocations
// never collide with a user-supplied key).
func (k *KeySource) Next(hint ObjKey, hintGiven bool) (ObjKey, error) {
	if hintGiven {
		if hint.IsTombstone() {
			return NullKey, errors.New("cluster: key hint must be non-negative")
		}
		if hint >= k.next {
			k.next = hint + 1
		}
		return hint, nil
	}
	if k.next > maxObjKey {
		return NullKey, errors.New("cluster: key space exhausted")
	}
	key := k.next
	k.next++
	return key, nil
}

// Cursor reports the next key this source would hand out, for
// persisting allocation state across a commit (see strata.Table's
// root bundle).
func (k *KeySource) Cursor() ObjKey { return k.next }
