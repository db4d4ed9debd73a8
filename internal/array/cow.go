package array

import (
	"github.com/stratadb/strata/internal/bitpack"
	"github.com/stratadb/strata/internal/storage"
)

// Parent tracks the (parent_array, slot_in_parent) pair spec.md §4.4
// requires for propagating copy-on-write re-references without
// persisting backpointers on disk.
type Parent struct {
	Array *Array
	Slot  int
}

// EnsureWritable returns a node guaranteed to be mutable this
// transaction: if a already is (slab-backed, or in a file range this
// transaction allocated) it is returned unchanged, otherwise it is
// cloned into a fresh slab allocation with identical contents, and
// (when parent is non-nil) the parent's child-ref slot is updated to
// point at the clone. This mirrors mari's copyINode-then-CAS sequence,
// generalized from a single parent pointer per node to an explicit
// caller-supplied (array, slot) pair since this package's nodes have
// no persisted backpointer.
func EnsureWritable(a *Array, parent *Parent, oldestLiveReader uint64) (*Array, error) {
	if a.alloc.IsMutable(a.Ref) {
		return a, nil
	}

	clone, err := cloneToSlab(a, oldestLiveReader)
	if err != nil {
		return nil, err
	}

	if parent != nil {
		if err := parent.Array.SetRefAt(parent.Slot, clone.Ref); err != nil {
			return nil, err
		}
	}
	return clone, nil
}

// Promote recursively relocates every slab-backed node reachable from
// ref into file-backed space, rewriting child-ref slots as it goes,
// and returns the file-backed ref of the relocated tree (this repo's
// commit pipeline's step "serialize dirty nodes into file
// free-space", mirroring mari's serializeRecursive in Serialize.go:
// a node already at its prior version/offset is left untouched,
// a node on the just-written path is written out fresh at a newly
// chosen offset).
//
// Decoding via the raw bitpack header rather than Load lets this walk
// cross every node shape in the system uniformly: only a node created
// with the HasRefs flag (always array.Array's own WidthBits encoding)
// holds child refs in its payload slots, so a fixedArray/blob node
// (internal/variant's WidthMultiply-kind leaves, never flagged
// HasRefs) is copied as an opaque byte blob with no further recursion
// needed — it cannot contain a nested ref.
func Promote(alloc *storage.Allocator, ref storage.Ref, baseline storage.Ref, oldestLiveReader uint64) (storage.Ref, error) {
	if ref == storage.NullRef {
		return ref, nil
	}
	if ref < baseline && !alloc.IsMutable(ref) {
		return ref, nil // already file-backed and durable from a prior commit
	}

	hdrBuf, err := alloc.Translate(ref, bitpack.Size)
	if err != nil {
		return storage.NullRef, err
	}
	h, err := bitpack.Decode(hdrBuf)
	if err != nil {
		return storage.NullRef, err
	}
	full, err := alloc.Translate(ref, int64(h.CapacityB))
	if err != nil {
		return storage.NullRef, err
	}
	buf := append([]byte(nil), full...)

	if h.Flags&bitpack.HasRefs != 0 {
		// An inner_bptree node interleaves child refs with separator
		// values and ends with an aggregate count; only the even slots
		// hold refs (spec.md §4.4's inner encoding).
		inner := h.Flags&bitpack.InnerBPTree != 0
		p := bitpack.NewPayload(h, buf[bitpack.Size:])
		for i := 0; i < int(h.ElementCount); i++ {
			if inner && i%2 == 1 {
				continue
			}
			v, err := p.Get(i)
			if err != nil {
				return storage.NullRef, err
			}
			child := storage.Ref(v)
			newChild, err := Promote(alloc, child, baseline, oldestLiveReader)
			if err != nil {
				return storage.NullRef, err
			}
			if newChild != child {
				if err := p.Set(i, int64(newChild)); err != nil {
					return storage.NullRef, err
				}
			}
		}
	}

	if ref < baseline {
		// Already placed in a file range this transaction owns: rewrite
		// the (possibly child-updated) bytes in place and keep the ref.
		if err := alloc.WriteFile(ref, buf); err != nil {
			return storage.NullRef, err
		}
		return ref, nil
	}

	newRef, err := alloc.AllocFile(int64(h.CapacityB), oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	if err := alloc.WriteFile(newRef, buf); err != nil {
		return storage.NullRef, err
	}
	return newRef, nil
}

func cloneToSlab(a *Array, oldestLiveReader uint64) (*Array, error) {
	capacity := int64(a.Header.CapacityB)
	ref, err := a.alloc.Alloc(capacity, oldestLiveReader)
	if err != nil {
		return nil, err
	}

	clone := &Array{Ref: ref, Header: a.Header, Data: make([]byte, len(a.Data)), alloc: a.alloc}
	copy(clone.Data, a.Data)
	if err := clone.persist(); err != nil {
		return nil, err
	}
	return clone, nil
}
