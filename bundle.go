package strata

import (
	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/intern"
	"github.com/stratadb/strata/internal/storage"
	"github.com/stratadb/strata/internal/variant"
)

// A HasRefs array node's payload slots must each be a genuine,
// dereferenceable ref — array.Promote and Array.Destroy both walk
// every slot of such a node assuming they can Load whatever they
// find there. Several of the structures Group and Table persist
// (a tiered StringColumn, the per-table string interner, a table's
// schema) are naturally a handful of child refs *plus* a small
// scalar (a tier, a counter) that is not itself a ref. wrapScalar/
// buildBundle give every such structure a uniform on-disk shape: the
// scalar is boxed in its own one-element Normal array so the bundle
// around it never holds anything but real refs, following the same
// "named-slot HasRefs bundle" shape internal/cluster's Leaf already
// uses for a leaf's (keys, columns...) bundle.
func wrapScalar(alloc *storage.Allocator, v int64, oldestLiveReader uint64) (storage.Ref, error) {
	a, err := array.Create(alloc, array.Normal, 1, v, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	return a.Ref, nil
}

func unwrapScalar(alloc *storage.Allocator, ref storage.Ref) (int64, error) {
	if ref == storage.NullRef {
		return 0, nil
	}
	a, err := array.Load(alloc, ref)
	if err != nil {
		return 0, err
	}
	return a.Get(0)
}

// buildBundle allocates a fresh HasRefs node with one slot per entry
// in refs, in order. A NullRef entry is valid (an unused slot for the
// structure's current tier/shape).
func buildBundle(alloc *storage.Allocator, refs []storage.Ref, oldestLiveReader uint64) (storage.Ref, error) {
	b, err := array.Create(alloc, array.HasRefs, len(refs), 0, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	for i, r := range refs {
		if err := b.SetRefAt(i, r); err != nil {
			return storage.NullRef, err
		}
	}
	return b.Ref, nil
}

// loadBundleRefs reads back every slot of a bundle built by
// buildBundle.
func loadBundleRefs(alloc *storage.Allocator, ref storage.Ref, n int) ([]storage.Ref, error) {
	b, err := array.Load(alloc, ref)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Ref, n)
	for i := range out {
		out[i], err = b.GetRefAt(i)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// persistStringColumn bundles a StringColumn's tier plus its (up to
// five) child refs into one ref, for a Group/Table top-array slot.
func persistStringColumn(alloc *storage.Allocator, sc *variant.StringColumn, oldestLiveReader uint64) (storage.Ref, error) {
	short, lengths, offsets, blobNode, refs := sc.Refs()
	tierRef, err := wrapScalar(alloc, int64(sc.Tier()), oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	return buildBundle(alloc, []storage.Ref{tierRef, short, lengths, offsets, blobNode, refs}, oldestLiveReader)
}

func loadStringColumn(alloc *storage.Allocator, ref storage.Ref) (*variant.StringColumn, error) {
	slots, err := loadBundleRefs(alloc, ref, 6)
	if err != nil {
		return nil, err
	}
	tier, err := unwrapScalar(alloc, slots[0])
	if err != nil {
		return nil, err
	}
	return variant.LoadStringColumn(alloc, variant.Tier(tier), slots[1], slots[2], slots[3], slots[4], slots[5])
}

// persistBinaryColumn mirrors persistStringColumn for the Binary
// tiered representation.
func persistBinaryColumn(alloc *storage.Allocator, bc *variant.BinaryColumn, oldestLiveReader uint64) (storage.Ref, error) {
	lengths, offsets, blobNode, refs := bc.Refs()
	tierRef, err := wrapScalar(alloc, int64(bc.Tier()), oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	return buildBundle(alloc, []storage.Ref{tierRef, lengths, offsets, blobNode, refs}, oldestLiveReader)
}

func loadBinaryColumn(alloc *storage.Allocator, ref storage.Ref) (*variant.BinaryColumn, error) {
	slots, err := loadBundleRefs(alloc, ref, 5)
	if err != nil {
		return nil, err
	}
	tier, err := unwrapScalar(alloc, slots[0])
	if err != nil {
		return nil, err
	}
	return variant.LoadBinaryColumn(alloc, variant.Tier(tier), slots[1], slots[2], slots[3], slots[4])
}

// persistInterner bundles an Interner's tier, its StringColumn refs
// and its refcount array ref into one ref, for a Table's root bundle.
func persistInterner(alloc *storage.Allocator, in *intern.Interner, oldestLiveReader uint64) (storage.Ref, error) {
	tier, short, lengths, offsets, blobNode, stringRefs, refcountRef := in.Refs()
	tierRef, err := wrapScalar(alloc, int64(tier), oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	return buildBundle(alloc, []storage.Ref{tierRef, short, lengths, offsets, blobNode, stringRefs, refcountRef}, oldestLiveReader)
}

func loadInterner(alloc *storage.Allocator, ref storage.Ref) (*intern.Interner, error) {
	slots, err := loadBundleRefs(alloc, ref, 7)
	if err != nil {
		return nil, err
	}
	tier, err := unwrapScalar(alloc, slots[0])
	if err != nil {
		return nil, err
	}
	return intern.Load(alloc, variant.Tier(tier), slots[1], slots[2], slots[3], slots[4], slots[5], slots[6])
}
