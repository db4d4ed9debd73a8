package variant

import (
	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/storage"
)

// BinaryColumn stores byte strings using the same two-tier (medium,
// big) representation String uses above its short tier — spec.md
// §4.5 groups Binary with String's medium/big rows explicitly, and
// gives it no short tier of its own.
type BinaryColumn struct {
	alloc *storage.Allocator
	tier  Tier // TierMedium or TierBig, never TierShort

	lengths *fixedArray
	offsets *fixedArray
	blobRef *blob

	refs *array.Array
}

func CreateBinaryColumn(alloc *storage.Allocator, n int, oldestLiveReader uint64) (*BinaryColumn, error) {
	lengths, err := createFixedArray(alloc, n, 4, encodeInt32(-1), oldestLiveReader)
	if err != nil {
		return nil, err
	}
	offsets, err := createFixedArray(alloc, n, 4, encodeInt32(0), oldestLiveReader)
	if err != nil {
		return nil, err
	}
	blobStore, err := newBlob(alloc, 1, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	return &BinaryColumn{alloc: alloc, tier: TierMedium, lengths: lengths, offsets: offsets, blobRef: blobStore}, nil
}

// LoadBinaryColumn wraps already-persisted nodes as a BinaryColumn at
// the tier the caller recorded, mirroring LoadStringColumn.
func LoadBinaryColumn(alloc *storage.Allocator, tier Tier, lengths, offsets, blobNode, refs storage.Ref) (*BinaryColumn, error) {
	c := &BinaryColumn{alloc: alloc, tier: tier}
	if tier == TierMedium {
		lengthsArr, err := loadFixedArray(alloc, lengths, 4)
		if err != nil {
			return nil, err
		}
		offsetsArr, err := loadFixedArray(alloc, offsets, 4)
		if err != nil {
			return nil, err
		}
		b, err := loadBlob(alloc, blobNode)
		if err != nil {
			return nil, err
		}
		c.lengths, c.offsets, c.blobRef = lengthsArr, offsetsArr, b
		return c, nil
	}
	a, err := array.Load(alloc, refs)
	if err != nil {
		return nil, err
	}
	c.refs = a
	return c, nil
}

// Refs reports the node refs backing the column's current tier, in
// the same (short-slot-omitted) shape StringColumn.Refs uses, so the
// owning table's schema metadata can persist either column type with
// one bundling helper (see strata/bundle.go).
func (c *BinaryColumn) Refs() (lengths, offsets, blobNode, refs storage.Ref) {
	if c.tier == TierMedium {
		return c.lengths.ref, c.offsets.ref, c.blobRef.Ref(), storage.NullRef
	}
	return storage.NullRef, storage.NullRef, storage.NullRef, c.refs.Ref
}

func (c *BinaryColumn) Tier() Tier { return c.tier }
func (c *BinaryColumn) Len() int {
	if c.tier == TierMedium {
		return c.lengths.Len()
	}
	return c.refs.Len()
}

func (c *BinaryColumn) Get(i int) (value []byte, ok bool, err error) {
	if c.tier == TierMedium {
		lenRaw, err := c.lengths.Get(i)
		if err != nil {
			return nil, false, err
		}
		length := int32(leUint64(lenRaw))
		if length < 0 {
			return nil, false, nil
		}
		offRaw, err := c.offsets.Get(i)
		if err != nil {
			return nil, false, err
		}
		data, err := c.blobRef.Read(int(leUint64(offRaw)), int(length))
		return data, true, err
	}

	ref, err := c.refs.GetRefAt(i)
	if err != nil {
		return nil, false, err
	}
	if ref == storage.NullRef {
		return nil, false, nil
	}
	b, err := loadBlob(c.alloc, ref)
	if err != nil {
		return nil, false, err
	}
	data, err := b.Read(0, b.Cap())
	return data, true, err
}

func (c *BinaryColumn) Set(i int, v []byte, oldestLiveReader uint64) error {
	if err := c.ensureTierFor(len(v), oldestLiveReader); err != nil {
		return err
	}
	if c.tier == TierMedium {
		grown, offset, err := c.blobRef.Append(c.alloc, v, oldestLiveReader)
		if err != nil {
			return err
		}
		c.blobRef = grown
		if err := c.lengths.Set(i, encodeInt32(int32(len(v)))); err != nil {
			return err
		}
		return c.offsets.Set(i, encodeInt32(int32(offset)))
	}

	b, err := newBlob(c.alloc, len(v), oldestLiveReader)
	if err != nil {
		return err
	}
	for idx, by := range v {
		if err := b.fa.Set(idx, []byte{by}); err != nil {
			return err
		}
	}
	return c.refs.SetRefAt(i, b.Ref())
}

func (c *BinaryColumn) SetNull(i int) error {
	if c.tier == TierMedium {
		return c.lengths.Set(i, encodeInt32(-1))
	}
	return c.refs.SetRefAt(i, storage.NullRef)
}

// ensureTierFor upgrades medium -> big exactly as String does, but
// with no short tier below medium to skip past.
func (c *BinaryColumn) ensureTierFor(length int, oldestLiveReader uint64) error {
	if c.tier == TierBig || length <= mediumMax {
		return nil
	}

	n := c.Len()
	values := make([][]byte, n)
	nulls := make([]bool, n)
	for i := 0; i < n; i++ {
		v, ok, err := c.Get(i)
		if err != nil {
			return err
		}
		values[i], nulls[i] = v, !ok
	}

	refs, err := array.Create(c.alloc, array.HasRefs, n, 0, oldestLiveReader)
	if err != nil {
		return err
	}
	c.alloc.Free(c.lengths.ref, int64(c.lengths.header.CapacityB))
	c.alloc.Free(c.offsets.ref, int64(c.offsets.header.CapacityB))
	c.alloc.Free(c.blobRef.Ref(), int64(c.blobRef.fa.header.CapacityB))
	c.tier, c.lengths, c.offsets, c.blobRef, c.refs = TierBig, nil, nil, nil, refs

	for i := 0; i < n; i++ {
		if nulls[i] {
			continue
		}
		if err := c.Set(i, values[i], oldestLiveReader); err != nil {
			return err
		}
	}
	return nil
}
