package variant

import (
	"fmt"

	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/storage"
)

// Tier identifies which of the three on-disk representations a
// String column currently uses (spec.md §4.5). Transitions only ever
// move forward: short -> medium -> big; downgrades are never
// performed even if every long value is later erased.
type Tier int

const (
	TierShort Tier = iota
	TierMedium
	TierBig
)

const (
	shortMax  = 15
	mediumMax = 63
)

const shortSlotSize = 16 // 1 length byte + 15 data bytes
const shortNullMarker = 0xFF

// StringColumn stores UTF-8 strings with the tiered representation
// spec.md §4.5 specifies, upgrading tiers transparently as values
// grow past the current tier's limit.
type StringColumn struct {
	alloc *storage.Allocator
	tier  Tier

	short *fixedArray // tier short: elemSize 16

	lengths *fixedArray // tier medium: int32 length, -1 = null
	offsets *fixedArray // tier medium: int32 offset into blobData
	blobRef *blob       // tier medium: shared blob

	refs *array.Array // tier big: per-row ref to its own 1-byte-element blob node
}

// CreateStringColumn allocates a column of n empty (non-null short)
// strings.
func CreateStringColumn(alloc *storage.Allocator, n int, oldestLiveReader uint64) (*StringColumn, error) {
	fill := make([]byte, shortSlotSize) // length 0, all-zero data: empty string
	fa, err := createFixedArray(alloc, n, shortSlotSize, fill, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	return &StringColumn{alloc: alloc, tier: TierShort, short: fa}, nil
}

// LoadStringColumn wraps already-persisted nodes as a StringColumn, at
// whichever tier the caller recorded (spec.md §3's auxiliary schema
// node is expected to carry the tier alongside these refs, since the
// refs alone do not self-describe which tier produced them).
func LoadStringColumn(alloc *storage.Allocator, tier Tier, short, lengths, offsets, blobNode, refs storage.Ref) (*StringColumn, error) {
	c := &StringColumn{alloc: alloc, tier: tier}
	switch tier {
	case TierShort:
		fa, err := loadFixedArray(alloc, short, shortSlotSize)
		if err != nil {
			return nil, err
		}
		c.short = fa
	case TierMedium:
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
	default:
		a, err := array.Load(alloc, refs)
		if err != nil {
			return nil, err
		}
		c.refs = a
	}
	return c, nil
}

// Refs reports the node refs backing the column's current tier, in
// the order a caller should persist them in the owning table's schema
// metadata (spec.md §3: "Schema... is stored per-table as an
// auxiliary node"). Unused slots for the current tier are NullRef.
func (c *StringColumn) Refs() (short, lengths, offsets, blobNode storage.Ref, refs storage.Ref) {
	switch c.tier {
	case TierShort:
		return c.short.ref, storage.NullRef, storage.NullRef, storage.NullRef, storage.NullRef
	case TierMedium:
		return storage.NullRef, c.lengths.ref, c.offsets.ref, c.blobRef.Ref(), storage.NullRef
	default:
		return storage.NullRef, storage.NullRef, storage.NullRef, storage.NullRef, c.refs.Ref
	}
}

func (c *StringColumn) Tier() Tier { return c.tier }
func (c *StringColumn) Len() int {
	switch c.tier {
	case TierShort:
		return c.short.Len()
	case TierMedium:
		return c.lengths.Len()
	default:
		return c.refs.Len()
	}
}

// Get returns the string at i; ok is false for a null slot.
func (c *StringColumn) Get(i int) (value string, ok bool, err error) {
	switch c.tier {
	case TierShort:
		return c.getShort(i)
	case TierMedium:
		return c.getMedium(i)
	default:
		return c.getBig(i)
	}
}

func (c *StringColumn) getShort(i int) (string, bool, error) {
	slot, err := c.short.Get(i)
	if err != nil {
		return "", false, err
	}
	if slot[0] == shortNullMarker {
		return "", false, nil
	}
	return string(slot[1 : 1+int(slot[0])]), true, nil
}

func (c *StringColumn) getMedium(i int) (string, bool, error) {
	lenRaw, err := c.lengths.Get(i)
	if err != nil {
		return "", false, err
	}
	length := int32(leUint64(lenRaw))
	if length < 0 {
		return "", false, nil
	}
	offRaw, err := c.offsets.Get(i)
	if err != nil {
		return "", false, err
	}
	offset := int32(leUint64(offRaw))
	data, err := c.blobRef.Read(int(offset), int(length))
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (c *StringColumn) getBig(i int) (string, bool, error) {
	ref, err := c.refs.GetRefAt(i)
	if err != nil {
		return "", false, err
	}
	if ref == storage.NullRef {
		return "", false, nil
	}
	b, err := loadBlob(c.alloc, ref)
	if err != nil {
		return "", false, err
	}
	data, err := b.Read(0, b.Cap())
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Set writes v at i, upgrading the column's tier first if v exceeds
// the current tier's maximum length.
func (c *StringColumn) Set(i int, v string, oldestLiveReader uint64) error {
	if err := c.ensureTierFor(len(v), oldestLiveReader); err != nil {
		return err
	}
	switch c.tier {
	case TierShort:
		return c.setShort(i, v)
	case TierMedium:
		return c.setMedium(i, v, oldestLiveReader)
	default:
		return c.setBig(i, v, oldestLiveReader)
	}
}

func (c *StringColumn) SetNull(i int, oldestLiveReader uint64) error {
	switch c.tier {
	case TierShort:
		return c.short.Set(i, append([]byte{shortNullMarker}, make([]byte, shortSlotSize-1)...))
	case TierMedium:
		return c.lengths.Set(i, encodeInt32(-1))
	default:
		return c.refs.SetRefAt(i, storage.NullRef)
	}
}

func (c *StringColumn) setShort(i int, v string) error {
	if len(v) > shortMax {
		return fmt.Errorf("variant: string too long for short tier")
	}
	slot := make([]byte, shortSlotSize)
	slot[0] = byte(len(v))
	copy(slot[1:], v)
	return c.short.Set(i, slot)
}

func (c *StringColumn) setMedium(i int, v string, oldestLiveReader uint64) error {
	grown, offset, err := c.blobRef.Append(c.alloc, []byte(v), oldestLiveReader)
	if err != nil {
		return err
	}
	c.blobRef = grown

	if err := c.lengths.Set(i, encodeInt32(int32(len(v)))); err != nil {
		return err
	}
	return c.offsets.Set(i, encodeInt32(int32(offset)))
}

func (c *StringColumn) setBig(i int, v string, oldestLiveReader uint64) error {
	b, err := newBlob(c.alloc, len(v), oldestLiveReader)
	if err != nil {
		return err
	}
	for idx, by := range []byte(v) {
		if err := b.fa.Set(idx, []byte{by}); err != nil {
			return err
		}
	}
	return c.refs.SetRefAt(i, b.Ref())
}

// Grow extends the column by one null row at the end, for callers
// that build the column up one append at a time rather than
// allocating its final size up front (internal/intern's persistent
// string table is the one such caller: spec.md §4.7 has new strings
// "appended to the interner's persistent arrays" on every commit).
// Follow with Set(Len()-1, value, ...) to populate the new row.
func (c *StringColumn) Grow(oldestLiveReader uint64) error {
	switch c.tier {
	case TierShort:
		fill := append([]byte{shortNullMarker}, make([]byte, shortSlotSize-1)...)
		grown, err := growFixedArray(c.alloc, c.short, 1, fill, oldestLiveReader)
		if err != nil {
			return err
		}
		c.short = grown
	case TierMedium:
		lengths, err := growFixedArray(c.alloc, c.lengths, 1, encodeInt32(-1), oldestLiveReader)
		if err != nil {
			return err
		}
		offsets, err := growFixedArray(c.alloc, c.offsets, 1, encodeInt32(0), oldestLiveReader)
		if err != nil {
			return err
		}
		c.lengths, c.offsets = lengths, offsets
	default:
		next, err := c.refs.Insert(c.refs.Len(), int64(storage.NullRef), oldestLiveReader)
		if err != nil {
			return err
		}
		c.alloc.Free(c.refs.Ref, int64(c.refs.Header.CapacityB))
		c.refs = next
	}
	return nil
}

// ensureTierFor upgrades the column's tier, rebuilding all existing
// rows in the new representation, if length exceeds what the current
// tier can hold.
func (c *StringColumn) ensureTierFor(length int, oldestLiveReader uint64) error {
	switch {
	case c.tier == TierShort && length <= shortMax:
		return nil
	case c.tier == TierMedium && length <= mediumMax:
		return nil
	case c.tier == TierBig:
		return nil
	}

	target := TierMedium
	if length > mediumMax {
		target = TierBig
	}
	return c.upgradeTo(target, oldestLiveReader)
}

func (c *StringColumn) upgradeTo(target Tier, oldestLiveReader uint64) error {
	n := c.Len()
	values := make([]string, n)
	nulls := make([]bool, n)
	for i := 0; i < n; i++ {
		v, ok, err := c.Get(i)
		if err != nil {
			return err
		}
		values[i], nulls[i] = v, !ok
	}

	c.freeTierNodes()
	switch target {
	case TierMedium:
		lengths, err := createFixedArray(c.alloc, n, 4, encodeInt32(-1), oldestLiveReader)
		if err != nil {
			return err
		}
		offsets, err := createFixedArray(c.alloc, n, 4, encodeInt32(0), oldestLiveReader)
		if err != nil {
			return err
		}
		blobStore, err := newBlob(c.alloc, 1, oldestLiveReader)
		if err != nil {
			return err
		}
		c.tier, c.short, c.lengths, c.offsets, c.blobRef = TierMedium, nil, lengths, offsets, blobStore
	case TierBig:
		refs, err := array.Create(c.alloc, array.HasRefs, n, 0, oldestLiveReader)
		if err != nil {
			return err
		}
		c.tier, c.short, c.lengths, c.offsets, c.blobRef, c.refs = TierBig, nil, nil, nil, nil, refs
	}

	for i := 0; i < n; i++ {
		if nulls[i] {
			if err := c.SetNull(i, oldestLiveReader); err != nil {
				return err
			}
			continue
		}
		if err := c.writeAtCurrentTier(i, values[i], oldestLiveReader); err != nil {
			return err
		}
	}
	return nil
}

// freeTierNodes retires the nodes backing the column's current tier,
// once upgradeTo has captured every row they held.
func (c *StringColumn) freeTierNodes() {
	switch c.tier {
	case TierShort:
		c.alloc.Free(c.short.ref, int64(c.short.header.CapacityB))
	case TierMedium:
		c.alloc.Free(c.lengths.ref, int64(c.lengths.header.CapacityB))
		c.alloc.Free(c.offsets.ref, int64(c.offsets.header.CapacityB))
		c.alloc.Free(c.blobRef.Ref(), int64(c.blobRef.fa.header.CapacityB))
	}
}

// writeAtCurrentTier sets i without re-checking for a further tier
// upgrade, used while replaying rows during upgradeTo.
func (c *StringColumn) writeAtCurrentTier(i int, v string, oldestLiveReader uint64) error {
	switch c.tier {
	case TierMedium:
		return c.setMedium(i, v, oldestLiveReader)
	default:
		return c.setBig(i, v, oldestLiveReader)
	}
}
