// Package variant implements the leaf column types spec.md §4.5
// names: Bool, Int, Float/Double, String/Binary (three size tiers),
// Timestamp, Decimal128, ObjectId, UUID and Mixed. Integer-backed
// leaves (Bool, Int) are thin typed views over internal/array's
// bit-packed vector; fixed-width leaves (Float, Decimal128, ObjectId,
// UUID) are byte arrays addressed directly through the allocator,
// following the WidthMultiply convention spec.md's header defines.
package variant

import (
	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/storage"
)

// boolNull is the sentinel value spec.md §4.5 reserves for a null
// Bool: 2, one past the two real values 0 (false) and 1 (true).
const boolNull = 2

// BoolColumn stores one bit (or two, when nullable) per row.
type BoolColumn struct {
	arr *array.Array
}

// CreateBoolColumn allocates a column of n rows, each initialized to
// false, or to null when nullable.
func CreateBoolColumn(alloc *storage.Allocator, n int, nullable bool, oldestLiveReader uint64) (*BoolColumn, error) {
	init := int64(0)
	width := uint8(1)
	if nullable {
		init = boolNull
		width = 2
	}
	// One bit per row holds 0/1; a nullable column takes two so the
	// sentinel 2 fits (spec.md §4.5's Bool row).
	a, err := array.CreateAtWidth(alloc, array.Normal, n, width, init, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	return &BoolColumn{arr: a}, nil
}

// LoadBoolColumn wraps an already-persisted node as a BoolColumn.
func LoadBoolColumn(alloc *storage.Allocator, ref storage.Ref) (*BoolColumn, error) {
	a, err := array.Load(alloc, ref)
	if err != nil {
		return nil, err
	}
	return &BoolColumn{arr: a}, nil
}

// Ref returns the underlying node's ref.
func (c *BoolColumn) Ref() storage.Ref { return c.arr.Ref }

// Get returns the value at i; ok is false when the slot holds the
// null sentinel.
func (c *BoolColumn) Get(i int) (value bool, ok bool, err error) {
	v, err := c.arr.Get(i)
	if err != nil {
		return false, false, err
	}
	if v == boolNull {
		return false, false, nil
	}
	return v != 0, true, nil
}

// Set writes a non-null value at i.
func (c *BoolColumn) Set(i int, v bool) error {
	val := int64(0)
	if v {
		val = 1
	}
	return c.arr.Set(i, val)
}

// SetNull writes the null sentinel at i.
func (c *BoolColumn) SetNull(i int) error {
	return c.arr.Set(i, boolNull)
}
