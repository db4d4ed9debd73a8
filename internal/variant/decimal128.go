package variant

import "github.com/stratadb/strata/internal/storage"

// Decimal128 is a 128-bit IEEE 754-2008 decimal value, stored as its
// raw 16-byte little-endian bit pattern (spec.md §4.5 WidthMultiply
// 16). The reserved NaN-like pattern (all bits set) marks null.
type Decimal128 [16]byte

var decimal128Null = Decimal128{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

type Decimal128Column struct {
	fa *fixedArray
}

func CreateDecimal128Column(alloc *storage.Allocator, n int, oldestLiveReader uint64) (*Decimal128Column, error) {
	fa, err := createFixedArray(alloc, n, 16, decimal128Null[:], oldestLiveReader)
	if err != nil {
		return nil, err
	}
	return &Decimal128Column{fa: fa}, nil
}

func LoadDecimal128Column(alloc *storage.Allocator, ref storage.Ref) (*Decimal128Column, error) {
	fa, err := loadFixedArray(alloc, ref, 16)
	if err != nil {
		return nil, err
	}
	return &Decimal128Column{fa: fa}, nil
}

func (c *Decimal128Column) Ref() storage.Ref { return c.fa.ref }
func (c *Decimal128Column) Len() int         { return c.fa.Len() }

func (c *Decimal128Column) Get(i int) (value Decimal128, ok bool, err error) {
	raw, err := c.fa.Get(i)
	if err != nil {
		return Decimal128{}, false, err
	}
	copy(value[:], raw)
	if value == decimal128Null {
		return Decimal128{}, false, nil
	}
	return value, true, nil
}

func (c *Decimal128Column) Set(i int, v Decimal128) error {
	return c.fa.Set(i, v[:])
}

func (c *Decimal128Column) SetNull(i int) error {
	return c.fa.Set(i, decimal128Null[:])
}
