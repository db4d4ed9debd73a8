package variant

import (
	"math"

	"github.com/stratadb/strata/internal/storage"
)

// FloatColumn stores IEEE-754 float64 values, WidthMultiply 8 per
// spec.md §4.5. A quiet NaN bit pattern is reserved for null.
type FloatColumn struct {
	fa *fixedArray
}

var nullFloatBits = math.Float64bits(math.NaN())

func CreateFloatColumn(alloc *storage.Allocator, n int, oldestLiveReader uint64) (*FloatColumn, error) {
	fa, err := createFixedArray(alloc, n, 8, encodeFloat64(math.NaN()), oldestLiveReader)
	if err != nil {
		return nil, err
	}
	return &FloatColumn{fa: fa}, nil
}

func LoadFloatColumn(alloc *storage.Allocator, ref storage.Ref) (*FloatColumn, error) {
	fa, err := loadFixedArray(alloc, ref, 8)
	if err != nil {
		return nil, err
	}
	return &FloatColumn{fa: fa}, nil
}

func (c *FloatColumn) Ref() storage.Ref { return c.fa.ref }
func (c *FloatColumn) Len() int         { return c.fa.Len() }

func (c *FloatColumn) Get(i int) (value float64, ok bool, err error) {
	raw, err := c.fa.Get(i)
	if err != nil {
		return 0, false, err
	}
	bits := leUint64(raw)
	if bits == nullFloatBits {
		return 0, false, nil
	}
	return math.Float64frombits(bits), true, nil
}

func (c *FloatColumn) Set(i int, v float64) error {
	return c.fa.Set(i, encodeFloat64(v))
}

func (c *FloatColumn) SetNull(i int) error {
	return c.fa.Set(i, encodeFloat64(math.NaN()))
}

func encodeFloat64(v float64) []byte {
	bits := math.Float64bits(v)
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(bits >> (8 * uint(i)))
	}
	return out
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}
