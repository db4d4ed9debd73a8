package variant

import (
	"fmt"

	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/bitpack"
	"github.com/stratadb/strata/internal/storage"
)

// IntColumn stores nullable signed 64-bit integers. The null sentinel
// is the top of the representable range for the column's current
// width (spec.md §4.5/§4.3); storing a value that collides with the
// sentinel forces a widen to the next width up. Width 64 has none, so
// Set rejects math.MaxInt64 on a nullable column.
type IntColumn struct {
	arr      *array.Array
	nullable bool
}

// CreateIntColumn allocates n rows, each initialized to 0 (or null,
// when nullable).
func CreateIntColumn(alloc *storage.Allocator, n int, nullable bool, oldestLiveReader uint64) (*IntColumn, error) {
	a, err := array.Create(alloc, array.Normal, n, 0, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	c := &IntColumn{arr: a, nullable: nullable}
	if nullable {
		for i := 0; i < n; i++ {
			if err := c.SetNull(i, oldestLiveReader); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// LoadIntColumn wraps an already-persisted node.
func LoadIntColumn(alloc *storage.Allocator, ref storage.Ref, nullable bool) (*IntColumn, error) {
	a, err := array.Load(alloc, ref)
	if err != nil {
		return nil, err
	}
	return &IntColumn{arr: a, nullable: nullable}, nil
}

// Ref returns the underlying node's ref.
func (c *IntColumn) Ref() storage.Ref { return c.arr.Ref }

func (c *IntColumn) currentWidth() (uint8, error) {
	return bitpack.BitWidthForCode(c.arr.Header.WidthCode)
}

// Get returns the value at i; ok is false if the column is nullable
// and the slot holds the sentinel.
func (c *IntColumn) Get(i int) (value int64, ok bool, err error) {
	v, err := c.arr.Get(i)
	if err != nil {
		return 0, false, err
	}
	if c.nullable {
		width, err := c.currentWidth()
		if err != nil {
			return 0, false, err
		}
		if v == bitpack.NullSentinel(width) {
			return 0, false, nil
		}
	}
	return v, true, nil
}

// Set writes v at i, widening the underlying node first if v (or the
// column's null sentinel, once widened) would not otherwise fit.
func (c *IntColumn) Set(i int, v int64, oldestLiveReader uint64) error {
	if err := c.ensureFits(v, oldestLiveReader); err != nil {
		return err
	}
	return c.arr.Set(i, v)
}

// SetNull writes the null sentinel at i; fails if the column is not nullable.
func (c *IntColumn) SetNull(i int, oldestLiveReader uint64) error {
	if !c.nullable {
		return fmt.Errorf("variant: column is not nullable")
	}
	width, err := c.currentWidth()
	if err != nil {
		return err
	}
	return c.arr.Set(i, bitpack.NullSentinel(width))
}

// ensureFits widens the backing node in place (by rebuilding at a
// larger width) when v does not fit the current width, or when v
// collides with the current width's null sentinel on a nullable
// column.
func (c *IntColumn) ensureFits(v int64, oldestLiveReader uint64) error {
	width, err := c.currentWidth()
	if err != nil {
		return err
	}
	needed := bitpack.WidthFor(v)
	collides := c.nullable && needed <= width && v == bitpack.NullSentinel(width)
	if needed <= width && !collides {
		return nil
	}

	nextWidth := needed
	if nextWidth <= width {
		nextWidth = nextWidthUp(width)
	}
	// A sentinel at nextWidth might itself collide with the rebuilt
	// column's widest stored value; keep widening until it doesn't.
	for c.nullable && nextWidth < 64 {
		sentinel := bitpack.NullSentinel(nextWidth)
		if sentinel != v {
			break
		}
		nextWidth = nextWidthUp(nextWidth)
	}
	if c.nullable && v == bitpack.NullSentinel(nextWidth) {
		return fmt.Errorf("variant: value %d collides with the null sentinel", v)
	}

	oldSentinel := bitpack.NullSentinel(width)
	newSentinel := bitpack.NullSentinel(nextWidth)

	values := make([]int64, c.arr.Len())
	for i := range values {
		raw, err := c.arr.Get(i)
		if err != nil {
			return err
		}
		if c.nullable && raw == oldSentinel {
			raw = newSentinel
		}
		values[i] = raw
	}

	rebuilt, err := array.CreateAtWidth(c.arr.Allocator(), array.Normal, len(values), nextWidth, newSentinel, oldestLiveReader)
	if err != nil {
		return err
	}
	for i, old := range values {
		if err := rebuilt.Set(i, old); err != nil {
			return err
		}
	}
	c.arr = rebuilt
	return nil
}

func nextWidthUp(width uint8) uint8 {
	switch width {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	case 4:
		return 8
	case 8:
		return 16
	case 16:
		return 32
	default:
		return 64
	}
}
