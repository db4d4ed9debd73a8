package variant

import (
	"github.com/google/uuid"

	"github.com/stratadb/strata/internal/storage"
)

// UUIDColumn stores RFC 4122 UUIDs, WidthMultiply 16 per spec.md
// §4.5. The nil UUID (all-zero) marks null.
type UUIDColumn struct {
	fa *fixedArray
}

func CreateUUIDColumn(alloc *storage.Allocator, n int, oldestLiveReader uint64) (*UUIDColumn, error) {
	var zero uuid.UUID
	fa, err := createFixedArray(alloc, n, 16, zero[:], oldestLiveReader)
	if err != nil {
		return nil, err
	}
	return &UUIDColumn{fa: fa}, nil
}

func LoadUUIDColumn(alloc *storage.Allocator, ref storage.Ref) (*UUIDColumn, error) {
	fa, err := loadFixedArray(alloc, ref, 16)
	if err != nil {
		return nil, err
	}
	return &UUIDColumn{fa: fa}, nil
}

func (c *UUIDColumn) Ref() storage.Ref { return c.fa.ref }
func (c *UUIDColumn) Len() int         { return c.fa.Len() }

func (c *UUIDColumn) Get(i int) (value uuid.UUID, ok bool, err error) {
	raw, err := c.fa.Get(i)
	if err != nil {
		return uuid.UUID{}, false, err
	}
	copy(value[:], raw)
	if value == (uuid.UUID{}) {
		return uuid.UUID{}, false, nil
	}
	return value, true, nil
}

func (c *UUIDColumn) Set(i int, v uuid.UUID) error {
	return c.fa.Set(i, v[:])
}

func (c *UUIDColumn) SetNull(i int) error {
	var zero uuid.UUID
	return c.fa.Set(i, zero[:])
}
