package variant

import (
	"math"

	"github.com/stratadb/strata/internal/storage"
)

// Timestamp is a (seconds, nanoseconds) pair, stored as two parallel
// WidthMultiply arrays per spec.md §4.5. Null is encoded as
// seconds == math.MinInt64.
type Timestamp struct {
	Seconds     int64
	Nanoseconds int32
}

const nullSeconds = math.MinInt64

type TimestampColumn struct {
	seconds *fixedArray
	nanos   *fixedArray
}

func CreateTimestampColumn(alloc *storage.Allocator, n int, oldestLiveReader uint64) (*TimestampColumn, error) {
	seconds, err := createFixedArray(alloc, n, 8, encodeInt64(nullSeconds), oldestLiveReader)
	if err != nil {
		return nil, err
	}
	nanos, err := createFixedArray(alloc, n, 4, encodeInt32(0), oldestLiveReader)
	if err != nil {
		return nil, err
	}
	return &TimestampColumn{seconds: seconds, nanos: nanos}, nil
}

func LoadTimestampColumn(alloc *storage.Allocator, secondsRef, nanosRef storage.Ref) (*TimestampColumn, error) {
	seconds, err := loadFixedArray(alloc, secondsRef, 8)
	if err != nil {
		return nil, err
	}
	nanos, err := loadFixedArray(alloc, nanosRef, 4)
	if err != nil {
		return nil, err
	}
	return &TimestampColumn{seconds: seconds, nanos: nanos}, nil
}

func (c *TimestampColumn) SecondsRef() storage.Ref { return c.seconds.ref }
func (c *TimestampColumn) NanosRef() storage.Ref   { return c.nanos.ref }
func (c *TimestampColumn) Len() int                { return c.seconds.Len() }

func (c *TimestampColumn) Get(i int) (value Timestamp, ok bool, err error) {
	secRaw, err := c.seconds.Get(i)
	if err != nil {
		return Timestamp{}, false, err
	}
	sec := int64(leUint64(secRaw))
	if sec == nullSeconds {
		return Timestamp{}, false, nil
	}

	nanoRaw, err := c.nanos.Get(i)
	if err != nil {
		return Timestamp{}, false, err
	}
	return Timestamp{Seconds: sec, Nanoseconds: int32(leUint64(nanoRaw))}, true, nil
}

func (c *TimestampColumn) Set(i int, v Timestamp) error {
	if err := c.seconds.Set(i, encodeInt64(v.Seconds)); err != nil {
		return err
	}
	return c.nanos.Set(i, encodeInt32(v.Nanoseconds))
}

func (c *TimestampColumn) SetNull(i int) error {
	if err := c.seconds.Set(i, encodeInt64(nullSeconds)); err != nil {
		return err
	}
	return c.nanos.Set(i, encodeInt32(0))
}

func encodeInt64(v int64) []byte {
	out := make([]byte, 8)
	u := uint64(v)
	for i := 0; i < 8; i++ {
		out[i] = byte(u >> (8 * uint(i)))
	}
	return out
}

func encodeInt32(v int32) []byte {
	out := make([]byte, 4)
	u := uint32(v)
	for i := 0; i < 4; i++ {
		out[i] = byte(u >> (8 * uint(i)))
	}
	return out
}
