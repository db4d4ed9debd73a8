package variant

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/stratadb/strata/internal/storage"
)

// ObjectId is a MongoDB-style 12-byte identifier: a 4-byte seconds
// timestamp, 5 random bytes drawn afresh by each NewObjectId call,
// and a 3-byte counter
// (spec.md §4.5 WidthMultiply 12). All-zero marks null.
type ObjectId [12]byte

var objectIDCounter atomic.Uint32

func NewObjectId() ObjectId {
	var id ObjectId
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	rand.Read(id[4:9])

	c := objectIDCounter.Add(1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

func (id ObjectId) String() string {
	return fmt.Sprintf("%x", [12]byte(id))
}

type ObjectIdColumn struct {
	fa *fixedArray
}

func CreateObjectIdColumn(alloc *storage.Allocator, n int, oldestLiveReader uint64) (*ObjectIdColumn, error) {
	var zero ObjectId
	fa, err := createFixedArray(alloc, n, 12, zero[:], oldestLiveReader)
	if err != nil {
		return nil, err
	}
	return &ObjectIdColumn{fa: fa}, nil
}

func LoadObjectIdColumn(alloc *storage.Allocator, ref storage.Ref) (*ObjectIdColumn, error) {
	fa, err := loadFixedArray(alloc, ref, 12)
	if err != nil {
		return nil, err
	}
	return &ObjectIdColumn{fa: fa}, nil
}

func (c *ObjectIdColumn) Ref() storage.Ref { return c.fa.ref }
func (c *ObjectIdColumn) Len() int         { return c.fa.Len() }

func (c *ObjectIdColumn) Get(i int) (value ObjectId, ok bool, err error) {
	raw, err := c.fa.Get(i)
	if err != nil {
		return ObjectId{}, false, err
	}
	copy(value[:], raw)
	if value == (ObjectId{}) {
		return ObjectId{}, false, nil
	}
	return value, true, nil
}

func (c *ObjectIdColumn) Set(i int, v ObjectId) error {
	return c.fa.Set(i, v[:])
}

func (c *ObjectIdColumn) SetNull(i int) error {
	var zero ObjectId
	return c.fa.Set(i, zero[:])
}
