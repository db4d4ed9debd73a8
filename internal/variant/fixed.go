package variant

import (
	"fmt"

	"github.com/stratadb/strata/internal/bitpack"
	"github.com/stratadb/strata/internal/storage"
)

// fixedArray is the WidthMultiply encoding spec.md §4.3 describes:
// each element occupies a fixed byte count, stored back to back right
// after the header, with no bit-packing. Float/Double, Decimal128,
// ObjectId, UUID and the two halves of Timestamp all share this
// representation with different element sizes and null bit patterns.
type fixedArray struct {
	ref      storage.Ref
	header   bitpack.Header
	data     []byte
	alloc    *storage.Allocator
	elemSize int
}

func createFixedArray(alloc *storage.Allocator, n, elemSize int, fill []byte, oldestLiveReader uint64) (*fixedArray, error) {
	if len(fill) != elemSize {
		return nil, fmt.Errorf("variant: fill length %d does not match element size %d", len(fill), elemSize)
	}

	payloadBytes := n * elemSize
	capacity := (bitpack.Size + payloadBytes + 7) &^ 7

	ref, err := alloc.Alloc(int64(capacity), oldestLiveReader)
	if err != nil {
		return nil, err
	}

	h := bitpack.Header{
		Kind:         bitpack.WidthMultiply,
		WidthCode:    uint8(elemSize),
		ElementCount: uint32(n),
		CapacityB:    uint32(capacity),
	}

	buf := make([]byte, capacity)
	hdrBytes := h.Encode()
	copy(buf, hdrBytes[:])
	for i := 0; i < n; i++ {
		copy(buf[bitpack.Size+i*elemSize:], fill)
	}

	if err := alloc.WriteMutable(ref, buf); err != nil {
		return nil, err
	}
	return &fixedArray{ref: ref, header: h, data: buf[bitpack.Size:], alloc: alloc, elemSize: elemSize}, nil
}

func loadFixedArray(alloc *storage.Allocator, ref storage.Ref, elemSize int) (*fixedArray, error) {
	hdrBuf, err := alloc.Translate(ref, bitpack.Size)
	if err != nil {
		return nil, err
	}
	h, err := bitpack.Decode(hdrBuf)
	if err != nil {
		return nil, err
	}
	full, err := alloc.Translate(ref, int64(h.CapacityB))
	if err != nil {
		return nil, err
	}
	return &fixedArray{ref: ref, header: h, data: full[bitpack.Size:], alloc: alloc, elemSize: elemSize}, nil
}

func (f *fixedArray) Len() int { return int(f.header.ElementCount) }

func (f *fixedArray) Get(i int) ([]byte, error) {
	if i < 0 || i >= f.Len() {
		return nil, fmt.Errorf("variant: index %d out of range [0,%d)", i, f.Len())
	}
	return f.data[i*f.elemSize : (i+1)*f.elemSize], nil
}

func (f *fixedArray) Set(i int, v []byte) error {
	if i < 0 || i >= f.Len() {
		return fmt.Errorf("variant: index %d out of range [0,%d)", i, f.Len())
	}
	if len(v) != f.elemSize {
		return fmt.Errorf("variant: value length %d does not match element size %d", len(v), f.elemSize)
	}
	copy(f.data[i*f.elemSize:], v)
	return f.persist()
}

// growFixedArray allocates a fresh node with addN extra trailing
// elements filled with fill, copies every existing element across,
// and frees the old node. Used by StringColumn.Grow, which is the one
// caller (internal/intern's append-only string table) that needs a
// column to grow one row at a time outside of a tier upgrade.
func growFixedArray(alloc *storage.Allocator, old *fixedArray, addN int, fill []byte, oldestLiveReader uint64) (*fixedArray, error) {
	next, err := createFixedArray(alloc, old.Len()+addN, old.elemSize, fill, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	for i := 0; i < old.Len(); i++ {
		v, err := old.Get(i)
		if err != nil {
			return nil, err
		}
		if err := next.Set(i, v); err != nil {
			return nil, err
		}
	}
	alloc.Free(old.ref, int64(old.header.CapacityB))
	return next, nil
}

func (f *fixedArray) persist() error {
	buf := make([]byte, f.header.CapacityB)
	hdrBytes := f.header.Encode()
	copy(buf, hdrBytes[:])
	copy(buf[bitpack.Size:], f.data)
	return f.alloc.WriteMutable(f.ref, buf)
}
