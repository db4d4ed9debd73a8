package variant

import "github.com/stratadb/strata/internal/storage"

// blob is a single growable byte buffer backing the medium tier of
// String/Binary columns (spec.md §4.5: "parent array of (length,
// offset) + single blob child"). Growth reallocates and copies, since
// blob nodes are rewritten wholesale on any append past capacity —
// acceptable for a column whose mutation path already rebuilds on
// tier transition.
type blob struct {
	fa *fixedArray
}

func newBlob(alloc *storage.Allocator, capacity int, oldestLiveReader uint64) (*blob, error) {
	// A zero-capacity blob is valid: an empty big-tier value reads back
	// as zero bytes via Cap() == 0.
	fa, err := createFixedArray(alloc, capacity, 1, []byte{0}, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	return &blob{fa: fa}, nil
}

func loadBlob(alloc *storage.Allocator, ref storage.Ref) (*blob, error) {
	fa, err := loadFixedArray(alloc, ref, 1)
	if err != nil {
		return nil, err
	}
	return &blob{fa: fa}, nil
}

func (b *blob) Ref() storage.Ref { return b.fa.ref }
func (b *blob) Cap() int         { return b.fa.Len() }

func (b *blob) Read(offset, length int) ([]byte, error) {
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		v, err := b.fa.Get(offset + i)
		if err != nil {
			return nil, err
		}
		out[i] = v[0]
	}
	return out, nil
}

// Append writes data starting at offset, growing the underlying node
// (via a fresh allocation) first if it would not otherwise fit.
// Returns the (possibly new) blob and the offset the data was written at.
func (b *blob) Append(alloc *storage.Allocator, data []byte, oldestLiveReader uint64) (*blob, int, error) {
	offset := b.Cap()
	needed := offset + len(data)
	if needed <= b.Cap() {
		for i, by := range data {
			if err := b.fa.Set(offset+i, []byte{by}); err != nil {
				return nil, 0, err
			}
		}
		return b, offset, nil
	}

	grown, err := b.grow(alloc, needed, oldestLiveReader)
	if err != nil {
		return nil, 0, err
	}
	for i, by := range data {
		if err := grown.fa.Set(offset+i, []byte{by}); err != nil {
			return nil, 0, err
		}
	}
	return grown, offset, nil
}

func (b *blob) grow(alloc *storage.Allocator, minCap int, oldestLiveReader uint64) (*blob, error) {
	newCap := b.Cap() * 2
	if newCap < minCap {
		newCap = minCap
	}
	if newCap < 1 {
		newCap = 1
	}

	next, err := newBlob(alloc, newCap, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	for i := 0; i < b.Cap(); i++ {
		v, err := b.fa.Get(i)
		if err != nil {
			return nil, err
		}
		if err := next.fa.Set(i, v); err != nil {
			return nil, err
		}
	}
	return next, nil
}
