// Package array implements the universal persistent node described in
// spec.md §4.4: a self-describing, bit-packed vector of signed
// integers (or refs, when flagged has_refs) built on top of
// internal/bitpack's header and payload codecs.
//
// The CoW discipline follows sirgallo/mari's path-copy-and-CAS style
// (Node.go's copyINode / compareAndSwap): a node is mutable only while
// it lives in slab space, and any write that would touch a
// file-backed node instead clones it, writes through the clone, and
// asks the caller to swap the parent's child-ref slot.
package array

import (
	"errors"
	"fmt"

	"github.com/stratadb/strata/internal/bitpack"
	"github.com/stratadb/strata/internal/storage"
)

// Kind distinguishes the three array roles spec.md §4.4 names.
type Kind int

const (
	Normal Kind = iota
	HasRefs
	InnerBPTree
)

// Array is an in-memory handle onto one persistent node: its ref, its
// decoded header, and the raw bytes of its payload. Mutating methods
// operate on Data directly when the node is slab-backed; callers must
// route through CoW (cow.go) before mutating a node that might be
// file-backed.
type Array struct {
	Ref    storage.Ref
	Header bitpack.Header
	Data   []byte // payload bytes, immediately following the header
	alloc  *storage.Allocator
}

// Load decodes the node at ref into an Array.
func Load(alloc *storage.Allocator, ref storage.Ref) (*Array, error) {
	raw, err := alloc.Translate(ref, bitpack.Size)
	if err != nil {
		return nil, err
	}
	h, err := bitpack.Decode(raw)
	if err != nil {
		return nil, err
	}

	payload, err := alloc.Translate(ref, int64(h.CapacityB))
	if err != nil {
		return nil, err
	}
	return &Array{Ref: ref, Header: h, Data: payload[bitpack.Size:], alloc: alloc}, nil
}

// Create allocates a fresh node of the given kind, sized to hold
// initSize elements at the minimal width needed for initValue, filled
// with initValue throughout (spec.md §4.4 `create`).
func Create(alloc *storage.Allocator, kind Kind, initSize int, initValue int64, oldestLiveReader uint64) (*Array, error) {
	return createAtWidth(alloc, kind, initSize, bitpack.WidthFor(initValue), initValue, oldestLiveReader)
}

// CreateAtWidth allocates a fresh node pre-sized to width bits per
// element even if fill would fit a narrower width. Used when the
// caller already knows every value that will be stored (e.g.
// rebuilding after an insert/erase), to avoid a spurious widen on the
// first Set call.
func CreateAtWidth(alloc *storage.Allocator, kind Kind, initSize int, width uint8, fill int64, oldestLiveReader uint64) (*Array, error) {
	return createAtWidth(alloc, kind, initSize, width, fill, oldestLiveReader)
}

func createAtWidth(alloc *storage.Allocator, kind Kind, initSize int, width uint8, initValue int64, oldestLiveReader uint64) (*Array, error) {
	// Ref-bearing nodes are always full-width: a child slot must be
	// able to receive any ref the allocator can hand out (slab refs sit
	// far above the file region), and Set never widens in place.
	if kind != Normal {
		width = 64
	}
	code, err := bitpack.CodeForBitWidth(width)
	if err != nil {
		return nil, err
	}

	payloadBits := initSize * int(width)
	payloadBytes := (payloadBits + 7) / 8
	capacity := alignCapacity(bitpack.Size + payloadBytes)

	ref, err := alloc.Alloc(int64(capacity), oldestLiveReader)
	if err != nil {
		return nil, err
	}

	h := bitpack.Header{
		Kind:         bitpack.WidthBits,
		WidthCode:    code,
		ElementCount: uint32(initSize),
		CapacityB:    uint32(capacity),
	}
	if kind == HasRefs {
		h.Flags |= bitpack.HasRefs
	}
	if kind == InnerBPTree {
		h.Flags |= bitpack.HasRefs | bitpack.InnerBPTree
	}

	buf := make([]byte, capacity)
	hdrBytes := h.Encode()
	copy(buf, hdrBytes[:])

	a := &Array{Ref: ref, Header: h, Data: buf[bitpack.Size:], alloc: alloc}
	for i := 0; i < initSize; i++ {
		if err := a.payload().Set(i, initValue); err != nil {
			return nil, err
		}
	}
	if err := alloc.WriteMutable(ref, buf); err != nil {
		return nil, err
	}
	return a, nil
}

func alignCapacity(n int) int {
	return (n + 7) &^ 7
}

func (a *Array) payload() bitpack.Payload {
	return bitpack.NewPayload(a.Header, a.Data)
}

// Len returns the current element count.
func (a *Array) Len() int { return int(a.Header.ElementCount) }

// Allocator returns the allocator this node was created with, for
// callers (such as internal/variant) that need to allocate sibling
// nodes at a matching width.
func (a *Array) Allocator() *storage.Allocator { return a.alloc }

// IsRefArray reports whether elements are refs rather than plain values.
func (a *Array) IsRefArray() bool { return a.Header.Flags&bitpack.HasRefs != 0 }

// Get reads element i as a signed integer.
func (a *Array) Get(i int) (int64, error) {
	return a.payload().Get(i)
}

// Set writes v into element i in place, provided the node is
// slab-backed and v fits the current width. Callers must have already
// resolved the node through CoW (see EnsureWritable) before calling
// Set on a node that might be file-backed.
func (a *Array) Set(i int, v int64) error {
	if err := a.payload().Set(i, v); err != nil {
		return err
	}
	return a.persist()
}

// Fits reports whether v can be stored in this node without widening.
func (a *Array) Fits(v int64) bool {
	width, err := bitpack.BitWidthForCode(a.Header.WidthCode)
	if err != nil {
		return false
	}
	return bitpack.WidthFor(v) <= width
}

// Update writes v at i: in place when the node is still mutable this
// transaction and v fits the current width, otherwise by rebuilding
// the node at a sufficient width. The old node is freed on a rebuild;
// the caller must re-reference the returned node either way.
func (a *Array) Update(i int, v int64, oldestLiveReader uint64) (*Array, error) {
	if a.alloc.IsMutable(a.Ref) && a.Fits(v) {
		if err := a.Set(i, v); err != nil {
			return nil, err
		}
		return a, nil
	}

	values := a.readAll()
	if i < 0 || i >= len(values) {
		return nil, fmt.Errorf("array: update position %d out of range [0,%d)", i, len(values))
	}
	values[i] = v
	next, err := a.rebuild(values, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	a.alloc.Free(a.Ref, int64(a.Header.CapacityB))
	return next, nil
}

// GetRefAt reads element i as a ref (spec.md §4.4 `get_ref_at`).
func (a *Array) GetRefAt(i int) (storage.Ref, error) {
	if !a.IsRefArray() {
		return storage.NullRef, errors.New("array: get_ref_at on non-ref array")
	}
	v, err := a.Get(i)
	if err != nil {
		return storage.NullRef, err
	}
	return storage.Ref(v), nil
}

// SetRefAt writes a ref into element i (spec.md §4.4 `set_ref_at`).
func (a *Array) SetRefAt(i int, ref storage.Ref) error {
	if !a.IsRefArray() {
		return errors.New("array: set_ref_at on non-ref array")
	}
	return a.Set(i, int64(ref))
}

// Insert grows the node by one element at position pos, shifting
// later elements up. Always reallocates: spec.md §4.3 invariant (c)
// forbids mutating capacity after creation.
func (a *Array) Insert(pos int, v int64, oldestLiveReader uint64) (*Array, error) {
	if pos < 0 || pos > a.Len() {
		return nil, fmt.Errorf("array: insert position %d out of range [0,%d]", pos, a.Len())
	}

	values := a.readAll()
	values = append(values[:pos:pos], append([]int64{v}, values[pos:]...)...)
	return a.rebuild(values, oldestLiveReader)
}

// Erase removes the element at pos (spec.md §4.4 `erase`).
func (a *Array) Erase(pos int, oldestLiveReader uint64) (*Array, error) {
	if pos < 0 || pos >= a.Len() {
		return nil, fmt.Errorf("array: erase position %d out of range [0,%d)", pos, a.Len())
	}

	values := a.readAll()
	values = append(values[:pos], values[pos+1:]...)
	return a.rebuild(values, oldestLiveReader)
}

// Truncate shrinks the node to its first n elements (spec.md §4.4 `truncate`).
func (a *Array) Truncate(n int, oldestLiveReader uint64) (*Array, error) {
	if n < 0 || n > a.Len() {
		return nil, fmt.Errorf("array: truncate length %d out of range [0,%d]", n, a.Len())
	}
	return a.rebuild(a.readAll()[:n], oldestLiveReader)
}

// Clear empties the node (spec.md §4.4 `clear`).
func (a *Array) Clear(oldestLiveReader uint64) (*Array, error) {
	return a.rebuild(nil, oldestLiveReader)
}

func (a *Array) readAll() []int64 {
	out := make([]int64, a.Len())
	p := a.payload()
	for i := range out {
		out[i], _ = p.Get(i)
	}
	return out
}

// rebuild allocates a brand new node sized for values and populates
// it, preserving this node's kind flags. The caller is responsible
// for destroying the old node (if file-backed, via a pending free) and
// updating the parent's child-ref slot.
func (a *Array) rebuild(values []int64, oldestLiveReader uint64) (*Array, error) {
	kind := Normal
	switch {
	case a.Header.Flags&bitpack.InnerBPTree != 0:
		kind = InnerBPTree
	case a.Header.Flags&bitpack.HasRefs != 0:
		kind = HasRefs
	}

	var maxWidth uint8
	for _, v := range values {
		if w := bitpack.WidthFor(v); w > maxWidth {
			maxWidth = w
		}
	}

	next, err := CreateAtWidth(a.alloc, kind, len(values), maxWidth, 0, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if err := next.Set(i, v); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (a *Array) persist() error {
	buf := make([]byte, a.Header.CapacityB)
	hdrBytes := a.Header.Encode()
	copy(buf, hdrBytes[:])
	copy(buf[bitpack.Size:], a.Data)
	return a.alloc.WriteMutable(a.Ref, buf)
}

// Destroy releases the node's storage. If the node is a has_refs
// array, every element is first interpreted as a ref and destroyed
// recursively (spec.md §3: "destroy_deep walks refs following
// has_refs").
func (a *Array) Destroy(oldestLiveReader uint64) error {
	if a.IsRefArray() {
		inner := a.Header.Flags&bitpack.InnerBPTree != 0
		for i := 0; i < a.Len(); i++ {
			if inner && i%2 == 1 {
				continue // separator value or trailing count, not a ref
			}
			childRef, err := a.GetRefAt(i)
			if err != nil {
				return err
			}
			if childRef == storage.NullRef {
				continue
			}
			child, err := Load(a.alloc, childRef)
			if err != nil {
				return err
			}
			if err := child.Destroy(oldestLiveReader); err != nil {
				return err
			}
		}
	}
	a.alloc.Free(a.Ref, int64(a.Header.CapacityB))
	return nil
}
