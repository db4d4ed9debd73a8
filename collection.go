package strata

import (
	"fmt"

	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/bitpack"
	"github.com/stratadb/strata/internal/intern"
	"github.com/stratadb/strata/internal/storage"
)

// Collection is a view over one row's collection-typed cell: a List,
// Set or Dictionary column (spec.md §6 "Collection operations exposed
// over ColKey"). The cell stores a ref to an owned per-row node —
// the element array directly for List/Set, a {keys, values} bundle
// for Dictionary — so an empty or never-touched collection costs no
// allocation at all (cell = NullRef).
//
// Element values are encoded exactly as a scalar column of the same
// type would encode them, so every element type a scalar column
// supports works inside a collection too.
type Collection struct {
	obj *Object
	col ColKey
}

// Collection resolves col as a collection view over this row. Fails
// with logic_error for a scalar column.
func (o *Object) Collection(col ColKey) (*Collection, error) {
	if !col.valid() {
		return nil, newError(LogicError, "Object.Collection", fmt.Errorf("invalid column key"))
	}
	if col.Collection() == CollectionScalar {
		return nil, newError(LogicError, "Object.Collection", fmt.Errorf("column is not a collection"))
	}
	return &Collection{obj: o, col: col}, nil
}

func (c *Collection) table() *Table { return c.obj.table }

func (c *Collection) elemKey() ColKey {
	return makeColKey(0, c.col.Type(), c.col.Nullable(), CollectionScalar, 0)
}

// cellRef reads the collection cell's current ref (NullRef = empty).
func (c *Collection) cellRef() (storage.Ref, error) {
	t := c.table()
	raw, err := t.tree.GetValue(c.obj.key, c.col.Index())
	if err != nil {
		return storage.NullRef, newError(IOError, "Collection", err)
	}
	return storage.Ref(raw), nil
}

// elems reads the element array (or the dictionary's parallel arrays)
// into plain int64 slices.
func (c *Collection) elems() (keys, values []int64, err error) {
	ref, err := c.cellRef()
	if err != nil {
		return nil, nil, err
	}
	if ref == storage.NullRef {
		return nil, nil, nil
	}
	alloc := c.table().txn.alloc

	if c.col.Collection() == CollectionDictionary {
		slots, err := loadBundleRefs(alloc, ref, 2)
		if err != nil {
			return nil, nil, newError(IOError, "Collection", err)
		}
		keys, err = readInt64ArrayAll(alloc, slots[0])
		if err != nil {
			return nil, nil, newError(IOError, "Collection", err)
		}
		values, err = readInt64ArrayAll(alloc, slots[1])
		if err != nil {
			return nil, nil, newError(IOError, "Collection", err)
		}
		return keys, values, nil
	}

	values, err = readInt64ArrayAll(alloc, ref)
	if err != nil {
		return nil, nil, newError(IOError, "Collection", err)
	}
	return nil, values, nil
}

// rebuild persists keys/values as a fresh owned node (kind chosen by
// the element type) and swaps it into the cell through the tree's CoW
// path. The previous container nodes are freed shallowly — surviving
// element refs were carried into the replacement — while dropped
// holds the raw values whose owned element nodes (ref-encoded element
// types only) are destroyed deep.
func (c *Collection) rebuild(keys, values, dropped []int64) error {
	t := c.table()
	alloc, oldestLiveReader := t.txn.alloc, t.txn.oldestLiveReader
	kind := columnArrayKind(c.col.Type())

	var newRef storage.Ref
	if len(values) > 0 || len(keys) > 0 {
		arr, err := buildValueArray(alloc, values, kind, oldestLiveReader)
		if err != nil {
			return newError(IOError, "Collection", err)
		}
		newRef = arr
		if c.col.Collection() == CollectionDictionary {
			keysRef, err := buildInt64Array(alloc, keys, oldestLiveReader)
			if err != nil {
				return newError(IOError, "Collection", err)
			}
			newRef, err = buildBundle(alloc, []storage.Ref{keysRef, arr}, oldestLiveReader)
			if err != nil {
				return newError(IOError, "Collection", err)
			}
		}
	}

	err := t.tree.UpdateCell(c.obj.key, c.col.Index(), oldestLiveReader, func(old int64) (int64, error) {
		if ref := storage.Ref(old); ref != storage.NullRef {
			if c.col.Collection() == CollectionDictionary {
				if slots, lerr := loadBundleRefs(alloc, ref, 2); lerr == nil {
					freeShallow(alloc, slots[0], oldestLiveReader)
					freeShallow(alloc, slots[1], oldestLiveReader)
				}
			}
			freeShallow(alloc, ref, oldestLiveReader)
		}
		return int64(newRef), nil
	})
	if err != nil {
		return newError(IOError, "Collection", err)
	}

	if kind == array.HasRefs {
		for _, raw := range dropped {
			if ref := storage.Ref(raw); ref != storage.NullRef {
				if node, lerr := array.Load(alloc, ref); lerr == nil {
					_ = node.Destroy(oldestLiveReader)
				}
			}
		}
	}
	return nil
}

// freeShallow retires one node without following child refs.
func freeShallow(alloc *storage.Allocator, ref storage.Ref, oldestLiveReader uint64) {
	if ref == storage.NullRef {
		return
	}
	if node, err := array.Load(alloc, ref); err == nil {
		alloc.Free(node.Ref, int64(node.Header.CapacityB))
	}
}

// buildValueArray mirrors buildInt64Array but preserves the element
// kind, so a collection of ref-encoded elements keeps destroy-deep
// semantics.
func buildValueArray(alloc *storage.Allocator, values []int64, kind array.Kind, oldestLiveReader uint64) (storage.Ref, error) {
	var maxWidth uint8
	for _, v := range values {
		if w := bitpack.WidthFor(v); w > maxWidth {
			maxWidth = w
		}
	}
	a, err := array.CreateAtWidth(alloc, kind, len(values), maxWidth, 0, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	for i, v := range values {
		if err := a.Set(i, v); err != nil {
			return storage.NullRef, err
		}
	}
	return a.Ref, nil
}

// Size returns the element count.
func (c *Collection) Size() (int, error) {
	_, values, err := c.elems()
	if err != nil {
		return 0, err
	}
	return len(values), nil
}

// Get returns the element at position i (List/Set).
func (c *Collection) Get(i int) (Value, error) {
	_, values, err := c.elems()
	if err != nil {
		return Value{}, err
	}
	if i < 0 || i >= len(values) {
		return Value{}, newError(LogicError, "Collection.Get", fmt.Errorf("index %d out of range [0,%d)", i, len(values)))
	}
	return c.table().decodeCell(c.elemKey(), values[i])
}

// Append adds v at the end of a List.
func (c *Collection) Append(v Value) error {
	return c.Insert(-1, v)
}

// Insert places v at position i of a List (i = -1 appends). On a Set
// column the position is ignored and duplicates are dropped.
func (c *Collection) Insert(i int, v Value) error {
	if err := c.writable(); err != nil {
		return err
	}
	_, values, err := c.elems()
	if err != nil {
		return err
	}

	if c.col.Collection() == CollectionSet {
		raw, err := c.table().encodeRawForCompare(c.elemKey(), v)
		if err != nil {
			return err
		}
		for _, existing := range values {
			if existing == raw {
				return nil
			}
		}
		values = append(values, raw)
		return c.rebuild(nil, values, nil)
	}

	raw, err := c.table().encodeCell(c.elemKey(), v)
	if err != nil {
		return err
	}
	if i < 0 || i > len(values) {
		i = len(values)
	}
	values = append(values[:i:i], append([]int64{raw}, values[i:]...)...)
	return c.rebuild(nil, values, nil)
}

// Contains reports whether a Set (or List) holds v.
func (c *Collection) Contains(v Value) (bool, error) {
	raw, err := c.table().encodeRawForCompare(c.elemKey(), v)
	if err != nil {
		return false, err
	}
	_, values, err := c.elems()
	if err != nil {
		return false, err
	}
	for _, existing := range values {
		if existing == raw {
			return true, nil
		}
	}
	return false, nil
}

// RemoveAt erases the element at position i.
func (c *Collection) RemoveAt(i int) error {
	if err := c.writable(); err != nil {
		return err
	}
	_, values, err := c.elems()
	if err != nil {
		return err
	}
	if i < 0 || i >= len(values) {
		return newError(LogicError, "Collection.RemoveAt", fmt.Errorf("index %d out of range [0,%d)", i, len(values)))
	}
	dropped := values[i]
	values = append(values[:i], values[i+1:]...)
	return c.rebuild(nil, values, []int64{dropped})
}

// Remove erases v from a Set (first match on a List). A missing value
// is not an error.
func (c *Collection) Remove(v Value) error {
	if err := c.writable(); err != nil {
		return err
	}
	raw, err := c.table().encodeRawForCompare(c.elemKey(), v)
	if err != nil {
		return err
	}
	_, values, err := c.elems()
	if err != nil {
		return err
	}
	for i, existing := range values {
		if existing == raw {
			dropped := values[i]
			values = append(values[:i], values[i+1:]...)
			return c.rebuild(nil, values, []int64{dropped})
		}
	}
	return nil
}

// Clear empties the collection.
func (c *Collection) Clear() error {
	if err := c.writable(); err != nil {
		return err
	}
	_, values, err := c.elems()
	if err != nil {
		return err
	}
	return c.rebuild(nil, nil, values)
}

// Put stores v under key in a Dictionary, replacing any prior entry.
func (c *Collection) Put(key string, v Value) error {
	if err := c.writable(); err != nil {
		return err
	}
	if c.col.Collection() != CollectionDictionary {
		return newError(LogicError, "Collection.Put", fmt.Errorf("column is not a dictionary"))
	}
	id := int64(c.table().interner.Intern(key))
	raw, err := c.table().encodeCell(c.elemKey(), v)
	if err != nil {
		return err
	}
	keys, values, err := c.elems()
	if err != nil {
		return err
	}
	for i, k := range keys {
		if k == id {
			dropped := values[i]
			values[i] = raw
			return c.rebuild(keys, values, []int64{dropped})
		}
	}
	keys = append(keys, id)
	values = append(values, raw)
	return c.rebuild(keys, values, nil)
}

// GetKey resolves key in a Dictionary; ok is false if absent.
func (c *Collection) GetKey(key string) (Value, bool, error) {
	if c.col.Collection() != CollectionDictionary {
		return Value{}, false, newError(LogicError, "Collection.GetKey", fmt.Errorf("column is not a dictionary"))
	}
	keys, values, err := c.elems()
	if err != nil {
		return Value{}, false, err
	}
	for i, k := range keys {
		s, ok, lerr := c.table().interner.Lookup(intern.StringID(k))
		if lerr != nil {
			return Value{}, false, newError(IOError, "Collection.GetKey", lerr)
		}
		if ok && s == key {
			v, derr := c.table().decodeCell(c.elemKey(), values[i])
			return v, true, derr
		}
	}
	return Value{}, false, nil
}

// RemoveKey drops key's entry from a Dictionary. A missing key is not
// an error.
func (c *Collection) RemoveKey(key string) error {
	if err := c.writable(); err != nil {
		return err
	}
	if c.col.Collection() != CollectionDictionary {
		return newError(LogicError, "Collection.RemoveKey", fmt.Errorf("column is not a dictionary"))
	}
	keys, values, err := c.elems()
	if err != nil {
		return err
	}
	for i, k := range keys {
		s, ok, lerr := c.table().interner.Lookup(intern.StringID(k))
		if lerr != nil {
			return newError(IOError, "Collection.RemoveKey", lerr)
		}
		if ok && s == key {
			dropped := values[i]
			keys = append(keys[:i], keys[i+1:]...)
			values = append(values[:i], values[i+1:]...)
			return c.rebuild(keys, values, []int64{dropped})
		}
	}
	return nil
}

// Keys lists a Dictionary's keys in insertion order.
func (c *Collection) Keys() ([]string, error) {
	if c.col.Collection() != CollectionDictionary {
		return nil, newError(LogicError, "Collection.Keys", fmt.Errorf("column is not a dictionary"))
	}
	keys, _, err := c.elems()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		s, ok, lerr := c.table().interner.Lookup(intern.StringID(k))
		if lerr != nil {
			return nil, newError(IOError, "Collection.Keys", lerr)
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Collection) writable() error {
	if !c.table().txn.writable {
		return newError(WrongTransactState, "Collection", fmt.Errorf("transaction is read-only"))
	}
	return nil
}
