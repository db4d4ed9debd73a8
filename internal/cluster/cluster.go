package cluster

import (
	"errors"
	"fmt"
	"sort"

	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/storage"
)

// Fanout constants (spec.md §4.6's open question, resolved in
// DESIGN.md): held constant within a file-format version.
const (
	ClusterMax = 256 // max rows in a leaf cluster
	ClusterMin = ClusterMax / 4
	InnerMax   = 340 // max children of an inner node
)

// ErrKeyNotFound is surfaced as spec.md §7's `key_not_found` kind.
var ErrKeyNotFound = errors.New("cluster: object key not found")

// Leaf is a decoded view of one leaf cluster: a HasRefs bundle array
// whose slot 0 is the sorted key array and whose remaining slots are
// the table's column arrays, all of equal length (spec.md §4.6).
// Representing the bundle itself as a HasRefs Array node reuses the
// same "named child slots" pattern the Group top array (C8) uses,
// rather than inventing a second node shape for clusters.
type Leaf struct {
	Ref     storage.Ref
	bundle  *array.Array
	Keys    *array.Array
	Columns []*array.Array
	alloc   *storage.Allocator
}

// CreateLeaf allocates an empty leaf with numColumns zero-length
// column arrays.
func CreateLeaf(alloc *storage.Allocator, numColumns int, oldestLiveReader uint64) (*Leaf, error) {
	keys, err := array.Create(alloc, array.Normal, 0, 0, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	cols := make([]*array.Array, numColumns)
	for i := range cols {
		c, err := array.Create(alloc, array.Normal, 0, 0, oldestLiveReader)
		if err != nil {
			return nil, err
		}
		cols[i] = c
	}
	return buildLeaf(alloc, keys, cols, oldestLiveReader)
}

func buildLeaf(alloc *storage.Allocator, keys *array.Array, cols []*array.Array, oldestLiveReader uint64) (*Leaf, error) {
	bundle, err := array.Create(alloc, array.HasRefs, 1+len(cols), 0, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	if err := bundle.SetRefAt(0, keys.Ref); err != nil {
		return nil, err
	}
	for i, c := range cols {
		if err := bundle.SetRefAt(1+i, c.Ref); err != nil {
			return nil, err
		}
	}
	return &Leaf{Ref: bundle.Ref, bundle: bundle, Keys: keys, Columns: cols, alloc: alloc}, nil
}

// LoadLeaf decodes the bundle at ref and every array it references.
func LoadLeaf(alloc *storage.Allocator, ref storage.Ref) (*Leaf, error) {
	bundle, err := array.Load(alloc, ref)
	if err != nil {
		return nil, err
	}
	keyRef, err := bundle.GetRefAt(0)
	if err != nil {
		return nil, err
	}
	keys, err := array.Load(alloc, keyRef)
	if err != nil {
		return nil, err
	}
	numColumns := bundle.Len() - 1
	cols := make([]*array.Array, numColumns)
	for i := 0; i < numColumns; i++ {
		colRef, err := bundle.GetRefAt(1 + i)
		if err != nil {
			return nil, err
		}
		cols[i], err = array.Load(alloc, colRef)
		if err != nil {
			return nil, err
		}
	}
	return &Leaf{Ref: ref, bundle: bundle, Keys: keys, Columns: cols, alloc: alloc}, nil
}

// Size returns the row count of this leaf.
func (l *Leaf) Size() int { return l.Keys.Len() }

// Find binary-searches the sorted key array for key, returning the
// position if present.
func (l *Leaf) Find(key ObjKey) (pos int, found bool, err error) {
	n := l.Size()
	idx := sort.Search(n, func(i int) bool {
		v, e := l.Keys.Get(i)
		if e != nil {
			err = e
		}
		return ObjKey(v) >= key
	})
	if err != nil {
		return 0, false, err
	}
	if idx < n {
		v, e := l.Keys.Get(idx)
		if e != nil {
			return 0, false, e
		}
		if ObjKey(v) == key {
			return idx, true, nil
		}
	}
	return idx, false, nil
}

// KeyAt returns the key stored at position pos.
func (l *Leaf) KeyAt(pos int) (ObjKey, error) {
	v, err := l.Keys.Get(pos)
	return ObjKey(v), err
}

// InsertRow inserts key and its per-column values at pos, rebuilding
// the key array, every column array and the bundle itself, freeing
// the superseded nodes (spec.md §4.4 `insert` is always a rebuild;
// the caller, here, retires the replaced storage).
func (l *Leaf) InsertRow(pos int, key ObjKey, values []int64, oldestLiveReader uint64) (*Leaf, error) {
	if len(values) != len(l.Columns) {
		return nil, fmt.Errorf("cluster: expected %d column values, got %d", len(l.Columns), len(values))
	}

	newKeys, err := l.Keys.Insert(pos, int64(key), oldestLiveReader)
	if err != nil {
		return nil, err
	}
	newCols := make([]*array.Array, len(l.Columns))
	for i, c := range l.Columns {
		nc, err := c.Insert(pos, values[i], oldestLiveReader)
		if err != nil {
			return nil, err
		}
		newCols[i] = nc
	}

	next, err := buildLeaf(l.alloc, newKeys, newCols, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	l.retire()
	return next, nil
}

// RemoveRow erases the row at pos.
func (l *Leaf) RemoveRow(pos int, oldestLiveReader uint64) (*Leaf, error) {
	newKeys, err := l.Keys.Erase(pos, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	newCols := make([]*array.Array, len(l.Columns))
	for i, c := range l.Columns {
		nc, err := c.Erase(pos, oldestLiveReader)
		if err != nil {
			return nil, err
		}
		newCols[i] = nc
	}

	next, err := buildLeaf(l.alloc, newKeys, newCols, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	l.retire()
	return next, nil
}

// AddColumn appends one new column array, filled with initValue at
// every existing row, to this leaf. Used when Table.AddColumn walks
// the whole tree (spec.md §4.8 `add_column`). kind is array.HasRefs
// for a backlink column (its rows hold refs to owned backlink-set
// arrays, see links.go) and array.Normal for every ordinary data or
// forward-link column (link targets are stored as plain ObjKey
// int64s, not refs).
func (l *Leaf) AddColumn(kind array.Kind, initValue int64, oldestLiveReader uint64) (*Leaf, error) {
	col, err := array.Create(l.alloc, kind, l.Size(), initValue, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	newCols := append(append([]*array.Array{}, l.Columns...), col)
	next, err := buildLeaf(l.alloc, l.Keys, newCols, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	l.retireBundleOnly()
	return next, nil
}

// RemoveColumn drops column idx from this leaf.
func (l *Leaf) RemoveColumn(idx int, oldestLiveReader uint64) (*Leaf, error) {
	if idx < 0 || idx >= len(l.Columns) {
		return nil, fmt.Errorf("cluster: column index %d out of range", idx)
	}
	dropped := l.Columns[idx]
	newCols := append(append([]*array.Array{}, l.Columns[:idx]...), l.Columns[idx+1:]...)
	next, err := buildLeaf(l.alloc, l.Keys, newCols, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	l.alloc.Free(dropped.Ref, int64(dropped.Header.CapacityB))
	l.retireBundleOnly()
	return next, nil
}

// retire frees this leaf's own storage (bundle + key array + every
// column array), used once its replacement has been built
// successfully and none of its children were reused by the
// replacement.
func (l *Leaf) retire() {
	l.alloc.Free(l.bundle.Ref, int64(l.bundle.Header.CapacityB))
	l.alloc.Free(l.Keys.Ref, int64(l.Keys.Header.CapacityB))
	for _, c := range l.Columns {
		l.alloc.Free(c.Ref, int64(c.Header.CapacityB))
	}
}

// retireBundleOnly frees just the bundle node, used when the
// replacement reuses every child array unchanged (AddColumn/RemoveColumn
// keep Keys and the untouched columns as-is).
func (l *Leaf) retireBundleOnly() {
	l.alloc.Free(l.bundle.Ref, int64(l.bundle.Header.CapacityB))
}

// Destroy frees a leaf and every array it owns, including via
// has_refs column semantics for ref-typed columns (spec.md §3
// `destroy_deep`).
func (l *Leaf) Destroy(oldestLiveReader uint64) error {
	for _, c := range l.Columns {
		if err := c.Destroy(oldestLiveReader); err != nil {
			return err
		}
	}
	if err := l.Keys.Destroy(oldestLiveReader); err != nil {
		return err
	}
	l.alloc.Free(l.bundle.Ref, int64(l.bundle.Header.CapacityB))
	return nil
}

// Tree is one table's cluster tree: a root ref that is either a leaf
// bundle or an inner_bptree node, per spec.md §4.6. All leaves share
// the same column count and order.
type Tree struct {
	alloc      *storage.Allocator
	root       storage.Ref
	numColumns int
}

// NewTree creates an empty single-leaf tree.
func NewTree(alloc *storage.Allocator, numColumns int, oldestLiveReader uint64) (*Tree, error) {
	leaf, err := CreateLeaf(alloc, numColumns, oldestLiveReader)
	if err != nil {
		return nil, err
	}
	return &Tree{alloc: alloc, root: leaf.Ref, numColumns: numColumns}, nil
}

// LoadTree wraps an existing root ref.
func LoadTree(alloc *storage.Allocator, root storage.Ref, numColumns int) *Tree {
	return &Tree{alloc: alloc, root: root, numColumns: numColumns}
}

// Root returns the tree's current root ref, for the owning Table to
// persist in its schema/table-root slot.
func (t *Tree) Root() storage.Ref { return t.root }

// NumColumns reports the column count every leaf in this tree carries.
func (t *Tree) NumColumns() int { return t.numColumns }

// nodeIsInner loads ref and reports whether it is an inner_bptree
// node (true) or a leaf bundle (false), returning the loaded array so
// callers need not re-translate it.
func nodeIsInner(alloc *storage.Allocator, ref storage.Ref) (*array.Array, bool, error) {
	a, err := array.Load(alloc, ref)
	if err != nil {
		return nil, false, err
	}
	return a, isInnerFlag(a), nil
}

// CreateObject chooses a key (via keys, the table's shared allocator)
// and inserts a new row with initValues, splitting the target leaf if
// it is at capacity (spec.md §4.6 `create_object`).
func (t *Tree) CreateObject(keys *KeySource, hint ObjKey, hintGiven bool, initValues []int64, oldestLiveReader uint64) (ObjKey, error) {
	key, err := keys.Next(hint, hintGiven)
	if err != nil {
		return NullKey, err
	}

	newRoot, split, err := insertInto(t.alloc, t.root, key, initValues, oldestLiveReader)
	if err != nil {
		return NullKey, err
	}
	if split.ok {
		t.root, err = wrapNewRoot(t.alloc, newRoot, split, oldestLiveReader)
		if err != nil {
			return NullKey, err
		}
	} else {
		t.root = newRoot
	}
	return key, nil
}

// TryGetObject descends the tree and returns the (leaf, position) of
// key if present (spec.md §4.6 `try_get_object`).
func (t *Tree) TryGetObject(key ObjKey) (*Leaf, int, error) {
	ref := t.root
	for {
		a, inner, err := nodeIsInner(t.alloc, ref)
		if err != nil {
			return nil, 0, err
		}
		if !inner {
			leaf, err := leafFromBundle(t.alloc, a)
			if err != nil {
				return nil, 0, err
			}
			pos, found, err := leaf.Find(key)
			if err != nil {
				return nil, 0, err
			}
			if !found {
				return nil, 0, ErrKeyNotFound
			}
			return leaf, pos, nil
		}
		in, err := array.AsInnerNode(a)
		if err != nil {
			return nil, 0, err
		}
		idx, err := locateByKey(t.alloc, in, key)
		if err != nil {
			return nil, 0, err
		}
		ref, err = in.ChildRef(idx)
		if err != nil {
			return nil, 0, err
		}
	}
}

// RemoveObject deletes key's row, rebalancing underflowing leaves by
// merge or borrow (spec.md §4.6 `remove_object`).
func (t *Tree) RemoveObject(key ObjKey, oldestLiveReader uint64) error {
	newRoot, removed, _, err := removeFrom(t.alloc, t.root, key, oldestLiveReader)
	if err != nil {
		return err
	}
	if !removed {
		return ErrKeyNotFound
	}
	t.root = collapseRoot(t.alloc, newRoot)
	return nil
}

// Visitor is called once per row during ForEach, in ascending key
// order. Returning false stops the traversal early (spec.md §4.6
// `for_each` "visitor may return early with Stop").
type Visitor func(key ObjKey, leaf *Leaf, pos int) (cont bool, err error)

// ForEach performs an in-order traversal of every row in the tree.
func (t *Tree) ForEach(visit Visitor) error {
	_, err := forEachNode(t.alloc, t.root, visit)
	return err
}

func forEachNode(alloc *storage.Allocator, ref storage.Ref, visit Visitor) (bool, error) {
	a, inner, err := nodeIsInner(alloc, ref)
	if err != nil {
		return false, err
	}
	if !inner {
		leaf, err := leafFromBundle(alloc, a)
		if err != nil {
			return false, err
		}
		for i := 0; i < leaf.Size(); i++ {
			key, err := leaf.KeyAt(i)
			if err != nil {
				return false, err
			}
			cont, err := visit(key, leaf, i)
			if err != nil {
				return false, err
			}
			if !cont {
				return false, nil
			}
		}
		return true, nil
	}

	in, err := array.AsInnerNode(a)
	if err != nil {
		return false, err
	}
	for i := 0; i < in.ChildCount(); i++ {
		childRef, err := in.ChildRef(i)
		if err != nil {
			return false, err
		}
		cont, err := forEachNode(alloc, childRef, visit)
		if err != nil {
			return false, err
		}
		if !cont {
			return false, nil
		}
	}
	return true, nil
}

// AddColumn appends one new column (kind, filled with initValue) to
// every leaf in the tree, rebuilding inner nodes bottom-up since each
// rewritten leaf gets a fresh bundle ref (spec.md §4.8 `add_column`).
func (t *Tree) AddColumn(kind array.Kind, initValue int64, oldestLiveReader uint64) error {
	newRoot, err := addColumnNode(t.alloc, t.root, kind, initValue, oldestLiveReader)
	if err != nil {
		return err
	}
	t.root = newRoot
	t.numColumns++
	return nil
}

func addColumnNode(alloc *storage.Allocator, ref storage.Ref, kind array.Kind, initValue int64, oldestLiveReader uint64) (storage.Ref, error) {
	a, inner, err := nodeIsInner(alloc, ref)
	if err != nil {
		return storage.NullRef, err
	}
	if !inner {
		leaf, err := leafFromBundle(alloc, a)
		if err != nil {
			return storage.NullRef, err
		}
		next, err := leaf.AddColumn(kind, initValue, oldestLiveReader)
		if err != nil {
			return storage.NullRef, err
		}
		return next.Ref, nil
	}

	in, err := array.AsInnerNode(a)
	if err != nil {
		return storage.NullRef, err
	}
	refs, firstKeys, err := childrenOf(alloc, in)
	if err != nil {
		return storage.NullRef, err
	}
	for i := range refs {
		refs[i], err = addColumnNode(alloc, refs[i], kind, initValue, oldestLiveReader)
		if err != nil {
			return storage.NullRef, err
		}
	}
	rebuilt, err := rebuildInner(alloc, refs, firstKeys, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	alloc.Free(a.Ref, int64(a.Header.CapacityB))
	return rebuilt.Ref, nil
}

// RemoveColumn drops column idx from every leaf in the tree, mirroring
// AddColumn's bottom-up rebuild.
func (t *Tree) RemoveColumn(idx int, oldestLiveReader uint64) error {
	newRoot, err := removeColumnNode(t.alloc, t.root, idx, oldestLiveReader)
	if err != nil {
		return err
	}
	t.root = newRoot
	t.numColumns--
	return nil
}

func removeColumnNode(alloc *storage.Allocator, ref storage.Ref, idx int, oldestLiveReader uint64) (storage.Ref, error) {
	a, inner, err := nodeIsInner(alloc, ref)
	if err != nil {
		return storage.NullRef, err
	}
	if !inner {
		leaf, err := leafFromBundle(alloc, a)
		if err != nil {
			return storage.NullRef, err
		}
		next, err := leaf.RemoveColumn(idx, oldestLiveReader)
		if err != nil {
			return storage.NullRef, err
		}
		return next.Ref, nil
	}

	in, err := array.AsInnerNode(a)
	if err != nil {
		return storage.NullRef, err
	}
	refs, firstKeys, err := childrenOf(alloc, in)
	if err != nil {
		return storage.NullRef, err
	}
	for i := range refs {
		refs[i], err = removeColumnNode(alloc, refs[i], idx, oldestLiveReader)
		if err != nil {
			return storage.NullRef, err
		}
	}
	rebuilt, err := rebuildInner(alloc, refs, firstKeys, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	alloc.Free(a.Ref, int64(a.Header.CapacityB))
	return rebuilt.Ref, nil
}

// Size returns the total row count across the whole tree (spec.md §6
// `Table::size()`).
func (t *Tree) Size() (int, error) {
	a, inner, err := nodeIsInner(t.alloc, t.root)
	if err != nil {
		return 0, err
	}
	if !inner {
		leaf, err := leafFromBundle(t.alloc, a)
		if err != nil {
			return 0, err
		}
		return leaf.Size(), nil
	}
	in, err := array.AsInnerNode(a)
	if err != nil {
		return 0, err
	}
	total, err := in.TotalCount()
	return int(total), err
}
