package strata

import (
	"errors"
	"fmt"
	"math"

	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/bitpack"
	"github.com/stratadb/strata/internal/cluster"
	"github.com/stratadb/strata/internal/intern"
	"github.com/stratadb/strata/internal/storage"
	"github.com/stratadb/strata/internal/variant"
)

// TableType distinguishes a table a caller names directly from one
// that only exists as the owned row-set of a single embedded-object
// column elsewhere (spec.md §4.8's supplemented TableType slot, see
// SPEC_FULL.md §4.8).
type TableType uint8

const (
	TopLevel TableType = iota
	Embedded
)

// LinkStrength re-exports the link removal semantics of spec.md §4.6
// at the public boundary, so callers never import internal/cluster.
type LinkStrength = cluster.LinkStrength

const (
	Weak   = cluster.Weak
	Strong = cluster.Strong
)

// Sentinel int64 encodings for a null cell of each scalar-slot type
// (spec.md §4.5): Bool reserves 2 (only 0/1 are real values), Int
// reserves MinInt64, Float reserves the quiet-NaN bit pattern that
// math.NaN() returns (encodeCell rejects a value with exactly those
// bits), String reserves -1
// (StringID itself is always >= 0). Every ref-typed column (Binary,
// Timestamp, Decimal128, ObjectId, UUID, Mixed) uses NullRef(0)
// directly: no allocation at all is needed for a null wide-type cell.
const (
	nullBool      int64  = 2
	nullInt       int64  = math.MinInt64
	nullFloatBits uint64 = 0x7FF8000000000001
	nullStringID  int64  = -1
)

// columnDef is one table's column metadata, persisted as the parallel
// arrays of the schema bundle (see persistSchema).
type columnDef struct {
	name            string
	typ             ColumnType
	nullable        bool
	coll            CollectionKind
	attr            Attr
	linkTarget      TableKey
	linkStrength    cluster.LinkStrength
	linkBacklinkIdx int
}

// Table is one table's live state within a transaction: its schema,
// its cluster tree, and the per-table string interner backing its
// String columns (spec.md §6 Table).
type Table struct {
	group *Group
	txn   *txnContext
	key   TableKey
	name  string

	tableType     TableType
	embeddedOwner ColKey

	columns  []columnDef
	colIndex map[string]int

	tree     *cluster.Tree
	keys     *cluster.KeySource
	interner *intern.Interner

	linkColumns []*cluster.LinkColumn // parallel to columns; nil entry for a non-Link column
}

// createTable allocates a brand new, empty table.
func createTable(group *Group, txn *txnContext, key TableKey, name string, tt TableType, owner ColKey) (*Table, error) {
	in, err := intern.New(txn.alloc, txn.oldestLiveReader)
	if err != nil {
		return nil, err
	}
	tree, err := cluster.NewTree(txn.alloc, 0, txn.oldestLiveReader)
	if err != nil {
		return nil, err
	}
	return &Table{
		group:         group,
		txn:           txn,
		key:           key,
		name:          name,
		tableType:     tt,
		embeddedOwner: owner,
		colIndex:      make(map[string]int),
		tree:          tree,
		keys:          cluster.NewKeySource(cluster.NullKey),
		interner:      in,
		linkColumns:   nil,
	}, nil
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// Key returns the table's opaque handle.
func (t *Table) Key() TableKey { return t.key }

// ColumnKey resolves a column by name.
func (t *Table) ColumnKey(name string) (ColKey, bool) {
	idx, ok := t.colIndex[name]
	if !ok {
		return NoColumn, false
	}
	return t.keyOf(idx), true
}

func (t *Table) keyOf(idx int) ColKey {
	c := t.columns[idx]
	return makeColKey(idx, c.typ, c.nullable, c.coll, c.attr)
}

// Columns returns every caller-visible column key in definition
// order. Hidden backlink columns are omitted; they are reachable only
// through the link machinery that maintains them.
func (t *Table) Columns() []ColKey {
	out := make([]ColKey, 0, len(t.columns))
	for i, c := range t.columns {
		if c.attr&attrBacklink != 0 {
			continue
		}
		out = append(out, t.keyOf(i))
	}
	return out
}

// ColumnName returns the name a column was added under. Used by
// cmd/stratactl's dump command, which has only a ColKey from Columns()
// to print a schema with.
func (t *Table) ColumnName(col ColKey) string {
	idx := col.Index()
	if idx < 0 || idx >= len(t.columns) {
		return ""
	}
	return t.columns[idx].name
}

// AddColumn appends a new column to the table, filling every existing
// row with that type's null value (spec.md §6 `Table::add_column`).
// Link columns additionally require targetTable and strength; pass
// NoTable/Weak for a non-Link column.
func (t *Table) AddColumn(name string, typ ColumnType, nullable bool, coll CollectionKind, attr Attr, targetTable TableKey, strength LinkStrength) (ColKey, error) {
	if !t.txn.writable {
		return NoColumn, newError(WrongTransactState, "Table.AddColumn", fmt.Errorf("transaction is read-only"))
	}
	if _, exists := t.colIndex[name]; exists {
		return NoColumn, newError(ConstraintViolation, "Table.AddColumn", fmt.Errorf("column %q already exists", name))
	}
	if typ == TypeLink && targetTable == NoTable {
		return NoColumn, newError(LogicError, "Table.AddColumn", fmt.Errorf("link column requires a target table"))
	}

	kind := columnArrayKind(typ)
	initValue, err := t.nullCellFor(typ)
	if err != nil {
		return NoColumn, err
	}
	if coll != CollectionScalar && typ != TypeLink {
		// A collection cell holds a ref to its owned element node
		// (collection.go), whatever the element type stores.
		kind = array.HasRefs
		initValue = int64(storage.NullRef)
	}
	if err := t.tree.AddColumn(kind, initValue, t.txn.oldestLiveReader); err != nil {
		return NoColumn, newError(IOError, "Table.AddColumn", err)
	}

	// The forward def is appended before the backlink is wired, so a
	// self-referential link column sees its own index settled first.
	idx := len(t.columns)
	t.columns = append(t.columns, columnDef{
		name: name, typ: typ, nullable: nullable, coll: coll, attr: attr,
		linkTarget: targetTable, linkStrength: strength,
	})
	t.linkColumns = append(t.linkColumns, nil)
	t.colIndex[name] = idx

	if typ == TypeLink {
		backlinkIdx, err := t.wireForwardLink(idx, targetTable, strength, coll)
		if err != nil {
			return NoColumn, err
		}
		t.columns[idx].linkBacklinkIdx = backlinkIdx
		target, err := t.group.getOrLoadTable(targetTable)
		if err != nil {
			return NoColumn, err
		}
		t.linkColumns[idx] = &cluster.LinkColumn{
			Tree: t.tree, ColumnIndex: idx, Strength: strength, Kind: linkCollKind(coll),
			TargetTree: target.tree, BacklinkColumn: backlinkIdx,
		}
	}
	return t.keyOf(idx), nil
}

// wireForwardLink adds the matching backlink column on the target
// table, returning its index (spec.md §7 invariant 7's symmetry
// requirement). The backlink def records the incoming link's source
// table, forward column index and strength, so removing a target row
// can clear weak incoming links and veto removal under strong ones.
func (t *Table) wireForwardLink(sourceColIdx int, targetTable TableKey, strength cluster.LinkStrength, coll CollectionKind) (int, error) {
	target, err := t.group.getOrLoadTable(targetTable)
	if err != nil {
		return 0, err
	}
	if err := target.tree.AddColumn(array.HasRefs, int64(storage.NullRef), t.txn.oldestLiveReader); err != nil {
		return 0, newError(IOError, "Table.AddColumn", err)
	}
	backlinkIdx := len(target.columns)
	name := fmt.Sprintf("$backlink:%d.%d", t.key, sourceColIdx)
	target.columns = append(target.columns, columnDef{
		name: name,
		typ:  TypeLink, coll: CollectionSet, attr: attrBacklink,
		linkTarget: t.key, linkStrength: strength, linkBacklinkIdx: sourceColIdx,
	})
	target.linkColumns = append(target.linkColumns, nil)
	target.colIndex[name] = backlinkIdx
	return backlinkIdx, nil
}

func linkCollKind(c CollectionKind) cluster.CollectionKind {
	switch c {
	case CollectionSet:
		return cluster.Set
	case CollectionDictionary:
		return cluster.Dictionary
	default:
		return cluster.Scalar
	}
}

// RemoveColumn drops a column from the table. Link columns (and the
// hidden backlink columns they wire) cannot be removed: their indices
// are recorded on the far side of the link, and removal would leave
// that bookkeeping dangling. The same applies to any column sitting
// before a link column, whose index would shift underneath it.
func (t *Table) RemoveColumn(col ColKey) error {
	if !t.txn.writable {
		return newError(WrongTransactState, "Table.RemoveColumn", fmt.Errorf("transaction is read-only"))
	}
	idx := col.Index()
	if idx < 0 || idx >= len(t.columns) {
		return newError(LogicError, "Table.RemoveColumn", fmt.Errorf("unknown column"))
	}
	if t.columns[idx].typ == TypeLink {
		return newError(LogicError, "Table.RemoveColumn", fmt.Errorf("link columns cannot be removed"))
	}
	for i := idx + 1; i < len(t.columns); i++ {
		if t.columns[i].typ == TypeLink {
			return newError(LogicError, "Table.RemoveColumn",
				fmt.Errorf("column precedes link column %q, whose index would shift", t.columns[i].name))
		}
	}
	if err := t.tree.RemoveColumn(idx, t.txn.oldestLiveReader); err != nil {
		return newError(IOError, "Table.RemoveColumn", err)
	}
	delete(t.colIndex, t.columns[idx].name)
	t.columns = append(t.columns[:idx], t.columns[idx+1:]...)
	t.linkColumns = append(t.linkColumns[:idx], t.linkColumns[idx+1:]...)
	for name, i := range t.colIndex {
		if i > idx {
			t.colIndex[name] = i - 1
		}
	}
	return nil
}

// CreateObject inserts a new row, optionally at a caller-chosen key
// (primary-key tables), with every column initialized to null
// (spec.md §6 `Table::create_object`).
func (t *Table) CreateObject(hint ObjKey, hintGiven bool) (*Object, error) {
	if !t.txn.writable {
		return nil, newError(WrongTransactState, "Table.CreateObject", fmt.Errorf("transaction is read-only"))
	}
	init := make([]int64, len(t.columns))
	for i, c := range t.columns {
		if c.attr&attrBacklink != 0 || (c.coll != CollectionScalar && c.typ != TypeLink) {
			init[i] = int64(storage.NullRef) // ref slot, not a scalar cell
			continue
		}
		v, err := t.nullCellFor(c.typ)
		if err != nil {
			return nil, err
		}
		init[i] = v
	}
	key, err := t.tree.CreateObject(t.keys, hint, hintGiven, init, t.txn.oldestLiveReader)
	if err != nil {
		return nil, newError(IOError, "Table.CreateObject", err)
	}
	obj := &Object{table: t, key: key}
	if err := obj.reload(); err != nil {
		return nil, err
	}
	return obj, nil
}

// GetObject resolves an existing row (spec.md §6 `Table::try_get_object`).
func (t *Table) GetObject(key ObjKey) (*Object, error) {
	obj := &Object{table: t, key: key}
	if err := obj.reload(); err != nil {
		return nil, err
	}
	return obj, nil
}

// RemoveObject deletes a row, running the link removal discipline of
// spec.md §4.6 first: weak incoming links are cleared at their source,
// a strong incoming link vetoes the removal, and the row's own strong
// forward links cascade-delete their targets.
func (t *Table) RemoveObject(key ObjKey) error {
	if !t.txn.writable {
		return newError(WrongTransactState, "Table.RemoveObject", fmt.Errorf("transaction is read-only"))
	}
	return t.removeObject(key, false)
}

func (t *Table) removeObject(key ObjKey, viaCascade bool) error {
	if _, _, err := t.tree.TryGetObject(key); err != nil {
		if err == cluster.ErrKeyNotFound {
			return newError(KeyNotFound, "Table.RemoveObject", err)
		}
		return newError(IOError, "Table.RemoveObject", err)
	}

	// Incoming links, via this table's backlink columns. The strong
	// veto is decided before any weak link is cleared, so a vetoed
	// removal leaves every incoming link intact.
	for idx, c := range t.columns {
		if c.attr&attrBacklink == 0 || c.linkStrength != cluster.Strong {
			continue
		}
		n, err := cluster.BacklinkCount(t.tree, key, idx)
		if err != nil {
			return newError(IOError, "Table.RemoveObject", err)
		}
		if n == 0 {
			continue
		}
		if viaCascade {
			return nil // still owned by another strong link, keep the row
		}
		return newError(ConstraintViolation, "Table.RemoveObject",
			fmt.Errorf("row %d still has %d strong link(s) pointing at it", key, n))
	}
	for idx, c := range t.columns {
		if c.attr&attrBacklink == 0 || c.linkStrength == cluster.Strong {
			continue
		}
		sources, err := cluster.BacklinkSources(t.tree, key, idx)
		if err != nil {
			return newError(IOError, "Table.RemoveObject", err)
		}
		if len(sources) == 0 {
			continue
		}
		source, err := t.group.getOrLoadTable(c.linkTarget)
		if err != nil {
			return err
		}
		for _, s := range sources {
			err := source.tree.UpdateCell(s, c.linkBacklinkIdx, t.txn.oldestLiveReader, func(int64) (int64, error) {
				return int64(cluster.NullKey), nil
			})
			if err != nil && err != cluster.ErrKeyNotFound {
				return newError(IOError, "Table.RemoveObject", err)
			}
		}
	}

	// Outgoing links: withdraw backlink entries now, cascade after the
	// row itself is gone so a strong self-link cannot recurse into a
	// still-present source.
	type cascadeTarget struct {
		table TableKey
		key   ObjKey
	}
	var cascades []cascadeTarget
	for idx, lc := range t.linkColumns {
		if lc == nil {
			continue
		}
		target, cascade, err := lc.DetachForRemoval(key, t.txn.oldestLiveReader)
		if err != nil {
			return newError(IOError, "Table.RemoveObject", err)
		}
		if cascade {
			cascades = append(cascades, cascadeTarget{table: t.columns[idx].linkTarget, key: target})
		}
	}

	if err := t.tree.RemoveObject(key, t.txn.oldestLiveReader); err != nil {
		return newError(IOError, "Table.RemoveObject", err)
	}

	for _, c := range cascades {
		target, err := t.group.getOrLoadTable(c.table)
		if err != nil {
			return err
		}
		if err := target.removeObject(c.key, true); err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}

// SearchPrefix returns the keys of every row whose value in the given
// String column starts with prefix (spec.md §4.7's search index). The
// index is rebuilt from column data per call rather than persisted;
// the on-disk format carries no secondary index structure.
func (t *Table) SearchPrefix(col ColKey, prefix string) ([]ObjKey, error) {
	if col.Type() != TypeString || col.Collection() != CollectionScalar {
		return nil, newError(LogicError, "Table.SearchPrefix", fmt.Errorf("prefix search requires a scalar String column"))
	}
	idx := intern.NewIndex()
	err := t.tree.ForEach(func(key cluster.ObjKey, leaf *cluster.Leaf, pos int) (bool, error) {
		raw, err := leaf.Columns[col.Index()].Get(pos)
		if err != nil {
			return false, err
		}
		if raw == nullStringID {
			return true, nil
		}
		s, ok, err := t.interner.Lookup(intern.StringID(raw))
		if err != nil {
			return false, err
		}
		if ok {
			idx.Add(s, int64(key))
		}
		return true, nil
	})
	if err != nil {
		return nil, newError(IOError, "Table.SearchPrefix", err)
	}

	matches := idx.PrefixSearch(prefix)
	out := make([]ObjKey, len(matches))
	for i, m := range matches {
		out[i] = ObjKey(m)
	}
	return out, nil
}

// Size returns the table's row count (spec.md §6 `Table::size`).
func (t *Table) Size() (int, error) {
	n, err := t.tree.Size()
	if err != nil {
		return 0, newError(IOError, "Table.Size", err)
	}
	return n, nil
}

// ForEachVisitor is called once per row during ForEach, in ascending
// ObjKey order. Returning false stops the traversal early.
type ForEachVisitor func(obj *Object) (cont bool, err error)

// ForEach visits every row in the table (spec.md §6 `Table::for_each`).
func (t *Table) ForEach(visit ForEachVisitor) error {
	return t.tree.ForEach(func(key cluster.ObjKey, leaf *cluster.Leaf, pos int) (bool, error) {
		return visit(&Object{table: t, key: key, leaf: leaf, pos: pos})
	})
}

func columnArrayKind(typ ColumnType) array.Kind {
	switch typ {
	case TypeBinary, TypeTimestamp, TypeDecimal128, TypeObjectId, TypeUUID, TypeMixed:
		return array.HasRefs
	case TypeLink:
		return array.Normal
	default:
		return array.Normal
	}
}

func (t *Table) nullCellFor(typ ColumnType) (int64, error) {
	switch typ {
	case TypeBool:
		return nullBool, nil
	case TypeInt:
		return nullInt, nil
	case TypeFloat:
		return int64(nullFloatBits), nil
	case TypeString:
		return nullStringID, nil
	case TypeLink:
		return int64(cluster.NullKey), nil
	default:
		return int64(storage.NullRef), nil
	}
}

// encodeCell converts a non-Link, non-null Value into the int64 a
// leaf's column array stores for col's row (spec.md §4.6: "Row values
// in a leaf's column arrays are plain int64 slots"). Narrow scalar
// types (Bool/Int/Float/String) are stored directly; every wide fixed
// type allocates a small dedicated node (or bundle of nodes, see
// bundle.go) and stores its ref.
func (t *Table) encodeCell(col ColKey, v Value) (int64, error) {
	typ := col.Type()
	if v.Null {
		return t.nullCellFor(typ)
	}
	alloc, oldestLiveReader := t.txn.alloc, t.txn.oldestLiveReader

	switch typ {
	case TypeBool:
		if v.Bool {
			return 1, nil
		}
		return 0, nil
	case TypeInt:
		if v.Int == nullInt {
			return 0, newError(LogicError, "Object.Set", fmt.Errorf("int value collides with the reserved null sentinel"))
		}
		return v.Int, nil
	case TypeFloat:
		bits := math.Float64bits(v.Float)
		if bits == nullFloatBits {
			return 0, newError(LogicError, "Object.Set", fmt.Errorf("float value collides with the reserved null sentinel"))
		}
		return int64(bits), nil
	case TypeString:
		return int64(t.interner.Intern(v.Str)), nil
	case TypeBinary:
		col, err := variant.CreateBinaryColumn(alloc, 1, oldestLiveReader)
		if err != nil {
			return 0, newError(IOError, "Object.Set", err)
		}
		if err := col.Set(0, v.Bin, oldestLiveReader); err != nil {
			return 0, newError(IOError, "Object.Set", err)
		}
		ref, err := persistBinaryColumn(alloc, col, oldestLiveReader)
		return int64(ref), err
	case TypeTimestamp:
		col, err := variant.CreateTimestampColumn(alloc, 1, oldestLiveReader)
		if err != nil {
			return 0, newError(IOError, "Object.Set", err)
		}
		if err := col.Set(0, v.Timestamp); err != nil {
			return 0, newError(IOError, "Object.Set", err)
		}
		ref, err := buildBundle(alloc, []storage.Ref{col.SecondsRef(), col.NanosRef()}, oldestLiveReader)
		return int64(ref), err
	case TypeDecimal128:
		col, err := variant.CreateDecimal128Column(alloc, 1, oldestLiveReader)
		if err != nil {
			return 0, newError(IOError, "Object.Set", err)
		}
		if err := col.Set(0, v.Decimal128); err != nil {
			return 0, newError(IOError, "Object.Set", err)
		}
		return int64(col.Ref()), nil
	case TypeObjectId:
		col, err := variant.CreateObjectIdColumn(alloc, 1, oldestLiveReader)
		if err != nil {
			return 0, newError(IOError, "Object.Set", err)
		}
		if err := col.Set(0, v.ObjectId); err != nil {
			return 0, newError(IOError, "Object.Set", err)
		}
		return int64(col.Ref()), nil
	case TypeUUID:
		col, err := variant.CreateUUIDColumn(alloc, 1, oldestLiveReader)
		if err != nil {
			return 0, newError(IOError, "Object.Set", err)
		}
		if err := col.Set(0, v.UUID); err != nil {
			return 0, newError(IOError, "Object.Set", err)
		}
		return int64(col.Ref()), nil
	case TypeMixed:
		return t.encodeMixed(v)
	default:
		return 0, newError(LogicError, "Object.Set", fmt.Errorf("unsupported column type %s", typ))
	}
}

// encodeRawForCompare returns the int64 a narrow scalar value encodes
// to, for by-value membership tests. Ref-encoded element types have
// no stable raw encoding (every encode allocates a fresh node), so
// collections over them are addressed by position only.
func (t *Table) encodeRawForCompare(col ColKey, v Value) (int64, error) {
	switch col.Type() {
	case TypeBool, TypeInt, TypeFloat, TypeString, TypeLink:
		return t.encodeCell(col, v)
	default:
		return 0, newError(LogicError, "Collection", fmt.Errorf("%s elements are compared by position, not value", col.Type()))
	}
}

// decodeCell is encodeCell's inverse.
func (t *Table) decodeCell(col ColKey, raw int64) (Value, error) {
	typ := col.Type()
	alloc := t.txn.alloc

	switch typ {
	case TypeBool:
		if raw == nullBool {
			return NullValue(TypeBool), nil
		}
		return BoolValue(raw != 0), nil
	case TypeInt:
		if raw == nullInt {
			return NullValue(TypeInt), nil
		}
		return IntValue(raw), nil
	case TypeFloat:
		if uint64(raw) == nullFloatBits {
			return NullValue(TypeFloat), nil
		}
		return FloatValue(math.Float64frombits(uint64(raw))), nil
	case TypeString:
		if raw == nullStringID {
			return NullValue(TypeString), nil
		}
		s, ok, err := t.interner.Lookup(intern.StringID(raw))
		if err != nil {
			return Value{}, newError(IOError, "Object.Get", err)
		}
		if !ok {
			return NullValue(TypeString), nil
		}
		return StringValue(s), nil
	case TypeBinary:
		ref := storage.Ref(raw)
		if ref == storage.NullRef {
			return NullValue(TypeBinary), nil
		}
		bc, err := loadBinaryColumn(alloc, ref)
		if err != nil {
			return Value{}, newError(IOError, "Object.Get", err)
		}
		v, ok, err := bc.Get(0)
		if err != nil {
			return Value{}, newError(IOError, "Object.Get", err)
		}
		if !ok {
			return NullValue(TypeBinary), nil
		}
		return BinaryValue(v), nil
	case TypeTimestamp:
		ref := storage.Ref(raw)
		if ref == storage.NullRef {
			return NullValue(TypeTimestamp), nil
		}
		slots, err := loadBundleRefs(alloc, ref, 2)
		if err != nil {
			return Value{}, newError(IOError, "Object.Get", err)
		}
		col, err := variant.LoadTimestampColumn(alloc, slots[0], slots[1])
		if err != nil {
			return Value{}, newError(IOError, "Object.Get", err)
		}
		v, ok, err := col.Get(0)
		if err != nil {
			return Value{}, newError(IOError, "Object.Get", err)
		}
		if !ok {
			return NullValue(TypeTimestamp), nil
		}
		return TimestampValue(v), nil
	case TypeDecimal128:
		ref := storage.Ref(raw)
		if ref == storage.NullRef {
			return NullValue(TypeDecimal128), nil
		}
		col, err := variant.LoadDecimal128Column(alloc, ref)
		if err != nil {
			return Value{}, newError(IOError, "Object.Get", err)
		}
		v, ok, err := col.Get(0)
		if err != nil {
			return Value{}, newError(IOError, "Object.Get", err)
		}
		if !ok {
			return NullValue(TypeDecimal128), nil
		}
		return Decimal128Value(v), nil
	case TypeObjectId:
		ref := storage.Ref(raw)
		if ref == storage.NullRef {
			return NullValue(TypeObjectId), nil
		}
		col, err := variant.LoadObjectIdColumn(alloc, ref)
		if err != nil {
			return Value{}, newError(IOError, "Object.Get", err)
		}
		v, ok, err := col.Get(0)
		if err != nil {
			return Value{}, newError(IOError, "Object.Get", err)
		}
		if !ok {
			return NullValue(TypeObjectId), nil
		}
		return ObjectIdValue(v), nil
	case TypeUUID:
		ref := storage.Ref(raw)
		if ref == storage.NullRef {
			return NullValue(TypeUUID), nil
		}
		col, err := variant.LoadUUIDColumn(alloc, ref)
		if err != nil {
			return Value{}, newError(IOError, "Object.Get", err)
		}
		v, ok, err := col.Get(0)
		if err != nil {
			return Value{}, newError(IOError, "Object.Get", err)
		}
		if !ok {
			return NullValue(TypeUUID), nil
		}
		return UUIDValue(v), nil
	case TypeMixed:
		return t.decodeMixed(storage.Ref(raw))
	default:
		return Value{}, newError(LogicError, "Object.Get", fmt.Errorf("unsupported column type %s", typ))
	}
}

// encodeMixed boxes a Mixed cell as a [discriminator, payload] bundle
// (spec.md §4.5's "discriminator + per-type payload" shape, applied
// per row rather than as a dense per-table column — see DESIGN.md).
func (t *Table) encodeMixed(v Value) (int64, error) {
	if v.MixedType == TypeMixed || v.MixedType == TypeLink {
		return 0, newError(LogicError, "Object.Set", fmt.Errorf("mixed value cannot itself be Mixed or Link"))
	}
	alloc, oldestLiveReader := t.txn.alloc, t.txn.oldestLiveReader
	payloadRef, err := t.encodeScalarRef(v.MixedType, v)
	if err != nil {
		return 0, err
	}
	discRef, err := wrapScalar(alloc, int64(mixedKindFor(v.MixedType)), oldestLiveReader)
	if err != nil {
		return 0, newError(IOError, "Object.Set", err)
	}
	ref, err := buildBundle(alloc, []storage.Ref{discRef, payloadRef}, oldestLiveReader)
	return int64(ref), err
}

func (t *Table) decodeMixed(ref storage.Ref) (Value, error) {
	if ref == storage.NullRef {
		return NullValue(TypeMixed), nil
	}
	slots, err := loadBundleRefs(t.txn.alloc, ref, 2)
	if err != nil {
		return Value{}, newError(IOError, "Object.Get", err)
	}
	kindRaw, err := unwrapScalar(t.txn.alloc, slots[0])
	if err != nil {
		return Value{}, newError(IOError, "Object.Get", err)
	}
	mtyp := columnTypeForMixedKind(variant.MixedKind(kindRaw))
	val, err := t.decodeScalarRef(mtyp, slots[1])
	if err != nil {
		return Value{}, err
	}
	val.Type = TypeMixed
	val.MixedType = mtyp
	return val, nil
}

// encodeScalarRef always produces a ref, even for a scalar type that
// would otherwise be stored inline (Bool/Int/Float/String), since
// every slot of the Mixed bundle must be a genuine ref.
func (t *Table) encodeScalarRef(typ ColumnType, v Value) (storage.Ref, error) {
	alloc, oldestLiveReader := t.txn.alloc, t.txn.oldestLiveReader
	switch typ {
	case TypeBool:
		raw := int64(0)
		if v.Bool {
			raw = 1
		}
		return wrapScalar(alloc, raw, oldestLiveReader)
	case TypeInt:
		return wrapScalar(alloc, v.Int, oldestLiveReader)
	case TypeFloat:
		return wrapScalar(alloc, int64(math.Float64bits(v.Float)), oldestLiveReader)
	case TypeString:
		return wrapScalar(alloc, int64(t.interner.Intern(v.Str)), oldestLiveReader)
	default:
		raw, err := t.encodeCell(makeColKey(0, typ, false, CollectionScalar, 0), v)
		if err != nil {
			return storage.NullRef, err
		}
		return storage.Ref(raw), nil
	}
}

func (t *Table) decodeScalarRef(typ ColumnType, ref storage.Ref) (Value, error) {
	alloc := t.txn.alloc
	switch typ {
	case TypeBool:
		raw, err := unwrapScalar(alloc, ref)
		return BoolValue(raw != 0), err
	case TypeInt:
		raw, err := unwrapScalar(alloc, ref)
		return IntValue(raw), err
	case TypeFloat:
		raw, err := unwrapScalar(alloc, ref)
		return FloatValue(math.Float64frombits(uint64(raw))), err
	case TypeString:
		raw, err := unwrapScalar(alloc, ref)
		if err != nil {
			return Value{}, err
		}
		s, ok, err := t.interner.Lookup(intern.StringID(raw))
		if err != nil {
			return Value{}, err
		}
		if !ok {
			return Value{}, fmt.Errorf("strata: dangling string id")
		}
		return StringValue(s), nil
	default:
		return t.decodeCell(makeColKey(0, typ, false, CollectionScalar, 0), int64(ref))
	}
}

func mixedKindFor(typ ColumnType) variant.MixedKind {
	switch typ {
	case TypeBool:
		return variant.MixedBool
	case TypeInt:
		return variant.MixedInt
	case TypeFloat:
		return variant.MixedFloat
	case TypeString:
		return variant.MixedString
	case TypeBinary:
		return variant.MixedBinary
	case TypeTimestamp:
		return variant.MixedTimestamp
	case TypeDecimal128:
		return variant.MixedDecimal128
	case TypeObjectId:
		return variant.MixedObjectId
	case TypeUUID:
		return variant.MixedUUID
	default:
		return variant.MixedNull
	}
}

func columnTypeForMixedKind(k variant.MixedKind) ColumnType {
	switch k {
	case variant.MixedBool:
		return TypeBool
	case variant.MixedInt:
		return TypeInt
	case variant.MixedFloat:
		return TypeFloat
	case variant.MixedString:
		return TypeString
	case variant.MixedBinary:
		return TypeBinary
	case variant.MixedTimestamp:
		return TypeTimestamp
	case variant.MixedDecimal128:
		return TypeDecimal128
	case variant.MixedObjectId:
		return TypeObjectId
	case variant.MixedUUID:
		return TypeUUID
	default:
		return TypeMixed
	}
}

func (t *Table) getLink(leaf *cluster.Leaf, pos int, col ColKey) (Value, error) {
	idx := col.Index()
	if idx >= len(t.linkColumns) || t.linkColumns[idx] == nil {
		return Value{}, newError(LogicError, "Object.Get", fmt.Errorf("link column not wired"))
	}
	raw, err := leaf.Columns[idx].Get(pos)
	if err != nil {
		return Value{}, newError(IOError, "Object.Get", err)
	}
	key := cluster.ObjKey(raw)
	if key == cluster.NullKey {
		return NullValue(TypeLink), nil
	}
	return LinkValue(key), nil
}

func (t *Table) setLink(source ObjKey, col ColKey, v Value) error {
	idx := col.Index()
	if idx >= len(t.linkColumns) || t.linkColumns[idx] == nil {
		return newError(LogicError, "Object.Set", fmt.Errorf("link column not wired"))
	}
	lc := t.linkColumns[idx]
	if v.Null {
		if err := lc.ClearLink(source, t.txn.oldestLiveReader); err != nil {
			return newError(IOError, "Object.Set", err)
		}
		return nil
	}
	if err := lc.SetLink(source, v.Link, t.txn.oldestLiveReader); err != nil {
		if err == cluster.ErrKeyNotFound {
			return newError(CrossTableLinkTarget, "Object.Set", err)
		}
		return newError(IOError, "Object.Set", err)
	}
	return nil
}

// buildInt64Array allocates a fresh Normal node sized to the widest
// value present, mirroring internal/cluster/split.go's
// buildArrayFromValues (unexported there; table/schema metadata needs
// the same "avoid a spurious widen on the first Set" trick here).
func buildInt64Array(alloc *storage.Allocator, values []int64, oldestLiveReader uint64) (storage.Ref, error) {
	var maxWidth uint8
	for _, v := range values {
		if w := bitpack.WidthFor(v); w > maxWidth {
			maxWidth = w
		}
	}
	a, err := array.CreateAtWidth(alloc, array.Normal, len(values), maxWidth, 0, oldestLiveReader)
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

func readInt64Array(alloc *storage.Allocator, ref storage.Ref, n int) ([]int64, error) {
	a, err := array.Load(alloc, ref)
	if err != nil {
		return nil, err
	}
	out := make([]int64, n)
	for i := range out {
		out[i], err = a.Get(i)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Schema bundle slots (spec.md §4.8: "Table schema is a per-table
// auxiliary node"):
//
//	0 table-type (wrapped scalar)     5 collection kinds
//	1 embedded-owner ColKey (wrapped) 6 attribute masks
//	2 column names (StringColumn)     7 link target TableKeys
//	3 column types                    8 link strengths
//	4 nullability flags               9 link backlink indices
const schemaSlots = 10

func (t *Table) persistSchema() (storage.Ref, error) {
	alloc, oldestLiveReader := t.txn.alloc, t.txn.oldestLiveReader
	n := len(t.columns)

	names, err := variant.CreateStringColumn(alloc, n, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	types := make([]int64, n)
	nullables := make([]int64, n)
	colls := make([]int64, n)
	attrs := make([]int64, n)
	linkTargets := make([]int64, n)
	linkStrengths := make([]int64, n)
	linkBacklinks := make([]int64, n)
	for i, c := range t.columns {
		if err := names.Set(i, c.name, oldestLiveReader); err != nil {
			return storage.NullRef, err
		}
		types[i] = int64(c.typ)
		if c.nullable {
			nullables[i] = 1
		}
		colls[i] = int64(c.coll)
		attrs[i] = int64(c.attr)
		linkTargets[i] = int64(c.linkTarget)
		linkStrengths[i] = int64(c.linkStrength)
		linkBacklinks[i] = int64(c.linkBacklinkIdx)
	}

	namesRef, err := persistStringColumn(alloc, names, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	typesRef, err := buildInt64Array(alloc, types, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	nullableRef, err := buildInt64Array(alloc, nullables, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	collRef, err := buildInt64Array(alloc, colls, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	attrRef, err := buildInt64Array(alloc, attrs, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	targetRef, err := buildInt64Array(alloc, linkTargets, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	strengthRef, err := buildInt64Array(alloc, linkStrengths, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	backlinkRef, err := buildInt64Array(alloc, linkBacklinks, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}

	ttRef, err := wrapScalar(alloc, int64(t.tableType), oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	ownerRef, err := wrapScalar(alloc, int64(t.embeddedOwner), oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}

	return buildBundle(alloc, []storage.Ref{
		ttRef, ownerRef, namesRef, typesRef, nullableRef, collRef, attrRef, targetRef, strengthRef, backlinkRef,
	}, oldestLiveReader)
}

func loadSchema(alloc *storage.Allocator, ref storage.Ref) (TableType, ColKey, []columnDef, error) {
	slots, err := loadBundleRefs(alloc, ref, schemaSlots)
	if err != nil {
		return 0, NoColumn, nil, err
	}
	ttRaw, err := unwrapScalar(alloc, slots[0])
	if err != nil {
		return 0, NoColumn, nil, err
	}
	ownerRaw, err := unwrapScalar(alloc, slots[1])
	if err != nil {
		return 0, NoColumn, nil, err
	}

	names, err := loadStringColumn(alloc, slots[2])
	if err != nil {
		return 0, NoColumn, nil, err
	}
	n := names.Len()
	types, err := readInt64Array(alloc, slots[3], n)
	if err != nil {
		return 0, NoColumn, nil, err
	}
	nullables, err := readInt64Array(alloc, slots[4], n)
	if err != nil {
		return 0, NoColumn, nil, err
	}
	colls, err := readInt64Array(alloc, slots[5], n)
	if err != nil {
		return 0, NoColumn, nil, err
	}
	attrs, err := readInt64Array(alloc, slots[6], n)
	if err != nil {
		return 0, NoColumn, nil, err
	}
	targets, err := readInt64Array(alloc, slots[7], n)
	if err != nil {
		return 0, NoColumn, nil, err
	}
	strengths, err := readInt64Array(alloc, slots[8], n)
	if err != nil {
		return 0, NoColumn, nil, err
	}
	backlinks, err := readInt64Array(alloc, slots[9], n)
	if err != nil {
		return 0, NoColumn, nil, err
	}

	cols := make([]columnDef, n)
	for i := range cols {
		name, _, err := names.Get(i)
		if err != nil {
			return 0, NoColumn, nil, err
		}
		cols[i] = columnDef{
			name:            name,
			typ:             ColumnType(types[i]),
			nullable:        nullables[i] != 0,
			coll:            CollectionKind(colls[i]),
			attr:            Attr(attrs[i]),
			linkTarget:      TableKey(targets[i]),
			linkStrength:    cluster.LinkStrength(strengths[i]),
			linkBacklinkIdx: int(backlinks[i]),
		}
	}
	return TableType(ttRaw), ColKey(ownerRaw), cols, nil
}

// Table root bundle slots, stored per-entry in the Group's
// table_refs_ref array (spec.md §4.8):
//
//	0 schema bundle   2 interner bundle
//	1 tree root ref   3 highest-used ObjKey (wrapped scalar)
const tableRootSlots = 4

func (t *Table) persistRoot() (storage.Ref, error) {
	schemaRef, err := t.persistSchema()
	if err != nil {
		return storage.NullRef, err
	}
	// Fold any strings interned this transaction into the persistent
	// string table before bundling its refs: persistInterner only ever
	// sees in.Refs(), which reflects persisted entries, not the overlay.
	if err := t.interner.Flush(t.txn.oldestLiveReader); err != nil {
		return storage.NullRef, err
	}
	internerRef, err := persistInterner(t.txn.alloc, t.interner, t.txn.oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	keyRef, err := wrapScalar(t.txn.alloc, int64(t.keys.Cursor()-1), t.txn.oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	return buildBundle(t.txn.alloc, []storage.Ref{schemaRef, t.tree.Root(), internerRef, keyRef}, t.txn.oldestLiveReader)
}

func loadTable(group *Group, txn *txnContext, key TableKey, name string, rootRef storage.Ref) (*Table, error) {
	slots, err := loadBundleRefs(txn.alloc, rootRef, tableRootSlots)
	if err != nil {
		return nil, err
	}
	tt, owner, cols, err := loadSchema(txn.alloc, slots[0])
	if err != nil {
		return nil, err
	}
	in, err := loadInterner(txn.alloc, slots[2])
	if err != nil {
		return nil, err
	}
	highest, err := unwrapScalar(txn.alloc, slots[3])
	if err != nil {
		return nil, err
	}

	t := &Table{
		group: group, txn: txn, key: key, name: name,
		tableType: tt, embeddedOwner: owner,
		columns: cols, colIndex: make(map[string]int),
		tree:     cluster.LoadTree(txn.alloc, slots[1], len(cols)),
		keys:     cluster.NewKeySource(cluster.ObjKey(highest)),
		interner: in,
		linkColumns: make([]*cluster.LinkColumn, len(cols)),
	}
	for i, c := range cols {
		t.colIndex[c.name] = i
	}
	group.tables[key] = t // register before wiring so a cyclic link resolves against this tree

	for i, c := range cols {
		if c.typ != TypeLink || c.linkTarget == NoTable || c.attr&attrBacklink != 0 {
			continue
		}
		target, err := group.getOrLoadTable(c.linkTarget)
		if err != nil {
			return nil, err
		}
		t.linkColumns[i] = &cluster.LinkColumn{
			Tree: t.tree, ColumnIndex: i, Strength: c.linkStrength, Kind: linkCollKind(c.coll),
			TargetTree: target.tree, BacklinkColumn: c.linkBacklinkIdx,
		}
	}
	return t, nil
}
