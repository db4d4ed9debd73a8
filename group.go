package strata

import (
	"fmt"

	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/storage"
	"github.com/stratadb/strata/internal/variant"
)

// Group is the file's root directory (spec.md §4.8 C8/§6): the list of
// tables it owns, each table's persisted root, and the free-space
// ledger that otherwise has no other home in the file. Every Database
// transaction opens exactly one Group, rooted at whichever top-ref
// slot the commit protocol's selector currently names.
type Group struct {
	txn *txnContext

	names    []string     // table name at each TableKey slot, "" if tombstoned
	rootRefs []storage.Ref // that table's persisted root, NullRef if tombstoned
	tables   map[TableKey]*Table // loaded/created this transaction

	fileSize       int64
	versionCounter uint64

	freePositions []int64
	freeSizes     []int64
	freeVersions  []uint64

	historyRef storage.Ref // history_ref slot of the top array, loaded and written back unchanged
}

// newGroup builds an empty group for a brand-new database file.
func newGroup(txn *txnContext) *Group {
	return &Group{
		txn:    txn,
		tables: make(map[TableKey]*Table),
	}
}

// Group root bundle slots (spec.md §4.8's "Group root" layout):
//
//	0 table names (StringColumn)     5 history chain ref
//	1 table roots (HasRefs bundle)   6 file size (wrapped scalar)
//	2 free-space positions           7 version counter (wrapped scalar)
//	3 free-space sizes               8 reserved
//	4 free-space versions            9 reserved
const groupSlots = 10

// loadGroup reconstructs a Group from its persisted root ref.
func loadGroup(txn *txnContext, ref storage.Ref) (*Group, error) {
	if ref == storage.NullRef {
		return newGroup(txn), nil
	}

	slots, err := loadBundleRefs(txn.alloc, ref, groupSlots)
	if err != nil {
		return nil, newError(IOError, "Group", err)
	}

	names, err := loadStringColumn(txn.alloc, slots[0])
	if err != nil {
		return nil, newError(IOError, "Group", err)
	}
	n := names.Len()
	nameList := make([]string, n)
	for i := 0; i < n; i++ {
		v, ok, err := names.Get(i)
		if err != nil {
			return nil, newError(IOError, "Group", err)
		}
		if ok {
			nameList[i] = v
		}
	}

	rootRefs, err := loadBundleRefs(txn.alloc, slots[1], n)
	if err != nil {
		return nil, newError(IOError, "Group", err)
	}

	freePositions, err := readInt64ArrayAll(txn.alloc, slots[2])
	if err != nil {
		return nil, newError(IOError, "Group", err)
	}
	freeSizes, err := readInt64ArrayAll(txn.alloc, slots[3])
	if err != nil {
		return nil, newError(IOError, "Group", err)
	}
	rawVersions, err := readInt64ArrayAll(txn.alloc, slots[4])
	if err != nil {
		return nil, newError(IOError, "Group", err)
	}
	freeVersions := make([]uint64, len(rawVersions))
	for i, v := range rawVersions {
		freeVersions[i] = uint64(v)
	}

	fileSize, err := unwrapScalar(txn.alloc, slots[6])
	if err != nil {
		return nil, newError(IOError, "Group", err)
	}
	versionCounter, err := unwrapScalar(txn.alloc, slots[7])
	if err != nil {
		return nil, newError(IOError, "Group", err)
	}

	return &Group{
		txn:            txn,
		names:          nameList,
		rootRefs:       rootRefs,
		tables:         make(map[TableKey]*Table),
		fileSize:       fileSize,
		versionCounter: uint64(versionCounter),
		freePositions:  freePositions,
		freeSizes:      freeSizes,
		freeVersions:   freeVersions,
		historyRef:     slots[5],
	}, nil
}

// readInt64ArrayAll reads back every element of a plain Normal array
// whose length is not separately recorded (the free-space ledger
// arrays: their own Len() is the only record of how many entries
// exist). A NullRef means "no ledger yet", e.g. a freshly created
// file.
func readInt64ArrayAll(alloc *storage.Allocator, ref storage.Ref) ([]int64, error) {
	if ref == storage.NullRef {
		return nil, nil
	}
	a, err := array.Load(alloc, ref)
	if err != nil {
		return nil, err
	}
	out := make([]int64, a.Len())
	for i := range out {
		out[i], err = a.Get(i)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Tables returns every active (non-tombstoned) table name. A slot is
// active once AddTable names it, even before its first persistRoot.
func (g *Group) Tables() []string {
	var out []string
	for _, name := range g.names {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// tableKeyByName finds an active slot by name, or NoTable.
func (g *Group) tableKeyByName(name string) TableKey {
	for i, n := range g.names {
		if n == name {
			return TableKey(i)
		}
	}
	return NoTable
}

// GetTable resolves a table by name, loading it from its persisted
// root the first time this transaction touches it (spec.md §6
// `Group::get_table`).
func (g *Group) GetTable(name string) (*Table, error) {
	key := g.tableKeyByName(name)
	if key == NoTable {
		return nil, newError(KeyNotFound, "Group.GetTable", fmt.Errorf("no table named %q", name))
	}
	return g.getOrLoadTable(key)
}

// getOrLoadTable resolves key against the in-memory table cache,
// loading from its persisted root on first touch. Used both by the
// public Group API and internally by table.go when wiring link
// columns against another table in the same group.
func (g *Group) getOrLoadTable(key TableKey) (*Table, error) {
	if t, ok := g.tables[key]; ok {
		return t, nil
	}
	idx := int(key)
	if idx < 0 || idx >= len(g.rootRefs) || g.rootRefs[idx] == storage.NullRef {
		return nil, newError(KeyNotFound, "Group.getOrLoadTable", fmt.Errorf("unknown table %d", key))
	}
	return loadTable(g, g.txn, key, g.names[idx], g.rootRefs[idx])
}

// AddTable creates a new, empty table (spec.md §6 `Group::add_table`).
// owner/tt distinguish a caller-named top-level table from the
// internal embedded-object table an embedded column owns.
func (g *Group) AddTable(name string, tt TableType, owner ColKey) (*Table, error) {
	if !g.txn.writable {
		return nil, newError(WrongTransactState, "Group.AddTable", fmt.Errorf("transaction is read-only"))
	}
	if g.tableKeyByName(name) != NoTable {
		return nil, newError(ConstraintViolation, "Group.AddTable", fmt.Errorf("table %q already exists", name))
	}

	var key TableKey
	reused := false
	for i, n := range g.names {
		if n == "" && g.rootRefs[i] == storage.NullRef && g.tables[TableKey(i)] == nil {
			key = TableKey(i)
			reused = true
			break
		}
	}
	if !reused {
		key = TableKey(len(g.names))
		g.names = append(g.names, "")
		g.rootRefs = append(g.rootRefs, storage.NullRef)
	}

	t, err := createTable(g, g.txn, key, name, tt, owner)
	if err != nil {
		return nil, err
	}
	g.names[key] = name
	g.tables[key] = t
	return t, nil
}

// GetOrAddTable resolves name, creating a top-level table if absent
// (spec.md §4.8 `get_or_add_table`).
func (g *Group) GetOrAddTable(name string) (*Table, error) {
	if key := g.tableKeyByName(name); key != NoTable {
		return g.getOrLoadTable(key)
	}
	return g.AddTable(name, TopLevel, NoColumn)
}

// RenameTable changes a table's name in place; its TableKey and every
// handle into it stay valid (spec.md §4.8 `rename_table`).
func (g *Group) RenameTable(oldName, newName string) error {
	if !g.txn.writable {
		return newError(WrongTransactState, "Group.RenameTable", fmt.Errorf("transaction is read-only"))
	}
	key := g.tableKeyByName(oldName)
	if key == NoTable {
		return newError(KeyNotFound, "Group.RenameTable", fmt.Errorf("no table named %q", oldName))
	}
	if g.tableKeyByName(newName) != NoTable {
		return newError(ConstraintViolation, "Group.RenameTable", fmt.Errorf("table %q already exists", newName))
	}
	g.names[key] = newName
	if t, ok := g.tables[key]; ok {
		t.name = newName
	}
	return nil
}

// RemoveTable drops a table entirely, tombstoning its slot; the next
// AddTable reuses that slot and its TableKey (column.go's TableKey doc
// comment). Does not validate that no Link column still
// targets it; schema-level validation is out of scope (SPEC_FULL.md §5).
func (g *Group) RemoveTable(name string) error {
	if !g.txn.writable {
		return newError(WrongTransactState, "Group.RemoveTable", fmt.Errorf("transaction is read-only"))
	}
	key := g.tableKeyByName(name)
	if key == NoTable {
		return newError(KeyNotFound, "Group.RemoveTable", fmt.Errorf("no table named %q", name))
	}
	g.names[key] = ""
	g.rootRefs[key] = storage.NullRef
	delete(g.tables, key)
	return nil
}

// persist flushes every table touched this transaction and rebuilds
// the group root bundle. positions/sizes/versions are the free-space
// ledger as of this commit's MergePending fold (internal/commit's
// AttachFreeList contract) — not g's own stale snapshot, since a
// commit always persists the ledger computed fresh at commit time.
func (g *Group) persist(positions []int64, sizes []int64, versions []uint64) (storage.Ref, error) {
	alloc, oldestLiveReader := g.txn.alloc, g.txn.oldestLiveReader

	for key, t := range g.tables {
		ref, err := t.persistRoot()
		if err != nil {
			return storage.NullRef, err
		}
		g.rootRefs[key] = ref
	}

	names, err := variant.CreateStringColumn(alloc, len(g.names), oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	for i, n := range g.names {
		if err := names.Set(i, n, oldestLiveReader); err != nil {
			return storage.NullRef, err
		}
	}
	namesRef, err := persistStringColumn(alloc, names, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	rootsRef, err := buildBundle(alloc, g.rootRefs, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}

	rawVersions := make([]int64, len(versions))
	for i, v := range versions {
		rawVersions[i] = int64(v)
	}
	posRef, err := buildInt64Array(alloc, positions, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	sizeRef, err := buildInt64Array(alloc, sizes, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	verRef, err := buildInt64Array(alloc, rawVersions, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}

	g.versionCounter++
	g.fileSize = alloc.Baseline()
	fileSizeRef, err := wrapScalar(alloc, g.fileSize, oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}
	versionRef, err := wrapScalar(alloc, int64(g.versionCounter), oldestLiveReader)
	if err != nil {
		return storage.NullRef, err
	}

	return buildBundle(alloc, []storage.Ref{
		namesRef, rootsRef, posRef, sizeRef, verRef, g.historyRef, fileSizeRef, versionRef, storage.NullRef, storage.NullRef,
	}, oldestLiveReader)
}
