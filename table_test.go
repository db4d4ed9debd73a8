package strata

import "testing"

func TestAddColumnFillsExistingRowsWithNull(t *testing.T) {
	db := openTestDB(t)
	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	tbl, err := wt.AddTable("t")
	if err != nil {
		t.Fatalf("add table: %v", err)
	}
	obj, err := tbl.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create object: %v", err)
	}

	col, err := tbl.AddColumn("n", TypeInt, true, CollectionScalar, 0, NoTable, 0)
	if err != nil {
		t.Fatalf("add column: %v", err)
	}
	v, err := obj.Get(col)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !v.Null {
		t.Fatalf("expected a pre-existing row to read back null in a newly added column, got %v", v)
	}
}

func TestAddColumnRejectsDuplicateName(t *testing.T) {
	db := openTestDB(t)
	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	tbl, err := wt.AddTable("t")
	if err != nil {
		t.Fatalf("add table: %v", err)
	}
	if _, err := tbl.AddColumn("n", TypeInt, false, CollectionScalar, 0, NoTable, 0); err != nil {
		t.Fatalf("add column: %v", err)
	}
	if _, err := tbl.AddColumn("n", TypeString, false, CollectionScalar, 0, NoTable, 0); err == nil {
		t.Fatalf("expected a duplicate column name to be rejected")
	}
}

func TestSetRejectsNullOnNonNullableColumn(t *testing.T) {
	db := openTestDB(t)
	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	tbl, err := wt.AddTable("t")
	if err != nil {
		t.Fatalf("add table: %v", err)
	}
	col, err := tbl.AddColumn("n", TypeInt, false, CollectionScalar, 0, NoTable, 0)
	if err != nil {
		t.Fatalf("add column: %v", err)
	}
	obj, err := tbl.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create object: %v", err)
	}
	if err := obj.Set(col, NullValue(TypeInt)); err == nil {
		t.Fatalf("expected setting null on a non-nullable column to fail")
	}
}

func TestLinkColumnGetSetRoundTrips(t *testing.T) {
	db := openTestDB(t)
	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}

	parents, err := wt.AddTable("parents")
	if err != nil {
		t.Fatalf("add parents: %v", err)
	}
	children, err := wt.AddTable("children")
	if err != nil {
		t.Fatalf("add children: %v", err)
	}

	linkCol, err := parents.AddColumn("child", TypeLink, true, CollectionScalar, 0, children.Key(), 0)
	if err != nil {
		t.Fatalf("add link column: %v", err)
	}

	child, err := children.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	parent, err := parents.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}

	before, err := parent.Get(linkCol)
	if err != nil {
		t.Fatalf("get before set: %v", err)
	}
	if !before.Null {
		t.Fatalf("expected a freshly added link column to read back null, got %v", before)
	}

	if err := parent.Set(linkCol, LinkValue(child.Key())); err != nil {
		t.Fatalf("set link: %v", err)
	}
	after, err := parent.Get(linkCol)
	if err != nil {
		t.Fatalf("get after set: %v", err)
	}
	if after.Null || after.Link != child.Key() {
		t.Fatalf("expected link to point at child %v, got %v", child.Key(), after)
	}
}

func TestStrongLinkCascadeDeletesTarget(t *testing.T) {
	db := openTestDB(t)
	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}

	owners, err := wt.AddTable("owners")
	if err != nil {
		t.Fatalf("add owners: %v", err)
	}
	pets, err := wt.AddTable("pets")
	if err != nil {
		t.Fatalf("add pets: %v", err)
	}
	linkCol, err := owners.AddColumn("pet", TypeLink, true, CollectionScalar, AttrStrongLink, pets.Key(), Strong)
	if err != nil {
		t.Fatalf("add strong link column: %v", err)
	}

	pet, err := pets.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create pet: %v", err)
	}
	owner, err := owners.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	if err := owner.Set(linkCol, LinkValue(pet.Key())); err != nil {
		t.Fatalf("set link: %v", err)
	}

	// Removing the strongly-linked target directly is forbidden.
	err = pets.RemoveObject(pet.Key())
	if e, ok := err.(*Error); !ok || e.Kind != ConstraintViolation {
		t.Fatalf("expected ConstraintViolation removing a strongly-linked row, got %v", err)
	}

	// Removing the owner cascades.
	if err := owners.RemoveObject(owner.Key()); err != nil {
		t.Fatalf("remove owner: %v", err)
	}
	if _, err := pets.GetObject(pet.Key()); err == nil {
		t.Fatalf("expected the strongly-linked pet to be cascade-deleted")
	}

	size, err := pets.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected empty pets table after cascade, got %d rows", size)
	}
	if _, err := wt.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestWeakLinkClearedWhenTargetRemoved(t *testing.T) {
	db := openTestDB(t)
	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}

	readers, err := wt.AddTable("readers")
	if err != nil {
		t.Fatalf("add readers: %v", err)
	}
	books, err := wt.AddTable("books")
	if err != nil {
		t.Fatalf("add books: %v", err)
	}
	linkCol, err := readers.AddColumn("book", TypeLink, true, CollectionScalar, 0, books.Key(), Weak)
	if err != nil {
		t.Fatalf("add link column: %v", err)
	}

	book, err := books.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	reader, err := readers.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create reader: %v", err)
	}
	if err := reader.Set(linkCol, LinkValue(book.Key())); err != nil {
		t.Fatalf("set link: %v", err)
	}

	if err := books.RemoveObject(book.Key()); err != nil {
		t.Fatalf("remove weakly-linked book: %v", err)
	}

	v, err := reader.Get(linkCol)
	if err != nil {
		t.Fatalf("get link after target removal: %v", err)
	}
	if !v.Null {
		t.Fatalf("expected the weak forward link to be cleared, got %v", v)
	}
}

func TestLinkSurvivesCommitAndReopen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	parents, err := wt.AddTable("parents")
	if err != nil {
		t.Fatalf("add parents: %v", err)
	}
	children, err := wt.AddTable("children")
	if err != nil {
		t.Fatalf("add children: %v", err)
	}
	linkCol, err := parents.AddColumn("child", TypeLink, true, CollectionScalar, 0, children.Key(), Weak)
	if err != nil {
		t.Fatalf("add link column: %v", err)
	}
	child, err := children.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	parent, err := parents.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if err := parent.Set(linkCol, LinkValue(child.Key())); err != nil {
		t.Fatalf("set link: %v", err)
	}
	if _, err := wt.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	rt, err := db2.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()

	parents2, err := rt.Table("parents")
	if err != nil {
		t.Fatalf("parents: %v", err)
	}
	col2, ok := parents2.ColumnKey("child")
	if !ok {
		t.Fatalf("expected link column to survive reopen")
	}
	obj, err := parents2.GetObject(parent.Key())
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	v, err := obj.Get(col2)
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if v.Null || v.Link != child.Key() {
		t.Fatalf("expected link to %v after reopen, got %v", child.Key(), v)
	}
}

func TestSetAfterCommitCopiesOnWrite(t *testing.T) {
	db := openTestDB(t)

	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	tbl, err := wt.AddTable("t")
	if err != nil {
		t.Fatalf("add table: %v", err)
	}
	col, err := tbl.AddColumn("n", TypeInt, false, CollectionScalar, 0, NoTable, 0)
	if err != nil {
		t.Fatalf("add column: %v", err)
	}
	obj, err := tbl.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create object: %v", err)
	}
	if err := obj.Set(col, IntValue(1)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := wt.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Mutating a committed (file-backed) row must clone its path, not
	// fail or scribble over the old version.
	rt, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()

	wt2, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write 2: %v", err)
	}
	tbl2, err := wt2.Table("t")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	obj2, err := tbl2.GetObject(obj.Key())
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if err := obj2.Set(col, IntValue(2)); err != nil {
		t.Fatalf("set after commit: %v", err)
	}
	if _, err := wt2.Commit(); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	// The pre-update snapshot still sees the old value.
	rtbl, err := rt.Table("t")
	if err != nil {
		t.Fatalf("snapshot table: %v", err)
	}
	robj, err := rtbl.GetObject(obj.Key())
	if err != nil {
		t.Fatalf("snapshot get object: %v", err)
	}
	rv, err := robj.Get(col)
	if err != nil {
		t.Fatalf("snapshot get: %v", err)
	}
	if rv.Int != 1 {
		t.Fatalf("expected pinned snapshot to see 1, got %d", rv.Int)
	}

	if err := rt.Advance(); err != nil {
		t.Fatalf("advance: %v", err)
	}
	rtbl, err = rt.Table("t")
	if err != nil {
		t.Fatalf("advanced table: %v", err)
	}
	robj, err = rtbl.GetObject(obj.Key())
	if err != nil {
		t.Fatalf("advanced get object: %v", err)
	}
	rv, err = robj.Get(col)
	if err != nil {
		t.Fatalf("advanced get: %v", err)
	}
	if rv.Int != 2 {
		t.Fatalf("expected advanced snapshot to see 2, got %d", rv.Int)
	}
}

func TestMixedColumnRoundTripsAcrossCommit(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	tbl, err := wt.AddTable("t")
	if err != nil {
		t.Fatalf("add table: %v", err)
	}
	col, err := tbl.AddColumn("v", TypeMixed, true, CollectionScalar, 0, NoTable, 0)
	if err != nil {
		t.Fatalf("add column: %v", err)
	}

	objInt, err := tbl.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create object: %v", err)
	}
	if err := objInt.Set(col, MixedValue(IntValue(42))); err != nil {
		t.Fatalf("set mixed int: %v", err)
	}
	objStr, err := tbl.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create object: %v", err)
	}
	if err := objStr.Set(col, MixedValue(StringValue("hello"))); err != nil {
		t.Fatalf("set mixed string: %v", err)
	}
	objNull, err := tbl.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create object: %v", err)
	}

	// A Mixed cell cannot wrap another Mixed or a Link.
	if err := objInt.Set(col, MixedValue(LinkValue(objStr.Key()))); err == nil {
		t.Fatalf("expected wrapping a Link in Mixed to fail")
	}

	if _, err := wt.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rt, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()
	tbl2, err := rt.Table("t")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	col2, _ := tbl2.ColumnKey("v")

	got, err := mustGet(t, tbl2, objInt.Key(), col2)
	if err != nil {
		t.Fatalf("get int row: %v", err)
	}
	if got.Null || got.MixedType != TypeInt || got.Int != 42 {
		t.Fatalf("int row: got %+v", got)
	}
	got, err = mustGet(t, tbl2, objStr.Key(), col2)
	if err != nil {
		t.Fatalf("get string row: %v", err)
	}
	if got.Null || got.MixedType != TypeString || got.Str != "hello" {
		t.Fatalf("string row: got %+v", got)
	}
	got, err = mustGet(t, tbl2, objNull.Key(), col2)
	if err != nil {
		t.Fatalf("get null row: %v", err)
	}
	if !got.Null {
		t.Fatalf("expected untouched row to read back null, got %+v", got)
	}
}

func mustGet(t *testing.T, tbl *Table, key ObjKey, col ColKey) (Value, error) {
	t.Helper()
	obj, err := tbl.GetObject(key)
	if err != nil {
		return Value{}, err
	}
	return obj.Get(col)
}

func TestSearchPrefixFindsMatchingRows(t *testing.T) {
	db := openTestDB(t)
	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	tbl, err := wt.AddTable("t")
	if err != nil {
		t.Fatalf("add table: %v", err)
	}
	col, err := tbl.AddColumn("name", TypeString, false, CollectionScalar, AttrIndexed, NoTable, 0)
	if err != nil {
		t.Fatalf("add column: %v", err)
	}

	want := map[ObjKey]bool{}
	for _, name := range []string{"apple", "application", "banana", "apply"} {
		obj, err := tbl.CreateObject(NullKey, false)
		if err != nil {
			t.Fatalf("create object: %v", err)
		}
		if err := obj.Set(col, StringValue(name)); err != nil {
			t.Fatalf("set %q: %v", name, err)
		}
		if name != "banana" {
			want[obj.Key()] = true
		}
	}

	got, err := tbl.SearchPrefix(col, "app")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d matches, got %v", len(want), got)
	}
	for _, k := range got {
		if !want[k] {
			t.Fatalf("unexpected key %v in matches %v", k, got)
		}
	}
}

func TestForEachVisitsEveryRow(t *testing.T) {
	db := openTestDB(t)
	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	tbl, err := wt.AddTable("t")
	if err != nil {
		t.Fatalf("add table: %v", err)
	}
	col, err := tbl.AddColumn("n", TypeInt, false, CollectionScalar, 0, NoTable, 0)
	if err != nil {
		t.Fatalf("add column: %v", err)
	}
	for i := 0; i < 25; i++ {
		obj, err := tbl.CreateObject(NullKey, false)
		if err != nil {
			t.Fatalf("create object: %v", err)
		}
		if err := obj.Set(col, IntValue(int64(i))); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	seen := 0
	sum := int64(0)
	err = tbl.ForEach(func(obj *Object) (bool, error) {
		v, err := obj.Get(col)
		if err != nil {
			return false, err
		}
		seen++
		sum += v.Int
		return true, nil
	})
	if err != nil {
		t.Fatalf("for each: %v", err)
	}
	if seen != 25 {
		t.Fatalf("expected 25 rows visited, got %d", seen)
	}
	if sum != 300 {
		t.Fatalf("expected sum 300 (0..24), got %d", sum)
	}
}
