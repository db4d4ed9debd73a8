package strata

import (
	"path/filepath"
	"testing"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.strata")
}

func TestOpenCreatesEmptyDatabase(t *testing.T) {
	db, err := Open(tempDBPath(t), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	rt, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()

	if got := rt.Tables(); len(got) != 0 {
		t.Fatalf("expected no tables in a fresh database, got %v", got)
	}
}

func TestOpenSharesHandleForSamePath(t *testing.T) {
	path := tempDBPath(t)

	db1, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	defer db1.Close()

	db2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer db2.Close()

	if db1 != db2 {
		t.Fatalf("expected repeated Open of the same path to return the same *Database")
	}
}

func TestOpenReadOnlyRejectsWrite(t *testing.T) {
	path := tempDBPath(t)

	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if _, err := wt.AddTable("t"); err != nil {
		t.Fatalf("add table: %v", err)
	}
	if _, err := wt.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ro, err := Open(path, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	defer ro.Close()

	if _, err := ro.BeginWrite(); err == nil {
		t.Fatalf("expected BeginWrite to fail against a read-only database")
	} else if e, ok := err.(*Error); !ok || e.Kind != WrongTransactState {
		t.Fatalf("expected WrongTransactState, got %v", err)
	}
}

func TestReopenPersistsAcrossClose(t *testing.T) {
	path := tempDBPath(t)

	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	tbl, err := wt.AddTable("widgets")
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
	if err := obj.Set(col, IntValue(42)); err != nil {
		t.Fatalf("set: %v", err)
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

	tbl2, err := rt.Table("widgets")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	size, err := tbl2.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected 1 row after reopen, got %d", size)
	}
	col2, ok := tbl2.ColumnKey("n")
	if !ok {
		t.Fatalf("expected column n to survive reopen")
	}
	obj2, err := tbl2.GetObject(obj.Key())
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	v, err := obj2.Get(col2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Int != 42 {
		t.Fatalf("expected 42, got %v", v)
	}
}

func TestInMemoryDatabaseNeverTouchesDisk(t *testing.T) {
	path := tempDBPath(t)

	db, err := Open(path, Options{InMemory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if _, err := wt.AddTable("t"); err != nil {
		t.Fatalf("add table: %v", err)
	}
	if _, err := wt.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := Open(path, Options{ReadOnly: true}); err == nil {
		t.Fatalf("expected no database file to exist on disk for an InMemory database")
	}
}

func TestBulkInsertAcrossCommits(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const batches = 3
	const perBatch = 400 // pushes the cluster tree past one leaf per batch

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
	if _, err := wt.Commit(); err != nil {
		t.Fatalf("commit schema: %v", err)
	}

	for b := 0; b < batches; b++ {
		wt, err := db.BeginWrite()
		if err != nil {
			t.Fatalf("begin write %d: %v", b, err)
		}
		tbl, err := wt.Table("t")
		if err != nil {
			t.Fatalf("table %d: %v", b, err)
		}
		for i := 0; i < perBatch; i++ {
			obj, err := tbl.CreateObject(NullKey, false)
			if err != nil {
				t.Fatalf("create object %d/%d: %v", b, i, err)
			}
			if err := obj.Set(col, IntValue(int64(b*perBatch+i))); err != nil {
				t.Fatalf("set %d/%d: %v", b, i, err)
			}
		}
		if _, err := wt.Commit(); err != nil {
			t.Fatalf("commit %d: %v", b, err)
		}
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

	tbl2, err := rt.Table("t")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	size, err := tbl2.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != batches*perBatch {
		t.Fatalf("expected %d rows after reopen, got %d", batches*perBatch, size)
	}

	col2, _ := tbl2.ColumnKey("n")
	sum := int64(0)
	err = tbl2.ForEach(func(obj *Object) (bool, error) {
		v, err := obj.Get(col2)
		if err != nil {
			return false, err
		}
		sum += v.Int
		return true, nil
	})
	if err != nil {
		t.Fatalf("for each: %v", err)
	}
	n := int64(batches * perBatch)
	if want := n * (n - 1) / 2; sum != want {
		t.Fatalf("expected sum %d, got %d", want, sum)
	}
}

func TestEncryptedDatabaseRoundTrip(t *testing.T) {
	path := tempDBPath(t)
	key := []byte("a thirty-two byte test key......")

	db, err := Open(path, Options{EncryptionKey: key})
	if err != nil {
		t.Fatalf("open encrypted: %v", err)
	}
	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	tbl, err := wt.AddTable("secrets")
	if err != nil {
		t.Fatalf("add table: %v", err)
	}
	col, err := tbl.AddColumn("v", TypeInt, false, CollectionScalar, 0, NoTable, 0)
	if err != nil {
		t.Fatalf("add column: %v", err)
	}
	obj, err := tbl.CreateObject(NullKey, false)
	if err != nil {
		t.Fatalf("create object: %v", err)
	}
	if err := obj.Set(col, IntValue(77)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := wt.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(path, Options{EncryptionKey: key})
	if err != nil {
		t.Fatalf("reopen encrypted: %v", err)
	}
	defer db2.Close()

	rt, err := db2.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()
	tbl2, err := rt.Table("secrets")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	col2, _ := tbl2.ColumnKey("v")
	obj2, err := tbl2.GetObject(obj.Key())
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	v, err := obj2.Get(col2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Int != 77 {
		t.Fatalf("expected 77, got %v", v)
	}
}

func TestCompactEmptyDatabase(t *testing.T) {
	db, err := Open(tempDBPath(t), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}
}
