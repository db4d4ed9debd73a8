package strata

import "testing"

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(tempDBPath(t), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteTransactionSerializesWithinProcess(t *testing.T) {
	db := openTestDB(t)

	wt1, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write 1: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wt2, err := db.BeginWrite()
		if err != nil {
			t.Errorf("begin write 2: %v", err)
			close(done)
			return
		}
		if _, err := wt2.Commit(); err != nil {
			t.Errorf("commit 2: %v", err)
		}
		close(done)
	}()

	if _, err := wt1.Commit(); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	<-done
}

func TestReadSnapshotIsolatedFromConcurrentWrite(t *testing.T) {
	db := openTestDB(t)

	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	tbl, err := wt.AddTable("t")
	if err != nil {
		t.Fatalf("add table: %v", err)
	}
	if _, err := tbl.CreateObject(NullKey, false); err != nil {
		t.Fatalf("create object: %v", err)
	}
	if _, err := wt.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rt, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()

	before, err := snapshotSize(rt, "t")
	if err != nil {
		t.Fatalf("snapshot size: %v", err)
	}

	wt2, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write 2: %v", err)
	}
	tbl2, err := wt2.Table("t")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if _, err := tbl2.CreateObject(NullKey, false); err != nil {
		t.Fatalf("create object 2: %v", err)
	}
	if _, err := wt2.Commit(); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	after, err := snapshotSize(rt, "t")
	if err != nil {
		t.Fatalf("snapshot size after commit: %v", err)
	}
	if after != before {
		t.Fatalf("expected unchanged reader snapshot to keep seeing %d rows, saw %d", before, after)
	}

	if err := rt.Advance(); err != nil {
		t.Fatalf("advance: %v", err)
	}
	advanced, err := snapshotSize(rt, "t")
	if err != nil {
		t.Fatalf("snapshot size after advance: %v", err)
	}
	if advanced != before+1 {
		t.Fatalf("expected advanced snapshot to see %d rows, saw %d", before+1, advanced)
	}
}

func snapshotSize(rt *ReadTransaction, table string) (int, error) {
	tbl, err := rt.Table(table)
	if err != nil {
		return 0, err
	}
	return tbl.Size()
}

func TestRollbackDiscardsWrites(t *testing.T) {
	db := openTestDB(t)

	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if _, err := wt.AddTable("t"); err != nil {
		t.Fatalf("add table: %v", err)
	}
	if err := wt.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	rt, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()
	if got := rt.Tables(); len(got) != 0 {
		t.Fatalf("expected rollback to discard the new table, found %v", got)
	}

	wt2, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write after rollback: %v", err)
	}
	if _, err := wt2.AddTable("u"); err != nil {
		t.Fatalf("add table after rollback: %v", err)
	}
	if _, err := wt2.Commit(); err != nil {
		t.Fatalf("commit after rollback: %v", err)
	}
}

func TestCommitTwiceFails(t *testing.T) {
	db := openTestDB(t)

	wt, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if _, err := wt.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := wt.Commit(); err == nil {
		t.Fatalf("expected a second commit to fail")
	}
}
