package cluster

import (
	"testing"

	"github.com/stratadb/strata/internal/array"
	"github.com/stratadb/strata/internal/storage"
)

func newTestAllocator(t *testing.T) *storage.Allocator {
	path := t.TempDir() + "/test.strata"
	f, err := storage.Attach(path, storage.ReadWrite, nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	if err := f.Map(storage.HeaderSize + 256*storage.Page); err != nil {
		t.Fatalf("map: %v", err)
	}
	return storage.NewAllocator(f, storage.HeaderSize)
}

func TestLeafInsertFindRemove(t *testing.T) {
	alloc := newTestAllocator(t)
	leaf, err := CreateLeaf(alloc, 2, 0)
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}

	leaf, err = leaf.InsertRow(0, 10, []int64{1, 2}, 0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	leaf, err = leaf.InsertRow(0, 5, []int64{3, 4}, 0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if leaf.Size() != 2 {
		t.Fatalf("expected size 2, got %d", leaf.Size())
	}
	pos, found, err := leaf.Find(5)
	if err != nil || !found || pos != 0 {
		t.Fatalf("expected to find key 5 at pos 0, got pos=%d found=%v err=%v", pos, found, err)
	}

	leaf, err = leaf.RemoveRow(0, 0)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if leaf.Size() != 1 {
		t.Fatalf("expected size 1 after remove, got %d", leaf.Size())
	}
	if _, found, _ := leaf.Find(5); found {
		t.Fatalf("expected key 5 to be gone")
	}
	k, err := leaf.KeyAt(0)
	if err != nil || k != 10 {
		t.Fatalf("expected remaining key 10, got %d (err=%v)", k, err)
	}
}

func TestLeafAddRemoveColumn(t *testing.T) {
	alloc := newTestAllocator(t)
	leaf, err := CreateLeaf(alloc, 1, 0)
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}
	leaf, err = leaf.InsertRow(0, 1, []int64{100}, 0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	leaf, err = leaf.AddColumn(array.Normal, -1, 0)
	if err != nil {
		t.Fatalf("add column: %v", err)
	}
	if len(leaf.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(leaf.Columns))
	}
	v, err := leaf.Columns[1].Get(0)
	if err != nil || v != -1 {
		t.Fatalf("expected fill -1 in new column, got %d (err=%v)", v, err)
	}

	leaf, err = leaf.RemoveColumn(0, 0)
	if err != nil {
		t.Fatalf("remove column: %v", err)
	}
	if len(leaf.Columns) != 1 {
		t.Fatalf("expected 1 column after remove, got %d", len(leaf.Columns))
	}
}

func TestTreeCreateGetRemoveObject(t *testing.T) {
	alloc := newTestAllocator(t)
	tree, err := NewTree(alloc, 1, 0)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	keys := NewKeySource(NullKey)

	const n = 40
	want := make(map[ObjKey]int64)
	for i := 0; i < n; i++ {
		key, err := tree.CreateObject(keys, NullKey, false, []int64{int64(i * 7)}, 0)
		if err != nil {
			t.Fatalf("create object %d: %v", i, err)
		}
		want[key] = int64(i * 7)
	}

	size, err := tree.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != n {
		t.Fatalf("expected size %d, got %d", n, size)
	}

	for key, val := range want {
		leaf, pos, err := tree.TryGetObject(key)
		if err != nil {
			t.Fatalf("try get %d: %v", key, err)
		}
		got, err := leaf.Columns[0].Get(pos)
		if err != nil {
			t.Fatalf("column get: %v", err)
		}
		if got != val {
			t.Fatalf("key %d: expected %d, got %d", key, val, got)
		}
	}

	removed := 0
	for key := range want {
		if removed >= n/2 {
			break
		}
		if err := tree.RemoveObject(key, 0); err != nil {
			t.Fatalf("remove %d: %v", key, err)
		}
		delete(want, key)
		removed++
	}

	size, err = tree.Size()
	if err != nil {
		t.Fatalf("size after removes: %v", err)
	}
	if size != n-removed {
		t.Fatalf("expected size %d after removes, got %d", n-removed, size)
	}

	for key := range want {
		if _, _, err := tree.TryGetObject(key); err != nil {
			t.Fatalf("expected surviving key %d to be found: %v", key, err)
		}
	}
}

func TestTreeForEachInOrderAndStop(t *testing.T) {
	alloc := newTestAllocator(t)
	tree, err := NewTree(alloc, 0, 0)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	keys := NewKeySource(NullKey)
	for i := 0; i < 20; i++ {
		if _, err := tree.CreateObject(keys, NullKey, false, nil, 0); err != nil {
			t.Fatalf("create object: %v", err)
		}
	}

	var seen []ObjKey
	err = tree.ForEach(func(key ObjKey, leaf *Leaf, pos int) (bool, error) {
		seen = append(seen, key)
		return true, nil
	})
	if err != nil {
		t.Fatalf("for each: %v", err)
	}
	if len(seen) != 20 {
		t.Fatalf("expected 20 visited rows, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("expected ascending key order, got %d after %d", seen[i], seen[i-1])
		}
	}

	count := 0
	err = tree.ForEach(func(key ObjKey, leaf *Leaf, pos int) (bool, error) {
		count++
		return count < 5, nil
	})
	if err != nil {
		t.Fatalf("for each with stop: %v", err)
	}
	if count != 5 {
		t.Fatalf("expected early stop at 5 visits, got %d", count)
	}
}

func TestTreeCreateObjectWithKeyHint(t *testing.T) {
	alloc := newTestAllocator(t)
	tree, err := NewTree(alloc, 1, 0)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	keys := NewKeySource(NullKey)

	key, err := tree.CreateObject(keys, 100, true, []int64{1}, 0)
	if err != nil {
		t.Fatalf("create with hint: %v", err)
	}
	if key != 100 {
		t.Fatalf("expected key 100, got %d", key)
	}

	next, err := tree.CreateObject(keys, NullKey, false, []int64{2}, 0)
	if err != nil {
		t.Fatalf("create monotonic: %v", err)
	}
	if next <= 100 {
		t.Fatalf("expected monotonic key past hint 100, got %d", next)
	}

	if _, err := tree.CreateObject(keys, 100, true, []int64{3}, 0); err == nil {
		t.Fatalf("expected duplicate key hint to fail")
	}
}

func TestTreeRemoveMissingKeyFails(t *testing.T) {
	alloc := newTestAllocator(t)
	tree, err := NewTree(alloc, 0, 0)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	if err := tree.RemoveObject(999, 0); err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}
