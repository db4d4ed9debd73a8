package array

import (
	"testing"

	"github.com/stratadb/strata/internal/bitpack"
	"github.com/stratadb/strata/internal/storage"
)

func newTestAllocator(t *testing.T) *storage.Allocator {
	path := t.TempDir() + "/test.strata"
	f, err := storage.Attach(path, storage.ReadWrite, nil)
	if err != nil { t.Fatalf("attach: %v", err) }
	t.Cleanup(func() { f.Close() })

	if err := f.Map(storage.HeaderSize + 64*storage.Page); err != nil { t.Fatalf("map: %v", err) }
	return storage.NewAllocator(f, storage.HeaderSize)
}

func TestCreateAndGet(t *testing.T) {
	alloc := newTestAllocator(t)

	a, err := Create(alloc, Normal, 5, 7, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	for i := 0; i < 5; i++ {
		v, err := a.Get(i)
		if err != nil { t.Fatalf("get(%d): %v", i, err) }
		if v != 7 { t.Fatalf("element %d: got %d want 7", i, v) }
	}
}

func TestSetInPlace(t *testing.T) {
	alloc := newTestAllocator(t)
	a, err := CreateAtWidth(alloc, Normal, 3, 8, 0, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	if err := a.Set(1, 42); err != nil { t.Fatalf("set: %v", err) }

	reloaded, err := Load(alloc, a.Ref)
	if err != nil { t.Fatalf("load: %v", err) }
	v, err := reloaded.Get(1)
	if err != nil { t.Fatalf("get: %v", err) }
	if v != 42 { t.Fatalf("got %d want 42", v) }
}

func TestUpdateWidensByRebuild(t *testing.T) {
	alloc := newTestAllocator(t)
	a, err := Create(alloc, Normal, 3, 1, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	// Fits the current width: same node, updated in place.
	b, err := a.Update(0, 0, 0)
	if err != nil { t.Fatalf("update in place: %v", err) }
	if b.Ref != a.Ref { t.Fatalf("expected in-place update to keep the ref") }

	// Too wide for a 1-bit node: a fresh node replaces it.
	c, err := b.Update(1, 1_000_000, 0)
	if err != nil { t.Fatalf("update with widen: %v", err) }
	if c.Ref == b.Ref { t.Fatalf("expected widening update to allocate a new node") }

	want := []int64{0, 1_000_000, 1}
	for i, w := range want {
		v, err := c.Get(i)
		if err != nil { t.Fatalf("get(%d): %v", i, err) }
		if v != w { t.Fatalf("element %d: got %d want %d", i, v, w) }
	}
}

func TestInsertShiftsElements(t *testing.T) {
	alloc := newTestAllocator(t)
	a, err := Create(alloc, Normal, 0, 0, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	for _, v := range []int64{1, 2, 4} {
		a, err = a.Insert(a.Len(), v, 0)
		if err != nil { t.Fatalf("insert: %v", err) }
	}

	a, err = a.Insert(2, 3, 0)
	if err != nil { t.Fatalf("insert: %v", err) }

	want := []int64{1, 2, 3, 4}
	for i, w := range want {
		v, err := a.Get(i)
		if err != nil { t.Fatalf("get(%d): %v", i, err) }
		if v != w { t.Fatalf("element %d: got %d want %d", i, v, w) }
	}
}

func TestEraseRemovesElement(t *testing.T) {
	alloc := newTestAllocator(t)
	a, err := Create(alloc, Normal, 0, 0, 0)
	if err != nil { t.Fatalf("create: %v", err) }
	for _, v := range []int64{10, 20, 30} {
		a, err = a.Insert(a.Len(), v, 0)
		if err != nil { t.Fatalf("insert: %v", err) }
	}

	a, err = a.Erase(1, 0)
	if err != nil { t.Fatalf("erase: %v", err) }

	if a.Len() != 2 { t.Fatalf("expected len 2, got %d", a.Len()) }
	v0, _ := a.Get(0)
	v1, _ := a.Get(1)
	if v0 != 10 || v1 != 30 {
		t.Fatalf("expected [10,30], got [%d,%d]", v0, v1)
	}
}

func TestTruncateAndClear(t *testing.T) {
	alloc := newTestAllocator(t)
	a, err := Create(alloc, Normal, 5, 9, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	a, err = a.Truncate(2, 0)
	if err != nil { t.Fatalf("truncate: %v", err) }
	if a.Len() != 2 { t.Fatalf("expected len 2, got %d", a.Len()) }

	a, err = a.Clear(0)
	if err != nil { t.Fatalf("clear: %v", err) }
	if a.Len() != 0 { t.Fatalf("expected len 0, got %d", a.Len()) }
}

func TestRefArrayGetSetRefAt(t *testing.T) {
	alloc := newTestAllocator(t)
	a, err := Create(alloc, HasRefs, 2, 0, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	child, err := Create(alloc, Normal, 1, 99, 0)
	if err != nil { t.Fatalf("create child: %v", err) }

	if err := a.SetRefAt(0, child.Ref); err != nil { t.Fatalf("set ref: %v", err) }
	got, err := a.GetRefAt(0)
	if err != nil { t.Fatalf("get ref: %v", err) }
	if got != child.Ref { t.Fatalf("got ref %d want %d", got, child.Ref) }
}

func TestDestroyDeepWalksRefs(t *testing.T) {
	alloc := newTestAllocator(t)
	child, err := Create(alloc, Normal, 1, 1, 0)
	if err != nil { t.Fatalf("create child: %v", err) }

	parent, err := Create(alloc, HasRefs, 1, 0, 0)
	if err != nil { t.Fatalf("create parent: %v", err) }
	if err := parent.SetRefAt(0, child.Ref); err != nil { t.Fatalf("set ref: %v", err) }

	if err := parent.Destroy(0); err != nil { t.Fatalf("destroy: %v", err) }
}

func TestFindAndAggregates(t *testing.T) {
	alloc := newTestAllocator(t)
	a, err := Create(alloc, Normal, 0, 0, 0)
	if err != nil { t.Fatalf("create: %v", err) }
	for _, v := range []int64{3, 1, 4, 1, 5} {
		a, err = a.Insert(a.Len(), v, 0)
		if err != nil { t.Fatalf("insert: %v", err) }
	}

	pos, ok, err := a.Find(bitpack.OpEQ, 4, 0, a.Len())
	if err != nil { t.Fatalf("find: %v", err) }
	if !ok || pos != 2 { t.Fatalf("expected pos 2, got pos=%d ok=%v", pos, ok) }

	sum, err := a.Sum(0, a.Len())
	if err != nil { t.Fatalf("sum: %v", err) }
	if sum != 14 { t.Fatalf("expected sum 14, got %d", sum) }

	count, err := a.Count(bitpack.OpEQ, 1, 0, a.Len())
	if err != nil { t.Fatalf("count: %v", err) }
	if count != 2 { t.Fatalf("expected count 2, got %d", count) }
}

func TestInnerBPTreeLocate(t *testing.T) {
	alloc := newTestAllocator(t)

	c0, _ := Create(alloc, Normal, 3, 0, 0)
	c1, _ := Create(alloc, Normal, 2, 0, 0)
	c2, _ := Create(alloc, Normal, 4, 0, 0)

	inner, err := BuildInnerNode(alloc,
		[]storage.Ref{c0.Ref, c1.Ref, c2.Ref},
		[]int64{3, 2, 4}, 0)
	if err != nil { t.Fatalf("build inner node: %v", err) }

	node, err := AsInnerNode(inner)
	if err != nil { t.Fatalf("as inner node: %v", err) }

	if node.ChildCount() != 3 { t.Fatalf("expected 3 children, got %d", node.ChildCount()) }
	total, err := node.TotalCount()
	if err != nil { t.Fatalf("total count: %v", err) }
	if total != 9 { t.Fatalf("expected total 9, got %d", total) }

	cases := []struct {
		pos       int64
		wantChild int
		wantRel   int64
	}{
		{0, 0, 0}, {2, 0, 2}, {3, 1, 0}, {4, 1, 1}, {5, 2, 0}, {8, 2, 3},
	}
	for _, c := range cases {
		idx, rel, err := node.Locate(c.pos)
		if err != nil { t.Fatalf("locate(%d): %v", c.pos, err) }
		if idx != c.wantChild || rel != c.wantRel {
			t.Fatalf("locate(%d): got child=%d rel=%d want child=%d rel=%d", c.pos, idx, rel, c.wantChild, c.wantRel)
		}
	}
}
