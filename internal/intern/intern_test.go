package intern

import (
	"testing"

	"github.com/stratadb/strata/internal/storage"
)

func newTestAllocator(t *testing.T) *storage.Allocator {
	path := t.TempDir() + "/test.strata"
	f, err := storage.Attach(path, storage.ReadWrite, nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	if err := f.Map(storage.HeaderSize + 64*storage.Page); err != nil {
		t.Fatalf("map: %v", err)
	}
	return storage.NewAllocator(f, storage.HeaderSize)
}

func TestInternDedupesBeforeFlush(t *testing.T) {
	alloc := newTestAllocator(t)
	in, err := New(alloc, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	id1 := in.Intern("hello")
	id2 := in.Intern("hello")
	if id1 != id2 {
		t.Fatalf("expected same id for repeated intern, got %d and %d", id1, id2)
	}

	v, ok, err := in.Lookup(id1)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok || v != "hello" {
		t.Fatalf("expected to find %q, got %q ok=%v", "hello", v, ok)
	}
}

func TestInternFlushPersists(t *testing.T) {
	alloc := newTestAllocator(t)
	in, err := New(alloc, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	id := in.Intern("world")
	if err := in.Flush(0); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if in.Len() != 1 {
		t.Fatalf("expected 1 persisted string, got %d", in.Len())
	}

	v, ok, err := in.Lookup(id)
	if err != nil || !ok || v != "world" {
		t.Fatalf("expected persisted lookup to find %q, got %q ok=%v err=%v", "world", v, ok, err)
	}

	again := in.Intern("world")
	if again != id {
		t.Fatalf("expected re-intern after flush to reuse id %d, got %d", id, again)
	}
}

func TestInternRefcount(t *testing.T) {
	alloc := newTestAllocator(t)
	in, err := New(alloc, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id := in.Intern("ref")
	if err := in.Flush(0); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := in.Retain(id, 0); err != nil {
		t.Fatalf("retain: %v", err)
	}
	if err := in.Retain(id, 0); err != nil {
		t.Fatalf("retain: %v", err)
	}
	count, err := in.Refcount(id)
	if err != nil || count != 2 {
		t.Fatalf("expected refcount 2, got %d (err=%v)", count, err)
	}

	if err := in.Release(id, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	count, err = in.Refcount(id)
	if err != nil || count != 1 {
		t.Fatalf("expected refcount 1 after release, got %d (err=%v)", count, err)
	}
}

func TestInternLoadRebuildsReverseIndex(t *testing.T) {
	alloc := newTestAllocator(t)
	in, err := New(alloc, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	in.Intern("alpha")
	in.Intern("beta")
	if err := in.Flush(0); err != nil {
		t.Fatalf("flush: %v", err)
	}

	tier, short, lengths, offsets, blobNode, stringRefs, refcountRef := in.Refs()
	reloaded, err := Load(alloc, tier, short, lengths, offsets, blobNode, stringRefs, refcountRef)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.Len() != 2 {
		t.Fatalf("expected 2 reloaded strings, got %d", reloaded.Len())
	}

	id := reloaded.Intern("alpha")
	if id >= StringID(reloaded.Len()) {
		t.Fatalf("expected re-interning an already-persisted string to hit the reverse index, got new id %d", id)
	}
}

func TestIndexPrefixSearch(t *testing.T) {
	idx := NewIndex()
	idx.Add("apple", 1)
	idx.Add("application", 2)
	idx.Add("banana", 3)
	idx.Add("apply", 4)

	got := idx.PrefixSearch("app")
	want := map[int64]bool{1: true, 2: true, 4: true}
	if len(got) != len(want) {
		t.Fatalf("expected %d matches, got %d (%v)", len(want), len(got), got)
	}
	for _, k := range got {
		if !want[k] {
			t.Fatalf("unexpected key %d in prefix results %v", k, got)
		}
	}

	idx.Remove("apple", 1)
	got = idx.PrefixSearch("app")
	if len(got) != 2 {
		t.Fatalf("expected 2 matches after remove, got %d (%v)", len(got), got)
	}

	if got := idx.PrefixSearch("ban"); len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected banana's key 3, got %v", got)
	}

	if got := idx.PrefixSearch("zzz"); len(got) != 0 {
		t.Fatalf("expected no matches for unrelated prefix, got %v", got)
	}
}
