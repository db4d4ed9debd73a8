package storage

import "testing"

func newTestAllocator(t *testing.T) (*Allocator, *File) {
	path := tempDBPath(t)
	f, err := Attach(path, ReadWrite, nil)
	if err != nil { t.Fatalf("attach: %v", err) }
	t.Cleanup(func() { f.Close() })

	if err := f.Map(HeaderSize + 16*Page); err != nil { t.Fatalf("map: %v", err) }
	return NewAllocator(f, f.Size()), f
}

func TestAllocSlabBacked(t *testing.T) {
	a, _ := newTestAllocator(t)

	ref, err := a.Alloc(32, 0)
	if err != nil { t.Fatalf("alloc: %v", err) }
	if ref < Ref(a.Baseline()) {
		t.Fatalf("fresh allocator should serve from slab space, got file-backed ref %d", ref)
	}

	if err := a.WriteMutable(ref, []byte("0123456789012345")); err != nil {
		t.Fatalf("write slab: %v", err)
	}
	got, err := a.Translate(ref, 32)
	if err != nil { t.Fatalf("translate: %v", err) }
	if string(got[:16]) != "0123456789012345" {
		t.Fatalf("unexpected translated bytes: %q", got[:16])
	}
}

func TestAllocAlignsUp(t *testing.T) {
	a, _ := newTestAllocator(t)

	ref, err := a.Alloc(3, 0)
	if err != nil { t.Fatalf("alloc: %v", err) }

	ref2, err := a.Alloc(3, 0)
	if err != nil { t.Fatalf("alloc: %v", err) }

	if ref2-ref < align {
		t.Fatalf("expected at least %d bytes between allocations, got %d", align, ref2-ref)
	}
}

func TestFreeFileRegionIsPendingNotImmediate(t *testing.T) {
	a, _ := newTestAllocator(t)
	a.SetWriterVersion(5)

	a.Free(Ref(HeaderSize), 64)
	if a.PendingCount() != 1 {
		t.Fatalf("expected 1 pending free, got %d", a.PendingCount())
	}

	positions, sizes, versions := a.MergePending(5)
	if len(positions) != 1 || positions[0] != HeaderSize || sizes[0] != 64 || versions[0] != 5 {
		t.Fatalf("unexpected ledger after merge: %v %v %v", positions, sizes, versions)
	}
}

func TestFreeSlabRegionIsNotQueued(t *testing.T) {
	a, _ := newTestAllocator(t)

	ref, err := a.Alloc(16, 0)
	if err != nil { t.Fatalf("alloc: %v", err) }

	a.Free(ref, 16)
	if a.PendingCount() != 0 {
		t.Fatalf("slab-backed frees must not be queued, got %d pending", a.PendingCount())
	}
}

func TestReclaimRespectsOldestLiveReader(t *testing.T) {
	a, _ := newTestAllocator(t)
	a.SetWriterVersion(10)
	a.Free(Ref(HeaderSize), 32)
	a.MergePending(10)

	// A reader still pinned at version 3 must block reuse of a range
	// freed at version 10.
	ref, err := a.Alloc(32, 3)
	if err != nil { t.Fatalf("alloc: %v", err) }
	if ref < Ref(a.Baseline()) {
		t.Fatalf("range pinned by a live reader must not be reused, got ref %d", ref)
	}

	// Once the oldest live reader has advanced past the free version,
	// the same range becomes eligible for first-fit reuse.
	ref2, err := a.Alloc(32, 10)
	if err != nil { t.Fatalf("alloc: %v", err) }
	if ref2 != Ref(HeaderSize) {
		t.Fatalf("expected first-fit reuse of freed range at %d, got %d", HeaderSize, ref2)
	}
}

func TestReserveKeepsConsumedRangesOutOfLedger(t *testing.T) {
	a, _ := newTestAllocator(t)
	a.SetWriterVersion(2)
	a.Free(Ref(HeaderSize), 64)
	a.MergePending(2)

	// A commit reserves the eligible range; the fold run right after
	// must not re-list it, since the serialization pass may consume it.
	a.ReserveEligible(2)
	positions, _, _ := a.MergePending(2)
	if len(positions) != 0 {
		t.Fatalf("expected reserved range to be withheld from the persisted ledger, got %v", positions)
	}

	ref, err := a.AllocFile(32, 2)
	if err != nil { t.Fatalf("alloc file: %v", err) }
	if ref != Ref(HeaderSize) {
		t.Fatalf("expected the serialization pass to draw from the reserve, got ref %d", ref)
	}

	// The unconsumed remainder carries forward into the next fold.
	a.ReleaseReserve()
	positions, sizes, _ := a.MergePending(2)
	if len(positions) != 1 || positions[0] != HeaderSize+32 || sizes[0] != 32 {
		t.Fatalf("expected the 32-byte remainder to refold, got %v %v", positions, sizes)
	}
}

func TestWriteMutableAllowsReusedFileRange(t *testing.T) {
	a, _ := newTestAllocator(t)
	a.SetWriterVersion(1)
	a.Free(Ref(HeaderSize), 64)
	a.MergePending(1)

	ref, err := a.Alloc(64, 1)
	if err != nil { t.Fatalf("alloc: %v", err) }
	if ref != Ref(HeaderSize) {
		t.Fatalf("expected first-fit reuse, got ref %d", ref)
	}
	if !a.IsMutable(ref) {
		t.Fatalf("a range allocated this transaction must be mutable")
	}
	if err := a.WriteMutable(ref, []byte("fresh")); err != nil {
		t.Fatalf("write mutable into reused file range: %v", err)
	}

	// A committed file ref outside any allocated range stays immutable.
	if err := a.WriteMutable(Ref(HeaderSize+4096), []byte("x")); err == nil {
		t.Fatalf("expected write to a committed file ref to be rejected")
	}
}

func TestMergePendingCoalescesAdjacentRanges(t *testing.T) {
	a, _ := newTestAllocator(t)
	a.SetWriterVersion(1)

	a.Free(Ref(HeaderSize), 32)
	a.Free(Ref(HeaderSize+32), 32)

	positions, sizes, _ := a.MergePending(1)
	if len(positions) != 1 {
		t.Fatalf("expected adjacent same-version ranges to merge into 1, got %d", len(positions))
	}
	if sizes[0] != 64 {
		t.Fatalf("expected merged size 64, got %d", sizes[0])
	}
}
