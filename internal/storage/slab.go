package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Ref is a stable 64-bit reference into the allocator's address space.
// Refs below the current baseline address the mapped file; refs at or
// above baseline address an in-memory slab extent. A ref survives
// remapping of the underlying file (spec.md §4.1/§4.2).
type Ref uint64

// NullRef is never a valid allocation.
const NullRef Ref = 0

const align = 8

// slab is one anonymous, exponentially-grown in-memory extent of the
// allocator's address space. Slabs are never merged, only released
// wholesale on Detach, mirroring mari's resize-by-doubling policy
// applied to throwaway write-transaction scratch space instead of the
// durable mmap.
type slab struct {
	base Ref    // first ref address owned by this slab
	buf  []byte // backing storage, len(buf) bytes of address space
	next int    // bump offset into buf for the next allocation
}

// Allocator hands out refs from the file-backed region plus a set of
// in-memory slabs, and tracks the free-space ledger described in
// spec.md §3/§4.2: three parallel arrays recording freed file ranges,
// each tagged with the writer version that freed it, so a range is
// only reused once no live reader could still observe it.
type Allocator struct {
	file *File

	mu       sync.Mutex
	baseline Ref // refs < baseline are file-backed; >= are slab-backed
	slabs    []*slab

	// pending holds frees accumulated during the in-flight write
	// transaction; they are folded into the persistent ledger at
	// commit time (spec.md §4.2 "write-side freelist discipline").
	pending []freeRange

	// persistent free-space ledger, mirrors the three parallel arrays
	// spec.md §3 stores in the group root.
	ledger []freeRange

	// mutable records the file-region ranges this transaction has
	// allocated out of the ledger (or out of a file extension): nodes
	// written there are not yet referenced by any committed root, so
	// they may be written in place even though they sit below baseline.
	mutable []freeRange

	// reserve holds the ledger ranges pulled out at the start of a
	// commit for the serialization pass to draw on. Pulling them out
	// before the ledger is folded into the group's persisted arrays
	// keeps those arrays from listing a range the commit itself then
	// consumes.
	reserve []freeRange

	// carry holds reserve ranges a commit did not consume. They are no
	// longer listed in the persisted arrays, so they ride along in
	// memory (surviving attach/detach cycles) until the next commit's
	// fold returns them to the ledger.
	carry []freeRange

	writerVersion uint64
	nextSlabBase  uint64
}

// freeRange is one entry of the free-space ledger: a byte range in
// the file region, free as of the writer version that vacated it.
type freeRange struct {
	pos     int64
	size    int64
	version uint64
}

// NewAllocator constructs an allocator bound to file, with baseline
// set to the file's current size (everything below is durable,
// everything from baseline up is fresh slab space for this process).
func NewAllocator(file *File, baseline int64) *Allocator {
	return &Allocator{
		file:         file,
		baseline:     Ref(baseline),
		nextSlabBase: 1 << 40, // keep slab addresses well clear of any realistic file size
	}
}

// Attach binds the allocator to a transaction's snapshot: the
// baseline and the free-space ledger describing reusable file ranges
// (spec.md §4.2 `attach`).
func (a *Allocator) Attach(baseline int64, positions, sizes []int64, versions []uint64) error {
	if len(positions) != len(sizes) || len(sizes) != len(versions) {
		return errors.New("storage: free-space ledger arrays must be equal length")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.baseline = Ref(baseline)
	a.ledger = a.ledger[:0]
	for i := range positions {
		a.ledger = append(a.ledger, freeRange{pos: positions[i], size: sizes[i], version: versions[i]})
	}
	a.pending = nil
	a.mutable = nil
	a.reserve = nil
	return nil
}

// Detach releases every slab this allocator holds. Slabs are never
// merged or reused across transactions; a fresh set is built as
// needed on next use.
func (a *Allocator) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.slabs = nil
	a.pending = nil
	a.mutable = nil
}

// SetWriterVersion records the version under which subsequent Free
// calls tag file-region ranges they vacate.
func (a *Allocator) SetWriterVersion(v uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writerVersion = v
}

// Alloc returns a fresh 8-byte-aligned ref of the given size. It first
// attempts first-fit reuse of eligible (non-pinned) file free-space,
// then falls back to slab-backed allocation.
func (a *Allocator) Alloc(size int64, oldestLiveReader uint64) (Ref, error) {
	if size <= 0 {
		return NullRef, errors.New("storage: alloc size must be positive")
	}
	size = alignUp(size, align)

	a.mu.Lock()
	defer a.mu.Unlock()

	if ref, ok := a.firstFitLocked(size, oldestLiveReader); ok {
		return ref, nil
	}
	return a.allocSlabLocked(size), nil
}

func (a *Allocator) firstFitLocked(size int64, oldestLiveReader uint64) (Ref, bool) {
	for i, r := range a.ledger {
		if r.version > oldestLiveReader {
			continue // still pinned by a live reader's snapshot
		}
		if r.size < size {
			continue
		}

		ref := Ref(r.pos)
		if r.size == size {
			a.ledger = append(a.ledger[:i], a.ledger[i+1:]...)
		} else {
			a.ledger[i].pos += size
			a.ledger[i].size -= size
		}
		a.mutable = append(a.mutable, freeRange{pos: int64(ref), size: size})
		return ref, true
	}
	return NullRef, false
}

// isMutableLocked reports whether ref points into a file range this
// transaction allocated (and may therefore write in place).
func (a *Allocator) isMutableLocked(ref Ref) bool {
	for _, m := range a.mutable {
		if int64(ref) >= m.pos && int64(ref) < m.pos+m.size {
			return true
		}
	}
	return false
}

// IsMutable reports whether the node at ref may be written in place:
// slab-backed refs always, file-backed refs only when this transaction
// allocated them (spec.md §3's CoW rule — a node from a committed
// version is immutable, a node no committed root references is not).
func (a *Allocator) IsMutable(ref Ref) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ref >= a.baseline || a.isMutableLocked(ref)
}

func (a *Allocator) allocSlabLocked(size int64) Ref {
	for _, s := range a.slabs {
		if int64(len(s.buf)-s.next) >= size {
			ref := s.base + Ref(s.next)
			s.next += int(size)
			return ref
		}
	}

	extentSize := nextSlabSize(size, len(a.slabs))
	s := &slab{base: Ref(a.nextSlabBase), buf: make([]byte, extentSize)}
	a.nextSlabBase += uint64(extentSize)
	a.slabs = append(a.slabs, s)

	ref := s.base
	s.next = int(size)
	return ref
}

// nextSlabSize picks an exponentially growing extent, at least big
// enough to satisfy the requested allocation (spec.md §4.2: "slab
// extensions grow exponentially").
func nextSlabSize(want int64, slabCount int) int64 {
	const minSlab = 64 * 1024
	size := int64(minSlab) << uint(slabCount)
	if size < want {
		size = alignUp(want, align)
	}
	return size
}

// Free releases a ref. Slab-backed refs are not tracked: there is no
// slab freelist, so freed slab space is not handed out again and is
// reclaimed only when Detach drops the whole slab. File-backed refs
// are queued on the writer's pending list, tagged with the current
// writer version, per spec.md §4.2.
func (a *Allocator) Free(ref Ref, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ref >= a.baseline {
		return // slab space, reclaimed wholesale on Detach
	}
	a.pending = append(a.pending, freeRange{pos: int64(ref), size: alignUp(size, align), version: a.writerVersion})
}

// ReserveEligible pulls every ledger range no live reader still pins
// out into the commit reserve. Called at the start of a commit, before
// the ledger is folded into the arrays the group root will persist, so
// a range the serialization pass consumes is never also recorded as
// free (spec.md §4.2's reuse gate applied at the commit boundary).
func (a *Allocator) ReserveEligible(oldestLiveReader uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	keep := a.ledger[:0]
	for _, r := range a.ledger {
		if r.version <= oldestLiveReader {
			a.reserve = append(a.reserve, r)
		} else {
			keep = append(keep, r)
		}
	}
	a.ledger = keep
}

// ReleaseReserve carries forward whatever a successful commit left
// unpersisted: reserve ranges its serialization pass did not consume,
// plus frees queued after the fold already ran (a node the commit
// itself retired while rebuilding the group root). Both re-enter the
// persisted ledger at the next commit's fold.
func (a *Allocator) ReleaseReserve() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.carry = append(append(a.carry, a.reserve...), a.pending...)
	a.reserve = nil
	a.pending = nil
}

// AllocFile returns a ref to a file-backed region of the given size,
// drawing first-fit from the commit reserve before extending the file
// by max(size, file/8) rounded up to 1 MiB (spec.md §4.2). Used only
// by the commit pipeline's "serialize dirty nodes into file
// free-space" step; in-transaction writes go through Alloc.
func (a *Allocator) AllocFile(size int64, oldestLiveReader uint64) (Ref, error) {
	if size <= 0 {
		return NullRef, errors.New("storage: alloc size must be positive")
	}
	size = alignUp(size, align)

	a.mu.Lock()
	for i, r := range a.reserve {
		if r.size < size {
			continue
		}
		ref := Ref(r.pos)
		if r.size == size {
			a.reserve = append(a.reserve[:i], a.reserve[i+1:]...)
		} else {
			a.reserve[i].pos += size
			a.reserve[i].size -= size
		}
		a.mutable = append(a.mutable, freeRange{pos: int64(ref), size: size})
		a.mu.Unlock()
		return ref, nil
	}

	pos := int64(a.baseline)
	extend := size
	if floor := pos / 8; floor > extend {
		extend = floor
	}
	extend = alignUp(extend, 1<<20)
	leftover := extend - size
	newBaseline := pos + extend
	a.baseline = Ref(newBaseline)
	if leftover > 0 {
		a.reserve = append(a.reserve, freeRange{pos: pos + size, size: leftover, version: 0})
	}
	a.mutable = append(a.mutable, freeRange{pos: pos, size: size})
	a.mu.Unlock()

	if err := a.file.Map(newBaseline); err != nil {
		return NullRef, err
	}
	return Ref(pos), nil
}

// WriteFile writes data verbatim at a file-backed ref. Used by the
// commit pipeline once a node has been relocated out of slab space;
// ordinary in-transaction writes go through WriteMutable, which
// enforces the CoW immutability rule.
func (a *Allocator) WriteFile(ref Ref, data []byte) error {
	return a.file.WriteAt(int64(ref), data)
}

// Translate resolves ref to the byte slice it addresses: base+ref for
// file-backed refs, or a lookup into the owning slab for slab-backed
// refs. The search over slabs is a binary search by base address,
// O(log #slabs) as spec.md §4.2 requires.
func (a *Allocator) Translate(ref Ref, size int64) ([]byte, error) {
	a.mu.Lock()
	baseline := a.baseline
	a.mu.Unlock()

	if ref < baseline {
		return a.file.ReadAt(int64(ref), size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := sort.Search(len(a.slabs), func(i int) bool { return a.slabs[i].base > ref })
	if idx == 0 {
		return nil, fmt.Errorf("storage: ref %d not owned by any slab", ref)
	}
	s := a.slabs[idx-1]
	off := int64(ref - s.base)
	if off < 0 || off+size > int64(len(s.buf)) {
		return nil, fmt.Errorf("storage: ref %d out of slab bounds", ref)
	}
	out := make([]byte, size)
	copy(out, s.buf[off:off+size])
	return out, nil
}

// WriteMutable writes data into a ref in place. Valid for slab-backed
// refs and for file-backed refs this transaction allocated; a node
// from a committed version is immutable (spec.md §3: "A node is
// mutable only if it lives in the in-memory slab region" — extended
// to freshly reused file ranges, which no committed root references).
func (a *Allocator) WriteMutable(ref Ref, data []byte) error {
	a.mu.Lock()

	if ref < a.baseline {
		if !a.isMutableLocked(ref) {
			a.mu.Unlock()
			return errors.New("storage: cannot write committed file-backed ref in place")
		}
		a.mu.Unlock()
		return a.file.WriteAt(int64(ref), data)
	}

	defer a.mu.Unlock()
	idx := sort.Search(len(a.slabs), func(i int) bool { return a.slabs[i].base > ref })
	if idx == 0 {
		return fmt.Errorf("storage: ref %d not owned by any slab", ref)
	}
	s := a.slabs[idx-1]
	off := int64(ref - s.base)
	if off < 0 || off+int64(len(data)) > int64(len(s.buf)) {
		return fmt.Errorf("storage: ref %d out of slab bounds", ref)
	}
	copy(s.buf[off:], data)
	return nil
}

// Baseline returns the current file/slab address boundary.
func (a *Allocator) Baseline() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(a.baseline)
}

// PendingCount reports the number of queued-but-uncommitted frees,
// used by tests and by the commit pipeline's logging.
func (a *Allocator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func alignUp(n, to int64) int64 {
	return (n + to - 1) &^ (to - 1)
}
