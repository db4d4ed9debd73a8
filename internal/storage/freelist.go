package storage

import "sort"

// MergePending folds the writer's pending frees into the persistent
// free-space ledger at commit time, following spec.md §4.2's
// write-side freelist discipline:
//
//  1. sort pending frees by position, merging adjacent ranges of
//     equal version;
//  2. merge the result into the persistent ledger, coalescing
//     adjacent ranges only when both sides are no longer pinned by
//     any live reader.
//
// Returns the three parallel arrays (positions, sizes, versions) the
// group root persists, in position order.
func (a *Allocator) MergePending(oldestLiveReader uint64) (positions, sizes []int64, versions []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	merged := mergeAdjacentSameVersion(append(append([]freeRange{}, a.pending...), a.carry...))
	a.pending = nil
	a.carry = nil

	all := append(append([]freeRange{}, a.ledger...), merged...)
	sort.Slice(all, func(i, j int) bool { return all[i].pos < all[j].pos })

	a.ledger = coalesce(all, oldestLiveReader)

	positions = make([]int64, len(a.ledger))
	sizes = make([]int64, len(a.ledger))
	versions = make([]uint64, len(a.ledger))
	for i, r := range a.ledger {
		positions[i], sizes[i], versions[i] = r.pos, r.size, r.version
	}
	return
}

// mergeAdjacentSameVersion sorts by position and fuses consecutive
// ranges that abut and share a version tag.
func mergeAdjacentSameVersion(ranges []freeRange) []freeRange {
	if len(ranges) == 0 {
		return nil
	}

	sorted := append([]freeRange{}, ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].pos < sorted[j].pos })

	out := []freeRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.version == last.version && last.pos+last.size == r.pos {
			last.size += r.size
			continue
		}
		out = append(out, r)
	}
	return out
}

// coalesce fuses position-adjacent ranges whose versions are both at
// or below oldestLiveReader — no reader could distinguish them from a
// single larger range once both are unpinned, so the ledger entry
// count stays bounded instead of growing without limit.
func coalesce(sorted []freeRange, oldestLiveReader uint64) []freeRange {
	if len(sorted) == 0 {
		return nil
	}

	out := []freeRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		bothUnpinned := last.version <= oldestLiveReader && r.version <= oldestLiveReader
		if bothUnpinned && last.pos+last.size == r.pos {
			last.size += r.size
			if r.version > last.version {
				last.version = r.version
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Reclaimable reports the ledger entries whose version is at or below
// oldestLiveReader, i.e. immediately eligible for reuse by Alloc
// (spec.md §4.2 point 3). Nothing in the module calls it.
func (a *Allocator) Reclaimable(oldestLiveReader uint64) (positions, sizes []int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.ledger {
		if r.version <= oldestLiveReader {
			positions = append(positions, r.pos)
			sizes = append(sizes, r.size)
		}
	}
	return
}
