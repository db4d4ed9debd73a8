package lockfile

import (
	"errors"

	"github.com/stratadb/strata/internal/ilog"
)

// ErrRingFull is returned when every ring slot holds a distinct live
// version and a newcomer cannot be registered without blocking
// (spec.md §9: "overflow forces the newcomer to wait").
var ErrRingFull = errors.New("lockfile: reader ring full, retry")

// ReaderHandle pins one live read-transaction's version in the
// registry. Release must be called exactly once.
type ReaderHandle struct {
	info *SharedInfo
	slot int
}

// Register implements the acquire-a-read-transaction protocol of
// spec.md §4.9: lock the control mutex, find-or-create a ring entry
// for the current version, bump its ref count, unlock.
func Register(s *SharedInfo) (*ReaderHandle, error) {
	s.lockControl()
	defer s.unlockControl()

	version := s.CurrentVersion()

	// First pass: an existing entry already pinning this version.
	for i := 0; i < RingCapacity; i++ {
		v, refs := s.ringEntry(i)
		if refs > 0 && v == version {
			s.setRingEntry(i, v, refs+1)
			s.setU32(offNumReaders, s.u32(offNumReaders)+1)
			return &ReaderHandle{info: s, slot: i}, nil
		}
	}

	// Second pass: claim a free slot.
	for i := 0; i < RingCapacity; i++ {
		_, refs := s.ringEntry(i)
		if refs == 0 {
			s.setRingEntry(i, version, 1)
			s.setU32(offNumReaders, s.u32(offNumReaders)+1)
			return &ReaderHandle{info: s, slot: i}, nil
		}
	}

	lg := ilog.Component("lockfile")
	lg.Warn().Msg("reader ring exhausted")
	return nil, ErrRingFull
}

// Version reports the snapshot version this handle pins.
func (h *ReaderHandle) Version() uint64 {
	h.info.lockControl()
	defer h.info.unlockControl()
	v, _ := h.info.ringEntry(h.slot)
	return v
}

// Release decrements the pinned entry's ref count, freeing the slot
// once it reaches zero (spec.md §4.9 "Release").
func (h *ReaderHandle) Release() {
	s := h.info
	s.lockControl()
	defer s.unlockControl()

	v, refs := s.ringEntry(h.slot)
	if refs > 0 {
		refs--
	}
	s.setRingEntry(h.slot, v, refs)
	if n := s.u32(offNumReaders); n > 0 {
		s.setU32(offNumReaders, n-1)
	}
}

// Advance re-targets this handle to the latest committed version:
// release the old entry, register a fresh one at CurrentVersion
// (spec.md §4.10 "Advance-read"). Cheap because the mapping itself
// does not change, only which version is pinned.
func (h *ReaderHandle) Advance() error {
	s := h.info
	s.lockControl()

	oldV, oldRefs := s.ringEntry(h.slot)
	if oldRefs > 0 {
		s.setRingEntry(h.slot, oldV, oldRefs-1)
	}

	version := s.CurrentVersion()
	for i := 0; i < RingCapacity; i++ {
		v, refs := s.ringEntry(i)
		if refs > 0 && v == version {
			s.setRingEntry(i, v, refs+1)
			h.slot = i
			s.unlockControl()
			return nil
		}
	}
	for i := 0; i < RingCapacity; i++ {
		_, refs := s.ringEntry(i)
		if refs == 0 {
			s.setRingEntry(i, version, 1)
			h.slot = i
			s.unlockControl()
			return nil
		}
	}
	s.unlockControl()
	return ErrRingFull
}

// OldestLiveReader scans the ring for the minimum version among
// non-zero-ref-count entries, or CurrentVersion if no reader is
// live (spec.md §4.9 "Release"). Used by the writer to decide which
// free-space ledger ranges are reclaimable.
func OldestLiveReader(s *SharedInfo) uint64 {
	s.lockControl()
	defer s.unlockControl()

	oldest := s.CurrentVersion()
	found := false
	for i := 0; i < RingCapacity; i++ {
		v, refs := s.ringEntry(i)
		if refs == 0 {
			continue
		}
		if !found || v < oldest {
			oldest = v
			found = true
		}
	}
	return oldest
}

// NumReaders reports the total live reader ref count across all slots.
func NumReaders(s *SharedInfo) uint32 {
	return s.u32(offNumReaders)
}
