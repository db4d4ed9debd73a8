// Package lockfile implements the interprocess reader registry and
// writer-exclusion protocol described in spec.md §4.9/§6: a sidecar
// file next to the database holds a small mmap'd SharedInfo region
// that every process attached to the same database path maps and
// coordinates through.
//
// Grounded on the slotcache sidecar pattern
// (_examples/other_examples/1d851c96_calvinalkan-agent-task__pkg-
// slotcache-open.go.go and its siblings): an flock'd whole-file lock
// realizes the exclusive write mutex, and an even/odd generation
// counter is bumped around every reader-ring mutation; ring reads in
// this package take the control mutex rather than checking that
// counter. The reader-registry control mutex
// itself is a CAS spinlock over a single shared byte, the same
// atomic-retry discipline sirgallo/mari uses for its in-process CoW
// commit loop (Operation.go), just applied across processes instead
// of across goroutines.
package lockfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/stratadb/strata/internal/ilog"
)

// RingCapacity is the fixed number of concurrently-distinct live
// reader versions the registry tracks (spec.md §9's "implementation-
// defined... overflow must block rather than corrupt" open question,
// resolved in DESIGN.md at 256).
const RingCapacity = 256

const entrySize = 16 // version uint64 + refCount uint32 + pad uint32

const (
	offFingerprint   = 0
	offCurrentVer    = 8
	offNumReaders    = 16
	offControlLock   = 20
	offGeneration    = 24 // seqlock: odd mid-mutation, even stable
	offCommitGen     = 32 // commit_available futex word (low 4 bytes of the slot)
	offWriteGen      = 40 // work_available futex word, bumped on write-mutex release
	offRingStart     = 48
)

// Size is the fixed byte length of the SharedInfo region.
const Size = offRingStart + RingCapacity*entrySize

// FormatFingerprint distinguishes incompatible lockfile layouts
// across builds (spec.md §6: "file-format version fingerprint for
// lockfile compatibility checks").
const FormatFingerprint uint64 = 0x53_54_52_41_4c_4b_31_00 // "STRALK1\0"

// SharedInfo is a process-shared, mmap'd coordination block: the
// current write version, the live reader-entry ring, and the
// exclusive write lock. Every Database that opens the same path
// (including across processes) maps the same bytes.
type SharedInfo struct {
	path string
	fh   *os.File
	data []byte
}

// Open maps (creating if necessary) the lockfile sidecar at
// dbPath+".lock".
func Open(dbPath string) (*SharedInfo, error) {
	lg := ilog.Component("lockfile")
	lockPath := dbPath + ".lock"

	fh, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", lockPath, err)
	}

	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("lockfile: stat: %w", err)
	}
	if info.Size() < Size {
		if err := fh.Truncate(int64(Size)); err != nil {
			fh.Close()
			return nil, fmt.Errorf("lockfile: truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(fh.Fd()), 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("lockfile: mmap: %w", err)
	}

	s := &SharedInfo{path: lockPath, fh: fh, data: data}

	if s.u64(offFingerprint) == 0 {
		s.setU64(offFingerprint, FormatFingerprint)
	} else if s.u64(offFingerprint) != FormatFingerprint {
		unix.Munmap(data)
		fh.Close()
		return nil, fmt.Errorf("lockfile: incompatible fingerprint in %s", lockPath)
	}

	lg.Debug().Str("path", lockPath).Msg("attached lockfile")
	return s, nil
}

// Close unmaps the sidecar region and closes its file descriptor.
// The on-disk state is left intact for the next process to attach.
func (s *SharedInfo) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	return s.fh.Close()
}

// --- raw atomic field access -------------------------------------------------

func (s *SharedInfo) u32ptr(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.data[off]))
}

func (s *SharedInfo) u64ptr(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.data[off]))
}

func (s *SharedInfo) u32(off int) uint32    { return atomic.LoadUint32(s.u32ptr(off)) }
func (s *SharedInfo) setU32(off int, v uint32) { atomic.StoreUint32(s.u32ptr(off), v) }
func (s *SharedInfo) u64(off int) uint64    { return atomic.LoadUint64(s.u64ptr(off)) }
func (s *SharedInfo) setU64(off int, v uint64) { atomic.StoreUint64(s.u64ptr(off), v) }

// CurrentVersion returns the latest committed write version.
func (s *SharedInfo) CurrentVersion() uint64 { return s.u64(offCurrentVer) }

// SetCurrentVersion is called by the committing writer after the
// selector flip (spec.md §4.10 step 8: "increment current_version").
func (s *SharedInfo) SetCurrentVersion(v uint64) { s.setU64(offCurrentVer, v) }

// --- control mutex: CAS spinlock guarding the reader ring -------------------

// lockControl acquires the reader-registry mutex (spec.md §4.9
// protocol step 1), spinning with Gosched the way mari's
// compare-and-swap retry loops do (Operation.go's Put/Delete).
func (s *SharedInfo) lockControl() {
	for !atomic.CompareAndSwapUint32(s.u32ptr(offControlLock), 0, 1) {
		runtime.Gosched()
	}
	atomic.AddUint64(s.u64ptr(offGeneration), 1) // odd: mutation in progress
}

func (s *SharedInfo) unlockControl() {
	atomic.AddUint64(s.u64ptr(offGeneration), 1) // even: stable again
	atomic.StoreUint32(s.u32ptr(offControlLock), 0)
}

// ringEntry reads reader-ring slot i.
func (s *SharedInfo) ringEntry(i int) (version uint64, refCount uint32) {
	base := offRingStart + i*entrySize
	return s.u64(base), s.u32(base + 8)
}

func (s *SharedInfo) setRingEntry(i int, version uint64, refCount uint32) {
	base := offRingStart + i*entrySize
	s.setU64(base, version)
	s.setU32(base+8, refCount)
}

// encodeFingerprintLabel returns FormatFingerprint's little-endian
// encoding, the bytes Open stores at offset 0. Nothing calls it.
func encodeFingerprintLabel() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, FormatFingerprint)
	return buf
}
