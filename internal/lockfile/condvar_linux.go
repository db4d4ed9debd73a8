package lockfile

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FUTEX_WAIT and FUTEX_WAKE are the futex(2) operation codes from
// linux/futex.h. golang.org/x/sys/unix does not expose them (futex is
// not part of the POSIX surface that package mirrors), so they are
// defined here directly; their values are a stable part of the Linux
// syscall ABI.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// Condvar realizes spec.md §9's process-shared condition variable as a
// futex: a 32-bit sequence word living in the mmap'd SharedInfo region
// (shared by every process attached to the lockfile), with waiters
// blocked in FUTEX_WAIT on that word and Broadcast bumping it and
// issuing FUTEX_WAKE. Futexes on a MAP_SHARED mapping are the kernel
// primitive pthread's own PROCESS_SHARED condvars are built from, so
// the externally observable contract spec.md §4.9/§9 asks for — "one
// of the waiters wakes when signal() is called" — holds with genuine
// blocking, no polling. Go cannot express PTHREAD_PROCESS_SHARED
// condvars directly; going one layer down to the futex is the
// equivalent-protocol route spec.md §9 sanctions for such platforms.
type Condvar struct {
	info *SharedInfo
	off  int
}

// CommitAvailable is signaled once per successful commit (spec.md
// §4.10 step 8), observed by readers waiting to advance.
func CommitAvailable(s *SharedInfo) *Condvar { return &Condvar{info: s, off: offCommitGen} }

// WorkAvailable is signaled when the write mutex is released, letting
// a waiting writer retry its acquire promptly.
func WorkAvailable(s *SharedInfo) *Condvar { return &Condvar{info: s, off: offWriteGen} }

func (c *Condvar) word() *uint32 { return c.info.u32ptr(c.off) }

// Broadcast wakes every waiter, in this process and any other process
// mapping the same lockfile.
func (c *Condvar) Broadcast() {
	atomic.AddUint32(c.word(), 1)
	futexWakeAll(c.word())
}

// Snapshot returns the current sequence value, for callers that want
// to Wait relative to a value observed earlier rather than at Wait's
// own call time (e.g. "wait for any commit after the one I already
// saw").
func (c *Condvar) Snapshot() uint32 { return atomic.LoadUint32(c.word()) }

// Wait blocks until a Broadcast after the value observed at call
// time, or until timeout elapses (0 = wait indefinitely). Returns
// true if a signal was observed.
func (c *Condvar) Wait(timeout time.Duration) bool {
	return c.WaitFrom(c.Snapshot(), timeout)
}

// WaitFrom blocks until the sequence word differs from since, or
// timeout elapses.
func (c *Condvar) WaitFrom(since uint32, timeout time.Duration) bool {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if atomic.LoadUint32(c.word()) != since {
			return true
		}

		var tsp *unix.Timespec
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return atomic.LoadUint32(c.word()) != since
			}
			ts := unix.NsecToTimespec(remaining.Nanoseconds())
			tsp = &ts
		}
		// EINTR, EAGAIN (word already moved) and ETIMEDOUT all fall
		// through to the re-check above.
		futexWait(c.word(), since, tsp)
	}
}

// futexWait blocks in FUTEX_WAIT while *addr == val. The non-private
// futex op is what makes the wait visible across processes sharing
// the mapping.
func futexWait(addr *uint32, val uint32, ts *unix.Timespec) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), uintptr(futexWaitOp), uintptr(val),
		uintptr(unsafe.Pointer(ts)), 0, 0)
}

func futexWakeAll(addr *uint32) {
	const maxWaiters = 1<<31 - 1
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), uintptr(futexWakeOp), uintptr(maxWaiters),
		0, 0, 0)
}
