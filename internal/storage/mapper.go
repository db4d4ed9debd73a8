// Package storage owns the memory-mapped file and the slab allocator
// that extends its address space with anonymous, in-memory regions.
//
// The shape follows sirgallo/mari's own mmap lifecycle (open, map,
// resize-by-doubling, sync, unmap) generalized to the two-region
// layout spec'd for the engine: a file-backed prefix plus slab
// extensions, and a seqlock-protected base pointer so growth never
// races a reader's translate call.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/stratadb/strata/internal/ilog"
)

// Magic is the fixed byte stamp written at offset 18 of a database file.
var Magic = [6]byte{'T', '-', 'D', 'B', 0, 0}

// FormatVersion is the on-disk format version this build writes.
const FormatVersion = 1

// MinSupportedFormatVersion is the oldest format this build can open.
// It equals FormatVersion, so no older file is accepted and nothing in
// this package upgrades a file in place.
const MinSupportedFormatVersion = 1

// HeaderSize is the fixed byte count of the file preamble (§6):
// two top-ref slots (8 bytes each), selector, format version, magic.
const HeaderSize = 24

const (
	offTopRefA   = 0
	offTopRefB   = 8
	offSelector  = 16
	offFormatVer = 17
	offMagic     = 18
)

// OpenMode selects how a file is attached.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	ReadWrite
	MemoryOnly
)

// Page is the fixed block size the optional page codec transforms.
const Page = 4096

// File owns the file descriptor and the mmap'd view of its contents.
// It also tracks the slab region that extends the address space
// beyond the file for in-flight writes (see slab.go).
type File struct {
	path string
	mode OpenMode
	fh   *os.File

	data atomic.Pointer[[]byte] // mmap'd bytes, nil when MemoryOnly with no file
	size atomic.Int64           // current mapped length

	// generation is a seqlock: odd while remap is in progress, even
	// when the mapping is stable. Readers must retry translate() if
	// they observe the generation change mid-read.
	generation atomic.Uint64

	codec Codec
}

// Attach opens (creating if necessary in ReadWrite mode) the database
// file at path, validates or writes the magic/version stamp, and maps
// the current contents into memory.
func Attach(path string, mode OpenMode, codec Codec) (*File, error) {
	lg := ilog.Component("mapper")

	if mode == MemoryOnly {
		// No bytes reach disk, so the page codec has nothing to protect.
		f := &File{path: path, mode: mode}
		buf := make([]byte, HeaderSize)
		writeStamp(buf)
		f.data.Store(&buf)
		f.size.Store(HeaderSize)
		return f, nil
	}

	flag := os.O_RDWR
	if mode == ReadOnly {
		flag = os.O_RDONLY
	}
	if mode == ReadWrite {
		flag |= os.O_CREATE
	}

	fh, err := os.OpenFile(path, flag, 0600)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	f := &File{path: path, mode: mode, fh: fh, codec: codec}

	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("storage: stat %s: %w", path, err)
	}

	switch {
	case info.Size() == 0 && mode == ReadWrite:
		if err := f.initEmpty(); err != nil {
			fh.Close()
			return nil, err
		}
	case info.Size() < HeaderSize:
		fh.Close()
		return nil, ErrInvalidDatabase
	default:
		if err := f.mapExisting(f.logicalSize(info.Size())); err != nil {
			fh.Close()
			return nil, err
		}
		if err := f.validateStamp(mode); err != nil {
			f.unmapLocked()
			fh.Close()
			return nil, err
		}
	}

	lg.Debug().Str("path", path).Msg("attached database file")
	return f, nil
}

func (f *File) initEmpty() error {
	if err := f.fh.Truncate(HeaderSize); err != nil {
		return fmt.Errorf("storage: truncate: %w", err)
	}
	if err := f.mapExisting(HeaderSize); err != nil {
		return err
	}
	buf := *f.data.Load()
	writeStamp(buf)
	return f.Sync()
}

func writeStamp(buf []byte) {
	binary.LittleEndian.PutUint64(buf[offTopRefA:], 0)
	binary.LittleEndian.PutUint64(buf[offTopRefB:], 0)
	buf[offSelector] = 0
	buf[offFormatVer] = FormatVersion
	copy(buf[offMagic:offMagic+6], Magic[:])
}

func (f *File) validateStamp(mode OpenMode) error {
	buf := *f.data.Load()
	if len(buf) < HeaderSize {
		return ErrInvalidDatabase
	}
	if string(buf[offMagic:offMagic+4]) != "T-DB" {
		return ErrInvalidDatabase
	}
	if buf[offSelector] > 1 {
		return ErrInvalidDatabase
	}
	ver := buf[offFormatVer]
	switch {
	case ver < MinSupportedFormatVersion:
		return ErrUnsupportedFormat
	case ver > FormatVersion:
		return ErrUnsupportedFormat
	case ver < FormatVersion && mode != ReadWrite:
		// An in-place upgrade can only happen within a write
		// transaction (spec.md §4.1); read-only/in-memory opens of an
		// old-but-supported format are fine as-is.
		return nil
	}
	return nil
}

// physicalSize maps a logical byte count to the on-disk byte count:
// identity without a codec, otherwise the 24-byte preamble plus one
// TaggedPage-sized block per logical page.
func (f *File) physicalSize(logical int64) int64 {
	if f.codec == nil || logical <= HeaderSize {
		return logical
	}
	pages := (logical - HeaderSize + Page - 1) / Page
	return HeaderSize + pages*TaggedPage
}

func (f *File) logicalSize(physical int64) int64 {
	if f.codec == nil || physical <= HeaderSize {
		return physical
	}
	pages := (physical - HeaderSize) / TaggedPage
	return HeaderSize + pages*Page
}

// mapExisting maps the physical extent backing [0, size) logical bytes
// into memory, replacing any previous mapping. Bumps the seqlock
// generation around the swap.
func (f *File) mapExisting(size int64) error {
	f.generation.Add(1) // odd: remap in progress

	if old := f.data.Load(); old != nil {
		if err := unix.Munmap(*old); err != nil {
			return fmt.Errorf("storage: munmap: %w", err)
		}
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	if f.mode == ReadOnly {
		prot = unix.PROT_READ // the descriptor is O_RDONLY
	}
	data, err := unix.Mmap(int(f.fh.Fd()), 0, int(f.physicalSize(size)), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("storage: mmap: %w", err)
	}

	f.data.Store(&data)
	f.size.Store(size)
	f.generation.Add(1) // even: stable again
	return nil
}

// Map guarantees the mapping covers at least length logical bytes,
// growing the file first if necessary. Equivalent to spec.md §4.1's
// map(len).
func (f *File) Map(length int64) error {
	if f.size.Load() >= length {
		return nil
	}
	if f.mode == MemoryOnly {
		old := *f.data.Load()
		grown := make([]byte, length)
		copy(grown, old)
		f.data.Store(&grown)
		f.size.Store(length)
		return nil
	}
	if err := f.fh.Truncate(f.physicalSize(length)); err != nil {
		return fmt.Errorf("storage: truncate: %w", err)
	}
	return f.mapExisting(length)
}

// Remap extends the mapping to new_len, doubling-style growth policy
// mirrored from mari's resizeMmap: the caller decides new_len, this
// just performs the grow-and-remap safely.
func (f *File) Remap(newLen int64) error {
	return f.Map(newLen)
}

// Sync flushes mapped pages and file metadata; returns only once both
// are durable, matching spec.md §4.1.
func (f *File) Sync() error {
	if f.mode == MemoryOnly {
		return nil
	}
	if data := f.data.Load(); data != nil {
		if err := unix.Msync(*data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("storage: msync: %w", err)
		}
	}
	return f.fh.Sync()
}

// TopRef reads top-ref slot 0 or 1 directly (these header bytes are
// never page-codec-encoded, the same way writeStamp bypasses it).
func (f *File) TopRef(slot int) (Ref, error) {
	data := f.Bytes()
	if len(data) < HeaderSize {
		return NullRef, ErrInvalidDatabase
	}
	off := offTopRefA
	if slot == 1 {
		off = offTopRefB
	}
	return Ref(binary.LittleEndian.Uint64(data[off:])), nil
}

// SetTopRef writes ref into top-ref slot 0 or 1.
func (f *File) SetTopRef(slot int, ref Ref) error {
	data := f.Bytes()
	if len(data) < HeaderSize {
		return ErrInvalidDatabase
	}
	off := offTopRefA
	if slot == 1 {
		off = offTopRefB
	}
	binary.LittleEndian.PutUint64(data[off:], uint64(ref))
	return nil
}

// Selector reads the active top-ref slot index (0 or 1).
func (f *File) Selector() (byte, error) {
	data := f.Bytes()
	if len(data) < HeaderSize {
		return 0, ErrInvalidDatabase
	}
	return data[offSelector], nil
}

// SetSelector flips the active top-ref slot (spec.md §4.10 step 6:
// "flip selector").
func (f *File) SetSelector(sel byte) error {
	data := f.Bytes()
	if len(data) < HeaderSize {
		return ErrInvalidDatabase
	}
	data[offSelector] = sel
	return nil
}

func (f *File) unmapLocked() error {
	if data := f.data.Load(); data != nil {
		if err := unix.Munmap(*data); err != nil {
			return err
		}
		f.data.Store(nil)
	}
	return nil
}

// Close unmaps and closes the underlying file descriptor.
func (f *File) Close() error {
	if err := f.unmapLocked(); err != nil {
		return err
	}
	if f.fh != nil {
		return f.fh.Close()
	}
	return nil
}

// Size returns the current length of the mapped region.
func (f *File) Size() int64 { return f.size.Load() }

// Bytes exposes the raw mapped region. Callers above the allocator
// boundary should go through Translate/ref addressing instead of
// caching this slice across a Map/Remap call.
func (f *File) Bytes() []byte {
	data := f.data.Load()
	if data == nil {
		return nil
	}
	return *data
}

// Generation returns the current seqlock generation. An odd value
// means a remap is in progress.
func (f *File) Generation() uint64 { return f.generation.Load() }

// ReadAt returns a copy of count cleartext bytes starting at logical
// offset off. When a page codec is installed, the mapped region holds
// one tagged ciphertext block per logical page, decoded and
// integrity-checked on the way out; callers above this layer never see
// ciphertext (spec.md §4.1). The 24-byte file preamble is never
// encoded.
func (f *File) ReadAt(off, count int64) ([]byte, error) {
	if off < 0 || count < 0 || off+count > f.size.Load() {
		return nil, errors.New("storage: read out of range")
	}
	if f.codec == nil {
		data := f.Bytes()
		out := make([]byte, count)
		copy(out, data[off:off+count])
		return out, nil
	}

	out := make([]byte, 0, count)
	for pos := off; pos < off+count; {
		if pos < HeaderSize {
			n := HeaderSize - pos
			if rest := off + count - pos; rest < n {
				n = rest
			}
			out = append(out, f.Bytes()[pos:pos+n]...)
			pos += n
			continue
		}
		page := (pos - HeaderSize) / Page
		plain, err := f.decodePage(page)
		if err != nil {
			return nil, err
		}
		start := (pos - HeaderSize) % Page
		n := Page - start
		if rest := off + count - pos; rest < n {
			n = rest
		}
		out = append(out, plain[start:start+n]...)
		pos += n
	}
	return out, nil
}

// WriteAt encodes plaintext through the page codec (if any) and
// places the resulting bytes into the mapped region at logical offset
// off, read-modify-writing the covered pages.
func (f *File) WriteAt(off int64, plaintext []byte) error {
	count := int64(len(plaintext))
	if off < 0 || off+count > f.size.Load() {
		return errors.New("storage: write out of range")
	}
	if f.codec == nil {
		copy(f.Bytes()[off:], plaintext)
		return nil
	}

	for pos := off; pos < off+count; {
		if pos < HeaderSize {
			n := HeaderSize - pos
			if rest := off + count - pos; rest < n {
				n = rest
			}
			copy(f.Bytes()[pos:], plaintext[pos-off:pos-off+n])
			pos += n
			continue
		}
		page := (pos - HeaderSize) / Page
		plain, err := f.decodePage(page)
		if err != nil {
			return err
		}
		start := (pos - HeaderSize) % Page
		n := Page - start
		if rest := off + count - pos; rest < n {
			n = rest
		}
		copy(plain[start:], plaintext[pos-off:pos-off+n])
		f.encodePage(page, plain)
		pos += n
	}
	return nil
}

// decodePage recovers the plaintext of logical page p. A block that
// has never been written (still all zero on disk) decodes to a zero
// page without an integrity check, since no tag was ever computed for
// it.
func (f *File) decodePage(p int64) ([]byte, error) {
	data := f.Bytes()
	phys := HeaderSize + p*TaggedPage
	if phys+TaggedPage > int64(len(data)) {
		return nil, errors.New("storage: page beyond mapped region")
	}
	block := data[phys : phys+TaggedPage]
	if allZero(block) {
		return make([]byte, Page), nil
	}
	return f.codec.Decode(uint64(p), block)
}

func (f *File) encodePage(p int64, plain []byte) {
	data := f.Bytes()
	phys := HeaderSize + p*TaggedPage
	enc := f.codec.Encode(uint64(p), plain)
	copy(data[phys:phys+TaggedPage], enc)
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

var (
	ErrInvalidDatabase  = errors.New("storage: invalid database file")
	ErrUnsupportedFormat = errors.New("storage: unsupported file format version")
)
