package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func tempDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.strata")
}

func TestAttachCreatesStamp(t *testing.T) {
	path := tempDBPath(t)

	f, err := Attach(path, ReadWrite, nil)
	if err != nil { t.Fatalf("attach: %v", err) }
	defer f.Close()

	if f.Size() != HeaderSize {
		t.Fatalf("expected size %d, got %d", HeaderSize, f.Size())
	}

	stamp := f.Bytes()
	if string(stamp[offMagic:offMagic+4]) != "T-DB" {
		t.Fatalf("bad magic: %q", stamp[offMagic:offMagic+4])
	}
	if stamp[offFormatVer] != FormatVersion {
		t.Fatalf("bad format version: %d", stamp[offFormatVer])
	}
}

func TestAttachReopensExisting(t *testing.T) {
	path := tempDBPath(t)

	f1, err := Attach(path, ReadWrite, nil)
	if err != nil { t.Fatalf("attach: %v", err) }
	if err := f1.Map(HeaderSize + Page); err != nil { t.Fatalf("map: %v", err) }
	if err := f1.WriteAt(HeaderSize, []byte("hello")); err != nil { t.Fatalf("write: %v", err) }
	if err := f1.Sync(); err != nil { t.Fatalf("sync: %v", err) }
	if err := f1.Close(); err != nil { t.Fatalf("close: %v", err) }

	f2, err := Attach(path, ReadWrite, nil)
	if err != nil { t.Fatalf("reattach: %v", err) }
	defer f2.Close()

	got, err := f2.ReadAt(HeaderSize, 5)
	if err != nil { t.Fatalf("read: %v", err) }
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestAttachRejectsBadMagic(t *testing.T) {
	path := tempDBPath(t)
	if err := os.WriteFile(path, make([]byte, HeaderSize), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	_, err := Attach(path, ReadWrite, nil)
	if err != ErrInvalidDatabase {
		t.Fatalf("expected ErrInvalidDatabase, got %v", err)
	}
}

func TestAttachRejectsCorruptSelector(t *testing.T) {
	path := tempDBPath(t)

	f, err := Attach(path, ReadWrite, nil)
	if err != nil { t.Fatalf("attach: %v", err) }
	if err := f.Close(); err != nil { t.Fatalf("close: %v", err) }

	raw, err := os.ReadFile(path)
	if err != nil { t.Fatalf("read file: %v", err) }
	raw[offSelector] = 0xFF
	if err := os.WriteFile(path, raw, 0600); err != nil { t.Fatalf("corrupt file: %v", err) }

	if _, err := Attach(path, ReadWrite, nil); err != ErrInvalidDatabase {
		t.Fatalf("expected ErrInvalidDatabase for a corrupt selector, got %v", err)
	}
}

func TestAttachRejectsTruncatedFile(t *testing.T) {
	path := tempDBPath(t)
	if err := os.WriteFile(path, make([]byte, 4), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	_, err := Attach(path, ReadWrite, nil)
	if err != ErrInvalidDatabase {
		t.Fatalf("expected ErrInvalidDatabase, got %v", err)
	}
}

func TestGenerationEvenAfterRemap(t *testing.T) {
	path := tempDBPath(t)
	f, err := Attach(path, ReadWrite, nil)
	if err != nil { t.Fatalf("attach: %v", err) }
	defer f.Close()

	if f.Generation()%2 != 0 {
		t.Fatalf("generation should be even at rest, got %d", f.Generation())
	}

	if err := f.Remap(HeaderSize + 4*Page); err != nil { t.Fatalf("remap: %v", err) }
	if f.Generation()%2 != 0 {
		t.Fatalf("generation should settle even after remap, got %d", f.Generation())
	}
}

func TestMemoryOnlyNeverTouchesDisk(t *testing.T) {
	f, err := Attach("unused-path", MemoryOnly, nil)
	if err != nil { t.Fatalf("attach: %v", err) }
	defer f.Close()

	if err := f.Sync(); err != nil { t.Fatalf("sync on memory-only should be a no-op: %v", err) }
	if _, err := os.Stat("unused-path"); err == nil {
		t.Fatalf("memory-only mode must not create a file on disk")
	}
}

func TestAESCodecRoundTrip(t *testing.T) {
	path := tempDBPath(t)
	codec, err := NewAESCodec([]byte("super secret test key"))
	if err != nil { t.Fatalf("new codec: %v", err) }

	f, err := Attach(path, ReadWrite, codec)
	if err != nil { t.Fatalf("attach: %v", err) }

	if err := f.Map(HeaderSize + 4*Page); err != nil { t.Fatalf("map: %v", err) }

	// Straddle a page boundary to exercise the read-modify-write path.
	msg := []byte("the quick brown fox jumps over the lazy dog")
	off := int64(HeaderSize + Page - 10)
	if err := f.WriteAt(off, msg); err != nil { t.Fatalf("write: %v", err) }

	got, err := f.ReadAt(off, int64(len(msg)))
	if err != nil { t.Fatalf("read: %v", err) }
	if string(got) != string(msg) {
		t.Fatalf("round trip mismatch: %q", got)
	}
	if err := f.Sync(); err != nil { t.Fatalf("sync: %v", err) }
	if err := f.Close(); err != nil { t.Fatalf("close: %v", err) }

	// The mapped bytes are ciphertext; reopening with the key recovers
	// the cleartext, and an unwritten page still reads as zeros.
	f2, err := Attach(path, ReadWrite, codec)
	if err != nil { t.Fatalf("reattach: %v", err) }
	defer f2.Close()

	got2, err := f2.ReadAt(off, int64(len(msg)))
	if err != nil { t.Fatalf("read after reopen: %v", err) }
	if string(got2) != string(msg) {
		t.Fatalf("round trip mismatch after reopen: %q", got2)
	}
	fresh, err := f2.ReadAt(HeaderSize+3*Page, 16)
	if err != nil { t.Fatalf("read fresh page: %v", err) }
	for _, b := range fresh {
		if b != 0 {
			t.Fatalf("expected an unwritten page to read as zeros, got %v", fresh)
		}
	}
}

func TestAESCodecRejectsTamperedBlock(t *testing.T) {
	codec, err := NewAESCodec([]byte("another test key"))
	if err != nil { t.Fatalf("new codec: %v", err) }

	enc := codec.Encode(0, make([]byte, Page))
	enc[0] ^= 0xFF

	if _, err := codec.Decode(0, enc); err == nil {
		t.Fatalf("expected integrity failure on tampered block")
	}
}
