package variant

import (
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/stratadb/strata/internal/storage"
)

func newTestAllocator(t *testing.T) *storage.Allocator {
	path := t.TempDir() + "/test.strata"
	f, err := storage.Attach(path, storage.ReadWrite, nil)
	if err != nil { t.Fatalf("attach: %v", err) }
	t.Cleanup(func() { f.Close() })

	if err := f.Map(storage.HeaderSize + 256*storage.Page); err != nil { t.Fatalf("map: %v", err) }
	return storage.NewAllocator(f, storage.HeaderSize)
}

func TestBoolColumnNullAndValues(t *testing.T) {
	alloc := newTestAllocator(t)
	c, err := CreateBoolColumn(alloc, 3, true, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	if err := c.Set(0, true); err != nil { t.Fatalf("set: %v", err) }
	if err := c.SetNull(1); err != nil { t.Fatalf("set null: %v", err) }
	if err := c.Set(2, false); err != nil { t.Fatalf("set: %v", err) }

	v0, ok0, _ := c.Get(0)
	if !ok0 || !v0 { t.Fatalf("row 0: got %v ok=%v", v0, ok0) }
	_, ok1, _ := c.Get(1)
	if ok1 { t.Fatalf("row 1 should be null") }
	v2, ok2, _ := c.Get(2)
	if !ok2 || v2 { t.Fatalf("row 2: got %v ok=%v", v2, ok2) }
}

func TestIntColumnWidensOnOverflow(t *testing.T) {
	alloc := newTestAllocator(t)
	c, err := CreateIntColumn(alloc, 3, true, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	if err := c.Set(0, 1_000_000_000_000, 0); err != nil { t.Fatalf("set: %v", err) }

	v, ok, err := c.Get(0)
	if err != nil { t.Fatalf("get: %v", err) }
	if !ok || v != 1_000_000_000_000 {
		t.Fatalf("got %d ok=%v", v, ok)
	}
}

func TestIntColumnNullSurvivesWiden(t *testing.T) {
	alloc := newTestAllocator(t)
	c, err := CreateIntColumn(alloc, 2, true, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	if err := c.SetNull(0, 0); err != nil { t.Fatalf("set null: %v", err) }
	if err := c.Set(1, 1_000_000, 0); err != nil { t.Fatalf("set: %v", err) }

	_, ok, err := c.Get(0)
	if err != nil { t.Fatalf("get: %v", err) }
	if ok { t.Fatalf("row 0 should still be null after widening") }
}

func TestFloatColumnNullIsNaN(t *testing.T) {
	alloc := newTestAllocator(t)
	c, err := CreateFloatColumn(alloc, 2, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	if err := c.Set(0, 3.5); err != nil { t.Fatalf("set: %v", err) }

	v, ok, err := c.Get(0)
	if err != nil || !ok || v != 3.5 { t.Fatalf("got %v ok=%v err=%v", v, ok, err) }

	_, ok1, err := c.Get(1)
	if err != nil { t.Fatalf("get: %v", err) }
	if ok1 { t.Fatalf("row 1 should default to null (NaN)") }

	if err := c.Set(1, math.Inf(1)); err != nil { t.Fatalf("set inf: %v", err) }
	v1, ok1b, err := c.Get(1)
	if err != nil || !ok1b || !math.IsInf(v1, 1) {
		t.Fatalf("got %v ok=%v err=%v", v1, ok1b, err)
	}
}

func TestStringColumnTierTransitions(t *testing.T) {
	alloc := newTestAllocator(t)
	c, err := CreateStringColumn(alloc, 3, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	if err := c.Set(0, "short", 0); err != nil { t.Fatalf("set short: %v", err) }
	if c.Tier() != TierShort { t.Fatalf("expected short tier") }

	medium := "this string is definitely longer than fifteen bytes"
	if err := c.Set(1, medium, 0); err != nil { t.Fatalf("set medium: %v", err) }
	if c.Tier() != TierMedium { t.Fatalf("expected medium tier, got %v", c.Tier()) }

	got0, ok0, err := c.Get(0)
	if err != nil || !ok0 || got0 != "short" {
		t.Fatalf("row 0 after upgrade: got %q ok=%v err=%v", got0, ok0, err)
	}
	got1, ok1, err := c.Get(1)
	if err != nil || !ok1 || got1 != medium {
		t.Fatalf("row 1: got %q ok=%v err=%v", got1, ok1, err)
	}

	big := make([]byte, 100)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	if err := c.Set(2, string(big), 0); err != nil { t.Fatalf("set big: %v", err) }
	if c.Tier() != TierBig { t.Fatalf("expected big tier, got %v", c.Tier()) }

	got2, ok2, err := c.Get(2)
	if err != nil || !ok2 || got2 != string(big) {
		t.Fatalf("row 2 mismatch after upgrade to big tier")
	}
	got0b, ok0b, err := c.Get(0)
	if err != nil || !ok0b || got0b != "short" {
		t.Fatalf("row 0 after second upgrade: got %q ok=%v err=%v", got0b, ok0b, err)
	}
}

func TestStringColumnNull(t *testing.T) {
	alloc := newTestAllocator(t)
	c, err := CreateStringColumn(alloc, 2, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	if err := c.SetNull(0, 0); err != nil { t.Fatalf("set null: %v", err) }
	_, ok, err := c.Get(0)
	if err != nil { t.Fatalf("get: %v", err) }
	if ok { t.Fatalf("expected null") }
}

func TestBinaryColumnMediumAndBig(t *testing.T) {
	alloc := newTestAllocator(t)
	c, err := CreateBinaryColumn(alloc, 2, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	if err := c.Set(0, []byte{1, 2, 3}, 0); err != nil { t.Fatalf("set: %v", err) }
	got0, ok0, err := c.Get(0)
	if err != nil || !ok0 || len(got0) != 3 { t.Fatalf("got %v ok=%v err=%v", got0, ok0, err) }

	big := make([]byte, 200)
	if err := c.Set(1, big, 0); err != nil { t.Fatalf("set big: %v", err) }
	if c.Tier() != TierBig { t.Fatalf("expected big tier") }

	got0b, ok0b, err := c.Get(0)
	if err != nil || !ok0b || len(got0b) != 3 {
		t.Fatalf("row 0 after upgrade: got %v ok=%v err=%v", got0b, ok0b, err)
	}
}

func TestUUIDColumnNilIsNull(t *testing.T) {
	alloc := newTestAllocator(t)
	c, err := CreateUUIDColumn(alloc, 1, 0)
	if err != nil { t.Fatalf("create: %v", err) }

	_, ok, err := c.Get(0)
	if err != nil { t.Fatalf("get: %v", err) }
	if ok { t.Fatalf("fresh column should default to nil uuid = null") }

	id := uuid.New()
	if err := c.Set(0, id); err != nil { t.Fatalf("set: %v", err) }
	got, ok, err := c.Get(0)
	if err != nil || !ok || got != id {
		t.Fatalf("got %v ok=%v err=%v", got, ok, err)
	}
}

