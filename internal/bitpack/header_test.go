package bitpack

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Flags:        HasRefs | InnerBPTree,
		Kind:         WidthBits,
		WidthCode:    5, // width 16
		ElementCount: 340,
		CapacityB:    4096,
	}

	buf := h.Encode()
	got, err := Decode(buf[:])
	if err != nil { t.Fatalf("decode: %v", err) }

	if got.Flags != h.Flags { t.Fatalf("flags: got %v want %v", got.Flags, h.Flags) }
	if got.Kind != h.Kind { t.Fatalf("kind: got %v want %v", got.Kind, h.Kind) }
	if got.WidthCode != h.WidthCode { t.Fatalf("width code: got %d want %d", got.WidthCode, h.WidthCode) }
	if got.ElementCount != h.ElementCount { t.Fatalf("count: got %d want %d", got.ElementCount, h.ElementCount) }
	if got.CapacityB != h.CapacityB { t.Fatalf("capacity: got %d want %d", got.CapacityB, h.CapacityB) }
}

func TestHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := Decode(make([]byte, 4)); err == nil {
		t.Fatalf("expected error decoding short buffer")
	}
}

func TestHeaderValidateCapacity(t *testing.T) {
	h := Header{Kind: WidthBits, WidthCode: 4, ElementCount: 100, CapacityB: 16}
	if err := h.Validate(); err == nil {
		t.Fatalf("expected overflow error: 100 elements * 8 bits needs 100 bytes, only have 8")
	}

	h.CapacityB = 112
	if err := h.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHeaderRejectsMisalignedCapacity(t *testing.T) {
	h := Header{Kind: WidthIgnore, CapacityB: 13}
	if err := h.Validate(); err == nil {
		t.Fatalf("expected misalignment error")
	}
}

func TestWidthCodeMapping(t *testing.T) {
	cases := []struct {
		code  uint8
		width uint8
	}{{0, 0}, {1, 1}, {2, 2}, {3, 4}, {4, 8}, {5, 16}, {6, 32}, {7, 64}}

	for _, c := range cases {
		w, err := BitWidthForCode(c.code)
		if err != nil { t.Fatalf("code %d: %v", c.code, err) }
		if w != c.width { t.Fatalf("code %d: got width %d want %d", c.code, w, c.width) }

		code, err := CodeForBitWidth(c.width)
		if err != nil { t.Fatalf("width %d: %v", c.width, err) }
		if code != c.code { t.Fatalf("width %d: got code %d want %d", c.width, code, c.code) }
	}
}

func TestWidthForPicksSmallestFit(t *testing.T) {
	cases := []struct {
		v int64
		w uint8
	}{
		{0, 0}, {1, 1}, {-1, 8}, {2, 2}, {-2, 8},
		{7, 4}, {-8, 8}, {100, 8}, {-128, 8},
		{40000, 32}, {3_000_000_000, 64},
	}
	for _, c := range cases {
		if got := WidthFor(c.v); got != c.w {
			t.Fatalf("WidthFor(%d): got %d want %d", c.v, got, c.w)
		}
	}
}

func TestSignExtendNaturalWidths(t *testing.T) {
	// 8-bit -1 is 0xFF.
	if got := SignExtend(0xFF, 8); got != -1 {
		t.Fatalf("SignExtend(0xFF,8): got %d want -1", got)
	}
	// 16-bit -1 is 0xFFFF.
	if got := SignExtend(0xFFFF, 16); got != -1 {
		t.Fatalf("SignExtend(0xFFFF,16): got %d want -1", got)
	}
}

func TestSignExtendSmallWidthsAreZeroExtended(t *testing.T) {
	// Per spec.md §4.3, 1/2/4-bit widths zero-extend rather than sign-extend.
	if got := SignExtend(0x1, 1); got != 1 {
		t.Fatalf("SignExtend(1,1): got %d want 1", got)
	}
	if got := SignExtend(0xF, 4); got != 15 {
		t.Fatalf("SignExtend(0xF,4): got %d want 15", got)
	}
}

func TestNullSentinelIsTopOfRange(t *testing.T) {
	if NullSentinel(8) != 127 {
		t.Fatalf("expected 127, got %d", NullSentinel(8))
	}
	if NullSentinel(16) != 32767 {
		t.Fatalf("expected 32767, got %d", NullSentinel(16))
	}
}
