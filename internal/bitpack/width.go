package bitpack

import (
	"fmt"
	"math"
)

// bitWidths is the allowed set of WidthBits element widths, in
// ascending order. Index into this table is the "width code" stored
// in the header for WidthBits/Packed/Flex/Delta encodings.
var bitWidths = [8]uint8{0, 1, 2, 4, 8, 16, 32, 64}

// BitWidthForCode maps a header width code to its bit width.
func BitWidthForCode(code uint8) (uint8, error) {
	if int(code) >= len(bitWidths) {
		return 0, fmt.Errorf("bitpack: invalid width code %d", code)
	}
	return bitWidths[code], nil
}

// CodeForBitWidth maps a bit width back to its header code.
func CodeForBitWidth(width uint8) (uint8, error) {
	for code, w := range bitWidths {
		if w == width {
			return uint8(code), nil
		}
	}
	return 0, fmt.Errorf("bitpack: %d is not a valid bit width", width)
}

// WidthFor returns the smallest WidthBits bit width able to represent
// value v, following the natural progression 0,1,2,4,8,16,32,64.
// Widths 1, 2 and 4 are zero-extended on read (see SignExtend), so
// they can only hold non-negative values; any negative value needs at
// least 8 bits.
func WidthFor(v int64) uint8 {
	switch {
	case v == 0:
		return 0
	case fitsUnsigned(v, 1):
		return 1
	case fitsUnsigned(v, 2):
		return 2
	case fitsUnsigned(v, 4):
		return 4
	case fitsSigned(v, 8):
		return 8
	case fitsSigned(v, 16):
		return 16
	case fitsSigned(v, 32):
		return 32
	default:
		return 64
	}
}

// fitsUnsigned reports whether v fits in a zero-extended field of the
// given bit width (the convention for widths 1, 2 and 4).
func fitsUnsigned(v int64, width uint8) bool {
	return v >= 0 && v <= int64(1)<<width-1
}

// fitsSigned reports whether v fits in a field of the given bit width
// under the package's two's-complement convention (top bit is sign).
func fitsSigned(v int64, width uint8) bool {
	if width >= 64 {
		return true
	}
	lo := -(int64(1) << (width - 1))
	hi := int64(1)<<(width-1) - 1
	return v >= lo && v <= hi
}

// SignExtend interprets the low `width` bits of raw as a two's
// complement integer of that width and sign-extends it to int64.
// Widths 1, 2 and 4 bits are treated as zero-extended per spec, since
// there is no room for a usable sign bit at that size.
func SignExtend(raw uint64, width uint8) int64 {
	switch width {
	case 0:
		return 0
	case 1, 2, 4:
		mask := uint64(1)<<width - 1
		return int64(raw & mask)
	case 8, 16, 32, 64:
		return signExtendNatural(raw, width)
	default:
		panic(fmt.Sprintf("bitpack: invalid width %d", width))
	}
}

func signExtendNatural(raw uint64, width uint8) int64 {
	if width == 64 {
		return int64(raw)
	}
	mask := uint64(1)<<width - 1
	raw &= mask
	signBit := uint64(1) << (width - 1)
	if raw&signBit != 0 {
		return int64(raw | ^mask)
	}
	return int64(raw)
}

// Truncate masks v down to its low `width` bits, the inverse
// operation used when writing a value into a packed field.
func Truncate(v int64, width uint8) uint64 {
	if width == 0 {
		return 0
	}
	if width == 64 {
		return uint64(v)
	}
	mask := uint64(1)<<width - 1
	return uint64(v) & mask
}

// NullSentinel returns the bit pattern reserved as "null" for a
// nullable integer leaf of the given width: the top of the
// representable range — unsigned top for the zero-extended widths 1,
// 2 and 4, signed top for 8, 16, 32 and 64.
func NullSentinel(width uint8) int64 {
	switch width {
	case 0:
		return 0
	case 1, 2, 4:
		return int64(1)<<width - 1
	case 64:
		return math.MaxInt64
	default:
		return int64(1)<<(width-1) - 1
	}
}
