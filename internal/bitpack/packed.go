package bitpack

import "fmt"

// CompareOp is one of the six comparison operators Find supports.
type CompareOp int

const (
	OpEQ CompareOp = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
)

// Payload decodes the element stream following a node header. It
// understands four of the five payload encodings: WidthBits and Packed read
// identically (Packed is simply WidthBits produced with the smallest
// width a compaction pass found profitable); Flex adds a distinct-
// value table plus an index array; Delta stores a base value plus
// per-element deltas. WidthMultiply is handled separately by the
// variant leaf types, which byte-align rather than bit-pack.
type Payload struct {
	Header Header
	Data   []byte // bytes immediately following the 8-byte header
}

// NewPayload wraps the decoded header and the bytes that follow it.
func NewPayload(h Header, data []byte) Payload {
	return Payload{Header: h, Data: data}
}

// Get reads the sign-extended value of element i.
func (p Payload) Get(i int) (int64, error) {
	if i < 0 || uint32(i) >= p.Header.ElementCount {
		return 0, fmt.Errorf("bitpack: index %d out of range [0,%d)", i, p.Header.ElementCount)
	}

	switch p.Header.Kind {
	case WidthBits, Packed:
		width, err := BitWidthForCode(p.Header.WidthCode)
		if err != nil {
			return 0, err
		}
		return SignExtend(getBits(p.Data, i, width), width), nil
	case Flex:
		return p.getFlex(i)
	case Delta:
		return p.getDelta(i)
	default:
		return 0, fmt.Errorf("bitpack: Get unsupported for kind %s", p.Header.Kind)
	}
}

// Set writes v into element i in place. It is only valid when v fits
// within the element's current width; widening requires allocating a
// new node at the array layer (spec.md §4.3: "otherwise triggers
// widening"). Set supports WidthBits/Packed only — Flex and Delta
// nodes are rebuilt wholesale on any mutation since their layout
// mixes shared state across elements.
func (p Payload) Set(i int, v int64) error {
	if i < 0 || uint32(i) >= p.Header.ElementCount {
		return fmt.Errorf("bitpack: index %d out of range [0,%d)", i, p.Header.ElementCount)
	}
	if p.Header.Kind != WidthBits && p.Header.Kind != Packed {
		return fmt.Errorf("bitpack: Set unsupported for kind %s, rebuild required", p.Header.Kind)
	}

	width, err := BitWidthForCode(p.Header.WidthCode)
	if err != nil {
		return err
	}
	if WidthFor(v) > width {
		return fmt.Errorf("bitpack: value %d needs width > %d, widening required", v, width)
	}
	setBits(p.Data, i, width, Truncate(v, width))
	return nil
}

// flexSubHeader is the 8 bytes Flex payloads prepend to their own
// data: value count, value width code, index width code, and padding
// to keep the value array 8-byte aligned.
type flexSubHeader struct {
	valueCount uint16
	valueWidth uint8
	indexWidth uint8
}

func decodeFlexSubHeader(data []byte) (flexSubHeader, []byte) {
	sh := flexSubHeader{
		valueCount: uint16(data[0]) | uint16(data[1])<<8,
		valueWidth: data[2],
		indexWidth: data[3],
	}
	return sh, data[8:]
}

func (p Payload) getFlex(i int) (int64, error) {
	sh, rest := decodeFlexSubHeader(p.Data)

	valueWidth, err := BitWidthForCode(sh.valueWidth)
	if err != nil {
		return 0, err
	}
	indexWidth, err := BitWidthForCode(sh.indexWidth)
	if err != nil {
		return 0, err
	}

	valueBits := int(sh.valueCount) * int(valueWidth)
	valueBytes := (valueBits + 7) / 8
	values := rest[:valueBytes]
	indexes := rest[valueBytes:]

	idx := getBits(indexes, i, indexWidth)
	return SignExtend(getBits(values, int(idx), valueWidth), valueWidth), nil
}

func (p Payload) getDelta(i int) (int64, error) {
	width, err := BitWidthForCode(p.Header.WidthCode)
	if err != nil {
		return 0, err
	}

	base := int64(leUint64(p.Data[:8]))
	if i == 0 {
		return base, nil
	}

	deltas := p.Data[8:]
	acc := base
	for k := 0; k < i; k++ {
		acc += SignExtend(getBits(deltas, k, width), width)
	}
	return acc, nil
}

// Find returns the smallest position in [start,end) whose element
// satisfies op against target, or ok=false if none does.
func (p Payload) Find(op CompareOp, target int64, start, end int) (pos int, ok bool, err error) {
	if end > int(p.Header.ElementCount) {
		end = int(p.Header.ElementCount)
	}
	for i := start; i < end; i++ {
		v, gerr := p.Get(i)
		if gerr != nil {
			return 0, false, gerr
		}
		if compare(op, v, target) {
			return i, true, nil
		}
	}
	return 0, false, nil
}

func compare(op CompareOp, v, target int64) bool {
	switch op {
	case OpEQ:
		return v == target
	case OpNE:
		return v != target
	case OpLT:
		return v < target
	case OpLE:
		return v <= target
	case OpGT:
		return v > target
	case OpGE:
		return v >= target
	default:
		return false
	}
}

// Sum, Min, Max and Count are the range aggregates spec.md §4.3
// requires; Count reports how many elements in [start,end) satisfy op
// against target (count(*) is Count(OpNE, sentinel-that-never-matches)
// handled by the caller passing a trivially-true comparison).
func (p Payload) Sum(start, end int) (int64, error) {
	var sum int64
	if end > int(p.Header.ElementCount) {
		end = int(p.Header.ElementCount)
	}
	for i := start; i < end; i++ {
		v, err := p.Get(i)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum, nil
}

// Count reports how many elements in [start,end) satisfy op against target.
func (p Payload) Count(op CompareOp, target int64, start, end int) (int, error) {
	if end > int(p.Header.ElementCount) {
		end = int(p.Header.ElementCount)
	}
	n := 0
	for i := start; i < end; i++ {
		v, err := p.Get(i)
		if err != nil {
			return 0, err
		}
		if compare(op, v, target) {
			n++
		}
	}
	return n, nil
}

func (p Payload) Min(start, end int) (int64, bool, error) {
	return p.extremum(start, end, false)
}

func (p Payload) Max(start, end int) (int64, bool, error) {
	return p.extremum(start, end, true)
}

func (p Payload) extremum(start, end int, wantMax bool) (int64, bool, error) {
	if end > int(p.Header.ElementCount) {
		end = int(p.Header.ElementCount)
	}
	if start >= end {
		return 0, false, nil
	}

	best, err := p.Get(start)
	if err != nil {
		return 0, false, err
	}
	for i := start + 1; i < end; i++ {
		v, err := p.Get(i)
		if err != nil {
			return 0, false, err
		}
		if (wantMax && v > best) || (!wantMax && v < best) {
			best = v
		}
	}
	return best, true, nil
}

// --- bit-level primitives shared by WidthBits, Packed, Flex and Delta ---

func getBits(data []byte, i int, width uint8) uint64 {
	if width == 0 {
		return 0
	}
	bitOff := i * int(width)
	return readBits(data, bitOff, width)
}

func setBits(data []byte, i int, width uint8, v uint64) {
	if width == 0 {
		return
	}
	bitOff := i * int(width)
	writeBits(data, bitOff, width, v)
}

func readBits(data []byte, bitOff int, width uint8) uint64 {
	var result uint64
	for b := uint8(0); b < width; b++ {
		bit := bitOff + int(b)
		byteIdx := bit / 8
		bitIdx := uint(bit % 8)
		if byteIdx >= len(data) {
			break
		}
		if data[byteIdx]&(1<<bitIdx) != 0 {
			result |= 1 << b
		}
	}
	return result
}

func writeBits(data []byte, bitOff int, width uint8, v uint64) {
	for b := uint8(0); b < width; b++ {
		bit := bitOff + int(b)
		byteIdx := bit / 8
		bitIdx := uint(bit % 8)
		if byteIdx >= len(data) {
			return
		}
		if v&(1<<b) != 0 {
			data[byteIdx] |= 1 << bitIdx
		} else {
			data[byteIdx] &^= 1 << bitIdx
		}
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}
