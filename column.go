package strata

import (
	"github.com/google/uuid"

	"github.com/stratadb/strata/internal/variant"
)

// TableKey is the 32-bit opaque handle spec.md §3 names: in practice
// the table's index into the Group's table_names/table_refs arrays,
// stable across renames. RemoveTable leaves the slot in place as a
// tombstone rather than compacting the arrays, so a stale TableKey gets
// key_not_found while the slot is empty; the next AddTable reuses the
// slot, and from then on the stale key resolves to the new table.
type TableKey uint32

// NoTable is never a valid table handle.
const NoTable TableKey = 0xFFFFFFFF

// ColumnType enumerates the physical/logical column kinds spec.md
// §4.5 and §6 describe.
type ColumnType uint8

const (
	TypeInt ColumnType = iota
	TypeBool
	TypeFloat
	TypeString
	TypeBinary
	TypeTimestamp
	TypeDecimal128
	TypeObjectId
	TypeUUID
	TypeLink
	TypeMixed
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "Int"
	case TypeBool:
		return "Bool"
	case TypeFloat:
		return "Float"
	case TypeString:
		return "String"
	case TypeBinary:
		return "Binary"
	case TypeTimestamp:
		return "Timestamp"
	case TypeDecimal128:
		return "Decimal128"
	case TypeObjectId:
		return "ObjectId"
	case TypeUUID:
		return "UUID"
	case TypeLink:
		return "Link"
	case TypeMixed:
		return "Mixed"
	default:
		return "Unknown"
	}
}

// CollectionKind distinguishes a scalar column from the collection
// shapes spec.md §3 names for ColKey ("scalar, list, set, dictionary").
// List, Set and Dictionary are owned collections over a scalar element
// type (collection.go). On a TypeLink column the kind is also recorded
// in internal/cluster's LinkColumn.Kind; backlinks are kept the same
// way for every kind.
type CollectionKind uint8

const (
	CollectionScalar CollectionKind = iota
	CollectionList
	CollectionSet
	CollectionDictionary
)

// Attr is the attribute bitmask ColKey packs alongside type and
// nullability.
type Attr uint8

const (
	AttrIndexed Attr = 1 << iota
	AttrPrimaryKey
	AttrStrongLink

	// attrBacklink marks the hidden backlink column a Link column
	// wires onto its target table. Never set on caller-defined columns.
	attrBacklink
)

// ColKey is the 64-bit opaque column handle spec.md §3 describes,
// packing {column-index, type, attribute bitmask, nullability,
// collection-kind}. Bit layout (low to high): 16 bits column index,
// 8 bits type, 1 bit nullable, 2 bits collection kind, 5 bits
// attribute mask, remainder reserved — chosen to fit comfortably
// inside 64 bits with room to spare, per spec.md's "opaque handle"
// contract (no field here is meaningful to a caller beyond what the
// accessors below expose).
type ColKey uint64

const (
	colKeyIndexBits = 16
	colKeyTypeBits  = 8
	colKeyNullBits  = 1
	colKeyCollBits  = 2
	colKeyAttrBits  = 5

	colKeyIndexShift = 0
	colKeyTypeShift  = colKeyIndexShift + colKeyIndexBits
	colKeyNullShift  = colKeyTypeShift + colKeyTypeBits
	colKeyCollShift  = colKeyNullShift + colKeyNullBits
	colKeyAttrShift  = colKeyCollShift + colKeyCollBits

	colKeyIndexMask = (uint64(1) << colKeyIndexBits) - 1
	colKeyTypeMask  = (uint64(1) << colKeyTypeBits) - 1
	colKeyCollMask  = (uint64(1) << colKeyCollBits) - 1
	colKeyAttrMask  = (uint64(1) << colKeyAttrBits) - 1
)

// NoColumn is never a valid column handle.
const NoColumn ColKey = 0

func makeColKey(index int, typ ColumnType, nullable bool, coll CollectionKind, attr Attr) ColKey {
	var k uint64
	k |= (uint64(index) & colKeyIndexMask) << colKeyIndexShift
	k |= (uint64(typ) & colKeyTypeMask) << colKeyTypeShift
	if nullable {
		k |= 1 << colKeyNullShift
	}
	k |= (uint64(coll) & colKeyCollMask) << colKeyCollShift
	k |= (uint64(attr) & colKeyAttrMask) << colKeyAttrShift
	// A column index of 0 with every other field zero would collide
	// with NoColumn; column 0 always carries at least the type bits
	// for a real column (TypeInt == 0 too), so distinguish NoColumn
	// by reserving the top bit as a "valid" marker instead.
	k |= uint64(1) << 63
	return ColKey(k)
}

// Index returns the column's position among the table's columns.
func (c ColKey) Index() int { return int((uint64(c) >> colKeyIndexShift) & colKeyIndexMask) }

// Type returns the column's logical type.
func (c ColKey) Type() ColumnType { return ColumnType((uint64(c) >> colKeyTypeShift) & colKeyTypeMask) }

// Nullable reports whether the column accepts a null value.
func (c ColKey) Nullable() bool { return (uint64(c)>>colKeyNullShift)&1 != 0 }

// Collection returns the column's collection kind.
func (c ColKey) Collection() CollectionKind {
	return CollectionKind((uint64(c) >> colKeyCollShift) & colKeyCollMask)
}

// HasAttr reports whether attr is set on this column.
func (c ColKey) HasAttr(attr Attr) bool {
	return Attr((uint64(c)>>colKeyAttrShift)&colKeyAttrMask)&attr != 0
}

func (c ColKey) valid() bool { return uint64(c)&(1<<63) != 0 }

// Value is a dynamically-typed cell value at the public API boundary
// (spec.md §6 Object::get/set). Exactly the field matching Type is
// meaningful; a zero Value with Null true represents spec.md's null
// sentinel for whichever column it is read from or written to.
type Value struct {
	Type       ColumnType
	Null       bool
	Bool       bool
	Int        int64
	Float      float64
	Str        string
	Bin        []byte
	Timestamp  variant.Timestamp
	Decimal128 variant.Decimal128
	ObjectId   variant.ObjectId
	UUID       uuid.UUID
	Link       ObjKey
	MixedType  ColumnType // meaningful only when Type == TypeMixed: the wrapped value's real type
}

// NullValue builds a null cell value of the given type.
func NullValue(t ColumnType) Value { return Value{Type: t, Null: true} }

func IntValue(v int64) Value       { return Value{Type: TypeInt, Int: v} }
func BoolValue(v bool) Value       { return Value{Type: TypeBool, Bool: v} }
func FloatValue(v float64) Value   { return Value{Type: TypeFloat, Float: v} }
func StringValue(v string) Value   { return Value{Type: TypeString, Str: v} }
func BinaryValue(v []byte) Value   { return Value{Type: TypeBinary, Bin: v} }
func LinkValue(v ObjKey) Value     { return Value{Type: TypeLink, Link: v} }
func TimestampValue(v variant.Timestamp) Value {
	return Value{Type: TypeTimestamp, Timestamp: v}
}
func Decimal128Value(v variant.Decimal128) Value {
	return Value{Type: TypeDecimal128, Decimal128: v}
}
func ObjectIdValue(v variant.ObjectId) Value { return Value{Type: TypeObjectId, ObjectId: v} }
func UUIDValue(v uuid.UUID) Value            { return Value{Type: TypeUUID, UUID: v} }

// MixedValue wraps a scalar value for storage in a Mixed column: the
// inner value's type becomes the cell's discriminator (MixedType) and
// its payload fields are carried unchanged.
func MixedValue(inner Value) Value {
	inner.MixedType = inner.Type
	inner.Type = TypeMixed
	return inner
}
