package variant

// MixedKind discriminates the physical storage kind of one Mixed
// cell. Kind 0 is reserved for null, per spec.md §4.5 ("discriminator
// = 0").
//
// A Mixed cell is persisted as a two-slot ref bundle owned by its
// row: slot 0 a boxed discriminator carrying one of these tags, slot
// 1 the payload node encoded exactly as a scalar column of the tagged
// type would encode it (see the strata package's encodeMixed/
// decodeMixed). The numeric tag values are part of the file format
// and must stay stable within a format version.
type MixedKind uint8

const (
	MixedNull MixedKind = iota
	MixedBool
	MixedInt
	MixedFloat
	MixedString
	MixedBinary
	MixedTimestamp
	MixedDecimal128
	MixedObjectId
	MixedUUID
)
