// Package header encodes the compact headers that describe properties and objects.
//
// A property header is a 32-bit word of packed fields
// followed by a few variable-width values.
// Its layout, least significant bit first:
//
//	bits 0-1    kind: 0 compound, 1 scalar, 2 array
//	bits 2-3    size hint: width of the values that follow (0: 1 byte, 1: 2 bytes, 2: 4 bytes)
//	bits 4-7    pod kind (scalar and array only)
//	bit 8       time sampling index is nonzero and follows
//	bit 9       first and last changed indexes follow
//	bit 10      homogeneous (array only)
//	bit 11      constant
//	bits 12-19  extent
//	bits 20-27  metadata index (255: metadata follows inline)
//
// After the word come the name length and name,
// the inline metadata length and metadata (if any),
// and for scalar and array properties
// the sample count, the first and last changed indexes (if flagged),
// and the time sampling index (if flagged).
// All lengths, counts, and indexes use the size-hint width, little-endian.
//
// The headers of a compound property's children,
// concatenated, form that compound's directory.
package header

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/pod"
)

// Kind is the kind of a property.
type Kind uint8

const (
	Compound Kind = iota
	Scalar
	Array
)

func (k Kind) String() string {
	switch k {
	case Compound:
		return "compound"
	case Scalar:
		return "scalar"
	case Array:
		return "array"
	}
	return fmt.Sprintf("unknown(%d)", k)
}

const (
	kindMask       = 0x3
	sizeHintShift  = 2
	sizeHintMask   = 0x3 << sizeHintShift
	podShift       = 4
	podMask        = 0xf << podShift
	hasTSIndexBit  = 1 << 8
	firstLastBit   = 1 << 9
	homogeneousBit = 1 << 10
	constantBit    = 1 << 11
	extentShift    = 12
	extentMask     = 0xff << extentShift
	metaShift      = 20
	metaMask       = 0xff << metaShift
)

// Property describes one property: its identity, its data type,
// and (for scalar and array properties) the extent of its samples.
type Property struct {
	Kind     Kind
	Name     string
	MetaData string // serialized geocache.MetaData

	// The remaining fields do not apply to compound properties.

	POD               pod.Kind
	Extent            uint8
	TimeSamplingIndex uint32
	NumSamples        uint32

	// FirstChanged and LastChanged bound the range of sample indexes
	// at which the value differed from the previous sample.
	// Both are 0 for a constant property.
	FirstChanged, LastChanged uint32

	// IsHomogeneous means every sample of an array property has the same element count.
	IsHomogeneous bool
}

// IsConstant tells whether p has at least one sample
// and every sample equals the first.
func (p Property) IsConstant() bool {
	return p.Kind != Compound && p.NumSamples > 0 && p.LastChanged == 0
}

// needsFirstLast tells whether FirstChanged and LastChanged must be stored explicitly.
// They are implied for constant properties
// and for properties whose every sample after the first changed.
func (p Property) needsFirstLast() bool {
	if p.NumSamples == 0 || p.IsConstant() {
		return false
	}
	return p.FirstChanged != 1 || p.LastChanged != p.NumSamples-1
}

// Valid checks the internal consistency of p.
func (p Property) Valid() error {
	if p.Name == "" {
		return errors.Wrap(geocache.ErrSchemaViolation, "empty property name")
	}
	switch p.Kind {
	case Compound:
		return nil
	case Scalar, Array:
	default:
		return errors.Wrapf(geocache.ErrSchemaViolation, "unknown property kind %d", p.Kind)
	}
	if !p.POD.Valid() {
		return errors.Wrapf(geocache.ErrSchemaViolation, "unknown pod kind %d", p.POD)
	}
	if p.Extent == 0 {
		return errors.Wrap(geocache.ErrSchemaViolation, "zero extent")
	}
	if p.NumSamples > 0 && (p.FirstChanged > p.LastChanged || p.LastChanged >= p.NumSamples) {
		return errors.Wrapf(geocache.ErrSchemaViolation, "changed range [%d, %d] inconsistent with %d samples", p.FirstChanged, p.LastChanged, p.NumSamples)
	}
	return nil
}

func sizeHint(n uint64) (hint uint32, width int) {
	switch {
	case n <= 0xff:
		return 0, 1
	case n <= 0xffff:
		return 1, 2
	default:
		return 2, 4
	}
}

func putWidth(buf []byte, width int, v uint32) []byte {
	switch width {
	case 1:
		return append(buf, byte(v))
	case 2:
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	}
	return binary.LittleEndian.AppendUint32(buf, v)
}

// Append appends the encoding of p to buf,
// interning its metadata in table.
func (p Property) Append(buf []byte, table *MetaTable) ([]byte, error) {
	if err := p.Valid(); err != nil {
		return nil, err
	}
	if uint64(len(p.Name)) > 0xffffffff || uint64(len(p.MetaData)) > 0xffffffff {
		return nil, errors.Wrapf(geocache.ErrSchemaViolation, "property %s: name or metadata too long", p.Name)
	}

	mdIndex := table.Intern(p.MetaData)

	widest := uint64(len(p.Name))
	if mdIndex == InlineMetaData && uint64(len(p.MetaData)) > widest {
		widest = uint64(len(p.MetaData))
	}
	scalarOrArray := p.Kind != Compound
	if scalarOrArray {
		for _, v := range []uint32{p.NumSamples, p.FirstChanged, p.LastChanged, p.TimeSamplingIndex} {
			if uint64(v) > widest {
				widest = uint64(v)
			}
		}
	}
	hint, width := sizeHint(widest)

	word := uint32(p.Kind) | hint<<sizeHintShift | uint32(mdIndex)<<metaShift
	if scalarOrArray {
		word |= uint32(p.POD) << podShift
		word |= uint32(p.Extent) << extentShift
		if p.TimeSamplingIndex != 0 {
			word |= hasTSIndexBit
		}
		if p.needsFirstLast() {
			word |= firstLastBit
		}
		if p.IsHomogeneous {
			word |= homogeneousBit
		}
		if p.IsConstant() {
			word |= constantBit
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, word)
	buf = putWidth(buf, width, uint32(len(p.Name)))
	buf = append(buf, p.Name...)
	if mdIndex == InlineMetaData {
		buf = putWidth(buf, width, uint32(len(p.MetaData)))
		buf = append(buf, p.MetaData...)
	}
	if scalarOrArray {
		buf = putWidth(buf, width, p.NumSamples)
		if word&firstLastBit != 0 {
			buf = putWidth(buf, width, p.FirstChanged)
			buf = putWidth(buf, width, p.LastChanged)
		}
		if word&hasTSIndexBit != 0 {
			buf = putWidth(buf, width, p.TimeSamplingIndex)
		}
	}
	return buf, nil
}

type decoder struct {
	buf   []byte
	width int
}

func (d *decoder) uint() (uint32, error) {
	if len(d.buf) < d.width {
		return 0, errors.Wrap(geocache.ErrFormat, "truncated property header")
	}
	var v uint32
	switch d.width {
	case 1:
		v = uint32(d.buf[0])
	case 2:
		v = uint32(binary.LittleEndian.Uint16(d.buf))
	default:
		v = binary.LittleEndian.Uint32(d.buf)
	}
	d.buf = d.buf[d.width:]
	return v, nil
}

func (d *decoder) str() (string, error) {
	n, err := d.uint()
	if err != nil {
		return "", err
	}
	if uint64(len(d.buf)) < uint64(n) {
		return "", errors.Wrap(geocache.ErrFormat, "truncated property header string")
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s, nil
}

// Decode decodes the property header at the start of b,
// resolving interned metadata through table.
// It returns the header and the number of bytes consumed.
func Decode(b []byte, table *MetaTable) (Property, int, error) {
	var p Property
	if len(b) < 4 {
		return p, 0, errors.Wrap(geocache.ErrFormat, "truncated property header")
	}
	word := binary.LittleEndian.Uint32(b)

	p.Kind = Kind(word & kindMask)
	if p.Kind > Array {
		return p, 0, errors.Wrapf(geocache.ErrFormat, "unknown property kind %d", p.Kind)
	}
	hint := (word & sizeHintMask) >> sizeHintShift
	if hint == 3 {
		return p, 0, errors.Wrap(geocache.ErrFormat, "invalid size hint 3")
	}
	d := &decoder{buf: b[4:], width: 1 << hint}

	var err error
	if p.Name, err = d.str(); err != nil {
		return p, 0, err
	}
	mdIndex := uint8((word & metaMask) >> metaShift)
	if mdIndex == InlineMetaData {
		if p.MetaData, err = d.str(); err != nil {
			return p, 0, err
		}
	} else if p.MetaData, err = table.Lookup(mdIndex); err != nil {
		return p, 0, err
	}

	if p.Kind != Compound {
		p.POD = pod.Kind((word & podMask) >> podShift)
		if !p.POD.Valid() {
			return p, 0, errors.Wrapf(geocache.ErrFormat, "property %s: unknown pod kind %d", p.Name, p.POD)
		}
		p.Extent = uint8((word & extentMask) >> extentShift)
		p.IsHomogeneous = word&homogeneousBit != 0

		if p.NumSamples, err = d.uint(); err != nil {
			return p, 0, err
		}
		switch {
		case word&firstLastBit != 0:
			if p.FirstChanged, err = d.uint(); err != nil {
				return p, 0, err
			}
			if p.LastChanged, err = d.uint(); err != nil {
				return p, 0, err
			}
		case p.NumSamples == 0 || word&constantBit != 0:
			// Both stay 0.
		default:
			p.FirstChanged, p.LastChanged = 1, p.NumSamples-1
		}
		if word&hasTSIndexBit != 0 {
			if p.TimeSamplingIndex, err = d.uint(); err != nil {
				return p, 0, err
			}
		}
		if p.NumSamples > 0 && (p.FirstChanged > p.LastChanged || p.LastChanged >= p.NumSamples) {
			return p, 0, errors.Wrapf(geocache.ErrFormat, "property %s: changed range [%d, %d] inconsistent with %d samples", p.Name, p.FirstChanged, p.LastChanged, p.NumSamples)
		}
	}

	return p, len(b) - len(d.buf), nil
}

// AppendDirectory appends the headers of props, in order, to buf.
func AppendDirectory(buf []byte, props []Property, table *MetaTable) ([]byte, error) {
	var err error
	for _, p := range props {
		buf, err = p.Append(buf, table)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding header of %s", p.Name)
		}
	}
	return buf, nil
}

// DecodeDirectory is the inverse of AppendDirectory.
func DecodeDirectory(b []byte, table *MetaTable) ([]Property, error) {
	var out []Property
	for len(b) > 0 {
		p, n, err := Decode(b, table)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding header %d", len(out))
		}
		out = append(out, p)
		b = b[n:]
	}
	return out, nil
}
