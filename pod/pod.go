// Package pod describes the plain-old-data element types of property samples
// and converts Go values to and from their stored byte form.
//
// Fixed-size values are stored little-endian.
// Strings are stored as their bytes followed by one NUL;
// wide strings as 32-bit little-endian code points followed by a zero code point.
package pod

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/bobg/geocache"
)

// Kind is a primitive element type.
// The numeric values are stored in property headers (4 bits)
// and must not change.
type Kind uint8

const (
	Bool Kind = iota
	Uint8
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Uint64
	Int64
	Float16
	Float32
	Float64
	String
	Wstring

	NumKinds = iota
)

var kindNames = [NumKinds]string{
	"bool", "uint8", "int8", "uint16", "int16", "uint32", "int32",
	"uint64", "int64", "float16", "float32", "float64", "string", "wstring",
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("unknown(%d)", k)
	}
	return kindNames[k]
}

// Valid tells whether k is a known Kind.
func (k Kind) Valid() bool {
	return k < NumKinds
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown pod kind %q", s)
}

// Size is the size in bytes of one element of kind k.
// It is 0 for the variable-length kinds String and Wstring.
func (k Kind) Size() int {
	switch k {
	case Bool, Uint8, Int8:
		return 1
	case Uint16, Int16, Float16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	}
	return 0
}

// IsText tells whether k is one of the variable-length string kinds.
func (k Kind) IsText() bool {
	return k == String || k == Wstring
}

// Number is the set of Go types with a fixed-size pod form.
type Number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// Encode serializes vals little-endian.
func Encode[T Number](vals ...T) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, vals) // writes to a bytes.Buffer cannot fail
	return buf.Bytes()
}

// Decode is the inverse of Encode.
// The length of b must be a multiple of the element size.
func Decode[T Number](b []byte) ([]T, error) {
	var zero T
	size := binary.Size(zero)
	if len(b)%size != 0 {
		return nil, errors.Wrapf(geocache.ErrFormat, "%d bytes is not a multiple of element size %d", len(b), size)
	}
	out := make([]T, len(b)/size)
	err := binary.Read(bytes.NewReader(b), binary.LittleEndian, out)
	return out, errors.Wrap(err, "decoding elements")
}

// EncodeBools serializes vals one byte each.
func EncodeBools(vals ...bool) []byte {
	out := make([]byte, len(vals))
	for i, v := range vals {
		if v {
			out[i] = 1
		}
	}
	return out
}

// DecodeBools is the inverse of EncodeBools.
func DecodeBools(b []byte) []bool {
	out := make([]bool, len(b))
	for i, v := range b {
		out[i] = v != 0
	}
	return out
}

// EncodeStrings serializes vals, each followed by a NUL.
// The strings themselves may not contain NUL.
func EncodeStrings(vals ...string) ([]byte, error) {
	var buf bytes.Buffer
	for _, v := range vals {
		if strings.IndexByte(v, 0) >= 0 {
			return nil, errors.Wrapf(geocache.ErrSchemaViolation, "string %q contains NUL", v)
		}
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// DecodeStrings is the inverse of EncodeStrings.
func DecodeStrings(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if b[len(b)-1] != 0 {
		return nil, errors.Wrap(geocache.ErrFormat, "string data lacks trailing NUL")
	}
	parts := bytes.Split(b[:len(b)-1], []byte{0})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out, nil
}

// EncodeStringArray serializes the elements of a string array sample
// as two spans:
// a table of uint32 byte lengths (one per element, excluding the NUL),
// and the NUL-terminated strings.
// The spans are meant to be stored concatenated, in that order.
func EncodeStringArray(vals ...string) (lengths, data []byte, err error) {
	data, err = EncodeStrings(vals...)
	if err != nil {
		return nil, nil, err
	}
	lens := make([]uint32, len(vals))
	for i, v := range vals {
		lens[i] = uint32(len(v))
	}
	return Encode(lens...), data, nil
}

// DecodeStringArray is the inverse of EncodeStringArray,
// given the concatenated spans and the element count.
func DecodeStringArray(b []byte, n int) ([]string, error) {
	// Each element takes at least a 4-byte length and a NUL.
	if n < 0 || n > len(b)/5 {
		return nil, errors.Wrapf(geocache.ErrFormat, "%d bytes cannot hold a string array of %d elements", len(b), n)
	}
	if len(b) < 4*n {
		return nil, errors.Wrapf(geocache.ErrFormat, "string array of %d elements needs a %d-byte length table, have %d bytes", n, 4*n, len(b))
	}
	lens, err := Decode[uint32](b[:4*n])
	if err != nil {
		return nil, err
	}
	rest := b[4*n:]
	out := make([]string, n)
	for i, l := range lens {
		if uint64(len(rest)) < uint64(l)+1 || rest[l] != 0 {
			return nil, errors.Wrapf(geocache.ErrFormat, "string array element %d does not match its length table entry", i)
		}
		out[i] = string(rest[:l])
		rest = rest[l+1:]
	}
	if len(rest) != 0 {
		return nil, errors.Wrapf(geocache.ErrFormat, "%d trailing bytes after string array", len(rest))
	}
	return out, nil
}

// EncodeWstrings serializes vals as 32-bit code points,
// each string followed by a zero code point.
func EncodeWstrings(vals ...string) ([]byte, error) {
	var points []uint32
	for _, v := range vals {
		if !utf8.ValidString(v) {
			return nil, errors.Wrapf(geocache.ErrSchemaViolation, "wide string %q is not valid UTF-8", v)
		}
		for _, r := range v {
			if r == 0 {
				return nil, errors.Wrapf(geocache.ErrSchemaViolation, "wide string %q contains NUL", v)
			}
			points = append(points, uint32(r))
		}
		points = append(points, 0)
	}
	return Encode(points...), nil
}

// DecodeWstrings is the inverse of EncodeWstrings.
func DecodeWstrings(b []byte) ([]string, error) {
	points, err := Decode[uint32](b)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	if points[len(points)-1] != 0 {
		return nil, errors.Wrap(geocache.ErrFormat, "wide string data lacks trailing NUL")
	}
	var (
		out []string
		cur strings.Builder
	)
	for _, p := range points {
		if p == 0 {
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(rune(p))
	}
	return out, nil
}
