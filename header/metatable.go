package header

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobg/geocache"
)

const (
	// InlineMetaData is the metadata index meaning
	// "the serialized metadata follows the header inline".
	InlineMetaData = 255

	// MaxInterned is the capacity of a MetaTable,
	// including the implicit empty entry at index 0.
	MaxInterned = 254

	// maxInternedLen is the longest serialized metadata a MetaTable will hold.
	maxInternedLen = 255
)

// MetaTable interns serialized metadata strings
// so that property and object headers can refer to them by a one-byte index.
// Index 0 is always the empty string.
type MetaTable struct {
	entries []string
	index   map[string]uint8
}

// NewMetaTable produces a MetaTable holding only the empty entry.
func NewMetaTable() *MetaTable {
	return &MetaTable{
		entries: []string{""},
		index:   map[string]uint8{"": 0},
	}
}

// Intern returns the index of md,
// adding it to the table if there is room.
// It returns InlineMetaData when md must be stored inline instead.
func (t *MetaTable) Intern(md string) uint8 {
	if i, ok := t.index[md]; ok {
		return i
	}
	if len(t.entries) >= MaxInterned || len(md) > maxInternedLen {
		return InlineMetaData
	}
	i := uint8(len(t.entries))
	t.entries = append(t.entries, md)
	t.index[md] = i
	return i
}

// Lookup returns entry i.
func (t *MetaTable) Lookup(i uint8) (string, error) {
	if int(i) >= len(t.entries) {
		return "", errors.Wrapf(geocache.ErrFormat, "metadata index %d beyond table of %d entries", i, len(t.entries))
	}
	return t.entries[i], nil
}

// Len is the number of entries in t, including the empty entry.
func (t *MetaTable) Len() int { return len(t.entries) }

// MarshalBinary serializes the non-empty entries of t
// as a sequence of length-prefixed strings.
func (t *MetaTable) MarshalBinary() ([]byte, error) {
	var buf []byte
	for _, e := range t.entries[1:] {
		buf = protowire.AppendString(buf, e)
	}
	return buf, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (t *MetaTable) UnmarshalBinary(b []byte) error {
	*t = *NewMetaTable()
	for len(b) > 0 {
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return errors.Wrapf(geocache.ErrFormat, "metadata table entry %d: %s", len(t.entries), protowire.ParseError(n))
		}
		if len(t.entries) >= MaxInterned {
			return errors.Wrapf(geocache.ErrFormat, "metadata table exceeds %d entries", MaxInterned)
		}
		t.index[s] = uint8(len(t.entries))
		t.entries = append(t.entries, s)
		b = b[n:]
	}
	return nil
}
