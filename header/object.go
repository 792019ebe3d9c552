package header

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobg/geocache"
)

const flagInstance = 1 << 0

// Object describes one child of an object.
type Object struct {
	Name     string
	MetaData string // serialized geocache.MetaData

	// InstanceSource is the full path of the object this one aliases.
	// It is empty for ordinary objects.
	InstanceSource string
}

// IsInstance tells whether o is an instance of another object.
func (o Object) IsInstance() bool { return o.InstanceSource != "" }

// ObjectList is the last data block of an object group.
// It describes the object's children
// and carries digests of the object's property tree and of its children.
type ObjectList struct {
	Children         []Object
	PropertiesDigest geocache.Digest
	ChildrenDigest   geocache.Digest
}

// MarshalObjectList encodes l,
// interning metadata in table.
// Each child is its name, a flags varint,
// the instance source path (instances only),
// and a metadata index varint,
// followed by the metadata itself when the index is InlineMetaData.
// The two digests follow the last child.
func MarshalObjectList(l ObjectList, table *MetaTable) ([]byte, error) {
	var buf []byte
	for _, o := range l.Children {
		if o.Name == "" {
			return nil, errors.Wrap(geocache.ErrSchemaViolation, "empty object name")
		}
		buf = protowire.AppendString(buf, o.Name)
		var flags uint64
		if o.IsInstance() {
			flags |= flagInstance
		}
		buf = protowire.AppendVarint(buf, flags)
		if o.IsInstance() {
			buf = protowire.AppendString(buf, o.InstanceSource)
		}
		mdIndex := table.Intern(o.MetaData)
		buf = protowire.AppendVarint(buf, uint64(mdIndex))
		if mdIndex == InlineMetaData {
			buf = protowire.AppendString(buf, o.MetaData)
		}
	}
	buf = append(buf, l.PropertiesDigest[:]...)
	buf = append(buf, l.ChildrenDigest[:]...)
	return buf, nil
}

// UnmarshalObjectList is the inverse of MarshalObjectList.
func UnmarshalObjectList(b []byte, table *MetaTable) (ObjectList, error) {
	var l ObjectList
	if len(b) < 2*geocache.DigestSize {
		return l, errors.Wrap(geocache.ErrFormat, "object list too short for its digests")
	}
	tail := b[len(b)-2*geocache.DigestSize:]
	l.PropertiesDigest = geocache.DigestFromBytes(tail[:geocache.DigestSize])
	l.ChildrenDigest = geocache.DigestFromBytes(tail[geocache.DigestSize:])
	b = b[:len(b)-2*geocache.DigestSize]

	consumeString := func(what string) (string, error) {
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", errors.Wrapf(geocache.ErrFormat, "object %d %s: %s", len(l.Children), what, protowire.ParseError(n))
		}
		b = b[n:]
		return s, nil
	}
	consumeVarint := func(what string) (uint64, error) {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, errors.Wrapf(geocache.ErrFormat, "object %d %s: %s", len(l.Children), what, protowire.ParseError(n))
		}
		b = b[n:]
		return v, nil
	}

	for len(b) > 0 {
		var (
			o   Object
			err error
		)
		if o.Name, err = consumeString("name"); err != nil {
			return l, err
		}
		flags, err := consumeVarint("flags")
		if err != nil {
			return l, err
		}
		if flags&flagInstance != 0 {
			if o.InstanceSource, err = consumeString("instance source"); err != nil {
				return l, err
			}
			if o.InstanceSource == "" {
				return l, errors.Wrapf(geocache.ErrFormat, "instance %s has empty source", o.Name)
			}
		}
		mdIndex, err := consumeVarint("metadata index")
		if err != nil {
			return l, err
		}
		switch {
		case mdIndex == InlineMetaData:
			if o.MetaData, err = consumeString("metadata"); err != nil {
				return l, err
			}
		case mdIndex > InlineMetaData:
			return l, errors.Wrapf(geocache.ErrFormat, "object %s: metadata index %d", o.Name, mdIndex)
		default:
			if o.MetaData, err = table.Lookup(uint8(mdIndex)); err != nil {
				return l, err
			}
		}
		l.Children = append(l.Children, o)
	}
	return l, nil
}
