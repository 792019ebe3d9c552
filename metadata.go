package geocache

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// MetaData is a string dictionary attached to archives, objects, and properties.
type MetaData map[string]string

// Serialize encodes md as "k1=v1;k2=v2" with keys in sorted order.
// An empty MetaData serializes to the empty string.
func (md MetaData) Serialize() (string, error) {
	if len(md) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		if k == "" || strings.ContainsAny(k, "=;") {
			return "", errors.Wrapf(ErrSchemaViolation, "invalid metadata key %q", k)
		}
		if strings.ContainsAny(md[k], "=;") {
			return "", errors.Wrapf(ErrSchemaViolation, "invalid metadata value %q for key %q", md[k], k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(md[k])
	}
	return b.String(), nil
}

// ParseMetaData decodes the output of MetaData.Serialize.
func ParseMetaData(s string) (MetaData, error) {
	md := make(MetaData)
	if s == "" {
		return md, nil
	}
	for _, pair := range strings.Split(s, ";") {
		i := strings.IndexByte(pair, '=')
		if i <= 0 {
			return nil, errors.Wrapf(ErrFormat, "malformed metadata entry %q", pair)
		}
		md[pair[:i]] = pair[i+1:]
	}
	return md, nil
}

// Copy returns a copy of md that is never nil.
func (md MetaData) Copy() MetaData {
	out := make(MetaData, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
