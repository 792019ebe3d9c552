package geocache

import (
	"bytes"
	"encoding/hex"
	"errors"

	"github.com/zeebo/blake3"
)

// DigestSize is the length of a Digest in bytes.
const DigestSize = 16

// Digest is a 128-bit content digest of serialized sample bytes.
type Digest [DigestSize]byte

// Hasher computes Digests.
// The spans are hashed as if concatenated.
type Hasher interface {
	Digest(spans ...[]byte) Digest
}

// HasherFunc adapts a function to the Hasher interface.
type HasherFunc func(spans ...[]byte) Digest

// Digest implements Hasher.
func (f HasherFunc) Digest(spans ...[]byte) Digest { return f(spans...) }

// Blake3 is the default Hasher:
// the first 128 bits of the BLAKE3 hash of the input.
var Blake3 Hasher = HasherFunc(func(spans ...[]byte) Digest {
	h := blake3.New()
	for _, s := range spans {
		h.Write(s)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
})

// ZeroDigest is the zero value of a Digest.
var ZeroDigest Digest

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Less tells whether d sorts before other.
func (d Digest) Less(other Digest) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// IsZero tells whether d is the zero Digest.
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

// DigestFromBytes copies b into a Digest.
func DigestFromBytes(b []byte) Digest {
	var out Digest
	copy(out[:], b)
	return out
}

// DigestFromHex parses the hex encoding of a Digest.
func DigestFromHex(s string) (Digest, error) {
	var out Digest
	if len(s) != 2*DigestSize {
		return out, errors.New("wrong length")
	}
	_, err := hex.Decode(out[:], []byte(s))
	return out, err
}
