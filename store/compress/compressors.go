package compress

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Tag identifies the compression applied to one data block.
// Tags are stored in the first byte of each block
// and must not change.
type Tag uint8

const (
	// None means the block is stored as is.
	None Tag = 0

	// LZ4 is LZ4 block compression.
	LZ4 Tag = 1

	// Zstd is zstd compression at the default level.
	Zstd Tag = 2

	// BG4LZ4 transposes the block in 4-byte groups
	// (all first bytes, then all second bytes, and so on)
	// before LZ4 compression.
	// It suits float32 and int32 sample arrays whose neighboring values are close.
	BG4LZ4 Tag = 3
)

func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case BG4LZ4:
		return "bg4_lz4"
	}
	return fmt.Sprintf("unknown(%d)", tag)
}

// ParseTag is the inverse of Tag.String.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	case "bg4_lz4":
		return BG4LZ4, nil
	}
	return 0, fmt.Errorf("unknown compressor %q", name)
}

// errIncompressible means compression did not make the input smaller.
var errIncompressible = errors.New("incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

func compress(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return data, nil
	case LZ4:
		return compressLZ4(data)
	case Zstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	case BG4LZ4:
		return compressLZ4(bg4Transpose(data))
	}
	return nil, fmt.Errorf("unsupported compression tag %d", tag)
}

// maxUncompressed is the largest size a block of n compressed bytes can expand to.
// LZ4 expands at most 255-fold.
// Zstd expands at most 1<<15-fold (a 4-byte RLE block yields at most 128KiB).
func maxUncompressed(tag Tag, n int) int {
	switch tag {
	case LZ4, BG4LZ4:
		return 255*n + 16
	case Zstd:
		return n << 15
	}
	return n
}

func uncompress(data []byte, tag Tag, size int) ([]byte, error) {
	switch tag {
	case None:
		if len(data) != size {
			return nil, fmt.Errorf("uncompressed block: size %d does not match expected %d", len(data), size)
		}
		return data, nil

	case LZ4:
		return uncompressLZ4(data, size)

	case Zstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, errors.Wrap(err, "zstd decompress")
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil

	case BG4LZ4:
		out, err := uncompressLZ4(data, size)
		if err != nil {
			return nil, err
		}
		return bg4Untranspose(out), nil
	}
	return nil, fmt.Errorf("unsupported compression tag %d", tag)
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func uncompressLZ4(data []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return dst, nil
}

// bg4Transpose groups the bytes of data by their position within each 4-byte word.
// Trailing bytes beyond the last whole word stay in place.
func bg4Transpose(data []byte) []byte {
	var (
		n   = len(data) / 4
		out = make([]byte, len(data))
	)
	for i := 0; i < n; i++ {
		out[i] = data[i*4]
		out[n+i] = data[i*4+1]
		out[2*n+i] = data[i*4+2]
		out[3*n+i] = data[i*4+3]
	}
	copy(out[4*n:], data[4*n:])
	return out
}

func bg4Untranspose(data []byte) []byte {
	var (
		n   = len(data) / 4
		out = make([]byte, len(data))
	)
	for i := 0; i < n; i++ {
		out[i*4] = data[i]
		out[i*4+1] = data[n+i]
		out[i*4+2] = data[2*n+i]
		out[i*4+3] = data[3*n+i]
	}
	copy(out[4*n:], data[4*n:])
	return out
}
