// Package compress implements a container backend that compresses and uncompresses data blocks
// on their way into and out of a nested backend.
//
// Each stored block begins with its compression Tag
// and its uncompressed length (a varint).
// Blocks that do not shrink are stored with Tag None.
// Empty blocks are passed through unchanged.
package compress

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/store"
)

// Backend compresses the data blocks of a nested backend.
type Backend struct {
	nested geocache.Backend
	tag    Tag
}

var _ geocache.Backend = &Backend{}

// New produces a Backend that compresses blocks written to nested using tag.
// Blocks written with any tag can be read back regardless of tag.
func New(nested geocache.Backend, tag Tag) *Backend {
	return &Backend{nested: nested, tag: tag}
}

// Create implements geocache.Backend.
func (b *Backend) Create(ctx context.Context) (geocache.Writer, error) {
	w, err := b.nested.Create(ctx)
	if err != nil {
		return nil, err
	}
	return &writer{Writer: w, tag: b.tag}, nil
}

// Open implements geocache.Backend.
func (b *Backend) Open(ctx context.Context) (geocache.Reader, error) {
	r, err := b.nested.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &reader{Reader: r}, nil
}

type writer struct {
	geocache.Writer
	tag Tag
}

func (w *writer) AddData(ctx context.Context, group geocache.Handle, spans ...[]byte) (geocache.Handle, error) {
	var data []byte
	for _, s := range spans {
		data = append(data, s...)
	}
	if len(data) == 0 {
		return w.Writer.AddEmptyData(ctx, group)
	}

	tag := w.tag
	payload, err := compress(data, tag)
	if errors.Is(err, errIncompressible) {
		tag, payload = None, data
	} else if err != nil {
		return geocache.Handle{}, errors.Wrapf(err, "compressing with %s", tag)
	}

	prefix := protowire.AppendVarint([]byte{byte(tag)}, uint64(len(data)))
	return w.Writer.AddData(ctx, group, prefix, payload)
}

type reader struct {
	geocache.Reader
}

func (r *reader) decode(ctx context.Context, h geocache.Handle) ([]byte, error) {
	block, err := r.Reader.ReadData(ctx, h)
	if err != nil || len(block) == 0 {
		return nil, err
	}
	tag := Tag(block[0])
	size, n := protowire.ConsumeVarint(block[1:])
	if n < 0 {
		return nil, errors.Wrapf(geocache.ErrFormat, "compressed block size: %s", protowire.ParseError(n))
	}
	payload := block[1+n:]
	if size > uint64(maxUncompressed(tag, len(payload))) {
		return nil, errors.Wrapf(geocache.ErrFormat, "%s block of %d bytes cannot hold %d bytes", tag, len(payload), size)
	}
	out, err := uncompress(payload, tag, int(size))
	if err != nil {
		return nil, errors.Wrapf(geocache.ErrFormat, "uncompressing %s block: %s", tag, err)
	}
	return out, nil
}

func (r *reader) DataSize(ctx context.Context, h geocache.Handle) (uint64, error) {
	block, err := r.Reader.ReadData(ctx, h)
	if err != nil || len(block) == 0 {
		return 0, err
	}
	size, n := protowire.ConsumeVarint(block[1:])
	if n < 0 {
		return 0, errors.Wrapf(geocache.ErrFormat, "compressed block size: %s", protowire.ParseError(n))
	}
	return size, nil
}

func (r *reader) ReadData(ctx context.Context, h geocache.Handle) ([]byte, error) {
	return r.decode(ctx, h)
}

func init() {
	store.Register("compress", func(ctx context.Context, conf map[string]interface{}) (geocache.Backend, error) {
		nested, err := store.Nested(ctx, conf)
		if err != nil {
			return nil, err
		}
		tag := LZ4
		if name, ok := conf["compressor"].(string); ok {
			if tag, err = ParseTag(name); err != nil {
				return nil, err
			}
		}
		return New(nested, tag), nil
	})
}
