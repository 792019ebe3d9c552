// Package lru implements a container backend that keeps a least-recently-used cache
// of data blocks read from a nested backend.
package lru

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/store"
)

// Backend caches the data blocks of a nested backend.
// Each Reader it opens has its own cache of up to size blocks.
// Writes pass through to the nested backend.
type Backend struct {
	nested geocache.Backend
	size   int
}

var _ geocache.Backend = &Backend{}

// New produces a new Backend backed by nested
// whose Readers cache up to size data blocks.
func New(nested geocache.Backend, size int) (*Backend, error) {
	if size <= 0 {
		return nil, errors.New("must provide a positive size")
	}
	return &Backend{nested: nested, size: size}, nil
}

// Create implements geocache.Backend.
func (b *Backend) Create(ctx context.Context) (geocache.Writer, error) {
	return b.nested.Create(ctx)
}

// Open implements geocache.Backend.
func (b *Backend) Open(ctx context.Context) (geocache.Reader, error) {
	r, err := b.nested.Open(ctx)
	if err != nil {
		return nil, err
	}
	c, err := lru.New(b.size)
	if err != nil {
		r.Close()
		return nil, errors.Wrap(err, "creating cache")
	}
	return &Reader{Reader: r, c: c}, nil
}

// Reader is a geocache.Reader with a cache of data blocks.
type Reader struct {
	geocache.Reader
	c *lru.Cache // Handle->[]byte
}

// ReadData implements geocache.Reader.
// The returned slice is shared with the cache and must not be modified.
func (r *Reader) ReadData(ctx context.Context, h geocache.Handle) ([]byte, error) {
	if got, ok := r.c.Get(h); ok {
		return got.([]byte), nil
	}
	data, err := r.Reader.ReadData(ctx, h)
	if err != nil {
		return nil, err
	}
	r.c.Add(h, data)
	return data, nil
}

// DataSize implements geocache.Reader.
func (r *Reader) DataSize(ctx context.Context, h geocache.Handle) (uint64, error) {
	if got, ok := r.c.Get(h); ok {
		return uint64(len(got.([]byte))), nil
	}
	return r.Reader.DataSize(ctx, h)
}

// Len is the number of blocks currently cached.
func (r *Reader) Len() int {
	return r.c.Len()
}

// Close implements geocache.Reader.
func (r *Reader) Close() error {
	r.c.Purge()
	return r.Reader.Close()
}

func init() {
	store.Register("lru", func(ctx context.Context, conf map[string]interface{}) (geocache.Backend, error) {
		size, ok := store.Int(conf, "size")
		if !ok {
			return nil, errors.New(`missing "size" parameter`)
		}
		nested, err := store.Nested(ctx, conf)
		if err != nil {
			return nil, err
		}
		return New(nested, size)
	})
}
