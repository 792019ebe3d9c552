// Package mem implements an in-memory geocache container.
//
// The container bytes are exactly those the file backend would write,
// held in a byte slice instead of a file.
package mem

import (
	"bytes"
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/store"
	"github.com/bobg/geocache/store/file"
)

// Backend is a memory-based container.
type Backend struct {
	mu      sync.Mutex
	buf     []byte
	writing bool
}

var _ geocache.Backend = &Backend{}

// New produces a new, empty Backend.
func New() *Backend {
	return &Backend{}
}

// Bytes returns the container bytes written so far.
func (b *Backend) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf
}

// Len is the number of container bytes written so far.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Create implements geocache.Backend.
// Only one Writer may be open at a time.
func (b *Backend) Create(_ context.Context) (geocache.Writer, error) {
	b.mu.Lock()
	if b.writing {
		b.mu.Unlock()
		return nil, geocache.ErrAlreadyOpen
	}
	b.writing = true
	b.buf = nil // readers already open keep their own view
	b.mu.Unlock()

	w, err := file.NewWriter(appender{b}, releaser{b})
	if err != nil {
		b.release()
		return nil, err
	}
	return w, nil
}

// Open implements geocache.Backend.
func (b *Backend) Open(_ context.Context) (geocache.Reader, error) {
	buf := b.Bytes()
	r, err := file.NewReader(bytes.NewReader(buf), int64(len(buf)), nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening in-memory container")
	}
	return r, nil
}

func (b *Backend) release() {
	b.mu.Lock()
	b.writing = false
	b.mu.Unlock()
}

type appender struct {
	b *Backend
}

func (a appender) Write(p []byte) (int, error) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	a.b.buf = append(a.b.buf, p...)
	return len(p), nil
}

type releaser struct {
	b *Backend
}

func (r releaser) Close() error {
	r.b.release()
	return nil
}

func init() {
	store.Register("mem", func(context.Context, map[string]interface{}) (geocache.Backend, error) {
		return New(), nil
	})
}
