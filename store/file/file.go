// Package file implements the geocache container as a single binary file.
//
// The file begins with a 16-byte header (magic "GEOCACHE", a uint16 version, reserved bytes)
// and ends with a 24-byte trailer (the root group ref, the number of data blocks, magic "GEOCEND\x00").
// In between are data records and group records; see Writer.
// A file without a valid trailer was never finalized and cannot be opened.
package file

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/store"
)

// Backend is a container file at a given path.
type Backend struct {
	path string
}

var _ geocache.Backend = &Backend{}

// New produces a Backend for the file at path.
func New(path string) *Backend {
	return &Backend{path: path}
}

// Path is the path of b's file.
func (b *Backend) Path() string { return b.path }

// Create implements geocache.Backend.
// It takes an exclusive lock on the file
// (failing with geocache.ErrAlreadyOpen if another writer holds it)
// before discarding any previous content.
// The lock is released when the Writer is closed.
func (b *Backend) Create(_ context.Context) (geocache.Writer, error) {
	f, err := os.OpenFile(b.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", b.path)
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		f.Close()
		return nil, errors.Wrapf(geocache.ErrAlreadyOpen, "%s", b.path)
	}
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "locking %s", b.path)
	}
	if err = f.Truncate(0); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "truncating %s", b.path)
	}
	w, err := NewWriter(f, f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "initializing %s", b.path)
	}
	return w, nil
}

// Open implements geocache.Backend.
func (b *Backend) Open(_ context.Context) (geocache.Reader, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", b.path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "statting %s", b.path)
	}
	r, err := NewReader(f, info.Size(), f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "reading %s", b.path)
	}
	return r, nil
}

func init() {
	store.Register("file", func(_ context.Context, conf map[string]interface{}) (geocache.Backend, error) {
		path, ok := conf["path"].(string)
		if !ok {
			return nil, errors.New(`missing "path" parameter`)
		}
		return New(path), nil
	})
}
