// Package gcs keeps geocache containers in Google Cloud Storage.
//
// Each container is a single object in a bucket,
// in the binary format of package file.
// A second object, the container's name plus ".lock",
// exists while a writer has the container open.
package gcs

import (
	"context"
	stderrs "errors"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/store"
	"github.com/bobg/geocache/store/file"
)

// Backend is a container object in a Cloud Storage bucket.
type Backend struct {
	bucket *storage.BucketHandle
	name   string
}

var _ geocache.Backend = &Backend{}

// New produces a Backend for the object called name in bucket.
func New(bucket *storage.BucketHandle, name string) *Backend {
	return &Backend{bucket: bucket, name: name}
}

func (b *Backend) lockName() string { return b.name + ".lock" }

// Create implements geocache.Backend.
// It fails with geocache.ErrAlreadyOpen if the lock object exists.
// The container object is replaced only when the Writer is closed.
func (b *Backend) Create(ctx context.Context) (geocache.Writer, error) {
	lock := b.bucket.Object(b.lockName())
	lw := lock.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	err := lw.Close()
	var gerr *googleapi.Error
	if stderrs.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		return nil, errors.Wrapf(geocache.ErrAlreadyOpen, "%s", b.name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "creating lock object %s", b.lockName())
	}

	ow := b.bucket.Object(b.name).NewWriter(ctx)
	ow.ContentType = "application/octet-stream"

	c := &closer{ow: ow, lock: lock}
	w, err := file.NewWriter(ow, c)
	if err != nil {
		c.abort()
		return nil, errors.Wrapf(err, "initializing %s", b.name)
	}
	return w, nil
}

// closer finishes the container object
// and then removes the lock object.
type closer struct {
	ow   *storage.Writer
	lock *storage.ObjectHandle
}

func (c *closer) Close() error {
	err := c.ow.Close()
	if rmErr := c.removeLock(); err == nil {
		err = rmErr
	}
	return errors.Wrap(err, "closing container object")
}

func (c *closer) abort() {
	c.ow.CloseWithError(errors.New("aborted"))
	c.removeLock()
}

func (c *closer) removeLock() error {
	// The writer's context may be canceled by now.
	return c.lock.Delete(context.Background())
}

// Open implements geocache.Backend.
// The Reader sees the generation of the object current at the time of the call,
// even if a new version of the container is written later.
func (b *Backend) Open(ctx context.Context) (geocache.Reader, error) {
	obj := b.bucket.Object(b.name)
	attrs, err := obj.Attrs(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil, errors.Wrapf(geocache.ErrNotFound, "object %s", b.name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting object attrs for %s", b.name)
	}
	ra := &readerAt{ctx: ctx, obj: obj.Generation(attrs.Generation)}
	r, err := file.NewReader(ra, attrs.Size, nil)
	return r, errors.Wrapf(err, "reading %s", b.name)
}

// readerAt reads byte ranges of an object.
// Its context is the one given to Open.
type readerAt struct {
	ctx context.Context
	obj *storage.ObjectHandle
}

func (ra *readerAt) ReadAt(p []byte, off int64) (int, error) {
	r, err := ra.obj.NewRangeReader(ra.ctx, off, int64(len(p)))
	if err != nil {
		return 0, errors.Wrapf(err, "reading %d bytes at offset %d", len(p), off)
	}
	defer r.Close()
	n, err := io.ReadFull(r, p)
	if stderrs.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

func init() {
	store.Register("gcs", func(ctx context.Context, conf map[string]interface{}) (geocache.Backend, error) {
		var options []option.ClientOption
		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		bucketName, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		name, ok := conf["object"].(string)
		if !ok {
			return nil, errors.New(`missing "object" parameter`)
		}
		options = append(options, option.WithCredentialsFile(creds))
		c, err := storage.NewClient(ctx, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		return New(c.Bucket(bucketName), name), nil
	})
}
