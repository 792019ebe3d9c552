// Package archive implements geocache's object and property model
// on top of any container Backend.
//
// The root group of a container holds, in order:
//
//	0  archive format version (uint32)
//	1  library version (uint32)
//	2  the top object group
//	3  archive metadata
//	4  the time sampling registry
//	5  the interned metadata table
//	6  the Info block (CBOR)
//
// An object group holds its properties' compound group,
// then the groups of its non-instance children in creation order,
// then a data block listing all its children (see header.ObjectList).
// A compound group holds its child property groups in creation order,
// then a directory block of their headers.
// A scalar property group holds one data block per stored sample;
// an array property group holds two, the element data and the dimensions.
package archive

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/dedup"
	"github.com/bobg/geocache/header"
	"github.com/bobg/geocache/pod"
	"github.com/bobg/geocache/timesampling"
)

const (
	// FormatVersion is the archive layout version this package writes.
	// Readers reject archives with a later version.
	FormatVersion = 1

	// LibraryVersion identifies this implementation in the archives it writes.
	LibraryVersion = 10000
)

// Positions of the blocks in the root group.
const (
	rootFormatVersion = iota
	rootLibraryVersion
	rootTop
	rootMetaData
	rootTimeSamplings
	rootMetaTable
	rootInfo

	numRootChildren
)

// Writer writes an archive.
// It must be used from a single goroutine.
type Writer struct {
	c      geocache.Writer
	conf   config
	cache  *dedup.Cache
	table  *header.MetaTable
	reg    *timesampling.Registry
	top    *ObjectWriter
	closed bool
}

// Create opens a new archive for writing in b,
// replacing whatever b held before.
// If another Writer has b open, the error is geocache.ErrAlreadyOpen.
func Create(ctx context.Context, b geocache.Backend, opts ...Option) (*Writer, error) {
	conf := newConfig(opts)

	md, err := conf.md.Serialize()
	if err != nil {
		return nil, errors.Wrap(err, "archive metadata")
	}

	c, err := b.Create(ctx)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		c:     c,
		conf:  conf,
		cache: dedup.New(),
		table: header.NewMetaTable(),
		reg:   timesampling.NewRegistry(),
	}

	if err = w.init(ctx, md); err != nil {
		c.Close()
		return nil, err
	}

	conf.logger.WithField("format_version", FormatVersion).Debug("created archive")
	return w, nil
}

func (w *Writer) init(ctx context.Context, md string) error {
	root := w.c.Root()
	if _, err := w.c.AddData(ctx, root, pod.Encode(uint32(FormatVersion))); err != nil {
		return errors.Wrap(err, "writing format version")
	}
	if _, err := w.c.AddData(ctx, root, pod.Encode(uint32(LibraryVersion))); err != nil {
		return errors.Wrap(err, "writing library version")
	}
	top, err := newObjectWriter(ctx, w, nil, "", md, root)
	if err != nil {
		return errors.Wrap(err, "creating top object")
	}
	w.top = top
	return nil
}

// Top returns the top object of the archive.
// Its full name is "/".
func (w *Writer) Top() *ObjectWriter {
	return w.top
}

// AddTimeSampling adds ts to the archive's time sampling registry
// and returns its index.
// Adding a TimeSampling equal to one already present returns the existing index.
// Index 0 is always timesampling.Identity().
func (w *Writer) AddTimeSampling(ts timesampling.TimeSampling) (uint32, error) {
	if err := w.check(); err != nil {
		return 0, err
	}
	return w.reg.Add(ts)
}

// AppendSampleTime adds time t to the end of the acyclic time sampling at index i.
// Properties using an acyclic sampling may write only as many samples as it lists times.
func (w *Writer) AppendSampleTime(i uint32, t float64) error {
	if err := w.check(); err != nil {
		return err
	}
	return w.reg.AppendTime(i, t)
}

// TimeSampling returns the registry entry at index i.
func (w *Writer) TimeSampling(i uint32) (timesampling.TimeSampling, error) {
	e, err := w.reg.Get(i)
	return e.TimeSampling, err
}

// NumTimeSamplings is the number of entries in the time sampling registry.
func (w *Writer) NumTimeSamplings() int {
	return w.reg.Len()
}

// Stats reports what the underlying container has stored so far.
func (w *Writer) Stats() geocache.Stats {
	return w.c.Stats()
}

func (w *Writer) check() error {
	if w.closed {
		return errors.Wrap(geocache.ErrInvalidHandle, "archive is closed")
	}
	return nil
}

// keyOf is the dedup key of the concatenation of spans.
// Empty content is never hashed; its key is the zero Key.
func (w *Writer) keyOf(spans ...[]byte) dedup.Key {
	var n int
	for _, s := range spans {
		n += len(s)
	}
	if n == 0 {
		return dedup.Key{}
	}
	return dedup.KeyOf(w.conf.hasher, spans...)
}

// storeBlock adds one data block holding the concatenation of spans to group,
// or links the existing block with the same content.
// It returns the handle of the block holding the content and its key.
func (w *Writer) storeBlock(ctx context.Context, group geocache.Handle, spans ...[]byte) (geocache.Handle, dedup.Key, error) {
	key := w.keyOf(spans...)
	if key.Length == 0 {
		h, err := w.c.AddEmptyData(ctx, group)
		return h, key, err
	}
	if h, ok := w.cache.Find(key); ok {
		return h, key, w.c.LinkExistingData(ctx, group, h)
	}
	h, err := w.c.AddData(ctx, group, spans...)
	if err != nil {
		return h, key, err
	}
	w.cache.Store(key, h)
	return h, key, nil
}

// linkBlock adds another reference to block h to group.
// An empty block gets a new empty block instead.
func (w *Writer) linkBlock(ctx context.Context, group, h geocache.Handle, key dedup.Key) error {
	if key.Length == 0 {
		_, err := w.c.AddEmptyData(ctx, group)
		return err
	}
	return w.c.LinkExistingData(ctx, group, h)
}

// Close finalizes the archive:
// it writes every object's property directories and child list,
// then the time sampling registry, the metadata table, and the Info block.
// The archive cannot be read until Close succeeds.
func (w *Writer) Close(ctx context.Context) (err error) {
	if w.closed {
		return nil
	}
	w.closed = true

	defer func() {
		closeErr := w.c.Close()
		if err == nil {
			err = closeErr
		}
	}()

	if _, _, err = w.top.finalize(ctx); err != nil {
		return errors.Wrap(err, "finalizing objects")
	}

	root := w.c.Root()

	if _, err = w.addBlock(ctx, root, []byte(w.top.md)); err != nil {
		return errors.Wrap(err, "writing archive metadata")
	}

	regBytes, err := w.reg.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "encoding time samplings")
	}
	if _, err = w.addBlock(ctx, root, regBytes); err != nil {
		return errors.Wrap(err, "writing time samplings")
	}

	tableBytes, err := w.table.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "encoding metadata table")
	}
	if _, err = w.addBlock(ctx, root, tableBytes); err != nil {
		return errors.Wrap(err, "writing metadata table")
	}

	info := w.conf.info
	if info.Written.IsZero() {
		info.Written = time.Now().UTC().Truncate(time.Second)
	}
	infoBytes, err := info.marshal()
	if err != nil {
		return err
	}
	if _, err = w.addBlock(ctx, root, infoBytes); err != nil {
		return errors.Wrap(err, "writing archive info")
	}

	stats := w.c.Stats()
	w.conf.logger.WithFields(logrus.Fields{
		"blocks":         stats.Blocks,
		"links":          stats.Links,
		"bytes":          stats.Bytes,
		"distinct":       w.cache.Len(),
		"time_samplings": w.reg.Len(),
	}).Debug("closed archive")

	return nil
}

// addBlock adds a data block that is not a sample, without deduplication.
func (w *Writer) addBlock(ctx context.Context, group geocache.Handle, data []byte) (geocache.Handle, error) {
	if len(data) == 0 {
		return w.c.AddEmptyData(ctx, group)
	}
	return w.c.AddData(ctx, group, data)
}
