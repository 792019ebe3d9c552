// Package logging implements a container backend that delegates everything to a nested backend,
// logging operations as they happen.
package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/store"
)

// Backend logs the operations of a nested backend.
type Backend struct {
	nested geocache.Backend
	log    logrus.FieldLogger
}

var _ geocache.Backend = &Backend{}

// New produces a Backend logging the operations of nested to log.
// Successful operations are logged at debug level, failures at error level.
func New(nested geocache.Backend, log logrus.FieldLogger) *Backend {
	return &Backend{nested: nested, log: log}
}

func logResult(entry logrus.FieldLogger, msg string, err error) {
	if err != nil {
		entry.WithError(err).Error(msg)
	} else {
		entry.Debug(msg)
	}
}

// Create implements geocache.Backend.
func (b *Backend) Create(ctx context.Context) (geocache.Writer, error) {
	w, err := b.nested.Create(ctx)
	logResult(b.log, "Create", err)
	if err != nil {
		return nil, err
	}
	return &writer{w: w, log: b.log}, nil
}

// Open implements geocache.Backend.
func (b *Backend) Open(ctx context.Context) (geocache.Reader, error) {
	r, err := b.nested.Open(ctx)
	logResult(b.log, "Open", err)
	if err != nil {
		return nil, err
	}
	return &reader{r: r, log: b.log}, nil
}

type writer struct {
	w   geocache.Writer
	log logrus.FieldLogger
}

func (w *writer) Root() geocache.Handle { return w.w.Root() }

func (w *writer) Stats() geocache.Stats { return w.w.Stats() }

func (w *writer) CreateGroup(ctx context.Context, parent geocache.Handle) (geocache.Handle, error) {
	h, err := w.w.CreateGroup(ctx, parent)
	logResult(w.log.WithFields(logrus.Fields{"parent": parent, "group": h}), "CreateGroup", err)
	return h, err
}

func (w *writer) AddData(ctx context.Context, group geocache.Handle, spans ...[]byte) (geocache.Handle, error) {
	var size int
	for _, s := range spans {
		size += len(s)
	}
	h, err := w.w.AddData(ctx, group, spans...)
	logResult(w.log.WithFields(logrus.Fields{"group": group, "data": h, "size": size}), "AddData", err)
	return h, err
}

func (w *writer) AddEmptyData(ctx context.Context, group geocache.Handle) (geocache.Handle, error) {
	h, err := w.w.AddEmptyData(ctx, group)
	logResult(w.log.WithFields(logrus.Fields{"group": group, "data": h}), "AddEmptyData", err)
	return h, err
}

func (w *writer) LinkExistingData(ctx context.Context, group, data geocache.Handle) error {
	err := w.w.LinkExistingData(ctx, group, data)
	logResult(w.log.WithFields(logrus.Fields{"group": group, "data": data}), "LinkExistingData", err)
	return err
}

func (w *writer) Freeze(ctx context.Context, group geocache.Handle) error {
	err := w.w.Freeze(ctx, group)
	logResult(w.log.WithField("group", group), "Freeze", err)
	return err
}

func (w *writer) Close() error {
	err := w.w.Close()
	stats := w.w.Stats()
	logResult(w.log.WithFields(logrus.Fields{
		"groups": stats.Groups,
		"blocks": stats.Blocks,
		"links":  stats.Links,
		"empty":  stats.Empty,
		"bytes":  stats.Bytes,
	}), "Close writer", err)
	return err
}

type reader struct {
	r   geocache.Reader
	log logrus.FieldLogger
}

func (r *reader) Root() geocache.Handle { return r.r.Root() }

func (r *reader) IsData(h geocache.Handle) bool { return r.r.IsData(h) }

func (r *reader) NumChildren(ctx context.Context, h geocache.Handle) (int, error) {
	n, err := r.r.NumChildren(ctx, h)
	logResult(r.log.WithFields(logrus.Fields{"group": h, "n": n}), "NumChildren", err)
	return n, err
}

func (r *reader) Child(ctx context.Context, h geocache.Handle, i int) (geocache.Handle, error) {
	c, err := r.r.Child(ctx, h, i)
	logResult(r.log.WithFields(logrus.Fields{"group": h, "i": i, "child": c}), "Child", err)
	return c, err
}

func (r *reader) DataSize(ctx context.Context, h geocache.Handle) (uint64, error) {
	size, err := r.r.DataSize(ctx, h)
	logResult(r.log.WithFields(logrus.Fields{"data": h, "size": size}), "DataSize", err)
	return size, err
}

func (r *reader) ReadData(ctx context.Context, h geocache.Handle) ([]byte, error) {
	data, err := r.r.ReadData(ctx, h)
	logResult(r.log.WithFields(logrus.Fields{"data": h, "size": len(data)}), "ReadData", err)
	return data, err
}

func (r *reader) Close() error {
	err := r.r.Close()
	logResult(r.log, "Close reader", err)
	return err
}

func init() {
	store.Register("logging", func(ctx context.Context, conf map[string]interface{}) (geocache.Backend, error) {
		nested, err := store.Nested(ctx, conf)
		if err != nil {
			return nil, err
		}
		log := logrus.StandardLogger()
		if lvl, ok := conf["level"].(string); ok {
			level, err := logrus.ParseLevel(lvl)
			if err != nil {
				return nil, err
			}
			log = logrus.New()
			log.SetLevel(level)
		}
		return New(nested, log), nil
	})
}
