// Package replica writes a container to several backends at once.
package replica

import (
	"context"
	stderrs "errors"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/store"
)

var _ geocache.Backend = (*Backend)(nil)

// Backend delegates to a list of nested backends.
// A Writer writes the same container to every one of them,
// and an error from any of them fails the operation.
// A Reader reads from the first nested backend that opens successfully.
type Backend struct {
	nested []geocache.Backend
}

// New produces a new Backend.
// The list of nested backends must be non-empty.
func New(nested ...geocache.Backend) *Backend {
	return &Backend{nested: nested}
}

// Create implements geocache.Backend.
func (b *Backend) Create(ctx context.Context) (geocache.Writer, error) {
	if len(b.nested) == 0 {
		return nil, errors.New("no nested backends")
	}
	ws := make([]geocache.Writer, 0, len(b.nested))
	for i, n := range b.nested {
		w, err := n.Create(ctx)
		if err != nil {
			for _, w := range ws {
				w.Close()
			}
			return nil, errors.Wrapf(err, "creating replica %d", i)
		}
		ws = append(ws, w)
	}

	w := &Writer{ws: ws, handles: geocache.NewArena[[]geocache.Handle]()}
	roots := make([]geocache.Handle, len(ws))
	for i, nw := range ws {
		roots[i] = nw.Root()
	}
	w.root = w.handles.Add(roots)
	return w, nil
}

// Open implements geocache.Backend.
// Nested backends are tried in order.
func (b *Backend) Open(ctx context.Context) (geocache.Reader, error) {
	var errs []error
	for i, n := range b.nested {
		r, err := n.Open(ctx)
		if err == nil {
			return r, nil
		}
		errs = append(errs, errors.Wrapf(err, "opening replica %d", i))
	}
	if len(errs) == 0 {
		return nil, errors.New("no nested backends")
	}
	return nil, stderrs.Join(errs...)
}

// Writer implements geocache.Writer.
// Each of its handles stands for one handle in each nested Writer.
type Writer struct {
	ws      []geocache.Writer
	handles *geocache.Arena[[]geocache.Handle]
	root    geocache.Handle
}

// Root implements geocache.Writer.
func (w *Writer) Root() geocache.Handle { return w.root }

// Stats implements geocache.Writer.
// It reports the first replica's stats.
func (w *Writer) Stats() geocache.Stats { return w.ws[0].Stats() }

// each runs f concurrently on every nested Writer,
// passing each its own handles for the given replica handles.
func (w *Writer) each(ctx context.Context, f func(ctx context.Context, i int, nw geocache.Writer, hs []geocache.Handle) error, handles ...geocache.Handle) error {
	nested := make([][]geocache.Handle, len(handles))
	for j, h := range handles {
		hs, err := w.handles.Get(h)
		if err != nil {
			return err
		}
		nested[j] = hs
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, nw := range w.ws {
		hs := make([]geocache.Handle, len(nested))
		for j := range nested {
			hs[j] = nested[j][i]
		}
		g.Go(func() error {
			return errors.Wrapf(f(ctx, i, nw, hs), "replica %d", i)
		})
	}
	return g.Wait()
}

func (w *Writer) add(ctx context.Context, parent geocache.Handle, f func(context.Context, geocache.Writer, geocache.Handle) (geocache.Handle, error)) (geocache.Handle, error) {
	out := make([]geocache.Handle, len(w.ws))
	err := w.each(ctx, func(ctx context.Context, i int, nw geocache.Writer, hs []geocache.Handle) error {
		h, err := f(ctx, nw, hs[0])
		out[i] = h
		return err
	}, parent)
	if err != nil {
		return geocache.Handle{}, err
	}
	return w.handles.Add(out), nil
}

// CreateGroup implements geocache.Writer.
func (w *Writer) CreateGroup(ctx context.Context, parent geocache.Handle) (geocache.Handle, error) {
	return w.add(ctx, parent, func(ctx context.Context, nw geocache.Writer, p geocache.Handle) (geocache.Handle, error) {
		return nw.CreateGroup(ctx, p)
	})
}

// AddData implements geocache.Writer.
func (w *Writer) AddData(ctx context.Context, group geocache.Handle, spans ...[]byte) (geocache.Handle, error) {
	return w.add(ctx, group, func(ctx context.Context, nw geocache.Writer, p geocache.Handle) (geocache.Handle, error) {
		return nw.AddData(ctx, p, spans...)
	})
}

// AddEmptyData implements geocache.Writer.
func (w *Writer) AddEmptyData(ctx context.Context, group geocache.Handle) (geocache.Handle, error) {
	return w.add(ctx, group, func(ctx context.Context, nw geocache.Writer, p geocache.Handle) (geocache.Handle, error) {
		return nw.AddEmptyData(ctx, p)
	})
}

// LinkExistingData implements geocache.Writer.
func (w *Writer) LinkExistingData(ctx context.Context, group, data geocache.Handle) error {
	return w.each(ctx, func(ctx context.Context, _ int, nw geocache.Writer, hs []geocache.Handle) error {
		return nw.LinkExistingData(ctx, hs[0], hs[1])
	}, group, data)
}

// Freeze implements geocache.Writer.
func (w *Writer) Freeze(ctx context.Context, group geocache.Handle) error {
	return w.each(ctx, func(ctx context.Context, _ int, nw geocache.Writer, hs []geocache.Handle) error {
		return nw.Freeze(ctx, hs[0])
	}, group)
}

// Close implements geocache.Writer.
// Every nested Writer is closed even if some fail.
func (w *Writer) Close() error {
	defer w.handles.Close()
	var errs []error
	for i, nw := range w.ws {
		if err := nw.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "closing replica %d", i))
		}
	}
	return stderrs.Join(errs...)
}

func init() {
	store.Register("replica", func(ctx context.Context, conf map[string]interface{}) (geocache.Backend, error) {
		list, ok := conf["replicas"].([]interface{})
		if !ok || len(list) == 0 {
			return nil, errors.New(`missing "replicas" parameter`)
		}
		var nested []geocache.Backend
		for i, item := range list {
			c, ok := item.(map[string]interface{})
			if !ok {
				return nil, errors.Errorf("replica %d is not a map", i)
			}
			b, err := store.FromConfig(ctx, c)
			if err != nil {
				return nil, errors.Wrapf(err, "creating replica %d", i)
			}
			nested = append(nested, b)
		}
		return New(nested...), nil
	})
}
