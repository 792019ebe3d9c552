package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/bobg/geocache"
)

// Copy writes the container in src to dst, group for group and block for block.
// A data block referenced more than once in src
// is written once to dst and linked thereafter.
// It returns the Stats of the new container.
func Copy(ctx context.Context, dst, src geocache.Backend) (geocache.Stats, error) {
	r, err := src.Open(ctx)
	if err != nil {
		return geocache.Stats{}, errors.Wrap(err, "opening source")
	}
	defer r.Close()

	w, err := dst.Create(ctx)
	if err != nil {
		return geocache.Stats{}, errors.Wrap(err, "creating destination")
	}

	c := copier{r: r, w: w, written: make(map[geocache.Handle]geocache.Handle)}
	err = c.group(ctx, r.Root(), w.Root())
	stats := w.Stats()
	if closeErr := w.Close(); err == nil {
		err = errors.Wrap(closeErr, "closing destination")
	}
	return stats, err
}

type copier struct {
	r       geocache.Reader
	w       geocache.Writer
	written map[geocache.Handle]geocache.Handle // source data handle -> destination data handle
}

func (c copier) group(ctx context.Context, from, to geocache.Handle) error {
	n, err := c.r.NumChildren(ctx, from)
	if err != nil {
		return errors.Wrapf(err, "counting children of %s", from)
	}
	for i := 0; i < n; i++ {
		child, err := c.r.Child(ctx, from, i)
		if err != nil {
			return errors.Wrapf(err, "getting child %d of %s", i, from)
		}
		if !c.r.IsData(child) {
			g, err := c.w.CreateGroup(ctx, to)
			if err != nil {
				return err
			}
			if err = c.group(ctx, child, g); err != nil {
				return err
			}
			if err = c.w.Freeze(ctx, g); err != nil {
				return err
			}
			continue
		}
		if h, ok := c.written[child]; ok {
			if err = c.w.LinkExistingData(ctx, to, h); err != nil {
				return err
			}
			continue
		}
		data, err := c.r.ReadData(ctx, child)
		if err != nil {
			return errors.Wrapf(err, "reading child %d of %s", i, from)
		}
		var h geocache.Handle
		if len(data) == 0 {
			_, err = c.w.AddEmptyData(ctx, to)
		} else {
			h, err = c.w.AddData(ctx, to, data)
			c.written[child] = h
		}
		if err != nil {
			return err
		}
	}
	return nil
}
