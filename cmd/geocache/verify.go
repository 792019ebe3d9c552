package main

import (
	"context"
	"flag"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/geocache/archive"
)

func (c maincmd) verify(ctx context.Context, fs *flag.FlagSet, args []string) error {
	jobs := fs.Int("j", 8, "number of subtrees to verify concurrently")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	r, err := c.open(ctx)
	if err != nil {
		return errors.Wrap(err, "opening archive")
	}
	defer r.Close()

	var v verifier
	top := r.Top()
	if err = v.properties(ctx, top); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*jobs)
	for i := 0; i < top.NumChildren(); i++ {
		g.Go(func() error {
			child, err := top.Child(gctx, i)
			if err != nil {
				return errors.Wrapf(err, "getting child %d of the top object", i)
			}
			return v.object(gctx, child)
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"objects":    v.objects.Load(),
		"instances":  v.instances.Load(),
		"properties": v.props.Load(),
		"samples":    v.samples.Load(),
	}).Info("archive verified")
	return nil
}

// verifier reads every sample of every property beneath each real object,
// and resolves every instance.
type verifier struct {
	objects, instances, props, samples atomic.Int64
}

func (v *verifier) object(ctx context.Context, o *archive.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.IsInstanceRoot() {
		// Resolving the instance already checked its source.
		v.instances.Add(1)
		return nil
	}
	v.objects.Add(1)
	if err := v.properties(ctx, o); err != nil {
		return err
	}
	for i := 0; i < o.NumChildren(); i++ {
		child, err := o.Child(ctx, i)
		if err != nil {
			return errors.Wrapf(err, "getting child %d of %s", i, o.FullName())
		}
		if err = v.object(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

func (v *verifier) properties(ctx context.Context, o *archive.Object) error {
	cp, err := o.Properties(ctx)
	if err != nil {
		return errors.Wrapf(err, "reading properties of %s", o.FullName())
	}
	return errors.Wrapf(v.compound(ctx, cp), "in %s", o.FullName())
}

func (v *verifier) compound(ctx context.Context, cp *archive.CompoundReader) error {
	n, err := cp.NumProperties(ctx)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		p, err := cp.Property(ctx, i)
		if err != nil {
			return err
		}
		v.props.Add(1)

		switch p := p.(type) {
		case *archive.CompoundReader:
			err = v.compound(ctx, p)

		case *archive.ScalarReader:
			if _, err = p.TimeSampling(); err != nil {
				break
			}
			for j := 0; j < p.NumSamples() && err == nil; j++ {
				if _, err = p.Get(ctx, j); err == nil && p.Header().POD.IsText() {
					_, err = p.GetStrings(ctx, j)
				}
				v.samples.Add(1)
			}

		case *archive.ArrayReader:
			if _, err = p.TimeSampling(); err != nil {
				break
			}
			for j := 0; j < p.NumSamples() && err == nil; j++ {
				if p.Header().POD.IsText() {
					_, _, err = p.GetStrings(ctx, j)
				} else {
					_, err = p.Get(ctx, j)
				}
				v.samples.Add(1)
			}
		}
		if err != nil {
			return errors.Wrapf(err, "property %s", p.Header().Name)
		}
	}
	return nil
}
