package main

import (
	"context"
	"flag"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/archive"
	"github.com/bobg/geocache/header"
	"github.com/bobg/geocache/store"
)

func (c maincmd) copy(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		to     = fs.String("to", "", "YAML config file describing the destination container")
		toFile = fs.String("to-file", "", "destination archive file (instead of -to)")
		raw    = fs.Bool("raw", false, "copy the container verbatim instead of rewriting the archive")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	var conf map[string]interface{}
	switch {
	case *to != "" && *toFile != "":
		return errors.New("supply only one of -to and -to-file")
	case *to != "":
		var err error
		if conf, err = loadConfig(*to); err != nil {
			return err
		}
	case *toFile != "":
		conf = map[string]interface{}{"type": "file", "path": *toFile}
	default:
		return errors.New("must supply -to or -to-file")
	}
	dst, err := store.FromConfig(ctx, conf)
	if err != nil {
		return errors.Wrap(err, "creating destination backend")
	}

	if *raw {
		stats, err := store.Copy(ctx, dst, c.b)
		if err != nil {
			return errors.Wrap(err, "copying container")
		}
		logStats(c.logger, stats, "copied container")
		return nil
	}

	r, err := c.open(ctx)
	if err != nil {
		return errors.Wrap(err, "opening archive")
	}
	defer r.Close()

	w, err := archive.Create(ctx, dst, archive.WithMetaData(r.MetaData()), archive.WithInfo(r.Info()), archive.WithLogger(c.logger))
	if err != nil {
		return errors.Wrap(err, "creating destination archive")
	}

	cp := &copier{r: r, w: w, written: make(map[string]*archive.ObjectWriter)}
	err = cp.run(ctx)
	if closeErr := w.Close(ctx); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	logStats(c.logger, w.Stats(), "copied archive")
	return nil
}

func logStats(logger logrus.FieldLogger, stats geocache.Stats, msg string) {
	logger.WithFields(logrus.Fields{
		"groups": stats.Groups,
		"blocks": stats.Blocks,
		"links":  stats.Links,
		"empty":  stats.Empty,
		"bytes":  stats.Bytes,
	}).Info(msg)
}

type pendingInstance struct {
	parent       *archive.ObjectWriter
	name, source string
}

// copier rewrites an archive into a new container.
// Instances are added after every real object exists,
// so each lands at the end of its parent's children.
type copier struct {
	r       *archive.Reader
	w       *archive.Writer
	tsMap   []uint32
	written map[string]*archive.ObjectWriter
	pending []pendingInstance
}

func (cp *copier) run(ctx context.Context) error {
	cp.tsMap = make([]uint32, cp.r.NumTimeSamplings())
	for i := 1; i < len(cp.tsMap); i++ {
		ts, err := cp.r.TimeSampling(uint32(i))
		if err != nil {
			return errors.Wrapf(err, "reading time sampling %d", i)
		}
		if cp.tsMap[i], err = cp.w.AddTimeSampling(ts); err != nil {
			return errors.Wrapf(err, "adding time sampling %d", i)
		}
	}

	top := cp.r.Top()
	cp.written[top.FullName()] = cp.w.Top()
	if err := cp.object(ctx, top, cp.w.Top()); err != nil {
		return err
	}

	for _, p := range cp.pending {
		target, ok := cp.written[p.source]
		if !ok {
			return errors.Errorf("instance %s/%s: source %s was not copied", p.parent.FullName(), p.name, p.source)
		}
		if err := p.parent.AddChildInstance(target, p.name); err != nil {
			return errors.Wrapf(err, "adding instance %s of %s", p.name, p.source)
		}
	}
	return nil
}

func (cp *copier) object(ctx context.Context, src *archive.Object, dst *archive.ObjectWriter) error {
	props, err := src.Properties(ctx)
	if err != nil {
		return errors.Wrapf(err, "reading properties of %s", src.FullName())
	}
	if err = cp.compound(ctx, props, dst.Properties()); err != nil {
		return errors.Wrapf(err, "copying properties of %s", src.FullName())
	}

	for i := 0; i < src.NumChildren(); i++ {
		child, err := src.Child(ctx, i)
		if err != nil {
			return errors.Wrapf(err, "getting child %d of %s", i, src.FullName())
		}
		if child.IsInstanceRoot() {
			cp.pending = append(cp.pending, pendingInstance{parent: dst, name: child.Name(), source: child.InstanceSourcePath()})
			continue
		}
		dchild, err := dst.CreateChild(ctx, child.Name(), child.MetaData())
		if err != nil {
			return errors.Wrapf(err, "creating %s", child.FullName())
		}
		cp.written[child.FullName()] = dchild
		if err = cp.object(ctx, child, dchild); err != nil {
			return err
		}
	}
	return nil
}

func (cp *copier) compound(ctx context.Context, src *archive.CompoundReader, dst *archive.CompoundWriter) error {
	n, err := src.NumProperties(ctx)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		p, err := src.Property(ctx, i)
		if err != nil {
			return err
		}
		hdr := p.Header()
		md, err := geocache.ParseMetaData(hdr.MetaData)
		if err != nil {
			return errors.Wrapf(err, "metadata of %s", hdr.Name)
		}

		switch p := p.(type) {
		case *archive.CompoundReader:
			sub, err := dst.CreateCompound(ctx, hdr.Name, md)
			if err != nil {
				return err
			}
			if err = cp.compound(ctx, p, sub); err != nil {
				return errors.Wrapf(err, "in %s", hdr.Name)
			}

		case *archive.ScalarReader:
			sw, err := dst.CreateScalar(ctx, hdr.Name, hdr.POD, hdr.Extent, md)
			if err != nil {
				return err
			}
			if err = cp.timeSampling(hdr, sw.SetTimeSampling); err != nil {
				return err
			}
			for j := 0; j < p.NumSamples(); j++ {
				data, err := p.Get(ctx, j)
				if err != nil {
					return err
				}
				if err = sw.Set(ctx, data); err != nil {
					return err
				}
			}

		case *archive.ArrayReader:
			aw, err := dst.CreateArray(ctx, hdr.Name, hdr.POD, hdr.Extent, md)
			if err != nil {
				return err
			}
			if err = cp.timeSampling(hdr, aw.SetTimeSampling); err != nil {
				return err
			}
			for j := 0; j < p.NumSamples(); j++ {
				s, err := p.Get(ctx, j)
				if err != nil {
					return err
				}
				if err = aw.Set(ctx, s); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (cp *copier) timeSampling(hdr header.Property, set func(uint32) error) error {
	if hdr.TimeSamplingIndex == 0 {
		return nil
	}
	if int(hdr.TimeSamplingIndex) >= len(cp.tsMap) {
		return errors.Wrapf(geocache.ErrFormat, "property %s uses time sampling %d (have %d)", hdr.Name, hdr.TimeSamplingIndex, len(cp.tsMap))
	}
	return set(cp.tsMap[hdr.TimeSamplingIndex])
}
