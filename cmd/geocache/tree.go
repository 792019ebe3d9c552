package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/geocache/archive"
	"github.com/bobg/geocache/header"
)

func (c maincmd) tree(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		props     = fs.Bool("props", false, "show property trees")
		instances = fs.Bool("instances", false, "descend into instances")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	path := "/"
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}

	r, err := c.open(ctx)
	if err != nil {
		return errors.Wrap(err, "opening archive")
	}
	defer r.Close()

	o, err := r.ObjectAt(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "finding %s", path)
	}
	if o == nil {
		return nil
	}
	t := treeWalker{props: *props, instances: *instances}
	return t.object(ctx, o, 0)
}

type treeWalker struct {
	props, instances bool
}

func (t treeWalker) object(ctx context.Context, o *archive.Object, depth int) error {
	indent := strings.Repeat("  ", depth)
	name := o.FullName()
	if depth > 0 {
		name = o.Name()
	}
	if o.IsInstanceRoot() {
		fmt.Printf("%s%s -> %s\n", indent, name, o.InstanceSourcePath())
		if !t.instances {
			return nil
		}
	} else {
		fmt.Printf("%s%s\n", indent, name)
	}

	if t.props {
		cp, err := o.Properties(ctx)
		if err != nil {
			return errors.Wrapf(err, "reading properties of %s", o.FullName())
		}
		if err = t.compound(ctx, cp, depth+1); err != nil {
			return errors.Wrapf(err, "in %s", o.FullName())
		}
	}

	for i := 0; i < o.NumChildren(); i++ {
		child, err := o.Child(ctx, i)
		if err != nil {
			return errors.Wrapf(err, "getting child %d of %s", i, o.FullName())
		}
		if err = t.object(ctx, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (t treeWalker) compound(ctx context.Context, cp *archive.CompoundReader, depth int) error {
	n, err := cp.NumProperties(ctx)
	if err != nil {
		return err
	}
	indent := strings.Repeat("  ", depth)
	for i := 0; i < n; i++ {
		hdr, err := cp.PropertyHeader(ctx, i)
		if err != nil {
			return err
		}
		fmt.Printf("%s.%s %s\n", indent, hdr.Name, describe(hdr))
		if hdr.Kind != header.Compound {
			continue
		}
		p, err := cp.Property(ctx, i)
		if err != nil {
			return err
		}
		if err = t.compound(ctx, p.(*archive.CompoundReader), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func describe(hdr header.Property) string {
	if hdr.Kind == header.Compound {
		return "{}"
	}
	s := fmt.Sprintf("%s %s", hdr.Kind, hdr.POD)
	if hdr.Extent > 1 {
		s += fmt.Sprintf("[%d]", hdr.Extent)
	}
	s += fmt.Sprintf(" samples=%d", hdr.NumSamples)
	if hdr.IsConstant() {
		s += " constant"
	} else {
		s += fmt.Sprintf(" changed=%d..%d", hdr.FirstChanged, hdr.LastChanged)
	}
	if hdr.TimeSamplingIndex != 0 {
		s += fmt.Sprintf(" ts=%d", hdr.TimeSamplingIndex)
	}
	return s
}
