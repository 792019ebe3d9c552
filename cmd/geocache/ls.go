package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/geocache/archive"
)

func (c maincmd) ls(ctx context.Context, fs *flag.FlagSet, args []string) error {
	long := fs.Bool("l", false, "long listing")
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
	for i := 0; i < o.NumChildren(); i++ {
		child, err := o.Child(ctx, i)
		if err != nil {
			return errors.Wrapf(err, "getting child %d of %s", i, path)
		}
		printObject(child, *long)
	}
	return nil
}

func printObject(o *archive.Object, long bool) {
	name := o.Name()
	if o.NumChildren() > 0 {
		name += "/"
	}
	if o.IsInstanceRoot() {
		name += " -> " + o.InstanceSourcePath()
	}
	if !long {
		fmt.Println(name)
		return
	}
	fmt.Printf("%s %s %3d %s\n", o.PropertiesDigest(), o.ChildrenDigest(), o.NumChildren(), name)
}
