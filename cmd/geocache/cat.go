package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/geocache/archive"
)

var selectors = map[string]archive.Selector{
	"floor": archive.Floor,
	"ceil":  archive.Ceil,
	"near":  archive.Near,
}

func (c maincmd) cat(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		obj    = fs.String("obj", "/", "full name of the object")
		prop   = fs.String("prop", "", "slash-separated path of the property beneath the object")
		index  = fs.Int("i", 0, "sample index")
		atstr  = fs.String("t", "", "sample time in seconds (instead of -i)")
		selstr = fs.String("sel", "floor", "how to choose the sample at -t: floor, ceil, or near")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if *prop == "" {
		return errors.New("must supply -prop")
	}
	sel, ok := selectors[*selstr]
	if !ok {
		return fmt.Errorf("unknown selector %s", *selstr)
	}

	r, err := c.open(ctx)
	if err != nil {
		return errors.Wrap(err, "opening archive")
	}
	defer r.Close()

	o, err := r.ObjectAt(ctx, *obj)
	if err != nil {
		return errors.Wrapf(err, "finding %s", *obj)
	}
	if o == nil {
		return nil
	}
	cp, err := o.Properties(ctx)
	if err != nil {
		return errors.Wrapf(err, "reading properties of %s", *obj)
	}

	var p archive.Property = cp
	for _, name := range strings.Split(strings.Trim(*prop, "/"), "/") {
		parent, ok := p.(*archive.CompoundReader)
		if !ok {
			return fmt.Errorf("%s is not a compound property", p.Header().Name)
		}
		if p, err = parent.PropertyByName(ctx, name); err != nil {
			return errors.Wrapf(err, "finding property %s", name)
		}
		if p == nil {
			return nil
		}
	}

	type indexer interface {
		IndexAt(float64, archive.Selector) (int, float64, error)
	}
	i := *index
	if *atstr != "" {
		t, err := strconv.ParseFloat(*atstr, 64)
		if err != nil {
			return errors.Wrap(err, "parsing -t")
		}
		ix, ok := p.(indexer)
		if !ok {
			return fmt.Errorf("%s has no samples", *prop)
		}
		var st float64
		if i, st, err = ix.IndexAt(t, sel); err != nil {
			return errors.Wrap(err, "locating sample")
		}
		fmt.Printf("# sample %d at %gs\n", i, st)
	}

	switch p := p.(type) {
	case *archive.CompoundReader:
		return fmt.Errorf("%s is a compound property", *prop)

	case *archive.ScalarReader:
		data, err := p.Get(ctx, i)
		if err != nil {
			return errors.Wrapf(err, "reading sample %d", i)
		}
		vals, err := formatValues(p.Header().POD, data)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(vals, " "))

	case *archive.ArrayReader:
		s, err := p.Get(ctx, i)
		if err != nil {
			return errors.Wrapf(err, "reading sample %d", i)
		}
		hdr := p.Header()
		var vals []string
		if hdr.POD.IsText() {
			vals, _, err = p.GetStrings(ctx, i)
		} else {
			vals, err = formatValues(hdr.POD, s.Data)
		}
		if err != nil {
			return err
		}
		fmt.Printf("# dims %v\n", s.Dims)
		extent := int(hdr.Extent)
		for j := 0; j+extent <= len(vals); j += extent {
			fmt.Println(strings.Join(vals[j:j+extent], " "))
		}
	}
	return nil
}
