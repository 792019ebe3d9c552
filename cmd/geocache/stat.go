package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

func (c maincmd) stat(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	r, err := c.open(ctx)
	if err != nil {
		return errors.Wrap(err, "opening archive")
	}
	defer r.Close()

	fmt.Printf("format version: %d\n", r.FormatVersion())
	fmt.Printf("library version: %d\n", r.LibraryVersion())

	info := r.Info()
	if info.Application != "" {
		fmt.Printf("application: %s\n", info.Application)
	}
	if !info.Written.IsZero() {
		fmt.Printf("written: %s\n", info.Written)
	}
	if info.Description != "" {
		fmt.Printf("description: %s\n", info.Description)
	}
	if info.FramesPerSecond != 0 {
		fmt.Printf("frames per second: %g\n", info.FramesPerSecond)
	}

	md := r.MetaData()
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("metadata %s: %s\n", k, md[k])
	}

	for i := 0; i < r.NumTimeSamplings(); i++ {
		ts, err := r.TimeSampling(uint32(i))
		if err != nil {
			return errors.Wrapf(err, "getting time sampling %d", i)
		}
		most, err := r.MaxNumSamples(uint32(i))
		if err != nil {
			return errors.Wrapf(err, "getting sample count of time sampling %d", i)
		}
		fmt.Printf("time sampling %d: %s period=%g times=%v max samples=%d\n", i, ts.Type(), ts.Period(), ts.Times(), most)
	}

	top := r.Top()
	fmt.Printf("top: %d children, properties %s, children %s\n", top.NumChildren(), top.PropertiesDigest(), top.ChildrenDigest())
	return nil
}
