// Package testutil holds tests that every container backend must pass.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"testing/quick"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/geocache"
)

// Node is a backend-independent picture of a container tree.
type Node struct {
	IsData   bool
	Data     string
	Children []Node
}

// ReadWrite permits testing a Backend implementation
// by writing random data blocks into a small tree of groups,
// then reading the tree back out to make sure it's the same.
// Some blocks are written twice via LinkExistingData,
// and some are empty.
func ReadWrite(ctx context.Context, t *testing.T, newBackend func(*testing.T) geocache.Backend) {
	f := func(blocks [][]byte) bool {
		b := newBackend(t)

		t1 := time.Now()
		want, stats, err := writeTree(ctx, b, blocks)
		if err != nil {
			t.Logf("writing: %s", err)
			return false
		}
		t.Logf("wrote %d blocks in %s", len(blocks), time.Since(t1))

		var wantBlocks, wantEmpty int
		for _, blk := range blocks {
			if len(blk) == 0 {
				wantEmpty++
			} else {
				wantBlocks++
			}
		}
		if stats.Blocks != wantBlocks || stats.Empty != wantEmpty || stats.Links != wantBlocks {
			t.Logf("got stats %+v, want %d blocks, %d empty, %d links", stats, wantBlocks, wantEmpty, wantBlocks)
			return false
		}

		r, err := b.Open(ctx)
		if err != nil {
			t.Logf("opening: %s", err)
			return false
		}
		defer r.Close()

		t2 := time.Now()
		got, err := ReadTree(ctx, r, r.Root())
		if err != nil {
			t.Logf("reading: %s", err)
			return false
		}
		t.Logf("read tree in %s", time.Since(t2))

		if diff := cmp.Diff(want, got); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 10}); err != nil {
		t.Error(err)
	}
}

// writeTree writes this layout:
//
//	root
//	  group A
//	    every third block, each in its own group
//	    the other blocks
//	    an empty group
//	  links to each nonempty block, in order
func writeTree(ctx context.Context, b geocache.Backend, blocks [][]byte) (Node, geocache.Stats, error) {
	w, err := b.Create(ctx)
	if err != nil {
		return Node{}, geocache.Stats{}, err
	}

	var (
		root  = Node{}
		a     = Node{}
		links []geocache.Handle
		lnode []Node
	)

	ga, err := w.CreateGroup(ctx, w.Root())
	if err != nil {
		return Node{}, geocache.Stats{}, err
	}
	for i, blk := range blocks {
		parent := ga
		if i%3 == 0 {
			if parent, err = w.CreateGroup(ctx, ga); err != nil {
				return Node{}, geocache.Stats{}, err
			}
		}
		h, err := w.AddData(ctx, parent, blk)
		if err != nil {
			return Node{}, geocache.Stats{}, err
		}
		leaf := Node{IsData: true, Data: string(blk)}
		if i%3 == 0 {
			if err = w.Freeze(ctx, parent); err != nil {
				return Node{}, geocache.Stats{}, err
			}
			a.Children = append(a.Children, Node{Children: []Node{leaf}})
		} else {
			a.Children = append(a.Children, leaf)
		}
		if len(blk) > 0 {
			links = append(links, h)
			lnode = append(lnode, leaf)
		}
	}
	if _, err = w.CreateGroup(ctx, ga); err != nil {
		return Node{}, geocache.Stats{}, err
	}
	a.Children = append(a.Children, Node{})
	root.Children = append(root.Children, a)

	for _, h := range links {
		if err = w.LinkExistingData(ctx, w.Root(), h); err != nil {
			return Node{}, geocache.Stats{}, err
		}
	}
	root.Children = append(root.Children, lnode...)

	stats := w.Stats()
	return root, stats, w.Close()
}

// ReadTree reads the tree beneath h.
func ReadTree(ctx context.Context, r geocache.Reader, h geocache.Handle) (Node, error) {
	if r.IsData(h) {
		data, err := r.ReadData(ctx, h)
		if err != nil {
			return Node{}, err
		}
		size, err := r.DataSize(ctx, h)
		if err != nil {
			return Node{}, err
		}
		if size != uint64(len(data)) {
			return Node{}, fmt.Errorf("data block size %d, but read %d bytes", size, len(data))
		}
		return Node{IsData: true, Data: string(data)}, nil
	}

	n, err := r.NumChildren(ctx, h)
	if err != nil {
		return Node{}, err
	}
	var out Node
	for i := 0; i < n; i++ {
		child, err := r.Child(ctx, h, i)
		if err != nil {
			return Node{}, err
		}
		sub, err := ReadTree(ctx, r, child)
		if err != nil {
			return Node{}, err
		}
		out.Children = append(out.Children, sub)
	}
	if _, err = r.Child(ctx, h, n); !errors.Is(err, geocache.ErrNotFound) {
		return Node{}, fmt.Errorf("reading child %d of %d: got %v, want ErrNotFound", n, n, err)
	}
	return out, nil
}

// Handles checks that a Backend's handles are rejected
// by other containers and after Close.
func Handles(ctx context.Context, t *testing.T, newBackend func(*testing.T) geocache.Backend) {
	b1, b2 := newBackend(t), newBackend(t)

	w1, err := b1.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	w2, err := b2.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	h1, err := w1.AddData(ctx, w1.Root(), []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	if err = w2.LinkExistingData(ctx, w2.Root(), h1); !errors.Is(err, geocache.ErrInvalidHandle) {
		t.Errorf("linking a foreign handle: got %v, want ErrInvalidHandle", err)
	}
	if _, err = w2.CreateGroup(ctx, w1.Root()); !errors.Is(err, geocache.ErrInvalidHandle) {
		t.Errorf("creating a group under a foreign handle: got %v, want ErrInvalidHandle", err)
	}
	if _, err = w1.CreateGroup(ctx, h1); !errors.Is(err, geocache.ErrInvalidHandle) {
		t.Errorf("creating a group under a data handle: got %v, want ErrInvalidHandle", err)
	}

	g, err := w1.CreateGroup(ctx, w1.Root())
	if err != nil {
		t.Fatal(err)
	}
	if err = w1.Freeze(ctx, g); err != nil {
		t.Fatal(err)
	}
	if _, err = w1.AddData(ctx, g, []byte("late")); !errors.Is(err, geocache.ErrSchemaViolation) {
		t.Errorf("adding to a frozen group: got %v, want ErrSchemaViolation", err)
	}

	if err = w1.Close(); err != nil {
		t.Fatal(err)
	}
	if err = w2.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err = w1.AddData(ctx, w1.Root(), []byte("closed")); !errors.Is(err, geocache.ErrInvalidHandle) {
		t.Errorf("adding after close: got %v, want ErrInvalidHandle", err)
	}

	r1, err := b1.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := b2.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()

	c, err := r1.Child(ctx, r1.Root(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = r2.ReadData(ctx, c); !errors.Is(err, geocache.ErrInvalidHandle) {
		t.Errorf("reading a foreign handle: got %v, want ErrInvalidHandle", err)
	}
	if err = r1.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err = r1.ReadData(ctx, c); !errors.Is(err, geocache.ErrInvalidHandle) {
		t.Errorf("reading after close: got %v, want ErrInvalidHandle", err)
	}
}

// AlreadyOpen checks that a Backend refuses a second concurrent Writer.
func AlreadyOpen(ctx context.Context, t *testing.T, b geocache.Backend) {
	w, err := b.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = b.Create(ctx); !errors.Is(err, geocache.ErrAlreadyOpen) {
		t.Errorf("second writer: got %v, want ErrAlreadyOpen", err)
	}
	if err = w.Close(); err != nil {
		t.Fatal(err)
	}
	w, err = b.Create(ctx)
	if err != nil {
		t.Fatalf("writer after close: %s", err)
	}
	if err = w.Close(); err != nil {
		t.Fatal(err)
	}
}
