package replica

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/store/mem"
	"github.com/bobg/geocache/testutil"
)

func TestReadWrite(t *testing.T) {
	testutil.ReadWrite(context.Background(), t, func(*testing.T) geocache.Backend {
		return New(mem.New(), mem.New())
	})
}

func TestHandles(t *testing.T) {
	testutil.Handles(context.Background(), t, func(*testing.T) geocache.Backend {
		return New(mem.New(), mem.New())
	})
}

func TestReplicasMatch(t *testing.T) {
	ctx := context.Background()
	m1, m2 := mem.New(), mem.New()
	b := New(m1, m2)

	w, err := b.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	g, err := w.CreateGroup(ctx, w.Root())
	if err != nil {
		t.Fatal(err)
	}
	d, err := w.AddData(ctx, g, []byte("foo"), []byte("bar"))
	if err != nil {
		t.Fatal(err)
	}
	if err = w.LinkExistingData(ctx, w.Root(), d); err != nil {
		t.Fatal(err)
	}
	if _, err = w.AddEmptyData(ctx, w.Root()); err != nil {
		t.Fatal(err)
	}
	if err = w.Close(); err != nil {
		t.Fatal(err)
	}

	want := testutil.Node{Children: []testutil.Node{
		{Children: []testutil.Node{{IsData: true, Data: "foobar"}}},
		{IsData: true, Data: "foobar"},
		{IsData: true},
	}}
	for i, m := range []*mem.Backend{m1, m2} {
		r, err := m.Open(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got, err := testutil.ReadTree(ctx, r, r.Root())
		r.Close()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("replica %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestOpenFallback(t *testing.T) {
	ctx := context.Background()
	empty, full := mem.New(), mem.New()

	w, err := full.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = w.AddData(ctx, w.Root(), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err = w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := New(empty, full).Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if n, err := r.NumChildren(ctx, r.Root()); err != nil || n != 1 {
		t.Errorf("got %d children, %v; want 1", n, err)
	}

	if _, err = New(mem.New()).Open(ctx); err == nil {
		t.Error("opened a backend with nothing written")
	}
}

func TestAlreadyOpen(t *testing.T) {
	m := mem.New()
	w, err := m.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, err = New(mem.New(), m).Create(context.Background()); !errors.Is(err, geocache.ErrAlreadyOpen) {
		t.Errorf("got %v, want ErrAlreadyOpen", err)
	}
}
