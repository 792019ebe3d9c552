package main

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/archive"
	"github.com/bobg/geocache/pod"
	"github.com/bobg/geocache/store/mem"
	"github.com/bobg/geocache/timesampling"
)

func writeScene(ctx context.Context, t *testing.T, b geocache.Backend) {
	w, err := archive.Create(ctx, b, archive.WithMetaData(geocache.MetaData{"units": "m"}))
	if err != nil {
		t.Fatal(err)
	}
	ts, err := w.AddTimeSampling(timesampling.Uniform(0.5, 1))
	if err != nil {
		t.Fatal(err)
	}

	a, err := w.Top().CreateChild(ctx, "a", nil)
	if err != nil {
		t.Fatal(err)
	}
	geom, err := a.Properties().CreateCompound(ctx, "geom", geocache.MetaData{"schema": "mesh"})
	if err != nil {
		t.Fatal(err)
	}
	p, err := geom.CreateArray(ctx, "P", pod.Float32, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err = p.SetTimeSampling(ts); err != nil {
		t.Fatal(err)
	}
	for _, vals := range [][]float32{{0, 0, 0}, {0, 0, 0}, {1, 2, 3, 4, 5, 6}} {
		if err = archive.SetArray(ctx, p, vals, uint64(len(vals)/3)); err != nil {
			t.Fatal(err)
		}
	}
	label, err := a.Properties().CreateScalar(ctx, "label", pod.String, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err = label.SetStrings(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err = a.CreateChild(ctx, "leaf", geocache.MetaData{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	if err = w.Top().AddChildInstance(a, "b"); err != nil {
		t.Fatal(err)
	}
	if err = w.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	src, dst := mem.New(), mem.New()
	writeScene(ctx, t, src)

	r, err := archive.Open(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	logger, _ := test.NewNullLogger()
	w, err := archive.Create(ctx, dst, archive.WithMetaData(r.MetaData()), archive.WithInfo(r.Info()), archive.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	cp := &copier{r: r, w: w, written: make(map[string]*archive.ObjectWriter)}
	if err = cp.run(ctx); err != nil {
		t.Fatal(err)
	}
	if err = w.Close(ctx); err != nil {
		t.Fatal(err)
	}

	r2, err := archive.Open(ctx, dst)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()

	// With the instance already last among its siblings, the copy is identical.
	if got, want := r2.Top().PropertiesDigest(), r.Top().PropertiesDigest(); got != want {
		t.Errorf("got properties digest %s, want %s", got, want)
	}
	if got, want := r2.Top().ChildrenDigest(), r.Top().ChildrenDigest(); got != want {
		t.Errorf("got children digest %s, want %s", got, want)
	}
	if diff := cmp.Diff(r.MetaData(), r2.MetaData()); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	b, err := r2.ObjectAt(ctx, "/b")
	if err != nil {
		t.Fatal(err)
	}
	if !b.IsInstanceRoot() || b.InstanceSourcePath() != "/a" {
		t.Errorf("got instance root %v with source %q, want true and /a", b.IsInstanceRoot(), b.InstanceSourcePath())
	}

	leaf, err := r2.ObjectAt(ctx, "/b/leaf")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(geocache.MetaData{"k": "v"}, leaf.MetaData()); diff != "" {
		t.Errorf("leaf metadata mismatch (-want +got):\n%s", diff)
	}

	props, err := leaf.Parent().Properties(ctx)
	if err != nil {
		t.Fatal(err)
	}
	geom, err := props.CompoundByName(ctx, "geom")
	if err != nil {
		t.Fatal(err)
	}
	p, err := geom.ArrayByName(ctx, "P")
	if err != nil {
		t.Fatal(err)
	}
	if p.NumSamples() != 3 {
		t.Errorf("got %d samples, want 3", p.NumSamples())
	}
	ts, err := p.TimeSampling()
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(timesampling.Uniform(0.5, 1)) {
		t.Error("time sampling not copied")
	}
	vals, dims, err := archive.GetArray[float32](ctx, p, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, vals); diff != "" {
		t.Errorf("sample 2 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{2}, dims); diff != "" {
		t.Errorf("dims mismatch (-want +got):\n%s", diff)
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	b := mem.New()
	writeScene(ctx, t, b)

	r, err := archive.Open(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var v verifier
	if err = v.properties(ctx, r.Top()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < r.Top().NumChildren(); i++ {
		child, err := r.Top().Child(ctx, i)
		if err != nil {
			t.Fatal(err)
		}
		if err = v.object(ctx, child); err != nil {
			t.Fatal(err)
		}
	}
	if got := v.objects.Load(); got != 2 {
		t.Errorf("got %d objects, want 2", got)
	}
	if got := v.instances.Load(); got != 1 {
		t.Errorf("got %d instances, want 1", got)
	}
	if got := v.props.Load(); got != 3 {
		t.Errorf("got %d properties, want 3", got)
	}
	if got := v.samples.Load(); got != 4 {
		t.Errorf("got %d samples, want 4", got)
	}
}

func TestFormatValues(t *testing.T) {
	cases := []struct {
		name string
		k    pod.Kind
		data []byte
		want []string
	}{
		{"bool", pod.Bool, pod.EncodeBools(true, false), []string{"true", "false"}},
		{"int16", pod.Int16, pod.Encode[int16](-3, 7), []string{"-3", "7"}},
		{"float16", pod.Float16, pod.Encode[uint16](0x3c00, 0xc000), []string{"1", "-2"}},
		{"float64", pod.Float64, pod.Encode(0.25), []string{"0.25"}},
		{"string", pod.String, []byte("a\x00b c\x00"), []string{`"a"`, `"b c"`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := formatValues(tc.k, tc.data)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
