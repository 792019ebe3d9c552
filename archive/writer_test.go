package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/header"
	"github.com/bobg/geocache/pod"
	"github.com/bobg/geocache/store/compress"
	"github.com/bobg/geocache/store/file"
	"github.com/bobg/geocache/store/mem"
	"github.com/bobg/geocache/timesampling"
)

// sceneObj and sceneProp describe a tree to write and the tree expected back.
type sceneObj struct {
	Name     string
	FullName string
	MD       geocache.MetaData
	Props    []sceneProp
	Children []sceneObj
}

type sceneProp struct {
	Name    string
	Kind    header.Kind
	POD     pod.Kind
	Extent  uint8
	MD      geocache.MetaData
	Scalars [][]byte      // scalar samples
	Arrays  []ArraySample // array samples
	Props   []sceneProp   // compound children
}

func writeProps(ctx context.Context, c *CompoundWriter, props []sceneProp) error {
	for _, p := range props {
		switch p.Kind {
		case header.Compound:
			cw, err := c.CreateCompound(ctx, p.Name, p.MD)
			if err != nil {
				return err
			}
			if err = writeProps(ctx, cw, p.Props); err != nil {
				return err
			}
		case header.Scalar:
			sw, err := c.CreateScalar(ctx, p.Name, p.POD, p.Extent, p.MD)
			if err != nil {
				return err
			}
			for _, s := range p.Scalars {
				if err = sw.Set(ctx, s); err != nil {
					return err
				}
			}
		case header.Array:
			aw, err := c.CreateArray(ctx, p.Name, p.POD, p.Extent, p.MD)
			if err != nil {
				return err
			}
			for _, s := range p.Arrays {
				if err = aw.Set(ctx, s); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func writeObj(ctx context.Context, o *ObjectWriter, obj sceneObj) error {
	if err := writeProps(ctx, o.Properties(), obj.Props); err != nil {
		return err
	}
	for _, child := range obj.Children {
		cw, err := o.CreateChild(ctx, child.Name, child.MD)
		if err != nil {
			return err
		}
		if err = writeObj(ctx, cw, child); err != nil {
			return err
		}
	}
	return nil
}

func nonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func readProps(ctx context.Context, c *CompoundReader) ([]sceneProp, error) {
	n, err := c.NumProperties(ctx)
	if err != nil {
		return nil, err
	}
	var out []sceneProp
	for i := 0; i < n; i++ {
		p, err := c.Property(ctx, i)
		if err != nil {
			return nil, err
		}
		hdr := p.Header()
		md, err := geocache.ParseMetaData(hdr.MetaData)
		if err != nil {
			return nil, err
		}
		sp := sceneProp{Name: hdr.Name, Kind: hdr.Kind, MD: md}
		switch p := p.(type) {
		case *CompoundReader:
			if sp.Props, err = readProps(ctx, p); err != nil {
				return nil, err
			}
		case *ScalarReader:
			sp.POD, sp.Extent = hdr.POD, hdr.Extent
			for j := 0; j < p.NumSamples(); j++ {
				s, err := p.Get(ctx, j)
				if err != nil {
					return nil, err
				}
				sp.Scalars = append(sp.Scalars, nonEmpty(s))
			}
		case *ArrayReader:
			sp.POD, sp.Extent = hdr.POD, hdr.Extent
			for j := 0; j < p.NumSamples(); j++ {
				s, err := p.Get(ctx, j)
				if err != nil {
					return nil, err
				}
				sp.Arrays = append(sp.Arrays, ArraySample{Data: nonEmpty(s.Data), Dims: s.Dims})
			}
		}
		out = append(out, sp)
	}
	return out, nil
}

func readObj(ctx context.Context, o *Object) (sceneObj, error) {
	out := sceneObj{Name: o.Name(), FullName: o.FullName(), MD: o.MetaData()}
	props, err := o.Properties(ctx)
	if err != nil {
		return out, err
	}
	if out.Props, err = readProps(ctx, props); err != nil {
		return out, err
	}
	for i := 0; i < o.NumChildren(); i++ {
		c, err := o.Child(ctx, i)
		if err != nil {
			return out, err
		}
		if c.Parent() != o {
			return out, errors.New("wrong parent " + c.Parent().FullName() + " for " + c.FullName())
		}
		sub, err := readObj(ctx, c)
		if err != nil {
			return out, err
		}
		out.Children = append(out.Children, sub)
	}
	return out, nil
}

func testScene() sceneObj {
	return sceneObj{
		FullName: "/",
		MD:       geocache.MetaData{"units": "cm"},
		Children: []sceneObj{
			{
				Name:     "body",
				FullName: "/body",
				MD:       geocache.MetaData{"schema": "xform"},
				Props: []sceneProp{
					{
						Name:    "visible",
						Kind:    header.Scalar,
						POD:     pod.Bool,
						Extent:  1,
						MD:      geocache.MetaData{},
						Scalars: [][]byte{{1}, {1}, {0}, {1}},
					},
					{
						Name:  "geom",
						Kind:  header.Compound,
						MD:    geocache.MetaData{"schema": "polymesh"},
						Props: []sceneProp{
							{
								Name:   "P",
								Kind:   header.Array,
								POD:    pod.Float32,
								Extent: 3,
								MD:     geocache.MetaData{"interpretation": "point"},
								Arrays: []ArraySample{
									{Data: pod.Encode[float32](0, 0, 0, 1, 0, 0), Dims: []uint64{2}},
									{Data: pod.Encode[float32](0, 0, 0, 1, 0, 0), Dims: []uint64{2}},
									{Data: pod.Encode[float32](0, 1, 0, 1, 1, 0, 2, 2, 2), Dims: []uint64{3}},
									{Dims: []uint64{0}},
								},
							},
							{
								Name:   "counts",
								Kind:   header.Array,
								POD:    pod.Int32,
								Extent: 1,
								MD:     geocache.MetaData{},
								Arrays: []ArraySample{
									{Data: pod.Encode[int32](3, 4, 3, 4), Dims: []uint64{2, 2}},
								},
							},
						},
					},
				},
				Children: []sceneObj{
					{
						Name:     "arm",
						FullName: "/body/arm",
						MD:       geocache.MetaData{},
						Props: []sceneProp{
							{
								Name:    "angle",
								Kind:    header.Scalar,
								POD:     pod.Float64,
								Extent:  1,
								MD:      geocache.MetaData{},
								Scalars: [][]byte{pod.Encode(0.5), pod.Encode(0.75)},
							},
						},
					},
				},
			},
			{
				Name:     "empty",
				FullName: "/empty",
				MD:       geocache.MetaData{},
			},
		},
	}
}

var testBackends = []struct {
	name string
	new  func(t *testing.T) geocache.Backend
}{
	{"mem", func(*testing.T) geocache.Backend { return mem.New() }},
	{"file", func(t *testing.T) geocache.Backend { return file.New(filepath.Join(t.TempDir(), "test.gc")) }},
	{"compress", func(*testing.T) geocache.Backend { return compress.New(mem.New(), compress.Zstd) }},
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	scene := testScene()

	for _, tc := range testBackends {
		t.Run(tc.name, func(t *testing.T) {
			b := tc.new(t)

			w, err := Create(ctx, b, WithMetaData(scene.MD))
			if err != nil {
				t.Fatal(err)
			}
			if err = writeObj(ctx, w.Top(), scene); err != nil {
				t.Fatal(err)
			}
			if err = w.Close(ctx); err != nil {
				t.Fatal(err)
			}

			r, err := Open(ctx, b, WithCacheSize(16))
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()

			got, err := readObj(ctx, r.Top())
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(scene, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(scene.MD, r.MetaData()); diff != "" {
				t.Errorf("archive metadata mismatch (-want +got):\n%s", diff)
			}
			if r.FormatVersion() != FormatVersion || r.LibraryVersion() != LibraryVersion {
				t.Errorf("got versions %d, %d; want %d, %d", r.FormatVersion(), r.LibraryVersion(), FormatVersion, LibraryVersion)
			}

			arm, err := r.ObjectAt(ctx, "/body/arm")
			if err != nil {
				t.Fatal(err)
			}
			if arm.FullName() != "/body/arm" || arm.Parent().FullName() != "/body" {
				t.Errorf("got %s with parent %s", arm.FullName(), arm.Parent().FullName())
			}
			if arm.IsInstanceRoot() || arm.IsInstanceDescendant() {
				t.Error("ordinary object reports itself as an instance")
			}
		})
	}
}

func TestDedup(t *testing.T) {
	const n = 5

	ctx := context.Background()
	b := mem.New()
	w, err := Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}

	before := w.Stats()
	for i := 0; i < n; i++ {
		s, err := w.Top().Properties().CreateScalar(ctx, string(rune('a'+i)), pod.Int64, 2, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err = SetScalar[int64](ctx, s, 17, 42); err != nil {
			t.Fatal(err)
		}
	}
	after := w.Stats()

	if got := after.Blocks - before.Blocks; got != 1 {
		t.Errorf("got %d new physical blocks, want 1", got)
	}
	if got := after.Links - before.Links; got != n-1 {
		t.Errorf("got %d new links, want %d", got, n-1)
	}
	if err = w.Close(ctx); err != nil {
		t.Fatal(err)
	}

	r, err := Open(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	props, err := r.Top().Properties(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		s, err := props.ScalarByName(ctx, string(rune('a'+i)))
		if err != nil {
			t.Fatal(err)
		}
		got, err := GetScalar[int64](ctx, s, 0)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]int64{17, 42}, got); diff != "" {
			t.Errorf("property %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

// storedSamples counts the data blocks in a property's group.
func storedSamples(ctx context.Context, t *testing.T, r *Reader, props *CompoundReader, name string) int {
	t.Helper()
	p, err := props.PropertyByName(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	var s sampleReader
	switch p := p.(type) {
	case *ScalarReader:
		s = p.sampleReader
	case *ArrayReader:
		s = p.sampleReader
	default:
		t.Fatalf("%s is %s", name, p.Header().Kind)
	}
	n, err := r.c.NumChildren(ctx, s.group)
	if err != nil {
		t.Fatal(err)
	}
	return n / s.perSample
}

func TestCompaction(t *testing.T) {
	cases := []struct {
		name        string
		vals        []int32
		wantStored  int
		first, last uint32
	}{
		{name: "five_five_five_seven_seven", vals: []int32{5, 5, 5, 7, 7}, wantStored: 2, first: 3, last: 3},
		{name: "changed_then_held", vals: []int32{1, 9, 9, 9, 9, 9, 9, 9, 9, 9}, wantStored: 2, first: 1, last: 1},
		{name: "constant", vals: []int32{4, 4, 4}, wantStored: 1},
		{name: "single", vals: []int32{8}, wantStored: 1},
		{name: "interior_repeat", vals: []int32{1, 2, 2, 3}, wantStored: 4, first: 1, last: 3},
		{name: "all_changed", vals: []int32{1, 2, 3, 4}, wantStored: 4, first: 1, last: 3},
		{name: "back_and_forth", vals: []int32{1, 1, 2, 1, 1, 2, 2}, wantStored: 5, first: 2, last: 5},
	}

	ctx := context.Background()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := mem.New()
			w, err := Create(ctx, b)
			if err != nil {
				t.Fatal(err)
			}
			s, err := w.Top().Properties().CreateScalar(ctx, "v", pod.Int32, 1, nil)
			if err != nil {
				t.Fatal(err)
			}
			for _, v := range tc.vals {
				if err = SetScalar(ctx, s, v); err != nil {
					t.Fatal(err)
				}
			}
			if err = w.Close(ctx); err != nil {
				t.Fatal(err)
			}

			r, err := Open(ctx, b)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()

			props, err := r.Top().Properties(ctx)
			if err != nil {
				t.Fatal(err)
			}
			sr, err := props.ScalarByName(ctx, "v")
			if err != nil {
				t.Fatal(err)
			}
			if sr.NumSamples() != len(tc.vals) {
				t.Errorf("got %d samples, want %d", sr.NumSamples(), len(tc.vals))
			}
			hdr := sr.Header()
			if hdr.FirstChanged != tc.first || hdr.LastChanged != tc.last {
				t.Errorf("got changed range [%d, %d], want [%d, %d]", hdr.FirstChanged, hdr.LastChanged, tc.first, tc.last)
			}
			if got := storedSamples(ctx, t, r, props, "v"); got != tc.wantStored {
				t.Errorf("got %d stored samples, want %d", got, tc.wantStored)
			}

			var got []int32
			for i := range tc.vals {
				v, err := GetScalar[int32](ctx, sr, i)
				if err != nil {
					t.Fatal(err)
				}
				got = append(got, v...)
			}
			if diff := cmp.Diff(tc.vals, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}

			// Out-of-range indexes are clamped.
			last, err := GetScalar[int32](ctx, sr, len(tc.vals)+10)
			if err != nil {
				t.Fatal(err)
			}
			if last[0] != tc.vals[len(tc.vals)-1] {
				t.Errorf("got %d past the end, want %d", last[0], tc.vals[len(tc.vals)-1])
			}
		})
	}
}

func TestSetFromPrevious(t *testing.T) {
	ctx := context.Background()
	b := mem.New()
	w, err := Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	a, err := w.Top().Properties().CreateArray(ctx, "a", pod.Uint16, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err = a.SetFromPrevious(); !errors.Is(err, geocache.ErrSchemaViolation) {
		t.Errorf("repeating a missing sample 0: got %v, want ErrSchemaViolation", err)
	}
	if err = SetArray(ctx, a, []uint16{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err = a.SetFromPrevious(); err != nil {
		t.Fatal(err)
	}
	if err = SetArray(ctx, a, []uint16{4}); err != nil {
		t.Fatal(err)
	}
	if err = w.Close(ctx); err != nil {
		t.Fatal(err)
	}

	r, err := Open(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	props, err := r.Top().Properties(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ar, err := props.ArrayByName(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if ar.Header().IsHomogeneous {
		t.Error("array with varying element counts reported homogeneous")
	}
	want := [][]uint16{{1, 2, 3}, {1, 2, 3}, {4}}
	for i, w := range want {
		got, dims, err := GetArray[uint16](ctx, ar, i)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(w, got); diff != "" {
			t.Errorf("sample %d mismatch (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff([]uint64{uint64(len(w))}, dims); diff != "" {
			t.Errorf("sample %d dims mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestSchemaViolations(t *testing.T) {
	ctx := context.Background()
	w, err := Create(ctx, mem.New())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close(ctx)

	props := w.Top().Properties()
	s, err := props.CreateScalar(ctx, "s", pod.Int32, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	a, err := props.CreateArray(ctx, "a", pod.Float64, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	tags, err := props.CreateArray(ctx, "tags", pod.String, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		f    func() error
	}{
		{"wrong_go_type", func() error { return SetScalar[float32](ctx, s, 1, 2) }},
		{"wrong_size", func() error { return s.Set(ctx, pod.Encode[int32](1)) }},
		{"strings_on_numbers", func() error { return s.SetStrings(ctx, "x", "y") }},
		{"array_partial_element", func() error { return SetArray(ctx, a, []float64{1, 2}) }},
		{"array_dims_mismatch", func() error { return SetArray(ctx, a, []float64{1, 2, 3}, 2) }},
		{"array_values_overflow", func() error { return a.Set(ctx, ArraySample{Dims: []uint64{1 << 61}}) }},
		{"array_dims_overflow", func() error { return a.Set(ctx, ArraySample{Dims: []uint64{1 << 32, 1 << 32}}) }},
		{"string_array_huge_dims", func() error { return tags.Set(ctx, ArraySample{Dims: []uint64{1 << 62}}) }},
		{"string_array_dims_overflow", func() error { return tags.SetStrings(ctx, nil, 1<<40, 1<<40) }},
		{"duplicate_property", func() error { _, err := props.CreateScalar(ctx, "s", pod.Int32, 1, nil); return err }},
		{"empty_property_name", func() error { _, err := props.CreateCompound(ctx, "", nil); return err }},
		{"slash_in_name", func() error { _, err := w.Top().CreateChild(ctx, "a/b", nil); return err }},
		{"zero_extent", func() error { _, err := props.CreateScalar(ctx, "z", pod.Int32, 0, nil); return err }},
		{"bad_pod", func() error { _, err := props.CreateArray(ctx, "p", pod.Kind(99), 1, nil); return err }},
		{"bad_metadata", func() error { _, err := w.Top().CreateChild(ctx, "m", geocache.MetaData{"a=b": "c"}); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.f(); !errors.Is(err, geocache.ErrSchemaViolation) {
				t.Errorf("got %v, want ErrSchemaViolation", err)
			}
		})
	}

	if err = SetScalar[int32](ctx, s, 1, 2); err != nil {
		t.Fatal(err)
	}
	if s.NumSamples() != 1 {
		t.Errorf("got %d samples after rejected writes, want 1", s.NumSamples())
	}
	i, err := w.AddTimeSampling(filmRate)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.SetTimeSampling(i); !errors.Is(err, geocache.ErrSchemaViolation) {
		t.Errorf("changing time sampling after the first sample: got %v, want ErrSchemaViolation", err)
	}
	if err = a.SetTimeSampling(99); !errors.Is(err, geocache.ErrNotFound) {
		t.Errorf("selecting a missing time sampling: got %v, want ErrNotFound", err)
	}
}

func TestAcyclicGrowth(t *testing.T) {
	ctx := context.Background()
	b := mem.New()
	w, err := Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	ti, err := w.AddTimeSampling(timesampling.Acyclic(0, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	p, err := w.Top().Properties().CreateScalar(ctx, "p", pod.Int32, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err = p.SetTimeSampling(ti); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err = SetScalar[int32](ctx, p, int32(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err = SetScalar[int32](ctx, p, 3); !errors.Is(err, geocache.ErrSchemaViolation) {
		t.Errorf("writing past the listed times: got %v, want ErrSchemaViolation", err)
	}
	if err = SetScalar[int32](ctx, p, 2); !errors.Is(err, geocache.ErrSchemaViolation) {
		t.Errorf("repeating past the listed times: got %v, want ErrSchemaViolation", err)
	}
	if p.NumSamples() != 3 {
		t.Errorf("got %d samples after rejected writes, want 3", p.NumSamples())
	}

	if err = w.AppendSampleTime(ti, 2); !errors.Is(err, geocache.ErrSchemaViolation) {
		t.Errorf("appending a time that is not later: got %v, want ErrSchemaViolation", err)
	}
	if err = w.AppendSampleTime(0, 7); !errors.Is(err, geocache.ErrSchemaViolation) {
		t.Errorf("appending to the identity sampling: got %v, want ErrSchemaViolation", err)
	}
	if err = w.AppendSampleTime(ti, 5); err != nil {
		t.Fatal(err)
	}
	if err = SetScalar[int32](ctx, p, 3); err != nil {
		t.Fatal(err)
	}
	if err = w.Close(ctx); err != nil {
		t.Fatal(err)
	}

	r, err := Open(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	props, err := r.Top().Properties(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rp, err := props.ScalarByName(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if rp.NumSamples() != 4 {
		t.Errorf("got %d samples, want 4", rp.NumSamples())
	}
	i, st, err := rp.IndexAt(5.5, Floor)
	if err != nil {
		t.Fatal(err)
	}
	if i != 3 || st != 5 {
		t.Errorf("got sample %d at %v, want 3 at 5", i, st)
	}
	v, err := GetScalar[int32](ctx, rp, i)
	if err != nil {
		t.Fatal(err)
	}
	if v[0] != 3 {
		t.Errorf("got %d, want 3", v[0])
	}
}

func TestAlreadyOpen(t *testing.T) {
	ctx := context.Background()
	b := mem.New()
	w, err := Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = Create(ctx, b); !errors.Is(err, geocache.ErrAlreadyOpen) {
		t.Errorf("second writer: got %v, want ErrAlreadyOpen", err)
	}
	if err = w.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err = w.Top().CreateChild(ctx, "late", nil); !errors.Is(err, geocache.ErrInvalidHandle) {
		t.Errorf("writing after close: got %v, want ErrInvalidHandle", err)
	}
}
