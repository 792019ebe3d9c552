package header

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/pod"
)

func TestBitPositions(t *testing.T) {
	table := NewMetaTable()
	p := Property{
		Kind:              Array,
		Name:              "P",
		POD:               pod.Float32,
		Extent:            3,
		TimeSamplingIndex: 2,
		NumSamples:        10,
		FirstChanged:      4,
		LastChanged:       7,
		IsHomogeneous:     true,
	}
	buf, err := p.Append(nil, table)
	if err != nil {
		t.Fatal(err)
	}
	word := binary.LittleEndian.Uint32(buf)

	checks := []struct {
		name       string
		shift      uint
		mask, want uint32
	}{
		{"kind", 0, 0x3, 2},
		{"size hint", 2, 0x3, 0},
		{"pod", 4, 0xf, uint32(pod.Float32)},
		{"has ts index", 8, 1, 1},
		{"first/last", 9, 1, 1},
		{"homogeneous", 10, 1, 1},
		{"constant", 11, 1, 0},
		{"extent", 12, 0xff, 3},
		{"metadata index", 20, 0xff, 0},
		{"unused", 28, 0xf, 0},
	}
	for _, c := range checks {
		if got := (word >> c.shift) & c.mask; got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, got, c.want)
		}
	}

	// word, name length, name, count, first, last, ts index
	want := []byte{1, 'P', 10, 4, 7, 2}
	if diff := cmp.Diff(want, buf[4:]); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSizeHint(t *testing.T) {
	cases := []struct {
		n     uint32
		hint  uint32
		total int
	}{
		{n: 5, hint: 0, total: 4 + 1 + 1 + 1},
		{n: 300, hint: 1, total: 4 + 2 + 1 + 2},
		{n: 70000, hint: 2, total: 4 + 4 + 1 + 4},
	}
	for _, c := range cases {
		p := Property{Kind: Scalar, Name: "x", POD: pod.Int32, Extent: 1, NumSamples: c.n, FirstChanged: 1, LastChanged: c.n - 1}
		buf, err := p.Append(nil, NewMetaTable())
		if err != nil {
			t.Fatal(err)
		}
		if got := (binary.LittleEndian.Uint32(buf) >> 2) & 3; got != c.hint {
			t.Errorf("%d samples: got hint %d, want %d", c.n, got, c.hint)
		}
		if len(buf) != c.total {
			t.Errorf("%d samples: got %d bytes, want %d", c.n, len(buf), c.total)
		}
		got, n, err := Decode(buf, NewMetaTable())
		if err != nil {
			t.Fatal(err)
		}
		if n != len(buf) {
			t.Errorf("consumed %d bytes of %d", n, len(buf))
		}
		if diff := cmp.Diff(p, got); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	long := "long=" + strings.Repeat("x", 300)
	props := []Property{
		{Kind: Compound, Name: ".geom", MetaData: "schema=mesh"},
		{Kind: Scalar, Name: "constant", POD: pod.Float64, Extent: 1, NumSamples: 4},
		{Kind: Scalar, Name: "empty", POD: pod.Bool, Extent: 1},
		{Kind: Array, Name: "P", POD: pod.Float32, Extent: 3, NumSamples: 5, FirstChanged: 3, LastChanged: 3, MetaData: "interpretation=point"},
		{Kind: Array, Name: "names", POD: pod.String, Extent: 1, NumSamples: 3, FirstChanged: 1, LastChanged: 2, MetaData: long},
		{Kind: Scalar, Name: "t", POD: pod.Int64, Extent: 2, NumSamples: 9, FirstChanged: 1, LastChanged: 8, TimeSamplingIndex: 1, MetaData: "schema=mesh"},
	}

	table := NewMetaTable()
	buf, err := AppendDirectory(nil, props, table)
	if err != nil {
		t.Fatal(err)
	}
	if table.Len() != 3 {
		t.Errorf("got %d interned entries, want 3", table.Len())
	}

	tbuf, err := table.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var table2 MetaTable
	if err = table2.UnmarshalBinary(tbuf); err != nil {
		t.Fatal(err)
	}

	got, err := DecodeDirectory(buf, &table2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(props, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if !got[1].IsConstant() {
		t.Error("constant property not constant")
	}
	if got[2].IsConstant() {
		t.Error("property with no samples is constant")
	}
}

func TestDecodeErrors(t *testing.T) {
	table := NewMetaTable()
	good, err := Property{Kind: Scalar, Name: "x", POD: pod.Int32, Extent: 1, NumSamples: 1}.Append(nil, table)
	if err != nil {
		t.Fatal(err)
	}

	withWord := func(f func(uint32) uint32) []byte {
		b := append([]byte(nil), good...)
		binary.LittleEndian.PutUint32(b, f(binary.LittleEndian.Uint32(b)))
		return b
	}

	cases := map[string][]byte{
		"short":          good[:3],
		"truncated":      good[:len(good)-1],
		"size hint 3":    withWord(func(w uint32) uint32 { return w | 3<<2 }),
		"kind 3":         withWord(func(w uint32) uint32 { return w | 3 }),
		"pod 15":         withWord(func(w uint32) uint32 { return w | 0xf<<4 }),
		"metadata index": withWord(func(w uint32) uint32 { return w | 7<<20 }),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := Decode(b, table); !errors.Is(err, geocache.ErrFormat) {
				t.Errorf("got %v, want ErrFormat", err)
			}
		})
	}
}

func TestObjectList(t *testing.T) {
	l := ObjectList{
		Children: []Object{
			{Name: "A", MetaData: "schema=xform"},
			{Name: "B"},
			{Name: "C", InstanceSource: "/A", MetaData: "note=" + strings.Repeat("y", 400)},
		},
		PropertiesDigest: geocache.Digest{1, 2, 3},
		ChildrenDigest:   geocache.Digest{4, 5, 6},
	}
	table := NewMetaTable()
	buf, err := MarshalObjectList(l, table)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalObjectList(buf, table)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(l, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if !got.Children[2].IsInstance() || got.Children[0].IsInstance() {
		t.Error("wrong instance flags")
	}

	if _, err = UnmarshalObjectList(buf[:10], table); !errors.Is(err, geocache.ErrFormat) {
		t.Errorf("got %v, want ErrFormat", err)
	}
}

func TestMetaTableFull(t *testing.T) {
	table := NewMetaTable()
	for i := 0; i < 2*MaxInterned; i++ {
		md := geocache.MetaData{"i": strings.Repeat("z", i)}
		s, err := md.Serialize()
		if err != nil {
			t.Fatal(err)
		}
		idx := table.Intern(s)
		if i < MaxInterned-1 && idx == InlineMetaData {
			t.Fatalf("entry %d not interned", i)
		}
		if i >= MaxInterned-1 && idx != InlineMetaData {
			t.Fatalf("entry %d interned at %d in a full table", i, idx)
		}
	}
	if table.Len() != MaxInterned {
		t.Errorf("got %d entries, want %d", table.Len(), MaxInterned)
	}
}
