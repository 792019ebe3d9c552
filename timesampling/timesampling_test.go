package timesampling

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/geocache"
)

func TestSampleTime(t *testing.T) {
	cases := []struct {
		ts    TimeSampling
		index int
		want  float64
	}{
		{ts: Identity(), index: 0, want: 0},
		{ts: Identity(), index: 7, want: 7},
		{ts: Uniform(0.5, 10), index: 4, want: 12},
		{ts: Cyclic(1, 0, 0.25), index: 0, want: 0},
		{ts: Cyclic(1, 0, 0.25), index: 1, want: 0.25},
		{ts: Cyclic(1, 0, 0.25), index: 2, want: 1},
		{ts: Cyclic(1, 0, 0.25), index: 5, want: 2.25},
		{ts: Acyclic(1, 2, 5), index: 2, want: 5},
		{ts: Acyclic(1, 2, 5), index: 9, want: 5},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			if got := c.ts.SampleTime(c.index); got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestFloorCeilNear(t *testing.T) {
	cases := []struct {
		ts                TimeSampling
		t                 float64
		n                 int
		floor, ceil, near int
	}{
		{ts: Uniform(1, 0), t: 2.4, n: 10, floor: 2, ceil: 3, near: 2},
		{ts: Uniform(1, 0), t: 2.5, n: 10, floor: 2, ceil: 3, near: 3},
		{ts: Uniform(1, 0), t: 2.6, n: 10, floor: 2, ceil: 3, near: 3},
		{ts: Uniform(1, 0), t: 3, n: 10, floor: 3, ceil: 3, near: 3},
		{ts: Uniform(1, 0), t: -5, n: 10, floor: 0, ceil: 0, near: 0},
		{ts: Uniform(1, 0), t: 50, n: 10, floor: 9, ceil: 9, near: 9},
		{ts: Uniform(1, 0), t: 5, n: 0, floor: 0, ceil: 0, near: 0},
		{ts: Cyclic(1, 0, 0.25), t: 1.1, n: 10, floor: 2, ceil: 3, near: 2},
		{ts: Cyclic(1, 0, 0.25), t: 1.25, n: 10, floor: 3, ceil: 3, near: 3},
		{ts: Cyclic(1, 0, 0.25), t: 1.9, n: 10, floor: 3, ceil: 4, near: 4},
		{ts: Acyclic(1, 2, 5), t: 3, n: 3, floor: 1, ceil: 2, near: 1},
		{ts: Acyclic(1, 2, 5), t: 4, n: 3, floor: 1, ceil: 2, near: 2},
		{ts: Acyclic(1, 2, 5), t: 6, n: 3, floor: 2, ceil: 2, near: 2},
		{ts: Acyclic(1, 2, 5), t: 4, n: 2, floor: 1, ceil: 1, near: 1},
		{ts: Acyclic(1, 2, 5), t: 0, n: 3, floor: 0, ceil: 0, near: 0},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			if got, _ := c.ts.FloorIndex(c.t, c.n); got != c.floor {
				t.Errorf("floor: got %d, want %d", got, c.floor)
			}
			if got, _ := c.ts.CeilIndex(c.t, c.n); got != c.ceil {
				t.Errorf("ceil: got %d, want %d", got, c.ceil)
			}
			if got, _ := c.ts.NearIndex(c.t, c.n); got != c.near {
				t.Errorf("near: got %d, want %d", got, c.near)
			}
		})
	}
}

func TestUniformFloorLaw(t *testing.T) {
	f := func(p, s uint16, i uint16) bool {
		var (
			period = 0.01 + float64(p)/65535*99.99
			start  = float64(s)/65535*200 - 100
			index  = int(i)
			ts     = Uniform(period, start)
		)
		got, gotTime := ts.FloorIndex(ts.SampleTime(index), index+1)
		if got != index {
			t.Logf("period %v, start %v: floor of sample %d time is %d", period, start, index, got)
			return false
		}
		return gotTime == ts.SampleTime(index)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestCyclicFloorLaw(t *testing.T) {
	ts := Cyclic(1.0/24, 0, 1.0/96, 2.0/96)
	for i := 0; i < 1000; i++ {
		if got, _ := ts.FloorIndex(ts.SampleTime(i), 1000); got != i {
			t.Fatalf("floor of sample %d time is %d", i, got)
		}
		if got, _ := ts.CeilIndex(ts.SampleTime(i), 1000); got != i {
			t.Fatalf("ceil of sample %d time is %d", i, got)
		}
	}
}

func TestAppendTime(t *testing.T) {
	ts := Acyclic(1, 2)
	if err := ts.AppendTime(3); err != nil {
		t.Fatal(err)
	}
	if err := ts.AppendTime(3); !errors.Is(err, geocache.ErrSchemaViolation) {
		t.Errorf("got %v, want ErrSchemaViolation", err)
	}
	if diff := cmp.Diff([]float64{1, 2, 3}, ts.Times()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	u := Uniform(1, 0)
	if err := u.AppendTime(5); !errors.Is(err, geocache.ErrSchemaViolation) {
		t.Errorf("appending to uniform: got %v, want ErrSchemaViolation", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		ts TimeSampling
		ok bool
	}{
		{ts: Identity(), ok: true},
		{ts: Uniform(0, 0)},
		{ts: Uniform(math.Inf(1), 0)},
		{ts: Cyclic(1, 0, 0.5), ok: true},
		{ts: Cyclic(1, 0, 1)},
		{ts: Cyclic(1, 0.5, 0.25)},
		{ts: Acyclic(), ok: true},
		{ts: Acyclic(1, 1)},
	}
	for i, c := range cases {
		err := c.ts.Validate()
		if c.ok && err != nil {
			t.Errorf("case %d: unexpected error %s", i+1, err)
		}
		if !c.ok && !errors.Is(err, geocache.ErrSchemaViolation) {
			t.Errorf("case %d: got %v, want ErrSchemaViolation", i+1, err)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	i, err := r.Add(Uniform(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if i != 0 {
		t.Errorf("identity added at %d, want 0", i)
	}

	i, err = r.Add(Uniform(1.0/24, 0))
	if err != nil {
		t.Fatal(err)
	}
	if i != 1 {
		t.Errorf("got index %d, want 1", i)
	}
	j, err := r.Add(Uniform(1.0/24, 0))
	if err != nil {
		t.Fatal(err)
	}
	if j != i {
		t.Errorf("equal sampling added twice, at %d and %d", i, j)
	}

	if _, err = r.Add(Acyclic(0, 1, 3)); err != nil {
		t.Fatal(err)
	}
	if _, err = r.Add(Cyclic(2, 0, 0.5, 1)); err != nil {
		t.Fatal(err)
	}
	r.NoteSamples(1, 10)
	r.NoteSamples(1, 4)

	buf, err := r.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var r2 Registry
	if err = r2.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if r2.Len() != r.Len() {
		t.Fatalf("got %d entries, want %d", r2.Len(), r.Len())
	}
	for k := 0; k < r.Len(); k++ {
		want, _ := r.Get(uint32(k))
		got, _ := r2.Get(uint32(k))
		if !got.TimeSampling.Equal(want.TimeSampling) || got.MaxSamples != want.MaxSamples {
			t.Errorf("entry %d: got %+v, want %+v", k, got, want)
		}
	}
	if e, _ := r2.Get(1); e.MaxSamples != 10 {
		t.Errorf("got max samples %d, want 10", e.MaxSamples)
	}

	if _, err = r2.Get(99); !errors.Is(err, geocache.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	if err = r2.UnmarshalBinary(buf[:len(buf)-3]); !errors.Is(err, geocache.ErrFormat) {
		t.Errorf("truncated registry: got %v, want ErrFormat", err)
	}

	bad := &Registry{entries: []Entry{{TimeSampling: Uniform(2, 0)}}}
	badBuf, err := bad.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if err = r2.UnmarshalBinary(badBuf); !errors.Is(err, geocache.ErrFormat) {
		t.Errorf("registry without identity at index 0: got %v, want ErrFormat", err)
	}
}

func TestRegistryAppendTime(t *testing.T) {
	r := NewRegistry()
	i, err := r.Add(Acyclic(0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if err = r.AppendTime(i, 3); err != nil {
		t.Fatal(err)
	}
	e, err := r.Get(i)
	if err != nil {
		t.Fatal(err)
	}
	if !e.TimeSampling.Equal(Acyclic(0, 1, 3)) {
		t.Errorf("got times %v, want [0 1 3]", e.TimeSampling.Times())
	}
	if err = r.AppendTime(0, 1); !errors.Is(err, geocache.ErrSchemaViolation) {
		t.Errorf("appending to identity: got %v, want ErrSchemaViolation", err)
	}
	if err = r.AppendTime(9, 1); !errors.Is(err, geocache.ErrNotFound) {
		t.Errorf("appending to a missing entry: got %v, want ErrNotFound", err)
	}
}

func TestCyclicWithoutTimes(t *testing.T) {
	ts := Cyclic(1)
	if got := ts.SampleTime(5); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
	if i, st := ts.FloorIndex(3, 4); i != 0 || st != 0 {
		t.Errorf("got %d at %v, want 0 at 0", i, st)
	}
	if err := ts.Validate(); err == nil {
		t.Error("cyclic sampling without times validated")
	}
}
