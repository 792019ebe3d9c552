// Package timesampling maps sample indexes to times and back.
//
// A TimeSampling is one of three types.
// Uniform sampling has a fixed period and start time.
// Cyclic sampling repeats a fixed, ascending list of times every period.
// Acyclic sampling lists every sample time explicitly.
//
// Lookups from time to index (FloorIndex, CeilIndex, NearIndex)
// take the number of samples actually present
// and clamp their results to that range.
package timesampling

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/bobg/geocache"
)

// Type is the kind of a TimeSampling.
type Type int

const (
	UniformType Type = iota
	CyclicType
	AcyclicType
)

func (t Type) String() string {
	switch t {
	case UniformType:
		return "uniform"
	case CyclicType:
		return "cyclic"
	case AcyclicType:
		return "acyclic"
	}
	return "unknown"
}

// AcyclicTimePerCycle is the time-per-cycle value that marks acyclic sampling
// in serialized form.
const AcyclicTimePerCycle = math.MaxFloat64 / 32

// TimeSampling is an index-to-time relationship.
// The zero value is not valid; use Uniform, Cyclic, Acyclic, or Identity.
type TimeSampling struct {
	typ    Type
	period float64   // seconds per cycle; unused for acyclic
	times  []float64 // uniform: [start]; cyclic: first cycle; acyclic: all
}

// Identity is the default sampling: one sample per second starting at time 0.
// It is always at index 0 of an archive's registry.
func Identity() TimeSampling {
	return Uniform(1, 0)
}

// Uniform produces sampling with one sample every period seconds, starting at start.
func Uniform(period, start float64) TimeSampling {
	return TimeSampling{typ: UniformType, period: period, times: []float64{start}}
}

// Cyclic produces sampling that repeats times every period seconds.
// The times must be strictly ascending and span less than one period.
func Cyclic(period float64, times ...float64) TimeSampling {
	if len(times) == 1 {
		return Uniform(period, times[0])
	}
	return TimeSampling{typ: CyclicType, period: period, times: append([]float64(nil), times...)}
}

// Acyclic produces sampling with explicitly listed, strictly ascending times.
func Acyclic(times ...float64) TimeSampling {
	return TimeSampling{typ: AcyclicType, times: append([]float64(nil), times...)}
}

// Type tells the kind of ts.
func (ts TimeSampling) Type() Type { return ts.typ }

// Period is the time per cycle.
// It is 0 for acyclic sampling.
func (ts TimeSampling) Period() float64 {
	if ts.typ == AcyclicType {
		return 0
	}
	return ts.period
}

// Start is the time of sample 0.
func (ts TimeSampling) Start() float64 {
	if len(ts.times) == 0 {
		return 0
	}
	return ts.times[0]
}

// Times returns a copy of the stored times:
// the start time (uniform), the first cycle (cyclic), or all times (acyclic).
func (ts TimeSampling) Times() []float64 {
	return append([]float64(nil), ts.times...)
}

// NumTimes is the number of stored times (see Times).
func (ts TimeSampling) NumTimes() int { return len(ts.times) }

// SamplesPerCycle is the number of samples per period.
// It is 0 for acyclic sampling.
func (ts TimeSampling) SamplesPerCycle() int {
	if ts.typ == AcyclicType {
		return 0
	}
	return len(ts.times)
}

// AppendTime extends acyclic sampling with one more sample time,
// which must be later than every time already present.
func (ts *TimeSampling) AppendTime(t float64) error {
	if ts.typ != AcyclicType {
		return errors.Wrapf(geocache.ErrSchemaViolation, "cannot append a time to %s sampling", ts.typ)
	}
	if n := len(ts.times); n > 0 && !(t > ts.times[n-1]) {
		return errors.Wrapf(geocache.ErrSchemaViolation, "time %v does not follow %v", t, ts.times[n-1])
	}
	ts.times = append(ts.times, t)
	return nil
}

// Validate checks the invariants of ts:
// positive period, strictly ascending times,
// and (for cyclic sampling) times spanning less than one period.
func (ts TimeSampling) Validate() error {
	switch ts.typ {
	case UniformType, CyclicType:
		if !(ts.period > 0) || math.IsInf(ts.period, 0) {
			return errors.Wrapf(geocache.ErrSchemaViolation, "period %v must be positive and finite", ts.period)
		}
		if len(ts.times) == 0 {
			return errors.Wrap(geocache.ErrSchemaViolation, "no times")
		}
		if ts.typ == CyclicType && ts.times[len(ts.times)-1]-ts.times[0] >= ts.period {
			return errors.Wrapf(geocache.ErrSchemaViolation, "cycle times span %v, not less than period %v", ts.times[len(ts.times)-1]-ts.times[0], ts.period)
		}
	case AcyclicType:
	default:
		return errors.Wrapf(geocache.ErrSchemaViolation, "unknown sampling type %d", ts.typ)
	}
	for i := 1; i < len(ts.times); i++ {
		if !(ts.times[i] > ts.times[i-1]) {
			return errors.Wrapf(geocache.ErrSchemaViolation, "times not strictly ascending at index %d", i)
		}
	}
	return nil
}

// Equal tells whether ts and other describe the same sampling.
func (ts TimeSampling) Equal(other TimeSampling) bool {
	if ts.typ != other.typ || len(ts.times) != len(other.times) {
		return false
	}
	if ts.typ != AcyclicType && ts.period != other.period {
		return false
	}
	for i, t := range ts.times {
		if t != other.times[i] {
			return false
		}
	}
	return true
}

// SampleTime returns the time of sample index.
// For acyclic sampling, indexes past the last listed time
// report the last listed time.
func (ts TimeSampling) SampleTime(index int) float64 {
	if index < 0 {
		index = 0
	}
	switch ts.typ {
	case AcyclicType:
		if len(ts.times) == 0 {
			return 0
		}
		if index >= len(ts.times) {
			index = len(ts.times) - 1
		}
		return ts.times[index]

	default:
		n := len(ts.times)
		if n == 0 {
			return 0
		}
		cycle := index / n
		return ts.times[index%n] + float64(cycle)*ts.period
	}
}

// snapEpsilon is the relative tolerance within which a computed fractional
// index is treated as the integer it is near.
const snapEpsilon = 1e-9

// snapFloor is math.Floor, except that values within snapEpsilon of an integer
// count as that integer.
func snapFloor(x float64) float64 {
	if r := math.Round(x); math.Abs(x-r) <= snapEpsilon*math.Max(1, math.Abs(x)) {
		return r
	}
	return math.Floor(x)
}

func nearlyLE(a, b float64) bool {
	return a <= b || math.Abs(a-b) <= snapEpsilon*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// FloorIndex returns the largest sample index whose time is not after t,
// and that sample's time,
// clamped to [0, numSamples-1].
// With numSamples <= 0 it returns (0, Start()).
func (ts TimeSampling) FloorIndex(t float64, numSamples int) (int, float64) {
	if numSamples <= 0 {
		return 0, ts.Start()
	}
	last := numSamples - 1
	if t <= ts.Start() {
		return 0, ts.SampleTime(0)
	}

	var index int
	switch ts.typ {
	case AcyclicType:
		n := ts.searchLimit(numSamples)
		// First index whose time is after t, minus one.
		i := sort.Search(n, func(i int) bool { return !nearlyLE(ts.times[i], t) })
		index = i - 1

	default:
		cycle, k := ts.cyclePosition(t)
		index = cycle*len(ts.times) + k
	}

	if index > last {
		index = last
	}
	if index < 0 {
		index = 0
	}
	return index, ts.SampleTime(index)
}

// CeilIndex returns the smallest sample index whose time is not before t,
// and that sample's time,
// clamped to [0, numSamples-1].
func (ts TimeSampling) CeilIndex(t float64, numSamples int) (int, float64) {
	if numSamples <= 0 {
		return 0, ts.Start()
	}
	last := numSamples - 1
	if t <= ts.Start() {
		return 0, ts.SampleTime(0)
	}

	var index int
	switch ts.typ {
	case AcyclicType:
		n := ts.searchLimit(numSamples)
		index = sort.Search(n, func(i int) bool { return nearlyLE(t, ts.times[i]) })

	default:
		index, _ = ts.FloorIndex(t, math.MaxInt32)
		if !nearlyLE(t, ts.SampleTime(index)) {
			index++
		}
	}

	if index > last {
		index = last
	}
	return index, ts.SampleTime(index)
}

// NearIndex returns whichever of the floor and ceil samples is closer in time to t.
// Ties go to the ceil sample.
func (ts TimeSampling) NearIndex(t float64, numSamples int) (int, float64) {
	fi, ft := ts.FloorIndex(t, numSamples)
	ci, ct := ts.CeilIndex(t, numSamples)
	if fi == ci {
		return fi, ft
	}
	if math.Abs(t-ft) < math.Abs(ct-t) {
		return fi, ft
	}
	return ci, ct
}

// searchLimit is how many acyclic times to search.
func (ts TimeSampling) searchLimit(numSamples int) int {
	if numSamples < len(ts.times) {
		return numSamples
	}
	return len(ts.times)
}

// cyclePosition locates t (which must be after Start) in uniform or cyclic sampling:
// the cycle number, and the index within the cycle of the last time not after t.
func (ts TimeSampling) cyclePosition(t float64) (cycle, k int) {
	if len(ts.times) == 0 {
		return 0, 0
	}
	rel := (t - ts.times[0]) / ts.period
	c := snapFloor(rel)
	if c > math.MaxInt32 {
		c = math.MaxInt32
	}
	cycle = int(c)
	if len(ts.times) == 1 {
		return cycle, 0
	}
	base := float64(cycle) * ts.period
	k = sort.Search(len(ts.times), func(i int) bool { return !nearlyLE(ts.times[i]+base, t) }) - 1
	if k < 0 {
		k = 0
	}
	return cycle, k
}
