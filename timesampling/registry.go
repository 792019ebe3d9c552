package timesampling

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/bobg/geocache"
)

// Entry is one element of an archive's time-sampling registry:
// a TimeSampling and the largest number of samples
// any property using it has written.
type Entry struct {
	TimeSampling TimeSampling
	MaxSamples   uint32
}

// Registry is the ordered list of distinct TimeSamplings in an archive.
// Index 0 is always Identity.
type Registry struct {
	entries []Entry
}

// NewRegistry produces a Registry holding only Identity.
func NewRegistry() *Registry {
	return &Registry{entries: []Entry{{TimeSampling: Identity()}}}
}

// Add returns the index of ts in the registry,
// adding it if no structurally equal TimeSampling is present.
func (r *Registry) Add(ts TimeSampling) (uint32, error) {
	if err := ts.Validate(); err != nil {
		return 0, err
	}
	for i, e := range r.entries {
		if e.TimeSampling.Equal(ts) {
			return uint32(i), nil
		}
	}
	r.entries = append(r.entries, Entry{TimeSampling: TimeSampling{typ: ts.typ, period: ts.period, times: ts.Times()}})
	return uint32(len(r.entries) - 1), nil
}

// Len is the number of entries in r.
func (r *Registry) Len() int { return len(r.entries) }

// Get returns entry i.
func (r *Registry) Get(i uint32) (Entry, error) {
	if int64(i) >= int64(len(r.entries)) {
		return Entry{}, errors.Wrapf(geocache.ErrNotFound, "time sampling %d (have %d)", i, len(r.entries))
	}
	return r.entries[i], nil
}

// AppendTime extends the acyclic entry i with one more sample time.
// See TimeSampling.AppendTime.
func (r *Registry) AppendTime(i uint32, t float64) error {
	if i == 0 {
		return errors.Wrap(geocache.ErrSchemaViolation, "cannot change the identity time sampling")
	}
	if int64(i) >= int64(len(r.entries)) {
		return errors.Wrapf(geocache.ErrNotFound, "time sampling %d (have %d)", i, len(r.entries))
	}
	return r.entries[i].TimeSampling.AppendTime(t)
}

// NoteSamples records that a property using entry i has n samples.
func (r *Registry) NoteSamples(i uint32, n uint32) {
	if int64(i) < int64(len(r.entries)) && n > r.entries[i].MaxSamples {
		r.entries[i].MaxSamples = n
	}
}

// MarshalBinary serializes r.
// Each entry is maxSamples (uint32), timePerCycle (float64),
// the number of times (uint32), and the times (float64 each),
// all little-endian.
// Acyclic entries store AcyclicTimePerCycle as their time per cycle.
func (r *Registry) MarshalBinary() ([]byte, error) {
	var buf []byte
	for _, e := range r.entries {
		ts := e.TimeSampling
		buf = binary.LittleEndian.AppendUint32(buf, e.MaxSamples)
		tpc := ts.period
		if ts.typ == AcyclicType {
			tpc = AcyclicTimePerCycle
		}
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(tpc))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ts.times)))
		for _, t := range ts.times {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(t))
		}
	}
	return buf, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
// An empty input yields a registry holding only Identity.
func (r *Registry) UnmarshalBinary(b []byte) error {
	var entries []Entry
	for len(b) > 0 {
		if len(b) < 16 {
			return errors.Wrapf(geocache.ErrFormat, "truncated time sampling entry %d", len(entries))
		}
		var (
			maxSamples = binary.LittleEndian.Uint32(b)
			tpc        = math.Float64frombits(binary.LittleEndian.Uint64(b[4:]))
			n          = binary.LittleEndian.Uint32(b[12:])
		)
		b = b[16:]
		if uint64(len(b)) < 8*uint64(n) {
			return errors.Wrapf(geocache.ErrFormat, "time sampling entry %d claims %d times, only %d bytes remain", len(entries), n, len(b))
		}
		times := make([]float64, n)
		for i := range times {
			times[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
		}
		b = b[8*n:]

		var ts TimeSampling
		switch {
		case tpc == AcyclicTimePerCycle:
			ts = Acyclic(times...)
		case n == 1:
			ts = Uniform(tpc, times[0])
		default:
			ts = Cyclic(tpc, times...)
		}
		if err := ts.Validate(); err != nil {
			return errors.Wrapf(geocache.ErrFormat, "time sampling entry %d: %s", len(entries), err)
		}
		entries = append(entries, Entry{TimeSampling: ts, MaxSamples: maxSamples})
	}
	if len(entries) == 0 {
		entries = []Entry{{TimeSampling: Identity()}}
	}
	if !entries[0].TimeSampling.Equal(Identity()) {
		return errors.Wrap(geocache.ErrFormat, "time sampling entry 0 is not the identity sampling")
	}
	r.entries = entries
	return nil
}
