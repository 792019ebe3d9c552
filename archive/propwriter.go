package archive

import (
	"context"
	"math"
	"math/bits"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/dedup"
	"github.com/bobg/geocache/header"
	"github.com/bobg/geocache/pod"
	"github.com/bobg/geocache/timesampling"
)

type propertyWriter interface {
	finalize(context.Context) (header.Property, geocache.Digest, error)
}

// CompoundWriter writes a compound property:
// a named group of other properties.
type CompoundWriter struct {
	a     *Writer
	hdr   header.Property
	group geocache.Handle
	props []propertyWriter
	names map[string]bool
}

func newCompoundWriter(a *Writer, hdr header.Property, group geocache.Handle) *CompoundWriter {
	return &CompoundWriter{
		a:     a,
		hdr:   hdr,
		group: group,
		names: make(map[string]bool),
	}
}

// Name is the property's name.
// The compound at the root of an object's property tree has an empty name.
func (c *CompoundWriter) Name() string { return c.hdr.Name }

// NumProperties is the number of child properties created so far.
func (c *CompoundWriter) NumProperties() int { return len(c.props) }

func (c *CompoundWriter) newChild(ctx context.Context, kind header.Kind, name string, md geocache.MetaData) (header.Property, geocache.Handle, error) {
	var hdr header.Property
	if err := c.a.check(); err != nil {
		return hdr, geocache.Handle{}, err
	}
	if err := checkName(name, c.names); err != nil {
		return hdr, geocache.Handle{}, errors.Wrapf(err, "creating property in %q", c.hdr.Name)
	}
	mdStr, err := md.Serialize()
	if err != nil {
		return hdr, geocache.Handle{}, err
	}
	hdr = header.Property{Kind: kind, Name: name, MetaData: mdStr}
	group, err := c.a.c.CreateGroup(ctx, c.group)
	if err != nil {
		return hdr, group, errors.Wrapf(err, "creating group for property %s", name)
	}
	c.names[name] = true
	return hdr, group, nil
}

// CreateCompound adds a child compound property.
func (c *CompoundWriter) CreateCompound(ctx context.Context, name string, md geocache.MetaData) (*CompoundWriter, error) {
	hdr, group, err := c.newChild(ctx, header.Compound, name, md)
	if err != nil {
		return nil, err
	}
	child := newCompoundWriter(c.a, hdr, group)
	c.props = append(c.props, child)
	return child, nil
}

// CreateScalar adds a child scalar property.
// Each sample holds extent values of kind k.
func (c *CompoundWriter) CreateScalar(ctx context.Context, name string, k pod.Kind, extent uint8, md geocache.MetaData) (*ScalarWriter, error) {
	if err := checkType(k, extent); err != nil {
		return nil, errors.Wrapf(err, "creating scalar property %s", name)
	}
	hdr, group, err := c.newChild(ctx, header.Scalar, name, md)
	if err != nil {
		return nil, err
	}
	hdr.POD, hdr.Extent = k, extent
	s := &ScalarWriter{sampler: sampler{a: c.a, hdr: hdr, group: group}}
	c.props = append(c.props, s)
	return s, nil
}

// CreateArray adds a child array property.
// Each element of each sample holds extent values of kind k.
func (c *CompoundWriter) CreateArray(ctx context.Context, name string, k pod.Kind, extent uint8, md geocache.MetaData) (*ArrayWriter, error) {
	if err := checkType(k, extent); err != nil {
		return nil, errors.Wrapf(err, "creating array property %s", name)
	}
	hdr, group, err := c.newChild(ctx, header.Array, name, md)
	if err != nil {
		return nil, err
	}
	hdr.POD, hdr.Extent = k, extent
	hdr.IsHomogeneous = true
	a := &ArrayWriter{sampler: sampler{a: c.a, hdr: hdr, group: group}}
	c.props = append(c.props, a)
	return a, nil
}

func checkType(k pod.Kind, extent uint8) error {
	if !k.Valid() {
		return errors.Wrapf(geocache.ErrSchemaViolation, "unknown pod kind %d", k)
	}
	if extent == 0 {
		return errors.Wrap(geocache.ErrSchemaViolation, "zero extent")
	}
	return nil
}

func (c *CompoundWriter) finalize(ctx context.Context) (header.Property, geocache.Digest, error) {
	var (
		hdrs []header.Property
		buf  = canonicalHeader(c.hdr)
	)
	for _, p := range c.props {
		hdr, d, err := p.finalize(ctx)
		if err != nil {
			return c.hdr, geocache.Digest{}, err
		}
		hdrs = append(hdrs, hdr)
		buf = append(buf, d[:]...)
	}
	dir, err := header.AppendDirectory(nil, hdrs, c.a.table)
	if err != nil {
		return c.hdr, geocache.Digest{}, err
	}
	if _, err = c.a.addBlock(ctx, c.group, dir); err != nil {
		return c.hdr, geocache.Digest{}, errors.Wrapf(err, "writing directory of %q", c.hdr.Name)
	}
	if err = c.a.c.Freeze(ctx, c.group); err != nil {
		return c.hdr, geocache.Digest{}, errors.Wrapf(err, "freezing %q", c.hdr.Name)
	}
	return c.hdr, c.a.conf.hasher.Digest(buf), nil
}

// canonicalHeader is the part of a property's digest input
// that describes the property itself.
func canonicalHeader(p header.Property) []byte {
	buf := protowire.AppendVarint(nil, uint64(p.Kind))
	buf = protowire.AppendString(buf, p.Name)
	buf = protowire.AppendString(buf, p.MetaData)
	if p.Kind == header.Compound {
		return buf
	}
	buf = protowire.AppendVarint(buf, uint64(p.POD))
	buf = protowire.AppendVarint(buf, uint64(p.Extent))
	buf = protowire.AppendVarint(buf, uint64(p.TimeSamplingIndex))
	return protowire.AppendVarint(buf, uint64(p.NumSamples))
}

// sampler holds the state shared by scalar and array property writers.
//
// Sample 0 is always stored.
// A sample equal to its predecessor is not stored right away;
// it is counted in deferred.
// When a differing sample arrives,
// deferred repeats before the first change are dropped
// (readers map those indexes to sample 0),
// and later ones are stored as links to the previous sample's blocks.
// Repeats after the last change are never stored.
type sampler struct {
	a     *Writer
	hdr   header.Property
	group geocache.Handle

	prev     []geocache.Handle
	prevKeys []dedup.Key
	deferred uint32

	digests []byte // one digest per block of every sample, including repeats
}

// NumSamples is the number of samples written so far.
func (s *sampler) NumSamples() int { return int(s.hdr.NumSamples) }

// Name is the property's name.
func (s *sampler) Name() string { return s.hdr.Name }

// POD is the element type of the property's samples.
func (s *sampler) POD() pod.Kind { return s.hdr.POD }

// Extent is the number of values in each element.
func (s *sampler) Extent() uint8 { return s.hdr.Extent }

// TimeSamplingIndex is the registry index of the property's time sampling.
func (s *sampler) TimeSamplingIndex() uint32 { return s.hdr.TimeSamplingIndex }

// SetTimeSampling selects the time sampling registered at index i.
// It must be called before the first sample is written.
func (s *sampler) SetTimeSampling(i uint32) error {
	if err := s.a.check(); err != nil {
		return err
	}
	if s.hdr.NumSamples > 0 {
		return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: cannot change time sampling after the first sample", s.hdr.Name)
	}
	if _, err := s.a.reg.Get(i); err != nil {
		return err
	}
	s.hdr.TimeSamplingIndex = i
	return nil
}

func keysEqual(a, b []dedup.Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// set records the next sample,
// which is one or more blocks, each given as a list of spans.
func (s *sampler) set(ctx context.Context, blocks ...[][]byte) error {
	if err := s.a.check(); err != nil {
		return err
	}
	if s.hdr.NumSamples == ^uint32(0) {
		return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: too many samples", s.hdr.Name)
	}
	e, err := s.a.reg.Get(s.hdr.TimeSamplingIndex)
	if err != nil {
		return err
	}
	if ts := e.TimeSampling; ts.Type() == timesampling.AcyclicType && uint64(s.hdr.NumSamples) >= uint64(ts.NumTimes()) {
		return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: acyclic time sampling %d lists only %d times", s.hdr.Name, s.hdr.TimeSamplingIndex, ts.NumTimes())
	}

	keys := make([]dedup.Key, len(blocks))
	for i, spans := range blocks {
		keys[i] = s.a.keyOf(spans...)
	}

	i := s.hdr.NumSamples
	if i > 0 && keysEqual(keys, s.prevKeys) {
		s.repeat()
		return nil
	}

	if i > 0 {
		if s.hdr.FirstChanged == 0 {
			s.hdr.FirstChanged = i
			s.deferred = 0
		} else if err := s.flush(ctx); err != nil {
			return err
		}
	}

	handles := make([]geocache.Handle, len(blocks))
	for j, spans := range blocks {
		h, _, err := s.a.storeBlock(ctx, s.group, spans...)
		if err != nil {
			return errors.Wrapf(err, "property %s: storing sample %d", s.hdr.Name, i)
		}
		handles[j] = h
	}

	s.prev, s.prevKeys = handles, keys
	if i > 0 {
		s.hdr.LastChanged = i
	}
	s.hdr.NumSamples++
	s.noteDigests(keys)
	return nil
}

func (s *sampler) repeat() {
	s.deferred++
	s.hdr.NumSamples++
	s.noteDigests(s.prevKeys)
}

func (s *sampler) noteDigests(keys []dedup.Key) {
	for _, k := range keys {
		s.digests = append(s.digests, k.Digest[:]...)
	}
}

// flush stores the deferred repeats as links to the previous sample.
func (s *sampler) flush(ctx context.Context) error {
	for ; s.deferred > 0; s.deferred-- {
		for j, h := range s.prev {
			if err := s.a.linkBlock(ctx, s.group, h, s.prevKeys[j]); err != nil {
				return errors.Wrapf(err, "property %s: linking repeated sample", s.hdr.Name)
			}
		}
	}
	return nil
}

// SetFromPrevious writes a sample equal to the previous one.
// There must be a previous sample.
func (s *sampler) SetFromPrevious() error {
	if err := s.a.check(); err != nil {
		return err
	}
	if s.hdr.NumSamples == 0 {
		return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: no sample 0 to repeat", s.hdr.Name)
	}
	s.repeat()
	return nil
}

func (s *sampler) finalize(ctx context.Context) (header.Property, geocache.Digest, error) {
	if err := s.a.c.Freeze(ctx, s.group); err != nil {
		return s.hdr, geocache.Digest{}, errors.Wrapf(err, "freezing property %s", s.hdr.Name)
	}
	s.a.reg.NoteSamples(s.hdr.TimeSamplingIndex, s.hdr.NumSamples)
	return s.hdr, s.a.conf.hasher.Digest(canonicalHeader(s.hdr), s.digests), nil
}

// ScalarWriter writes a scalar property:
// each sample is a fixed number (the extent) of values.
type ScalarWriter struct {
	sampler
}

// Set writes the next sample, given in its stored byte form.
// For fixed-size kinds that is extent little-endian values
// (see pod.Encode);
// for string kinds it is extent NUL-terminated strings
// (see pod.EncodeStrings and pod.EncodeWstrings).
func (w *ScalarWriter) Set(ctx context.Context, data []byte) error {
	if err := checkScalar(w.hdr, data); err != nil {
		return err
	}
	return w.set(ctx, [][]byte{data})
}

// SetStrings writes the next sample of a string or wstring property.
// There must be exactly extent values.
func (w *ScalarWriter) SetStrings(ctx context.Context, vals ...string) error {
	if len(vals) != int(w.hdr.Extent) {
		return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: %d strings for extent %d", w.hdr.Name, len(vals), w.hdr.Extent)
	}
	data, err := encodeText(w.hdr, vals)
	if err != nil {
		return err
	}
	return w.set(ctx, [][]byte{data})
}

func encodeText(hdr header.Property, vals []string) ([]byte, error) {
	switch hdr.POD {
	case pod.String:
		return pod.EncodeStrings(vals...)
	case pod.Wstring:
		return pod.EncodeWstrings(vals...)
	}
	return nil, errors.Wrapf(geocache.ErrSchemaViolation, "property %s holds %s, not strings", hdr.Name, hdr.POD)
}

func checkScalar(hdr header.Property, data []byte) error {
	var n int
	switch hdr.POD {
	case pod.String:
		vals, err := pod.DecodeStrings(data)
		if err != nil {
			return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: %s", hdr.Name, err)
		}
		n = len(vals)
	case pod.Wstring:
		vals, err := pod.DecodeWstrings(data)
		if err != nil {
			return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: %s", hdr.Name, err)
		}
		n = len(vals)
	default:
		if want := int(hdr.Extent) * hdr.POD.Size(); len(data) != want {
			return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: sample is %d bytes, want %d", hdr.Name, len(data), want)
		}
		return nil
	}
	if n != int(hdr.Extent) {
		return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: sample holds %d strings, want %d", hdr.Name, n, hdr.Extent)
	}
	return nil
}

// ArraySample is one sample of an array property:
// the element data in stored byte form,
// and the dimensions of the array.
// The product of the dimensions is the number of elements.
type ArraySample struct {
	Data []byte
	Dims []uint64
}

// ArrayWriter writes an array property:
// each sample is a variable number of elements,
// each of extent values.
type ArrayWriter struct {
	sampler
	elems uint64 // element count of sample 0
}

// Set writes the next sample.
// If s.Dims is empty, the array is taken to be one-dimensional,
// which works only for fixed-size kinds.
// For the string kind, s.Data must be the concatenated output of pod.EncodeStringArray.
func (w *ArrayWriter) Set(ctx context.Context, s ArraySample) error {
	dims := s.Dims
	if len(dims) == 0 {
		size := uint64(w.hdr.POD.Size()) * uint64(w.hdr.Extent)
		if size == 0 {
			return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: %s samples need explicit dimensions", w.hdr.Name, w.hdr.POD)
		}
		if uint64(len(s.Data))%size != 0 {
			return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: %d bytes is not a whole number of %d-byte elements", w.hdr.Name, len(s.Data), size)
		}
		dims = []uint64{uint64(len(s.Data)) / size}
	}
	n, ok := numElements(dims)
	if !ok {
		return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: dimensions %v are too large", w.hdr.Name, dims)
	}
	if err := checkArray(w.hdr, s.Data, n); err != nil {
		return err
	}
	return w.setArray(ctx, [][]byte{s.Data}, dims, n)
}

// SetStrings writes the next sample of a string or wstring array property.
// If no dims are given, the array is one-dimensional.
// The product of dims times the extent must equal len(vals).
func (w *ArrayWriter) SetStrings(ctx context.Context, vals []string, dims ...uint64) error {
	if len(dims) == 0 {
		if len(vals)%int(w.hdr.Extent) != 0 {
			return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: %d strings is not a whole number of elements of extent %d", w.hdr.Name, len(vals), w.hdr.Extent)
		}
		dims = []uint64{uint64(len(vals) / int(w.hdr.Extent))}
	}
	n, ok := numElements(dims)
	if !ok {
		return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: dimensions %v are too large", w.hdr.Name, dims)
	}
	if total, ok := mulCount(n, uint64(w.hdr.Extent)); !ok || total != uint64(len(vals)) {
		return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: %d strings do not fill dimensions %v", w.hdr.Name, len(vals), dims)
	}

	var spans [][]byte
	switch w.hdr.POD {
	case pod.String:
		lengths, data, err := pod.EncodeStringArray(vals...)
		if err != nil {
			return err
		}
		spans = [][]byte{lengths, data}
	case pod.Wstring:
		data, err := pod.EncodeWstrings(vals...)
		if err != nil {
			return err
		}
		spans = [][]byte{data}
	default:
		return errors.Wrapf(geocache.ErrSchemaViolation, "property %s holds %s, not strings", w.hdr.Name, w.hdr.POD)
	}
	return w.setArray(ctx, spans, dims, n)
}

func (w *ArrayWriter) setArray(ctx context.Context, data [][]byte, dims []uint64, n uint64) error {
	first := w.hdr.NumSamples == 0
	if err := w.set(ctx, data, [][]byte{pod.Encode(dims...)}); err != nil {
		return err
	}
	if first {
		w.elems = n
	} else if n != w.elems {
		w.hdr.IsHomogeneous = false
	}
	return nil
}

// numElements is the product of dims.
// It reports false if the product overflows an int.
func numElements(dims []uint64) (uint64, bool) {
	n := uint64(1)
	for _, d := range dims {
		var ok bool
		if n, ok = mulCount(n, d); !ok {
			return 0, false
		}
	}
	return n, true
}

func mulCount(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}
	return lo, true
}

func checkArray(hdr header.Property, data []byte, n uint64) error {
	vals, ok := mulCount(n, uint64(hdr.Extent))
	if !ok {
		return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: %d elements of extent %d are too many", hdr.Name, n, hdr.Extent)
	}
	switch hdr.POD {
	case pod.String:
		if _, err := pod.DecodeStringArray(data, int(vals)); err != nil {
			return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: %s", hdr.Name, err)
		}
	case pod.Wstring:
		strs, err := pod.DecodeWstrings(data)
		if err != nil {
			return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: %s", hdr.Name, err)
		}
		if uint64(len(strs)) != vals {
			return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: %d strings do not fill %d elements", hdr.Name, len(strs), n)
		}
	default:
		if want, ok := mulCount(vals, uint64(hdr.POD.Size())); !ok || uint64(len(data)) != want {
			return errors.Wrapf(geocache.ErrSchemaViolation, "property %s: sample is %d bytes, dimensions call for %d", hdr.Name, len(data), want)
		}
	}
	return nil
}
