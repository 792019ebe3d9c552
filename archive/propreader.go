package archive

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/header"
	"github.com/bobg/geocache/pod"
	"github.com/bobg/geocache/timesampling"
)

// Property is implemented by *CompoundReader, *ScalarReader, and *ArrayReader.
type Property interface {
	Header() header.Property
}

// CompoundReader reads a compound property.
// Its directory of child headers is loaded on first use.
type CompoundReader struct {
	r     *Reader
	hdr   header.Property
	group geocache.Handle

	mu     sync.Mutex
	loaded bool
	props  []header.Property
	byName map[string]int
	cache  map[int]Property
}

func newCompoundReader(r *Reader, hdr header.Property, group geocache.Handle) *CompoundReader {
	return &CompoundReader{r: r, hdr: hdr, group: group}
}

// Header returns the property's header.
func (c *CompoundReader) Header() header.Property { return c.hdr }

// Caller must obtain a lock.
func (c *CompoundReader) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	n, err := c.r.c.NumChildren(ctx, c.group)
	if err != nil {
		return err
	}
	if n < 1 {
		return errors.Wrapf(geocache.ErrFormat, "compound property %q lacks a directory", c.hdr.Name)
	}
	dir, err := c.r.readChildData(ctx, c.group, n-1)
	if err != nil {
		return errors.Wrapf(err, "reading directory of %q", c.hdr.Name)
	}
	props, err := header.DecodeDirectory(dir, c.r.table)
	if err != nil {
		return errors.Wrapf(err, "decoding directory of %q", c.hdr.Name)
	}
	if len(props) != n-1 {
		return errors.Wrapf(geocache.ErrFormat, "directory of %q lists %d properties, group holds %d", c.hdr.Name, len(props), n-1)
	}
	byName := make(map[string]int, len(props))
	for i, p := range props {
		if _, dup := byName[p.Name]; dup {
			return errors.Wrapf(geocache.ErrFormat, "duplicate property name %q in %q", p.Name, c.hdr.Name)
		}
		byName[p.Name] = i
	}
	c.props, c.byName, c.cache = props, byName, make(map[int]Property)
	c.loaded = true
	return nil
}

// NumProperties is the number of child properties.
func (c *CompoundReader) NumProperties(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return 0, err
	}
	return len(c.props), nil
}

// PropertyHeader returns the header of child property i
// without reading anything else.
func (c *CompoundReader) PropertyHeader(ctx context.Context, i int) (header.Property, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return header.Property{}, err
	}
	if i < 0 || i >= len(c.props) {
		return header.Property{}, errors.Wrapf(geocache.ErrNotFound, "property %d of %q (have %d)", i, c.hdr.Name, len(c.props))
	}
	return c.props[i], nil
}

// Property returns child property i.
func (c *CompoundReader) Property(ctx context.Context, i int) (Property, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c.property(ctx, i)
}

// Caller must obtain a lock.
func (c *CompoundReader) property(ctx context.Context, i int) (Property, error) {
	if i < 0 || i >= len(c.props) {
		return nil, errors.Wrapf(geocache.ErrNotFound, "property %d of %q (have %d)", i, c.hdr.Name, len(c.props))
	}
	if p, ok := c.cache[i]; ok {
		return p, nil
	}
	group, err := c.r.childGroup(ctx, c.group, i)
	if err != nil {
		return nil, errors.Wrapf(err, "locating property %s", c.props[i].Name)
	}

	var (
		hdr = c.props[i]
		p   Property
	)
	switch hdr.Kind {
	case header.Compound:
		p = newCompoundReader(c.r, hdr, group)
	case header.Scalar:
		p = &ScalarReader{sampleReader: sampleReader{r: c.r, hdr: hdr, group: group, perSample: 1}}
	case header.Array:
		p = &ArrayReader{sampleReader: sampleReader{r: c.r, hdr: hdr, group: group, perSample: 2}}
	}
	c.cache[i] = p
	return p, nil
}

// PropertyByName returns the child property with the given name.
// A missing property is subject to the Reader's Policy;
// if the Policy swallows the error the result is nil.
func (c *CompoundReader) PropertyByName(ctx context.Context, name string) (Property, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	i, ok := c.byName[name]
	if !ok {
		return nil, c.r.lookupErr(errors.Wrapf(geocache.ErrNotFound, "no property %s in %q", name, c.hdr.Name))
	}
	return c.property(ctx, i)
}

func wrongKind(p Property, want header.Kind) error {
	hdr := p.Header()
	return errors.Wrapf(geocache.ErrSchemaViolation, "property %s is %s, not %s", hdr.Name, hdr.Kind, want)
}

// CompoundByName is PropertyByName for a child that must be a compound property.
func (c *CompoundReader) CompoundByName(ctx context.Context, name string) (*CompoundReader, error) {
	p, err := c.PropertyByName(ctx, name)
	if err != nil || p == nil {
		return nil, err
	}
	if cp, ok := p.(*CompoundReader); ok {
		return cp, nil
	}
	return nil, wrongKind(p, header.Compound)
}

// ScalarByName is PropertyByName for a child that must be a scalar property.
func (c *CompoundReader) ScalarByName(ctx context.Context, name string) (*ScalarReader, error) {
	p, err := c.PropertyByName(ctx, name)
	if err != nil || p == nil {
		return nil, err
	}
	if s, ok := p.(*ScalarReader); ok {
		return s, nil
	}
	return nil, wrongKind(p, header.Scalar)
}

// ArrayByName is PropertyByName for a child that must be an array property.
func (c *CompoundReader) ArrayByName(ctx context.Context, name string) (*ArrayReader, error) {
	p, err := c.PropertyByName(ctx, name)
	if err != nil || p == nil {
		return nil, err
	}
	if a, ok := p.(*ArrayReader); ok {
		return a, nil
	}
	return nil, wrongKind(p, header.Array)
}

// Selector chooses among the samples around a time.
type Selector int

const (
	// Floor selects the last sample at or before the time.
	Floor Selector = iota

	// Ceil selects the first sample at or after the time.
	Ceil

	// Near selects the sample closest to the time.
	Near
)

// sampleReader holds what scalar and array property readers share.
type sampleReader struct {
	r         *Reader
	hdr       header.Property
	group     geocache.Handle
	perSample int // data blocks per stored sample
}

// Header returns the property's header.
func (s *sampleReader) Header() header.Property { return s.hdr }

// NumSamples is the number of samples in the property.
func (s *sampleReader) NumSamples() int { return int(s.hdr.NumSamples) }

// IsConstant tells whether every sample equals sample 0.
func (s *sampleReader) IsConstant() bool { return s.hdr.IsConstant() }

// TimeSampling returns the property's time sampling.
func (s *sampleReader) TimeSampling() (timesampling.TimeSampling, error) {
	return s.r.TimeSampling(s.hdr.TimeSamplingIndex)
}

// IndexAt returns the index of the sample that sel chooses for time t,
// and that sample's time.
func (s *sampleReader) IndexAt(t float64, sel Selector) (int, float64, error) {
	ts, err := s.r.TimeSampling(s.hdr.TimeSamplingIndex)
	if err != nil {
		return 0, 0, err
	}
	n := s.NumSamples()
	switch sel {
	case Ceil:
		i, st := ts.CeilIndex(t, n)
		return i, st, nil
	case Near:
		i, st := ts.NearIndex(t, n)
		return i, st, nil
	}
	i, st := ts.FloorIndex(t, n)
	return i, st, nil
}

// storedIndex maps sample index i to the position of its stored sample.
// Indexes outside [0, NumSamples) are clamped.
func (s *sampleReader) storedIndex(i int) int {
	if n := int(s.hdr.NumSamples); i >= n {
		i = n - 1
	}
	first, last := int(s.hdr.FirstChanged), int(s.hdr.LastChanged)
	switch {
	case i <= 0 || first == 0 || i < first:
		return 0
	case i > last:
		i = last
	}
	return i - first + 1
}

// blocks reads the data blocks of sample i.
func (s *sampleReader) blocks(ctx context.Context, i int) ([][]byte, error) {
	if s.hdr.NumSamples == 0 {
		return nil, errors.Wrapf(geocache.ErrNotFound, "property %s has no samples", s.hdr.Name)
	}
	pos := s.storedIndex(i) * s.perSample
	out := make([][]byte, s.perSample)
	for j := range out {
		b, err := s.r.readChildData(ctx, s.group, pos+j)
		if err != nil {
			return nil, errors.Wrapf(err, "property %s: reading sample %d", s.hdr.Name, i)
		}
		out[j] = b
	}
	return out, nil
}

// ScalarReader reads a scalar property.
type ScalarReader struct {
	sampleReader
}

// Get returns sample i in its stored byte form.
// The result must not be modified.
func (s *ScalarReader) Get(ctx context.Context, i int) ([]byte, error) {
	b, err := s.blocks(ctx, i)
	if err != nil {
		return nil, err
	}
	return b[0], nil
}

// GetStrings returns sample i of a string or wstring property.
func (s *ScalarReader) GetStrings(ctx context.Context, i int) ([]string, error) {
	data, err := s.Get(ctx, i)
	if err != nil {
		return nil, err
	}
	return decodeText(s.hdr, data)
}

func decodeText(hdr header.Property, data []byte) ([]string, error) {
	switch hdr.POD {
	case pod.String:
		return pod.DecodeStrings(data)
	case pod.Wstring:
		return pod.DecodeWstrings(data)
	}
	return nil, errors.Wrapf(geocache.ErrSchemaViolation, "property %s holds %s, not strings", hdr.Name, hdr.POD)
}

// ArrayReader reads an array property.
type ArrayReader struct {
	sampleReader
}

// Get returns sample i.
// The sample's Data must not be modified.
func (a *ArrayReader) Get(ctx context.Context, i int) (ArraySample, error) {
	b, err := a.blocks(ctx, i)
	if err != nil {
		return ArraySample{}, err
	}
	dims, err := pod.Decode[uint64](b[1])
	if err != nil {
		return ArraySample{}, errors.Wrapf(err, "property %s: dimensions of sample %d", a.hdr.Name, i)
	}
	return ArraySample{Data: b[0], Dims: dims}, nil
}

// GetStrings returns sample i of a string or wstring array property,
// with its dimensions.
func (a *ArrayReader) GetStrings(ctx context.Context, i int) ([]string, []uint64, error) {
	s, err := a.Get(ctx, i)
	if err != nil {
		return nil, nil, err
	}
	elems, ok := numElements(s.Dims)
	if !ok {
		return nil, nil, errors.Wrapf(geocache.ErrFormat, "property %s: sample %d has impossible dimensions %v", a.hdr.Name, i, s.Dims)
	}
	n, ok := mulCount(elems, uint64(a.hdr.Extent))
	if !ok {
		return nil, nil, errors.Wrapf(geocache.ErrFormat, "property %s: sample %d has impossible dimensions %v", a.hdr.Name, i, s.Dims)
	}
	var vals []string
	switch a.hdr.POD {
	case pod.String:
		vals, err = pod.DecodeStringArray(s.Data, int(n))
	case pod.Wstring:
		vals, err = pod.DecodeWstrings(s.Data)
		if err == nil && uint64(len(vals)) != n {
			err = errors.Wrapf(geocache.ErrFormat, "%d strings do not fill dimensions %v", len(vals), s.Dims)
		}
	default:
		err = errors.Wrapf(geocache.ErrSchemaViolation, "property %s holds %s, not strings", a.hdr.Name, a.hdr.POD)
	}
	if err != nil {
		return nil, nil, err
	}
	return vals, s.Dims, nil
}
