package archive

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/header"
	"github.com/bobg/geocache/store/lru"
	"github.com/bobg/geocache/timesampling"
)

// Reader reads an archive.
// It may be shared by multiple goroutines.
type Reader struct {
	c    geocache.Reader
	conf config

	formatVersion  uint32
	libraryVersion uint32
	md             geocache.MetaData
	info           Info
	reg            *timesampling.Registry
	table          *header.MetaTable
	top            *Object

	mu      sync.Mutex
	data    map[geocache.Handle]*objectData // by object group
	objects map[string]*Object              // by full name
}

// Open opens the archive in b for reading.
func Open(ctx context.Context, b geocache.Backend, opts ...Option) (*Reader, error) {
	conf := newConfig(opts)

	if conf.cacheSize > 0 {
		cached, err := lru.New(b, conf.cacheSize)
		if err != nil {
			return nil, err
		}
		b = cached
	}

	c, err := b.Open(ctx)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		c:       c,
		conf:    conf,
		reg:     timesampling.NewRegistry(),
		table:   header.NewMetaTable(),
		data:    make(map[geocache.Handle]*objectData),
		objects: make(map[string]*Object),
	}
	if err = r.init(ctx); err != nil {
		c.Close()
		return nil, err
	}

	conf.logger.WithFields(logrus.Fields{
		"format_version":  r.formatVersion,
		"library_version": r.libraryVersion,
		"time_samplings":  r.reg.Len(),
	}).Debug("opened archive")

	return r, nil
}

func (r *Reader) init(ctx context.Context) error {
	root := r.c.Root()
	n, err := r.c.NumChildren(ctx, root)
	if err != nil {
		return err
	}
	if n < numRootChildren {
		return errors.Wrapf(geocache.ErrFormat, "root group has %d children, want at least %d", n, numRootChildren)
	}

	if r.formatVersion, err = r.readUint32(ctx, root, rootFormatVersion); err != nil {
		return errors.Wrap(err, "reading format version")
	}
	if r.formatVersion == 0 || r.formatVersion > FormatVersion {
		return errors.Wrapf(geocache.ErrFormat, "unsupported archive format version %d", r.formatVersion)
	}
	if r.libraryVersion, err = r.readUint32(ctx, root, rootLibraryVersion); err != nil {
		return errors.Wrap(err, "reading library version")
	}

	mdBytes, err := r.readChildData(ctx, root, rootMetaData)
	if err != nil {
		return errors.Wrap(err, "reading archive metadata")
	}
	if r.md, err = geocache.ParseMetaData(string(mdBytes)); err != nil {
		return errors.Wrap(err, "parsing archive metadata")
	}

	regBytes, err := r.readChildData(ctx, root, rootTimeSamplings)
	if err != nil {
		return errors.Wrap(err, "reading time samplings")
	}
	if err = r.reg.UnmarshalBinary(regBytes); err != nil {
		return errors.Wrap(err, "decoding time samplings")
	}

	tableBytes, err := r.readChildData(ctx, root, rootMetaTable)
	if err != nil {
		return errors.Wrap(err, "reading metadata table")
	}
	if err = r.table.UnmarshalBinary(tableBytes); err != nil {
		return errors.Wrap(err, "decoding metadata table")
	}

	infoBytes, err := r.readChildData(ctx, root, rootInfo)
	if err != nil {
		return errors.Wrap(err, "reading archive info")
	}
	if r.info, err = unmarshalInfo(infoBytes); err != nil {
		return err
	}

	topGroup, err := r.childGroup(ctx, root, rootTop)
	if err != nil {
		return errors.Wrap(err, "reading top object")
	}
	data, err := r.objectData(ctx, topGroup)
	if err != nil {
		return errors.Wrap(err, "reading top object")
	}
	r.top = &Object{
		r:        r,
		fullName: "/",
		md:       r.md,
		rawMD:    string(mdBytes),
		data:     data,
	}
	r.objects["/"] = r.top
	return nil
}

// child returns child i of group h,
// turning a missing child into a format error.
func (r *Reader) child(ctx context.Context, h geocache.Handle, i int) (geocache.Handle, error) {
	c, err := r.c.Child(ctx, h, i)
	if errors.Is(err, geocache.ErrNotFound) {
		return c, errors.Wrapf(geocache.ErrFormat, "missing child %d", i)
	}
	return c, err
}

func (r *Reader) childGroup(ctx context.Context, h geocache.Handle, i int) (geocache.Handle, error) {
	c, err := r.child(ctx, h, i)
	if err != nil {
		return c, err
	}
	if r.c.IsData(c) {
		return c, errors.Wrapf(geocache.ErrFormat, "child %d is a data block, want a group", i)
	}
	return c, nil
}

func (r *Reader) childData(ctx context.Context, h geocache.Handle, i int) (geocache.Handle, error) {
	c, err := r.child(ctx, h, i)
	if err != nil {
		return c, err
	}
	if !r.c.IsData(c) {
		return c, errors.Wrapf(geocache.ErrFormat, "child %d is a group, want a data block", i)
	}
	return c, nil
}

func (r *Reader) readChildData(ctx context.Context, h geocache.Handle, i int) ([]byte, error) {
	c, err := r.childData(ctx, h, i)
	if err != nil {
		return nil, err
	}
	return r.c.ReadData(ctx, c)
}

func (r *Reader) readUint32(ctx context.Context, h geocache.Handle, i int) (uint32, error) {
	b, err := r.readChildData(ctx, h, i)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, errors.Wrapf(geocache.ErrFormat, "got %d bytes, want 4", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Top returns the top object of the archive.
func (r *Reader) Top() *Object {
	return r.top
}

// FormatVersion is the layout version of the archive.
func (r *Reader) FormatVersion() uint32 { return r.formatVersion }

// LibraryVersion identifies the implementation that wrote the archive.
func (r *Reader) LibraryVersion() uint32 { return r.libraryVersion }

// MetaData returns the archive-level metadata.
func (r *Reader) MetaData() geocache.MetaData {
	return r.md.Copy()
}

// Info returns the archive's descriptive Info block.
func (r *Reader) Info() Info {
	return r.info
}

// NumTimeSamplings is the number of entries in the archive's time sampling registry.
func (r *Reader) NumTimeSamplings() int {
	return r.reg.Len()
}

// TimeSampling returns the registry entry at index i.
// A missing index is subject to the Reader's Policy;
// if the Policy swallows the error the result is timesampling.Identity().
func (r *Reader) TimeSampling(i uint32) (timesampling.TimeSampling, error) {
	e, err := r.reg.Get(i)
	if err != nil {
		return timesampling.Identity(), geocache.Apply(r.conf.policy, err)
	}
	return e.TimeSampling, nil
}

// MaxNumSamples is the largest sample count written
// by any property using time sampling i.
func (r *Reader) MaxNumSamples(i uint32) (uint32, error) {
	e, err := r.reg.Get(i)
	return e.MaxSamples, err
}

// ObjectAt returns the object with the given full name,
// such as "/a/b".
// The path may pass through instances.
// A missing object is subject to the Reader's Policy;
// if the Policy swallows the error the result is nil.
func (r *Reader) ObjectAt(ctx context.Context, path string) (*Object, error) {
	o, err := r.resolve(ctx, path, make(map[string]bool))
	if err != nil {
		return nil, r.lookupErr(err)
	}
	return o, nil
}

// lookupErr passes only not-found errors through the Policy.
func (r *Reader) lookupErr(err error) error {
	if errors.Is(err, geocache.ErrNotFound) {
		return geocache.Apply(r.conf.policy, err)
	}
	return err
}

// resolve walks path from the top object.
// Visiting holds the instance sources being resolved in this call chain;
// meeting one again means the archive's instances form a cycle.
func (r *Reader) resolve(ctx context.Context, path string, visiting map[string]bool) (*Object, error) {
	if o := r.cachedObject(path); o != nil {
		return o, nil
	}
	if visiting[path] {
		return nil, errors.Wrapf(geocache.ErrFormat, "instance cycle through %s", path)
	}
	visiting[path] = true
	defer delete(visiting, path)

	o := r.top
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}
		i, ok := o.data.byName[name]
		if !ok {
			return nil, errors.Wrapf(geocache.ErrNotFound, "no object %s in %s", name, o.fullName)
		}
		var err error
		if o, err = o.child(ctx, i, visiting); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (r *Reader) cachedObject(fullName string) *Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objects[fullName]
}

// cacheObject remembers o by its full name
// and returns the object already cached under that name, if any.
func (r *Reader) cacheObject(o *Object) *Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.objects[o.fullName]; ok {
		return existing
	}
	r.objects[o.fullName] = o
	return o
}

// objectData loads the child list of the object in group.
func (r *Reader) objectData(ctx context.Context, group geocache.Handle) (*objectData, error) {
	r.mu.Lock()
	d, ok := r.data[group]
	r.mu.Unlock()
	if ok {
		return d, nil
	}

	n, err := r.c.NumChildren(ctx, group)
	if err != nil {
		return nil, err
	}
	if n < 2 {
		return nil, errors.Wrapf(geocache.ErrFormat, "object group has %d children, want at least 2", n)
	}
	listBytes, err := r.readChildData(ctx, group, n-1)
	if err != nil {
		return nil, errors.Wrap(err, "reading child list")
	}
	list, err := header.UnmarshalObjectList(listBytes, r.table)
	if err != nil {
		return nil, err
	}

	d = &objectData{
		group:  group,
		list:   list,
		index:  make([]int, len(list.Children)),
		byName: make(map[string]int, len(list.Children)),
	}
	next := 1
	for i, c := range list.Children {
		if _, dup := d.byName[c.Name]; dup {
			return nil, errors.Wrapf(geocache.ErrFormat, "duplicate child name %q", c.Name)
		}
		d.byName[c.Name] = i
		if c.IsInstance() {
			d.index[i] = -1
			continue
		}
		d.index[i] = next
		next++
	}
	if next != n-1 {
		return nil, errors.Wrapf(geocache.ErrFormat, "child list names %d objects, group holds %d", next-1, n-2)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.data[group]; ok {
		return existing, nil
	}
	r.data[group] = d
	return d, nil
}

// Close releases the resources of the archive.
func (r *Reader) Close() error {
	return r.c.Close()
}
