package archive

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/header"
)

// objectData is what the archive stores for one object group.
// Instances share the objectData of their source.
type objectData struct {
	group  geocache.Handle
	list   header.ObjectList
	index  []int          // group child index of each list entry; -1 for instances
	byName map[string]int // list index by name

	mu    sync.Mutex
	props *CompoundReader
}

// Object is one object of an archive being read.
//
// An Object reached through an instance reports the path at which it was reached,
// not the path of the source object it shares its data with.
type Object struct {
	r        *Reader
	parent   *Object
	name     string
	fullName string
	md       geocache.MetaData
	rawMD    string
	data     *objectData

	instanceRoot       bool
	instanceDescendant bool
	source             string
}

// Name is the object's name.
// The top object's name is empty.
func (o *Object) Name() string { return o.name }

// FullName is the object's path from the top of the archive.
func (o *Object) FullName() string { return o.fullName }

// MetaData returns the object's metadata.
// An instance has the metadata of its source.
func (o *Object) MetaData() geocache.MetaData { return o.md.Copy() }

// Parent returns the object's parent,
// or nil for the top object.
func (o *Object) Parent() *Object { return o.parent }

// NumChildren is the number of the object's children, including instances.
func (o *Object) NumChildren() int { return len(o.data.list.Children) }

// ChildName returns the name of child i without resolving it.
func (o *Object) ChildName(i int) (string, error) {
	if i < 0 || i >= len(o.data.list.Children) {
		return "", errors.Wrapf(geocache.ErrNotFound, "child %d of %s (have %d)", i, o.fullName, len(o.data.list.Children))
	}
	return o.data.list.Children[i].Name, nil
}

// IsInstanceRoot tells whether o is an instance:
// the exact object at which another object's subtree is aliased.
func (o *Object) IsInstanceRoot() bool { return o.instanceRoot }

// IsInstanceDescendant tells whether o was reached through an instance,
// including the instance itself.
func (o *Object) IsInstanceDescendant() bool { return o.instanceDescendant }

// InstanceSourcePath is the full name of the object an instance aliases.
// It is empty unless o is an instance root.
func (o *Object) InstanceSourcePath() string { return o.source }

// PropertiesDigest is the digest of the object's property tree.
// Objects with equal property trees have equal digests.
func (o *Object) PropertiesDigest() geocache.Digest { return o.data.list.PropertiesDigest }

// ChildrenDigest is the digest of the object's children and their subtrees.
func (o *Object) ChildrenDigest() geocache.Digest { return o.data.list.ChildrenDigest }

// Child returns child i of the object.
func (o *Object) Child(ctx context.Context, i int) (*Object, error) {
	return o.child(ctx, i, make(map[string]bool))
}

// ChildByName returns the child with the given name.
// A missing child is subject to the Reader's Policy;
// if the Policy swallows the error the result is nil.
func (o *Object) ChildByName(ctx context.Context, name string) (*Object, error) {
	i, ok := o.data.byName[name]
	if !ok {
		return nil, o.r.lookupErr(errors.Wrapf(geocache.ErrNotFound, "no object %s in %s", name, o.fullName))
	}
	child, err := o.Child(ctx, i)
	if err != nil {
		return nil, o.r.lookupErr(err)
	}
	return child, nil
}

func (o *Object) childPath(name string) string {
	if o.parent == nil {
		return "/" + name
	}
	return o.fullName + "/" + name
}

func (o *Object) child(ctx context.Context, i int, visiting map[string]bool) (*Object, error) {
	if i < 0 || i >= len(o.data.list.Children) {
		return nil, errors.Wrapf(geocache.ErrNotFound, "child %d of %s (have %d)", i, o.fullName, len(o.data.list.Children))
	}
	entry := o.data.list.Children[i]
	fullName := o.childPath(entry.Name)
	if c := o.r.cachedObject(fullName); c != nil {
		return c, nil
	}

	child := &Object{
		r:                  o.r,
		parent:             o,
		name:               entry.Name,
		fullName:           fullName,
		instanceDescendant: o.instanceDescendant,
	}

	if entry.IsInstance() {
		src := entry.InstanceSource
		if src == "/" || src == fullName || strings.HasPrefix(fullName, src+"/") {
			return nil, errors.Wrapf(geocache.ErrFormat, "instance %s aliases its own ancestor %s", fullName, src)
		}
		source, err := o.r.resolve(ctx, src, visiting)
		if errors.Is(err, geocache.ErrNotFound) {
			return nil, errors.Wrapf(geocache.ErrFormat, "instance %s: source %s does not exist", fullName, src)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "resolving instance %s", fullName)
		}
		child.md, child.rawMD = source.md, source.rawMD
		child.data = source.data
		child.instanceRoot = true
		child.instanceDescendant = true
		child.source = src
	} else {
		md, err := geocache.ParseMetaData(entry.MetaData)
		if err != nil {
			return nil, errors.Wrapf(err, "metadata of %s", fullName)
		}
		group, err := o.r.childGroup(ctx, o.data.group, o.data.index[i])
		if err != nil {
			return nil, errors.Wrapf(err, "locating %s", fullName)
		}
		data, err := o.r.objectData(ctx, group)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", fullName)
		}
		child.md, child.rawMD = md, entry.MetaData
		child.data = data
	}

	return o.r.cacheObject(child), nil
}

// Properties returns the compound property at the root of the object's property tree.
// Instances share the properties of their source.
func (o *Object) Properties(ctx context.Context) (*CompoundReader, error) {
	d := o.data
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.props != nil {
		return d.props, nil
	}
	group, err := o.r.childGroup(ctx, d.group, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "locating properties of %s", o.fullName)
	}
	d.props = newCompoundReader(o.r, header.Property{Kind: header.Compound, MetaData: o.rawMD}, group)
	return d.props, nil
}
