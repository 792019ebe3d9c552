package archive

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/header"
)

// ObjectWriter writes one object of an archive.
type ObjectWriter struct {
	a        *Writer
	parent   *ObjectWriter
	name     string
	fullName string
	md       string // serialized
	group    geocache.Handle
	props    *CompoundWriter

	children []childEntry
	names    map[string]bool
}

type childEntry struct {
	obj    *ObjectWriter // the child itself, or the source of an instance
	header header.Object
}

func (e childEntry) isInstance() bool { return e.header.IsInstance() }

func newObjectWriter(ctx context.Context, a *Writer, parent *ObjectWriter, name, md string, parentGroup geocache.Handle) (*ObjectWriter, error) {
	group, err := a.c.CreateGroup(ctx, parentGroup)
	if err != nil {
		return nil, err
	}
	o := &ObjectWriter{
		a:        a,
		parent:   parent,
		name:     name,
		fullName: joinPath(parent, name),
		md:       md,
		group:    group,
		names:    make(map[string]bool),
	}
	propGroup, err := a.c.CreateGroup(ctx, group)
	if err != nil {
		return nil, errors.Wrap(err, "creating properties group")
	}
	o.props = newCompoundWriter(a, header.Property{Kind: header.Compound, MetaData: md}, propGroup)
	return o, nil
}

func joinPath(parent *ObjectWriter, name string) string {
	switch {
	case parent == nil:
		return "/"
	case parent.parent == nil:
		return "/" + name
	}
	return parent.fullName + "/" + name
}

// Name is the object's name.
// The top object's name is empty.
func (o *ObjectWriter) Name() string { return o.name }

// FullName is the object's path from the top of the archive,
// such as "/a/b".
func (o *ObjectWriter) FullName() string { return o.fullName }

// Parent returns the object's parent,
// or nil for the top object.
func (o *ObjectWriter) Parent() *ObjectWriter { return o.parent }

// Properties returns the compound property at the root of the object's property tree.
func (o *ObjectWriter) Properties() *CompoundWriter { return o.props }

// NumChildren is the number of children added so far,
// including instances.
func (o *ObjectWriter) NumChildren() int { return len(o.children) }

func checkName(name string, taken map[string]bool) error {
	switch {
	case name == "":
		return errors.Wrap(geocache.ErrSchemaViolation, "empty name")
	case strings.Contains(name, "/"):
		return errors.Wrapf(geocache.ErrSchemaViolation, "name %q contains '/'", name)
	case taken[name]:
		return errors.Wrapf(geocache.ErrSchemaViolation, "duplicate name %q", name)
	}
	return nil
}

// CreateChild adds a new child object named name.
func (o *ObjectWriter) CreateChild(ctx context.Context, name string, md geocache.MetaData) (*ObjectWriter, error) {
	if err := o.a.check(); err != nil {
		return nil, err
	}
	if err := checkName(name, o.names); err != nil {
		return nil, errors.Wrapf(err, "creating child of %s", o.fullName)
	}
	mdStr, err := md.Serialize()
	if err != nil {
		return nil, err
	}
	child, err := newObjectWriter(ctx, o.a, o, name, mdStr, o.group)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", joinPath(o, name))
	}
	o.names[name] = true
	o.children = append(o.children, childEntry{
		obj:    child,
		header: header.Object{Name: name, MetaData: mdStr},
	})
	return child, nil
}

// AddChildInstance adds a child named name whose subtree is target's subtree.
// Readers see target's properties and children beneath the new path.
//
// If target is o, an ancestor of o,
// or any object from which o can be reached through children and instances,
// the error is geocache.ErrCycle.
func (o *ObjectWriter) AddChildInstance(target *ObjectWriter, name string) error {
	if err := o.a.check(); err != nil {
		return err
	}
	if target == nil || target.a != o.a {
		return errors.Wrap(geocache.ErrSchemaViolation, "instance target belongs to another archive")
	}
	if err := checkName(name, o.names); err != nil {
		return errors.Wrapf(err, "adding instance to %s", o.fullName)
	}
	if reaches(target, o, make(map[*ObjectWriter]bool)) {
		return errors.Wrapf(geocache.ErrCycle, "instancing %s beneath %s", target.fullName, o.fullName)
	}
	o.names[name] = true
	o.children = append(o.children, childEntry{
		obj:    target,
		header: header.Object{Name: name, InstanceSource: target.fullName},
	})
	return nil
}

// reaches tells whether dest is from or lies beneath from,
// following both real children and instance sources.
func reaches(from, dest *ObjectWriter, seen map[*ObjectWriter]bool) bool {
	if from == dest {
		return true
	}
	if seen[from] {
		return false
	}
	seen[from] = true
	for _, c := range from.children {
		if reaches(c.obj, dest, seen) {
			return true
		}
	}
	return false
}

// finalize writes the object's property tree and child list,
// finalizing its real children first.
func (o *ObjectWriter) finalize(ctx context.Context) (propsDigest, childrenDigest geocache.Digest, err error) {
	_, propsDigest, err = o.props.finalize(ctx)
	if err != nil {
		return propsDigest, childrenDigest, errors.Wrapf(err, "properties of %s", o.fullName)
	}

	var (
		list = header.ObjectList{PropertiesDigest: propsDigest}
		buf  []byte
	)
	for _, c := range o.children {
		list.Children = append(list.Children, c.header)

		buf = protowire.AppendString(buf, c.header.Name)
		buf = protowire.AppendString(buf, c.header.MetaData)
		buf = protowire.AppendString(buf, c.header.InstanceSource)
		if c.isInstance() {
			continue
		}
		pd, cd, err := c.obj.finalize(ctx)
		if err != nil {
			return propsDigest, childrenDigest, err
		}
		buf = append(buf, pd[:]...)
		buf = append(buf, cd[:]...)
	}
	childrenDigest = o.a.conf.hasher.Digest(buf)
	list.ChildrenDigest = childrenDigest

	data, err := header.MarshalObjectList(list, o.a.table)
	if err != nil {
		return propsDigest, childrenDigest, errors.Wrapf(err, "encoding child list of %s", o.fullName)
	}
	if _, err = o.a.c.AddData(ctx, o.group, data); err != nil {
		return propsDigest, childrenDigest, errors.Wrapf(err, "writing child list of %s", o.fullName)
	}
	if err = o.a.c.Freeze(ctx, o.group); err != nil {
		return propsDigest, childrenDigest, errors.Wrapf(err, "freezing %s", o.fullName)
	}
	return propsDigest, childrenDigest, nil
}
