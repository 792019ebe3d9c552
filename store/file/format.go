package file

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/geocache"
)

// Format constants.
// All integers in a container are little-endian.
const (
	Magic        = "GEOCACHE"
	TrailerMagic = "GEOCEND\x00"
	Version      = 1

	HeaderSize  = 16 // magic, version (uint16), reserved
	TrailerSize = 24 // root group ref, data block count, trailer magic

	// DataBit marks a child ref as referring to a data block.
	// The ref DataBit alone (offset 0) is the empty data block.
	// The ref 0 is the empty group.
	DataBit = uint64(1) << 63
)

type node struct {
	data     bool
	ref      uint64
	children []geocache.Handle
	frozen   bool
}

// Writer writes a container to an underlying io.Writer.
// It implements geocache.Writer.
//
// Data records (size, then bytes) are written as soon as they are added.
// Group records (child count, then child refs) are written when frozen,
// which means every group follows all of its descendants.
// Close writes the trailer.
type Writer struct {
	w      io.Writer
	closer io.Closer
	pos    uint64
	nodes  *geocache.Arena[*node]
	root   geocache.Handle
	stats  geocache.Stats
	closed bool
}

var _ geocache.Writer = &Writer{}

// NewWriter writes the container header to w
// and returns a Writer for the rest of the container.
// If c is not nil, Close closes it after writing the trailer.
func NewWriter(w io.Writer, c io.Closer) (*Writer, error) {
	var hdr [HeaderSize]byte
	copy(hdr[:], Magic)
	binary.LittleEndian.PutUint16(hdr[len(Magic):], Version)
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, errors.Wrap(err, "writing header")
	}
	nodes := geocache.NewArena[*node]()
	return &Writer{
		w:      w,
		closer: c,
		pos:    HeaderSize,
		nodes:  nodes,
		root:   nodes.Add(&node{}),
	}, nil
}

// Root implements geocache.Writer.
func (w *Writer) Root() geocache.Handle { return w.root }

// Stats implements geocache.Writer.
func (w *Writer) Stats() geocache.Stats { return w.stats }

func (w *Writer) group(h geocache.Handle) (*node, error) {
	n, err := w.nodes.Get(h)
	if err != nil {
		return nil, err
	}
	if n.data {
		return nil, errors.Wrapf(geocache.ErrInvalidHandle, "handle %s is a data block, not a group", h)
	}
	if n.frozen {
		return nil, errors.Wrapf(geocache.ErrSchemaViolation, "group %s is frozen", h)
	}
	return n, nil
}

// CreateGroup implements geocache.Writer.
func (w *Writer) CreateGroup(_ context.Context, parent geocache.Handle) (geocache.Handle, error) {
	p, err := w.group(parent)
	if err != nil {
		return geocache.Handle{}, err
	}
	h := w.nodes.Add(&node{})
	p.children = append(p.children, h)
	w.stats.Groups++
	return h, nil
}

// AddData implements geocache.Writer.
func (w *Writer) AddData(ctx context.Context, group geocache.Handle, spans ...[]byte) (geocache.Handle, error) {
	var size uint64
	for _, s := range spans {
		size += uint64(len(s))
	}
	if size == 0 {
		return w.AddEmptyData(ctx, group)
	}

	p, err := w.group(group)
	if err != nil {
		return geocache.Handle{}, err
	}

	offset := w.pos
	if err = w.write(binary.LittleEndian.AppendUint64(nil, size)); err != nil {
		return geocache.Handle{}, errors.Wrap(err, "writing data size")
	}
	for _, s := range spans {
		if err = w.write(s); err != nil {
			return geocache.Handle{}, errors.Wrap(err, "writing data")
		}
	}

	h := w.nodes.Add(&node{data: true, ref: DataBit | offset, frozen: true})
	p.children = append(p.children, h)
	w.stats.Blocks++
	w.stats.Bytes += int64(size)
	return h, nil
}

// AddEmptyData implements geocache.Writer.
func (w *Writer) AddEmptyData(_ context.Context, group geocache.Handle) (geocache.Handle, error) {
	p, err := w.group(group)
	if err != nil {
		return geocache.Handle{}, err
	}
	h := w.nodes.Add(&node{data: true, ref: DataBit, frozen: true})
	p.children = append(p.children, h)
	w.stats.Empty++
	return h, nil
}

// LinkExistingData implements geocache.Writer.
func (w *Writer) LinkExistingData(_ context.Context, group, data geocache.Handle) error {
	p, err := w.group(group)
	if err != nil {
		return err
	}
	d, err := w.nodes.Get(data)
	if err != nil {
		return err
	}
	if !d.data {
		return errors.Wrapf(geocache.ErrInvalidHandle, "handle %s is a group, not a data block", data)
	}
	p.children = append(p.children, data)
	w.stats.Links++
	return nil
}

// Freeze implements geocache.Writer.
func (w *Writer) Freeze(ctx context.Context, group geocache.Handle) error {
	n, err := w.nodes.Get(group)
	if err != nil {
		return err
	}
	if n.data {
		return errors.Wrapf(geocache.ErrInvalidHandle, "handle %s is a data block, not a group", group)
	}
	return w.freeze(ctx, n)
}

func (w *Writer) freeze(ctx context.Context, n *node) error {
	if n.frozen {
		return nil
	}
	if len(n.children) == 0 {
		n.frozen = true
		return nil
	}

	buf := make([]byte, 0, 8*(1+len(n.children)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(n.children)))
	for _, h := range n.children {
		child, err := w.nodes.Get(h)
		if err != nil {
			return err
		}
		if err = w.freeze(ctx, child); err != nil {
			return err
		}
		buf = binary.LittleEndian.AppendUint64(buf, child.ref)
	}

	n.ref = w.pos
	if err := w.write(buf); err != nil {
		return errors.Wrap(err, "writing group")
	}
	n.frozen = true
	return nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.w.Write(b)
	w.pos += uint64(n)
	return err
}

// Close implements geocache.Writer.
// It freezes the root group (and with it every open group)
// and writes the trailer.
func (w *Writer) Close() (err error) {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.nodes.Close()
	if w.closer != nil {
		defer func() {
			if cerr := w.closer.Close(); err == nil {
				err = cerr
			}
		}()
	}

	root, err := w.nodes.Get(w.root)
	if err != nil {
		return err
	}
	if err = w.freeze(context.Background(), root); err != nil {
		return errors.Wrap(err, "freezing root group")
	}

	var trailer [TrailerSize]byte
	binary.LittleEndian.PutUint64(trailer[:], root.ref)
	binary.LittleEndian.PutUint64(trailer[8:], uint64(w.stats.Blocks))
	copy(trailer[16:], TrailerMagic)
	if err = w.write(trailer[:]); err != nil {
		return errors.Wrap(err, "writing trailer")
	}

	if s, ok := w.w.(interface{ Sync() error }); ok {
		return errors.Wrap(s.Sync(), "syncing")
	}
	return nil
}

// Reader reads a container through an io.ReaderAt.
// It implements geocache.Reader.
// Only the header and trailer are read when it is opened;
// everything else is read on demand.
type Reader struct {
	r         io.ReaderAt
	closer    io.Closer
	end       uint64 // offset of the trailer
	root      geocache.Handle
	numBlocks uint64

	mu      sync.Mutex // protects handles
	handles map[uint64]geocache.Handle
	refs    *geocache.Arena[uint64]
}

var _ geocache.Reader = &Reader{}

// NewReader opens the container of the given size in r.
// If c is not nil, Close closes it.
func NewReader(r io.ReaderAt, size int64, c io.Closer) (*Reader, error) {
	if size < HeaderSize+TrailerSize {
		return nil, errors.Wrapf(geocache.ErrFormat, "%d bytes is too short for a container", size)
	}

	var hdr [HeaderSize]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}
	if string(hdr[:len(Magic)]) != Magic {
		return nil, errors.Wrap(geocache.ErrFormat, "bad magic number")
	}
	if v := binary.LittleEndian.Uint16(hdr[len(Magic):]); v != Version {
		return nil, errors.Wrapf(geocache.ErrFormat, "unsupported version %d", v)
	}

	end := uint64(size) - TrailerSize
	var trailer [TrailerSize]byte
	if _, err := r.ReadAt(trailer[:], int64(end)); err != nil {
		return nil, errors.Wrap(err, "reading trailer")
	}
	if string(trailer[16:]) != TrailerMagic {
		return nil, errors.Wrap(geocache.ErrFormat, "missing trailer (container not finalized?)")
	}
	rootRef := binary.LittleEndian.Uint64(trailer[:])
	if rootRef != 0 && (rootRef&DataBit != 0 || rootRef < HeaderSize || rootRef >= end) {
		return nil, errors.Wrapf(geocache.ErrFormat, "root group offset %d out of range", rootRef)
	}

	rd := &Reader{
		r:         r,
		closer:    c,
		end:       end,
		numBlocks: binary.LittleEndian.Uint64(trailer[8:]),
		handles:   make(map[uint64]geocache.Handle),
		refs:      geocache.NewArena[uint64](),
	}
	rd.root = rd.handle(rootRef)
	return rd, nil
}

func (r *Reader) handle(ref uint64) geocache.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[ref]; ok {
		return h
	}
	h := r.refs.Add(ref)
	r.handles[ref] = h
	return h
}

// Root implements geocache.Reader.
func (r *Reader) Root() geocache.Handle { return r.root }

// NumBlocks is the number of physical data blocks in the container.
func (r *Reader) NumBlocks() uint64 { return r.numBlocks }

// IsData implements geocache.Reader.
func (r *Reader) IsData(h geocache.Handle) bool {
	ref, err := r.refs.Get(h)
	return err == nil && ref&DataBit != 0
}

func (r *Reader) uint64At(off uint64) (uint64, error) {
	if off+8 > r.end {
		return 0, errors.Wrapf(geocache.ErrFormat, "offset %d out of range", off)
	}
	var buf [8]byte
	if _, err := r.r.ReadAt(buf[:], int64(off)); err != nil {
		return 0, errors.Wrapf(err, "reading at offset %d", off)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (r *Reader) groupRef(h geocache.Handle) (uint64, error) {
	ref, err := r.refs.Get(h)
	if err != nil {
		return 0, err
	}
	if ref&DataBit != 0 {
		return 0, errors.Wrapf(geocache.ErrInvalidHandle, "handle %s is a data block, not a group", h)
	}
	return ref, nil
}

func (r *Reader) numChildren(ref uint64) (uint64, error) {
	if ref == 0 {
		return 0, nil
	}
	n, err := r.uint64At(ref)
	if err != nil {
		return 0, err
	}
	if n > (r.end-ref-8)/8 {
		return 0, errors.Wrapf(geocache.ErrFormat, "group at %d claims %d children", ref, n)
	}
	return n, nil
}

// NumChildren implements geocache.Reader.
func (r *Reader) NumChildren(_ context.Context, h geocache.Handle) (int, error) {
	ref, err := r.groupRef(h)
	if err != nil {
		return 0, err
	}
	n, err := r.numChildren(ref)
	return int(n), err
}

// Child implements geocache.Reader.
func (r *Reader) Child(_ context.Context, h geocache.Handle, i int) (geocache.Handle, error) {
	ref, err := r.groupRef(h)
	if err != nil {
		return geocache.Handle{}, err
	}
	n, err := r.numChildren(ref)
	if err != nil {
		return geocache.Handle{}, err
	}
	if i < 0 || uint64(i) >= n {
		return geocache.Handle{}, errors.Wrapf(geocache.ErrNotFound, "child %d of %d", i, n)
	}
	childRef, err := r.uint64At(ref + 8 + 8*uint64(i))
	if err != nil {
		return geocache.Handle{}, err
	}

	// Everything a group refers to was written before it.
	off := childRef &^ DataBit
	if off != 0 && (off < HeaderSize || off >= ref) {
		return geocache.Handle{}, errors.Wrapf(geocache.ErrFormat, "group at %d: child %d ref %d out of range", ref, i, off)
	}
	return r.handle(childRef), nil
}

func (r *Reader) dataRef(h geocache.Handle) (uint64, error) {
	ref, err := r.refs.Get(h)
	if err != nil {
		return 0, err
	}
	if ref&DataBit == 0 {
		return 0, errors.Wrapf(geocache.ErrInvalidHandle, "handle %s is a group, not a data block", h)
	}
	return ref &^ DataBit, nil
}

func (r *Reader) dataSize(off uint64) (uint64, error) {
	if off == 0 {
		return 0, nil
	}
	size, err := r.uint64At(off)
	if err != nil {
		return 0, err
	}
	if size > r.end-off-8 {
		return 0, errors.Wrapf(geocache.ErrFormat, "data block at %d claims %d bytes", off, size)
	}
	return size, nil
}

// DataSize implements geocache.Reader.
func (r *Reader) DataSize(_ context.Context, h geocache.Handle) (uint64, error) {
	off, err := r.dataRef(h)
	if err != nil {
		return 0, err
	}
	return r.dataSize(off)
}

// ReadData implements geocache.Reader.
func (r *Reader) ReadData(_ context.Context, h geocache.Handle) ([]byte, error) {
	off, err := r.dataRef(h)
	if err != nil {
		return nil, err
	}
	size, err := r.dataSize(off)
	if err != nil || size == 0 {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err = r.r.ReadAt(buf, int64(off+8)); err != nil {
		return nil, errors.Wrapf(err, "reading data block at %d", off)
	}
	return buf, nil
}

// Close implements geocache.Reader.
func (r *Reader) Close() error {
	r.refs.Close()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
