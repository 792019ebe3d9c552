// Package sqlstore implements geocache containers in a SQL database.
//
// One database may hold any number of containers, distinguished by name.
// The SQL is shared by every database;
// a Dialect supplies the schema and the way to learn a new row's id.
// See packages sqlite3 and pg.
//
// A container being written is marked in its gc_archives row,
// and a second Create fails with geocache.ErrAlreadyOpen until the Writer closes.
// If the writing process dies first, the mark remains;
// clear it with Backend.ForceRelease once no writer can still be running.
package sqlstore

import (
	"context"
	"database/sql"
	stderrs "errors"
	"sync"

	"github.com/bobg/sqlutil"
	"github.com/pkg/errors"

	"github.com/bobg/geocache"
)

// Dialect adapts Backend to one kind of database.
//
// The schema must create the tables gc_archives, gc_groups, gc_data, and gc_children
// if they do not exist.
// Queries use $1-style placeholders.
type Dialect interface {
	// Schema is the SQL that New executes.
	Schema() string

	// Insert executes an INSERT statement into a table with an id column
	// and returns the id of the new row.
	Insert(ctx context.Context, db *sql.DB, q string, args ...interface{}) (int64, error)
}

// Backend is a named container in a SQL database.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	name    string
}

var _ geocache.Backend = &Backend{}

// New produces a Backend for the container called name in db.
// It expects to create the tables in the dialect's schema,
// or for those tables already to exist with the correct schema.
func New(ctx context.Context, db *sql.DB, d Dialect, name string) (*Backend, error) {
	_, err := db.ExecContext(ctx, d.Schema())
	return &Backend{db: db, dialect: d, name: name}, errors.Wrap(err, "creating schema")
}

// Name is the name of b's container.
func (b *Backend) Name() string { return b.name }

// Create implements geocache.Backend.
// It discards any previous container with the same name.
func (b *Backend) Create(ctx context.Context) (geocache.Writer, error) {
	const q1 = `INSERT INTO gc_archives (name) VALUES ($1) ON CONFLICT DO NOTHING`
	if _, err := b.db.ExecContext(ctx, q1, b.name); err != nil {
		return nil, errors.Wrapf(err, "adding archive %s", b.name)
	}

	const q2 = `UPDATE gc_archives SET writing = 1, root = NULL WHERE name = $1 AND writing = 0`
	res, err := b.db.ExecContext(ctx, q2, b.name)
	if err != nil {
		return nil, errors.Wrapf(err, "claiming archive %s", b.name)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "counting affected rows")
	}
	if aff == 0 {
		return nil, errors.Wrapf(geocache.ErrAlreadyOpen, "archive %s", b.name)
	}

	for _, q := range []string{
		`DELETE FROM gc_children WHERE parent IN (SELECT id FROM gc_groups WHERE archive = $1)`,
		`DELETE FROM gc_groups WHERE archive = $1`,
		`DELETE FROM gc_data WHERE archive = $1`,
	} {
		if _, err = b.db.ExecContext(ctx, q, b.name); err != nil {
			b.release(ctx)
			return nil, errors.Wrapf(err, "clearing archive %s", b.name)
		}
	}

	w := &Writer{b: b, nodes: geocache.NewArena[*node]()}
	id, err := w.insertGroup(ctx)
	if err != nil {
		b.release(ctx)
		return nil, err
	}
	w.root = w.nodes.Add(&node{id: id})
	return w, nil
}

// ForceRelease clears the mark that a Writer for b's container is open.
// It is for recovering after a writer exited without closing.
// Calling it while a Writer is still active lets a second writer interleave with the first.
func (b *Backend) ForceRelease(ctx context.Context) error {
	const q = `UPDATE gc_archives SET writing = 0 WHERE name = $1`
	_, err := b.db.ExecContext(ctx, q, b.name)
	return errors.Wrapf(err, "releasing archive %s", b.name)
}

func (b *Backend) release(ctx context.Context) {
	const q = `UPDATE gc_archives SET writing = 0 WHERE name = $1`
	b.db.ExecContext(ctx, q, b.name)
}

// Open implements geocache.Backend.
func (b *Backend) Open(ctx context.Context) (geocache.Reader, error) {
	const q = `SELECT root FROM gc_archives WHERE name = $1`

	var root sql.NullInt64
	err := b.db.QueryRowContext(ctx, q, b.name).Scan(&root)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(geocache.ErrNotFound, "archive %s", b.name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening archive %s", b.name)
	}
	if !root.Valid {
		return nil, errors.Wrapf(geocache.ErrFormat, "archive %s was not finalized", b.name)
	}

	r := &Reader{
		db:       b.db,
		refs:     geocache.NewArena[ref](),
		handles:  make(map[ref]geocache.Handle),
		children: make(map[int64][]ref),
	}
	r.root = r.handle(ref{id: root.Int64})
	return r, nil
}

type node struct {
	data     bool
	id       int64
	children []geocache.Handle
	frozen   bool
}

// Writer implements geocache.Writer.
type Writer struct {
	b      *Backend
	nodes  *geocache.Arena[*node]
	root   geocache.Handle
	stats  geocache.Stats
	closed bool
}

func (w *Writer) insertGroup(ctx context.Context) (int64, error) {
	const q = `INSERT INTO gc_groups (archive) VALUES ($1)`
	id, err := w.b.dialect.Insert(ctx, w.b.db, q, w.b.name)
	return id, errors.Wrap(err, "inserting group")
}

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

// Root implements geocache.Writer.
func (w *Writer) Root() geocache.Handle { return w.root }

// Stats implements geocache.Writer.
func (w *Writer) Stats() geocache.Stats { return w.stats }

// CreateGroup implements geocache.Writer.
func (w *Writer) CreateGroup(ctx context.Context, parent geocache.Handle) (geocache.Handle, error) {
	p, err := w.group(parent)
	if err != nil {
		return geocache.Handle{}, err
	}
	id, err := w.insertGroup(ctx)
	if err != nil {
		return geocache.Handle{}, err
	}
	h := w.nodes.Add(&node{id: id})
	p.children = append(p.children, h)
	w.stats.Groups++
	return h, nil
}

// AddData implements geocache.Writer.
func (w *Writer) AddData(ctx context.Context, group geocache.Handle, spans ...[]byte) (geocache.Handle, error) {
	var size int
	for _, s := range spans {
		size += len(s)
	}
	if size == 0 {
		return w.AddEmptyData(ctx, group)
	}
	p, err := w.group(group)
	if err != nil {
		return geocache.Handle{}, err
	}

	buf := make([]byte, 0, size)
	for _, s := range spans {
		buf = append(buf, s...)
	}

	const q = `INSERT INTO gc_data (archive, bytes) VALUES ($1, $2)`
	id, err := w.b.dialect.Insert(ctx, w.b.db, q, w.b.name, buf)
	if err != nil {
		return geocache.Handle{}, errors.Wrap(err, "inserting data")
	}

	h := w.nodes.Add(&node{data: true, id: id, frozen: true})
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
	h := w.nodes.Add(&node{data: true, frozen: true})
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
	const q = `INSERT INTO gc_children (parent, pos, is_data, child) VALUES ($1, $2, $3, $4)`
	for i, h := range n.children {
		child, err := w.nodes.Get(h)
		if err != nil {
			return err
		}
		if err = w.freeze(ctx, child); err != nil {
			return err
		}
		var isData int
		if child.data {
			isData = 1
		}
		if _, err = w.b.db.ExecContext(ctx, q, n.id, i, isData, child.id); err != nil {
			return errors.Wrapf(err, "inserting child %d of group %d", i, n.id)
		}
	}
	n.frozen = true
	return nil
}

// Close implements geocache.Writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.nodes.Close()

	ctx := context.Background()
	defer w.b.release(ctx)

	root, err := w.nodes.Get(w.root)
	if err != nil {
		return err
	}
	if err = w.freeze(ctx, root); err != nil {
		return errors.Wrap(err, "freezing root group")
	}
	const q = `UPDATE gc_archives SET root = $1 WHERE name = $2`
	_, err = w.b.db.ExecContext(ctx, q, root.id, w.b.name)
	return errors.Wrap(err, "finalizing archive")
}

// ref identifies a group or data row.
// A data ref with id 0 is the empty data block.
type ref struct {
	data bool
	id   int64
}

// Reader implements geocache.Reader.
type Reader struct {
	db   *sql.DB
	root geocache.Handle

	mu       sync.Mutex // protects handles and children
	refs     *geocache.Arena[ref]
	handles  map[ref]geocache.Handle
	children map[int64][]ref
}

func (r *Reader) handle(rf ref) geocache.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[rf]; ok {
		return h
	}
	h := r.refs.Add(rf)
	r.handles[rf] = h
	return h
}

// Root implements geocache.Reader.
func (r *Reader) Root() geocache.Handle { return r.root }

// IsData implements geocache.Reader.
func (r *Reader) IsData(h geocache.Handle) bool {
	rf, err := r.refs.Get(h)
	return err == nil && rf.data
}

// groupChildren loads (once) the child refs of group h.
func (r *Reader) groupChildren(ctx context.Context, h geocache.Handle) ([]ref, error) {
	rf, err := r.refs.Get(h)
	if err != nil {
		return nil, err
	}
	if rf.data {
		return nil, errors.Wrapf(geocache.ErrInvalidHandle, "handle %s is a data block, not a group", h)
	}

	r.mu.Lock()
	kids, ok := r.children[rf.id]
	r.mu.Unlock()
	if ok {
		return kids, nil
	}

	const q = `SELECT pos, is_data, child FROM gc_children WHERE parent = $1 ORDER BY pos`
	err = sqlutil.ForQueryRows(ctx, r.db, q, rf.id, func(pos, isData, child int64) error {
		if pos != int64(len(kids)) {
			return errors.Wrapf(geocache.ErrFormat, "group %d: child %d out of sequence", rf.id, pos)
		}
		kids = append(kids, ref{data: isData != 0, id: child})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading children of group %d", rf.id)
	}

	r.mu.Lock()
	r.children[rf.id] = kids
	r.mu.Unlock()
	return kids, nil
}

// NumChildren implements geocache.Reader.
func (r *Reader) NumChildren(ctx context.Context, h geocache.Handle) (int, error) {
	kids, err := r.groupChildren(ctx, h)
	return len(kids), err
}

// Child implements geocache.Reader.
func (r *Reader) Child(ctx context.Context, h geocache.Handle, i int) (geocache.Handle, error) {
	kids, err := r.groupChildren(ctx, h)
	if err != nil {
		return geocache.Handle{}, err
	}
	if i < 0 || i >= len(kids) {
		return geocache.Handle{}, errors.Wrapf(geocache.ErrNotFound, "child %d of %d", i, len(kids))
	}
	return r.handle(kids[i]), nil
}

func (r *Reader) dataID(h geocache.Handle) (int64, error) {
	rf, err := r.refs.Get(h)
	if err != nil {
		return 0, err
	}
	if !rf.data {
		return 0, errors.Wrapf(geocache.ErrInvalidHandle, "handle %s is a group, not a data block", h)
	}
	return rf.id, nil
}

// DataSize implements geocache.Reader.
func (r *Reader) DataSize(ctx context.Context, h geocache.Handle) (uint64, error) {
	id, err := r.dataID(h)
	if err != nil || id == 0 {
		return 0, err
	}
	const q = `SELECT LENGTH(bytes) FROM gc_data WHERE id = $1`
	var size int64
	err = r.db.QueryRowContext(ctx, q, id).Scan(&size)
	if stderrs.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrapf(geocache.ErrFormat, "missing data block %d", id)
	}
	return uint64(size), errors.Wrapf(err, "sizing data block %d", id)
}

// ReadData implements geocache.Reader.
func (r *Reader) ReadData(ctx context.Context, h geocache.Handle) ([]byte, error) {
	id, err := r.dataID(h)
	if err != nil || id == 0 {
		return nil, err
	}
	const q = `SELECT bytes FROM gc_data WHERE id = $1`
	var buf []byte
	err = r.db.QueryRowContext(ctx, q, id).Scan(&buf)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(geocache.ErrFormat, "missing data block %d", id)
	}
	return buf, errors.Wrapf(err, "reading data block %d", id)
}

// Close implements geocache.Reader.
// It does not close the database.
func (r *Reader) Close() error {
	r.refs.Close()
	return nil
}
