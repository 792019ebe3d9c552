package geocache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Handle is an opaque reference to a group or data block in an open container.
// It is valid only for the container that produced it,
// and only until that container is closed.
type Handle struct {
	arena uint64
	index uint32
}

// IsZero tells whether h is the zero Handle,
// which no container ever produces.
func (h Handle) IsZero() bool { return h.arena == 0 }

func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.arena, h.index)
}

// Writer is the write side of a container:
// an append-only tree of groups and data blocks.
//
// Data blocks are durable as soon as AddData returns.
// Groups hold an ordered list of child references
// and are written when frozen;
// Close freezes every group still open, in post-order,
// and then finalizes the container.
// A container that was never closed cannot be opened for reading.
type Writer interface {
	// Root returns the handle of the root group.
	Root() Handle

	// CreateGroup appends a new, empty group to parent.
	CreateGroup(ctx context.Context, parent Handle) (Handle, error)

	// AddData appends a data block to group.
	// The spans are stored concatenated.
	AddData(ctx context.Context, group Handle, spans ...[]byte) (Handle, error)

	// AddEmptyData appends a zero-length data block to group.
	// It writes nothing physically.
	AddEmptyData(ctx context.Context, group Handle) (Handle, error)

	// LinkExistingData appends to group a second reference to an earlier data block.
	LinkExistingData(ctx context.Context, group, data Handle) error

	// Freeze writes group.
	// Every group beneath it must already be frozen
	// (Freeze freezes them first if not).
	// No children may be added to a frozen group.
	Freeze(ctx context.Context, group Handle) error

	// Stats reports what has been written so far.
	Stats() Stats

	// Close finalizes the container and releases its resources.
	Close() error
}

// Reader is the read side of a container.
// It never requires loading the whole container.
type Reader interface {
	// Root returns the handle of the root group.
	Root() Handle

	// NumChildren returns the number of children of group h.
	NumChildren(ctx context.Context, h Handle) (int, error)

	// Child returns the handle of child i of group h.
	Child(ctx context.Context, h Handle, i int) (Handle, error)

	// IsData tells whether h refers to a data block (as opposed to a group).
	IsData(h Handle) bool

	// DataSize returns the length of data block h.
	DataSize(ctx context.Context, h Handle) (uint64, error)

	// ReadData returns the contents of data block h.
	ReadData(ctx context.Context, h Handle) ([]byte, error)

	// Close releases the container's resources.
	Close() error
}

// Backend is a place where a container lives.
type Backend interface {
	// Create opens a new container for writing, replacing any previous content.
	Create(context.Context) (Writer, error)

	// Open opens an existing, finalized container for reading.
	Open(context.Context) (Reader, error)
}

// Stats counts what a Writer has stored.
type Stats struct {
	Groups int // groups created
	Blocks int // physical (non-empty) data blocks written
	Links  int // extra references to existing data blocks
	Empty  int // empty data blocks
	Bytes  int64
}

var arenaCounter uint64

// Arena holds the records behind the Handles of one open container.
// Handles from other arenas, or from a closed arena, are rejected with ErrInvalidHandle.
// Records are freed all at once by Close.
type Arena[T any] struct {
	id uint64

	mu      sync.Mutex
	records []T
	closed  bool
}

// NewArena produces a new, empty Arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{id: atomic.AddUint64(&arenaCounter, 1)}
}

// Add stores rec and returns its Handle.
func (a *Arena[T]) Add(rec T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return Handle{arena: a.id, index: uint32(len(a.records) - 1)}
}

// Get returns the record for h.
func (a *Arena[T]) Get(h Handle) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero T
	if err := a.check(h); err != nil {
		return zero, err
	}
	return a.records[h.index], nil
}

// Set replaces the record for h.
func (a *Arena[T]) Set(h Handle, rec T) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(h); err != nil {
		return err
	}
	a.records[h.index] = rec
	return nil
}

// Len returns the number of records in the arena.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Owns tells whether h came from this arena.
func (a *Arena[T]) Owns(h Handle) bool {
	return h.arena == a.id
}

// Close frees all records.
// Every Handle from the arena becomes invalid.
func (a *Arena[T]) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = nil
	a.closed = true
}

// Caller must obtain a lock.
func (a *Arena[T]) check(h Handle) error {
	if h.arena != a.id {
		return errors.Wrapf(ErrInvalidHandle, "handle %s belongs to another container", h)
	}
	if a.closed {
		return errors.Wrapf(ErrInvalidHandle, "handle %s used after close", h)
	}
	if int(h.index) >= len(a.records) {
		return errors.Wrapf(ErrInvalidHandle, "handle %s out of range", h)
	}
	return nil
}
