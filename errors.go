package geocache

import "errors"

// Errors returned by this module and its subpackages.
// They are usually wrapped with additional context;
// test for them with errors.Is.
var (
	// ErrFormat means the container content is malformed.
	// It is never retried and never silently tolerated.
	ErrFormat = errors.New("malformed archive")

	// ErrSchemaViolation means an API call would violate an archive invariant,
	// such as changing a property's data type mid-stream or reusing a sibling name.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrCycle is the schema violation of instancing an object beneath itself.
	ErrCycle error = &subError{msg: "instance cycle", parent: ErrSchemaViolation}

	// ErrAlreadyOpen is returned when a second writer tries to open the same container.
	ErrAlreadyOpen = errors.New("already open for writing")

	// ErrInvalidHandle is returned when a Handle is used with a container other than the one that produced it,
	// or after that container was closed.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrNotFound is returned when a child, property, or time sampling does not exist.
	ErrNotFound = errors.New("not found")
)

type subError struct {
	msg    string
	parent error
}

func (e *subError) Error() string { return e.msg }
func (e *subError) Unwrap() error { return e.parent }
