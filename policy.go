package geocache

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Policy decides what a lookup accessor does with a failed lookup.
// Handle receives the error and returns the error the accessor should report.
// Returning nil makes the accessor return a zero value instead.
//
// Policies are consulted only for lookups that may legitimately miss
// (ErrNotFound).
// Malformed-container errors always propagate.
type Policy interface {
	Handle(error) error
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(error) error

// Handle implements Policy.
func (f PolicyFunc) Handle(err error) error { return f(err) }

// Propagate is the default Policy: every error is returned to the caller.
var Propagate Policy = PolicyFunc(func(err error) error { return err })

// Quiet swallows ErrNotFound so that lookups return zero values.
var Quiet Policy = PolicyFunc(func(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
})

// LogQuiet is like Quiet but logs each swallowed error at debug level.
func LogQuiet(logger logrus.FieldLogger) Policy {
	return PolicyFunc(func(err error) error {
		if errors.Is(err, ErrNotFound) {
			logger.WithError(err).Debug("lookup failed, using default")
			return nil
		}
		return err
	})
}

// Apply runs err through p.
// A nil Policy behaves like Propagate,
// and a nil err is never passed to p.
func Apply(p Policy, err error) error {
	if err == nil {
		return nil
	}
	if p == nil {
		return err
	}
	return p.Handle(err)
}
