package store

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when an upsert arrives while compaction holds
	// the exclusion guard, or a compaction arrives while upserts are in
	// flight. Callers retry later; the call never queues.
	ErrBusy = errors.New("store: compaction in progress")

	// ErrMissingPermission is returned before any I/O when the held
	// authorization token carries no seed for the requested operation.
	ErrMissingPermission = errors.New("store: missing permission for operation")

	// ErrMissingCallback is returned by the callback backend when the
	// required function is not registered.
	ErrMissingCallback = errors.New("store: missing callback")

	// ErrMalformed is returned on wire-data parsing failures.
	ErrMalformed = errors.New("store: malformed wire data")

	// ErrDuplicate is returned by Insert on backends that detect an
	// already-present token.
	ErrDuplicate = errors.New("store: duplicate token")

	// ErrUnsupported is returned for operations a table role does not
	// support, such as DumpTokens on a chain table.
	ErrUnsupported = errors.New("store: operation not supported for this table role")
)

// Error wraps a backend-specific failure with the backend name and the
// operation that failed, so callers can log and retry without knowing
// backend internals.
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err for the given backend and operation. A nil err yields
// nil so call sites can wrap unconditionally.
func E(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Backend: backend, Op: op, Err: err}
}
