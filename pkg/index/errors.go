package index

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict indicates a write or delete carried a revision
	// equal to or older than the store's recorded revision. Expected
	// under at-least-once redelivery.
	ErrVersionConflict = errors.New("revision conflict with stored document")

	// ErrNotFound indicates the document does not exist in the index.
	ErrNotFound = errors.New("document not found in index")

	// ErrUnavailable indicates a store or transport fault. Always fatal
	// to the current attempt and retried by the dispatch layer.
	ErrUnavailable = errors.New("index store unavailable")
)

// Error is a structured index store error.
type Error struct {
	// Op is the operation that failed ("Index", "Delete", ...).
	Op string

	// Err is the underlying sentinel or transport error.
	Err error

	// Msg is optional human-readable context.
	Msg string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsConflict reports whether the error is a version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
