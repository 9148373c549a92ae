package docstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when no document has the requested id.
	ErrNotFound = errors.New("document not found")

	// ErrUnknownCollection is returned for collections other than nodes/edges.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrEmptyID is returned when a write carries no record key.
	ErrEmptyID = errors.New("document id is empty")

	// ErrUnknownBackend is returned by Open for unregistered backend names.
	ErrUnknownBackend = errors.New("unknown store backend")

	// ErrInvalidFilter is returned when a filter names an unsafe field.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrIncompatibleSchema is returned when a persistent store was written by
	// an incompatible major schema version.
	ErrIncompatibleSchema = errors.New("incompatible store schema version")
)

// StoreWriteError reports a failed upsert or delete. The change that triggered
// it has not been applied and should be retried on the next cycle.
type StoreWriteError struct {
	Op         string // "upsert" or "delete"
	Collection Collection
	ID         string
	Err        error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store %s %s/%s: %v", e.Op, e.Collection, e.ID, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// WriteError wraps err as a StoreWriteError, or returns nil when err is nil.
func WriteError(op string, coll Collection, id string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreWriteError{Op: op, Collection: coll, ID: id, Err: err}
}

// IsWriteError reports whether err is (or wraps) a StoreWriteError.
func IsWriteError(err error) bool {
	var we *StoreWriteError
	return errors.As(err, &we)
}
