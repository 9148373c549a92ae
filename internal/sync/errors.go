package sync

import (
	"errors"
	"fmt"

	"github.com/loomkb/loom/internal/classify"
	"github.com/loomkb/loom/internal/docstore"
)

// ErrStoreRead marks a failed store lookup made while applying an event.
var ErrStoreRead = errors.New("store read failed")

// TransientIOError reports a path that vanished while it was being read.
// The orchestrator retries once and then treats the path as deleted.
type TransientIOError struct {
	Path string
	Err  error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient I/O error on %s: %v", e.Path, e.Err)
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a TransientIOError.
func IsTransient(err error) bool {
	var te *TransientIOError
	return errors.As(err, &te)
}

// IsRetryable reports whether the event behind err should be requeued.
// Store failures are retryable; problems with the file itself are not,
// since retrying would fail the same way.
func IsRetryable(err error) bool {
	return docstore.IsWriteError(err) || errors.Is(err, ErrStoreRead)
}

// IsFatal reports whether err must stop the process. Only configuration
// errors are fatal; everything else is logged and the pass continues.
func IsFatal(err error) bool {
	return classify.IsConfigurationError(err)
}

func storeReadErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreRead, op, err)
}

// storeErr tags err as a store failure unless it already is a write error.
func storeErr(op string, err error) error {
	if docstore.IsWriteError(err) {
		return err
	}
	return storeReadErr(op, err)
}
