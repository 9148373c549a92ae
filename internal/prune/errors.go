package prune

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a prune is already running for the database.
	ErrBusy = errors.New("prune already in progress")

	// ErrOffline is returned by Available when the connectivity probe fails.
	ErrOffline = errors.New("network unavailable")
)

// NetworkError describes a remote check that did not prove presence.
// Definitive errors (404, 410) prove the resource is gone; anything else is
// ambiguous and must never cause a deletion.
type NetworkError struct {
	URL        string
	Status     int
	Definitive bool
	Err        error
}

func (e *NetworkError) Error() string {
	kind := "ambiguous"
	if e.Definitive {
		kind = "definitive"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s check of %s: %v", kind, e.URL, e.Err)
	}
	return fmt.Sprintf("%s check of %s: status %d", kind, e.URL, e.Status)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsDefinitive reports whether err proves the remote resource is absent.
func IsDefinitive(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.Definitive
}

// IsAmbiguous reports whether err is a failed check that proves nothing.
func IsAmbiguous(err error) bool {
	return err != nil && !IsDefinitive(err)
}
