package sync

import (
	"context"
	"time"

	"github.com/loomkb/loom/internal/accumulate"
)

// Orchestrator keeps the document store in step with the filesystem.
//
// Implementations are resilient: a failure for one path is recorded in the
// Result and processing continues with the remaining paths.
type Orchestrator interface {
	// Apply processes a drained batch in order.
	//
	// Events that could not be applied because the store failed are returned
	// in Result.Failed so the caller can requeue them for the next pass.
	Apply(ctx context.Context, batch accumulate.Batch) Result

	// SyncPath synchronizes a single file or every file beneath a directory.
	//
	// Directories listed by the classifier's exclusions are not descended
	// into. Nodes are never deleted because a file was not found by the
	// walk; a path that no longer exists at all is synced as a delete.
	//
	// Returns an error only if path cannot be resolved or walked.
	SyncPath(ctx context.Context, path string) (Result, error)
}

// Result summarizes one sync pass.
type Result struct {
	RunID string

	Upserted      int
	Unchanged     int
	Deleted       int
	Skipped       int
	EdgesUpserted int
	EdgesDeleted  int

	// Failed lists events to retry on the next pass.
	Failed []accumulate.Event
	// Errors holds one entry per failed or skipped path.
	Errors []error

	Started  time.Time
	Finished time.Time
}

// Changed reports whether the pass wrote anything.
func (r Result) Changed() bool {
	return r.Upserted+r.Deleted+r.EdgesUpserted+r.EdgesDeleted > 0
}

// Duration returns how long the pass took.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}
