// Package watch delivers recursive filesystem notifications for a set of
// root directories.
//
// Two adapters implement Watcher: FSWatcher, built on fsnotify, and
// PollWatcher, which diffs periodic snapshots for filesystems that do not
// deliver notifications (network mounts, some containers).
package watch

import (
	"fmt"
	"time"
)

// Op is the kind of change observed for a path.
type Op int

const (
	// Created indicates a new file or directory appeared.
	Created Op = iota
	// Modified indicates an existing file's content changed.
	Modified
	// Deleted indicates a file or directory went away.
	Deleted
	// Moved indicates a rename from OldPath to Path.
	Moved
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Moved:
		return "moved"
	default:
		return "unknown"
	}
}

// Event is one filesystem notification.
type Event struct {
	Op Op
	// Path is the absolute path affected (the destination for Moved).
	Path string
	// OldPath is the source path of a Moved event.
	OldPath string
	// ObservedAt is when the notification was received.
	ObservedAt time.Time
}

func (e Event) String() string {
	if e.Op == Moved {
		return fmt.Sprintf("%s %s -> %s", e.Op, e.OldPath, e.Path)
	}
	return fmt.Sprintf("%s %s", e.Op, e.Path)
}

// Watcher is the capability every adapter provides.
type Watcher interface {
	// Start begins watching roots recursively.
	Start(roots ...string) error
	// Events returns the notification stream. It is closed by Stop.
	Events() <-chan Event
	// Errors returns non-fatal watch errors. It is closed by Stop.
	Errors() <-chan error
	// Stop ends watching and blocks until the adapter's goroutines exit.
	Stop() error
}

// Mode names a watcher adapter.
type Mode string

const (
	ModeNotify Mode = "fsnotify"
	ModePoll   Mode = "poll"
)

const (
	// DefaultMoveWindow is how long a rename waits for its matching create.
	DefaultMoveWindow = 50 * time.Millisecond
	// DefaultPollInterval is the snapshot period of the poll adapter.
	DefaultPollInterval = 2 * time.Second

	eventBuffer = 256
	errorBuffer = 16
)

// Options configures an adapter.
type Options struct {
	// SkipDir reports directories that must not be descended into.
	SkipDir func(path string) bool
	// MoveWindow bounds rename/create pairing (fsnotify only).
	MoveWindow time.Duration
	// PollInterval is the snapshot period (poll only).
	PollInterval time.Duration
}

func (o Options) skip(path string) bool {
	return o.SkipDir != nil && o.SkipDir(path)
}

// New returns the adapter for mode. An empty mode selects fsnotify.
func New(mode Mode, opts Options) (Watcher, error) {
	switch mode {
	case "", ModeNotify:
		return NewFSWatcher(opts)
	case ModePoll:
		return NewPollWatcher(opts), nil
	default:
		return nil, fmt.Errorf("unknown watch mode %q (want %s or %s)", mode, ModeNotify, ModePoll)
	}
}
