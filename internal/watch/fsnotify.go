package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSWatcher watches directory trees with fsnotify. Subdirectories created
// after Start are added as they appear. A rename followed by a create within
// the move window is reported as a single Moved event; an unpaired rename
// becomes Deleted.
type FSWatcher struct {
	watcher *fsnotify.Watcher
	opts    Options
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
}

// NewFSWatcher creates a new FSWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFSWatcher(opts Options) (*FSWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if opts.MoveWindow <= 0 {
		opts.MoveWindow = DefaultMoveWindow
	}

	return &FSWatcher{
		watcher: watcher,
		opts:    opts,
		events:  make(chan Event, eventBuffer),
		errors:  make(chan error, errorBuffer),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching every root and its subdirectories.
func (fw *FSWatcher) Start(roots ...string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	if fw.stopped {
		return fmt.Errorf("watcher already stopped")
	}
	if len(roots) == 0 {
		return fmt.Errorf("no roots to watch")
	}

	for _, root := range roots {
		if err := fw.addTree(root, nil); err != nil {
			for _, w := range fw.watcher.WatchList() {
				_ = fw.watcher.Remove(w)
			}
			return err
		}
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// addTree adds dir and its non-skipped subdirectories. When found is non-nil
// it receives every regular file encountered.
func (fw *FSWatcher) addTree(dir string, found func(path string)) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}
			// Entries can vanish while we walk.
			return nil
		}
		if d.IsDir() {
			if path != dir && fw.opts.skip(path) {
				return filepath.SkipDir
			}
			if err := fw.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			return nil
		}
		if found != nil && d.Type().IsRegular() {
			found(path)
		}
		return nil
	})
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FSWatcher) Stop() error {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return nil
	}
	fw.stopped = true
	fw.running = false
	fw.mu.Unlock()

	// Signal shutdown
	close(fw.done)

	// Close the underlying watcher (this will unblock the event loop)
	err := fw.watcher.Close()

	// Wait for event processing to finish
	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events returns the channel that emits Event notifications.
func (fw *FSWatcher) Events() <-chan Event {
	return fw.events
}

// Errors returns the channel that emits error notifications.
func (fw *FSWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FSWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

// pendingRename is a rename source waiting for its destination.
type pendingRename struct {
	path string
	at   time.Time
}

// processEvents converts fsnotify events and pairs renames with creates.
func (fw *FSWatcher) processEvents() {
	defer fw.wg.Done()

	var (
		pending *pendingRename
		timer   *time.Timer
		expire  <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		expire = nil
	}
	defer stopTimer()

	flushPending := func() bool {
		if pending == nil {
			return true
		}
		ev := Event{Op: Deleted, Path: pending.path, ObservedAt: pending.at}
		pending = nil
		stopTimer()
		return fw.emit(ev)
	}

	for {
		select {
		case <-fw.done:
			return

		case <-expire:
			if !flushPending() {
				return
			}

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			now := time.Now()

			switch {
			case event.Has(fsnotify.Rename):
				if !flushPending() {
					return
				}
				pending = &pendingRename{path: event.Name, at: now}
				if timer == nil {
					timer = time.NewTimer(fw.opts.MoveWindow)
				} else {
					timer.Reset(fw.opts.MoveWindow)
				}
				expire = timer.C

			case event.Has(fsnotify.Create):
				var old string
				if pending != nil {
					old = pending.path
					pending = nil
					stopTimer()
				}
				if !fw.handleCreate(event.Name, old, now) {
					return
				}

			case event.Has(fsnotify.Write):
				if !fw.emit(Event{Op: Modified, Path: event.Name, ObservedAt: now}) {
					return
				}

			case event.Has(fsnotify.Remove):
				if !flushPending() {
					return
				}
				if !fw.emit(Event{Op: Deleted, Path: event.Name, ObservedAt: now}) {
					return
				}

			default:
				// Ignore chmod events
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				err = fmt.Errorf("%w: some changes were not observed, run a full sync", err)
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			default:
				// Drop errors nobody is reading rather than stall events.
			}
		}
	}
}

// handleCreate emits the event for a newly appeared path. New directories are
// watched and their existing files reported, since they may have been
// populated before the watch was added.
func (fw *FSWatcher) handleCreate(path, oldPath string, now time.Time) bool {
	info, err := os.Lstat(path)
	isDir := err == nil && info.IsDir()

	if isDir && fw.opts.skip(path) {
		if oldPath != "" {
			return fw.emit(Event{Op: Deleted, Path: oldPath, ObservedAt: now})
		}
		return true
	}

	if oldPath != "" {
		if !fw.emit(Event{Op: Moved, Path: path, OldPath: oldPath, ObservedAt: now}) {
			return false
		}
		if isDir {
			if err := fw.addTree(path, nil); err != nil {
				fw.reportError(err)
			}
		}
		return true
	}

	if !isDir {
		return fw.emit(Event{Op: Created, Path: path, ObservedAt: now})
	}

	var files []string
	if err := fw.addTree(path, func(p string) { files = append(files, p) }); err != nil {
		fw.reportError(err)
	}
	for _, f := range files {
		if !fw.emit(Event{Op: Created, Path: f, ObservedAt: now}) {
			return false
		}
	}
	return true
}

// reportError forwards err without blocking the event loop.
func (fw *FSWatcher) reportError(err error) {
	select {
	case fw.errors <- err:
	default:
	}
}

// emit delivers ev unless the watcher is shutting down.
func (fw *FSWatcher) emit(ev Event) bool {
	select {
	case fw.events <- ev:
		return true
	case <-fw.done:
		return false
	}
}
