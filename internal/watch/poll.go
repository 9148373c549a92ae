package watch

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type fileState struct {
	size    int64
	modTime time.Time
}

// PollWatcher detects changes by walking the roots every PollInterval and
// diffing against the previous snapshot. It reports files only; a removed
// directory surfaces as one Deleted event per file it contained. Renames are
// reported as Deleted plus Created.
type PollWatcher struct {
	opts    Options
	roots   []string
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
	last    map[string]fileState
}

// NewPollWatcher creates a PollWatcher. It must be started with Start().
func NewPollWatcher(opts Options) *PollWatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &PollWatcher{
		opts:   opts,
		events: make(chan Event, eventBuffer),
		errors: make(chan error, errorBuffer),
		done:   make(chan struct{}),
	}
}

// Start takes the initial snapshot and begins polling.
func (pw *PollWatcher) Start(roots ...string) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.running {
		return fmt.Errorf("watcher already running")
	}
	if pw.stopped {
		return fmt.Errorf("watcher already stopped")
	}
	if len(roots) == 0 {
		return fmt.Errorf("no roots to watch")
	}

	pw.roots = append([]string(nil), roots...)
	snap, err := pw.snapshot(true)
	if err != nil {
		return err
	}
	pw.last = snap

	pw.running = true
	pw.wg.Add(1)
	go pw.loop()
	return nil
}

// Stop ends polling and closes the channels.
func (pw *PollWatcher) Stop() error {
	pw.mu.Lock()
	if pw.stopped {
		pw.mu.Unlock()
		return nil
	}
	pw.stopped = true
	pw.running = false
	pw.mu.Unlock()

	close(pw.done)
	pw.wg.Wait()
	close(pw.events)
	close(pw.errors)
	return nil
}

// Events returns the notification stream.
func (pw *PollWatcher) Events() <-chan Event {
	return pw.events
}

// Errors returns non-fatal walk errors.
func (pw *PollWatcher) Errors() <-chan error {
	return pw.errors
}

// IsRunning returns true if the watcher is currently running.
func (pw *PollWatcher) IsRunning() bool {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.running
}

func (pw *PollWatcher) loop() {
	defer pw.wg.Done()

	ticker := time.NewTicker(pw.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pw.done:
			return
		case <-ticker.C:
			if !pw.poll() {
				return
			}
		}
	}
}

// poll takes a snapshot and emits the differences. It returns false when
// the watcher is shutting down.
func (pw *PollWatcher) poll() bool {
	snap, err := pw.snapshot(false)
	if err != nil {
		select {
		case pw.errors <- err:
		default:
		}
		return true
	}
	now := time.Now()

	for _, ev := range diff(pw.last, snap, now) {
		select {
		case pw.events <- ev:
		case <-pw.done:
			return false
		}
	}
	pw.last = snap
	return true
}

// snapshot walks every root. Unreadable roots are errors only when strict.
func (pw *PollWatcher) snapshot(strict bool) (map[string]fileState, error) {
	snap := make(map[string]fileState)
	for _, root := range pw.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root && strict {
					return err
				}
				return nil
			}
			if d.IsDir() {
				if path != root && pw.opts.skip(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			snap[path] = fileState{size: info.Size(), modTime: info.ModTime()}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", root, err)
		}
	}
	return snap, nil
}

// diff returns the events turning prev into next, sorted by path.
func diff(prev, next map[string]fileState, now time.Time) []Event {
	var events []Event
	for path, st := range next {
		old, ok := prev[path]
		switch {
		case !ok:
			events = append(events, Event{Op: Created, Path: path, ObservedAt: now})
		case old.size != st.size || !old.modTime.Equal(st.modTime):
			events = append(events, Event{Op: Modified, Path: path, ObservedAt: now})
		}
	}
	for path := range prev {
		if _, ok := next[path]; !ok {
			events = append(events, Event{Op: Deleted, Path: path, ObservedAt: now})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	return events
}
