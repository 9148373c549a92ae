// Package accumulate collapses raw filesystem notifications into the net
// per-path changes a sync pass has to apply.
//
// An Accumulator is the single guarded object shared by the watcher goroutine
// (Add) and the sync loop (Drain). The mutex is held only for map updates, so
// store I/O done with a drained batch never blocks the watcher.
package accumulate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomkb/loom/internal/watch"
)

// Event is a filesystem change. It is the watch package's event type.
type Event = watch.Event

// DefaultMaxPending bounds the pending set before an early drain is requested.
const DefaultMaxPending = 10000

// Batch is the result of a drain, ordered by first observation.
type Batch struct {
	Events    []Event
	DrainedAt time.Time
}

// Len returns the number of events in the batch.
func (b Batch) Len() int {
	return len(b.Events)
}

// Stats counts what the accumulator has seen since it was created.
type Stats struct {
	Observed  uint64
	Collapsed uint64
	Requeued  uint64
	Drains    uint64
}

// entry is the net change pending for one current path.
type entry struct {
	op     watch.Op
	path   string
	origin string // source of a move
	dirty  bool   // content changed while the path was in a move chain
	first  time.Time
	seq    int64
}

// Accumulator holds pending changes keyed by current path.
type Accumulator struct {
	mu         sync.Mutex
	entries    map[string]*entry
	next       int64
	low        int64
	maxPending int
	full       chan struct{}
	stats      Stats
}

// New creates an empty Accumulator. maxPending <= 0 selects DefaultMaxPending.
func New(maxPending int) *Accumulator {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Accumulator{
		entries:    make(map[string]*entry),
		maxPending: maxPending,
		full:       make(chan struct{}, 1),
	}
}

// Full is signalled when the pending set reaches its bound. The sync loop
// drains early when it fires.
func (a *Accumulator) Full() <-chan struct{} {
	return a.full
}

// Len returns the number of pending paths.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Stats returns a copy of the counters.
func (a *Accumulator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Run feeds events into the accumulator until ctx is done or events closes.
func (a *Accumulator) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.Add(ev)
		}
	}
}

// Add records one notification, collapsing it into any pending change for
// the same path.
func (a *Accumulator) Add(ev Event) {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now()
	}

	a.mu.Lock()
	a.stats.Observed++
	switch ev.Op {
	case watch.Created:
		a.addCreated(ev)
	case watch.Modified:
		a.addModified(ev)
	case watch.Deleted:
		a.addDeleted(ev)
	case watch.Moved:
		a.addMoved(ev)
	}
	// Signal under the lock so a concurrent Drain cannot discard it.
	if len(a.entries) >= a.maxPending {
		select {
		case a.full <- struct{}{}:
		default:
		}
	}
	a.mu.Unlock()
}

func (a *Accumulator) newEntry(op watch.Op, path string, at time.Time) *entry {
	a.next++
	e := &entry{op: op, path: path, first: at, seq: a.next}
	a.entries[path] = e
	return e
}

func (a *Accumulator) addCreated(ev Event) {
	cur, ok := a.entries[ev.Path]
	if !ok {
		a.newEntry(watch.Created, ev.Path, ev.ObservedAt)
		return
	}
	a.stats.Collapsed++
	switch cur.op {
	case watch.Deleted:
		// deleted then created: the path still exists with new content
		cur.op = watch.Modified
	case watch.Moved:
		cur.dirty = true
	}
}

func (a *Accumulator) addModified(ev Event) {
	cur, ok := a.entries[ev.Path]
	if !ok {
		a.newEntry(watch.Modified, ev.Path, ev.ObservedAt)
		return
	}
	a.stats.Collapsed++
	switch cur.op {
	case watch.Deleted:
		cur.op = watch.Modified
	case watch.Moved:
		cur.dirty = true
	}
}

func (a *Accumulator) addDeleted(ev Event) {
	cur, ok := a.entries[ev.Path]
	if !ok {
		a.newEntry(watch.Deleted, ev.Path, ev.ObservedAt)
		return
	}
	a.stats.Collapsed++
	switch cur.op {
	case watch.Created:
		// ephemeral: never reached the store
		delete(a.entries, ev.Path)
	case watch.Modified, watch.Deleted:
		cur.op = watch.Deleted
	case watch.Moved:
		// moved(A->B) then deleted(B): only A's record is stale
		delete(a.entries, ev.Path)
		a.vacate(cur.origin, cur.first, cur.seq)
	}
}

// vacate records that path no longer holds what the store knows about it.
// A newer pending change at path already covers it.
func (a *Accumulator) vacate(path string, at time.Time, seq int64) {
	if cur, ok := a.entries[path]; ok {
		if cur.op == watch.Created {
			cur.op = watch.Modified
		}
		return
	}
	a.entries[path] = &entry{op: watch.Deleted, path: path, first: at, seq: seq}
}

func (a *Accumulator) addMoved(ev Event) {
	from, to := ev.OldPath, ev.Path
	if from == "" || from == to {
		a.addModified(Event{Op: watch.Modified, Path: to, ObservedAt: ev.ObservedAt})
		return
	}

	src, hasSrc := a.entries[from]
	if hasSrc {
		delete(a.entries, from)
		a.stats.Collapsed++
	}
	// Whatever was pending at the destination is overwritten by the move.
	if dst, ok := a.entries[to]; ok {
		delete(a.entries, to)
		a.stats.Collapsed++
		if dst.op == watch.Moved && dst.origin != from {
			a.vacate(dst.origin, dst.first, dst.seq)
		}
	}

	if !hasSrc {
		e := a.newEntry(watch.Moved, to, ev.ObservedAt)
		e.origin = from
		return
	}

	switch src.op {
	case watch.Created:
		// a file the store never saw is simply created at its new path
		src.path = to
		a.entries[to] = src

	case watch.Moved:
		if src.origin == to {
			// moved back where it started
			if src.dirty {
				src.op = watch.Modified
				src.origin = ""
				src.dirty = false
				src.path = to
				a.entries[to] = src
			}
			return
		}
		src.path = to
		a.entries[to] = src

	case watch.Modified:
		src.op = watch.Moved
		src.origin = from
		src.dirty = true
		src.path = to
		a.entries[to] = src

	default:
		src.op = watch.Moved
		src.origin = from
		src.path = to
		a.entries[to] = src
	}
}

// Drain atomically takes every pending change. Notifications arriving after
// the swap land in the next batch.
func (a *Accumulator) Drain() Batch {
	a.mu.Lock()
	taken := a.entries
	a.entries = make(map[string]*entry)
	a.stats.Drains++
	// Discard a stale early-drain signal; the pending set is empty now.
	select {
	case <-a.full:
	default:
	}
	a.mu.Unlock()

	entries := make([]*entry, 0, len(taken))
	for _, e := range taken {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].seq != entries[j].seq {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].path < entries[j].path
	})

	batch := Batch{Events: make([]Event, 0, len(entries)), DrainedAt: time.Now()}
	for _, e := range entries {
		batch.Events = append(batch.Events, e.event())
	}
	return batch
}

func (e *entry) event() Event {
	ev := Event{Op: e.op, Path: e.path, ObservedAt: e.first}
	if e.op == watch.Moved {
		ev.OldPath = e.origin
	}
	return ev
}

// Requeue returns events that a sync pass could not apply. They are ordered
// ahead of everything pending, and never override a newer observation of
// the same path.
func (a *Accumulator) Requeue(events []Event) {
	if len(events) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		a.stats.Requeued++
		a.low--
		seq := a.low

		if _, newer := a.entries[ev.Path]; newer {
			if ev.Op == watch.Moved {
				a.vacate(ev.OldPath, ev.ObservedAt, seq)
			}
			continue
		}

		e := &entry{op: ev.Op, path: ev.Path, first: ev.ObservedAt, seq: seq}
		if ev.Op == watch.Moved {
			e.origin = ev.OldPath
			if _, ok := a.entries[ev.OldPath]; ok {
				// The old path has a newer change; the move's source
				// cleanup is subsumed by it.
				e.op = watch.Modified
				e.origin = ""
			}
		}
		a.entries[ev.Path] = e
	}
}
