package prune

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// TimersFile is the name of the prune timer state file inside the state dir.
const TimersFile = "prune-timers.toml"

// timerState is the on-disk form of Timers.
type timerState struct {
	LastPrune map[string]time.Time `toml:"last_prune"`
}

// Timers records the last prune time per database. With a path set, every
// reset is persisted so the schedule survives restarts.
type Timers struct {
	mu   sync.Mutex
	path string
	last map[string]time.Time
}

// NewTimers returns timers that live only in memory.
func NewTimers() *Timers {
	return &Timers{last: make(map[string]time.Time)}
}

// LoadTimers reads the state file at path. A missing file yields empty timers.
func LoadTimers(path string) (*Timers, error) {
	last, err := readTimers(path)
	if err != nil {
		return nil, err
	}
	return &Timers{path: path, last: last}, nil
}

func readTimers(path string) (map[string]time.Time, error) {
	last := make(map[string]time.Time)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return last, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prune timers: %w", err)
	}

	var state timerState
	if _, err := toml.Decode(string(data), &state); err != nil {
		return nil, fmt.Errorf("failed to parse prune timers %s: %w", path, err)
	}
	for db, at := range state.LastPrune {
		last[db] = at.UTC()
	}
	return last, nil
}

// Path returns the state file path, or "" for in-memory timers.
func (t *Timers) Path() string {
	return t.path
}

// Last returns the last prune time for db.
func (t *Timers) Last(db string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.last[db]
	return at, ok
}

// Databases returns the names with a recorded prune, sorted.
func (t *Timers) Databases() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.last))
	for db := range t.last {
		names = append(names, db)
	}
	sort.Strings(names)
	return names
}

// Reset sets the last prune time for db and persists the state. Several
// processes share the state file, so the file is re-read under an exclusive
// lock and entries for other databases keep the later of the two times.
func (t *Timers) Reset(db string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[db] = at.UTC()
	if t.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	lf, err := os.OpenFile(t.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open prune timers lock: %w", err)
	}
	defer lf.Close()
	if err := lockFile(lf); err != nil {
		return fmt.Errorf("failed to lock prune timers: %w", err)
	}
	defer func() { _ = unlockFile(lf) }()

	disk, err := readTimers(t.path)
	if err != nil {
		return err
	}
	for name, when := range disk {
		if name == db {
			continue
		}
		if cur, ok := t.last[name]; !ok || when.After(cur) {
			t.last[name] = when
		}
	}
	return t.save()
}

// save writes the state file atomically. Callers hold t.mu and the file lock.
func (t *Timers) save() error {
	var buf bytes.Buffer
	state := timerState{LastPrune: t.last}
	if err := toml.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("failed to encode prune timers: %w", err)
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write prune timers: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace prune timers: %w", err)
	}
	return nil
}

// Scheduler decides when automatic prunes are due.
type Scheduler struct {
	timers    *Timers
	frequency map[string]time.Duration
}

// NewScheduler returns a scheduler over timers. A zero or missing frequency
// disables automatic pruning for that database.
func NewScheduler(timers *Timers, frequency map[string]time.Duration) *Scheduler {
	f := make(map[string]time.Duration, len(frequency))
	for db, d := range frequency {
		f[db] = d
	}
	return &Scheduler{timers: timers, frequency: f}
}

// Frequency returns the automatic prune frequency for db.
func (s *Scheduler) Frequency(db string) time.Duration {
	return s.frequency[db]
}

// Due reports whether an automatic prune of db should run at now. A database
// that has never been pruned is due immediately.
func (s *Scheduler) Due(db string, now time.Time) bool {
	freq := s.frequency[db]
	if freq <= 0 {
		return false
	}
	last, ok := s.timers.Last(db)
	if !ok {
		return true
	}
	return now.Sub(last) >= freq
}

// Next returns when db is next due. ok is false when automatic pruning is off.
func (s *Scheduler) Next(db string) (next time.Time, ok bool) {
	freq := s.frequency[db]
	if freq <= 0 {
		return time.Time{}, false
	}
	last, seen := s.timers.Last(db)
	if !seen {
		return time.Time{}, true
	}
	return last.Add(freq), true
}
