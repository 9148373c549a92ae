package prune

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLoadTimers_Missing(t *testing.T) {
	timers, err := LoadTimers(filepath.Join(t.TempDir(), TimersFile))
	if err != nil {
		t.Fatalf("LoadTimers() failed: %v", err)
	}
	if _, ok := timers.Last("notes"); ok {
		t.Error("expected no timer in a fresh state file")
	}
}

func TestLoadTimers_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), TimersFile)
	if err := os.WriteFile(path, []byte("last_prune = ["), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := LoadTimers(path); err == nil {
		t.Error("expected an error for a corrupt state file")
	}
}

func TestTimers_Persist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", TimersFile)
	timers, err := LoadTimers(path)
	if err != nil {
		t.Fatalf("LoadTimers() failed: %v", err)
	}

	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	if err := timers.Reset("notes", at); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if err := timers.Reset("work", at.Add(time.Hour)); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	reloaded, err := LoadTimers(path)
	if err != nil {
		t.Fatalf("LoadTimers() failed: %v", err)
	}
	got, ok := reloaded.Last("notes")
	if !ok || !got.Equal(at) {
		t.Errorf("Last(notes) = %v, %v; want %v", got, ok, at)
	}
	if dbs := reloaded.Databases(); len(dbs) != 2 || dbs[0] != "notes" || dbs[1] != "work" {
		t.Errorf("Databases() = %v", dbs)
	}
}

func TestTimers_SharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), TimersFile)
	manual, err := LoadTimers(path)
	if err != nil {
		t.Fatalf("LoadTimers() failed: %v", err)
	}
	daemon, err := LoadTimers(path)
	if err != nil {
		t.Fatalf("LoadTimers() failed: %v", err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := manual.Reset("a", at); err != nil {
		t.Fatalf("Reset(a) failed: %v", err)
	}
	if err := daemon.Reset("b", at.Add(time.Minute)); err != nil {
		t.Fatalf("Reset(b) failed: %v", err)
	}

	reloaded, err := LoadTimers(path)
	if err != nil {
		t.Fatalf("LoadTimers() failed: %v", err)
	}
	if got, ok := reloaded.Last("a"); !ok || !got.Equal(at) {
		t.Errorf("Last(a) = %v, %v; want %v", got, ok, at)
	}
	if got, ok := reloaded.Last("b"); !ok || !got.Equal(at.Add(time.Minute)) {
		t.Errorf("Last(b) = %v, %v; want %v", got, ok, at.Add(time.Minute))
	}

	// A stale copy must not roll back a newer time written by another process.
	if err := manual.Reset("a", at.Add(time.Hour)); err != nil {
		t.Fatalf("Reset(a) failed: %v", err)
	}
	if got, _ := manual.Last("b"); !got.Equal(at.Add(time.Minute)) {
		t.Errorf("manual Last(b) = %v after merge, want %v", got, at.Add(time.Minute))
	}
}

func TestTimers_ConcurrentResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), TimersFile)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		timers, err := LoadTimers(path)
		if err != nil {
			t.Fatalf("LoadTimers() failed: %v", err)
		}
		wg.Add(1)
		go func(i int, timers *Timers) {
			defer wg.Done()
			errs <- timers.Reset(fmt.Sprintf("db%d", i), at)
		}(i, timers)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Reset() failed: %v", err)
		}
	}

	reloaded, err := LoadTimers(path)
	if err != nil {
		t.Fatalf("LoadTimers() failed: %v", err)
	}
	if dbs := reloaded.Databases(); len(dbs) != 8 {
		t.Errorf("Databases() = %v, want 8 entries", dbs)
	}
}

func TestScheduler_Due(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	timers := NewTimers()
	if err := timers.Reset("notes", base); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	s := NewScheduler(timers, map[string]time.Duration{
		"notes": time.Hour,
		"off":   0,
		"new":   time.Hour,
	})

	tests := []struct {
		name string
		db   string
		now  time.Time
		want bool
	}{
		{"before frequency", "notes", base.Add(59 * time.Minute), false},
		{"exactly at frequency", "notes", base.Add(time.Hour), true},
		{"after frequency", "notes", base.Add(2 * time.Hour), true},
		{"zero frequency disables", "off", base.Add(1000 * time.Hour), false},
		{"unconfigured database", "other", base.Add(1000 * time.Hour), false},
		{"never pruned", "new", base, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Due(tt.db, tt.now); got != tt.want {
				t.Errorf("Due(%s) = %v, want %v", tt.db, got, tt.want)
			}
		})
	}

	next, ok := s.Next("notes")
	if !ok || !next.Equal(base.Add(time.Hour)) {
		t.Errorf("Next(notes) = %v, %v", next, ok)
	}
	if _, ok := s.Next("off"); ok {
		t.Error("Next(off) should report automatic prune disabled")
	}
}
