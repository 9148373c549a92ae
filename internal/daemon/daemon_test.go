package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/loomkb/loom/internal/accumulate"
	"github.com/loomkb/loom/internal/docstore"
	"github.com/loomkb/loom/internal/prune"
	"github.com/loomkb/loom/internal/schema"
	loomsync "github.com/loomkb/loom/internal/sync"
	"github.com/loomkb/loom/internal/watch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	syncs  int
	prunes int
}

func (r *recorder) SyncDone(string, loomsync.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs++
}

func (r *recorder) PruneDone(string, prune.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prunes++
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncs, r.prunes
}

// gatedStore blocks the first node upsert until release is closed.
type gatedStore struct {
	*docstore.Memory
	once    sync.Once
	blocked chan struct{}
	release chan struct{}
}

func (g *gatedStore) Upsert(ctx context.Context, coll docstore.Collection, id string, doc docstore.Document) error {
	if coll == docstore.Nodes {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.blocked)
			<-g.release
		}
	}
	return g.Memory.Upsert(ctx, coll, id, doc)
}

type harness struct {
	dir   string
	repo  *schema.Repo
	comps Components
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks() failed: %v", err)
	}
	repo := schema.NewRepo(docstore.NewMemory())
	lock := &sync.Mutex{}
	return &harness{
		dir:  dir,
		repo: repo,
		comps: Components{
			Watcher:      watch.NewPollWatcher(watch.Options{PollInterval: 10 * time.Millisecond}),
			Accumulator:  accumulate.New(0),
			Orchestrator: loomsync.New(repo, loomsync.Config{Database: "test", RetryDelay: time.Millisecond}),
			Lock:         lock,
		},
	}
}

func (h *harness) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(h.dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return p
}

func (h *harness) hasNode(path string) bool {
	ok, err := h.repo.HasNode(context.Background(), schema.MustLocalID(path))
	return err == nil && ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// run starts d in the background and returns a function that stops it and
// returns Start's error.
func run(t *testing.T, d *Daemon) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("daemon did not stop")
			return nil
		}
	}
}

func TestNew(t *testing.T) {
	h := newHarness(t)
	cfg := func() *Config { return &Config{Roots: []string{h.dir}} }

	tests := []struct {
		name    string
		mutate  func(*Components, *Config)
		wantErr bool
	}{
		{"valid", func(*Components, *Config) {}, false},
		{"nil watcher", func(c *Components, _ *Config) { c.Watcher = nil }, true},
		{"nil accumulator", func(c *Components, _ *Config) { c.Accumulator = nil }, true},
		{"nil orchestrator", func(c *Components, _ *Config) { c.Orchestrator = nil }, true},
		{"no roots", func(_ *Components, c *Config) { c.Roots = nil }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comps, config := h.comps, cfg()
			tt.mutate(&comps, config)
			_, err := New(comps, config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDaemon_SyncsChanges(t *testing.T) {
	h := newHarness(t)
	a := h.write(t, "a.md", "a")

	rec := &recorder{}
	d, err := New(h.comps, &Config{
		Database:     "test",
		Roots:        []string{h.dir},
		SyncInterval: 20 * time.Millisecond,
		InitialSync:  true,
		Notifier:     rec,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := run(t, d)

	waitFor(t, "initial sync", func() bool { return h.hasNode(a) })

	b := h.write(t, "b.md", "b")
	waitFor(t, "created file", func() bool { return h.hasNode(b) })

	if err := os.Remove(a); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	waitFor(t, "deleted file", func() bool { return !h.hasNode(a) })

	if err := stop(); err != nil {
		t.Errorf("Start() returned %v", err)
	}
	if syncs, _ := rec.counts(); syncs < 3 {
		t.Errorf("notifier saw %d sync passes, want at least 3", syncs)
	}
}

func TestDaemon_ChangeDuringInitialSync(t *testing.T) {
	h := newHarness(t)
	store := &gatedStore{
		Memory:  docstore.NewMemory(),
		blocked: make(chan struct{}),
		release: make(chan struct{}),
	}
	h.repo = schema.NewRepo(store)
	h.comps.Orchestrator = loomsync.New(h.repo, loomsync.Config{Database: "test", RetryDelay: time.Millisecond})
	a := h.write(t, "a.md", "a")

	d, err := New(h.comps, &Config{
		Database:     "test",
		Roots:        []string{h.dir},
		SyncInterval: 20 * time.Millisecond,
		InitialSync:  true,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := run(t, d)

	select {
	case <-store.blocked:
	case <-time.After(5 * time.Second):
		close(store.release)
		_ = stop()
		t.Fatal("initial sync never reached the store")
	}

	// The walk has already listed the directory, so only the watcher can
	// see this file.
	b := h.write(t, "b.md", "b")
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	waitFor(t, "initial sync", func() bool { return h.hasNode(a) })
	waitFor(t, "file written during the initial sync", func() bool { return h.hasNode(b) })

	if err := stop(); err != nil {
		t.Errorf("Start() returned %v", err)
	}
}

func TestDaemon_FinalDrainOnStop(t *testing.T) {
	h := newHarness(t)
	d, err := New(h.comps, &Config{
		Roots:        []string{h.dir},
		SyncInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := run(t, d)

	// Give the poll watcher its first snapshot before writing.
	time.Sleep(50 * time.Millisecond)
	p := h.write(t, "late.md", "late")
	waitFor(t, "pending change", func() bool { return h.comps.Accumulator.Len() > 0 })

	if err := stop(); err != nil {
		t.Errorf("Start() returned %v", err)
	}
	if !h.hasNode(p) {
		t.Error("pending change was not applied on stop")
	}
}

func TestDaemon_AutomaticPrune(t *testing.T) {
	h := newHarness(t)
	stale := schema.NewNode(schema.MustLocalID(filepath.Join(h.dir, "gone.md")))
	if err := h.repo.PutNode(context.Background(), stale); err != nil {
		t.Fatalf("PutNode() failed: %v", err)
	}

	timers := prune.NewTimers()
	h.comps.Pruner = prune.New(h.repo, prune.Config{Database: "test", Timers: timers, Lock: h.comps.Lock})
	h.comps.Scheduler = prune.NewScheduler(timers, map[string]time.Duration{"test": 20 * time.Millisecond})

	rec := &recorder{}
	d, err := New(h.comps, &Config{
		Database:     "test",
		Roots:        []string{h.dir},
		SyncInterval: 20 * time.Millisecond,
		Notifier:     rec,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := run(t, d)

	waitFor(t, "automatic prune", func() bool {
		_, prunes := rec.counts()
		return prunes > 0
	})
	if err := stop(); err != nil {
		t.Errorf("Start() returned %v", err)
	}

	ok, err := h.repo.HasNode(context.Background(), stale.LocalID)
	if err != nil {
		t.Fatalf("HasNode() failed: %v", err)
	}
	if ok {
		t.Error("stale node survived an automatic prune")
	}
	if _, ok := timers.Last("test"); !ok {
		t.Error("prune timer was not reset")
	}
}

func TestDaemon_StopIdempotent(t *testing.T) {
	h := newHarness(t)
	d, err := New(h.comps, &Config{Roots: []string{h.dir}})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := run(t, d)
	time.Sleep(20 * time.Millisecond)
	if err := stop(); err != nil {
		t.Errorf("Start() returned %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Errorf("second Stop() returned %v", err)
	}
}

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "notes.lock")

	first, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() failed: %v", err)
	}

	if _, err := AcquireLock(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second AcquireLock() error = %v, want ErrAlreadyRunning", err)
	}

	pid, err := ReadLockPID(path)
	if err != nil {
		t.Fatalf("ReadLockPID() failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("ReadLockPID() = %d, want %d", pid, os.Getpid())
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Errorf("second Release() failed: %v", err)
	}

	again, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() after release failed: %v", err)
	}
	again.Release()
}
