package prune

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomkb/loom/internal/docstore"
	"github.com/loomkb/loom/internal/schema"
)

type fakeChecker struct {
	mu      sync.Mutex
	results map[string]error
	calls   map[string]int
	offline error
}

func newFakeChecker(results map[string]error) *fakeChecker {
	return &fakeChecker{results: results, calls: make(map[string]int)}
}

func (f *fakeChecker) Available(context.Context) error { return f.offline }

func (f *fakeChecker) Check(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	return f.results[url]
}

var (
	errTimeout = &NetworkError{URL: "x", Err: context.DeadlineExceeded}
	errGone    = &NetworkError{URL: "x", Status: 404, Definitive: true}
)

type fixture struct {
	dir  string
	repo *schema.Repo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{dir: t.TempDir(), repo: schema.NewRepo(docstore.NewMemory())}
}

// file creates a file and a node for it, returning the node's local id.
func (f *fixture) file(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
	id := schema.MustLocalID(p)
	require.NoError(t, f.repo.PutNode(context.Background(), schema.NewNode(id)))
	return id
}

func (f *fixture) missing(name string) string {
	return schema.MustLocalID(filepath.Join(f.dir, name))
}

func (f *fixture) edge(t *testing.T, source, local, remote string) *schema.Edge {
	t.Helper()
	target := local
	if target == "" {
		target = remote
	}
	e := schema.NewEdge(source, target, 0, schema.LinkMarkdown)
	e.TargetLocal = local
	e.TargetRemote = remote
	require.NoError(t, f.repo.PutEdge(context.Background(), e))
	return e
}

func (f *fixture) hasEdge(t *testing.T, id string) bool {
	t.Helper()
	_, err := f.repo.Store().Get(context.Background(), docstore.Edges, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestPrune_LocalRemovesMissingNodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.file(t, "a.md")
	b := f.file(t, "b.md")
	c := f.file(t, "c.md")
	fromC := f.edge(t, c, a, "")
	require.NoError(t, os.Remove(filepath.Join(f.dir, "c.md")))

	engine := New(f.repo, Config{Database: "notes"})
	rep, err := engine.Prune(ctx, Options{})
	require.NoError(t, err)

	nodes, edges, err := f.repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 0, edges)
	assert.Equal(t, 1, rep.NodesRemoved)
	assert.Equal(t, 1, rep.OrphanEdgesRemoved)
	assert.False(t, f.hasEdge(t, fromC.ID))

	ok, err := f.repo.HasNode(ctx, b)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPrune_LocalDanglingTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.file(t, "src.md")
	known := f.file(t, "known.md")
	plain := filepath.Join(f.dir, "plain.txt")
	require.NoError(t, os.WriteFile(plain, nil, 0o644))

	toKnown := f.edge(t, src, known, "")
	toPlain := f.edge(t, src, schema.MustLocalID(plain), "")
	toMissing := f.edge(t, src, f.missing("nope.md"), "")
	toRemote := f.edge(t, src, f.missing("gone.md"), "https://example.com/gone")

	rep, err := New(f.repo, Config{Database: "notes"}).Prune(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.DanglingEdgesRemoved)
	assert.True(t, f.hasEdge(t, toKnown.ID))
	assert.True(t, f.hasEdge(t, toPlain.ID), "a target present on disk is kept")
	assert.False(t, f.hasEdge(t, toMissing.ID))
	assert.True(t, f.hasEdge(t, toRemote.ID), "remote targets are only judged by the remote phase")
}

func TestPrune_AmbiguousNeverDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.file(t, "src.md")
	url := "https://example.com/slow"
	e := f.edge(t, src, f.missing("slow.md"), url)

	checker := newFakeChecker(map[string]error{url: errTimeout})
	engine := New(f.repo, Config{Database: "notes", Checker: checker})

	for i := 0; i < 5; i++ {
		rep, err := engine.Prune(ctx, Options{Remote: true})
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Ambiguous)
		assert.Zero(t, rep.Removed())
	}
	assert.True(t, f.hasEdge(t, e.ID))
	assert.Equal(t, 5, checker.calls[url])
}

func TestPrune_DefinitiveAbsentDeletesInOnePass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.file(t, "src.md")
	url := "https://example.com/gone"
	e := f.edge(t, src, f.missing("gone.md"), url)
	remoteOnly := f.edge(t, src, "", "https://example.com/also-gone")

	checker := newFakeChecker(map[string]error{url: errGone, "https://example.com/also-gone": errGone})
	rep, err := New(f.repo, Config{Database: "notes", Checker: checker}).Prune(ctx, Options{Remote: true})
	require.NoError(t, err)

	assert.Equal(t, 2, rep.TargetsCleared)
	assert.Equal(t, 2, rep.DanglingEdgesRemoved)
	assert.False(t, f.hasEdge(t, e.ID))
	assert.False(t, f.hasEdge(t, remoteOnly.ID))
}

func TestPrune_PresentKeepsEdge(t *testing.T) {
	f := newFixture(t)
	src := f.file(t, "src.md")
	e := f.edge(t, src, "", "https://example.com/ok")

	checker := newFakeChecker(nil)
	rep, err := New(f.repo, Config{Checker: checker}).Prune(context.Background(), Options{Remote: true})
	require.NoError(t, err)
	assert.Zero(t, rep.TargetsCleared)
	assert.True(t, f.hasEdge(t, e.ID))
}

func TestPrune_ValidLocalTargetSkipsRemoteCheck(t *testing.T) {
	f := newFixture(t)
	src := f.file(t, "src.md")
	dst := f.file(t, "dst.md")
	url := "https://example.com/dst"
	e := f.edge(t, src, dst, url)

	checker := newFakeChecker(map[string]error{url: errGone})
	_, err := New(f.repo, Config{Checker: checker}).Prune(context.Background(), Options{Remote: true})
	require.NoError(t, err)
	assert.Zero(t, checker.calls[url])
	assert.True(t, f.hasEdge(t, e.ID))
}

func TestPrune_SourceRemoteClearedOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.file(t, "src.md")
	dst := f.file(t, "dst.md")
	e := schema.NewEdge(src, "dst.md", 0, schema.LinkMarkdown)
	e.TargetLocal = dst
	e.SourceRemoteID = "https://example.com/src"
	require.NoError(t, f.repo.PutEdge(ctx, e))

	checker := newFakeChecker(map[string]error{"https://example.com/src": errGone})
	rep, err := New(f.repo, Config{Checker: checker}).Prune(ctx, Options{Remote: true})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.SourcesCleared)
	assert.Zero(t, rep.Removed())

	edges, err := f.repo.EdgesFrom(ctx, src)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Empty(t, edges[0].SourceRemoteID)
	assert.Equal(t, dst, edges[0].TargetLocal)
}

func TestPrune_RemoteSkippedWhenOffline(t *testing.T) {
	f := newFixture(t)
	src := f.file(t, "src.md")
	url := "https://example.com/gone"
	e := f.edge(t, src, f.missing("x.md"), url)

	checker := newFakeChecker(map[string]error{url: errGone})
	checker.offline = ErrOffline
	rep, err := New(f.repo, Config{Checker: checker}).Prune(context.Background(), Options{Remote: true})
	require.NoError(t, err)
	assert.True(t, rep.RemoteSkipped)
	assert.Zero(t, checker.calls[url])
	assert.True(t, f.hasEdge(t, e.ID))
}

func TestPrune_Busy(t *testing.T) {
	f := newFixture(t)
	var lock sync.Mutex
	engine := New(f.repo, Config{Lock: &lock})

	lock.Lock()
	_, err := engine.Prune(context.Background(), Options{})
	lock.Unlock()
	assert.ErrorIs(t, err, ErrBusy)

	_, err = engine.Prune(context.Background(), Options{})
	assert.NoError(t, err)
}

func TestPrune_ResetsTimer(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	timers, err := LoadTimers(filepath.Join(t.TempDir(), TimersFile))
	require.NoError(t, err)

	engine := New(f.repo, Config{Database: "notes", Timers: timers, Now: func() time.Time { return now }})
	_, err = engine.Prune(context.Background(), Options{})
	require.NoError(t, err)

	reloaded, err := LoadTimers(timers.Path())
	require.NoError(t, err)
	last, ok := reloaded.Last("notes")
	require.True(t, ok)
	assert.True(t, last.Equal(now))
}
