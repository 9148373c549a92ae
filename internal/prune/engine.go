package prune

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loomkb/loom/internal/docstore"
	"github.com/loomkb/loom/internal/metrics"
	"github.com/loomkb/loom/internal/schema"
)

// DefaultConcurrency bounds the remote checks in flight at once.
const DefaultConcurrency = 4

// Config configures an Engine.
type Config struct {
	// Database names the store in logs, metrics and timers.
	Database string
	// Checker validates remote identifiers. Nil disables the remote phase.
	Checker Checker
	// Timers is reset after every prune. Nil keeps timers in memory.
	Timers *Timers
	// Lock serializes writers to the database. Nil gives the engine its own.
	Lock        *sync.Mutex
	Concurrency int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Options selects what a single prune does.
type Options struct {
	// Remote enables the network-validated phase.
	Remote bool
}

// Report summarizes one prune pass.
type Report struct {
	RunID    string `json:"run_id"`
	Database string `json:"database"`
	Remote   bool   `json:"remote"`
	// RemoteSkipped is set when the remote phase was requested but the
	// network was unavailable.
	RemoteSkipped bool `json:"remote_skipped,omitempty"`

	NodesRemoved         int `json:"nodes_removed"`
	OrphanEdgesRemoved   int `json:"orphan_edges_removed"`
	DanglingEdgesRemoved int `json:"dangling_edges_removed"`
	RemoteChecked        int `json:"remote_checked"`
	TargetsCleared       int `json:"targets_cleared"`
	SourcesCleared       int `json:"sources_cleared"`
	Ambiguous            int `json:"ambiguous"`

	Errors   []error   `json:"-"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Duration returns how long the pass took.
func (r Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Removed returns the total number of deleted records.
func (r Report) Removed() int {
	return r.NodesRemoved + r.OrphanEdgesRemoved + r.DanglingEdgesRemoved
}

// Engine removes and corrects stale records in one database.
type Engine struct {
	repo *schema.Repo
	cfg  Config
	lock *sync.Mutex
	log  *zap.Logger
}

// New creates an Engine over repo.
func New(repo *schema.Repo, cfg Config) *Engine {
	if cfg.Timers == nil {
		cfg.Timers = NewTimers()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	lock := cfg.Lock
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Engine{
		repo: repo,
		cfg:  cfg,
		lock: lock,
		log:  cfg.Logger.Named("prune").With(zap.String("db", cfg.Database)),
	}
}

// Timers returns the timers the engine resets.
func (e *Engine) Timers() *Timers {
	return e.cfg.Timers
}

// Prune runs the local phase, then the remote phase when requested, then the
// final sweep of edges left with no valid target. It returns ErrBusy if
// another writer holds the database. Failures on single records are collected
// in the report; the error is only set when the pass could not run.
func (e *Engine) Prune(ctx context.Context, opts Options) (Report, error) {
	if !e.lock.TryLock() {
		return Report{}, ErrBusy
	}
	defer e.lock.Unlock()

	rep := Report{
		RunID:    uuid.NewString(),
		Database: e.cfg.Database,
		Remote:   opts.Remote,
		Started:  e.cfg.Now().UTC(),
	}
	e.log.Info("Starting prune", zap.String("run", rep.RunID), zap.Bool("remote", opts.Remote))

	p := &pass{e: e, rep: &rep, known: make(map[string]bool)}
	if err := p.sweepNodes(ctx); err != nil {
		return rep, err
	}
	if err := p.loadEdges(ctx); err != nil {
		return rep, err
	}
	p.sweepOrphanEdges(ctx)

	if opts.Remote {
		if err := p.remote(ctx); err != nil {
			return rep, err
		}
	}

	p.sweepDangling(ctx)

	rep.Finished = e.cfg.Now().UTC()
	if err := e.cfg.Timers.Reset(e.cfg.Database, rep.Finished); err != nil {
		rep.Errors = append(rep.Errors, err)
		e.log.Warn("Failed to save prune timer", zap.Error(err))
	}

	m := e.cfg.Metrics
	m.PruneRemoved(e.cfg.Database, string(docstore.Nodes), rep.NodesRemoved)
	m.PruneRemoved(e.cfg.Database, string(docstore.Edges), rep.OrphanEdgesRemoved+rep.DanglingEdgesRemoved)
	m.PruneCleared(e.cfg.Database, "target_remote", rep.TargetsCleared)
	m.PruneCleared(e.cfg.Database, "source_remote_id", rep.SourcesCleared)
	m.PrunePass(e.cfg.Database, opts.Remote, rep.Duration(), rep.Finished)

	e.log.Info("Prune complete",
		zap.String("run", rep.RunID),
		zap.Int("nodes_removed", rep.NodesRemoved),
		zap.Int("orphan_edges_removed", rep.OrphanEdgesRemoved),
		zap.Int("dangling_edges_removed", rep.DanglingEdgesRemoved),
		zap.Int("targets_cleared", rep.TargetsCleared),
		zap.Int("sources_cleared", rep.SourcesCleared),
		zap.Int("ambiguous", rep.Ambiguous),
		zap.Int("errors", len(rep.Errors)),
		zap.Duration("took", rep.Duration()))
	return rep, nil
}

// pass holds the state of one prune run.
type pass struct {
	e   *Engine
	rep *Report
	// known holds the local ids of nodes that survived the node sweep.
	known map[string]bool
	edges []*schema.Edge
}

func (p *pass) fail(msg string, err error, fields ...zap.Field) {
	p.rep.Errors = append(p.rep.Errors, err)
	p.e.log.Warn(msg, append(fields, zap.Error(err))...)
}

// sweepNodes deletes nodes whose file no longer exists.
func (p *pass) sweepNodes(ctx context.Context) error {
	nodes, err := p.e.repo.Nodes(ctx, docstore.Filter{})
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		exists, err := onDisk(n.LocalID)
		if err != nil {
			// Unreadable is not gone.
			p.known[n.LocalID] = true
			p.fail("Failed to check node", err, zap.String("node", n.LocalID))
			continue
		}
		if exists {
			p.known[n.LocalID] = true
			continue
		}
		if err := p.e.repo.DeleteNode(ctx, n.LocalID); err != nil {
			p.known[n.LocalID] = true
			p.fail("Failed to delete node", err, zap.String("node", n.LocalID))
			continue
		}
		p.rep.NodesRemoved++
		p.e.log.Debug("Removed node", zap.String("node", n.LocalID))
	}
	return nil
}

func (p *pass) loadEdges(ctx context.Context) error {
	edges, err := p.e.repo.Edges(ctx, docstore.Filter{})
	if err != nil {
		return fmt.Errorf("failed to list edges: %w", err)
	}
	p.edges = edges
	return nil
}

// sweepOrphanEdges deletes edges whose source node is gone.
func (p *pass) sweepOrphanEdges(ctx context.Context) {
	live := p.edges[:0]
	for _, edge := range p.edges {
		if p.known[edge.Source] {
			live = append(live, edge)
			continue
		}
		if err := p.e.repo.DeleteEdge(ctx, edge.ID); err != nil {
			live = append(live, edge)
			p.fail("Failed to delete orphan edge", err, zap.String("edge", edge.ID))
			continue
		}
		p.rep.OrphanEdgesRemoved++
	}
	p.edges = live
}

// localTargetValid reports whether the edge's local target is a known node or
// a file on disk.
func (p *pass) localTargetValid(edge *schema.Edge) bool {
	if edge.TargetLocal == "" {
		return false
	}
	if p.known[edge.TargetLocal] {
		return true
	}
	exists, err := onDisk(edge.TargetLocal)
	// Unreadable is not gone.
	return exists || err != nil
}

// remote validates remote targets and source remote ids. Fields are cleared
// only on a definitive absence.
func (p *pass) remote(ctx context.Context) error {
	checker := p.e.cfg.Checker
	if checker == nil {
		p.rep.RemoteSkipped = true
		p.e.log.Info("Skipping remote phase, no checker configured")
		return nil
	}
	if err := checker.Available(ctx); err != nil {
		p.rep.RemoteSkipped = true
		p.e.log.Warn("Skipping remote phase", zap.Error(err))
		return nil
	}

	checkTarget := make(map[string]bool, len(p.edges))
	urls := make(map[string]bool)
	for _, edge := range p.edges {
		if edge.TargetRemote != "" && !p.localTargetValid(edge) {
			checkTarget[edge.ID] = true
			urls[edge.TargetRemote] = true
		}
		if edge.SourceRemoteID != "" {
			urls[edge.SourceRemoteID] = true
		}
	}
	if len(urls) == 0 {
		return nil
	}

	outcomes, err := p.check(ctx, urls)
	if err != nil {
		return err
	}

	for _, edge := range p.edges {
		changed := false
		if checkTarget[edge.ID] {
			switch outcomes[edge.TargetRemote] {
			case OutcomeAbsent:
				edge.TargetRemote = ""
				edge.Status = schema.StatusRemoteCleared
				p.rep.TargetsCleared++
				changed = true
			case OutcomeAmbiguous:
				p.rep.Ambiguous++
			}
		}
		if edge.SourceRemoteID != "" {
			switch outcomes[edge.SourceRemoteID] {
			case OutcomeAbsent:
				edge.SourceRemoteID = ""
				p.rep.SourcesCleared++
				changed = true
			case OutcomeAmbiguous:
				p.rep.Ambiguous++
			}
		}
		if !changed {
			continue
		}
		if err := p.e.repo.PutEdge(ctx, edge); err != nil {
			p.fail("Failed to update edge", err, zap.String("edge", edge.ID))
		}
	}
	return nil
}

// check runs one existence check per distinct url with bounded concurrency.
func (p *pass) check(ctx context.Context, urls map[string]bool) (map[string]Outcome, error) {
	var mu sync.Mutex
	outcomes := make(map[string]Outcome, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.e.cfg.Concurrency)
	for url := range urls {
		url := url
		g.Go(func() error {
			err := p.e.cfg.Checker.Check(gctx, url)
			outcome := OutcomeOf(err)
			if outcome == OutcomeAmbiguous {
				p.e.log.Debug("Ambiguous remote check", zap.String("url", url), zap.Error(err))
			}
			p.e.cfg.Metrics.RemoteCheck(outcome.String())

			mu.Lock()
			outcomes[url] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	p.rep.RemoteChecked += len(outcomes)

	// A canceled pass must not act on checks cut short.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// sweepDangling deletes edges left with no remote target and no valid local
// target.
func (p *pass) sweepDangling(ctx context.Context) {
	for _, edge := range p.edges {
		if ctx.Err() != nil {
			return
		}
		if edge.TargetRemote != "" || p.localTargetValid(edge) {
			continue
		}
		if err := p.e.repo.DeleteEdge(ctx, edge.ID); err != nil {
			p.fail("Failed to delete dangling edge", err, zap.String("edge", edge.ID))
			continue
		}
		p.rep.DanglingEdgesRemoved++
	}
}

// onDisk reports whether the file named by a local id exists. Ids that are
// not file ids are treated as present.
func onDisk(localID string) (bool, error) {
	path, ok := schema.PathFromLocalID(localID)
	if !ok {
		return true, nil
	}
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
