package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomkb/loom/internal/accumulate"
	"github.com/loomkb/loom/internal/classify"
	"github.com/loomkb/loom/internal/docstore"
	"github.com/loomkb/loom/internal/links"
	"github.com/loomkb/loom/internal/metrics"
	"github.com/loomkb/loom/internal/schema"
	"github.com/loomkb/loom/internal/watch"
)

const (
	// DefaultRetryDelay is the pause before re-reading a file that vanished.
	DefaultRetryDelay = 50 * time.Millisecond
	// DefaultMaxLinkBytes caps the size of files scanned for links.
	DefaultMaxLinkBytes = 4 << 20
)

// Event outcomes, used as metric labels.
const (
	outcomeUpserted  = "upserted"
	outcomeUnchanged = "unchanged"
	outcomeDeleted   = "deleted"
	outcomeSkipped   = "skipped"
	outcomeExpanded  = "expanded"
	outcomeFailed    = "failed"
)

// Config configures an Orchestrator.
type Config struct {
	// Database labels logs and metrics.
	Database string
	// Classifier decides scope and priority. Nil accepts everything at priority 0.
	Classifier *classify.Classifier
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	// RetryDelay is the pause before retrying a transient read.
	RetryDelay time.Duration
	// MaxLinkBytes caps the size of files scanned for links.
	MaxLinkBytes int64
	// Now returns the current time. Tests override it.
	Now func() time.Time
}

// orchestrator implements the Orchestrator interface.
type orchestrator struct {
	repo *schema.Repo
	cfg  Config
	log  *zap.Logger
}

// New creates an Orchestrator writing through repo.
func New(repo *schema.Repo, cfg Config) Orchestrator {
	if cfg.Classifier == nil {
		// An empty rule set is always valid.
		cfg.Classifier, _ = classify.New(classify.Rules{})
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxLinkBytes <= 0 {
		cfg.MaxLinkBytes = DefaultMaxLinkBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &orchestrator{
		repo: repo,
		cfg:  cfg,
		log:  cfg.Logger.Named("sync").With(zap.String("db", cfg.Database)),
	}
}

func (o *orchestrator) now() time.Time {
	return o.cfg.Now().UTC()
}

func (o *orchestrator) newResult() Result {
	return Result{RunID: uuid.NewString(), Started: o.now()}
}

func (o *orchestrator) finish(res *Result) {
	res.Finished = o.now()
	o.cfg.Metrics.SyncPass(o.cfg.Database, res.Duration())
}

// Apply implements Orchestrator.Apply.
func (o *orchestrator) Apply(ctx context.Context, batch accumulate.Batch) Result {
	res := o.newResult()

	for i, ev := range batch.Events {
		if err := ctx.Err(); err != nil {
			res.Failed = append(res.Failed, batch.Events[i:]...)
			res.Errors = append(res.Errors, fmt.Errorf("sync pass interrupted: %w", err))
			break
		}
		o.apply(ctx, ev, &res)
	}

	o.finish(&res)
	if batch.Len() > 0 {
		o.log.Info("Sync pass complete",
			zap.String("run", res.RunID),
			zap.Int("events", batch.Len()),
			zap.Int("upserted", res.Upserted),
			zap.Int("unchanged", res.Unchanged),
			zap.Int("deleted", res.Deleted),
			zap.Int("edges_upserted", res.EdgesUpserted),
			zap.Int("edges_deleted", res.EdgesDeleted),
			zap.Int("failed", len(res.Failed)),
			zap.Duration("took", res.Duration()))
	}
	return res
}

// SyncPath implements Orchestrator.SyncPath.
func (o *orchestrator) SyncPath(ctx context.Context, path string) (Result, error) {
	res := o.newResult()
	defer o.finish(&res)

	abs, err := filepath.Abs(path)
	if err != nil {
		return res, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	info, err := os.Lstat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		o.apply(ctx, watch.Event{Op: watch.Deleted, Path: abs, ObservedAt: o.now()}, &res)
		return res, nil
	case err != nil:
		return res, fmt.Errorf("failed to stat %s: %w", abs, err)
	case !info.IsDir():
		o.apply(ctx, watch.Event{Op: watch.Modified, Path: abs, ObservedAt: o.now()}, &res)
		return res, nil
	}

	o.log.Info("Starting full sync", zap.String("root", abs))
	if err := o.walk(ctx, abs, &res); err != nil {
		return res, err
	}
	o.log.Info("Full sync complete",
		zap.String("root", abs),
		zap.Int("upserted", res.Upserted),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("deleted", res.Deleted),
		zap.Int("failed", len(res.Errors)))
	return res, nil
}

// walk applies a modified event for every regular file beneath root.
func (o *orchestrator) walk(ctx context.Context, root string, res *Result) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("failed to walk %s: %w", root, err)
			}
			res.Skipped++
			res.Errors = append(res.Errors, err)
			o.log.Warn("Skipping unreadable entry", zap.String("path", path), zap.Error(err))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && o.cfg.Classifier.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		o.apply(ctx, watch.Event{Op: watch.Modified, Path: path, ObservedAt: o.now()}, res)
		return nil
	})
}

// apply processes one event and records its outcome.
func (o *orchestrator) apply(ctx context.Context, ev watch.Event, res *Result) {
	outcome, err := o.applyEvent(ctx, ev, res)
	if err != nil {
		outcome = outcomeFailed
		res.Errors = append(res.Errors, err)
		if IsRetryable(err) {
			res.Failed = append(res.Failed, ev)
			o.log.Warn("Failed to apply event, will retry", zap.Stringer("event", ev), zap.Error(err))
		} else {
			res.Skipped++
			o.log.Warn("Skipping path", zap.Stringer("event", ev), zap.Error(err))
		}
	}
	o.cfg.Metrics.SyncEvent(o.cfg.Database, ev.Op.String(), outcome)
}

func (o *orchestrator) applyEvent(ctx context.Context, ev watch.Event, res *Result) (string, error) {
	switch ev.Op {
	case watch.Deleted:
		return o.delete(ctx, ev.Path, res)
	case watch.Moved:
		if ev.OldPath != "" {
			if _, err := o.remove(ctx, ev.OldPath, res); err != nil {
				return outcomeFailed, err
			}
		}
		return o.upsert(ctx, ev.Path, res)
	default:
		return o.upsert(ctx, ev.Path, res)
	}
}

// upsert makes the store reflect the file at path.
func (o *orchestrator) upsert(ctx context.Context, path string, res *Result) (string, error) {
	info, err := o.statWithRetry(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		o.log.Debug("Path vanished, treating as delete", zap.String("path", path))
		return o.delete(ctx, path, res)
	}
	if err != nil {
		return outcomeSkipped, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if info.IsDir() {
		// A directory appeared or moved in; sync what it holds.
		if err := o.walk(ctx, path, res); err != nil {
			return outcomeSkipped, err
		}
		return outcomeExpanded, nil
	}

	decision := o.cfg.Classifier.Classify(path)
	if !decision.InScope || !info.Mode().IsRegular() {
		removed, err := o.remove(ctx, path, res)
		if err != nil {
			return outcomeFailed, err
		}
		if removed {
			return outcomeDeleted, nil
		}
		res.Skipped++
		return outcomeSkipped, nil
	}

	keep := links.Supported(path)
	fc, err := readFile(path, keep, o.cfg.MaxLinkBytes)
	if IsTransient(err) {
		if !o.pause(ctx) {
			return outcomeFailed, &TransientIOError{Path: path, Err: ctx.Err()}
		}
		fc, err = readFile(path, keep, o.cfg.MaxLinkBytes)
		if IsTransient(err) {
			o.log.Debug("Path vanished during read, treating as delete", zap.String("path", path))
			return o.delete(ctx, path, res)
		}
	}
	if err != nil {
		return outcomeSkipped, err
	}

	localID, err := schema.LocalID(path)
	if err != nil {
		return outcomeSkipped, err
	}

	var extracted links.Result
	if fc.data != nil {
		extracted = links.Extract(path, fc.data)
	}

	now := o.now()
	node := schema.NewNode(localID)
	node.RemoteID = extracted.RemoteID
	node.Checksum = fc.checksum
	node.Size = fc.size
	node.Priority = decision.Priority
	node.ModTime = info.ModTime().UTC()
	node.LastSeen = now

	existing, err := o.repo.GetNode(ctx, localID)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return outcomeFailed, storeReadErr("get node", err)
	}
	if existing != nil && existing.SameContent(node) {
		res.Unchanged++
		return outcomeUnchanged, nil
	}

	// Edges first: if they fail the node is left stale and the retry redoes both.
	if existing == nil || existing.Checksum != node.Checksum || existing.RemoteID != node.RemoteID {
		if err := o.syncEdges(ctx, path, node, extracted, now, res); err != nil {
			return outcomeFailed, err
		}
	}

	if err := o.repo.PutNode(ctx, node); err != nil {
		return outcomeFailed, err
	}
	res.Upserted++
	o.log.Debug("Synced node",
		zap.String("path", path),
		zap.Float64("priority", node.Priority),
		zap.String("reason", decision.Reason))
	return outcomeUpserted, nil
}

// statWithRetry stats path, retrying once after RetryDelay if it is missing.
func (o *orchestrator) statWithRetry(ctx context.Context, path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if !errors.Is(err, fs.ErrNotExist) {
		return info, err
	}
	if !o.pause(ctx) {
		return nil, err
	}
	return os.Lstat(path)
}

// pause waits RetryDelay. It returns false if ctx ended first.
func (o *orchestrator) pause(ctx context.Context) bool {
	t := time.NewTimer(o.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// syncEdges writes the edges extracted from node's content and removes the
// ones that are no longer present.
func (o *orchestrator) syncEdges(ctx context.Context, path string, node *schema.Node, extracted links.Result, now time.Time, res *Result) error {
	current, err := o.repo.EdgesFrom(ctx, node.LocalID)
	if err != nil {
		return storeReadErr("list edges", err)
	}
	byID := make(map[string]*schema.Edge, len(current))
	for _, e := range current {
		byID[e.ID] = e
	}

	keep := make(map[string]bool, len(extracted.Links))
	for _, l := range extracted.Links {
		e := schema.NewEdge(node.LocalID, l.Target, l.Position, l.Kind)
		e.TargetLocal, e.TargetRemote = links.Resolve(path, l)
		if !e.HasTarget() {
			continue
		}
		e.SourceRemoteID = node.RemoteID
		e.FirstSeen, e.LastSeen = now, now
		keep[e.ID] = true

		if old, ok := byID[e.ID]; ok {
			e.FirstSeen = old.FirstSeen
			if old.SameContent(e) {
				continue
			}
		}
		if err := o.repo.PutEdge(ctx, e); err != nil {
			return err
		}
		res.EdgesUpserted++
	}

	for _, e := range current {
		if keep[e.ID] {
			continue
		}
		if err := o.repo.DeleteEdge(ctx, e.ID); err != nil {
			return err
		}
		res.EdgesDeleted++
	}
	return nil
}

// delete handles a path that is gone from disk.
func (o *orchestrator) delete(ctx context.Context, path string, res *Result) (string, error) {
	removed, err := o.remove(ctx, path, res)
	if err != nil {
		return outcomeFailed, err
	}
	if !removed {
		res.Unchanged++
		return outcomeUnchanged, nil
	}
	return outcomeDeleted, nil
}

// remove deletes the node for path, its outgoing edges, and every node
// beneath path when it was a directory. It reports whether anything went.
func (o *orchestrator) remove(ctx context.Context, path string, res *Result) (bool, error) {
	localID, err := schema.LocalID(path)
	if err != nil {
		return false, err
	}

	removed := false
	ok, err := o.repo.HasNode(ctx, localID)
	if err != nil {
		return false, storeReadErr("get node", err)
	}
	if ok {
		if err := o.removeNode(ctx, localID, res); err != nil {
			return false, err
		}
		removed = true
	} else {
		// Edges can outlive their node if an earlier removal failed part way.
		n, err := o.repo.DeleteEdgesFrom(ctx, localID)
		res.EdgesDeleted += n
		if err != nil {
			return false, storeErr("delete edges", err)
		}
	}

	under, err := o.repo.NodesUnder(ctx, localID)
	if err != nil {
		return false, storeReadErr("list nodes", err)
	}
	for _, n := range under {
		if err := o.removeNode(ctx, n.LocalID, res); err != nil {
			return false, err
		}
		removed = true
	}
	return removed, nil
}

// removeNode deletes outgoing edges before the node so a failure part way
// leaves the node in place for the retry to find.
func (o *orchestrator) removeNode(ctx context.Context, localID string, res *Result) error {
	n, err := o.repo.DeleteEdgesFrom(ctx, localID)
	res.EdgesDeleted += n
	if err != nil {
		return storeErr("delete edges", err)
	}
	if err := o.repo.DeleteNode(ctx, localID); err != nil {
		return err
	}
	res.Deleted++
	o.log.Debug("Deleted node", zap.String("local_id", localID))
	return nil
}
