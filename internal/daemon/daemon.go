package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomkb/loom/internal/accumulate"
	"github.com/loomkb/loom/internal/metrics"
	"github.com/loomkb/loom/internal/prune"
	loomsync "github.com/loomkb/loom/internal/sync"
	"github.com/loomkb/loom/internal/watch"
)

// maxPruneCheck caps how long the prune loop sleeps between schedule checks.
const maxPruneCheck = time.Minute

// Config holds configuration for the daemon.
type Config struct {
	// Database names the store in logs and notifications.
	Database string

	// Roots are the directories watched and synced.
	Roots []string

	// SyncInterval is how often pending changes are drained and applied.
	SyncInterval time.Duration

	// PruneCheckInterval is how often the prune schedule is checked. Zero
	// derives it from the scheduler's frequency, capped at one minute.
	PruneCheckInterval time.Duration

	// RemotePrune enables the remote phase for automatic prunes.
	RemotePrune bool

	// InitialSync walks every root once watching has started.
	InitialSync bool

	// ShutdownTimeout bounds the final drain on Stop.
	ShutdownTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Notifier receives a report after every sync and prune pass. Optional.
	Notifier Notifier
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:    2 * time.Second,
		InitialSync:     true,
		ShutdownTimeout: 10 * time.Second,
		Logger:          zap.NewNop(),
	}
}

// Notifier is told about finished passes.
type Notifier interface {
	SyncDone(db string, res loomsync.Result)
	PruneDone(db string, rep prune.Report)
}

// Components are the collaborators a daemon drives.
type Components struct {
	Watcher      watch.Watcher
	Accumulator  *accumulate.Accumulator
	Orchestrator loomsync.Orchestrator
	// Pruner and Scheduler are optional. Without them the prune loop is off.
	Pruner    *prune.Engine
	Scheduler *prune.Scheduler
	// Lock is the database's writer lock. It must be the same mutex given to
	// the prune engine.
	Lock *sync.Mutex
}

// Daemon orchestrates file watching, syncing and pruning for one database.
type Daemon struct {
	c      Components
	config *Config
	log    *zap.Logger

	mu      sync.Mutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon.
func New(c Components, config *Config) (*Daemon, error) {
	if c.Watcher == nil {
		return nil, fmt.Errorf("watcher cannot be nil")
	}
	if c.Accumulator == nil {
		return nil, fmt.Errorf("accumulator cannot be nil")
	}
	if c.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Roots) == 0 {
		return nil, fmt.Errorf("at least one root is required")
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultConfig().SyncInterval
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if c.Lock == nil {
		c.Lock = &sync.Mutex{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		c:      c,
		config: config,
		log:    config.Logger.Named("daemon").With(zap.String("db", config.Database)),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start runs the daemon. It starts watching, performs the initial sync, and
// blocks until ctx is canceled or Stop is called. Watching begins before the
// walk so that changes made during it are still queued.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.running = true
	d.mu.Unlock()

	d.log.Info("Starting daemon", zap.Strings("roots", d.config.Roots))

	if err := d.c.Watcher.Start(d.config.Roots...); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		d.c.Accumulator.Run(d.ctx, d.c.Watcher.Events())
	}()
	go d.logWatchErrors()
	go d.syncLoop()

	if d.config.InitialSync {
		d.performFullSync(ctx)
	}

	if interval := d.pruneInterval(); interval > 0 {
		d.wg.Add(1)
		go d.pruneLoop(interval)
	}

	select {
	case <-ctx.Done():
		d.log.Info("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts the daemon down. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.log.Info("Stopping daemon")
	d.cancel()

	var errs []error
	if err := d.c.Watcher.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop watcher: %w", err))
	}
	d.wg.Wait()

	// Apply what the loops did not get to.
	ctx, cancel := context.WithTimeout(context.Background(), d.config.ShutdownTimeout)
	defer cancel()
	d.syncOnce(ctx)
	if n := d.c.Accumulator.Len(); n > 0 {
		d.log.Warn("Stopped with unapplied changes", zap.Int("pending", n))
	}

	d.log.Info("Daemon stopped")
	return errors.Join(errs...)
}

// performFullSync walks every root. Failures are logged and the daemon keeps
// running. The sync loop waits on the writer lock until the walk is done.
func (d *Daemon) performFullSync(ctx context.Context) {
	d.c.Lock.Lock()
	defer d.c.Lock.Unlock()

	for _, root := range d.config.Roots {
		res, err := d.c.Orchestrator.SyncPath(ctx, root)
		if err != nil {
			d.log.Warn("Initial sync failed", zap.String("root", root), zap.Error(err))
		}
		// Retry store failures through the normal loop.
		d.c.Accumulator.Requeue(res.Failed)
		d.notifySync(res)
	}
}

func (d *Daemon) logWatchErrors() {
	defer d.wg.Done()
	errs := d.c.Watcher.Errors()
	for {
		select {
		case <-d.ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			d.log.Warn("Watcher error", zap.Error(err))
		}
	}
}

// syncLoop drains the accumulator on every tick, or early when it is full.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.c.Accumulator.Full():
			d.log.Debug("Pending limit reached, draining early")
		}
		if d.ctx.Err() != nil {
			return
		}
		d.syncOnce(d.ctx)
	}
}

// syncOnce applies one drained batch and requeues its store failures.
func (d *Daemon) syncOnce(ctx context.Context) {
	d.c.Lock.Lock()
	defer d.c.Lock.Unlock()

	batch := d.c.Accumulator.Drain()
	if batch.Len() == 0 {
		return
	}
	res := d.c.Orchestrator.Apply(ctx, batch)
	if len(res.Failed) > 0 {
		d.c.Accumulator.Requeue(res.Failed)
		d.log.Warn("Requeued failed changes", zap.Int("count", len(res.Failed)))
	}
	d.config.Metrics.Pending(d.config.Database, d.c.Accumulator.Len())
	d.notifySync(res)
}

func (d *Daemon) pruneInterval() time.Duration {
	if d.c.Pruner == nil || d.c.Scheduler == nil {
		return 0
	}
	if d.config.PruneCheckInterval > 0 {
		return d.config.PruneCheckInterval
	}
	freq := d.c.Scheduler.Frequency(d.config.Database)
	if freq <= 0 {
		return 0
	}
	if freq > maxPruneCheck {
		return maxPruneCheck
	}
	return freq
}

// pruneLoop runs automatic prunes when the schedule says one is due.
func (d *Daemon) pruneLoop(interval time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			if d.ctx.Err() != nil {
				return
			}
			if !d.c.Scheduler.Due(d.config.Database, now) {
				continue
			}
			d.pruneOnce()
		}
	}
}

func (d *Daemon) pruneOnce() {
	rep, err := d.c.Pruner.Prune(d.ctx, prune.Options{Remote: d.config.RemotePrune})
	switch {
	case errors.Is(err, prune.ErrBusy):
		d.log.Debug("Database busy, prune deferred")
	case err != nil:
		d.log.Warn("Automatic prune failed", zap.Error(err))
	default:
		if d.config.Notifier != nil {
			d.config.Notifier.PruneDone(d.config.Database, rep)
		}
	}
}

func (d *Daemon) notifySync(res loomsync.Result) {
	if d.config.Notifier != nil && res.Changed() {
		d.config.Notifier.SyncDone(d.config.Database, res)
	}
}
