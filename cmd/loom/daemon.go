package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loomkb/loom/internal/accumulate"
	"github.com/loomkb/loom/internal/classify"
	"github.com/loomkb/loom/internal/daemon"
	"github.com/loomkb/loom/internal/dashboard"
	"github.com/loomkb/loom/internal/metrics"
	"github.com/loomkb/loom/internal/prune"
	"github.com/loomkb/loom/internal/ui"
	"github.com/loomkb/loom/internal/watch"
)

func newDaemonCmd(a *app) *cobra.Command {
	var (
		dbNames   []string
		dashAddr  string
		withDash  bool
		noInitial bool
	)

	cmd := &cobra.Command{
		Use:     "daemon",
		GroupID: "sync",
		Short:   "Watch database roots and keep them in sync",
		Long: `Run the sync daemon in the foreground.

For each database the daemon:
  1. Syncs every root once
  2. Watches the roots for changes and coalesces them
  3. Applies pending changes every sync.interval
  4. Prunes automatically when the database's prune_frequency elapses

One daemon may run per database; the instance lock is kept in the state
directory. On SIGINT or SIGTERM pending changes are applied before exit.

With --dashboard, progress is broadcast over WebSocket at ws://<addr>/ws,
with /health and Prometheus /metrics alongside.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			names, err := a.targetDatabases(dbNames, len(dbNames) == 0)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				return errors.New("no databases configured; run 'loom init' first")
			}
			cls, err := a.classifier()
			if err != nil {
				return err
			}
			timers, err := prune.LoadTimers(a.cfg.TimersPath())
			if err != nil {
				return err
			}
			m := metrics.New()

			var notifier daemon.Notifier
			if withDash || a.cfg.Dashboard.Enabled {
				addr := a.cfg.Dashboard.Addr
				if dashAddr != "" {
					addr = dashAddr
				}
				server := dashboard.NewServer(&dashboard.Config{Addr: addr, Logger: a.log, Metrics: m})
				if err := server.Start(); err != nil {
					return fmt.Errorf("failed to start dashboard: %w", err)
				}
				defer server.Stop()
				notifier = dashboard.NewHandler(server, a.log)
				fmt.Fprintf(out, "Dashboard: ws://%s/ws\n", server.Addr())
			}

			frequencies := make(map[string]time.Duration, len(names))
			for _, name := range names {
				frequencies[name] = a.cfg.Databases[name].PruneFrequency
			}
			scheduler := prune.NewScheduler(timers, frequencies)

			var (
				daemons []*daemon.Daemon
				dbs     []*database
			)
			defer func() {
				for _, db := range dbs {
					if err := db.Close(); err != nil {
						a.log.Warn("Failed to close database", zap.String("db", db.name), zap.Error(err))
					}
				}
			}()

			for _, name := range names {
				db, err := a.openDatabase(cmd.Context(), name, true)
				if err != nil {
					return err
				}
				dbs = append(dbs, db)

				d, err := a.newDaemon(db, cls, timers, scheduler, m, notifier, !noInitial)
				if err != nil {
					return err
				}
				daemons = append(daemons, d)
				fmt.Fprintf(out, "%s Watching %s (%d roots)\n", ui.RenderAccent("👁"), name, len(db.cfg.Roots))
			}
			fmt.Fprintln(out, "Press Ctrl+C to stop...")

			g, ctx := errgroup.WithContext(cmd.Context())
			for _, d := range daemons {
				g.Go(func() error { return d.Start(ctx) })
			}
			err = g.Wait()

			// A daemon that failed to start leaves the others running.
			for _, d := range daemons {
				if serr := d.Stop(); serr != nil {
					err = errors.Join(err, serr)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Daemon stopped\n", ui.RenderPass("✓"))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&dbNames, "db", nil, "databases to run (default: all)")
	cmd.Flags().BoolVar(&withDash, "dashboard", false, "serve the WebSocket dashboard")
	cmd.Flags().StringVar(&dashAddr, "dashboard-addr", "", "dashboard listen address (default from dashboard.addr)")
	cmd.Flags().BoolVar(&noInitial, "no-initial-sync", false, "skip the startup walk of every root")
	return cmd
}

// newDaemon wires the watcher, accumulator, orchestrator and pruner of one
// database around a shared writer lock.
func (a *app) newDaemon(db *database, cls *classify.Classifier, timers *prune.Timers, scheduler *prune.Scheduler,
	m *metrics.Metrics, notifier daemon.Notifier, initial bool) (*daemon.Daemon, error) {
	if len(db.cfg.Roots) == 0 {
		return nil, fmt.Errorf("database %s has no roots to watch", db.name)
	}

	watcher, err := watch.New(a.cfg.WatchMode(), watch.Options{
		SkipDir:      cls.SkipDir,
		MoveWindow:   a.cfg.Watch.MoveWindow,
		PollInterval: a.cfg.Watch.PollInterval,
	})
	if err != nil {
		return nil, err
	}

	lock := &sync.Mutex{}
	c := daemon.Components{
		Watcher:      watcher,
		Accumulator:  accumulate.New(a.cfg.Sync.MaxPending),
		Orchestrator: a.newOrchestrator(db, cls, m),
		Pruner:       a.newPruneEngine(db, timers, lock, m),
		Scheduler:    scheduler,
		Lock:         lock,
	}

	cfg := daemon.DefaultConfig()
	cfg.Database = db.name
	cfg.Roots = db.cfg.Roots
	cfg.SyncInterval = a.cfg.Sync.Interval
	cfg.RemotePrune = a.cfg.Prune.Remote
	cfg.InitialSync = initial
	cfg.Logger = a.log
	cfg.Metrics = m
	cfg.Notifier = notifier
	return daemon.New(c, cfg)
}
