package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomkb/loom/internal/daemon"
	"github.com/loomkb/loom/internal/prune"
	"github.com/loomkb/loom/internal/ui"
)

func newStatusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "query",
		Short:   "Show databases, record counts and prune schedule",
		Long: `Display the status of every configured database.

Shows:
  - Backend and number of nodes and edges
  - Whether a daemon holds the database
  - Last prune time and when the next automatic prune is due`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			names := a.cfg.DatabaseNames()
			if len(names) == 0 {
				fmt.Fprintf(out, "\n%s No databases configured\n", ui.RenderWarn("⚠"))
				fmt.Fprintf(out, "   Run 'loom init' to create a configuration\n\n")
				return nil
			}

			timers, err := prune.LoadTimers(a.cfg.TimersPath())
			if err != nil {
				return err
			}
			frequencies := make(map[string]time.Duration, len(names))
			for _, name := range names {
				frequencies[name] = a.cfg.Databases[name].PruneFrequency
			}
			scheduler := prune.NewScheduler(timers, frequencies)

			fmt.Fprintf(out, "\n%s Loom Status\n\n", ui.RenderAccent("📊"))
			if f := a.cfg.File(); f != "" {
				fmt.Fprintf(out, "   Config: %s\n", f)
			}
			fmt.Fprintf(out, "   State: %s\n\n", a.cfg.StateDir)

			rows := make([][]string, 0, len(names))
			for _, name := range names {
				rows = append(rows, a.statusRow(cmd, name, timers, scheduler))
			}
			if err := ui.Table(out, []string{"DATABASE", "BACKEND", "NODES", "EDGES", "DAEMON", "LAST PRUNE", "NEXT PRUNE"}, rows); err != nil {
				return err
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	return cmd
}

func (a *app) statusRow(cmd *cobra.Command, name string, timers *prune.Timers, scheduler *prune.Scheduler) []string {
	dbCfg := a.cfg.Databases[name]
	nodes, edges := "-", "-"

	db, err := a.openDatabase(cmd.Context(), name, false)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", ui.RenderWarn("⚠"), err)
	} else {
		n, e, err := db.repo.Counts(cmd.Context())
		if err == nil {
			nodes, edges = strconv.Itoa(n), strconv.Itoa(e)
		}
		db.Close()
	}

	last := "never"
	if at, ok := timers.Last(name); ok {
		last = at.Local().Format(time.DateTime)
	}
	next := "off"
	if dbCfg.PruneFrequency > 0 {
		next = "now"
		if at, ok := scheduler.Next(name); ok && at.After(time.Now()) {
			next = at.Local().Format(time.DateTime)
		}
	}

	return []string{name, dbCfg.Backend, nodes, edges, daemonState(a.cfg.LockPath(name)), last, next}
}

// daemonState probes the instance lock without holding it.
func daemonState(path string) string {
	lock, err := daemon.AcquireLock(path)
	if err == nil {
		lock.Release()
		return ui.RenderMuted("stopped")
	}
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		if pid, perr := daemon.ReadLockPID(path); perr == nil {
			return ui.RenderPass("running (pid " + strconv.Itoa(pid) + ")")
		}
		return ui.RenderPass("running")
	}
	return ui.RenderWarn("unknown")
}
