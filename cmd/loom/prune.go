package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomkb/loom/internal/prune"
	"github.com/loomkb/loom/internal/ui"
)

func newPruneCmd(a *app) *cobra.Command {
	var (
		dbNames []string
		all     bool
		remote  bool
		local   bool
	)

	cmd := &cobra.Command{
		Use:     "prune",
		GroupID: "sync",
		Short:   "Remove records for files and links that no longer exist",
		Long: `Prune stale records from one or more databases.

The local phase deletes nodes whose files are gone, then edges whose source
node is gone. With --remote, links to remote resources are checked over HTTP:
a target that is definitively gone (404, 410) is cleared, while timeouts and
server errors leave the record untouched. Finally, edges left with no valid
target are deleted.

Pruning resets the database's prune timer, so the daemon's next automatic
prune is one full period away.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			names, err := a.targetDatabases(dbNames, all)
			if err != nil {
				return err
			}
			timers, err := prune.LoadTimers(a.cfg.TimersPath())
			if err != nil {
				return err
			}
			useRemote := a.cfg.Prune.Remote
			if cmd.Flags().Changed("remote") {
				useRemote = remote
			}
			if local {
				useRemote = false
			}

			for _, name := range names {
				db, err := a.openDatabase(cmd.Context(), name, true)
				if err != nil {
					return err
				}
				engine := a.newPruneEngine(db, timers, nil, nil)

				fmt.Fprintf(out, "%s Pruning %s...\n", ui.RenderAccent("🧹"), name)
				rep, err := engine.Prune(cmd.Context(), prune.Options{Remote: useRemote})
				db.Close()
				if err != nil {
					return fmt.Errorf("prune %s: %w", name, err)
				}
				printPruneReport(cmd, rep)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&dbNames, "db", nil, "databases to prune (default: the default database)")
	cmd.Flags().BoolVar(&all, "all", false, "prune every configured database")
	cmd.Flags().BoolVar(&remote, "remote", false, "also validate remote identifiers (default from prune.remote)")
	cmd.Flags().BoolVar(&local, "local-only", false, "skip the remote phase even if configured")
	return cmd
}

func printPruneReport(cmd *cobra.Command, rep prune.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Prune complete in %v\n", ui.RenderPass("✓"), rep.Duration().Round(time.Millisecond))
	fmt.Fprintf(out, "   Nodes removed: %d\n", rep.NodesRemoved)
	fmt.Fprintf(out, "   Orphan edges removed: %d\n", rep.OrphanEdgesRemoved)
	fmt.Fprintf(out, "   Dangling edges removed: %d\n", rep.DanglingEdgesRemoved)
	if rep.Remote {
		if rep.RemoteSkipped {
			fmt.Fprintf(out, "%s Remote phase skipped: network unavailable\n", ui.RenderWarn("⚠"))
		} else {
			fmt.Fprintf(out, "   Remote checked: %d\n", rep.RemoteChecked)
			fmt.Fprintf(out, "   Targets cleared: %d\n", rep.TargetsCleared)
			fmt.Fprintf(out, "   Sources cleared: %d\n", rep.SourcesCleared)
			if rep.Ambiguous > 0 {
				fmt.Fprintf(out, "%s %d remote checks were inconclusive and left untouched\n",
					ui.RenderWarn("⚠"), rep.Ambiguous)
			}
		}
	}
	for _, err := range rep.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", ui.RenderWarn("⚠"), err)
	}
}
