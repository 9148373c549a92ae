package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	loomsync "github.com/loomkb/loom/internal/sync"
	"github.com/loomkb/loom/internal/ui"
)

func newSyncCmd(a *app) *cobra.Command {
	var dbName string

	cmd := &cobra.Command{
		Use:     "sync [path...]",
		GroupID: "sync",
		Short:   "Sync files or directories into their database",
		Long: `Sync the given files or directories into the database whose roots contain
them. With no paths, every root of the selected database is synced.

A manual sync:
  1. Walks each directory, skipping excluded directories
  2. Upserts every in-scope file whose content changed
  3. Replaces the edges of every changed file
  4. Deletes the nodes of paths that no longer exist

Files that are merely missing from a walk are never deleted; run 'loom prune'
for that. The daemon must not be running against the same database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			groups, order, err := a.groupPaths(dbName, args)
			if err != nil {
				return err
			}
			cls, err := a.classifier()
			if err != nil {
				return err
			}

			failed := 0
			for _, name := range order {
				db, err := a.openDatabase(cmd.Context(), name, true)
				if err != nil {
					return err
				}
				orch := a.newOrchestrator(db, cls, nil)

				for _, path := range groups[name] {
					fmt.Fprintf(out, "%s Syncing %s into %s...\n", ui.RenderAccent("🔄"), path, name)
					res, err := orch.SyncPath(cmd.Context(), path)
					if err != nil {
						db.Close()
						return err
					}
					printSyncResult(cmd, res)
					failed += len(res.Failed)
				}
				if err := db.Close(); err != nil {
					return err
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d paths could not be written; run sync again", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbName, "db", "", "database to sync into (default: the one whose roots contain the path)")
	return cmd
}

// groupPaths assigns each path to a database. Without paths, the roots of
// the selected database are used.
func (a *app) groupPaths(dbName string, paths []string) (map[string][]string, []string, error) {
	groups := make(map[string][]string)
	var order []string
	add := func(name, path string) {
		if _, ok := groups[name]; !ok {
			order = append(order, name)
		}
		groups[name] = append(groups[name], path)
	}

	if len(paths) == 0 {
		name, dbCfg, err := a.cfg.Database(dbName)
		if err != nil {
			return nil, nil, err
		}
		if len(dbCfg.Roots) == 0 {
			return nil, nil, fmt.Errorf("database %s has no roots; pass a path", name)
		}
		for _, root := range dbCfg.Roots {
			add(name, root)
		}
		return groups, order, nil
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		name := dbName
		if name == "" {
			var ok bool
			if name, ok = a.cfg.DatabaseFor(abs); !ok {
				name, _, err = a.cfg.Database("")
				if err != nil {
					return nil, nil, fmt.Errorf("%s is not under any database root: %w", abs, err)
				}
			}
		}
		if _, _, err := a.cfg.Database(name); err != nil {
			return nil, nil, err
		}
		add(name, abs)
	}
	return groups, order, nil
}

func printSyncResult(cmd *cobra.Command, res loomsync.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Sync complete in %v\n", ui.RenderPass("✓"), res.Duration().Round(time.Millisecond))
	fmt.Fprintf(out, "   Upserted: %d\n", res.Upserted)
	fmt.Fprintf(out, "   Unchanged: %d\n", res.Unchanged)
	fmt.Fprintf(out, "   Deleted: %d\n", res.Deleted)
	fmt.Fprintf(out, "   Skipped: %d\n", res.Skipped)
	fmt.Fprintf(out, "   Edges: +%d -%d\n", res.EdgesUpserted, res.EdgesDeleted)
	for _, err := range res.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", ui.RenderWarn("⚠"), err)
	}
}
