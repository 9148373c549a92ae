package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/loomkb/loom/internal/docstore"
	"github.com/loomkb/loom/internal/schema"
	"github.com/loomkb/loom/internal/ui"
)

func newFindCmd(a *app) *cobra.Command {
	var (
		dbName      string
		under       string
		minPriority float64
		seenBefore  string
		seenAfter   string
		limit       int
	)

	cmd := &cobra.Command{
		Use:     "find",
		GroupID: "query",
		Short:   "List tracked files, highest priority first",
		Long: `List the nodes of a database ordered by priority.

Times accept dates (2024-05-01), RFC 3339 timestamps, or natural language
such as "yesterday" or "3 days ago".

Example usage:
  loom find --under ~/notes/projects
  loom find --min-priority 5 --limit 20
  loom find --seen-before "2 weeks ago"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			filter := docstore.Filter{}
			if under != "" {
				id, err := schema.LocalID(under)
				if err != nil {
					return err
				}
				filter = docstore.HasPrefix("local_id", schema.DirPrefix(id))
			}
			var before, after time.Time
			var err error
			if seenBefore != "" {
				if before, err = parseWhen(seenBefore, now); err != nil {
					return err
				}
			}
			if seenAfter != "" {
				if after, err = parseWhen(seenAfter, now); err != nil {
					return err
				}
			}

			db, err := a.openDatabase(cmd.Context(), dbName, false)
			if err != nil {
				return err
			}
			defer db.Close()

			nodes, err := db.repo.Nodes(cmd.Context(), filter)
			if err != nil {
				return err
			}

			matched := nodes[:0]
			for _, n := range nodes {
				if n.Priority < minPriority {
					continue
				}
				if !before.IsZero() && !n.LastSeen.Before(before) {
					continue
				}
				if !after.IsZero() && !n.LastSeen.After(after) {
					continue
				}
				matched = append(matched, n)
			}
			sort.SliceStable(matched, func(i, j int) bool {
				if matched[i].Priority != matched[j].Priority {
					return matched[i].Priority > matched[j].Priority
				}
				return matched[i].LocalID < matched[j].LocalID
			})
			if limit > 0 && len(matched) > limit {
				matched = matched[:limit]
			}

			if len(matched) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s No matching files\n", ui.RenderWarn("⚠"))
				return nil
			}
			rows := make([][]string, 0, len(matched))
			for _, n := range matched {
				path, _ := schema.PathFromLocalID(n.LocalID)
				rows = append(rows, []string{
					strconv.FormatFloat(n.Priority, 'f', -1, 64),
					path,
					n.LastSeen.Local().Format(time.DateTime),
				})
			}
			return ui.Table(cmd.OutOrStdout(), []string{"PRIORITY", "PATH", "LAST SEEN"}, rows)
		},
	}

	cmd.Flags().StringVar(&dbName, "db", "", "database to query")
	cmd.Flags().StringVar(&under, "under", "", "only files beneath this directory")
	cmd.Flags().Float64Var(&minPriority, "min-priority", 0, "only files at or above this priority")
	cmd.Flags().StringVar(&seenBefore, "seen-before", "", "only files last synced before this time")
	cmd.Flags().StringVar(&seenAfter, "seen-after", "", "only files last synced after this time")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of results (0 for all)")
	return cmd
}

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseWhen reads an absolute or natural language time relative to now.
func parseWhen(expr string, now time.Time) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.DateTime, time.DateOnly} {
		if t, err := time.ParseInLocation(layout, expr, now.Location()); err == nil {
			return t, nil
		}
	}
	res, err := timeParser.Parse(expr, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", expr, err)
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q", expr)
	}
	return res.Time, nil
}

func newLinksCmd(a *app) *cobra.Command {
	var (
		dbName   string
		incoming bool
	)

	cmd := &cobra.Command{
		Use:     "links <path>",
		GroupID: "query",
		Short:   "Show the links found in a file, or pointing at it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := schema.LocalID(args[0])
			if err != nil {
				return err
			}
			db, err := a.openDatabase(cmd.Context(), dbName, false)
			if err != nil {
				return err
			}
			defer db.Close()

			var edges []*schema.Edge
			if incoming {
				edges, err = db.repo.Edges(cmd.Context(), docstore.Eq("target_local", id))
			} else {
				edges, err = db.repo.EdgesFrom(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			if len(edges) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s No links\n", ui.RenderWarn("⚠"))
				return nil
			}

			sort.Slice(edges, func(i, j int) bool {
				if edges[i].Source != edges[j].Source {
					return edges[i].Source < edges[j].Source
				}
				return edges[i].Position < edges[j].Position
			})
			rows := make([][]string, 0, len(edges))
			for _, e := range edges {
				resolved := e.TargetRemote
				if e.TargetLocal != "" {
					resolved, _ = schema.PathFromLocalID(e.TargetLocal)
				}
				if incoming {
					resolved, _ = schema.PathFromLocalID(e.Source)
				}
				rows = append(rows, []string{string(e.Kind), e.Target, resolved, e.Status})
			}
			third := "RESOLVED"
			if incoming {
				third = "FROM"
			}
			return ui.Table(cmd.OutOrStdout(), []string{"KIND", "LINK", third, "STATUS"}, rows)
		},
	}

	cmd.Flags().StringVar(&dbName, "db", "", "database to query")
	cmd.Flags().BoolVar(&incoming, "incoming", false, "show links pointing at the file instead")
	return cmd
}
