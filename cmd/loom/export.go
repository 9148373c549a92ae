package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomkb/loom/internal/export"
	"github.com/loomkb/loom/internal/ui"
)

func newExportCmd(a *app) *cobra.Command {
	var dbName string

	cmd := &cobra.Command{
		Use:     "export <file>",
		GroupID: "data",
		Short:   "Write every node and edge to a JSONL file",
		Long: `Export a database as JSON Lines, one record per line: nodes first, then
edges. Use "-" to write to stdout. The file is replaced atomically.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDatabase(cmd.Context(), dbName, false)
			if err != nil {
				return err
			}
			defer db.Close()

			if args[0] == "-" {
				_, err := export.Export(cmd.Context(), db.repo.Store(), cmd.OutOrStdout())
				return err
			}

			res, err := export.ExportFile(cmd.Context(), db.repo.Store(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d nodes and %d edges to %s\n",
				ui.RenderPass("✓"), res.Nodes, res.Edges, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&dbName, "db", "", "database to export")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var (
		dbName string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:     "import <file>",
		GroupID: "data",
		Short:   "Load nodes and edges from a JSONL export",
		Long: `Import a JSON Lines export into a database. Records are upserted by id, so
importing the same file twice is harmless. Invalid records are reported and
skipped; a line that is not JSON stops the import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDatabase(cmd.Context(), dbName, !dryRun)
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := export.ImportFile(cmd.Context(), db.repo.Store(), args[0], export.ImportOptions{DryRun: dryRun})
			if res != nil {
				for _, msg := range res.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", ui.RenderWarn("⚠"), msg)
				}
			}
			if err != nil {
				return err
			}

			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d nodes and %d edges into %s\n",
				ui.RenderPass("✓"), verb, res.Nodes, res.Edges, db.name)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbName, "db", "", "database to import into")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the file without writing")
	return cmd
}
