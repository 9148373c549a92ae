package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loomkb/loom/internal/config"
	"github.com/loomkb/loom/internal/logging"
	"github.com/loomkb/loom/internal/ui"
)

// skipConfig marks commands that run before any configuration exists.
const skipConfig = "loom/skip-config"

// app carries what every command shares once the root has set up.
type app struct {
	configPath string
	verbose    bool

	cfg      *config.Config
	log      *zap.Logger
	closeLog func() error
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "loom",
		Short: "Organize directories into a searchable document store",
		Long: `loom watches directories, records every in-scope file as a node with a
priority score, and records the links between files as edges.

Configuration is read from ~/.loom/config.yaml (or --config) and can be
overridden with LOOM_* environment variables, e.g. LOOM_SYNC_INTERVAL=5s.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default ~/.loom/config.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "query", Title: "Query Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
	)
	root.AddCommand(
		newInitCmd(a),
		newSyncCmd(a),
		newPruneCmd(a),
		newDaemonCmd(a),
		newStatusCmd(a),
		newFindCmd(a),
		newLinksCmd(a),
		newExportCmd(a),
		newImportCmd(a),
	)
	return root
}

// setup loads the configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	ui.SetOutput(cmd.OutOrStdout())
	if cmd.Annotations[skipConfig] == "true" {
		a.log = zap.NewNop()
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	a.cfg = cfg
	a.log, a.closeLog = logging.New(cfg.Logging, cmd.ErrOrStderr())
	a.log.Debug("Configuration loaded", zap.String("file", cfg.File()))
	return nil
}

func (a *app) close() {
	if a.closeLog == nil {
		return
	}
	_ = a.closeLog()
	a.closeLog = nil
}
