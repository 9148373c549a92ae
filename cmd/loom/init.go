package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/loomkb/loom/internal/classify"
	"github.com/loomkb/loom/internal/config"
	"github.com/loomkb/loom/internal/docstore"
	"github.com/loomkb/loom/internal/ui"
)

// initOptions are the answers that shape a new configuration.
type initOptions struct {
	path      string
	stateDir  string
	root      string
	database  string
	backend   string
	dsn       string
	priority  string
	frequency string
	force     bool
	yes       bool
}

// initFile is the subset of the configuration written by init. Durations are
// strings so the file reads naturally.
type initFile struct {
	StateDir   string                  `yaml:"state_dir"`
	Classifier initClassifier          `yaml:"classifier,omitempty"`
	Databases  map[string]initDatabase `yaml:"databases"`
}

type initClassifier struct {
	PriorityDirs []classify.PriorityDir `yaml:"priority_dirs,omitempty"`
}

type initDatabase struct {
	Backend        string   `yaml:"backend"`
	DSN            string   `yaml:"dsn,omitempty"`
	Roots          []string `yaml:"roots"`
	PruneFrequency string   `yaml:"prune_frequency,omitempty"`
}

func newInitCmd(a *app) *cobra.Command {
	opts := initOptions{}

	cmd := &cobra.Command{
		Use:         "init",
		GroupID:     "setup",
		Short:       "Create a configuration file",
		Annotations: map[string]string{skipConfig: "true"},
		Long: `Create a loom configuration file.

On a terminal the settings are asked for interactively; flags pre-fill the
answers. Pass --yes to accept the flags as given without prompting.

Example usage:
  loom init
  loom init --yes --root ~/notes --priority ~/notes/projects`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.path == "" {
				opts.path = a.configPath
			}
			if opts.path == "" {
				opts.path = filepath.Join(config.DefaultDir, "config.yaml")
			}
			path, err := homedir.Expand(opts.path)
			if err != nil {
				return err
			}

			if !opts.yes && isTerminal(cmd) {
				if err := askInit(cmd, &opts); err != nil {
					return err
				}
			}
			if opts.root == "" {
				return errors.New("a root directory is required (--root)")
			}

			if _, err := os.Stat(path); err == nil && !opts.force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			data, err := renderInit(opts)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("failed to create config dir: %w", err)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), path)
			fmt.Fprintf(cmd.OutOrStdout(), "   Run 'loom sync' for a first pass, then 'loom daemon' to keep it current\n")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.path, "path", "", "where to write the config (default --config or ~/.loom/config.yaml)")
	f.StringVar(&opts.stateDir, "state-dir", config.DefaultDir, "directory for locks, timers and sqlite files")
	f.StringVar(&opts.root, "root", "", "directory to organize")
	f.StringVar(&opts.database, "db", config.DefaultDatabase, "database name")
	f.StringVar(&opts.backend, "backend", "sqlite", "storage backend ("+strings.Join(docstore.Backends(), ", ")+")")
	f.StringVar(&opts.dsn, "dsn", "", "backend connection string (sqlite: defaults to <state-dir>/<db>.db)")
	f.StringVar(&opts.priority, "priority", "", "directory whose files rank highest")
	f.StringVar(&opts.frequency, "prune-frequency", "168h", "automatic prune period (0 disables)")
	f.BoolVar(&opts.force, "force", false, "overwrite an existing config")
	f.BoolVarP(&opts.yes, "yes", "y", false, "do not prompt")
	return cmd
}

func isTerminal(cmd *cobra.Command) bool {
	f, ok := cmd.InOrStdin().(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func askInit(cmd *cobra.Command, opts *initOptions) error {
	required := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Directory to organize").
				Value(&opts.root).
				Validate(required),
			huh.NewInput().
				Title("Database name").
				Value(&opts.database).
				Validate(required),
			huh.NewSelect[string]().
				Title("Storage backend").
				Options(huh.NewOptions(docstore.Backends()...)...).
				Value(&opts.backend),
			huh.NewInput().
				Title("Connection string").
				Description("Leave empty for a sqlite file in the state directory").
				Value(&opts.dsn),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Priority directory").
				Description("Files here and in its subdirectories rank highest (optional)").
				Value(&opts.priority),
			huh.NewInput().
				Title("Automatic prune period").
				Description("e.g. 24h or 168h; 0 disables").
				Value(&opts.frequency),
		),
	).WithInput(cmd.InOrStdin()).WithOutput(cmd.OutOrStdout())

	if err := form.RunWithContext(cmd.Context()); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errors.New("aborted")
		}
		return err
	}
	return nil
}

// renderInit builds the YAML for opts. Paths are made absolute so the file
// does not depend on where it is read from.
func renderInit(opts initOptions) ([]byte, error) {
	root, err := absPath(opts.root)
	if err != nil {
		return nil, err
	}
	db := initDatabase{
		Backend:        opts.backend,
		DSN:            opts.dsn,
		Roots:          []string{root},
		PruneFrequency: opts.frequency,
	}
	if opts.frequency == "0" {
		db.PruneFrequency = ""
	}

	file := initFile{
		StateDir:  opts.stateDir,
		Databases: map[string]initDatabase{opts.database: db},
	}
	if opts.priority != "" {
		dir, err := absPath(opts.priority)
		if err != nil {
			return nil, err
		}
		file.Classifier.PriorityDirs = []classify.PriorityDir{{Path: dir, Weight: 10}}
	}

	data, err := yaml.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

func absPath(p string) (string, error) {
	p, err := homedir.Expand(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(p)
}
