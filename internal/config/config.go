// Package config loads loom's configuration with viper. Values come from
// defaults, then a YAML or TOML file, then LOOM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/loomkb/loom/internal/classify"
	"github.com/loomkb/loom/internal/prune"
	"github.com/loomkb/loom/internal/watch"
)

const (
	// EnvPrefix prefixes every environment override, e.g. LOOM_SYNC_INTERVAL.
	EnvPrefix = "LOOM"
	// DefaultDir holds the config file and daemon state unless overridden.
	DefaultDir = "~/.loom"
	// DefaultDatabase is used when a command does not name one and several exist.
	DefaultDatabase = "default"
)

// Config is the root configuration.
type Config struct {
	StateDir   string                    `mapstructure:"state_dir" yaml:"state_dir"`
	Logging    LoggingConfig             `mapstructure:"logging" yaml:"logging"`
	Classifier classify.Rules            `mapstructure:"classifier" yaml:"classifier"`
	Sync       SyncConfig                `mapstructure:"sync" yaml:"sync"`
	Prune      PruneConfig               `mapstructure:"prune" yaml:"prune"`
	Watch      WatchConfig               `mapstructure:"watch" yaml:"watch"`
	Databases  map[string]DatabaseConfig `mapstructure:"databases" yaml:"databases"`
	Dashboard  DashboardConfig           `mapstructure:"dashboard" yaml:"dashboard"`

	// file is the config file that was read, if any.
	file string
}

// LoggingConfig configures the console and rotated file logs.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// SyncConfig configures the drain loop.
type SyncConfig struct {
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxPending   int           `mapstructure:"max_pending" yaml:"max_pending"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxLinkBytes int64         `mapstructure:"max_link_bytes" yaml:"max_link_bytes"`
}

// PruneConfig configures the remote phase. Frequencies are per database.
type PruneConfig struct {
	Remote      bool          `mapstructure:"remote" yaml:"remote"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	ProbeURL    string        `mapstructure:"probe_url" yaml:"probe_url"`
	UserAgent   string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// WatchConfig selects the watcher adapter.
type WatchConfig struct {
	Mode         string        `mapstructure:"mode" yaml:"mode"`
	MoveWindow   time.Duration `mapstructure:"move_window" yaml:"move_window"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// DatabaseConfig describes one logical database and the roots synced into it.
type DatabaseConfig struct {
	Backend        string            `mapstructure:"backend" yaml:"backend"`
	DSN            string            `mapstructure:"dsn" yaml:"dsn,omitempty"`
	Roots          []string          `mapstructure:"roots" yaml:"roots"`
	PruneFrequency time.Duration     `mapstructure:"prune_frequency" yaml:"prune_frequency"`
	Params         map[string]string `mapstructure:"params" yaml:"params,omitempty"`
}

// DashboardConfig configures the daemon's HTTP dashboard.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// SetDefaults registers the default value of every setting.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", DefaultDir)

	// -- Logging --
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.log_file", "")
	v.SetDefault("logging.max_size", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// -- Classifier --
	v.SetDefault("classifier.exclude_dirnames", []string{".git", "node_modules", ".cache"})
	v.SetDefault("classifier.exclude_globs", []string{"*.swp", "*~", ".DS_Store"})
	v.SetDefault("classifier.decay", classify.DefaultDecay)
	v.SetDefault("classifier.score_mode", string(classify.ScoreSum))

	// -- Sync --
	v.SetDefault("sync.interval", "2s")
	v.SetDefault("sync.max_pending", 10000)
	v.SetDefault("sync.retry_delay", "50ms")
	v.SetDefault("sync.max_link_bytes", 4<<20)

	// -- Prune --
	v.SetDefault("prune.remote", false)
	v.SetDefault("prune.timeout", "10s")
	v.SetDefault("prune.rate_limit", 5.0)
	v.SetDefault("prune.concurrency", 4)
	v.SetDefault("prune.probe_url", "")
	v.SetDefault("prune.user_agent", "loom-prune/1")

	// -- Watch --
	v.SetDefault("watch.mode", string(watch.ModeNotify))
	v.SetDefault("watch.move_window", watch.DefaultMoveWindow.String())
	v.SetDefault("watch.poll_interval", watch.DefaultPollInterval.String())

	// -- Dashboard --
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.addr", "127.0.0.1:7878")
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path. An empty path searches the default
// directory for config.yaml or config.toml and falls back to defaults.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", expanded, err)
		}
	} else {
		dir, err := homedir.Expand(DefaultDir)
		if err != nil {
			return nil, fmt.Errorf("failed to expand config dir: %w", err)
		}
		v.SetConfigName("config")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}
	return NewConfigFromViper(v)
}

// NewConfigFromViper decodes, resolves and validates the configuration.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.file = v.ConfigFileUsed()

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// File returns the config file that was read, or "".
func (c *Config) File() string {
	return c.file
}

// resolve expands ~ and makes relative paths absolute. Relative paths are
// taken from the config file's directory, or the working directory.
func (c *Config) resolve() error {
	base := ""
	if c.file != "" {
		base = filepath.Dir(c.file)
	}

	var err error
	fix := func(p *string) {
		if err != nil || *p == "" {
			return
		}
		var out string
		out, err = resolvePath(base, *p)
		*p = out
	}
	fixAll := func(ps []string) {
		for i := range ps {
			fix(&ps[i])
		}
	}

	fix(&c.StateDir)
	fix(&c.Logging.LogFile)
	fixAll(c.Classifier.IncludePaths)
	fixAll(c.Classifier.ExcludePaths)
	for i := range c.Classifier.PriorityDirs {
		fix(&c.Classifier.PriorityDirs[i].Path)
	}
	for name, db := range c.Databases {
		fixAll(db.Roots)
		if fileBackends[db.Backend] && !strings.Contains(db.DSN, "://") && !strings.HasPrefix(db.DSN, "file:") {
			fix(&db.DSN)
		}
		c.Databases[name] = db
	}
	if err != nil {
		return fmt.Errorf("failed to resolve paths: %w", err)
	}
	return nil
}

// fileBackends take a file path as their DSN, resolved like any other path.
var fileBackends = map[string]bool{"sqlite": true, "libsql": true}

func resolvePath(base, p string) (string, error) {
	p, err := homedir.Expand(p)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) && base != "" {
		p = filepath.Join(base, p)
	}
	return filepath.Abs(p)
}

// Validate checks the configuration and returns every problem found.
// Classifier problems are *classify.ConfigurationError values.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, value, reason string) {
		errs = append(errs, &classify.ConfigurationError{Field: field, Value: value, Reason: reason})
	}

	if err := c.Classifier.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.StateDir == "" {
		bad("state_dir", "", "is required")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		bad("logging.level", c.Logging.Level, "unknown level")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		bad("logging.format", c.Logging.Format, "must be console or json")
	}

	if c.Sync.Interval <= 0 {
		bad("sync.interval", c.Sync.Interval.String(), "must be positive")
	}
	if c.Sync.MaxPending <= 0 {
		bad("sync.max_pending", fmt.Sprint(c.Sync.MaxPending), "must be positive")
	}

	if c.Prune.Timeout <= 0 {
		bad("prune.timeout", c.Prune.Timeout.String(), "must be positive")
	}
	if c.Prune.RateLimit <= 0 {
		bad("prune.rate_limit", fmt.Sprint(c.Prune.RateLimit), "must be positive")
	}
	if c.Prune.Concurrency <= 0 {
		bad("prune.concurrency", fmt.Sprint(c.Prune.Concurrency), "must be positive")
	}

	switch watch.Mode(c.Watch.Mode) {
	case watch.ModeNotify, watch.ModePoll:
	default:
		bad("watch.mode", c.Watch.Mode, "must be fsnotify or poll")
	}

	for _, name := range c.DatabaseNames() {
		db := c.Databases[name]
		field := "databases." + name
		if db.Backend == "" {
			bad(field+".backend", "", "is required")
		}
		if db.PruneFrequency < 0 {
			bad(field+".prune_frequency", db.PruneFrequency.String(), "must not be negative")
		}
		for _, root := range db.Roots {
			if !filepath.IsAbs(root) {
				bad(field+".roots", root, "path must be absolute")
			}
		}
	}

	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		bad("dashboard.addr", "", "is required when the dashboard is enabled")
	}
	return errors.Join(errs...)
}

// DatabaseNames returns the configured database names, sorted.
func (c *Config) DatabaseNames() []string {
	names := make([]string, 0, len(c.Databases))
	for name := range c.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Database returns the named database. An empty name selects the only
// configured database, or DefaultDatabase when there are several.
func (c *Config) Database(name string) (string, DatabaseConfig, error) {
	if name == "" {
		if len(c.Databases) == 1 {
			for only := range c.Databases {
				name = only
			}
		} else {
			name = DefaultDatabase
		}
	}
	db, ok := c.Databases[name]
	if !ok {
		return name, DatabaseConfig{}, fmt.Errorf("database %q is not configured (have %s)",
			name, strings.Join(c.DatabaseNames(), ", "))
	}
	return name, db, nil
}

// DatabaseFor returns the database whose roots contain path.
func (c *Config) DatabaseFor(path string) (string, bool) {
	best, bestLen := "", -1
	for _, name := range c.DatabaseNames() {
		for _, root := range c.Databases[name].Roots {
			if (path == root || strings.HasPrefix(path, root+string(filepath.Separator))) && len(root) > bestLen {
				best, bestLen = name, len(root)
			}
		}
	}
	return best, bestLen >= 0
}

// LockPath returns the instance lock file for db.
func (c *Config) LockPath(db string) string {
	return filepath.Join(c.StateDir, db+".lock")
}

// TimersPath returns the prune timer state file.
func (c *Config) TimersPath() string {
	return filepath.Join(c.StateDir, prune.TimersFile)
}

// WatchMode returns the configured watcher adapter.
func (c *Config) WatchMode() watch.Mode {
	return watch.Mode(c.Watch.Mode)
}
