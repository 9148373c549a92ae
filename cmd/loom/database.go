package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/loomkb/loom/internal/classify"
	"github.com/loomkb/loom/internal/config"
	"github.com/loomkb/loom/internal/daemon"
	"github.com/loomkb/loom/internal/docstore"
	_ "github.com/loomkb/loom/internal/docstore/postgres"
	_ "github.com/loomkb/loom/internal/docstore/redisstore"
	_ "github.com/loomkb/loom/internal/docstore/sqlite"
	"github.com/loomkb/loom/internal/metrics"
	"github.com/loomkb/loom/internal/prune"
	"github.com/loomkb/loom/internal/schema"
	loomsync "github.com/loomkb/loom/internal/sync"
)

// database is an opened, configured database.
type database struct {
	name string
	cfg  config.DatabaseConfig
	repo *schema.Repo
	// lock is held by writers only.
	lock *daemon.Lock
}

func (d *database) Close() error {
	return errors.Join(d.repo.Store().Close(), d.lock.Release())
}

// openDatabase opens the named database. Writers take the instance lock first
// so a manual pass never races a running daemon.
func (a *app) openDatabase(ctx context.Context, name string, writer bool) (*database, error) {
	name, dbCfg, err := a.cfg.Database(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	db := &database{name: name, cfg: dbCfg}
	if writer {
		db.lock, err = daemon.AcquireLock(a.cfg.LockPath(name))
		if err != nil {
			return nil, fmt.Errorf("database %s: %w", name, err)
		}
	}

	dsn := dbCfg.DSN
	if dsn == "" && (dbCfg.Backend == "sqlite" || dbCfg.Backend == "libsql") {
		dsn = filepath.Join(a.cfg.StateDir, name+".db")
	}
	store, err := docstore.Open(ctx, dbCfg.Backend, docstore.Options{DSN: dsn, Params: dbCfg.Params})
	if err != nil {
		_ = db.lock.Release()
		return nil, fmt.Errorf("database %s: %w", name, err)
	}
	db.repo = schema.NewRepo(store)

	a.log.Debug("Opened database",
		zap.String("db", name),
		zap.String("backend", dbCfg.Backend),
		zap.Bool("writer", writer))
	return db, nil
}

// targetDatabases returns the databases a command acts on: the named ones,
// or every configured database when all is set, or the default.
func (a *app) targetDatabases(names []string, all bool) ([]string, error) {
	if all {
		return a.cfg.DatabaseNames(), nil
	}
	if len(names) == 0 {
		name, _, err := a.cfg.Database("")
		if err != nil {
			return nil, err
		}
		return []string{name}, nil
	}
	for _, n := range names {
		if _, _, err := a.cfg.Database(n); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func (a *app) classifier() (*classify.Classifier, error) {
	cls, err := classify.New(a.cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("invalid classifier rules: %w", err)
	}
	return cls, nil
}

func (a *app) newOrchestrator(db *database, cls *classify.Classifier, m *metrics.Metrics) loomsync.Orchestrator {
	return loomsync.New(db.repo, loomsync.Config{
		Database:     db.name,
		Classifier:   cls,
		Logger:       a.log,
		Metrics:      m,
		RetryDelay:   a.cfg.Sync.RetryDelay,
		MaxLinkBytes: a.cfg.Sync.MaxLinkBytes,
	})
}

func (a *app) newPruneEngine(db *database, timers *prune.Timers, lock *sync.Mutex, m *metrics.Metrics) *prune.Engine {
	checker := prune.NewHTTPChecker(prune.CheckerConfig{
		Timeout:   a.cfg.Prune.Timeout,
		RateLimit: a.cfg.Prune.RateLimit,
		ProbeURL:  a.cfg.Prune.ProbeURL,
		UserAgent: a.cfg.Prune.UserAgent,
		Logger:    a.log,
	})
	return prune.New(db.repo, prune.Config{
		Database:    db.name,
		Checker:     checker,
		Timers:      timers,
		Lock:        lock,
		Concurrency: a.cfg.Prune.Concurrency,
		Logger:      a.log,
		Metrics:     m,
	})
}
