package main

import (
	"context"
	"errors"
	"fmt"

	"editlog/internal/cache"
	"editlog/internal/commit"
	"editlog/internal/config"
	"editlog/internal/health"
	"editlog/internal/history"
	"editlog/internal/journal"
	"editlog/internal/logging"
	"editlog/internal/metrics"
	"editlog/internal/security"
	"editlog/internal/store"
)

// app holds the components shared by every command.
type app struct {
	loader  *config.Loader
	cfg     *config.Config
	log     *logging.Logger
	lock    *security.Lock
	store   store.RecordStore
	engine  *history.Engine
	metrics *metrics.EditlogMetrics
	journal *journal.Journal
}

// openApp loads configuration and opens the store. Commands that write take
// the data-directory lock so only one process records edits at a time.
func openApp(ctx context.Context, write bool) (*app, error) {
	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(log)

	a := &app{loader: loader, cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.Storage.Backend == "sqlite" {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
	}

	if write && cfg.Storage.Backend == "sqlite" {
		lock, err := security.AcquireLock(cfg.LockPath())
		if err != nil {
			return nil, err
		}
		a.lock = lock
	}

	switch cfg.Storage.Backend {
	case "memory":
		a.store = store.NewMemoryStore()
	default:
		st, err := store.Open(ctx, cfg.DatabasePath(), store.SQLiteOptions{
			BusyTimeout:  cfg.BusyTimeout(),
			MaxOpenConns: cfg.Storage.MaxOpenConns,
		})
		if err != nil {
			return nil, err
		}
		a.store = st
	}

	c, err := cache.New(cfg.History.CacheSize)
	if err != nil {
		return nil, err
	}
	a.metrics = metrics.NewEditlogMetrics(metrics.Default())

	mode, err := history.ParseIntegrityMode(cfg.History.IntegrityMode)
	if err != nil {
		return nil, err
	}
	a.engine, err = history.NewEngine(history.Config{
		Store:               a.store,
		Cache:               c,
		Logger:              log,
		Metrics:             a.metrics,
		AllowWhitespaceOnly: cfg.History.AllowWhitespaceOnly,
		IntegrityMode:       mode,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// openJournal opens the draft journal with a key derived from the master
// key in the data directory.
func (a *app) openJournal() (*journal.Journal, error) {
	if !a.cfg.Commit.Journal || a.cfg.Storage.Backend != "sqlite" {
		return nil, nil
	}
	if a.journal != nil {
		return a.journal, nil
	}

	master, err := security.LoadOrCreateKey(a.cfg.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("journal key: %w", err)
	}
	defer security.Wipe(master)

	key, err := security.DeriveKeyWithLabel(master, "journal", security.KeySize)
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(a.cfg.JournalPath(), key)
	security.Wipe(key)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if n := j.Trimmed(); n > 0 {
		a.log.Warn("discarded torn journal tail", "bytes", n, "path", j.Path())
	}
	a.journal = j
	return j, nil
}

// newController builds a commit controller for documentID.
func (a *app) newController(saver commit.Saver, documentID string) (*commit.Controller, error) {
	opts := commit.Options{
		QuietPeriod:   a.cfg.QuietPeriod(),
		CommitTimeout: a.cfg.CommitTimeout(),
		Logger:        a.log,
		Metrics:       a.metrics,
	}
	j, err := a.openJournal()
	if err != nil {
		return nil, err
	}
	if j != nil {
		opts.Journal = j
	}
	return commit.NewController(saver, documentID, opts)
}

// healthChecker registers the checks for the open components.
func (a *app) healthChecker() *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("store", true, health.StoreCheck(a.store))
	if a.cfg.Storage.Backend == "sqlite" {
		c.RegisterFunc("data_dir", true, health.DirWritableCheck(a.cfg.Storage.DataDir))
	}
	if a.journal != nil {
		c.RegisterFunc("journal", false, health.JournalCheck(a.journal))
	}
	return c
}

func (a *app) close() {
	var errs []error
	if a.engine != nil {
		a.engine.Close()
	}
	if a.journal != nil {
		if err := a.journal.Compact(); err != nil {
			errs = append(errs, fmt.Errorf("compact journal: %w", err))
		}
		errs = append(errs, a.journal.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Release())
	}
	if a.loader != nil {
		errs = append(errs, a.loader.Close())
	}
	if err := errors.Join(errs...); err != nil && a.log != nil {
		a.log.Warn("shutdown", "error", err)
	}
	if a.log != nil {
		a.log.Close()
	}
}
