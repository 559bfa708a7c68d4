// Package app composes config, logging, storage and the scheduler into the
// runnable CLI application.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"genpool/internal/batch"
	"genpool/internal/config"
	"genpool/internal/provider"
	"genpool/internal/scheduler"
	"genpool/internal/storage"
	logx "genpool/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger

	store storage.Store
	sched *scheduler.Service
}

// Options adjust composition without editing the config file.
type Options struct {
	// Strategy overrides models.strategy when non-empty ("speed"/"quality").
	Strategy string
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if s := strings.TrimSpace(opts.Strategy); s != "" {
		cfg.Models.Strategy = s
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	var store storage.Store
	if cfg.Storage != nil {
		busy, derr := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
		if derr != nil {
			return nil, derr
		}
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	timeout, err := config.ParseDurationField("provider.request_timeout", cfg.Provider.RequestTimeout)
	if err != nil {
		return nil, err
	}
	gen := provider.NewHTTPClient(cfg.Provider.Endpoint, timeout)

	sched, err := scheduler.New(cfg, gen,
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithStore(store))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		store:   store,
		sched:   sched,
	}, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Start launches background services: config hot reload and maintenance cron.
func (a *App) Start(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	go a.sched.WatchConfig(ctx, a.cfgm)
	return nil
}

func (a *App) Stop() {
	a.sched.Stop()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// LoadItems reads work items from a JSON file: either an array of
// {"id","prompt"} objects or an array of bare prompt strings.
func LoadItems(path string) ([]batch.WorkItem, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}

	var items []batch.WorkItem
	if err := json.Unmarshal(b, &items); err == nil && len(items) > 0 && items[0].Prompt != "" {
		return items, nil
	}

	var prompts []string
	if err := json.Unmarshal(b, &prompts); err != nil {
		return nil, fmt.Errorf("parse items: want JSON array of strings or {id,prompt} objects: %w", err)
	}
	items = make([]batch.WorkItem, 0, len(prompts))
	for _, p := range prompts {
		items = append(items, batch.WorkItem{Prompt: p})
	}
	return items, nil
}

// WriteResults writes results as pretty JSON to path, or stdout when path
// is "-" or empty.
func WriteResults(path string, results []batch.Result) error {
	b, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if path == "" || path == "-" {
		_, err = os.Stdout.Write(b)
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// RunBatch is the CLI happy path: load items, run them, write results.
func (a *App) RunBatch(ctx context.Context, itemsPath, outPath string) error {
	items, err := LoadItems(itemsPath)
	if err != nil {
		return err
	}
	a.log.Info("batch starting", logx.Int("items", len(items)))

	results, err := a.sched.Run(ctx, items, func(p batch.Progress) {
		a.log.Info("batch progress",
			logx.String("phase", p.Phase),
			logx.Int("processed", p.ProcessedItems),
			logx.Int("total", p.TotalItems),
			logx.Int("batch", p.CurrentBatch),
			logx.Int64("eta_ms", p.EstimatedRemainingMs))
	})
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	a.log.Info("batch finished",
		logx.Int("items", len(results)),
		logx.Int("failed", failed))

	return WriteResults(outPath, results)
}
