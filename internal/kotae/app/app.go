// Package app wires Kotae's subsystems and implements the response pipeline:
// Matrix message received → policy check → memory → LLM → reply.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kotae/common/version"
	"github.com/bdobrica/Kotae/internal/kotae/config"
	"github.com/bdobrica/Kotae/internal/kotae/llm"
	"github.com/bdobrica/Kotae/internal/kotae/matrix"
	"github.com/bdobrica/Kotae/internal/kotae/memory"
	"github.com/bdobrica/Kotae/internal/kotae/observability"
	"github.com/bdobrica/Kotae/internal/kotae/policy"
	"github.com/bdobrica/Kotae/internal/kotae/query"
	"github.com/bdobrica/Kotae/internal/kotae/store"
)

// App is the running bot.
type App struct {
	cfg     *config.Config
	db      *store.Store
	llm     *llm.Client
	matrix  *matrix.Client
	watcher *config.Watcher
	metrics *observability.Metrics
	orch    *Orchestrator
}

// New builds every subsystem from cfg. configPath is watched for edits and
// receives auto-selected direct conversations. It does not start any
// goroutines; call Run for that.
func New(ctx context.Context, cfg *config.Config, configPath string, logLevel *slog.LevelVar) (*App, error) {
	if err := config.RequireCredentials(cfg); err != nil {
		return nil, err
	}

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	metrics := observability.NewMetrics()

	client := llm.NewClient(llm.Config{
		URL:          cfg.APIURL,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		Timeout:      cfg.RequestTimeout.D(),
	})
	client.Setup()

	mem := memory.New(cfg.MaxSavedMessages, newPersister(cfg, db))
	if err := mem.Load(ctx); err != nil {
		slog.Warn("could not load conversation memory; starting empty", "backend", cfg.MemoryBackend, "err", err)
	}

	mx, err := matrix.New(matrix.Config{
		Homeserver:      cfg.Homeserver,
		UserID:          cfg.UserID,
		AccessToken:     cfg.BotToken,
		GroupMaxMembers: cfg.GroupMaxMembers,
		DB:              db.DB(),
	})
	if err != nil {
		client.Close()
		db.Close()
		return nil, fmt.Errorf("init matrix: %w", err)
	}

	watcher := config.NewWatcher(configPath, cfg, config.ApplyEnv)

	orch := NewOrchestrator(OrchestratorOptions{
		SelfID:   cfg.UserID,
		Settings: SettingsFromConfig(cfg),
		Policy:   policy.New(policy.NewState(cfg.Cooldown(), cfg.SelectedChannels)),
		Memory:   mem,
		Query: query.New(client, query.Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryDelay.D(),
		}, metrics),
		Turns:    db,
		Metrics:  metrics,
		Changes:  watcher.Changes(),
		LogLevel: logLevel,
		SelectDM: func(id string) error { return SelectChannel(configPath, id) },
	})

	return &App{
		cfg:     cfg,
		db:      db,
		llm:     client,
		matrix:  mx,
		watcher: watcher,
		metrics: metrics,
		orch:    orch,
	}, nil
}

func newPersister(cfg *config.Config, db *store.Store) memory.Persister {
	if cfg.MemoryBackend == "sqlite" {
		return memory.NewSQLitePersister(db.DB())
	}
	return memory.NewFilePersister(cfg.MemoryFile)
}

// Run starts the sync loop, the config watcher and, when configured, the
// metrics endpoint. It blocks until ctx is cancelled, SIGINT/SIGTERM arrives
// or a subsystem fails, then releases every resource.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.matrix.Run(gctx, a.orch.HandleEvent)
	})
	g.Go(func() error {
		return a.watcher.Run(gctx)
	})
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return a.metrics.Serve(gctx, a.cfg.MetricsAddr)
		})
	}

	slog.Info("Kotae started", append(version.LogAttrs(),
		"user_id", a.cfg.UserID,
		"api_url", a.cfg.APIURL,
		"eligible", len(a.cfg.SelectedChannels),
	)...)

	err := g.Wait()
	slog.Info("shutting down")
	return err
}

// Close releases the upstream session and the database.
func (a *App) Close() {
	a.llm.Close()
	if err := a.db.Close(); err != nil {
		slog.Warn("close database", "err", err)
	}
}

// SelectChannel adds id to selected_channels in the config file at path,
// leaving the file untouched when it is already present.
func SelectChannel(path, id string) error {
	_, err := config.Update(path, func(c *config.Config) error {
		if !slices.Contains(c.SelectedChannels, id) {
			c.SelectedChannels = append(c.SelectedChannels, id)
		}
		return nil
	})
	return err
}

// DeselectChannel removes id from selected_channels in the config file.
func DeselectChannel(path, id string) error {
	_, err := config.Update(path, func(c *config.Config) error {
		c.SelectedChannels = slices.DeleteFunc(c.SelectedChannels, func(s string) bool { return s == id })
		return nil
	})
	return err
}
