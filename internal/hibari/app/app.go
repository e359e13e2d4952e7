// Package app wires Hibari's components together: the store, the completion
// gateway, the session registry, the platform adapters, the scheduler and
// the control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Hibari/common/version"
	"github.com/bdobrica/Hibari/internal/hibari/activity"
	"github.com/bdobrica/Hibari/internal/hibari/config"
	"github.com/bdobrica/Hibari/internal/hibari/control"
	"github.com/bdobrica/Hibari/internal/hibari/discord"
	"github.com/bdobrica/Hibari/internal/hibari/llm"
	"github.com/bdobrica/Hibari/internal/hibari/matrix"
	"github.com/bdobrica/Hibari/internal/hibari/memory"
	"github.com/bdobrica/Hibari/internal/hibari/reputation"
	"github.com/bdobrica/Hibari/internal/hibari/scheduler"
	"github.com/bdobrica/Hibari/internal/hibari/session"
	"github.com/bdobrica/Hibari/internal/hibari/status"
	"github.com/bdobrica/Hibari/internal/hibari/store"
)

// shutdownTimeout bounds the final save of every live session.
const shutdownTimeout = 30 * time.Second

// runner is a platform adapter feeding a registry until ctx ends.
type runner interface {
	Run(ctx context.Context, registry *session.Registry) error
}

// App owns every long-lived component.
type App struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *store.Store
	registry  *session.Registry
	scheduler *scheduler.Scheduler
	control   *control.Server
	adapters  map[string]runner
}

// New opens the database and builds the components described by cfg.
// Nothing connects until Run.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	provider := llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	a, err := build(cfg, logger, db, provider)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg config.Config, logger *slog.Logger, db *store.Store, provider llm.Provider) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deps := session.Deps{
		Provider:   provider,
		Windows:    db,
		Policies:   db,
		Graphs:     db,
		Notes:      db,
		Reputation: reputation.NewService(db, time.Now, logger),
		Status:     status.NewManager(time.Now),
		Activity:   activity.NewTracker(cfg.Session.ActivityWindow),
		Logger:     logger,
	}
	registry := session.NewRegistry(session.RegistryConfig{
		IdleTimeout: cfg.Session.IdleTimeout,
		Policies:    db,
		Windows:     db,
		Logger:      logger,
	}, session.NewFactory(SessionConfig(cfg), deps))

	sched, err := scheduler.New(scheduler.Config{
		ForgetSchedule: cfg.Memory.ForgetSchedule,
		ForgetRatio:    cfg.Memory.ForgetRatio,
	}, scheduler.Deps{
		Registry:     registry,
		Graphs:       db,
		Notes:        db,
		GraphOptions: memory.Options{Provider: provider, Logger: logger},
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		registry:  registry,
		scheduler: sched,
		adapters:  make(map[string]runner),
	}
	if cfg.Control.Enabled() {
		a.control = control.New(cfg.Control.Addr, control.Handlers{
			Token:    cfg.Control.Token,
			Version:  version.Version,
			Registry: registry,
			Switch:   db,
			Logger:   logger,
		})
	}
	if cfg.Matrix.Enabled() {
		mx, err := matrix.New(matrix.Config{
			Homeserver:          cfg.Matrix.Homeserver,
			UserID:              cfg.Matrix.UserID,
			AccessToken:         cfg.Matrix.AccessToken,
			Rooms:               cfg.Matrix.Rooms,
			AssistantName:       cfg.Assistant.Name,
			ReactionProbability: cfg.Matrix.ReactionProbability,
			SyncState:           db,
			Logger:              logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build matrix client: %w", err)
		}
		a.adapters["matrix"] = mx
	}
	if cfg.Discord.Enabled() {
		a.adapters["discord"] = discord.New(discord.Config{
			Token:               cfg.Discord.Token,
			AllowedGuilds:       cfg.Discord.AllowedGuilds,
			AllowedChannels:     cfg.Discord.AllowedChannels,
			ReactionProbability: cfg.Discord.ReactionProbability,
			Logger:              logger,
		})
	}
	return a, nil
}

// SessionConfig maps the session section of cfg onto session.Config.
func SessionConfig(cfg config.Config) session.Config {
	return session.Config{
		AssistantName:    cfg.Assistant.Name,
		Model:            cfg.LLM.Model,
		MaxEntries:       cfg.Session.WindowSize,
		Cooldown:         cfg.Session.Cooldown,
		MuteDuration:     cfg.Session.MuteDuration,
		PollInterval:     cfg.Session.PollInterval,
		TypingDelay:      cfg.Session.TypingDelay,
		MaxTypingDelay:   cfg.Session.MaxTypingDelay,
		PrivateHotness:   cfg.Session.PrivateHotness,
		ProactiveAfter:   cfg.Session.ProactiveAfter,
		MemoryBuildEvery: cfg.Memory.BuildEvery,
		CompressRate:     cfg.Memory.CompressRate,
	}
}

// Registry exposes the session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// Run starts the adapters and the scheduler and blocks until ctx is done or
// one of them fails. Every live session is saved before it returns.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("hibari starting", "config", a.cfg, "adapters", len(a.adapters))

	g, gctx := errgroup.WithContext(ctx)
	for name, ad := range a.adapters {
		g.Go(func() error {
			if err := ad.Run(gctx, a.registry); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s adapter: %w", name, err)
			}
			return nil
		})
	}
	g.Go(func() error { return a.scheduler.Run(gctx) })
	if a.control != nil {
		g.Go(func() error { return a.control.Run(gctx) })
	}

	runErr := g.Wait()
	if runErr != nil {
		a.logger.Error("component failed", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := a.registry.Close(shutdownCtx)
	if closeErr != nil {
		a.logger.Error("session shutdown incomplete", "err", closeErr)
	}
	a.logger.Info("hibari stopped", "sessions_saved", closeErr == nil)
	return errors.Join(runErr, closeErr)
}

// Close releases the database.
func (a *App) Close() error { return a.db.Close() }
