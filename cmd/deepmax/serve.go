package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/deepmax/internal/agent"
	"github.com/memohai/deepmax/internal/channel"
	"github.com/memohai/deepmax/internal/channel/adapters/discord"
	"github.com/memohai/deepmax/internal/channel/adapters/telegram"
	"github.com/memohai/deepmax/internal/channel/adapters/terminal"
	"github.com/memohai/deepmax/internal/config"
	"github.com/memohai/deepmax/internal/db"
	"github.com/memohai/deepmax/internal/identity"
	"github.com/memohai/deepmax/internal/logger"
	"github.com/memohai/deepmax/internal/orchestrator"
	"github.com/memohai/deepmax/internal/version"
)

// stopGrace is the shutdown time allowed beyond the drain timeout, shared by
// adapter stops and resource teardown.
const stopGrace = 15 * time.Second

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideStore,
			provideAgentManager,
			provideAgentProvider,
			provideOrchestrator,
			provideChannelRegistry,
		),
		fx.Invoke(
			bootstrapIdentities,
			startChannels,
		),
		fx.StopTimeout(cfg.ShutdownDrain()+stopGrace),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	logger.L.Info("deepmax started", slog.String("version", version.Get().String()))

	sig := <-app.Wait()
	logger.L.Info("shutting down", slog.Any("signal", sig.Signal))

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownDrain()+stopGrace)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if sig.ExitCode != 0 {
		os.Exit(sig.ExitCode)
	}
	return nil
}

func provideLogger() *slog.Logger {
	return logger.L
}

// provideStore opens the configured backend and brings its schema up to
// date. The handle is closed last on shutdown.
func provideStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (identity.Store, error) {
	ctx := context.Background()
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := db.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if err := migrate(ctx, cfg, "up", nil); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				pool.Close()
				return nil
			},
		})
		return identity.NewPostgresStore(log, pool), nil
	default:
		if err := migrate(ctx, cfg, "up", nil); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		conn, err := db.OpenSQLite(ctx, cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return conn.Close()
			},
		})
		return identity.NewSQLiteStore(log, conn), nil
	}
}

// provideAgentManager creates the per-model agent cache with the default
// model warmed up.
func provideAgentManager(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*agent.Manager, error) {
	manager := agent.NewManager(log, agent.GatewayFactory(log, cfg.Agent.GatewayURL, cfg.Agent.Timeout()))
	if _, err := manager.Get(cfg.Provider.Model); err != nil {
		return nil, fmt.Errorf("default agent: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return manager.Close()
		},
	})
	return manager, nil
}

func provideAgentProvider(m *agent.Manager) orchestrator.AgentProvider {
	return m
}

func provideOrchestrator(log *slog.Logger, cfg config.Config, store identity.Store, agents orchestrator.AgentProvider) *orchestrator.Orchestrator {
	return orchestrator.New(log, store, agents, orchestrator.Options{
		DefaultModel:        cfg.Provider.Model,
		DefaultSystemPrompt: cfg.Provider.SystemPrompt,
	})
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config, shutdowner fx.Shutdowner) (*channel.Registry, error) {
	registry := channel.NewRegistry(log)
	var adapters []channel.Channel
	if c := cfg.Channels.Terminal; c.Enabled {
		adapters = append(adapters, terminal.New(log, c, terminal.WithOnExit(func() {
			if err := shutdowner.Shutdown(); err != nil {
				log.Error("request shutdown failed", slog.Any("error", err))
			}
		})))
	}
	if c := cfg.Channels.Telegram; c.Enabled {
		adapters = append(adapters, telegram.New(log, c))
	}
	if c := cfg.Channels.Discord; c.Enabled {
		adapters = append(adapters, discord.New(log, c))
	}
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			return nil, err
		}
	}
	if registry.Len() == 0 {
		return nil, config.ErrNoChannels
	}
	return registry, nil
}

func bootstrapIdentities(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, store identity.Store) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			links, err := cfg.Identity.LinkList()
			if err != nil {
				return err
			}
			return identity.Bootstrap(ctx, log, store, links)
		},
	})
}

// startChannels starts every adapter. On stop it drains in-flight turns
// before the adapters go away.
func startChannels(lc fx.Lifecycle, cfg config.Config, registry *channel.Registry, orch *orchestrator.Orchestrator) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return registry.StartAll(ctx, orch.HandleMessage)
		},
		OnStop: func(ctx context.Context) error {
			orch.Drain(cfg.ShutdownDrain())
			registry.StopAll(ctx)
			return nil
		},
	})
}
