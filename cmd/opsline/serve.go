package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/opsline/opsline/internal/bridge"
	"github.com/opsline/opsline/internal/bridge/connectors/lark"
	"github.com/opsline/opsline/internal/bridge/connectors/telegram"
	"github.com/opsline/opsline/internal/bridge/store"
	"github.com/opsline/opsline/internal/config"
	"github.com/opsline/opsline/internal/db"
	"github.com/opsline/opsline/internal/handlers"
	"github.com/opsline/opsline/internal/logger"
	"github.com/opsline/opsline/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideStore,
			provideRegistry,
			provideLifecycle,
			provideIngestor,
			provideDispatcher,
			provideAdmin,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideBridgeHandler),
			provideServerHandler(provideAdminHandler),
			provideServer,
		),
		fx.Invoke(startServer),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideStore(log *slog.Logger, pool *pgxpool.Pool) (*store.Store, error) {
	return store.NewStore(context.Background(), log, pool)
}

func provideRegistry(log *slog.Logger, cfg config.Config) *bridge.Registry {
	registry := bridge.NewRegistry()
	if cfg.Connectors.Lark.AppID != "" {
		registry.MustRegister(lark.New(log, lark.Config{
			AppID:             cfg.Connectors.Lark.AppID,
			AppSecret:         cfg.Connectors.Lark.AppSecret,
			VerificationToken: cfg.Connectors.Lark.VerificationToken,
			BaseURL:           cfg.Connectors.Lark.BaseURL,
		}))
	}
	if cfg.Connectors.Telegram.BotToken != "" {
		registry.MustRegister(telegram.New(log, cfg.Connectors.Telegram.BotToken))
	}
	return registry
}

func provideLifecycle(log *slog.Logger, s *store.Store) *bridge.Lifecycle {
	return bridge.NewLifecycle(log, s)
}

func provideIngestor(log *slog.Logger, registry *bridge.Registry, s *store.Store) *bridge.Ingestor {
	return bridge.NewIngestor(log, registry, s, s, s)
}

func provideDispatcher(log *slog.Logger, cfg config.Config, s *store.Store, lifecycle *bridge.Lifecycle, registry *bridge.Registry) *bridge.Dispatcher {
	policy := bridge.RetryPolicy{
		MaxAttempts:    cfg.Bridge.RetryMax,
		BaseBackoff:    time.Duration(cfg.Bridge.RetryBaseMs) * time.Millisecond,
		AttemptTimeout: time.Duration(cfg.Bridge.AttemptTimeoutSec) * time.Second,
		OverallTimeout: time.Duration(cfg.Bridge.OverallTimeoutSec) * time.Second,
	}
	return bridge.NewDispatcher(log, s, lifecycle, registry, s, policy)
}

func provideAdmin(log *slog.Logger, s *store.Store, registry *bridge.Registry) *bridge.Admin {
	return bridge.NewAdmin(log, s, registry)
}

func provideBridgeHandler(log *slog.Logger, ingestor *bridge.Ingestor, dispatcher *bridge.Dispatcher, lifecycle *bridge.Lifecycle, registry *bridge.Registry) *handlers.BridgeHandler {
	return handlers.NewBridgeHandler(log, ingestor, dispatcher, lifecycle, registry)
}

func provideAdminHandler(log *slog.Logger, admin *bridge.Admin) *handlers.MappingAdminHandler {
	return handlers.NewMappingAdminHandler(log, admin)
}

type serverParams struct {
	fx.In
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Config.Server.Addr, params.Config.Bridge.ServiceKey, params.ServerHandlers...)
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting bridge server", slog.String("addr", cfg.Server.Addr))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
