package client

import (
	"context"
	"fmt"

	"github.com/rbarroso/converse/internal/api"
	"github.com/rbarroso/converse/internal/bus"
	"github.com/rbarroso/converse/internal/cache"
	"github.com/rbarroso/converse/internal/config"
	"github.com/rbarroso/converse/internal/creds"
	"github.com/rbarroso/converse/internal/lock"
	"github.com/rbarroso/converse/internal/logging"
	"github.com/rbarroso/converse/internal/profile"
	"github.com/rbarroso/converse/internal/send"
	"github.com/rbarroso/converse/internal/status"
	"github.com/rbarroso/converse/internal/store"
	"github.com/rbarroso/converse/internal/transport"
	"github.com/rbarroso/converse/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("client",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideCreds,
			provideAPIClient,
			provideStore,
			provideChannel,
			provideCoordinator,
			provideAggregator,
			provideNotifier,
			provideController,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", profile.ConfigPath(), err)
	}
	if cfg.APIBaseURL == "" || cfg.RealtimeURL == "" {
		return nil, fmt.Errorf("config %s: api_base_url and realtime_url are required", profile.ConfigPath())
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
	db, err := cache.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCreds(cfg *config.Config, b *bus.Bus) *creds.Source {
	cs := creds.NewSource(b)
	if cfg.AuthToken != "" {
		cs.SetToken(cfg.AuthToken)
	}
	return cs
}

func provideAPIClient(cfg *config.Config, cs *creds.Source, logger *zap.Logger) *api.Client {
	return api.NewClient(cfg.APIBaseURL, cs, logger)
}

func provideStore(cs *creds.Source, client *api.Client, db *cache.DB, b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(store.Config{SelfID: cs.UserID()}, client, db, b, logger)
}

func provideChannel(cfg *config.Config, cs *creds.Source, m *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Channel {
	return transport.New(
		transport.Config{Endpoint: cfg.RealtimeURL},
		transport.WebsocketDialer{},
		cs, m, b, logger,
	)
}

func provideCoordinator(ch *transport.Channel, client *api.Client, st *store.Store, b *bus.Bus, logger *zap.Logger) *send.Coordinator {
	return send.New(ch, client, st, b, logger)
}

func provideAggregator(cs *creds.Source, b *bus.Bus, logger *zap.Logger) *typing.Aggregator {
	return typing.NewAggregator(cs.UserID(), b, logger)
}

func provideNotifier(cs *creds.Source, ch *transport.Channel) *typing.Notifier {
	return typing.NewNotifier(cs.UserID(), ch)
}

func provideController(
	st *store.Store,
	ch *transport.Channel,
	client *api.Client,
	coord *send.Coordinator,
	agg *typing.Aggregator,
	not *typing.Notifier,
	cs *creds.Source,
	b *bus.Bus,
	db *cache.DB,
	logger *zap.Logger,
) *Controller {
	return NewController(st, ch, client, coord, agg, not, cs, b, db, logger)
}

func registerLifecycle(lc fx.Lifecycle, ctrl *Controller, lk *lock.Lock, db *cache.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctrl.Start()
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			ctrl.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
