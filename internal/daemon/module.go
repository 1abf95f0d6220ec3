// Package daemon composes the sync core into a running process: config,
// logging, profile lock, persistent cache, transport, reconciliation and
// the facade, wired through fx with lifecycle hooks.
package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/situ8/commsd/internal/bus"
	"github.com/situ8/commsd/internal/cache"
	"github.com/situ8/commsd/internal/comms"
	"github.com/situ8/commsd/internal/config"
	"github.com/situ8/commsd/internal/lock"
	"github.com/situ8/commsd/internal/logging"
	"github.com/situ8/commsd/internal/offline"
	"github.com/situ8/commsd/internal/profile"
	"github.com/situ8/commsd/internal/state"
	"github.com/situ8/commsd/internal/store"
	"github.com/situ8/commsd/internal/svc"
	intsync "github.com/situ8/commsd/internal/sync"
	"github.com/situ8/commsd/internal/token"
	"github.com/situ8/commsd/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideIdentity,
			provideRegistry,
			provideMessageLog,
			providePresence,
			provideQueue,
			provideTransport,
			provideServiceClient,
			provideSyncEngine,
			provideFacade,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if tok := os.Getenv("COMMSD_TOKEN"); tok != "" {
		cfg.Gateway.Token = tok
	}
	if cfg.Gateway.Token == "" {
		return nil, fmt.Errorf("no credential: set gateway.token in %s or COMMSD_TOKEN", profile.ConfigPath())
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *state.Machine {
	return state.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.SQLite, error) {
	path := profile.CachePath(p.Profile)
	kv, err := cache.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	result, err := kv.Migrate()
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", path))
	return kv, nil
}

func provideIdentity(cfg *config.Config, logger *zap.Logger) (token.Identity, error) {
	id, err := token.ParseIdentity(cfg.Gateway.Token)
	if err != nil {
		return token.Identity{}, fmt.Errorf("parse credential: %w", err)
	}
	if id.Expired(time.Now()) {
		logger.Warn("credential is expired; the gateway will refuse the session",
			zap.Time("expiresAt", id.ExpiresAt))
	}
	logger.Info("identity resolved",
		zap.String("userId", id.UserID),
		zap.String("role", id.Role),
		zap.Int("clearance", id.Clearance))
	return id, nil
}

func provideRegistry() *store.Registry     { return store.NewRegistry() }
func provideMessageLog() *store.MessageLog { return store.NewMessageLog() }
func providePresence() *store.Presence     { return store.NewPresence() }

func provideQueue(kv *cache.SQLite, logger *zap.Logger) *offline.Queue {
	return offline.NewQueue(kv, logger)
}

func provideTransport(cfg *config.Config, machine *state.Machine, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(transport.Config{
		URL:               cfg.Gateway.WebsocketURL,
		Token:             cfg.Gateway.Token,
		HeartbeatInterval: cfg.Sync.Heartbeat(),
		PongTimeout:       cfg.Sync.PongTimeout(),
		BackoffMin:        cfg.Sync.BackoffMin(),
		BackoffMax:        cfg.Sync.BackoffMax(),
		Stability:         cfg.Sync.Stability(),
	}, machine, b, logger)
}

func provideServiceClient(cfg *config.Config, logger *zap.Logger) *svc.Client {
	return svc.NewClient(cfg.Gateway.APIURL, cfg.Gateway.Token, logger)
}

func provideSyncEngine(b *bus.Bus, m *transport.Manager, c *svc.Client, registry *store.Registry, log *store.MessageLog, queue *offline.Queue, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(b, m, c, registry, log, queue, cfg.Sync.HistoryPageSize, logger)
}

func provideFacade(b *bus.Bus, m *transport.Manager, c *svc.Client, machine *state.Machine, id token.Identity, registry *store.Registry, log *store.MessageLog, presence *store.Presence, queue *offline.Queue, cfg *config.Config, logger *zap.Logger) *comms.Facade {
	return comms.New(comms.Params{
		Bus:       b,
		Transport: m,
		Service:   c,
		Machine:   machine,
		Identity:  id,
		Registry:  registry,
		Log:       log,
		Presence:  presence,
		Queue:     queue,
		PageSize:  cfg.Sync.HistoryPageSize,
		Logger:    logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, facade *comms.Facade, engine *intsync.Engine, manager *transport.Manager, registry *store.Registry, b *bus.Bus, lk *lock.Lock, kv *cache.SQLite, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Frames go to the facade synchronously; the bus only carries
			// notifications, which may be dropped under load.
			manager.RegisterHandler(facade.Handle)
			engine.Start(context.Background())

			go func() {
				ctx := context.Background()
				if err := facade.Bootstrap(ctx); err != nil {
					logger.Warn("channel bootstrap failed, continuing with cached state", zap.Error(err))
				}

				// Join the default channel once the first reconciliation
				// lands, so the join rides an established session.
				synced, unsub := b.Subscribe("sync.completed", 1)
				defer unsub()

				if err := manager.Connect(ctx); err != nil {
					// Retry is already scheduled; the daemon keeps running.
					logger.Warn("initial connect failed", zap.Error(err))
				}

				if def := cfg.Sync.DefaultChannel; def != "" && !registry.Has(def) {
					select {
					case <-synced:
						if err := facade.JoinChannel(def); err != nil {
							logger.Warn("default channel join failed",
								zap.String("channel", def), zap.Error(err))
						}
					case <-time.After(2 * time.Minute):
						logger.Warn("no reconciliation yet, skipping default channel join")
					}
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			manager.Disconnect()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			if err := kv.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
