package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/chat"
	"github.com/matheus3301/roomsync/internal/config"
	"github.com/matheus3301/roomsync/internal/lock"
	"github.com/matheus3301/roomsync/internal/logging"
	"github.com/matheus3301/roomsync/internal/metrics"
	"github.com/matheus3301/roomsync/internal/profile"
	"github.com/matheus3301/roomsync/internal/redisfeed"
	"github.com/matheus3301/roomsync/internal/session"
	"github.com/matheus3301/roomsync/internal/store"
	intsync "github.com/matheus3301/roomsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load ~/.roomsync/config.toml
	Logger      *zap.Logger    // optional; nil = session log file + stderr
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideFeed,
			provideBackend,
			provideRegistry,
			provideMetrics,
			provideResolver,
			provideEngine,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		if err := p.Config.Validate(); err != nil {
			return nil, err
		}
		return p.Config, nil
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(logging.Options{
		Path:    session.LogPath(p.SessionName),
		Session: p.SessionName,
		Level:   cfg.Log.Level,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(session.DBPath(p.SessionName))
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
	rooms, messages, err := db.Counts(context.Background())
	if err != nil {
		logger.Warn("store counts unavailable", zap.Error(err))
	}
	logger.Info("store initialized", zap.String("path", db.Path()),
		zap.Int64("rooms", rooms), zap.Int64("messages", messages))
	return db, nil
}

func provideFeed(lc fx.Lifecycle, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (store.Feed, error) {
	if cfg.Push.Driver != config.DriverRedis {
		logger.Info("push feed: in-process bus")
		return store.NewBusFeed(b), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	feed, err := redisfeed.New(ctx, cfg.Push.RedisURL, logger.Named("redisfeed"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return feed.Close() }})
	logger.Info("push feed: redis")
	return feed, nil
}

func provideBackend(db *store.DB, feed store.Feed, cfg *config.Config, logger *zap.Logger) *store.Backend {
	return store.NewBackend(db, feed, logger.Named("store"), store.WithViewer(cfg.UserID))
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideResolver(backend *store.Backend, cfg *config.Config, logger *zap.Logger) (*profile.Resolver, error) {
	return profile.NewResolver(backend, cfg.Engine.ProfileCacheSize, logger.Named("profile"))
}

func provideEngine(cfg *config.Config, backend *store.Backend, resolver *profile.Resolver, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) (*intsync.Engine, error) {
	return intsync.NewEngine(intsync.Config{
		UserID: cfg.UserID,
		Self: chat.Profile{
			UserID:      cfg.UserID,
			DisplayName: cfg.DisplayName,
			AvatarURL:   cfg.AvatarURL,
		},
		Window:      cfg.Engine.Window.Duration,
		MatchWindow: cfg.Engine.MatchWindow.Duration,
	}, intsync.Deps{
		Backend:  backend,
		Profiles: resolver,
		Bus:      b,
		Metrics:  m,
		Logger:   logger.Named("engine"),
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, ms *MetricsServer, lk *lock.Lock, db *store.DB, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) {
	var stopWatch func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := ms.Start(); err != nil {
				return err
			}
			stopWatch = srv.WatchStatus(b)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// The engine reports its own state on the bus; a blocked or
			// partially loaded start leaves the daemon up for diagnosis.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := engine.Start(ctx); err != nil {
					logger.Error("engine start", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := engine.Stop()
			if stopWatch != nil {
				stopWatch()
			}
			srv.Stop(ctx)
			err = multierr.Append(err, ms.Stop(ctx))
			err = multierr.Append(err, db.Close())
			if relErr := lk.Release(); relErr != nil {
				logger.Warn("error releasing lock", zap.Error(relErr))
			}
			logger.Info("daemon stopped")
			return err
		},
	})
}
