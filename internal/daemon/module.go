package daemon

import (
	"context"
	"errors"
	"io/fs"

	"github.com/tsoares/courier/internal/bus"
	"github.com/tsoares/courier/internal/clock"
	"github.com/tsoares/courier/internal/config"
	"github.com/tsoares/courier/internal/directory"
	"github.com/tsoares/courier/internal/engine"
	"github.com/tsoares/courier/internal/lock"
	"github.com/tsoares/courier/internal/logging"
	"github.com/tsoares/courier/internal/profile"
	"github.com/tsoares/courier/internal/receipts"
	"github.com/tsoares/courier/internal/remote"
	"github.com/tsoares/courier/internal/scheduler"
	"github.com/tsoares/courier/internal/store"
	"github.com/tsoares/courier/internal/thread"
	"github.com/tsoares/courier/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideClock,
			provideLock,
			provideStore,
			provideRemote,
			provideThreads,
			provideDirectory,
			provideTracker,
			provideEngine,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.System{}
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) remote.API {
	return remote.NewClient(cfg.Server.BaseURL, cfg.Server.AuthToken, logger)
}

func provideThreads(cfg *config.Config, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *thread.Store {
	return thread.NewStore(cfg.Server.SelfUserID, clk, b, logger)
}

func provideDirectory(threads *thread.Store, b *bus.Bus) *directory.Directory {
	return directory.New(threads, b)
}

func provideTracker(cfg *config.Config, clk clock.Clock, b *bus.Bus) *typing.Tracker {
	return typing.New(clk, b,
		cfg.Typing.Debounce.Duration,
		cfg.Typing.QuietWindow.Duration,
		cfg.Typing.TTL.Duration)
}

func provideEngine(cfg *config.Config, api remote.API, threads *thread.Store, dir *directory.Directory, tracker *typing.Tracker, db *store.DB, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	pullSched := scheduler.New(scheduler.Config{
		BackoffBase: cfg.Sync.BackoffBase.Duration,
		BackoffMax:  cfg.Sync.BackoffMax.Duration,
		Attempts:    cfg.Sync.PullAttempts,
		Retryable:   remote.IsTransient,
	}, logger)
	sendSched := scheduler.New(scheduler.Config{
		BackoffBase: cfg.Sync.BackoffBase.Duration,
		BackoffMax:  cfg.Sync.BackoffMax.Duration,
		Attempts:    cfg.Sync.SendAttempts,
		Retryable:   remote.IsTransient,
	}, logger)
	rc := receipts.New(cfg.Receipt.Debounce.Duration, clk, threads, dir, api, sendSched, b, db, cfg.Server.SelfUserID, logger)
	return engine.New(*cfg, api, threads, dir, tracker, rc, pullSched, sendSched, db, b, clk, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, eng *engine.Engine, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			eng.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			eng.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
