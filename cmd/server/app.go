package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"possync/backend/internal/bridge"
	"possync/backend/internal/config"
	"possync/backend/internal/connectivity"
	"possync/backend/internal/logging"
	"possync/backend/internal/pushclient"
	"possync/backend/internal/service"
	"possync/backend/internal/status"
	"possync/backend/internal/statusbus"
	"possync/backend/internal/store"
	"possync/backend/internal/store/memory"
	pgstore "possync/backend/internal/store/postgres"
	"possync/backend/internal/store/remote"
	"possync/backend/internal/store/sqlite"
	"possync/backend/internal/syncengine"
)

// app holds what every command shares: configuration, the logger and the
// selected local store. close runs the registered closers in reverse.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	repo    store.Repository
	svc     *service.Service
	redis   *statusbus.RedisBus
	closers []func() error
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, logCloser := logging.New(logging.Options{Env: cfg.AppEnv, Level: cfg.LogLevel, File: cfg.LogFile})

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, logCloser.Close)

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.openStore(openCtx); err != nil {
		a.close()
		return nil, err
	}
	a.svc = service.New(a.repo, cfg.DeviceID, logger)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.StoreMode {
	case config.StorePostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and STORE_MODE is postgres; refusing to start with in-memory fallback: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		a.repo = pg
	case config.StoreMemory:
		a.repo = memory.NewSeeded()
	case config.StoreRemote:
		rs, err := remote.New(remote.Options{
			BaseURL: cfg.BridgeURL,
			Token:   cfg.BridgeToken,
			ShellID: "cli",
			Secret:  cfg.BridgeSecret,
		}, nil)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rs.Close)
		a.repo = rs
	default:
		lite, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, lite.Close)
		a.repo = lite
	}
	a.logger.Info("repository ready", "mode", cfg.StoreMode)
	return nil
}

// seed fills an empty local store. The remote store belongs to another
// process, which seeds it itself.
func (a *app) seed(ctx context.Context) error {
	if a.cfg.StoreMode == config.StoreRemote || a.cfg.StoreMode == config.StoreMemory {
		return nil
	}
	return a.svc.Seed(ctx)
}

// bus returns the Redis status bus when REDIS_ADDR is set and reachable,
// and the noop bus otherwise.
func (a *app) bus(ctx context.Context) statusbus.Bus {
	if a.cfg.RedisAddr == "" {
		a.logger.Info("status bus: noop")
		return statusbus.NoopBus{}
	}
	if a.redis != nil {
		return a.redis
	}
	rb := statusbus.NewRedisBus(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB, 0)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rb.Ping(pingCtx); err != nil {
		a.logger.Warn("redis unavailable, using noop status bus", "addr", a.cfg.RedisAddr, "error", err)
		_ = rb.Close()
		return statusbus.NoopBus{}
	}
	a.redis = rb
	a.closers = append(a.closers, rb.Close)
	a.logger.Info("status bus: redis", "addr", a.cfg.RedisAddr)
	return rb
}

func (a *app) engine(pub *status.Publisher, rec syncengine.Recorder) *syncengine.Engine {
	cfg := a.cfg
	prober := connectivity.New(cfg.ProbeURL, cfg.ProbeTimeout, nil)
	pusher := pushclient.New(nil, cfg.PushTimeout)
	return syncengine.New(a.repo, prober, pusher, pub, rec, a.logger, syncengine.Options{
		Interval:    cfg.SyncInterval,
		Concurrency: cfg.SyncConcurrency,
		Endpoint:    pushclient.Endpoint{BaseURL: cfg.SupabaseURL, APIKey: cfg.SupabaseKey},
	})
}

// syncer returns what runs sync cycles for this process. A remote store
// belongs to a server that runs its own engine, so no local engine is built
// and cycles are requested through that server's bridge. engine is nil then.
func (a *app) syncer(pub *status.Publisher, rec syncengine.Recorder) (bridge.Syncer, *syncengine.Engine) {
	if rs, ok := a.repo.(*remote.Store); ok {
		return rs, nil
	}
	engine := a.engine(pub, rec)
	return engine, engine
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close error", "error", err)
		}
	}
	a.closers = nil
}
