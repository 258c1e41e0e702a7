package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"swingalgo/internal/broker"
	"swingalgo/internal/cache"
	"swingalgo/internal/config"
	"swingalgo/internal/db"
	"swingalgo/internal/dispatch"
	"swingalgo/internal/engine"
	"swingalgo/internal/metrics"
	"swingalgo/internal/notify"
	"swingalgo/internal/repository"
	gormrepository "swingalgo/internal/repository/gorm"
	"swingalgo/internal/state"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	db         *db.DB
	store      cache.Store
	repo       repository.Repository
	metrics    *metrics.Metrics
	hub        *notify.Hub
	state      *state.Store
	publisher  *state.Publisher
	sessions   *broker.SessionProvider
	dispatcher *dispatch.Dispatcher
	reconciler *dispatch.Reconciler
	journal    *engine.Journal
	engineOpts engine.Options
	engine     *engine.Engine
	ops        *engine.ScriptOps
	archiver   *engine.Archiver
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	hours, err := cfg.Market.Hours()
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &app{cfg: cfg, logger: log, db: database}
	if err := db.AutoMigrate(database); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if cfg.Redis.Addr != "" {
		a.store = cache.NewRedisStore(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.store.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	} else {
		log.Warn("redis.addr empty, using in-process store")
		a.store = cache.NewMemoryStore()
	}

	a.repo = gormrepository.New(database.Gorm)
	a.metrics = metrics.New()
	a.hub = notify.NewHub(log.Named("hub"))
	a.state = state.NewStore(a.store, cfg.Stream.PriceTTL, log.Named("state"))
	a.publisher = &state.Publisher{Store: a.state, Notifier: a.hub, Logger: log.Named("state")}

	base := broker.Options{
		DataURL:    cfg.Broker.DataURL,
		Feed:       cfg.Broker.Feed,
		RatePerSec: cfg.Broker.RatePerSec,
		RateBurst:  cfg.Broker.RateBurst,
		Logger:     log.Named("broker"),
		Metrics:    a.metrics,
	}
	a.sessions = broker.NewSessionProvider(
		broker.AlpacaFactory(base, cfg.Broker.PaperURL, cfg.Broker.LiveURL),
		a.store, cfg.Broker.SessionTTL, log.Named("session"),
	)

	a.dispatcher = dispatch.New(dispatch.Options{
		Workers:          cfg.Dispatch.Workers,
		QueueSize:        cfg.Dispatch.QueueSize,
		LockTTL:          cfg.Engine.OrderCooldown,
		MaxRetries:       cfg.Dispatch.MaxRetries,
		RetryBackoff:     cfg.Dispatch.RetryBackoff,
		FillPollInterval: cfg.Dispatch.FillPollInterval,
		FillPollAttempts: cfg.Dispatch.FillPollAttempts,
		Hours:            hours,
	}, dispatch.Deps{
		Store:     a.store,
		Repo:      a.repo,
		Sessions:  a.sessions,
		Publisher: a.publisher,
		Notifier:  a.hub,
		Logger:    log.Named("dispatch"),
		Metrics:   a.metrics,
	})
	a.reconciler = &dispatch.Reconciler{Dispatcher: a.dispatcher, Interval: cfg.Dispatch.ReconcileInterval}

	a.journal, err = engine.OpenJournal(cfg.Engine.JournalPath, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engineOpts = engine.Options{
		Hours:             hours,
		OrderCooldown:     cfg.Engine.OrderCooldown,
		FailureCooldown:   cfg.Engine.FailureCooldown,
		EnableReentry:     cfg.Engine.EnableReentry,
		IgnoreMarketHours: cfg.Engine.IgnoreMarketHours,
		KillSwitch:        cfg.Engine.KillSwitch,
		MaxOrderNotional:  cfg.Engine.MaxOrderNotional,
		OrderType:         cfg.Engine.OrderType,
		TimeInForce:       cfg.Engine.TimeInForce,
		ExtendedHours:     cfg.Engine.ExtendedHours,
		Partition:         repository.Shard(cfg.Engine.ShardID, cfg.Engine.TotalShards),
	}
	if err := a.buildEngine(); err != nil {
		a.Close()
		return nil, err
	}

	a.ops = &engine.ScriptOps{Repo: a.repo, Publisher: a.publisher, Notifier: a.hub, Logger: log.Named("ops")}
	a.archiver = &engine.Archiver{
		Repo:      a.repo,
		Hours:     hours,
		Retention: cfg.Archive.Retention(),
		Logger:    log.Named("archive"),
	}
	return a, nil
}

func (a *app) buildEngine() error {
	e, err := engine.New(a.engineOpts, engine.Deps{
		Repo:       a.repo,
		Sessions:   a.sessions,
		Store:      a.store,
		State:      a.state,
		Publisher:  a.publisher,
		Dispatcher: a.dispatcher,
		Notifier:   a.hub,
		Journal:    a.journal,
		Metrics:    a.metrics,
		Logger:     a.logger.Named("engine"),
	})
	if err != nil {
		return err
	}
	a.engine = e
	return nil
}

func (a *app) Close() {
	if err := a.journal.Close(); err != nil {
		a.logger.Warn("journal close failed", zap.Error(err))
	}
	if c, ok := a.store.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if err := db.Close(a.db); err != nil {
		a.logger.Warn("db close failed", zap.Error(err))
	}
}
