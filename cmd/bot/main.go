package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swingalgo/internal/config"
	cronrunner "swingalgo/internal/cron"
	"swingalgo/internal/db"
	"swingalgo/internal/handler"
	"swingalgo/internal/logger"
	"swingalgo/internal/md"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "bot",
		Short:         "Swing trading engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the scheduler, dispatcher and HTTP server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, runServer)
			},
		},
		evaluateCmd(&configPath),
		&cobra.Command{
			Use:   "archive",
			Short: "Archive sold-out scripts past retention",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app) error {
					n, err := a.archiver.Sweep(ctx)
					if err != nil {
						return err
					}
					a.logger.Info("archive sweep done", zap.Int("archived", n))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				database, err := db.Open(cfg.DB)
				if err != nil {
					return err
				}
				defer db.Close(database)
				return db.AutoMigrate(database)
			},
		},
	)
	return root
}

func evaluateCmd(configPath *string) *cobra.Command {
	var ignoreHours bool
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run a single evaluation cycle and wait for its orders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				if ignoreHours {
					a.engineOpts.IgnoreMarketHours = true
					if err := a.buildEngine(); err != nil {
						return err
					}
				}
				done := make(chan error, 1)
				go func() { done <- a.dispatcher.Run(ctx) }()

				report, err := a.engine.RunCycle(ctx)
				// Close lets the queued orders finish; a signal on ctx withdraws them.
				a.dispatcher.Close()
				if derr := <-done; derr != nil && !errors.Is(derr, context.Canceled) {
					a.logger.Warn("dispatcher stopped", zap.Error(derr))
				}
				if err != nil {
					return err
				}
				a.logger.Info("cycle report",
					zap.String("run_id", report.RunID),
					zap.Bool("market_closed", report.MarketClosed),
					zap.Int("users", report.Users),
					zap.Int("scripts", report.Scripts),
					zap.Int("orders", report.Orders),
					zap.Any("outcomes", report.Outcomes),
				)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&ignoreHours, "ignore-market-hours", false, "evaluate even when the market is closed")
	return cmd
}

func withApp(parent context.Context, configPath string, fn func(context.Context, *app) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

const dispatchGrace = 30 * time.Second

func runServer(ctx context.Context, a *app) error {
	cfg := a.cfg
	users, err := a.repo.ListEligibleUsers(ctx, a.engineOpts.Partition)
	if err != nil {
		a.logger.Warn("initial user load failed", zap.Error(err))
	}
	opened := a.sessions.Warm(ctx, users)
	a.logger.Info("broker sessions warmed", zap.Int("users", len(users)), zap.Int("opened", opened))

	cr := cronrunner.New(a.logger, ctx)
	if _, err := cr.Add(cfg.Engine.Schedule, func(ctx context.Context) {
		if _, err := a.engine.RunCycle(ctx); err != nil {
			a.logger.Error("cycle failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule cycle: %w", err)
	}
	if cfg.Archive.Enabled {
		if _, err := cr.Add(cfg.Archive.Schedule, func(ctx context.Context) {
			if _, err := a.archiver.Sweep(ctx); err != nil {
				a.logger.Error("archive sweep failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule archive: %w", err)
		}
	}

	if cfg.App.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	(&handler.HealthHandler{DB: a.db, Cache: a.store}).Register(r)
	(&handler.MetricsHandler{Metrics: a.metrics}).Register(r)
	(&handler.ScriptHandler{Ops: a.ops, State: a.state}).Register(r)
	(&handler.CycleHandler{Runner: a.engine}).Register(r)
	(&handler.StreamHandler{Hub: a.hub, Logger: a.logger}).Register(r)

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	// The dispatcher outlives gctx so orders from the last cycle can drain
	// after the scheduler stops.
	dctx, dcancel := context.WithCancel(context.WithoutCancel(ctx))
	defer dcancel()
	dispatched := make(chan error, 1)
	go func() { dispatched <- a.dispatcher.Run(dctx) }()

	g.Go(func() error {
		a.reconciler.Run(gctx)
		return nil
	})
	if cfg.Stream.Enabled {
		g.Go(func() error {
			s := &md.Stream{
				APIKey:    cfg.Broker.APIKey,
				APISecret: cfg.Broker.APISecret,
				Feed:      cfg.Stream.Feed,
				Sink:      a.state,
				Source: func(ctx context.Context) ([]string, error) {
					users, err := a.repo.ListEligibleUsers(ctx, a.engineOpts.Partition)
					if err != nil {
						return nil, err
					}
					return md.Symbols(users, cfg.Stream.Symbols), nil
				},
				Refresh:    cfg.Stream.RefreshInterval,
				Backoff:    cfg.Stream.ReconnectBackoff,
				MaxBackoff: cfg.Stream.MaxReconnectBackoff,
				Logger:     a.logger.Named("stream"),
			}
			if err := s.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("market data stream stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		cr.Start()
		<-gctx.Done()
		cr.Stop()

		a.dispatcher.Close()
		var derr error
		select {
		case derr = <-dispatched:
		case <-time.After(dispatchGrace):
			a.logger.Warn("dispatcher grace period elapsed, withdrawing queued orders")
			dcancel()
			derr = <-dispatched
		}
		if derr != nil && !errors.Is(derr, context.Canceled) {
			a.logger.Error("dispatcher stopped", zap.Error(derr))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.logger.Info("shutdown complete")
	return err
}
