package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/punchamoorthee/tokenfaucet/internal/api"
	"github.com/punchamoorthee/tokenfaucet/internal/chain"
	"github.com/punchamoorthee/tokenfaucet/internal/config"
	"github.com/punchamoorthee/tokenfaucet/internal/logging"
	"github.com/punchamoorthee/tokenfaucet/internal/policy"
	"github.com/punchamoorthee/tokenfaucet/internal/service"
	"github.com/punchamoorthee/tokenfaucet/internal/store"
	"github.com/punchamoorthee/tokenfaucet/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("faucet exited", "event", "shutdown_error", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pol, err := policy.New(cfg.Limits)
	if err != nil {
		return err
	}

	// Initialize Layers
	var (
		st     store.Store
		health api.HealthFunc
	)
	if cfg.DBSource == "" {
		logger.Warn("DB_SOURCE not set, using in-memory store", "event", "store_memory")
		st = store.NewMemory(pol)
	} else {
		pool, err := store.Connect(ctx, cfg.DBSource, cfg.DBMaxConns)
		if err != nil {
			return err
		}
		st = store.NewPostgres(pool, pol)
		health = pool.Ping
	}
	defer st.Close()

	var ledger chain.Client
	if cfg.Chain.Endpoint == "" {
		logger.Warn("CHAIN_ENDPOINT not set, using simulated ledger", "event", "chain_simulated")
		ledger = chain.NewSimulated()
	} else {
		ledger = chain.NewHTTPClient(cfg.Chain.Endpoint, cfg.Chain.APIKey, cfg.Chain.Decimals, &http.Client{})
	}

	svc := service.New(st, pol, service.Options{
		PrivilegedDomains: cfg.PrivilegedDomains,
		Logger:            logger,
	})
	if err := svc.LoadLimitOverrides(ctx); err != nil {
		return err
	}

	w := worker.New(st, ledger, worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		BatchSize:         cfg.Worker.BatchSize,
		PollInterval:      cfg.Worker.PollInterval,
		Visibility:        cfg.Worker.VisibilityTimeout,
		BackoffBase:       cfg.Worker.BackoffBase,
		BackoffMax:        cfg.Worker.BackoffMax,
		SubmitTimeout:     cfg.Chain.SubmitTimeout,
		QueryTimeout:      cfg.Chain.QueryTimeout,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		ReconcileAttempts: cfg.Worker.ReconcileAttempts,
	}, logger)
	stats := worker.StatsReporter{Source: st, Interval: cfg.Worker.StatsInterval, Logger: logger}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(api.NewHandler(svc, logger), health),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "event", "server_started", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("server stopping", "event", "server_stopping")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return stats.Run(gctx) })

	return g.Wait()
}
