package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freema/regforge/internal/account"
	"github.com/freema/regforge/internal/config"
	"github.com/freema/regforge/internal/envfile"
	"github.com/freema/regforge/internal/history"
	"github.com/freema/regforge/internal/logger"
	"github.com/freema/regforge/internal/metrics"
	"github.com/freema/regforge/internal/process"
	"github.com/freema/regforge/internal/redisclient"
	"github.com/freema/regforge/internal/run"
	"github.com/freema/regforge/internal/secret"
	"github.com/freema/regforge/internal/server"
	"github.com/freema/regforge/internal/tracing"
	"github.com/freema/regforge/internal/webhook"
	"github.com/freema/regforge/internal/worker"
	"github.com/freema/regforge/internal/workflow"
)

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.LoadService(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log.Info("starting regforge", "version", version)

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		ServiceName:  "regforge",
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	rdb, err := redisclient.New(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	log.Info("redis connected")

	sealer, err := secret.NewSealer(cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("initializing sealer: %w", err)
	}

	var archive *history.Archive
	if cfg.History.Enabled {
		archive, err = history.Open(ctx, cfg.History.Path)
		if err != nil {
			return fmt.Errorf("opening run history: %w", err)
		}
		defer archive.Close()
	}

	runService := run.NewService(
		rdb,
		sealer,
		cfg.Workers.QueueName,
		time.Duration(cfg.Runs.StateTTL)*time.Second,
		time.Duration(cfg.Runs.ResultTTL)*time.Second,
	)

	registry := workflow.NewRegistry(cfg.Workflows.Default, workflow.Defaults(workflowSettings(cfg))...)
	for _, wf := range registry.Available() {
		if !workflow.CheckBinary(wf.Interpreter) {
			log.Warn("workflow interpreter not found", "workflow", wf.Name, "interpreter", wf.Interpreter)
		}
	}

	accounts := account.NewStore(cfg.Accounts.File, cfg.Accounts.LogDir, log, metrics.AccountObserver{})

	supervisor := process.NewSupervisor(nil, accounts)
	supervisor.OnPrompt = func(c process.PromptClass) {
		metrics.PromptResponses.WithLabelValues(c.Name).Inc()
	}

	var sender *webhook.Sender
	if cfg.Webhooks.HMACSecret != "" {
		sender = webhook.NewSender(cfg.Webhooks.HMACSecret, cfg.Webhooks.RetryCount, cfg.Webhooks.RetryDelay)
	}

	streamer := worker.NewStreamer(rdb, time.Duration(cfg.Runs.ResultTTL)*time.Second)
	executor := worker.NewExecutor(runService, registry, supervisor, streamer, sender, archive, cfg.Runs, log)
	executor.SetDefaultCallback(cfg.Webhooks.URL)

	pool := worker.NewPool(rdb, executor, runService, cfg.Workers.QueueName, cfg.Workers.Concurrency)

	resolve := func(name string) (string, error) {
		wf, err := registry.Get(name)
		return wf.Name, err
	}
	listener := run.NewListener(rdb, runService, resolve, cfg.Workers.InputList)

	srv := server.New(cfg, server.Deps{
		Redis:     rdb,
		Runs:      runService,
		Pool:      pool,
		Workflows: registry,
		Accounts:  accounts,
		History:   archive,
		Settings:  envfile.NewStore(cfg.Settings.EnvFile),
	}, version)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	pool.Start(appCtx)
	go listener.Start(appCtx)
	go pool.ReportQueueDepth(appCtx, 10*time.Second)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	// Running scripts are killed through their contexts and reported as cancelled.
	appCancel()
	pool.Stop()

	log.Info("shutdown complete")
	return nil
}
