package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"podescrow/observability/logging"
	telemetry "podescrow/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the indexer YAML config")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger, closer := logging.SetupWithOptions(logging.Options{Service: "escrow-indexer", Env: cfg.Env, Level: cfg.LogLevel})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrow-indexer",
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		logger.Error("init telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	store, err := OpenStore(cfg.Database)
	if err != nil {
		logger.Error("open store", slog.String("driver", cfg.Database.Driver), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	for _, hook := range cfg.Webhooks {
		sub := &WebhookSubscription{
			URL:       hook.URL,
			Secret:    hook.Secret,
			Events:    strings.Join(hook.Events, ","),
			RateLimit: hook.RateLimit,
			Active:    true,
		}
		if err := store.UpsertWebhook(ctx, sub); err != nil {
			logger.Error("register webhook", slog.String("url", hook.URL), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("webhook registered", slog.String("url", hook.URL), logging.MaskField("secret", hook.Secret))
	}

	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(cfg.Queue.Capacity),
		WithWebhookHistoryCapacity(cfg.Queue.History),
		WithWebhookTTL(cfg.Queue.TTL),
	)
	watcher := NewEventWatcher(NewRPCNodeClient(cfg.NodeURL, cfg.NodeToken), store, queue, logger)
	watcher.pollInterval = cfg.PollInterval
	watcher.batchSize = cfg.BatchSize
	worker := NewWebhookWorker(store, queue, logger)

	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Error("event watcher stopped", slog.Any("error", err))
			stop()
		}
	}()
	go worker.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           NewServer(store, queue, WithAllowedOrigins(cfg.AllowedOrigins), WithServerLogger(logger)).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("escrow indexer listening", slog.String("addr", cfg.ListenAddress), slog.String("node", cfg.NodeURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down escrow indexer")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
