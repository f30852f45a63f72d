package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"podescrow/config"
	"podescrow/core"
	"podescrow/observability/logging"
	telemetry "podescrow/observability/otel"
	"podescrow/rpc"
	"podescrow/storage"
	"podescrow/storage/auditlog"
	"podescrow/storage/idempotency"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	command := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}
	switch command {
	case "run":
		return runDaemon(args, stderr)
	case "audit":
		return runAudit(args, stdout, stderr)
	case "export":
		return runExport(args, stdout, stderr)
	case "help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrowd [run] [--config FILE]
  escrowd audit [--config FILE]
  escrowd export --format csv|parquet [--out FILE] [--config FILE]

audit and export open the data directory directly; stop the daemon first
when using the leveldb backend.`)
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "./config.toml", "Path to the configuration file")
	return fs, configPath
}

// openNode opens storage and the ledger described by cfg and applies the
// configured genesis allocations once.
func openNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Node, storage.Database, error) {
	db, err := storage.Open(cfg.Storage, cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s storage: %w", cfg.Storage, err)
	}
	node, err := core.NewNode(db, core.Config{TransferTimeout: cfg.TransferTimeout(), Logger: logger})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	allocs, err := cfg.GenesisAllocations()
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := node.ApplyGenesis(ctx, allocs); err != nil && !errors.Is(err, core.ErrGenesisApplied) {
		db.Close()
		return nil, nil, fmt.Errorf("apply genesis: %w", err)
	}
	return node, db, nil
}

func runDaemon(args []string, stderr io.Writer) int {
	fs, configPath := newFlagSet("escrowd run", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "escrowd",
		Env:        cfg.Env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	node, db, err := openNode(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open ledger", slog.Any("error", err))
		return 1
	}
	defer db.Close()

	serverCfg := rpc.ServerConfig{
		MaxBodyBytes:       cfg.RPC.MaxBodyBytes,
		RateLimitPerSecond: cfg.RPC.RateLimitPerSecond,
		RateLimitBurst:     cfg.RPC.RateLimitBurst,
		TrustProxyHeaders:  cfg.RPC.TrustProxyHeaders,
		Auth: rpc.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew(),
		},
		Logger: logger,
	}
	if !cfg.Auth.Enabled {
		logger.Warn("RPC authentication disabled; callers are taken from request parameters")
	}
	if path := cfg.ResolvePath(cfg.RPC.IdempotencyDB); path != "" {
		store, err := idempotency.Open(path, time.Duration(cfg.RPC.IdempotencyTTLSecs)*time.Second, nil)
		if err != nil {
			logger.Error("Failed to open idempotency store", slog.String("path", path), slog.Any("error", err))
			return 1
		}
		defer store.Close()
		serverCfg.Idempotency = store
		go pruneIdempotency(ctx, store, logger)
	}
	if path := cfg.ResolvePath(cfg.RPC.AuditDB); path != "" {
		store, err := auditlog.Open(path)
		if err != nil {
			logger.Error("Failed to open audit log", slog.String("path", path), slog.Any("error", err))
			return 1
		}
		defer store.Close()
		serverCfg.Audit = store
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Error("Failed to listen", slog.String("addr", cfg.ListenAddress), slog.Any("error", err))
		return 1
	}
	if cfg.RPC.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.RPC.MaxConnections)
	}

	server := rpc.NewServer(node, serverCfg)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener,
			time.Duration(cfg.RPC.ReadHeaderTimeout)*time.Second,
			time.Duration(cfg.RPC.ReadTimeout)*time.Second,
			time.Duration(cfg.RPC.WriteTimeout)*time.Second,
			time.Duration(cfg.RPC.IdleTimeout)*time.Second,
		)
	}()
	logger.Info("escrowd started",
		slog.String("addr", listener.Addr().String()),
		slog.String("storage", cfg.Storage),
		slog.String("stateRoot", node.StateRoot().Hex()),
		slog.Bool("auth", cfg.Auth.Enabled),
		logging.MaskField("jwtSecret", cfg.Auth.HMACSecret))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("RPC server stopped", slog.Any("error", err))
			return 1
		}
	}
	logger.Info("shutting down escrowd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		return 1
	}
	return 0
}

func pruneIdempotency(ctx context.Context, store *idempotency.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Prune(now)
			if err != nil {
				logger.Warn("idempotency prune failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency records pruned", slog.Int("removed", removed))
			}
		}
	}
}
