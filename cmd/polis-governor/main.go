// Package main is the entry point for the polis-governor binary: the
// authorization, policy decision and audit service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-governance/pkg/audit"
	"github.com/polisai/polis-governance/pkg/cache"
	"github.com/polisai/polis-governance/pkg/config"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/governor"
	"github.com/polisai/polis-governance/pkg/logging"
	"github.com/polisai/polis-governance/pkg/storage"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-governor.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-governor",
		Short: "Authorization, policy decisions and a tamper-evident audit trail",
		Long: `polis-governor answers authorization questions, evaluates usage events
against governance policies and records every outcome in a hash-chained audit log.

Example:
  polis-governor serve --config governor.yaml
  polis-governor verify --config governor.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newVerifyCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the governor HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute the audit hash chain held by the configured store",
		Long: `verify walks the whole audit chain and recomputes every hash. It exits
non-zero on the first integrity violation.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return verify(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
}

// loadConfig loads the configuration named by --config and builds the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// run serves the API until ctx is cancelled, then shuts down in dependency order.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	instance := instanceID()
	tracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, instance)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown telemetry", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var (
		indexer storage.AuditIndexer
		bus     *cache.RedisBus
	)
	if cfg.Redis.Enabled() {
		client, err := cache.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func(c *redis.Client) { _ = c.Close() }(client)
		indexer = storage.NewRedisAuditIndexer(client, cfg.Redis.IndexPrefix)
		bus = cache.NewRedisBus(client, instance, logger.With("component", "bus"))
	}

	// Gauges live on the governor, which needs the provider first.
	var gauges atomic.Pointer[telemetry.Gauges]
	snapshots, err := config.NewSnapshotProvider(cfg.Storage.SnapshotFile, config.ProviderOptions{
		Logger: logger.With("component", "snapshot"),
		OnReload: func(err error) {
			g := gauges.Load()
			if g == nil {
				return
			}
			if err != nil {
				g.RecordSnapshotReload("failure")
				return
			}
			g.RecordSnapshotReload("success")
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = snapshots.Close() }()

	gov, err := governor.New(governor.Options{
		Config:    cfg,
		Snapshots: snapshots,
		Store:     store,
		Indexer:   indexer,
		Bus:       bus,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	gauges.Store(gov.Gauges())
	if err := gov.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Audit.ShutdownTimeout)
		defer cancel()
		if err := gov.Close(closeCtx); err != nil {
			logger.Error("Audit pipeline did not drain", "error", err)
		}
	}()

	go reloadOnHangup(ctx, snapshots, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           otelhttp.NewHandler(gov.Handler(), cfg.Telemetry.ServiceName),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	tlsEnabled := cfg.Server.TLS != nil && cfg.Server.TLS.Enabled
	if tlsEnabled {
		srv.TLSConfig = cfg.Server.TLS.ServerConfig()
	}

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Governor listening", "addr", listener.Addr().String(), "tls", tlsEnabled)
		var err error
		if tlsEnabled {
			err = srv.ServeTLS(listener, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down governor")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	return nil
}

// reloadOnHangup re-reads the snapshot file on SIGHUP.
func reloadOnHangup(ctx context.Context, snapshots *config.SnapshotProvider, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("Received SIGHUP, reloading governance snapshot")
			if err := snapshots.Reload(); err != nil {
				logger.Error("Snapshot reload failed, keeping previous", "error", err)
			}
		}
	}
}

// openStore opens the configured audit store.
func openStore(ctx context.Context, cfg *config.Config) (storage.AuditStore, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := storage.NewPostgresPool(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns)
		if err != nil {
			return nil, err
		}
		store := storage.NewPostgresAuditStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case "memory", "":
		return storage.NewMemoryAuditStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// verify recomputes the chain and prints a one-line summary.
func verify(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	alg, err := audit.ParseAlgorithm(cfg.Audit.Algorithm)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	result, err := audit.Verify(ctx, store, alg, logger)
	if err != nil {
		var violation *audit.ChainIntegrityViolation
		if errors.As(err, &violation) {
			fmt.Fprintf(out, "FAILED: %d events verified before sequence %d (%s mismatch)\n",
				result.Events, violation.Sequence, violation.Field)
		}
		if errors.Is(err, domain.ErrChainIntegrity) {
			return fmt.Errorf("audit chain integrity: %w", err)
		}
		return err
	}
	fmt.Fprintf(out, "OK: %d events, head %s (%s)\n", result.Events, result.HeadHash, alg)
	return nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "governor"
	}
	return host + "-" + uuid.NewString()[:8]
}
