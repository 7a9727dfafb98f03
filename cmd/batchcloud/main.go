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

	"github.com/spf13/cobra"

	"github.com/terrpan/batchcloud/internal/api"
	"github.com/terrpan/batchcloud/internal/buildinfo"
	"github.com/terrpan/batchcloud/internal/cloud"
	"github.com/terrpan/batchcloud/internal/config"
	"github.com/terrpan/batchcloud/internal/node"
	"github.com/terrpan/batchcloud/internal/otel"
	"github.com/terrpan/batchcloud/internal/pool"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "batchcloud",
	Short: "Batch-system cloud for a CI orchestrator -- single-use SSH workers on a fixed host",
	Long: `batchcloud answers label queries from a CI orchestrator and, for every
provisioning request, starts one single-use build agent over SSH on the
configured batch host (an LSF submission node, for example).

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Config file
	pf.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Cloud overrides
	pf.StringVar(&flagOverrides.Cloud.Name, "name", "", "Cloud name")
	pf.StringVar(&flagOverrides.Cloud.Label, "label", "", "Whitespace-separated labels the cloud serves")
	pf.StringVar(&flagOverrides.Cloud.Hostname, "hostname", "", "Batch host that runs the agents")
	pf.IntVar(&flagOverrides.Cloud.Port, "port", 0, "SSH port of the batch host")
	pf.StringVar(&flagOverrides.Cloud.CredentialsID, "credentials-id", "", "Credential id in the credential store")
	pf.StringVar(&flagOverrides.Cloud.QueueType, "queue-type", "", "Batch scheduler queue")

	// Credential store overrides
	pf.StringVar(&flagOverrides.Credentials.Backend, "credentials-backend", "", "Credential store backend (file, redis)")
	pf.StringVar(&flagOverrides.Credentials.File, "credentials-file", "", "Path to YAML credentials file")
	pf.StringVar(&flagOverrides.Credentials.Redis.Addr, "redis-addr", "", "Redis address for the redis credential backend")

	// Server overrides
	pf.StringVar(&flagOverrides.Server.Listen, "listen", "", "API listen address")

	// Logging overrides
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(checkLabelCmd, credentialsCmd, migrateCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Cloud.Name != "" {
		cfg.Cloud.Name = flagOverrides.Cloud.Name
	}
	if flagOverrides.Cloud.Label != "" {
		cfg.Cloud.Label = flagOverrides.Cloud.Label
	}
	if flagOverrides.Cloud.Hostname != "" {
		cfg.Cloud.Hostname = flagOverrides.Cloud.Hostname
	}
	if flagOverrides.Cloud.Port != 0 {
		cfg.Cloud.Port = flagOverrides.Cloud.Port
	}
	if flagOverrides.Cloud.CredentialsID != "" {
		cfg.Cloud.CredentialsID = flagOverrides.Cloud.CredentialsID
	}
	if flagOverrides.Cloud.QueueType != "" {
		cfg.Cloud.QueueType = flagOverrides.Cloud.QueueType
	}
	if flagOverrides.Credentials.Backend != "" {
		cfg.Credentials.Backend = flagOverrides.Credentials.Backend
	}
	if flagOverrides.Credentials.File != "" {
		cfg.Credentials.File = flagOverrides.Credentials.File
	}
	if flagOverrides.Credentials.Redis.Addr != "" {
		cfg.Credentials.Redis.Addr = flagOverrides.Credentials.Redis.Addr
	}
	if flagOverrides.Server.Listen != "" {
		cfg.Server.Listen = flagOverrides.Server.Listen
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// loadConfig loads, overrides and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("cloud", cfg.Cloud.Name),
		slog.String("host", cfg.Cloud.Hostname),
		slog.String("label", cfg.Cloud.Label),
		slog.String("credentialsBackend", cfg.Credentials.Backend),
	)

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, "batchcloud", cfg.OTelSetup())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Credential store + legacy login upgrade
	// ---------------------------------------------------------------
	store, closeStore, err := cfg.NewCredentialStore(ctx)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("closing credential store", slog.String("error", err.Error()))
		}
	}()

	cloudCfg, err := cloud.Migrate(ctx, cfg.LegacyCloud(), store, logger.WithGroup("credentials"))
	if err != nil {
		return fmt.Errorf("migrating cloud configuration: %w", err)
	}
	snapshot := cloud.NewSnapshot(cloudCfg)

	// ---------------------------------------------------------------
	// 5. Launcher, inventory, retention
	// ---------------------------------------------------------------
	sshLauncher, err := cfg.NewLauncher(logger.WithGroup("launcher"))
	if err != nil {
		return fmt.Errorf("creating launcher: %w", err)
	}

	inventory := node.NewInventory(logger.WithGroup("nodes"))
	defer inventory.Shutdown(context.WithoutCancel(ctx))

	retention := node.NewRetention(inventory, cloudCfg.IdleTimeout, logger.WithGroup("retention")).
		Follow(func() time.Duration { return snapshot.Load().IdleTimeout })
	go retention.Run(ctx, cfg.Server.RetentionInterval)

	// ---------------------------------------------------------------
	// 6. Provisioner
	// ---------------------------------------------------------------
	workers := pool.New(cfg.Launcher.PoolSize)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := workers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("provisioning pool did not drain", slog.String("error", err.Error()))
		}
	}()

	provisioner := cloud.New(cloud.Options{
		Snapshot:      snapshot,
		Credentials:   store,
		Launcher:      sshLauncher,
		Inventory:     inventory,
		Pool:          workers,
		Logger:        logger.WithGroup("cloud"),
		LaunchTimeout: cfg.Launcher.LaunchTimeout,
	})

	// ---------------------------------------------------------------
	// 7. API server
	// ---------------------------------------------------------------
	server := api.New(api.Options{
		Provisioner: provisioner,
		Snapshot:    snapshot,
		Inventory:   inventory,
		Credentials: store,
		Logger:      logger.WithGroup("api"),
		Prometheus:  cfg.OTelSetup().Prometheus,
		WaitTimeout: cfg.Launcher.LaunchTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", cfg.Server.Listen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// ---------------------------------------------------------------
	// 8. Run
	// ---------------------------------------------------------------
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown failed", slog.String("error", err.Error()))
	}
	return nil
}
