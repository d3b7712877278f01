// Command api runs the continuous-integration test platform: it accepts
// GitHub webhooks, provisions worker VMs, tracks their progress reports,
// and publishes reconciled regression reports.
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

	"github.com/spf13/cobra"

	"github.com/capmedia/testplatform/internal/api"
	"github.com/capmedia/testplatform/internal/config"
	"github.com/capmedia/testplatform/internal/dispatch"
	"github.com/capmedia/testplatform/internal/notify"
	"github.com/capmedia/testplatform/internal/progress"
	"github.com/capmedia/testplatform/internal/reconcile"
	"github.com/capmedia/testplatform/internal/store/postgres"
	"github.com/capmedia/testplatform/internal/vm"
)

var (
	cfgPath  string
	addr     string
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "testplatform",
	Short:        "Regression-testing platform for the media tool",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	dbCfg := postgres.DefaultConfig(cfg.Database.DSN)
	dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	dbCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	st, err := postgres.NewPostgresStore(dbCfg, logger.With("component", "store"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	cloud, err := vm.NewGCP(ctx, cfg.GCP, logger.With("component", "gcp"))
	if err != nil {
		return fmt.Errorf("initializing compute backend: %w", err)
	}
	defer cloud.Close()

	manager := vm.NewManager(st, cloud, vm.ManagerConfig{
		MaxRuntime:   cfg.Watchdog.MaxRuntime,
		CallbackBase: cfg.Server.BaseURL,
		ArtifactURL:  cfg.Dispatch.ArtifactURL,
	}, logger.With("component", "vm"))

	reconciler := reconcile.NewReconciler(st, cfg.Dispatch.Branches[0], logger.With("component", "reconcile"))

	var notifier notify.Notifier
	if cfg.GitHub.Repo != "" {
		notifier = notify.NewGitHub(cfg.GitHub, logger.With("component", "github"))
	} else {
		logger.Warn("github not configured, statuses and comments disabled")
	}

	reactor := dispatch.NewReactor(manager, reconciler, notifier, cfg.Server.BaseURL,
		logger.With("component", "reactor"))
	progressHandler := progress.NewHandler(st, reactor, logger.With("component", "progress"))
	manager.SetReporter(progressHandler)

	coordinator := dispatch.NewCoordinator(st, manager, progressHandler, notifier, dispatch.Config{
		SigningKey: cfg.Dispatch.SigningKey,
		BaseURL:    cfg.Server.BaseURL,
	}, logger.With("component", "dispatch"))

	if cfg.Server.LogDir != "" {
		if err := os.MkdirAll(cfg.Server.LogDir, 0o755); err != nil {
			return fmt.Errorf("creating log dir: %w", err)
		}
	}

	server := api.NewServer(cfg, api.Deps{
		Store:       st,
		Progress:    progressHandler,
		Coordinator: coordinator,
		Reactor:     reactor,
		Reconciler:  reconciler,
		LogDir:      cfg.Server.LogDir,
	}, logger.With("component", "http"))

	go manager.RunWatchdog(ctx, cfg.Watchdog.Interval)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), api.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
