package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/jholhewres/wagate/pkg/wagate/config"
	"github.com/jholhewres/wagate/pkg/wagate/gateway"
	"github.com/jholhewres/wagate/pkg/wagate/httpapi"
	"github.com/jholhewres/wagate/pkg/wagate/mediacache"
	"github.com/jholhewres/wagate/pkg/wagate/session"
	"github.com/jholhewres/wagate/pkg/wagate/spamguard"
	"github.com/jholhewres/wagate/pkg/wagate/waclient"
)

// newServeCmd creates the `wagate serve` command that starts the gateway.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway daemon",
		Long: `Start wagate as a daemon: launch the WhatsApp session and serve the
REST API.

Examples:
  wagate serve
  wagate serve --config ./config.yaml`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := buildLogger(cmd, cfg)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	guard := spamguard.New(cfg.Limits, logger, registry)
	guard.StartSweeper()
	defer guard.StopSweeper()

	entries, ttl := cfg.MediaCache.Cache()
	cache := mediacache.New(entries, ttl, registry)

	dbPath := cfg.Session.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Session.DataDir, "wagate.db")
	}
	if err := os.MkdirAll(cfg.Session.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	factory := waclient.MeowFactory(waclient.MeowConfig{
		DataDir:      cfg.Session.DataDir,
		DatabasePath: dbPath,
		DeviceName:   cfg.Session.DeviceName,
	}, logger)

	lifecycle := cfg.Session.Lifecycle
	lifecycle.DataDir = cfg.Session.DataDir
	sess := session.New(lifecycle, factory, logger)

	svc := gateway.New(gateway.Options{
		Session: sess,
		Guard:   guard,
		Cache:   cache,
		Retry:   cfg.Retry,
		Logger:  logger,
	})

	if cfg.Webhook != nil {
		if err := svc.Webhooks().Configure(*cfg.Webhook); err != nil {
			return fmt.Errorf("configuring webhook: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess.Start(ctx)
	defer sess.Stop()

	server := httpapi.New(svc, httpapi.Options{
		Addr:              cfg.Server.Addr,
		APIKey:            cfg.Server.APIKey,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		Registry:          registry,
		Logger:            logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", slog.Any("error", err))
	}
	return nil
}

// resolveConfig loads the config from --config or the standard locations.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// buildLogger constructs the slog logger from config and the verbose flag.
func buildLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
