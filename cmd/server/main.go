// Package main is the entry point for the credmux broker server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	credmux "github.com/blueberrycongee/credmux"
	"github.com/blueberrycongee/credmux/internal/config"
	"github.com/blueberrycongee/credmux/internal/credential"
	"github.com/blueberrycongee/credmux/internal/observability"
	"github.com/blueberrycongee/credmux/internal/pool"
	"github.com/blueberrycongee/credmux/internal/secret"
	"github.com/blueberrycongee/credmux/internal/secret/env"
	"github.com/blueberrycongee/credmux/internal/secret/vault"
	"github.com/blueberrycongee/credmux/internal/store"
	"github.com/blueberrycongee/credmux/internal/supervisor"
)

const secretCacheTTL = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("broker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()
	cfg := cfgManager.Get()

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger.Slog())
	logger.Info("starting credmux broker", "store", cfg.Store.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	secrets, err := newSecretManager(cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer func() { _ = secrets.Close() }()

	st, err := newStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var refresher pool.TokenRefresher
	if cfg.OAuth.TokenURL != "" {
		refresher, err = newRefresher(ctx, cfg.OAuth, secrets, logger.Slog())
		if err != nil {
			return err
		}
	}

	manager, err := credmux.New(credmux.Options{
		Store:     st,
		Refresher: refresher,
		Logger:    logger.Slog(),
		Pool: pool.Config{
			ReloadInterval:       cfg.Pool.ReloadInterval,
			ForceReloadPerSecond: cfg.Pool.ForceReloadPerSecond,
			ForceReloadBurst:     cfg.Pool.ForceReloadBurst,
		},
		Supervisor: supervisor.Config{Interval: cfg.Supervisor.SweepInterval},
	})
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	manager.Start(ctx)

	mux := http.NewServeMux()
	registerAdminRoutes(mux, manager, logger.Slog())
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("broker stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) *observability.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return observability.NewLogger(observability.LoggerConfig{
		Level:      level,
		Output:     os.Stdout,
		JSONFormat: cfg.Format != "text",
	}, observability.NewRedactor())
}

func newSecretManager(cfg *config.Config, logger *slog.Logger) (*secret.Manager, error) {
	m := secret.NewManager()
	m.Register("env", env.New())

	if cfg.Secrets.Vault.Enabled {
		v := cfg.Secrets.Vault
		provider, err := vault.New(vault.Config{
			Address:    v.Address,
			AuthMethod: v.AuthMethod,
			RoleID:     v.RoleID,
			SecretID:   v.SecretID,
			Token:      v.Token,
			CACert:     v.CACert,
			ClientCert: v.ClientCert,
			ClientKey:  v.ClientKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect vault: %w", err)
		}
		m.Register("vault", secret.NewCachedProvider(provider, secretCacheTTL))
	}
	return m, nil
}

func newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "redis":
		return store.NewRedisStore(cfg.Redis)
	case "postgres":
		return store.NewPostgresStore(&cfg.Postgres)
	default:
		return store.NewMemoryStore(), nil
	}
}

func newRefresher(ctx context.Context, cfg config.OAuthConfig, secrets *secret.Manager, logger *slog.Logger) (*credential.Refresher, error) {
	clientSecret, err := secrets.Resolve(ctx, cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("resolve oauth client secret: %w", err)
	}
	return credential.NewRefresher(credential.RefresherConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: clientSecret,
		TokenURL:     cfg.TokenURL,
		Timeout:      cfg.Timeout,
	}, logger), nil
}
