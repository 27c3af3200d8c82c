// watcher keeps shared realtime connections to the ticketing backend open,
// logs every update, and optionally journals updates to PostgreSQL.
// Usage: go run ./cmd/watcher --config configs/watcher.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/ticket-realtime/internal/api"
	"github.com/rickgao/ticket-realtime/internal/config"
	"github.com/rickgao/ticket-realtime/internal/connection"
	"github.com/rickgao/ticket-realtime/internal/database"
	"github.com/rickgao/ticket-realtime/internal/journal"
	"github.com/rickgao/ticket-realtime/internal/metrics"
	"github.com/rickgao/ticket-realtime/internal/session"
	"github.com/rickgao/ticket-realtime/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/watcher.local.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting watcher",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
		"api_url", cfg.API.BaseURL,
		"endpoints", len(cfg.Realtime.Endpoints),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	collector := metrics.NewCollector()

	// Create API client
	apiClient := api.NewClient(
		cfg.API.BaseURL,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
		api.WithAuthPaths(cfg.API.LoginPath, cfg.API.RefreshPath),
	)

	health, err := apiClient.Health(ctx)
	if err != nil {
		logger.Warn("backend health check failed", "error", err)
	} else {
		logger.Info("backend reachable", "status", health.Status)
	}

	// Session tokens
	sessionCfg := session.DefaultConfig()
	sessionCfg.RefreshLead = cfg.Session.RefreshLead
	sessionCfg.MinRefreshDelay = cfg.Session.MinRefreshDelay
	provider := session.New(apiClient, sessionCfg, session.WithLogger(logger))
	defer provider.Close()

	if cfg.API.Username != "" {
		pair, err := apiClient.Login(ctx, cfg.API.Username, cfg.API.Password)
		if err != nil {
			logger.Error("login failed", "error", err)
			os.Exit(1)
		}
		if pair.MustChangePassword {
			logger.Warn("account must change its password before further use")
		}
		if err := provider.SetTokens(*pair); err != nil {
			logger.Error("failed to store tokens", "error", err)
			os.Exit(1)
		}
		logger.Info("logged in",
			"user", cfg.API.Username,
			"expires_at", provider.ExpiresAt(),
			"next_refresh", provider.NextRefresh(),
		)
	} else {
		logger.Warn("no credentials configured, connecting without a token")
	}

	// Connection registry
	registry := connection.NewRegistry(
		cfg.Realtime.ConnectionConfig(),
		connection.WithTokenSource(provider),
		connection.WithObserver(collector),
		connection.WithLogger(logger),
		connection.WithAuthFailureHandler(func(endpoint string) {
			reauthenticate(ctx, provider, endpoint, logger)
		}),
	)

	provider.OnRenewed(func(string) {
		registry.Revive()
	})
	provider.OnExpired(func() {
		registry.SessionExpired()
	})

	// Journal
	var (
		pool   *pgxpool.Pool
		writer *journal.Writer
	)
	if cfg.Journal.Enabled {
		pool, err = database.Connect(ctx, cfg.Database.Postgres, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := journal.EnsureSchema(ctx, pool); err != nil {
			logger.Error("failed to prepare journal schema", "error", err)
			os.Exit(1)
		}

		writer = journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger, journal.WithObserver(collector))

		if err := writer.Start(ctx); err != nil {
			logger.Error("failed to start journal writer", "error", err)
			os.Exit(1)
		}
	}

	// Attach one consumer per endpoint
	handles := make([]*connection.Handle, 0, len(cfg.Realtime.Endpoints))
	for _, endpoint := range cfg.Realtime.Endpoints {
		h, err := registry.Acquire(endpoint, updateHandler(writer, logger),
			connection.WithStateHandler(stateLogger(logger)),
		)
		if err != nil {
			logger.Error("failed to acquire connection", "endpoint", endpoint, "error", err)
			os.Exit(1)
		}
		handles = append(handles, h)
	}

	// Health and metrics server
	var db pinger
	if pool != nil {
		db = pool
	}
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: newHealthHandler(registry, provider, db, collector.Handler(), cfg.Metrics.Path),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("watcher running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, h := range handles {
		h.Dispose()
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("registry shutdown incomplete", "error", err)
	}
	if writer != nil {
		if err := writer.Stop(shutdownCtx); err != nil {
			logger.Warn("journal shutdown incomplete", "error", err)
		}
	}
	healthServer.Shutdown(shutdownCtx)

	logger.Info("watcher stopped")
}

// reauthenticate refreshes the session after an endpoint rejected the
// token. Rejected entries reopen through OnRenewed; a failed refresh
// expires the session.
func reauthenticate(ctx context.Context, provider *session.Provider, endpoint string, logger *slog.Logger) {
	logger.Warn("endpoint rejected credentials, refreshing session", "endpoint", endpoint)

	if _, err := provider.Refresh(ctx); err != nil {
		logger.Error("session refresh failed", "endpoint", endpoint, "error", err)
	}
}

// updateHandler logs each update and records it in the journal, if any.
func updateHandler(writer *journal.Writer, logger *slog.Logger) func(connection.Message) {
	return func(msg connection.Message) {
		logger.Debug("update received",
			"endpoint", msg.Endpoint,
			"type", msg.Type,
			"bytes", len(msg.Data),
		)
		if writer != nil {
			writer.Record(msg)
		}
	}
}

// stateLogger logs connection state transitions.
func stateLogger(logger *slog.Logger) func(connection.Status) {
	return func(s connection.Status) {
		attrs := []any{
			"endpoint", s.Endpoint,
			"state", s.State.String(),
			"attempt", s.Attempt,
		}
		if s.LastClose.Code != 0 {
			attrs = append(attrs, "close_code", s.LastClose.Code, "close_reason", s.LastClose.Reason)
		}

		switch {
		case s.GaveUp:
			logger.Error("connection gave up", attrs...)
		case s.Unauthorized:
			logger.Warn("connection unauthorized", attrs...)
		default:
			logger.Info("connection state changed", attrs...)
		}
	}
}
