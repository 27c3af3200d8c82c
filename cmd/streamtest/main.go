// streamtest attaches to a realtime endpoint and prints every update.
// Usage: go run ./cmd/streamtest --config configs/watcher.example.yaml
//
// Optional environment variables (expanded in the config file):
//
//	TICKETS_USERNAME - Account used to obtain an access token
//	TICKETS_PASSWORD - Password for that account
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/ticket-realtime/internal/api"
	"github.com/rickgao/ticket-realtime/internal/config"
	"github.com/rickgao/ticket-realtime/internal/connection"
	"github.com/rickgao/ticket-realtime/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/watcher.example.yaml", "path to config file")
	endpoint := flag.String("endpoint", "", "endpoint to attach to (default: first configured endpoint)")
	consumers := flag.Int("consumers", 1, "number of consumers sharing the connection")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	target := *endpoint
	if target == "" {
		target = cfg.Realtime.Endpoints[0]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	apiClient := api.NewClient(cfg.API.BaseURL,
		api.WithLogger(logger),
		api.WithAuthPaths(cfg.API.LoginPath, cfg.API.RefreshPath),
	)
	provider := session.New(apiClient, session.DefaultConfig(), session.WithLogger(logger))
	defer provider.Close()

	// Log in if credentials are configured
	if cfg.API.Username != "" {
		pair, err := apiClient.Login(ctx, cfg.API.Username, cfg.API.Password)
		if err != nil {
			logger.Error("login failed", "error", err)
			os.Exit(1)
		}
		provider.SetTokens(*pair)
		logger.Info("logged in", "user", cfg.API.Username, "expires_at", provider.ExpiresAt())
	} else {
		logger.Info("no credentials configured, connecting anonymously")
	}

	registry := connection.NewRegistry(cfg.Realtime.ConnectionConfig(),
		connection.WithTokenSource(provider),
		connection.WithLogger(logger),
	)
	provider.OnRenewed(func(string) { registry.Revive() })
	provider.OnExpired(registry.SessionExpired)

	// Attach consumers; all of them share one connection
	handles := make([]*connection.Handle, 0, *consumers)
	for i := 0; i < *consumers; i++ {
		id := i
		h, err := registry.Acquire(target,
			func(msg connection.Message) { printMessage(id, msg, *verbose) },
			connection.WithStateHandler(func(s connection.Status) {
				fmt.Printf("[STATE %d] %s attempt=%d consumers=%d close=%d %s\n",
					id, s.State, s.Attempt, s.Consumers, s.LastClose.Code, s.LastClose.Reason)
			}),
		)
		if err != nil {
			logger.Error("failed to acquire connection", "endpoint", target, "error", err)
			os.Exit(1)
		}
		handles = append(handles, h)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := handles[0].Stats()
				logger.Info("stats",
					"connected", handles[0].Connected(),
					"received", stats.MessagesReceived,
					"sent", stats.MessagesSent,
					"reconnects", stats.ReconnectAttempts,
					"latency", stats.AverageLatency,
					"quality", string(stats.Quality),
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "endpoint", target, "consumers", *consumers)

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	for _, h := range handles {
		h.Dispose()
	}
	registry.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}

func printMessage(consumer int, msg connection.Message, verbose bool) {
	if verbose {
		var out bytes.Buffer
		if err := json.Indent(&out, msg.Data, "", "  "); err != nil {
			out.Reset()
			out.Write(msg.Data)
		}
		fmt.Printf("[UPDATE %d] %s\n", consumer, out.String())
		return
	}

	var ids struct {
		TicketID json.RawMessage `json:"ticket_id"`
	}
	msg.Decode(&ids)
	fmt.Printf("[UPDATE %d] type=%s ticket=%s bytes=%d\n",
		consumer, msg.Type, ids.TicketID, len(msg.Data))
}
