package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaioption "github.com/openai/openai-go/v3/option"

	"github.com/cchalm/stockchat/internal/ai"
	"github.com/cchalm/stockchat/internal/auth"
	"github.com/cchalm/stockchat/internal/config"
	"github.com/cchalm/stockchat/internal/quota"
	"github.com/cchalm/stockchat/internal/store"
	"github.com/cchalm/stockchat/internal/telemetry"
	"github.com/cchalm/stockchat/internal/transport"
)

func setupContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	// Setup graceful shutdown
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		slog.Info("Interrupt signal detected, shutting down gracefully...")
		cancel()
		<-interrupt
		slog.Error("Forcing shutdown")
		os.Exit(1)
	}()

	return ctx
}

// localUser is the identity the CLI acts as
func localUser() auth.User {
	return auth.User{ID: auth.Identity(cfg.UserID), FullName: cfg.UserName}
}

func openDatabase(ctx context.Context) (*store.SQLiteStore, error) {
	db, err := store.OpenSQLite(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.DatabasePath, err)
	}
	return db, nil
}

// historyStore returns where conversations are kept: JSON files when a history directory is configured, otherwise
// the database
func historyStore(db *store.SQLiteStore) (store.History, error) {
	if cfg.HistoryDir == "" {
		return db, nil
	}
	return store.NewFileStore(cfg.HistoryDir)
}

// messageCounter returns the remote counter when one is configured, otherwise the database
func messageCounter(ctx context.Context, db *store.SQLiteStore) quota.Counter {
	if cfg.CounterURL == "" {
		return db
	}
	return quota.NewHTTPCounter(ctx, cfg.CounterURL, cfg.CounterToken, transport.WithRateLimiting(nil))
}

func createProvider() ai.CompletionProvider {
	rateLimitedHTTPClient := transport.WithRateLimiting(nil).
		WithRequestsPerSecond(cfg.RequestsPerSecond).
		Client()

	switch cfg.Provider {
	case config.ProviderOpenAI:
		return ai.NewOpenAIProvider(cfg.OpenAIAPIKey, openaioption.WithHTTPClient(rateLimitedHTTPClient))
	default:
		return ai.NewAnthropicProvider(cfg.AnthropicAPIKey, anthropicoption.WithHTTPClient(rateLimitedHTTPClient))
	}
}

func createTelemetryProvider(ctx context.Context) (*telemetry.Provider, error) {
	telemetryConfig := telemetry.TelemetryConfig{
		Enabled:      cfg.TelemetryEnabled,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     strings.HasPrefix(cfg.OTLPEndpoint, "localhost") || strings.HasPrefix(cfg.OTLPEndpoint, "127.0.0.1"),
	}
	return telemetry.NewProvider(ctx, telemetryConfig)
}
