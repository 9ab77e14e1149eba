// Package app wires the conversation store, session manager, completion
// client and Matrix transport into a runnable bot.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/Tachikoma/common/version"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/bot"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/kv"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/llm"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/matrix"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/session"
)

// App is the assembled application.
type App struct {
	config       *Config
	store        kv.Store
	sessions     *session.Manager
	bot          *bot.Bot
	matrix       *matrix.Client
	healthServer *HealthServer
}

// New assembles the application from configuration. Nothing connects to the
// network yet except the store (redis pings on construction).
func New(ctx context.Context, config *Config) (*App, error) {
	store, err := openStore(ctx, config)
	if err != nil {
		return nil, err
	}

	sessionOpts := []session.Option{
		session.WithMaxConversations(config.MaxConversations),
		session.WithContentTTL(config.ContentTTL),
	}
	if config.CacheEnabled {
		sessionOpts = append(sessionOpts,
			session.WithHistoryCache(config.CacheIdleTimeout, config.CacheCheckInterval))
	}
	sessions := session.NewManager(store, sessionOpts...)

	provider := llm.New(llm.Config{
		APIKey:      config.LLM.APIKey,
		BaseURL:     config.LLM.BaseURL,
		Model:       config.LLM.Model,
		Temperature: config.LLM.Temperature,
		MaxTokens:   config.LLM.MaxTokens,
		Timeout:     config.LLM.Timeout,
	})

	matrixClient, err := matrix.New(&matrix.Config{
		Homeserver:  config.Matrix.Homeserver,
		UserID:      config.Matrix.UserID,
		AccessToken: config.Matrix.AccessToken,
		Rooms:       config.Matrix.Rooms,
		SyncStore:   store,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	chatBot := bot.New(sessions, provider, matrixClient,
		bot.WithPrefix(config.CommandPrefix),
		bot.WithPromptMaxTurns(config.PromptMaxTurns))

	var healthServer *HealthServer
	if config.HTTPAddr != "" {
		healthServer = NewHealthServer(config.HTTPAddr, store)
	}

	return &App{
		config:       config,
		store:        store,
		sessions:     sessions,
		bot:          chatBot,
		matrix:       matrixClient,
		healthServer: healthServer,
	}, nil
}

// openStore builds the configured store backend.
func openStore(ctx context.Context, config *Config) (kv.Store, error) {
	switch config.StoreBackend {
	case StoreRedis:
		slog.Info("using redis conversation store", "url", config.RedisURL)
		return kv.NewRedis(ctx, config.RedisURL)
	case StoreSQLite:
		slog.Info("using sqlite conversation store", "path", config.DatabasePath)
		return kv.NewSQLite(config.DatabasePath)
	case StoreMemory:
		slog.Warn("using in-memory conversation store; state is lost on restart")
		return kv.NewMemory(), nil
	}
	return nil, fmt.Errorf("app: unknown store backend %q", config.StoreBackend)
}

// Run starts the bot and blocks until an interrupt signal arrives.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.bot.HandleEvent); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	slog.Info("Tachikoma is running; press Ctrl+C to stop", "version", version.Info())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop tears the application down in reverse dependency order.
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	if a.healthServer != nil {
		slog.Info("stopping health server")
		a.healthServer.Stop()
	}

	slog.Info("closing conversation store")
	if err := a.store.Close(); err != nil {
		slog.Warn("closing conversation store", "err", err)
	}
}
