// AegisBot - Telegram support-ticket relay between user chats and a forum
// supergroup of support agents.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aegislabs/aegisbot/internal/api"
	"github.com/aegislabs/aegisbot/internal/config"
	"github.com/aegislabs/aegisbot/internal/relay"
	"github.com/aegislabs/aegisbot/internal/store"
	"github.com/aegislabs/aegisbot/internal/telegram"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting bot",
		"support_group_id", cfg.SupportGroupID,
		"agents", len(cfg.AgentIDs),
		"webhook", cfg.UseWebhook())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}

	// Bring the stored roster in line with the configured agent list.
	if err := relay.SyncRoster(ctx, repo, cfg.AgentIDs); err != nil {
		slog.Error("Agent roster synchronization failed", "error", err)
		os.Exit(1)
	}

	tg, err := telegram.NewClient(telegram.ClientConfig{
		Token:  cfg.BotToken,
		Logger: logger,
	})
	if err != nil {
		slog.Error("Failed to create Telegram client", "error", err)
		os.Exit(1)
	}

	me, err := tg.GetMe(ctx)
	if err != nil {
		slog.Error("Telegram API check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Authenticated with Telegram", "bot_id", me.ID, "bot_username", me.Username)

	manager := relay.NewSessionManager(repo, tg, cfg.SupportGroupID, logger)
	router := relay.NewRouter(repo, manager, tg, cfg.SupportGroupID, logger)

	handler := api.NewHandler(repo, router.HandleUpdate, cfg.WebhookSecret, logger)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.UseWebhook() {
		if cfg.WebhookURL != "" {
			webhookURL := strings.TrimRight(cfg.WebhookURL, "/") + "/webhook/" + cfg.WebhookSecret
			if err := tg.SetWebhook(ctx, webhookURL); err != nil {
				slog.Error("Webhook registration failed", "error", err)
				os.Exit(1)
			}
			slog.Info("Webhook registered")
		}
	} else {
		// A leftover webhook blocks getUpdates.
		if err := tg.DeleteWebhook(ctx); err != nil {
			slog.Error("Webhook removal failed", "error", err)
			os.Exit(1)
		}
		poller := telegram.NewPoller(tg, cfg.PollTimeout, router.HandleUpdate, logger)
		group.Go(func() error {
			slog.Info("Long polling for updates", "timeout", cfg.PollTimeout)
			err := poller.Run(groupCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := group.Wait(); err != nil {
		slog.Error("Bot stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Bot stopped successfully")
}
