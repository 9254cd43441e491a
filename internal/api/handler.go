// Package api provides the HTTP surface of the bot: the webhook receiver
// and the health endpoint.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/aegislabs/aegisbot/internal/store"
	"github.com/aegislabs/aegisbot/internal/telegram"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// maxUpdateBodySize bounds the webhook request body (1MB).
const maxUpdateBodySize = 1 << 20

// Handler serves the webhook receiver and health endpoint.
type Handler struct {
	repo store.Repository
	// dispatch hands a decoded update to the relay router.
	dispatch telegram.UpdateHandler
	// webhookSecret is the path segment Telegram must present. Empty when
	// the bot runs in long-poll mode and no webhook route is mounted.
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, dispatch telegram.UpdateHandler, webhookSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:          repo,
		dispatch:      dispatch,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// Routes builds the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	if h.webhookSecret != "" {
		r.Post("/webhook/{secret}", h.handleWebhook)
	}
	return r
}

// handleHealth reports liveness plus database reachability.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		Error(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook accepts one update per request from Telegram. The secret in
// the path is the only authentication; a mismatch is a 404 to avoid
// confirming the route exists.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "secret") != h.webhookSecret {
		http.NotFound(w, r)
		return
	}

	var update telegram.Update
	body := http.MaxBytesReader(w, r.Body, maxUpdateBodySize)
	if err := json.NewDecoder(body).Decode(&update); err != nil {
		h.logger.Warn("undecodable webhook payload", "error", err)
		Error(w, http.StatusBadRequest, "invalid update payload")
		return
	}

	// Respond before handling: Telegram retries on slow responses, and the
	// handler does its own error reporting over the Bot API.
	w.WriteHeader(http.StatusOK)
	go h.dispatch(context.WithoutCancel(r.Context()), &update)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
