package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/objtrigger/common/middleware"
	"github.com/telhawk-systems/objtrigger/receiver/internal/handlers"
)

// NewRouter constructs a ServeMux with receiver routes registered.
func NewRouter(h *handlers.WebhookHandler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/webhook", h.HandleWebhook)
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(middleware.AccessLog(logger, mux))
}
