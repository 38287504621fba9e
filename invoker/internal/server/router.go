package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/objtrigger/common/middleware"
	"github.com/telhawk-systems/objtrigger/invoker/internal/handlers"
)

// NewRouter constructs a ServeMux with invoker routes registered.
func NewRouter(h *handlers.AdminHandler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /runs/{run_key}", h.GetRun)
	mux.HandleFunc("GET /dlq", h.ListDeadRuns)
	mux.HandleFunc("GET /dlq/stats", h.DeadRunStats)
	mux.HandleFunc("DELETE /dlq", h.PurgeDeadRuns)

	return middleware.RequestID(middleware.AccessLog(logger, mux))
}
