package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/telhawk-systems/objtrigger/common/httputil"
	"github.com/telhawk-systems/objtrigger/common/logging"
	"github.com/telhawk-systems/objtrigger/common/messaging"
	"github.com/telhawk-systems/objtrigger/invoker/internal/dlq"
	"github.com/telhawk-systems/objtrigger/invoker/internal/idempotency"
)

const (
	defaultDLQLimit = 50
	maxDLQLimit     = 1000
)

// RunLookup reads idempotency records.
type RunLookup interface {
	Get(ctx context.Context, runKey string) (*idempotency.Record, error)
}

// AdminHandler serves health and operator endpoints for the invoker.
type AdminHandler struct {
	runs   RunLookup
	dead   dlq.Reader
	broker messaging.Connection
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler. dead may be nil when the dead-run queue
// is disabled.
func NewAdminHandler(runs RunLookup, dead dlq.Reader, broker messaging.Connection, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{runs: runs, dead: dead, broker: broker, logger: logger}
}

// Health reports UP while the broker connection is usable.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := messaging.CheckHealth(ctx, h.broker)
	if !status.Healthy() {
		h.logger.Warn("health check failed", slog.String("reason", status.Error))
		httputil.WriteStatus(w, http.StatusServiceUnavailable, "DOWN")
		return
	}
	httputil.WriteStatus(w, http.StatusOK, "UP")
}

// GetRun handles GET /runs/{run_key}.
func (h *AdminHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runKey := r.PathValue("run_key")
	if runKey == "" {
		httputil.WriteError(w, http.StatusBadRequest, "run key is required")
		return
	}

	rec, err := h.runs.Get(r.Context(), runKey)
	if errors.Is(err, idempotency.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load run", logging.RunKey(runKey), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// ListDeadRuns handles GET /dlq?limit=N.
func (h *AdminHandler) ListDeadRuns(w http.ResponseWriter, r *http.Request) {
	if !h.dlqEnabled(w) {
		return
	}

	limit := defaultDLQLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDLQLimit)
	}

	runs, err := h.dead.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list dead runs", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list dead runs")
		return
	}
	if runs == nil {
		runs = []dlq.DeadRun{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// DeadRunStats handles GET /dlq/stats.
func (h *AdminHandler) DeadRunStats(w http.ResponseWriter, r *http.Request) {
	if !h.dlqEnabled(w) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.dead.Stats(r.Context()))
}

// PurgeDeadRuns handles DELETE /dlq.
func (h *AdminHandler) PurgeDeadRuns(w http.ResponseWriter, r *http.Request) {
	if !h.dlqEnabled(w) {
		return
	}
	if err := h.dead.Purge(r.Context()); err != nil {
		h.logger.Error("failed to purge dead runs", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to purge dead runs")
		return
	}
	h.logger.Info("dead-run queue purged")
	httputil.WriteStatus(w, http.StatusOK, "purged")
}

func (h *AdminHandler) dlqEnabled(w http.ResponseWriter) bool {
	if h.dead == nil {
		httputil.WriteError(w, http.StatusNotFound, "dead-run queue is disabled")
		return false
	}
	return true
}
