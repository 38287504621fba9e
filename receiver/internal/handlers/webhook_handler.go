package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/telhawk-systems/objtrigger/common/errs"
	"github.com/telhawk-systems/objtrigger/common/httputil"
	"github.com/telhawk-systems/objtrigger/common/logging"
	"github.com/telhawk-systems/objtrigger/common/messaging"
	"github.com/telhawk-systems/objtrigger/receiver/internal/metrics"
	"github.com/telhawk-systems/objtrigger/receiver/internal/service"
)

// Receiver is the subset of service.ReceiverService the handler needs.
type Receiver interface {
	Receive(ctx context.Context, body []byte) (*service.Result, error)
}

// DefaultMaxBodySize bounds notification bodies when no limit is configured.
const DefaultMaxBodySize = 1 << 20

type WebhookHandler struct {
	receiver    Receiver
	broker      messaging.Connection
	maxBodySize int64
	logger      *slog.Logger
}

func NewWebhookHandler(receiver Receiver, broker messaging.Connection, maxBodySize int64, logger *slog.Logger) *WebhookHandler {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		receiver:    receiver,
		broker:      broker,
		maxBodySize: maxBodySize,
		logger:      logger,
	}
}

// HandleWebhook accepts an object-storage notification. It answers before the
// broker publish is durable.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	log := logging.Default().WithContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.NotificationsTotal.WithLabelValues("too_large").Inc()
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		metrics.NotificationsTotal.WithLabelValues("malformed").Inc()
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		metrics.NotificationsTotal.WithLabelValues("malformed").Inc()
		httputil.WriteError(w, http.StatusBadRequest, "empty request body")
		return
	}

	result, err := h.receiver.Receive(r.Context(), body)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrMalformedPayload):
		metrics.NotificationsTotal.WithLabelValues("malformed").Inc()
		log.Warn("dropping malformed notification", logging.Error(err))
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, service.ErrRateLimited):
		metrics.NotificationsTotal.WithLabelValues("rate_limited").Inc()
		log.Warn("notification rate limited", logging.Error(err))
		w.Header().Set("Retry-After", "1")
		httputil.WriteError(w, http.StatusServiceUnavailable, "rate limit exceeded")
		return
	case errors.Is(err, errs.ErrCapacityExceeded):
		metrics.NotificationsTotal.WithLabelValues("rejected").Inc()
		log.Warn("rejecting notification, forward queue full", logging.Error(err))
		w.Header().Set("Retry-After", "1")
		httputil.WriteError(w, http.StatusServiceUnavailable, "server busy")
		return
	default:
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		log.Error("failed to receive notification", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if result.Accepted == 0 {
		metrics.NotificationsTotal.WithLabelValues("ignored").Inc()
		httputil.WriteStatus(w, http.StatusOK, "ignored")
		return
	}
	metrics.NotificationsTotal.WithLabelValues("accepted").Inc()
	httputil.WriteStatus(w, http.StatusOK, "accepted")
}

// Health reports UP while the broker connection is usable.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
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
