package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objtrigger_receiver_notifications_total",
			Help: "Total number of webhook notifications by outcome",
		},
		[]string{"status"},
	)

	NotificationBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "objtrigger_receiver_notification_bytes_total",
			Help: "Total bytes of notification bodies received",
		},
	)

	EnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objtrigger_receiver_envelopes_total",
			Help: "Total number of decoded envelopes by outcome",
		},
		[]string{"outcome"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "objtrigger_receiver_queue_depth",
			Help: "Current depth of the forward queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "objtrigger_receiver_queue_capacity",
			Help: "Maximum capacity of the forward queue",
		},
	)

	// Broker publish metrics
	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objtrigger_receiver_publish_total",
			Help: "Total number of envelope publishes by result",
		},
		[]string{"result"},
	)

	PublishAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "objtrigger_receiver_publish_attempts",
			Help:    "Number of attempts needed per envelope publish",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "objtrigger_receiver_publish_duration_seconds",
			Help:    "Duration of envelope publishes including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objtrigger_receiver_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"bucket"},
	)
)
