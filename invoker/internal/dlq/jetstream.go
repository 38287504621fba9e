package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/objtrigger/common/logging"
	"github.com/telhawk-systems/objtrigger/common/messaging"
	"github.com/telhawk-systems/objtrigger/common/messaging/nats"
	"github.com/telhawk-systems/objtrigger/invoker/internal/metrics"
)

// StreamPublisher is the part of the JetStream client the queue needs.
type StreamPublisher interface {
	CreateOrUpdateStream(ctx context.Context, cfg nats.StreamConfig) (jetstream.Stream, error)
	PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
}

// JetStreamQueue writes dead runs to the PIPELINE_DLQ stream.
// Safe for use across multiple invoker instances.
type JetStreamQueue struct {
	js      StreamPublisher
	stream  jetstream.Stream
	written uint64
	logger  *slog.Logger
}

// NewJetStreamQueue creates the dead-run stream if needed.
func NewJetStreamQueue(ctx context.Context, js StreamPublisher, logger *slog.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.PipelineDLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger = logger.With(slog.String(logging.FieldComponent, "dlq"))
	logger.Info("JetStream dead-run stream ready", slog.String("stream", nats.PipelineDLQStream.Name))

	return &JetStreamQueue{
		js:     js,
		stream: stream,
		logger: logger,
	}, nil
}

// Write publishes run to pipeline.dlq.<reason>.
func (q *JetStreamQueue) Write(ctx context.Context, run *DeadRun) error {
	if q == nil {
		return nil
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal dead run: %w", err)
	}

	subject := messaging.PipelineDLQSubject(run.Reason)
	if _, err := q.js.PublishSync(ctx, subject, data); err != nil {
		q.logger.Error("failed to publish dead run", logging.RunKey(run.RunKey), logging.Error(err))
		return err
	}

	atomic.AddUint64(&q.written, 1)
	metrics.DeadLettersTotal.WithLabelValues(run.Reason).Inc()
	q.logger.Info("dead run recorded", logging.RunKey(run.RunKey), slog.String("reason", run.Reason))
	return nil
}

// Stats returns dead-run queue metrics from JetStream.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	if q == nil {
		return map[string]interface{}{
			"enabled": false,
			"backend": "jetstream",
		}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]interface{}{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// List returns up to limit dead runs, oldest first.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]DeadRun, error) {
	if q == nil {
		return nil, fmt.Errorf("dlq not enabled")
	}
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{messaging.SubjectPipelineDLQ + ".>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	runs := decodeDeadRuns(msgs.Messages(), q.logger)
	if msgs.Error() != nil {
		q.logger.Debug("fetch completed with error", logging.Error(msgs.Error()))
	}
	return runs, nil
}

func decodeDeadRuns(msgs <-chan jetstream.Msg, logger *slog.Logger) []DeadRun {
	var runs []DeadRun
	for msg := range msgs {
		var run DeadRun
		if err := json.Unmarshal(msg.Data(), &run); err != nil {
			logger.Warn("skipping unreadable dead run", logging.Error(err))
			continue
		}
		runs = append(runs, run)
	}
	return runs
}

// Purge removes all dead runs.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("dlq not enabled")
	}
	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	q.logger.Info("purged dead-run stream")
	return nil
}
