package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/objtrigger/common/errs"
	"github.com/telhawk-systems/objtrigger/common/messaging"
)

// JetStreamClient extends Client with JetStream persistence.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Subjects are the subjects this stream captures.
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	// MaxMsgs is the maximum number of messages in the stream.
	MaxMsgs int64

	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType
}

// ConsumerConfig defines a durable pull consumer.
type ConsumerConfig struct {
	// Name is the durable consumer name.
	Name string

	// FilterSubject filters which messages this consumer receives.
	FilterSubject string

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// MaxDeliver is maximum delivery attempts. -1 means unlimited.
	MaxDeliver int

	// MaxAckPending is maximum unacknowledged messages.
	MaxAckPending int
}

// DefaultConsumerConfig returns defaults for a subscription consumer.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       30 * time.Second,
		MaxDeliver:    -1,
		MaxAckPending: 1,
	}
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config, logger *slog.Logger) (*JetStreamClient, error) {
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// Stream looks up an existing stream.
func (c *JetStreamClient) Stream(ctx context.Context, name string) (jetstream.Stream, error) {
	stream, err := c.js.Stream(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", name, err)
	}
	return stream, nil
}

// CreateOrUpdateConsumer creates or updates a durable pull consumer with explicit acks.
func (c *JetStreamClient) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	stream, err := c.Stream(ctx, streamName)
	if err != nil {
		return nil, err
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// PublishMsg publishes msg with its metadata as headers and waits for the stream ack.
// Connection and timeout failures are wrapped with errs.ErrTransientNetwork.
func (c *JetStreamClient) PublishMsg(ctx context.Context, msg *messaging.Message) (*messaging.Ack, error) {
	natsMsg := &nats.Msg{
		Subject: msg.Subject,
		Data:    msg.Data,
	}
	if len(msg.Metadata) > 0 {
		natsMsg.Header = make(nats.Header, len(msg.Metadata))
		for k, v := range msg.Metadata {
			natsMsg.Header.Set(k, v)
		}
	}

	ack, err := c.js.PublishMsg(ctx, natsMsg)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return &messaging.Ack{
		Stream:    ack.Stream,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
	}, nil
}

// PublishSync publishes raw data and waits for the stream ack.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	ack, err := c.js.Publish(ctx, subject, data)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return ack, nil
}

// Messages opens a pull iterator on an existing durable consumer.
func (c *JetStreamClient) Messages(ctx context.Context, streamName, consumerName string) (messaging.Stream, error) {
	stream, err := c.Stream(ctx, streamName)
	if err != nil {
		return nil, err
	}
	consumer, err := stream.Consumer(ctx, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", consumerName, err)
	}
	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to open message iterator for %s: %w", consumerName, err)
	}
	return &pullStream{iter: iter}, nil
}

// ClassifyError marks connection-level NATS failures as transient.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	transient := errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, nats.ErrConnectionDraining) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, jetstream.ErrNoStreamResponse)
	if !transient {
		var netErr net.Error
		transient = errors.As(err, &netErr)
	}
	if transient {
		return fmt.Errorf("%w: %w", errs.ErrTransientNetwork, err)
	}
	return err
}

// pullStream adapts a jetstream.MessagesContext to messaging.Stream.
type pullStream struct {
	iter jetstream.MessagesContext
}

func (s *pullStream) Next(ctx context.Context) (messaging.Delivery, error) {
	// Next has no context parameter; stopping the iterator unblocks it.
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			s.iter.Stop()
		case <-stopped:
		}
	}()

	msg, err := s.iter.Next()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return &delivery{msg: msg}, nil
}

func (s *pullStream) Stop() {
	s.iter.Stop()
}

type delivery struct {
	msg jetstream.Msg
}

func (d *delivery) Message() *messaging.Message {
	m := &messaging.Message{
		Subject: d.msg.Subject(),
		Data:    d.msg.Data(),
	}
	if headers := d.msg.Headers(); headers != nil {
		m.Metadata = make(map[string]string, len(headers))
		for k := range headers {
			m.Metadata[k] = headers.Get(k)
		}
	}
	if meta, err := d.msg.Metadata(); err == nil {
		m.Timestamp = meta.Timestamp
	}
	return m
}

func (d *delivery) Ack() error {
	return d.msg.Ack()
}

func (d *delivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

func (d *delivery) Term() error {
	return d.msg.Term()
}

func (d *delivery) NumDelivered() uint64 {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return meta.NumDelivered
}

// Stream configurations.
var (
	// ObjectEventsStream captures envelopes published by the receiver. Limits
	// retention keeps a message for MaxAge whether or not a consumer exists yet,
	// so envelopes published before the invoker starts are still delivered.
	ObjectEventsStream = StreamConfig{
		Name:      "OBJECT_EVENTS",
		Subjects:  []string{messaging.SubjectObjectEvents + ".>"},
		MaxAge:    24 * time.Hour,
		MaxBytes:  512 * 1024 * 1024,
		MaxMsgs:   1000000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}

	// PipelineDLQStream captures pipeline runs that reached the Dead state.
	PipelineDLQStream = StreamConfig{
		Name:      "PIPELINE_DLQ",
		Subjects:  []string{messaging.SubjectPipelineDLQ + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  100 * 1024 * 1024,
		MaxMsgs:   100000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)

// ObjectEventsStreamNamed returns ObjectEventsStream under name. An empty name keeps
// the default.
func ObjectEventsStreamNamed(name string) StreamConfig {
	cfg := ObjectEventsStream
	if name != "" {
		cfg.Name = name
	}
	return cfg
}
