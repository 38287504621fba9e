// Package forwarder publishes envelopes to the broker with bounded exponential retry.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/objtrigger/common/envelope"
	"github.com/telhawk-systems/objtrigger/common/errs"
	"github.com/telhawk-systems/objtrigger/common/logging"
	"github.com/telhawk-systems/objtrigger/common/messaging"
	"github.com/telhawk-systems/objtrigger/receiver/internal/metrics"
)

// Config controls per-attempt timeout and the retry schedule.
type Config struct {
	Timeout         time.Duration
	InitialInterval time.Duration
	Multiplier      float64
	MaxAttempts     int
}

// DefaultConfig returns 5 attempts starting at 200ms and doubling.
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Second,
		InitialInterval: 200 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     5,
	}
}

// PublishError is returned when an envelope could not be published.
type PublishError struct {
	Subject  string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed after %d attempt(s): %v", e.Subject, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Transient reports whether the last failure was retryable.
func (e *PublishError) Transient() bool {
	return errs.IsTransient(e.Err)
}

// Forwarder publishes envelopes with their type and source as message headers.
// It does not deduplicate.
type Forwarder struct {
	pub    messaging.Publisher
	cfg    Config
	logger *slog.Logger

	// sleep waits d or until ctx ends. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Forwarder. Zero config fields fall back to DefaultConfig.
func New(pub messaging.Publisher, cfg Config, logger *slog.Logger) *Forwarder {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		pub:    pub,
		cfg:    cfg,
		logger: logger.With(slog.String(logging.FieldComponent, "forwarder")),
		sleep:  sleepContext,
	}
}

// Publish sends env to objects.events.<type> and returns the broker ack. Transient
// failures are retried up to MaxAttempts in total; anything else fails immediately.
func (f *Forwarder) Publish(ctx context.Context, env *envelope.Envelope) (*messaging.Ack, error) {
	start := time.Now()
	data, err := envelope.Marshal(env)
	if err != nil {
		return nil, err
	}

	msg := &messaging.Message{
		Subject:  messaging.ObjectEventSubject(env.Type),
		Data:     data,
		Metadata: env.Attributes(),
	}

	schedule := f.schedule()
	var lastErr error
	attempt := 0
	for attempt < f.cfg.MaxAttempts {
		attempt++

		ack, err := f.publishOnce(ctx, msg)
		if err == nil {
			metrics.PublishTotal.WithLabelValues("success").Inc()
			metrics.PublishAttempts.Observe(float64(attempt))
			metrics.PublishDuration.Observe(time.Since(start).Seconds())
			f.logger.DebugContext(ctx, "envelope published",
				logging.EventID(env.ID),
				logging.Object(env.Subject.Bucket, env.Subject.Key),
				slog.Uint64("sequence", ack.Sequence),
				logging.Attempt(attempt),
			)
			return ack, nil
		}
		lastErr = err

		if !errs.IsTransient(err) || attempt == f.cfg.MaxAttempts {
			break
		}

		wait := schedule.NextBackOff()
		f.logger.WarnContext(ctx, "publish failed, retrying",
			logging.EventID(env.ID),
			logging.Attempt(attempt),
			slog.Duration("backoff", wait),
			logging.Error(err),
		)
		if err := f.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	metrics.PublishTotal.WithLabelValues("failed").Inc()
	metrics.PublishAttempts.Observe(float64(attempt))
	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	return nil, &PublishError{Subject: msg.Subject, Attempts: attempt, Err: lastErr}
}

func (f *Forwarder) publishOnce(ctx context.Context, msg *messaging.Message) (*messaging.Ack, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	ack, err := f.pub.PublishMsg(attemptCtx, msg)
	if err != nil {
		// A per-attempt deadline is a timeout, not the caller giving up.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !errs.IsTransient(err) {
			err = fmt.Errorf("%w: %w", errs.ErrTransientNetwork, err)
		}
		return nil, err
	}
	if ack == nil {
		ack = &messaging.Ack{}
	}
	return ack, nil
}

func (f *Forwarder) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     f.cfg.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          f.cfg.Multiplier,
		MaxInterval:         time.Minute,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
