package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/telhawk-systems/objtrigger/common/envelope"
	"github.com/telhawk-systems/objtrigger/common/errs"
	"github.com/telhawk-systems/objtrigger/common/logging"
	"github.com/telhawk-systems/objtrigger/common/messaging"
	"github.com/telhawk-systems/objtrigger/receiver/internal/metrics"
	"github.com/telhawk-systems/objtrigger/receiver/internal/ratelimit"
)

// ErrRateLimited is returned when a bucket exceeds its notification rate.
var ErrRateLimited = fmt.Errorf("%w: rate limit exceeded", errs.ErrCapacityExceeded)

// ErrStopped is returned once Stop has been called.
var ErrStopped = fmt.Errorf("%w: receiver is shutting down", errs.ErrCapacityExceeded)

// Forwarder publishes one envelope to the broker.
type Forwarder interface {
	Publish(ctx context.Context, env *envelope.Envelope) (*messaging.Ack, error)
}

// Config sizes the forward queue.
type Config struct {
	QueueCapacity int
	Workers       int
}

// Result summarizes one accepted notification.
type Result struct {
	Accepted int
	Ignored  int
}

// ReceiverService decodes notifications, filters them and hands accepted envelopes
// to a fixed pool of forward workers through a bounded queue.
type ReceiverService struct {
	codec   *envelope.Codec
	filter  *envelope.SuffixFilter
	fwd     Forwarder
	limiter ratelimit.RateLimiter
	logger  *slog.Logger

	mu       sync.Mutex
	stopped  bool
	reserved int
	queue    chan *envelope.Envelope

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	dropped atomic.Int64
}

// NewReceiverService creates the service and starts its forward workers.
func NewReceiverService(codec *envelope.Codec, filter *envelope.SuffixFilter, fwd Forwarder, limiter ratelimit.RateLimiter, cfg Config, logger *slog.Logger) *ReceiverService {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ReceiverService{
		codec:   codec,
		filter:  filter,
		fwd:     fwd,
		limiter: limiter,
		logger:  logger.With(slog.String(logging.FieldComponent, "receiver")),
		queue:   make(chan *envelope.Envelope, cfg.QueueCapacity),
		ctx:     ctx,
		cancel:  cancel,
	}
	metrics.QueueCapacity.Set(float64(cfg.QueueCapacity))

	for i := 0; i < cfg.Workers; i++ {
		s.workers.Add(1)
		go s.forwardLoop()
	}

	return s
}

// Receive decodes a notification body and enqueues every creation event whose key
// passes the suffix filter. It returns errs.ErrMalformedPayload for undecodable
// bodies and errs.ErrCapacityExceeded when the queue cannot take all of them.
func (s *ReceiverService) Receive(ctx context.Context, body []byte) (*Result, error) {
	metrics.NotificationBytesTotal.Add(float64(len(body)))

	envs, err := s.codec.Decode(body)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	accepted := make([]*envelope.Envelope, 0, len(envs))
	for _, env := range envs {
		if env.Type != envelope.TypeObjectCreated || !s.filter.Match(env.Subject.Key) {
			result.Ignored++
			metrics.EnvelopesTotal.WithLabelValues("ignored").Inc()
			s.logger.DebugContext(ctx, "notification ignored",
				logging.EventType(env.Type),
				logging.Object(env.Subject.Bucket, env.Subject.Key),
			)
			continue
		}
		accepted = append(accepted, env)
	}
	if len(accepted) == 0 {
		return result, nil
	}

	// Queue slots are reserved before the rate limiter runs so a 503 for a full
	// queue leaves the bucket's rate budget untouched.
	if err := s.reserve(len(accepted)); err != nil {
		metrics.EnvelopesTotal.WithLabelValues("rejected").Add(float64(len(accepted)))
		return nil, err
	}

	if err := s.checkRate(ctx, accepted); err != nil {
		s.unreserve(len(accepted))
		return nil, err
	}

	if err := s.enqueue(accepted); err != nil {
		metrics.EnvelopesTotal.WithLabelValues("rejected").Add(float64(len(accepted)))
		return nil, err
	}

	result.Accepted = len(accepted)
	metrics.EnvelopesTotal.WithLabelValues("accepted").Add(float64(len(accepted)))
	for _, env := range accepted {
		s.logger.InfoContext(ctx, "notification accepted",
			logging.EventID(env.ID),
			logging.Object(env.Subject.Bucket, env.Subject.Key),
		)
	}
	return result, nil
}

// checkRate applies the per-bucket limit once per distinct bucket. Limiter errors
// fail open.
func (s *ReceiverService) checkRate(ctx context.Context, envs []*envelope.Envelope) error {
	seen := make(map[string]bool, 1)
	for _, env := range envs {
		bucket := env.Subject.Bucket
		if seen[bucket] {
			continue
		}
		seen[bucket] = true

		allowed, err := s.limiter.Allow(ctx, bucket)
		if err != nil {
			s.logger.WarnContext(ctx, "rate limit check failed, allowing request",
				slog.String(logging.FieldBucket, bucket),
				logging.Error(err),
			)
			continue
		}
		if !allowed {
			return fmt.Errorf("bucket %s: %w", bucket, ErrRateLimited)
		}
	}
	return nil
}

// reserve claims n queue slots or none. Reserved slots count against capacity
// until enqueue or unreserve releases them.
func (s *ReceiverService) reserve(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if len(s.queue)+s.reserved+n > cap(s.queue) {
		return fmt.Errorf("%w: forward queue full (%d/%d)", errs.ErrCapacityExceeded, len(s.queue)+s.reserved, cap(s.queue))
	}
	s.reserved += n
	return nil
}

func (s *ReceiverService) unreserve(n int) {
	s.mu.Lock()
	s.reserved -= n
	s.mu.Unlock()
}

// enqueue sends envelopes into slots taken by reserve. Workers only free space,
// so the sends never block.
func (s *ReceiverService) enqueue(envs []*envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reserved -= len(envs)
	if s.stopped {
		return ErrStopped
	}
	for _, env := range envs {
		s.queue <- env
	}
	metrics.QueueDepth.Set(float64(len(s.queue)))
	return nil
}

func (s *ReceiverService) forwardLoop() {
	defer s.workers.Done()
	for env := range s.queue {
		metrics.QueueDepth.Set(float64(len(s.queue)))
		if s.ctx.Err() != nil {
			s.dropped.Add(1)
			continue
		}

		if _, err := s.fwd.Publish(s.ctx, env); err != nil {
			// The webhook already returned success; logs and metrics are the only signal.
			s.logger.Error("failed to forward envelope",
				logging.EventID(env.ID),
				logging.Object(env.Subject.Bucket, env.Subject.Key),
				logging.Error(err),
			)
		}
	}
}

// Depth returns the number of envelopes waiting to be forwarded.
func (s *ReceiverService) Depth() int {
	return len(s.queue)
}

// Capacity returns the queue size.
func (s *ReceiverService) Capacity() int {
	return cap(s.queue)
}

// Stop rejects new notifications and drains the queue. If ctx ends first, in-flight
// publishes are cancelled and the remaining envelopes are dropped.
func (s *ReceiverService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		dropped := s.dropped.Load()
		s.logger.Error("forward queue not drained before shutdown deadline", slog.Int64("dropped", dropped))
		return errors.Join(ctx.Err(), fmt.Errorf("%d envelope(s) not forwarded", dropped))
	}
}
