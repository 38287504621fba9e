// Package subscriber consumes envelopes from durable broker consumers, filters them
// by message attributes and hands matches to the invoker.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/objtrigger/common/envelope"
	"github.com/telhawk-systems/objtrigger/common/logging"
	"github.com/telhawk-systems/objtrigger/common/messaging"
	"github.com/telhawk-systems/objtrigger/invoker/internal/invoker"
	"github.com/telhawk-systems/objtrigger/invoker/internal/metrics"
)

// Wildcard matches any attribute value.
const Wildcard = "*"

// DefaultNakDelay is how long the broker waits before redelivering a message the
// invoker could not take.
const DefaultNakDelay = 5 * time.Second

// Rule binds attribute filters to a pipeline.
type Rule struct {
	Name     string
	Source   string
	Type     string
	Pipeline string
}

// Matches reports whether a message with the given attributes belongs to r.
// Empty or "*" filters match anything.
func (r Rule) Matches(msg *messaging.Message) bool {
	return matchAttr(r.Source, msg.Header(envelope.AttrSource)) &&
		matchAttr(r.Type, msg.Header(envelope.AttrType))
}

func matchAttr(filter, value string) bool {
	return filter == "" || filter == Wildcard || filter == value
}

// Validate checks that r can be run.
func (r Rule) Validate() error {
	if r.Name == "" {
		return errors.New("subscription name is required")
	}
	if r.Pipeline == "" {
		return fmt.Errorf("subscription %s: pipeline is required", r.Name)
	}
	return nil
}

// Submitter accepts envelopes for invocation.
type Submitter interface {
	Submit(ctx context.Context, pipeline string, env *envelope.Envelope) (invoker.Outcome, error)
}

// Subscriber drives one subscription.
type Subscriber struct {
	rule      Rule
	stream    messaging.Stream
	submitter Submitter
	nakDelay  time.Duration
	logger    *slog.Logger
}

// New creates a Subscriber reading from stream.
func New(rule Rule, stream messaging.Stream, submitter Submitter, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		rule:      rule,
		stream:    stream,
		submitter: submitter,
		nakDelay:  DefaultNakDelay,
		logger: logger.With(
			slog.String(logging.FieldComponent, "subscriber"),
			logging.Subscription(rule.Name),
		),
	}
}

// Rule returns the subscription rule.
func (s *Subscriber) Rule() Rule {
	return s.rule
}

// Run processes deliveries until ctx ends or the stream fails. It returns nil on a
// clean shutdown.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("subscription started",
		slog.String("pipeline", s.rule.Pipeline),
		logging.Source(s.rule.Source),
		logging.EventType(s.rule.Type),
	)
	defer s.stream.Stop()

	for {
		d, err := s.stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("subscription stopped")
				return nil
			}
			return fmt.Errorf("subscription %s: %w", s.rule.Name, err)
		}
		s.handle(ctx, d)
	}
}

// handle settles exactly one delivery.
func (s *Subscriber) handle(ctx context.Context, d messaging.Delivery) {
	msg := d.Message()

	if !s.rule.Matches(msg) {
		s.settle(d.Ack(), "ack")
		s.count("filtered")
		return
	}

	env, err := envelope.Unmarshal(msg.Data)
	if err != nil {
		s.logger.Warn("discarding undecodable message",
			slog.String("subject", msg.Subject),
			logging.Error(err),
		)
		s.settle(d.Term(), "term")
		s.count("malformed")
		return
	}

	log := s.logger.With(logging.EventID(env.ID), logging.RunKey(env.RunKey()))
	outcome, err := s.submitter.Submit(ctx, s.rule.Pipeline, env)
	if err != nil {
		log.Warn("invoker did not take envelope, requesting redelivery",
			slog.Uint64("delivered", d.NumDelivered()),
			logging.Error(err),
		)
		s.settle(d.Nak(s.nakDelay), "nak")
		s.count("nak")
		return
	}

	log.Debug("envelope handed to invoker", slog.String("outcome", string(outcome)))
	s.settle(d.Ack(), "ack")
	s.count(string(outcome))
}

func (s *Subscriber) settle(err error, op string) {
	if err != nil {
		s.logger.Warn("failed to settle delivery", slog.String("op", op), logging.Error(err))
	}
}

func (s *Subscriber) count(outcome string) {
	metrics.MessagesTotal.WithLabelValues(s.rule.Name, outcome).Inc()
}

// Group runs several subscribers and reports the first failure.
type Group struct {
	subs   []*Subscriber
	wg     sync.WaitGroup
	errs   chan error
	cancel context.CancelFunc
}

// NewGroup creates a Group.
func NewGroup(subs ...*Subscriber) *Group {
	return &Group{subs: subs, errs: make(chan error, len(subs))}
}

// Start launches every subscriber in its own goroutine.
func (g *Group) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	for _, sub := range g.subs {
		g.wg.Add(1)
		go func(sub *Subscriber) {
			defer g.wg.Done()
			if err := sub.Run(ctx); err != nil {
				g.errs <- err
			}
		}(sub)
	}
}

// Errors delivers subscriber failures.
func (g *Group) Errors() <-chan error {
	return g.errs
}

// Stop cancels all subscribers and waits for in-progress deliveries to settle.
func (g *Group) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}
