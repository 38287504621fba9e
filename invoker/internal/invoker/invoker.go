// Package invoker turns matched envelopes into exactly one orchestrator run per
// physical upload.
//
// Each run_key moves through
//
//	New -> Deduped
//	New -> Submitting -> Acked
//	New -> Submitting -> SubmitFailed -> Retrying -> Submitting ... -> Dead
//
// The idempotency store's Claim is the only synchronization point between
// concurrent deliveries of the same upload.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/objtrigger/common/envelope"
	"github.com/telhawk-systems/objtrigger/common/errs"
	"github.com/telhawk-systems/objtrigger/common/logging"
	"github.com/telhawk-systems/objtrigger/invoker/internal/dlq"
	"github.com/telhawk-systems/objtrigger/invoker/internal/idempotency"
	"github.com/telhawk-systems/objtrigger/invoker/internal/metrics"
	"github.com/telhawk-systems/objtrigger/invoker/internal/orchestrator"
)

// ErrShuttingDown is returned by Submit after Shutdown has started.
var ErrShuttingDown = errors.New("invoker is shutting down")

// Outcome is the result reported to callers.
type Outcome string

const (
	// OutcomeAccepted means a background run now owns the run_key.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeDeduped means another delivery already owns or finished the run_key.
	OutcomeDeduped Outcome = "deduped"
	OutcomeAcked   Outcome = "acked"
	OutcomeDead    Outcome = "dead"
)

// Orchestrator submits pipeline runs.
type Orchestrator interface {
	SubmitRun(ctx context.Context, req *orchestrator.RunRequest) (*orchestrator.Run, error)
	SupportsIdempotencyToken() bool
}

// Transition is reported to the observer on every state change.
type Transition struct {
	RunKey  string
	From    idempotency.State
	To      idempotency.State
	Attempt int
	Err     error
}

// Config tunes concurrency and the retry schedule.
type Config struct {
	MaxConcurrent  int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Experiment     string
}

// DefaultConfig returns 16 concurrent runs and 6 retries starting at 1s.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  16,
		MaxRetries:     6,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}
}

type Invoker struct {
	store  idempotency.Store
	orch   Orchestrator
	dead   dlq.Writer
	cfg    Config
	logger *slog.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closing  bool
	closed   chan struct{}
	observer func(Transition)

	// sleep waits d or until ctx ends. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates an Invoker. dead may be nil, in which case dead runs are only logged.
func New(store idempotency.Store, orch Orchestrator, dead dlq.Writer, cfg Config, logger *slog.Logger) *Invoker {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Invoker{
		store:  store,
		orch:   orch,
		dead:   dead,
		cfg:    cfg,
		logger: logger.With(slog.String(logging.FieldComponent, "invoker")),
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// OnTransition registers fn to be called synchronously on every state change.
func (i *Invoker) OnTransition(fn func(Transition)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.observer = fn
}

// Submit claims the envelope's run_key and, when it wins the claim, starts the run in
// the background. It blocks while MaxConcurrent runs are in flight. A nil error means
// the envelope is safely owned and the broker message may be acknowledged.
func (i *Invoker) Submit(ctx context.Context, pipeline string, env *envelope.Envelope) (Outcome, error) {
	if err := i.acquire(ctx); err != nil {
		return "", err
	}

	rec, outcome, err := i.claim(ctx, env)
	if err != nil || outcome == OutcomeDeduped {
		i.release()
		return outcome, err
	}

	go func() {
		defer i.release()
		i.run(i.ctx, rec, pipeline, env)
	}()
	return OutcomeAccepted, nil
}

// Invoke runs the whole state machine for env in the calling goroutine.
func (i *Invoker) Invoke(ctx context.Context, pipeline string, env *envelope.Envelope) (Outcome, error) {
	if err := i.acquire(ctx); err != nil {
		return "", err
	}
	defer i.release()

	rec, outcome, err := i.claim(ctx, env)
	if err != nil || outcome == OutcomeDeduped {
		return outcome, err
	}
	return i.run(ctx, rec, pipeline, env)
}

// acquire registers the caller with the shutdown wait group under the same lock
// that Shutdown takes to set closing, then waits for a concurrency slot. Every
// successful acquire must be paired with release.
func (i *Invoker) acquire(ctx context.Context) error {
	i.mu.Lock()
	if i.closing {
		i.mu.Unlock()
		return ErrShuttingDown
	}
	i.wg.Add(1)
	i.mu.Unlock()

	select {
	case i.sem <- struct{}{}:
	case <-ctx.Done():
		i.wg.Done()
		return ctx.Err()
	case <-i.closed:
		i.wg.Done()
		return ErrShuttingDown
	}

	// Shutdown may have started while this caller waited for the slot.
	i.mu.RLock()
	closing := i.closing
	i.mu.RUnlock()
	if closing {
		<-i.sem
		i.wg.Done()
		return ErrShuttingDown
	}

	metrics.InFlight.Inc()
	return nil
}

func (i *Invoker) release() {
	<-i.sem
	metrics.InFlight.Dec()
	i.wg.Done()
}

// claim performs New -> Submitting or New -> Deduped.
func (i *Invoker) claim(ctx context.Context, env *envelope.Envelope) (*idempotency.Record, Outcome, error) {
	if err := env.Validate(); err != nil {
		return nil, "", err
	}
	if env.Version() == "" {
		i.logger.WarnContext(ctx, "envelope has neither sequencer nor etag, run key covers bucket and key only",
			logging.Object(env.Subject.Bucket, env.Subject.Key),
		)
	}

	runKey := env.RunKey()
	rec, claimed, err := i.store.Claim(ctx, runKey)
	if err != nil {
		return nil, "", fmt.Errorf("claim run %s: %w", runKey, err)
	}
	if !claimed {
		i.transition(&idempotency.Record{RunKey: runKey, State: idempotency.StateNew}, idempotency.StateDeduped, 0, nil)
		metrics.OutcomesTotal.WithLabelValues(string(OutcomeDeduped)).Inc()
		existing := idempotency.StateNew
		if rec != nil {
			existing = rec.State
		}
		i.logger.InfoContext(ctx, "duplicate delivery suppressed",
			logging.RunKey(runKey),
			logging.EventID(env.ID),
			slog.String("existing_state", existing.String()),
		)
		return nil, OutcomeDeduped, nil
	}

	i.notify(Transition{RunKey: runKey, From: idempotency.StateNew, To: idempotency.StateSubmitting})
	metrics.TransitionsTotal.WithLabelValues(string(idempotency.StateSubmitting)).Inc()
	return rec, OutcomeAccepted, nil
}

// run drives a claimed record from Submitting to Acked or Dead.
func (i *Invoker) run(ctx context.Context, rec *idempotency.Record, pipeline string, env *envelope.Envelope) (Outcome, error) {
	req := i.buildRequest(pipeline, rec.RunKey, env)
	log := i.logger.With(
		logging.RunKey(rec.RunKey),
		logging.EventID(env.ID),
		logging.Object(env.Subject.Bucket, env.Subject.Key),
		slog.String("pipeline", pipeline),
	)
	schedule := i.schedule()

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			i.transition(rec, idempotency.StateSubmitting, attempt, nil)
		}
		rec.Attempts = attempt
		rec.LastAttemptTime = i.now()
		i.save(ctx, rec, log)

		start := time.Now()
		run, err := i.orch.SubmitRun(ctx, req)
		if err == nil {
			metrics.SubmitDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
			rec.RunID = run.ID
			i.transition(rec, idempotency.StateAcked, attempt, nil)
			i.save(ctx, rec, log)
			metrics.OutcomesTotal.WithLabelValues(string(OutcomeAcked)).Inc()
			log.Info("pipeline run started", logging.RunID(run.ID), logging.Attempt(attempt))
			return OutcomeAcked, nil
		}

		if errors.Is(err, orchestrator.ErrConflict) {
			metrics.SubmitDuration.WithLabelValues("conflict").Observe(time.Since(start).Seconds())
			i.transition(rec, idempotency.StateAcked, attempt, nil)
			i.save(ctx, rec, log)
			metrics.OutcomesTotal.WithLabelValues(string(OutcomeDeduped)).Inc()
			log.Info("orchestrator already has this run", logging.Attempt(attempt))
			return OutcomeDeduped, nil
		}

		metrics.SubmitDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		i.transition(rec, idempotency.StateSubmitFailed, attempt, err)

		if ctx.Err() != nil {
			// Shutdown: leave the record non-terminal so the claim lease can hand it over.
			i.save(context.Background(), rec, log)
			log.Warn("run interrupted by shutdown", logging.Attempt(attempt), logging.Error(err))
			return "", ctx.Err()
		}

		if !errs.IsTransient(err) {
			return i.die(rec, pipeline, env, dlq.ReasonRejected, err, log)
		}
		if attempt > i.cfg.MaxRetries {
			return i.die(rec, pipeline, env, dlq.ReasonRetriesExhausted, err, log)
		}

		wait := schedule.NextBackOff()
		i.transition(rec, idempotency.StateRetrying, attempt, err)
		i.save(ctx, rec, log)
		log.Warn("pipeline submission failed, retrying",
			logging.Attempt(attempt),
			slog.Duration("backoff", wait),
			logging.Error(err),
		)

		if err := i.sleep(ctx, wait); err != nil {
			log.Warn("retry abandoned by shutdown", logging.Attempt(attempt))
			return "", err
		}
	}
}

func (i *Invoker) die(rec *idempotency.Record, pipeline string, env *envelope.Envelope, reason string, cause error, log *slog.Logger) (Outcome, error) {
	// The run context may already be cancelled; the terminal write must still land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	i.transition(rec, idempotency.StateDead, rec.Attempts, cause)
	i.save(ctx, rec, log)
	metrics.OutcomesTotal.WithLabelValues(string(OutcomeDead)).Inc()
	log.Error("pipeline run is dead",
		slog.String("reason", reason),
		logging.Attempt(rec.Attempts),
		logging.Error(cause),
	)

	if i.dead != nil {
		if err := i.dead.Write(ctx, &dlq.DeadRun{
			RunKey:      rec.RunKey,
			Pipeline:    pipeline,
			Reason:      reason,
			Error:       cause.Error(),
			Attempts:    rec.Attempts,
			LastAttempt: rec.LastAttemptTime,
			Envelope:    env,
		}); err != nil {
			log.Error("failed to record dead run", logging.Error(err))
		}
	}
	return OutcomeDead, fmt.Errorf("run %s dead after %d attempt(s): %w", rec.RunKey, rec.Attempts, cause)
}

func (i *Invoker) buildRequest(pipeline, runKey string, env *envelope.Envelope) *orchestrator.RunRequest {
	req := &orchestrator.RunRequest{
		PipelineName: pipeline,
		RunKey:       runKey,
		Parameters: orchestrator.Parameters{
			Bucket: env.Subject.Bucket,
			Key:    env.Subject.Key,
		},
		Experiment: i.cfg.Experiment,
	}
	if !env.Time.IsZero() {
		t := env.Time
		req.EventTime = &t
	}
	// Without header support the orchestrator deduplicates on the run name.
	if i.orch.SupportsIdempotencyToken() {
		req.DisplayName = orchestrator.DisplayName(pipeline, env.Subject.Key, runKey)
	} else {
		req.DisplayName = runKey
	}
	return req
}

func (i *Invoker) transition(rec *idempotency.Record, to idempotency.State, attempt int, err error) {
	from := rec.State
	rec.State = to
	metrics.TransitionsTotal.WithLabelValues(string(to)).Inc()
	i.notify(Transition{RunKey: rec.RunKey, From: from, To: to, Attempt: attempt, Err: err})
}

func (i *Invoker) notify(t Transition) {
	i.mu.RLock()
	fn := i.observer
	i.mu.RUnlock()
	if fn != nil {
		fn(t)
	}
}

// save persists rec. Store failures are logged, not fatal: the claim already
// guarantees exclusivity for this process.
func (i *Invoker) save(ctx context.Context, rec *idempotency.Record, log *slog.Logger) {
	cp := *rec
	if err := i.store.Update(ctx, &cp); err != nil {
		log.Warn("failed to persist run state", logging.State(rec.State.String()), logging.Error(err))
	}
}

func (i *Invoker) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     i.cfg.InitialBackoff,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         i.cfg.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Shutdown stops accepting work and waits for in-flight runs. When ctx ends first,
// running submissions and backoff sleeps are cancelled.
func (i *Invoker) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	if !i.closing {
		i.closing = true
		close(i.closed)
	}
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		i.cancel()
		return nil
	case <-ctx.Done():
		i.cancel()
		<-done
		return ctx.Err()
	}
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
