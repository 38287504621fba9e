package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/telhawk-systems/objtrigger/common/config"
	"github.com/telhawk-systems/objtrigger/common/logging"
	"github.com/telhawk-systems/objtrigger/common/messaging"
	"github.com/telhawk-systems/objtrigger/invoker/internal/dlq"
	"github.com/telhawk-systems/objtrigger/invoker/internal/handlers"
	"github.com/telhawk-systems/objtrigger/invoker/internal/idempotency"
	"github.com/telhawk-systems/objtrigger/invoker/internal/invoker"
	"github.com/telhawk-systems/objtrigger/invoker/internal/orchestrator"
	"github.com/telhawk-systems/objtrigger/invoker/internal/server"
	"github.com/telhawk-systems/objtrigger/invoker/internal/subscriber"

	natsclient "github.com/telhawk-systems/objtrigger/common/messaging/nats"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	ic := cfg.Invoker

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("invoker"))
	logging.SetDefault(logger)

	slog.Info("Starting invoker service",
		slog.Int("port", ic.Server.Port),
		slog.Int("subscriptions", len(ic.Subscriptions)),
		slog.String("idempotency_backend", ic.Idempotency.Backend),
		slog.String("orchestrator_url", ic.Orchestrator.URL),
		slog.String("nats_url", cfg.NATS.URL),
	)

	js, err := natsclient.NewJetStreamClient(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          "objtrigger-invoker",
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       cfg.NATS.Timeout,
		Username:      cfg.NATS.Username,
		Password:      cfg.NATS.Password,
		Token:         cfg.NATS.Token,
	}, logger.Logger)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}

	setupCtx, setupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	streamCfg := natsclient.ObjectEventsStreamNamed(cfg.NATS.Stream)
	if _, err := js.CreateOrUpdateStream(setupCtx, streamCfg); err != nil {
		log.Fatalf("Failed to initialize stream %s: %v", streamCfg.Name, err)
	}

	store, err := openStore(setupCtx, cfg)
	if err != nil {
		log.Fatalf("Failed to open idempotency store: %v", err)
	}
	defer store.Close()
	janitor := idempotency.NewJanitor(store, ic.Idempotency.CleanupInterval, logger.Logger)
	defer janitor.Close()

	var (
		deadWriter dlq.Writer
		deadReader dlq.Reader
	)
	if ic.DLQ.Enabled {
		queue, err := dlq.NewJetStreamQueue(setupCtx, js, logger.Logger)
		if err != nil {
			log.Fatalf("Failed to initialize dead-run queue: %v", err)
		}
		deadWriter, deadReader = queue, queue
	}

	orch := orchestrator.New(orchestrator.Config{
		BaseURL:                  ic.Orchestrator.URL,
		Timeout:                  ic.Orchestrator.Timeout,
		SupportsIdempotencyToken: ic.Orchestrator.SupportsIdempotencyToken,
		Tokens: orchestrator.NewTokenSource(
			ic.Orchestrator.Token,
			ic.Orchestrator.TokenFile,
			ic.Orchestrator.JWTSecret,
			ic.Orchestrator.JWTIssuer,
		),
	})

	inv := invoker.New(store, orch, deadWriter, invoker.Config{
		MaxConcurrent:  ic.MaxConcurrent,
		MaxRetries:     ic.MaxRetries,
		InitialBackoff: ic.InitialBackoff,
		MaxBackoff:     ic.MaxBackoff,
		Experiment:     ic.Orchestrator.Experiment,
	}, logger.Logger)

	subs := make([]*subscriber.Subscriber, 0, len(ic.Subscriptions))
	for _, sc := range ic.Subscriptions {
		rule := subscriber.Rule{Name: sc.Name, Source: sc.Source, Type: sc.Type, Pipeline: sc.Pipeline}
		stream, err := openSubscription(setupCtx, js, streamCfg.Name, rule)
		if err != nil {
			log.Fatalf("Failed to open subscription %s: %v", rule.Name, err)
		}
		subs = append(subs, subscriber.New(rule, stream, inv, logger.Logger))
	}
	setupCancel()

	group := subscriber.NewGroup(subs...)
	group.Start(context.Background())

	handler := handlers.NewAdminHandler(store, deadReader, js, logger.Logger)
	router := server.NewRouter(handler, logger.Logger)

	srv := &http.Server{
		Addr:         ic.Server.Addr(),
		Handler:      router,
		ReadTimeout:  ic.Server.ReadTimeout,
		WriteTimeout: ic.Server.WriteTimeout,
		IdleTimeout:  ic.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Invoker listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-group.Errors():
		slog.Error("Subscription failed", logging.Error(err))
	}

	slog.Info("Shutting down invoker...")

	// Stop pulling first so no new envelope is accepted, then let runs finish.
	group.Stop()

	graceCtx, graceCancel := context.WithTimeout(context.Background(), ic.ShutdownGrace)
	defer graceCancel()
	if err := inv.Shutdown(graceCtx); err != nil {
		slog.Warn("In-flight runs interrupted; their claims will expire after the lease",
			slog.Duration("claim_lease", ic.Idempotency.ClaimLease),
			logging.Error(err),
		)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ic.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}
	if err := js.Drain(); err != nil {
		slog.Error("Failed to drain NATS connection", logging.Error(err))
	}

	slog.Info("Invoker stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (idempotency.Store, error) {
	ic := cfg.Invoker.Idempotency
	opts := idempotency.Options{Retention: ic.Retention, ClaimLease: ic.ClaimLease}

	switch ic.Backend {
	case config.BackendRedis:
		slog.Info("Using Redis idempotency store", slog.String("prefix", ic.KeyPrefix))
		return idempotency.NewRedisStore(ctx, cfg.Redis.URL, ic.KeyPrefix, opts)

	case config.BackendPostgres:
		connString := cfg.Database.URL()

		slog.Info("Running database migrations...")
		m, err := migrate.New(cfg.Database.MigrationsPath, connString)
		if err != nil {
			return nil, fmt.Errorf("initialize migrations: %w", err)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("Database migrations completed")

		return idempotency.NewPostgresStore(ctx, connString, opts)

	default:
		slog.Warn("Using in-memory idempotency store; duplicates are only suppressed within this process")
		return idempotency.NewMemoryStore(opts), nil
	}
}

// openSubscription creates the durable consumer for rule and opens its pull stream.
func openSubscription(ctx context.Context, js *natsclient.JetStreamClient, stream string, rule subscriber.Rule) (messaging.Stream, error) {
	consumerCfg := natsclient.DefaultConsumerConfig(consumerName(rule.Name), filterSubject(rule.Type))
	consumerCfg.MaxAckPending = 256
	if _, err := js.CreateOrUpdateConsumer(ctx, stream, consumerCfg); err != nil {
		return nil, err
	}
	slog.Info("Subscription consumer ready",
		logging.Subscription(rule.Name),
		slog.String("consumer", consumerCfg.Name),
		slog.String("filter", consumerCfg.FilterSubject),
	)
	return js.Messages(ctx, stream, consumerCfg.Name)
}

// consumerName maps a subscription name onto the characters JetStream allows in
// durable names.
func consumerName(subscription string) string {
	r := strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-")
	return "invoker-" + r.Replace(subscription)
}

// filterSubject narrows the consumer to one envelope type when the rule names one.
// Source filtering happens on message attributes.
func filterSubject(eventType string) string {
	if eventType == "" || eventType == subscriber.Wildcard {
		return messaging.SubjectObjectEvents + ".>"
	}
	return messaging.ObjectEventSubject(eventType)
}
