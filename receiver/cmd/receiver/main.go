package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telhawk-systems/objtrigger/common/config"
	"github.com/telhawk-systems/objtrigger/common/envelope"
	"github.com/telhawk-systems/objtrigger/common/logging"
	"github.com/telhawk-systems/objtrigger/receiver/internal/forwarder"
	"github.com/telhawk-systems/objtrigger/receiver/internal/handlers"
	"github.com/telhawk-systems/objtrigger/receiver/internal/ratelimit"
	"github.com/telhawk-systems/objtrigger/receiver/internal/server"
	"github.com/telhawk-systems/objtrigger/receiver/internal/service"

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
	rc := cfg.Receiver

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("receiver"))
	logging.SetDefault(logger)

	slog.Info("Starting receiver service",
		slog.Int("port", rc.Server.Port),
		slog.Any("suffixes", rc.Suffixes),
		slog.String("nats_url", cfg.NATS.URL),
		slog.String("log_level", cfg.Logging.Level),
	)

	js, err := natsclient.NewJetStreamClient(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          "objtrigger-receiver",
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	streamCfg := natsclient.ObjectEventsStreamNamed(cfg.NATS.Stream)
	if _, err := js.CreateOrUpdateStream(ctx, streamCfg); err != nil {
		cancel()
		log.Fatalf("Failed to initialize stream %s: %v", streamCfg.Name, err)
	}
	cancel()
	slog.Info("JetStream stream ready", slog.String("stream", streamCfg.Name))

	var rateLimiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}
	if rc.RateLimit.Enabled {
		limiter, err := ratelimit.NewRedisRateLimiter(cfg.Redis.URL, rc.RateLimit.Requests, rc.RateLimit.Window)
		if err != nil {
			slog.Warn("Failed to initialize Redis rate limiter, continuing without rate limiting", logging.Error(err))
		} else {
			rateLimiter = limiter
			slog.Info("Rate limiting enabled",
				slog.Int("requests", rc.RateLimit.Requests),
				slog.Duration("window", rc.RateLimit.Window),
			)
		}
	}
	defer rateLimiter.Close()

	fwd := forwarder.New(js, forwarder.Config{
		Timeout:         rc.Forwarder.Timeout,
		InitialInterval: rc.Forwarder.InitialInterval,
		Multiplier:      rc.Forwarder.Multiplier,
		MaxAttempts:     rc.Forwarder.MaxAttempts,
	}, logger.Logger)

	receiverService := service.NewReceiverService(
		envelope.NewCodec(rc.SourcePrefix),
		envelope.NewSuffixFilter(rc.Suffixes...),
		fwd,
		rateLimiter,
		service.Config{QueueCapacity: rc.Queue.Capacity, Workers: rc.Queue.Workers},
		logger.Logger,
	)

	handler := handlers.NewWebhookHandler(receiverService, js, rc.MaxBodySize, logger.Logger)
	router := server.NewRouter(handler, logger.Logger)

	srv := &http.Server{
		Addr:         rc.Server.Addr(),
		Handler:      router,
		ReadTimeout:  rc.Server.ReadTimeout,
		WriteTimeout: rc.Server.WriteTimeout,
		IdleTimeout:  rc.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Receiver listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down receiver...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), rc.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}
	if err := receiverService.Stop(shutdownCtx); err != nil {
		slog.Error("Forward queue not drained", logging.Error(err))
	}
	if err := js.Drain(); err != nil {
		slog.Error("Failed to drain NATS connection", logging.Error(err))
	}

	slog.Info("Receiver stopped")
}
