package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"glanswerk_backend/internal/conversation"
	"glanswerk_backend/internal/dispatch"
	"glanswerk_backend/internal/events"
	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/internal/producer"
	"glanswerk_backend/internal/provider"
	"glanswerk_backend/internal/scheduler"
	"glanswerk_backend/platform/config"
	"glanswerk_backend/platform/db"
	"glanswerk_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting dispatcher", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	eventBus := events.NewInMemoryBus(log)

	outboxRepo := outbox.New(pool, cfg.GetOutboxMaxAttempts())
	conversationRepo := conversation.New(pool)

	meta := provider.NewMetaClient(cfg, log)
	twilio := provider.NewTwilioClient(cfg, log)
	brevo := provider.NewBrevoClient(cfg, log)
	smtp := provider.NewSMTPClient(cfg, log)

	senders := map[outbox.Channel][]provider.Sender{
		outbox.ChannelEmail:            {brevo, smtp},
		outbox.ChannelWhatsAppTemplate: {meta, twilio},
		outbox.ChannelWhatsAppText:     {meta, twilio},
	}

	dispatcher := dispatch.New(outboxRepo, conversationRepo, senders, cfg, log)

	// The producer subscribes here too: due booking reminders published by
	// the asynq worker must land in the outbox from this process.
	producerModule := producer.NewModule(
		outboxRepo,
		dispatcher,
		conversationRepo,
		[]provider.Sender{meta, twilio},
		eventBus,
		nil,
		0,
		cfg,
		log,
	)
	producerModule.RegisterHandlers(eventBus)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := dispatcher.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.GetRedisURL() != "" {
		worker, err := scheduler.NewWorker(cfg, eventBus, log)
		if err != nil {
			log.Error("failed to initialize scheduler worker", "error", err)
			panic("failed to initialize scheduler worker: " + err.Error())
		}
		group.Go(func() error {
			worker.Run(groupCtx)
			return nil
		})
	} else {
		log.Warn("REDIS_URL not configured; booking reminder worker disabled")
	}

	if err := group.Wait(); err != nil {
		log.Error("dispatcher stopped with error", "error", err)
		panic("dispatcher stopped with error: " + err.Error())
	}
	log.Info("dispatcher stopped")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
