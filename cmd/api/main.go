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
	apphttp "glanswerk_backend/internal/http"
	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/internal/producer"
	"glanswerk_backend/internal/provider"
	"glanswerk_backend/internal/scheduler"
	"glanswerk_backend/internal/webhook"
	"glanswerk_backend/platform/config"
	"glanswerk_backend/platform/db"
	"glanswerk_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting api", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, "migrations")
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

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
	log.Info("database connection established")

	eventBus := events.NewInMemoryBus(log)

	reminderScheduler, closeScheduler := initReminderScheduler(cfg, log)
	if closeScheduler != nil {
		defer closeScheduler()
	}

	outboxRepo := outbox.New(pool, cfg.GetOutboxMaxAttempts())
	conversationRepo := conversation.New(pool)

	meta := provider.NewMetaClient(cfg, log)
	twilio := provider.NewTwilioClient(cfg, log)
	brevo := provider.NewBrevoClient(cfg, log)
	smtp := provider.NewSMTPClient(cfg, log)

	// Preference order per channel: Brevo before SMTP, Meta before Twilio.
	senders := map[outbox.Channel][]provider.Sender{
		outbox.ChannelEmail:            {brevo, smtp},
		outbox.ChannelWhatsAppTemplate: {meta, twilio},
		outbox.ChannelWhatsAppText:     {meta, twilio},
	}

	// The API process carries a dispatcher for the operator trigger and the
	// best-effort immediate send; the periodic loop runs in cmd/dispatcher.
	dispatcher := dispatch.New(outboxRepo, conversationRepo, senders, cfg, log)

	producerModule := producer.NewModule(
		outboxRepo,
		dispatcher,
		conversationRepo,
		[]provider.Sender{meta, twilio},
		eventBus,
		reminderScheduler,
		cfg.GetBookingReminderLead(),
		cfg,
		log,
	)
	producerModule.RegisterHandlers(eventBus)

	webhookModule := webhook.NewModule(outboxRepo, conversationRepo, eventBus, cfg, log)

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   db.NewPoolAdapter(pool),
		EventBus: eventBus,
		Modules: []apphttp.Module{
			producerModule,
			webhookModule,
		},
	}

	engine := apphttp.NewRouter(app)

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- engine.Run(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
	case err := <-srvErr:
		if err != nil {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func initReminderScheduler(cfg config.SchedulerConfig, log *logger.Logger) (producer.ReminderScheduler, func()) {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; booking reminders disabled")
		return nil, nil
	}

	reminderClient, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize reminder scheduler client", "error", err)
		return nil, nil
	}

	return reminderClient, func() {
		_ = reminderClient.Close()
	}
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
