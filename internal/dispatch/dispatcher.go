package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"glanswerk_backend/internal/conversation"
	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/internal/provider"
	"glanswerk_backend/platform/config"
	"glanswerk_backend/platform/logger"
)

// Store is the slice of the outbox repository the dispatcher needs.
type Store interface {
	ClaimDue(ctx context.Context, limit int) ([]outbox.Item, error)
	MarkSent(ctx context.Context, id uuid.UUID, externalID string) error
	MarkRetry(ctx context.Context, id uuid.UUID, lastError string, nextRetryAt time.Time) error
	MarkExhausted(ctx context.Context, id uuid.UUID, lastError string) error
	RequeueOrphans(ctx context.Context, olderThan time.Duration) (int64, error)
}

// WindowReader reports when a phone number last messaged us, for the
// 24-hour free-text window check.
type WindowReader interface {
	LastInboundAt(ctx context.Context, phone string) (*time.Time, error)
}

// Stats summarizes one dispatcher batch.
type Stats struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
}

// Dispatcher claims due outbox items and delivers them through the
// registered provider adapters. Multiple dispatchers may run against the
// same database; the claim query guarantees each item is handled by at
// most one of them.
type Dispatcher struct {
	store   Store
	windows WindowReader
	senders map[outbox.Channel][]provider.Sender
	policy  RetryPolicy

	batchSize     int
	claimInterval time.Duration
	orphanTimeout time.Duration

	log *logger.Logger
	now func() time.Time
}

// New builds a dispatcher from the configured tuning. The senders map lists
// the adapters per channel in preference order; later entries are fallbacks
// tried when the preferred adapter is absent or reports it is not configured.
func New(store Store, windows WindowReader, senders map[outbox.Channel][]provider.Sender, cfg config.OutboxConfig, log *logger.Logger) *Dispatcher {
	policy := DefaultRetryPolicy()
	if cfg != nil {
		if d := cfg.GetOutboxBaseDelay(); d > 0 {
			policy.BaseDelay = d
		}
		if m := cfg.GetOutboxBackoffMultiplier(); m > 1 {
			policy.Multiplier = m
		}
		if tiers := cfg.GetWhatsAppRetryTiers(); len(tiers) > 0 {
			policy.WhatsAppTiers = tiers
		}
	}

	d := &Dispatcher{
		store:         store,
		windows:       windows,
		senders:       senders,
		policy:        policy,
		batchSize:     25,
		claimInterval: 15 * time.Second,
		orphanTimeout: 10 * time.Minute,
		log:           log,
		now:           time.Now,
	}
	if cfg != nil {
		if n := cfg.GetOutboxBatchSize(); n > 0 {
			d.batchSize = n
		}
		if iv := cfg.GetOutboxClaimInterval(); iv > 0 {
			d.claimInterval = iv
		}
		if to := cfg.GetOutboxOrphanTimeout(); to > 0 {
			d.orphanTimeout = to
		}
	}
	return d
}

// Run processes batches on a fixed interval until the context is cancelled.
// Each tick first requeues orphaned rows, then claims and delivers a batch.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil {
		return fmt.Errorf("dispatcher is not initialized")
	}

	ticker := time.NewTicker(d.claimInterval)
	defer ticker.Stop()

	d.log.Info("dispatcher started",
		"interval", d.claimInterval.String(),
		"batch_size", d.batchSize)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if n, err := d.store.RequeueOrphans(ctx, d.orphanTimeout); err != nil {
				d.log.DatabaseError("outbox.requeue_orphans", err)
			} else if n > 0 {
				d.log.Warn("requeued orphaned outbox items", "count", n)
			}

			if _, err := d.ProcessBatch(ctx, d.batchSize); err != nil {
				d.log.Error("outbox batch failed", "error", err.Error())
			}
		}
	}
}

// ProcessBatch claims up to limit due items and attempts delivery for each.
// A failure on one item never aborts the rest of the batch.
func (d *Dispatcher) ProcessBatch(ctx context.Context, limit int) (Stats, error) {
	if d == nil {
		return Stats{}, fmt.Errorf("dispatcher is not initialized")
	}
	if limit <= 0 {
		limit = d.batchSize
	}

	items, err := d.store.ClaimDue(ctx, limit)
	if err != nil {
		return Stats{}, fmt.Errorf("claim due items: %w", err)
	}

	var stats Stats
	for _, item := range items {
		stats.Processed++
		switch d.deliver(ctx, item) {
		case outbox.StatusSent:
			stats.Sent++
		case outbox.StatusRetry:
			stats.Retrying++
		default:
			stats.Failed++
		}
	}
	return stats, nil
}

// deliver attempts a single item and records the outcome, returning the
// status the item transitioned to. Panics in a provider adapter are
// contained and treated as retryable failures.
func (d *Dispatcher) deliver(ctx context.Context, item outbox.Item) (outcome outbox.Status) {
	defer func() {
		if r := recover(); r != nil {
			outcome = d.fail(ctx, item, provider.NewRetryable(provider.CodeUpstream, fmt.Sprintf("panic during delivery: %v", r)))
		}
	}()

	if item.Channel == outbox.ChannelWhatsAppText {
		if err := d.checkFreeTextWindow(ctx, item.Recipient); err != nil {
			return d.fail(ctx, item, err)
		}
	}

	result, err := d.send(ctx, item)
	if err != nil {
		return d.fail(ctx, item, err)
	}

	if err := d.store.MarkSent(ctx, item.ID, result.ExternalID); err != nil {
		d.log.DatabaseError("outbox.mark_sent", err)
		return outbox.StatusProcessing
	}
	d.log.DeliveryAttempt(item.ID.String(), string(item.Channel), string(outbox.StatusSent), item.Attempts+1, "")
	return outbox.StatusSent
}

// send walks the adapters registered for the item's channel in order. An
// adapter reporting CodeNotConfigured yields to the next one; any other
// outcome is final for this attempt.
func (d *Dispatcher) send(ctx context.Context, item outbox.Item) (provider.Result, error) {
	senders := d.senders[item.Channel]
	if len(senders) == 0 {
		return provider.Result{}, provider.NewRetryable(provider.CodeNotConfigured, fmt.Sprintf("no provider registered for channel %s", item.Channel))
	}

	var lastErr error
	for _, s := range senders {
		if s == nil {
			continue
		}
		result, err := s.Send(ctx, item)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perr *provider.Error
		if errors.As(err, &perr) && perr.Code == provider.CodeNotConfigured {
			continue
		}
		return provider.Result{}, err
	}
	if lastErr == nil {
		lastErr = provider.NewRetryable(provider.CodeNotConfigured, fmt.Sprintf("no usable provider for channel %s", item.Channel))
	}
	return provider.Result{}, lastErr
}

// checkFreeTextWindow rejects free-form WhatsApp sends outside the 24-hour
// customer-service window before spending a provider call on them.
func (d *Dispatcher) checkFreeTextWindow(ctx context.Context, phone string) error {
	if d.windows == nil {
		return nil
	}
	lastInbound, err := d.windows.LastInboundAt(ctx, phone)
	if err != nil {
		// Window state being unreadable is a transient store problem,
		// not a delivery verdict.
		return provider.NewRetryable(provider.CodeUpstream, fmt.Sprintf("read conversation window: %v", err))
	}
	if !conversation.WithinFreeTextWindow(lastInbound, d.now()) {
		return provider.WindowExpired("24-hour free-text window has expired; use a template message")
	}
	return nil
}

// fail records a failed attempt, scheduling a retry when the error is
// retryable and attempts remain, and exhausting the item otherwise.
func (d *Dispatcher) fail(ctx context.Context, item outbox.Item, sendErr error) outbox.Status {
	attemptsMade := item.Attempts + 1

	if provider.IsRetryable(sendErr) && attemptsMade < item.MaxAttempts {
		delay := d.policy.NextDelay(item.Channel, item.Attempts)
		nextRetryAt := d.now().Add(delay)
		if err := d.store.MarkRetry(ctx, item.ID, sendErr.Error(), nextRetryAt); err != nil {
			d.log.DatabaseError("outbox.mark_retry", err)
			return outbox.StatusProcessing
		}
		d.log.DeliveryAttempt(item.ID.String(), string(item.Channel), string(outbox.StatusRetry), attemptsMade, sendErr.Error())
		return outbox.StatusRetry
	}

	if err := d.store.MarkExhausted(ctx, item.ID, sendErr.Error()); err != nil {
		d.log.DatabaseError("outbox.mark_exhausted", err)
		return outbox.StatusProcessing
	}
	d.log.DeliveryAttempt(item.ID.String(), string(item.Channel), string(outbox.StatusExhausted), attemptsMade, sendErr.Error())
	return outbox.StatusExhausted
}
