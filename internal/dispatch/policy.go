// Package dispatch implements the outbox dispatcher: it claims due queue
// items, calls the provider adapter for the item's channel and drives the
// queued/processing/sent/retry/exhausted state machine.
package dispatch

import (
	"time"

	"glanswerk_backend/internal/outbox"
)

// RetryPolicy computes the delay before the next attempt after a retryable
// failure. Email uses exponential backoff; the WhatsApp channels use fixed
// escalating tiers.
type RetryPolicy struct {
	BaseDelay     time.Duration
	Multiplier    int
	WhatsAppTiers []time.Duration
}

// DefaultRetryPolicy mirrors the production tuning: 60s base doubling for
// email, 5m/15m/60m tiers for WhatsApp.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:     time.Minute,
		Multiplier:    2,
		WhatsAppTiers: []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute},
	}
}

// NextDelay returns the backoff delay after a failed attempt.
// attemptsMade is the attempt count before the failing attempt (0-based), so
// the first failure of an email item yields BaseDelay, the second
// BaseDelay*Multiplier, and so on: strictly increasing per item.
func (p RetryPolicy) NextDelay(channel outbox.Channel, attemptsMade int) time.Duration {
	if attemptsMade < 0 {
		attemptsMade = 0
	}

	switch channel {
	case outbox.ChannelWhatsAppTemplate, outbox.ChannelWhatsAppText:
		if len(p.WhatsAppTiers) == 0 {
			break
		}
		idx := attemptsMade
		if idx >= len(p.WhatsAppTiers) {
			idx = len(p.WhatsAppTiers) - 1
		}
		return p.WhatsAppTiers[idx]
	}

	base := p.BaseDelay
	if base <= 0 {
		base = time.Minute
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := base
	for i := 0; i < attemptsMade; i++ {
		delay *= time.Duration(multiplier)
	}
	return delay
}
