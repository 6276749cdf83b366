package dispatch

import (
	"testing"
	"time"

	"glanswerk_backend/internal/outbox"
)

func TestNextDelayEmailBackoffIsMonotonic(t *testing.T) {
	policy := DefaultRetryPolicy()

	var prev time.Duration
	for attempts := 0; attempts < 5; attempts++ {
		delay := policy.NextDelay(outbox.ChannelEmail, attempts)
		if delay <= prev {
			t.Fatalf("delay after %d attempts = %v, want > %v", attempts, delay, prev)
		}
		prev = delay
	}
}

func TestNextDelayEmailFollowsBaseTimesMultiplier(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 60 * time.Second, Multiplier: 2}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
	}
	for _, tc := range cases {
		if got := policy.NextDelay(outbox.ChannelEmail, tc.attempts); got != tc.want {
			t.Errorf("NextDelay(email, %d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestNextDelayWhatsAppUsesFixedTiers(t *testing.T) {
	policy := DefaultRetryPolicy()

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 15 * time.Minute},
		{2, 60 * time.Minute},
		{7, 60 * time.Minute}, // clamped to the last tier
	}
	for _, tc := range cases {
		for _, channel := range []outbox.Channel{outbox.ChannelWhatsAppTemplate, outbox.ChannelWhatsAppText} {
			if got := policy.NextDelay(channel, tc.attempts); got != tc.want {
				t.Errorf("NextDelay(%s, %d) = %v, want %v", channel, tc.attempts, got, tc.want)
			}
		}
	}
}

func TestNextDelayNegativeAttemptsClampsToBase(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Minute, Multiplier: 2}
	if got := policy.NextDelay(outbox.ChannelEmail, -3); got != time.Minute {
		t.Fatalf("NextDelay(email, -3) = %v, want %v", got, time.Minute)
	}
}
