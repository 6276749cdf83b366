package conversation

import (
	"testing"
	"time"
)

func TestWithinFreeTextWindow(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name        string
		lastInbound *time.Time
		want        bool
	}{
		{"no inbound message ever", nil, false},
		{"one hour ago", timePtr(now.Add(-time.Hour)), true},
		{"just inside the window", timePtr(now.Add(-FreeTextWindow + time.Minute)), true},
		{"exactly at the boundary", timePtr(now.Add(-FreeTextWindow)), false},
		{"thirty hours ago", timePtr(now.Add(-30 * time.Hour)), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := WithinFreeTextWindow(tc.lastInbound, now); got != tc.want {
				t.Fatalf("WithinFreeTextWindow = %v, want %v", got, tc.want)
			}
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }
