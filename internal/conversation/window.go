// Package conversation stores WhatsApp conversations and their messages.
// The customer's last inbound message drives the 24-hour free-text window:
// outside it only pre-approved templates may be sent.
package conversation

import "time"

// FreeTextWindow is the WhatsApp Business customer service window: free-form
// replies are only allowed within this duration of the customer's last
// inbound message.
const FreeTextWindow = 24 * time.Hour

// WithinFreeTextWindow reports whether a free-text send is allowed at the
// given time. A nil lastInbound means the customer never wrote in, so the
// window was never opened.
func WithinFreeTextWindow(lastInbound *time.Time, now time.Time) bool {
	if lastInbound == nil {
		return false
	}
	return now.Sub(*lastInbound) < FreeTextWindow
}
