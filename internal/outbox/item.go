// Package outbox implements the durable notification queue. Every outbound
// notification is a row in notification_outbox; the dispatcher and the
// webhook reconciler are the only writers after insert.
package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a queue item.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusRetry      Status = "retry"
	StatusFailed     Status = "failed"
	StatusExhausted  Status = "exhausted"
)

// Terminal reports whether the status permits no further dispatch attempts.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusExhausted || s == StatusFailed
}

// Channel identifies the delivery channel of a queue item.
type Channel string

const (
	ChannelEmail            Channel = "email"
	ChannelWhatsAppTemplate Channel = "whatsapp_template"
	ChannelWhatsAppText     Channel = "whatsapp_text"
)

// Valid reports whether the channel is one of the known delivery channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWhatsAppTemplate, ChannelWhatsAppText:
		return true
	}
	return false
}

// TemplatePayload carries a pre-approved WhatsApp template send: the template
// name, its language and the ordered body parameters.
type TemplatePayload struct {
	Name     string   `json:"name"`
	Language string   `json:"language"`
	Params   []string `json:"params"`
}

// EmailPayload carries a rendered transactional email.
type EmailPayload struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// TextPayload carries a free-form WhatsApp text message. Free-text sends are
// only valid inside the 24-hour customer service window.
type TextPayload struct {
	Body string `json:"body"`
}

// Payload is a tagged union keyed by the item's channel: exactly one variant
// must be set, and it must match the channel.
type Payload struct {
	Template *TemplatePayload `json:"template,omitempty"`
	Email    *EmailPayload    `json:"email,omitempty"`
	Text     *TextPayload     `json:"text,omitempty"`
}

// Validate checks that the payload variant matches the channel.
func (p Payload) Validate(channel Channel) error {
	switch channel {
	case ChannelEmail:
		if p.Email == nil || p.Template != nil || p.Text != nil {
			return fmt.Errorf("email channel requires an email payload")
		}
		if p.Email.Subject == "" {
			return fmt.Errorf("email payload requires a subject")
		}
	case ChannelWhatsAppTemplate:
		if p.Template == nil || p.Email != nil || p.Text != nil {
			return fmt.Errorf("whatsapp_template channel requires a template payload")
		}
		if p.Template.Name == "" {
			return fmt.Errorf("template payload requires a template name")
		}
	case ChannelWhatsAppText:
		if p.Text == nil || p.Email != nil || p.Template != nil {
			return fmt.Errorf("whatsapp_text channel requires a text payload")
		}
		if p.Text.Body == "" {
			return fmt.Errorf("text payload requires a body")
		}
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}
	return nil
}

// Item is one queued (or completed) notification delivery.
// Rows are never deleted; terminal rows remain for audit.
type Item struct {
	ID             uuid.UUID
	IdempotencyKey string
	EntityType     string
	EntityID       string
	Channel        Channel
	Recipient      string
	Payload        Payload
	Status         Status
	Attempts       int
	MaxAttempts    int
	NextRetryAt    time.Time
	ExternalID     *string
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SentAt         *time.Time
}

// EnqueueParams describes a new queue item. The payload is immutable after
// creation; only delivery state mutates afterwards.
type EnqueueParams struct {
	IdempotencyKey string
	EntityType     string
	EntityID       string
	Channel        Channel
	Recipient      string
	Payload        Payload
	MaxAttempts    int // optional; defaults to the store's configured ceiling
}

// Validate rejects malformed enqueue requests before they reach the store.
func (p EnqueueParams) Validate() error {
	if p.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if p.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if !p.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", p.Channel)
	}
	return p.Payload.Validate(p.Channel)
}
