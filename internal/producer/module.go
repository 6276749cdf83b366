// Package producer translates business events into outbox queue items. It
// subscribes to the domain event bus so the booking and subscription flows
// never talk to providers directly, and it exposes the HTTP surface for
// manual and operator-triggered sends.
package producer

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/google/uuid"

	"glanswerk_backend/internal/conversation"
	"glanswerk_backend/internal/dispatch"
	"glanswerk_backend/internal/events"
	apphttp "glanswerk_backend/internal/http"
	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/internal/provider"
	"glanswerk_backend/internal/scheduler"
	"glanswerk_backend/platform/config"
	"glanswerk_backend/platform/logger"
	"glanswerk_backend/platform/phone"
)

// Queue is the slice of the outbox repository the producer needs.
type Queue interface {
	Enqueue(ctx context.Context, p outbox.EnqueueParams) (outbox.Item, bool, error)
}

// BatchProcessor triggers a dispatch run, used for the best-effort immediate
// send after an enqueue and for the operator endpoint.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, limit int) (dispatch.Stats, error)
}

// ConversationStore is what the admin free-text send needs: the window check
// and recording the outbound message.
type ConversationStore interface {
	LastInboundAt(ctx context.Context, phoneNumber string) (*time.Time, error)
	AppendOutbound(ctx context.Context, conversationID uuid.UUID, body, externalID string) error
	GetByID(ctx context.Context, id uuid.UUID) (conversation.Conversation, error)
}

// ReminderScheduler schedules the booking reminder task; satisfied by the
// asynq scheduler client.
type ReminderScheduler interface {
	ScheduleBookingReminder(ctx context.Context, payload scheduler.BookingReminderPayload, runAt time.Time) error
}

// Module wires event subscriptions and HTTP routes for notification
// production.
type Module struct {
	queue         Queue
	dispatcher    BatchProcessor
	conversations ConversationStore
	whatsapp      []provider.Sender
	bus           events.Bus
	reminders     ReminderScheduler
	reminderLead  time.Duration
	operator      config.OperatorConfig
	log           *logger.Logger
}

func NewModule(queue Queue, dispatcher BatchProcessor, conversations ConversationStore, whatsapp []provider.Sender, bus events.Bus, reminders ReminderScheduler, reminderLead time.Duration, operator config.OperatorConfig, log *logger.Logger) *Module {
	return &Module{
		queue:         queue,
		dispatcher:    dispatcher,
		conversations: conversations,
		whatsapp:      whatsapp,
		bus:           bus,
		reminders:     reminders,
		reminderLead:  reminderLead,
		operator:      operator,
		log:           log,
	}
}

func (m *Module) Name() string { return "producer" }

// RegisterRoutes mounts the notification API routes.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	h := &handler{module: m}

	ctx.Protected.POST("/bookings/created", h.bookingCreated)
	ctx.Protected.POST("/notifications/send", h.sendNotification)
	ctx.Admin.POST("/whatsapp/send", h.adminWhatsAppSend)
	ctx.Admin.POST("/outbox/process", h.processOutbox)
}

// RegisterHandlers subscribes to the domain events that produce
// notifications.
func (m *Module) RegisterHandlers(bus *events.InMemoryBus) {
	bus.Subscribe(events.BookingCreated{}.EventName(), m)
	bus.Subscribe(events.BookingReminderDue{}.EventName(), m)
	bus.Subscribe(events.SubscriptionActivated{}.EventName(), m)
	bus.Subscribe(events.SubscriptionPaymentFailed{}.EventName(), m)
}

// Handle routes a domain event to its enqueue logic. Errors are joined so an
// asynq-delivered event can be retried; enqueue is idempotent so a retry
// never double-sends.
func (m *Module) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.BookingCreated:
		return m.handleBookingCreated(ctx, e)
	case events.BookingReminderDue:
		return m.handleBookingReminderDue(ctx, e)
	case events.SubscriptionActivated:
		return m.handleSubscriptionActivated(ctx, e)
	case events.SubscriptionPaymentFailed:
		return m.handleSubscriptionPaymentFailed(ctx, e)
	}
	return nil
}

func (m *Module) handleBookingCreated(ctx context.Context, e events.BookingCreated) error {
	var errs []error
	scheduled := formatScheduledAt(e.ScheduledAt)

	if e.CustomerEmail != "" {
		errs = append(errs, m.enqueue(ctx, outbox.EnqueueParams{
			IdempotencyKey: idempotencyKey(e.BookingID.String(), outbox.ChannelEmail, "booking_confirmation"),
			EntityType:     "booking",
			EntityID:       e.BookingID.String(),
			Channel:        outbox.ChannelEmail,
			Recipient:      e.CustomerEmail,
			Payload: outbox.Payload{Email: &outbox.EmailPayload{
				Subject: "Bevestiging van uw wasafspraak",
				HTML:    bookingConfirmationHTML(e.CustomerName, e.ServiceName, scheduled, e.Location),
			}},
		}))
	}

	if p := normalizedPhone(e.CustomerPhone); p != "" {
		errs = append(errs, m.enqueue(ctx, outbox.EnqueueParams{
			IdempotencyKey: idempotencyKey(e.BookingID.String(), outbox.ChannelWhatsAppTemplate, "booking_confirmation"),
			EntityType:     "booking",
			EntityID:       e.BookingID.String(),
			Channel:        outbox.ChannelWhatsAppTemplate,
			Recipient:      p,
			Payload: outbox.Payload{Template: &outbox.TemplatePayload{
				Name:     "booking_confirmation",
				Language: "nl",
				Params:   []string{e.CustomerName, e.ServiceName, scheduled, e.Location},
			}},
		}))
	}

	errs = append(errs, m.notifyOperator(ctx, "booking", e.BookingID.String(),
		"Nieuwe boeking",
		fmt.Sprintf("Nieuwe boeking: %s, %s op %s (%s).", e.CustomerName, e.ServiceName, scheduled, e.Location)))

	return errors.Join(errs...)
}

func (m *Module) handleBookingReminderDue(ctx context.Context, e events.BookingReminderDue) error {
	var errs []error
	scheduled := formatScheduledAt(e.ScheduledAt)

	if p := normalizedPhone(e.CustomerPhone); p != "" {
		errs = append(errs, m.enqueue(ctx, outbox.EnqueueParams{
			IdempotencyKey: idempotencyKey(e.BookingID.String(), outbox.ChannelWhatsAppTemplate, "booking_reminder"),
			EntityType:     "booking",
			EntityID:       e.BookingID.String(),
			Channel:        outbox.ChannelWhatsAppTemplate,
			Recipient:      p,
			Payload: outbox.Payload{Template: &outbox.TemplatePayload{
				Name:     "booking_reminder",
				Language: "nl",
				Params:   []string{e.CustomerName, e.ServiceName, e.ScheduledAt.Format("15:04")},
			}},
		}))
	}

	if e.CustomerEmail != "" {
		errs = append(errs, m.enqueue(ctx, outbox.EnqueueParams{
			IdempotencyKey: idempotencyKey(e.BookingID.String(), outbox.ChannelEmail, "booking_reminder"),
			EntityType:     "booking",
			EntityID:       e.BookingID.String(),
			Channel:        outbox.ChannelEmail,
			Recipient:      e.CustomerEmail,
			Payload: outbox.Payload{Email: &outbox.EmailPayload{
				Subject: "Herinnering: uw wasafspraak",
				HTML:    bookingReminderHTML(e.CustomerName, e.ServiceName, scheduled, e.Location),
			}},
		}))
	}

	return errors.Join(errs...)
}

func (m *Module) handleSubscriptionActivated(ctx context.Context, e events.SubscriptionActivated) error {
	var errs []error

	if e.CustomerEmail != "" {
		errs = append(errs, m.enqueue(ctx, outbox.EnqueueParams{
			IdempotencyKey: idempotencyKey(e.SubscriptionID.String(), outbox.ChannelEmail, "subscription_activated"),
			EntityType:     "subscription",
			EntityID:       e.SubscriptionID.String(),
			Channel:        outbox.ChannelEmail,
			Recipient:      e.CustomerEmail,
			Payload: outbox.Payload{Email: &outbox.EmailPayload{
				Subject: "Uw wasabonnement is actief",
				HTML:    subscriptionActivatedHTML(e.CustomerName, e.PlanName),
			}},
		}))
	}

	if p := normalizedPhone(e.CustomerPhone); p != "" {
		errs = append(errs, m.enqueue(ctx, outbox.EnqueueParams{
			IdempotencyKey: idempotencyKey(e.SubscriptionID.String(), outbox.ChannelWhatsAppTemplate, "subscription_activated"),
			EntityType:     "subscription",
			EntityID:       e.SubscriptionID.String(),
			Channel:        outbox.ChannelWhatsAppTemplate,
			Recipient:      p,
			Payload: outbox.Payload{Template: &outbox.TemplatePayload{
				Name:     "subscription_activated",
				Language: "nl",
				Params:   []string{e.CustomerName, e.PlanName},
			}},
		}))
	}

	return errors.Join(errs...)
}

func (m *Module) handleSubscriptionPaymentFailed(ctx context.Context, e events.SubscriptionPaymentFailed) error {
	var errs []error
	reason := e.Reason
	if reason == "" {
		reason = "onbekende reden"
	}

	if e.CustomerEmail != "" {
		errs = append(errs, m.enqueue(ctx, outbox.EnqueueParams{
			IdempotencyKey: idempotencyKey(e.SubscriptionID.String(), outbox.ChannelEmail, "payment_failed"),
			EntityType:     "subscription",
			EntityID:       e.SubscriptionID.String(),
			Channel:        outbox.ChannelEmail,
			Recipient:      e.CustomerEmail,
			Payload: outbox.Payload{Email: &outbox.EmailPayload{
				Subject: "Incasso mislukt voor uw wasabonnement",
				HTML:    paymentFailedHTML(e.CustomerName, e.PlanName, reason),
			}},
		}))
	}

	if p := normalizedPhone(e.CustomerPhone); p != "" {
		errs = append(errs, m.enqueue(ctx, outbox.EnqueueParams{
			IdempotencyKey: idempotencyKey(e.SubscriptionID.String(), outbox.ChannelWhatsAppTemplate, "payment_failed"),
			EntityType:     "subscription",
			EntityID:       e.SubscriptionID.String(),
			Channel:        outbox.ChannelWhatsAppTemplate,
			Recipient:      p,
			Payload: outbox.Payload{Template: &outbox.TemplatePayload{
				Name:     "payment_failed",
				Language: "nl",
				Params:   []string{e.CustomerName, e.PlanName, reason},
			}},
		}))
	}

	errs = append(errs, m.notifyOperator(ctx, "subscription", e.SubscriptionID.String(),
		"Incasso mislukt",
		fmt.Sprintf("Incasso mislukt voor abonnement %s van %s: %s.", e.PlanName, e.CustomerName, reason)))

	return errors.Join(errs...)
}

// notifyOperator enqueues a heads-up for the business operator on the
// configured contact channels. Both destinations are optional.
func (m *Module) notifyOperator(ctx context.Context, entityType, entityID, subject, body string) error {
	if m.operator == nil {
		return nil
	}
	var errs []error

	if addr := m.operator.GetOperatorEmail(); addr != "" {
		errs = append(errs, m.enqueue(ctx, outbox.EnqueueParams{
			IdempotencyKey: idempotencyKey(entityID, outbox.ChannelEmail, "operator"),
			EntityType:     entityType,
			EntityID:       entityID,
			Channel:        outbox.ChannelEmail,
			Recipient:      addr,
			Payload: outbox.Payload{Email: &outbox.EmailPayload{
				Subject: subject,
				HTML:    operatorHTML(subject, body),
			}},
		}))
	}

	if p := normalizedPhone(m.operator.GetOperatorWhatsApp()); p != "" {
		errs = append(errs, m.enqueue(ctx, outbox.EnqueueParams{
			IdempotencyKey: idempotencyKey(entityID, outbox.ChannelWhatsAppText, "operator"),
			EntityType:     entityType,
			EntityID:       entityID,
			Channel:        outbox.ChannelWhatsAppText,
			Recipient:      p,
			Payload:        outbox.Payload{Text: &outbox.TextPayload{Body: body}},
		}))
	}

	return errors.Join(errs...)
}

// enqueue inserts one queue item and logs the outcome. A duplicate
// idempotency key is success, not an error.
func (m *Module) enqueue(ctx context.Context, params outbox.EnqueueParams) error {
	item, created, err := m.queue.Enqueue(ctx, params)
	if err != nil {
		m.log.Error("notification enqueue failed",
			"idempotency_key", params.IdempotencyKey,
			"channel", string(params.Channel),
			"error", err.Error())
		return fmt.Errorf("enqueue %s: %w", params.IdempotencyKey, err)
	}
	if !created {
		m.log.Debug("notification already queued",
			"idempotency_key", params.IdempotencyKey,
			"item_id", item.ID.String())
	}
	return nil
}

func idempotencyKey(entityID string, channel outbox.Channel, template string) string {
	return fmt.Sprintf("%s:%s:%s", entityID, channel, template)
}

func normalizedPhone(raw string) string {
	if raw == "" {
		return ""
	}
	return phone.NormalizeE164(raw)
}

func formatScheduledAt(t time.Time) string {
	return t.Format("02-01-2006 15:04")
}

func bookingConfirmationHTML(name, service, scheduled, location string) string {
	return fmt.Sprintf(
		"<p>Beste %s,</p><p>Uw wasafspraak voor <strong>%s</strong> op <strong>%s</strong> bij %s is bevestigd.</p><p>Tot dan!</p>",
		html.EscapeString(name), html.EscapeString(service), html.EscapeString(scheduled), html.EscapeString(location))
}

func bookingReminderHTML(name, service, scheduled, location string) string {
	return fmt.Sprintf(
		"<p>Beste %s,</p><p>Een herinnering: uw wasafspraak voor <strong>%s</strong> is op <strong>%s</strong> bij %s.</p>",
		html.EscapeString(name), html.EscapeString(service), html.EscapeString(scheduled), html.EscapeString(location))
}

func subscriptionActivatedHTML(name, plan string) string {
	return fmt.Sprintf(
		"<p>Beste %s,</p><p>Uw wasabonnement <strong>%s</strong> is actief. Veel wasplezier!</p>",
		html.EscapeString(name), html.EscapeString(plan))
}

func paymentFailedHTML(name, plan, reason string) string {
	return fmt.Sprintf(
		"<p>Beste %s,</p><p>De incasso voor uw abonnement <strong>%s</strong> is mislukt: %s.</p><p>Werk uw betaalgegevens bij om onderbreking te voorkomen.</p>",
		html.EscapeString(name), html.EscapeString(plan), html.EscapeString(reason))
}

func operatorHTML(subject, body string) string {
	return fmt.Sprintf("<p><strong>%s</strong></p><p>%s</p>",
		html.EscapeString(subject), html.EscapeString(body))
}
