package producer

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"glanswerk_backend/internal/events"
	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/platform/logger"

	"github.com/google/uuid"
)

type fakeQueue struct {
	enqueued []outbox.EnqueueParams
	existing map[string]bool
	failWith error
}

func (q *fakeQueue) Enqueue(_ context.Context, p outbox.EnqueueParams) (outbox.Item, bool, error) {
	if q.failWith != nil {
		return outbox.Item{}, false, q.failWith
	}
	if err := p.Validate(); err != nil {
		return outbox.Item{}, false, err
	}
	created := !q.existing[p.IdempotencyKey]
	if q.existing == nil {
		q.existing = make(map[string]bool)
	}
	q.existing[p.IdempotencyKey] = true
	q.enqueued = append(q.enqueued, p)
	return outbox.Item{ID: uuid.New(), IdempotencyKey: p.IdempotencyKey, Channel: p.Channel}, created, nil
}

type testOperatorConfig struct {
	email    string
	whatsapp string
}

func (c testOperatorConfig) GetOperatorEmail() string    { return c.email }
func (c testOperatorConfig) GetOperatorWhatsApp() string { return c.whatsapp }

func newTestModule(queue *fakeQueue, operator testOperatorConfig) *Module {
	return NewModule(queue, nil, nil, nil, nil, nil, 0, operator, logger.New("development"))
}

func bookingCreatedEvent(id uuid.UUID) events.BookingCreated {
	return events.BookingCreated{
		BaseEvent:     events.NewBaseEvent(),
		BookingID:     id,
		CustomerName:  "Jan de Vries",
		CustomerEmail: "jan@example.com",
		CustomerPhone: "0612345678",
		ServiceName:   "Binnen & Buiten",
		ScheduledAt:   time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC),
		Location:      "Glanswerk Utrecht",
	}
}

func keysOf(params []outbox.EnqueueParams) []string {
	keys := make([]string, 0, len(params))
	for _, p := range params {
		keys = append(keys, p.IdempotencyKey)
	}
	sort.Strings(keys)
	return keys
}

func TestBookingCreatedEnqueuesPerChannelWithStableKeys(t *testing.T) {
	queue := &fakeQueue{}
	m := newTestModule(queue, testOperatorConfig{email: "ops@glanswerk.nl", whatsapp: "+31687654321"})

	bookingID := uuid.New()
	if err := m.Handle(context.Background(), bookingCreatedEvent(bookingID)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	want := []string{
		bookingID.String() + ":email:booking_confirmation",
		bookingID.String() + ":email:operator",
		bookingID.String() + ":whatsapp_template:booking_confirmation",
		bookingID.String() + ":whatsapp_text:operator",
	}
	sort.Strings(want)

	got := keysOf(queue.enqueued)
	if len(got) != len(want) {
		t.Fatalf("enqueued keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("enqueued keys = %v, want %v", got, want)
		}
	}
}

func TestBookingCreatedIsIdempotentAcrossRedelivery(t *testing.T) {
	queue := &fakeQueue{}
	m := newTestModule(queue, testOperatorConfig{})

	event := bookingCreatedEvent(uuid.New())
	if err := m.Handle(context.Background(), event); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	first := len(queue.enqueued)

	// A duplicate event delivery re-enqueues with the same keys; the store
	// absorbs them, and the handler must not report an error.
	if err := m.Handle(context.Background(), event); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if len(queue.enqueued) != first*2 {
		t.Fatalf("second delivery enqueued %d items, want %d", len(queue.enqueued)-first, first)
	}
	for _, p := range queue.enqueued[first:] {
		if !queue.existing[p.IdempotencyKey] {
			t.Fatal("redelivered keys must match the first delivery")
		}
	}
}

func TestBookingCreatedSkipsMissingContactDetails(t *testing.T) {
	queue := &fakeQueue{}
	m := newTestModule(queue, testOperatorConfig{})

	event := bookingCreatedEvent(uuid.New())
	event.CustomerEmail = ""
	event.CustomerPhone = ""

	if err := m.Handle(context.Background(), event); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(queue.enqueued) != 0 {
		t.Fatalf("enqueued %d items, want 0 with no contact details and no operator config", len(queue.enqueued))
	}
}

func TestBookingReminderDueUsesReminderTemplate(t *testing.T) {
	queue := &fakeQueue{}
	m := newTestModule(queue, testOperatorConfig{})

	bookingID := uuid.New()
	event := events.BookingReminderDue{
		BaseEvent:     events.NewBaseEvent(),
		BookingID:     bookingID,
		CustomerName:  "Jan",
		CustomerPhone: "+31612345678",
		ServiceName:   "Wasbeurt",
		ScheduledAt:   time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC),
	}
	if err := m.Handle(context.Background(), event); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(queue.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1 (whatsapp only, no email on event)", len(queue.enqueued))
	}
	p := queue.enqueued[0]
	if p.Channel != outbox.ChannelWhatsAppTemplate {
		t.Fatalf("channel = %s, want whatsapp_template", p.Channel)
	}
	if p.Payload.Template.Name != "booking_reminder" {
		t.Fatalf("template = %s, want booking_reminder", p.Payload.Template.Name)
	}
	if len(p.Payload.Template.Params) != 3 {
		t.Fatalf("params = %v, want 3 ordered params", p.Payload.Template.Params)
	}
}

func TestSubscriptionPaymentFailedNotifiesCustomerAndOperator(t *testing.T) {
	queue := &fakeQueue{}
	m := newTestModule(queue, testOperatorConfig{email: "ops@glanswerk.nl"})

	subscriptionID := uuid.New()
	event := events.SubscriptionPaymentFailed{
		BaseEvent:      events.NewBaseEvent(),
		SubscriptionID: subscriptionID,
		PlanName:       "Onbeperkt Wassen",
		CustomerName:   "Jan",
		CustomerEmail:  "jan@example.com",
		Reason:         "saldo ontoereikend",
	}
	if err := m.Handle(context.Background(), event); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	channels := map[string]int{}
	for _, p := range queue.enqueued {
		channels[p.EntityType+"/"+string(p.Channel)]++
	}
	if channels["subscription/email"] != 2 {
		t.Fatalf("expected customer + operator email, got %v", channels)
	}
}

func TestEnqueueFailureIsReportedButLoggedPerItem(t *testing.T) {
	queue := &fakeQueue{failWith: context.DeadlineExceeded}
	m := newTestModule(queue, testOperatorConfig{})

	if err := m.Handle(context.Background(), bookingCreatedEvent(uuid.New())); err == nil {
		t.Fatal("expected joined enqueue errors so asynq can retry the event")
	}
}

func TestBuildEnqueueParamsRejectsBadInput(t *testing.T) {
	if _, err := buildEnqueueParams("booking", "b-1", outbox.ChannelWhatsAppTemplate, sendNotificationRequest{
		Recipient:    "not-a-phone",
		TemplateName: "booking_confirmation",
	}); err == nil {
		t.Fatal("invalid phone must be rejected")
	}

	if _, err := buildEnqueueParams("booking", "b-1", outbox.ChannelWhatsAppTemplate, sendNotificationRequest{
		Recipient:    "+31612345678",
		TemplateName: "definitely_not_approved",
	}); err == nil {
		t.Fatal("unknown template must be rejected")
	}

	if _, err := buildEnqueueParams("booking", "b-1", outbox.Channel("sms"), sendNotificationRequest{
		Recipient: "+31612345678",
	}); err == nil {
		t.Fatal("unknown channel must be rejected")
	}

	params, err := buildEnqueueParams("booking", "b-1", outbox.ChannelEmail, sendNotificationRequest{
		Recipient: "klant@example.com",
		Subject:   "Test",
		HTML:      "<p>test</p>",
	})
	if err != nil {
		t.Fatalf("valid email request rejected: %v", err)
	}
	if !strings.HasPrefix(params.IdempotencyKey, "b-1:email:manual-") {
		t.Fatalf("idempotency key = %q, want a manual key with content digest", params.IdempotencyKey)
	}
}

func TestManualEmailKeyVariesWithContent(t *testing.T) {
	build := func(subject, html string) string {
		t.Helper()
		params, err := buildEnqueueParams("booking", "b-1", outbox.ChannelEmail, sendNotificationRequest{
			Recipient: "klant@example.com",
			Subject:   subject,
			HTML:      html,
		})
		if err != nil {
			t.Fatalf("buildEnqueueParams: %v", err)
		}
		return params.IdempotencyKey
	}

	first := build("Factuur", "<p>eerste</p>")
	second := build("Factuur", "<p>tweede</p>")
	if first == second {
		t.Fatal("different manual emails for one entity must not share an idempotency key")
	}

	// The same content stays idempotent across redelivery.
	if again := build("Factuur", "<p>eerste</p>"); again != first {
		t.Fatalf("key changed for identical content: %q vs %q", again, first)
	}

	// An explicit template name keeps the plain key shape.
	params, err := buildEnqueueParams("booking", "b-1", outbox.ChannelEmail, sendNotificationRequest{
		Recipient:    "klant@example.com",
		TemplateName: "booking_confirmation",
		Subject:      "Bevestiging",
		HTML:         "<p>bevestigd</p>",
	})
	if err != nil {
		t.Fatalf("buildEnqueueParams: %v", err)
	}
	if params.IdempotencyKey != "b-1:email:booking_confirmation" {
		t.Fatalf("idempotency key = %q", params.IdempotencyKey)
	}
}
