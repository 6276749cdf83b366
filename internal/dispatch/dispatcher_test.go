package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/internal/provider"
	"glanswerk_backend/platform/logger"

	"github.com/google/uuid"
)

type retryCall struct {
	lastError   string
	nextRetryAt time.Time
}

type fakeStore struct {
	due       []outbox.Item
	claimErr  error
	sent      map[uuid.UUID]string
	retries   map[uuid.UUID]retryCall
	exhausted map[uuid.UUID]string
	requeued  int64
}

func newFakeStore(due ...outbox.Item) *fakeStore {
	return &fakeStore{
		due:       due,
		sent:      make(map[uuid.UUID]string),
		retries:   make(map[uuid.UUID]retryCall),
		exhausted: make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) ClaimDue(_ context.Context, limit int) ([]outbox.Item, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if limit > len(s.due) {
		limit = len(s.due)
	}
	claimed := s.due[:limit]
	s.due = s.due[limit:]
	for i := range claimed {
		claimed[i].Status = outbox.StatusProcessing
	}
	return claimed, nil
}

func (s *fakeStore) MarkSent(_ context.Context, id uuid.UUID, externalID string) error {
	s.sent[id] = externalID
	return nil
}

func (s *fakeStore) MarkRetry(_ context.Context, id uuid.UUID, lastError string, nextRetryAt time.Time) error {
	s.retries[id] = retryCall{lastError: lastError, nextRetryAt: nextRetryAt}
	return nil
}

func (s *fakeStore) MarkExhausted(_ context.Context, id uuid.UUID, lastError string) error {
	s.exhausted[id] = lastError
	return nil
}

func (s *fakeStore) RequeueOrphans(_ context.Context, _ time.Duration) (int64, error) {
	return s.requeued, nil
}

type fakeSender struct {
	name  string
	id    string
	err   error
	calls int
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(_ context.Context, _ outbox.Item) (provider.Result, error) {
	f.calls++
	if f.err != nil {
		return provider.Result{}, f.err
	}
	return provider.Result{ExternalID: f.id}, nil
}

type fakeWindows struct {
	lastInbound map[string]*time.Time
}

func (f *fakeWindows) LastInboundAt(_ context.Context, phone string) (*time.Time, error) {
	return f.lastInbound[phone], nil
}

func emailItem(attempts, maxAttempts int) outbox.Item {
	return outbox.Item{
		ID:          uuid.New(),
		Channel:     outbox.ChannelEmail,
		Recipient:   "klant@example.com",
		Payload:     outbox.Payload{Email: &outbox.EmailPayload{Subject: "s", HTML: "<p>x</p>"}},
		Status:      outbox.StatusQueued,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

func textItem(recipient string) outbox.Item {
	return outbox.Item{
		ID:          uuid.New(),
		Channel:     outbox.ChannelWhatsAppText,
		Recipient:   recipient,
		Payload:     outbox.Payload{Text: &outbox.TextPayload{Body: "hallo"}},
		Status:      outbox.StatusQueued,
		Attempts:    0,
		MaxAttempts: 3,
	}
}

func newTestDispatcher(store Store, windows WindowReader, senders map[outbox.Channel][]provider.Sender) *Dispatcher {
	return New(store, windows, senders, nil, logger.New("development"))
}

func TestProcessBatchMarksSentOnSuccess(t *testing.T) {
	item := emailItem(0, 3)
	store := newFakeStore(item)
	sender := &fakeSender{name: "brevo", id: "msg-1"}

	d := newTestDispatcher(store, nil, map[outbox.Channel][]provider.Sender{
		outbox.ChannelEmail: {sender},
	})

	stats, err := d.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if stats.Processed != 1 || stats.Sent != 1 {
		t.Fatalf("stats = %+v, want 1 processed, 1 sent", stats)
	}
	if got := store.sent[item.ID]; got != "msg-1" {
		t.Fatalf("external id = %q, want msg-1", got)
	}
}

func TestProcessBatchRetriesOnRetryableError(t *testing.T) {
	item := emailItem(0, 3)
	store := newFakeStore(item)
	sender := &fakeSender{name: "brevo", err: provider.NewRetryable(provider.CodeUpstream, "brevo http 500")}

	d := newTestDispatcher(store, nil, map[outbox.Channel][]provider.Sender{
		outbox.ChannelEmail: {sender},
	})
	now := time.Now()
	d.now = func() time.Time { return now }

	stats, err := d.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if stats.Retrying != 1 {
		t.Fatalf("stats = %+v, want 1 retrying", stats)
	}

	call, ok := store.retries[item.ID]
	if !ok {
		t.Fatal("expected MarkRetry call")
	}
	if want := now.Add(time.Minute); !call.nextRetryAt.Equal(want) {
		t.Fatalf("nextRetryAt = %v, want %v (base delay after first failure)", call.nextRetryAt, want)
	}
	if call.lastError == "" {
		t.Fatal("expected last error to be recorded")
	}
}

func TestProcessBatchExhaustsOnTerminalError(t *testing.T) {
	item := emailItem(0, 3)
	store := newFakeStore(item)
	sender := &fakeSender{name: "brevo", err: provider.NewTerminal(provider.CodeInvalidRecipient, "bad address")}

	d := newTestDispatcher(store, nil, map[outbox.Channel][]provider.Sender{
		outbox.ChannelEmail: {sender},
	})

	stats, err := d.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v, want 1 failed", stats)
	}
	if _, ok := store.exhausted[item.ID]; !ok {
		t.Fatal("terminal error must exhaust after exactly one attempt")
	}
	if len(store.retries) != 0 {
		t.Fatal("terminal error must never schedule a retry")
	}
}

func TestProcessBatchExhaustsWhenRetryBudgetSpent(t *testing.T) {
	// attempts=2 with max_attempts=3: this failing attempt is the last one.
	item := emailItem(2, 3)
	store := newFakeStore(item)
	sender := &fakeSender{name: "brevo", err: provider.NewRetryable(provider.CodeUpstream, "timeout")}

	d := newTestDispatcher(store, nil, map[outbox.Channel][]provider.Sender{
		outbox.ChannelEmail: {sender},
	})

	if _, err := d.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if _, ok := store.exhausted[item.ID]; !ok {
		t.Fatal("expected exhausted when attempts+1 reaches max_attempts")
	}
}

func TestProcessBatchIsolatesPanickingProvider(t *testing.T) {
	bad := emailItem(0, 3)
	good := emailItem(0, 3)
	store := newFakeStore(bad, good)

	panicky := map[outbox.Channel][]provider.Sender{}
	calls := 0
	panicky[outbox.ChannelEmail] = []provider.Sender{senderFunc(func(ctx context.Context, item outbox.Item) (provider.Result, error) {
		calls++
		if item.ID == bad.ID {
			panic("boom")
		}
		return provider.Result{ExternalID: "ok"}, nil
	})}

	d := newTestDispatcher(store, nil, panicky)

	stats, err := d.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if calls != 2 {
		t.Fatalf("provider calls = %d, want 2 (panic must not abort the batch)", calls)
	}
	if stats.Sent != 1 || stats.Retrying != 1 {
		t.Fatalf("stats = %+v, want 1 sent and 1 retrying", stats)
	}
	if _, ok := store.sent[good.ID]; !ok {
		t.Fatal("item after the panicking one was not processed")
	}
}

type senderFunc func(ctx context.Context, item outbox.Item) (provider.Result, error)

func (senderFunc) Name() string { return "func" }
func (f senderFunc) Send(ctx context.Context, item outbox.Item) (provider.Result, error) {
	return f(ctx, item)
}

func TestProcessBatchFallsBackWhenPreferredNotConfigured(t *testing.T) {
	item := textItem("+31612345678")
	store := newFakeStore(item)

	meta := &fakeSender{name: "meta", err: provider.NewRetryable(provider.CodeNotConfigured, "whatsapp cloud api not configured")}
	twilio := &fakeSender{name: "twilio", id: "SM123"}

	lastInbound := time.Now().Add(-time.Hour)
	windows := &fakeWindows{lastInbound: map[string]*time.Time{"+31612345678": &lastInbound}}

	d := newTestDispatcher(store, windows, map[outbox.Channel][]provider.Sender{
		outbox.ChannelWhatsAppText: {meta, twilio},
	})

	if _, err := d.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if meta.calls != 1 || twilio.calls != 1 {
		t.Fatalf("calls meta=%d twilio=%d, want 1 and 1", meta.calls, twilio.calls)
	}
	if got := store.sent[item.ID]; got != "SM123" {
		t.Fatalf("external id = %q, want SM123 (fallback provider)", got)
	}
}

func TestProcessBatchFreeTextOutsideWindowIsTerminal(t *testing.T) {
	item := textItem("+31612345678")
	store := newFakeStore(item)
	sender := &fakeSender{name: "meta", id: "never"}

	// Last inbound 30 hours ago: outside the 24-hour window.
	lastInbound := time.Now().Add(-30 * time.Hour)
	windows := &fakeWindows{lastInbound: map[string]*time.Time{"+31612345678": &lastInbound}}

	d := newTestDispatcher(store, windows, map[outbox.Channel][]provider.Sender{
		outbox.ChannelWhatsAppText: {sender},
	})

	if _, err := d.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if sender.calls != 0 {
		t.Fatal("provider must not be called when the window has expired")
	}
	reason, ok := store.exhausted[item.ID]
	if !ok {
		t.Fatal("window violation must exhaust the item")
	}
	if reason == "" {
		t.Fatal("expected a window-expired reason in last_error")
	}
}

func TestProcessBatchNoProviderSchedulesRetry(t *testing.T) {
	item := emailItem(0, 3)
	store := newFakeStore(item)

	d := newTestDispatcher(store, nil, map[outbox.Channel][]provider.Sender{})

	if _, err := d.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if _, ok := store.retries[item.ID]; !ok {
		t.Fatal("missing provider is a config problem: item must stay retryable")
	}
}

func TestProcessBatchPropagatesClaimError(t *testing.T) {
	store := newFakeStore()
	store.claimErr = errors.New("connection refused")

	d := newTestDispatcher(store, nil, nil)

	if _, err := d.ProcessBatch(context.Background(), 10); err == nil {
		t.Fatal("expected claim error to propagate")
	}
}
