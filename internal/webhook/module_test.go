package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"glanswerk_backend/internal/conversation"
	"glanswerk_backend/internal/events"
	apphttp "glanswerk_backend/internal/http"
	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type statusPatch struct {
	externalID string
	status     outbox.Status
	errText    *string
}

type fakeQueue struct {
	known   map[string]bool
	patches []statusPatch
}

func (f *fakeQueue) UpdateDeliveryStatus(_ context.Context, externalID string, status outbox.Status, errText *string) (int64, error) {
	if !f.known[externalID] {
		return 0, nil
	}
	f.patches = append(f.patches, statusPatch{externalID: externalID, status: status, errText: errText})
	return 1, nil
}

type inboundMessage struct {
	phone      string
	body       string
	externalID string
}

type fakeConversations struct {
	known    map[string]bool
	inbound  []inboundMessage
	statuses map[string]string
}

func (f *fakeConversations) AppendInbound(_ context.Context, phoneNumber, body, externalID string) (conversation.Conversation, error) {
	f.inbound = append(f.inbound, inboundMessage{phone: phoneNumber, body: body, externalID: externalID})
	return conversation.Conversation{ID: uuid.New(), Phone: phoneNumber}, nil
}

func (f *fakeConversations) UpdateMessageStatus(_ context.Context, externalID, status string) (int64, error) {
	if !f.known[externalID] {
		return 0, nil
	}
	if f.statuses == nil {
		f.statuses = make(map[string]string)
	}
	f.statuses[externalID] = status
	return 1, nil
}

type capturingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *capturingBus) Publish(_ context.Context, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *capturingBus) PublishSync(ctx context.Context, event events.Event) error {
	b.Publish(ctx, event)
	return nil
}

func (b *capturingBus) Subscribe(string, events.Handler) {}

type testWebhookConfig struct {
	verifyToken   string
	appSecret     string
	paymentSecret string
}

func (c testWebhookConfig) GetMetaVerifyToken() string      { return c.verifyToken }
func (c testWebhookConfig) GetMetaAppSecret() string        { return c.appSecret }
func (c testWebhookConfig) GetPaymentWebhookSecret() string { return c.paymentSecret }

func newTestServer(t *testing.T, queue *fakeQueue, conversations *fakeConversations, bus events.Bus, cfg testWebhookConfig) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := NewModule(queue, conversations, bus, cfg, logger.New("development"))

	engine := gin.New()
	v1 := engine.Group("/api/v1")
	m.RegisterRoutes(&apphttp.RouterContext{Engine: engine, V1: v1, Protected: v1, Admin: v1})
	return engine
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestMetaVerifyEchoesChallenge(t *testing.T) {
	engine := newTestServer(t, &fakeQueue{}, &fakeConversations{}, &capturingBus{}, testWebhookConfig{verifyToken: "geheim"})

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=geheim&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "12345" {
		t.Fatalf("body = %q, want the raw challenge", rec.Body.String())
	}
}

func TestMetaVerifyRejectsWrongToken(t *testing.T) {
	engine := newTestServer(t, &fakeQueue{}, &fakeConversations{}, &capturingBus{}, testWebhookConfig{verifyToken: "geheim"})

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=fout&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestMetaStatusPatchesKnownRow(t *testing.T) {
	queue := &fakeQueue{known: map[string]bool{"wamid.abc": true}}
	conversations := &fakeConversations{known: map[string]bool{"wamid.abc": true}}
	engine := newTestServer(t, queue, conversations, &capturingBus{}, testWebhookConfig{})

	payload := `{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.abc","status":"failed","errors":[{"code":131026,"title":"undeliverable"}]}]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/whatsapp", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(queue.patches) != 1 {
		t.Fatalf("queue patches = %d, want 1", len(queue.patches))
	}
	patch := queue.patches[0]
	if patch.status != outbox.StatusFailed {
		t.Fatalf("patched status = %s, want failed", patch.status)
	}
	if patch.errText == nil || *patch.errText != "undeliverable" {
		t.Fatal("expected provider error title in last_error")
	}
}

func TestMetaUnknownMessageIDIsDropped(t *testing.T) {
	queue := &fakeQueue{}
	conversations := &fakeConversations{}
	engine := newTestServer(t, queue, conversations, &capturingBus{}, testWebhookConfig{})

	payload := `{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.unknown","status":"failed"}]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/whatsapp", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unknown ids must still yield 200, got %d", rec.Code)
	}
	if len(queue.patches) != 0 {
		t.Fatal("unknown id must not patch anything")
	}
}

func TestMetaMalformedPayloadIsStill200(t *testing.T) {
	engine := newTestServer(t, &fakeQueue{}, &fakeConversations{}, &capturingBus{}, testWebhookConfig{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/whatsapp", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("malformed payload must yield 200, got %d", rec.Code)
	}
}

func TestMetaSignatureFailClosed(t *testing.T) {
	engine := newTestServer(t, &fakeQueue{}, &fakeConversations{}, &capturingBus{}, testWebhookConfig{appSecret: "app-secret"})

	body := []byte(`{"entry":[]}`)

	// No signature at all.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/whatsapp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request with secret configured: status = %d, want 401", rec.Code)
	}

	// Wrong signature.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+signBody("wrong-secret", body))
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("mis-signed request: status = %d, want 401", rec.Code)
	}

	// Correct signature.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+signBody("app-secret", body))
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("correctly signed request: status = %d, want 200", rec.Code)
	}
}

func TestMetaInboundMessageCreatesConversation(t *testing.T) {
	conversations := &fakeConversations{}
	engine := newTestServer(t, &fakeQueue{}, conversations, &capturingBus{}, testWebhookConfig{})

	payload := `{"entry":[{"changes":[{"value":{"messages":[{"from":"31612345678","id":"wamid.in1","type":"text","text":{"body":"Is er morgen plek?"}}]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/whatsapp", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(conversations.inbound) != 1 {
		t.Fatalf("inbound messages = %d, want 1", len(conversations.inbound))
	}
	msg := conversations.inbound[0]
	if !strings.HasPrefix(msg.phone, "+31") {
		t.Fatalf("phone = %q, want normalized E.164", msg.phone)
	}
	if msg.externalID != "wamid.in1" {
		t.Fatalf("external id = %q, want wamid.in1", msg.externalID)
	}
}

func TestMetaInboundMediaMessageReopensWindow(t *testing.T) {
	conversations := &fakeConversations{}
	engine := newTestServer(t, &fakeQueue{}, conversations, &capturingBus{}, testWebhookConfig{})

	// A photo reply carries no text body but still counts as customer
	// contact for the 24-hour free-text window.
	payload := `{"entry":[{"changes":[{"value":{"messages":[{"from":"31612345678","id":"wamid.img1","type":"image"}]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/whatsapp", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(conversations.inbound) != 1 {
		t.Fatalf("inbound recorded = %d, want 1", len(conversations.inbound))
	}
	msg := conversations.inbound[0]
	if msg.body != "[image]" {
		t.Fatalf("body = %q, want the [image] placeholder", msg.body)
	}
	if msg.externalID != "wamid.img1" {
		t.Fatalf("external id = %q, want wamid.img1", msg.externalID)
	}
}

func TestTwilioInboundVersusStatusByShape(t *testing.T) {
	queue := &fakeQueue{known: map[string]bool{"SM1": true}}
	conversations := &fakeConversations{known: map[string]bool{"SM1": true}}
	engine := newTestServer(t, queue, conversations, &capturingBus{}, testWebhookConfig{})

	// Inbound message: Body + From present.
	form := url.Values{}
	form.Set("Body", "Tot zo!")
	form.Set("From", "whatsapp:+31612345678")
	form.Set("MessageSid", "SMin")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("inbound: status = %d, want 200", rec.Code)
	}
	if len(conversations.inbound) != 1 {
		t.Fatal("expected inbound message to be recorded")
	}

	// Status callback: MessageStatus, no Body.
	form = url.Values{}
	form.Set("MessageStatus", "undelivered")
	form.Set("MessageSid", "SM1")
	form.Set("ErrorCode", "63016")
	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status callback: status = %d, want 200", rec.Code)
	}
	if len(queue.patches) != 1 || queue.patches[0].status != outbox.StatusFailed {
		t.Fatalf("undelivered must patch the outbox row to failed, got %+v", queue.patches)
	}
}

func TestTwilioMediaInboundReopensWindow(t *testing.T) {
	conversations := &fakeConversations{}
	engine := newTestServer(t, &fakeQueue{}, conversations, &capturingBus{}, testWebhookConfig{})

	form := url.Values{}
	form.Set("From", "whatsapp:+31612345678")
	form.Set("NumMedia", "1")
	form.Set("MessageSid", "SMmedia")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(conversations.inbound) != 1 {
		t.Fatalf("inbound recorded = %d, want 1", len(conversations.inbound))
	}
	if got := conversations.inbound[0].body; got != "[media]" {
		t.Fatalf("body = %q, want the [media] placeholder", got)
	}
}

func TestPaymentWebhookPublishesDomainEvent(t *testing.T) {
	bus := &capturingBus{}
	engine := newTestServer(t, &fakeQueue{}, &fakeConversations{}, bus, testWebhookConfig{paymentSecret: "pay-secret"})

	subscriptionID := uuid.New()
	body := []byte(`{"type":"subscription.payment_failed","subscriptionId":"` + subscriptionID.String() +
		`","planName":"Onbeperkt Wassen","customer":{"name":"Jan","email":"jan@example.com","phone":"+31612345678"},"reason":"saldo ontoereikend"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Payment-Signature", signBody("pay-secret", body))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	deadline := time.Now().Add(time.Second)
	for {
		bus.mu.Lock()
		count := len(bus.events)
		bus.mu.Unlock()
		if count > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.events) != 1 {
		t.Fatalf("published events = %d, want 1", len(bus.events))
	}
	failed, ok := bus.events[0].(events.SubscriptionPaymentFailed)
	if !ok {
		t.Fatalf("event type = %T, want SubscriptionPaymentFailed", bus.events[0])
	}
	if failed.SubscriptionID != subscriptionID || failed.Reason != "saldo ontoereikend" {
		t.Fatalf("event fields = %+v", failed)
	}
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	bus := &capturingBus{}
	engine := newTestServer(t, &fakeQueue{}, &fakeConversations{}, bus, testWebhookConfig{paymentSecret: "pay-secret"})

	body := []byte(`{"type":"subscription.activated"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Payment-Signature", signBody("other", body))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(bus.events) != 0 {
		t.Fatal("mis-signed payload must not publish events")
	}
}
