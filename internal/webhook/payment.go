package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"glanswerk_backend/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// paymentEvent is the payment provider's subscription lifecycle callback.
type paymentEvent struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscriptionId"`
	PlanName       string `json:"planName"`
	Customer       struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Phone string `json:"phone"`
	} `json:"customer"`
	Reason string `json:"reason"`
}

// handlePayment converts payment provider callbacks into domain events. The
// producer picks those up and enqueues the customer notifications, so a
// duplicate webhook delivery never double-sends.
func (m *Module) handlePayment(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusOK)
		return
	}

	if secret := m.cfg.GetPaymentWebhookSecret(); secret != "" {
		if !verifyPaymentSignature(body, c.GetHeader("X-Payment-Signature"), secret) {
			m.log.WebhookEvent("payment", "event", false, "invalid payload signature")
			c.String(http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var event paymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		m.log.WebhookEvent("payment", "event", false, "malformed payload: "+err.Error())
		c.Status(http.StatusOK)
		return
	}

	subscriptionID, err := uuid.Parse(event.SubscriptionID)
	if err != nil {
		m.log.WebhookEvent("payment", event.Type, false, "invalid subscription id")
		c.Status(http.StatusOK)
		return
	}

	ctx := c.Request.Context()
	switch event.Type {
	case "subscription.activated":
		m.bus.Publish(ctx, events.SubscriptionActivated{
			BaseEvent:      events.NewBaseEvent(),
			SubscriptionID: subscriptionID,
			PlanName:       event.PlanName,
			CustomerName:   event.Customer.Name,
			CustomerEmail:  event.Customer.Email,
			CustomerPhone:  event.Customer.Phone,
		})
		m.log.WebhookEvent("payment", event.Type, true, "")
	case "subscription.payment_failed":
		m.bus.Publish(ctx, events.SubscriptionPaymentFailed{
			BaseEvent:      events.NewBaseEvent(),
			SubscriptionID: subscriptionID,
			PlanName:       event.PlanName,
			CustomerName:   event.Customer.Name,
			CustomerEmail:  event.Customer.Email,
			CustomerPhone:  event.Customer.Phone,
			Reason:         event.Reason,
		})
		m.log.WebhookEvent("payment", event.Type, true, "")
	default:
		m.log.WebhookEvent("payment", event.Type, false, "unknown event type")
	}

	c.Status(http.StatusOK)
}

func verifyPaymentSignature(body []byte, header, secret string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}
