// Package webhook receives provider callbacks and reconciles delivery state:
// status events patch the matching outbox row by provider message ID, and
// inbound customer messages land in the conversation store, which resets the
// 24-hour free-text window.
package webhook

import (
	"context"

	"glanswerk_backend/internal/conversation"
	"glanswerk_backend/internal/events"
	apphttp "glanswerk_backend/internal/http"
	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/platform/config"
	"glanswerk_backend/platform/logger"
)

// QueueReconciler is the slice of the outbox repository the reconciler needs.
type QueueReconciler interface {
	UpdateDeliveryStatus(ctx context.Context, externalID string, status outbox.Status, errText *string) (int64, error)
}

// ConversationStore records inbound messages and patches outbound message
// status by provider message ID.
type ConversationStore interface {
	AppendInbound(ctx context.Context, phoneNumber, body, externalID string) (conversation.Conversation, error)
	UpdateMessageStatus(ctx context.Context, externalID, status string) (int64, error)
}

// Module is the webhook bounded context module implementing http.Module.
type Module struct {
	queue         QueueReconciler
	conversations ConversationStore
	bus           events.Bus
	cfg           config.WebhookConfig
	log           *logger.Logger
}

// NewModule creates the webhook module with all its dependencies.
func NewModule(queue QueueReconciler, conversations ConversationStore, bus events.Bus, cfg config.WebhookConfig, log *logger.Logger) *Module {
	return &Module{
		queue:         queue,
		conversations: conversations,
		bus:           bus,
		cfg:           cfg,
		log:           log,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "webhook"
}

// RegisterRoutes mounts the webhook routes. Providers authenticate via
// handshake tokens and payload signatures, never via JWT.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	webhooks := ctx.V1.Group("/webhooks")
	webhooks.GET("/whatsapp", m.handleMetaVerify)
	webhooks.POST("/whatsapp", m.handleMetaEvents)
	webhooks.POST("/twilio", m.handleTwilio)
	webhooks.POST("/payment", m.handlePayment)
}

// reconcileStatus patches message and queue state for one provider status
// event. Unknown provider message IDs are logged and dropped; they may
// belong to messages sent outside this system.
func (m *Module) reconcileStatus(ctx context.Context, providerName, externalID, status string, errText *string) {
	msgRows, err := m.conversations.UpdateMessageStatus(ctx, externalID, status)
	if err != nil {
		m.log.DatabaseError("conversation.update_message_status", err)
	}

	var queueRows int64
	if status == "failed" || status == "undelivered" {
		queueRows, err = m.queue.UpdateDeliveryStatus(ctx, externalID, outbox.StatusFailed, errText)
		if err != nil {
			m.log.DatabaseError("outbox.update_delivery_status", err)
		}
	}

	if msgRows == 0 && queueRows == 0 {
		m.log.WebhookEvent(providerName, "status", false, "unknown provider message id "+externalID)
		return
	}
	m.log.WebhookEvent(providerName, "status:"+status, true, "")
}
