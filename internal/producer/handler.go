package producer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"glanswerk_backend/internal/conversation"
	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/internal/provider"
	"glanswerk_backend/platform/apperr"
	"glanswerk_backend/platform/httpkit"
	"glanswerk_backend/platform/phone"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type handler struct {
	module *Module
}

type sendNotificationRequest struct {
	BookingID      string   `json:"bookingId"`
	SubscriptionID string   `json:"subscriptionId"`
	Channel        string   `json:"channel" binding:"required"`
	Recipient      string   `json:"recipient" binding:"required"`
	TemplateName   string   `json:"templateName"`
	Params         []string `json:"params"`
	Subject        string   `json:"subject"`
	HTML           string   `json:"html"`
	Body           string   `json:"body"`
}

type sendNotificationResult struct {
	Channel string `json:"channel"`
	Queued  bool   `json:"queued"`
	ItemID  string `json:"itemId,omitempty"`
	Created bool   `json:"created"`
	Error   string `json:"error,omitempty"`
}

// sendNotification enqueues a single notification for a booking or
// subscription. The enqueue is the authoritative path; a best-effort
// immediate dispatch runs out-of-band so the caller never waits on a
// provider.
func (h *handler) sendNotification(c *gin.Context) {
	var req sendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.HandleError(c, apperr.Validation("invalid request body"))
		return
	}

	entityType, entityID := "booking", req.BookingID
	if entityID == "" {
		entityType, entityID = "subscription", req.SubscriptionID
	}
	if entityID == "" {
		httpkit.HandleError(c, apperr.Validation("either bookingId or subscriptionId is required"))
		return
	}

	channel := outbox.Channel(req.Channel)
	params, err := buildEnqueueParams(entityType, entityID, channel, req)
	if err != nil {
		httpkit.HandleError(c, apperr.Validation(err.Error()))
		return
	}

	result := sendNotificationResult{Channel: string(channel)}
	item, created, enqueueErr := h.module.queue.Enqueue(c.Request.Context(), params)
	if enqueueErr != nil {
		result.Error = enqueueErr.Error()
	} else {
		result.Queued = true
		result.ItemID = item.ID.String()
		result.Created = created
	}

	if result.Queued && h.module.dispatcher != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 30*time.Second)
			defer cancel()
			if _, err := h.module.dispatcher.ProcessBatch(ctx, 5); err != nil {
				h.module.log.Error("best-effort dispatch after enqueue failed", "error", err.Error())
			}
		}()
	}

	httpkit.Accepted(c, gin.H{
		"success": result.Error == "",
		"results": []sendNotificationResult{result},
	})
}

func buildEnqueueParams(entityType, entityID string, channel outbox.Channel, req sendNotificationRequest) (outbox.EnqueueParams, error) {
	recipient := req.Recipient
	template := req.TemplateName

	var payload outbox.Payload
	switch channel {
	case outbox.ChannelEmail:
		if template == "" {
			// Two different manual emails for the same entity must not
			// collapse onto one idempotency key, so the key carries a
			// digest of the content.
			sum := sha256.Sum256([]byte(req.Subject + "\x00" + req.HTML))
			template = "manual-" + hex.EncodeToString(sum[:6])
		}
		payload.Email = &outbox.EmailPayload{Subject: req.Subject, HTML: req.HTML}
	case outbox.ChannelWhatsAppTemplate:
		if _, err := phone.ValidateE164(recipient); err != nil {
			return outbox.EnqueueParams{}, err
		}
		recipient = phone.NormalizeE164(recipient)
		if !provider.KnownTemplate(template) {
			return outbox.EnqueueParams{}, apperr.Validation("unknown template name")
		}
		payload.Template = &outbox.TemplatePayload{Name: template, Language: "nl", Params: req.Params}
	case outbox.ChannelWhatsAppText:
		if _, err := phone.ValidateE164(recipient); err != nil {
			return outbox.EnqueueParams{}, err
		}
		recipient = phone.NormalizeE164(recipient)
		template = "text"
		payload.Text = &outbox.TextPayload{Body: req.Body}
	default:
		return outbox.EnqueueParams{}, apperr.Validation("unknown channel")
	}

	params := outbox.EnqueueParams{
		IdempotencyKey: idempotencyKey(entityID, channel, template),
		EntityType:     entityType,
		EntityID:       entityID,
		Channel:        channel,
		Recipient:      recipient,
		Payload:        payload,
	}
	if err := params.Validate(); err != nil {
		return outbox.EnqueueParams{}, err
	}
	return params, nil
}

type adminWhatsAppSendRequest struct {
	ConversationID string `json:"conversation_id"`
	To             string `json:"to"`
	Body           string `json:"body" binding:"required"`
}

// adminWhatsAppSend delivers a free-text WhatsApp message synchronously on
// behalf of an admin. Unlike the automated paths, the real provider error is
// returned to the caller.
func (h *handler) adminWhatsAppSend(c *gin.Context) {
	var req adminWhatsAppSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.HandleError(c, apperr.Validation("invalid request body"))
		return
	}

	ctx := c.Request.Context()

	var conv *conversation.Conversation
	to := req.To
	if req.ConversationID != "" {
		convID, err := uuid.Parse(req.ConversationID)
		if err != nil {
			httpkit.HandleError(c, apperr.Validation("invalid conversation_id"))
			return
		}
		found, err := h.module.conversations.GetByID(ctx, convID)
		if err != nil {
			httpkit.HandleError(c, err)
			return
		}
		conv = &found
		if to == "" {
			to = found.Phone
		}
	}

	to = phone.NormalizeE164(to)
	if _, err := phone.ValidateE164(to); err != nil {
		httpkit.HandleError(c, apperr.Validation("recipient is not a valid phone number"))
		return
	}

	lastInbound, err := h.module.conversations.LastInboundAt(ctx, to)
	if err != nil {
		httpkit.HandleError(c, apperr.Internal("could not read conversation state"))
		return
	}
	if !conversation.WithinFreeTextWindow(lastInbound, time.Now()) {
		httpkit.HandleError(c, apperr.Conflict("24-hour free-text window has expired; use a template message"))
		return
	}

	item := outbox.Item{
		ID:        uuid.New(),
		Channel:   outbox.ChannelWhatsAppText,
		Recipient: to,
		Payload:   outbox.Payload{Text: &outbox.TextPayload{Body: req.Body}},
	}

	result, sendErr := h.sendDirect(ctx, item)
	if sendErr != nil {
		httpkit.Error(c, http.StatusBadGateway, sendErr.Error(), nil)
		return
	}

	if conv != nil {
		if err := h.module.conversations.AppendOutbound(ctx, conv.ID, req.Body, result.ExternalID); err != nil {
			h.module.log.DatabaseError("conversation.append_outbound", err)
		}
	}

	if id := httpkit.GetIdentity(c); id.IsAuthenticated() {
		h.module.log.Info("admin whatsapp message sent",
			"actor", id.UserID().String(),
			"to", to,
			"external_id", result.ExternalID)
	}

	httpkit.OK(c, gin.H{"ok": true, "message": gin.H{
		"to":          to,
		"external_id": result.ExternalID,
	}})
}

// sendDirect walks the WhatsApp senders in preference order, skipping ones
// that report they are not configured.
func (h *handler) sendDirect(ctx context.Context, item outbox.Item) (provider.Result, error) {
	var lastErr error
	for _, s := range h.module.whatsapp {
		if s == nil {
			continue
		}
		result, err := s.Send(ctx, item)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perr *provider.Error
		if errors.As(err, &perr) && perr.Code == provider.CodeNotConfigured {
			continue
		}
		return provider.Result{}, err
	}
	if lastErr == nil {
		lastErr = provider.NewRetryable(provider.CodeNotConfigured, "no WhatsApp provider configured")
	}
	return provider.Result{}, lastErr
}

type processOutboxRequest struct {
	Limit int `json:"limit"`
}

// processOutbox triggers one dispatch batch on demand, for operators and
// external cron schedulers.
func (h *handler) processOutbox(c *gin.Context) {
	var req processOutboxRequest
	// Body is optional; an empty body means the configured default batch.
	_ = c.ShouldBindJSON(&req)

	stats, err := h.module.dispatcher.ProcessBatch(c.Request.Context(), req.Limit)
	if err != nil {
		httpkit.HandleError(c, apperr.Internal("outbox processing failed"))
		return
	}

	httpkit.OK(c, gin.H{"ok": true, "results": stats})
}
