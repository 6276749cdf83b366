package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"glanswerk_backend/platform/phone"

	"github.com/gin-gonic/gin"
)

// metaEnvelope is the Meta Cloud API event envelope. Only the fields the
// reconciler reads are mapped.
type metaEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []metaMessage `json:"messages"`
				Statuses []metaStatus  `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type metaMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

type metaStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Errors []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

// handleMetaVerify answers the webhook registration handshake: echo the
// challenge as plain text iff the verify token matches, else 403.
func (m *Module) handleMetaVerify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	expected := m.cfg.GetMetaVerifyToken()
	if mode == "subscribe" && expected != "" && token == expected {
		c.String(http.StatusOK, challenge)
		return
	}

	m.log.WebhookEvent("meta", "verify", false, "verify token mismatch")
	c.String(http.StatusForbidden, "verification failed")
}

// handleMetaEvents processes the Meta event envelope. The signature check is
// fail-closed once an app secret is configured; past that gate the response
// is always 200 so Meta never retry-storms a broken handler.
func (m *Module) handleMetaEvents(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusOK)
		return
	}

	if secret := m.cfg.GetMetaAppSecret(); secret != "" {
		if !verifyMetaSignature(body, c.GetHeader("X-Hub-Signature-256"), secret) {
			m.log.WebhookEvent("meta", "event", false, "invalid payload signature")
			c.String(http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var envelope metaEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		m.log.WebhookEvent("meta", "event", false, "malformed envelope: "+err.Error())
		c.Status(http.StatusOK)
		return
	}

	ctx := c.Request.Context()
	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				m.handleMetaInbound(ctx, msg)
			}
			for _, status := range change.Value.Statuses {
				var errText *string
				if len(status.Errors) > 0 {
					text := status.Errors[0].Title
					errText = &text
				}
				m.reconcileStatus(ctx, "meta", status.ID, status.Status, errText)
			}
		}
	}

	c.Status(http.StatusOK)
}

// handleMetaInbound records one inbound customer message. Every inbound
// message reopens the 24-hour free-text window, so media and other non-text
// types are stored too, with a type placeholder as the body.
func (m *Module) handleMetaInbound(ctx context.Context, msg metaMessage) {
	if msg.From == "" {
		return
	}

	body := msg.Text.Body
	if body == "" {
		if msg.Type == "" {
			body = "[bericht]"
		} else {
			body = "[" + msg.Type + "]"
		}
	}

	from := phone.NormalizeE164("+" + strings.TrimPrefix(msg.From, "+"))
	if _, err := m.conversations.AppendInbound(ctx, from, body, msg.ID); err != nil {
		m.log.DatabaseError("conversation.append_inbound", err)
		return
	}
	m.log.WebhookEvent("meta", "inbound_message", true, "")
}

// verifyMetaSignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 of the raw body.
func verifyMetaSignature(body []byte, header, secret string) bool {
	signature, ok := strings.CutPrefix(header, "sha256=")
	if !ok || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
