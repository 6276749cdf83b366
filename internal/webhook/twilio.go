package webhook

import (
	"fmt"
	"net/http"
	"strings"

	"glanswerk_backend/platform/phone"

	"github.com/gin-gonic/gin"
)

// handleTwilio processes Twilio's form-encoded callbacks. Payload shape
// distinguishes the two event kinds: a status callback carries MessageStatus,
// an inbound message carries From without one. Always responds 200.
func (m *Module) handleTwilio(c *gin.Context) {
	body := c.PostForm("Body")
	from := c.PostForm("From")
	messageStatus := c.PostForm("MessageStatus")
	messageSid := c.PostForm("MessageSid")
	if messageSid == "" {
		messageSid = c.PostForm("SmsSid")
	}

	ctx := c.Request.Context()

	switch {
	case messageStatus != "" && messageSid != "":
		var errText *string
		if code := c.PostForm("ErrorCode"); code != "" {
			text := fmt.Sprintf("twilio error %s", code)
			errText = &text
		}
		m.reconcileStatus(ctx, "twilio", messageSid, messageStatus, errText)

	case from != "":
		// Media-only inbounds carry no Body but still reopen the 24-hour
		// free-text window.
		if body == "" {
			if n := c.PostForm("NumMedia"); n != "" && n != "0" {
				body = "[media]"
			} else {
				body = "[bericht]"
			}
		}
		normalized := phone.NormalizeE164(strings.TrimPrefix(from, "whatsapp:"))
		if _, err := m.conversations.AppendInbound(ctx, normalized, body, messageSid); err != nil {
			m.log.DatabaseError("conversation.append_inbound", err)
		} else {
			m.log.WebhookEvent("twilio", "inbound_message", true, "")
		}

	default:
		m.log.WebhookEvent("twilio", "event", false, "unrecognized payload shape")
	}

	c.Status(http.StatusOK)
}
