package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/platform/config"
	"glanswerk_backend/platform/logger"
	"glanswerk_backend/platform/phone"
)

// TwilioClient sends WhatsApp messages through the Twilio Messages API.
// It is the failover channel when the Meta Cloud API is not configured.
// Template items are rendered locally: Twilio receives plain bodies.
type TwilioClient struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	http       *http.Client
	log        *logger.Logger
}

// NewTwilioClient creates a new Twilio client, or nil when not configured.
func NewTwilioClient(cfg config.TwilioConfig, log *logger.Logger) *TwilioClient {
	if !cfg.IsTwilioEnabled() {
		return nil
	}

	return &TwilioClient{
		baseURL:    strings.TrimRight(cfg.GetTwilioAPIBaseURL(), "/"),
		accountSID: cfg.GetTwilioAccountSID(),
		authToken:  cfg.GetTwilioAuthToken(),
		from:       cfg.GetTwilioWhatsAppFrom(),
		http:       &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

// Name identifies the provider.
func (c *TwilioClient) Name() string { return "twilio" }

type twilioSendResponse struct {
	SID     string `json:"sid"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  any    `json:"status"`
}

// Send delivers a whatsapp_template or whatsapp_text outbox item.
func (c *TwilioClient) Send(ctx context.Context, item outbox.Item) (Result, error) {
	if c == nil {
		return Result{}, NewRetryable(CodeNotConfigured, "twilio not configured")
	}

	var body string
	switch item.Channel {
	case outbox.ChannelWhatsAppText:
		body = item.Payload.Text.Body
	case outbox.ChannelWhatsAppTemplate:
		rendered, err := RenderTemplateText(item.Payload.Template.Name, item.Payload.Template.Params)
		if err != nil {
			return Result{}, err
		}
		body = rendered
	default:
		return Result{}, NewTerminal(CodeUpstream, fmt.Sprintf("twilio adapter cannot send channel %q", item.Channel))
	}

	form := url.Values{}
	form.Set("To", "whatsapp:"+phone.NormalizeE164(item.Recipient))
	form.Set("From", "whatsapp:"+phone.NormalizeE164(c.from))
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, NewRetryable(CodeUpstream, fmt.Sprintf("twilio request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded twilioSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return Result{}, NewRetryable(CodeUpstream, "twilio response could not be decoded")
		}
		return Result{}, classifyTwilioHTTP(resp.StatusCode, "")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && decoded.SID != "" {
		c.log.Info("whatsapp sent via twilio", "to", item.Recipient, "sid", decoded.SID)
		return Result{ExternalID: decoded.SID}, nil
	}

	if decoded.Code != 0 {
		return Result{}, classifyTwilioError(decoded.Code, decoded.Message)
	}
	return Result{}, classifyTwilioHTTP(resp.StatusCode, decoded.Message)
}

// classifyTwilioError maps Twilio error codes to retryable/terminal classes.
func classifyTwilioError(code int, message string) *Error {
	detail := fmt.Sprintf("twilio error %d: %s", code, message)
	switch code {
	case 63016: // freeform message outside the allowed window
		return WindowExpired(detail)
	case 21211, 21614, 63003: // invalid or unreachable number
		return NewTerminal(CodeInvalidRecipient, detail)
	case 63018, 20429, 429: // rate limits
		return NewRetryable(CodeRateLimited, detail)
	case 20003: // authentication
		return NewRetryable(CodeNotConfigured, detail)
	}
	return NewRetryable(CodeUpstream, detail)
}

func classifyTwilioHTTP(status int, message string) *Error {
	detail := fmt.Sprintf("twilio http %d: %s", status, message)
	switch {
	case status == http.StatusTooManyRequests:
		return NewRetryable(CodeRateLimited, detail)
	case status >= 500:
		return NewRetryable(CodeUpstream, detail)
	case status >= 400:
		return NewTerminal(CodeUpstream, detail)
	}
	return NewRetryable(CodeUpstream, detail)
}

// Compile-time check that TwilioClient implements Sender.
var _ Sender = (*TwilioClient)(nil)
