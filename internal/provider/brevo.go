package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/platform/config"
	"glanswerk_backend/platform/logger"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoClient delivers transactional email through the Brevo HTTP API.
type BrevoClient struct {
	apiKey    string
	fromName  string
	fromEmail string
	http      *http.Client
	log       *logger.Logger
}

// NewBrevoClient creates a new Brevo email client, or nil when the API key
// is not configured (the SMTP adapter takes over in that case).
func NewBrevoClient(cfg config.EmailConfig, log *logger.Logger) *BrevoClient {
	if cfg.GetBrevoAPIKey() == "" {
		return nil
	}

	return &BrevoClient{
		apiKey:    cfg.GetBrevoAPIKey(),
		fromName:  cfg.GetEmailFromName(),
		fromEmail: cfg.GetEmailFromAddress(),
		http:      &http.Client{Timeout: 10 * time.Second},
		log:       log,
	}
}

// Name identifies the provider.
func (c *BrevoClient) Name() string { return "brevo" }

type brevoSendRequest struct {
	Sender struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"sender"`
	To []struct {
		Email string `json:"email"`
	} `json:"to"`
	Subject     string `json:"subject"`
	HTMLContent string `json:"htmlContent"`
}

type brevoSendResponse struct {
	MessageID string `json:"messageId"`
}

// Send delivers an email outbox item.
func (c *BrevoClient) Send(ctx context.Context, item outbox.Item) (Result, error) {
	if c == nil {
		return Result{}, NewRetryable(CodeNotConfigured, "brevo not configured")
	}
	if item.Channel != outbox.ChannelEmail {
		return Result{}, NewTerminal(CodeUpstream, fmt.Sprintf("brevo adapter cannot send channel %q", item.Channel))
	}

	payload := brevoSendRequest{
		Subject:     item.Payload.Email.Subject,
		HTMLContent: item.Payload.Email.HTML,
	}
	payload.Sender.Name = c.fromName
	payload.Sender.Email = c.fromEmail
	payload.To = []struct {
		Email string `json:"email"`
	}{{Email: item.Recipient}}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, brevoEndpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, NewRetryable(CodeUpstream, fmt.Sprintf("brevo request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var decoded brevoSendResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil || decoded.MessageID == "" {
			// Brevo accepted the message but we lost the ID; synthesize one so
			// the sent invariant (external_id non-null) holds.
			decoded.MessageID = fmt.Sprintf("brevo-%d", time.Now().UnixNano())
		}
		c.log.Info("email sent via brevo", "to", item.Recipient)
		return Result{ExternalID: decoded.MessageID}, nil
	}

	data, _ := io.ReadAll(resp.Body)
	detail := fmt.Sprintf("brevo send failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, NewRetryable(CodeRateLimited, detail)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return Result{}, NewRetryable(CodeUpstream, detail)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, NewRetryable(CodeNotConfigured, detail)
	default:
		// 400-class: bad recipient or malformed content, retrying cannot help.
		return Result{}, NewTerminal(CodeInvalidRecipient, detail)
	}
}

// Compile-time check that BrevoClient implements Sender.
var _ Sender = (*BrevoClient)(nil)
