package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/platform/config"
	"glanswerk_backend/platform/logger"
	"glanswerk_backend/platform/phone"
)

// MetaClient sends WhatsApp template and text messages through the
// Meta Cloud API (graph.facebook.com).
type MetaClient struct {
	baseURL       string
	accessToken   string
	phoneNumberID string
	http          *http.Client
	log           *logger.Logger
}

// NewMetaClient creates a new Meta Cloud API client. Returns nil when the
// channel is not configured; callers treat a nil client as channel-disabled.
func NewMetaClient(cfg config.MetaConfig, log *logger.Logger) *MetaClient {
	if !cfg.IsMetaEnabled() {
		return nil
	}

	return &MetaClient{
		baseURL:       strings.TrimRight(cfg.GetMetaAPIBaseURL(), "/"),
		accessToken:   cfg.GetMetaAccessToken(),
		phoneNumberID: cfg.GetMetaPhoneNumberID(),
		http:          &http.Client{Timeout: 15 * time.Second},
		log:           log,
	}
}

// Name identifies the provider.
func (c *MetaClient) Name() string { return "meta" }

type metaTemplateComponent struct {
	Type       string              `json:"type"`
	Parameters []metaTemplateParam `json:"parameters"`
}

type metaTemplateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type metaSendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Template         *struct {
		Name     string `json:"name"`
		Language struct {
			Code string `json:"code"`
		} `json:"language"`
		Components []metaTemplateComponent `json:"components,omitempty"`
	} `json:"template,omitempty"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

type metaSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send delivers a whatsapp_template or whatsapp_text outbox item.
func (c *MetaClient) Send(ctx context.Context, item outbox.Item) (Result, error) {
	if c == nil {
		return Result{}, NewRetryable(CodeNotConfigured, "whatsapp cloud api not configured")
	}

	to := strings.TrimPrefix(phone.NormalizeE164(item.Recipient), "+")

	req := metaSendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
	}

	switch item.Channel {
	case outbox.ChannelWhatsAppTemplate:
		tpl := item.Payload.Template
		req.Type = "template"
		req.Template = &struct {
			Name     string `json:"name"`
			Language struct {
				Code string `json:"code"`
			} `json:"language"`
			Components []metaTemplateComponent `json:"components,omitempty"`
		}{}
		req.Template.Name = tpl.Name
		req.Template.Language.Code = tpl.Language
		if req.Template.Language.Code == "" {
			req.Template.Language.Code = "nl"
		}
		if len(tpl.Params) > 0 {
			params := make([]metaTemplateParam, 0, len(tpl.Params))
			for _, p := range tpl.Params {
				params = append(params, metaTemplateParam{Type: "text", Text: p})
			}
			req.Template.Components = []metaTemplateComponent{{Type: "body", Parameters: params}}
		}
	case outbox.ChannelWhatsAppText:
		req.Type = "text"
		req.Text = &struct {
			Body string `json:"body"`
		}{Body: item.Payload.Text.Body}
	default:
		return Result{}, NewTerminal(CodeUpstream, fmt.Sprintf("meta adapter cannot send channel %q", item.Channel))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal meta payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, NewRetryable(CodeUpstream, fmt.Sprintf("whatsapp request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded metaSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return Result{}, NewRetryable(CodeUpstream, "whatsapp response could not be decoded")
		}
		return Result{}, classifyMetaHTTP(resp.StatusCode, "")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && len(decoded.Messages) > 0 {
		c.log.Info("whatsapp sent via meta", "to", to, "message_id", decoded.Messages[0].ID)
		return Result{ExternalID: decoded.Messages[0].ID}, nil
	}

	if decoded.Error != nil {
		return Result{}, classifyMetaError(decoded.Error.Code, decoded.Error.Message)
	}
	return Result{}, classifyMetaHTTP(resp.StatusCode, "")
}

// classifyMetaError maps Graph API error codes to retryable/terminal classes.
// Reference: Meta Cloud API error codes.
func classifyMetaError(code int, message string) *Error {
	detail := fmt.Sprintf("meta error %d: %s", code, message)
	switch code {
	case 131047: // re-engagement: 24h window has elapsed
		return WindowExpired(detail)
	case 131026: // message undeliverable: recipient cannot receive
		return NewTerminal(CodeInvalidRecipient, detail)
	case 132000, 132001, 132005, 132007: // template missing/paused/param mismatch
		return NewTerminal(CodeTemplateRejected, detail)
	case 100: // invalid parameter
		return NewTerminal(CodeInvalidRecipient, detail)
	case 4, 80007, 130429: // throughput / rate limits
		return NewRetryable(CodeRateLimited, detail)
	case 1, 2: // api unknown / api service
		return NewRetryable(CodeUpstream, detail)
	}
	return NewRetryable(CodeUpstream, detail)
}

func classifyMetaHTTP(status int, message string) *Error {
	detail := fmt.Sprintf("meta http %d: %s", status, message)
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

// Compile-time check that MetaClient implements Sender.
var _ Sender = (*MetaClient)(nil)
