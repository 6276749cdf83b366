package provider

import (
	"context"
	"fmt"
	"net"
	"time"

	"glanswerk_backend/internal/outbox"
	"glanswerk_backend/platform/config"
	"glanswerk_backend/platform/logger"

	"github.com/google/uuid"
	gomail "github.com/wneessen/go-mail"
)

// SMTPClient delivers transactional email over a direct SMTP connection via
// go-mail. Used when no Brevo API key is configured.
type SMTPClient struct {
	host      string
	port      int
	username  string
	password  string
	fromName  string
	fromEmail string
	log       *logger.Logger
}

// NewSMTPClient creates a new SMTP email client, or nil when not configured.
func NewSMTPClient(cfg config.EmailConfig, log *logger.Logger) *SMTPClient {
	if cfg.GetSMTPHost() == "" {
		return nil
	}

	return &SMTPClient{
		host:      cfg.GetSMTPHost(),
		port:      cfg.GetSMTPPort(),
		username:  cfg.GetSMTPUsername(),
		password:  cfg.GetSMTPPassword(),
		fromName:  cfg.GetEmailFromName(),
		fromEmail: cfg.GetEmailFromAddress(),
		log:       log,
	}
}

// Name identifies the provider.
func (c *SMTPClient) Name() string { return "smtp" }

// Send delivers an email outbox item.
func (c *SMTPClient) Send(ctx context.Context, item outbox.Item) (Result, error) {
	if c == nil {
		return Result{}, NewRetryable(CodeNotConfigured, "smtp not configured")
	}
	if item.Channel != outbox.ChannelEmail {
		return Result{}, NewTerminal(CodeUpstream, fmt.Sprintf("smtp adapter cannot send channel %q", item.Channel))
	}

	msg := gomail.NewMsg()
	if err := msg.FromFormat(c.fromName, c.fromEmail); err != nil {
		return Result{}, NewRetryable(CodeNotConfigured, fmt.Sprintf("smtp from: %v", err))
	}
	if err := msg.To(item.Recipient); err != nil {
		// go-mail rejects malformed addresses locally; retrying cannot help.
		return Result{}, NewTerminal(CodeInvalidRecipient, fmt.Sprintf("smtp to: %v", err))
	}
	msg.Subject(item.Payload.Email.Subject)
	msg.SetBodyString(gomail.TypeTextHTML, item.Payload.Email.HTML)

	client, err := gomail.NewClient(c.host,
		gomail.WithPort(c.port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(c.username),
		gomail.WithPassword(c.password),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(15*time.Second),
		gomail.WithDialContextFunc(func(dctx context.Context, _ string, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(dctx, "tcp4", addr)
		}),
	)
	if err != nil {
		return Result{}, NewRetryable(CodeNotConfigured, fmt.Sprintf("smtp client: %v", err))
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return Result{}, NewRetryable(CodeUpstream, fmt.Sprintf("smtp send: %v", err))
	}

	// SMTP has no provider message ID; synthesize one so the sent invariant
	// (external_id non-null) holds.
	externalID := "smtp-" + uuid.NewString()
	c.log.Info("email sent via smtp", "to", item.Recipient)
	return Result{ExternalID: externalID}, nil
}

// Compile-time check that SMTPClient implements Sender.
var _ Sender = (*SMTPClient)(nil)
