// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// EmailConfig provides settings for email sending.
type EmailConfig interface {
	GetEmailEnabled() bool
	GetBrevoAPIKey() string
	GetEmailFromName() string
	GetEmailFromAddress() string
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
}

// MetaConfig provides settings for the WhatsApp Cloud API.
type MetaConfig interface {
	GetMetaAccessToken() string
	GetMetaPhoneNumberID() string
	GetMetaAPIBaseURL() string
	IsMetaEnabled() bool
}

// TwilioConfig provides settings for the Twilio WhatsApp channel.
type TwilioConfig interface {
	GetTwilioAccountSID() string
	GetTwilioAuthToken() string
	GetTwilioWhatsAppFrom() string
	GetTwilioAPIBaseURL() string
	IsTwilioEnabled() bool
}

// WebhookConfig provides settings for inbound provider webhooks.
type WebhookConfig interface {
	GetMetaVerifyToken() string
	GetMetaAppSecret() string
	GetPaymentWebhookSecret() string
}

// OutboxConfig provides tuning for the outbox dispatcher.
type OutboxConfig interface {
	GetOutboxMaxAttempts() int
	GetOutboxBatchSize() int
	GetOutboxClaimInterval() time.Duration
	GetOutboxBaseDelay() time.Duration
	GetOutboxBackoffMultiplier() int
	GetOutboxOrphanTimeout() time.Duration
	GetWhatsAppRetryTiers() []time.Duration
}

// SchedulerConfig provides settings for the asynq scheduler.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetBookingReminderLead() time.Duration
}

// OperatorConfig provides operator contact destinations.
// These were literals in an earlier iteration; they are injected so
// deployments can change them without code changes.
type OperatorConfig interface {
	GetOperatorEmail() string
	GetOperatorWhatsApp() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                     string
	HTTPAddr                string
	DatabaseURL             string
	RedisURL                string
	RedisTLSInsecure        bool
	JWTAccessSecret         string
	CORSAllowAll            bool
	CORSOrigins             []string
	CORSAllowCreds          bool
	AppBaseURL              string
	EmailEnabled            bool
	BrevoAPIKey             string
	EmailFromName           string
	EmailFromAddress        string
	SMTPHost                string
	SMTPPort                int
	SMTPUsername            string
	SMTPPassword            string
	MetaAccessToken         string
	MetaPhoneNumberID       string
	MetaAPIBaseURL          string
	MetaVerifyToken         string
	MetaAppSecret           string
	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioWhatsAppFrom      string
	TwilioAPIBaseURL        string
	PaymentWebhookSecret    string
	OperatorEmail           string
	OperatorWhatsApp        string
	OutboxMaxAttempts       int
	OutboxBatchSize         int
	OutboxClaimInterval     time.Duration
	OutboxBaseDelay         time.Duration
	OutboxBackoffMultiplier int
	OutboxOrphanTimeout     time.Duration
	WhatsAppRetryTiers      []time.Duration
	AsynqQueueName          string
	AsynqConcurrency        int
	BookingReminderLead     time.Duration
}

// =============================================================================
// Interface Implementations
// =============================================================================

func (c *Config) GetDatabaseURL() string     { return c.DatabaseURL }
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

func (c *Config) GetHTTPAddr() string       { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool     { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string  { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool   { return c.CORSAllowCreds }

func (c *Config) GetEmailEnabled() bool       { return c.EmailEnabled }
func (c *Config) GetBrevoAPIKey() string      { return c.BrevoAPIKey }
func (c *Config) GetEmailFromName() string    { return c.EmailFromName }
func (c *Config) GetEmailFromAddress() string { return c.EmailFromAddress }
func (c *Config) GetSMTPHost() string         { return c.SMTPHost }
func (c *Config) GetSMTPPort() int            { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string     { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string     { return c.SMTPPassword }

func (c *Config) GetMetaAccessToken() string   { return c.MetaAccessToken }
func (c *Config) GetMetaPhoneNumberID() string { return c.MetaPhoneNumberID }
func (c *Config) GetMetaAPIBaseURL() string    { return c.MetaAPIBaseURL }
func (c *Config) IsMetaEnabled() bool {
	return c.MetaAccessToken != "" && c.MetaPhoneNumberID != ""
}

func (c *Config) GetTwilioAccountSID() string   { return c.TwilioAccountSID }
func (c *Config) GetTwilioAuthToken() string    { return c.TwilioAuthToken }
func (c *Config) GetTwilioWhatsAppFrom() string { return c.TwilioWhatsAppFrom }
func (c *Config) GetTwilioAPIBaseURL() string   { return c.TwilioAPIBaseURL }
func (c *Config) IsTwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioWhatsAppFrom != ""
}

func (c *Config) GetMetaVerifyToken() string      { return c.MetaVerifyToken }
func (c *Config) GetMetaAppSecret() string        { return c.MetaAppSecret }
func (c *Config) GetPaymentWebhookSecret() string { return c.PaymentWebhookSecret }

func (c *Config) GetOutboxMaxAttempts() int                { return c.OutboxMaxAttempts }
func (c *Config) GetOutboxBatchSize() int                  { return c.OutboxBatchSize }
func (c *Config) GetOutboxClaimInterval() time.Duration    { return c.OutboxClaimInterval }
func (c *Config) GetOutboxBaseDelay() time.Duration        { return c.OutboxBaseDelay }
func (c *Config) GetOutboxBackoffMultiplier() int          { return c.OutboxBackoffMultiplier }
func (c *Config) GetOutboxOrphanTimeout() time.Duration    { return c.OutboxOrphanTimeout }
func (c *Config) GetWhatsAppRetryTiers() []time.Duration   { return c.WhatsAppRetryTiers }

func (c *Config) GetRedisURL() string                    { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool              { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string              { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int               { return c.AsynqConcurrency }
func (c *Config) GetBookingReminderLead() time.Duration  { return c.BookingReminderLead }

func (c *Config) GetOperatorEmail() string    { return c.OperatorEmail }
func (c *Config) GetOperatorWhatsApp() string { return c.OperatorWhatsApp }

// =============================================================================
// Loading
// =============================================================================

// Load reads configuration from the environment (and a .env file when present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	brevoAPIKey := getEnv("BREVO_API_KEY", "")
	emailEnabled := strings.EqualFold(getEnv("EMAIL_ENABLED", "true"), "true")

	cfg := &Config{
		Env:                     getEnv("APP_ENV", "development"),
		HTTPAddr:                getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		RedisURL:                getEnv("REDIS_URL", ""),
		RedisTLSInsecure:        strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		JWTAccessSecret:         getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:            corsAllowAll,
		CORSOrigins:             corsOrigins,
		CORSAllowCreds:          strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		AppBaseURL:              getEnv("APP_BASE_URL", "http://localhost:4200"),
		EmailEnabled:            emailEnabled,
		BrevoAPIKey:             brevoAPIKey,
		EmailFromName:           getEnv("EMAIL_FROM_NAME", "Glanswerk"),
		EmailFromAddress:        getEnv("EMAIL_FROM_ADDRESS", ""),
		SMTPHost:                getEnv("SMTP_HOST", ""),
		SMTPPort:                getIntEnv("SMTP_PORT", 587),
		SMTPUsername:            getEnv("SMTP_USERNAME", ""),
		SMTPPassword:            getEnv("SMTP_PASSWORD", ""),
		MetaAccessToken:         getEnv("META_ACCESS_TOKEN", ""),
		MetaPhoneNumberID:       getEnv("META_PHONE_NUMBER_ID", ""),
		MetaAPIBaseURL:          getEnv("META_API_BASE_URL", "https://graph.facebook.com/v19.0"),
		MetaVerifyToken:         getEnv("META_VERIFY_TOKEN", ""),
		MetaAppSecret:           getEnv("META_APP_SECRET", ""),
		TwilioAccountSID:        getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:         getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioWhatsAppFrom:      getEnv("TWILIO_WHATSAPP_FROM", ""),
		TwilioAPIBaseURL:        getEnv("TWILIO_API_BASE_URL", "https://api.twilio.com"),
		PaymentWebhookSecret:    getEnv("PAYMENT_WEBHOOK_SECRET", ""),
		OperatorEmail:           getEnv("OPERATOR_EMAIL", ""),
		OperatorWhatsApp:        getEnv("OPERATOR_WHATSAPP", ""),
		OutboxMaxAttempts:       getIntEnv("OUTBOX_MAX_ATTEMPTS", 3),
		OutboxBatchSize:         getIntEnv("OUTBOX_BATCH_SIZE", 25),
		OutboxClaimInterval:     getDurationEnv("OUTBOX_CLAIM_INTERVAL", 15*time.Second),
		OutboxBaseDelay:         getDurationEnv("OUTBOX_BASE_DELAY", time.Minute),
		OutboxBackoffMultiplier: getIntEnv("OUTBOX_BACKOFF_MULTIPLIER", 2),
		OutboxOrphanTimeout:     getDurationEnv("OUTBOX_ORPHAN_TIMEOUT", 10*time.Minute),
		WhatsAppRetryTiers:      parseDurationList(getEnv("WHATSAPP_RETRY_TIERS", "5m,15m,60m")),
		AsynqQueueName:          getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:        getIntEnv("ASYNQ_CONCURRENCY", 10),
		BookingReminderLead:     getDurationEnv("BOOKING_REMINDER_LEAD", 24*time.Hour),
	}

	cfg.EmailEnabled = emailEnabled && (cfg.BrevoAPIKey != "" || cfg.SMTPHost != "")

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.EmailEnabled && cfg.EmailFromAddress == "" {
		return nil, fmt.Errorf("EMAIL_FROM_ADDRESS is required when email is enabled")
	}
	if cfg.CORSAllowAll && cfg.CORSAllowCreds {
		return nil, fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}
	if cfg.OutboxMaxAttempts < 1 {
		return nil, fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be at least 1")
	}
	if len(cfg.WhatsAppRetryTiers) == 0 {
		return nil, fmt.Errorf("WHATSAPP_RETRY_TIERS must contain at least one duration")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseDurationList(value string) []time.Duration {
	parts := strings.Split(value, ",")
	results := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		d, err := time.ParseDuration(trimmed)
		if err != nil || d <= 0 {
			continue
		}
		results = append(results, d)
	}
	return results
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}
