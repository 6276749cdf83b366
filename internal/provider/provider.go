// Package provider contains the delivery-provider adapters. Each adapter
// exposes the same Send contract so the dispatcher's retry logic stays
// provider-agnostic: failures come back as a typed *Error whose Retryable
// flag drives the retry-versus-exhaust decision.
package provider

import (
	"context"
	"errors"
	"fmt"

	"glanswerk_backend/internal/outbox"
)

// Result is the outcome of a successful provider call.
type Result struct {
	// ExternalID is the provider-assigned message identifier, used later by
	// the webhook reconciler to find the outbox row.
	ExternalID string
}

// Sender sends one outbox item through a concrete provider API.
type Sender interface {
	// Name identifies the provider in logs and audit entries.
	Name() string
	// Send delivers the item. Errors must be *Error values so the caller
	// can classify them without provider-specific knowledge.
	Send(ctx context.Context, item outbox.Item) (Result, error)
}

// Error is a classified provider failure.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Well-known error codes shared across adapters.
const (
	// CodeWindowExpired marks a WhatsApp free-text send outside the 24-hour
	// customer service window. Callers should fall back to a template send.
	CodeWindowExpired = "window_expired"
	// CodeInvalidRecipient marks a permanently undeliverable address.
	CodeInvalidRecipient = "invalid_recipient"
	// CodeTemplateRejected marks an unapproved or malformed template.
	CodeTemplateRejected = "template_rejected"
	// CodeNotConfigured marks missing provider credentials.
	CodeNotConfigured = "not_configured"
	// CodeRateLimited marks a provider-side throttle.
	CodeRateLimited = "rate_limited"
	// CodeUpstream marks a transient provider-side failure.
	CodeUpstream = "upstream_error"
)

// NewRetryable builds a retryable provider error.
func NewRetryable(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: true}
}

// NewTerminal builds a non-retryable provider error.
func NewTerminal(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: false}
}

// WindowExpired builds the terminal 24-hour-window violation error.
func WindowExpired(detail string) *Error {
	return NewTerminal(CodeWindowExpired,
		"outside 24-hour messaging window, use a template send instead: "+detail)
}

// IsRetryable classifies an error from a Send call. Untyped errors (network
// failures, timeouts) are treated as retryable: the provider may never have
// seen the request.
func IsRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return true
}
