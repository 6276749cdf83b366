// Package events defines the domain events exchanged between modules.
package events

import (
	"time"

	"github.com/google/uuid"
)

// BookingCreated is published when a customer books a wash appointment.
type BookingCreated struct {
	BaseEvent
	BookingID     uuid.UUID
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	ServiceName   string
	ScheduledAt   time.Time
	Location      string
}

// EventName returns the unique event identifier.
func (BookingCreated) EventName() string { return "booking.created" }

// BookingReminderDue is published by the scheduler worker when a booking's
// reminder lead time has elapsed.
type BookingReminderDue struct {
	BaseEvent
	BookingID     uuid.UUID
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	ServiceName   string
	ScheduledAt   time.Time
	Location      string
}

// EventName returns the unique event identifier.
func (BookingReminderDue) EventName() string { return "booking.reminder_due" }

// SubscriptionActivated is published when a wash subscription becomes active,
// typically after the payment provider confirms the first payment.
type SubscriptionActivated struct {
	BaseEvent
	SubscriptionID uuid.UUID
	PlanName       string
	CustomerName   string
	CustomerEmail  string
	CustomerPhone  string
}

// EventName returns the unique event identifier.
func (SubscriptionActivated) EventName() string { return "subscription.activated" }

// SubscriptionPaymentFailed is published when the payment provider reports a
// failed recurring charge for a subscription.
type SubscriptionPaymentFailed struct {
	BaseEvent
	SubscriptionID uuid.UUID
	PlanName       string
	CustomerName   string
	CustomerEmail  string
	CustomerPhone  string
	Reason         string
}

// EventName returns the unique event identifier.
func (SubscriptionPaymentFailed) EventName() string { return "subscription.payment_failed" }
