package producer

import (
	"time"

	"glanswerk_backend/internal/events"
	"glanswerk_backend/internal/scheduler"
	"glanswerk_backend/platform/apperr"
	"glanswerk_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type bookingCreatedRequest struct {
	BookingID     string    `json:"bookingId" binding:"required"`
	CustomerName  string    `json:"customerName" binding:"required"`
	CustomerEmail string    `json:"customerEmail"`
	CustomerPhone string    `json:"customerPhone"`
	ServiceName   string    `json:"serviceName" binding:"required"`
	ScheduledAt   time.Time `json:"scheduledAt" binding:"required"`
	Location      string    `json:"location"`
}

// bookingCreated is the business-event intake for a new booking. It publishes
// the domain event and schedules the reminder; notification delivery is
// entirely out-of-band, so a provider outage never fails this call.
func (h *handler) bookingCreated(c *gin.Context) {
	var req bookingCreatedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.HandleError(c, apperr.Validation("invalid request body"))
		return
	}

	bookingID, err := uuid.Parse(req.BookingID)
	if err != nil {
		httpkit.HandleError(c, apperr.Validation("invalid bookingId"))
		return
	}

	ctx := c.Request.Context()
	m := h.module

	m.bus.Publish(ctx, events.BookingCreated{
		BaseEvent:     events.NewBaseEvent(),
		BookingID:     bookingID,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		ServiceName:   req.ServiceName,
		ScheduledAt:   req.ScheduledAt,
		Location:      req.Location,
	})

	reminderScheduled := false
	if m.reminders != nil && m.reminderLead > 0 {
		runAt := req.ScheduledAt.Add(-m.reminderLead)
		if runAt.After(time.Now()) {
			payload := scheduler.BookingReminderPayload{
				BookingID:     req.BookingID,
				CustomerName:  req.CustomerName,
				CustomerEmail: req.CustomerEmail,
				CustomerPhone: req.CustomerPhone,
				ServiceName:   req.ServiceName,
				ScheduledAt:   req.ScheduledAt,
				Location:      req.Location,
			}
			if err := m.reminders.ScheduleBookingReminder(ctx, payload, runAt); err != nil {
				m.log.Error("booking reminder scheduling failed",
					"booking_id", req.BookingID,
					"error", err.Error())
			} else {
				reminderScheduled = true
			}
		}
	}

	httpkit.Accepted(c, gin.H{
		"success":           true,
		"bookingId":         req.BookingID,
		"reminderScheduled": reminderScheduled,
	})
}
