// Package notify delivers domain events to the people they concern.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/pkg/core/model"
)

// Sink delivers one event to one user. Delivery is fire-and-forget from the
// engine's point of view: an error is logged and never undoes the transition.
type Sink interface {
	Notify(ctx context.Context, userID string, event model.Event) error
}

// LogSink writes notifications to the log. Used when no delivery channel is configured.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) Notify(ctx context.Context, userID string, event model.Event) error {
	s.Logger.Info("Notification",
		zap.String("user_id", userID),
		zap.String("event", string(event.Type)),
		zap.String("request_id", event.RequestID),
		zap.String("booking_id", event.BookingID))
	return nil
}

// Message renders the subject and body sent for an event
func Message(event model.Event) (subject, body string) {
	switch event.Type {
	case model.EventDonorMatched:
		subject = "Urgent: a blood request near you needs your help"
	case model.EventOfferSubmitted:
		subject = "A donor has offered to help with your request"
	case model.EventOfferAccepted:
		subject = "Your offer to donate has been accepted"
	case model.EventOfferRejected:
		subject = "Your offer to donate is no longer needed"
	case model.EventRequestCancelled:
		subject = "A blood request you responded to was cancelled"
	case model.EventRequestFulfilled:
		subject = "A blood request has been fulfilled"
	case model.EventBookingCreated:
		subject = "Your donation appointment is booked"
	case model.EventBookingCancelled:
		subject = "A donation appointment was cancelled"
	case model.EventBookingRescheduled:
		subject = "Your donation appointment has moved"
	default:
		subject = "Blood donation update: " + string(event.Type)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s\n", event.Type)
	if event.RequestID != "" {
		fmt.Fprintf(&b, "Request: %s\n", event.RequestID)
	}
	if event.SlotID != "" {
		fmt.Fprintf(&b, "Slot: %s\n", event.SlotID)
	}
	if event.BookingID != "" {
		fmt.Fprintf(&b, "Booking: %s\n", event.BookingID)
	}
	for _, k := range sortedKeys(event.Attributes) {
		fmt.Fprintf(&b, "%s: %s\n", k, event.Attributes[k])
	}
	fmt.Fprintf(&b, "\nSent %s\n", event.OccurredAt.Format("Mon Jan 02 2006 15:04 MST"))
	return subject, b.String()
}
