package model

import "time"

// EventType names a domain event emitted by the matching engine
type EventType string

const (
	EventRequestCreated     EventType = "request.created"
	EventDonorMatched       EventType = "donor.matched"
	EventOfferSubmitted     EventType = "offer.submitted"
	EventOfferAccepted      EventType = "offer.accepted"
	EventOfferRejected      EventType = "offer.rejected"
	EventOfferDeclined      EventType = "offer.declined"
	EventRequestCancelled   EventType = "request.cancelled"
	EventRequestFulfilled   EventType = "request.fulfilled"
	EventBookingCreated     EventType = "booking.created"
	EventBookingCancelled   EventType = "booking.cancelled"
	EventBookingRescheduled EventType = "booking.rescheduled"
	EventBookingCompleted   EventType = "booking.completed"
	EventBookingNoShow      EventType = "booking.no_show"
)

// Event is a fact about a committed state change. Recipients are the user
// ids that should be notified about it.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	RequestID  string            `json:"requestId,omitempty"`
	OfferID    string            `json:"offerId,omitempty"`
	SlotID     string            `json:"slotId,omitempty"`
	BookingID  string            `json:"bookingId,omitempty"`
	DonorID    string            `json:"donorId,omitempty"`
	Recipients []string          `json:"recipients,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}
